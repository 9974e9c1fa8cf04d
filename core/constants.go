// Package core holds constants shared across the concurrency-core
// subpackages (dispatcher, connpool, transport, chain) that don't
// belong to any single one of them, mirroring the teacher's own
// top-level core package role.
package core

import "errors"

// DefaultUserAgent is sent by the transport engine whenever a request
// doesn't already carry its own User-Agent header.
const DefaultUserAgent = "fastclient/1.0"

// Canonical per-host and global concurrency defaults, matching
// spec.md §6. config.New's flag defaults use the same values, written
// there as literals; dispatcher.New has no defaults of its own.
const (
	DefaultMaxRequests        = 64
	DefaultMaxRequestsPerHost = 5
)

// HeaderUserAgent is the one constant from the teacher's original
// header table still consulted outside httpmsg, which otherwise owns
// the rest of the cache-relevant header names.
const HeaderUserAgent = "User-Agent"

// Shared sentinel errors that don't belong to any one subpackage.
var (
	ErrClosed  = errors.New("fastclient: use of a closed client")
	ErrNoRoute = errors.New("fastclient: no route could be resolved for this request")
)
