// Package transport defines the collaborator contract spec.md §6 calls
// the "transport engine": the per-call object that actually writes
// request bytes and reads response bytes against a pooled connection.
// This package holds the interface only; core/transport/multiplex.go
// provides the HTTP/2-multiplexing implementation the concurrency
// core actually drives.
package transport

import (
	"errors"

	"github.com/searchktools/fastclient/core/httpmsg"
)

// ErrTooManyFollowUps is returned once a call exceeds MaxFollowUps
// redirects/auth retries, per spec.md §6.
var ErrTooManyFollowUps = errors.New("transport: too many follow-up requests")

// MaxFollowUps is the canonical follow-up limit from spec.md §6.
const MaxFollowUps = 20

// Engine is the per-call transport collaborator. A new Engine (or a
// recovered one from Recover) is needed for every attempt against the
// network; the concurrency core never talks to a raw socket directly.
type Engine interface {
	// SendRequest blocks while writing request bytes and opening a
	// stream allocation against a pool connection.
	SendRequest(request *httpmsg.Request) error

	// ReadResponse blocks while reading response headers. The
	// returned Response's body, if any, is read lazily by the caller
	// through whatever stream the engine attaches — out of scope for
	// this package, which only carries the fields the concurrency
	// core consults.
	ReadResponse() (*httpmsg.Response, error)

	// Recover inspects a failure from SendRequest/ReadResponse and
	// either returns a new Engine to retry the same logical call with,
	// or nil if the failure is unrecoverable. Route failures are
	// reported to the connection pool's route database as a side
	// effect of Recover's implementation, not visible in this
	// signature.
	Recover(cause error) (Engine, bool)

	// Cancel makes a best-effort attempt to terminate in-flight I/O.
	Cancel()

	// FollowUpRequest returns the next request for a redirect or auth
	// challenge found in response, or ok == false once the final
	// response has been reached.
	FollowUpRequest(response *httpmsg.Response) (request *httpmsg.Request, ok bool)

	// Release returns this engine's stream allocation to the
	// connection pool. Safe to call exactly once on every terminal
	// exit path of a call, per spec.md §7's resource guarantee.
	Release()
}

// Factory constructs the first Engine for a call against request,
// consulting whatever connection pool and route selection the
// concrete implementation wires in.
type Factory interface {
	NewEngine(request *httpmsg.Request) (Engine, error)
}
