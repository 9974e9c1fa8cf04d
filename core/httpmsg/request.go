package httpmsg

import "golang.org/x/net/idna"

// URL carries only the fields the concurrency core reads from a
// request URL: host, scheme and query presence (spec.md §6).
type URL struct {
	Host    string
	IsHTTPS bool
	Query   string
}

// NormalizedHost returns u.Host run through IDNA lookup normalization,
// so an internationalized hostname compares equal to its ASCII/Unicode
// variants when used as part of a connection-pool route key or a
// dispatcher per-host bucket. Falls back to the raw host on any
// normalization error (a malformed host is a transport-layer concern,
// not this package's).
func (u URL) NormalizedHost() string {
	if u.Host == "" {
		return u.Host
	}
	normalized, err := idna.Lookup.ToASCII(u.Host)
	if err != nil {
		return u.Host
	}
	return normalized
}

// Request is an immutable HTTP request as seen by the concurrency
// core. Unlike the teacher's pooled, reset-and-reuse Request (adapted
// for a server's hot read path), a Call's Request is never mutated
// after creation: the dispatcher and cache strategy only ever read it.
type Request struct {
	Method string
	URL    URL
	Header Header
	Body   []byte
}

// NewRequest builds a Request with an initialized header bag.
func NewRequest(method string, url URL) *Request {
	return &Request{
		Method: method,
		URL:    url,
		Header: NewHeader(),
	}
}

// CacheControl parses this request's Cache-Control header.
func (r *Request) CacheControl() CacheControl {
	return CacheControlOf(r.Header)
}

// IsConditional reports whether the request already carries a
// conditional header, per spec.md §4.3 step 4.
func (r *Request) IsConditional() bool {
	return r.Header.Has(HeaderIfModifiedSince) || r.Header.Has(HeaderIfNoneMatch)
}

// WithHeader returns a shallow copy of r with key set to value. Used
// to build the derived conditional/network request of spec.md §4.3
// step 7 without mutating the original, immutable Request.
func (r *Request) WithHeader(key, value string) *Request {
	cloned := *r
	cloned.Header = make(Header, len(r.Header)+1)
	for k, v := range r.Header {
		cloned.Header[k] = append([]string(nil), v...)
	}
	cloned.Header.Set(key, value)
	return &cloned
}
