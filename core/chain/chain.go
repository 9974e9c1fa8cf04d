// Package chain implements the interceptor chain of spec.md §6: a
// sequence of observers that wrap a network exchange, terminated by a
// link that talks to the transport engine directly. The teacher's
// Pipeline (core/middleware/pipeline.go) iterates a pre-sized handler
// slice by index; this package keeps an index-based position but
// replaces the abort-flag short-circuit with an explicit
// chain-position index threaded through Proceed. Each interceptor
// calls Proceed from inside its own Intercept, so links nest on the
// call stack rather than running in a flat loop.
package chain

import (
	"errors"

	"github.com/searchktools/fastclient/core/httpmsg"
)

// ErrNilResponse is returned when an interceptor's Intercept returns a
// nil response and a nil error — a contract violation per spec.md §6.
var ErrNilResponse = errors.New("chain: interceptor returned a nil response without an error")

// Interceptor observes and may rewrite a single link of the exchange.
type Interceptor interface {
	Intercept(c *Chain) (*httpmsg.Response, error)
}

// InterceptorFunc adapts a plain function to Interceptor.
type InterceptorFunc func(c *Chain) (*httpmsg.Response, error)

// Intercept calls f.
func (f InterceptorFunc) Intercept(c *Chain) (*httpmsg.Response, error) {
	return f(c)
}

// Chain carries the current position in an interceptor sequence and
// the request as rewritten so far. The position is an explicit index
// rather than a closure per link, but Proceed still nests: each
// interceptor calls Proceed from within its own Intercept, so the call
// stack grows by a few frames per installed interceptor for the
// duration of the exchange.
type Chain struct {
	interceptors []Interceptor
	index        int
	request      *httpmsg.Request

	// values is shared by every link of a single call's chain (the
	// same map is carried across Proceed, never copied), letting an
	// upstream interceptor (ConnectInterceptor) hand a resource — the
	// transport engine it opened — to a downstream one
	// (CallServerInterceptor) without widening this package's
	// interface with call-specific fields.
	values map[string]interface{}
}

// New builds the first link of a chain over interceptors, primed with
// the original request. The last element of interceptors is
// conventionally a link with no further Proceed call (see
// CallServerInterceptor in interceptors.go), which is what actually
// terminates the chain rather than any special-case in this type.
func New(interceptors []Interceptor, request *httpmsg.Request) *Chain {
	return &Chain{interceptors: interceptors, index: 0, request: request, values: make(map[string]interface{})}
}

// Request returns the request as seen at this point in the chain.
func (c *Chain) Request() *httpmsg.Request {
	return c.request
}

// Set stashes a value under key, visible to every later link of this
// same call's chain.
func (c *Chain) Set(key string, value interface{}) {
	c.values[key] = value
}

// Value retrieves a value previously stashed with Set.
func (c *Chain) Value(key string) (interface{}, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Proceed invokes the next interceptor with request, advancing the
// chain position by one. Per spec.md §6, a nil response with a nil
// error from that interceptor is a contract violation.
func (c *Chain) Proceed(request *httpmsg.Request) (*httpmsg.Response, error) {
	if c.index >= len(c.interceptors) {
		return nil, errors.New("chain: proceed called past the end of the interceptor list")
	}

	next := &Chain{interceptors: c.interceptors, index: c.index + 1, request: request, values: c.values}
	interceptor := c.interceptors[c.index]

	response, err := interceptor.Intercept(next)
	if err == nil && response == nil {
		return nil, ErrNilResponse
	}
	return response, err
}

// Execute runs request through interceptors from the start, per
// spec.md §6's "chain.proceed(request) -> response" external
// interface description, expressed from the outside as a single call
// rather than requiring a caller to build the first Chain itself.
func Execute(interceptors []Interceptor, request *httpmsg.Request) (*httpmsg.Response, error) {
	if len(interceptors) == 0 {
		return nil, errors.New("chain: no interceptors installed")
	}
	first := New(interceptors, request)
	return first.Proceed(request)
}
