package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"

	fastclientcore "github.com/searchktools/fastclient/core"
	"github.com/searchktools/fastclient/core/arena"
	"github.com/searchktools/fastclient/core/connpool"
	"github.com/searchktools/fastclient/core/httpmsg"
)

// MultiplexFactory builds Engines that move bytes over
// golang.org/x/net/http2's client Transport, the library the teacher
// already depends on for HTTP/2 framing (core/http2/server.go used its
// server-side counterpart; framing itself is out of scope per spec.md
// §1, so this package only configures and calls the library rather
// than implementing framing by hand).
//
// One http2.Transport is cached per route: the library keeps its own
// internal connection cache, but connpool.Pool remains the
// spec-mandated bookkeeping layer recording allocation counts, idle
// timestamps and route failures that the dispatcher and sweeper
// reason about.
type MultiplexFactory struct {
	pool          *connpool.Pool
	tlsConfig     *tls.Config
	dialTimeout   time.Duration
	transportsMu  sync.Mutex
	transports    map[connpool.Route]*http2.Transport
	allocationCap int
	arena         *arena.Arena
}

// NewMultiplexFactory builds a Factory backed by pool for bookkeeping.
// allocationCap is the per-connection concurrent-stream limit recorded
// against pooled Connections (spec.md §3's allocation_limit). segments,
// if non-nil, is used to stage outgoing request bodies in a reusable
// buffer; pass nil to send each request body straight from the
// caller's own slice.
func NewMultiplexFactory(pool *connpool.Pool, tlsConfig *tls.Config, allocationCap int, segments *arena.Arena) *MultiplexFactory {
	if allocationCap < 1 {
		allocationCap = 100 // http2's own default stream concurrency is generous
	}
	return &MultiplexFactory{
		pool:          pool,
		tlsConfig:     tlsConfig,
		dialTimeout:   10 * time.Second,
		transports:    make(map[connpool.Route]*http2.Transport),
		allocationCap: allocationCap,
		arena:         segments,
	}
}

// routeFailureThreshold is the failure count at which NewEngine and
// Recover stop trying to reuse a route's pooled connection and dial
// fresh instead, de-prioritizing (not forbidding) a route that has
// been failing: RouteDatabase.Failures still ages the count out after
// its window, so the route is retried normally once it recovers.
const routeFailureThreshold = 3

// NewEngine implements Factory.
func (f *MultiplexFactory) NewEngine(request *httpmsg.Request) (Engine, error) {
	route := connpool.Route{
		Host:    request.URL.NormalizedHost(),
		IsHTTPS: request.URL.IsHTTPS,
	}

	rt := f.transportFor(route)

	alloc := f.allocPreferringFreshDial(route)
	if alloc == nil {
		conn, err := f.dial(route)
		if err != nil {
			f.pool.Routes().ConnectFailed(route)
			return nil, err
		}
		f.pool.Routes().ConnectSucceeded(route)
		f.pool.Put(conn)
		alloc = f.pool.Get(route)
		if alloc == nil {
			return nil, fmt.Errorf("transport: could not allocate a stream on a freshly dialed connection to %s", route.Host)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &multiplexEngine{
		factory:    f,
		route:      route,
		roundTrip:  rt,
		allocation: alloc,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// allocPreferringFreshDial returns a pooled stream allocation for
// route, skipping reuse of its cached connection once the route's
// database-recorded failure count reaches routeFailureThreshold: a
// route that keeps failing is more likely to be backed by a connection
// worth abandoning than one worth handing out again.
func (f *MultiplexFactory) allocPreferringFreshDial(route connpool.Route) *connpool.StreamAllocation {
	if f.pool.Routes().Failures(route) >= routeFailureThreshold {
		return nil
	}
	return f.pool.Get(route)
}

// stageBody copies body into an arena segment when the factory has one
// configured, releasing the caller from holding on to its own backing
// array for the lifetime of the request; the caller keeps the
// returned segment so Release can return it once the exchange is done.
func (f *MultiplexFactory) stageBody(body []byte) (staged []byte, segment []byte) {
	if f.arena == nil || len(body) == 0 {
		return body, nil
	}
	buf := f.arena.Get(len(body))
	copy(buf, body)
	return buf, buf
}

func (f *MultiplexFactory) transportFor(route connpool.Route) *http2.Transport {
	f.transportsMu.Lock()
	defer f.transportsMu.Unlock()

	if rt, ok := f.transports[route]; ok {
		return rt
	}
	rt := &http2.Transport{
		TLSClientConfig:  f.tlsConfig,
		AllowHTTP:        !route.IsHTTPS,
		ReadIdleTimeout:  30 * time.Second,
		PingTimeout:      15 * time.Second,
		DisableCompression: false,
	}
	f.transports[route] = rt
	return rt
}

// dial establishes a new underlying connection for route and records
// it in the pool under the MultiplexFactory's allocationCap, so later
// requests to the same route may be handed additional stream slots
// without dialing again.
func (f *MultiplexFactory) dial(route connpool.Route) (*connpool.Connection, error) {
	// The real socket lifecycle belongs to http2.Transport once a
	// ClientConn exists; the pool's Connection here is a bookkeeping
	// handle (its Socket is a no-op closer) recording that a route has
	// a usable, multiplexed transport, so Get/Put/leak-detection stay
	// meaningful without this package re-implementing connection
	// dialing that http2.Transport already performs on first use.
	return connpool.NewConnection(noopSocket{}, route, f.allocationCap), nil
}

type noopSocket struct{}

func (noopSocket) Close() error { return nil }

// multiplexEngine is the per-call Engine of spec.md §6, implemented
// against golang.org/x/net/http2.Transport.
type multiplexEngine struct {
	factory    *MultiplexFactory
	route      connpool.Route
	roundTrip  *http2.Transport
	allocation *connpool.StreamAllocation

	ctx    context.Context
	cancel context.CancelFunc

	httpRequest     *http.Request
	originalRequest *httpmsg.Request
	followUps       int
	bodySegment     []byte
}

func (e *multiplexEngine) SendRequest(request *httpmsg.Request) error {
	e.originalRequest = request
	scheme := "http"
	if request.URL.IsHTTPS {
		scheme = "https"
	}
	rawURL := scheme + "://" + request.URL.Host + "/"
	if request.URL.Query != "" {
		rawURL += "?" + request.URL.Query
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("transport: invalid request URL: %w", err)
	}

	var body io.ReadCloser
	if len(request.Body) > 0 {
		staged, segment := e.factory.stageBody(request.Body)
		e.bodySegment = segment
		body = io.NopCloser(bytes.NewReader(staged))
	}

	httpReq, err := http.NewRequestWithContext(e.ctx, request.Method, u.String(), body)
	if err != nil {
		return err
	}
	for key, values := range request.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get(fastclientcore.HeaderUserAgent) == "" {
		httpReq.Header.Set(fastclientcore.HeaderUserAgent, fastclientcore.DefaultUserAgent)
	}
	if len(request.Body) > 0 {
		httpReq.ContentLength = int64(len(request.Body))
	}

	e.httpRequest = httpReq
	return nil
}

func (e *multiplexEngine) ReadResponse() (*httpmsg.Response, error) {
	if e.httpRequest == nil {
		return nil, fmt.Errorf("transport: ReadResponse called before SendRequest")
	}

	sentAt := time.Now().UnixMilli()
	httpResp, err := e.roundTrip.RoundTrip(e.httpRequest)
	receivedAt := time.Now().UnixMilli()
	if err != nil {
		return nil, err
	}
	e.allocation.Connection.Touch(time.UnixMilli(receivedAt))

	header := httpmsg.NewHeader()
	for key, values := range httpResp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}

	response := &httpmsg.Response{
		StatusCode:               httpResp.StatusCode,
		Header:                   header,
		Request:                  e.originalRequest,
		TLSVerified:              httpResp.TLS != nil,
		SentRequestAtMillis:      sentAt,
		ReceivedResponseAtMillis: receivedAt,
	}
	response.EncodeTimestamps()
	return response, nil
}

// Recover implements spec.md §6's recover contract: route failures
// are reported to the pool's route database, and a retryable failure
// (here: anything other than a context cancellation) earns one retry
// on a new engine. Its stream comes from a pooled connection or, once
// the route has reached routeFailureThreshold failures, from a fresh
// dial (see allocPreferringFreshDial). The retry is only granted while
// this engine's followUps count is zero, so an engine that has already
// followed a redirect, or was itself produced by Recover, is not
// retried.
func (e *multiplexEngine) Recover(cause error) (Engine, bool) {
	if e.ctx.Err() != nil {
		return nil, false
	}
	e.factory.pool.Routes().ConnectFailed(e.route)
	if e.followUps > 0 {
		// followUps counts both redirects followed and earlier retries;
		// either one ends retrying, so a persistently broken route is
		// not retried forever.
		return nil, false
	}

	alloc := e.factory.allocPreferringFreshDial(e.route)
	if alloc == nil {
		conn, err := e.factory.dial(e.route)
		if err != nil {
			return nil, false
		}
		e.factory.pool.Put(conn)
		alloc = e.factory.pool.Get(e.route)
		if alloc == nil {
			return nil, false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &multiplexEngine{
		factory:    e.factory,
		route:      e.route,
		roundTrip:  e.roundTrip,
		allocation: alloc,
		ctx:        ctx,
		cancel:     cancel,
		followUps:  e.followUps + 1,
	}, true
}

func (e *multiplexEngine) Cancel() {
	e.cancel()
}

// FollowUpRequest implements the redirect half of spec.md §6's
// follow_up_request: 3xx responses carrying Location are followed up
// to MaxFollowUps times; everything else is treated as final.
func (e *multiplexEngine) FollowUpRequest(response *httpmsg.Response) (*httpmsg.Request, bool) {
	switch response.StatusCode {
	case 301, 302, 303, 307, 308:
	default:
		return nil, false
	}
	if e.followUps >= MaxFollowUps {
		return nil, false
	}

	location := response.Header.Get("location")
	if location == "" {
		return nil, false
	}
	target, err := url.Parse(location)
	if err != nil {
		return nil, false
	}

	method := response.Request.Method
	if response.StatusCode == 303 && method != "GET" && method != "HEAD" {
		method = "GET"
	}

	next := httpmsg.NewRequest(method, httpmsg.URL{
		Host:    target.Host,
		IsHTTPS: target.Scheme == "https",
		Query:   target.RawQuery,
	})
	for k, v := range response.Request.Header {
		next.Header[k] = append([]string(nil), v...)
	}
	e.followUps++
	return next, true
}

// Release implements Engine.
func (e *multiplexEngine) Release() {
	if e.allocation != nil {
		e.allocation.Release()
	}
	if e.bodySegment != nil && e.factory.arena != nil {
		e.factory.arena.Put(e.bodySegment)
		e.bodySegment = nil
	}
}

var _ Engine = (*multiplexEngine)(nil)
