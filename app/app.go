// Package app assembles the Dispatcher, ConnectionPool, transport
// Factory and interceptor Chain into the single Client type an
// end user actually constructs — OkHttp's own OkHttpClient plays
// the same role over the same three collaborators. The teacher's
// App (graceful-shutdown wrapper around a listening server engine) is
// adapted here for a client rather than a server: there is no listen
// address or signal-triggered accept-loop shutdown, but the same
// "own the background goroutines, provide one Close" shape survives.
package app

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/searchktools/fastclient/config"
	"github.com/searchktools/fastclient/core/arena"
	"github.com/searchktools/fastclient/core/chain"
	"github.com/searchktools/fastclient/core/connpool"
	"github.com/searchktools/fastclient/core/dispatcher"
	"github.com/searchktools/fastclient/core/events"
	"github.com/searchktools/fastclient/core/httpmsg"
	"github.com/searchktools/fastclient/core/observability"
	"github.com/searchktools/fastclient/core/probe"
	"github.com/searchktools/fastclient/core/transport"
)

// Client is the assembled concurrency core: one Dispatcher admitting
// calls, one ConnectionPool backing them, one interceptor Chain
// driving each exchange.
type Client struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	pool       *connpool.Pool
	factory    transport.Factory
	store      chain.Store
	hub        *events.Hub
	monitor    *observability.CallMonitor
	tlsConfig  *tls.Config
	hostPolicy dispatcher.HostPolicy
	executor   dispatcher.Executor
	segments   *arena.Arena
	prober     probe.Prober
	noProber   bool

	interceptors []chain.Interceptor
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTLSConfig overrides the TLS configuration used by the
// multiplexed transport factory.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tlsConfig }
}

// WithInterceptors installs user interceptors ahead of the built-in
// cache/connect/call-server chain, per chain.DefaultChain's ordering.
func WithInterceptors(interceptors ...chain.Interceptor) Option {
	return func(c *Client) { c.interceptors = interceptors }
}

// WithStore overrides the cache backing store; the default is an
// in-memory map suitable for tests and short-lived processes.
func WithStore(store chain.Store) Option {
	return func(c *Client) { c.store = store }
}

// WithEventHub installs a diagnostics hub; New builds one if omitted.
func WithEventHub(hub *events.Hub) Option {
	return func(c *Client) { c.hub = hub }
}

// WithCallMonitor installs a per-host latency/error monitor. New
// builds one by default; pass nil to disable monitoring entirely.
func WithCallMonitor(monitor *observability.CallMonitor) Option {
	return func(c *Client) { c.monitor = monitor }
}

// WithHostPolicy installs a per-host concurrency override consulted
// by the Dispatcher in place of its uniform per-host cap, e.g. a
// hostpolicy.Matcher built from a handful of host patterns.
func WithHostPolicy(policy dispatcher.HostPolicy) Option {
	return func(c *Client) { c.hostPolicy = policy }
}

// WithExecutor overrides the Dispatcher's default unbounded
// goroutine-per-call executor, e.g. with a
// dispatcher.NewWorkerPoolExecutor to cap OS thread fan-out.
func WithExecutor(executor dispatcher.Executor) Option {
	return func(c *Client) { c.executor = executor }
}

// WithArena installs a byte-segment pool the transport factory uses to
// stage outgoing request bodies instead of letting each call retain
// its own backing array until the exchange completes. New leaves this
// nil, so bodies are sent from the caller's own byte slice unless this
// is set.
func WithArena(segments *arena.Arena) Option {
	return func(c *Client) { c.segments = segments }
}

// WithProber overrides the connection pool's pre-reuse liveness probe.
// New installs probe.NewProber() by default on every platform (the
// non-unix fallback is Unknown-only and therefore harmless), so most
// callers never need this option; pass nil to run with no probing at
// all, e.g. in a test double that fakes raw fds the real prober can't
// interpret.
func WithProber(p probe.Prober) Option {
	return func(c *Client) {
		c.prober = p
		c.noProber = p == nil
	}
}

// New assembles a Client from cfg. m, if non-nil, is wired so that
// later calls to m.Set("max.requests", n) (or
// "max.requests.per.host") reconfigure the live Dispatcher, per
// config.WireDispatcher.
func New(cfg *config.Config, m *config.Manager, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		store:   newMemoryStore(),
		hub:     events.NewHub(),
		monitor: observability.NewCallMonitor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.prober == nil && !c.noProber {
		if p, err := probe.NewProber(); err == nil {
			c.prober = p
		}
	}
	if c.monitor != nil && c.hub != nil {
		c.monitor.Subscribe(c.hub)
	}

	var dispatcherOpts []dispatcher.Option
	if c.hostPolicy != nil {
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithHostPolicy(c.hostPolicy))
	}
	if c.executor != nil {
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithExecutor(c.executor))
	}
	if c.hub != nil {
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithEventHub(c.hub))
	}
	c.dispatcher = dispatcher.New(cfg.MaxRequests, cfg.MaxRequestsPerHost, dispatcherOpts...)

	var poolOpts []connpool.Option
	if c.hub != nil {
		poolOpts = append(poolOpts, connpool.WithEventHub(c.hub))
	}
	if c.prober != nil {
		poolOpts = append(poolOpts, connpool.WithProber(c.prober))
	}
	c.pool = connpool.New(cfg.MaxIdleConnections, cfg.KeepAliveDuration, poolOpts...)
	c.factory = transport.NewMultiplexFactory(c.pool, c.tlsConfig, 0, c.segments)

	if m != nil {
		config.WireDispatcher(m, c.dispatcher)
	}

	return c
}

// Dispatcher exposes the underlying Dispatcher, e.g. for Cancel(tag)
// or EffectiveMaxRequestsForHost.
func (c *Client) Dispatcher() *dispatcher.Dispatcher { return c.dispatcher }

// Pool exposes the underlying ConnectionPool for diagnostics.
func (c *Client) Pool() *connpool.Pool { return c.pool }

// Events exposes the diagnostics hub for subscribers.
func (c *Client) Events() *events.Hub { return c.hub }

// Monitor exposes the per-host call latency/error monitor, or nil if
// disabled via WithCallMonitor(nil).
func (c *Client) Monitor() *observability.CallMonitor { return c.monitor }

func (c *Client) nowMillis() int64 { return time.Now().UnixMilli() }

func (c *Client) chainLinks() []chain.Interceptor {
	return chain.DefaultChain(c.interceptors, c.store, c.nowMillis, c.factory, c.hub)
}

// Execute runs request synchronously on the calling goroutine,
// mirroring OkHttp's Call.execute(): admitted as a sync call so the
// dispatcher's per-host accounting still applies, but without
// handing the work to a worker goroutine.
func (c *Client) Execute(request *httpmsg.Request) (*httpmsg.Response, error) {
	host := request.URL.NormalizedHost()
	call := dispatcher.NewSyncCall(host, request)
	c.dispatcher.Executed(call)
	defer c.dispatcher.FinishedSync(call)

	start := c.startTrace()
	response, err := chain.Execute(c.chainLinks(), request)
	c.endTrace(host, start, err != nil)
	return response, err
}

func (c *Client) startTrace() int64 {
	if c.monitor == nil {
		return 0
	}
	return c.monitor.StartTrace()
}

func (c *Client) endTrace(host string, start int64, isError bool) {
	if c.monitor == nil {
		return
	}
	c.monitor.EndTrace(host, start, isError)
}

// Go runs request asynchronously: admitted through the dispatcher's
// bounded queue, executed on a worker goroutine once promoted,
// callback fired exactly once with the final Response or error.
func (c *Client) Go(request *httpmsg.Request, tag interface{}, callback func(*httpmsg.Response, error)) {
	host := request.URL.NormalizedHost()
	call := dispatcher.NewAsyncCall(host, tag, func(ctx *dispatcher.ExecContext) (interface{}, error) {
		if ctx.Cancelled() {
			return nil, dispatcher.ErrCancelled
		}
		start := c.startTrace()
		response, err := chain.Execute(c.chainLinks(), request)
		c.endTrace(host, start, err != nil)
		return response, err
	}, func(result interface{}, err error) {
		var response *httpmsg.Response
		if result != nil {
			response = result.(*httpmsg.Response)
		}
		callback(response, err)
	})
	c.dispatcher.Enqueue(call)
}

// Cancel cancels every in-flight or queued call sharing tag.
func (c *Client) Cancel(tag interface{}) { c.dispatcher.Cancel(tag) }

// Close stops the connection pool's background sweeper and closes
// every pooled connection, and stops the call monitor's bottleneck
// detection loop if one is installed. The dispatcher has no
// background goroutines of its own to stop (goExecutor is bare `go`
// calls that exit on their own).
func (c *Client) Close() {
	for _, conn := range c.pool.Close() {
		if conn.Route != nil {
			_ = conn.Route.Close()
		}
	}
	if c.monitor != nil {
		c.monitor.Close()
	}
}

// memoryStore is the default chain.Store: an unbounded in-memory map,
// fine for a single process's lifetime or tests, not for a durable
// on-disk HTTP cache (that collaborator is explicitly out of scope,
// per spec.md §1).
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*httpmsg.Response
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]*httpmsg.Response)}
}

func (s *memoryStore) Get(key string) (*httpmsg.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[key]
	return r, ok
}

func (s *memoryStore) Put(key string, response *httpmsg.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = response
}

func (s *memoryStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

var _ chain.Store = (*memoryStore)(nil)
