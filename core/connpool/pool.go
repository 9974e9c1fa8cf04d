package connpool

import (
	"log"
	"sync"
	"time"

	"github.com/searchktools/fastclient/core/events"
	"github.com/searchktools/fastclient/core/probe"
)

// Default tuning values, per spec.md §6's configuration surface.
const (
	DefaultMaxIdleConnections = 5
	DefaultKeepAliveDuration  = 5 * time.Minute
)

// StreamAllocation is the caller's handle to a stream it obtained from
// a pooled connection. Release must be called exactly once when the
// stream finishes (success, failure, or cancellation) so the
// connection's allocation count drops and the sweeper can reclaim it.
type StreamAllocation struct {
	Connection *Connection
	Release    func()
}

// Pool is the reuse cache of spec.md §4.2. The zero value is not
// usable; construct with New.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxIdleConnections int
	keepAliveDuration  time.Duration
	leakStaleAfter     time.Duration

	connections    []*Connection
	cleanupRunning bool
	closed         bool

	routes *RouteDatabase
	prober probe.Prober
	hub    *events.Hub

	now func() time.Time
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLeakDetectionThreshold overrides the "no progress for this long"
// leak watchdog (spec.md §9 suggests twice the read timeout). Zero
// disables leak detection.
func WithLeakDetectionThreshold(d time.Duration) Option {
	return func(p *Pool) { p.leakStaleAfter = d }
}

// withClock overrides the pool's notion of "now", used by tests to
// drive the sweeper deterministically without sleeping.
func withClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithProber installs a pre-reuse liveness probe (core/probe):
// Get skips, and retires, any otherwise-reusable connection the
// probe reports as Dead rather than handing it out for a doomed
// first write. Connections probe.Unknown applies to (including every
// connection on a platform with no probe implementation) are treated
// as reusable, exactly as if no prober were installed.
func WithProber(p probe.Prober) Option {
	return func(pool *Pool) { pool.prober = p }
}

// WithEventHub installs a diagnostics hub: the pool publishes a
// connection_idle notice from ConnectionBecameIdle when a connection's
// last stream releases, a
// connection_evicted notice when the sweeper closes an idle
// connection, and a leak_detected notice when it prunes a stale
// allocation, per SPEC_FULL.md §12's event vocabulary.
func WithEventHub(hub *events.Hub) Option {
	return func(pool *Pool) { pool.hub = hub }
}

func (p *Pool) publish(t events.Type, host string) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(events.Event{Type: t, Host: host, TimestampMillis: p.now().UnixMilli()})
}

// New constructs a Pool with the given idle-retention cap and
// keep-alive duration (spec.md §6 defaults: 5 and 5 minutes).
func New(maxIdleConnections int, keepAliveDuration time.Duration, opts ...Option) *Pool {
	p := &Pool{
		maxIdleConnections: maxIdleConnections,
		keepAliveDuration:  keepAliveDuration,
		routes:             NewRouteDatabase(),
		now:                time.Now,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns a reusable connection for route, transferring one
// allocation slot to the returned StreamAllocation, or nil if no
// connection in the pool currently matches and has a free slot.
// First-fit scan in insertion order, per spec.md §4.2.
func (p *Pool) Get(route Route) *StreamAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.connections {
		if !c.matchesRoute(route) || !c.reusable() {
			continue
		}
		if p.prober != nil {
			if peekable, ok := c.Route.(probe.Peekable); ok && probe.Check(peekable, p.prober) == probe.Dead {
				c.retire()
				continue
			}
		}
		release := c.allocate(p.now())
		return &StreamAllocation{Connection: c, Release: p.wrapRelease(c, release)}
	}
	return nil
}

// wrapRelease returns a release function that both frees the
// allocation and notifies connection_became_idle semantics once the
// connection's count reaches zero, so a caller of Get doesn't also
// have to remember to call ConnectionBecameIdle manually.
func (p *Pool) wrapRelease(c *Connection, release func()) func() {
	return func() {
		release()
		if c.liveAllocationCount() == 0 {
			p.ConnectionBecameIdle(c)
		}
	}
}

// Put inserts a newly-created connection and starts the sweeper if it
// is not already running, per spec.md §4.2.
func (p *Pool) Put(c *Connection) {
	p.mu.Lock()
	p.connections = append(p.connections, c)
	started := p.startSweeperLocked()
	p.mu.Unlock()
	if started {
		go p.runSweeper()
	}
}

// startSweeperLocked flips cleanup_running if it was false, returning
// whether this call is responsible for launching the goroutine.
// Caller must hold p.mu.
func (p *Pool) startSweeperLocked() bool {
	if p.cleanupRunning {
		return false
	}
	p.cleanupRunning = true
	return true
}

// ConnectionBecameIdle notifies the pool that the last stream on c
// finished. Returns true iff the pool refused retention and the
// caller must close c itself.
func (p *Pool) ConnectionBecameIdle(c *Connection) bool {
	p.mu.Lock()
	if c.retired() || p.maxIdleConnections == 0 {
		p.removeLocked(c)
		p.mu.Unlock()
		return true
	}

	c.markIdle(p.now())
	p.cond.Signal()
	p.mu.Unlock()
	p.publish(events.TypeConnectionIdle, c.route.Host)
	return false
}

func (p *Pool) removeLocked(c *Connection) {
	for i, existing := range p.connections {
		if existing == c {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			return
		}
	}
}

// EvictAll atomically drains every connection the pool currently
// holds and returns them so the caller can close sockets outside the
// lock, per spec.md §4.2.
func (p *Pool) EvictAll() []*Connection {
	p.mu.Lock()
	drained := p.connections
	p.connections = nil
	p.mu.Unlock()

	for _, c := range drained {
		c.retire()
	}
	return drained
}

// IdleConnectionCount reports the number of currently idle
// connections, used by tests asserting spec.md §8 invariant 5.
func (p *Pool) IdleConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	count := 0
	for _, c := range p.connections {
		if _, idle := c.idleDuration(now); idle {
			count++
		}
	}
	return count
}

// ConnectionCount reports the total number of connections the pool
// currently owns, idle or in use.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// Routes exposes the pool's failed-route tracker, consulted by
// transport code deciding which route to try next for a given host.
func (p *Pool) Routes() *RouteDatabase { return p.routes }

// runSweeper is the single dedicated background worker per pool,
// adapted from the teacher's cleanupIdleConnections ticker loop but
// driven by cleanup(now)'s variable-wake return value instead of a
// fixed tick, and woken early by ConnectionBecameIdle's cond.Signal.
func (p *Pool) runSweeper() {
	for {
		p.mu.Lock()
		if p.closed {
			p.cleanupRunning = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		next := p.cleanup(p.now())
		if next < 0 {
			return
		}
		if next == 0 {
			continue
		}
		p.sleepOrWake(next)
	}
}

// Close stops the background sweeper and releases every connection
// the pool holds, for orderly shutdown (e.g. a test's deferred
// cleanup, or the owning client's Close).
func (p *Pool) Close() []*Connection {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return p.EvictAll()
}

// sleepOrWake waits up to d, but returns early if cond is signalled by
// ConnectionBecameIdle. A signal arriving just before Wait is called
// is a benign lost wakeup: cleanup already recomputed the wait bound
// from current state, so the worst case is sleeping the full d rather
// than returning an incorrect result.
func (p *Pool) sleepOrWake(d time.Duration) {
	p.mu.Lock()
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	p.cond.Wait()
	p.mu.Unlock()
}

// cleanup implements spec.md §4.2's cleanup(now) algorithm exactly:
// prune leaked allocations, classify every connection as in-use or
// idle, then decide whether to evict, sleep, or terminate.
func (p *Pool) cleanup(now time.Time) time.Duration {
	p.mu.Lock()

	inUse := 0
	idle := 0
	var longestIdleConn *Connection
	var longestIdle time.Duration

	for _, c := range p.connections {
		count := c.pruneAndGetAllocationCount(now, p.leakStaleAfter, p.keepAliveDuration, p.logLeak)
		if count > 0 {
			inUse++
			continue
		}
		idle++
		if d, isIdle := c.idleDuration(now); isIdle {
			if longestIdleConn == nil || d > longestIdle {
				longestIdleConn = c
				longestIdle = d
			}
		}
	}

	switch {
	case longestIdleConn != nil && (longestIdle >= p.keepAliveDuration || idle > p.maxIdleConnections):
		p.removeLocked(longestIdleConn)
		p.mu.Unlock()
		longestIdleConn.close()
		p.publish(events.TypeConnectionEvicted, longestIdleConn.route.Host)
		return 0
	case idle > 0:
		wait := p.keepAliveDuration - longestIdle
		p.mu.Unlock()
		return wait
	case inUse > 0:
		p.mu.Unlock()
		return p.keepAliveDuration
	default:
		p.cleanupRunning = false
		p.mu.Unlock()
		return -1
	}
}

func (p *Pool) logLeak(c *Connection) {
	log.Printf("connpool: leaked stream allocation detected on connection to %s, marking no-new-streams", c.route.Host)
	p.publish(events.TypeLeakDetected, c.route.Host)
}
