package connpool

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/searchktools/fastclient/core/events"
	"github.com/searchktools/fastclient/core/probe"
)

type fakeSocket struct {
	closed atomic.Bool
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

// peekableSocket additionally satisfies probe.Peekable, letting tests
// exercise WithProber without a real network connection.
type peekableSocket struct {
	fakeSocket
}

func (s *peekableSocket) SyscallConn() (syscall.RawConn, error) {
	return fakeRawConn{}, nil
}

type fakeRawConn struct{}

func (fakeRawConn) Control(f func(fd uintptr)) error { f(0); return nil }
func (fakeRawConn) Read(f func(fd uintptr) bool) error {
	f(0)
	return nil
}
func (fakeRawConn) Write(f func(fd uintptr) bool) error { f(0); return nil }

// alwaysDeadProber reports every fd as Dead, regardless of its actual
// socket state, so tests can force the liveness-probe code path.
type alwaysDeadProber struct{}

func (alwaysDeadProber) Peek(fd int) (probe.Liveness, error) { return probe.Dead, nil }

func newTestPool(maxIdle int, keepAlive time.Duration, clock *clockStub) *Pool {
	p := New(maxIdle, keepAlive, withClock(clock.now))
	return p
}

// clockStub is a manually advanced clock so sweeper tests don't depend
// on wall-clock sleeps.
type clockStub struct {
	mu sync.Mutex
	t  time.Time
}

func newClockStub() *clockStub { return &clockStub{t: time.Unix(1_700_000_000, 0)} }

func (c *clockStub) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clockStub) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// S3: max_idle=2, keep_alive=60s, 3 connections all idled at t=0.
// After cleanup runs, exactly 2 remain; the victim is the
// insertion-order-first of the excess.
func TestPool_S3_EvictsExcessIdleInInsertionOrder(t *testing.T) {
	clock := newClockStub()
	p := newTestPool(2, 60*time.Second, clock)
	defer p.Close()

	route := Route{Host: "example.com"}
	sockets := make([]*fakeSocket, 3)
	conns := make([]*Connection, 3)
	for i := range conns {
		sockets[i] = &fakeSocket{}
		conns[i] = NewConnection(sockets[i], route, 1)
		p.Put(conns[i])
	}
	for _, c := range conns {
		p.ConnectionBecameIdle(c)
	}

	// Run cleanup directly (deterministic, no sweeper-goroutine timing
	// dependency) until it stops evicting.
	for i := 0; i < 10; i++ {
		next := p.cleanup(clock.now())
		if next != 0 {
			break
		}
	}

	if got := p.ConnectionCount(); got != 2 {
		t.Fatalf("expected 2 connections to remain, got %d", got)
	}
	if !sockets[0].closed.Load() {
		t.Error("expected the first-inserted (insertion-order-first) connection to be evicted")
	}
	if sockets[1].closed.Load() || sockets[2].closed.Load() {
		t.Error("did not expect the two most recent connections to be evicted")
	}
}

// S3 variant expressed against spec.md §8 invariant 5: at steady
// state idle_connection_count <= max_idle_connections.
func TestPool_Invariant_IdleCountNeverExceedsMax(t *testing.T) {
	clock := newClockStub()
	p := newTestPool(2, 60*time.Second, clock)
	defer p.Close()
	route := Route{Host: "example.com"}

	for i := 0; i < 5; i++ {
		c := NewConnection(&fakeSocket{}, route, 1)
		p.Put(c)
		p.ConnectionBecameIdle(c)
	}

	for i := 0; i < 10; i++ {
		if p.cleanup(clock.now()) != 0 {
			break
		}
	}

	if got := p.IdleConnectionCount(); got > 2 {
		t.Errorf("idle count %d exceeds max_idle_connections=2", got)
	}
}

// Invariant 6: a connection idle for exactly keep_alive_duration is
// evicted before any later-idled connection.
func TestPool_Invariant_OldestIdleEvictedFirst(t *testing.T) {
	clock := newClockStub()
	p := newTestPool(1, 10*time.Second, clock)
	defer p.Close()
	route := Route{Host: "example.com"}

	older := NewConnection(&fakeSocket{}, route, 1)
	p.Put(older)
	p.ConnectionBecameIdle(older)

	clock.advance(5 * time.Second)

	newer := NewConnection(&fakeSocket{}, route, 1)
	p.Put(newer)
	p.ConnectionBecameIdle(newer)

	clock.advance(5 * time.Second) // older now idle 10s, newer idle 5s

	next := p.cleanup(clock.now())
	if next != 0 {
		t.Fatalf("expected an eviction (next=0), got %v", next)
	}
	if p.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connection remaining, got %d", p.ConnectionCount())
	}
	// The survivor must be the newer one; inspect via Get.
	if alloc := p.Get(route); alloc == nil || alloc.Connection != newer {
		t.Error("expected the newer connection to survive eviction")
	}
}

// Get returns nil when no connection matches the requested route.
func TestPool_GetNoMatch(t *testing.T) {
	clock := newClockStub()
	p := newTestPool(5, time.Minute, clock)
	defer p.Close()
	p.Put(NewConnection(&fakeSocket{}, Route{Host: "a.example.com"}, 1))

	if alloc := p.Get(Route{Host: "b.example.com"}); alloc != nil {
		t.Error("expected no match for a different route")
	}
}

// A multiplexed connection serves more than one allocation
// concurrently, up to its allocation limit.
func TestPool_MultiplexedConnectionServesConcurrentAllocations(t *testing.T) {
	clock := newClockStub()
	p := newTestPool(5, time.Minute, clock)
	defer p.Close()
	route := Route{Host: "example.com", IsHTTPS: true}
	conn := NewConnection(&fakeSocket{}, route, 4)
	p.Put(conn)

	var allocs []*StreamAllocation
	for i := 0; i < 4; i++ {
		alloc := p.Get(route)
		if alloc == nil {
			t.Fatalf("expected allocation %d to succeed under the multiplex limit", i)
		}
		allocs = append(allocs, alloc)
	}

	if alloc := p.Get(route); alloc != nil {
		t.Error("expected the 5th allocation to fail: connection is at its limit")
	}

	allocs[0].Release()
	if alloc := p.Get(route); alloc == nil {
		t.Error("expected a slot to free up after releasing one allocation")
	}
}

// connection_became_idle refuses retention and signals eviction when
// the connection has been retired (no_new_streams).
func TestPool_ConnectionBecameIdleRefusesRetiredConnection(t *testing.T) {
	clock := newClockStub()
	p := newTestPool(5, time.Minute, clock)
	defer p.Close()
	route := Route{Host: "example.com"}
	conn := NewConnection(&fakeSocket{}, route, 1)
	p.Put(conn)
	conn.retire()

	if refused := p.ConnectionBecameIdle(conn); !refused {
		t.Error("expected the pool to refuse retention of a retired connection")
	}
	if p.ConnectionCount() != 0 {
		t.Error("expected the retired connection to be removed from the pool")
	}
}

// max_idle_connections=0 refuses retention of every idle connection.
func TestPool_ZeroMaxIdleRefusesAllRetention(t *testing.T) {
	clock := newClockStub()
	p := newTestPool(0, time.Minute, clock)
	defer p.Close()
	route := Route{Host: "example.com"}
	conn := NewConnection(&fakeSocket{}, route, 1)
	p.Put(conn)

	if refused := p.ConnectionBecameIdle(conn); !refused {
		t.Error("expected refusal when max_idle_connections is 0")
	}
}

// EvictAll atomically drains every connection for the caller to close.
func TestPool_EvictAllDrainsEverything(t *testing.T) {
	clock := newClockStub()
	p := newTestPool(5, time.Minute, clock)
	defer p.Close()
	route := Route{Host: "example.com"}
	for i := 0; i < 3; i++ {
		p.Put(NewConnection(&fakeSocket{}, route, 1))
	}

	drained := p.EvictAll()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained connections, got %d", len(drained))
	}
	if p.ConnectionCount() != 0 {
		t.Error("expected the pool to be empty after EvictAll")
	}
}

// A stale allocation with no progress for longer than the leak
// threshold is pruned and the connection is marked no-new-streams.
func TestPool_LeakDetectionRetiresConnection(t *testing.T) {
	clock := newClockStub()
	p := New(5, time.Minute, withClock(clock.now), WithLeakDetectionThreshold(time.Second))
	defer p.Close()
	route := Route{Host: "example.com"}
	conn := NewConnection(&fakeSocket{}, route, 2)
	p.Put(conn)

	alloc := p.Get(route)
	if alloc == nil {
		t.Fatal("expected an allocation")
	}

	clock.advance(2 * time.Second) // exceed the 1s leak threshold without releasing

	p.cleanup(clock.now())

	if !conn.retired() {
		t.Error("expected the connection to be retired after a leaked allocation was pruned")
	}
	if alloc2 := p.Get(route); alloc2 != nil {
		t.Error("expected no further allocations once the connection is retired")
	}
}

// A configured Prober that reports a connection Dead causes Get to
// skip and retire it instead of handing it out.
func TestPool_ProberSkipsAndRetiresDeadConnection(t *testing.T) {
	clock := newClockStub()
	p := New(5, time.Minute, withClock(clock.now), WithProber(alwaysDeadProber{}))
	defer p.Close()

	route := Route{Host: "example.com"}
	conn := NewConnection(&peekableSocket{}, route, 1)
	p.Put(conn)

	if alloc := p.Get(route); alloc != nil {
		t.Error("expected Get to refuse a connection the prober reports Dead")
	}
	if !conn.retired() {
		t.Error("expected the dead connection to be retired")
	}
}

// WithEventHub publishes real idle/evicted/leaked notices for actual
// pool state transitions, not just in package-internal isolation.
func TestPool_EventHubPublishesLifecycleNotices(t *testing.T) {
	clock := newClockStub()
	hub := events.NewHub()
	sub, id := hub.Subscribe(16)
	defer hub.Unsubscribe(id)

	p := New(5, time.Minute, withClock(clock.now), WithEventHub(hub))
	defer p.Close()

	route := Route{Host: "example.com"}
	conn := NewConnection(&fakeSocket{}, route, 1)
	p.Put(conn)

	alloc := p.Get(route)
	if alloc == nil {
		t.Fatal("expected an allocation")
	}
	alloc.Release()

	select {
	case e := <-sub:
		if e.Type != events.TypeConnectionIdle {
			t.Fatalf("expected connection_idle, got %v", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection_idle event")
	}
}

// RouteDatabase remembers failures within its window and forgets
// after success.
func TestRouteDatabase_TracksAndClearsFailures(t *testing.T) {
	db := NewRouteDatabase()
	route := Route{Host: "flaky.example.com"}

	db.ConnectFailed(route)
	db.ConnectFailed(route)
	if got := db.Failures(route); got != 2 {
		t.Errorf("expected 2 failures, got %d", got)
	}

	db.ConnectSucceeded(route)
	if got := db.Failures(route); got != 0 {
		t.Errorf("expected failures cleared after success, got %d", got)
	}
}
