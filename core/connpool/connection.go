// Package connpool implements the reuse cache described in spec.md
// §4.2: a bounded idle-connection cache with a single background
// sweeper, leak detection, and support for multiplexed connections.
// The sweeper loop is adapted from the teacher's
// core/engine.go cleanupIdleConnections — a ticker scanning a
// mutex-guarded collection, collecting victims under the lock and
// closing them outside it — generalized from a fixed 1s tick into the
// variable-wake cleanup(now) contract spec.md §4.2 requires.
package connpool

import (
	"log"
	"sync"
	"time"
)

// Route identifies the destination a Connection was dialed for:
// address plus scheme, the minimum spec.md §3 requires to decide
// address_matches(R).
type Route struct {
	Host    string
	Port    int
	IsHTTPS bool
}

// Socket is the narrow slice of net.Conn the pool needs in order to
// close a connection it is evicting. Kept separate from net.Conn so
// tests can supply a fake without standing up real sockets.
type Socket interface {
	Close() error
}

// allocation is a live stream handle. The weak-reference leak
// detection of spec.md §4.2's rationale has no equivalent without a
// tracing collector (spec.md §9): this is the "explicit handle model"
// it calls for instead. lastSeenAt records the handle's last observed
// progress; the sweeper flags it as leaked if it goes stale.
type allocation struct {
	lastSeenAt time.Time
}

// Connection is an owned live transport, spec.md §3's RealConnection.
type Connection struct {
	Route Socket
	route Route

	// AllocationLimit is 1 for HTTP/1.1, N for a multiplexed HTTP/2
	// connection (spec.md §3, §4.2 "Multiplexing").
	AllocationLimit int

	mu             sync.Mutex
	allocations    []*allocation
	noNewStreams   bool
	idleAt         time.Time
	isIdleAtSet    bool
}

// NewConnection builds a Connection dialed for route with the given
// per-connection allocation limit (1 for HTTP/1.1; >1 for multiplexed
// HTTP/2).
func NewConnection(socket Socket, route Route, allocationLimit int) *Connection {
	if allocationLimit < 1 {
		allocationLimit = 1
	}
	return &Connection{Route: socket, route: route, AllocationLimit: allocationLimit}
}

// matchesRoute reports whether this connection can serve a request to
// route — spec.md §3's address_matches(R).
func (c *Connection) matchesRoute(route Route) bool {
	return c.route == route
}

// liveAllocationCount returns the connection's current allocation
// count without pruning.
func (c *Connection) liveAllocationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocations)
}

// reusable reports whether the connection has a free allocation slot
// and has not been retired, per spec.md §3's reuse invariant
// (address_matches is checked by the caller, which already scoped the
// candidate list to a single route).
func (c *Connection) reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocations) < c.AllocationLimit && !c.noNewStreams
}

// allocate transfers one allocation slot to a new stream handle,
// returning a release function the caller must invoke exactly once
// when the stream finishes (the handle-count equivalent of a weak
// reference being reclaimed).
func (c *Connection) allocate(now time.Time) func() {
	alloc := &allocation{lastSeenAt: now}
	c.mu.Lock()
	c.allocations = append(c.allocations, alloc)
	c.isIdleAtSet = false
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			for i, a := range c.allocations {
				if a == alloc {
					c.allocations = append(c.allocations[:i], c.allocations[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
		})
	}
}

// Touch records forward progress on every live allocation, resetting
// the leak-detection watchdog. Called by transport code whenever a
// byte is read or written on behalf of this connection.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	for _, a := range c.allocations {
		a.lastSeenAt = now
	}
	c.mu.Unlock()
}

// pruneAndGetAllocationCount implements spec.md §4.2's
// prune_and_get_allocation_count. staleAfter is the "twice the read
// timeout without progress" leak threshold from spec.md §9. Caller
// must hold the pool lock (c.mu is acquired internally, nested inside
// it, never the other way around).
func (c *Connection) pruneAndGetAllocationCount(now time.Time, staleAfter time.Duration, keepAlive time.Duration, onLeak func(*Connection)) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.allocations[:0]
	leaked := false
	for _, a := range c.allocations {
		if staleAfter > 0 && now.Sub(a.lastSeenAt) > staleAfter {
			leaked = true
			continue
		}
		live = append(live, a)
	}
	c.allocations = live

	if leaked {
		c.noNewStreams = true
		if onLeak != nil {
			onLeak(c)
		}
	}

	if len(c.allocations) == 0 {
		if leaked {
			// Force immediate eviction eligibility.
			c.idleAt = now.Add(-keepAlive)
			c.isIdleAtSet = true
		}
		return 0
	}
	return len(c.allocations)
}

// markIdle records that the last stream on this connection finished,
// per spec.md §4.2's connection_became_idle.
func (c *Connection) markIdle(now time.Time) {
	c.mu.Lock()
	c.idleAt = now
	c.isIdleAtSet = true
	c.mu.Unlock()
}

// idleDuration returns how long the connection has been idle, and
// whether it is idle at all (zero allocations and idleAt recorded).
func (c *Connection) idleDuration(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.allocations) != 0 || !c.isIdleAtSet {
		return 0, false
	}
	return now.Sub(c.idleAt), true
}

func (c *Connection) retired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noNewStreams
}

func (c *Connection) retire() {
	c.mu.Lock()
	c.noNewStreams = true
	c.mu.Unlock()
}

func (c *Connection) close() {
	if c.Route != nil {
		if err := c.Route.Close(); err != nil {
			log.Printf("connpool: error closing connection to %s: %v", c.route.Host, err)
		}
	}
}
