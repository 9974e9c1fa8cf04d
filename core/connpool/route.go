package connpool

import (
	"sync"
	"time"
)

// RouteDatabase tracks recently-failed routes for avoidance, per
// spec.md §3's route_database. Per SPEC_FULL.md §12 this is a
// time-boxed failure counter rather than a hard blacklist: transport
// code consults it to de-prioritize a route, not to forbid it
// outright — a route that keeps failing will eventually age out of
// the table and get retried.
type RouteDatabase struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[Route]*routeHealth
}

type routeHealth struct {
	failures  int
	updatedAt time.Time
}

// NewRouteDatabase builds a RouteDatabase with the default 5 minute
// failure-memory window.
func NewRouteDatabase() *RouteDatabase {
	return &RouteDatabase{window: 5 * time.Minute, entries: make(map[Route]*routeHealth)}
}

// ConnectFailed records a connection failure against route, per
// spec.md §6's "route failures are reported to the pool's
// route_database".
func (d *RouteDatabase) ConnectFailed(route Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.entries[route]
	if !ok {
		h = &routeHealth{}
		d.entries[route] = h
	}
	h.failures++
	h.updatedAt = time.Now()
}

// ConnectSucceeded clears route's failure history.
func (d *RouteDatabase) ConnectSucceeded(route Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, route)
}

// Failures returns route's current failure count within the tracking
// window, used by transport code to de-prioritize (not forbid) a
// route when choosing among several candidates for a host.
func (d *RouteDatabase) Failures(route Route) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.entries[route]
	if !ok || time.Since(h.updatedAt) > d.window {
		return 0
	}
	return h.failures
}
