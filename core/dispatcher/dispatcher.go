// Package dispatcher implements the bounded admission and scheduling
// core described in spec.md §4.1: a single monitor guarding three
// disjoint call queues, with an unbounded worker executor handing
// admitted calls off to goroutines. The Call/Done-channel handoff is
// adapted from the teacher's RPC client (core/rpc/client/client.go),
// which already solves "register an in-flight unit of work, signal
// its completion exactly once, let the caller optionally block on it."
package dispatcher

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/searchktools/fastclient/core/events"
)

// ErrCapTooLow is returned by SetMaxRequests/SetMaxRequestsPerHost for
// a non-positive cap, per spec.md §7's Configuration error kind.
var ErrCapTooLow = errors.New("dispatcher: cap must be >= 1")

// ErrCancelled is the terminal error delivered to a call's callback
// when it completes by cancellation rather than execution.
var ErrCancelled = errors.New("dispatcher: call cancelled")

// ErrAlreadyExecuted signals the "double-execute of a single call"
// programmer bug named in spec.md §7. It is only ever raised via
// panic, matching the spec's "assertion failure" language — this is
// not a retryable condition.
var ErrAlreadyExecuted = errors.New("dispatcher: call already executed")

// Callback is invoked exactly once when a call reaches a terminal
// state: normal completion, failure, or cancellation.
type Callback func(result interface{}, err error)

// Work is the unit of work a Call executes once admitted. It runs on
// a worker goroutine, outside the dispatcher's lock. ctx.Cancelled
// reports whether the call was cancelled before or during execution;
// Work should observe it and abort promptly when true.
type Work func(ctx *ExecContext) (interface{}, error)

// ExecContext is handed to a Call's Work function. It exposes the
// call's live cancellation flag without exposing the dispatcher's
// internals.
type ExecContext struct {
	call *Call
}

// Cancelled reports whether the call has been marked for cancellation.
// The flag is monotonic: once true, it never reverts to false.
func (c *ExecContext) Cancelled() bool {
	c.call.mu.Lock()
	defer c.call.mu.Unlock()
	return c.call.cancelled
}

// Call is a unit of work bound to a host and an opaque tag used for
// group cancellation, per spec.md §3.
type Call struct {
	Host string
	Tag  interface{}

	work     Work
	callback Callback

	mu        sync.Mutex
	cancelled bool
	executed  bool

	// async is true for calls admitted via Enqueue; false for calls
	// recorded via Executed (a synchronous in-flight call blocked on
	// its caller's goroutine rather than handed to a worker).
	async bool

	// Done fires exactly once, carrying this same Call, when a sync
	// call reaches a terminal state — mirroring the teacher's
	// Call.Done channel so SyncCall's blocking Await can select on it
	// alongside a context deadline.
	Done   chan *Call
	result interface{}
	err    error
}

// markCancelled sets the monotonic cancellation flag. Safe to call
// any number of times and from any goroutine.
func (c *Call) markCancelled() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

// Cancelled reports the call's current cancellation state.
func (c *Call) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Call) finish(result interface{}, err error) {
	c.result, c.err = result, err
	if c.Done != nil {
		select {
		case c.Done <- c:
		default:
		}
	}
	if c.callback != nil {
		// An exception during callback dispatch is logged but not
		// rethrown, per spec.md §7: the call's termination must still
		// cause Finished to run. runAsync calls FinishedAsync right after
		// finish returns, and the recover below keeps a panicking
		// callback from skipping that call.
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("dispatcher: callback panicked for call tag=%v: %v", c.Tag, r)
				}
			}()
			c.callback(result, err)
		}()
	}
}

// Executor hands a call's work to a goroutine without blocking the
// caller. The dispatcher relies on immediate handoff: Submit must
// never block on admission. The default executor below satisfies
// this by construction (every Submit is a bare `go`).
type Executor interface {
	Submit(run func())
}

// goExecutor is the unbounded, thread-per-task executor spec.md §4.1
// calls for: it creates a goroutine on demand for every submission and
// never blocks. Go's scheduler already multiplexes goroutines onto a
// bounded number of OS threads with its own idle-teardown, so no
// explicit keep-alive timer is needed to satisfy the "idle workers
// terminate after a bounded keep-alive" requirement.
type goExecutor struct{}

func (goExecutor) Submit(run func()) { go run() }

// Dispatcher is the bounded admission and scheduling core of
// spec.md §4.1. The zero value is not usable; construct with New.
type Dispatcher struct {
	mu sync.Mutex

	maxRequests        int
	maxRequestsPerHost int

	ready        []*Call
	runningAsync map[*Call]struct{}
	runningSync  map[*Call]struct{}

	runningAsyncByHost map[string]int
	runningSyncByHost  map[string]int

	executor Executor

	idleCallback func()
	idle         bool // true iff runningAsync and runningSync were both empty as of the last check

	hostPolicy HostPolicy
	hub        *events.Hub
}

// HostPolicy consults a per-host override of the global per-host cap,
// supplementing spec.md §4.1 per SPEC_FULL.md §12. A nil HostPolicy
// (the default) applies MaxRequestsPerHost uniformly.
type HostPolicy interface {
	// MaxRequestsForHost returns the concurrency cap for host, or ok
	// == false to fall back to the dispatcher's uniform per-host cap.
	MaxRequestsForHost(host string) (n int, ok bool)
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithExecutor injects a custom Executor, e.g. for tests that want to
// observe submissions synchronously. Must satisfy the same
// never-blocks contract as goExecutor.
func WithExecutor(e Executor) Option {
	return func(d *Dispatcher) { d.executor = e }
}

// WithHostPolicy installs a HostPolicy consulted by promote_calls in
// place of the uniform per-host cap.
func WithHostPolicy(p HostPolicy) Option {
	return func(d *Dispatcher) { d.hostPolicy = p }
}

// WithIdleCallback registers a callback fired at most once per
// transition when running_async and running_sync both become empty
// (SPEC_FULL.md §12's supplemented idle notification).
func WithIdleCallback(fn func()) Option {
	return func(d *Dispatcher) { d.idleCallback = fn }
}

// WithEventHub installs a diagnostics hub: Enqueue/Executed publish an
// admission or queued notice, promote_calls publishes a promoted
// notice per call it dequeues, and Finished{Async,Sync} publish a
// finished notice, per SPEC_FULL.md §12's event vocabulary.
func WithEventHub(hub *events.Hub) Option {
	return func(d *Dispatcher) { d.hub = hub }
}

// publish is a no-op when no hub is installed.
func (d *Dispatcher) publish(t events.Type, host string) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(events.Event{Type: t, Host: host, TimestampMillis: time.Now().UnixMilli()})
}

// New constructs a Dispatcher with the given caps. Canonical defaults
// are maxRequests=64, maxRequestsPerHost=5 (spec.md §6); callers pass
// explicit values so the zero value can't be mistaken for "unbounded".
func New(maxRequests, maxRequestsPerHost int, opts ...Option) *Dispatcher {
	if maxRequests < 1 || maxRequestsPerHost < 1 {
		panic(ErrCapTooLow)
	}
	d := &Dispatcher{
		maxRequests:        maxRequests,
		maxRequestsPerHost: maxRequestsPerHost,
		runningAsync:       make(map[*Call]struct{}),
		runningSync:        make(map[*Call]struct{}),
		runningAsyncByHost: make(map[string]int),
		runningSyncByHost:  make(map[string]int),
		executor:           goExecutor{},
		idle:               true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewAsyncCall builds an async Call. work runs on a worker goroutine
// once admitted; callback fires exactly once on a terminal state.
func NewAsyncCall(host string, tag interface{}, work Work, callback Callback) *Call {
	return &Call{Host: host, Tag: tag, work: work, callback: callback, async: true}
}

// NewSyncCall builds a sync Call intended to be run via Executed and
// awaited via Await, mirroring the teacher's blocking Client.Call
// built atop the non-blocking Client.Go.
func NewSyncCall(host string, tag interface{}) *Call {
	return &Call{Host: host, Tag: tag, async: false, Done: make(chan *Call, 1)}
}

// maxRequestsForHost consults the HostPolicy override, falling back to
// the uniform per-host cap.
func (d *Dispatcher) maxRequestsForHost(host string) int {
	if d.hostPolicy != nil {
		if n, ok := d.hostPolicy.MaxRequestsForHost(host); ok {
			return n
		}
	}
	return d.maxRequestsPerHost
}

// Enqueue admits an async call, per spec.md §4.1's enqueue contract.
func (d *Dispatcher) Enqueue(call *Call) {
	d.mu.Lock()
	if len(d.runningAsync) < d.maxRequests &&
		d.runningAsyncByHost[call.Host] < d.maxRequestsForHost(call.Host) {
		d.admitAsyncLocked(call)
		d.mu.Unlock()
		d.publish(events.TypeCallAdmitted, call.Host)
		return
	}
	d.ready = append(d.ready, call)
	d.mu.Unlock()
	d.publish(events.TypeCallQueued, call.Host)
}

// admitAsyncLocked moves call into running_async and hands it to the
// executor. Caller must hold d.mu.
func (d *Dispatcher) admitAsyncLocked(call *Call) {
	d.runningAsync[call] = struct{}{}
	d.runningAsyncByHost[call.Host]++
	d.idle = false
	d.executor.Submit(func() { d.runAsync(call) })
}

func (d *Dispatcher) runAsync(call *Call) {
	call.mu.Lock()
	if call.executed {
		call.mu.Unlock()
		panic(ErrAlreadyExecuted)
	}
	call.executed = true
	cancelled := call.cancelled
	call.mu.Unlock()

	var result interface{}
	var err error
	if cancelled {
		err = ErrCancelled
	} else {
		result, err = call.work(&ExecContext{call: call})
	}

	call.finish(result, err)
	d.FinishedAsync(call)
}

// Executed records that a synchronous in-flight call has begun,
// per spec.md §4.1's executed contract. Sync calls are never queued:
// the caller's own goroutine is the "worker".
func (d *Dispatcher) Executed(call *Call) {
	d.mu.Lock()
	d.runningSync[call] = struct{}{}
	d.runningSyncByHost[call.Host]++
	d.idle = false
	d.mu.Unlock()
	d.publish(events.TypeCallAdmitted, call.Host)
}

// FinishedAsync removes call from running_async and runs
// promote_calls, per spec.md §4.1's finished(async_call) contract.
// Panics if call is not present — spec.md §7 treats this as a
// programmer-bug assertion failure, not a recoverable error.
func (d *Dispatcher) FinishedAsync(call *Call) {
	d.mu.Lock()
	if _, ok := d.runningAsync[call]; !ok {
		d.mu.Unlock()
		panic("dispatcher: finished(async) for a call not in running_async")
	}
	delete(d.runningAsync, call)
	d.runningAsyncByHost[call.Host]--
	if d.runningAsyncByHost[call.Host] == 0 {
		delete(d.runningAsyncByHost, call.Host)
	}
	promoted := d.promoteCallsLocked()
	d.checkIdleLocked()
	d.mu.Unlock()
	d.publish(events.TypeCallFinished, call.Host)
	for _, p := range promoted {
		d.publish(events.TypeCallPromoted, p.Host)
	}
}

// FinishedSync is the symmetric operation for sync calls.
func (d *Dispatcher) FinishedSync(call *Call) {
	d.mu.Lock()
	if _, ok := d.runningSync[call]; !ok {
		d.mu.Unlock()
		panic("dispatcher: finished(sync) for a call not in running_sync")
	}
	delete(d.runningSync, call)
	d.runningSyncByHost[call.Host]--
	if d.runningSyncByHost[call.Host] == 0 {
		delete(d.runningSyncByHost, call.Host)
	}
	d.checkIdleLocked()
	d.mu.Unlock()
	if call.Done != nil {
		select {
		case call.Done <- call:
		default:
		}
	}
	d.publish(events.TypeCallFinished, call.Host)
}

// checkIdleLocked fires the idle callback at most once per
// nonempty-to-empty transition. Caller must hold d.mu.
func (d *Dispatcher) checkIdleLocked() {
	if d.idleCallback == nil || d.idle {
		return
	}
	if len(d.runningAsync) == 0 && len(d.runningSync) == 0 {
		d.idle = true
		fn := d.idleCallback
		d.mu.Unlock()
		fn()
		d.mu.Lock()
	}
}

// promoteCallsLocked implements spec.md §4.1's promote_calls: iterate
// ready in FIFO order, admitting a call whenever its host is under
// cap, aborting once running_async hits max_requests. Caller must
// hold d.mu. Returns the calls it admitted, so the caller can publish
// a promoted event for each once d.mu is released.
func (d *Dispatcher) promoteCallsLocked() []*Call {
	var promoted []*Call
	i := 0
	for i < len(d.ready) {
		if len(d.runningAsync) >= d.maxRequests {
			break
		}
		call := d.ready[i]
		if d.runningAsyncByHost[call.Host] < d.maxRequestsForHost(call.Host) {
			d.ready = append(d.ready[:i], d.ready[i+1:]...)
			d.admitAsyncLocked(call)
			promoted = append(promoted, call)
			continue
		}
		i++
	}
	return promoted
}

// Cancel marks cancellation on every call (ready, running async,
// running sync) whose Tag equals tag, per spec.md §4.1. A cancelled
// ready call is left in place — consistent with the open question in
// spec.md §9, resolved here as: do not eagerly remove, let the worker
// observe cancellation. The call's callback still fires exactly once.
func (d *Dispatcher) Cancel(tag interface{}) {
	d.mu.Lock()
	for _, call := range d.ready {
		if call.Tag == tag {
			call.markCancelled()
		}
	}
	for call := range d.runningAsync {
		if call.Tag == tag {
			call.markCancelled()
		}
	}
	for call := range d.runningSync {
		if call.Tag == tag {
			call.markCancelled()
		}
	}
	d.mu.Unlock()
}

// SetMaxRequests updates the global concurrency cap and runs
// promote_calls, per spec.md §4.1.
func (d *Dispatcher) SetMaxRequests(n int) error {
	if n < 1 {
		return ErrCapTooLow
	}
	d.mu.Lock()
	d.maxRequests = n
	promoted := d.promoteCallsLocked()
	d.mu.Unlock()
	for _, p := range promoted {
		d.publish(events.TypeCallPromoted, p.Host)
	}
	return nil
}

// SetMaxRequestsPerHost updates the uniform per-host cap and runs
// promote_calls, per spec.md §4.1.
func (d *Dispatcher) SetMaxRequestsPerHost(n int) error {
	if n < 1 {
		return ErrCapTooLow
	}
	d.mu.Lock()
	d.maxRequestsPerHost = n
	promoted := d.promoteCallsLocked()
	d.mu.Unlock()
	for _, p := range promoted {
		d.publish(events.TypeCallPromoted, p.Host)
	}
	return nil
}

// MaxRequests reports the current global concurrency cap, e.g. for a
// config.Manager watcher confirming a reconfiguration landed.
func (d *Dispatcher) MaxRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxRequests
}

// MaxRequestsPerHost reports the current uniform per-host cap.
func (d *Dispatcher) MaxRequestsPerHost() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxRequestsPerHost
}

// EffectiveMaxRequestsForHost reports the cap actually applied to
// host: a HostPolicy override if one is configured and matches,
// otherwise the uniform per-host cap.
func (d *Dispatcher) EffectiveMaxRequestsForHost(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxRequestsForHost(host)
}

// RunningAsyncCount, ReadyCount and RunningSyncCount report the
// current queue sizes, used by observability and by tests asserting
// the invariants of spec.md §8.
func (d *Dispatcher) RunningAsyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningAsync)
}

func (d *Dispatcher) ReadyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ready)
}

func (d *Dispatcher) RunningSyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningSync)
}

// RunningAsyncForHost reports the current per-host running count,
// used to assert spec.md §8 invariant 1 in tests.
func (d *Dispatcher) RunningAsyncForHost(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runningAsyncByHost[host]
}

// Await blocks until a sync call reaches a terminal state, or the
// given timeout elapses (0 means wait forever). Mirrors the
// ctx.Done()-vs-call.Done select in the teacher's Client.Call.
func (c *Call) Await(timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		<-c.Done
		return c.result, c.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.Done:
		return c.result, c.err
	case <-timer.C:
		return nil, errors.New("dispatcher: await timed out")
	}
}
