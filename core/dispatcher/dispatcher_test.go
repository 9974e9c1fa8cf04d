package dispatcher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchktools/fastclient/core/events"
)

func blockingWork(release <-chan struct{}) Work {
	return func(ctx *ExecContext) (interface{}, error) {
		<-release
		return nil, nil
	}
}

// S1: 70 async calls across 20 hosts, max_requests=64, max_requests_per_host=5.
// 64 run, 6 remain ready; all 70 eventually complete; no host ever exceeds 5.
func TestDispatcher_S1_GlobalAndPerHostCaps(t *testing.T) {
	d := New(64, 5)

	release := make(chan struct{})
	var completed atomic.Int64
	var maxObservedPerHost sync.Map // host -> *atomic.Int64 high-water mark
	var liveByHost sync.Map        // host -> *atomic.Int64 current live count

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(70)
	go func() { wg.Wait(); close(done) }()

	for i := 0; i < 70; i++ {
		host := fmt.Sprintf("host-%d", i%20)
		liveCounter, _ := liveByHost.LoadOrStore(host, new(atomic.Int64))
		highWater, _ := maxObservedPerHost.LoadOrStore(host, new(atomic.Int64))

		call := NewAsyncCall(host, nil, func(ctx *ExecContext) (interface{}, error) {
			lc := liveCounter.(*atomic.Int64)
			hw := highWater.(*atomic.Int64)
			n := lc.Add(1)
			for {
				cur := hw.Load()
				if n <= cur || hw.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			lc.Add(-1)
			return nil, nil
		}, func(result interface{}, err error) {
			completed.Add(1)
			wg.Done()
		})
		d.Enqueue(call)
	}

	// Give every admitted call a chance to start before asserting caps.
	time.Sleep(100 * time.Millisecond)

	if got := d.RunningAsyncCount(); got != 64 {
		t.Errorf("expected 64 running, got %d", got)
	}
	if got := d.ReadyCount(); got != 6 {
		t.Errorf("expected 6 ready, got %d", got)
	}

	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("calls did not all complete in time")
	}

	if completed.Load() != 70 {
		t.Errorf("expected 70 completions, got %d", completed.Load())
	}

	maxObservedPerHost.Range(func(_, v interface{}) bool {
		if hw := v.(*atomic.Int64).Load(); hw > 5 {
			t.Errorf("a host exceeded the per-host cap: observed %d concurrent", hw)
		}
		return true
	})
}

// S2: 10 calls to a single host with per-host cap 5. First 5 run, next 5
// stay ready until predecessors finish: the first five calls to start are
// the first five enqueued (FIFO admission).
func TestDispatcher_S2_PerHostFIFO(t *testing.T) {
	d := New(64, 5)

	release := make(chan struct{})
	var order []int
	var mu sync.Mutex
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(10)
	go func() { wg.Wait(); close(done) }()

	for i := 0; i < 10; i++ {
		i := i
		call := NewAsyncCall("h1", nil, func(ctx *ExecContext) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			<-release
			return nil, nil
		}, func(result interface{}, err error) {
			wg.Done()
		})
		d.Enqueue(call)
	}

	time.Sleep(50 * time.Millisecond)
	if got := d.RunningAsyncCount(); got != 5 {
		t.Fatalf("expected 5 running, got %d", got)
	}
	if got := d.ReadyCount(); got != 5 {
		t.Fatalf("expected 5 ready, got %d", got)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("calls did not all complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, callIndex := range order[:5] {
		if callIndex >= 5 {
			t.Errorf("expected the first 5 calls to start to be calls 0-4, got %v", order)
			break
		}
	}
}

// Invariant 2: the callback fires exactly once, including on cancellation.
func TestDispatcher_CallbackFiresExactlyOnceOnCancel(t *testing.T) {
	d := New(1, 1)
	block := make(chan struct{})

	blocker := NewAsyncCall("h", nil, blockingWork(block), func(result interface{}, err error) {})
	d.Enqueue(blocker)

	var fireCount atomic.Int64
	var gotErr error
	fired := make(chan struct{})
	cancelled := NewAsyncCall("h", "group-a", func(ctx *ExecContext) (interface{}, error) {
		return nil, nil
	}, func(result interface{}, err error) {
		fireCount.Add(1)
		gotErr = err
		close(fired)
	})
	d.Enqueue(cancelled)

	if got := d.ReadyCount(); got != 1 {
		t.Fatalf("expected the second call to be queued, got ready=%d", got)
	}

	d.Cancel("group-a")
	close(block)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call's callback never fired")
	}

	if fireCount.Load() != 1 {
		t.Errorf("expected exactly one callback invocation, got %d", fireCount.Load())
	}
	if gotErr != ErrCancelled {
		t.Errorf("expected ErrCancelled, got %v", gotErr)
	}
}

// Invariant 3: finished(C) with ready work available promotes exactly
// one call when only one satisfies the per-host constraint.
func TestDispatcher_FinishedPromotesNextReady(t *testing.T) {
	d := New(1, 1)
	block := make(chan struct{})

	first := NewAsyncCall("h", nil, blockingWork(block), func(result interface{}, err error) {})
	d.Enqueue(first)

	secondStarted := make(chan struct{})
	second := NewAsyncCall("h", nil, func(ctx *ExecContext) (interface{}, error) {
		close(secondStarted)
		return nil, nil
	}, func(result interface{}, err error) {})
	d.Enqueue(second)

	if d.ReadyCount() != 1 {
		t.Fatalf("expected second call to be ready, got ready=%d", d.ReadyCount())
	}

	close(block)

	select {
	case <-secondStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("second call was never promoted after the first finished")
	}
}

// SetMaxRequests rejects non-positive caps as a usage error.
func TestDispatcher_SetMaxRequestsRejectsNonPositive(t *testing.T) {
	d := New(4, 2)
	if err := d.SetMaxRequests(0); err != ErrCapTooLow {
		t.Errorf("expected ErrCapTooLow, got %v", err)
	}
	if err := d.SetMaxRequestsPerHost(-1); err != ErrCapTooLow {
		t.Errorf("expected ErrCapTooLow, got %v", err)
	}
}

// Idle callback fires exactly once when both queues drain after a
// single call.
func TestDispatcher_IdleCallback(t *testing.T) {
	var idleCount atomic.Int64
	idleSignal := make(chan struct{}, 4)
	d := New(4, 4, WithIdleCallback(func() {
		idleCount.Add(1)
		idleSignal <- struct{}{}
	}))

	done := make(chan struct{})
	d.Enqueue(NewAsyncCall("h", nil, func(ctx *ExecContext) (interface{}, error) {
		return nil, nil
	}, func(result interface{}, err error) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}

	select {
	case <-idleSignal:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback never fired")
	}
	if idleCount.Load() != 1 {
		t.Errorf("expected exactly one idle notification, got %d", idleCount.Load())
	}
}

// A sync call's FinishedSync removes it from running_sync and does not
// require promotion (sync calls are never queued).
func TestDispatcher_SyncExecutedAndFinished(t *testing.T) {
	d := New(4, 4)
	call := NewSyncCall("h", nil)
	d.Executed(call)

	if got := d.RunningSyncCount(); got != 1 {
		t.Fatalf("expected 1 running sync call, got %d", got)
	}

	d.FinishedSync(call)
	if got := d.RunningSyncCount(); got != 0 {
		t.Errorf("expected 0 running sync calls after finish, got %d", got)
	}
}

// finished for a call not present in its queue is a programmer-bug
// assertion failure, per spec.md §7.
func TestDispatcher_FinishedAsyncPanicsWhenAbsent(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic for finishing an untracked call")
		}
	}()
	d := New(4, 4)
	d.FinishedAsync(NewAsyncCall("h", nil, func(ctx *ExecContext) (interface{}, error) { return nil, nil }, nil))
}

// A HostPolicy override raises or lowers a specific host's cap without
// touching the uniform default.
func TestDispatcher_HostPolicyOverride(t *testing.T) {
	policy := staticHostPolicy{"big-host": 10}
	d := New(64, 2, WithHostPolicy(policy))

	block := make(chan struct{})
	started := make(chan struct{}, 10)
	for i := 0; i < 8; i++ {
		d.Enqueue(NewAsyncCall("big-host", nil, func(ctx *ExecContext) (interface{}, error) {
			started <- struct{}{}
			<-block
			return nil, nil
		}, func(result interface{}, err error) {}))
	}

	for i := 0; i < 8; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected host override to admit more than the default cap of 2, only %d started", i)
		}
	}
	close(block)
}

// WithEventHub publishes admitted/queued/promoted/finished notices for
// real call-lifecycle transitions, not just when a test subscribes and
// never receives anything.
func TestDispatcher_EventHubPublishesLifecycleNotices(t *testing.T) {
	hub := events.NewHub()
	sub, id := hub.Subscribe(16)
	defer hub.Unsubscribe(id)

	d := New(1, 1, WithEventHub(hub))

	block := make(chan struct{})
	first := NewAsyncCall("host-a", nil, func(ctx *ExecContext) (interface{}, error) {
		<-block
		return nil, nil
	}, func(result interface{}, err error) {})
	second := NewAsyncCall("host-a", nil, func(ctx *ExecContext) (interface{}, error) {
		return nil, nil
	}, func(result interface{}, err error) {})

	d.Enqueue(first)
	expectEvent(t, sub, events.TypeCallAdmitted)

	d.Enqueue(second)
	expectEvent(t, sub, events.TypeCallQueued)

	close(block)
	// first's own finish and second's promotion/finish race once
	// second is admitted from another goroutine: assert the expected
	// multiset of events arrives without over-constraining their order.
	want := map[events.Type]int{
		events.TypeCallFinished: 2,
		events.TypeCallPromoted: 1,
	}
	got := map[events.Type]int{}
	for total := 0; total < 3; total++ {
		select {
		case e := <-sub:
			got[e.Type]++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got so far: %+v", got)
		}
	}
	for typ, n := range want {
		if got[typ] != n {
			t.Errorf("expected %d %v events, got %d (full: %+v)", n, typ, got[typ], got)
		}
	}
}

func expectEvent(t *testing.T, sub <-chan *events.Event, want events.Type) {
	t.Helper()
	select {
	case e := <-sub:
		if e.Type != want {
			t.Fatalf("expected event %v, got %v", want, e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %v", want)
	}
}

type staticHostPolicy map[string]int

func (p staticHostPolicy) MaxRequestsForHost(host string) (int, bool) {
	n, ok := p[host]
	return n, ok
}
