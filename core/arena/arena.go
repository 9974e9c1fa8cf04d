// Package arena implements the byte-segment pool SPEC_FULL.md §9 calls
// for in place of a global singleton SegmentPool: an injectable,
// capacity-bounded pool of reusable byte slices, sized in tiers the
// way the teacher's pools.BytePool is, but constructed per caller
// (typically once per Client) rather than reached for through a
// package-level variable, and bounded so a burst of large responses
// can't pin an unbounded amount of retained memory.
package arena

import (
	"sync"
	"sync/atomic"
)

// defaultSizes mirrors pools.BytePool's HTTP-shaped size tiers: small
// headers, a typical response, a large response, and a very large one.
var defaultSizes = []int{512, 2048, 8192, 32768}

// Arena is a multi-tiered byte-segment pool with a retained-bytes cap.
// The zero value is not usable; construct with New.
type Arena struct {
	sizes []int
	tiers []*tier

	maxRetainedBytes int64
	retainedBytes    atomic.Int64

	gets atomic.Uint64
	puts atomic.Uint64
	news atomic.Uint64
}

type tier struct {
	size int
	mu   sync.Mutex
	free [][]byte
}

// New builds an Arena whose tiers never retain more than
// maxRetainedBytes total capacity across all pooled segments. A
// non-positive maxRetainedBytes disables retention entirely: every Put
// is dropped and every Get allocates fresh, which is a valid (if
// wasteful) configuration for tests that want no cross-call reuse.
func New(maxRetainedBytes int64) *Arena {
	a := &Arena{sizes: defaultSizes, maxRetainedBytes: maxRetainedBytes}
	a.tiers = make([]*tier, len(a.sizes))
	for i, s := range a.sizes {
		a.tiers[i] = &tier{size: s}
	}
	return a
}

// Get returns a segment of at least size bytes. The segment is not
// zeroed; callers that need a clean buffer must clear it themselves.
func (a *Arena) Get(size int) []byte {
	a.gets.Add(1)

	t := a.tierFor(size)
	if t == nil {
		a.news.Add(1)
		return make([]byte, size)
	}

	t.mu.Lock()
	n := len(t.free)
	if n == 0 {
		t.mu.Unlock()
		a.news.Add(1)
		return make([]byte, t.size)[:size]
	}
	buf := t.free[n-1]
	t.free = t.free[:n-1]
	t.mu.Unlock()

	a.retainedBytes.Add(-int64(cap(buf)))
	return buf[:size]
}

// Put returns a segment obtained from Get (or with matching capacity)
// for reuse. Put silently drops buf once the arena's retained-bytes
// cap is reached, or if buf's capacity doesn't match a configured
// tier, letting the garbage collector reclaim it instead.
func (a *Arena) Put(buf []byte) {
	a.puts.Add(1)

	capacity := cap(buf)
	t := a.tierForCapacity(capacity)
	if t == nil {
		return
	}

	for {
		retained := a.retainedBytes.Load()
		if a.maxRetainedBytes <= 0 || retained+int64(capacity) > a.maxRetainedBytes {
			return
		}
		if a.retainedBytes.CompareAndSwap(retained, retained+int64(capacity)) {
			break
		}
	}

	buf = buf[:capacity]
	t.mu.Lock()
	t.free = append(t.free, buf)
	t.mu.Unlock()
}

func (a *Arena) tierFor(size int) *tier {
	for _, t := range a.tiers {
		if size <= t.size {
			return t
		}
	}
	return nil
}

func (a *Arena) tierForCapacity(capacity int) *tier {
	for _, t := range a.tiers {
		if capacity == t.size {
			return t
		}
	}
	return nil
}

// Stats reports cumulative usage, mirroring the teacher's
// SmartPoolStats shape (gets, puts, news, hit rate).
type Stats struct {
	Gets          uint64
	Puts          uint64
	News          uint64
	HitRate       float64
	RetainedBytes int64
}

// Stats returns a snapshot of the arena's counters.
func (a *Arena) Stats() Stats {
	gets := a.gets.Load()
	news := a.news.Load()
	hitRate := 0.0
	if gets > 0 {
		hits := gets - news
		hitRate = float64(hits) / float64(gets)
	}
	return Stats{
		Gets:          gets,
		Puts:          a.puts.Load(),
		News:          news,
		HitRate:       hitRate,
		RetainedBytes: a.retainedBytes.Load(),
	}
}
