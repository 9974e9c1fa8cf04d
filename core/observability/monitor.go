// Package observability tracks per-host call latency, error rate, and
// — by subscribing to core/events — the cache and connection-reuse
// signals that are specific to an HTTP client rather than a server's
// request handlers: a slow host that serves everything from cache
// isn't the same problem as a slow host that is redialing a
// connection on every call, and flat absolute thresholds don't tell
// them apart. Adapted from the teacher's per-handler
// PerformanceMonitor, which tracked handler latency/error rate alone.
package observability

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/fastclient/core/events"
)

// Bottleneck detection constants, tuned around this client's own
// collaborators rather than a server-handler's fixed millisecond
// budget:
const (
	// latencyRatioThreshold flags a host once its average latency
	// exceeds this multiple of the process's own overall average —
	// "slow" is relative to what this process otherwise experiences,
	// since a client legitimately talks to hosts at very different
	// distances and payload sizes, unlike a server's own handlers.
	latencyRatioThreshold = 3.0
	// latencyFloor keeps near-instant hosts (e.g. a local test server)
	// from tripping the ratio check on noise alone.
	latencyFloor = 20 * time.Millisecond

	errorRateThreshold = 0.10 // fraction of a host's calls ending in error

	// cacheDecisionMinSample avoids flagging a host after only one or
	// two cache decisions, before the strategy's verdicts are
	// representative.
	cacheDecisionMinSample = 5
	// cacheMissRateThreshold flags a host whose calls are forwarded to
	// the network instead of served from cache more often than this.
	cacheMissRateThreshold = 0.8

	// connectionChurnMinSample and connectionChurnRateThreshold flag a
	// host whose connections are evicted and redialed often enough,
	// relative to its call volume, that handshake/setup cost is a
	// plausible explanation for latency on its own — a signal no
	// server-handler monitor needs, since a server doesn't dial out.
	connectionChurnMinSample    = 5
	connectionChurnRateThreshold = 0.3
)

// CallMonitor provides low-overhead per-host call latency, error, and
// cache/connection-reuse tracking for a Client.
type CallMonitor struct {
	enabled atomic.Bool
	hosts   sync.Map
	global  struct {
		totalCalls    atomic.Uint64
		totalDuration atomic.Uint64
	}
	bottlenecks  []Bottleneck
	bottleneckMu sync.RWMutex

	hub   *events.Hub
	subID int

	stopCh chan struct{}
}

// HostMetrics stores per-host call metrics.
type HostMetrics struct {
	Host          string
	Count         atomic.Uint64
	Errors        atomic.Uint64
	TotalDuration atomic.Uint64
	MinDuration   atomic.Uint64
	MaxDuration   atomic.Uint64

	latencyBuckets [10]atomic.Uint64

	// CacheHits/CacheForwards count CacheInterceptor's verdicts for
	// this host (populated only if Subscribe is wired to a Hub that
	// CacheInterceptor also publishes to).
	CacheHits     atomic.Uint64
	CacheForwards atomic.Uint64

	// ConnectionEvictions/LeaksDetected count connpool.Pool notices for
	// routes to this host (populated only if Subscribe is wired).
	ConnectionEvictions atomic.Uint64
	LeaksDetected       atomic.Uint64
}

// Bottleneck represents a host whose calls are degrading, and why.
type Bottleneck struct {
	Type       string
	Host       string
	Severity   int
	Impact     float64
	DetectedAt time.Time
	Details    string
}

// NewCallMonitor creates a monitor and starts its background
// bottleneck-detection loop; call Close to stop it.
func NewCallMonitor() *CallMonitor {
	cm := &CallMonitor{stopCh: make(chan struct{})}
	cm.enabled.Store(true)
	go cm.analyzeBottlenecks()
	return cm
}

// Subscribe wires the monitor to hub's cache-decision, connection-
// eviction and leak notices, so detectBottlenecks can reason about
// cache effectiveness and connection churn per host alongside raw
// latency. A monitor never subscribed (hub nil, or Subscribe never
// called) still does plain latency/error detection — the cache- and
// connection-aware bottleneck types simply never fire.
func (cm *CallMonitor) Subscribe(hub *events.Hub) {
	if hub == nil {
		return
	}
	ch, id := hub.Subscribe(64)
	cm.hub = hub
	cm.subID = id
	go cm.consumeEvents(ch)
}

func (cm *CallMonitor) consumeEvents(ch <-chan *events.Event) {
	for e := range ch {
		cm.observe(e)
	}
}

func (cm *CallMonitor) observe(e *events.Event) {
	switch e.Type {
	case events.TypeCacheDecision:
		m := cm.hostMetrics(e.Host)
		switch e.CacheDecision {
		case "cache_hit":
			m.CacheHits.Add(1)
		case "forward", "conditional":
			m.CacheForwards.Add(1)
		}
	case events.TypeConnectionEvicted:
		cm.hostMetrics(e.Host).ConnectionEvictions.Add(1)
	case events.TypeLeakDetected:
		cm.hostMetrics(e.Host).LeaksDetected.Add(1)
	}
}

func (cm *CallMonitor) hostMetrics(host string) *HostMetrics {
	val, _ := cm.hosts.LoadOrStore(host, &HostMetrics{Host: host})
	return val.(*HostMetrics)
}

// RecordCall records the outcome of one exchange against host.
func (cm *CallMonitor) RecordCall(host string, duration time.Duration, isError bool) {
	if !cm.enabled.Load() {
		return
	}

	metrics := cm.hostMetrics(host)

	metrics.Count.Add(1)
	if isError {
		metrics.Errors.Add(1)
	}

	durationNs := uint64(duration.Nanoseconds())
	metrics.TotalDuration.Add(durationNs)
	cm.updateMinMax(metrics, durationNs)
	cm.updateLatencyBucket(metrics, durationNs)

	cm.global.totalCalls.Add(1)
	cm.global.totalDuration.Add(durationNs)
}

func (cm *CallMonitor) updateMinMax(m *HostMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min == 0 || d < min {
			if m.MinDuration.CompareAndSwap(min, d) {
				break
			}
		} else {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d > max {
			if m.MaxDuration.CompareAndSwap(max, d) {
				break
			}
		} else {
			break
		}
	}
}

func (cm *CallMonitor) updateLatencyBucket(m *HostMetrics, durationNs uint64) {
	ms := durationNs / 1_000_000
	idx := 0
	switch {
	case ms < 1:
		idx = 0
	case ms < 5:
		idx = 1
	case ms < 10:
		idx = 2
	case ms < 50:
		idx = 3
	case ms < 100:
		idx = 4
	case ms < 500:
		idx = 5
	case ms < 1000:
		idx = 6
	case ms < 5000:
		idx = 7
	case ms < 10000:
		idx = 8
	default:
		idx = 9
	}
	m.latencyBuckets[idx].Add(1)
}

func (cm *CallMonitor) analyzeBottlenecks() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !cm.enabled.Load() {
				continue
			}
			bottlenecks := cm.detectBottlenecks()
			cm.bottleneckMu.Lock()
			cm.bottlenecks = bottlenecks
			cm.bottleneckMu.Unlock()
		case <-cm.stopCh:
			return
		}
	}
}

// globalAverageDuration reports the average call duration across every
// host this process has talked to, the baseline detectBottlenecks
// measures a single host's latency against.
func (cm *CallMonitor) globalAverageDuration() time.Duration {
	totalCalls := cm.global.totalCalls.Load()
	if totalCalls == 0 {
		return 0
	}
	return time.Duration(cm.global.totalDuration.Load() / totalCalls)
}

func (cm *CallMonitor) detectBottlenecks() []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)
	globalAvg := cm.globalAverageDuration()

	cm.hosts.Range(func(key, value interface{}) bool {
		m := value.(*HostMetrics)
		count := m.Count.Load()
		if count == 0 {
			return true
		}

		avgDuration := time.Duration(m.TotalDuration.Load() / count)
		if b, ok := latencyBottleneck(m.Host, avgDuration, globalAvg); ok {
			bottlenecks = append(bottlenecks, b)
		}

		errors := m.Errors.Load()
		if errors > 0 && float64(errors)/float64(count) > errorRateThreshold {
			rate := float64(errors) / float64(count)
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "errors",
				Host:       m.Host,
				Severity:   9,
				Impact:     rate * 100,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("%.1f%% call error rate over %d calls", rate*100, count),
			})
		}

		if b, ok := cacheBottleneck(m); ok {
			bottlenecks = append(bottlenecks, b)
		}
		if b, ok := connectionChurnBottleneck(m, count); ok {
			bottlenecks = append(bottlenecks, b)
		}
		if leaks := m.LeaksDetected.Load(); leaks > 0 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "leak",
				Host:       m.Host,
				Severity:   10,
				Impact:     float64(leaks),
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("%d leaked stream allocation(s) detected on connections to this host", leaks),
			})
		}

		return true
	})

	return bottlenecks
}

// latencyBottleneck flags host once its average latency exceeds
// latencyRatioThreshold times the process-wide average, rather than a
// fixed absolute constant — see the package doc comment.
func latencyBottleneck(host string, avg, globalAvg time.Duration) (Bottleneck, bool) {
	if globalAvg <= 0 || avg < latencyFloor {
		return Bottleneck{}, false
	}
	ratio := float64(avg) / float64(globalAvg)
	if ratio <= latencyRatioThreshold {
		return Bottleneck{}, false
	}
	severity := 6
	if ratio >= 6 {
		severity = 8
	}
	return Bottleneck{
		Type:       "latency",
		Host:       host,
		Severity:   severity,
		Impact:     ratio * 100,
		DetectedAt: time.Now(),
		Details:    fmt.Sprintf("average call latency %v is %.1fx this process's overall average of %v", avg, ratio, globalAvg),
	}, true
}

// cacheBottleneck flags host once enough cache decisions have landed
// that a high forward-to-network rate is representative rather than
// noise from the first couple of calls.
func cacheBottleneck(m *HostMetrics) (Bottleneck, bool) {
	hits, forwards := m.CacheHits.Load(), m.CacheForwards.Load()
	decided := hits + forwards
	if decided < cacheDecisionMinSample {
		return Bottleneck{}, false
	}
	rate := float64(forwards) / float64(decided)
	if rate <= cacheMissRateThreshold {
		return Bottleneck{}, false
	}
	return Bottleneck{
		Type:       "cache_ineffective",
		Host:       m.Host,
		Severity:   5,
		Impact:     rate * 100,
		DetectedAt: time.Now(),
		Details:    fmt.Sprintf("%.1f%% of %d cache decisions forwarded to the network instead of serving from cache", rate*100, decided),
	}, true
}

// connectionChurnBottleneck flags host once connection evictions are
// frequent relative to call volume: for an HTTP/2 client, repeated
// handshake/setup cost from redialing is a distinct, more actionable
// root cause than "the destination itself is slow".
func connectionChurnBottleneck(m *HostMetrics, count uint64) (Bottleneck, bool) {
	if count < connectionChurnMinSample {
		return Bottleneck{}, false
	}
	evictions := m.ConnectionEvictions.Load()
	rate := float64(evictions) / float64(count)
	if rate <= connectionChurnRateThreshold {
		return Bottleneck{}, false
	}
	return Bottleneck{
		Type:       "connection_churn",
		Host:       m.Host,
		Severity:   7,
		Impact:     rate * 100,
		DetectedAt: time.Now(),
		Details:    fmt.Sprintf("%d connection evictions across %d calls; repeated connection setup may be inflating latency more than the destination itself", evictions, count),
	}, true
}

// GetBottlenecks returns the hosts flagged by the last detection pass.
func (cm *CallMonitor) GetBottlenecks() []Bottleneck {
	cm.bottleneckMu.RLock()
	defer cm.bottleneckMu.RUnlock()
	return append([]Bottleneck{}, cm.bottlenecks...)
}

// StartTrace starts timing one call.
func (cm *CallMonitor) StartTrace() int64 {
	if !cm.enabled.Load() {
		return 0
	}
	return time.Now().UnixNano()
}

// EndTrace ends timing for a call begun with StartTrace and records it
// against host.
func (cm *CallMonitor) EndTrace(host string, startTime int64, isError bool) {
	if startTime == 0 {
		return
	}
	duration := time.Duration(time.Now().UnixNano() - startTime)
	cm.RecordCall(host, duration, isError)
}

// Close stops the background bottleneck-detection loop and, if
// Subscribe was called, unsubscribes from the event hub.
func (cm *CallMonitor) Close() {
	cm.enabled.Store(false)
	close(cm.stopCh)
	if cm.hub != nil {
		cm.hub.Unsubscribe(cm.subID)
		cm.hub = nil
	}
}
