package chain

import (
	"errors"
	"time"

	"github.com/searchktools/fastclient/core/cache"
	"github.com/searchktools/fastclient/core/events"
	"github.com/searchktools/fastclient/core/httpmsg"
	"github.com/searchktools/fastclient/core/optimize"
	"github.com/searchktools/fastclient/core/transport"
)

// ErrUnsatisfiable is returned when a request carries only-if-cached
// and the cache could not satisfy it, per spec.md §3's fourth
// CacheStrategy state and scenario S6.
var ErrUnsatisfiable = errors.New("chain: only-if-cached request could not be satisfied from cache")

// Store is the byte-stream persistence collaborator spec.md §1 leaves
// external: CacheInterceptor only needs to get and put a Response
// keyed by request identity.
type Store interface {
	Get(key string) (*httpmsg.Response, bool)
	Put(key string, response *httpmsg.Response)
	Remove(key string)
}

// CacheKey derives the store key for a request: method, host and
// query together identify a cacheable resource (spec.md §6 names
// exactly these URL fields as what the core reads).
func CacheKey(request *httpmsg.Request) string {
	return request.Method + " " + request.URL.Host + "?" + request.URL.Query
}

// CacheInterceptor consults CacheStrategy.Compute before ever
// touching the network, and updates Store afterwards, implementing
// the "(a) consults CacheStrategy" step of spec.md §2's per-call data
// flow.
type CacheInterceptor struct {
	Store Store
	Now   func() int64
	Hub   *events.Hub
}

// cacheDecisionLabel names which of CacheStrategy.Compute's four
// outcomes a Strategy represents, for the diagnostics event published
// alongside it: a request/response pair alone doesn't say which path
// produced it.
func cacheDecisionLabel(strategy cache.Strategy) string {
	switch {
	case strategy.NetworkRequest == nil && strategy.CacheResponse == nil:
		return "unsatisfiable"
	case strategy.NetworkRequest == nil:
		return "cache_hit"
	case strategy.CacheResponse != nil:
		return "conditional"
	default:
		return "forward"
	}
}

// Intercept implements Interceptor.
func (ci *CacheInterceptor) Intercept(c *Chain) (*httpmsg.Response, error) {
	request := c.Request()
	cached, _ := ci.Store.Get(CacheKey(request))

	strategy := cache.Compute(ci.Now(), request, cached)
	ci.publishDecision(request.URL.Host, cacheDecisionLabel(strategy))

	if strategy.NetworkRequest == nil && strategy.CacheResponse == nil {
		return nil, ErrUnsatisfiable
	}
	if strategy.NetworkRequest == nil {
		return strategy.CacheResponse, nil
	}

	// Network failed outright: surface the error even when a stale
	// cache entry exists. CacheStrategy already decided revalidation
	// was needed; a hard failure does not fall back to stale data
	// beyond what max-stale already allowed in step 6.
	networkResponse, err := c.Proceed(strategy.NetworkRequest)
	if err != nil {
		return nil, err
	}

	if networkResponse.StatusCode == 304 && strategy.CacheResponse != nil {
		merged := mergeConditionalHit(strategy.CacheResponse, networkResponse)
		ci.Store.Put(CacheKey(request), merged)
		return merged, nil
	}

	if networkResponse.CacheControl().NoStore {
		ci.Store.Remove(CacheKey(request))
		return networkResponse, nil
	}

	networkResponse.EncodeTimestamps()
	ci.Store.Put(CacheKey(request), networkResponse)
	return networkResponse, nil
}

func (ci *CacheInterceptor) publishDecision(host, decision string) {
	if ci.Hub == nil {
		return
	}
	ci.Hub.Publish(events.Event{
		Type:            events.TypeCacheDecision,
		Host:            host,
		CacheDecision:   decision,
		TimestampMillis: time.Now().UnixMilli(),
	})
}

// mergeConditionalHit combines a 304's updated validators with the
// cached body, per RFC 7234 §4.3.4. If both responses carry an ETag
// and they disagree, a misbehaving intermediary returned 304 against
// the wrong resource version: the revalidation response is trusted
// as-is instead of merging, rather than silently serving stale bytes
// under a mismatched validator.
func mergeConditionalHit(cached, revalidation *httpmsg.Response) *httpmsg.Response {
	cachedETag := cached.Header.Get(httpmsg.HeaderETag)
	revalidationETag := revalidation.Header.Get(httpmsg.HeaderETag)
	if cachedETag != "" && revalidationETag != "" &&
		!optimize.EqualETag([]byte(cachedETag), []byte(revalidationETag)) {
		return revalidation
	}

	merged := *cached
	merged.Header = httpmsg.NewHeader()
	for k, v := range cached.Header {
		merged.Header[k] = append([]string(nil), v...)
	}
	for k, v := range revalidation.Header {
		merged.Header[k] = append([]string(nil), v...)
	}
	merged.SentRequestAtMillis = revalidation.SentRequestAtMillis
	merged.ReceivedResponseAtMillis = revalidation.ReceivedResponseAtMillis
	merged.EncodeTimestamps()
	return &merged
}

const chainValueEngine = "transport-engine"

// ConnectInterceptor implements step (b)/(c) of spec.md §2's data
// flow: when CacheInterceptor decided a network request is needed,
// this link acquires a transport engine (which in turn acquires a
// connection from the pool) and stashes it for CallServerInterceptor.
type ConnectInterceptor struct {
	Factory transport.Factory
}

// Intercept implements Interceptor.
func (ci *ConnectInterceptor) Intercept(c *Chain) (*httpmsg.Response, error) {
	engine, err := ci.Factory.NewEngine(c.Request())
	if err != nil {
		return nil, err
	}
	c.Set(chainValueEngine, engine)
	return c.Proceed(c.Request())
}

// CallServerInterceptor is the final link: it bypasses the
// interceptor recursion entirely (no Proceed call) and drives the
// transport engine directly, per spec.md §6. It also runs the
// follow-up loop (redirects/auth) up to transport.MaxFollowUps,
// recovering from retryable failures via engine.Recover.
type CallServerInterceptor struct{}

// Intercept implements Interceptor.
func (cs *CallServerInterceptor) Intercept(c *Chain) (*httpmsg.Response, error) {
	value, ok := c.Value(chainValueEngine)
	if !ok {
		return nil, errors.New("chain: CallServerInterceptor requires ConnectInterceptor to run first")
	}
	engine := value.(transport.Engine)

	request := c.Request()
	for followUps := 0; ; followUps++ {
		if followUps > transport.MaxFollowUps {
			return nil, transport.ErrTooManyFollowUps
		}

		response, err := exchangeOnce(engine, request)
		if err != nil {
			recovered, ok := engine.Recover(err)
			if !ok {
				return nil, err
			}
			engine = recovered
			continue
		}

		next, hasFollowUp := engine.FollowUpRequest(response)
		if !hasFollowUp {
			return response, nil
		}
		request = next
	}
}

// exchangeOnce performs a single send/read pair against engine,
// releasing the underlying stream allocation on the way out so the
// connection pool's accounting stays correct on every exit path, per
// spec.md §7's resource guarantee.
func exchangeOnce(engine transport.Engine, request *httpmsg.Request) (*httpmsg.Response, error) {
	defer engine.Release()

	if err := engine.SendRequest(request); err != nil {
		return nil, err
	}
	return engine.ReadResponse()
}

// DefaultChain builds the canonical interceptor sequence of spec.md
// §2's data flow: cache consultation, connection acquisition, network
// exchange. User-supplied interceptors are spliced in before the
// cache link, matching how an observer wrapping the whole exchange
// would be installed. hub, if non-nil, receives a cache_decision event
// for every call.
func DefaultChain(userInterceptors []Interceptor, store Store, now func() int64, factory transport.Factory, hub *events.Hub) []Interceptor {
	chain := make([]Interceptor, 0, len(userInterceptors)+3)
	chain = append(chain, userInterceptors...)
	chain = append(chain,
		&CacheInterceptor{Store: store, Now: now, Hub: hub},
		&ConnectInterceptor{Factory: factory},
		&CallServerInterceptor{},
	)
	return chain
}
