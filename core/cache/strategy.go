// Package cache implements the RFC 7234 decision engine described in
// spec.md §4.3: given a stored response and an incoming request, it
// computes whether to serve from cache, revalidate conditionally, or
// go to network. The resolver is a pure function — no I/O, no
// mutation of its arguments, no clock reads beyond the injected now —
// mirroring how the teacher keeps its stdlib-only leaf packages
// (core/http/request.go) free of hidden dependencies.
package cache

import (
	"strconv"
	"time"

	"github.com/searchktools/fastclient/core/httpmsg"
)

// Cacheable status codes, per spec.md §4.3 is_cacheable.
var cacheableStatusCodes = map[int]bool{
	200: true, 203: true, 204: true, 300: true, 301: true,
	404: true, 405: true, 410: true, 414: true, 501: true, 308: true,
}

// conditionallyCacheableStatusCodes requires at least one freshness
// signal on the response to be cacheable.
var conditionallyCacheableStatusCodes = map[int]bool{302: true, 307: true}

// Strategy is the immutable decision computed by Compute. Exactly the
// four states of spec.md §3 are representable: both nil means the
// caller forbade network and the cache was insufficient.
type Strategy struct {
	NetworkRequest *httpmsg.Request
	CacheResponse  *httpmsg.Response
}

// Compute implements spec.md §4.3's algorithm in the order given;
// first matching clause wins unless stated otherwise. nowMillis is the
// only clock reading the function performs, supplied by the caller so
// the function stays pure and testable.
func Compute(nowMillis int64, request *httpmsg.Request, cached *httpmsg.Response) Strategy {
	strategy := compute(nowMillis, request, cached)

	// Step 8 (outer get): caller forbade network and we picked one anyway.
	if strategy.NetworkRequest != nil && request.CacheControl().OnlyIfCached {
		return Strategy{}
	}
	return strategy
}

func compute(nowMillis int64, request *httpmsg.Request, cached *httpmsg.Response) Strategy {
	// 1. No cached response: go to network.
	if cached == nil {
		return Strategy{NetworkRequest: request}
	}

	// 2. HTTPS request but the cached response never completed a TLS
	// handshake: discard it.
	if request.URL.IsHTTPS && !cached.TLSVerified {
		return Strategy{NetworkRequest: request}
	}

	// 3. Not cacheable at all: go to network.
	if !isCacheable(cached, request) {
		return Strategy{NetworkRequest: request}
	}

	requestDirectives := request.CacheControl()

	// 4. Caller wants the server to decide.
	if requestDirectives.NoCache || request.IsConditional() {
		return Strategy{NetworkRequest: request}
	}

	responseDirectives := cached.CacheControl()

	// 5. Freshness arithmetic, with request directive overrides.
	ageMillis := responseAgeMillis(cached, nowMillis)
	freshMillis := freshnessLifetimeSeconds(cached) * 1000
	heuristicUsed := usedHeuristicFreshness(cached)

	if requestDirectives.MaxAge >= 0 {
		maxAgeMillis := int64(requestDirectives.MaxAge) * 1000
		if maxAgeMillis < freshMillis {
			freshMillis = maxAgeMillis
		}
	}

	var minFreshMillis int64
	if requestDirectives.MinFresh >= 0 {
		minFreshMillis = int64(requestDirectives.MinFresh) * 1000
	}

	var maxStaleMillis int64
	if requestDirectives.MaxStale >= 0 && !responseDirectives.MustRevalidate {
		maxStaleMillis = int64(requestDirectives.MaxStale) * 1000
	}

	// 6. Serve from cache if still within (possibly relaxed) freshness.
	if !responseDirectives.NoCache && ageMillis+minFreshMillis < freshMillis+maxStaleMillis {
		response := cached
		if ageMillis+minFreshMillis >= freshMillis {
			response = response.WithHeader(httpmsg.HeaderWarning, "110 - \"Response is stale\"")
		}
		if ageMillis > 24*time.Hour.Milliseconds() && heuristicUsed {
			response = response.WithHeader(httpmsg.HeaderWarning, "113 - \"Heuristic Expiration\"")
		}
		return Strategy{CacheResponse: response}
	}

	// 7. Attempt conditional revalidation.
	conditional := request
	switch {
	case cached.Header.Has(httpmsg.HeaderETag):
		conditional = request.WithHeader(httpmsg.HeaderIfNoneMatch, cached.Header.Get(httpmsg.HeaderETag))
		return Strategy{NetworkRequest: conditional, CacheResponse: cached}
	case cached.Header.Has(httpmsg.HeaderLastModified):
		conditional = request.WithHeader(httpmsg.HeaderIfModifiedSince, cached.Header.Get(httpmsg.HeaderLastModified))
		return Strategy{NetworkRequest: conditional, CacheResponse: cached}
	case cached.Header.Has(httpmsg.HeaderDate):
		conditional = request.WithHeader(httpmsg.HeaderIfModifiedSince, cached.Header.Get(httpmsg.HeaderDate))
		return Strategy{NetworkRequest: conditional, CacheResponse: cached}
	default:
		// No header could be added: network request only.
		return Strategy{NetworkRequest: request}
	}
}

// isCacheable implements spec.md §4.3's is_cacheable.
func isCacheable(response *httpmsg.Response, request *httpmsg.Request) bool {
	if response.CacheControl().NoStore || request.CacheControl().NoStore {
		return false
	}

	switch {
	case cacheableStatusCodes[response.StatusCode]:
		return true
	case conditionallyCacheableStatusCodes[response.StatusCode]:
		cc := response.CacheControl()
		return response.Header.Has(httpmsg.HeaderExpires) || cc.MaxAge >= 0 || cc.Public || cc.Private
	default:
		return false
	}
}

// usedHeuristicFreshness reports whether freshnessLifetimeSeconds fell
// through to the Last-Modified heuristic rather than an explicit
// max-age/Expires.
func usedHeuristicFreshness(response *httpmsg.Response) bool {
	cc := response.CacheControl()
	if cc.MaxAge >= 0 {
		return false
	}
	if parseHTTPDateMillis(response.Header.Get(httpmsg.HeaderExpires)) > 0 {
		return false
	}
	if response.Request != nil && response.Request.URL.Query != "" {
		return false
	}
	return parseHTTPDateMillis(response.Header.Get(httpmsg.HeaderLastModified)) > 0
}

// freshnessLifetimeSeconds implements spec.md §4.3's freshness_lifetime,
// returned in seconds as the spec defines it (callers convert to
// millis for the arithmetic in step 5/6).
func freshnessLifetimeSeconds(response *httpmsg.Response) int64 {
	cc := response.CacheControl()
	if cc.MaxAge >= 0 {
		return int64(cc.MaxAge)
	}

	servedAt := servedDateMillis(response)

	if expires := parseHTTPDateMillis(response.Header.Get(httpmsg.HeaderExpires)); expires > 0 {
		base := servedAt
		if base == 0 {
			base = response.ReceivedResponseAtMillis
		}
		lifetime := (expires - base) / 1000
		if lifetime < 0 {
			lifetime = 0
		}
		return lifetime
	}

	if response.Header.Has(httpmsg.HeaderLastModified) && (response.Request == nil || response.Request.URL.Query == "") {
		lastModified := parseHTTPDateMillis(response.Header.Get(httpmsg.HeaderLastModified))
		if lastModified > 0 {
			base := servedAt
			if base == 0 {
				base = response.SentRequestAtMillis
			}
			lifetime := (base - lastModified) / 10 / 1000
			if lifetime < 0 {
				lifetime = 0
			}
			return lifetime
		}
	}

	return 0
}

// responseAgeMillis implements spec.md §4.3's cache_response_age.
func responseAgeMillis(response *httpmsg.Response, nowMillis int64) int64 {
	servedAt := servedDateMillis(response)

	var apparentAgeMillis int64
	if servedAt > 0 {
		apparentAgeMillis = response.ReceivedResponseAtMillis - servedAt
		if apparentAgeMillis < 0 {
			apparentAgeMillis = 0
		}
	}

	ageHeaderSeconds, hasAgeHeader := parseNonNegativeInt(response.Header.Get(httpmsg.HeaderAge))
	receivedAgeMillis := apparentAgeMillis
	if hasAgeHeader {
		ageHeaderMillis := int64(ageHeaderSeconds) * 1000
		if ageHeaderMillis > receivedAgeMillis {
			receivedAgeMillis = ageHeaderMillis
		}
	}

	responseDurationMillis := response.ReceivedResponseAtMillis - response.SentRequestAtMillis
	if responseDurationMillis < 0 {
		responseDurationMillis = 0
	}
	residentDurationMillis := nowMillis - response.ReceivedResponseAtMillis
	if residentDurationMillis < 0 {
		residentDurationMillis = 0
	}

	return receivedAgeMillis + responseDurationMillis + residentDurationMillis
}

func servedDateMillis(response *httpmsg.Response) int64 {
	return parseHTTPDateMillis(response.Header.Get(httpmsg.HeaderDate))
}

func parseHTTPDateMillis(value string) int64 {
	if value == "" {
		return 0
	}
	t, err := time.Parse(time.RFC1123, value)
	if err != nil {
		t, err = time.Parse(time.RFC1123Z, value)
		if err != nil {
			return 0
		}
	}
	return t.UnixMilli()
}

func parseNonNegativeInt(value string) (int, bool) {
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
