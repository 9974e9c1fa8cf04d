package httpmsg

import (
	"strconv"
	"strings"
)

// CacheControl is the parsed set of Cache-Control directives the
// strategy resolver consults, per spec.md §6.
type CacheControl struct {
	NoCache        bool
	NoStore        bool
	Public         bool
	Private        bool
	MustRevalidate bool
	OnlyIfCached   bool

	MaxAge   int // seconds, -1 if unset
	MinFresh int // seconds, -1 if unset
	MaxStale int // seconds, -1 if unset
}

// ParseCacheControl parses a Cache-Control header value. Unknown
// directives are ignored; malformed integer arguments are treated as
// absent rather than rejected, matching how real servers' stray
// Cache-Control headers are tolerated in practice.
func ParseCacheControl(headerValue string) CacheControl {
	cc := CacheControl{MaxAge: -1, MinFresh: -1, MaxStale: -1}
	if headerValue == "" {
		return cc
	}

	for _, part := range strings.Split(headerValue, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, arg, hasArg := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		arg = strings.Trim(strings.TrimSpace(arg), `"`)

		switch name {
		case "no-cache":
			cc.NoCache = true
		case "no-store":
			cc.NoStore = true
		case "public":
			cc.Public = true
		case "private":
			cc.Private = true
		case "must-revalidate":
			cc.MustRevalidate = true
		case "only-if-cached":
			cc.OnlyIfCached = true
		case "max-age":
			if hasArg {
				if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
					cc.MaxAge = n
				}
			}
		case "min-fresh":
			if hasArg {
				if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
					cc.MinFresh = n
				}
			}
		case "max-stale":
			if hasArg {
				if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
					cc.MaxStale = n
				}
			} else {
				// Bare "max-stale" means "any staleness acceptable".
				cc.MaxStale = 1<<31 - 1
			}
		}
	}

	return cc
}

// CacheControlOf parses the Cache-Control header carried by h.
func CacheControlOf(h Header) CacheControl {
	return ParseCacheControl(h.Get(HeaderCacheControl))
}
