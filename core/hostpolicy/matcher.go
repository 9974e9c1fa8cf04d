// Package hostpolicy implements the per-host-pattern concurrency
// override described in SPEC_FULL.md §12: an operator may configure a
// tighter or looser max_requests_per_host for a glob/suffix host
// pattern, layered on top of the dispatcher's uniform per-host cap.
//
// The teacher's RadixRouter (core/router/radix.go) resolves a request
// path to a handler by walking a tree of shared prefixes and always
// preferring the most specific match. Hosts aren't slash-delimited
// paths, so a tree isn't the right shape here, but the same
// most-specific-match-wins principle is: Matcher keeps patterns in a
// flat slice and picks the one whose literal suffix is longest among
// those that match, rather than building a tree for what is usually a
// handful of entries.
package hostpolicy

import "strings"

// entry is one configured override.
type entry struct {
	pattern     string
	suffix      string // the matchable portion: pattern with a leading "*." stripped
	isWildcard  bool
	maxRequests int
}

// Matcher resolves a host to a configured per-host request cap, or
// reports no override so the caller falls back to the dispatcher's
// uniform default.
type Matcher struct {
	entries []entry
}

// NewMatcher builds an empty Matcher. Patterns are added with Add.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Add registers an override for pattern, a bare host ("api.example.com")
// or a single leading-wildcard suffix pattern ("*.example.com"),
// mapped to maxRequests. Re-adding the same pattern replaces its cap.
func (m *Matcher) Add(pattern string, maxRequests int) {
	for i, e := range m.entries {
		if e.pattern == pattern {
			m.entries[i].maxRequests = maxRequests
			return
		}
	}

	e := entry{pattern: pattern, maxRequests: maxRequests}
	if strings.HasPrefix(pattern, "*.") {
		e.isWildcard = true
		e.suffix = pattern[1:] // keep the leading '.'
	} else {
		e.suffix = pattern
	}
	m.entries = append(m.entries, e)
}

// Remove deletes a previously-added pattern, if present.
func (m *Matcher) Remove(pattern string) {
	for i, e := range m.entries {
		if e.pattern == pattern {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// Lookup returns the configured cap for host and true, or (0, false)
// if no pattern matches. When more than one pattern matches (an exact
// host plus a covering wildcard, or two overlapping wildcards), the
// entry with the longest suffix wins, mirroring the router's
// longest-common-prefix preference for the most specific route.
func (m *Matcher) Lookup(host string) (int, bool) {
	best := -1
	bestMax := 0
	found := false

	for _, e := range m.entries {
		if !e.matches(host) {
			continue
		}
		if len(e.suffix) > best {
			best = len(e.suffix)
			bestMax = e.maxRequests
			found = true
		}
	}
	return bestMax, found
}

// MaxRequestsForHost implements dispatcher.HostPolicy.
func (m *Matcher) MaxRequestsForHost(host string) (int, bool) {
	return m.Lookup(host)
}

func (e entry) matches(host string) bool {
	if !e.isWildcard {
		return host == e.suffix
	}
	// e.suffix is ".example.com"; host must end with it and have at
	// least one label before the dot ("api.example.com" matches,
	// "example.com" itself does not).
	return len(host) > len(e.suffix) && strings.HasSuffix(host, e.suffix)
}
