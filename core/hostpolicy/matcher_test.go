package hostpolicy

import "testing"

func TestMatcher_ExactHost(t *testing.T) {
	m := NewMatcher()
	m.Add("api.example.com", 10)

	tests := []struct {
		host        string
		shouldMatch bool
	}{
		{"api.example.com", true},
		{"other.example.com", false},
	}

	for _, tt := range tests {
		n, ok := m.Lookup(tt.host)
		if ok != tt.shouldMatch {
			t.Errorf("host %s: expected match=%v, got match=%v", tt.host, tt.shouldMatch, ok)
		}
		if ok && n != 10 {
			t.Errorf("host %s: expected cap 10, got %d", tt.host, n)
		}
	}
}

func TestMatcher_WildcardSuffix(t *testing.T) {
	m := NewMatcher()
	m.Add("*.example.com", 3)

	tests := []struct {
		host        string
		shouldMatch bool
	}{
		{"api.example.com", true},
		{"a.b.example.com", true},
		{"example.com", false}, // the bare suffix itself does not match
		{"notexample.com", false},
	}

	for _, tt := range tests {
		n, ok := m.Lookup(tt.host)
		if ok != tt.shouldMatch {
			t.Errorf("host %s: expected match=%v, got match=%v", tt.host, tt.shouldMatch, ok)
		}
		if ok && n != 3 {
			t.Errorf("host %s: expected cap 3, got %d", tt.host, n)
		}
	}
}

// An exact host override is more specific than a covering wildcard and
// must win, mirroring the router's preference for the longest match.
func TestMatcher_ExactBeatsWildcard(t *testing.T) {
	m := NewMatcher()
	m.Add("*.example.com", 3)
	m.Add("api.example.com", 20)

	n, ok := m.Lookup("api.example.com")
	if !ok || n != 20 {
		t.Errorf("expected the exact-host override (20) to win, got %d, ok=%v", n, ok)
	}

	n, ok = m.Lookup("other.example.com")
	if !ok || n != 3 {
		t.Errorf("expected the wildcard override (3) for an unmatched sibling host, got %d, ok=%v", n, ok)
	}
}

func TestMatcher_NoOverrideConfigured(t *testing.T) {
	m := NewMatcher()
	if _, ok := m.Lookup("anything.example.com"); ok {
		t.Error("expected no match on an empty Matcher")
	}
}

func TestMatcher_AddReplacesExistingPattern(t *testing.T) {
	m := NewMatcher()
	m.Add("api.example.com", 5)
	m.Add("api.example.com", 9)

	if n, ok := m.Lookup("api.example.com"); !ok || n != 9 {
		t.Errorf("expected re-adding a pattern to replace its cap, got %d, ok=%v", n, ok)
	}
}

func TestMatcher_Remove(t *testing.T) {
	m := NewMatcher()
	m.Add("api.example.com", 5)
	m.Remove("api.example.com")

	if _, ok := m.Lookup("api.example.com"); ok {
		t.Error("expected no match after Remove")
	}
}
