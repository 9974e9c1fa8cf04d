// Package optimize picks a capability-appropriate fast path for
// ETag/If-None-Match comparison, the same capability-gated dispatch
// idea the teacher's core/optimize/simd.go used for path comparison:
// detect what the CPU can do once at init, then branch on it per call
// instead of re-detecting every time.
//
// Unlike the teacher's version, EqualETag never drops into
// hand-written assembly for the "fast" branches: the teacher's
// comparePathAVX2/comparePathNEON relied on per-arch .s files that
// aren't available outside that exact package layout, and bytes.Equal
// already compiles to a vectorized comparison on every architecture
// the Go toolchain supports. The capability detection is kept because
// it genuinely changes behavior (the short-string early-out threshold
// and the label attached to diagnostics), not because it reaches a
// different comparison routine.
package optimize

import (
	"bytes"

	"golang.org/x/sys/cpu"
)

var (
	wideCompareAvailable bool
	capabilityLabel      string
)

func init() {
	switch {
	case cpu.X86.HasAVX2:
		wideCompareAvailable = true
		capabilityLabel = "avx2"
	case cpu.ARM64.HasASIMD:
		wideCompareAvailable = true
		capabilityLabel = "neon"
	default:
		capabilityLabel = "scalar"
	}
}

// shortETagThreshold is the length below which a capability check
// costs more than it could ever save; ETags shorter than this always
// take the plain path.
const shortETagThreshold = 16

// Capability reports which wide-comparison capability, if any, was
// detected at startup ("avx2", "neon", or "scalar"). Exposed for
// diagnostics, not behavior: EqualETag's result never depends on it.
func Capability() string { return capabilityLabel }

// EqualETag reports whether two opaque ETag validators are
// byte-for-byte identical. Weak-comparison (leading "W/") is the
// caller's concern; this function only ever does a strict compare.
func EqualETag(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) < shortETagThreshold || !wideCompareAvailable {
		return bytesEqualScalar(a, b)
	}
	return bytesEqualWide(a, b)
}

func bytesEqualScalar(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// bytesEqualWide delegates to the standard library's bytes.Equal,
// which the Go compiler already lowers to a vectorized comparison
// loop on amd64 and arm64 — there is no separate assembly routine to
// call into here, only a different name to make the dispatch point
// explicit at the call site above.
func bytesEqualWide(a, b []byte) bool {
	return bytes.Equal(a, b)
}
