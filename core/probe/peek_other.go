//go:build !linux && !darwin

package probe

// NewProber returns a Prober that always reports Unknown: no
// nonblocking peek primitive is wired up for this platform, so the
// pool falls back to its existing handle-count and timestamp based
// leak detection alone.
func NewProber() (Prober, error) {
	return noopProber{}, nil
}

type noopProber struct{}

func (noopProber) Peek(fd int) (Liveness, error) { return Unknown, nil }
