//go:build linux || darwin

package probe

import "golang.org/x/sys/unix"

// unixProber implements Prober via a nonblocking, non-consuming
// MSG_PEEK recv, available identically on Linux and Darwin through
// golang.org/x/sys/unix.
type unixProber struct{}

// NewProber returns the platform Prober. Linux and Darwin share this
// implementation; other platforms get the Unknown-only fallback in
// peek_other.go.
func NewProber() (Prober, error) {
	return unixProber{}, nil
}

// Peek reports Dead if the peer has closed its side (a zero-length
// read), Alive if the socket is open (whether or not bytes are
// currently buffered), and propagates any unexpected errno as an
// error so the caller can fall back to Unknown.
func (unixProber) Peek(fd int) (Liveness, error) {
	buf := make([]byte, 1)
	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	switch {
	case err == nil && n == 0:
		return Dead, nil
	case err == nil:
		return Alive, nil
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		// No data waiting, but the socket itself is still open.
		return Alive, nil
	case err == unix.ECONNRESET:
		return Dead, nil
	default:
		return Unknown, err
	}
}
