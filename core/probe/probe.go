// Package probe implements the pre-reuse liveness check SPEC_FULL.md
// §11 assigns to golang.org/x/sys: a nonblocking peek at a pooled
// connection's socket that detects the far end closed or reset the
// connection while it sat idle, so connpool.Pool.Get doesn't hand a
// dead connection back out. The pool does not consult it before
// eviction or leak detection.
//
// The teacher's core/poller package picks an epoll (Linux) or kqueue
// (Darwin) implementation behind a single Poller interface using
// build-tag-selected files and the standard syscall package. This
// package keeps that same per-OS-file structure but swaps syscall for
// golang.org/x/sys/unix (the library the teacher already depends on
// for exactly this kind of raw syscall access) and swaps the
// multiplexed event-loop Wait for a single-shot nonblocking peek,
// since the pool only ever needs a yes/no answer for one socket at a
// time, not to wait on many.
package probe

import "syscall"

// Liveness is the result of peeking a socket.
type Liveness int

const (
	// Unknown means the platform has no peek implementation, or the
	// peek itself failed for a reason unrelated to the connection's
	// state (e.g. the fd has already been closed locally). Callers
	// should treat Unknown the same as Alive: a probe is a hint, never
	// the sole authority on whether a connection may be reused.
	Unknown Liveness = iota
	Alive
	Dead
)

// Prober peeks a raw file descriptor without consuming any buffered
// bytes.
type Prober interface {
	Peek(fd int) (Liveness, error)
}

// Peekable is satisfied by any connection that exposes its underlying
// fd the standard way (*net.TCPConn, *tls.Conn, etc. all implement
// SyscallConn).
type Peekable interface {
	SyscallConn() (syscall.RawConn, error)
}

// Check peeks conn using the platform Prober, returning Unknown if
// conn does not expose a raw fd or the platform has no implementation.
func Check(conn Peekable, p Prober) Liveness {
	if p == nil {
		return Unknown
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return Unknown
	}

	result := Unknown
	_ = raw.Read(func(fd uintptr) bool {
		liveness, err := p.Peek(int(fd))
		if err != nil {
			result = Unknown
			return true
		}
		result = liveness
		return true
	})
	return result
}
