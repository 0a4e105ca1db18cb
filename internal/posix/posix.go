// Package posix exposes the POSIX-shaped socket entry points on top of the
// capability-scoped host boundary. Each verb validates its arguments,
// decodes address buffers through the codec, dispatches to the host, and on
// failure publishes the mapped errno to the thread's last-error slot before
// returning the POSIX sentinel.
package posix

import (
	"context"
	"encoding/binary"

	"github.com/stealthrocket/sockshim/internal/errno"
	"github.com/stealthrocket/sockshim/internal/hostnet"
	"github.com/stealthrocket/sockshim/internal/sockaddr"
	"github.com/stealthrocket/wasi-go"
)

// Failure is the sentinel returned by failing verbs; callers then read the
// last-error slot to discover the cause.
const Failure = -1

// Thread is one logical thread of control issuing POSIX socket calls.
//
// The last-error slot lives here rather than in a process global: it is
// initialized to "no error", written only by the outermost entry points of
// this package when a call fails, and read by the caller immediately after
// observing a sentinel return. Nested internal calls never touch it, so an
// error recorded for the caller cannot be clobbered by bookkeeping.
//
// A Thread must not be shared by concurrent callers; operations against a
// single handle are assumed sequential by the caller (the layer holds no
// other mutable state and imposes no serialization of its own).
type Thread struct {
	system hostnet.System
	errno  wasi.Errno
}

// NewThread binds a thread of control to a host boundary implementation.
func NewThread(system hostnet.System) *Thread {
	return &Thread{system: system}
}

// Errno returns the errno recorded by the most recent failing call. The
// value is stable until the next failing call; successful calls leave it
// untouched.
func (t *Thread) Errno() wasi.Errno {
	return t.errno
}

// fail publishes the errno for a failing call and returns the sentinel.
func (t *Thread) fail(err wasi.Errno) int {
	t.errno = err
	return Failure
}

// failCode publishes the mapped errno for a host-reported error code.
func (t *Thread) failCode(code hostnet.Errcode) int {
	return t.fail(errno.ToErrno(code))
}

// Fault records an address-space error for a call whose buffer arguments
// could not be read from the caller's memory.
func (t *Thread) Fault() int {
	return t.fail(wasi.EFAULT)
}

// Socket creates a socket of the given family, type and protocol and returns
// its handle, or hostnet.None with the last-error slot set.
func (t *Thread) Socket(ctx context.Context, family hostnet.Family, socktype hostnet.Socktype, protocol hostnet.Protocol) hostnet.Handle {
	h, code := t.system.Socket(ctx, family, socktype, protocol)
	if code != hostnet.Success {
		t.failCode(code)
		return hostnet.None
	}
	return h
}

// Close releases the socket handle and any resources attached to it.
func (t *Thread) Close(ctx context.Context, h hostnet.Handle) int {
	if code := t.system.Close(ctx, h); code != hostnet.Success {
		return t.failCode(code)
	}
	return 0
}

// Bind assigns the address encoded in the caller's buffer to the socket.
// The buffer goes through codec validation unconditionally, including when
// it is nil or empty: codec validation wins over argument-shape checks when
// both are violated, so a null address with a zero length reports EINVAL
// from the codec's minimum-size rule.
func (t *Thread) Bind(ctx context.Context, h hostnet.Handle, addr []byte) int {
	sa, err := sockaddr.Decode(addr)
	if err != wasi.ESUCCESS {
		return t.fail(err)
	}
	if code := t.system.Bind(ctx, h, sa); code != hostnet.Success {
		return t.failCode(code)
	}
	return 0
}

// Connect initiates a connection to the address encoded in the caller's
// buffer. State errors (connecting a listening socket, connecting twice) are
// reported by the host and passed through mapped; the layer does not track
// socket state of its own.
func (t *Thread) Connect(ctx context.Context, h hostnet.Handle, addr []byte) int {
	sa, err := sockaddr.Decode(addr)
	if err != wasi.ESUCCESS {
		return t.fail(err)
	}
	if code := t.system.Connect(ctx, h, sa); code != hostnet.Success {
		return t.failCode(code)
	}
	return 0
}

func (t *Thread) Listen(ctx context.Context, h hostnet.Handle, backlog int) int {
	if backlog < 0 {
		backlog = 0
	}
	if code := t.system.Listen(ctx, h, backlog); code != hostnet.Success {
		return t.failCode(code)
	}
	return 0
}

// Accept waits for an inbound connection and returns the new handle. The
// peer address is encoded into addr under the truncation rule: the write is
// capped at len(addr) but the returned length is the full encoded size, so a
// caller comparing it to its capacity can detect truncation. A nil addr
// skips peer address reporting entirely, matching accept(2) with a null
// address argument.
func (t *Thread) Accept(ctx context.Context, h hostnet.Handle, addr []byte) (hostnet.Handle, int) {
	conn, peer, code := t.system.Accept(ctx, h)
	if code != hostnet.Success {
		return hostnet.None, t.failCode(code)
	}
	if addr == nil {
		return conn, 0
	}
	n, err := sockaddr.Encode(peer, addr)
	if err != wasi.ESUCCESS {
		// The host handed back an address the codec cannot represent; the
		// connection is established regardless, so surface the handle and
		// report no address bytes.
		return conn, 0
	}
	return conn, n
}

func (t *Thread) Shutdown(ctx context.Context, h hostnet.Handle, how int) int {
	switch how {
	case hostnet.SHUTRD, hostnet.SHUTWR, hostnet.SHUTRDWR:
	default:
		return t.fail(wasi.EINVAL)
	}
	if code := t.system.Shutdown(ctx, h, how); code != hostnet.Success {
		return t.failCode(code)
	}
	return 0
}

// Send transmits the gathered buffers on a connected socket and returns the
// number of bytes written, or the sentinel with the last-error slot set.
func (t *Thread) Send(ctx context.Context, h hostnet.Handle, iovs [][]byte, flags int) int {
	n, code := t.system.Send(ctx, h, iovs, flags)
	if code != hostnet.Success {
		return t.failCode(code)
	}
	return n
}

// Recv fills the scattered buffers from a connected socket and returns the
// number of bytes read; zero reports an orderly peer shutdown.
func (t *Thread) Recv(ctx context.Context, h hostnet.Handle, iovs [][]byte, flags int) int {
	n, code := t.system.Recv(ctx, h, iovs, flags)
	if code != hostnet.Success {
		return t.failCode(code)
	}
	return n
}

// Getsockname encodes the socket's local address into addr under the same
// truncation rule as Accept.
func (t *Thread) Getsockname(ctx context.Context, h hostnet.Handle, addr []byte) int {
	sa, code := t.system.LocalAddress(ctx, h)
	if code != hostnet.Success {
		return t.failCode(code)
	}
	n, err := sockaddr.Encode(sa, addr)
	if err != wasi.ESUCCESS {
		return t.fail(err)
	}
	return n
}

// Getpeername encodes the socket's peer address into addr under the same
// truncation rule as Accept.
func (t *Thread) Getpeername(ctx context.Context, h hostnet.Handle, addr []byte) int {
	sa, code := t.system.RemoteAddress(ctx, h)
	if code != hostnet.Success {
		return t.failCode(code)
	}
	n, err := sockaddr.Encode(sa, addr)
	if err != wasi.ESUCCESS {
		return t.fail(err)
	}
	return n
}

// Getsockopt reads a socket option into the caller's value buffer. Option
// values are 32-bit little-endian integers; the buffer must hold at least
// four bytes. The returned length is the number of bytes written.
func (t *Thread) Getsockopt(ctx context.Context, h hostnet.Handle, level, name int, value []byte) int {
	if len(value) < 4 {
		return t.fail(wasi.EINVAL)
	}
	v, code := t.system.GetOpt(ctx, h, level, name)
	if code != hostnet.Success {
		return t.failCode(code)
	}
	binary.LittleEndian.PutUint32(value, uint32(v))
	return 4
}

// Setsockopt writes a socket option from the caller's value buffer, which
// must hold a 32-bit little-endian integer.
func (t *Thread) Setsockopt(ctx context.Context, h hostnet.Handle, level, name int, value []byte) int {
	if len(value) < 4 {
		return t.fail(wasi.EINVAL)
	}
	v := int(int32(binary.LittleEndian.Uint32(value)))
	if code := t.system.SetOpt(ctx, h, level, name, v); code != hostnet.Success {
		return t.failCode(code)
	}
	return 0
}
