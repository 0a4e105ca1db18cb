// Package hostnet defines the capability-scoped host networking boundary that
// the POSIX compatibility layer translates into: opaque socket handles, typed
// socket addresses, a closed error code enumeration, and the System interface
// dispatching one operation per POSIX verb.
package hostnet

import (
	"context"
	"fmt"
)

// Handle names a capability-scoped socket resource at the host boundary.
// It carries no operations beyond equality and use as a map key; in
// particular, arithmetic on handles is meaningless.
type Handle int32

// None is the sentinel returned in place of a handle by failing operations.
const None Handle = -1

func (h Handle) String() string {
	return fmt.Sprintf("handle(%d)", int32(h))
}

type Family uint8

const (
	UNSPEC Family = iota
	UNIX
	INET
	INET6
)

func (f Family) String() string {
	switch f {
	case UNIX:
		return "UNIX"
	case INET:
		return "INET"
	case INET6:
		return "INET6"
	default:
		return "UNSPEC"
	}
}

type Socktype uint8

const (
	ANY Socktype = iota
	STREAM
	DGRAM
)

func (t Socktype) String() string {
	switch t {
	case STREAM:
		return "STREAM"
	case DGRAM:
		return "DGRAM"
	default:
		return "ANY"
	}
}

type Protocol uint16

const (
	NOPROTO Protocol = 0
	TCP     Protocol = 6
	UDP     Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case NOPROTO:
		return "NOPROTO"
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

// Sockaddr is the typed internal address representation used for all calls
// across the host boundary. Values are only ever constructed from validated
// input; raw address buffers never cross this interface.
type Sockaddr interface {
	Family() Family

	sockaddr()
}

type SockaddrInet4 struct {
	Addr [4]byte
	Port int
}

func (*SockaddrInet4) Family() Family { return INET }

func (*SockaddrInet4) sockaddr() {}

func (sa *SockaddrInet4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3], sa.Port)
}

type SockaddrInet6 struct {
	Addr [16]byte
	Port int
	Zone uint32
}

func (*SockaddrInet6) Family() Family { return INET6 }

func (*SockaddrInet6) sockaddr() {}

func (sa *SockaddrInet6) String() string {
	return fmt.Sprintf("[%x]:%d", sa.Addr, sa.Port)
}

// Shutdown directions, matching the values guests pass to shutdown(2).
const (
	SHUTRD   = 0
	SHUTWR   = 1
	SHUTRDWR = 2
)

// SocketLevel is the only option level understood by the host boundary;
// options for other levels are reported as unsupported capabilities.
const SocketLevel = 0

// Socket options negotiable through GetOpt/SetOpt. Non-blocking mode is a
// socket option at this boundary rather than a descriptor flag, so that the
// compatibility layer has a single option surface to expose.
const (
	OptNonBlock = iota + 1
	OptError
	OptType
	OptAcceptConn
	OptRecvBuffer
	OptSendBuffer
)

// System is the host boundary call surface: a pure dispatch interface keyed
// by handle, with one operation per POSIX verb. Implementations never retry,
// never substitute errors, and never translate addresses; those concerns
// belong to the callers. Success is reported as the zero Errcode.
//
// Socket and Close exist here because handle lifecycle is owned by the host,
// not by the compatibility layer: the layer treats handles as immutable keys.
type System interface {
	Socket(ctx context.Context, family Family, socktype Socktype, protocol Protocol) (Handle, Errcode)

	Close(ctx context.Context, h Handle) Errcode

	Bind(ctx context.Context, h Handle, addr Sockaddr) Errcode

	Connect(ctx context.Context, h Handle, addr Sockaddr) Errcode

	Listen(ctx context.Context, h Handle, backlog int) Errcode

	Accept(ctx context.Context, h Handle) (Handle, Sockaddr, Errcode)

	Shutdown(ctx context.Context, h Handle, how int) Errcode

	Send(ctx context.Context, h Handle, iovs [][]byte, flags int) (int, Errcode)

	Recv(ctx context.Context, h Handle, iovs [][]byte, flags int) (int, Errcode)

	GetOpt(ctx context.Context, h Handle, level, name int) (int, Errcode)

	SetOpt(ctx context.Context, h Handle, level, name, value int) Errcode

	LocalAddress(ctx context.Context, h Handle) (Sockaddr, Errcode)

	RemoteAddress(ctx context.Context, h Handle) (Sockaddr, Errcode)
}
