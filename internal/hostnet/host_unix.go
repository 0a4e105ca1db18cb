//go:build linux || darwin

package hostnet

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// HostSystem implements the host boundary over real operating system
// sockets. Handles map to file descriptors owned by the system; unix errnos
// are translated into the closed error code enumeration at this boundary and
// nowhere else, keeping the invoker surface pass-through.
type HostSystem struct {
	mutex   sync.Mutex
	sockets map[Handle]*hostSocket
	next    Handle
}

type hostSocket struct {
	fd       int
	family   Family
	nonblock bool
}

func NewHostSystem() *HostSystem {
	return &HostSystem{sockets: make(map[Handle]*hostSocket)}
}

func (s *HostSystem) register(fd int, family Family) Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	h := s.next
	s.next++
	s.sockets[h] = &hostSocket{fd: fd, family: family}
	return h
}

func (s *HostSystem) lookup(h Handle) (*hostSocket, Errcode) {
	s.mutex.Lock()
	sock := s.sockets[h]
	s.mutex.Unlock()
	if sock == nil {
		return nil, BadHandle
	}
	return sock, Success
}

func (s *HostSystem) Close(ctx context.Context, h Handle) Errcode {
	s.mutex.Lock()
	sock := s.sockets[h]
	delete(s.sockets, h)
	s.mutex.Unlock()
	if sock == nil {
		return BadHandle
	}
	return errcodeFrom(unix.Close(sock.fd))
}

func (s *HostSystem) Bind(ctx context.Context, h Handle, addr Sockaddr) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	sa, code := toUnixSockaddr(addr)
	if code != Success {
		return code
	}
	return errcodeFrom(ignoreEINTR(func() error { return unix.Bind(sock.fd, sa) }))
}

func (s *HostSystem) Connect(ctx context.Context, h Handle, addr Sockaddr) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	sa, code := toUnixSockaddr(addr)
	if code != Success {
		return code
	}
	return errcodeFrom(ignoreEINTR(func() error { return unix.Connect(sock.fd, sa) }))
}

func (s *HostSystem) Listen(ctx context.Context, h Handle, backlog int) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	return errcodeFrom(ignoreEINTR(func() error { return unix.Listen(sock.fd, backlog) }))
}

func (s *HostSystem) Shutdown(ctx context.Context, h Handle, how int) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	return errcodeFrom(ignoreEINTR(func() error { return unix.Shutdown(sock.fd, how) }))
}

func (s *HostSystem) Send(ctx context.Context, h Handle, iovs [][]byte, flags int) (int, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return 0, code
	}
	for {
		n, err := unix.SendmsgBuffers(sock.fd, iovs, nil, nil, flags)
		if err == unix.EINTR {
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, errcodeFrom(err)
	}
}

func (s *HostSystem) Recv(ctx context.Context, h Handle, iovs [][]byte, flags int) (int, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return 0, code
	}
	for {
		n, _, _, _, err := unix.RecvmsgBuffers(sock.fd, iovs, nil, flags)
		if err == unix.EINTR {
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, errcodeFrom(err)
	}
}

func (s *HostSystem) GetOpt(ctx context.Context, h Handle, level, name int) (int, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return 0, code
	}
	if level != SocketLevel {
		return 0, NotSupported
	}
	if name == OptNonBlock {
		return boolToInt(sock.nonblock), Success
	}
	sysname, code := sysOptName(name)
	if code != Success {
		return 0, code
	}
	v, err := ignoreEINTR2(func() (int, error) {
		return unix.GetsockoptInt(sock.fd, unix.SOL_SOCKET, sysname)
	})
	return v, errcodeFrom(err)
}

func (s *HostSystem) SetOpt(ctx context.Context, h Handle, level, name, value int) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	if level != SocketLevel {
		return NotSupported
	}
	switch name {
	case OptNonBlock:
		if err := unix.SetNonblock(sock.fd, value != 0); err != nil {
			return errcodeFrom(err)
		}
		sock.nonblock = value != 0
		return Success
	case OptError, OptType, OptAcceptConn:
		return NotSupported
	}
	sysname, code := sysOptName(name)
	if code != Success {
		return code
	}
	return errcodeFrom(ignoreEINTR(func() error {
		return unix.SetsockoptInt(sock.fd, unix.SOL_SOCKET, sysname, value)
	}))
}

func (s *HostSystem) LocalAddress(ctx context.Context, h Handle) (Sockaddr, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return nil, code
	}
	sa, err := ignoreEINTR2(func() (unix.Sockaddr, error) { return unix.Getsockname(sock.fd) })
	if err != nil {
		return nil, errcodeFrom(err)
	}
	return fromUnixSockaddr(sa)
}

func (s *HostSystem) RemoteAddress(ctx context.Context, h Handle) (Sockaddr, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return nil, code
	}
	sa, err := ignoreEINTR2(func() (unix.Sockaddr, error) { return unix.Getpeername(sock.fd) })
	if err != nil {
		return nil, errcodeFrom(err)
	}
	return fromUnixSockaddr(sa)
}

func sysOptName(name int) (int, Errcode) {
	switch name {
	case OptError:
		return unix.SO_ERROR, Success
	case OptType:
		return unix.SO_TYPE, Success
	case OptAcceptConn:
		return unix.SO_ACCEPTCONN, Success
	case OptRecvBuffer:
		return unix.SO_RCVBUF, Success
	case OptSendBuffer:
		return unix.SO_SNDBUF, Success
	default:
		return 0, NotSupported
	}
}

func toUnixFamily(family Family) (int, Errcode) {
	switch family {
	case INET:
		return unix.AF_INET, Success
	case INET6:
		return unix.AF_INET6, Success
	default:
		return 0, AddressFamilyNotSupported
	}
}

func toUnixSocktype(socktype Socktype) (int, Errcode) {
	switch socktype {
	case STREAM, ANY:
		return unix.SOCK_STREAM, Success
	case DGRAM:
		return unix.SOCK_DGRAM, Success
	default:
		return 0, NotSupported
	}
}

func toUnixSockaddr(addr Sockaddr) (unix.Sockaddr, Errcode) {
	switch a := addr.(type) {
	case *SockaddrInet4:
		return &unix.SockaddrInet4{Port: a.Port, Addr: a.Addr}, Success
	case *SockaddrInet6:
		return &unix.SockaddrInet6{Port: a.Port, ZoneId: a.Zone, Addr: a.Addr}, Success
	default:
		return nil, AddressFamilyNotSupported
	}
}

func fromUnixSockaddr(sa unix.Sockaddr) (Sockaddr, Errcode) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &SockaddrInet4{Addr: a.Addr, Port: a.Port}, Success
	case *unix.SockaddrInet6:
		return &SockaddrInet6{Addr: a.Addr, Port: a.Port, Zone: a.ZoneId}, Success
	default:
		return nil, AddressFamilyNotSupported
	}
}

// errcodeFrom translates a unix errno into the host boundary taxonomy.
func errcodeFrom(err error) Errcode {
	if err == nil {
		return Success
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		return Unknown
	}
	switch errno {
	case unix.EACCES, unix.EPERM:
		return AccessDenied
	case unix.EADDRINUSE:
		return AddressInUse
	case unix.EADDRNOTAVAIL:
		return AddressNotBindable
	case unix.EAFNOSUPPORT:
		return AddressFamilyNotSupported
	case unix.EPROTONOSUPPORT, unix.EPROTOTYPE:
		return ProtocolNotSupported
	case unix.ECONNREFUSED:
		return ConnectionRefused
	case unix.ECONNRESET:
		return ConnectionReset
	case unix.ECONNABORTED:
		return ConnectionAborted
	case unix.EPIPE:
		return BrokenPipe
	case unix.EHOSTUNREACH, unix.ENETUNREACH:
		return RemoteUnreachable
	case unix.ETIMEDOUT:
		return Timeout
	case unix.EINVAL:
		return InvalidArgument
	case unix.EISCONN:
		return AlreadyConnected
	case unix.ENOTCONN:
		return NotConnected
	case unix.EALREADY:
		return ConcurrencyConflict
	case unix.EINPROGRESS:
		return InProgress
	case unix.EAGAIN:
		return WouldBlock
	case unix.EMFILE, unix.ENFILE:
		return NewSocketLimit
	case unix.ENOMEM, unix.ENOBUFS:
		return OutOfMemory
	case unix.EMSGSIZE:
		return DatagramTooLarge
	case unix.EOPNOTSUPP:
		return NotSupported
	case unix.EBADF:
		return BadHandle
	case unix.ENOTSOCK:
		return NotSocket
	default:
		return Unknown
	}
}

// These helpers retry syscalls interrupted by signal delivery; the guest has
// no signal handling surface, so EINTR must never leak to it.
func ignoreEINTR(f func() error) error {
	for {
		if err := f(); err != unix.EINTR {
			return err
		}
	}
}

func ignoreEINTR2[F func() (R, error), R any](f F) (R, error) {
	for {
		v, err := f()
		if err != unix.EINTR {
			return v, err
		}
	}
}
