package hostnet

import (
	"context"

	"golang.org/x/sys/unix"
)

func (s *HostSystem) Socket(ctx context.Context, family Family, socktype Socktype, protocol Protocol) (Handle, Errcode) {
	af, code := toUnixFamily(family)
	if code != Success {
		return None, code
	}
	st, code := toUnixSocktype(socktype)
	if code != Success {
		return None, code
	}
	fd, err := ignoreEINTR2(func() (int, error) {
		return unix.Socket(af, st, int(protocol))
	})
	if err != nil {
		return None, errcodeFrom(err)
	}
	unix.CloseOnExec(fd)
	return s.register(fd, family), Success
}

func (s *HostSystem) Accept(ctx context.Context, h Handle) (Handle, Sockaddr, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return None, nil, code
	}
	fd, sa, err := func() (int, unix.Sockaddr, error) {
		for {
			fd, sa, err := unix.Accept(sock.fd)
			if err != unix.EINTR {
				return fd, sa, err
			}
		}
	}()
	if err != nil {
		return None, nil, errcodeFrom(err)
	}
	unix.CloseOnExec(fd)
	peer, code := fromUnixSockaddr(sa)
	if code != Success {
		unix.Close(fd)
		return None, nil, code
	}
	return s.register(fd, sock.family), peer, Success
}
