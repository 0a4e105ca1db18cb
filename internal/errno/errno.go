// Package errno implements the bidirectional mapping between the host
// boundary's closed error code enumeration and the POSIX errno values that
// guests observe (the wasi.Errno enumeration).
package errno

import (
	"fmt"

	"github.com/stealthrocket/sockshim/internal/hostnet"
	"github.com/stealthrocket/wasi-go"
)

var toErrno = [...]wasi.Errno{
	hostnet.Success:                   wasi.ESUCCESS,
	hostnet.Unknown:                   wasi.EIO,
	hostnet.AccessDenied:              wasi.EACCES,
	hostnet.NotSupported:              wasi.ENOTSUP,
	hostnet.AddressFamilyNotSupported: wasi.EAFNOSUPPORT,
	hostnet.InvalidArgument:           wasi.EINVAL,
	hostnet.InvalidState:              wasi.EINVAL,
	hostnet.AlreadyConnected:          wasi.EISCONN,
	hostnet.NotConnected:              wasi.ENOTCONN,
	hostnet.ConcurrencyConflict:       wasi.EALREADY,
	hostnet.WouldBlock:                wasi.EAGAIN,
	hostnet.InProgress:                wasi.EINPROGRESS,
	hostnet.Timeout:                   wasi.ETIMEDOUT,
	hostnet.OutOfMemory:               wasi.ENOMEM,
	hostnet.NewSocketLimit:            wasi.EMFILE,
	hostnet.AddressInUse:              wasi.EADDRINUSE,
	hostnet.AddressNotBindable:        wasi.EADDRNOTAVAIL,
	hostnet.RemoteUnreachable:         wasi.EHOSTUNREACH,
	hostnet.ConnectionRefused:         wasi.ECONNREFUSED,
	hostnet.ConnectionReset:           wasi.ECONNRESET,
	hostnet.ConnectionAborted:         wasi.ECONNABORTED,
	hostnet.BrokenPipe:                wasi.EPIPE,
	hostnet.DatagramTooLarge:          wasi.EMSGSIZE,
	hostnet.ProtocolNotSupported:      wasi.EPROTONOSUPPORT,
	hostnet.BadHandle:                 wasi.EBADF,
	hostnet.NotSocket:                 wasi.ENOTSOCK,
}

// ToErrno translates a host boundary error code into the errno observed by
// the caller of a POSIX-shaped entry point. The function is total over the
// closed Errcode enumeration; being handed a code outside of it is a
// programming defect and panics rather than silently coercing to a default.
func ToErrno(code hostnet.Errcode) wasi.Errno {
	if int(code) >= len(toErrno) {
		panic(fmt.Sprintf("unmapped host error code: %d", code))
	}
	// Success maps to ESUCCESS which is the zero value of both enumerations,
	// so the table lookup needs no special case.
	return toErrno[code]
}

// FromErrno translates an errno into a host-shaped error code. The reverse
// mapping is not total: it only covers errno values that the layer
// synthesizes locally before reaching the host boundary (address codec
// rejections and handle validation). The second result reports whether the
// errno has a defined reverse mapping.
func FromErrno(errno wasi.Errno) (hostnet.Errcode, bool) {
	switch errno {
	case wasi.ESUCCESS:
		return hostnet.Success, true
	case wasi.EINVAL:
		return hostnet.InvalidArgument, true
	case wasi.EAFNOSUPPORT:
		return hostnet.AddressFamilyNotSupported, true
	case wasi.ENOTSUP:
		return hostnet.NotSupported, true
	case wasi.EBADF:
		return hostnet.BadHandle, true
	case wasi.ENOTSOCK:
		return hostnet.NotSocket, true
	case wasi.EAGAIN:
		return hostnet.WouldBlock, true
	default:
		return hostnet.Unknown, false
	}
}
