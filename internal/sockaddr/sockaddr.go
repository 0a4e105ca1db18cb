// Package sockaddr converts between the generic address buffers exchanged
// with callers of the POSIX-shaped API and the typed socket addresses used
// across the host boundary.
//
// The generic buffer layout is a fixed-width family tag followed by a
// family-specific payload:
//
//	offset 0: family tag, uint16, little-endian
//	INET:  4-byte address, 2-byte port (8 bytes total)
//	INET6: 16-byte address, 2-byte port, 4-byte scope id (24 bytes total)
//
// The port occupies network byte order like sin_port/sin6_port; the tag and
// the scope id follow the little-endian struct layout of the wasm ABI.
package sockaddr

import (
	"encoding/binary"

	"github.com/stealthrocket/sockshim/internal/hostnet"
	"github.com/stealthrocket/wasi-go"
)

// Family tags understood by the codec. The values are part of the wire
// format shared with guests, not an internal enumeration.
const (
	afUnspec = 0
	afUnix   = 1
	afInet   = 2
	afInet6  = 3
)

const (
	headerSize = 2

	// SizeInet4 and SizeInet6 are the exact encoded sizes of the two
	// supported address families, tag included. Callers sizing output
	// buffers for the reverse path use them to avoid truncation.
	SizeInet4 = headerSize + 4 + 2
	SizeInet6 = headerSize + 16 + 2 + 4
)

// Decode validates a caller-supplied generic address buffer and converts it
// into a typed socket address. The buffer length is the length declared by
// the caller; Decode never reads past it.
//
// Failure taxonomy: a buffer shorter than the family tag, an unrecognized
// family, or a length that does not exactly match the tagged family's size
// fail with EINVAL. A family the codec recognizes but the host boundary does
// not support (unix sockets) fails with EAFNOSUPPORT. The two classes are
// deliberately distinct; callers branch on the difference.
func Decode(buf []byte) (hostnet.Sockaddr, wasi.Errno) {
	if len(buf) < headerSize {
		return nil, wasi.EINVAL
	}
	switch binary.LittleEndian.Uint16(buf) {
	case afInet:
		if len(buf) != SizeInet4 {
			return nil, wasi.EINVAL
		}
		sa := &hostnet.SockaddrInet4{
			Port: int(binary.BigEndian.Uint16(buf[6:])),
		}
		copy(sa.Addr[:], buf[2:6])
		return sa, wasi.ESUCCESS

	case afInet6:
		if len(buf) != SizeInet6 {
			return nil, wasi.EINVAL
		}
		sa := &hostnet.SockaddrInet6{
			Port: int(binary.BigEndian.Uint16(buf[18:])),
			Zone: binary.LittleEndian.Uint32(buf[20:]),
		}
		copy(sa.Addr[:], buf[2:18])
		return sa, wasi.ESUCCESS

	case afUnix:
		return nil, wasi.EAFNOSUPPORT

	default:
		// afUnspec carries no payload to validate against, and anything
		// higher is garbage; both are malformed input rather than a
		// capability gap.
		return nil, wasi.EINVAL
	}
}

// Encode writes the generic encoding of a typed socket address into the
// caller's buffer and returns the full encoded size.
//
// If the buffer is smaller than the encoding, the write is truncated to
// len(buf) but the returned size is still the full untruncated size, per the
// POSIX rule that truncation of a returned address is not itself an error.
// Callers detect truncation by comparing the returned size to their capacity.
func Encode(sa hostnet.Sockaddr, buf []byte) (int, wasi.Errno) {
	var tmp [SizeInet6]byte

	switch a := sa.(type) {
	case *hostnet.SockaddrInet4:
		binary.LittleEndian.PutUint16(tmp[:], afInet)
		copy(tmp[2:6], a.Addr[:])
		binary.BigEndian.PutUint16(tmp[6:], uint16(a.Port))
		return SizeInet4, copyTruncated(buf, tmp[:SizeInet4])

	case *hostnet.SockaddrInet6:
		binary.LittleEndian.PutUint16(tmp[:], afInet6)
		copy(tmp[2:18], a.Addr[:])
		binary.BigEndian.PutUint16(tmp[18:], uint16(a.Port))
		binary.LittleEndian.PutUint32(tmp[20:], a.Zone)
		return SizeInet6, copyTruncated(buf, tmp[:SizeInet6])

	default:
		return 0, wasi.EAFNOSUPPORT
	}
}

func copyTruncated(dst, src []byte) wasi.Errno {
	copy(dst, src)
	return wasi.ESUCCESS
}
