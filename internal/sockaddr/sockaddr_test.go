package sockaddr_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stealthrocket/sockshim/internal/assert"
	"github.com/stealthrocket/sockshim/internal/hostnet"
	"github.com/stealthrocket/sockshim/internal/sockaddr"
	"github.com/stealthrocket/wasi-go"
)

var (
	inet4Buffer = []byte{
		2, 0, // family
		127, 0, 0, 1, // address
		0x1F, 0x90, // port 8080, network order
	}
	inet6Buffer = []byte{
		3, 0, // family
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, // address
		0x1F, 0x90, // port 8080, network order
		7, 0, 0, 0, // scope id
	}
)

func TestDecode(t *testing.T) {
	tests := []struct {
		scenario string
		buffer   []byte
		addr     hostnet.Sockaddr
		errno    wasi.Errno
	}{
		{
			scenario: "an ipv4 address decodes into its typed form",
			buffer:   inet4Buffer,
			addr:     &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080},
		},

		{
			scenario: "an ipv6 address decodes into its typed form",
			buffer:   inet6Buffer,
			addr:     &hostnet.SockaddrInet6{Addr: [16]byte{15: 1}, Port: 8080, Zone: 7},
		},

		{
			scenario: "a nil buffer is malformed",
			buffer:   nil,
			errno:    wasi.EINVAL,
		},

		{
			scenario: "a buffer shorter than the family tag is malformed",
			buffer:   []byte{2},
			errno:    wasi.EINVAL,
		},

		{
			scenario: "an unspecified family carries no payload to decode",
			buffer:   []byte{0, 0},
			errno:    wasi.EINVAL,
		},

		{
			scenario: "an unknown family is malformed",
			buffer:   []byte{42, 0, 1, 2, 3, 4, 5, 6},
			errno:    wasi.EINVAL,
		},

		{
			scenario: "a unix address is recognized but not supported",
			buffer:   []byte{1, 0, '/', 't', 'm', 'p', 0},
			errno:    wasi.EAFNOSUPPORT,
		},

		{
			scenario: "an ipv4 buffer that declares the ipv6 family is malformed",
			buffer:   append([]byte{3, 0}, inet4Buffer[2:]...),
			errno:    wasi.EINVAL,
		},

		{
			scenario: "an ipv4 buffer with trailing bytes is malformed",
			buffer:   append(append([]byte{}, inet4Buffer...), 0),
			errno:    wasi.EINVAL,
		},

		{
			scenario: "an ipv6 buffer missing its scope id is malformed",
			buffer:   inet6Buffer[:20],
			errno:    wasi.EINVAL,
		},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			addr, errno := sockaddr.Decode(test.buffer)
			assert.Equal(t, errno, test.errno)
			if diff := cmp.Diff(test.addr, addr); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	addrs := []hostnet.Sockaddr{
		&hostnet.SockaddrInet4{Addr: [4]byte{192, 168, 0, 2}, Port: 443},
		&hostnet.SockaddrInet6{Addr: [16]byte{0: 0xFD, 15: 2}, Port: 443, Zone: 3},
	}

	for _, addr := range addrs {
		buf := make([]byte, sockaddr.SizeInet6)
		n, errno := sockaddr.Encode(addr, buf)
		assert.Equal(t, errno, wasi.ESUCCESS)

		decoded, errno := sockaddr.Decode(buf[:n])
		assert.Equal(t, errno, wasi.ESUCCESS)
		if diff := cmp.Diff(addr, decoded); diff != "" {
			t.Fatal(diff)
		}
	}
}

func TestEncodeTruncation(t *testing.T) {
	addr := &hostnet.SockaddrInet6{Addr: [16]byte{15: 1}, Port: 8080}

	// The write is capped at the buffer's capacity but the returned size is
	// the full encoding, so the caller can detect the truncation.
	buf := make([]byte, 8)
	n, errno := sockaddr.Encode(addr, buf)
	assert.Equal(t, errno, wasi.ESUCCESS)
	assert.Equal(t, n, sockaddr.SizeInet6)

	full := make([]byte, sockaddr.SizeInet6)
	_, errno = sockaddr.Encode(addr, full)
	assert.Equal(t, errno, wasi.ESUCCESS)
	if diff := cmp.Diff(full[:8], buf); diff != "" {
		t.Fatal(diff)
	}
}

func TestEncodeZeroLength(t *testing.T) {
	n, errno := sockaddr.Encode(&hostnet.SockaddrInet4{}, nil)
	assert.Equal(t, errno, wasi.ESUCCESS)
	assert.Equal(t, n, sockaddr.SizeInet4)
}
