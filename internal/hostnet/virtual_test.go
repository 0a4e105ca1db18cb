package hostnet_test

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/stealthrocket/sockshim/internal/assert"
	"github.com/stealthrocket/sockshim/internal/hostnet"
	"golang.org/x/sync/errgroup"
)

func TestVirtualSystem(t *testing.T) {
	tests := []struct {
		scenario string
		function func(*testing.T, *hostnet.VirtualSystem)
	}{
		{
			scenario: "ipv4 sockets can connect to one another on the loopback interface",
			function: testVirtualConnectLoopbackIPv4,
		},

		{
			scenario: "ipv6 sockets can connect to one another on the loopback interface",
			function: testVirtualConnectLoopbackIPv6,
		},

		{
			scenario: "datagram sockets are not a capability of the virtual host",
			function: testVirtualDatagramNotSupported,
		},

		{
			scenario: "unix sockets are not an address family of the virtual host",
			function: testVirtualUnixNotSupported,
		},

		{
			scenario: "udp is not a protocol of the virtual host",
			function: testVirtualUDPNotSupported,
		},

		{
			scenario: "binding a port twice reports the conflict",
			function: testVirtualBindConflict,
		},

		{
			scenario: "binding a bound socket again is an invalid state",
			function: testVirtualBindTwice,
		},

		{
			scenario: "binding a foreign address is not bindable",
			function: testVirtualBindForeignAddress,
		},

		{
			scenario: "connecting a listening socket reports it as connected",
			function: testVirtualConnectListening,
		},

		{
			scenario: "connecting to a port nobody listens on is refused",
			function: testVirtualConnectRefused,
		},

		{
			scenario: "a bound socket connecting to its own address is refused",
			function: testVirtualConnectSelf,
		},

		{
			scenario: "connecting to a foreign address is unreachable even when the port is bound locally",
			function: testVirtualConnectForeignAddress,
		},

		{
			scenario: "a failed connect returns its ephemeral port lease",
			function: testVirtualFailedConnectReturnsPort,
		},

		{
			scenario: "listening without binding first is an invalid state",
			function: testVirtualListenUnbound,
		},

		{
			scenario: "shutdown before connect reports not connected",
			function: testVirtualShutdownNotConnected,
		},

		{
			scenario: "shutdown of the write direction is observed as end of stream",
			function: testVirtualShutdownWrite,
		},

		{
			scenario: "send after shutdown of the write direction breaks the pipe",
			function: testVirtualSendAfterShutdown,
		},

		{
			scenario: "operations on a closed handle report a bad handle",
			function: testVirtualBadHandle,
		},

		{
			scenario: "a non-blocking accept with an empty backlog would block",
			function: testVirtualAcceptWouldBlock,
		},

		{
			scenario: "a non-blocking receive with no buffered data would block",
			function: testVirtualRecvWouldBlock,
		},

		{
			scenario: "socket options are negotiable at the socket level only",
			function: testVirtualSocketOptions,
		},

		{
			scenario: "local and remote addresses are reported per socket",
			function: testVirtualAddresses,
		},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			test.function(t, hostnet.NewVirtualSystem())
		})
	}
}

func listenStream(t *testing.T, sys *hostnet.VirtualSystem, family hostnet.Family, addr hostnet.Sockaddr) hostnet.Handle {
	t.Helper()
	ctx := context.Background()
	server, code := sys.Socket(ctx, family, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Bind(ctx, server, addr), hostnet.Success)
	assert.Equal(t, sys.Listen(ctx, server, 4), hostnet.Success)
	return server
}

func testVirtualConnectLoopback(t *testing.T, sys *hostnet.VirtualSystem, family hostnet.Family, bindAddr, dialAddr hostnet.Sockaddr) {
	ctx := context.Background()
	server := listenStream(t, sys, family, bindAddr)

	client, code := sys.Socket(ctx, family, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Connect(ctx, client, dialAddr), hostnet.Success)

	conn, peer, code := sys.Accept(ctx, server)
	assert.Equal(t, code, hostnet.Success)
	assert.True(t, peer != nil, "accept must report the peer address")

	group := new(errgroup.Group)
	message := []byte("ping over the loopback interface")

	group.Go(func() error {
		n, code := sys.Send(ctx, client, [][]byte{message}, 0)
		assert.Equal(t, code, hostnet.Success)
		assert.Equal(t, n, len(message))
		assert.Equal(t, sys.Shutdown(ctx, client, hostnet.SHUTWR), hostnet.Success)
		return nil
	})

	group.Go(func() error {
		received := make([]byte, 0, len(message))
		buf := make([]byte, 8)
		for {
			n, code := sys.Recv(ctx, conn, [][]byte{buf}, 0)
			assert.Equal(t, code, hostnet.Success)
			if n == 0 {
				break
			}
			received = append(received, buf[:n]...)
		}
		assert.True(t, bytes.Equal(received, message), "message corrupted in transit")
		return nil
	})

	assert.OK(t, group.Wait())
}

func testVirtualConnectLoopbackIPv4(t *testing.T, sys *hostnet.VirtualSystem) {
	testVirtualConnectLoopback(t, sys, hostnet.INET,
		&hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080},
		&hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080},
	)
}

func testVirtualConnectLoopbackIPv6(t *testing.T, sys *hostnet.VirtualSystem) {
	testVirtualConnectLoopback(t, sys, hostnet.INET6,
		&hostnet.SockaddrInet6{Addr: [16]byte{15: 1}, Port: 8080},
		&hostnet.SockaddrInet6{Addr: [16]byte{15: 1}, Port: 8080},
	)
}

func testVirtualDatagramNotSupported(t *testing.T, sys *hostnet.VirtualSystem) {
	_, code := sys.Socket(context.Background(), hostnet.INET, hostnet.DGRAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.NotSupported)
}

func testVirtualUnixNotSupported(t *testing.T, sys *hostnet.VirtualSystem) {
	_, code := sys.Socket(context.Background(), hostnet.UNIX, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.AddressFamilyNotSupported)
}

func testVirtualUDPNotSupported(t *testing.T, sys *hostnet.VirtualSystem) {
	_, code := sys.Socket(context.Background(), hostnet.INET, hostnet.STREAM, hostnet.UDP)
	assert.Equal(t, code, hostnet.ProtocolNotSupported)
}

func testVirtualBindConflict(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	addr := &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080}
	_ = listenStream(t, sys, hostnet.INET, addr)

	other, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Bind(ctx, other, addr), hostnet.AddressInUse)
}

func testVirtualBindTwice(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	sock, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Bind(ctx, sock, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080}), hostnet.Success)
	assert.Equal(t, sys.Bind(ctx, sock, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8081}), hostnet.InvalidState)
}

func testVirtualBindForeignAddress(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	sock, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Bind(ctx, sock, &hostnet.SockaddrInet4{Addr: [4]byte{8, 8, 8, 8}, Port: 53}), hostnet.AddressNotBindable)
}

func testVirtualConnectListening(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	addr := &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080}
	server := listenStream(t, sys, hostnet.INET, addr)
	assert.Equal(t, sys.Connect(ctx, server, addr), hostnet.AlreadyConnected)
}

func testVirtualConnectRefused(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	sock, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Connect(ctx, sock, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 9}), hostnet.ConnectionRefused)
}

func testVirtualConnectSelf(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	addr := &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 49321}
	sock, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Bind(ctx, sock, addr), hostnet.Success)
	assert.Equal(t, sys.Connect(ctx, sock, addr), hostnet.ConnectionRefused)
}

func testVirtualConnectForeignAddress(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	_ = listenStream(t, sys, hostnet.INET, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080})

	client, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Connect(ctx, client, &hostnet.SockaddrInet4{Addr: [4]byte{1, 2, 3, 4}, Port: 8080}), hostnet.RemoteUnreachable)
}

func testVirtualFailedConnectReturnsPort(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	client, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Connect(ctx, client, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 9}), hostnet.ConnectionRefused)

	// The lease did not stick to the socket.
	laddr, code := sys.LocalAddress(ctx, client)
	assert.Equal(t, code, hostnet.Success)
	assert.DeepEqual(t, laddr, &hostnet.SockaddrInet4{})

	// The dynamic range starts at 49152, so the failed connect held that
	// port; it must be leasable again.
	assert.Equal(t, sys.Bind(ctx, client, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 49152}), hostnet.Success)
	assert.Equal(t, sys.Listen(ctx, client, 1), hostnet.Success)
}

func testVirtualListenUnbound(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	sock, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Listen(ctx, sock, 1), hostnet.InvalidState)
}

func testVirtualShutdownNotConnected(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	sock, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Shutdown(ctx, sock, hostnet.SHUTRDWR), hostnet.NotConnected)
}

func connectedPair(t *testing.T, sys *hostnet.VirtualSystem) (client, conn hostnet.Handle) {
	t.Helper()
	ctx := context.Background()
	addr := &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080}
	server := listenStream(t, sys, hostnet.INET, addr)

	client, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Connect(ctx, client, addr), hostnet.Success)

	conn, _, code = sys.Accept(ctx, server)
	assert.Equal(t, code, hostnet.Success)
	return client, conn
}

func testVirtualShutdownWrite(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	client, conn := connectedPair(t, sys)

	n, code := sys.Send(ctx, client, [][]byte{[]byte("bye")}, 0)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, n, 3)
	assert.Equal(t, sys.Shutdown(ctx, client, hostnet.SHUTWR), hostnet.Success)

	buf := make([]byte, 8)
	n, code = sys.Recv(ctx, conn, [][]byte{buf}, 0)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, n, 3)

	// Buffered data drains first, then end of stream.
	n, code = sys.Recv(ctx, conn, [][]byte{buf}, 0)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, n, 0)

	// Shutting down both remaining directions exhausts the connection.
	assert.Equal(t, sys.Shutdown(ctx, client, hostnet.SHUTRD), hostnet.Success)
	assert.Equal(t, sys.Shutdown(ctx, client, hostnet.SHUTRDWR), hostnet.NotConnected)
}

func testVirtualSendAfterShutdown(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	client, _ := connectedPair(t, sys)

	assert.Equal(t, sys.Shutdown(ctx, client, hostnet.SHUTWR), hostnet.Success)
	_, code := sys.Send(ctx, client, [][]byte{[]byte("x")}, 0)
	assert.Equal(t, code, hostnet.BrokenPipe)
}

func testVirtualBadHandle(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	sock, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Close(ctx, sock), hostnet.Success)

	assert.Equal(t, sys.Close(ctx, sock), hostnet.BadHandle)
	assert.Equal(t, sys.Listen(ctx, sock, 1), hostnet.BadHandle)
	_, code = sys.Send(ctx, sock, [][]byte{[]byte("x")}, 0)
	assert.Equal(t, code, hostnet.BadHandle)
}

func testVirtualAcceptWouldBlock(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	server := listenStream(t, sys, hostnet.INET, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080})
	assert.Equal(t, sys.SetOpt(ctx, server, hostnet.SocketLevel, hostnet.OptNonBlock, 1), hostnet.Success)

	_, _, code := sys.Accept(ctx, server)
	assert.Equal(t, code, hostnet.WouldBlock)
}

func testVirtualRecvWouldBlock(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	client, _ := connectedPair(t, sys)
	assert.Equal(t, sys.SetOpt(ctx, client, hostnet.SocketLevel, hostnet.OptNonBlock, 1), hostnet.Success)

	_, code := sys.Recv(ctx, client, [][]byte{make([]byte, 8)}, 0)
	assert.Equal(t, code, hostnet.WouldBlock)
}

func testVirtualSocketOptions(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	server := listenStream(t, sys, hostnet.INET, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080})

	v, code := sys.GetOpt(ctx, server, hostnet.SocketLevel, hostnet.OptAcceptConn)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, v, 1)

	v, code = sys.GetOpt(ctx, server, hostnet.SocketLevel, hostnet.OptType)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, v, int(hostnet.STREAM))

	v, code = sys.GetOpt(ctx, server, hostnet.SocketLevel, hostnet.OptError)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, v, 0)

	assert.Equal(t, sys.SetOpt(ctx, server, hostnet.SocketLevel, hostnet.OptRecvBuffer, 1024), hostnet.Success)
	v, code = sys.GetOpt(ctx, server, hostnet.SocketLevel, hostnet.OptRecvBuffer)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, v, 1024)

	assert.Equal(t, sys.SetOpt(ctx, server, hostnet.SocketLevel, hostnet.OptRecvBuffer, 0), hostnet.InvalidArgument)
	assert.Equal(t, sys.SetOpt(ctx, server, hostnet.SocketLevel, hostnet.OptType, 1), hostnet.NotSupported)

	_, code = sys.GetOpt(ctx, server, 1, hostnet.OptType)
	assert.Equal(t, code, hostnet.NotSupported)
}

func testVirtualAddresses(t *testing.T, sys *hostnet.VirtualSystem) {
	ctx := context.Background()
	sock, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)

	// An unbound socket reports the unspecified address of its family and
	// has no peer.
	laddr, code := sys.LocalAddress(ctx, sock)
	assert.Equal(t, code, hostnet.Success)
	assert.DeepEqual(t, laddr, &hostnet.SockaddrInet4{})
	_, code = sys.RemoteAddress(ctx, sock)
	assert.Equal(t, code, hostnet.NotConnected)

	addr := &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080}
	server := listenStream(t, sys, hostnet.INET, addr)
	client, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Connect(ctx, client, addr), hostnet.Success)

	conn, peer, code := sys.Accept(ctx, server)
	assert.Equal(t, code, hostnet.Success)

	raddr, code := sys.RemoteAddress(ctx, conn)
	assert.Equal(t, code, hostnet.Success)
	assert.DeepEqual(t, raddr, peer)

	claddr, code := sys.LocalAddress(ctx, client)
	assert.Equal(t, code, hostnet.Success)
	assert.DeepEqual(t, claddr, peer)
}

func TestVirtualGrants(t *testing.T) {
	ctx := context.Background()
	listen8080, err := hostnet.ParseGrant("127.0.0.1:8080")
	assert.OK(t, err)

	sys := hostnet.NewVirtualSystem(
		hostnet.WithListenGrants(listen8080),
		hostnet.WithDialGrants(listen8080),
	)

	granted, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Bind(ctx, granted, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8080}), hostnet.Success)
	assert.Equal(t, sys.Listen(ctx, granted, 1), hostnet.Success)

	denied, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Bind(ctx, denied, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 8081}), hostnet.Success)
	assert.Equal(t, sys.Listen(ctx, denied, 1), hostnet.AccessDenied)

	dialer, code := sys.Socket(ctx, hostnet.INET, hostnet.STREAM, hostnet.NOPROTO)
	assert.Equal(t, code, hostnet.Success)
	assert.Equal(t, sys.Connect(ctx, dialer, &hostnet.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 9}), hostnet.AccessDenied)
}

func TestParseGrant(t *testing.T) {
	tests := []struct {
		input string
		grant hostnet.Grant
		fails bool
	}{
		{input: "*", grant: hostnet.Grant{}},
		{input: "*:8080", grant: hostnet.Grant{Port: 8080}},
		{input: "127.0.0.1:*", grant: mustGrant("127.0.0.1:0")},
		{input: "nonsense", fails: true},
		{input: "127.0.0.1:http", fails: true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			g, err := hostnet.ParseGrant(test.input)
			if test.fails {
				assert.True(t, err != nil, "expected a parse error")
				return
			}
			assert.OK(t, err)
			assert.Equal(t, g, test.grant)
		})
	}
}

func mustGrant(s string) hostnet.Grant {
	g, err := hostnet.ParseGrant(s)
	if err != nil {
		panic(err)
	}
	return g
}

func TestVirtualNetworkLeasesDistinctAddresses(t *testing.T) {
	_, ipnet4, err := net.ParseCIDR("192.168.0.0/29")
	assert.OK(t, err)
	_, ipnet6, err := net.ParseCIDR("fd00::/125")
	assert.OK(t, err)

	network := hostnet.NewVirtualNetwork(ipnet4, ipnet6)
	seen := make(map[string]struct{})

	for i := 0; i < 7; i++ {
		sys, err := network.CreateSystem()
		assert.OK(t, err)
		s := sys.String()
		if _, dup := seen[s]; dup {
			t.Fatal("two systems leased the same interface address:", s)
		}
		seen[s] = struct{}{}
	}

	_, err = network.CreateSystem()
	assert.True(t, err != nil, "the ipv4 block only holds 7 leasable addresses")
}
