package hostnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/stealthrocket/sockshim/internal/ipam"
)

var (
	errIPv4Exhausted = errors.New("ipv4 pool exhausted")
	errIPv6Exhausted = errors.New("ipv6 pool exhausted")
)

// Grant names an address a capability-scoped socket is allowed to listen on
// or dial. A zero Addr matches any address, a zero Port matches any port.
type Grant struct {
	Addr netip.Addr
	Port uint16
}

// ParseGrant parses a grant from its textual form: "host:port", "*:port",
// or "*" for everything.
func ParseGrant(s string) (Grant, error) {
	if s == "*" {
		return Grant{}, nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Grant{}, fmt.Errorf("malformed grant %q: %w", s, err)
	}
	g := Grant{}
	if host != "*" && host != "" {
		g.Addr, err = netip.ParseAddr(host)
		if err != nil {
			return Grant{}, fmt.Errorf("malformed grant %q: %w", s, err)
		}
	}
	if port != "*" && port != "" {
		ap, err := netip.ParseAddrPort(net.JoinHostPort("0.0.0.0", port))
		if err != nil {
			return Grant{}, fmt.Errorf("malformed grant %q: %w", s, err)
		}
		g.Port = ap.Port()
	}
	return g, nil
}

func (g Grant) match(addr netip.Addr, port uint16) bool {
	if g.Port != 0 && g.Port != port {
		return false
	}
	if g.Addr.IsValid() && g.Addr != addr {
		return false
	}
	return true
}

func matchGrants(grants []Grant, sa Sockaddr) bool {
	if grants == nil {
		return true // no grant table configured: unrestricted
	}
	var addr netip.Addr
	var port uint16
	switch a := sa.(type) {
	case *SockaddrInet4:
		addr, port = netip.AddrFrom4(a.Addr), uint16(a.Port)
	case *SockaddrInet6:
		addr, port = netip.AddrFrom16(a.Addr), uint16(a.Port)
	default:
		return false
	}
	for _, g := range grants {
		if g.match(addr, port) {
			return true
		}
	}
	return false
}

// VirtualNetwork manages the address space shared by virtual systems:
// each system leases one IPv4 and one IPv6 interface address from the
// network's CIDR blocks. Systems remain isolated namespaces; the network
// only arbitrates addressing.
type VirtualNetwork struct {
	mutex sync.Mutex
	pool4 ipam.Pool
	pool6 ipam.Pool
}

func NewVirtualNetwork(ipnet4, ipnet6 *net.IPNet) *VirtualNetwork {
	return &VirtualNetwork{
		pool4: ipam.NewPool(ipnet4),
		pool6: ipam.NewPool(ipnet6),
	}
}

// CreateSystem leases interface addresses from the network and constructs a
// virtual system bound to them.
func (n *VirtualNetwork) CreateSystem(opts ...VirtualOption) (*VirtualSystem, error) {
	n.mutex.Lock()
	ip4 := n.pool4.GetIP()
	ip6 := n.pool6.GetIP()
	n.mutex.Unlock()

	if ip4 == nil {
		return nil, errIPv4Exhausted
	}
	if ip6 == nil {
		n.mutex.Lock()
		n.pool4.PutIP(ip4)
		n.mutex.Unlock()
		return nil, errIPv6Exhausted
	}

	s := NewVirtualSystem(opts...)
	copy(s.addr4[:], ip4.To4())
	copy(s.addr6[:], ip6.To16())
	return s, nil
}

type VirtualOption func(*VirtualSystem)

// WithListenGrants restricts the addresses sockets may be bound and listened
// on. Without it, listening is unrestricted.
func WithListenGrants(grants ...Grant) VirtualOption {
	return func(s *VirtualSystem) { s.listens = append([]Grant{}, grants...) }
}

// WithDialGrants restricts the addresses sockets may connect to. Without it,
// dialing is unrestricted.
func WithDialGrants(grants ...Grant) VirtualOption {
	return func(s *VirtualSystem) { s.dials = append([]Grant{}, grants...) }
}

// VirtualSystem is an in-process implementation of the host boundary: a
// loopback network namespace with stream sockets carried over in-memory
// pipes. It is the System used by tests and by sandboxed execution when no
// host networking is granted.
//
// The capability gaps of the virtual host (datagram sockets, out-of-band
// flags) are reported through the regular error taxonomy rather than
// emulated.
type VirtualSystem struct {
	mutex    sync.Mutex
	sockets  map[Handle]*virtualSocket
	ports    map[uint16]*virtualSocket
	next     Handle
	nextPort uint16
	addr4    [4]byte
	addr6    [16]byte
	listens  []Grant
	dials    []Grant
}

// NewVirtualSystem constructs a standalone virtual system with loopback
// addressing only.
func NewVirtualSystem(opts ...VirtualOption) *VirtualSystem {
	s := &VirtualSystem{
		sockets:  make(map[Handle]*virtualSocket),
		ports:    make(map[uint16]*virtualSocket),
		nextPort: 49152,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const (
	stateOpen = iota
	stateBound
	stateListening
	stateConnected
)

type virtualSocket struct {
	system *VirtualSystem
	handle Handle
	family Family

	mutex    sync.Mutex
	state    int
	nonblock bool
	rcvsize  int
	sndsize  int
	shut     int
	laddr    Sockaddr
	raddr    Sockaddr
	backlog  chan *virtualConn
	rd       *streamBuffer
	wr       *streamBuffer
}

// virtualConn carries the server-side endpoints of an established
// connection through the listener's backlog.
type virtualConn struct {
	peer Sockaddr
	rd   *streamBuffer
	wr   *streamBuffer
}

func (s *VirtualSystem) Socket(ctx context.Context, family Family, socktype Socktype, protocol Protocol) (Handle, Errcode) {
	switch family {
	case INET, INET6:
	default:
		return None, AddressFamilyNotSupported
	}
	switch socktype {
	case STREAM, ANY:
	case DGRAM:
		return None, NotSupported
	default:
		return None, NotSupported
	}
	switch protocol {
	case NOPROTO, TCP:
	default:
		return None, ProtocolNotSupported
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	h := s.next
	s.next++
	s.sockets[h] = &virtualSocket{
		system:  s,
		handle:  h,
		family:  family,
		rcvsize: defaultPipeSize,
		sndsize: defaultPipeSize,
	}
	return h, Success
}

func (s *VirtualSystem) lookup(h Handle) (*virtualSocket, Errcode) {
	s.mutex.Lock()
	sock := s.sockets[h]
	s.mutex.Unlock()
	if sock == nil {
		return nil, BadHandle
	}
	return sock, Success
}

func (s *VirtualSystem) Close(ctx context.Context, h Handle) Errcode {
	s.mutex.Lock()
	sock := s.sockets[h]
	delete(s.sockets, h)
	s.mutex.Unlock()
	if sock == nil {
		return BadHandle
	}
	sock.close()
	return Success
}

func (s *VirtualSystem) Bind(ctx context.Context, h Handle, addr Sockaddr) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	return sock.bind(addr)
}

func (s *VirtualSystem) Connect(ctx context.Context, h Handle, addr Sockaddr) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	return sock.connect(addr)
}

func (s *VirtualSystem) Listen(ctx context.Context, h Handle, backlog int) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	return sock.listen(backlog)
}

func (s *VirtualSystem) Accept(ctx context.Context, h Handle) (Handle, Sockaddr, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return None, nil, code
	}
	return sock.accept(ctx)
}

func (s *VirtualSystem) Shutdown(ctx context.Context, h Handle, how int) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	return sock.shutdown(how)
}

func (s *VirtualSystem) Send(ctx context.Context, h Handle, iovs [][]byte, flags int) (int, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return 0, code
	}
	return sock.send(iovs, flags)
}

func (s *VirtualSystem) Recv(ctx context.Context, h Handle, iovs [][]byte, flags int) (int, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return 0, code
	}
	return sock.recv(iovs, flags)
}

func (s *VirtualSystem) GetOpt(ctx context.Context, h Handle, level, name int) (int, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return 0, code
	}
	return sock.getOpt(level, name)
}

func (s *VirtualSystem) SetOpt(ctx context.Context, h Handle, level, name, value int) Errcode {
	sock, code := s.lookup(h)
	if code != Success {
		return code
	}
	return sock.setOpt(level, name, value)
}

func (s *VirtualSystem) LocalAddress(ctx context.Context, h Handle) (Sockaddr, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return nil, code
	}
	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	if sock.laddr == nil {
		// An unbound socket reports the unspecified address of its family,
		// like getsockname(2).
		return unspecifiedSockaddr(sock.family), Success
	}
	return sock.laddr, Success
}

func (s *VirtualSystem) RemoteAddress(ctx context.Context, h Handle) (Sockaddr, Errcode) {
	sock, code := s.lookup(h)
	if code != Success {
		return nil, code
	}
	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	if sock.raddr == nil {
		return nil, NotConnected
	}
	return sock.raddr, Success
}

func unspecifiedSockaddr(family Family) Sockaddr {
	if family == INET6 {
		return &SockaddrInet6{}
	}
	return &SockaddrInet4{}
}

// local reports whether an address terminates at this system: loopback, the
// unspecified address of either family, or a leased interface address. The
// virtual network does not forward between systems, so local addresses are
// the only bindable and the only reachable ones.
func (s *VirtualSystem) local(addr Sockaddr) bool {
	switch a := addr.(type) {
	case *SockaddrInet4:
		return a.Addr == [4]byte{} || a.Addr == [4]byte{127, 0, 0, 1} || a.Addr == s.addr4
	case *SockaddrInet6:
		return a.Addr == [16]byte{} || a.Addr == [16]byte{15: 1} || a.Addr == s.addr6
	default:
		return false
	}
}

func sockaddrPort(sa Sockaddr) uint16 {
	switch a := sa.(type) {
	case *SockaddrInet4:
		return uint16(a.Port)
	case *SockaddrInet6:
		return uint16(a.Port)
	default:
		return 0
	}
}

func withPort(sa Sockaddr, port uint16) Sockaddr {
	switch a := sa.(type) {
	case *SockaddrInet4:
		return &SockaddrInet4{Addr: a.Addr, Port: int(port)}
	case *SockaddrInet6:
		return &SockaddrInet6{Addr: a.Addr, Port: int(port), Zone: a.Zone}
	default:
		return sa
	}
}

// ephemeralPort picks a free port from the dynamic range. The caller must
// hold the system mutex.
func (s *VirtualSystem) ephemeralPort() (uint16, bool) {
	for i := 0; i < 65536-49152; i++ {
		port := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = 49152
		}
		if _, used := s.ports[port]; !used {
			return port, true
		}
	}
	return 0, false
}

func loopbackSockaddr(family Family, port uint16) Sockaddr {
	if family == INET6 {
		return &SockaddrInet6{Addr: [16]byte{15: 1}, Port: int(port)}
	}
	return &SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: int(port)}
}

func (sock *virtualSocket) bind(addr Sockaddr) Errcode {
	if addr.Family() != sock.family {
		return InvalidArgument
	}
	sys := sock.system

	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	if sock.state != stateOpen {
		return InvalidState
	}
	if !sys.local(addr) {
		return AddressNotBindable
	}

	sys.mutex.Lock()
	defer sys.mutex.Unlock()
	port := sockaddrPort(addr)
	if port == 0 {
		p, ok := sys.ephemeralPort()
		if !ok {
			return AddressInUse
		}
		port = p
	} else if _, used := sys.ports[port]; used {
		return AddressInUse
	}
	sys.ports[port] = sock
	sock.laddr = withPort(addr, port)
	sock.state = stateBound
	return Success
}

func (sock *virtualSocket) listen(backlog int) Errcode {
	sys := sock.system

	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	switch sock.state {
	case stateListening:
		return Success
	case stateBound:
	default:
		return InvalidState
	}
	if !matchGrants(sys.listens, sock.laddr) {
		return AccessDenied
	}
	if backlog < 1 {
		backlog = 1
	}
	sock.backlog = make(chan *virtualConn, backlog)
	sock.state = stateListening
	return Success
}

func (sock *virtualSocket) connect(addr Sockaddr) Errcode {
	if addr.Family() != sock.family {
		return InvalidArgument
	}
	sys := sock.system

	sock.mutex.Lock()
	switch sock.state {
	case stateOpen, stateBound:
	case stateConnected, stateListening:
		sock.mutex.Unlock()
		return AlreadyConnected
	default:
		sock.mutex.Unlock()
		return InvalidState
	}
	if !matchGrants(sys.dials, addr) {
		sock.mutex.Unlock()
		return AccessDenied
	}
	sndsize, rcvsize := sock.sndsize, sock.rcvsize

	ephemeral := false
	sys.mutex.Lock()
	if sock.laddr == nil {
		port, ok := sys.ephemeralPort()
		if !ok {
			sys.mutex.Unlock()
			sock.mutex.Unlock()
			return AddressInUse
		}
		sys.ports[port] = sock
		sock.laddr = loopbackSockaddr(sock.family, port)
		ephemeral = true
	}
	laddr := sock.laddr
	sys.mutex.Unlock()

	// The server socket may be this same socket, or a socket whose own
	// connect is concurrently waiting to lock this one. Taking server.mutex
	// while holding sock.mutex would deadlock in both cases, so the local
	// state is snapshotted and the lock dropped for the handshake.
	sock.mutex.Unlock()

	// A failed handshake returns the ephemeral port leased above, otherwise
	// a later bind would orphan the registration.
	fail := func(code Errcode) Errcode {
		if ephemeral {
			sock.mutex.Lock()
			if sock.laddr == laddr {
				sock.laddr = nil
			}
			sock.mutex.Unlock()
			sys.mutex.Lock()
			if sys.ports[sockaddrPort(laddr)] == sock {
				delete(sys.ports, sockaddrPort(laddr))
			}
			sys.mutex.Unlock()
		}
		return code
	}

	if !sys.local(addr) {
		return fail(RemoteUnreachable)
	}
	sys.mutex.Lock()
	server := sys.ports[sockaddrPort(addr)]
	sys.mutex.Unlock()
	if server == nil {
		return fail(ConnectionRefused)
	}
	server.mutex.Lock()
	listening := server.state == stateListening && server.family == sock.family
	backlog := server.backlog
	server.mutex.Unlock()
	if !listening {
		return fail(ConnectionRefused)
	}

	c2s := newStreamBuffer(sndsize)
	s2c := newStreamBuffer(rcvsize)
	conn := &virtualConn{peer: laddr, rd: c2s, wr: s2c}

	select {
	case backlog <- conn:
	default:
		// The accept queue is full; a real stack would time out the
		// handshake, the virtual one refuses immediately.
		return fail(ConnectionRefused)
	}

	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	switch sock.state {
	case stateOpen, stateBound:
	default:
		// The socket was closed while the lock was dropped; the queued
		// connection observes a teardown like an unaccepted backlog entry.
		c2s.closeRead()
		s2c.closeWrite()
		return ConnectionAborted
	}
	sock.rd = s2c
	sock.wr = c2s
	sock.raddr = addr
	sock.state = stateConnected
	return Success
}

func (sock *virtualSocket) accept(ctx context.Context) (Handle, Sockaddr, Errcode) {
	sys := sock.system

	sock.mutex.Lock()
	if sock.state != stateListening {
		sock.mutex.Unlock()
		return None, nil, InvalidState
	}
	nonblock := sock.nonblock
	backlog := sock.backlog
	laddr := sock.laddr
	sock.mutex.Unlock()

	var conn *virtualConn
	if nonblock {
		select {
		case conn = <-backlog:
		default:
			return None, nil, WouldBlock
		}
	} else {
		select {
		case conn = <-backlog:
		case <-ctx.Done():
			return None, nil, ConnectionAborted
		}
	}

	sys.mutex.Lock()
	h := sys.next
	sys.next++
	sys.sockets[h] = &virtualSocket{
		system:  sys,
		handle:  h,
		family:  sock.family,
		state:   stateConnected,
		rcvsize: defaultPipeSize,
		sndsize: defaultPipeSize,
		laddr:   laddr,
		raddr:   conn.peer,
		rd:      conn.rd,
		wr:      conn.wr,
	}
	sys.mutex.Unlock()
	return h, conn.peer, Success
}

func (sock *virtualSocket) shutdown(how int) Errcode {
	switch how {
	case SHUTRD, SHUTWR, SHUTRDWR:
	default:
		return InvalidArgument
	}

	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	if sock.state != stateConnected {
		return NotConnected
	}
	if sock.shut == 3 {
		// Both directions are already shut down; there is no connection
		// left to act on.
		return NotConnected
	}
	if how == SHUTRD || how == SHUTRDWR {
		if (sock.shut & 1) == 0 {
			sock.shut |= 1
			sock.rd.closeRead()
		}
	}
	if how == SHUTWR || how == SHUTRDWR {
		if (sock.shut & 2) == 0 {
			sock.shut |= 2
			sock.wr.closeWrite()
		}
	}
	return Success
}

func (sock *virtualSocket) send(iovs [][]byte, flags int) (int, Errcode) {
	if flags != 0 {
		return 0, NotSupported
	}
	sock.mutex.Lock()
	if sock.state != stateConnected {
		sock.mutex.Unlock()
		return 0, NotConnected
	}
	if (sock.shut & 2) != 0 {
		sock.mutex.Unlock()
		return 0, BrokenPipe
	}
	wr, nonblock := sock.wr, sock.nonblock
	sock.mutex.Unlock()
	return wr.write(iovs, nonblock)
}

func (sock *virtualSocket) recv(iovs [][]byte, flags int) (int, Errcode) {
	if flags != 0 {
		return 0, NotSupported
	}
	sock.mutex.Lock()
	if sock.state != stateConnected {
		sock.mutex.Unlock()
		return 0, NotConnected
	}
	rd, nonblock := sock.rd, sock.nonblock
	sock.mutex.Unlock()
	return rd.read(iovs, nonblock)
}

func (sock *virtualSocket) getOpt(level, name int) (int, Errcode) {
	if level != SocketLevel {
		return 0, NotSupported
	}
	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	switch name {
	case OptNonBlock:
		return boolToInt(sock.nonblock), Success
	case OptError:
		// The virtual host reports failures synchronously, so no deferred
		// socket error can accumulate here.
		return 0, Success
	case OptType:
		return int(STREAM), Success
	case OptAcceptConn:
		return boolToInt(sock.state == stateListening), Success
	case OptRecvBuffer:
		return sock.rcvsize, Success
	case OptSendBuffer:
		return sock.sndsize, Success
	default:
		return 0, NotSupported
	}
}

func (sock *virtualSocket) setOpt(level, name, value int) Errcode {
	if level != SocketLevel {
		return NotSupported
	}
	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	switch name {
	case OptNonBlock:
		sock.nonblock = value != 0
		return Success
	case OptRecvBuffer:
		if value <= 0 {
			return InvalidArgument
		}
		sock.rcvsize = value
		return Success
	case OptSendBuffer:
		if value <= 0 {
			return InvalidArgument
		}
		sock.sndsize = value
		return Success
	case OptError, OptType, OptAcceptConn:
		return NotSupported
	default:
		return NotSupported
	}
}

func (sock *virtualSocket) close() {
	sys := sock.system

	sock.mutex.Lock()
	state := sock.state
	laddr := sock.laddr
	backlog := sock.backlog
	rd, wr := sock.rd, sock.wr
	sock.state = stateOpen
	sock.laddr = nil
	sock.raddr = nil
	sock.rd = nil
	sock.wr = nil
	sock.mutex.Unlock()

	if laddr != nil {
		sys.mutex.Lock()
		if sys.ports[sockaddrPort(laddr)] == sock {
			delete(sys.ports, sockaddrPort(laddr))
		}
		sys.mutex.Unlock()
	}
	if state == stateListening {
		// Pending connections that were never accepted observe a teardown:
		// their reads drain to end-of-stream and their writes start failing.
		// The channel is drained rather than closed because a concurrent
		// connect may still hold a reference to it.
		for {
			select {
			case conn := <-backlog:
				conn.rd.closeRead()
				conn.wr.closeWrite()
			default:
				return
			}
		}
	}
	if state == stateConnected {
		rd.closeRead()
		wr.closeWrite()
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// String describes the system's interface addressing, mostly for logs and
// test failure messages.
func (s *VirtualSystem) String() string {
	var b strings.Builder
	b.WriteString("virtual system")
	if s.addr4 != ([4]byte{}) {
		fmt.Fprintf(&b, " en0=%s", net.IP(s.addr4[:]))
	}
	return b.String()
}
