package ipam

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

type IPv6 [16]byte

func (ip IPv6) String() string {
	return ip.Addr().String()
}

func (ip IPv6) Addr() netip.Addr {
	return netip.AddrFrom16(ip)
}

// IPv6Pool leases addresses out of an IPv6 network. The pool only ever walks
// the low 64 bits of the block, which is ample for the interface counts the
// virtual network deals with.
type IPv6Pool struct {
	prefix [8]byte
	limit  uint64
	cursor uint64
	free   []uint64
	leased map[uint64]struct{}
}

func NewIPv6Pool(ip IPv6, prefix int) *IPv6Pool {
	p := new(IPv6Pool)
	p.Reset(ip, prefix)
	return p
}

func (p *IPv6Pool) Reset(ip IPv6, prefix int) {
	copy(p.prefix[:], ip[:8])
	if prefix <= 64 {
		p.limit = 0 // wraps: the full 64-bit suffix space
	} else {
		p.limit = binary.BigEndian.Uint64(ip[8:]) + (uint64(1) << uint(128-prefix))
	}
	p.cursor = binary.BigEndian.Uint64(ip[8:]) + 1
	p.free = p.free[:0]
	p.leased = make(map[uint64]struct{})
}

func (p *IPv6Pool) String() string {
	var ip IPv6
	copy(ip[:8], p.prefix[:])
	return fmt.Sprintf("%s (%d leased)", ip, len(p.leased))
}

func (p *IPv6Pool) Get() (IPv6, bool) {
	var u uint64
	if n := len(p.free); n > 0 {
		u = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.cursor == p.limit {
			return IPv6{}, false
		}
		u = p.cursor
		p.cursor++
	}
	p.leased[u] = struct{}{}
	var ip IPv6
	copy(ip[:8], p.prefix[:])
	binary.BigEndian.PutUint64(ip[8:], u)
	return ip, true
}

func (p *IPv6Pool) Put(ip IPv6) {
	u := binary.BigEndian.Uint64(ip[8:])
	if _, ok := p.leased[u]; !ok {
		panic("BUG: unleased IPv6 address returned to pool")
	}
	delete(p.leased, u)
	p.free = append(p.free, u)
}

func (p *IPv6Pool) GetIP() net.IP {
	ip, ok := p.Get()
	if !ok {
		return nil
	}
	return net.IP(ip[:])
}

func (p *IPv6Pool) PutIP(ip net.IP) {
	p.Put((IPv6)(ip.To16()))
}
