package ipam

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

type IPv4 [4]byte

func (ip IPv4) String() string {
	return ip.Addr().String()
}

func (ip IPv4) Addr() netip.Addr {
	return netip.AddrFrom4(ip)
}

// IPv4Pool leases addresses out of an IPv4 network. Leases are handed out
// sequentially from the block; returned addresses are reused before the
// cursor advances.
type IPv4Pool struct {
	base   uint32
	limit  uint32
	cursor uint32
	free   []uint32
	leased map[uint32]struct{}
}

func NewIPv4Pool(ip IPv4, prefix int) *IPv4Pool {
	p := new(IPv4Pool)
	p.Reset(ip, prefix)
	return p
}

func (p *IPv4Pool) Reset(ip IPv4, prefix int) {
	base := binary.BigEndian.Uint32(ip[:])
	size := uint32(1) << uint(32-prefix)
	p.base = base
	p.limit = base + size
	p.cursor = base + 1 // the network address is never leased
	p.free = p.free[:0]
	p.leased = make(map[uint32]struct{})
}

func (p *IPv4Pool) String() string {
	var ip IPv4
	binary.BigEndian.PutUint32(ip[:], p.base)
	return fmt.Sprintf("%s (%d leased)", ip, len(p.leased))
}

func (p *IPv4Pool) Get() (IPv4, bool) {
	var u uint32
	if n := len(p.free); n > 0 {
		u = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.cursor == p.limit {
			return IPv4{}, false
		}
		u = p.cursor
		p.cursor++
	}
	p.leased[u] = struct{}{}
	var ip IPv4
	binary.BigEndian.PutUint32(ip[:], u)
	return ip, true
}

func (p *IPv4Pool) Put(ip IPv4) {
	u := binary.BigEndian.Uint32(ip[:])
	if _, ok := p.leased[u]; !ok {
		panic("BUG: unleased IPv4 address returned to pool")
	}
	delete(p.leased, u)
	p.free = append(p.free, u)
}

func (p *IPv4Pool) GetIP() net.IP {
	ip, ok := p.Get()
	if !ok {
		return nil
	}
	return net.IP(ip[:])
}

func (p *IPv4Pool) PutIP(ip net.IP) {
	p.Put((IPv4)(ip.To4()))
}
