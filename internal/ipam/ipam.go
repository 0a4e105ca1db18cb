// Package ipam implements IP address management for the virtual network:
// pools that lease IPv4 and IPv6 addresses out of a CIDR block and take them
// back when an interface goes away.
package ipam

import "net"

// Pool abstracts the address family of a lease pool.
type Pool interface {
	// GetIP leases the next address, or returns nil if the pool is exhausted.
	GetIP() net.IP
	// PutIP returns a leased address to the pool. The address must have been
	// obtained from GetIP or the method panics.
	PutIP(net.IP)
}

// NewPool constructs a pool over the given network. The network address
// itself is reserved and never leased.
func NewPool(ipnet *net.IPNet) Pool {
	ones, _ := ipnet.Mask.Size()
	if ip4 := ipnet.IP.To4(); ip4 != nil {
		return NewIPv4Pool((IPv4)(ip4), ones)
	}
	return NewIPv6Pool((IPv6)(ipnet.IP.To16()), ones)
}
