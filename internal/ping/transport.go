package ping

import (
	"net"
	"net/netip"
	"time"

	xicmp "golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/postalsys/netdiag/internal/icmp"
)

// transport is the socket surface a Channel needs. Only the receive
// goroutine reads; writes are serialized by the channel.
type transport interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	SetHopLimit(hops int) error
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

type ipv4Transport struct {
	*xicmp.PacketConn
	p *ipv4.PacketConn
}

func (t *ipv4Transport) SetHopLimit(hops int) error {
	return t.p.SetTTL(hops)
}

type ipv6Transport struct {
	*xicmp.PacketConn
	p *ipv6.PacketConn
}

func (t *ipv6Transport) SetHopLimit(hops int) error {
	return t.p.SetHopLimit(hops)
}

func newTransport(family icmp.Family, conn *xicmp.PacketConn) transport {
	if family == icmp.IPv6 {
		return &ipv6Transport{PacketConn: conn, p: conn.IPv6PacketConn()}
	}
	return &ipv4Transport{PacketConn: conn, p: conn.IPv4PacketConn()}
}

// socketAddr converts a destination to the address type datagram ICMP
// sockets expect. The port is ignored by the kernel.
func socketAddr(addr netip.Addr) net.Addr {
	return &net.UDPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
}

// peerAddr extracts the sender address of a received datagram.
func peerAddr(addr net.Addr) netip.Addr {
	var ip net.IP
	var zone string

	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, zone = a.IP, a.Zone
	case *net.IPAddr:
		ip, zone = a.IP, a.Zone
	default:
		return netip.Addr{}
	}

	out, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return out.Unmap().WithZone(zone)
}
