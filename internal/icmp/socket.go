package icmp

import (
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
)

// ListenPacket opens a datagram ICMP socket for family and binds it to bind.
// An invalid bind address binds to the unspecified address.
//
// The returned conn exchanges bare ICMP messages addressed with
// *net.UDPAddr (port 0). On Darwin the socket is opened with IP_STRIPHDR,
// other BSD-derived kernels prepend the IPv4 header to received ICMPv4
// messages.
func ListenPacket(family Family, bind netip.Addr) (*icmp.PacketConn, error) {
	network, address, err := listenAddr(family, bind)
	if err != nil {
		return nil, err
	}

	conn, err := icmp.ListenPacket(network, address)
	if err != nil {
		return nil, fmt.Errorf("create ICMP socket on %s: %w", address, err)
	}
	return conn, nil
}

// listenAddr maps family and bind to the network and address understood by
// icmp.ListenPacket, rejecting a bind address of the other family.
func listenAddr(family Family, bind netip.Addr) (string, string, error) {
	switch family {
	case IPv4:
		if !bind.IsValid() {
			bind = netip.IPv4Unspecified()
		}
		bind = bind.Unmap()
		if !bind.Is4() {
			return "", "", fmt.Errorf("bind address %s is not IPv4", bind)
		}
		return "udp4", bind.String(), nil
	case IPv6:
		if !bind.IsValid() {
			bind = netip.IPv6Unspecified()
		}
		if !bind.Is6() || bind.Is4In6() {
			return "", "", fmt.Errorf("bind address %s is not IPv6", bind)
		}
		return "udp6", bind.String(), nil
	default:
		return "", "", fmt.Errorf("unknown address family %d", family)
	}
}
