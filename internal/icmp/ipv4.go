package icmp

import (
	"fmt"

	"golang.org/x/net/ipv4"
)

// ICMPv4 message types.
const (
	IPv4EchoReply    = 0
	IPv4Unreachable  = 3
	IPv4EchoRequest  = 8
	IPv4TimeExceeded = 11
)

// ParseIPv4 decodes an ICMPv4 message. The result borrows b.
func ParseIPv4(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(b))
	}

	typ, code := b[0], b[1]

	switch {
	case typ == IPv4EchoReply && code == 0:
		return &EchoReply{Echo: parseEcho(b)}, nil
	case typ == IPv4EchoRequest && code == 0:
		return &EchoRequest{Echo: parseEcho(b)}, nil
	case typ == IPv4Unreachable:
		reason := UnreachableOther
		switch code {
		case 1:
			reason = UnreachableHost
		case 3:
			reason = UnreachablePort
		}
		return &Unreachable{Reason: reason, Code: code, Data: b[HeaderSize:]}, nil
	case typ == IPv4TimeExceeded && code == 0:
		return &TimeExceeded{Reason: HopLimitExceeded, Data: b[HeaderSize:]}, nil
	case typ == IPv4TimeExceeded && code == 1:
		return &TimeExceeded{Reason: ReassemblyExceeded, Data: b[HeaderSize:]}, nil
	}

	return &Other{Type: typ, Code: code, Data: b[4:]}, nil
}

// StripIPv4Header validates the IPv4 header at the start of b and returns
// the ICMP message that follows it. Datagram ICMP sockets on BSD-derived
// kernels deliver this header; Linux strips it.
func StripIPv4Header(b []byte) ([]byte, error) {
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if h.Version != ipv4.Version || h.Len < ipv4.HeaderLen {
		return nil, fmt.Errorf("%w: IP version %d, header length %d", ErrInvalidPacket, h.Version, h.Len)
	}
	if h.Protocol != ProtocolICMP {
		return nil, fmt.Errorf("%w: protocol %d", ErrNotICMP, h.Protocol)
	}
	return b[h.Len:], nil
}
