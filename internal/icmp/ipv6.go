package icmp

import "fmt"

// ICMPv6 message types.
const (
	IPv6Unreachable  = 1
	IPv6TimeExceeded = 3
	IPv6EchoRequest  = 128
	IPv6EchoReply    = 129
)

// ParseIPv6 decodes an ICMPv6 message. The result borrows b.
func ParseIPv6(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(b))
	}

	typ, code := b[0], b[1]

	switch {
	case typ == IPv6EchoRequest && code == 0:
		return &EchoRequest{Echo: parseEcho(b)}, nil
	case typ == IPv6EchoReply && code == 0:
		return &EchoReply{Echo: parseEcho(b)}, nil
	case typ == IPv6Unreachable:
		reason := UnreachableOther
		switch code {
		case 3:
			reason = UnreachableAddress
		case 4:
			reason = UnreachablePort
		}
		return &Unreachable{Reason: reason, Code: code, Data: b[HeaderSize:]}, nil
	case typ == IPv6TimeExceeded && code == 0:
		// 4 reserved bytes precede the trailing data
		return &TimeExceeded{Reason: HopLimitExceeded, Data: b[HeaderSize:]}, nil
	case typ == IPv6TimeExceeded && code == 1:
		return &TimeExceeded{Reason: ReassemblyExceeded, Data: b[HeaderSize:]}, nil
	}

	return &Other{Type: typ, Code: code, Data: b[4:]}, nil
}

// Parse decodes b with the codec for family.
func Parse(family Family, b []byte) (Message, error) {
	if family == IPv4 {
		return ParseIPv4(b)
	}
	return ParseIPv6(b)
}
