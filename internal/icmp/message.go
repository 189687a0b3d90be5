package icmp

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// HeaderSize is the size of the fixed ICMP header.
const HeaderSize = 8

// IANA protocol numbers.
const (
	ProtocolICMP   = 1
	ProtocolICMPv6 = 58
)

var (
	// ErrInvalidPacket is returned when a buffer cannot hold an ICMP header
	// or carries a malformed IP header prefix.
	ErrInvalidPacket = errors.New("invalid ICMP packet")

	// ErrNotICMP is returned when an IPv4 header prefix declares a protocol
	// other than ICMP.
	ErrNotICMP = errors.New("IP payload is not ICMP")
)

// Family selects the ICMP protocol version.
type Family int

const (
	// IPv4 selects ICMP over IPv4.
	IPv4 Family = 4
	// IPv6 selects ICMPv6.
	IPv6 Family = 6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses are
// treated as IPv4.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

// Message is a decoded ICMP message. It is one of *EchoRequest,
// *EchoReply, *Unreachable, *TimeExceeded or *Other.
type Message interface {
	message()
}

// Echo is the body shared by echo requests and replies.
type Echo struct {
	ID   uint16
	Seq  uint16
	Data []byte
}

// Token extracts the correlation token from the echo data.
// It reports false when the data is too short, which marks the packet as
// unrelated to any probe.
func (e *Echo) Token() (Token, bool) {
	return TokenFromBytes(e.Data)
}

// EchoRequest is an ICMP echo request.
type EchoRequest struct {
	Echo
}

// EchoReply is an ICMP echo reply.
type EchoReply struct {
	Echo
}

// UnreachableReason classifies a destination unreachable message.
type UnreachableReason uint8

const (
	UnreachableOther UnreachableReason = iota
	UnreachableHost
	UnreachableAddress
	UnreachablePort
)

// String returns a human-readable name for the reason.
func (r UnreachableReason) String() string {
	switch r {
	case UnreachableHost:
		return "host"
	case UnreachableAddress:
		return "address"
	case UnreachablePort:
		return "port"
	default:
		return "other"
	}
}

// Unreachable is a destination unreachable message. Code holds the raw code
// so that UnreachableOther values stay inspectable.
type Unreachable struct {
	Reason UnreachableReason
	Code   uint8
	Data   []byte
}

// TimeExceededReason classifies a time exceeded message.
type TimeExceededReason uint8

const (
	// HopLimitExceeded is sent by the router that dropped the packet (TTL or
	// hop limit reached zero in transit).
	HopLimitExceeded TimeExceededReason = iota
	// ReassemblyExceeded is sent when fragment reassembly timed out.
	ReassemblyExceeded
)

// String returns a human-readable name for the reason.
func (r TimeExceededReason) String() string {
	if r == ReassemblyExceeded {
		return "reassembly"
	}
	return "hop-limit"
}

// TimeExceeded is a time exceeded message. Data starts after the reserved
// bytes and usually holds the offending datagram's header.
type TimeExceeded struct {
	Reason TimeExceededReason
	Data   []byte
}

// Other is any message this codec does not classify. Data starts at the
// type-specific header bytes (offset 4).
type Other struct {
	Type uint8
	Code uint8
	Data []byte
}

func (*EchoRequest) message()  {}
func (*EchoReply) message()    {}
func (*Unreachable) message()  {}
func (*TimeExceeded) message() {}
func (*Other) message()        {}

// Kind returns a short label for m, suitable for logs and metric labels.
func Kind(m Message) string {
	switch m := m.(type) {
	case *EchoRequest:
		return "echo_request"
	case *EchoReply:
		return "echo_reply"
	case *Unreachable:
		return "unreachable_" + m.Reason.String()
	case *TimeExceeded:
		if m.Reason == ReassemblyExceeded {
			return "reassembly_exceeded"
		}
		return "hop_limit_exceeded"
	default:
		return "other"
	}
}

// Clone returns a deep copy of m that does not share the receive buffer.
func Clone(m Message) Message {
	switch m := m.(type) {
	case *EchoRequest:
		return &EchoRequest{Echo: cloneEcho(m.Echo)}
	case *EchoReply:
		return &EchoReply{Echo: cloneEcho(m.Echo)}
	case *Unreachable:
		return &Unreachable{Reason: m.Reason, Code: m.Code, Data: cloneBytes(m.Data)}
	case *TimeExceeded:
		return &TimeExceeded{Reason: m.Reason, Data: cloneBytes(m.Data)}
	case *Other:
		return &Other{Type: m.Type, Code: m.Code, Data: cloneBytes(m.Data)}
	default:
		return m
	}
}

func cloneEcho(e Echo) Echo {
	return Echo{ID: e.ID, Seq: e.Seq, Data: cloneBytes(e.Data)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// parseEcho decodes identifier, sequence and data. b must hold at least
// HeaderSize bytes.
func parseEcho(b []byte) Echo {
	return Echo{
		ID:   binary.BigEndian.Uint16(b[4:6]),
		Seq:  binary.BigEndian.Uint16(b[6:8]),
		Data: b[HeaderSize:],
	}
}
