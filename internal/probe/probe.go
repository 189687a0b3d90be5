// Package probe describes a single outgoing ICMP echo measurement and its
// wire encoding.
package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/postalsys/netdiag/internal/icmp"
)

// MaxPacketSize is the largest encoded probe. Senders encode into a fixed
// buffer of this size.
const MaxPacketSize = 64

// MaxPayloadSize is the room left for fixed payload after header and token.
const MaxPayloadSize = MaxPacketSize - icmp.HeaderSize - icmp.TokenSize

var (
	// ErrFamilyMismatch is returned when the destination address family
	// does not match the probe protocol.
	ErrFamilyMismatch = errors.New("destination family does not match probe protocol")

	// ErrBufferTooSmall is returned when the encode buffer cannot hold the probe.
	ErrBufferTooSmall = errors.New("buffer too small for probe")

	// ErrInvalidDestination is returned for a zero destination address.
	ErrInvalidDestination = errors.New("invalid probe destination")
)

// Options contains the fields of a probe.
type Options struct {
	// Destination is the address being probed.
	Destination netip.Addr

	// Protocol is the ICMP version to send. Zero derives it from Destination.
	Protocol icmp.Family

	// Token correlates the reply with this probe.
	Token icmp.Token

	// HopLimit is the IPv4 TTL or IPv6 hop limit. 0 keeps the socket default.
	HopLimit int

	// ID and Seq fill the echo identifier and sequence fields. Datagram ICMP
	// sockets on Linux overwrite the identifier.
	ID  uint16
	Seq uint16

	// Payload is appended after the token. At most MaxPayloadSize bytes.
	Payload []byte
}

// Probe is an immutable description of one echo request.
type Probe struct {
	dst      netip.Addr
	protocol icmp.Family
	token    icmp.Token
	hopLimit int
	id       uint16
	seq      uint16
	payload  []byte
}

// New creates a probe from opts.
func New(opts Options) (*Probe, error) {
	if !opts.Destination.IsValid() {
		return nil, ErrInvalidDestination
	}
	if opts.HopLimit < 0 || opts.HopLimit > 255 {
		return nil, fmt.Errorf("hop limit %d out of range 0-255", opts.HopLimit)
	}
	if len(opts.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(opts.Payload), MaxPayloadSize)
	}

	dst := opts.Destination
	if dst.Is4In6() {
		dst = dst.Unmap()
	}

	protocol := opts.Protocol
	if protocol == 0 {
		protocol = icmp.FamilyOf(dst)
	}

	p := &Probe{
		dst:      dst,
		protocol: protocol,
		token:    opts.Token,
		hopLimit: opts.HopLimit,
		id:       opts.ID,
		seq:      opts.Seq,
	}
	if len(opts.Payload) > 0 {
		p.payload = append([]byte(nil), opts.Payload...)
	}
	return p, nil
}

// Destination returns the probed address.
func (p *Probe) Destination() netip.Addr {
	return p.dst
}

// Protocol returns the ICMP version of the probe.
func (p *Probe) Protocol() icmp.Family {
	return p.protocol
}

// Token returns the correlation token.
func (p *Probe) Token() icmp.Token {
	return p.token
}

// HopLimit returns the requested TTL or hop limit, 0 for the default.
func (p *Probe) HopLimit() int {
	return p.hopLimit
}

// Size returns the encoded length in bytes.
func (p *Probe) Size() int {
	return icmp.HeaderSize + icmp.TokenSize + len(p.payload)
}

// Encode writes the echo request into buf and returns the used prefix.
// The checksum field is left zero; ICMPv4 senders patch it with
// icmp.SetChecksum and the kernel fills it in for ICMPv6.
func (p *Probe) Encode(buf []byte) ([]byte, error) {
	if icmp.FamilyOf(p.dst) != p.protocol {
		return nil, fmt.Errorf("%w: %s over %s", ErrFamilyMismatch, p.dst, p.protocol)
	}

	n := p.Size()
	if len(buf) < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, n, len(buf))
	}

	pkt := buf[:n]
	switch p.protocol {
	case icmp.IPv4:
		pkt[0] = icmp.IPv4EchoRequest
	case icmp.IPv6:
		pkt[0] = icmp.IPv6EchoRequest
	default:
		return nil, fmt.Errorf("%w: unknown protocol %d", ErrFamilyMismatch, p.protocol)
	}
	pkt[1] = 0
	pkt[2], pkt[3] = 0, 0
	binary.BigEndian.PutUint16(pkt[4:6], p.id)
	binary.BigEndian.PutUint16(pkt[6:8], p.seq)
	copy(pkt[icmp.HeaderSize:], p.token[:])
	copy(pkt[icmp.HeaderSize+icmp.TokenSize:], p.payload)

	return pkt, nil
}
