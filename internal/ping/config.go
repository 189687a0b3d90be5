package ping

import (
	"net/netip"
	"time"

	"github.com/postalsys/netdiag/internal/icmp"
	"github.com/postalsys/netdiag/internal/metrics"
)

// Observer receives decoded messages that are not echo replies, such as
// time exceeded and unreachable errors. The message is a private copy.
// It runs on the receive goroutine and must not block.
type Observer func(msg icmp.Message, from netip.Addr, at time.Time)

// Config holds configuration for a Channel.
type Config struct {
	// DefaultHopLimit is applied to probes that do not request a hop limit.
	// Default is 64.
	DefaultHopLimit int

	// RecvBufferSize is the size of the receive buffer. Datagrams larger
	// than this are truncated. Default is 1500.
	RecvBufferSize int

	// SkipMalformed keeps the receive loop running when a datagram fails to
	// decode. When false, the first such datagram stops the loop.
	SkipMalformed bool

	// Observer, if set, receives every decoded message that is not an echo
	// reply.
	Observer Observer

	// Metrics, if set, records send and receive statistics.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultHopLimit: 64,
		RecvBufferSize:  1500,
	}
}

// Bind supplies the local address each family's socket binds to.
// Zero values bind to the unspecified address.
type Bind struct {
	IPv4 netip.Addr
	IPv6 netip.Addr
}

// Addr returns the bind address for family.
func (b Bind) Addr(family icmp.Family) netip.Addr {
	if family == icmp.IPv6 {
		return b.IPv6
	}
	return b.IPv4
}

// PingerConfig holds configuration for a Pinger.
type PingerConfig struct {
	// Timeout bounds the wait for each reply. Default is 2 seconds.
	Timeout time.Duration

	// RateLimit caps probes per second across all destinations.
	// 0 means unlimited.
	RateLimit float64

	// Burst is the number of probes allowed at once when RateLimit is set.
	Burst int

	// PayloadSize is the number of fixed pad bytes after the token.
	PayloadSize int
}

// DefaultPingerConfig returns a PingerConfig with sensible defaults.
func DefaultPingerConfig() PingerConfig {
	return PingerConfig{
		Timeout: 2 * time.Second,
		Burst:   1,
	}
}
