package ping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/netdiag/internal/correlation"
	"github.com/postalsys/netdiag/internal/icmp"
	"github.com/postalsys/netdiag/internal/logging"
	"github.com/postalsys/netdiag/internal/metrics"
	"github.com/postalsys/netdiag/internal/probe"
	"github.com/postalsys/netdiag/internal/recovery"
)

// maxSendRetries bounds retries of a write that failed with ENOBUFS.
const maxSendRetries = 6

// Probe is what a Channel sends. *probe.Probe implements it.
type Probe interface {
	Destination() netip.Addr
	HopLimit() int
	Encode(buf []byte) ([]byte, error)
}

// Resolver is the part of the correlation table the receive loop uses.
// *correlation.Table implements it.
type Resolver interface {
	Remove(token icmp.Token) (*correlation.Completion, bool)
}

// Channel sends probes over one datagram ICMP socket and resolves replies
// in the background.
type Channel struct {
	family  icmp.Family
	conn    transport
	table   Resolver
	config  Config
	strip   bool
	logger  *slog.Logger
	metrics *metrics.Metrics

	sendMu   sync.Mutex
	hopLimit int
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

// NewIPv4Channel opens an ICMPv4 channel.
func NewIPv4Channel(bind Bind, table Resolver, cfg Config, logger *slog.Logger) (*Channel, error) {
	return NewChannel(icmp.IPv4, bind, table, cfg, logger)
}

// NewIPv6Channel opens an ICMPv6 channel.
func NewIPv6Channel(bind Bind, table Resolver, cfg Config, logger *slog.Logger) (*Channel, error) {
	return NewChannel(icmp.IPv6, bind, table, cfg, logger)
}

// NewChannel opens a datagram ICMP socket for family, binds it and starts
// the receive loop.
func NewChannel(family icmp.Family, bind Bind, table Resolver, cfg Config, logger *slog.Logger) (*Channel, error) {
	if family != icmp.IPv4 && family != icmp.IPv6 {
		return nil, &ConstructionError{Family: family, Err: fmt.Errorf("unknown address family %d", family)}
	}

	conn, err := icmp.ListenPacket(family, bind.Addr(family))
	if err != nil {
		return nil, &ConstructionError{Family: family, Err: err}
	}

	return newChannel(family, newTransport(family, conn), table, cfg, logger, stripIPv4Header), nil
}

func newChannel(family icmp.Family, conn transport, table Resolver, cfg Config, logger *slog.Logger, strip bool) *Channel {
	defaults := DefaultConfig()
	if cfg.DefaultHopLimit <= 0 {
		cfg.DefaultHopLimit = defaults.DefaultHopLimit
	}
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = defaults.RecvBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Channel{
		family:  family,
		conn:    conn,
		table:   table,
		config:  cfg,
		strip:   strip && family == icmp.IPv4,
		logger:  logging.ForComponent(logger, "ping").With(slog.String(logging.KeyFamily, family.String())),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go c.recvLoop()

	c.logger.Debug("channel opened", logging.KeyLocalAddr, addrString(conn.LocalAddr()))

	return c
}

// Family returns the channel's address family.
func (c *Channel) Family() icmp.Family {
	return c.family
}

// LocalAddr returns the bound socket address.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Send encodes p and writes it to the socket. The returned time is taken
// immediately after the write completes and is the authoritative send
// instant.
func (c *Channel) Send(p Probe) (time.Time, error) {
	var buf [probe.MaxPacketSize]byte

	family := c.family.String()
	dst := p.Destination()

	if icmp.FamilyOf(dst) != c.family {
		c.metrics.RecordSendError(family, "encode")
		return time.Time{}, &EncodeError{Addr: dst, Err: fmt.Errorf("%w: %s channel", probe.ErrFamilyMismatch, c.family)}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return time.Time{}, ErrClosed
	}

	pkt, err := p.Encode(buf[:])
	if err != nil {
		c.metrics.RecordSendError(family, "encode")
		return time.Time{}, &EncodeError{Addr: dst, Err: err}
	}

	// Raw ICMPv4 sockets do not fill in the checksum
	if c.family == icmp.IPv4 {
		icmp.SetChecksum(pkt)
	}

	if err := c.applyHopLimit(p.HopLimit()); err != nil {
		c.metrics.RecordSendError(family, "hop_limit")
		return time.Time{}, &TransmitError{Addr: dst, Err: err}
	}

	if err := c.write(pkt, socketAddr(dst)); err != nil {
		c.metrics.RecordSendError(family, "transmit")
		return time.Time{}, &TransmitError{Addr: dst, Err: err}
	}
	sent := time.Now()

	c.metrics.RecordProbeSent(family, len(pkt))

	return sent, nil
}

// applyHopLimit sets the socket TTL or hop limit when it differs from the
// last value set. Callers hold sendMu.
func (c *Channel) applyHopLimit(hops int) error {
	if hops <= 0 {
		hops = c.config.DefaultHopLimit
	}
	if hops == c.hopLimit {
		return nil
	}
	if err := c.conn.SetHopLimit(hops); err != nil {
		return fmt.Errorf("set hop limit %d: %w", hops, err)
	}
	c.hopLimit = hops
	return nil
}

// write sends pkt, retrying a bounded number of times while the kernel
// reports ENOBUFS.
func (c *Channel) write(pkt []byte, dst net.Addr) error {
	var err error
	for tries := 0; tries < maxSendRetries; tries++ {
		_, err = c.conn.WriteTo(pkt, dst)
		if !noBufferSpace(err) {
			return err
		}
	}
	return err
}

// Done returns a channel that is closed when the receive loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the receive loop, or nil while it is
// running or after a clean Close.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

// Close stops the receive loop without draining pending datagrams, waits
// for an in-flight Send to finish and releases the socket. Close is
// idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		// Unblock the pending read without closing the socket under a
		// concurrent Send
		c.conn.SetReadDeadline(time.Unix(1, 0))
		<-c.done

		c.sendMu.Lock()
		c.closed = true
		c.closeErr = c.conn.Close()
		c.sendMu.Unlock()

		c.logger.Debug("channel closed")
	})
	return c.closeErr
}

func (c *Channel) recvLoop() {
	defer close(c.done)

	family := c.family.String()
	c.metrics.RecordReceiveLoopStart(family)
	defer c.metrics.RecordReceiveLoopStop(family)

	var err error
	if perr := recovery.Run(c.logger, "receive loop", func() { err = c.receive() }); perr != nil {
		err = perr
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	if err != nil {
		c.logger.Error("receive loop failed", logging.KeyError, err)
		return
	}
	c.logger.Debug("receive loop finished")
}

func (c *Channel) receive() error {
	buf := make([]byte, c.config.RecvBufferSize)

	for {
		n, from, err := c.conn.ReadFrom(buf)
		now := time.Now()

		if c.ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := c.dispatch(buf[:n], from, now); err != nil {
			c.metrics.RecordDecodeError(c.family.String())
			if !c.config.SkipMalformed {
				return fmt.Errorf("decode datagram from %s: %w", addrString(from), err)
			}
			c.logger.Warn("dropping malformed datagram",
				logging.KeyAddress, addrString(from),
				logging.KeyError, err)
		}
	}
}

// dispatch decodes one datagram and resolves the pending probe it answers.
// The decoded message borrows b and must not escape this call.
func (c *Channel) dispatch(b []byte, from net.Addr, at time.Time) error {
	msg, err := decode(c.family, c.strip, b)
	if errors.Is(err, icmp.ErrNotICMP) {
		return nil
	}
	if err != nil {
		return err
	}

	family := c.family.String()
	c.metrics.RecordMessage(family, icmp.Kind(msg))

	reply, ok := msg.(*icmp.EchoReply)
	if !ok {
		c.logger.Debug("icmp message",
			logging.KeyKind, icmp.Kind(msg),
			logging.KeyAddress, addrString(from))
		if c.config.Observer != nil {
			c.notify(icmp.Clone(msg), peerAddr(from), at)
		}
		return nil
	}

	token, ok := reply.Token()
	if !ok {
		c.metrics.RecordReply(family, false)
		return nil
	}

	completion, ok := c.table.Remove(token)
	if !ok {
		c.metrics.RecordReply(family, false)
		return nil
	}
	// A removed entry is owned by this loop until resolved
	completion.Resolve(at)
	c.metrics.RecordReply(family, true)

	c.logger.Debug("echo reply matched",
		logging.KeyToken, token.String(),
		logging.KeyAddress, addrString(from))

	return nil
}

// notify hands msg to the observer. A panicking observer is logged and
// does not stop the receive loop.
func (c *Channel) notify(msg icmp.Message, from netip.Addr, at time.Time) {
	recovery.Run(c.logger, "observer", func() {
		c.config.Observer(msg, from, at)
	})
}

// decode applies platform framing and parses b with the family codec.
func decode(family icmp.Family, strip bool, b []byte) (icmp.Message, error) {
	if family == icmp.IPv4 && strip {
		var err error
		if b, err = icmp.StripIPv4Header(b); err != nil {
			return nil, err
		}
	}
	return icmp.Parse(family, b)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
