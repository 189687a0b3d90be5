package ping

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/netdiag/internal/correlation"
	"github.com/postalsys/netdiag/internal/icmp"
	"github.com/postalsys/netdiag/internal/logging"
	"github.com/postalsys/netdiag/internal/metrics"
	"github.com/postalsys/netdiag/internal/probe"
)

// Sender transmits a probe and returns its send instant. *Channel
// implements it.
type Sender interface {
	Send(p Probe) (time.Time, error)
}

// Result is the outcome of one answered probe.
type Result struct {
	Addr       netip.Addr
	Token      icmp.Token
	Seq        uint16
	HopLimit   int
	SentAt     time.Time
	ReceivedAt time.Time
	RTT        time.Duration
}

// Pinger registers, sends and awaits single probes over a set of senders
// that share one correlation table.
type Pinger struct {
	table   *correlation.Table
	config  PingerConfig
	limiter *rate.Limiter
	payload []byte
	logger  *slog.Logger
	metrics *metrics.Metrics
	seq     atomic.Uint32

	mu      sync.RWMutex
	senders map[icmp.Family]Sender
}

// NewPinger creates a Pinger over table. Senders are attached with
// AddSender; the channels behind them must resolve into the same table.
func NewPinger(table *correlation.Table, cfg PingerConfig, logger *slog.Logger, m *metrics.Metrics) *Pinger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPingerConfig().Timeout
	}
	if cfg.PayloadSize > probe.MaxPayloadSize {
		cfg.PayloadSize = probe.MaxPayloadSize
	}

	p := &Pinger{
		table:   table,
		config:  cfg,
		logger:  logging.ForComponent(logger, "pinger"),
		metrics: m,
		senders: make(map[icmp.Family]Sender),
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.PayloadSize > 0 {
		p.payload = bytes.Repeat([]byte{0x5a}, cfg.PayloadSize)
	}

	return p
}

// AddSender routes probes of family through s.
func (p *Pinger) AddSender(family icmp.Family, s Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.senders[family] = s
}

// Ping sends one echo request to addr and waits for its reply.
// hopLimit 0 uses the channel default. It returns ErrTimeout when no reply
// arrives within the configured timeout.
func (p *Pinger) Ping(ctx context.Context, addr netip.Addr, hopLimit int) (*Result, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	family := icmp.FamilyOf(addr)

	p.mu.RLock()
	sender, ok := p.senders[family]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, family)
	}

	token, err := icmp.NewToken()
	if err != nil {
		return nil, err
	}

	seq := uint16(p.seq.Add(1))
	pr, err := probe.New(probe.Options{
		Destination: addr,
		Token:       token,
		HopLimit:    hopLimit,
		Seq:         seq,
		Payload:     p.payload,
	})
	if err != nil {
		return nil, err
	}

	waiter, err := p.table.Register(token)
	if err != nil {
		return nil, err
	}
	p.metrics.SetPendingTokens(p.table.Len())
	defer func() {
		p.metrics.SetPendingTokens(p.table.Len())
	}()

	sentAt, err := sender.Send(pr)
	if err != nil {
		p.table.Remove(token)
		return nil, err
	}

	result := &Result{
		Addr:     pr.Destination(),
		Token:    token,
		Seq:      seq,
		HopLimit: hopLimit,
		SentAt:   sentAt,
	}

	timer := time.NewTimer(p.config.Timeout)
	defer timer.Stop()

	select {
	case at := <-waiter.C():
		return p.complete(result, family, at), nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Losing the race to the receive loop means the reply is being
	// delivered right now
	if _, ok := p.table.Remove(token); !ok {
		timer.Reset(p.config.Timeout)
		select {
		case at := <-waiter.C():
			return p.complete(result, family, at), nil
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	p.metrics.RecordTimeout(family.String())
	p.logger.Debug("probe expired",
		logging.KeyAddress, addr.String(),
		logging.KeyToken, token.String())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrTimeout
}

func (p *Pinger) complete(r *Result, family icmp.Family, at time.Time) *Result {
	r.ReceivedAt = at
	r.RTT = at.Sub(r.SentAt)
	if r.RTT < 0 {
		r.RTT = 0
	}
	p.metrics.RecordRTT(family.String(), r.RTT.Seconds())
	p.logger.Debug("probe answered",
		logging.KeyAddress, r.Addr.String(),
		logging.KeyHopLimit, r.HopLimit,
		logging.KeyRTT, r.RTT)
	return r
}
