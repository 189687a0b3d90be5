package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/netdiag/internal/config"
	"github.com/postalsys/netdiag/internal/correlation"
	"github.com/postalsys/netdiag/internal/health"
	"github.com/postalsys/netdiag/internal/icmp"
	"github.com/postalsys/netdiag/internal/logging"
	"github.com/postalsys/netdiag/internal/metrics"
	"github.com/postalsys/netdiag/internal/ping"
	"github.com/postalsys/netdiag/internal/probe"
)

type pingFlags struct {
	configPath  string
	count       int
	interval    time.Duration
	timeout     time.Duration
	ttl         int
	payloadSize int
	metricsAddr string
	logLevel    string
}

func pingCmd() *cobra.Command {
	var f pingFlags

	cmd := &cobra.Command{
		Use:   "ping <address>",
		Short: "Send ICMP echo requests to an address",
		Long: `Send ICMP echo requests to an IPv4 or IPv6 address and report the
round-trip time of each reply. Time exceeded and unreachable errors
returned along the path are reported as they arrive where the kernel
delivers them to the socket. Linux queues ICMP errors for datagram ICMP
sockets on the socket error queue (IP_RECVERR) instead, so on Linux only
replies and timeouts are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netip.ParseAddr(args[0])
			if err != nil {
				return fmt.Errorf("invalid address %q: names are not resolved, use an IP literal", args[0])
			}

			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runPing(ctx, cmd.OutOrStdout(), addr.Unmap(), cfg)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "f", "", "Path to configuration file")
	cmd.Flags().IntVarP(&f.count, "count", "c", 0, "Number of probes to send, 0 until interrupted")
	cmd.Flags().DurationVarP(&f.interval, "interval", "i", 0, "Wait between probes")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "W", 0, "Wait for each reply")
	cmd.Flags().IntVarP(&f.ttl, "ttl", "t", 0, "IPv4 TTL or IPv6 hop limit")
	cmd.Flags().IntVarP(&f.payloadSize, "payload-size", "s", 0, "Pad bytes after the probe token")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

// loadConfig reads the optional config file and applies flags the user set
// explicitly on top of it.
func loadConfig(cmd *cobra.Command, f pingFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("count") {
		cfg.Ping.Count = f.count
	}
	if flags.Changed("interval") {
		cfg.Ping.Interval = f.interval
	}
	if flags.Changed("timeout") {
		cfg.Ping.Timeout = f.timeout
	}
	if flags.Changed("ttl") {
		cfg.Ping.TTL = f.ttl
	}
	if flags.Changed("payload-size") {
		cfg.Ping.PayloadSize = f.payloadSize
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = f.metricsAddr != ""
		cfg.Metrics.Address = f.metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runPing(ctx context.Context, out io.Writer, addr netip.Addr, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	st := newStyles(out)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	chCfg := cfg.ChannelConfig()
	chCfg.Metrics = m
	chCfg.Observer = func(msg icmp.Message, from netip.Addr, at time.Time) {
		reportError(out, st, msg, from)
	}

	family := icmp.FamilyOf(addr)
	table := correlation.NewTable()

	ch, err := ping.NewChannel(family, cfg.BindAddrs(), table, chCfg, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	stats := newCoreStats(table)
	stats.add(ch)

	if cfg.Metrics.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      cfg.Metrics.Address,
			ReadTimeout:  cfg.Metrics.ReadTimeout,
			WriteTimeout: cfg.Metrics.WriteTimeout,
			Gatherer:     reg,
		}, stats)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer srv.Stop()
		logger.Info("metrics server listening", logging.KeyAddress, srv.Address().String())
	}

	pinger := ping.NewPinger(table, cfg.PingerConfig(), logger, m)
	pinger.AddSender(family, ch)

	size := probe.MaxPacketSize - probe.MaxPayloadSize + cfg.Ping.PayloadSize
	fmt.Fprintln(out, st.header.Render(fmt.Sprintf("PING %s: %s per probe", addr, humanize.Bytes(uint64(size)))))

	var sent, received int64
	start := time.Now()
	defer func() {
		printSummary(out, st, addr, sent, received)
		logger.Debug("ping finished",
			logging.KeyAddress, addr.String(),
			logging.KeyCount, sent,
			logging.KeyDuration, time.Since(start))
	}()

	for seq := 1; cfg.Ping.Count == 0 || seq <= cfg.Ping.Count; seq++ {
		if seq > 1 && !sleep(ctx, ch, cfg.Ping.Interval) {
			break
		}

		sent++
		res, err := pinger.Ping(ctx, addr, cfg.Ping.TTL)
		switch {
		case err == nil:
			received++
			fmt.Fprintf(out, "%d bytes from %s: seq=%d time=%s\n", size, res.Addr, res.Seq, st.reply.Render(formatRTT(res.RTT)))
		case errors.Is(err, ping.ErrTimeout):
			fmt.Fprintln(out, st.warn.Render(fmt.Sprintf("timeout for seq=%d", seq)))
		case ctx.Err() != nil:
			sent--
			return nil
		default:
			return err
		}

		select {
		case <-ch.Done():
			return fmt.Errorf("receive loop stopped: %w", ch.Err())
		default:
		}
	}

	return nil
}

// sleep waits d, returning false if ctx ends or the channel's receive loop
// stops first.
func sleep(ctx context.Context, ch *ping.Channel, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-ch.Done():
		return false
	}
}

func reportError(out io.Writer, st styles, msg icmp.Message, from netip.Addr) {
	var line string
	switch m := msg.(type) {
	case *icmp.TimeExceeded:
		line = fmt.Sprintf("From %s: time exceeded (%s)", from, icmp.Kind(m))
	case *icmp.Unreachable:
		line = fmt.Sprintf("From %s: destination unreachable (%s, code %d)", from, icmp.Kind(m), m.Code)
	default:
		return
	}
	fmt.Fprintln(out, st.warn.Render(line))
}

func formatRTT(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)
	return humanize.FtoaWithDigits(ms, 3) + " ms"
}

func printSummary(out io.Writer, st styles, addr netip.Addr, sent, received int64) {
	loss := 0.0
	if sent > 0 {
		loss = 100 * float64(sent-received) / float64(sent)
	}
	fmt.Fprintf(out, "\n%s\n%s sent, %s received, %s%% loss\n",
		st.muted.Render(fmt.Sprintf("--- %s ---", addr)),
		humanize.Comma(sent), humanize.Comma(received), humanize.FtoaWithDigits(loss, 1))
}
