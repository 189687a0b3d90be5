package ping

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/netdiag/internal/correlation"
	"github.com/postalsys/netdiag/internal/icmp"
	"github.com/postalsys/netdiag/internal/logging"
	"github.com/postalsys/netdiag/internal/metrics"
	"github.com/postalsys/netdiag/internal/probe"
)

var testToken = icmp.Token{1, 2, 3, 4, 5, 6, 7, 8}

func newTestChannel(t *testing.T, family icmp.Family, cfg Config, strip bool) (*Channel, *fakeConn, *correlation.Table) {
	t.Helper()

	conn := newFakeConn()
	table := correlation.NewTable()
	ch := newChannel(family, conn, table, cfg, logging.NopLogger(), strip)
	t.Cleanup(func() { ch.Close() })

	return ch, conn, table
}

func mustProbe(t *testing.T, addr string, token icmp.Token, hops int) *probe.Probe {
	t.Helper()

	p, err := probe.New(probe.Options{
		Destination: netip.MustParseAddr(addr),
		Token:       token,
		HopLimit:    hops,
	})
	if err != nil {
		t.Fatalf("probe.New() error = %v", err)
	}
	return p
}

func waitResolved(t *testing.T, w *correlation.Waiter) time.Time {
	t.Helper()

	select {
	case at := <-w.C():
		return at
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not resolved")
		return time.Time{}
	}
}

func rawReply(family icmp.Family, token icmp.Token) []byte {
	b := make([]byte, icmp.HeaderSize+icmp.TokenSize)
	if family == icmp.IPv4 {
		b[0] = icmp.IPv4EchoReply
	} else {
		b[0] = icmp.IPv6EchoReply
	}
	copy(b[icmp.HeaderSize:], token[:])
	return b
}

func ipv4Prefix(protocol uint8, payloadLen int) []byte {
	h := make([]byte, 20)
	h[0] = 0x45
	binary.BigEndian.PutUint16(h[2:4], uint16(20+payloadLen))
	h[8] = 64
	h[9] = protocol
	copy(h[12:16], []byte{127, 0, 0, 1})
	copy(h[16:20], []byte{127, 0, 0, 1})
	return h
}

func TestChannel_SendIPv4(t *testing.T) {
	ch, conn, _ := newTestChannel(t, icmp.IPv4, DefaultConfig(), false)

	before := time.Now()
	sent, err := ch.Send(mustProbe(t, "192.0.2.1", testToken, 5))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent.Before(before) {
		t.Errorf("send timestamp %v precedes call start %v", sent, before)
	}

	pkts := conn.packets()
	if len(pkts) != 1 {
		t.Fatalf("wrote %d packets, want 1", len(pkts))
	}
	pkt := pkts[0]
	if pkt[0] != icmp.IPv4EchoRequest {
		t.Errorf("type = %d, want %d", pkt[0], icmp.IPv4EchoRequest)
	}
	if !icmp.ValidChecksum(pkt) {
		t.Error("IPv4 probe was sent without a valid checksum")
	}
	if diff := cmp.Diff([]int{5}, conn.hopLimits); diff != "" {
		t.Errorf("hop limits mismatch (-want +got):\n%s", diff)
	}
}

func TestChannel_SendIPv6LeavesChecksum(t *testing.T) {
	ch, conn, _ := newTestChannel(t, icmp.IPv6, DefaultConfig(), false)

	if _, err := ch.Send(mustProbe(t, "2001:db8::1", testToken, 0)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	pkt := conn.packets()[0]
	if pkt[0] != icmp.IPv6EchoRequest {
		t.Errorf("type = %d, want %d", pkt[0], icmp.IPv6EchoRequest)
	}
	if pkt[2] != 0 || pkt[3] != 0 {
		t.Errorf("checksum = %x, want kernel-computed (zero)", pkt[2:4])
	}
}

func TestChannel_HopLimitApplied(t *testing.T) {
	ch, conn, _ := newTestChannel(t, icmp.IPv4, DefaultConfig(), false)

	for _, hops := range []int{3, 3, 0, 0, 7} {
		var tok icmp.Token
		tok[0] = byte(len(conn.packets()))
		if _, err := ch.Send(mustProbe(t, "192.0.2.1", tok, hops)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	// Unchanged limits are not re-applied; 0 means the default of 64
	want := []int{3, 64, 7}
	if diff := cmp.Diff(want, conn.hopLimits); diff != "" {
		t.Errorf("hop limits mismatch (-want +got):\n%s", diff)
	}
}

func TestChannel_ReplyResolvesWaiter(t *testing.T) {
	for _, family := range []icmp.Family{icmp.IPv4, icmp.IPv6} {
		t.Run(family.String(), func(t *testing.T) {
			ch, conn, table := newTestChannel(t, family, DefaultConfig(), false)

			addr := "127.0.0.1"
			if family == icmp.IPv6 {
				addr = "::1"
			}

			waiter, err := table.Register(testToken)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			sent, err := ch.Send(mustProbe(t, addr, testToken, 0))
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			conn.deliver(echoReply(family)(conn.packets()[0]), addr)

			received := waitResolved(t, waiter)
			if received.Before(sent) {
				t.Errorf("received %v before sent %v", received, sent)
			}
			if table.Len() != 0 {
				t.Errorf("table Len() = %d, want 0 after resolution", table.Len())
			}
		})
	}
}

func TestChannel_OnlyOwnerResolved(t *testing.T) {
	_, conn, table := newTestChannel(t, icmp.IPv4, DefaultConfig(), false)

	other := icmp.Token{9, 9, 9, 9, 9, 9, 9, 9}
	mine, _ := table.Register(testToken)
	theirs, _ := table.Register(other)

	conn.deliver(rawReply(icmp.IPv4, testToken), "192.0.2.1")
	waitResolved(t, mine)

	select {
	case <-theirs.C():
		t.Error("reply for one token resolved another")
	case <-time.After(50 * time.Millisecond):
	}
	if table.Len() != 1 {
		t.Errorf("table Len() = %d, want 1", table.Len())
	}
}

func TestChannel_UnknownTokenIgnored(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.Metrics = metrics.NewMetricsWithRegistry(reg)

	ch, conn, table := newTestChannel(t, icmp.IPv4, cfg, false)

	// Never registered, then a short token, then a registered one
	conn.deliver(rawReply(icmp.IPv4, icmp.Token{0xff}), "192.0.2.1")
	conn.deliver([]byte{icmp.IPv4EchoReply, 0, 0, 0, 0, 0, 0, 0, 1, 2}, "192.0.2.1")

	waiter, _ := table.Register(testToken)
	conn.deliver(rawReply(icmp.IPv4, testToken), "192.0.2.1")
	waitResolved(t, waiter)

	if err := ch.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	select {
	case <-ch.Done():
		t.Error("receive loop exited on an unrelated reply")
	default:
	}

	if got := testutil.ToFloat64(cfg.Metrics.RepliesUnmatched.WithLabelValues("ipv4")); got != 2 {
		t.Errorf("RepliesUnmatched = %v, want 2", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.RepliesMatched.WithLabelValues("ipv4")); got != 1 {
		t.Errorf("RepliesMatched = %v, want 1", got)
	}
}

func TestChannel_ObserverReceivesErrors(t *testing.T) {
	type observed struct {
		msg  icmp.Message
		from netip.Addr
	}
	got := make(chan observed, 1)

	cfg := DefaultConfig()
	cfg.Observer = func(msg icmp.Message, from netip.Addr, at time.Time) {
		got <- observed{msg, from}
	}
	_, conn, _ := newTestChannel(t, icmp.IPv4, cfg, false)

	conn.deliver([]byte{icmp.IPv4TimeExceeded, 0, 0, 0, 0, 0, 0, 0, 0x45, 0x00}, "198.51.100.7")

	select {
	case o := <-got:
		te, ok := o.msg.(*icmp.TimeExceeded)
		if !ok {
			t.Fatalf("observer got %T, want *icmp.TimeExceeded", o.msg)
		}
		if te.Reason != icmp.HopLimitExceeded {
			t.Errorf("Reason = %v, want hop-limit", te.Reason)
		}
		if len(te.Data) != 2 || te.Data[0] != 0x45 {
			t.Errorf("Data = %x, want 4500", te.Data)
		}
		if o.from != netip.MustParseAddr("198.51.100.7") {
			t.Errorf("from = %s, want 198.51.100.7", o.from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not called")
	}
}

func TestChannel_DecodeErrorStopsLoop(t *testing.T) {
	ch, conn, table := newTestChannel(t, icmp.IPv4, DefaultConfig(), false)

	conn.deliver([]byte{0, 0, 0}, "192.0.2.1")

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop kept running after a malformed datagram")
	}
	if err := ch.Err(); !errors.Is(err, icmp.ErrInvalidPacket) {
		t.Errorf("Err() = %v, want ErrInvalidPacket", err)
	}

	// Replies are no longer correlated, but sends still work
	waiter, _ := table.Register(testToken)
	conn.deliver(rawReply(icmp.IPv4, testToken), "192.0.2.1")
	select {
	case <-waiter.C():
		t.Error("dead receive loop resolved a waiter")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := ch.Send(mustProbe(t, "192.0.2.1", testToken, 0)); err != nil {
		t.Errorf("Send() after loop failure error = %v", err)
	}
}

func TestChannel_SkipMalformed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipMalformed = true
	ch, conn, table := newTestChannel(t, icmp.IPv4, cfg, false)

	waiter, _ := table.Register(testToken)
	conn.deliver([]byte{0, 0, 0}, "192.0.2.1")
	conn.deliver(rawReply(icmp.IPv4, testToken), "192.0.2.1")

	waitResolved(t, waiter)
	if err := ch.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestDecode_PlatformFraming(t *testing.T) {
	reply := rawReply(icmp.IPv4, testToken)
	framed := append(ipv4Prefix(icmp.ProtocolICMP, len(reply)), reply...)

	want, err := decode(icmp.IPv4, false, reply)
	if err != nil {
		t.Fatalf("decode(bare) error = %v", err)
	}

	got, err := decode(icmp.IPv4, true, framed)
	if err != nil {
		t.Fatalf("decode(framed, strip) error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decode(framed, strip) mismatch (-want +got):\n%s", diff)
	}

	// Without stripping the version byte is read as the ICMP type
	unstripped, err := decode(icmp.IPv4, false, framed)
	if err != nil {
		t.Fatalf("decode(framed, no strip) error = %v", err)
	}
	other, ok := unstripped.(*icmp.Other)
	if !ok {
		t.Fatalf("decode(framed, no strip) = %T, want *icmp.Other", unstripped)
	}
	if other.Type != 0x45 {
		t.Errorf("Other.Type = %#x, want 0x45", other.Type)
	}

	// Stripping a buffer that has no IP header fails
	if _, err := decode(icmp.IPv4, true, reply[:12]); err == nil {
		t.Error("decode(bare, strip) should fail")
	}

	// IPv6 is never stripped
	v6 := rawReply(icmp.IPv6, testToken)
	if _, err := decode(icmp.IPv6, true, v6); err != nil {
		t.Errorf("decode(ipv6, strip) error = %v", err)
	}
}

func TestChannel_StripsIPv4Header(t *testing.T) {
	_, conn, table := newTestChannel(t, icmp.IPv4, DefaultConfig(), true)

	waiter, _ := table.Register(testToken)

	// Non-ICMP payloads are skipped, not fatal
	conn.deliver(append(ipv4Prefix(17, 8), make([]byte, 8)...), "192.0.2.1")

	reply := rawReply(icmp.IPv4, testToken)
	conn.deliver(append(ipv4Prefix(icmp.ProtocolICMP, len(reply)), reply...), "192.0.2.1")

	waitResolved(t, waiter)
}

func TestChannel_FamilyMismatch(t *testing.T) {
	ch, conn, _ := newTestChannel(t, icmp.IPv4, DefaultConfig(), false)

	_, err := ch.Send(mustProbe(t, "2001:db8::1", testToken, 0))

	var encErr *EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("Send() error = %v, want *EncodeError", err)
	}
	if !errors.Is(err, probe.ErrFamilyMismatch) {
		t.Errorf("Send() error = %v, want ErrFamilyMismatch", err)
	}
	if len(conn.packets()) != 0 {
		t.Error("mismatched probe was written")
	}
}

func TestChannel_TransmitError(t *testing.T) {
	ch, conn, _ := newTestChannel(t, icmp.IPv4, DefaultConfig(), false)
	cause := errors.New("network is unreachable")
	conn.writeErr = cause

	_, err := ch.Send(mustProbe(t, "192.0.2.1", testToken, 0))

	var txErr *TransmitError
	if !errors.As(err, &txErr) {
		t.Fatalf("Send() error = %v, want *TransmitError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Send() error does not wrap the cause: %v", err)
	}
}

func TestChannel_Close(t *testing.T) {
	ch, conn, _ := newTestChannel(t, icmp.IPv4, DefaultConfig(), false)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-ch.Done():
	default:
		t.Error("Done() not closed after Close()")
	}
	if err := ch.Err(); err != nil {
		t.Errorf("Err() after Close() = %v, want nil", err)
	}

	if _, err := ch.Send(mustProbe(t, "192.0.2.1", testToken, 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close() error = %v, want ErrClosed", err)
	}

	// Idempotent, and the socket is closed exactly once
	if err := ch.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if !conn.closed {
		t.Error("socket was not closed")
	}
}

func TestChannel_ConcurrentSends(t *testing.T) {
	const n = 200

	ch, conn, table := newTestChannel(t, icmp.IPv4, DefaultConfig(), false)
	conn.reply = echoReply(icmp.IPv4)

	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			var tok icmp.Token
			binary.BigEndian.PutUint64(tok[:], uint64(i)+1)

			waiter, err := table.Register(tok)
			if err != nil {
				errCh <- err
				return
			}
			if _, err := ch.Send(mustProbe(t, "127.0.0.1", tok, 0)); err != nil {
				errCh <- err
				return
			}
			select {
			case <-waiter.C():
			case <-time.After(5 * time.Second):
				errCh <- errors.New("reply not delivered")
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
	if table.Len() != 0 {
		t.Errorf("table Len() = %d, want 0", table.Len())
	}
}

func TestChannel_ObserverPanicContained(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Observer = func(icmp.Message, netip.Addr, time.Time) {
		panic("observer bug")
	}
	ch, conn, table := newTestChannel(t, icmp.IPv4, cfg, false)

	waiter, _ := table.Register(testToken)
	conn.deliver([]byte{icmp.IPv4Unreachable, 1, 0, 0, 0, 0, 0, 0}, "198.51.100.7")
	conn.deliver(rawReply(icmp.IPv4, testToken), "192.0.2.1")

	waitResolved(t, waiter)
	if err := ch.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}
