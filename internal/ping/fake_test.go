package ping

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/postalsys/netdiag/internal/icmp"
)

type datagram struct {
	data []byte
	from net.Addr
}

// fakeConn is an in-memory transport. Datagrams pushed with deliver are
// returned by ReadFrom; writes are recorded and optionally answered.
type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	hopLimits []int
	writeErr  error
	closed    bool

	// transient errors are returned by the next writes before writeErr
	transient []error

	// reply, if set, turns a written packet into an inbound datagram
	reply func(pkt []byte) []byte

	in           chan datagram
	deadline     chan struct{}
	deadlineOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan datagram, 64),
		deadline: make(chan struct{}),
	}
}

func (f *fakeConn) deliver(b []byte, from string) {
	f.in <- datagram{data: append([]byte(nil), b...), from: &net.UDPAddr{IP: net.ParseIP(from)}}
}

func (f *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case d := <-f.in:
		return copy(b, d.data), d.from, nil
	case <-f.deadline:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (f *fakeConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, net.ErrClosed
	}
	if len(f.transient) > 0 {
		err := f.transient[0]
		f.transient = f.transient[1:]
		f.mu.Unlock()
		return 0, err
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return 0, err
	}
	f.written = append(f.written, append([]byte(nil), b...))
	reply := f.reply
	f.mu.Unlock()

	if reply != nil {
		if out := reply(b); out != nil {
			f.in <- datagram{data: out, from: dst}
		}
	}
	return len(b), nil
}

func (f *fakeConn) SetHopLimit(hops int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hopLimits = append(f.hopLimits, hops)
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	if !t.IsZero() && t.Before(time.Now()) {
		f.deadlineOnce.Do(func() { close(f.deadline) })
	}
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

func (f *fakeConn) packets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]byte(nil), f.written...)
}

// echoReply answers an echo request the way a remote host does: same
// identifier, sequence and data, reply type.
func echoReply(family icmp.Family) func([]byte) []byte {
	return func(pkt []byte) []byte {
		out := append([]byte(nil), pkt...)
		if family == icmp.IPv4 {
			out[0] = icmp.IPv4EchoReply
			icmp.SetChecksum(out)
		} else {
			out[0] = icmp.IPv6EchoReply
		}
		return out
	}
}
