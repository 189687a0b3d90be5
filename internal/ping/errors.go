package ping

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/postalsys/netdiag/internal/icmp"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("channel closed")

	// ErrTimeout is returned by Pinger.Ping when no reply arrives in time.
	ErrTimeout = errors.New("echo reply timeout")

	// ErrNoChannel is returned by Pinger.Ping when no sender serves the
	// destination's address family.
	ErrNoChannel = errors.New("no channel for address family")
)

// ConstructionError reports a failure to open or bind a channel's socket.
// It commonly indicates missing privileges.
type ConstructionError struct {
	Family icmp.Family
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("open %s channel: %v", e.Family, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// EncodeError reports a probe that could not be encoded. Only the failing
// Send is affected.
type EncodeError struct {
	Addr netip.Addr
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode probe to %s: %v", e.Addr, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// TransmitError reports a failed socket write.
type TransmitError struct {
	Addr netip.Addr
	Err  error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("send probe to %s: %v", e.Addr, e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }
