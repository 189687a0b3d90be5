// Package correlation matches echo replies to the probes that caused them.
//
// A caller registers a token before sending a probe and keeps the returned
// Waiter. The receive path removes the token when a reply carrying it
// arrives and resolves the Completion with the arrival time. Timeouts are
// the caller's business: a caller that gives up calls Remove itself so the
// table does not grow.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/postalsys/netdiag/internal/icmp"
)

// ErrTokenInUse is returned when registering a token that is already pending.
var ErrTokenInUse = errors.New("token already registered")

// Completion is the resolving side of a pending entry.
type Completion struct {
	ch   chan time.Time
	once sync.Once
}

// Resolve delivers at to the waiter. Only the first call has any effect,
// and it never blocks, even if the waiter is gone.
func (c *Completion) Resolve(at time.Time) {
	c.once.Do(func() {
		c.ch <- at
	})
}

// Waiter is the receiving side of a pending entry.
type Waiter struct {
	token icmp.Token
	ch    <-chan time.Time
}

// Token returns the token this waiter was registered under.
func (w *Waiter) Token() icmp.Token {
	return w.token
}

// C returns a channel that receives the arrival time once.
func (w *Waiter) C() <-chan time.Time {
	return w.ch
}

// Wait blocks until the entry is resolved or ctx is done.
func (w *Waiter) Wait(ctx context.Context) (time.Time, error) {
	select {
	case at := <-w.ch:
		return at, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// Table is a concurrent map from token to pending completion.
// All methods are safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	pending map[icmp.Token]*Completion
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		pending: make(map[icmp.Token]*Completion),
	}
}

// Register installs a fresh completion slot for token.
func (t *Table) Register(token icmp.Token) (*Waiter, error) {
	ch := make(chan time.Time, 1)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[token]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenInUse, token)
	}
	t.pending[token] = &Completion{ch: ch}

	return &Waiter{token: token, ch: ch}, nil
}

// Remove takes the completion for token out of the table. It reports false
// for unknown, already resolved or expired tokens.
func (t *Table) Remove(token icmp.Token) (*Completion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.pending[token]
	if ok {
		delete(t.pending, token)
	}
	return c, ok
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}
