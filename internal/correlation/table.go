// Package correlation pairs asynchronous requests with their replies.
//
// A Table holds one Pending entry per outstanding request. Each entry
// resolves exactly once: the first of a matching reply, its own timeout or
// the waiter's context cancellation wins, later arrivals are no-ops. The
// table is bounded; registering past the cap drops every entry at once and
// the dropped callers fail through their own timers.
package correlation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
)

// DefaultMax is the capacity used when NewTable is given a non-positive max.
const DefaultMax = 1000

// Result is what a Pending entry resolves with.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Pending is one outstanding request.
type Pending struct {
	ID       string
	Deadline time.Time

	done     atomic.Bool
	resultCh chan Result
	timer    *time.Timer
	table    *Table
}

// resolve delivers r if the entry has not resolved yet.
func (p *Pending) resolve(r Result) bool {
	if !p.done.CompareAndSwap(false, true) {
		return false
	}
	p.resultCh <- r
	p.table.forget(p)
	return true
}

// Wait blocks until the entry resolves or ctx is done. A cancelled context
// counts as a resolution, so a reply arriving later is dropped.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.resultCh:
		return r.Payload, r.Err
	case <-ctx.Done():
		if p.resolve(Result{Err: ctx.Err()}) {
			p.timer.Stop()
			<-p.resultCh
			return nil, ctx.Err()
		}
		r := <-p.resultCh
		return r.Payload, r.Err
	}
}

// Done reports whether the entry has resolved.
func (p *Pending) Done() bool { return p.done.Load() }

// Table is a bounded set of pending requests keyed by identifier.
type Table struct {
	name   string
	max    int
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Pending
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used for overflow and unmatched-reply warnings.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// WithName labels the table in log output.
func WithName(name string) Option {
	return func(t *Table) { t.name = name }
}

// NewTable creates a table holding at most max entries.
func NewTable(max int, opts ...Option) *Table {
	if max <= 0 {
		max = DefaultMax
	}
	t := &Table{
		max:     max,
		logger:  slog.Default(),
		entries: make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "correlation", "table", t.name)
	return t
}

// NewID returns a fresh correlation identifier.
func NewID() string { return uuid.NewString() }

// Register adds an entry for id that fails with a timeout fault after
// timeout elapses. An empty id gets a generated one. If the table is full
// it is cleared first.
func (t *Table) Register(id string, timeout time.Duration) *Pending {
	if id == "" {
		id = NewID()
	}
	p := &Pending{
		ID:       id,
		Deadline: time.Now().Add(timeout),
		resultCh: make(chan Result, 1),
		table:    t,
	}

	// The timer owns a reference to the entry, so a wholesale clear still
	// lets it fire.
	p.timer = time.AfterFunc(timeout, func() {
		p.resolve(Result{Err: fault.Newf(fault.KindTimeout, t.name, "no reply for %s within %s", id, timeout)})
	})

	t.mu.Lock()
	if len(t.entries) >= t.max {
		t.logger.Warn("Correlation table full, dropping pending entries", "dropped", len(t.entries), "max", t.max)
		t.entries = make(map[string]*Pending)
	}
	t.entries[id] = p
	t.mu.Unlock()

	if p.Done() {
		t.forget(p)
	}
	return p
}

// Resolve completes the entry for id with payload or err. It returns false
// when no such entry is pending or it has already resolved.
func (t *Table) Resolve(id string, payload json.RawMessage, err error) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if !p.resolve(Result{Payload: payload, Err: err}) {
		return false
	}
	p.timer.Stop()
	return true
}

// Has reports whether id is pending.
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops every entry without resolving it.
func (t *Table) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]*Pending)
	t.mu.Unlock()
}

func (t *Table) forget(p *Pending) {
	t.mu.Lock()
	if cur, ok := t.entries[p.ID]; ok && cur == p {
		delete(t.entries, p.ID)
	}
	t.mu.Unlock()
}
