// Package bus is the cluster-wide coordination channel. Every node publishes
// typed events to one shared channel and receives every event, its own
// included. Events are dispatched through an explicit handler table.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/fleetwork/internal/metrics"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus is closed")

// Transport moves encoded envelopes between nodes.
type Transport interface {
	// Subscribe returns the stream of messages published by any node. The
	// subscription is active when Subscribe returns. The channel is closed
	// when ctx ends or the transport is closed.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Publish(ctx context.Context, msg []byte) error
	Close() error
}

// HandlerFunc handles one event. Handlers run on the bus goroutine one at a
// time and must hand long work off to their own goroutines.
type HandlerFunc func(ctx context.Context, ev Event)

// Bus is one node's endpoint on the coordination channel.
type Bus struct {
	node      types.NodeID
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Collector

	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics counts received events on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Bus) { b.metrics = c }
}

// New creates a bus endpoint for node over transport.
func New(node types.NodeID, transport Transport, opts ...Option) *Bus {
	b := &Bus{
		node:      node,
		transport: transport,
		logger:    slog.Default(),
		handlers:  make(map[Kind]HandlerFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus", "node", node)
	return b
}

// Node returns the id events are published under.
func (b *Bus) Node() types.NodeID { return b.node }

// Handle registers the handler for kind, replacing any previous one.
func (b *Bus) Handle(kind Kind, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Start subscribes and begins dispatching. Events published before Start
// returns may be missed.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	msgs, err := b.transport.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.started = true
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.loop(ctx, msgs)
	}()
	b.logger.Info("Bus started")
	return nil
}

func (b *Bus) loop(ctx context.Context, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg []byte) {
	ev, err := decode(msg)
	if err != nil {
		b.logger.Warn("Dropping bus message", "error", err)
		return
	}
	b.metrics.RecordBusEvent(string(ev.Kind))

	b.mu.RLock()
	h := b.handlers[ev.Kind]
	b.mu.RUnlock()
	if h == nil {
		b.logger.Debug("No handler for bus event", "kind", ev.Kind, "origin", ev.Origin)
		return
	}
	h(ctx, ev)
}

// Publish broadcasts p to every node, this one included.
func (b *Bus) Publish(ctx context.Context, p Payload) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	msg, err := encode(b.node, p)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", p.Kind(), err)
	}
	if err := b.transport.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", p.Kind(), err)
	}
	return nil
}

// Close stops dispatching and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := b.transport.Close()
	b.wg.Wait()
	return err
}
