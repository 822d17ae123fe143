package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber message buffer of a Hub.
const DefaultBufferSize = 256

// Hub fans messages out to every in-process subscriber. It stands in for the
// shared channel when all nodes live in one process. A subscriber whose
// buffer is full misses the message, as with Redis pub/sub.
type Hub struct {
	mu      sync.Mutex
	subs    map[*hubSub]struct{}
	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

type hubSub struct {
	ch   chan []byte
	once sync.Once
}

func (s *hubSub) close() { s.once.Do(func() { close(s.ch) }) }

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[*hubSub]struct{}),
		buffer: DefaultBufferSize,
		logger: slog.Default().With("component", "bus", "transport", "hub"),
	}
}

// Dropped returns the number of messages lost to full buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Transport returns a new endpoint on the hub. Each node needs its own.
func (h *Hub) Transport() Transport {
	return &hubTransport{hub: h}
}

func (h *Hub) publish(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Warn("Subscriber buffer full, message dropped")
		}
	}
}

func (h *Hub) add(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		s.close()
	}
}

type hubTransport struct {
	hub *Hub

	mu   sync.Mutex
	subs []*hubSub
}

func (t *hubTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	s := &hubSub{ch: make(chan []byte, t.hub.buffer)}
	t.hub.add(s)
	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.hub.remove(s)
	}()
	return s.ch, nil
}

func (t *hubTransport) Publish(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.hub.publish(msg)
	return nil
}

func (t *hubTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		t.hub.remove(s)
	}
	return nil
}
