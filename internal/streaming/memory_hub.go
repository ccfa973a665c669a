package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/sitegraph/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
	once   sync.Once
}

func (s *subscriber) wants(e StreamEvent) bool {
	if s.filter.NodeID != "" && s.filter.NodeID != e.NodeID {
		return false
	}
	return len(s.filter.EventTypes) == 0 || slices.Contains(s.filter.EventTypes, e.EventType)
}

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// MemoryHub fans events out to in-process subscribers. Publish never blocks:
// a subscriber that falls a full buffer behind loses events, and the loss
// is counted.
type MemoryHub struct {
	buffer int

	mu   sync.RWMutex
	subs map[uint64]*subscriber

	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{buffer: DefaultBuffer, subs: make(map[uint64]*subscriber)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers event to every subscriber whose filter matches.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			metrics.StreamDropped(event.EventType)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The channel is closed by the
// returned cancel func or when ctx ends, whichever comes first.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscriber{ch: make(chan StreamEvent, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return sub.ch, func() { stop(); cancel() }, nil
}

// Subscribers reports the live subscription count.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were lost to full buffers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }
