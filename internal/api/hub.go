package api

import (
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/deskwatch/internal/models"
)

// Hub fans finalized events out to stream subscribers
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan models.BucketEvent]struct{}
	closed      bool
	dropped     atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan models.BucketEvent]struct{})}
}

// Subscribe adds a listener for events
func (h *Hub) Subscribe() chan models.BucketEvent {
	ch := make(chan models.BucketEvent, 32)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (h *Hub) Unsubscribe(ch chan models.BucketEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// Publish delivers ev to every subscriber. A subscriber whose buffer is
// full misses the event.
func (h *Hub) Publish(ev models.BucketEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of listeners
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Dropped returns how many deliveries were skipped for slow subscribers
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan models.BucketEvent]struct{})
	h.closed = true
}
