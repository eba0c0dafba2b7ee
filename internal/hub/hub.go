// Package hub implements the Event Fan-out Hub (C5): it maintains the set
// of connected push-channel subscribers and broadcasts events to them
// without letting a single slow subscriber block ingest or any other
// subscriber (spec §4.5).
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetcore/iotcore/internal/model"
)

// Hub owns the subscriber set. Per spec §5, the subscriber map is guarded
// by a mutex only for add/remove; the send path (tryEnqueue) takes no
// shared lock, so one subscriber's condition never affects another's.
type Hub struct {
	log        *slog.Logger
	bufferSize int

	mu          sync.Mutex
	subscribers map[string]*Subscriber

	subscriberCount prometheus.Gauge
}

func New(log *slog.Logger, bufferSize int, subscriberCount prometheus.Gauge) *Hub {
	return &Hub{
		log:             log,
		bufferSize:      bufferSize,
		subscribers:     make(map[string]*Subscriber),
		subscriberCount: subscriberCount,
	}
}

// Connect registers a new subscriber and returns it with its initial hello
// event already enqueued on its outbound buffer. The caller owns draining Subscriber.Outbound
// until it closes or Remove is called.
func (h *Hub) Connect(devices []model.DeviceSummary) *Subscriber {
	sub := newSubscriber(h.bufferSize)

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	count := len(h.subscribers)
	h.mu.Unlock()

	if h.subscriberCount != nil {
		h.subscriberCount.Set(float64(count))
	}

	h.log.Info("subscriber connected", "subscriber_id", sub.ID, "total", count)

	sub.tryEnqueue(HelloEvent(time.Now(), devices))
	return sub
}

// Remove disconnects a subscriber, closing its outbound channel. It is safe
// to call more than once or concurrently with Broadcast.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub.ID]
	if ok {
		delete(h.subscribers, sub.ID)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	if h.subscriberCount != nil {
		h.subscriberCount.Set(float64(count))
	}
	h.log.Info("subscriber disconnected", "subscriber_id", sub.ID, "total", count)
}

// Broadcast fans e out to every connected subscriber. A subscriber whose
// buffer is full is deemed slow and removed; no event is dropped for any
// other subscriber (spec invariant 7).
func (h *Hub) Broadcast(e model.Event) {
	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.tryEnqueue(e) {
			h.log.Info("subscriber buffer overflow, disconnecting", "subscriber_id", sub.ID)
			h.Remove(sub)
		}
	}
}

// Count returns the number of currently connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
