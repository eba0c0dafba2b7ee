package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcore/iotcore/internal/model"
)

// Subscriber is a transient web-side consumer of server-push events (spec
// §3 "Subscriber"). It is never persisted.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	// mu guards closed and the send/close of outbound, so an enqueue racing
	// a concurrent Remove never sends on a closed channel.
	mu       sync.Mutex
	closed   bool
	outbound chan []byte
}

func newSubscriber(bufferSize int) *Subscriber {
	return &Subscriber{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		outbound:    make(chan []byte, bufferSize),
	}
}

// Outbound returns the channel the subscriber's own send loop should drain.
func (s *Subscriber) Outbound() <-chan []byte {
	return s.outbound
}

// tryEnqueue attempts a non-blocking send of the serialized event. It
// reports false if the subscriber's buffer is full — the caller (Hub) is
// responsible for disconnecting a subscriber that returns false, per spec
// §4.5's "best-effort, non-blocking, per-subscriber" delivery semantics.
func (s *Subscriber) tryEnqueue(e model.Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		// Only ever called with package-internal event shapes.
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.outbound <- data:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.outbound)
}
