package hub

import (
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/iotcore/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drainHello(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case <-sub.Outbound():
	case <-time.After(time.Second):
		t.Fatal("expected hello event")
	}
}

func TestBroadcastFanOutToAllSubscribers(t *testing.T) {
	h := New(testLogger(), 8, nil)

	a := h.Connect(nil)
	b := h.Connect(nil)
	drainHello(t, a)
	drainHello(t, b)

	h.Broadcast(model.Event{Type: model.EventTelemetry, DeviceID: "dev-1"})

	for _, sub := range []*Subscriber{a, b} {
		select {
		case msg := <-sub.Outbound():
			assert.Contains(t, string(msg), "dev-1")
		case <-time.After(time.Second):
			t.Fatal("expected broadcast event")
		}
	}
}

func TestSlowSubscriberIsolatedWithoutBlockingOthers(t *testing.T) {
	h := New(testLogger(), 1, nil)

	slow := h.Connect(nil)
	fast := h.Connect(nil)
	drainHello(t, slow)
	drainHello(t, fast)

	// Fill the slow subscriber's buffer so the next broadcast overflows it,
	// without ever draining it — simulating a stalled client (spec
	// invariant 7).
	h.Broadcast(model.Event{Type: model.EventTelemetry, DeviceID: "fill"})
	<-fast.Outbound()

	h.Broadcast(model.Event{Type: model.EventTelemetry, DeviceID: "overflow"})

	// The fast subscriber still receives every event.
	select {
	case msg := <-fast.Outbound():
		assert.Contains(t, string(msg), "overflow")
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved by slow subscriber")
	}

	require.Equal(t, 1, h.Count(), "slow subscriber should have been disconnected")
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := New(testLogger(), 4, nil)
	sub := h.Connect(nil)
	drainHello(t, sub)

	h.Remove(sub)
	require.Equal(t, 0, h.Count())

	assert.NotPanics(t, func() { h.Remove(sub) })
}
