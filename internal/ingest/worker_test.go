package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/iotcore/internal/broker"
	"github.com/fleetcore/iotcore/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRegistry struct {
	device     model.Device
	touchErr   error
	ensureErr  error
	touchCalls int
}

func (r *fakeRegistry) EnsureRegistered(ctx context.Context, deviceID, defaultName string) (model.Device, error) {
	if r.ensureErr != nil {
		return model.Device{}, r.ensureErr
	}
	return r.device, nil
}

func (r *fakeRegistry) Touch(ctx context.Context, deviceID string, timestamp time.Time) error {
	r.touchCalls++
	return r.touchErr
}

type fakeStore struct {
	insertErr error
	records   []model.TelemetryRecord
}

func (s *fakeStore) InsertTelemetry(ctx context.Context, r model.TelemetryRecord) (int64, error) {
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.records = append(s.records, r)
	return int64(len(s.records)), nil
}

type fakeHub struct {
	events []model.Event
}

func (h *fakeHub) Broadcast(e model.Event) { h.events = append(h.events, e) }

type fakeDLQ struct {
	mu      sync.Mutex
	reasons []string
}

func (d *fakeDLQ) PublishDeadLetter(ctx context.Context, payload []byte, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
	return nil
}

func newTestDelivery(deviceID string, payload []byte) (broker.Delivery, *int, *bool) {
	acked := 0
	nackedRequeue := false
	d := broker.NewDelivery(deviceID, payload,
		func() { acked++ },
		func(requeue bool) { nackedRequeue = requeue },
	)
	return d, &acked, &nackedRequeue
}

func TestHandleOversizedPayloadDeadLettersAndAcks(t *testing.T) {
	dlq := &fakeDLQ{}
	reg := &fakeRegistry{device: model.Device{DeviceID: "dev-1"}}
	w := New(testLogger(), reg, &fakeStore{}, &fakeHub{}, dlq)

	oversized := make([]byte, broker.MaxPayloadBytes+1)
	d, acked, _ := newTestDelivery("dev-1", oversized)
	w.Handle(d)

	assert.Equal(t, 1, *acked)
	assert.Equal(t, []string{"payload_too_large"}, dlq.reasons)
	assert.Equal(t, 0, reg.touchCalls, "oversized payloads must never reach registration/persistence")
}

func TestHandleAtSizeLimitIsNotDeadLettered(t *testing.T) {
	dlq := &fakeDLQ{}
	reg := &fakeRegistry{device: model.Device{DeviceID: "dev-1"}}
	st := &fakeStore{}
	w := New(testLogger(), reg, st, &fakeHub{}, dlq)

	// Exactly MaxPayloadBytes is still valid JSON: pad a field so the
	// payload's total length lands precisely at the cap.
	base := []byte(`{"temperature":22.5,"pad":"`)
	pad := make([]byte, broker.MaxPayloadBytes-len(base)-len(`"}`))
	for i := range pad {
		pad[i] = 'x'
	}
	atLimit := append(append(base, pad...), []byte(`"}`)...)
	require.Len(t, atLimit, broker.MaxPayloadBytes)

	d, acked, _ := newTestDelivery("dev-1", atLimit)
	w.Handle(d)

	assert.Equal(t, 1, *acked)
	assert.Empty(t, dlq.reasons)
	assert.Len(t, st.records, 1)
}

func TestHandleParseErrorDeadLettersAndAcks(t *testing.T) {
	dlq := &fakeDLQ{}
	w := New(testLogger(), &fakeRegistry{}, &fakeStore{}, &fakeHub{}, dlq)

	d, acked, _ := newTestDelivery("dev-1", []byte("not json"))
	w.Handle(d)

	assert.Equal(t, 1, *acked)
	assert.Equal(t, []string{"parse_error"}, dlq.reasons)
}

func TestHandleRegistryErrorNacksWithRequeue(t *testing.T) {
	dlq := &fakeDLQ{}
	reg := &fakeRegistry{ensureErr: errors.New("db down")}
	w := New(testLogger(), reg, &fakeStore{}, &fakeHub{}, dlq)

	d, acked, requeued := newTestDelivery("dev-1", []byte(`{"temperature":22.5}`))
	w.Handle(d)

	assert.Equal(t, 0, *acked)
	assert.True(t, *requeued)
}

func TestHandlePermanentStorageErrorDeadLetters(t *testing.T) {
	dlq := &fakeDLQ{}
	reg := &fakeRegistry{device: model.Device{DeviceID: "dev-1"}}
	st := &fakeStore{insertErr: errors.New("UNIQUE constraint failed: telemetry.id")}
	w := New(testLogger(), reg, st, &fakeHub{}, dlq)

	d, acked, _ := newTestDelivery("dev-1", []byte(`{"temperature":22.5}`))
	w.Handle(d)

	assert.Equal(t, 1, *acked)
	assert.Equal(t, []string{"storage_error_permanent"}, dlq.reasons)
}

func TestHandleTransientStorageErrorRequeues(t *testing.T) {
	dlq := &fakeDLQ{}
	reg := &fakeRegistry{device: model.Device{DeviceID: "dev-1"}}
	st := &fakeStore{insertErr: errors.New("database is locked")}
	w := New(testLogger(), reg, st, &fakeHub{}, dlq)

	d, acked, requeued := newTestDelivery("dev-1", []byte(`{"temperature":22.5}`))
	w.Handle(d)

	assert.Equal(t, 0, *acked)
	assert.True(t, *requeued)
	assert.Empty(t, dlq.reasons)
}

func TestHandleSuccessPersistsBroadcastsAndAcks(t *testing.T) {
	reg := &fakeRegistry{device: model.Device{DeviceID: "dev-1"}}
	st := &fakeStore{}
	hb := &fakeHub{}
	w := New(testLogger(), reg, st, hb, &fakeDLQ{})

	d, acked, _ := newTestDelivery("dev-1", []byte(`{"temperature":22.5}`))
	w.Handle(d)

	require.Len(t, st.records, 1)
	assert.Equal(t, "dev-1", st.records[0].DeviceID)
	require.Len(t, hb.events, 1)
	assert.Equal(t, model.EventTelemetry, hb.events[0].Type)
	assert.Equal(t, 1, *acked)
	assert.Equal(t, 1, reg.touchCalls)
}

func TestHandleClockSkewNeverRollsReceivedAtBackwards(t *testing.T) {
	future := time.Now().Add(time.Hour)
	reg := &fakeRegistry{device: model.Device{DeviceID: "dev-1", LastSeenAt: future}}
	st := &fakeStore{}
	w := New(testLogger(), reg, st, &fakeHub{}, &fakeDLQ{})

	d, _, _ := newTestDelivery("dev-1", []byte(`{"temperature":22.5}`))
	w.Handle(d)

	require.Len(t, st.records, 1)
	assert.True(t, !st.records[0].ReceivedAt.Before(future))
}
