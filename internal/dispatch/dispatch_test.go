package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/iotcore/internal/broker"
	"github.com/fleetcore/iotcore/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRegistry struct {
	known map[string]bool
}

func (r *fakeRegistry) Get(deviceID string) (model.Device, bool) {
	if r.known[deviceID] {
		return model.Device{DeviceID: deviceID}, true
	}
	return model.Device{}, false
}

type fakeBroker struct {
	mu       sync.Mutex
	calls    int
	failN    int
	published [][]byte
}

func (b *fakeBroker) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failN {
		return broker.ErrNotConnected
	}
	b.published = append(b.published, payload)
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	commands map[string]model.Command
}

func newFakeStore() *fakeStore {
	return &fakeStore{commands: make(map[string]model.Command)}
}

func (s *fakeStore) InsertCommand(ctx context.Context, c model.Command) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.commands[c.CommandID]; ok {
		return existing, nil
	}
	s.commands[c.CommandID] = c
	return c, nil
}

func (s *fakeStore) UpdateCommandState(ctx context.Context, commandID string, state model.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return errors.New("not found")
	}
	c.DeliveryState = state
	s.commands[commandID] = c
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []model.Event
}

func (h *fakeHub) Broadcast(e model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func TestDispatchUnknownDevice(t *testing.T) {
	d := New(testLogger(), &fakeRegistry{known: map[string]bool{}}, &fakeBroker{}, newFakeStore(), &fakeHub{}, 3)

	_, _, err := d.Dispatch(context.Background(), "ghost", "reboot", json.RawMessage(`{}`), "test")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestDispatchSucceedsAndAcks(t *testing.T) {
	st := newFakeStore()
	hb := &fakeHub{}
	d := New(testLogger(), &fakeRegistry{known: map[string]bool{"dev-1": true}}, &fakeBroker{}, st, hb, 3)

	commandID, state, err := d.Dispatch(context.Background(), "dev-1", "reboot", json.RawMessage(`{}`), "test")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryBrokerAcked, state)
	assert.NotEmpty(t, commandID)
	assert.Len(t, hb.events, 1)
}

func TestDispatchIsIdempotentUnderReplay(t *testing.T) {
	st := newFakeStore()
	hb := &fakeHub{}
	b := &fakeBroker{}
	registry := &fakeRegistry{known: map[string]bool{"dev-1": true}}
	d := New(testLogger(), registry, b, st, hb, 3)

	first, state1, err := d.Dispatch(context.Background(), "dev-1", "reboot", json.RawMessage(`{}`), "test")
	require.NoError(t, err)

	// Simulate a replayed request carrying the same command by forcing a
	// second InsertCommand with the identical command_id: Dispatch itself
	// always mints a new command_id, so replay safety is tested at the
	// store layer directly here.
	cmd := model.Command{CommandID: first, DeviceID: "dev-1", Action: "reboot", DeliveryState: model.DeliveryQueued}
	replayed, err := st.InsertCommand(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, state1, replayed.DeliveryState)
	assert.Equal(t, 1, b.calls, "replay must not publish the command again")
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	st := newFakeStore()
	hb := &fakeHub{}
	b := &fakeBroker{failN: 2}
	registry := &fakeRegistry{known: map[string]bool{"dev-1": true}}
	d := New(testLogger(), registry, b, st, hb, 3)

	_, state, err := d.Dispatch(context.Background(), "dev-1", "reboot", json.RawMessage(`{}`), "test")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryBrokerAcked, state)
	assert.Equal(t, 3, b.calls)
}

func TestDispatchExhaustsRetriesAndClassifiesError(t *testing.T) {
	st := newFakeStore()
	hb := &fakeHub{}
	b := &fakeBroker{failN: 100}
	registry := &fakeRegistry{known: map[string]bool{"dev-1": true}}
	d := New(testLogger(), registry, b, st, hb, 2)

	_, state, err := d.Dispatch(context.Background(), "dev-1", "reboot", json.RawMessage(`{}`), "test")
	assert.ErrorIs(t, err, ErrDeliveryUnavailable)
	assert.Equal(t, model.DeliveryFailed, state)
}
