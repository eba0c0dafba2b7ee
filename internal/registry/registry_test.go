package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/iotcore/internal/model"
	"github.com/fleetcore/iotcore/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory stand-in for internal/store, letting registry
// tests exercise concurrency and ordering without a real database.
type fakeStore struct {
	mu      sync.Mutex
	devices map[string]model.Device
	inserts int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]model.Device)}
}

func (s *fakeStore) InsertDevice(ctx context.Context, d model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.DeviceID]; ok {
		return store.ErrAlreadyExists
	}
	atomic.AddInt32(&s.inserts, 1)
	s.devices[d.DeviceID] = d
	return nil
}

func (s *fakeStore) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return d, nil
}

func (s *fakeStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) UpdateLastSeen(ctx context.Context, deviceID string, lastSeenAt time.Time, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.LastSeenAt = lastSeenAt
	d.Status = status
	s.devices[deviceID] = d
	return nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, deviceID string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	s.devices[deviceID] = d
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

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestEnsureRegisteredConcurrentRaceYieldsOneRow(t *testing.T) {
	st := newFakeStore()
	hb := &fakeHub{}
	r := New(testLogger(), st, hb, 15*time.Second)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.EnsureRegistered(context.Background(), "dev-race", "device-dev-race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&st.inserts), "exactly one device row should be created")
	devices, err := st.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestTouchAdvancesLastSeenMonotonically(t *testing.T) {
	st := newFakeStore()
	hb := &fakeHub{}
	r := New(testLogger(), st, hb, 15*time.Second)

	ctx := context.Background()
	_, err := r.EnsureRegistered(ctx, "dev-1", "device-dev-1")
	require.NoError(t, err)

	d, _ := r.Get("dev-1")
	later := d.LastSeenAt.Add(10 * time.Second)
	require.NoError(t, r.Touch(ctx, "dev-1", later))

	earlier := later.Add(-5 * time.Second)
	require.NoError(t, r.Touch(ctx, "dev-1", earlier))

	d, _ = r.Get("dev-1")
	assert.Equal(t, later, d.LastSeenAt, "last_seen_at must never move backwards")
}

func TestTouchTransitionsOfflineToOnlineAndBroadcasts(t *testing.T) {
	st := newFakeStore()
	hb := &fakeHub{}
	r := New(testLogger(), st, hb, 15*time.Second)

	ctx := context.Background()
	_, err := r.EnsureRegistered(ctx, "dev-1", "device-dev-1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, "dev-1", model.StatusOffline))
	r.mu.Lock()
	d := r.devices["dev-1"]
	d.Status = model.StatusOffline
	r.devices["dev-1"] = d
	r.mu.Unlock()

	before := hb.count()
	require.NoError(t, r.Touch(ctx, "dev-1", time.Now()))

	d, _ = r.Get("dev-1")
	assert.Equal(t, model.StatusOnline, d.Status)
	assert.Greater(t, hb.count(), before)
}
