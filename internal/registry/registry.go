// Package registry implements the Device Registry & Liveness Monitor (C3):
// the authoritative in-memory device map, auto-registration, last-seen
// tracking, and the periodic offline sweep.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fleetcore/iotcore/internal/hub"
	"github.com/fleetcore/iotcore/internal/model"
	"github.com/fleetcore/iotcore/internal/store"
)

// ErrNotFound is returned by Touch for an unknown device_id (Get reports an
// unknown device_id through its bool result instead).
var ErrNotFound = errors.New("registry: device not found")

// Store is the subset of the persistence layer the registry needs; an
// interface here keeps registry tests from depending on a real database.
type Store interface {
	InsertDevice(ctx context.Context, d model.Device) error
	GetDevice(ctx context.Context, deviceID string) (model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	UpdateLastSeen(ctx context.Context, deviceID string, lastSeenAt time.Time, status model.Status) error
	UpdateStatus(ctx context.Context, deviceID string, status model.Status) error
}

// Hub is the subset of the fan-out hub the registry emits events through.
type Hub interface {
	Broadcast(e model.Event)
}

// Registry is the single mutex-guarded device map (spec §9 strategy (a)),
// adequate at the fleet sizes this system targets (O(10^4) devices).
type Registry struct {
	log              *slog.Logger
	store            Store
	hub              Hub
	offlineThreshold time.Duration

	mu      sync.RWMutex
	devices map[string]model.Device

	// sf dedupes concurrent ensure_registered calls for the same
	// device_id onto a single store insert, satisfying invariant 6/
	// testable property 6 without a per-device lock table.
	sf singleflight.Group
}

func New(log *slog.Logger, st Store, h Hub, offlineThreshold time.Duration) *Registry {
	return &Registry{
		log:              log,
		store:            st,
		hub:              h,
		offlineThreshold: offlineThreshold,
		devices:          make(map[string]model.Device),
	}
}

// Load populates the in-memory map from the persisted Device table at
// startup. Each device keeps its persisted status as loaded; the first
// sweep then reconciles devices loaded as online against the current time
// (spec "Consistency on restart").
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		r.devices[d.DeviceID] = d
	}
	r.log.Info("registry loaded", "devices", len(devices))
	return nil
}

// EnsureRegistered returns the existing record for deviceID, or creates one
// with status=online if this is the device's first-ever message (spec
// §4.3). It is idempotent under concurrent first messages from the same
// device.
func (r *Registry) EnsureRegistered(ctx context.Context, deviceID, defaultName string) (model.Device, error) {
	r.mu.RLock()
	d, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := r.sf.Do(deviceID, func() (interface{}, error) {
		r.mu.RLock()
		d, ok := r.devices[deviceID]
		r.mu.RUnlock()
		if ok {
			return d, nil
		}

		now := time.Now()
		created := model.Device{
			DeviceID:    deviceID,
			DisplayName: defaultName,
			FirstSeenAt: now,
			LastSeenAt:  now,
			Status:      model.StatusOnline,
		}

		err := r.store.InsertDevice(ctx, created)
		if errors.Is(err, store.ErrAlreadyExists) {
			// Another process (or an earlier load) already has this
			// device; resolve the conflict by reading the row back
			// (spec §7 kind 3: logical conflict, never propagated).
			existing, getErr := r.store.GetDevice(ctx, deviceID)
			if getErr != nil {
				return model.Device{}, getErr
			}
			r.mu.Lock()
			r.devices[deviceID] = existing
			r.mu.Unlock()
			return existing, nil
		}
		if err != nil {
			return model.Device{}, err
		}

		r.mu.Lock()
		r.devices[deviceID] = created
		r.mu.Unlock()

		r.log.Info("device auto-registered", "device_id", deviceID)
		r.hub.Broadcast(hub.DeviceRegisteredEvent(deviceID, now, defaultName))
		return created, nil
	})
	if err != nil {
		return model.Device{}, err
	}
	return v.(model.Device), nil
}

// Touch updates last_seen_at to max(existing, timestamp) and, if the device
// was offline, transitions it to online (spec §4.3 `touch`). The store is
// written before the in-memory map is updated, per spec §5's ordering rule.
func (r *Registry) Touch(ctx context.Context, deviceID string, timestamp time.Time) error {
	r.mu.RLock()
	d, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	newLastSeen := timestamp
	if d.LastSeenAt.After(newLastSeen) {
		newLastSeen = d.LastSeenAt
	}
	wasOffline := d.Status == model.StatusOffline
	newStatus := d.Status
	if wasOffline {
		newStatus = model.StatusOnline
	}

	if err := r.store.UpdateLastSeen(ctx, deviceID, newLastSeen, newStatus); err != nil {
		return err
	}

	r.mu.Lock()
	d = r.devices[deviceID]
	d.LastSeenAt = newLastSeen
	d.Status = newStatus
	r.devices[deviceID] = d
	r.mu.Unlock()

	if wasOffline {
		r.log.Info("device back online", "device_id", deviceID)
		r.hub.Broadcast(hub.StatusChangeEvent(deviceID, timestamp, model.StatusOffline, model.StatusOnline))
	}
	return nil
}

// Get returns a read-only snapshot of a single device.
func (r *Registry) Get(deviceID string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

// List returns a read-only snapshot of every known device.
func (r *Registry) List() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Summaries returns the minimal device view used in the hub's hello event.
func (r *Registry) Summaries() []model.DeviceSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.DeviceSummary, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, model.DeviceSummary{DeviceID: d.DeviceID, Status: d.Status})
	}
	return out
}

// markOffline is private: only the sweep calls it (spec §4.3).
func (r *Registry) markOffline(ctx context.Context, deviceID string, at time.Time) error {
	if err := r.store.UpdateStatus(ctx, deviceID, model.StatusOffline); err != nil {
		return err
	}

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if ok {
		d.Status = model.StatusOffline
		r.devices[deviceID] = d
	}
	r.mu.Unlock()

	r.log.Info("device marked offline", "device_id", deviceID)
	r.hub.Broadcast(hub.StatusChangeEvent(deviceID, at, model.StatusOnline, model.StatusOffline))
	return nil
}
