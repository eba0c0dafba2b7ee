package registry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetcore/iotcore/internal/model"
)

// RunSweep runs the liveness sweep loop until ctx is cancelled. Every
// interval tick, every online device whose last_seen_at is stale by more
// than offlineThreshold is marked offline (spec §4.3 "Liveness sweep").
func (r *Registry) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	r.sweepAt(ctx, time.Now())
}

// sweepAt runs one sweep pass with staleness measured against now.
func (r *Registry) sweepAt(ctx context.Context, now time.Time) {
	r.mu.RLock()
	stale := make([]string, 0)
	for id, d := range r.devices {
		if d.Status != model.StatusOnline {
			continue
		}
		// Comparison is strict `>`: a device at exactly the threshold is
		// still online (spec §8 boundary behavior).
		if now.Sub(d.LastSeenAt) > r.offlineThreshold {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.markOfflineWithRetry(ctx, id, now)
	}
}

// markOfflineWithRetry retries a failed persistence write with exponential
// backoff; the in-memory state is never advanced ahead of the persisted
// state (spec §4.3 "Failures").
func (r *Registry) markOfflineWithRetry(ctx context.Context, deviceID string, at time.Time) {
	op := func() (struct{}, error) {
		return struct{}{}, r.markOffline(ctx, deviceID, at)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(2*time.Minute))
	if err != nil {
		r.log.Error("failed to persist offline transition after retries", "device_id", deviceID, "err", err)
	}
}
