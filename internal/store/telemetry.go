package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fleetcore/iotcore/internal/model"
)

// InsertTelemetry persists a single TelemetryRecord. Per invariant 4, the
// caller must have already ensured a Device row exists for record.DeviceID.
func (s *Store) InsertTelemetry(ctx context.Context, r model.TelemetryRecord) (int64, error) {
	var deviceTS sql.NullTime
	if r.DeviceTimestamp != nil {
		deviceTS = sql.NullTime{Time: *r.DeviceTimestamp, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry (device_id, received_at, device_timestamp, payload_json)
		VALUES (?, ?, ?, ?)`,
		r.DeviceID, r.ReceivedAt, deviceTS, string(r.Payload),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert telemetry: %w", err)
	}
	return res.LastInsertId()
}
