package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetcore/iotcore/internal/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// InsertDevice creates a new Device row. Per spec invariant 1, the caller
// (registry.ensure_registered) is responsible for serializing concurrent
// first-message races; InsertDevice itself simply reports a unique-
// constraint conflict as ErrAlreadyExists so the registry can fall back to
// a read.
var ErrAlreadyExists = errors.New("store: already exists")

func (s *Store) InsertDevice(ctx context.Context, d model.Device) error {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("store: marshal capabilities: %w", err)
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, display_name, first_seen_at, last_seen_at, status, capabilities_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.DisplayName, d.FirstSeenAt, d.LastSeenAt, string(d.Status), string(caps), string(meta),
	)
	if err != nil {
		// SQLite reports unique-constraint violations with this substring
		// regardless of driver-specific error types.
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: insert device: %w", err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, display_name, first_seen_at, last_seen_at, status, capabilities_json, metadata_json
		FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, display_name, first_seen_at, last_seen_at, status, capabilities_json, metadata_json
		FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateLastSeen persists last_seen_at and, when it changes, status.
func (s *Store) UpdateLastSeen(ctx context.Context, deviceID string, lastSeenAt time.Time, status model.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_seen_at = ?, status = ? WHERE device_id = ?`,
		lastSeenAt, string(status), deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: update last seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update last seen: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus persists a bare status transition (used by the liveness
// sweep, which never touches last_seen_at).
func (s *Store) UpdateStatus(ctx context.Context, deviceID string, status model.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET status = ? WHERE device_id = ?`, string(status), deviceID)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var (
		d          model.Device
		lastSeen   sql.NullTime
		status     string
		capsJSON   string
		metaJSON   string
	)
	err := row.Scan(&d.DeviceID, &d.DisplayName, &d.FirstSeenAt, &lastSeen, &status, &capsJSON, &metaJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("store: scan device: %w", err)
	}
	if lastSeen.Valid {
		d.LastSeenAt = lastSeen.Time
	}
	d.Status = model.Status(status)
	if err := json.Unmarshal([]byte(capsJSON), &d.Capabilities); err != nil {
		return model.Device{}, fmt.Errorf("store: unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &d.Metadata); err != nil {
		return model.Device{}, fmt.Errorf("store: unmarshal metadata: %w", err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
