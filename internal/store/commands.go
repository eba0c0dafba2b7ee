package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fleetcore/iotcore/internal/model"
)

// InsertCommand persists a new Command row with delivery_state=queued. If a
// row with the same command_id already exists (a replayed dispatch, spec
// invariant 5), InsertCommand is a no-op and returns the existing row so the
// caller can treat replay as idempotent.
func (s *Store) InsertCommand(ctx context.Context, c model.Command) (model.Command, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, device_id, action, parameters_json, issued_at, source, delivery_state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.CommandID, c.DeviceID, c.Action, string(c.Parameters), c.IssuedAt, c.Source, string(c.DeliveryState),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.GetCommand(ctx, c.CommandID)
		}
		return model.Command{}, fmt.Errorf("store: insert command: %w", err)
	}
	return c, nil
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (model.Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT command_id, device_id, action, parameters_json, issued_at, source, delivery_state
		FROM commands WHERE command_id = ?`, commandID)

	var c model.Command
	var params, state string
	err := row.Scan(&c.CommandID, &c.DeviceID, &c.Action, &params, &c.IssuedAt, &c.Source, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Command{}, ErrNotFound
		}
		return model.Command{}, fmt.Errorf("store: get command: %w", err)
	}
	c.Parameters = []byte(params)
	c.DeliveryState = model.DeliveryState(state)
	return c, nil
}

// UpdateCommandState transitions a Command's delivery_state. Terminal
// states (broker_acked, failed) are set once by the dispatcher; repeated
// calls with the same state are idempotent no-ops.
func (s *Store) UpdateCommandState(ctx context.Context, commandID string, state model.DeliveryState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE commands SET delivery_state = ? WHERE command_id = ?`, string(state), commandID)
	if err != nil {
		return fmt.Errorf("store: update command state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update command state: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
