// Package dispatch implements the Command Dispatcher (C4): it assembles,
// persists and publishes commands with retry, per spec §4.4.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetcore/iotcore/internal/broker"
	"github.com/fleetcore/iotcore/internal/hub"
	"github.com/fleetcore/iotcore/internal/model"
)

// Caller-visible outcomes (spec §7): dispatch_command's failures collapse
// to these three.
var (
	ErrUnknownDevice     = errors.New("dispatch: unknown device")
	ErrDeliveryUnavailable = errors.New("dispatch: broker unavailable")
	ErrBadRequest        = errors.New("dispatch: bad request")
)

// Registry is the subset of C3 the dispatcher validates device_id against.
type Registry interface {
	Get(deviceID string) (model.Device, bool)
}

// Broker is the subset of C1 the dispatcher publishes through.
type Broker interface {
	PublishCommand(ctx context.Context, deviceID string, payload []byte) error
}

// Store is the subset of the persistence layer the dispatcher writes.
type Store interface {
	InsertCommand(ctx context.Context, c model.Command) (model.Command, error)
	UpdateCommandState(ctx context.Context, commandID string, state model.DeliveryState) error
}

// Hub is the subset of C5 the dispatcher emits command_ack events through.
type Hub interface {
	Broadcast(e model.Event)
}

// Dispatcher is the command dispatcher (C4).
type Dispatcher struct {
	log        *slog.Logger
	registry   Registry
	broker     Broker
	store      Store
	hub        Hub
	maxRetries int
}

func New(log *slog.Logger, registry Registry, b Broker, store Store, h Hub, maxRetries int) *Dispatcher {
	return &Dispatcher{log: log, registry: registry, broker: b, store: store, hub: h, maxRetries: maxRetries}
}

// Dispatch accepts a command request and delivers it via the broker client,
// per spec §4.4's numbered steps.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, action string, parameters json.RawMessage, source string) (string, model.DeliveryState, error) {
	if _, ok := d.registry.Get(deviceID); !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	commandID, err := newCommandID()
	if err != nil {
		return "", "", fmt.Errorf("%w: generating command id: %v", ErrBadRequest, err)
	}

	issuedAt := time.Now().UTC()
	wire := model.CommandWirePayload{
		Action:     action,
		Parameters: parameters,
		CommandID:  commandID,
		IssuedAt:   issuedAt.Format(time.RFC3339),
		Source:     source,
	}
	wireBytes, err := json.Marshal(wire)
	if err != nil {
		return "", "", fmt.Errorf("%w: marshaling payload: %v", ErrBadRequest, err)
	}

	cmd := model.Command{
		CommandID:     commandID,
		DeviceID:      deviceID,
		Action:        action,
		Parameters:    parameters,
		IssuedAt:      issuedAt,
		Source:        source,
		DeliveryState: model.DeliveryQueued,
	}
	if cmd, err = d.store.InsertCommand(ctx, cmd); err != nil {
		return "", "", fmt.Errorf("dispatch: persisting command: %w", err)
	}
	// A replayed command_id already has a terminal state recorded; honor
	// it rather than re-publishing (spec invariant 5, idempotent replay).
	if cmd.DeliveryState != model.DeliveryQueued {
		return cmd.CommandID, cmd.DeliveryState, nil
	}

	state, publishErr := d.publishWithRetry(ctx, deviceID, wireBytes)

	if updErr := d.store.UpdateCommandState(ctx, commandID, state); updErr != nil {
		d.log.Error("failed to persist final command state", "command_id", commandID, "err", updErr)
	}
	d.hub.Broadcast(hub.CommandAckEvent(deviceID, time.Now(), commandID, state))

	if publishErr != nil {
		d.log.Error("command dispatch failed", "command_id", commandID, "device_id", deviceID, "err", publishErr)
		return commandID, state, classify(publishErr)
	}
	return commandID, state, nil
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, deviceID string, payload []byte) (model.DeliveryState, error) {
	delays := retryDelays(d.maxRetries)

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		err := d.broker.PublishCommand(ctx, deviceID, payload)
		if err == nil {
			return model.DeliveryBrokerAcked, nil
		}
		lastErr = err

		if errors.Is(err, broker.ErrPayloadTooLarge) {
			// Not retried (spec §4.4 "Retries").
			break
		}
		if attempt == d.maxRetries {
			break
		}
		select {
		case <-time.After(delays[attempt]):
		case <-ctx.Done():
			return model.DeliveryFailed, ctx.Err()
		}
	}
	return model.DeliveryFailed, lastErr
}

// retryDelays returns up to n delays starting at 1s and doubling, matching
// the default 1s/2s/4s schedule for the default n=3.
func retryDelays(n int) []time.Duration {
	delays := make([]time.Duration, n)
	d := time.Second
	for i := 0; i < n; i++ {
		delays[i] = d
		d *= 2
	}
	return delays
}

func classify(err error) error {
	switch {
	case errors.Is(err, broker.ErrPayloadTooLarge):
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrConfirmTimeout):
		return fmt.Errorf("%w: %v", ErrDeliveryUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeliveryUnavailable, err)
	}
}

func newCommandID() (string, error) {
	buf := make([]byte, 6) // 12 hex characters
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("cmd_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf)), nil
}
