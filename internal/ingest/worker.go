// Package ingest implements the Ingest Worker (C2): it consumes broker
// deliveries, parses and persists telemetry, drives device registration and
// liveness updates, and fans out events — the processing algorithm of spec
// §4.2.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetcore/iotcore/internal/broker"
	"github.com/fleetcore/iotcore/internal/hub"
	"github.com/fleetcore/iotcore/internal/model"
)

// Registry is the subset of C3 the ingest worker drives.
type Registry interface {
	EnsureRegistered(ctx context.Context, deviceID, defaultName string) (model.Device, error)
	Touch(ctx context.Context, deviceID string, timestamp time.Time) error
}

// Store is the subset of the persistence layer the ingest worker writes.
type Store interface {
	InsertTelemetry(ctx context.Context, r model.TelemetryRecord) (int64, error)
}

// Hub is the subset of C5 the ingest worker emits telemetry events through.
type Hub interface {
	Broadcast(e model.Event)
}

// DeadLetterPublisher routes unprocessable messages for operator
// inspection.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, payload []byte, reason string) error
}

const defaultDisplayNamePrefix = "device-"

// Worker is the ingest worker (C2).
type Worker struct {
	log         *slog.Logger
	registry    Registry
	store       Store
	hub         Hub
	deadLetters DeadLetterPublisher
}

func New(log *slog.Logger, registry Registry, store Store, h Hub, dlq DeadLetterPublisher) *Worker {
	return &Worker{log: log, registry: registry, store: store, hub: h, deadLetters: dlq}
}

// payload is the recognized shape of an inbound telemetry message (spec
// §4.2 "Message contract"). Unrecognized keys are preserved verbatim by
// round-tripping the raw bytes into storage rather than re-marshaling a
// typed struct.
type payload struct {
	Timestamp *time.Time `json:"timestamp"`
}

// Handle is registered as the broker's per-delivery handler. It owns
// acknowledgement: the message is acked only after persistence, the
// registry touch, and the fan-out emit all succeed (spec §4.2 step 8).
func (w *Worker) Handle(d broker.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(d.Payload) > broker.MaxPayloadBytes {
		w.log.Warn("payload_too_large: dead-lettering message", "device_id", d.DeviceID, "size", len(d.Payload))
		if dlErr := w.deadLetters.PublishDeadLetter(ctx, d.Payload, "payload_too_large"); dlErr != nil {
			w.log.Error("failed to route message to dead-letter queue", "err", dlErr)
		}
		d.Ack()
		return
	}

	var p payload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		w.log.Warn("parse_error: dead-lettering message", "device_id", d.DeviceID, "err", err)
		if dlErr := w.deadLetters.PublishDeadLetter(ctx, d.Payload, "parse_error"); dlErr != nil {
			w.log.Error("failed to route message to dead-letter queue", "err", dlErr)
		}
		d.Ack()
		return
	}

	device, err := w.registry.EnsureRegistered(ctx, d.DeviceID, defaultDisplayNamePrefix+d.DeviceID)
	if err != nil {
		w.log.Error("registry_error, will redeliver", "device_id", d.DeviceID, "err", err)
		d.Nack(true)
		return
	}

	receivedAt := time.Now()
	// Clock-skew tolerance: never roll received_at before the device's
	// already-known last_seen_at, per spec §4.2 step 4.
	if !device.LastSeenAt.IsZero() && !device.LastSeenAt.Before(receivedAt) {
		receivedAt = device.LastSeenAt
	}

	record := model.TelemetryRecord{
		DeviceID:        d.DeviceID,
		ReceivedAt:      receivedAt,
		DeviceTimestamp: p.Timestamp,
		Payload:         json.RawMessage(d.Payload),
	}

	if _, err := w.store.InsertTelemetry(ctx, record); err != nil {
		if isPermanentStorageError(err) {
			w.log.Error("storage_error (permanent): dead-lettering", "device_id", d.DeviceID, "err", err)
			if dlErr := w.deadLetters.PublishDeadLetter(ctx, d.Payload, "storage_error_permanent"); dlErr != nil {
				w.log.Error("failed to route message to dead-letter queue", "err", dlErr)
			}
			d.Ack()
			return
		}
		w.log.Warn("storage_error (transient), will redeliver", "device_id", d.DeviceID, "err", err)
		d.Nack(true)
		return
	}

	if err := w.registry.Touch(ctx, d.DeviceID, receivedAt); err != nil {
		w.log.Error("registry_error on touch, will redeliver", "device_id", d.DeviceID, "err", err)
		d.Nack(true)
		return
	}

	w.hub.Broadcast(hub.TelemetryEvent(d.DeviceID, receivedAt, json.RawMessage(d.Payload)))

	d.Ack()
}

// isPermanentStorageError distinguishes schema/constraint failures (never
// retried) from transient I/O failures (retried via redelivery), per spec
// §4.2 "Failures".
func isPermanentStorageError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column")
}
