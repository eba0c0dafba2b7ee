// Package model holds the core data types shared across components: the
// device, telemetry, command and event shapes defined by the data model.
package model

import (
	"encoding/json"
	"time"
)

// Status is a device's liveness state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Device is a microcontroller identified by its stable device_id (the
// hex-encoded MAC address).
type Device struct {
	DeviceID       string            `json:"device_id"`
	DisplayName    string            `json:"display_name"`
	FirstSeenAt    time.Time         `json:"first_seen_at"`
	LastSeenAt     time.Time         `json:"last_seen_at"`
	Status         Status            `json:"status"`
	Capabilities   []string          `json:"declared_capabilities,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TelemetryRecord is a single timestamped observation from a device.
type TelemetryRecord struct {
	ID              int64           `json:"id"`
	DeviceID        string          `json:"device_id"`
	ReceivedAt      time.Time       `json:"received_at"`
	DeviceTimestamp *time.Time      `json:"device_timestamp,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// DeliveryState is the terminal/in-flight state of a Command.
type DeliveryState string

const (
	DeliveryQueued     DeliveryState = "queued"
	DeliveryBrokerAcked DeliveryState = "broker_acked"
	DeliveryFailed      DeliveryState = "failed"
)

// Command is an instruction sent from the server to a device.
type Command struct {
	CommandID     string          `json:"command_id"`
	DeviceID      string          `json:"device_id"`
	Action        string          `json:"action"`
	Parameters    json.RawMessage `json:"parameters"`
	IssuedAt      time.Time       `json:"issued_at"`
	Source        string          `json:"source"`
	DeliveryState DeliveryState   `json:"delivery_state"`
}

// CommandWirePayload is the JSON object actually published to the device's
// command topic (spec §4.4 step 2).
type CommandWirePayload struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
	CommandID  string          `json:"command_id"`
	IssuedAt   string          `json:"issued_at"`
	Source     string          `json:"source"`
}

// EventType enumerates the tagged variants of events fanned out over the
// push channel.
type EventType string

const (
	EventTelemetry        EventType = "telemetry"
	EventStatusChange      EventType = "status_change"
	EventDeviceRegistered  EventType = "device_registered"
	EventCommandAck        EventType = "command_ack"
	EventHello             EventType = "hello"
)

// Event is the tagged-variant envelope pushed to every subscriber. Only the
// fields relevant to Type are populated; Data carries the variant's own
// payload to keep one wire shape for all five event kinds.
type Event struct {
	Type     EventType       `json:"type"`
	Ts       time.Time       `json:"ts"`
	DeviceID string          `json:"device_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// TelemetryEventData is the Data payload for an EventTelemetry event.
type TelemetryEventData struct {
	Payload json.RawMessage `json:"payload"`
}

// StatusChangeEventData is the Data payload for an EventStatusChange event.
type StatusChangeEventData struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// DeviceRegisteredEventData is the Data payload for an EventDeviceRegistered
// event.
type DeviceRegisteredEventData struct {
	DisplayName string `json:"display_name"`
}

// CommandAckEventData is the Data payload for an EventCommandAck event.
type CommandAckEventData struct {
	CommandID     string        `json:"command_id"`
	DeliveryState DeliveryState `json:"delivery_state"`
}

// HelloEventData is the Data payload for an EventHello event, giving a
// freshly connected subscriber a device summary without a bootstrap round
// trip.
type HelloEventData struct {
	Devices []DeviceSummary `json:"devices"`
}

// DeviceSummary is the minimal device view sent in a hello event.
type DeviceSummary struct {
	DeviceID string `json:"device_id"`
	Status   Status `json:"status"`
}
