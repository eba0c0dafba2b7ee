package hub

import (
	"encoding/json"
	"time"

	"github.com/fleetcore/iotcore/internal/model"
)

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only called with package-internal, statically-shaped types.
		panic(err)
	}
	return b
}

// TelemetryEvent builds the `telemetry` event for a just-persisted record
// (spec §4.2 step 7).
func TelemetryEvent(deviceID string, ts time.Time, payload json.RawMessage) model.Event {
	return model.Event{
		Type:     model.EventTelemetry,
		Ts:       ts,
		DeviceID: deviceID,
		Data:     mustMarshal(model.TelemetryEventData{Payload: payload}),
	}
}

// StatusChangeEvent builds the `status_change` event (spec §4.3 touch/sweep).
func StatusChangeEvent(deviceID string, ts time.Time, from, to model.Status) model.Event {
	return model.Event{
		Type:     model.EventStatusChange,
		Ts:       ts,
		DeviceID: deviceID,
		Data:     mustMarshal(model.StatusChangeEventData{From: from, To: to}),
	}
}

// DeviceRegisteredEvent builds the `device_registered` event (spec §4.3
// ensure_registered).
func DeviceRegisteredEvent(deviceID string, ts time.Time, displayName string) model.Event {
	return model.Event{
		Type:     model.EventDeviceRegistered,
		Ts:       ts,
		DeviceID: deviceID,
		Data:     mustMarshal(model.DeviceRegisteredEventData{DisplayName: displayName}),
	}
}

// CommandAckEvent builds the `command_ack` event (spec §4.4 dispatch).
func CommandAckEvent(deviceID string, ts time.Time, commandID string, state model.DeliveryState) model.Event {
	return model.Event{
		Type:     model.EventCommandAck,
		Ts:       ts,
		DeviceID: deviceID,
		Data:     mustMarshal(model.CommandAckEventData{CommandID: commandID, DeliveryState: state}),
	}
}

// HelloEvent builds the `hello` event sent once per newly connected
// subscriber, carrying the current device summary (spec §4.5).
func HelloEvent(ts time.Time, devices []model.DeviceSummary) model.Event {
	return model.Event{
		Type: model.EventHello,
		Ts:   ts,
		Data: mustMarshal(model.HelloEventData{Devices: devices}),
	}
}
