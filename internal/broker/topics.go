package broker

import (
	"fmt"
	"strings"
)

// The broker bridges MQTT-style slash topics onto AMQP topic-exchange
// routing keys the way RabbitMQ's own MQTT plugin does: "/" becomes "." and
// the MQTT "+" single-level wildcard becomes AMQP's "*". A device publishing
// to devices/AABBCCDDEEFF/data over MQTT therefore lands, on the AMQP side
// this client speaks, as a message with routing key
// devices.AABBCCDDEEFF.data on the topic exchange (spec §6).

const (
	// TopicExchange is the durable topic exchange both the ingest binding
	// and command publishes use.
	TopicExchange = "amq.topic"

	dataBindingPattern    = "devices.*.data"
	commandRoutingTemplate = "devices.%s.commands"
	deadLetterQueue        = "devices.deadletter"
	ingestQueue            = "devices.ingest"
)

// dataRoutingKey converts the wildcard MQTT topic devices/+/data into its
// AMQP topic-exchange binding pattern.
func dataRoutingKey() string { return dataBindingPattern }

// commandRoutingKey builds the routing key for publishing a command to a
// specific device (spec: devices/<device_id>/commands).
func commandRoutingKey(deviceID string) string {
	return fmt.Sprintf(commandRoutingTemplate, deviceID)
}

// deviceIDFromRoutingKey extracts the device id from an inbound routing key
// of the form devices.<device_id>.data, mirroring "extracting the device id
// from the second path segment" of the MQTT topic (spec §4.1).
func deviceIDFromRoutingKey(routingKey string) (string, error) {
	parts := strings.Split(routingKey, ".")
	if len(parts) != 3 || parts[0] != "devices" || parts[2] != "data" {
		return "", fmt.Errorf("broker: malformed routing key %q", routingKey)
	}
	if parts[1] == "" {
		return "", fmt.Errorf("broker: empty device id in routing key %q", routingKey)
	}
	return parts[1], nil
}
