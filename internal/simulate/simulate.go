// Package simulate drives a fleet of fake devices over real MQTT, publishing
// telemetry to the routing-key shape C1 expects after the broker's MQTT
// plugin bridges it (spec §4.2 "Message contract", §6 "devices/<device_id>/data").
package simulate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config controls how the simulated fleet connects and publishes.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Count    int
	Interval time.Duration
}

// payload matches the recognized optional telemetry fields (spec §4.2);
// every field changes between publishes (uptime from the clock, the rest
// through evolveState).
type payload struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Status      string    `json:"status"`
	UptimeS     int64     `json:"uptime"`
	Rssi        float64   `json:"rssi"`
}

// Run starts cfg.Count simulated devices and blocks until they all stop
// (they normally run forever, so in practice until the process is killed).
func Run(log *slog.Logger, cfg Config) error {
	log.Info("starting simulator",
		"count", cfg.Count,
		"host", cfg.Host,
		"port", cfg.Port,
		"interval", cfg.Interval,
	)

	var wg sync.WaitGroup
	for i := range cfg.Count {
		wg.Add(1)
		deviceID := fmt.Sprintf("SIM%09d", i+1)
		go func(id string) {
			defer wg.Done()
			runDevice(log, id, cfg)
		}(deviceID)
		time.Sleep(200 * time.Millisecond)
	}
	wg.Wait()
	return nil
}

func runDevice(log *slog.Logger, id string, cfg Config) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	topic := fmt.Sprintf("devices/%s/data", id)

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(id).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			log.Info("simulator device connected", "device_id", id)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warn("simulator device disconnected", "device_id", id, "err", err)
		})

	client := pahomqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		log.Error("simulator device failed to connect", "device_id", id, "err", tok.Error())
		return
	}
	defer client.Disconnect(250)

	state := payload{
		Temperature: 20 + rand.Float64()*5,
		Humidity:    45 + rand.Float64()*10,
		Status:      "ok",
		UptimeS:     0,
		Rssi:        -70,
	}
	start := time.Now()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for range ticker.C {
		evolveState(&state)
		state.Timestamp = time.Now().UTC()
		state.UptimeS = int64(time.Since(start).Seconds())

		body, err := json.Marshal(state)
		if err != nil {
			log.Error("failed to marshal sim payload", "device_id", id, "err", err)
			continue
		}

		tok := client.Publish(topic, 0, false, body)
		tok.Wait()
		if tok.Error() != nil {
			log.Warn("publish failed", "device_id", id, "err", tok.Error())
		} else {
			log.Info("published", "device_id", id, "temperature", state.Temperature, "rssi", state.Rssi)
		}
	}
}

// evolveState applies small realistic changes between publishes.
func evolveState(s *payload) {
	s.Temperature += rand.Float64()*0.6 - 0.3
	s.Temperature = clamp(s.Temperature, 10, 35)

	s.Humidity += rand.Float64()*2 - 1
	s.Humidity = clamp(s.Humidity, 20, 90)

	s.Rssi += rand.Float64()*6 - 3
	s.Rssi = clamp(s.Rssi, -120, -50)

	// Occasional transient fault, cleared on the next tick.
	if rand.IntN(20) == 0 {
		s.Status = "degraded"
	} else {
		s.Status = "ok"
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
