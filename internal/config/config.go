// Package config loads the process-wide configuration exactly once at
// startup, from environment variables, into a single immutable value.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config is the immutable, process-wide configuration populated once during
// initialization (spec §6).
type Config struct {
	BrokerAddress  string
	BrokerPort     int
	BrokerUsername string
	BrokerPassword string
	BrokerVHost    string

	DatabaseURL string

	LivenessOfflineThreshold time.Duration
	LivenessSweepInterval    time.Duration

	IngestWorkerCount int
	IngestPrefetch    int

	CommandPublishTimeout time.Duration
	CommandMaxRetries     int

	FanoutBufferSize int

	HTTPAddr string
}

// defaults mirrors the defaults named in spec §6.
var defaults = map[string]interface{}{
	"broker.address":                 "localhost",
	"broker.port":                    5672,
	"broker.username":                "devices",
	"broker.vhost":                   "/",
	"database.url":                   "file::memory:?cache=shared",
	"liveness.offline_threshold_s":   15,
	"liveness.sweep_interval_s":      5,
	"ingest.worker_count":            1,
	"ingest.prefetch":                10,
	"command.publish_timeout_s":      10,
	"command.max_retries":            3,
	"fanout.buffer_size":             256,
	"http.addr":                      "localhost:8910",
}

// Load reads configuration from the environment exactly once. Environment
// variables use the form FLEETCORE_BROKER_ADDRESS: after the prefix is
// stripped the name is lower-cased and its first "_" becomes ".", so
// FLEETCORE_LIVENESS_OFFLINE_THRESHOLD_S sets liveness.offline_threshold_s.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	err := k.Load(env.Provider("FLEETCORE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "FLEETCORE_")
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	if k.String("broker.password") == "" {
		return Config{}, fmt.Errorf("config: FLEETCORE_BROKER_PASSWORD is required")
	}

	return Config{
		BrokerAddress:  k.String("broker.address"),
		BrokerPort:     k.Int("broker.port"),
		BrokerUsername: k.String("broker.username"),
		BrokerPassword: k.String("broker.password"),
		BrokerVHost:    k.String("broker.vhost"),

		DatabaseURL: k.String("database.url"),

		LivenessOfflineThreshold: time.Duration(k.Int("liveness.offline_threshold_s")) * time.Second,
		LivenessSweepInterval:    time.Duration(k.Int("liveness.sweep_interval_s")) * time.Second,

		IngestWorkerCount: k.Int("ingest.worker_count"),
		IngestPrefetch:    k.Int("ingest.prefetch"),

		CommandPublishTimeout: time.Duration(k.Int("command.publish_timeout_s")) * time.Second,
		CommandMaxRetries:     k.Int("command.max_retries"),

		FanoutBufferSize: k.Int("fanout.buffer_size"),

		HTTPAddr: k.String("http.addr"),
	}, nil
}
