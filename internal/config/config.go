// Package config loads the environment knobs the control plane requires
// and applies defaults for everything else.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds process-wide settings resolved once at startup and passed
// explicitly through the processor/worker call chain.
type Config struct {
	// InfluxURL is the base URL of the time-series store (INFLUXDB_URL).
	InfluxURL string
	// InfluxDatabase is the logical database name (INFLUXDB_DATABASE).
	InfluxDatabase string
	// SecretKey authenticates cron and command requests
	// (SERVER_ACTION_SECRET_KEY).
	SecretKey string

	RedisHost     string
	RedisPort     int
	RedisPassword string

	// HTTPAddr is the control plane listen address (ATRIUM_HTTP_ADDR).
	HTTPAddr string
	// RosterPath points at the equipment roster document
	// (ATRIUM_ROSTER_PATH).
	RosterPath string

	WorkerConcurrency int
}

// DefaultConfig returns a Config with every optional knob at its default.
func DefaultConfig() *Config {
	return &Config{
		InfluxURL:         "http://localhost:8086",
		InfluxDatabase:    "atrium",
		RedisHost:         "localhost",
		RedisPort:         6379,
		HTTPAddr:          ":8080",
		RosterPath:        "roster.yaml",
		WorkerConcurrency: DefaultWorkerConcurrency,
	}
}

// FromEnv builds a Config from the environment, falling back to defaults
// per knob. SERVER_ACTION_SECRET_KEY is required outside of tests; callers
// decide whether an empty key is fatal.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.InfluxURL = v
	}
	if v := os.Getenv("INFLUXDB_DATABASE"); v != "" {
		cfg.InfluxDatabase = v
	}
	cfg.SecretKey = os.Getenv("SERVER_ACTION_SECRET_KEY")

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.RedisHost = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid REDIS_PORT %q", v)
		}
		cfg.RedisPort = port
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if v := os.Getenv("ATRIUM_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("ATRIUM_ROSTER_PATH"); v != "" {
		cfg.RosterPath = v
	}
	if v := os.Getenv("ATRIUM_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid ATRIUM_WORKER_CONCURRENCY %q", v)
		}
		cfg.WorkerConcurrency = n
	}

	return cfg, nil
}

// RedisAddr returns the host:port dial address for the state store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
