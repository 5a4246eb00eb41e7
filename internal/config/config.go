// Package config loads daemon and agent configuration from an optional
// YAML file with environment overrides on top, so containers can tweak
// single values without shipping a file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Addr is the daemon listen address.
	Addr string `yaml:"addr"`
	// AuthToken protects the HTTP and websocket surface when set.
	AuthToken string `yaml:"authToken"`
	// StateDSN selects the state backend: memory://, file://path,
	// bolt://path, postgres://…, redis://….
	StateDSN string `yaml:"stateDsn"`

	MaxSnapshotBytes  int           `yaml:"maxSnapshotBytes"`
	ValidationRetries int           `yaml:"validationRetries"`
	RateLimitMax      int           `yaml:"rateLimitMax"`
	RateLimitWindow   time.Duration `yaml:"rateLimitWindow"`
	MaxBodyBytes      int64         `yaml:"maxBodyBytes"`

	// Agent-side knobs.
	ServerURL         string        `yaml:"serverUrl"`
	ContextID         string        `yaml:"contextId"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	FailureThreshold  int           `yaml:"failureThreshold"`
	ReconnectMinDelay time.Duration `yaml:"reconnectMinDelay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnectMaxDelay"`
	MutationTimeout   time.Duration `yaml:"mutationTimeout"`
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() Config {
	return Config{
		Addr:      ":8080",
		StateDSN:  "memory://",
		ServerURL: "http://127.0.0.1:8080",
	}
}

// Load reads the YAML file at path (when non-empty) over the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	strEnv("TABSYNC_ADDR", &c.Addr)
	strEnv("TABSYNC_AUTH_TOKEN", &c.AuthToken)
	strEnv("TABSYNC_STATE_DSN", &c.StateDSN)
	strEnv("TABSYNC_SERVER_URL", &c.ServerURL)
	strEnv("TABSYNC_CONTEXT_ID", &c.ContextID)
	c.MaxSnapshotBytes = intEnv("TABSYNC_MAX_SNAPSHOT_BYTES", c.MaxSnapshotBytes)
	c.ValidationRetries = intEnv("TABSYNC_VALIDATION_RETRIES", c.ValidationRetries)
	c.RateLimitMax = intEnv("TABSYNC_RATE_LIMIT_MAX", c.RateLimitMax)
	c.RateLimitWindow = durationEnv("TABSYNC_RATE_LIMIT_WINDOW", c.RateLimitWindow)
	c.MaxBodyBytes = int64Env("TABSYNC_MAX_BODY_BYTES", c.MaxBodyBytes)
	c.HeartbeatInterval = durationEnv("TABSYNC_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.HeartbeatTimeout = durationEnv("TABSYNC_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.FailureThreshold = intEnv("TABSYNC_FAILURE_THRESHOLD", c.FailureThreshold)
	c.ReconnectMinDelay = durationEnv("TABSYNC_RECONNECT_MIN_DELAY", c.ReconnectMinDelay)
	c.ReconnectMaxDelay = durationEnv("TABSYNC_RECONNECT_MAX_DELAY", c.ReconnectMaxDelay)
	c.MutationTimeout = durationEnv("TABSYNC_MUTATION_TIMEOUT", c.MutationTimeout)
}

func strEnv(name string, target *string) {
	if raw := os.Getenv(name); raw != "" {
		*target = raw
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}
