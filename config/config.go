// Package config loads and validates the FleetStream application
// configuration: a JSON file layered with environment variable
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/telematics/asset"
	"github.com/c360/fleetstream/telematics/service"
	"github.com/c360/fleetstream/transport/mqtt"
)

// DefaultEnvPrefix is the prefix for environment overrides, e.g.
// FLEETSTREAM_MQTT_BROKER_URL.
const DefaultEnvPrefix = "FLEETSTREAM"

// LogConfig controls structured log output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
	// Format is json or text.
	Format string `json:"format"`
}

// Config is the complete application configuration.
type Config struct {
	Service service.Config        `json:"service"`
	MQTT    mqtt.HandlerConfig    `json:"mqtt"`
	Events  asset.PublisherConfig `json:"events"`
	// EventsEnabled toggles the NATS event publisher; disabled runs with
	// a no-op publisher.
	EventsEnabled bool      `json:"eventsEnabled"`
	Log           LogConfig `json:"log"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Service:       service.DefaultConfig(),
		MQTT:          mqtt.DefaultHandlerConfig(),
		Events:        asset.DefaultPublisherConfig(),
		EventsEnabled: true,
		Log:           LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Service.Validate(); err != nil {
		return err
	}
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if c.EventsEnabled {
		if err := c.Events.Validate(); err != nil {
			return err
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: log level %q", errors.ErrInvalidConfig, c.Log.Level),
			"Config", "Validate", "log level check")
	}
	return nil
}

// Loader reads configuration from disk and the environment.
type Loader struct {
	envPrefix string
}

// NewLoader creates a loader with the given env prefix; empty uses the
// default.
func NewLoader(envPrefix string) *Loader {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	return &Loader{envPrefix: envPrefix}
}

// Load reads the JSON config at path, layers environment overrides on
// top, and validates the result. An empty path yields defaults plus
// overrides.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "Loader", "Load", "config file read")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "config file parse")
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over the loaded file.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_MQTT_BROKER_URL"); val != "" {
		cfg.MQTT.BrokerURL = val
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_CLIENT_ID"); val != "" {
		cfg.MQTT.ClientID = val
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_USERNAME"); val != "" {
		cfg.MQTT.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_PASSWORD"); val != "" {
		cfg.MQTT.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URL"); val != "" {
		cfg.Events.URL = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Log.Level = strings.ToLower(val)
	}
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "config serialization")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "config file write")
	}
	return nil
}
