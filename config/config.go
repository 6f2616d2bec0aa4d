// Package config loads the turnout daemon's TOML configuration file, in the same
// BurntSushi/toml + flat-struct style the radio gateway used for its own config.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration.
type Config struct {
	Debug   bool
	Serial  SerialConfig
	Address AddressConfig
	Servo   ServoConfig
	Mqtt    MqttConfig
}

// SerialConfig names the tty the bus engine should open.
type SerialConfig struct {
	Device string
}

// AddressConfig selects how the unit's 7-bit bus address is obtained: either read live
// from a DIP-switch GPIO bank, or pinned to a fixed value (handy for bench testing
// without the switch wired up).
type AddressConfig struct {
	Pins  [8]string `toml:"pins"`
	Fixed *byte     `toml:"fixed"`
}

// ServoConfig names the eight GPIO output pins the servo engine bit-bangs, one per
// turnout slot. Left empty, the daemon runs with no physical servo output (e.g. a
// bench setup that only exercises the bus and telemetry).
type ServoConfig struct {
	Pins [8]string `toml:"pins"`
}

// MqttConfig configures the optional telemetry bridge. Host empty disables telemetry
// entirely.
type MqttConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Prefix   string
}

// Load reads and parses the TOML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
