// Package config provides configuration helpers and TOML parsing.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file.
type FileConfig struct {
	Stream     StreamConfig     `toml:"stream"`
	Thresholds ThresholdsConfig `toml:"thresholds"`
	Capture    CaptureConfig    `toml:"capture"`
}

// StreamConfig maps acquisition settings.
type StreamConfig struct {
	Device         *string `toml:"device"`
	Window         *int    `toml:"window"`
	Queue          *int    `toml:"queue"`
	ReconnectMax   *int    `toml:"reconnect-max"`
	ReconnectDelay *string `toml:"reconnect-delay"`
}

// ThresholdsConfig maps the significance tier cutoffs.
type ThresholdsConfig struct {
	Tier95  *float64 `toml:"tier95"`
	Tier99  *float64 `toml:"tier99"`
	Tier999 *float64 `toml:"tier999"`
}

// CaptureConfig maps capture output settings.
type CaptureConfig struct {
	Dir     *string `toml:"dir"`
	Enabled *bool   `toml:"enabled"`
}

// LoadConfig reads a TOML config from the given path. Missing file is not an error.
func LoadConfig(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	var cfg FileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
