// Package config provides configuration helpers and TOML parsing.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file.
type FileConfig struct {
	Printer   PrinterConfig   `toml:"printer"`
	Detection DetectionConfig `toml:"detection"`
	Sensor    SensorConfig    `toml:"sensor"`
	Policy    PolicyConfig    `toml:"policy"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// PrinterConfig maps the printer link settings. Changes apply on restart.
type PrinterConfig struct {
	Address          *string `toml:"address"`
	HandshakeTimeout *int    `toml:"handshake-timeout-ms"`
}

// DetectionConfig maps jam detector settings.
type DetectionConfig struct {
	Mode           *string  `toml:"mode"`
	RatioThreshold *float64 `toml:"ratio-threshold"`
	HardJamMm      *float64 `toml:"hard-jam-mm"`
	HardJamTimeMs  *int     `toml:"hard-jam-time-ms"`
	SoftJamTimeMs  *int     `toml:"soft-jam-time-ms"`
	GraceMs        *int     `toml:"grace-ms"`
	StartTimeoutMs *int     `toml:"start-timeout-ms"`
	WindowMs       *int     `toml:"window-ms"`
}

// SensorConfig maps the GPIO inputs. Changes apply on restart.
type SensorConfig struct {
	MotionPin    *string `toml:"motion-pin"`
	RunoutPin    *string `toml:"runout-pin"`
	InvertMotion *bool   `toml:"invert-motion"`
	InvertRunout *bool   `toml:"invert-runout"`
	PollMs       *int    `toml:"poll-ms"`
}

// PolicyConfig maps pause policy settings.
type PolicyConfig struct {
	Enabled          *bool    `toml:"enabled"`
	PauseOnRunout    *bool    `toml:"pause-on-runout"`
	LossBehavior     *string  `toml:"loss-behavior"`
	TelemetryStaleMs *int     `toml:"telemetry-stale-ms"`
	MmPerPulse       *float64 `toml:"mm-per-pulse"`
	AutoCalibrate    *bool    `toml:"auto-calibrate"`
	SuppressPause    *bool    `toml:"suppress-pause"`
	PulseReduction   *float64 `toml:"pulse-reduction"`
	Verbose          *bool    `toml:"verbose"`
}

// MetricsConfig maps the Prometheus endpoint.
type MetricsConfig struct {
	Listen *string `toml:"listen"`
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
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return FileConfig{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}
