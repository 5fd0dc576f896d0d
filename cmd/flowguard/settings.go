package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/verte-zerg/flowguard/internal/config"
	"github.com/verte-zerg/flowguard/internal/jam"
	"github.com/verte-zerg/flowguard/internal/policy"
	"github.com/verte-zerg/flowguard/internal/sensor"
)

const (
	defaultHandshakeMs    = 5000
	defaultMode           = "both"
	defaultRatioThreshold = 0.25
	defaultHardJamMm      = 5.0
	defaultHardJamTimeMs  = 3000
	defaultSoftJamTimeMs  = 7000
	defaultGraceMs        = 5000
	defaultStartTimeoutMs = 10000
	defaultWindowMs       = 5000
	defaultPollMs         = 2
	defaultLossBehavior   = "ignore"
	defaultStaleMs        = 1000
	defaultPulseReduction = 100.0
)

// settings is everything configurable from flags and the config file.
type settings struct {
	Address     string
	HandshakeMs int

	Mode           string
	RatioThreshold float64
	HardJamMm      float64
	HardJamTimeMs  int
	SoftJamTimeMs  int
	GraceMs        int
	StartTimeoutMs int
	WindowMs       int

	MotionPin    string
	RunoutPin    string
	InvertMotion bool
	InvertRunout bool
	PollMs       int

	Enabled        bool
	PauseOnRunout  bool
	LossBehavior   string
	StaleMs        int
	MmPerPulse     float64
	AutoCalibrate  bool
	SuppressPause  bool
	PulseReduction float64
	Verbose        bool

	MetricsListen string
}

// flagSettings holds the parsed flag values; the config file is laid over a copy.
var flagSettings settings

func addPrinterFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagSettings.Address, "printer", "", "printer address (host or host:port)")
	cmd.Flags().IntVar(&flagSettings.HandshakeMs, "handshake-timeout-ms", defaultHandshakeMs, "websocket handshake timeout in ms")
	cmd.Flags().StringVar(&flagSettings.MotionPin, "motion-pin", "", "motion sensor GPIO number or value file")
	cmd.Flags().StringVar(&flagSettings.RunoutPin, "runout-pin", "", "runout switch GPIO number or value file")
	cmd.Flags().BoolVar(&flagSettings.InvertMotion, "invert-motion", false, "invert the motion sensor level")
	cmd.Flags().BoolVar(&flagSettings.InvertRunout, "invert-runout", false, "invert the runout switch level")
	cmd.Flags().IntVar(&flagSettings.PollMs, "poll-ms", defaultPollMs, "sensor poll interval in ms")
	cmd.Flags().StringVar(&flagSettings.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (e.g. :9464)")
}

func addPolicyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagSettings.Mode, "mode", defaultMode, "detection mode: both, hard or soft")
	f.Float64Var(&flagSettings.RatioThreshold, "ratio-threshold", defaultRatioThreshold, "soft jam pass ratio threshold (0-1]")
	f.Float64Var(&flagSettings.HardJamMm, "hard-jam-mm", defaultHardJamMm, "expected mm with no movement before a hard jam counts")
	f.IntVar(&flagSettings.HardJamTimeMs, "hard-jam-time-ms", defaultHardJamTimeMs, "hard jam duration in ms")
	f.IntVar(&flagSettings.SoftJamTimeMs, "soft-jam-time-ms", defaultSoftJamTimeMs, "soft jam duration in ms")
	f.IntVar(&flagSettings.GraceMs, "grace-ms", defaultGraceMs, "grace period after start or resume in ms")
	f.IntVar(&flagSettings.StartTimeoutMs, "start-timeout-ms", defaultStartTimeoutMs, "no pause this soon after a print starts, in ms")
	f.IntVar(&flagSettings.WindowMs, "window-ms", defaultWindowMs, "flow window length in ms")
	f.BoolVar(&flagSettings.Enabled, "enabled", true, "allow pausing the printer")
	f.BoolVar(&flagSettings.PauseOnRunout, "pause-on-runout", true, "pause when the runout switch trips")
	f.StringVar(&flagSettings.LossBehavior, "loss-behavior", defaultLossBehavior, "on telemetry loss: defer, pause or ignore")
	f.IntVar(&flagSettings.StaleMs, "telemetry-stale-ms", defaultStaleMs, "extrusion telemetry freshness in ms")
	f.Float64Var(&flagSettings.MmPerPulse, "mm-per-pulse", policy.DefaultMmPerPulse, "filament travel per sensor pulse")
	f.BoolVar(&flagSettings.AutoCalibrate, "auto-calibrate", false, "derive mm-per-pulse from the next clean print")
	f.BoolVar(&flagSettings.SuppressPause, "suppress-pause", false, "log pause decisions without pausing")
	f.Float64Var(&flagSettings.PulseReduction, "pulse-reduction", defaultPulseReduction, "percent of pulses counted (testing aid)")
	f.BoolVar(&flagSettings.Verbose, "verbose", false, "log flow details")
}

// loadSettings lays the config file at path over the flags of cmd.
func loadSettings(cmd *cobra.Command, path string) (settings, error) {
	s := flagSettings
	fileCfg, err := config.LoadConfig(path)
	if err != nil {
		return settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	applyStringConfig(cmd, "printer", &s.Address, fileCfg.Printer.Address)
	applyIntConfig(cmd, "handshake-timeout-ms", &s.HandshakeMs, fileCfg.Printer.HandshakeTimeout)

	applyStringConfig(cmd, "mode", &s.Mode, fileCfg.Detection.Mode)
	applyFloatConfig(cmd, "ratio-threshold", &s.RatioThreshold, fileCfg.Detection.RatioThreshold)
	applyFloatConfig(cmd, "hard-jam-mm", &s.HardJamMm, fileCfg.Detection.HardJamMm)
	applyIntConfig(cmd, "hard-jam-time-ms", &s.HardJamTimeMs, fileCfg.Detection.HardJamTimeMs)
	applyIntConfig(cmd, "soft-jam-time-ms", &s.SoftJamTimeMs, fileCfg.Detection.SoftJamTimeMs)
	applyIntConfig(cmd, "grace-ms", &s.GraceMs, fileCfg.Detection.GraceMs)
	applyIntConfig(cmd, "start-timeout-ms", &s.StartTimeoutMs, fileCfg.Detection.StartTimeoutMs)
	applyIntConfig(cmd, "window-ms", &s.WindowMs, fileCfg.Detection.WindowMs)

	applyStringConfig(cmd, "motion-pin", &s.MotionPin, fileCfg.Sensor.MotionPin)
	applyStringConfig(cmd, "runout-pin", &s.RunoutPin, fileCfg.Sensor.RunoutPin)
	applyBoolConfig(cmd, "invert-motion", &s.InvertMotion, fileCfg.Sensor.InvertMotion)
	applyBoolConfig(cmd, "invert-runout", &s.InvertRunout, fileCfg.Sensor.InvertRunout)
	applyIntConfig(cmd, "poll-ms", &s.PollMs, fileCfg.Sensor.PollMs)

	applyBoolConfig(cmd, "enabled", &s.Enabled, fileCfg.Policy.Enabled)
	applyBoolConfig(cmd, "pause-on-runout", &s.PauseOnRunout, fileCfg.Policy.PauseOnRunout)
	applyStringConfig(cmd, "loss-behavior", &s.LossBehavior, fileCfg.Policy.LossBehavior)
	applyIntConfig(cmd, "telemetry-stale-ms", &s.StaleMs, fileCfg.Policy.TelemetryStaleMs)
	applyFloatConfig(cmd, "mm-per-pulse", &s.MmPerPulse, fileCfg.Policy.MmPerPulse)
	applyBoolConfig(cmd, "auto-calibrate", &s.AutoCalibrate, fileCfg.Policy.AutoCalibrate)
	applyBoolConfig(cmd, "suppress-pause", &s.SuppressPause, fileCfg.Policy.SuppressPause)
	applyFloatConfig(cmd, "pulse-reduction", &s.PulseReduction, fileCfg.Policy.PulseReduction)
	applyBoolConfig(cmd, "verbose", &s.Verbose, fileCfg.Policy.Verbose)

	applyStringConfig(cmd, "metrics-listen", &s.MetricsListen, fileCfg.Metrics.Listen)

	if err := validateSettings(s); err != nil {
		return settings{}, err
	}
	return s, nil
}

// applyStringConfig and friends copy a config value unless the flag was set explicitly.
// Flags a command does not define count as unset.
func applyStringConfig(cmd *cobra.Command, name string, target, value *string) {
	if value == nil || flagChanged(cmd, name) {
		return
	}
	*target = *value
}

func applyIntConfig(cmd *cobra.Command, name string, target, value *int) {
	if value == nil || flagChanged(cmd, name) {
		return
	}
	*target = *value
}

func applyFloatConfig(cmd *cobra.Command, name string, target, value *float64) {
	if value == nil || flagChanged(cmd, name) {
		return
	}
	*target = *value
}

func applyBoolConfig(cmd *cobra.Command, name string, target, value *bool) {
	if value == nil || flagChanged(cmd, name) {
		return
	}
	*target = *value
}

func flagChanged(cmd *cobra.Command, name string) bool {
	return cmd != nil && cmd.Flags().Lookup(name) != nil && cmd.Flags().Changed(name)
}

func validateSettings(s settings) error {
	if _, err := jam.ParseMode(s.Mode); err != nil {
		return fmt.Errorf("--mode: %w", err)
	}
	if _, err := policy.ParseLossBehavior(s.LossBehavior); err != nil {
		return fmt.Errorf("--loss-behavior: %w", err)
	}
	if s.RatioThreshold <= 0 || s.RatioThreshold > 1 {
		return fmt.Errorf("--ratio-threshold must be in (0, 1]")
	}
	if s.HardJamMm <= 0 {
		return fmt.Errorf("--hard-jam-mm must be > 0")
	}
	if s.HardJamTimeMs <= 0 {
		return fmt.Errorf("--hard-jam-time-ms must be > 0")
	}
	if s.SoftJamTimeMs <= 0 {
		return fmt.Errorf("--soft-jam-time-ms must be > 0")
	}
	if s.GraceMs < 0 {
		return fmt.Errorf("--grace-ms must be >= 0")
	}
	if s.StartTimeoutMs < 0 {
		return fmt.Errorf("--start-timeout-ms must be >= 0")
	}
	if s.WindowMs <= 0 {
		return fmt.Errorf("--window-ms must be > 0")
	}
	if s.PollMs <= 0 {
		return fmt.Errorf("--poll-ms must be > 0")
	}
	if s.HandshakeMs <= 0 {
		return fmt.Errorf("--handshake-timeout-ms must be > 0")
	}
	if s.StaleMs <= 0 {
		return fmt.Errorf("--telemetry-stale-ms must be > 0")
	}
	if s.MmPerPulse <= 0 {
		return fmt.Errorf("--mm-per-pulse must be > 0")
	}
	if s.PulseReduction <= 0 || s.PulseReduction > 100 {
		return fmt.Errorf("--pulse-reduction must be in (0, 100]")
	}
	if strings.TrimSpace(s.RunoutPin) != "" && strings.TrimSpace(s.MotionPin) == "" {
		return fmt.Errorf("--runout-pin requires --motion-pin")
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// policyConfig converts validated settings.
func (s settings) policyConfig() policy.Config {
	mode, _ := jam.ParseMode(s.Mode)
	loss, _ := policy.ParseLossBehavior(s.LossBehavior)
	cfg := policy.DefaultConfig()
	cfg.Enabled = s.Enabled
	cfg.Jam = jam.Config{
		RatioThreshold:    s.RatioThreshold,
		HardJamDistanceMm: s.HardJamMm,
		SoftJamTime:       ms(s.SoftJamTimeMs),
		HardJamTime:       ms(s.HardJamTimeMs),
		GraceTime:         ms(s.GraceMs),
		StartTimeout:      ms(s.StartTimeoutMs),
		Mode:              mode,
	}
	cfg.WindowSize = ms(s.WindowMs)
	cfg.MmPerPulse = s.MmPerPulse
	cfg.PauseOnRunout = s.PauseOnRunout
	cfg.LossBehavior = loss
	cfg.AutoCalibrate = s.AutoCalibrate
	cfg.SuppressPause = s.SuppressPause
	cfg.PulseReductionPct = s.PulseReduction
	cfg.TelemetryStale = ms(s.StaleMs)
	cfg.Verbose = s.Verbose
	return cfg
}

func (s settings) sensorConfig() sensor.Config {
	cfg := sensor.Config{
		Motion:       sensor.Pin{Path: sensor.PinPath(s.MotionPin), Invert: s.InvertMotion},
		PollInterval: ms(s.PollMs),
	}
	if strings.TrimSpace(s.RunoutPin) != "" {
		cfg.Runout = sensor.Pin{Path: sensor.PinPath(s.RunoutPin), Invert: s.InvertRunout}
	}
	return cfg
}

func defaultConfigTemplate() string {
	return fmt.Sprintf(`# flowguard configuration
# Uncomment a value to enable it. CLI flags override config values.
# [detection], [policy] and the printer address apply while running; the rest on restart.

[printer]
# address = "192.168.1.50"          # Printer host (find it with: flowguard discover)
# handshake-timeout-ms = %d

[detection]
# mode = %q                     # both, hard or soft
# ratio-threshold = %.2f            # Soft jam when sensed/expected stays below this
# hard-jam-mm = %.1f                 # Expected mm with no movement before a hard jam counts
# hard-jam-time-ms = %d
# soft-jam-time-ms = %d
# grace-ms = %d                   # Grace after print start or resume
# start-timeout-ms = %d          # No pause this soon after a print starts
# window-ms = %d                  # Flow window length

[sensor]
# motion-pin = "17"                  # GPIO number or path to a value file
# runout-pin = "27"
# invert-motion = false
# invert-runout = false
# poll-ms = %d

[policy]
# enabled = true
# pause-on-runout = true
# loss-behavior = %q             # defer, pause or ignore
# telemetry-stale-ms = %d
# mm-per-pulse = %.2f               # Overridden by a saved calibration unless set as a flag
# auto-calibrate = false
# suppress-pause = false
# pulse-reduction = %.0f             # Percent of pulses counted (testing aid)
# verbose = false

[metrics]
# listen = ":9464"                   # Serve Prometheus metrics at /metrics
`,
		defaultHandshakeMs,
		defaultMode,
		defaultRatioThreshold,
		defaultHardJamMm,
		defaultHardJamTimeMs,
		defaultSoftJamTimeMs,
		defaultGraceMs,
		defaultStartTimeoutMs,
		defaultWindowMs,
		defaultPollMs,
		defaultLossBehavior,
		defaultStaleMs,
		policy.DefaultMmPerPulse,
		defaultPulseReduction,
	)
}
