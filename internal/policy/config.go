// Package policy owns the print session: pulse gating, tracking freeze, auto-calibration
// and the pause decision.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/verte-zerg/flowguard/internal/flow"
	"github.com/verte-zerg/flowguard/internal/jam"
	"github.com/verte-zerg/flowguard/internal/model"
)

const (
	// DefaultMmPerPulse is the motion sensor's nominal travel per pulse.
	DefaultMmPerPulse = 2.88
	// DefaultTelemetryStale is how long an extrusion value stays fresh.
	DefaultTelemetryStale = time.Second

	telemetryLossTimeout = 10 * time.Second
	pauseRearmDelay      = 3 * time.Second
	jamEvalInterval      = 250 * time.Millisecond
)

// LossBehavior decides what a telemetry outage means for the pause decision.
type LossBehavior int

// Telemetry loss behaviors.
const (
	LossDefer LossBehavior = iota
	LossPause
	LossIgnore
)

func (b LossBehavior) String() string {
	switch b {
	case LossPause:
		return "pause"
	case LossIgnore:
		return "ignore"
	default:
		return "defer"
	}
}

// ParseLossBehavior accepts "defer", "pause" or "ignore".
func ParseLossBehavior(s string) (LossBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "defer":
		return LossDefer, nil
	case "pause":
		return LossPause, nil
	case "", "ignore":
		return LossIgnore, nil
	default:
		return LossIgnore, fmt.Errorf("unknown telemetry loss behavior %q (want defer, pause or ignore)", s)
	}
}

// Config is the policy snapshot read at the start of every tick.
type Config struct {
	Enabled           bool
	Jam               jam.Config
	WindowSize        time.Duration
	MmPerPulse        float64
	PauseOnRunout     bool
	LossBehavior      LossBehavior
	AutoCalibrate     bool
	SuppressPause     bool
	PulseReductionPct float64
	TelemetryStale    time.Duration
	Verbose           bool
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Jam:               jam.DefaultConfig(),
		WindowSize:        flow.DefaultWindowSize,
		MmPerPulse:        DefaultMmPerPulse,
		PauseOnRunout:     true,
		LossBehavior:      LossIgnore,
		PulseReductionPct: 100,
		TelemetryStale:    DefaultTelemetryStale,
	}
}

func (c Config) mmPerPulse() float64 {
	if c.MmPerPulse <= 0 {
		return DefaultMmPerPulse
	}
	return c.MmPerPulse
}

func (c Config) telemetryStale() time.Duration {
	if c.TelemetryStale <= 0 {
		return DefaultTelemetryStale
	}
	return c.TelemetryStale
}

// Logger receives human-readable session log lines.
type Logger interface {
	Logf(format string, args ...any)
}

// CalibrationSink persists an accepted auto-calibration.
type CalibrationSink interface {
	SaveCalibration(mmPerPulse float64) error
}

// Recorder receives session events and finished print summaries.
type Recorder interface {
	RecordEvent(model.Event)
	RecordPrint(model.PrintRecord)
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...any) {}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(model.Event)       {}
func (nopRecorder) RecordPrint(model.PrintRecord) {}
