// Package jam classifies windowed flow metrics into jam verdicts.
package jam

import (
	"fmt"
	"strings"
	"time"
)

// GraceState is the detector's lifecycle label.
type GraceState int

// Grace states.
const (
	GraceIdle GraceState = iota
	GraceStart
	GraceResume
	GraceActive
	GraceJammed
)

func (g GraceState) String() string {
	switch g {
	case GraceIdle:
		return "idle"
	case GraceStart:
		return "start-grace"
	case GraceResume:
		return "resume-grace"
	case GraceActive:
		return "active"
	case GraceJammed:
		return "jammed"
	default:
		return fmt.Sprintf("grace(%d)", int(g))
	}
}

// TripCode classifies which condition caused a jam trigger.
type TripCode int

// Trip codes.
const (
	TripNone TripCode = iota
	TripHardZeroFlow
	TripHardRateRatio
	TripSoftUnderExtrusion
	TripLowSpeedAnomaly
)

func (c TripCode) String() string {
	switch c {
	case TripNone:
		return "none"
	case TripHardZeroFlow:
		return "hard-zero-flow"
	case TripHardRateRatio:
		return "hard-rate-ratio"
	case TripSoftUnderExtrusion:
		return "soft-under-extrusion"
	case TripLowSpeedAnomaly:
		return "low-speed-anomaly"
	default:
		return fmt.Sprintf("trip(%d)", int(c))
	}
}

// Mode selects which detection channels are enabled.
type Mode int

// Detection modes.
const (
	ModeBoth Mode = iota
	ModeHardOnly
	ModeSoftOnly
)

func (m Mode) String() string {
	switch m {
	case ModeHardOnly:
		return "hard"
	case ModeSoftOnly:
		return "soft"
	default:
		return "both"
	}
}

// ParseMode accepts "both", "hard" or "soft".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return ModeBoth, nil
	case "hard", "hard-only":
		return ModeHardOnly, nil
	case "soft", "soft-only":
		return ModeSoftOnly, nil
	default:
		return ModeBoth, fmt.Errorf("unknown detection mode %q (want both, hard or soft)", s)
	}
}

// Config holds detection thresholds.
type Config struct {
	RatioThreshold    float64
	HardJamDistanceMm float64
	SoftJamTime       time.Duration
	HardJamTime       time.Duration
	GraceTime         time.Duration
	StartTimeout      time.Duration
	Mode              Mode
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		RatioThreshold:    0.25,
		HardJamDistanceMm: 5.0,
		SoftJamTime:       7 * time.Second,
		HardJamTime:       3 * time.Second,
		GraceTime:         5 * time.Second,
		StartTimeout:      10 * time.Second,
		Mode:              ModeBoth,
	}
}

// Normalize replaces out-of-range values with safe fallbacks.
func (c Config) Normalize() Config {
	if c.RatioThreshold <= 0 || c.RatioThreshold > 1 {
		c.RatioThreshold = 0.70
	}
	if c.HardJamDistanceMm <= 0 {
		c.HardJamDistanceMm = 5.0
	}
	if c.SoftJamTime <= 0 {
		c.SoftJamTime = 3 * time.Second
	}
	if c.HardJamTime <= 0 {
		c.HardJamTime = 2 * time.Second
	}
	if c.GraceTime < 0 {
		c.GraceTime = 0
	}
	if c.StartTimeout < 0 {
		c.StartTimeout = 0
	}
	return c
}

// State is a read-only snapshot of the detector.
type State struct {
	Jammed           bool
	HardJamTriggered bool
	SoftJamTriggered bool
	HardJamPercent   float64
	SoftJamPercent   float64
	PassRatio        float64
	Deficit          float64
	ExpectedRate     float64
	ActualRate       float64
	GraceState       GraceState
	GraceActive      bool
	TripCode         TripCode
	// SmoothedDeficitRatio is an EWMA of deficit/expected for display only.
	SmoothedDeficitRatio float64
}

// Cause names the triggered channels, e.g. "hard+soft".
func (s State) Cause() string {
	switch {
	case s.HardJamTriggered && s.SoftJamTriggered:
		return "hard+soft"
	case s.HardJamTriggered:
		return "hard"
	case s.SoftJamTriggered:
		return "soft"
	default:
		return "none"
	}
}

// Input carries one evaluation's measurements.
type Input struct {
	ExpectedMm   float64
	ActualMm     float64
	PulseCount   uint64
	Printing     bool
	HasTelemetry bool
	Now          time.Time
	PrintStart   time.Time
	Config       Config
	ExpectedRate float64
	ActualRate   float64
}
