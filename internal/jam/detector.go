package jam

import (
	"math"
	"time"
)

const (
	minExpectedRate   = 0.4  // mm/s; below this the printer is not really extruding
	maxActualRate     = 0.05 // mm/s; sensor considered stopped
	hardPassRatio     = 0.10
	hardRecoveryRatio = 0.75
	softRecoveryScale = 0.85
	minHardWindowMm   = 1.0
	minSoftWindowMm   = 1.0
	minSoftDeficitMm  = 0.25
	lowSpeedRate      = 1.0 // mm/s

	resumeMinPulses    = 5
	resumeMinExpected  = 15.0
	resumeMinDuration  = 6 * time.Second
	minEvalInterval    = time.Millisecond
	maxEvalInterval    = time.Second
	deficitSmoothAlpha = 0.08
)

// Detector runs the grace and hysteresis state machine. It is not safe for concurrent use.
type Detector struct {
	state State

	hardAccum time.Duration
	softAccum time.Duration
	lastEval  time.Time

	lastPulseCount       uint64
	resumePulseBaseline  uint64
	resumeActualBaseline float64
	resumeStart          time.Time

	pauseRequested bool
}

// NewDetector returns a detector in the idle state.
func NewDetector() *Detector {
	return &Detector{state: State{PassRatio: 1}}
}

// State returns the latest snapshot.
func (d *Detector) State() State {
	return d.state
}

// Reset clears accumulators and enters start grace.
func (d *Detector) Reset(now time.Time) {
	d.state = State{
		PassRatio:   1,
		GraceState:  GraceStart,
		GraceActive: true,
	}
	d.hardAccum = 0
	d.softAccum = 0
	d.lastEval = now
	d.lastPulseCount = 0
	d.resumePulseBaseline = 0
	d.resumeActualBaseline = 0
	d.resumeStart = time.Time{}
	d.pauseRequested = false
}

// OnResume enters resume grace using the given pulse and distance baselines.
func (d *Detector) OnResume(now time.Time, pulseBaseline uint64, actualBaselineMm float64) {
	d.state.GraceState = GraceResume
	d.state.GraceActive = true
	d.clearDetection()
	d.resumePulseBaseline = pulseBaseline
	d.resumeActualBaseline = actualBaselineMm
	d.resumeStart = now
	d.lastPulseCount = pulseBaseline
	d.lastEval = now
	d.pauseRequested = false
}

// PauseRequested reports whether a pause is in flight for the current jam episode.
func (d *Detector) PauseRequested() bool {
	return d.pauseRequested
}

// SetPauseRequested latches the in-flight pause.
func (d *Detector) SetPauseRequested() {
	d.pauseRequested = true
}

// ClearPauseRequest releases the latch.
func (d *Detector) ClearPauseRequest() {
	d.pauseRequested = false
}

// Update evaluates one tick and returns the new snapshot.
func (d *Detector) Update(in Input) State {
	newPulse := in.PulseCount > d.lastPulseCount
	d.lastPulseCount = in.PulseCount

	if !in.Printing || !in.HasTelemetry {
		d.state.GraceState = GraceIdle
		d.state.GraceActive = false
		d.clearDetection()
		d.state.ExpectedRate = 0
		d.state.ActualRate = 0
		d.lastEval = in.Now
		return d.state
	}

	elapsed := in.Now.Sub(d.lastEval)
	if elapsed < minEvalInterval {
		elapsed = minEvalInterval
	}
	if elapsed > maxEvalInterval {
		elapsed = maxEvalInterval
	}
	d.lastEval = in.Now

	cfg := in.Config.Normalize()
	expected := in.ExpectedMm
	deficit := math.Max(0, expected-in.ActualMm)
	passRatio := 1.0
	if expected > 0 {
		passRatio = math.Max(0, in.ActualMm/expected)
	}

	d.state.Deficit = deficit
	d.state.PassRatio = passRatio
	d.state.ExpectedRate = in.ExpectedRate
	d.state.ActualRate = in.ActualRate
	d.smoothDeficit(expected, deficit)

	if d.state.GraceState == GraceIdle {
		d.state.GraceState = GraceStart
	}
	if d.inGrace(in.Now, in.PrintStart, expected, in.PulseCount, cfg) {
		d.state.GraceActive = true
		d.clearDetection()
		return d.state
	}
	d.state.GraceActive = false

	wasJammed := d.state.Jammed
	hard := d.evaluateHard(expected, passRatio, in.ExpectedRate, in.ActualRate, newPulse, elapsed, cfg)
	soft := d.evaluateSoft(expected, deficit, passRatio, newPulse, elapsed, cfg)

	switch cfg.Mode {
	case ModeHardOnly:
		d.softAccum = 0
		d.state.SoftJamPercent = 0
		soft = false
	case ModeSoftOnly:
		d.hardAccum = 0
		d.state.HardJamPercent = 0
		hard = false
	}

	d.state.HardJamTriggered = hard
	d.state.SoftJamTriggered = soft
	d.state.Jammed = hard || soft
	if d.state.Jammed && !wasJammed {
		d.state.TripCode = classify(hard, in.ActualMm, in.ExpectedRate)
	}
	if d.state.Jammed && d.state.GraceState == GraceActive {
		d.state.GraceState = GraceJammed
	}
	return d.state
}

func (d *Detector) inGrace(now, printStart time.Time, expected float64, pulses uint64, cfg Config) bool {
	switch d.state.GraceState {
	case GraceStart:
		since := now.Sub(printStart)
		if since < cfg.StartTimeout || since < cfg.GraceTime {
			return true
		}
		d.state.GraceState = GraceActive
		return false
	case GraceResume:
		enoughPulses := pulses >= d.resumePulseBaseline+resumeMinPulses
		enoughFlow := expected >= resumeMinExpected && now.Sub(d.resumeStart) >= resumeMinDuration
		if enoughPulses || enoughFlow {
			d.state.GraceState = GraceActive
			return false
		}
		return true
	default:
		return false
	}
}

func (d *Detector) evaluateHard(expected, passRatio, expectedRate, actualRate float64, newPulse bool, elapsed time.Duration, cfg Config) bool {
	floor := math.Max(cfg.HardJamDistanceMm, minHardWindowMm)
	condition := expected >= floor &&
		actualRate < maxActualRate &&
		expectedRate >= minExpectedRate &&
		passRatio < hardPassRatio

	switch {
	case newPulse:
		d.hardAccum = 0
	case condition:
		d.hardAccum += elapsed
		if d.hardAccum > cfg.HardJamTime {
			d.hardAccum = cfg.HardJamTime
		}
	case passRatio >= hardRecoveryRatio || expected < floor/2:
		d.hardAccum = 0
	}
	d.state.HardJamPercent = percent(d.hardAccum, cfg.HardJamTime)
	return d.hardAccum >= cfg.HardJamTime
}

func (d *Detector) evaluateSoft(expected, deficit, passRatio float64, newPulse bool, elapsed time.Duration, cfg Config) bool {
	condition := expected >= minSoftWindowMm &&
		deficit >= minSoftDeficitMm &&
		passRatio < cfg.RatioThreshold

	switch {
	case condition:
		d.softAccum += elapsed
		if d.softAccum > cfg.SoftJamTime {
			d.softAccum = cfg.SoftJamTime
		}
	case passRatio >= softRecoveryScale*cfg.RatioThreshold || newPulse:
		d.softAccum = 0
	}
	d.state.SoftJamPercent = percent(d.softAccum, cfg.SoftJamTime)
	return d.softAccum >= cfg.SoftJamTime
}

func (d *Detector) clearDetection() {
	d.hardAccum = 0
	d.softAccum = 0
	d.state.HardJamPercent = 0
	d.state.SoftJamPercent = 0
	d.state.HardJamTriggered = false
	d.state.SoftJamTriggered = false
	d.state.Jammed = false
	d.state.TripCode = TripNone
}

func (d *Detector) smoothDeficit(expected, deficit float64) {
	ratio := 0.0
	if expected > 1 {
		ratio = deficit / expected
	}
	d.state.SmoothedDeficitRatio = deficitSmoothAlpha*ratio + (1-deficitSmoothAlpha)*d.state.SmoothedDeficitRatio
}

func classify(hard bool, actualMm, expectedRate float64) TripCode {
	switch {
	case expectedRate < lowSpeedRate:
		return TripLowSpeedAnomaly
	case hard && actualMm <= 0.01:
		return TripHardZeroFlow
	case hard:
		return TripHardRateRatio
	default:
		return TripSoftUnderExtrusion
	}
}

func percent(accum, limit time.Duration) float64 {
	if limit <= 0 {
		return 0
	}
	return 100 * float64(accum) / float64(limit)
}
