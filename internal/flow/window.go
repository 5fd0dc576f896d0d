// Package flow tracks expected and sensed filament movement over a sliding time window.
package flow

import (
	"time"

	"github.com/verte-zerg/flowguard/internal/ring"
)

const (
	// MaxSamples bounds the number of samples kept in the window.
	MaxSamples = 20
	// DefaultWindowSize is the trailing window used when none is configured.
	DefaultWindowSize = 5 * time.Second

	noiseThresholdMm = 0.01
	minRateDuration  = 100 * time.Millisecond
	maxFlowRatio     = 1.5
)

// Sample is one expected-extrusion delta plus the sensor movement attached to it.
type Sample struct {
	Timestamp  time.Time
	Duration   time.Duration
	ExpectedMm float64
	ActualMm   float64
}

// Window reconciles printer extrusion telemetry with sensor pulses.
// It is not safe for concurrent use.
type Window struct {
	now        func() time.Time
	windowSize time.Duration
	samples    *ring.Buffer[Sample]

	initialized        bool
	firstPulseReceived bool
	lastTotalMm        float64
	lastExpectedUpdate time.Time
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// WithWindowSize sets the trailing window length.
func WithWindowSize(d time.Duration) Option {
	return func(w *Window) {
		w.SetWindowSize(d)
	}
}

// NewWindow creates an empty window anchored at the current time.
func NewWindow(opts ...Option) *Window {
	w := &Window{
		now:        time.Now,
		windowSize: DefaultWindowSize,
		samples:    ring.New[Sample](MaxSamples),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.Reset()
	return w
}

// SetWindowSize changes the trailing window length. Non-positive values restore the default.
func (w *Window) SetWindowSize(d time.Duration) {
	if d <= 0 {
		d = DefaultWindowSize
	}
	w.windowSize = d
}

// Reset clears all samples and flags and re-anchors the grace timer.
func (w *Window) Reset() {
	w.samples.Clear()
	w.initialized = false
	w.firstPulseReceived = false
	w.lastTotalMm = 0
	w.lastExpectedUpdate = w.now()
}

// Initialized reports whether a telemetry baseline has been established.
func (w *Window) Initialized() bool {
	return w.initialized
}

// Tracking reports whether the first sensor pulse has been seen since the last reset.
func (w *Window) Tracking() bool {
	return w.firstPulseReceived
}

// UpdateExpectedPosition ingests the printer's cumulative extrusion total.
func (w *Window) UpdateExpectedPosition(totalMm float64) {
	if !w.initialized {
		w.lastTotalMm = totalMm
		w.initialized = true
		return
	}
	delta := totalMm - w.lastTotalMm
	if delta < 0 {
		// Retraction: drop history, keep the grace anchor.
		w.lastTotalMm = totalMm
		w.samples.Clear()
		return
	}
	if delta <= noiseThresholdMm {
		return
	}
	w.lastTotalMm = totalMm
	if !w.firstPulseReceived {
		// Priming and purge moves happen before the sensor sees filament.
		return
	}

	now := w.now()
	w.prune(now)
	w.closeNewest(now)
	w.samples.PushEvict(Sample{Timestamp: now, ExpectedMm: delta})
}

// AddSensorPulse attributes one sensor pulse worth mmPerPulse to the window.
func (w *Window) AddSensorPulse(mmPerPulse float64) {
	if !w.initialized || mmPerPulse <= 0 {
		return
	}
	if !w.firstPulseReceived {
		w.samples.Clear()
		w.firstPulseReceived = true
		return
	}

	now := w.now()
	w.prune(now)
	if newest := w.samples.Back(); newest != nil {
		newest.ActualMm += mmPerPulse
		return
	}
	// Dropped when saturated.
	w.samples.Push(Sample{Timestamp: now, ActualMm: mmPerPulse})
}

// ExpectedDistance returns the expected extrusion inside the window.
func (w *Window) ExpectedDistance() float64 {
	if !w.initialized {
		return 0
	}
	w.prune(w.now())
	var sum float64
	for i := 0; i < w.samples.Len(); i++ {
		sum += w.samples.At(i).ExpectedMm
	}
	return sum
}

// SensorDistance returns the sensed movement inside the window.
func (w *Window) SensorDistance() float64 {
	if !w.initialized {
		return 0
	}
	w.prune(w.now())
	var sum float64
	for i := 0; i < w.samples.Len(); i++ {
		sum += w.samples.At(i).ActualMm
	}
	return sum
}

// Deficit returns how far sensed movement lags expected extrusion, never negative.
func (w *Window) Deficit() float64 {
	deficit := w.ExpectedDistance() - w.SensorDistance()
	if deficit < 0 {
		return 0
	}
	return deficit
}

// WindowedRates returns expected and sensed rates in mm/s.
// Both are zero until the samples cover at least 100ms.
func (w *Window) WindowedRates() (expectedRate, actualRate float64) {
	if !w.initialized {
		return 0, 0
	}
	now := w.now()
	w.prune(now)
	var expected, actual float64
	var total time.Duration
	for i := 0; i < w.samples.Len(); i++ {
		s := w.samples.At(i)
		d := s.Duration
		if d <= 0 {
			d = now.Sub(s.Timestamp)
		}
		if d < 0 {
			d = 0
		}
		total += d
		expected += s.ExpectedMm
		actual += s.ActualMm
	}
	if total < minRateDuration {
		return 0, 0
	}
	secs := total.Seconds()
	return expected / secs, actual / secs
}

// WithinGracePeriod reports whether less than d has passed since the last reset.
func (w *Window) WithinGracePeriod(d time.Duration) bool {
	return w.now().Sub(w.lastExpectedUpdate) < d
}

// FlowRatio returns sensed/expected distance clamped to [0, 1.5].
func (w *Window) FlowRatio() float64 {
	if !w.initialized {
		return 0
	}
	expected := w.ExpectedDistance()
	if expected <= 0 {
		return 0
	}
	ratio := w.SensorDistance() / expected
	switch {
	case ratio < 0:
		return 0
	case ratio > maxFlowRatio:
		return maxFlowRatio
	}
	return ratio
}

// Len returns the number of in-window samples.
func (w *Window) Len() int {
	w.prune(w.now())
	return w.samples.Len()
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.windowSize)
	for {
		oldest := w.samples.Front()
		if oldest == nil || !oldest.Timestamp.Before(cutoff) {
			return
		}
		w.samples.PopFront()
	}
}

func (w *Window) closeNewest(now time.Time) {
	newest := w.samples.Back()
	if newest == nil || newest.Duration > 0 {
		return
	}
	d := now.Sub(newest.Timestamp)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if d > w.windowSize {
		d = w.windowSize
	}
	newest.Duration = d
}
