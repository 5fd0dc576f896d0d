package policy

import "fmt"

const (
	calibrationMinPulses     = 50
	calibrationMinExpectedMm = 50.0
	calibrationMinQuality    = 0.90
	calibrationMinMmPerPulse = 2.5
	calibrationMaxMmPerPulse = 3.5
)

// Calibration is the outcome of evaluating a finished print for auto-calibration.
type Calibration struct {
	Accepted   bool
	MmPerPulse float64
	Quality    float64
	Reason     string
}

// EvaluateCalibration derives mm/pulse from a print's cumulative totals.
func EvaluateCalibration(expectedMm, actualMm float64, pulses uint64) Calibration {
	if pulses == 0 || expectedMm <= calibrationMinExpectedMm {
		return Calibration{Reason: fmt.Sprintf("need more than %.0fmm expected extrusion (got %.2fmm)", calibrationMinExpectedMm, expectedMm)}
	}
	if pulses < calibrationMinPulses {
		return Calibration{Reason: fmt.Sprintf("not enough pulses (%d, need %d+)", pulses, calibrationMinPulses)}
	}
	quality := actualMm / expectedMm
	if quality < calibrationMinQuality {
		return Calibration{
			Quality: quality,
			Reason:  fmt.Sprintf("flow quality %.1f%% < %.0f%% (print may have had jams)", quality*100, calibrationMinQuality*100),
		}
	}
	candidate := expectedMm / float64(pulses)
	if candidate < calibrationMinMmPerPulse || candidate > calibrationMaxMmPerPulse {
		return Calibration{
			MmPerPulse: candidate,
			Quality:    quality,
			Reason:     fmt.Sprintf("calculated value %.3f is outside %.1f-%.1fmm", candidate, calibrationMinMmPerPulse, calibrationMaxMmPerPulse),
		}
	}
	return Calibration{Accepted: true, MmPerPulse: candidate, Quality: quality}
}
