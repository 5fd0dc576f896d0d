package policy

// pulseReducer drops a share of sensor pulses to simulate under-extrusion.
type pulseReducer struct {
	skipped int
}

// count reports whether the next pulse should be counted at pct percent.
func (r *pulseReducer) count(pct float64) bool {
	if pct >= 100 {
		r.skipped = 0
		return true
	}
	if pct <= 0 {
		r.skipped = 0
		return false
	}
	skipRatio := int(100/pct - 0.5)
	if r.skipped >= skipRatio {
		r.skipped = 0
		return true
	}
	r.skipped++
	return false
}
