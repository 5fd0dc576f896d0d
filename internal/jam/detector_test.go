package jam

import (
	"testing"
	"time"
)

var epoch = time.Unix(1_700_000_000, 0)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RatioThreshold = 0.70
	cfg.HardJamTime = 3 * time.Second
	cfg.SoftJamTime = 3 * time.Second
	cfg.GraceTime = 5 * time.Second
	cfg.StartTimeout = 10 * time.Second
	return cfg
}

func printingInput(ms int, expected, actual float64, pulses uint64, cfg Config) Input {
	return Input{
		ExpectedMm:   expected,
		ActualMm:     actual,
		PulseCount:   pulses,
		Printing:     true,
		HasTelemetry: true,
		Now:          at(ms),
		PrintStart:   epoch,
		Config:       cfg,
	}
}

func TestUpdateAfterResetStaysInGrace(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	in := printingInput(2000, 10, 0.5, 0, testConfig())
	in.ExpectedRate = 5
	st := d.Update(in)
	if !st.GraceActive || st.Jammed {
		t.Fatalf("expected grace without jam, got grace=%v jammed=%v", st.GraceActive, st.Jammed)
	}
	if st.GraceState != GraceStart {
		t.Fatalf("expected start grace, got %s", st.GraceState)
	}
}

func TestStartGraceHoldsForLongerOfTimeouts(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()
	cfg.GraceTime = 12 * time.Second
	if st := d.Update(printingInput(11000, 10, 0, 0, cfg)); !st.GraceActive {
		t.Fatalf("expected grace to hold until the grace time")
	}
	if st := d.Update(printingInput(12000, 10, 0, 0, cfg)); st.GraceActive || st.GraceState != GraceActive {
		t.Fatalf("expected active detection, got %s", st.GraceState)
	}
}

func TestHardJamTriggersAfterHardJamTime(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()

	var st State
	triggeredAt := -1
	for i := 0; i < 10; i++ {
		in := printingInput(12000+i*500, 10+float64(i), 0, 0, cfg)
		in.ExpectedRate = 5
		st = d.Update(in)
		if st.Jammed && triggeredAt < 0 {
			triggeredAt = i
		}
	}
	if !st.Jammed || !st.HardJamTriggered {
		t.Fatalf("expected hard jam, got %+v", st)
	}
	// First evaluation counts the clamped 1s, then 500ms per tick.
	if triggeredAt != 4 {
		t.Fatalf("expected trigger on update 4, got %d", triggeredAt)
	}
	if st.HardJamPercent != 100 {
		t.Fatalf("expected hard percent clamped to 100, got %.1f", st.HardJamPercent)
	}
	if st.TripCode != TripHardZeroFlow {
		t.Fatalf("expected hard-zero-flow, got %s", st.TripCode)
	}
	if st.GraceState != GraceJammed {
		t.Fatalf("expected jammed label, got %s", st.GraceState)
	}
}

func TestPulseResetsHardAccumulator(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()
	cfg.Mode = ModeHardOnly

	for i := 0; i < 3; i++ {
		in := printingInput(12000+i*500, 10, 0, 0, cfg)
		in.ExpectedRate = 5
		d.Update(in)
	}
	if pct := d.State().HardJamPercent; pct <= 0 {
		t.Fatalf("expected hard accumulation, got %.1f", pct)
	}

	in := printingInput(13500, 10, 0, 1, cfg)
	in.ExpectedRate = 5
	st := d.Update(in)
	if st.HardJamPercent != 0 {
		t.Fatalf("expected pulse to reset hard accumulator, got %.1f", st.HardJamPercent)
	}
}

func TestHardJamRequiresMinimumExpectedRate(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()
	cfg.Mode = ModeHardOnly
	for i := 0; i < 20; i++ {
		in := printingInput(12000+i*500, 10, 0, 0, cfg)
		in.ExpectedRate = 0.2
		if st := d.Update(in); st.Jammed || st.HardJamPercent != 0 {
			t.Fatalf("update %d: expected no hard accumulation during travel moves", i)
		}
	}
}

func TestSoftJamTriggersOnSustainedUnderExtrusion(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()

	var st State
	for i := 0; i < 5; i++ {
		in := printingInput(12000+i*500, 15, 9, uint64(i), cfg)
		in.ExpectedRate = 5
		in.ActualRate = 3
		st = d.Update(in)
	}
	if !st.SoftJamTriggered || !st.Jammed {
		t.Fatalf("expected soft jam, got %+v", st)
	}
	if st.HardJamTriggered {
		t.Fatalf("expected hard channel to stay quiet")
	}
	if st.SoftJamPercent != 100.0 {
		t.Fatalf("expected soft percent 100, got %.2f", st.SoftJamPercent)
	}
	if st.TripCode != TripSoftUnderExtrusion {
		t.Fatalf("expected soft-under-extrusion, got %s", st.TripCode)
	}
	if st.Cause() != "soft" {
		t.Fatalf("expected soft cause, got %s", st.Cause())
	}
}

func TestSoftRecoveryResetsAccumulator(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()
	for i := 0; i < 3; i++ {
		in := printingInput(12000+i*500, 15, 9, 0, cfg)
		in.ExpectedRate = 5
		in.ActualRate = 3
		d.Update(in)
	}
	if d.State().SoftJamPercent == 0 {
		t.Fatalf("expected soft accumulation")
	}
	in := printingInput(13500, 15, 14, 0, cfg)
	in.ExpectedRate = 5
	in.ActualRate = 4.6
	if st := d.Update(in); st.SoftJamPercent != 0 {
		t.Fatalf("expected recovery to reset soft accumulator, got %.1f", st.SoftJamPercent)
	}
}

func TestHealthyFlowNeverJams(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()
	for i := 0; i < 60; i++ {
		in := printingInput(12000+i*250, 12, 11, uint64(i), cfg)
		in.ExpectedRate = 6
		in.ActualRate = 5.5
		if st := d.Update(in); st.Jammed || st.HardJamPercent != 0 || st.SoftJamPercent != 0 {
			t.Fatalf("update %d: unexpected jam progress %+v", i, st)
		}
	}
}

func TestOnResumeEntersResumeGrace(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()
	for i := 0; i < 8; i++ {
		in := printingInput(12000+i*500, 10, 0, 20, cfg)
		in.ExpectedRate = 5
		d.Update(in)
	}
	d.SetPauseRequested()
	if !d.State().Jammed {
		t.Fatalf("expected jam before resume")
	}

	d.OnResume(at(30000), 20, 57.6)
	st := d.State()
	if st.GraceState != GraceResume || st.Jammed || !st.GraceActive {
		t.Fatalf("expected resume grace, got %s jammed=%v", st.GraceState, st.Jammed)
	}
	if d.PauseRequested() {
		t.Fatalf("expected resume to clear the pause latch")
	}

	in := printingInput(31000, 10, 0, 24, cfg)
	in.ExpectedRate = 5
	if st := d.Update(in); st.GraceState != GraceResume {
		t.Fatalf("expected grace to hold below pulse baseline, got %s", st.GraceState)
	}
	in = printingInput(31500, 10, 0, 25, cfg)
	in.ExpectedRate = 5
	if st := d.Update(in); st.GraceState != GraceActive {
		t.Fatalf("expected five pulses to end resume grace, got %s", st.GraceState)
	}
}

func TestResumeGraceEndsOnExpectedDistanceAndTime(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	d.OnResume(at(20000), 0, 0)
	cfg := testConfig()
	if st := d.Update(printingInput(25000, 20, 0, 0, cfg)); st.GraceState != GraceResume {
		t.Fatalf("expected grace before 6s, got %s", st.GraceState)
	}
	if st := d.Update(printingInput(26000, 20, 0, 0, cfg)); st.GraceState != GraceActive {
		t.Fatalf("expected grace to end after 6s with 15mm expected, got %s", st.GraceState)
	}
}

func TestNotPrintingCollapsesToIdle(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()
	for i := 0; i < 8; i++ {
		in := printingInput(12000+i*500, 10, 0, 0, cfg)
		in.ExpectedRate = 5
		d.Update(in)
	}

	in := printingInput(16500, 10, 0, 0, cfg)
	in.Printing = false
	st := d.Update(in)
	if st.GraceState != GraceIdle || st.Jammed || st.HardJamPercent != 0 {
		t.Fatalf("expected idle without jam, got %+v", st)
	}

	in = printingInput(17000, 10, 0, 0, cfg)
	in.HasTelemetry = false
	if st := d.Update(in); st.GraceState != GraceIdle || st.Jammed {
		t.Fatalf("expected stale telemetry to collapse to idle")
	}
}

func TestJammedLabelIsSticky(t *testing.T) {
	d := NewDetector()
	d.Reset(epoch)
	cfg := testConfig()
	cfg.Mode = ModeHardOnly
	for i := 0; i < 6; i++ {
		in := printingInput(12000+i*500, 10, 0, 0, cfg)
		in.ExpectedRate = 5
		d.Update(in)
	}
	in := printingInput(15000, 10, 9, 3, cfg)
	in.ExpectedRate = 5
	in.ActualRate = 4.5
	st := d.Update(in)
	if st.Jammed {
		t.Fatalf("expected live flag to clear on recovery")
	}
	if st.GraceState != GraceJammed {
		t.Fatalf("expected jammed label to persist, got %s", st.GraceState)
	}
}

func TestTripCodes(t *testing.T) {
	cases := []struct {
		name         string
		actual       float64
		expectedRate float64
		want         TripCode
	}{
		{name: "zero flow", actual: 0, expectedRate: 5, want: TripHardZeroFlow},
		{name: "rate ratio", actual: 0.5, expectedRate: 5, want: TripHardRateRatio},
		{name: "low speed", actual: 0, expectedRate: 0.5, want: TripLowSpeedAnomaly},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDetector()
			d.Reset(epoch)
			cfg := testConfig()
			cfg.Mode = ModeHardOnly
			var st State
			for i := 0; i < 8; i++ {
				in := printingInput(12000+i*500, 10, tc.actual, 0, cfg)
				in.ExpectedRate = tc.expectedRate
				st = d.Update(in)
			}
			if !st.Jammed {
				t.Fatalf("expected jam")
			}
			if st.TripCode != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, st.TripCode)
			}
		})
	}
}

func TestDetectionModes(t *testing.T) {
	cfg := testConfig()

	cfg.Mode = ModeSoftOnly
	d := NewDetector()
	d.Reset(epoch)
	var st State
	for i := 0; i < 8; i++ {
		in := printingInput(12000+i*500, 10, 0, 0, cfg)
		in.ExpectedRate = 5
		st = d.Update(in)
	}
	if st.HardJamTriggered || st.HardJamPercent != 0 {
		t.Fatalf("expected hard channel disabled in soft mode")
	}
	if !st.SoftJamTriggered {
		t.Fatalf("expected soft trigger in soft mode")
	}

	cfg.Mode = ModeHardOnly
	d = NewDetector()
	d.Reset(epoch)
	for i := 0; i < 12; i++ {
		in := printingInput(12000+i*500, 15, 9, 0, cfg)
		in.ExpectedRate = 5
		in.ActualRate = 3
		st = d.Update(in)
	}
	if st.Jammed || st.SoftJamPercent != 0 {
		t.Fatalf("expected soft channel disabled in hard mode, got %+v", st)
	}
}

func TestNormalizeFallbacks(t *testing.T) {
	cfg := Config{RatioThreshold: 1.5}.Normalize()
	if cfg.RatioThreshold != 0.70 || cfg.HardJamDistanceMm != 5 {
		t.Fatalf("unexpected fallbacks: %+v", cfg)
	}
	if cfg.SoftJamTime != 3*time.Second || cfg.HardJamTime != 2*time.Second {
		t.Fatalf("unexpected time fallbacks: %+v", cfg)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeBoth, "Hard": ModeHardOnly, "soft-only": ModeSoftOnly} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("sideways"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
