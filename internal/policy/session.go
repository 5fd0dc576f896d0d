package policy

import (
	"fmt"
	"time"

	"github.com/verte-zerg/flowguard/internal/flow"
	"github.com/verte-zerg/flowguard/internal/jam"
	"github.com/verte-zerg/flowguard/internal/model"
)

const (
	activePollInterval = 250 * time.Millisecond
	idlePollInterval   = 10 * time.Second
	postPrintCooldown  = 20 * time.Second
	flowLogInterval    = time.Second
)

// IntentKind identifies an outward request.
type IntentKind int

// Intent kinds.
const (
	IntentPause IntentKind = iota + 1
	IntentResumeNoted
)

func (k IntentKind) String() string {
	switch k {
	case IntentPause:
		return "pause"
	case IntentResumeNoted:
		return "resume-noted"
	default:
		return fmt.Sprintf("intent(%d)", int(k))
	}
}

// Intent is a request for the printer link. The session never talks to the printer itself.
type Intent struct {
	Kind   IntentKind
	Reason string
	At     time.Time
}

// Snapshot is a read-only copy of session state for UIs and metrics.
type Snapshot struct {
	At              time.Time
	Connected       bool
	PrintStatus     model.PrintStatus
	Machine         model.MachineStatusSet
	Printing        bool
	JobActive       bool
	Frozen          bool
	Runout          bool
	FilamentStopped bool
	TelemetryLost   bool
	AwaitingAck     bool
	StartedAt       time.Time

	Pulses     uint64
	ExpectedMm float64
	ActualMm   float64
	MmPerPulse float64

	WindowExpectedMm float64
	WindowActualMm   float64
	FlowRatio        float64
	Jam              jam.State

	Layer         int
	TotalLayer    int
	Progress      int
	PrintSpeedPct int
	Z             float64
	Filename      string

	Jams   int
	Pauses int
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source for the session and its flow window.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRecorder sets the event and print sink.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithCalibrationSink sets where accepted auto-calibrations are persisted.
func WithCalibrationSink(c CalibrationSink) Option {
	return func(s *Session) {
		s.sink = c
	}
}

// Session is the single print session. All methods must be called from one goroutine.
type Session struct {
	now  func() time.Time
	log  Logger
	rec  Recorder
	sink CalibrationSink

	cfg       Config
	flow      *flow.Window
	jam       *jam.Detector
	acks      AckTracker
	reducer   pulseReducer
	candidate startCandidate
	intents   []Intent

	connected   bool
	printStatus model.PrintStatus
	machine     model.MachineStatusSet

	startedAt    time.Time
	pulses       uint64
	expectedMm   float64
	actualMm     float64
	hasExtrusion bool
	extrusionAt  time.Time
	lastStatusAt time.Time
	lastPrintEnd time.Time

	frozen          bool
	hasBeenPaused   bool
	filamentStopped bool
	runout          bool
	telemetryLost   bool
	wasJammed       bool
	lastPauseAt     time.Time
	lastJamEval     time.Time
	lastFlowLog     time.Time

	layer      int
	totalLayer int
	progress   int
	speedPct   int
	z          float64
	filename   string
	jams       int
	pauses     int
}

// NewSession creates an idle session.
func NewSession(cfg Config, opts ...Option) *Session {
	s := &Session{
		now: time.Now,
		log: nopLogger{},
		rec: nopRecorder{},
		cfg: cfg,
		jam: jam.NewDetector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.flow = flow.NewWindow(flow.WithClock(s.now), flow.WithWindowSize(cfg.WindowSize))
	s.resetTracking(s.now())
	return s
}

// Config returns the snapshot used by the last tick.
func (s *Session) Config() Config {
	return s.cfg
}

// SetConnected records the printer link state.
func (s *Session) SetConnected(connected bool) {
	if connected == s.connected {
		return
	}
	s.connected = connected
	if !connected {
		s.acks.Reset()
		s.log.Logf("Printer link down")
		return
	}
	s.log.Logf("Printer link up")
}

// Connected reports the printer link state.
func (s *Session) Connected() bool {
	return s.connected
}

// IsPrinting reports print status Printing with the Printing machine flag.
func (s *Session) IsPrinting() bool {
	return s.printStatus == model.PrintPrinting && s.machine.Has(model.MachinePrinting)
}

// JobActive reports a job in any phase other than Idle, Stopped or Complete.
func (s *Session) JobActive() bool {
	return !s.printStatus.IsFinished()
}

// PollInterval returns how often status should be requested.
func (s *Session) PollInterval() time.Duration {
	if s.JobActive() {
		return activePollInterval
	}
	if !s.lastPrintEnd.IsZero() && s.now().Sub(s.lastPrintEnd) < postPrintCooldown {
		return activePollInterval
	}
	return idlePollInterval
}

// ApplyStatus ingests one decoded status frame.
func (s *Session) ApplyStatus(u model.StatusUpdate) {
	now := s.now()
	wasPrinting := s.IsPrinting()

	if u.HasMachine {
		s.machine = u.Machine
	}
	if u.HasZ {
		s.z = u.Z
	}
	if !u.HasPrintInfo {
		return
	}

	next := u.PrintStatus
	if next != s.printStatus {
		s.transition(s.printStatus, next, now)
	}
	s.printStatus = next
	s.lastStatusAt = now
	if s.telemetryLost {
		s.telemetryLost = false
		s.log.Logf("Printer telemetry restored")
	}

	switch printing := s.IsPrinting(); {
	case wasPrinting && !printing:
		s.lastPrintEnd = now
	case printing:
		s.lastPrintEnd = time.Time{}
	}

	s.layer = u.CurrentLayer
	s.totalLayer = u.TotalLayer
	s.progress = u.Progress
	s.speedPct = u.PrintSpeedPct
	if u.Filename != "" {
		s.filename = u.Filename
	}

	if u.HasExtrusion && !s.frozen {
		total := u.TotalExtrusionMm
		if total < 0 {
			total = 0
		}
		s.expectedMm = total
		s.flow.UpdateExpectedPosition(total)
		s.hasExtrusion = true
		s.extrusionAt = now
	}
}

func (s *Session) transition(prev, next model.PrintStatus, now time.Time) {
	if msg := s.candidate.observe(prev, next, now); msg != "" && s.cfg.Verbose {
		s.log.Logf("%s", msg)
	}

	switch {
	case next.IsPause():
		s.hasBeenPaused = true
	case next.IsFinished():
		s.hasBeenPaused = false
	}

	switch {
	case next == model.PrintPrinting:
		if s.jam.PauseRequested() || s.hasBeenPaused {
			s.resume(now)
			return
		}
		if s.candidate.satisfied() {
			s.startPrint(now)
			s.candidate.clear()
			return
		}
		if s.cfg.Verbose {
			s.log.Logf("Printing entered without full prep sequence (prev=%s new=%s), deferring new-print detection", prev, next)
		}
	case prev == model.PrintPrinting:
		if next.IsPause() {
			s.log.Logf("Print status changed to paused")
			if s.jam.PauseRequested() {
				s.frozen = true
				s.log.Logf("Freezing filament tracking while paused after jam")
			}
			return
		}
		s.endPrint(next, now)
	case prev.IsPause() && next.IsFinished():
		s.log.Logf("Print stopped from paused state, resetting filament tracking")
		s.rec.RecordPrint(s.printRecord(next, now))
		s.event(model.EventPrintEnded, next.String())
		s.resetTracking(now)
	}
}

func (s *Session) startPrint(now time.Time) {
	s.log.Logf("Print status changed to printing")
	s.startedAt = now
	s.jams = 0
	s.pauses = 0
	s.resetTracking(now)
	jc := s.cfg.Jam.Normalize()
	s.log.Logf("Print settings: pulse=%.2fmm grace=%s ratio_thr=%.2f hard_jam=%.1fmm soft_time=%s hard_time=%s mode=%s",
		s.cfg.mmPerPulse(), jc.GraceTime, jc.RatioThreshold, jc.HardJamDistanceMm, jc.SoftJamTime, jc.HardJamTime, jc.Mode)
	s.event(model.EventPrintStarted, s.filename)
}

func (s *Session) resume(now time.Time) {
	s.log.Logf("Print status changed to printing (resume)")
	s.frozen = false
	s.flow.Reset()
	s.jam.OnResume(now, s.pulses, s.actualMm)
	s.filamentStopped = false
	s.wasJammed = false
	s.lastJamEval = time.Time{}
	if s.cfg.Verbose {
		s.log.Logf("Post-resume grace active until movement detected")
	}
	s.event(model.EventResume, "")
	s.intents = append(s.intents, Intent{Kind: IntentResumeNoted, At: now})
}

func (s *Session) endPrint(next model.PrintStatus, now time.Time) {
	record := s.printRecord(next, now)
	s.log.Logf("Print summary: status=%s progress=%d layer=%d/%d expected=%.2fmm actual=%.2fmm deficit=%.2fmm pulses=%d",
		next, record.Progress, record.Layer, record.TotalLayer, record.ExpectedMm, record.ActualMm, record.DeficitMm(), record.Pulses)
	s.rec.RecordPrint(record)
	s.event(model.EventPrintEnded, next.String())

	if s.cfg.AutoCalibrate {
		s.autoCalibrate()
	}
	s.log.Logf("Print left printing state, resetting filament tracking")
	s.resetTracking(now)
}

func (s *Session) autoCalibrate() {
	result := EvaluateCalibration(s.expectedMm, s.actualMm, s.pulses)
	if !result.Accepted {
		s.log.Logf("Auto-calibration: skipped, %s", result.Reason)
		return
	}
	old := s.cfg.mmPerPulse()
	if s.sink != nil {
		if err := s.sink.SaveCalibration(result.MmPerPulse); err != nil {
			s.log.Logf("Auto-calibration: failed to save %.3f: %v", result.MmPerPulse, err)
			return
		}
	}
	s.cfg.MmPerPulse = result.MmPerPulse
	s.cfg.AutoCalibrate = false
	s.log.Logf("Auto-calibration: updated mm_per_pulse from %.3f to %.3f (%.2fmm expected / %d pulses, flow quality %.1f%%)",
		old, result.MmPerPulse, s.expectedMm, s.pulses, result.Quality*100)
	s.log.Logf("Auto-calibration: disabled after successful calibration")
	s.event(model.EventCalibrated, fmt.Sprintf("%.3f mm/pulse", result.MmPerPulse))
}

func (s *Session) printRecord(end model.PrintStatus, now time.Time) model.PrintRecord {
	return model.PrintRecord{
		StartedAt:  s.startedAt,
		EndedAt:    now,
		EndStatus:  end,
		Filename:   s.filename,
		Layer:      s.layer,
		TotalLayer: s.totalLayer,
		Progress:   s.progress,
		ExpectedMm: s.expectedMm,
		ActualMm:   s.actualMm,
		Pulses:     s.pulses,
		MmPerPulse: s.cfg.mmPerPulse(),
		Jams:       s.jams,
		Pauses:     s.pauses,
	}
}

func (s *Session) resetTracking(now time.Time) {
	s.actualMm = 0
	s.expectedMm = 0
	s.hasExtrusion = false
	s.extrusionAt = time.Time{}
	s.filamentStopped = false
	s.pulses = 0
	s.frozen = false
	s.wasJammed = false
	s.lastJamEval = time.Time{}
	s.lastFlowLog = time.Time{}
	s.reducer = pulseReducer{}
	s.flow.Reset()
	s.jam.Reset(now)
	if s.cfg.Verbose {
		s.log.Logf("Filament tracking reset")
	}
}

// event records kind with the detector state at the moment it happened.
func (s *Session) event(kind model.EventKind, detail string) {
	st := s.jam.State()
	s.rec.RecordEvent(model.Event{
		At:         s.now(),
		Kind:       kind,
		Detail:     detail,
		PassRatio:  st.PassRatio,
		DeficitMm:  st.Deficit,
		HardPct:    st.HardJamPercent,
		SoftPct:    st.SoftJamPercent,
		Pulses:     s.pulses,
		ExpectedMm: s.expectedMm,
	})
}

// PulseEdge counts one rising edge of the motion sensor.
func (s *Session) PulseEdge() {
	if s.frozen || !s.machine.Has(model.MachinePrinting) {
		return
	}
	if !s.reducer.count(s.cfg.PulseReductionPct) {
		return
	}
	mm := s.cfg.mmPerPulse()
	s.flow.AddSensorPulse(mm)
	s.actualMm += mm
	s.pulses++
}

// SetRunout records the runout sensor level.
func (s *Session) SetRunout(runout bool) {
	if runout == s.runout {
		return
	}
	s.runout = runout
	if runout {
		s.log.Logf("Filament has run out")
		s.event(model.EventRunout, "")
		return
	}
	s.log.Logf("Filament has been detected")
	s.event(model.EventRunoutCleared, "")
}

// BeginAck registers an acknowledgment-requiring command sent by the printer link.
func (s *Session) BeginAck(command int, requestID string) bool {
	if !s.acks.Begin(command, requestID, s.now()) {
		pending, _ := s.acks.Pending()
		s.log.Logf("Skipping command %d - already waiting for ack from command %d", command, pending.Command)
		return false
	}
	return true
}

// Acknowledge clears the outstanding command when it matches.
func (s *Session) Acknowledge(command int, requestID string, ack int) bool {
	if !s.acks.Acknowledge(command, requestID) {
		return false
	}
	s.log.Logf("Received acknowledgment for command %d (Ack: %d)", command, ack)
	return true
}

// AwaitingAck reports an outstanding command.
func (s *Session) AwaitingAck() bool {
	_, ok := s.acks.Pending()
	return ok
}

// Tick runs one policy evaluation with a fresh config and returns the intents it produced.
func (s *Session) Tick(cfg Config) []Intent {
	now := s.now()
	s.cfg = cfg
	s.flow.SetWindowSize(cfg.WindowSize)

	if expired, ok := s.acks.Expire(now); ok {
		s.log.Logf("Acknowledgment timeout for command %d, resetting ack state", expired.Command)
	}
	if s.candidate.expire(now) && s.cfg.Verbose {
		s.log.Logf("Print start candidate cleared after idle")
	}

	s.evaluateJam(now)
	if reason, ok := s.shouldPause(now); ok {
		s.requestPause(now, reason)
	}

	intents := s.intents
	s.intents = nil
	return intents
}

func (s *Session) evaluateJam(now time.Time) {
	if s.frozen {
		return
	}
	machinePrinting := s.machine.Has(model.MachinePrinting)
	if !machinePrinting || !s.hasExtrusion {
		if !machinePrinting {
			s.filamentStopped = false
		}
		return
	}
	if !s.lastJamEval.IsZero() && now.Sub(s.lastJamEval) < jamEvalInterval {
		return
	}
	s.lastJamEval = now

	expectedRate, actualRate := s.flow.WindowedRates()
	st := s.jam.Update(jam.Input{
		ExpectedMm:   s.flow.ExpectedDistance(),
		ActualMm:     s.flow.SensorDistance(),
		PulseCount:   s.pulses,
		Printing:     s.IsPrinting(),
		HasTelemetry: now.Sub(s.extrusionAt) <= s.cfg.telemetryStale(),
		Now:          now,
		PrintStart:   s.startedAt,
		Config:       s.cfg.Jam,
		ExpectedRate: expectedRate,
		ActualRate:   actualRate,
	})

	switch {
	case st.Jammed && !s.wasJammed:
		s.jams++
		s.log.Logf("Filament jam detected (%s, %s): pass=%.2f deficit=%.2fmm hard=%.0f%% soft=%.0f%%",
			st.Cause(), st.TripCode, st.PassRatio, st.Deficit, st.HardJamPercent, st.SoftJamPercent)
		s.event(model.EventJam, st.Cause()+" "+st.TripCode.String())
	case !st.Jammed && s.wasJammed:
		s.log.Logf("Filament flow resumed")
		s.event(model.EventFlowResumed, "")
	}
	s.wasJammed = st.Jammed

	if !s.jam.PauseRequested() {
		s.filamentStopped = st.Jammed
	}

	if s.cfg.Verbose && s.IsPrinting() && now.Sub(s.lastFlowLog) >= flowLogInterval {
		s.lastFlowLog = now
		s.log.Logf("Flow: expected=%.2fmm sensor=%.2fmm pulses=%d | win_exp=%.2f win_sns=%.2f deficit=%.2f | rates=%.2f/%.2f | hard=%.0f%% soft=%.0f%% pass=%.2f grace=%s",
			s.expectedMm, s.actualMm, s.pulses, s.flow.ExpectedDistance(), s.flow.SensorDistance(), st.Deficit,
			expectedRate, actualRate, st.HardJamPercent, st.SoftJamPercent, st.PassRatio, st.GraceState)
	}
}

func (s *Session) lossDetected(now time.Time) bool {
	lost := s.connected && s.IsPrinting() && !s.lastStatusAt.IsZero() &&
		now.Sub(s.lastStatusAt) > telemetryLossTimeout
	if lost && !s.telemetryLost {
		s.log.Logf("No printer telemetry for %s (loss behavior: %s)", now.Sub(s.lastStatusAt).Round(time.Second), s.cfg.LossBehavior)
		s.event(model.EventTelemetryLost, s.cfg.LossBehavior.String())
	}
	s.telemetryLost = lost
	return lost
}

func (s *Session) shouldPause(now time.Time) (string, bool) {
	if !s.cfg.Enabled {
		return "", false
	}
	if s.runout && !s.cfg.PauseOnRunout {
		return "", false
	}

	condition := s.runout || s.filamentStopped
	reason := "filament stopped"
	if s.runout {
		reason = "filament runout"
	}
	if s.lossDetected(now) {
		switch s.cfg.LossBehavior {
		case LossPause:
			condition = true
			reason = "telemetry lost"
		case LossIgnore:
			condition = false
		}
	}

	if now.Sub(s.startedAt) < s.cfg.Jam.StartTimeout ||
		!s.connected ||
		s.AwaitingAck() ||
		!s.IsPrinting() ||
		!condition ||
		(!s.lastPauseAt.IsZero() && now.Sub(s.lastPauseAt) < pauseRearmDelay) {
		return "", false
	}
	return reason, true
}

func (s *Session) requestPause(now time.Time, reason string) {
	s.jam.SetPauseRequested()
	s.lastPauseAt = now
	s.pauses++

	st := s.jam.State()
	s.log.Logf("Pausing print: %s (runout=%t stopped=%t since_start=%s status=%s machine=%s)",
		reason, s.runout, s.filamentStopped, now.Sub(s.startedAt).Round(time.Millisecond), s.printStatus, s.machine)
	if s.cfg.Verbose {
		s.log.Logf("Flow state: expected=%.2fmm actual=%.2fmm deficit=%.2fmm pass_ratio=%.2f pulses=%d",
			s.expectedMm, s.actualMm, st.Deficit, st.PassRatio, s.pulses)
	}

	if s.cfg.SuppressPause {
		s.log.Logf("Pause command suppressed (suppress-pause enabled)")
		s.event(model.EventPauseSuppressed, reason)
		return
	}
	s.frozen = false
	s.event(model.EventPause, reason)
	s.intents = append(s.intents, Intent{Kind: IntentPause, Reason: reason, At: now})
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	now := s.now()
	return Snapshot{
		At:               now,
		Connected:        s.connected,
		PrintStatus:      s.printStatus,
		Machine:          s.machine,
		Printing:         s.IsPrinting(),
		JobActive:        s.JobActive(),
		Frozen:           s.frozen,
		Runout:           s.runout,
		FilamentStopped:  s.filamentStopped,
		TelemetryLost:    s.telemetryLost,
		AwaitingAck:      s.AwaitingAck(),
		StartedAt:        s.startedAt,
		Pulses:           s.pulses,
		ExpectedMm:       s.expectedMm,
		ActualMm:         s.actualMm,
		MmPerPulse:       s.cfg.mmPerPulse(),
		WindowExpectedMm: s.flow.ExpectedDistance(),
		WindowActualMm:   s.flow.SensorDistance(),
		FlowRatio:        s.flow.FlowRatio(),
		Jam:              s.jam.State(),
		Layer:            s.layer,
		TotalLayer:       s.totalLayer,
		Progress:         s.progress,
		PrintSpeedPct:    s.speedPct,
		Z:                s.z,
		Filename:         s.filename,
		Jams:             s.jams,
		Pauses:           s.pauses,
	}
}

// FlowPoint condenses the snapshot into a history sample.
func (s Snapshot) FlowPoint() model.FlowPoint {
	return model.FlowPoint{
		At:           s.At,
		ExpectedMm:   s.ExpectedMm,
		ActualMm:     s.ActualMm,
		ExpectedRate: s.Jam.ExpectedRate,
		ActualRate:   s.Jam.ActualRate,
		PassRatio:    s.Jam.PassRatio,
		HardPct:      s.Jam.HardJamPercent,
		SoftPct:      s.Jam.SoftJamPercent,
	}
}
