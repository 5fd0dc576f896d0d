package replay

import (
	"fmt"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/policy"
	"github.com/verte-zerg/flowguard/internal/sdcp"
)

const (
	defaultTickInterval   = 250 * time.Millisecond
	defaultSampleInterval = time.Second
)

// Result is what a replay produced.
type Result struct {
	Start   time.Time
	End     time.Time
	Intents []policy.Intent
	Events  []model.Event
	Prints  []model.PrintRecord
	Points  []model.FlowPoint
	Final   policy.Snapshot
}

// Count returns how many events of kind were produced.
func (r Result) Count(kind model.EventKind) int {
	n := 0
	for _, e := range r.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Option configures a replay.
type Option func(*runner)

// WithLogger receives the session log.
func WithLogger(l policy.Logger) Option {
	return func(r *runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTickInterval sets how often the policy is evaluated between records.
func WithTickInterval(d time.Duration) Option {
	return func(r *runner) {
		if d > 0 {
			r.tick = d
		}
	}
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...any) {}

type runner struct {
	cfg    policy.Config
	log    policy.Logger
	tick   time.Duration
	clock  time.Time
	acks   int
	result Result
}

func (r *runner) now() time.Time {
	return r.clock
}

func (r *runner) RecordEvent(e model.Event) {
	r.result.Events = append(r.result.Events, e)
}

func (r *runner) RecordPrint(p model.PrintRecord) {
	r.result.Prints = append(r.result.Prints, p)
}

func (r *runner) SaveCalibration(mmPerPulse float64) error {
	r.cfg.MmPerPulse = mmPerPulse
	r.cfg.AutoCalibrate = false
	return nil
}

// Run feeds records through a fresh session on a simulated clock.
// Pause commands are acknowledged at once, as a responsive printer would.
func Run(records []Record, cfg policy.Config, opts ...Option) Result {
	r := &runner{cfg: cfg, log: nopLogger{}, tick: defaultTickInterval}
	for _, opt := range opts {
		opt(r)
	}
	if len(records) == 0 {
		return r.result
	}

	r.clock = records[0].At
	r.result.Start = r.clock
	session := policy.NewSession(cfg,
		policy.WithClock(r.now),
		policy.WithLogger(r.log),
		policy.WithRecorder(r),
		policy.WithCalibrationSink(r),
	)

	nextTick := r.clock
	nextSample := r.clock
	advance := func(until time.Time) {
		for !nextTick.After(until) {
			r.clock = nextTick
			r.handle(session, session.Tick(r.cfg))
			if !nextSample.After(r.clock) {
				if session.IsPrinting() {
					r.result.Points = append(r.result.Points, session.Snapshot().FlowPoint())
				}
				nextSample = r.clock.Add(defaultSampleInterval)
			}
			nextTick = nextTick.Add(r.tick)
		}
	}

	for _, rec := range records {
		advance(rec.At)
		r.clock = rec.At
		apply(session, rec)
	}
	advance(records[len(records)-1].At.Add(r.tick))

	r.result.End = r.clock
	r.result.Final = session.Snapshot()
	return r.result
}

func (r *runner) handle(session *policy.Session, intents []policy.Intent) {
	for _, in := range intents {
		r.result.Intents = append(r.result.Intents, in)
		if in.Kind != policy.IntentPause {
			continue
		}
		r.acks++
		id := fmt.Sprintf("replay-%d", r.acks)
		if session.BeginAck(sdcp.CmdPausePrint, id) {
			session.Acknowledge(sdcp.CmdPausePrint, id, 0)
		}
	}
}

func apply(session *policy.Session, rec Record) {
	switch rec.Kind {
	case KindStatus:
		if rec.Status != nil {
			session.ApplyStatus(*rec.Status)
		}
	case KindPulse:
		for i := 0; i < rec.Pulses; i++ {
			session.PulseEdge()
		}
	case KindRunout:
		session.SetRunout(rec.Runout)
	case KindLink:
		session.SetConnected(rec.Up)
	}
}
