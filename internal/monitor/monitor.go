// Package monitor runs the print session against a live printer link and sensor.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/policy"
	"github.com/verte-zerg/flowguard/internal/replay"
	"github.com/verte-zerg/flowguard/internal/sdcp"
	"github.com/verte-zerg/flowguard/internal/sensor"
)

const (
	tickInterval       = 250 * time.Millisecond
	flowSampleInterval = time.Second
)

// Link is the printer connection.
type Link interface {
	Run(ctx context.Context) error
	Events() <-chan sdcp.Event
	Send(cmd int, printStatus model.PrintStatus, machine model.MachineStatusSet) (string, error)
}

// Status is what the monitor publishes for UIs.
type Status struct {
	Session    policy.Snapshot
	Printer    sdcp.Attributes
	Address    string
	LastIntent *policy.Intent
	ConfigAt   time.Time
}

// Options wires optional collaborators. Nil fields are skipped.
type Options struct {
	Logger   policy.Logger
	Readings <-chan sensor.Reading
	History  HistoryStore
	Metrics  Observer
	Trace    *replay.Writer
	Reloads  <-chan struct{}
	Address  string
	// LoadAddress reads the printer address on reload. A changed address retargets the link.
	LoadAddress func() (string, error)
}

// retargeter is a link that can move to another printer without a restart.
type retargeter interface {
	SetAddress(addr string)
}

// Observer receives snapshots and history, such as a metrics exporter.
type Observer interface {
	policy.Recorder
	Observe(policy.Snapshot)
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...any) {}

// Monitor owns the session. Run drives it; Status may be called from any goroutine.
type Monitor struct {
	link     Link
	provider *Provider
	session  *policy.Session
	log      policy.Logger
	readings <-chan sensor.Reading
	reloads  <-chan struct{}
	history  *storeRecorder
	metrics  Observer
	trace    *replay.Writer
	now      func() time.Time

	loadAddress func() (string, error)
	address     string

	attrs      sdcp.Attributes
	lastIntent *policy.Intent
	configAt   time.Time
	nextSample time.Time

	mu        sync.RWMutex
	published Status
}

// New builds a monitor around link. The provider also receives accepted calibrations.
func New(link Link, provider *Provider, opts Options) *Monitor {
	m := &Monitor{
		link:     link,
		provider: provider,
		log:      opts.Logger,
		readings: opts.Readings,
		reloads:  opts.Reloads,
		metrics:  opts.Metrics,
		trace:    opts.Trace,
		now:      time.Now,

		loadAddress: opts.LoadAddress,
		address:     opts.Address,
	}
	if m.log == nil {
		m.log = nopLogger{}
	}

	var recorders fanout
	if opts.History != nil {
		m.history = newStoreRecorder(opts.History, m.log)
		recorders = append(recorders, m.history)
	}
	if opts.Metrics != nil {
		recorders = append(recorders, opts.Metrics)
	}
	sessionOpts := []policy.Option{
		policy.WithLogger(m.log),
		policy.WithCalibrationSink(provider),
	}
	if len(recorders) > 0 {
		sessionOpts = append(sessionOpts, policy.WithRecorder(recorders))
	}
	m.session = policy.NewSession(provider.Current(), sessionOpts...)
	m.configAt = m.now()
	m.published = Status{Session: m.session.Snapshot(), Address: opts.Address, ConfigAt: m.configAt}
	return m
}

// Status returns the last published state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published
}

// Run drives the session until ctx is done.
// It returns the link error, if any, once the history writer has drained.
func (m *Monitor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	linkDone := make(chan error, 1)
	go func() {
		linkDone <- m.link.Run(runCtx)
	}()
	var wg sync.WaitGroup
	if m.history != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.history.run(runCtx)
		}()
	}
	defer wg.Wait()
	defer cancel()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	poll := time.NewTimer(m.session.PollInterval())
	defer poll.Stop()

	events := m.link.Events()
	readings := m.readings
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case err := <-linkDone:
			m.shutdown()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handleLink(ev)
		case r, ok := <-readings:
			if !ok {
				m.log.Logf("Sensor stream closed")
				readings = nil
				continue
			}
			m.handleReading(r)
		case <-m.reloads:
			m.reload()
		case <-poll.C:
			m.requestStatus()
			poll.Reset(m.session.PollInterval())
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) handleLink(ev sdcp.Event) {
	switch ev.Kind {
	case sdcp.EventConnected:
		m.record(replay.Record{Kind: replay.KindLink, Up: true})
		m.session.SetConnected(true)
		m.send(sdcp.CmdStatus)
		m.send(sdcp.CmdAttributes)
	case sdcp.EventDisconnected:
		m.record(replay.Record{Kind: replay.KindLink})
		m.session.SetConnected(false)
	case sdcp.EventFrame:
		m.handleFrame(ev.Frame)
	}
	m.publish()
}

func (m *Monitor) handleFrame(f sdcp.Frame) {
	switch f.Kind {
	case sdcp.FrameStatus:
		status := f.Status
		m.record(replay.Record{Kind: replay.KindStatus, Status: &status})
		m.session.ApplyStatus(f.Status)
	case sdcp.FrameResponse:
		m.session.Acknowledge(f.Response.Cmd, f.Response.RequestID, f.Response.Ack)
	case sdcp.FrameAttributes:
		if f.Attributes.MachineName != m.attrs.MachineName || f.Attributes.MainboardID != m.attrs.MainboardID {
			m.log.Logf("Printer: %s (%s) firmware %s", f.Attributes.MachineName, f.Attributes.MainboardID, f.Attributes.FirmwareVersion)
		}
		m.attrs = f.Attributes
	}
}

func (m *Monitor) handleReading(r sensor.Reading) {
	if r.Pulses > 0 {
		m.record(replay.Record{Kind: replay.KindPulse, Pulses: r.Pulses})
		for i := 0; i < r.Pulses; i++ {
			m.session.PulseEdge()
		}
	}
	if r.HasRunout {
		m.record(replay.Record{Kind: replay.KindRunout, Runout: r.Runout})
		m.session.SetRunout(r.Runout)
	}
}

func (m *Monitor) reload() {
	if err := m.provider.Reload(); err != nil {
		m.log.Logf("Config reload failed, keeping previous settings: %v", err)
		return
	}
	m.configAt = m.now()
	m.log.Logf("Config reloaded")
	m.reloadAddress()
}

func (m *Monitor) reloadAddress() {
	if m.loadAddress == nil {
		return
	}
	addr, err := m.loadAddress()
	if err != nil {
		m.log.Logf("Printer address not reloaded: %v", err)
		return
	}
	if addr == "" || addr == m.address {
		return
	}
	link, ok := m.link.(retargeter)
	if !ok {
		m.log.Logf("Printer address changed to %s, restart to apply", addr)
		return
	}
	m.log.Logf("Printer address changed from %s to %s, reconnecting", m.address, addr)
	link.SetAddress(addr)
	m.address = addr
	m.mu.Lock()
	m.published.Address = addr
	m.mu.Unlock()
}

func (m *Monitor) tick() {
	for _, in := range m.session.Tick(m.provider.Current()) {
		in := in
		m.lastIntent = &in
		switch in.Kind {
		case policy.IntentPause:
			m.pause(in.Reason)
		case policy.IntentResumeNoted:
			m.log.Logf("Print resumed, detection re-armed after grace")
		}
	}

	now := m.now()
	if m.session.IsPrinting() && !now.Before(m.nextSample) {
		m.nextSample = now.Add(flowSampleInterval)
		if m.history != nil {
			m.history.addPoint(m.session.Snapshot().FlowPoint())
		}
	}
	m.publish()
}

func (m *Monitor) pause(reason string) {
	id, ok := m.send(sdcp.CmdPausePrint)
	if !ok {
		return
	}
	if m.session.BeginAck(sdcp.CmdPausePrint, id) {
		m.log.Logf("Pause command sent to printer (%s)", reason)
	}
}

func (m *Monitor) requestStatus() {
	if !m.session.Connected() {
		return
	}
	m.send(sdcp.CmdStatus)
}

func (m *Monitor) send(cmd int) (string, bool) {
	snap := m.session.Snapshot()
	id, err := m.link.Send(cmd, snap.PrintStatus, snap.Machine)
	if err != nil {
		if !errors.Is(err, sdcp.ErrNotConnected) {
			m.log.Logf("Failed to send command %d: %v", cmd, err)
		}
		return "", false
	}
	return id, true
}

func (m *Monitor) record(r replay.Record) {
	if m.trace == nil {
		return
	}
	r.At = m.now()
	if err := m.trace.Write(r); err != nil {
		m.log.Logf("Trace disabled: %v", err)
		m.trace = nil
	}
}

func (m *Monitor) publish() {
	snap := m.session.Snapshot()
	if m.metrics != nil {
		m.metrics.Observe(snap)
	}
	m.mu.Lock()
	m.published.Session = snap
	m.published.Printer = m.attrs
	m.published.LastIntent = m.lastIntent
	m.published.ConfigAt = m.configAt
	m.mu.Unlock()
}

func (m *Monitor) shutdown() {
	if m.history != nil {
		m.history.flushPoints()
	}
	if m.trace != nil {
		if err := m.trace.Flush(); err != nil {
			m.log.Logf("Failed to flush trace: %v", err)
		}
	}
	m.publish()
}
