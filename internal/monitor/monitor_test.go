package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/policy"
	"github.com/verte-zerg/flowguard/internal/sdcp"
	"github.com/verte-zerg/flowguard/internal/sensor"
)

type sentCmd struct {
	cmd int
	id  string
}

type fakeLink struct {
	events chan sdcp.Event
	sent   chan sentCmd

	mu   sync.Mutex
	n    int
	addr string
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan sdcp.Event, 16), sent: make(chan sentCmd, 64)}
}

func (l *fakeLink) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (l *fakeLink) Events() <-chan sdcp.Event {
	return l.events
}

func (l *fakeLink) Send(cmd int, _ model.PrintStatus, _ model.MachineStatusSet) (string, error) {
	l.mu.Lock()
	l.n++
	id := fmt.Sprintf("req-%d", l.n)
	l.mu.Unlock()
	select {
	case l.sent <- sentCmd{cmd: cmd, id: id}:
	default:
	}
	return id, nil
}

func (l *fakeLink) SetAddress(addr string) {
	l.mu.Lock()
	l.addr = addr
	l.mu.Unlock()
}

func (l *fakeLink) address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// waitSent returns the first command matching cmd.
func (l *fakeLink) waitSent(t *testing.T, cmd int) sentCmd {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-l.sent:
			if s.cmd == cmd {
				return s
			}
		case <-deadline:
			t.Fatalf("command %d was never sent", cmd)
		}
	}
}

type memHistory struct {
	mu     sync.Mutex
	events []model.Event
	prints []model.PrintRecord
	points int
}

func (h *memHistory) InsertPrint(_ context.Context, p model.PrintRecord) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prints = append(h.prints, p)
	return int64(len(h.prints)), nil
}

func (h *memHistory) InsertEvent(_ context.Context, e model.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *memHistory) InsertFlowPoints(_ context.Context, points []model.FlowPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points += len(points)
	return nil
}

func (h *memHistory) has(kind model.EventKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func statusFrame(ps model.PrintStatus, machine model.MachineStatus) sdcp.Event {
	return sdcp.Event{Kind: sdcp.EventFrame, Frame: sdcp.Frame{
		Kind: sdcp.FrameStatus,
		Status: model.StatusUpdate{
			ReceivedAt:   time.Now(),
			HasMachine:   true,
			Machine:      model.NewMachineStatusSet(int(machine)),
			HasPrintInfo: true,
			PrintStatus:  ps,
			Filename:     "benchy.gcode",
		},
	}}
}

func testProvider(t *testing.T, loads *int) *Provider {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.Jam.StartTimeout = 0
	p, err := NewProvider(func() (policy.Config, error) {
		*loads++
		return cfg, nil
	}, nil, Pinned{})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMonitorPausesOnRunout(t *testing.T) {
	link := newFakeLink()
	readings := make(chan sensor.Reading, 4)
	history := &memHistory{}
	loads := 0
	m := New(link, testProvider(t, &loads), Options{Readings: readings, History: history, Address: "10.0.0.5"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	link.events <- sdcp.Event{Kind: sdcp.EventConnected}
	link.waitSent(t, sdcp.CmdAttributes)

	link.events <- statusFrame(model.PrintHoming, model.MachineIdle)
	link.events <- statusFrame(model.PrintBedLeveling, model.MachineIdle)
	link.events <- statusFrame(model.PrintPrinting, model.MachinePrinting)
	waitFor(t, "printing", func() bool { return m.Status().Session.Printing })

	readings <- sensor.Reading{HasRunout: true, Runout: true}
	pause := link.waitSent(t, sdcp.CmdPausePrint)
	waitFor(t, "pending ack", func() bool { return m.Status().Session.AwaitingAck })

	link.events <- sdcp.Event{Kind: sdcp.EventFrame, Frame: sdcp.Frame{
		Kind:     sdcp.FrameResponse,
		Response: sdcp.Response{Cmd: sdcp.CmdPausePrint, RequestID: pause.id},
	}}
	waitFor(t, "ack", func() bool { return !m.Status().Session.AwaitingAck })

	st := m.Status()
	if !st.Session.Runout || st.Address != "10.0.0.5" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.LastIntent == nil || st.LastIntent.Reason != "filament runout" {
		t.Fatalf("expected runout intent, got %+v", st.LastIntent)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !history.has(model.EventRunout) || !history.has(model.EventPause) {
		t.Fatalf("expected runout and pause in history, got %+v", history.events)
	}
}

func TestMonitorReloadsConfig(t *testing.T) {
	link := newFakeLink()
	reloads := make(chan struct{}, 1)
	loads := 0
	provider := testProvider(t, &loads)
	m := New(link, provider, Options{Reloads: reloads})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	before := m.Status().ConfigAt
	time.Sleep(5 * time.Millisecond)
	reloads <- struct{}{}
	waitFor(t, "reload", func() bool { return m.Status().ConfigAt.After(before) })

	cancel()
	<-done
	if loads != 2 {
		t.Fatalf("expected config loaded twice, got %d", loads)
	}
}

func TestMonitorReloadRetargetsLink(t *testing.T) {
	link := newFakeLink()
	reloads := make(chan struct{}, 1)
	loads := 0
	var mu sync.Mutex
	next, calls := "10.0.0.5", 0
	m := New(link, testProvider(t, &loads), Options{
		Reloads: reloads,
		Address: "10.0.0.5",
		LoadAddress: func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return next, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	reloads <- struct{}{}
	waitFor(t, "first reload", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
	if link.address() != "" {
		t.Fatalf("unchanged address should not retarget, got %q", link.address())
	}

	mu.Lock()
	next = "10.0.0.9"
	mu.Unlock()
	reloads <- struct{}{}
	waitFor(t, "retarget", func() bool { return m.Status().Address == "10.0.0.9" })

	cancel()
	<-done
	if link.address() != "10.0.0.9" {
		t.Fatalf("expected link retargeted to 10.0.0.9, got %q", link.address())
	}
}

type failingLink struct {
	*fakeLink
}

func (failingLink) Run(context.Context) error {
	return errors.New("dial refused")
}

func TestMonitorReturnsLinkError(t *testing.T) {
	loads := 0
	history := &memHistory{}
	m := New(failingLink{newFakeLink()}, testProvider(t, &loads), Options{History: history})

	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background())
	}()
	select {
	case err := <-done:
		if err == nil || err.Error() != "dial refused" {
			t.Fatalf("expected link error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after the link failed")
	}
}
