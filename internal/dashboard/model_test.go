package dashboard

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/verte-zerg/flowguard/internal/jam"
	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/monitor"
	"github.com/verte-zerg/flowguard/internal/policy"
)

type staticSource struct {
	status monitor.Status
}

func (s *staticSource) Status() monitor.Status {
	return s.status
}

func TestRenderFooterFormats(t *testing.T) {
	at := time.Date(2026, 3, 1, 14, 5, 9, 0, time.Local)
	src := &staticSource{status: monitor.Status{
		Session: policy.Snapshot{Jams: 2, Pauses: 1, MmPerPulse: 2.88, Pulses: 412},
		LastIntent: &policy.Intent{
			Kind:   policy.IntentPause,
			Reason: "filament stopped",
			At:     at,
		},
	}}
	m := NewModel(src, nil)
	out := m.renderFooter()
	if !containsAll(out, []string{"Jams 2", "Pauses 1", "2.88 mm/pulse", "412 pulses", "Last pause: filament stopped at 14:05:09"}) {
		t.Fatalf("footer missing expected segments: %s", out)
	}
}

func TestAlertsAndHistory(t *testing.T) {
	start := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	src := &staticSource{status: monitor.Status{
		Address: "10.0.0.5",
		Session: policy.Snapshot{
			At:          start,
			Connected:   true,
			Printing:    true,
			JobActive:   true,
			PrintStatus: model.PrintPrinting,
			Runout:      true,
			Jam:         jam.State{Jammed: true, HardJamTriggered: true, PassRatio: 0.5, HardJamPercent: 100},
			Filename:    "benchy.gcode",
		},
	}}
	m := NewModel(src, nil)

	for i := 1; i <= 3; i++ {
		src.status.Session.At = start.Add(time.Duration(i) * time.Second)
		src.status.Session.Jam.PassRatio = float64(i) / 3
		m.Update(refreshMsg(src.status.Session.At))
	}
	if got := m.ratios.Len(); got != 4 {
		t.Fatalf("expected 4 pass ratio samples, got %d", got)
	}

	view := m.View()
	if !containsAll(view, []string{"RUNOUT", "JAM HARD", "benchy.gcode", "10.0.0.5", "connected", "printing"}) {
		t.Fatalf("view missing expected content:\n%s", view)
	}
	if !strings.Contains(m.renderFlow(), "History") {
		t.Fatalf("expected history sparkline")
	}
}

func TestLogPaneFollowsBuffer(t *testing.T) {
	logs := NewLogBuffer(2)
	logs.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	m := NewModel(&staticSource{}, logs)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	logs.Logf("Printer link up")
	logs.Logf("Filament has run out")
	logs.Logf("Pausing print: %s", "filament runout")
	m.Update(refreshMsg(time.Now()))

	lines, _ := logs.Lines()
	if len(lines) != 2 || lines[0] != "09:30:00 Filament has run out" {
		t.Fatalf("unexpected kept lines %q", lines)
	}
	if !strings.Contains(m.View(), "Pausing print: filament runout") {
		t.Fatalf("expected newest log line in view")
	}

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if lines, _ := logs.Lines(); len(lines) != 0 {
		t.Fatalf("expected cleared log, got %q", lines)
	}
}

func TestMeter(t *testing.T) {
	if got := meter(50, 4); got != "██░░  50%" {
		t.Fatalf("unexpected meter %q", got)
	}
	if got := meter(150, 2); got != "██ 150%" {
		t.Fatalf("unexpected clamped meter %q", got)
	}
}

func containsAll(haystack string, needles []string) bool {
	for _, needle := range needles {
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}
