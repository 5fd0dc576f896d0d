// Package dashboard provides the live Bubble Tea monitor view.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/verte-zerg/flowguard/internal/monitor"
	"github.com/verte-zerg/flowguard/internal/ring"
	"github.com/verte-zerg/flowguard/internal/stats"
)

const (
	refreshInterval = 250 * time.Millisecond
	historyLen      = 120
	meterWidth      = 20
	panelGap        = 2
	minLogHeight    = 3
)

// Source publishes monitor state.
type Source interface {
	Status() monitor.Status
}

type refreshMsg time.Time

// Model implements the Bubble Tea dashboard.
type Model struct {
	src  Source
	logs *LogBuffer

	width  int
	height int

	status     monitor.Status
	ratios     *ring.Buffer[float64]
	lastSample time.Time
	logView    viewport.Model
	logVersion uint64
	logWidth   int
}

var (
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0"))
	alertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#C89A3A"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6E6E6E"))
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#6E6E6E")).Padding(0, 1)
)

// NewModel constructs a dashboard reading from src. logs may be nil.
func NewModel(src Source, logs *LogBuffer) *Model {
	m := &Model{
		src:     src,
		logs:    logs,
		ratios:  ring.New[float64](historyLen),
		logView: viewport.New(0, minLogHeight),
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layoutLog()
		m.syncLog()
		return m, nil
	case refreshMsg:
		m.refresh()
		return m, tick()
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "c":
			if m.logs != nil {
				m.logs.Clear()
				m.syncLog()
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	default:
		return m, nil
	}
}

func (m *Model) refresh() {
	m.status = m.src.Status()
	snap := m.status.Session
	if snap.Printing && snap.At.Sub(m.lastSample) >= time.Second {
		m.lastSample = snap.At
		m.ratios.PushEvict(snap.Jam.PassRatio)
	}
	m.syncLog()
}

func (m *Model) syncLog() {
	if m.logs == nil {
		return
	}
	lines, version := m.logs.Lines()
	if version == m.logVersion && m.logView.Width == m.logWidth {
		return
	}
	m.logVersion = version
	m.logWidth = m.logView.Width
	follow := m.logView.AtBottom()
	m.logView.SetContent(wrapLog(lines, m.logView.Width))
	if follow {
		m.logView.GotoBottom()
	}
}

func (m *Model) layoutLog() {
	panels := lipgloss.Height(m.renderPanels())
	logHeight := m.height - panels - 3
	if logHeight < minLogHeight {
		logHeight = minLogHeight
	}
	m.logView.Width = max(m.width-2, 1)
	m.logView.Height = logHeight
	m.logView.GotoBottom()
}

// View implements tea.Model.
func (m *Model) View() string {
	sections := []string{m.renderHeader(), m.renderPanels()}
	if m.logs != nil {
		sections = append(sections, labelStyle.Render("Log"), m.logView.View())
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderHeader() string {
	st := m.status
	name := st.Printer.MachineName
	if name == "" {
		name = "printer"
	}
	link := alertStyle.Render("disconnected")
	if st.Session.Connected {
		link = accentStyle.Render("connected")
	}
	parts := []string{valueStyle.Render("flowguard"), name}
	if st.Address != "" {
		parts = append(parts, st.Address)
	}
	parts = append(parts, link)
	return strings.Join(parts, "  ")
}

func (m *Model) renderPanels() string {
	left := panelStyle.Render(m.renderPrint())
	right := panelStyle.Render(m.renderFlow())
	if m.width > 0 && lipgloss.Width(left)+lipgloss.Width(right)+panelGap > m.width {
		return lipgloss.JoinVertical(lipgloss.Left, left, right)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, left, strings.Repeat(" ", panelGap), right)
}

func (m *Model) renderPrint() string {
	s := m.status.Session
	lines := []string{
		accentStyle.Render("Print"),
		row("Status", s.PrintStatus.String()),
		row("Machine", s.Machine.String()),
	}
	if s.Filename != "" {
		lines = append(lines, row("File", stats.Truncate(s.Filename, 32)))
	}
	if s.JobActive {
		lines = append(lines,
			row("Layer", fmt.Sprintf("%d/%d", s.Layer, s.TotalLayer)),
			row("Progress", fmt.Sprintf("%d%%  speed %d%%  z %.2f", s.Progress, s.PrintSpeedPct, s.Z)),
		)
		if !s.StartedAt.IsZero() && s.Printing {
			lines = append(lines, row("Elapsed", s.At.Sub(s.StartedAt).Round(time.Second).String()))
		}
	}
	lines = append(lines, row("Alerts", m.renderAlerts()))
	return strings.Join(lines, "\n")
}

func (m *Model) renderAlerts() string {
	s := m.status.Session
	var alerts []string
	if s.Runout {
		alerts = append(alerts, "RUNOUT")
	}
	if s.Jam.Jammed {
		alerts = append(alerts, "JAM "+strings.ToUpper(s.Jam.Cause()))
	}
	if s.TelemetryLost {
		alerts = append(alerts, "NO TELEMETRY")
	}
	if s.AwaitingAck {
		alerts = append(alerts, "PAUSE SENT")
	}
	if s.Frozen {
		alerts = append(alerts, "FROZEN")
	}
	if len(alerts) == 0 {
		return valueStyle.Render("none")
	}
	return alertStyle.Render(strings.Join(alerts, " · "))
}

func (m *Model) renderFlow() string {
	s := m.status.Session
	lines := []string{
		accentStyle.Render("Flow"),
		row("Expected", fmt.Sprintf("%.1fmm (window %.1fmm)", s.ExpectedMm, s.WindowExpectedMm)),
		row("Sensed", fmt.Sprintf("%.1fmm (window %.1fmm)", s.ActualMm, s.WindowActualMm)),
		row("Rates", fmt.Sprintf("%.2f / %.2f mm/s", s.Jam.ExpectedRate, s.Jam.ActualRate)),
		row("Pass", fmt.Sprintf("%.2f  deficit %.1fmm", s.Jam.PassRatio, s.Jam.Deficit)),
		row("Hard", meter(s.Jam.HardJamPercent, meterWidth)),
		row("Soft", meter(s.Jam.SoftJamPercent, meterWidth)),
		row("Grace", s.Jam.GraceState.String()),
	}
	if spark := stats.Sparkline(m.ratios.Values()); spark != "" {
		lines = append(lines, row("History", spark))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) renderFooter() string {
	s := m.status.Session
	segments := []string{
		fmt.Sprintf("Jams %d", s.Jams),
		fmt.Sprintf("Pauses %d", s.Pauses),
		fmt.Sprintf("%.2f mm/pulse", s.MmPerPulse),
		fmt.Sprintf("%d pulses", s.Pulses),
	}
	if in := m.status.LastIntent; in != nil {
		segments = append(segments, fmt.Sprintf("Last %s: %s at %s", in.Kind, in.Reason, in.At.Format("15:04:05")))
	}
	segments = append(segments, "q quit · c clear log · ↑/↓ scroll")
	return footerStyle.Render(strings.Join(segments, "  "))
}

func row(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-9s", label)) + " " + valueStyle.Render(value)
}

// meter renders pct (0..100) as a bar.
func meter(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	filled = min(max(filled, 0), width)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %3.0f%%", bar, pct)
}
