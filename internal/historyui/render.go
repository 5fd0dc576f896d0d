package historyui

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/stats"
)

const (
	plotHeight  = 10
	worstPrints = 5
)

var (
	activeNavStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F0F0F0")).
			Bold(true).
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#C89A3A"))
	inactiveNavStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#B0B0B0")).
				Padding(0, 1).
				Border(lipgloss.RoundedBorder(), true).
				BorderForeground(lipgloss.Color("#4A4A4A"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6E6E6E"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F"))
	cardStyle   = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#4A4A4A"))
	cardTitleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
	cardValueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0")).Bold(true)
	tableMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#B8B8B8"))
)

func (m *Model) renderHeader() string {
	parts := make([]string, 0, len(m.tabs))
	for i, tab := range m.tabs {
		if i == m.activeTab {
			parts = append(parts, activeNavStyle.Render(tab))
		} else {
			parts = append(parts, inactiveNavStyle.Render(tab))
		}
	}
	tabs := lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	return tabs + "\n" + headerStyle.Render(truncateLine(m.filterSummary(), m.width))
}

func (m *Model) filterSummary() string {
	since := "any"
	if m.opts.Filter.Since != nil {
		since = m.opts.Filter.Since.Format("2006-01-02")
	}
	last := "all"
	if m.opts.Filter.Last > 0 {
		last = strconv.Itoa(m.opts.Filter.Last)
	}
	selected := "none"
	if p, ok := m.report.Current(); ok {
		selected = fmt.Sprintf("#%d %s", p.ID, p.Filename)
	}
	return fmt.Sprintf("Settings: since=%s  last=%s  window=%d  selected=%s", since, last, m.opts.Window, selected)
}

func (m *Model) renderFooter() string {
	if m.filterMode {
		return headerStyle.Render("tab/shift+tab: next field  enter: apply  esc: cancel")
	}
	help := "Nav: left/right  Scroll: up/down/pgup/pgdn  Window: -/=  Settings: /  Quit: q"
	if m.activeTab == tabPrints {
		help = "Nav: left/right  Select: up/down  Detail: enter  Settings: /  Quit: q"
	}
	footer := headerStyle.Render(help)
	if m.errMsg != "" {
		footer += "\n" + errorStyle.Render(m.errMsg)
	}
	return footer
}

func (m *Model) renderBody() string {
	if m.filterMode {
		lines := []string{"Settings (enter to apply, esc to cancel)"}
		for _, input := range m.filterInputs {
			lines = append(lines, input.View())
		}
		if m.filterError != "" {
			lines = append(lines, errorStyle.Render(m.filterError))
		}
		return strings.Join(lines, "\n")
	}
	if m.activeTab == tabPrints {
		if len(m.report.Prints) == 0 {
			return "No prints found."
		}
		return tableMutedStyle.Render(m.printTable.View())
	}
	return m.viewports[m.activeTab].View()
}

func renderOverview(r stats.Report, width int) string {
	if len(r.Prints) == 0 {
		return "No prints found."
	}
	s := stats.Summarize(r.Prints)
	cards := []string{
		metricCard("Prints", fmt.Sprintf("%d", s.Prints)),
		metricCard("Complete", fmt.Sprintf("%d", s.Completed)),
		metricCard("Jams", fmt.Sprintf("%d", s.Jams)),
		metricCard("Pauses", fmt.Sprintf("%d", s.Pauses)),
		metricCard("Avg flow", fmt.Sprintf("%.1f%%", s.AvgQuality*100)),
		metricCard("Worst flow", fmt.Sprintf("%.1f%%", s.WorstQuality*100)),
	}
	var summary string
	if width < 80 {
		summary = strings.Join(cards, "\n")
	} else {
		row1 := lipgloss.JoinHorizontal(lipgloss.Top, cards[0], cards[1], cards[2])
		row2 := lipgloss.JoinHorizontal(lipgloss.Top, cards[3], cards[4], cards[5])
		summary = lipgloss.JoinVertical(lipgloss.Left, row1, row2)
	}

	sections := []string{summary}
	if worst := stats.WorstPrints(r.Prints, worstPrints); len(worst) > 0 {
		var buf bytes.Buffer
		buf.WriteString("Lowest flow quality\n")
		for _, p := range worst {
			fmt.Fprintf(&buf, "  #%-4d %6.1f%%  %s\n", p.ID, p.FlowQuality()*100, stats.Truncate(p.Filename, max(width-20, 10)))
		}
		sections = append(sections, strings.TrimRight(buf.String(), "\n"))
	}
	return strings.Join(sections, "\n\n")
}

func metricCard(label, value string) string {
	content := fmt.Sprintf("%s\n%s", cardTitleStyle.Render(label), cardValueStyle.Render(value))
	return cardStyle.Render(content)
}

func renderDetail(r stats.Report, window, width int) string {
	p, ok := r.Current()
	if !ok {
		return "No print selected. Pick one on the Prints tab."
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "#%d %s  %s  %s\n", p.ID, p.Filename, p.EndStatus, p.EndedAt.Sub(p.StartedAt).Round(time.Second))
	fmt.Fprintf(&buf, "Expected %.1fmm  Sensed %.1fmm  Deficit %.1fmm  Quality %.1f%%  %.3f mm/pulse\n\n",
		p.ExpectedMm, p.ActualMm, p.DeficitMm(), p.FlowQuality()*100, p.MmPerPulse)
	if err := stats.RenderFlowCurves(&buf, r.Points, stats.FlowCurveOptions{
		Window:     window,
		TotalWidth: width,
		Height:     plotHeight,
		Color:      true,
	}); err != nil {
		return fmt.Sprintf("Failed to render flow curves: %v", err)
	}
	if causes := stats.JamCauses(r.Events); len(causes) > 0 {
		parts := make([]string, 0, len(causes))
		for _, c := range causes {
			parts = append(parts, fmt.Sprintf("%s×%d", c.Cause, c.Count))
		}
		fmt.Fprintf(&buf, "Jam causes: %s\n\n", strings.Join(parts, "  "))
	}
	if err := stats.RenderEventTable(&buf, r.Events); err != nil {
		return fmt.Sprintf("Failed to render events: %v", err)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func printColumns() []table.Column {
	widths := []int{5, 16, 9, 9, 24, 10, 10, 8, 5, 6}
	cols := make([]table.Column, len(stats.PrintHeaders))
	for i, title := range stats.PrintHeaders {
		cols[i] = table.Column{Title: title, Width: widths[i]}
	}
	return cols
}

func printRows(prints []model.PrintRecord) []table.Row {
	rows := make([]table.Row, len(prints))
	for i, p := range prints {
		rows[i] = table.Row(stats.PrintRow(p))
	}
	return rows
}

func tableStyles() table.Styles {
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(lipgloss.Color("#4A4A4A")).
		Foreground(lipgloss.Color("#C0C0C0")).
		Bold(true).
		Padding(0, 1).
		PaddingLeft(0)
	styles.Cell = styles.Cell.
		Padding(0, 1).
		PaddingLeft(0)
	styles.Selected = styles.Cell.
		Foreground(lipgloss.Color("#F0F0F0")).
		Bold(true)
	return styles
}

func padLine(line string, width int) string {
	if w := lipgloss.Width(line); w < width {
		return line + strings.Repeat(" ", width-w)
	}
	return line
}

func fitLines(s string, width, height int) string {
	if width <= 0 || height <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	for i, line := range lines {
		lines[i] = padLine(line, width)
	}
	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}
	return strings.Join(lines, "\n")
}

func truncateLine(s string, width int) string {
	if width <= 0 {
		return s
	}
	return stats.Truncate(s, width)
}
