// Package historyui provides the Bubble Tea print history browser.
package historyui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/cursor"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/stats"
)

const (
	tabOverview = iota
	tabPrints
	tabDetail
)

const (
	inputSince = iota
	inputLast
	inputWindow
)

// Options seeds the browser.
type Options struct {
	Filter  model.HistoryFilter
	PrintID int64
	Window  int
}

// Model implements the Bubble Tea history UI.
type Model struct {
	store stats.HistoryReader
	opts  Options

	report stats.Report
	errMsg string

	tabs       []string
	activeTab  int
	viewports  []viewport.Model
	printTable table.Model

	width  int
	height int

	filterMode   bool
	filterInputs []textinput.Model
	filterIndex  int
	filterError  string
}

// NewModel constructs a history UI model.
func NewModel(st stats.HistoryReader, opts Options) *Model {
	if opts.Window < 1 {
		opts.Window = 1
	}
	m := &Model{
		store: st,
		opts:  opts,
		tabs:  []string{"Overview", "Prints", "Detail"},
	}
	m.viewports = make([]viewport.Model, len(m.tabs))
	for i := range m.viewports {
		m.viewports[i] = viewport.New(0, 0)
	}
	m.filterInputs = []textinput.Model{
		newFilterInput("Since (YYYY-MM-DD): "),
		newFilterInput("Last: "),
		newFilterInput("Curve window: "),
	}
	m.printTable = table.New(
		table.WithColumns(printColumns()),
		table.WithHeight(1),
		table.WithFocused(true),
		table.WithStyles(tableStyles()),
	)
	m.refreshReport()
	if opts.PrintID != 0 {
		m.activeTab = tabDetail
	}
	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()
		m.renderTabContents()
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.filterMode {
			return m.updateFilter(msg)
		}
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "left", "h":
			m.moveTab(-1)
			return m, tea.ClearScreen
		case "right", "l":
			m.moveTab(1)
			return m, tea.ClearScreen
		case "=":
			m.opts.Window = nextCurveWindow(m.opts.Window)
			m.renderTabContents()
			return m, nil
		case "-":
			m.opts.Window = prevCurveWindow(m.opts.Window)
			m.renderTabContents()
			return m, nil
		case "/":
			return m.startFilter()
		case "enter":
			if m.activeTab == tabPrints {
				m.selectPrint(m.printTable.Cursor())
				m.activeTab = tabDetail
				return m, tea.ClearScreen
			}
			return m, nil
		case "g", "home":
			m.gotoEdge(true)
			return m, nil
		case "G", "end":
			m.gotoEdge(false)
			return m, nil
		}
		var cmd tea.Cmd
		if m.activeTab == tabPrints {
			m.printTable, cmd = m.printTable.Update(msg)
			return m, cmd
		}
		m.viewports[m.activeTab], cmd = m.viewports[m.activeTab].Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	headerHeight, bodyHeight, footerHeight := m.layoutHeights()
	header := fitLines(m.renderHeader(), m.width, headerHeight)
	body := fitLines(m.renderBody(), m.width, bodyHeight)
	footer := fitLines(m.renderFooter(), m.width, footerHeight)
	return strings.Join([]string{header, body, footer}, "\n")
}

func newFilterInput(prompt string) textinput.Model {
	input := textinput.New()
	input.Prompt = prompt
	input.CharLimit = 0
	input.Cursor.SetMode(cursor.CursorBlink)
	return input
}

func (m *Model) layoutHeights() (headerHeight, bodyHeight, footerHeight int) {
	headerHeight = max(lipgloss.Height(activeNavStyle.Render("X")), 1) + 1
	footerHeight = 1
	if !m.filterMode && m.errMsg != "" {
		footerHeight++
	}
	bodyHeight = max(m.height-headerHeight-footerHeight, 1)
	return headerHeight, bodyHeight, footerHeight
}

func (m *Model) updateLayout() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	_, bodyHeight, _ := m.layoutHeights()
	for i := range m.viewports {
		m.viewports[i].Width = m.width
		m.viewports[i].Height = bodyHeight
	}
	m.printTable.SetWidth(m.width)
	// One line for the header and one for its border.
	m.printTable.SetHeight(max(bodyHeight-2, 1))
	for i := range m.filterInputs {
		m.filterInputs[i].Width = max(10, m.width-lipgloss.Width(m.filterInputs[i].Prompt)-2)
	}
}

func (m *Model) moveTab(delta int) {
	m.activeTab = (m.activeTab + delta + len(m.tabs)) % len(m.tabs)
	if m.activeTab == tabPrints {
		m.printTable.Focus()
	} else {
		m.printTable.Blur()
	}
}

func (m *Model) gotoEdge(top bool) {
	switch {
	case m.activeTab == tabPrints && top:
		m.printTable.GotoTop()
	case m.activeTab == tabPrints:
		m.printTable.GotoBottom()
	case top:
		m.viewports[m.activeTab].GotoTop()
	default:
		m.viewports[m.activeTab].GotoBottom()
	}
}

func (m *Model) refreshReport() {
	report, err := stats.BuildReport(context.Background(), m.store, m.opts.Filter, m.opts.PrintID)
	if err != nil {
		m.errMsg = err.Error()
		return
	}
	m.errMsg = ""
	m.report = report
	m.printTable.SetRows(printRows(report.Prints))
	if report.Selected >= 0 {
		m.printTable.SetCursor(report.Selected)
	}
	m.renderTabContents()
}

func (m *Model) selectPrint(idx int) {
	if idx < 0 || idx >= len(m.report.Prints) {
		return
	}
	m.report.Selected = idx
	m.opts.PrintID = m.report.Prints[idx].ID
	if err := stats.LoadDetail(context.Background(), m.store, &m.report); err != nil {
		m.errMsg = err.Error()
	} else {
		m.errMsg = ""
	}
	m.renderTabContents()
	m.viewports[tabDetail].GotoTop()
}

func (m *Model) renderTabContents() {
	if m.errMsg != "" {
		for i := range m.viewports {
			m.viewports[i].SetContent("Failed to load history.")
		}
		return
	}
	width := m.width
	if width <= 0 {
		width = 80
	}
	m.viewports[tabOverview].SetContent(renderOverview(m.report, width))
	m.viewports[tabDetail].SetContent(renderDetail(m.report, m.opts.Window, width))
}

func (m *Model) startFilter() (tea.Model, tea.Cmd) {
	m.filterMode = true
	m.filterError = ""
	m.setInputsFromOptions()
	return m, m.setFilterIndex(0)
}

func (m *Model) setInputsFromOptions() {
	since := ""
	if m.opts.Filter.Since != nil {
		since = m.opts.Filter.Since.Format("2006-01-02")
	}
	last := ""
	if m.opts.Filter.Last > 0 {
		last = strconv.Itoa(m.opts.Filter.Last)
	}
	m.filterInputs[inputSince].SetValue(since)
	m.filterInputs[inputLast].SetValue(last)
	m.filterInputs[inputWindow].SetValue(strconv.Itoa(m.opts.Window))
}

func (m *Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.filterMode = false
		m.filterError = ""
		return m, nil
	case tea.KeyEnter:
		if err := m.applyFilter(); err != nil {
			m.filterError = err.Error()
			return m, nil
		}
		m.filterMode = false
		m.filterError = ""
		m.refreshReport()
		m.updateLayout()
		return m, nil
	case tea.KeyTab:
		return m, m.setFilterIndex(m.filterIndex + 1)
	case tea.KeyShiftTab:
		return m, m.setFilterIndex(m.filterIndex - 1)
	}
	var cmd tea.Cmd
	m.filterInputs[m.filterIndex], cmd = m.filterInputs[m.filterIndex].Update(msg)
	return m, cmd
}

func (m *Model) setFilterIndex(idx int) tea.Cmd {
	count := len(m.filterInputs)
	m.filterIndex = (idx + count) % count
	var cmd tea.Cmd
	for i := range m.filterInputs {
		if i == m.filterIndex {
			cmd = m.filterInputs[i].Focus()
		} else {
			m.filterInputs[i].Blur()
		}
	}
	return cmd
}

func (m *Model) applyFilter() error {
	var since *time.Time
	if input := strings.TrimSpace(m.filterInputs[inputSince].Value()); input != "" {
		parsed, err := time.ParseInLocation("2006-01-02", input, time.Local)
		if err != nil {
			return fmt.Errorf("invalid since date (expected YYYY-MM-DD)")
		}
		since = &parsed
	}

	last := 0
	if input := strings.TrimSpace(m.filterInputs[inputLast].Value()); input != "" {
		parsed, err := strconv.Atoi(input)
		if err != nil || parsed < 0 {
			return fmt.Errorf("invalid last value (use 0 or positive integer)")
		}
		last = parsed
	}

	window := m.opts.Window
	if input := strings.TrimSpace(m.filterInputs[inputWindow].Value()); input != "" {
		parsed, err := strconv.Atoi(input)
		if err != nil || parsed < 1 {
			return fmt.Errorf("invalid curve window (use integer >= 1)")
		}
		window = parsed
	}

	m.opts.Filter = model.HistoryFilter{Since: since, Last: last}
	m.opts.Window = window
	return nil
}

func nextCurveWindow(n int) int {
	if n < 5 {
		return 5
	}
	return (n/5 + 1) * 5
}

func prevCurveWindow(n int) int {
	if n <= 5 {
		return 1
	}
	if n%5 == 0 {
		return n - 5
	}
	return (n / 5) * 5
}
