package stats

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
)

const sparkChars = " .:-=+*#%@"

const (
	timeFormat    = "2006-01-02 15:04"
	maxFileColumn = 28
)

// Summary aggregates a set of prints.
type Summary struct {
	Prints       int
	Completed    int
	Stopped      int
	Jams         int
	Pauses       int
	PrintTime    time.Duration
	ExpectedMm   float64
	ActualMm     float64
	AvgQuality   float64
	WorstQuality float64
}

// Summarize totals prints. Quality averages skip prints without extrusion.
func Summarize(prints []model.PrintRecord) Summary {
	var s Summary
	s.Prints = len(prints)
	s.WorstQuality = math.Inf(1)
	var qualitySum float64
	var rated int
	for _, p := range prints {
		switch p.EndStatus {
		case model.PrintComplete:
			s.Completed++
		case model.PrintStopped:
			s.Stopped++
		}
		s.Jams += p.Jams
		s.Pauses += p.Pauses
		if p.EndedAt.After(p.StartedAt) {
			s.PrintTime += p.EndedAt.Sub(p.StartedAt)
		}
		s.ExpectedMm += p.ExpectedMm
		s.ActualMm += p.ActualMm
		if p.ExpectedMm > 0 {
			q := p.FlowQuality()
			qualitySum += q
			rated++
			s.WorstQuality = math.Min(s.WorstQuality, q)
		}
	}
	if rated == 0 {
		s.WorstQuality = 0
		return s
	}
	s.AvgQuality = qualitySum / float64(rated)
	return s
}

// MovingAverage computes a rolling mean over the provided window size.
func MovingAverage(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	if window <= 1 {
		copy(out, values)
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		out[i] = sum / float64(min(i+1, window))
	}
	return out
}

// Sparkline renders a single-line ASCII sparkline for the values.
func Sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	r := rangeOf(values)
	if math.Abs(r.hi-r.lo) < 1e-9 {
		return strings.Repeat(string(sparkChars[len(sparkChars)/2]), len(values))
	}
	var b strings.Builder
	for _, v := range values {
		pos := (v - r.lo) / (r.hi - r.lo)
		idx := int(math.Round(pos * float64(len(sparkChars)-1)))
		b.WriteByte(sparkChars[min(max(idx, 0), len(sparkChars)-1)])
	}
	return b.String()
}

// RenderSummary prints totals for prints.
func RenderSummary(w io.Writer, prints []model.PrintRecord) error {
	if len(prints) == 0 {
		_, err := fmt.Fprintln(w, "No prints found.")
		return err
	}
	s := Summarize(prints)
	lines := []string{
		"Summary",
		fmt.Sprintf("Prints: %d (%d complete, %d stopped)", s.Prints, s.Completed, s.Stopped),
		fmt.Sprintf("Print time: %s", s.PrintTime.Round(time.Second)),
		fmt.Sprintf("Filament: expected %.1fmm, sensed %.1fmm", s.ExpectedMm, s.ActualMm),
		fmt.Sprintf("Flow quality: avg %.1f%%, worst %.1f%%", s.AvgQuality*100, s.WorstQuality*100),
		fmt.Sprintf("Jams: %d  Pauses: %d", s.Jams, s.Pauses),
		"",
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// RenderPrintTable lists prints oldest first.
func RenderPrintTable(w io.Writer, prints []model.PrintRecord) error {
	if len(prints) == 0 {
		_, err := fmt.Fprintln(w, "No prints found.")
		return err
	}
	if _, err := fmt.Fprintln(w, "Prints"); err != nil {
		return err
	}
	rows := make([][]string, 0, len(prints))
	for _, p := range prints {
		rows = append(rows, PrintRow(p))
	}
	return writeLines(w, formatTable(PrintHeaders, rows, map[int]bool{0: true, 3: true, 5: true, 6: true, 7: true, 8: true, 9: true}))
}

// PrintHeaders are the print table columns.
var PrintHeaders = []string{"ID", "Started", "Result", "Duration", "File", "Expected", "Sensed", "Quality", "Jams", "Pauses"}

// PrintRow formats one print for PrintHeaders.
func PrintRow(p model.PrintRecord) []string {
	return []string{
		fmt.Sprintf("%d", p.ID),
		p.StartedAt.Local().Format(timeFormat),
		p.EndStatus.String(),
		p.EndedAt.Sub(p.StartedAt).Round(time.Second).String(),
		Truncate(p.Filename, maxFileColumn),
		fmt.Sprintf("%.1fmm", p.ExpectedMm),
		fmt.Sprintf("%.1fmm", p.ActualMm),
		fmt.Sprintf("%.1f%%", p.FlowQuality()*100),
		fmt.Sprintf("%d", p.Jams),
		fmt.Sprintf("%d", p.Pauses),
	}
}

// RenderEventTable lists events with the flow state at the time.
func RenderEventTable(w io.Writer, events []model.Event) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "No events found.")
		return err
	}
	if _, err := fmt.Fprintln(w, "Events"); err != nil {
		return err
	}
	headers := []string{"Time", "Event", "Detail", "Pass", "Deficit", "Hard", "Soft"}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			e.At.Local().Format("15:04:05"),
			string(e.Kind),
			e.Detail,
			fmt.Sprintf("%.2f", e.PassRatio),
			fmt.Sprintf("%.1fmm", e.DeficitMm),
			fmt.Sprintf("%.0f%%", e.HardPct),
			fmt.Sprintf("%.0f%%", e.SoftPct),
		})
	}
	return writeLines(w, formatTable(headers, rows, map[int]bool{3: true, 4: true, 5: true, 6: true}))
}

// FlowCurveOptions sizes flow plots.
type FlowCurveOptions struct {
	Window     int
	TotalWidth int
	Height     int
	Color      bool
}

// RenderFlowCurves plots expected against sensed feed rate and the jam accumulators.
func RenderFlowCurves(w io.Writer, points []model.FlowPoint, opts FlowCurveOptions) error {
	if len(points) < 2 {
		_, err := fmt.Fprintln(w, "Not enough flow samples to plot.")
		return err
	}
	expected := make([]float64, len(points))
	actual := make([]float64, len(points))
	pass := make([]float64, len(points))
	hard := make([]float64, len(points))
	soft := make([]float64, len(points))
	for i, p := range points {
		expected[i] = p.ExpectedRate
		actual[i] = p.ActualRate
		pass[i] = math.Min(p.PassRatio, 1.5)
		hard[i] = p.HardPct
		soft[i] = p.SoftPct
	}
	width := 0
	if opts.TotalWidth > 0 {
		width = PlotWidthFor(opts.TotalWidth)
	}
	span := points[len(points)-1].At.Sub(points[0].At).Round(time.Second)

	if err := Plot(w, []Series{
		{Name: "Expected", Values: MovingAverage(expected, opts.Window)},
		{Name: "Sensed", Values: MovingAverage(actual, opts.Window)},
	}, PlotOptions{
		Title:     fmt.Sprintf("Feed rate, mm/s (%s)", span),
		Width:     width,
		Height:    opts.Height,
		FloorZero: true,
		Color:     opts.Color,
	}); err != nil {
		return err
	}
	if err := Plot(w, []Series{
		{Name: "Pass ratio", Values: MovingAverage(pass, opts.Window)},
	}, PlotOptions{
		Title:     "Pass ratio",
		Width:     width,
		Height:    opts.Height / 2,
		FloorZero: true,
		Color:     opts.Color,
	}); err != nil {
		return err
	}
	return Plot(w, []Series{
		{Name: "Hard", Values: hard},
		{Name: "Soft", Values: soft},
	}, PlotOptions{
		Title:     "Jam accumulators, %",
		Width:     width,
		Height:    opts.Height / 2,
		FloorZero: true,
		Color:     opts.Color,
	})
}

func writeLines(w io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
