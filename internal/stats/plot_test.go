package stats

import (
	"bytes"
	"strings"
	"testing"
)

func TestPlotSharedAxis(t *testing.T) {
	var buf bytes.Buffer
	err := Plot(&buf, []Series{
		{Name: "Expected", Values: []float64{2, 4, 6, 6, 6, 4, 2, 2, 2, 2}},
		{Name: "Sensed", Values: []float64{2, 4, 1, 0, 0, 0, 0, 0, 0, 0}},
	}, PlotOptions{Title: "Feed rate", Width: 10, Height: 4, FloorZero: true})
	if err != nil {
		t.Fatalf("Plot failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if lines[0] != "Feed rate" {
		t.Fatalf("expected title first, got %q", lines[0])
	}
	if len(lines) != 1+4+1 {
		t.Fatalf("expected title, 4 rows and legend, got %d lines", len(lines))
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[1]), "6.00") {
		t.Fatalf("expected top label at the shared max, got %q", lines[1])
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[4]), "0.00") {
		t.Fatalf("expected bottom label at zero, got %q", lines[4])
	}
	if !strings.Contains(lines[5], "Expected (solid)") || !strings.Contains(lines[5], "Sensed (dashed)") {
		t.Fatalf("unexpected legend %q", lines[5])
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("expected no colour for a buffer")
	}
}

func TestPlotIndependentRanges(t *testing.T) {
	var buf bytes.Buffer
	err := Plot(&buf, []Series{
		{Name: "Hard", Values: []float64{0, 50, 100}},
		{Name: "Empty"},
	}, PlotOptions{Width: 10, Height: 2, Independent: true})
	if err != nil {
		t.Fatalf("Plot failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Hard: 0.00..100") {
		t.Fatalf("expected per-series range, got %q", out)
	}
	if strings.Contains(out, "Empty") {
		t.Fatalf("expected empty series to be dropped")
	}
}

func TestPlotWidthFor(t *testing.T) {
	if got := PlotWidthFor(80); got != 80-axisLabelWidth-displayWidth(axisSeparator) {
		t.Fatalf("unexpected width %d", got)
	}
	if got := PlotWidthFor(0); got != minPlotWidth {
		t.Fatalf("expected min width %d, got %d", minPlotWidth, got)
	}
}

func TestResample(t *testing.T) {
	down := resample([]float64{1, 3, 5, 7}, 2)
	if down[0] != 2 || down[1] != 6 {
		t.Fatalf("unexpected downsample %v", down)
	}
	up := resample([]float64{0, 10}, 3)
	if up[0] != 0 || up[1] != 5 || up[2] != 10 {
		t.Fatalf("unexpected upsample %v", up)
	}
}
