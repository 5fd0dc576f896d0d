// Package stats summarizes print history and renders flow plots and tables.
package stats

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"golang.org/x/term"
)

// Series is a named data series for plotting.
type Series struct {
	Name   string
	Values []float64
}

// PlotOptions controls plot rendering.
type PlotOptions struct {
	Title  string
	Unit   string
	Width  int
	Height int
	// Independent scales each series to its own range. Otherwise all series share
	// one axis, which keeps expected and actual rates comparable.
	Independent bool
	// FloorZero pins the bottom of a shared axis at zero.
	FloorZero bool
	Color     bool
}

type dash struct {
	name   string
	period int
	on     int
}

const (
	defaultPlotHeight = 10
	minPlotWidth      = 10
	axisLabelWidth    = 7
	axisSeparator     = " │ "
	colorReset        = "\x1b[0m"
	fallbackWidth     = 80
)

var dashes = []dash{
	{name: "solid", period: 1, on: 1},
	{name: "dashed", period: 6, on: 3},
	{name: "dotted", period: 4, on: 1},
	{name: "dashdot", period: 8, on: 3},
}

var palette = []string{
	"\x1b[36m", // cyan
	"\x1b[33m", // yellow
	"\x1b[35m", // magenta
	"\x1b[32m", // green
	"\x1b[34m", // blue
}

type valueRange struct {
	lo, hi float64
}

func (r valueRange) widen() valueRange {
	if math.Abs(r.hi-r.lo) < 1e-9 {
		return valueRange{lo: r.lo - 1, hi: r.hi + 1}
	}
	return r
}

// Plot renders series as a braille line chart.
func Plot(w io.Writer, series []Series, opts PlotOptions) error {
	series = nonEmpty(series)
	if len(series) == 0 {
		return nil
	}
	height := opts.Height
	if height <= 0 {
		height = defaultPlotHeight
	}
	width := opts.Width
	if width <= 0 {
		width = PlotWidthFor(terminalWidth())
	}
	if width < minPlotWidth {
		width = minPlotWidth
	}

	resampled := make([]Series, len(series))
	ranges := make([]valueRange, len(series))
	shared := valueRange{lo: math.Inf(1), hi: math.Inf(-1)}
	for i, s := range series {
		resampled[i] = Series{Name: s.Name, Values: resample(s.Values, width)}
		ranges[i] = rangeOf(resampled[i].Values)
		shared.lo = math.Min(shared.lo, ranges[i].lo)
		shared.hi = math.Max(shared.hi, ranges[i].hi)
	}
	if opts.FloorZero && shared.lo > 0 {
		shared.lo = 0
	}
	shared = shared.widen()
	for i := range ranges {
		if opts.Independent {
			ranges[i] = ranges[i].widen()
		} else {
			ranges[i] = shared
		}
	}

	layers := make([]*canvas, len(resampled))
	for i, s := range resampled {
		layers[i] = newCanvas(width, height)
		layers[i].trace(s.Values, ranges[i], dashes[i%len(dashes)])
	}

	color := useColor(w, opts.Color)
	if opts.Title != "" {
		if _, err := fmt.Fprintln(w, opts.Title); err != nil {
			return err
		}
	}
	if opts.Independent {
		for i, s := range resampled {
			if _, err := fmt.Fprintf(w, "%s: %s..%s\n", s.Name, formatValue(ranges[i].lo, opts.Unit), formatValue(ranges[i].hi, opts.Unit)); err != nil {
				return err
			}
		}
	}
	labels := axisLabels(height, shared, opts)
	for y := 0; y < height; y++ {
		var row strings.Builder
		fmt.Fprintf(&row, "%*s%s", axisLabelWidth, labels[y], axisSeparator)
		for x := 0; x < width; x++ {
			mask, owner := overlay(layers, x, y)
			ch := rune(0x2800 + int(mask))
			if color && owner >= 0 {
				row.WriteString(palette[owner%len(palette)])
				row.WriteRune(ch)
				row.WriteString(colorReset)
				continue
			}
			row.WriteRune(ch)
		}
		if _, err := fmt.Fprintln(w, row.String()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, legend(resampled, color)); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

// PlotWidthFor returns the plot width that fits next to the axis in totalWidth columns.
func PlotWidthFor(totalWidth int) int {
	if totalWidth <= 0 {
		return minPlotWidth
	}
	width := totalWidth - axisLabelWidth - displayWidth(axisSeparator)
	if width < minPlotWidth {
		return minPlotWidth
	}
	return width
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return fallbackWidth
	}
	return width
}

func useColor(w io.Writer, force bool) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if force {
		return true
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func axisLabels(height int, r valueRange, opts PlotOptions) []string {
	labels := make([]string, height)
	if opts.Independent {
		labels[0] = "max"
		if height > 1 {
			labels[height-1] = "min"
		}
		return labels
	}
	labels[0] = formatValue(r.hi, "")
	if height > 2 {
		labels[height/2] = formatValue((r.lo+r.hi)/2, "")
	}
	if height > 1 {
		labels[height-1] = formatValue(r.lo, "")
	}
	return labels
}

func formatValue(v float64, unit string) string {
	s := fmt.Sprintf("%.2f", v)
	if math.Abs(v) >= 100 {
		s = fmt.Sprintf("%.0f", v)
	}
	if unit != "" {
		s += unit
	}
	return s
}

func legend(series []Series, color bool) string {
	parts := make([]string, 0, len(series))
	for i, s := range series {
		label := fmt.Sprintf("⠁ %s (%s)", s.Name, dashes[i%len(dashes)].name)
		if color {
			label = palette[i%len(palette)] + label + colorReset
		}
		parts = append(parts, label)
	}
	return "Legend: " + strings.Join(parts, "  ")
}

func nonEmpty(series []Series) []Series {
	out := make([]Series, 0, len(series))
	for _, s := range series {
		if len(s.Values) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func rangeOf(values []float64) valueRange {
	if len(values) == 0 {
		return valueRange{}
	}
	r := valueRange{lo: values[0], hi: values[0]}
	for _, v := range values[1:] {
		r.lo = math.Min(r.lo, v)
		r.hi = math.Max(r.hi, v)
	}
	return r
}

// resample averages down or interpolates up to width points.
func resample(values []float64, width int) []float64 {
	n := len(values)
	if n == 0 || width <= 0 {
		return nil
	}
	out := make([]float64, width)
	switch {
	case n == width:
		copy(out, values)
	case n > width:
		for i := range out {
			start := i * n / width
			end := (i + 1) * n / width
			if end <= start {
				end = start + 1
			}
			var sum float64
			for _, v := range values[start:end] {
				sum += v
			}
			out[i] = sum / float64(end-start)
		}
	case n == 1 || width == 1:
		for i := range out {
			out[i] = values[0]
		}
	default:
		for i := range out {
			pos := float64(i) * float64(n-1) / float64(width-1)
			idx := int(pos)
			if idx >= n-1 {
				out[i] = values[n-1]
				continue
			}
			frac := pos - float64(idx)
			out[i] = values[idx]*(1-frac) + values[idx+1]*frac
		}
	}
	return out
}

// canvas is a grid of braille cells, each 2 dots wide and 4 tall.
type canvas struct {
	width  int
	height int
	cells  [][]uint8
}

func newCanvas(width, height int) *canvas {
	c := &canvas{width: width, height: height, cells: make([][]uint8, height)}
	for y := range c.cells {
		c.cells[y] = make([]uint8, width)
	}
	return c
}

func (c *canvas) trace(values []float64, r valueRange, d dash) {
	dots := c.height * 4
	prevX, prevY := -1, -1
	for x, v := range values {
		pos := (v - r.lo) / (r.hi - r.lo)
		y := int(math.Round((1 - pos) * float64(dots-1)))
		y = min(max(y, 0), dots-1)
		px := x * 2
		if prevX < 0 {
			if d.draws(px) {
				c.set(px, y)
			}
		} else {
			c.line(prevX, prevY, px, y, d)
		}
		prevX, prevY = px, y
	}
}

// line plots a Bresenham segment.
func (c *canvas) line(x0, y0, x1, y1 int, d dash) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		if d.draws(x0) {
			c.set(x0, y0)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func (c *canvas) set(x, y int) {
	cx, cy := x/2, y/4
	if x < 0 || y < 0 || cx >= c.width || cy >= c.height {
		return
	}
	c.cells[cy][cx] |= dotBit(x%2, y%4)
}

func (d dash) draws(x int) bool {
	if d.period <= 1 {
		return true
	}
	return abs(x)%d.period < d.on
}

// dotBit maps a dot within a cell to its braille bit.
func dotBit(col, row int) uint8 {
	bits := [2][4]uint8{
		{0x01, 0x02, 0x04, 0x40},
		{0x08, 0x10, 0x20, 0x80},
	}
	return bits[col][row]
}

// overlay merges layers into one cell. The first layer that sets a dot owns the colour.
func overlay(layers []*canvas, x, y int) (uint8, int) {
	var mask uint8
	owner := -1
	for i, l := range layers {
		m := l.cells[y][x]
		if m == 0 {
			continue
		}
		if owner < 0 {
			owner = i
		}
		mask |= m
	}
	return mask, owner
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
