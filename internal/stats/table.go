package stats

import (
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

const ellipsis = "…"

func formatTable(headers []string, rows [][]string, rightAlignCols map[int]bool) []string {
	colCount := len(headers)
	for _, row := range rows {
		colCount = max(colCount, len(row))
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	measure := func(row []string) {
		for i, cell := range row {
			widths[i] = max(widths[i], displayWidth(cell))
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	lines := make([]string, 0, len(rows)+1)
	if len(headers) > 0 {
		lines = append(lines, formatRow(headers, widths, rightAlignCols))
	}
	for _, row := range rows {
		lines = append(lines, formatRow(row, widths, rightAlignCols))
	}
	return lines
}

func formatRow(row []string, widths []int, rightAlignCols map[int]bool) string {
	cells := make([]string, len(widths))
	for i := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		cells[i] = padCell(cell, widths[i], rightAlignCols[i])
	}
	return strings.TrimRight(strings.Join(cells, " "), " ")
}

func padCell(value string, width int, rightAlign bool) string {
	if rightAlign {
		return runewidth.FillLeft(value, width)
	}
	return runewidth.FillRight(value, width)
}

func displayWidth(value string) int {
	return runewidth.StringWidth(value)
}

// Truncate shortens value to at most width display columns.
func Truncate(value string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(value, width, ellipsis)
}

// RenderTable writes an aligned table. Columns in rightAlign are right-aligned.
func RenderTable(w io.Writer, headers []string, rows [][]string, rightAlign ...int) error {
	cols := make(map[int]bool, len(rightAlign))
	for _, c := range rightAlign {
		cols[c] = true
	}
	return writeLines(w, formatTable(headers, rows, cols))
}
