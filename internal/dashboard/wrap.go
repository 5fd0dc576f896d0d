package dashboard

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// logIndent lines continuation rows up with the text after the timestamp.
const logIndent = "         "

type cell struct {
	r       rune
	width   int
	isSpace bool
}

// wrapLog wraps each log line to width, breaking at the last space when there is one.
func wrapLog(lines []string, width int) string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, wrapLine(line, width, logIndent))
	}
	return strings.Join(out, "\n")
}

func wrapLine(s string, width int, indent string) string {
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	indentWidth := runewidth.StringWidth(indent)
	if indentWidth >= width {
		indent, indentWidth = "", 0
	}

	var out strings.Builder
	line := make([]cell, 0, width)
	lineWidth := 0
	lastSpace := -1
	limit := width
	cells := toCells(s)

	for i := 0; i < len(cells); {
		c := cells[i]
		if lineWidth+c.width > limit && len(line) > 0 {
			if lastSpace > 0 {
				writeCells(&out, line[:lastSpace])
				line = append([]cell{}, line[lastSpace+1:]...)
			} else {
				writeCells(&out, line)
				line = line[:0]
			}
			out.WriteRune('\n')
			out.WriteString(indent)
			limit = width - indentWidth
			lineWidth = cellsWidth(line)
			lastSpace = lastSpaceIndex(line)
			continue
		}
		line = append(line, c)
		lineWidth += c.width
		if c.isSpace {
			lastSpace = len(line) - 1
		}
		i++
	}
	writeCells(&out, line)
	return out.String()
}

func toCells(s string) []cell {
	cells := make([]cell, 0, len(s))
	for _, r := range s {
		cells = append(cells, cell{r: r, width: runewidth.RuneWidth(r), isSpace: r == ' '})
	}
	return cells
}

func writeCells(b *strings.Builder, cells []cell) {
	for _, c := range cells {
		b.WriteRune(c.r)
	}
}

func cellsWidth(cells []cell) int {
	total := 0
	for _, c := range cells {
		total += c.width
	}
	return total
}

func lastSpaceIndex(cells []cell) int {
	for i := len(cells) - 1; i >= 0; i-- {
		if cells[i].isSpace {
			return i
		}
	}
	return -1
}
