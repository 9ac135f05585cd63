// Package stats contains report calculations and text rendering for
// captured sessions.
package stats

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// column describes one table column. Numeric columns right-align so
// counts and scores line up on the last digit.
type column struct {
	title   string
	numeric bool
}

// tabulate lays out rows under the given columns, padding every cell to
// the widest entry of its column. Widths are display widths, so wide
// runes in device names keep the columns straight.
func tabulate(cols []column, rows [][]string) []string {
	widths := make([]int, len(cols))
	for i, col := range cols {
		widths[i] = runewidth.StringWidth(col.title)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	lines := make([]string, 0, len(rows)+1)
	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = col.title
	}
	lines = append(lines, layoutRow(cols, header, widths))
	for _, row := range rows {
		lines = append(lines, layoutRow(cols, row, widths))
	}
	return lines
}

func layoutRow(cols []column, row []string, widths []int) string {
	var b strings.Builder
	for i, cell := range row {
		if i > 0 {
			b.WriteByte(' ')
		}
		pad := widths[i] - runewidth.StringWidth(cell)
		if pad < 0 {
			pad = 0
		}
		if cols[i].numeric {
			b.WriteString(strings.Repeat(" ", pad))
			b.WriteString(cell)
		} else {
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", pad))
		}
	}
	return b.String()
}
