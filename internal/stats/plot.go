// Package stats contains report calculations and text rendering for
// captured sessions.
package stats

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"golang.org/x/term"
)

// Series represents a named data series for plotting.
type Series struct {
	Name   string
	Values []float64
}

const (
	defaultPlotHeight   = 8
	minPlotWidth        = 10
	axisSeparator       = " | "
	terminalWidthBackup = 80
)

// PlotSeries renders a braille text plot of the series, one after another,
// each scaled to its own min and max.
func PlotSeries(w io.Writer, series []Series, width, height int) error {
	if height <= 0 {
		height = defaultPlotHeight
	}
	if width <= 0 {
		width = PlotWidthFor(terminalWidth())
	}
	if width < minPlotWidth {
		width = minPlotWidth
	}
	for _, s := range series {
		if len(s.Values) == 0 {
			continue
		}
		if err := plotOne(w, s, width, height); err != nil {
			return err
		}
	}
	return nil
}

// PlotWidthFor computes a plot width that fits within the total available width.
func PlotWidthFor(totalWidth int) int {
	plotWidth := totalWidth - len(axisSeparator) - 8
	if plotWidth < minPlotWidth {
		plotWidth = minPlotWidth
	}
	return plotWidth
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return terminalWidthBackup
	}
	return width
}

func plotOne(w io.Writer, s Series, width, height int) error {
	values := resample(s.Values, width*2)
	minVal, maxVal := minMax(values)
	if math.Abs(maxVal-minVal) < 1e-9 {
		minVal--
		maxVal++
	}

	cells := make([][]uint8, height)
	for y := range cells {
		cells[y] = make([]uint8, width)
	}
	prevY := -1
	for x, v := range values {
		y := valueToDot(v, minVal, maxVal, height*4)
		if prevY >= 0 {
			// Fill vertical gaps so steep moves read as a line.
			step := 1
			if y < prevY {
				step = -1
			}
			for fy := prevY; fy != y; fy += step {
				setDot(cells, x, fy)
			}
		}
		setDot(cells, x, y)
		prevY = y
	}

	if _, err := fmt.Fprintf(w, "%s: min=%.3f max=%.3f\n", s.Name, minVal, maxVal); err != nil {
		return err
	}
	labels := make([]string, height)
	labels[0] = fmt.Sprintf("%8.3f", maxVal)
	labels[height-1] = fmt.Sprintf("%8.3f", minVal)
	for y := 0; y < height; y++ {
		var row strings.Builder
		fmt.Fprintf(&row, "%8s%s", labels[y], axisSeparator)
		for x := 0; x < width; x++ {
			row.WriteRune(rune(0x2800 + int(cells[y][x])))
		}
		if _, err := fmt.Fprintln(w, row.String()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "")
	return err
}

// resample averages or interpolates values onto n points.
func resample(values []float64, n int) []float64 {
	if len(values) == 0 || n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if len(values) >= n {
		for i := 0; i < n; i++ {
			start := i * len(values) / n
			end := (i + 1) * len(values) / n
			if end <= start {
				end = start + 1
			}
			var sum float64
			for _, v := range values[start:end] {
				sum += v
			}
			out[i] = sum / float64(end-start)
		}
		return out
	}
	if len(values) == 1 || n == 1 {
		for i := range out {
			out[i] = values[0]
		}
		return out
	}
	for i := 0; i < n; i++ {
		pos := float64(i) * float64(len(values)-1) / float64(n-1)
		idx := int(pos)
		if idx >= len(values)-1 {
			out[i] = values[len(values)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = values[idx]*(1-frac) + values[idx+1]*frac
	}
	return out
}

func minMax(values []float64) (float64, float64) {
	minVal := math.Inf(1)
	maxVal := math.Inf(-1)
	for _, v := range values {
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}
	if minVal > maxVal {
		return 0, 0
	}
	return minVal, maxVal
}

func valueToDot(v, minVal, maxVal float64, dots int) int {
	pos := (v - minVal) / (maxVal - minVal)
	y := int(math.Round((1 - pos) * float64(dots-1)))
	if y < 0 {
		y = 0
	}
	if y >= dots {
		y = dots - 1
	}
	return y
}

func setDot(cells [][]uint8, x, y int) {
	cellY := y / 4
	cellX := x / 2
	if cellY < 0 || cellY >= len(cells) || cellX < 0 || cellX >= len(cells[cellY]) {
		return
	}
	cells[cellY][cellX] |= brailleDotMask(x%2, y%4)
}

func brailleDotMask(x, y int) uint8 {
	masks := [4][2]uint8{
		{0x01, 0x08},
		{0x02, 0x10},
		{0x04, 0x20},
		{0x40, 0x80},
	}
	return masks[y][x]
}
