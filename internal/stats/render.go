// Package stats contains report calculations and text rendering for
// captured sessions.
package stats

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/verte-zerg/rngviz/internal/model"
)

// RenderReport writes a session report: header, per-test tallies, and
// z-score plots. width <= 0 sizes the plots to the terminal.
func RenderReport(w io.Writer, r Report, width int) error {
	if _, err := fmt.Fprintf(w, "Session %s on %s, window %d, %d bytes\n\n",
		r.Meta.StartedAt.Format(time.RFC3339), r.Meta.Device, r.Meta.WindowSize, r.Bytes); err != nil {
		return err
	}

	cols := []column{
		{title: "test"},
		{title: "*", numeric: true},
		{title: "**", numeric: true},
		{title: "***", numeric: true},
		{title: "total", numeric: true},
		{title: "peak |z|", numeric: true},
	}
	rows := make([][]string, 0, len(r.Tallies))
	for _, tally := range r.Tallies {
		rows = append(rows, []string{
			string(tally.Test),
			strconv.Itoa(tally.Tier95),
			strconv.Itoa(tally.Tier99),
			strconv.Itoa(tally.Tier999),
			strconv.Itoa(tally.Total()),
			fmt.Sprintf("%.2f", r.PeakZ[tally.Test]),
		})
	}
	for _, line := range tabulate(cols, rows) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, ""); err != nil {
		return err
	}

	series := []Series{{Name: "ones ratio", Values: r.OnesRatio}}
	for _, kind := range reportKinds {
		series = append(series, Series{Name: string(kind) + " z", Values: r.ZSeries[kind]})
	}
	return PlotSeries(w, series, width, 0)
}

// RenderSessionsTable writes the session index as a table, one line per
// captured session.
func RenderSessionsTable(w io.Writer, sessions []model.SessionSummary) error {
	cols := []column{
		{title: "id", numeric: true},
		{title: "started"},
		{title: "duration"},
		{title: "device"},
		{title: "window", numeric: true},
		{title: "bytes", numeric: true},
		{title: "game up/down"},
		{title: "capture"},
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			strconv.FormatInt(s.ID, 10),
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.EndedAt.Sub(s.StartedAt).Round(time.Second).String(),
			s.Device,
			strconv.Itoa(s.WindowSize),
			strconv.Itoa(s.Bytes),
			fmt.Sprintf("%d/%d", s.GameUp, s.GameDown),
			s.CapturePath,
		})
	}
	for _, line := range tabulate(cols, rows) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
