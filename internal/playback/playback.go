// Package playback re-drives a captured session through the analysis chain.
// Replay feeds stored bytes into a fresh window and classifier so consumers
// see exactly the steps they would have seen live.
package playback

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/verte-zerg/rngviz/internal/analysis"
	"github.com/verte-zerg/rngviz/internal/fanout"
	"github.com/verte-zerg/rngviz/internal/model"
	"github.com/verte-zerg/rngviz/internal/window"
)

// Speed controls replay pacing.
type Speed struct {
	factor float64
}

// RealTime replays with the original inter-byte delays.
func RealTime() Speed {
	return Speed{factor: 1}
}

// Accelerated replays with delays divided by factor. Factors below or equal
// to zero are treated as instant.
func Accelerated(factor float64) Speed {
	return Speed{factor: factor}
}

// Instant replays without any pacing.
func Instant() Speed {
	return Speed{factor: 0}
}

// zTolerance bounds the allowed drift between a stored z-score and the one
// recomputed during replay before an integrity warning fires.
const zTolerance = 1e-9

var testKinds = []model.TestKind{model.TestFrequency, model.TestRuns, model.TestChiSquare}

// Driver replays capture records through its own aggregator and classifier,
// publishing each resulting step to a fanout.
type Driver struct {
	agg        *window.Aggregator
	classifier *analysis.Classifier
	fan        *fanout.Fanout
	log        *slog.Logger

	mismatches int
}

// New builds a driver sized from the session metadata. The fanout carries
// the replayed steps to whatever consumers the caller attached.
func New(meta model.SessionMeta, fan *fanout.Fanout, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		agg:        window.New(meta.WindowSize),
		classifier: analysis.New(meta.Thresholds),
		fan:        fan,
		log:        log,
	}
}

// Mismatches reports how many stored anomaly columns disagreed with the
// recomputed results so far.
func (d *Driver) Mismatches() int {
	return d.mismatches
}

// Replay runs every record through the chain at the given speed.
func (d *Driver) Replay(ctx context.Context, records []model.CaptureRecord, speed Speed) error {
	return d.ReplayFrom(ctx, records, 0, speed)
}

// ReplayFrom starts publishing at records[offset]. Records inside one window
// before the offset are ingested silently first, so the window state at the
// offset matches a full replay.
func (d *Driver) ReplayFrom(ctx context.Context, records []model.CaptureRecord, offset int, speed Speed) error {
	if offset < 0 {
		offset = 0
	}
	if offset > len(records) {
		offset = len(records)
	}
	warm := offset - d.agg.Capacity()
	if warm < 0 {
		warm = 0
	}
	// Seeking past a sub-sequence restart must not stitch the two halves
	// together, so warm-up stops growing backwards beyond the last restart.
	for i := warm + 1; i < offset; i++ {
		if records[i].Sample.Seq == 1 {
			warm = i
		}
	}
	for _, rec := range records[warm:offset] {
		d.ingest(rec.Sample)
	}
	var prev time.Time
	for i := offset; i < len(records); i++ {
		rec := records[i]
		if i > offset {
			if err := d.pace(ctx, rec.Sample.WallTime.Sub(prev), speed); err != nil {
				return err
			}
		}
		prev = rec.Sample.WallTime
		snap := d.ingest(rec.Sample)
		events := d.classifier.Classify(snap)
		d.crossCheck(rec, events)
		if err := d.fan.Publish(ctx, model.Step{Sample: rec.Sample, Events: events}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) ingest(s model.RawSample) window.Snapshot {
	snap, err := d.agg.Ingest(s)
	if err != nil {
		// Seq restarting at 1 marks a reconnect in the capture; the
		// window starts over just as it did live.
		d.agg.Reset()
		snap, _ = d.agg.Ingest(s)
	}
	return snap
}

func (d *Driver) pace(ctx context.Context, delta time.Duration, speed Speed) error {
	if speed.factor <= 0 || delta <= 0 {
		return ctx.Err()
	}
	scaled := time.Duration(float64(delta) / speed.factor)
	select {
	case <-time.After(scaled):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// crossCheck compares the stored anomaly columns against the recomputed
// events. Disagreement means the file was edited or produced by a different
// build; replay continues with the recomputed values.
func (d *Driver) crossCheck(rec model.CaptureRecord, events []model.AnomalyEvent) {
	recomputed := make(map[model.TestKind]model.AnomalyEvent, len(events))
	for _, ev := range events {
		recomputed[ev.Test] = ev
	}
	for _, kind := range testKinds {
		stored := rec.Result(kind)
		ev, ok := recomputed[kind]
		switch {
		case stored.Present != ok:
			d.warn(rec, kind, "presence", stored.Present, ok)
		case !ok:
		case stored.Tier != ev.Tier:
			d.warn(rec, kind, "tier", stored.Tier, ev.Tier)
		case stored.Direction != ev.Direction:
			d.warn(rec, kind, "direction", stored.Direction, ev.Direction)
		case math.Abs(stored.ZScore-ev.ZScore) > zTolerance:
			d.warn(rec, kind, "z_score", stored.ZScore, ev.ZScore)
		}
	}
}

func (d *Driver) warn(rec model.CaptureRecord, kind model.TestKind, field string, stored, recomputed any) {
	d.mismatches++
	d.log.Warn("capture integrity mismatch",
		"position", rec.Sample.Seq,
		"test", string(kind),
		"field", field,
		"stored", stored,
		"recomputed", recomputed)
}
