// Package analysis classifies window statistics into tiered anomaly events.
package analysis

import (
	"math"

	"github.com/verte-zerg/rngviz/internal/model"
	"github.com/verte-zerg/rngviz/internal/window"
)

const chiSquareDOF = 255

// Classifier converts window snapshots into anomaly events. Stateless apart
// from its thresholds, so the same classifier serves live runs and playback.
type Classifier struct {
	thresholds model.Thresholds
}

// New returns a Classifier using the given tier thresholds.
func New(thresholds model.Thresholds) *Classifier {
	return &Classifier{thresholds: thresholds}
}

// Thresholds returns the configured tier cutoffs.
func (c *Classifier) Thresholds() model.Thresholds {
	return c.thresholds
}

// Classify runs the frequency, runs, and chi-square tests against a window
// snapshot and returns zero to three events, one per test at most. No events
// are emitted before the window is full.
func (c *Classifier) Classify(snap window.Snapshot) []model.AnomalyEvent {
	if !snap.Full() {
		return nil
	}
	var events []model.AnomalyEvent
	if ev, ok := c.testFrequency(snap); ok {
		events = append(events, ev)
	}
	if ev, ok := c.testRuns(snap); ok {
		events = append(events, ev)
	}
	if ev, ok := c.testChiSquare(snap); ok {
		events = append(events, ev)
	}
	return events
}

// testFrequency treats the window's bits as Bernoulli(0.5) trials and
// z-tests the observed one-bit count against n/2.
func (c *Classifier) testFrequency(snap window.Snapshot) (model.AnomalyEvent, bool) {
	n := float64(snap.Bits())
	ones := float64(snap.Ones)
	z := (ones - n/2) / math.Sqrt(n/4)
	p := normalTwoTailedP(z)

	tier, ok := c.tierFor(p)
	if !ok {
		return model.AnomalyEvent{}, false
	}
	return model.AnomalyEvent{
		Seq:       snap.Seq,
		WallTime:  snap.WallTime,
		Test:      model.TestFrequency,
		Statistic: ones,
		ZScore:    z,
		PValue:    p,
		Tier:      tier,
		Direction: directionFromSign(z),
	}, true
}

// testRuns compares the observed run count against its expectation under
// randomness, which is a closed form in the one- and zero-bit counts.
func (c *Classifier) testRuns(snap window.Snapshot) (model.AnomalyEvent, bool) {
	n := float64(snap.Bits())
	n1 := float64(snap.Ones)
	n0 := n - n1
	if n1 == 0 || n0 == 0 {
		return model.AnomalyEvent{}, false
	}

	expected := 2*n1*n0/n + 1
	variance := 2 * n1 * n0 * (2*n1*n0 - n) / (n * n * (n - 1))
	if variance <= 0 {
		return model.AnomalyEvent{}, false
	}

	observed := float64(snap.Runs)
	z := (observed - expected) / math.Sqrt(variance)
	p := normalTwoTailedP(z)

	tier, ok := c.tierFor(p)
	if !ok {
		return model.AnomalyEvent{}, false
	}
	return model.AnomalyEvent{
		Seq:       snap.Seq,
		WallTime:  snap.WallTime,
		Test:      model.TestRuns,
		Statistic: observed,
		ZScore:    z,
		PValue:    p,
		Tier:      tier,
		Direction: directionFromSign(z),
	}, true
}

// testChiSquare checks the byte histogram for goodness of fit against the
// uniform distribution over all 256 values. Non-directional.
func (c *Classifier) testChiSquare(snap window.Snapshot) (model.AnomalyEvent, bool) {
	expected := float64(snap.Fill) / 256
	chi2 := 0.0
	for _, observed := range snap.Histogram {
		d := float64(observed) - expected
		chi2 += d * d / expected
	}
	p := chiSquareSurvival(chi2, chiSquareDOF)

	tier, ok := c.tierFor(p)
	if !ok {
		return model.AnomalyEvent{}, false
	}
	// Normal approximation of the chi-square statistic, kept for display
	// parity with the directional tests.
	z := (chi2 - chiSquareDOF) / math.Sqrt(2*chiSquareDOF)
	return model.AnomalyEvent{
		Seq:       snap.Seq,
		WallTime:  snap.WallTime,
		Test:      model.TestChiSquare,
		Statistic: chi2,
		ZScore:    z,
		PValue:    p,
		Tier:      tier,
		Direction: model.DirectionNone,
	}, true
}

// tierFor maps a p-value onto a tier using strict inequality only; a p-value
// exactly at a cutoff falls to the less significant side.
func (c *Classifier) tierFor(p float64) (model.Tier, bool) {
	switch {
	case p < c.thresholds.Tier999:
		return model.Tier999, true
	case p < c.thresholds.Tier99:
		return model.Tier99, true
	case p < c.thresholds.Tier95:
		return model.Tier95, true
	default:
		return model.TierNone, false
	}
}

func directionFromSign(z float64) model.Direction {
	if z > 0 {
		return model.ExcessOnes
	}
	return model.ExcessZeros
}
