// Package stats contains report calculations and text rendering for
// captured sessions.
package stats

import (
	"math"

	"github.com/verte-zerg/rngviz/internal/model"
)

// Report contains precomputed data for rendering one captured session.
type Report struct {
	Meta    model.SessionMeta
	Bytes   int
	Tallies []model.TestTally

	// ZSeries holds each test's z-score over the session, zero where the
	// test did not fire. Indexed in record order.
	ZSeries map[model.TestKind][]float64
	// PeakZ is the largest absolute z-score seen per test.
	PeakZ map[model.TestKind]float64

	OnesRatio []float64
}

var reportKinds = []model.TestKind{model.TestFrequency, model.TestRuns, model.TestChiSquare}

// BuildReport walks the records of one capture and aggregates the anomaly
// columns into tallies and plottable series.
func BuildReport(meta model.SessionMeta, records []model.CaptureRecord) Report {
	r := Report{
		Meta:    meta,
		Bytes:   len(records),
		ZSeries: make(map[model.TestKind][]float64, len(reportKinds)),
		PeakZ:   make(map[model.TestKind]float64, len(reportKinds)),
	}
	tallies := make(map[model.TestKind]*model.TestTally, len(reportKinds))
	for _, kind := range reportKinds {
		tallies[kind] = &model.TestTally{Test: kind}
		r.ZSeries[kind] = make([]float64, len(records))
	}

	ones := 0
	bits := 0
	for i, rec := range records {
		if rec.Sample.Seq == 1 {
			ones, bits = 0, 0
		}
		ones += onesIn(rec.Sample.Value)
		bits += 8
		r.OnesRatio = append(r.OnesRatio, float64(ones)/float64(bits))

		for _, kind := range reportKinds {
			res := rec.Result(kind)
			if !res.Present {
				continue
			}
			r.ZSeries[kind][i] = res.ZScore
			if z := math.Abs(res.ZScore); z > r.PeakZ[kind] {
				r.PeakZ[kind] = z
			}
			tally := tallies[kind]
			switch res.Tier {
			case model.Tier95:
				tally.Tier95++
			case model.Tier99:
				tally.Tier99++
			case model.Tier999:
				tally.Tier999++
			}
		}
	}

	for _, kind := range reportKinds {
		r.Tallies = append(r.Tallies, *tallies[kind])
	}
	return r
}

func onesIn(b byte) int {
	n := 0
	for ; b != 0; b >>= 1 {
		n += int(b & 1)
	}
	return n
}
