package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/verte-zerg/rngviz/internal/model"
	"github.com/verte-zerg/rngviz/internal/window"
)

func fullSnapshot(t *testing.T, capacity int, fill func(i int) byte) window.Snapshot {
	t.Helper()
	agg := window.New(capacity)
	var snap window.Snapshot
	for i := 0; i < capacity; i++ {
		var err error
		snap, err = agg.Ingest(model.RawSample{
			Seq:      uint64(i + 1),
			WallTime: time.Unix(0, int64(i)),
			Value:    fill(i),
		})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	return snap
}

func eventFor(events []model.AnomalyEvent, kind model.TestKind) (model.AnomalyEvent, bool) {
	for _, ev := range events {
		if ev.Test == kind {
			return ev, true
		}
	}
	return model.AnomalyEvent{}, false
}

func TestClassifyAllZeroWindow(t *testing.T) {
	// 1000 bytes of 0x00: 0 of 8000 bits set. The frequency z-score is
	// (0 - 4000) / sqrt(2000), far beyond any threshold.
	snap := fullSnapshot(t, 1000, func(int) byte { return 0x00 })
	events := New(model.DefaultThresholds()).Classify(snap)

	ev, ok := eventFor(events, model.TestFrequency)
	if !ok {
		t.Fatal("expected a frequency event")
	}
	wantZ := -4000 / math.Sqrt(2000)
	if math.Abs(ev.ZScore-wantZ) > 1e-9 {
		t.Fatalf("z-score %v, want %v", ev.ZScore, wantZ)
	}
	if ev.Tier != model.Tier999 {
		t.Fatalf("tier %v, want %v", ev.Tier, model.Tier999)
	}
	if ev.Direction != model.ExcessZeros {
		t.Fatalf("direction %q, want %q", ev.Direction, model.ExcessZeros)
	}

	// All bits equal: the runs test cannot be computed.
	if _, ok := eventFor(events, model.TestRuns); ok {
		t.Fatal("runs test must be skipped when one bit value is absent")
	}

	// Every byte in one bucket is maximally non-uniform.
	chiEv, ok := eventFor(events, model.TestChiSquare)
	if !ok {
		t.Fatal("expected a chi-square event")
	}
	if chiEv.Tier != model.Tier999 {
		t.Fatalf("chi-square tier %v, want %v", chiEv.Tier, model.Tier999)
	}
	if chiEv.Direction != model.DirectionNone {
		t.Fatalf("chi-square direction %q, want none", chiEv.Direction)
	}
}

func TestClassifyAlternatingBitsExcessRuns(t *testing.T) {
	// 0x55 is 01010101: every adjacent bit differs, so the window holds
	// the maximum possible run count while ones and zeros stay balanced.
	snap := fullSnapshot(t, 256, func(int) byte { return 0x55 })
	events := New(model.DefaultThresholds()).Classify(snap)

	if _, ok := eventFor(events, model.TestFrequency); ok {
		t.Fatal("balanced bits must not trigger the frequency test")
	}
	ev, ok := eventFor(events, model.TestRuns)
	if !ok {
		t.Fatal("expected a runs event")
	}
	if ev.ZScore <= 0 || ev.Tier != model.Tier999 {
		t.Fatalf("runs event %+v, want strongly positive tier 99.9", ev)
	}
	if ev.Direction != model.ExcessOnes {
		t.Fatalf("direction %q, want %q for excess runs", ev.Direction, model.ExcessOnes)
	}
}

func TestClassifySuppressedDuringWarmup(t *testing.T) {
	agg := window.New(100)
	c := New(model.DefaultThresholds())
	for i := 0; i < 99; i++ {
		snap, err := agg.Ingest(model.RawSample{Seq: uint64(i + 1), Value: 0x00})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if events := c.Classify(snap); len(events) != 0 {
			t.Fatalf("got %d events before the window filled", len(events))
		}
	}
}

func TestTierBoundariesAreStrict(t *testing.T) {
	c := New(model.DefaultThresholds())
	cases := []struct {
		p    float64
		tier model.Tier
		ok   bool
	}{
		{p: 0.05, tier: model.TierNone, ok: false},
		{p: 0.0499999, tier: model.Tier95, ok: true},
		{p: 0.01, tier: model.Tier95, ok: true},
		{p: 0.0099999, tier: model.Tier99, ok: true},
		{p: 0.001, tier: model.Tier99, ok: true},
		{p: 0.0009999, tier: model.Tier999, ok: true},
		{p: 0, tier: model.Tier999, ok: true},
	}
	for _, tc := range cases {
		tier, ok := c.tierFor(tc.p)
		if tier != tc.tier || ok != tc.ok {
			t.Fatalf("tierFor(%v) = (%v, %v), want (%v, %v)", tc.p, tier, ok, tc.tier, tc.ok)
		}
	}
}

func TestNormalTwoTailedP(t *testing.T) {
	cases := []struct {
		z    float64
		want float64
	}{
		{z: 0, want: 1},
		{z: 1.959964, want: 0.05},
		{z: -1.959964, want: 0.05},
		{z: 2.575829, want: 0.01},
		{z: 3.290527, want: 0.001},
	}
	for _, tc := range cases {
		if got := normalTwoTailedP(tc.z); math.Abs(got-tc.want) > 1e-6 {
			t.Fatalf("normalTwoTailedP(%v) = %v, want %v", tc.z, got, tc.want)
		}
	}
}

func TestChiSquareSurvival(t *testing.T) {
	// With 2 degrees of freedom the survival function is exp(-x/2).
	for _, x := range []float64{0.5, 1, 2, 5, 10} {
		want := math.Exp(-x / 2)
		if got := chiSquareSurvival(x, 2); math.Abs(got-want) > 1e-12 {
			t.Fatalf("chiSquareSurvival(%v, 2) = %v, want %v", x, got, want)
		}
	}
	// The median of a chi-square distribution is near its dof.
	if got := chiSquareSurvival(255, 255); math.Abs(got-0.5) > 0.02 {
		t.Fatalf("chiSquareSurvival(255, 255) = %v, want about 0.5", got)
	}
	if got := chiSquareSurvival(0, 255); got != 1 {
		t.Fatalf("chiSquareSurvival(0, 255) = %v, want 1", got)
	}
}
