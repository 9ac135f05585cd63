package game

import (
	"math/rand"
	"testing"
	"time"

	"github.com/verte-zerg/rngviz/internal/model"
)

// fakeClock is a manually advanced clock for driving turn expiry.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestScorer(seed int64) (*Scorer, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	return NewWithRand(rand.New(rand.NewSource(seed)), clock.Now), clock
}

func directionalEvent(tier model.Tier, direction model.Direction) model.AnomalyEvent {
	return model.AnomalyEvent{Test: model.TestFrequency, Tier: tier, Direction: direction}
}

func TestTurnDurationBounds(t *testing.T) {
	for i := 0; i < 10000; i++ {
		s, _ := newTestScorer(int64(i + 1))
		s.StartTurn()
		snap := s.Snapshot()
		if snap.Current == nil {
			t.Fatal("no active turn")
		}
		d := snap.Current.Duration
		if d < 10*time.Second || d >= 30*time.Second {
			t.Fatalf("draw %d: duration %v outside [10s, 30s)", i, d)
		}
	}
}

func TestBucketExhaustivity(t *testing.T) {
	s, _ := newTestScorer(7)
	s.StartTurn()

	rnd := rand.New(rand.NewSource(99))
	tiers := []model.Tier{model.Tier95, model.Tier99, model.Tier999}
	directions := []model.Direction{model.ExcessOnes, model.ExcessZeros}
	const total = 5000
	for i := 0; i < total; i++ {
		s.Observe(directionalEvent(tiers[rnd.Intn(3)], directions[rnd.Intn(2)]))
	}
	// Chi-square events have no direction and must never score.
	for i := 0; i < 100; i++ {
		s.Observe(model.AnomalyEvent{Test: model.TestChiSquare, Tier: model.Tier999})
	}

	snap := s.Snapshot()
	if snap.Current.Buckets.Total() != total {
		t.Fatalf("bucket total %d, want %d", snap.Current.Buckets.Total(), total)
	}
}

func TestTurnRotationOnExpiry(t *testing.T) {
	s, clock := newTestScorer(3)
	s.StartTurn()
	first := *s.Snapshot().Current

	s.Observe(directionalEvent(model.Tier999, model.ExcessOnes))
	clock.Advance(first.Duration)
	s.Advance()

	snap := s.Snapshot()
	if len(snap.Turns) != 1 {
		t.Fatalf("recorded %d turns, want 1", len(snap.Turns))
	}
	if !snap.Turns[0].Complete {
		t.Fatal("expired turn should be marked complete")
	}
	if snap.Turns[0].Buckets.Red999Up != 1 {
		t.Fatalf("completed turn buckets %+v", snap.Turns[0].Buckets)
	}
	if snap.Current == nil {
		t.Fatal("a new turn should start immediately after expiry")
	}
	if snap.Current.Buckets.Total() != 0 {
		t.Fatal("new turn must start with zeroed buckets")
	}
}

func TestEventAfterExpiryScoresIntoNewTurn(t *testing.T) {
	s, clock := newTestScorer(5)
	s.StartTurn()
	first := *s.Snapshot().Current

	clock.Advance(first.Duration + time.Second)
	s.Observe(directionalEvent(model.Tier95, model.ExcessZeros))

	snap := s.Snapshot()
	if snap.Turns[0].Buckets.Total() != 0 {
		t.Fatalf("expired turn scored %+v", snap.Turns[0].Buckets)
	}
	if snap.Current.Buckets.Yellow95Down != 1 {
		t.Fatalf("new turn buckets %+v", snap.Current.Buckets)
	}
}

func TestFinishTruncatesCurrentTurn(t *testing.T) {
	s, clock := newTestScorer(11)
	s.StartTurn()
	s.Observe(directionalEvent(model.Tier99, model.ExcessOnes))
	clock.Advance(time.Second)
	s.Finish()

	snap := s.Snapshot()
	if !snap.Finished {
		t.Fatal("session not finished")
	}
	if snap.Current != nil {
		t.Fatal("no turn may stay active after finish")
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("recorded %d turns, want 1", len(snap.Turns))
	}
	if snap.Turns[0].Complete {
		t.Fatal("truncated turn should be marked incomplete")
	}
	if got := snap.Totals(); got.Orange99Up != 1 || got.Total() != 1 {
		t.Fatalf("totals %+v must include the truncated turn", got)
	}

	// A finished session ignores everything.
	s.Observe(directionalEvent(model.Tier999, model.ExcessOnes))
	s.StartTurn()
	snap = s.Snapshot()
	if snap.Current != nil || snap.Totals().Total() != 1 {
		t.Fatal("finished session must stay frozen")
	}
}

func TestTotalsAcrossTurns(t *testing.T) {
	s, clock := newTestScorer(13)
	s.StartTurn()
	for i := 0; i < 3; i++ {
		s.Observe(directionalEvent(model.Tier999, model.ExcessOnes))
		s.Observe(directionalEvent(model.Tier95, model.ExcessZeros))
		clock.Advance(s.Snapshot().Current.Duration)
		s.Advance()
	}
	s.Finish()

	totals := s.Snapshot().Totals()
	if totals.Red999Up != 3 || totals.Yellow95Down != 3 || totals.Total() != 6 {
		t.Fatalf("totals %+v", totals)
	}
}
