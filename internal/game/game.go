// Package game implements the turn-based intention scoring built on the
// anomaly stream.
package game

import (
	"math/rand"
	"sync"
	"time"

	"github.com/verte-zerg/rngviz/internal/model"
)

// Instruction tells the player which bit value to favor during a turn.
type Instruction string

// Turn instructions, drawn uniformly at the start of each turn.
const (
	FavorOnes  Instruction = "Generate more 1's"
	FavorZeros Instruction = "Generate more 0's"
)

// Turn duration bounds: uniform in [10s, 30s).
const (
	minTurnDuration = 10 * time.Second
	maxTurnDuration = 30 * time.Second
)

// Buckets accumulates anomaly counts for one turn, keyed by tier and
// direction. The six buckets partition all directional anomalies with a
// tier; chi-square events carry no direction and are never counted.
type Buckets struct {
	Red999Up     int
	Red999Down   int
	Orange99Up   int
	Orange99Down int
	Yellow95Up   int
	Yellow95Down int
}

// Add counts one anomaly into its bucket. Events without a tier or without
// a direction are ignored.
func (b *Buckets) Add(tier model.Tier, direction model.Direction) {
	up := direction == model.ExcessOnes
	switch {
	case direction == model.DirectionNone:
	case tier == model.Tier999 && up:
		b.Red999Up++
	case tier == model.Tier999:
		b.Red999Down++
	case tier == model.Tier99 && up:
		b.Orange99Up++
	case tier == model.Tier99:
		b.Orange99Down++
	case tier == model.Tier95 && up:
		b.Yellow95Up++
	case tier == model.Tier95:
		b.Yellow95Down++
	}
}

// Merge adds another bucket set elementwise.
func (b *Buckets) Merge(other Buckets) {
	b.Red999Up += other.Red999Up
	b.Red999Down += other.Red999Down
	b.Orange99Up += other.Orange99Up
	b.Orange99Down += other.Orange99Down
	b.Yellow95Up += other.Yellow95Up
	b.Yellow95Down += other.Yellow95Down
}

// TotalUp returns all anomalies favoring ones.
func (b Buckets) TotalUp() int {
	return b.Red999Up + b.Orange99Up + b.Yellow95Up
}

// TotalDown returns all anomalies favoring zeros.
func (b Buckets) TotalDown() int {
	return b.Red999Down + b.Orange99Down + b.Yellow95Down
}

// Total returns all counted anomalies.
func (b Buckets) Total() int {
	return b.TotalUp() + b.TotalDown()
}

// Turn is one scored round of the game.
type Turn struct {
	Instruction Instruction
	StartedAt   time.Time
	Duration    time.Duration
	Buckets     Buckets
	Complete    bool
}

// Session is the ordered turn history with the finished flag.
type Session struct {
	Turns    []Turn
	Current  *Turn
	Finished bool
}

// Totals sums buckets over all recorded turns, including a truncated final
// turn. The in-progress turn is not counted.
func (s Session) Totals() Buckets {
	var total Buckets
	for _, turn := range s.Turns {
		total.Merge(turn.Buckets)
	}
	return total
}

// Scorer owns one game session. Exactly one goroutine (the game lane
// consumer) mutates it; other goroutines only read snapshots.
type Scorer struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	now      func() time.Time
	current  *Turn
	turns    []Turn
	finished bool
}

// New returns a Scorer seeded with the current time.
func New() *Scorer {
	return NewWithRand(rand.New(rand.NewSource(time.Now().UnixNano())), time.Now)
}

// NewWithRand returns a Scorer with explicit randomness and clock, for
// deterministic replays and tests.
func NewWithRand(rnd *rand.Rand, now func() time.Time) *Scorer {
	return &Scorer{rnd: rnd, now: now}
}

// StartTurn begins the first turn. No-op when a turn is already active or
// the session is finished.
func (s *Scorer) StartTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil || s.finished {
		return
	}
	s.startTurnLocked()
}

func (s *Scorer) startTurnLocked() {
	duration := minTurnDuration + time.Duration(s.rnd.Float64()*float64(maxTurnDuration-minTurnDuration))
	instruction := FavorOnes
	if s.rnd.Intn(2) == 1 {
		instruction = FavorZeros
	}
	s.current = &Turn{
		Instruction: instruction,
		StartedAt:   s.now(),
		Duration:    duration,
	}
}

// Observe scores one anomaly event into the active turn. Expired turns are
// rotated first, so an event arriving just after a turn boundary scores
// into the new turn.
func (s *Scorer) Observe(ev model.AnomalyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.current == nil {
		return
	}
	s.rotateLocked()
	if s.current == nil {
		return
	}
	if ev.Tier == model.TierNone {
		return
	}
	s.current.Buckets.Add(ev.Tier, ev.Direction)
}

// Advance rotates expired turns. Called periodically so the turn clock
// keeps moving even when no anomalies arrive.
func (s *Scorer) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.current == nil {
		return
	}
	s.rotateLocked()
}

func (s *Scorer) rotateLocked() {
	for s.current != nil && s.now().Sub(s.current.StartedAt) >= s.current.Duration {
		completed := *s.current
		completed.Complete = true
		s.turns = append(s.turns, completed)
		s.current = nil
		s.startTurnLocked()
	}
}

// Finish truncates the active turn, records it with its partial buckets,
// and freezes the session.
func (s *Scorer) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if s.current != nil {
		truncated := *s.current
		truncated.Complete = s.now().Sub(truncated.StartedAt) >= truncated.Duration
		s.turns = append(s.turns, truncated)
		s.current = nil
	}
	s.finished = true
}

// Snapshot returns a copy of the session state for display.
func (s *Scorer) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := Session{
		Turns:    make([]Turn, len(s.turns)),
		Finished: s.finished,
	}
	copy(session.Turns, s.turns)
	if s.current != nil {
		current := *s.current
		session.Current = &current
	}
	return session
}

// ReplayClock is a manually advanced clock for re-scoring stored sessions:
// turns rotate on the capture's recorded timestamps instead of wall time.
type ReplayClock struct {
	mu sync.Mutex
	t  time.Time
}

// Set moves the clock forward. Never call with an earlier time.
func (c *ReplayClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Now returns the last time passed to Set.
func (c *ReplayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}
