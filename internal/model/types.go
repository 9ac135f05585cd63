// Package model defines shared data structures.
package model

import "time"

// TestKind identifies a statistical test.
type TestKind string

// Statistical tests run on every full window.
const (
	TestFrequency TestKind = "frequency"
	TestRuns      TestKind = "runs"
	TestChiSquare TestKind = "chi_square"
)

// Tier is the discretized significance level of an anomaly.
type Tier int

// Significance tiers derived from a p-value. Higher means more significant.
const (
	TierNone Tier = iota
	Tier95
	Tier99
	Tier999
)

// String returns the conventional marker for the tier.
func (t Tier) String() string {
	switch t {
	case Tier95:
		return "*"
	case Tier99:
		return "**"
	case Tier999:
		return "***"
	default:
		return ""
	}
}

// TierFromMarker parses a tier marker produced by Tier.String.
func TierFromMarker(s string) (Tier, bool) {
	switch s {
	case "":
		return TierNone, true
	case "*":
		return Tier95, true
	case "**":
		return Tier99, true
	case "***":
		return Tier999, true
	default:
		return TierNone, false
	}
}

// Direction indicates which bit value a directional anomaly favors.
type Direction string

// Anomaly directions. ChiSquare is non-directional and always carries
// DirectionNone.
const (
	DirectionNone Direction = ""
	ExcessOnes    Direction = "ones"
	ExcessZeros   Direction = "zeros"
)

// RawSample is one byte received from the entropy source. Seq is strictly
// increasing within a capture sub-sequence; a reconnect starts a new
// sub-sequence.
type RawSample struct {
	Seq      uint64
	WallTime time.Time
	Value    byte
}

// AnomalyEvent is one significant deviation reported by a single test at a
// single stream position.
type AnomalyEvent struct {
	Seq       uint64
	WallTime  time.Time
	Test      TestKind
	Statistic float64
	ZScore    float64
	PValue    float64
	Tier      Tier
	Direction Direction
}

// TestResult holds the anomaly columns persisted for one test in a capture
// row. Present is false when the test reported nothing at that step.
type TestResult struct {
	Present   bool
	ZScore    float64
	PValue    float64
	Tier      Tier
	Direction Direction
}

// CaptureRecord is one persisted row: a raw sample plus the flattened
// per-test anomaly results computed at that step.
type CaptureRecord struct {
	Sample    RawSample
	Frequency TestResult
	Runs      TestResult
	ChiSquare TestResult
}

// Result returns the stored result for the given test.
func (r CaptureRecord) Result(kind TestKind) TestResult {
	switch kind {
	case TestFrequency:
		return r.Frequency
	case TestRuns:
		return r.Runs
	case TestChiSquare:
		return r.ChiSquare
	default:
		return TestResult{}
	}
}

// SetResult stores the result for the given test.
func (r *CaptureRecord) SetResult(kind TestKind, res TestResult) {
	switch kind {
	case TestFrequency:
		r.Frequency = res
	case TestRuns:
		r.Runs = res
	case TestChiSquare:
		r.ChiSquare = res
	}
}

// Thresholds holds the two-tailed p-value cutoffs for the three tiers.
// An anomaly is assigned the highest tier whose cutoff its p-value is
// strictly below.
type Thresholds struct {
	Tier95  float64
	Tier99  float64
	Tier999 float64
}

// DefaultThresholds returns the standard 95/99/99.9 cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Tier95: 0.05, Tier99: 0.01, Tier999: 0.001}
}

// SessionMeta is the capture file header: everything needed to reproduce the
// classification on playback.
type SessionMeta struct {
	StartedAt  time.Time  `json:"started_at"`
	Device     string     `json:"device"`
	WindowSize int        `json:"window_size"`
	Thresholds Thresholds `json:"thresholds"`
}

// Step pairs a raw sample with the anomaly events classified at that sample.
// It is the unit of delivery on every fan-out lane.
type Step struct {
	Sample RawSample
	Events []AnomalyEvent
}

// SessionSummary is one row of the capture session index.
type SessionSummary struct {
	ID          int64
	StartedAt   time.Time
	EndedAt     time.Time
	Device      string
	WindowSize  int
	CapturePath string
	Bytes       int
	GameUp      int
	GameDown    int
}

// TestTally counts a session's anomaly events per test and tier.
type TestTally struct {
	Test    TestKind
	Tier95  int
	Tier99  int
	Tier999 int
}

// Total returns the event count across all tiers.
func (t TestTally) Total() int {
	return t.Tier95 + t.Tier99 + t.Tier999
}

// SessionFilter narrows session index queries.
type SessionFilter struct {
	Device string
	Since  *time.Time
	Limit  int
}
