// Package window maintains incremental statistics over a sliding sample
// window.
package window

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/verte-zerg/rngviz/internal/model"
)

// ErrSequenceGap reports a sample whose sequence number does not follow the
// previous one. The caller is expected to Reset and start a new sub-sequence.
var ErrSequenceGap = errors.New("sequence gap")

// Snapshot is the read-only view of the window state handed to the
// classifier after each ingested sample.
type Snapshot struct {
	Seq       uint64
	WallTime  time.Time
	Fill      int
	Capacity  int
	Ones      int
	Runs      int
	Histogram [256]int
}

// Full reports whether the window has reached capacity. Tests are suppressed
// until then.
func (s Snapshot) Full() bool {
	return s.Fill == s.Capacity
}

// Bits returns the total number of bits currently in the window.
func (s Snapshot) Bits() int {
	return s.Fill * 8
}

// OnesRatio returns the fraction of one-bits in the window.
func (s Snapshot) OnesRatio() float64 {
	if s.Fill == 0 {
		return 0
	}
	return float64(s.Ones) / float64(s.Bits())
}

// ByteMean returns the mean byte value over the window.
func (s Snapshot) ByteMean() float64 {
	if s.Fill == 0 {
		return 0
	}
	sum := 0
	for v, n := range s.Histogram {
		sum += v * n
	}
	return float64(sum) / float64(s.Fill)
}

// ByteStd returns the population standard deviation of byte values over the
// window.
func (s Snapshot) ByteStd() float64 {
	if s.Fill == 0 {
		return 0
	}
	mean := s.ByteMean()
	sumSq := 0.0
	for v, n := range s.Histogram {
		d := float64(v) - mean
		sumSq += d * d * float64(n)
	}
	return math.Sqrt(sumSq / float64(s.Fill))
}

// Aggregator owns the sliding window. It is single-writer, single-reader:
// exactly one goroutine may call Ingest.
type Aggregator struct {
	capacity  int
	ring      []model.RawSample
	head      int
	fill      int
	ones      int
	runs      int
	histogram [256]int
	lastSeq   uint64
	started   bool
}

// New returns an Aggregator over the last capacity samples.
func New(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = 1
	}
	return &Aggregator{
		capacity: capacity,
		ring:     make([]model.RawSample, capacity),
	}
}

// Capacity returns the configured window size in samples.
func (a *Aggregator) Capacity() int {
	return a.capacity
}

// Reset discards all window state. Used when a reconnect starts a new
// sub-sequence: statistics spanning a connectivity gap are not meaningful.
func (a *Aggregator) Reset() {
	a.head = 0
	a.fill = 0
	a.ones = 0
	a.runs = 0
	a.histogram = [256]int{}
	a.started = false
}

// Ingest admits one sample and returns a snapshot of the updated window.
// The sample's sequence number must be exactly one greater than the previous
// call's; a gap yields ErrSequenceGap and leaves the window untouched.
//
// Each update is O(1): when the window is at capacity the oldest sample's
// contribution to the ones count, run count, and histogram is reversed
// before the new sample's contribution is added.
func (a *Aggregator) Ingest(sample model.RawSample) (Snapshot, error) {
	if a.started && sample.Seq != a.lastSeq+1 {
		return Snapshot{}, fmt.Errorf("%w: got %d after %d", ErrSequenceGap, sample.Seq, a.lastSeq)
	}

	if a.fill == a.capacity {
		a.evictOldest()
	}
	a.admit(sample)
	a.lastSeq = sample.Seq
	a.started = true

	return a.snapshot(sample), nil
}

func (a *Aggregator) admit(sample model.RawSample) {
	idx := (a.head + a.fill) % a.capacity
	a.ring[idx] = sample
	a.fill++

	a.ones += bits.OnesCount8(sample.Value)
	a.histogram[sample.Value]++

	// Runs over the window's bit expansion, LSB first per byte. The new
	// byte contributes its internal runs; when its first bit equals the
	// previous byte's last bit the two boundary runs merge into one.
	a.runs += internalRuns(sample.Value)
	if a.fill > 1 {
		prev := a.ring[(idx-1+a.capacity)%a.capacity].Value
		if msb(prev) == lsb(sample.Value) {
			a.runs--
		}
	}
}

func (a *Aggregator) evictOldest() {
	oldest := a.ring[a.head]
	a.ones -= bits.OnesCount8(oldest.Value)
	a.histogram[oldest.Value]--

	a.runs -= internalRuns(oldest.Value)
	if a.fill > 1 {
		next := a.ring[(a.head+1)%a.capacity].Value
		if msb(oldest.Value) == lsb(next) {
			// The run straddling the boundary survives in the next byte.
			a.runs++
		}
	}

	a.head = (a.head + 1) % a.capacity
	a.fill--
}

func (a *Aggregator) snapshot(sample model.RawSample) Snapshot {
	return Snapshot{
		Seq:       sample.Seq,
		WallTime:  sample.WallTime,
		Fill:      a.fill,
		Capacity:  a.capacity,
		Ones:      a.ones,
		Runs:      a.runs,
		Histogram: a.histogram,
	}
}

// internalRuns counts the runs within a single byte's 8-bit expansion.
func internalRuns(b byte) int {
	runs := 1
	for i := 1; i < 8; i++ {
		if (b>>uint(i))&1 != (b>>uint(i-1))&1 {
			runs++
		}
	}
	return runs
}

func lsb(b byte) byte { return b & 1 }

func msb(b byte) byte { return (b >> 7) & 1 }
