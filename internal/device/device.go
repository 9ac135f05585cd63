// Package device defines the entropy source contract consumed by the
// pipeline, plus a pseudo-random source for running without hardware.
package device

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrDisconnected reports that the source lost its connection. The pipeline
// reacts by pausing reads and attempting a bounded reconnect.
var ErrDisconnected = errors.New("device disconnected")

// Reading is one byte delivered by a source with its arrival time.
type Reading struct {
	Value    byte
	WallTime time.Time
}

// Source is an ordered byte feed. Implementations wrap the actual device
// transport, which stays outside this module.
type Source interface {
	// Connect establishes (or re-establishes) the connection.
	Connect(ctx context.Context) error
	// Read blocks for the next byte. It returns ErrDisconnected when the
	// connection is lost and ctx.Err when the context ends.
	Read(ctx context.Context) (Reading, error)
	// Describe identifies the device for session metadata.
	Describe() string
	// Close releases the connection.
	Close() error
}

// Sim is a pseudo-random Source for demos and development machines without
// an entropy device attached.
type Sim struct {
	rnd   *rand.Rand
	delay time.Duration
}

// NewSim returns a Sim emitting one byte per delay interval. A zero delay
// emits as fast as the consumer reads.
func NewSim(seed int64, delay time.Duration) *Sim {
	return &Sim{rnd: rand.New(rand.NewSource(seed)), delay: delay}
}

// Connect implements Source. The simulator is always available.
func (s *Sim) Connect(context.Context) error {
	return nil
}

// Read implements Source.
func (s *Sim) Read(ctx context.Context) (Reading, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	return Reading{Value: byte(s.rnd.Intn(256)), WallTime: time.Now()}, nil
}

// Describe implements Source.
func (s *Sim) Describe() string {
	return "simulated"
}

// Close implements Source.
func (s *Sim) Close() error {
	return nil
}
