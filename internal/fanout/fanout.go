// Package fanout replicates pipeline steps to consumer lanes with
// per-lane backpressure policy.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/verte-zerg/rngviz/internal/model"
)

// Policy selects how a lane behaves when its consumer falls behind.
type Policy int

const (
	// Blocking lanes never drop: Publish blocks until the lane has room,
	// which backpressures the whole pipeline. Used by the capture store
	// and the game scorer.
	Blocking Policy = iota
	// LossyLatest lanes drop the oldest pending step in favor of the
	// newest. Used by visualization, where responsiveness beats
	// completeness.
	LossyLatest
)

// Lane is one independent delivery path from the fan-out to a consumer.
type Lane struct {
	name      string
	policy    Policy
	ch        chan model.Step
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Steps returns the channel the lane's consumer reads from.
func (l *Lane) Steps() <-chan model.Step {
	return l.ch
}

// Name returns the lane's registration name.
func (l *Lane) Name() string {
	return l.name
}

// Delivered returns the number of steps handed to the lane.
func (l *Lane) Delivered() uint64 {
	return l.delivered.Load()
}

// Dropped returns the number of steps discarded under the LossyLatest
// policy. Always zero for Blocking lanes.
func (l *Lane) Dropped() uint64 {
	return l.dropped.Load()
}

// Fanout delivers each step to every attached lane in registration order.
// All lanes observe steps in the same relative order; delivery timing across
// lanes is independent.
type Fanout struct {
	mu     sync.Mutex
	lanes  []*Lane
	closed bool
}

// New returns an empty Fanout.
func New() *Fanout {
	return &Fanout{}
}

// Attach registers a lane with the given buffer capacity and policy.
func (f *Fanout) Attach(name string, capacity int, policy Policy) (*Lane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("fanout closed")
	}
	for _, lane := range f.lanes {
		if lane.name == name {
			return nil, fmt.Errorf("lane %q already attached", name)
		}
	}
	if capacity <= 0 {
		capacity = 1
	}
	lane := &Lane{
		name:   name,
		policy: policy,
		ch:     make(chan model.Step, capacity),
	}
	f.lanes = append(f.lanes, lane)
	return lane, nil
}

// Detach removes a lane and closes its channel. Used to drop the game lane
// outside game mode.
func (f *Fanout) Detach(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, lane := range f.lanes {
		if lane.name == name {
			f.lanes = append(f.lanes[:i], f.lanes[i+1:]...)
			close(lane.ch)
			return nil
		}
	}
	return fmt.Errorf("lane %q not attached", name)
}

// Publish delivers one step to every lane. For Blocking lanes it waits for
// room (or ctx cancellation); for LossyLatest lanes it drops the oldest
// pending step to make room for the new one.
func (f *Fanout) Publish(ctx context.Context, step model.Step) error {
	f.mu.Lock()
	lanes := make([]*Lane, len(f.lanes))
	copy(lanes, f.lanes)
	f.mu.Unlock()

	for _, lane := range lanes {
		switch lane.policy {
		case Blocking:
			select {
			case lane.ch <- step:
				lane.delivered.Add(1)
			case <-ctx.Done():
				return ctx.Err()
			}
		case LossyLatest:
			sent := false
			for !sent {
				select {
				case lane.ch <- step:
					lane.delivered.Add(1)
					sent = true
				default:
					// Lane is full: discard the oldest pending step.
					select {
					case <-lane.ch:
						lane.dropped.Add(1)
					default:
					}
				}
			}
		}
	}
	return nil
}

// Close closes all lane channels. Publish must not be called afterwards.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, lane := range f.lanes {
		close(lane.ch)
	}
	f.lanes = nil
}
