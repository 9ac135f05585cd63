package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/verte-zerg/rngviz/internal/model"
)

func stepWithSeq(seq uint64) model.Step {
	return model.Step{Sample: model.RawSample{Seq: seq}}
}

func TestBlockingLaneReceivesEverythingInOrder(t *testing.T) {
	f := New()
	lane, err := f.Attach("capture", 4, Blocking)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	const total = 100
	done := make(chan []uint64)
	go func() {
		var seqs []uint64
		for step := range lane.Steps() {
			seqs = append(seqs, step.Sample.Seq)
		}
		done <- seqs
	}()

	ctx := context.Background()
	for seq := uint64(1); seq <= total; seq++ {
		if err := f.Publish(ctx, stepWithSeq(seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	f.Close()

	seqs := <-done
	if len(seqs) != total {
		t.Fatalf("received %d steps, want %d", len(seqs), total)
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("step %d has seq %d, want %d", i, seq, i+1)
		}
	}
	if lane.Dropped() != 0 {
		t.Fatalf("blocking lane dropped %d steps", lane.Dropped())
	}
}

func TestLossyLaneDropsOldestWhenStalled(t *testing.T) {
	f := New()
	lane, err := f.Attach("viz", 2, LossyLatest)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	// No consumer attached: publishing must still never block.
	ctx := context.Background()
	for seq := uint64(1); seq <= 10; seq++ {
		if err := f.Publish(ctx, stepWithSeq(seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if lane.Dropped() == 0 {
		t.Fatal("expected drops on a stalled lossy lane")
	}
	// The newest steps must be the ones that survived.
	last := <-lane.Steps()
	for {
		select {
		case step := <-lane.Steps():
			if step.Sample.Seq < last.Sample.Seq {
				t.Fatalf("steps out of order: %d after %d", step.Sample.Seq, last.Sample.Seq)
			}
			last = step
		default:
			if last.Sample.Seq != 10 {
				t.Fatalf("newest surviving seq %d, want 10", last.Sample.Seq)
			}
			return
		}
	}
}

func TestBlockingLaneBackpressuresPublish(t *testing.T) {
	f := New()
	lane, err := f.Attach("capture", 1, Blocking)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	ctx := context.Background()
	if err := f.Publish(ctx, stepWithSeq(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Lane is full; the next publish must wait until the consumer reads.
	published := make(chan error, 1)
	go func() {
		published <- f.Publish(ctx, stepWithSeq(2))
	}()

	select {
	case err := <-published:
		t.Fatalf("publish returned %v before consumer made room", err)
	case <-time.After(20 * time.Millisecond):
	}

	<-lane.Steps()
	if err := <-published; err != nil {
		t.Fatalf("publish after room freed: %v", err)
	}
}

func TestPublishHonorsContextCancellation(t *testing.T) {
	f := New()
	if _, err := f.Attach("capture", 1, Blocking); err != nil {
		t.Fatalf("attach: %v", err)
	}
	ctx := context.Background()
	if err := f.Publish(ctx, stepWithSeq(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Publish(cancelled, stepWithSeq(2)); err == nil {
		t.Fatal("expected publish on a full lane to fail with cancelled context")
	}
}

func TestDetachClosesLane(t *testing.T) {
	f := New()
	lane, err := f.Attach("game", 1, Blocking)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := f.Detach("game"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, ok := <-lane.Steps(); ok {
		t.Fatal("detached lane channel should be closed")
	}
	if err := f.Detach("game"); err == nil {
		t.Fatal("expected error detaching a missing lane")
	}
}
