package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/verte-zerg/rngviz/internal/capture"
	"github.com/verte-zerg/rngviz/internal/device"
	"github.com/verte-zerg/rngviz/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptItem struct {
	value      byte
	disconnect bool
}

// scriptSource plays a fixed sequence of readings and disconnects, then
// blocks. done closes once the script is exhausted and every reading has
// been handed to the producer.
type scriptSource struct {
	mu         sync.Mutex
	items      []scriptItem
	idx        int
	connects   int
	connectErr error
	done       chan struct{}
	doneOnce   sync.Once
}

func newScriptSource(items []scriptItem) *scriptSource {
	return &scriptSource{items: items, done: make(chan struct{})}
}

func bytesScript(n int, v byte) []scriptItem {
	items := make([]scriptItem, n)
	for i := range items {
		items[i] = scriptItem{value: v}
	}
	return items
}

func (s *scriptSource) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connects > 1 && s.connectErr != nil {
		return s.connectErr
	}
	return nil
}

func (s *scriptSource) Read(ctx context.Context) (device.Reading, error) {
	s.mu.Lock()
	if s.idx >= len(s.items) {
		s.mu.Unlock()
		s.doneOnce.Do(func() { close(s.done) })
		<-ctx.Done()
		return device.Reading{}, ctx.Err()
	}
	it := s.items[s.idx]
	s.idx++
	s.mu.Unlock()
	if it.disconnect {
		return device.Reading{}, device.ErrDisconnected
	}
	return device.Reading{Value: it.value, WallTime: time.Now()}, nil
}

func (s *scriptSource) Describe() string { return "script" }

func (s *scriptSource) Close() error { return nil }

func startPipeline(t *testing.T, cfg Config, src device.Source) *Pipeline {
	t.Helper()
	p := New(cfg, src, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return p
}

func TestCaptureReceivesEverySampleDespiteStalledViz(t *testing.T) {
	const n = 2000
	src := newScriptSource(bytesScript(n, 0xA5))
	path := filepath.Join(t.TempDir(), "run.csv")
	// Tiny viz lane that nobody reads: it must drop without ever holding
	// up the capture lane.
	p := startPipeline(t, Config{
		WindowSize:  32,
		Thresholds:  model.DefaultThresholds(),
		LaneSize:    4,
		CapturePath: path,
	}, src)

	<-src.done
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, records, err := capture.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != n {
		t.Fatalf("captured %d records, want %d", len(records), n)
	}
	for i, rec := range records {
		if rec.Sample.Seq != uint64(i+1) {
			t.Fatalf("record %d: position %d", i, rec.Sample.Seq)
		}
	}
	if p.Viz().Dropped() == 0 {
		t.Fatal("stalled viz lane dropped nothing; lossy path untested")
	}
}

func TestPauseLeavesNoTraceInCapture(t *testing.T) {
	const n = 500
	src := newScriptSource(bytesScript(n, 0x0F))
	path := filepath.Join(t.TempDir(), "run.csv")
	p := startPipeline(t, Config{
		WindowSize:  32,
		Thresholds:  model.DefaultThresholds(),
		CapturePath: path,
	}, src)

	p.Pause()
	time.Sleep(50 * time.Millisecond)
	p.Resume()

	<-src.done
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, records, err := capture.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != n {
		t.Fatalf("captured %d records, want %d", len(records), n)
	}
	// Contiguous positions across the pause; Load would reject a gap, but
	// make the boundary explicit.
	for i, rec := range records {
		if rec.Sample.Seq != uint64(i+1) {
			t.Fatalf("record %d: position %d", i, rec.Sample.Seq)
		}
	}
}

func TestReconnectStartsNewSubSequence(t *testing.T) {
	items := bytesScript(5, 0x01)
	items = append(items, scriptItem{disconnect: true})
	items = append(items, bytesScript(5, 0x02)...)
	src := newScriptSource(items)
	path := filepath.Join(t.TempDir(), "run.csv")
	p := startPipeline(t, Config{
		WindowSize:     4,
		Thresholds:     model.DefaultThresholds(),
		CapturePath:    path,
		ReconnectDelay: time.Millisecond,
	}, src)

	<-src.done
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, records, err := capture.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("captured %d records, want 10", len(records))
	}
	for i := 0; i < 5; i++ {
		if records[i].Sample.Seq != uint64(i+1) {
			t.Fatalf("record %d: position %d", i, records[i].Sample.Seq)
		}
		if records[5+i].Sample.Seq != uint64(i+1) {
			t.Fatalf("record %d: position %d, want sub-sequence restart", 5+i, records[5+i].Sample.Seq)
		}
	}
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	src := newScriptSource([]scriptItem{{disconnect: true}})
	src.connectErr = errors.New("no such device")
	p := startPipeline(t, Config{
		WindowSize:     4,
		Thresholds:     model.DefaultThresholds(),
		ReconnectDelay: time.Millisecond,
		ReconnectMax:   2,
	}, src)

	time.Sleep(300 * time.Millisecond)
	err := p.Stop()
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("stop returned %v, want TransportError", err)
	}
	if terr.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", terr.Attempts)
	}
}

func TestFatalRunFailureClosesVizLane(t *testing.T) {
	src := newScriptSource([]scriptItem{{disconnect: true}})
	src.connectErr = errors.New("no such device")
	p := startPipeline(t, Config{
		WindowSize:     4,
		Thresholds:     model.DefaultThresholds(),
		ReconnectDelay: time.Millisecond,
		ReconnectMax:   2,
	}, src)

	// Without Stop being called, the lane must still close once the run
	// dies; a subscriber blocked on it would otherwise hang forever.
	steps := p.Viz().Steps()
	deadline := time.After(2 * time.Second)
	open := true
	for open {
		select {
		case _, ok := <-steps:
			open = ok
		case <-deadline:
			t.Fatal("viz lane still open after the run died")
		}
	}

	err := p.Stop()
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("stop returned %v, want TransportError", err)
	}
}

func TestCaptureFlushFailureSurfacesDurabilityError(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /dev/full")
	}
	src := newScriptSource(bytesScript(10, 0x00))
	p := startPipeline(t, Config{
		WindowSize:  4,
		Thresholds:  model.DefaultThresholds(),
		CapturePath: "/dev/full",
	}, src)

	<-src.done
	err := p.Stop()
	var derr *DurabilityError
	if !errors.As(err, &derr) {
		t.Fatalf("stop returned %v, want DurabilityError", err)
	}
}

func TestGameModeScoresSkewedStream(t *testing.T) {
	const n = 400
	src := newScriptSource(bytesScript(n, 0x00))
	p := startPipeline(t, Config{
		WindowSize: 64,
		Thresholds: model.DefaultThresholds(),
		GameMode:   true,
	}, src)

	<-src.done
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	session, ok := p.FinishGame()
	if !ok {
		t.Fatal("game mode not active")
	}
	totals := session.Totals()
	if totals.Red999Down == 0 {
		t.Fatalf("all-zero stream scored no significant zero excess: %+v", totals)
	}
	if totals.TotalUp() != 0 {
		t.Fatalf("all-zero stream scored ones excess: %+v", totals)
	}
}
