// Package pipeline wires a device source through the window aggregator,
// classifier, and fanout, and runs the goroutines that move bytes between
// them. One producer reads the device into a bounded entry queue; one
// consumer drains the queue through analysis and publishes the resulting
// steps to the attached lanes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verte-zerg/rngviz/internal/analysis"
	"github.com/verte-zerg/rngviz/internal/capture"
	"github.com/verte-zerg/rngviz/internal/device"
	"github.com/verte-zerg/rngviz/internal/fanout"
	"github.com/verte-zerg/rngviz/internal/game"
	"github.com/verte-zerg/rngviz/internal/model"
	"github.com/verte-zerg/rngviz/internal/window"
)

const (
	defaultQueueSize = 1024
	defaultLaneSize  = 256

	defaultReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay     = 30 * time.Second
	defaultReconnectMax   = 6

	advanceInterval = 250 * time.Millisecond
)

// DurabilityError wraps a capture write failure. Losing capture data
// silently would defeat the point of recording, so it stops the run.
type DurabilityError struct {
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("capture write failed: %v", e.Err)
}

func (e *DurabilityError) Unwrap() error {
	return e.Err
}

// TransportError reports that the device stayed unreachable after the
// bounded reconnect attempts were exhausted.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device unreachable after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config holds the tunables for a live run.
type Config struct {
	WindowSize int
	Thresholds model.Thresholds

	// QueueSize bounds the entry queue between producer and consumer.
	QueueSize int
	// LaneSize bounds each fanout lane's buffer.
	LaneSize int

	// CapturePath enables the durable capture lane when non-empty.
	CapturePath string
	// GameMode attaches the scoring lane and starts the first turn.
	GameMode bool

	// ReconnectDelay is the initial backoff after a disconnect; it doubles
	// per attempt up to maxReconnectDelay. ReconnectMax bounds the attempts.
	ReconnectDelay time.Duration
	ReconnectMax   int
}

func (c *Config) fill() {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.LaneSize <= 0 {
		c.LaneSize = defaultLaneSize
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
}

// Pipeline runs one acquisition session from Start to Stop.
type Pipeline struct {
	cfg Config
	src device.Source
	log *slog.Logger

	agg        *window.Aggregator
	classifier *analysis.Classifier
	fan        *fanout.Fanout

	viz    *fanout.Lane
	writer *capture.Writer
	scorer *game.Scorer
	meta   model.SessionMeta

	entry chan model.RawSample

	// runCtx governs the producer; flushCtx governs publishing and stays
	// alive through Stop so queued samples drain, falling only on a fatal
	// lane error.
	runCtx      context.Context
	cancelRun   context.CancelFunc
	flushCtx    context.Context
	cancelFlush context.CancelFunc

	gateMu  sync.Mutex
	gate    *sync.Cond
	paused  bool
	stopped bool

	wg      sync.WaitGroup
	laneWG  sync.WaitGroup
	errOnce sync.Once
	runErr  error
	failed  chan struct{}

	started bool
}

// New prepares a pipeline over the given source. Start begins acquisition.
func New(cfg Config, src device.Source, log *slog.Logger) *Pipeline {
	cfg.fill()
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		cfg:        cfg,
		src:        src,
		log:        log,
		agg:        window.New(cfg.WindowSize),
		classifier: analysis.New(cfg.Thresholds),
		fan:        fanout.New(),
		entry:      make(chan model.RawSample, cfg.QueueSize),
		failed:     make(chan struct{}),
	}
	p.gate = sync.NewCond(&p.gateMu)
	return p
}

// Meta returns the session metadata. Valid after Start.
func (p *Pipeline) Meta() model.SessionMeta {
	return p.meta
}

// Viz returns the lossy visualization lane. Valid after Start.
func (p *Pipeline) Viz() *fanout.Lane {
	return p.viz
}

// GameSession returns a snapshot of the scoring state. The second return is
// false when game mode is off.
func (p *Pipeline) GameSession() (game.Session, bool) {
	if p.scorer == nil {
		return game.Session{}, false
	}
	return p.scorer.Snapshot(), true
}

// Start connects the source, opens the capture file, attaches the lanes,
// and launches the producer and consumer goroutines.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started {
		return errors.New("pipeline already started")
	}
	if err := p.src.Connect(ctx); err != nil {
		return fmt.Errorf("connect device: %w", err)
	}
	p.meta = model.SessionMeta{
		StartedAt:  time.Now().UTC(),
		Device:     p.src.Describe(),
		WindowSize: p.cfg.WindowSize,
		Thresholds: p.cfg.Thresholds,
	}

	var err error
	p.viz, err = p.fan.Attach("viz", p.cfg.LaneSize, fanout.LossyLatest)
	if err != nil {
		return err
	}
	if p.cfg.CapturePath != "" {
		p.writer, err = capture.NewWriter(p.cfg.CapturePath, p.meta)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		lane, err := p.fan.Attach("capture", p.cfg.LaneSize, fanout.Blocking)
		if err != nil {
			return err
		}
		p.laneWG.Add(1)
		go p.runCapture(lane)
	}
	if p.cfg.GameMode {
		p.scorer = game.New()
		p.scorer.StartTurn()
		lane, err := p.fan.Attach("game", p.cfg.LaneSize, fanout.Blocking)
		if err != nil {
			return err
		}
		p.laneWG.Add(1)
		go p.runGame(lane)
	}

	p.runCtx, p.cancelRun = context.WithCancel(ctx)
	p.flushCtx, p.cancelFlush = context.WithCancel(context.Background())

	// Wake a paused producer when the outer context dies.
	go func() {
		<-p.runCtx.Done()
		p.gate.Broadcast()
	}()

	p.wg.Add(2)
	go p.produce()
	go p.consume()

	// When a fatal error ends the run before Stop is called, close the
	// lanes so subscribers see the shutdown instead of blocking forever.
	go func() {
		p.wg.Wait()
		select {
		case <-p.failed:
			p.fan.Close()
			p.laneWG.Wait()
		default:
		}
	}()

	p.started = true
	p.log.Info("pipeline started",
		"device", p.meta.Device,
		"window", p.cfg.WindowSize,
		"capture", p.cfg.CapturePath,
		"game", p.cfg.GameMode)
	return nil
}

// Pause suspends the producer. Samples already queued keep flowing, so the
// pause is invisible to the window and the capture file.
func (p *Pipeline) Pause() {
	p.gateMu.Lock()
	p.paused = true
	p.gateMu.Unlock()
}

// Resume lifts a pause.
func (p *Pipeline) Resume() {
	p.gateMu.Lock()
	p.paused = false
	p.gateMu.Unlock()
	p.gate.Broadcast()
}

// FinishGame ends the game session early, truncating the current turn, and
// returns the final scores. The second return is false when game mode is off.
func (p *Pipeline) FinishGame() (game.Session, bool) {
	if p.scorer == nil {
		return game.Session{}, false
	}
	p.scorer.Finish()
	return p.scorer.Snapshot(), true
}

// Stop halts acquisition, drains everything already queued through analysis
// and the blocking lanes, closes the capture file, and returns the first
// fatal error of the run, if any.
func (p *Pipeline) Stop() error {
	if !p.started {
		return nil
	}
	p.cancelRun()
	p.gateMu.Lock()
	p.stopped = true
	p.gateMu.Unlock()
	p.gate.Broadcast()

	p.wg.Wait()
	p.fan.Close()
	p.laneWG.Wait()
	p.cancelFlush()

	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			p.fail(&DurabilityError{Err: err})
		}
	}
	p.log.Info("pipeline stopped", "written", p.written(), "dropped", p.viz.Dropped())
	return p.runErr
}

func (p *Pipeline) written() int {
	if p.writer == nil {
		return 0
	}
	return p.writer.Written()
}

// fail records the first fatal error and tears the run down.
func (p *Pipeline) fail(err error) {
	p.errOnce.Do(func() {
		p.runErr = err
		p.log.Error("pipeline failed", "error", err)
		close(p.failed)
		p.cancelRun()
		p.cancelFlush()
		p.gate.Broadcast()
	})
}

// waitResume blocks while paused. It returns false when the run is over.
func (p *Pipeline) waitResume() bool {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	for p.paused && !p.stopped {
		if p.runCtx.Err() != nil {
			return false
		}
		p.gate.Wait()
	}
	return !p.stopped && p.runCtx.Err() == nil
}

func (p *Pipeline) produce() {
	defer p.wg.Done()
	defer close(p.entry)

	var seq uint64
	for {
		if !p.waitResume() {
			return
		}
		r, err := p.src.Read(p.runCtx)
		if err != nil {
			if p.runCtx.Err() != nil {
				return
			}
			if errors.Is(err, device.ErrDisconnected) {
				if rerr := p.reconnect(); rerr != nil {
					p.fail(rerr)
					return
				}
				// New sub-sequence: positions restart at 1 and the
				// consumer resets the window on the gap.
				seq = 0
				continue
			}
			p.fail(fmt.Errorf("device read: %w", err))
			return
		}
		seq++
		sample := model.RawSample{Seq: seq, WallTime: r.WallTime, Value: r.Value}
		select {
		case p.entry <- sample:
		case <-p.runCtx.Done():
			return
		}
	}
}

// reconnect retries the device connection with exponential backoff.
func (p *Pipeline) reconnect() error {
	delay := p.cfg.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ReconnectMax; attempt++ {
		p.log.Warn("device disconnected, reconnecting",
			"attempt", attempt,
			"max", p.cfg.ReconnectMax,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-p.runCtx.Done():
			return nil
		}
		err := p.src.Connect(p.runCtx)
		if err == nil {
			p.log.Info("device reconnected", "attempt", attempt)
			return nil
		}
		lastErr = err
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
	if p.runCtx.Err() != nil {
		return nil
	}
	return &TransportError{Attempts: p.cfg.ReconnectMax, Err: lastErr}
}

func (p *Pipeline) consume() {
	defer p.wg.Done()
	for sample := range p.entry {
		snap, err := p.agg.Ingest(sample)
		if errors.Is(err, window.ErrSequenceGap) {
			p.agg.Reset()
			snap, err = p.agg.Ingest(sample)
		}
		if err != nil {
			p.fail(fmt.Errorf("aggregate: %w", err))
			return
		}
		step := model.Step{Sample: sample, Events: p.classifier.Classify(snap)}
		if err := p.fan.Publish(p.flushCtx, step); err != nil {
			// Only a fatal lane failure cancels flushCtx; fail keeps
			// the first error.
			return
		}
	}
}

func (p *Pipeline) runCapture(lane *fanout.Lane) {
	defer p.laneWG.Done()
	for step := range lane.Steps() {
		rec := recordFromStep(step)
		if err := p.writer.Append(rec); err != nil {
			p.fail(&DurabilityError{Err: err})
			// Keep draining so the consumer's blocking publish never
			// wedges while the run tears down.
			for range lane.Steps() {
			}
			return
		}
	}
}

func (p *Pipeline) runGame(lane *fanout.Lane) {
	defer p.laneWG.Done()
	ticker := time.NewTicker(advanceInterval)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				p.scorer.Advance()
			case <-done:
				return
			}
		}
	}()
	defer close(done)
	for step := range lane.Steps() {
		for _, ev := range step.Events {
			p.scorer.Observe(ev)
		}
	}
}

func recordFromStep(step model.Step) model.CaptureRecord {
	rec := model.CaptureRecord{Sample: step.Sample}
	for _, ev := range step.Events {
		rec.SetResult(ev.Test, model.TestResult{
			Present:   true,
			ZScore:    ev.ZScore,
			PValue:    ev.PValue,
			Tier:      ev.Tier,
			Direction: ev.Direction,
		})
	}
	return rec
}
