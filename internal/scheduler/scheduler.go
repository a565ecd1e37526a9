// Package scheduler drives each watcher on its own ticker, merges its
// samples into heartbeats and hands finalized events to the reporter.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/heartbeat"
	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/bryanchriswhite/deskwatch/internal/models"
	"github.com/bryanchriswhite/deskwatch/internal/probe"
	"github.com/bryanchriswhite/deskwatch/internal/watcher"
	"golang.org/x/sync/errgroup"
)

// Watcher states reported by Status
const (
	StateRunning  = "running"
	StateDisabled = "disabled"
	StateStopped  = "stopped"
)

// Sink consumes finalized events until the channel is closed or ctx ends
type Sink interface {
	Run(ctx context.Context, in <-chan models.BucketEvent) error
}

// Publisher observes every finalized event
type Publisher interface {
	Publish(ev models.BucketEvent)
}

// Options tunes scheduling and shutdown
type Options struct {
	Pulsetime       time.Duration
	ProbeTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Publisher is optional
	Publisher Publisher
}

// WatcherStatus is a snapshot of one watcher
type WatcherStatus struct {
	Name       string     `json:"name"`
	Bucket     string     `json:"bucket"`
	State      string     `json:"state"`
	LastSample *time.Time `json:"last_sample,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type pollResult struct {
	ev  models.Event
	err error
}

type task struct {
	watcher  watcher.Watcher
	merger   *heartbeat.Merger
	inflight atomic.Bool

	mu         sync.Mutex
	state      string
	lastSample time.Time
	lastErr    string
}

func (t *task) status() WatcherStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := WatcherStatus{
		Name:      t.watcher.Name(),
		Bucket:    t.watcher.Bucket().ID,
		State:     t.state,
		LastError: t.lastErr,
	}
	if !t.lastSample.IsZero() {
		ts := t.lastSample
		st.LastSample = &ts
	}
	return st
}

// Scheduler owns the watchers, their mergers and the hand-off channel
type Scheduler struct {
	opts   Options
	tasks  []*task
	sink   Sink
	events chan models.BucketEvent
}

// New creates a scheduler. Run may be called once.
func New(watchers []watcher.Watcher, sink Sink, opts Options) *Scheduler {
	s := &Scheduler{
		opts:   opts,
		sink:   sink,
		events: make(chan models.BucketEvent, 64),
	}
	for _, w := range watchers {
		s.tasks = append(s.tasks, &task{
			watcher: w,
			merger:  heartbeat.NewMerger(opts.Pulsetime),
			state:   StateRunning,
		})
	}
	return s
}

// Status returns a snapshot of every watcher
func (s *Scheduler) Status() []WatcherStatus {
	out := make([]WatcherStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.status())
	}
	return out
}

// Run polls until ctx is cancelled, then flushes the mergers and gives the
// sink ShutdownTimeout to drain before cancelling it.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.WithComponent("scheduler")

	sinkCtx, cancelSink := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSink()

	sinkDone := make(chan error, 1)
	go func() {
		sinkDone <- s.sink.Run(sinkCtx, s.events)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.runTask(gctx, t)
			return nil
		})
	}
	log.Info().Int("watchers", len(s.tasks)).Msg("Scheduler started")

	err := g.Wait()
	// Every watcher may be disabled; keep the sink alive until shutdown
	<-ctx.Done()

	log.Info().Msg("Shutting down, flushing heartbeats")
	for _, t := range s.tasks {
		if ev, ok := t.merger.Flush(); ok {
			s.emit(t, ev)
		}
		t.mu.Lock()
		if t.state == StateRunning {
			t.state = StateStopped
		}
		t.mu.Unlock()
	}
	close(s.events)

	timer := time.AfterFunc(s.opts.ShutdownTimeout, cancelSink)
	defer timer.Stop()

	sinkErr := <-sinkDone
	log.Info().Msg("Scheduler stopped")
	return errors.Join(err, sinkErr)
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	log := logger.WithComponent("scheduler")
	name := t.watcher.Name()

	ticker := time.NewTicker(t.watcher.Interval())
	defer ticker.Stop()

	log.Debug().Str("watcher", name).Dur("interval", t.watcher.Interval()).Msg("Watcher started")

	if !s.tick(ctx, t, time.Now()) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.tick(ctx, t, now) {
				return
			}
		}
	}
}

// tick takes one sample. It returns false once the watcher is disabled.
func (s *Scheduler) tick(ctx context.Context, t *task, now time.Time) bool {
	log := logger.WithComponent("scheduler")
	name := t.watcher.Name()
	now = now.Round(0)

	if !t.inflight.CompareAndSwap(false, true) {
		timeoutCounter.WithLabelValues(name).Inc()
		log.Debug().Str("watcher", name).Msg("Previous probe call still outstanding, skipping tick")
		return true
	}

	// In-flight calls are waited out on shutdown, bounded by the probe timeout
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ProbeTimeout)
	result := make(chan pollResult, 1)
	go func() {
		defer t.inflight.Store(false)
		defer cancel()
		ev, err := t.watcher.Poll(pctx, now)
		result <- pollResult{ev: ev, err: err}
	}()

	var res pollResult
	select {
	case res = <-result:
	case <-pctx.Done():
		select {
		case res = <-result:
		default:
			res.err = probe.ErrProbeTimeout
		}
	}

	switch {
	case res.err == nil:
		samplesCounter.WithLabelValues(name).Inc()
		t.mu.Lock()
		t.lastSample = now
		t.lastErr = ""
		t.mu.Unlock()
		for _, ev := range t.merger.Add(res.ev) {
			s.emit(t, ev)
		}
		return true

	case errors.Is(res.err, probe.ErrBackendUnavailable):
		log.Warn().Err(res.err).Str("watcher", name).Msg("Backend unavailable, disabling watcher")
		disabledGauge.WithLabelValues(name).Set(1)
		t.mu.Lock()
		t.state = StateDisabled
		t.lastErr = res.err.Error()
		t.mu.Unlock()
		return false

	case errors.Is(res.err, probe.ErrProbeTimeout), errors.Is(res.err, context.DeadlineExceeded):
		timeoutCounter.WithLabelValues(name).Inc()
		log.Debug().Str("watcher", name).Dur("timeout", s.opts.ProbeTimeout).Msg("Probe call timed out")
		return true
	}

	errorCounter.WithLabelValues(name).Inc()
	msg := res.err.Error()
	t.mu.Lock()
	repeated := t.lastErr == msg
	t.lastErr = msg
	t.mu.Unlock()
	if repeated {
		log.Debug().Err(res.err).Str("watcher", name).Msg("Probe failed")
	} else {
		log.Warn().Err(res.err).Str("watcher", name).Msg("Probe failed")
	}
	return true
}

func (s *Scheduler) emit(t *task, ev models.Event) {
	be := models.BucketEvent{BucketID: t.watcher.Bucket().ID, Event: ev}
	s.events <- be
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(be)
	}
}
