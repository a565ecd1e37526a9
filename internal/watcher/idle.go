package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/bryanchriswhite/deskwatch/internal/models"
)

// State is the user's activity state
type State int

const (
	Active State = iota
	Idle
)

// String returns the status value reported to the store
func (s State) String() string {
	if s == Idle {
		return models.StatusAFK
	}
	return models.StatusNotAFK
}

// IdleDetector classifies idle durations against a threshold. The initial
// state is Active.
type IdleDetector struct {
	threshold time.Duration

	mu    sync.Mutex
	state State
}

// NewIdleDetector creates a detector for threshold
func NewIdleDetector(threshold time.Duration) *IdleDetector {
	return &IdleDetector{threshold: threshold, state: Active}
}

// Classify folds one idle sample into the state machine and returns the new
// state and whether it changed
func (d *IdleDetector) Classify(idle time.Duration) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := Active
	if idle >= d.threshold {
		next = Idle
	}
	changed := next != d.state
	d.state = next
	return next, changed
}

// State returns the current state
func (d *IdleDetector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IdleSource provides idle time samples
type IdleSource interface {
	QueryIdle(ctx context.Context) (time.Duration, error)
}

// IdleWatcher emits afk/not-afk events from an idle source
type IdleWatcher struct {
	source   IdleSource
	detector *IdleDetector
	bucket   models.Bucket
	interval time.Duration
}

// NewIdleWatcher creates the AFK stream watcher
func NewIdleWatcher(source IdleSource, bucket models.Bucket, interval, threshold time.Duration) *IdleWatcher {
	return &IdleWatcher{
		source:   source,
		detector: NewIdleDetector(threshold),
		bucket:   bucket,
		interval: interval,
	}
}

// Name returns the watcher name
func (w *IdleWatcher) Name() string {
	return "afk"
}

// Bucket returns the AFK bucket
func (w *IdleWatcher) Bucket() models.Bucket {
	return w.bucket
}

// Interval returns the poll period
func (w *IdleWatcher) Interval() time.Duration {
	return w.interval
}

// Detector exposes the underlying state machine
func (w *IdleWatcher) Detector() *IdleDetector {
	return w.detector
}

// Poll samples idle time and classifies it. The event covers one poll
// interval starting at now. A sample returned after ctx is done is discarded
// and ctx's error is returned.
func (w *IdleWatcher) Poll(ctx context.Context, now time.Time) (models.Event, error) {
	idle, err := w.source.QueryIdle(ctx)
	if err != nil {
		return models.Event{}, fmt.Errorf("query idle: %w", err)
	}
	// Late samples are not committed to the state machine
	if err := ctx.Err(); err != nil {
		return models.Event{}, fmt.Errorf("query idle: %w", err)
	}

	state, changed := w.detector.Classify(idle)
	if changed {
		logger.WithComponent("idle-watcher").Info().
			Str("status", state.String()).
			Dur("idle", idle).
			Msg("Activity state changed")
	}

	return models.Event{
		Timestamp: now,
		Duration:  w.interval,
		Data:      models.AFKData(state.String()),
	}, nil
}
