package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/bryanchriswhite/deskwatch/internal/models"
	"github.com/bryanchriswhite/deskwatch/internal/probe"
)

// WindowSource provides focused window samples
type WindowSource interface {
	QueryActiveWindow(ctx context.Context) (probe.Window, error)
}

// WindowWatcher emits app/title events from a window source
type WindowWatcher struct {
	source   WindowSource
	bucket   models.Bucket
	interval time.Duration

	mu      sync.Mutex
	last    probe.Window
	hasLast bool
	changes atomic.Uint64
}

// NewWindowWatcher creates the active window stream watcher
func NewWindowWatcher(source WindowSource, bucket models.Bucket, interval time.Duration) *WindowWatcher {
	return &WindowWatcher{
		source:   source,
		bucket:   bucket,
		interval: interval,
	}
}

// Name returns the watcher name
func (w *WindowWatcher) Name() string {
	return "window"
}

// Bucket returns the window bucket
func (w *WindowWatcher) Bucket() models.Bucket {
	return w.bucket
}

// Interval returns the poll period
func (w *WindowWatcher) Interval() time.Duration {
	return w.interval
}

// Changes returns how many window changes have been observed
func (w *WindowWatcher) Changes() uint64 {
	return w.changes.Load()
}

// Last returns the most recent window sample
func (w *WindowWatcher) Last() (probe.Window, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.hasLast
}

// Poll samples the focused window. No focus becomes the unknown sentinel
// rather than a gap in the stream.
func (w *WindowWatcher) Poll(ctx context.Context, now time.Time) (models.Event, error) {
	win, err := w.source.QueryActiveWindow(ctx)
	switch {
	case errors.Is(err, probe.ErrNoFocusedWindow):
		win = probe.Window{}
	case err != nil:
		return models.Event{}, fmt.Errorf("query active window: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return models.Event{}, fmt.Errorf("query active window: %w", err)
	}
	win = normalizeWindow(win)

	w.mu.Lock()
	changed := !w.hasLast || w.last != win
	w.last = win
	w.hasLast = true
	w.mu.Unlock()

	if changed {
		w.changes.Add(1)
		logger.WithComponent("window-watcher").Debug().
			Str("app", win.App).
			Str("title", win.Title).
			Msg("Active window changed")
	}

	return models.Event{
		Timestamp: now,
		Duration:  w.interval,
		Data:      models.WindowData(win.App, win.Title),
	}, nil
}

func normalizeWindow(win probe.Window) probe.Window {
	if win.App == "" {
		win.App = models.UnknownWindow
	}
	if win.Title == "" {
		win.Title = models.UnknownWindow
	}
	return win
}
