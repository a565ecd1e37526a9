package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/models"
	"github.com/bryanchriswhite/deskwatch/internal/probe"
	"github.com/stretchr/testify/require"
)

type fakeIdle struct {
	idle []time.Duration
	err  error
	i    int
}

func (f *fakeIdle) QueryIdle(ctx context.Context) (time.Duration, error) {
	if f.err != nil {
		return 0, f.err
	}
	d := f.idle[f.i]
	if f.i < len(f.idle)-1 {
		f.i++
	}
	return d, nil
}

type fakeWindow struct {
	windows []probe.Window
	errs    []error
	i       int
}

func (f *fakeWindow) QueryActiveWindow(ctx context.Context) (probe.Window, error) {
	i := f.i
	f.i++
	if i < len(f.errs) && f.errs[i] != nil {
		return probe.Window{}, f.errs[i]
	}
	return f.windows[i], nil
}

// slowSource answers only after the caller's deadline has passed
type slowSource struct {
	idle time.Duration
	win  probe.Window
}

func (s slowSource) QueryIdle(ctx context.Context) (time.Duration, error) {
	<-ctx.Done()
	return s.idle, nil
}

func (s slowSource) QueryActiveWindow(ctx context.Context) (probe.Window, error) {
	<-ctx.Done()
	return s.win, nil
}

func expiredContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestIdleWatcherDiscardsLateSample(t *testing.T) {
	w := NewIdleWatcher(slowSource{idle: time.Hour}, models.AFKBucket("host"), time.Second, 3*time.Minute)

	_, err := w.Poll(expiredContext(t), time.Now())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Active, w.Detector().State())
}

func TestWindowWatcherDiscardsLateSample(t *testing.T) {
	w := NewWindowWatcher(slowSource{win: probe.Window{App: "code", Title: "main.go"}}, models.WindowBucket("host"), time.Second)

	_, err := w.Poll(expiredContext(t), time.Now())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, w.Changes())
	_, ok := w.Last()
	require.False(t, ok)
}

func TestIdleDetectorThresholdBoundary(t *testing.T) {
	threshold := 180 * time.Second

	d := NewIdleDetector(threshold)
	require.Equal(t, Active, d.State())

	state, changed := d.Classify(threshold - time.Millisecond)
	require.Equal(t, Active, state)
	require.False(t, changed)

	state, changed = d.Classify(threshold)
	require.Equal(t, Idle, state)
	require.True(t, changed)

	state, changed = d.Classify(threshold + time.Minute)
	require.Equal(t, Idle, state)
	require.False(t, changed)

	state, changed = d.Classify(threshold - time.Millisecond)
	require.Equal(t, Active, state)
	require.True(t, changed)
}

func TestIdleDetectorFirstSampleMayFlip(t *testing.T) {
	d := NewIdleDetector(time.Minute)

	state, changed := d.Classify(10 * time.Minute)
	require.Equal(t, Idle, state)
	require.True(t, changed)
}

func TestStateString(t *testing.T) {
	require.Equal(t, models.StatusNotAFK, Active.String())
	require.Equal(t, models.StatusAFK, Idle.String())
}

func TestIdleWatcherPoll(t *testing.T) {
	src := &fakeIdle{idle: []time.Duration{0, 2 * time.Second, 5 * time.Second}}
	bucket := models.AFKBucket("host")
	w := NewIdleWatcher(src, bucket, time.Second, 5*time.Second)

	require.Equal(t, "afk", w.Name())
	require.Equal(t, bucket, w.Bucket())
	require.Equal(t, time.Second, w.Interval())

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	ev, err := w.Poll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, now, ev.Timestamp)
	require.Equal(t, time.Second, ev.Duration)
	require.Equal(t, models.AFKData(models.StatusNotAFK), ev.Data)

	ev, err = w.Poll(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, models.StatusNotAFK, ev.Data["status"])

	ev, err = w.Poll(context.Background(), now.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, models.StatusAFK, ev.Data["status"])
	require.Equal(t, Idle, w.Detector().State())
}

func TestIdleWatcherPassesErrorsThrough(t *testing.T) {
	src := &fakeIdle{err: probe.ErrBackendUnavailable}
	w := NewIdleWatcher(src, models.AFKBucket("host"), time.Second, time.Minute)

	_, err := w.Poll(context.Background(), time.Now())
	require.ErrorIs(t, err, probe.ErrBackendUnavailable)
	require.Equal(t, Active, w.Detector().State())
}

func TestWindowWatcherPoll(t *testing.T) {
	src := &fakeWindow{
		windows: []probe.Window{
			{App: "firefox", Title: "News"},
			{App: "firefox", Title: "News"},
			{},
			{App: "code", Title: ""},
		},
		errs: []error{nil, nil, probe.ErrNoFocusedWindow, nil},
	}
	w := NewWindowWatcher(src, models.WindowBucket("host"), time.Second)
	require.Equal(t, "window", w.Name())

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	ev, err := w.Poll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, models.WindowData("firefox", "News"), ev.Data)
	require.Equal(t, time.Second, ev.Duration)

	_, err = w.Poll(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, w.Changes())

	ev, err = w.Poll(context.Background(), now.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, models.WindowData(models.UnknownWindow, models.UnknownWindow), ev.Data)

	ev, err = w.Poll(context.Background(), now.Add(3*time.Second))
	require.NoError(t, err)
	require.Equal(t, models.WindowData("code", models.UnknownWindow), ev.Data)
	require.EqualValues(t, 3, w.Changes())

	last, ok := w.Last()
	require.True(t, ok)
	require.Equal(t, "code", last.App)
}

func TestWindowWatcherPassesErrorsThrough(t *testing.T) {
	boom := errors.New("bus closed")
	src := &fakeWindow{windows: []probe.Window{{}}, errs: []error{boom}}
	w := NewWindowWatcher(src, models.WindowBucket("host"), time.Second)

	_, err := w.Poll(context.Background(), time.Now())
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 0, w.Changes())
}
