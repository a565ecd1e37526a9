package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/models"
	"github.com/bryanchriswhite/deskwatch/internal/probe"
	"github.com/bryanchriswhite/deskwatch/internal/watcher"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	name     string
	bucket   models.Bucket
	interval time.Duration
	poll     func(ctx context.Context, now time.Time) (models.Event, error)
	calls    atomic.Int64
}

func (w *fakeWatcher) Name() string            { return w.name }
func (w *fakeWatcher) Bucket() models.Bucket   { return w.bucket }
func (w *fakeWatcher) Interval() time.Duration { return w.interval }

func (w *fakeWatcher) Poll(ctx context.Context, now time.Time) (models.Event, error) {
	w.calls.Add(1)
	return w.poll(ctx, now)
}

// changingWatcher emits different data on every tick so each sample
// finalizes the previous one
func changingWatcher(name string) *fakeWatcher {
	var n atomic.Int64
	w := &fakeWatcher{name: name, bucket: models.WindowBucket(name), interval: 5 * time.Millisecond}
	w.poll = func(ctx context.Context, now time.Time) (models.Event, error) {
		i := n.Add(1)
		return models.Event{
			Timestamp: now,
			Duration:  w.interval,
			Data:      models.WindowData("app", fmt.Sprintf("title %d", i)),
		}, nil
	}
	return w
}

func constantWatcher(name string) *fakeWatcher {
	w := &fakeWatcher{name: name, bucket: models.AFKBucket(name), interval: 5 * time.Millisecond}
	w.poll = func(ctx context.Context, now time.Time) (models.Event, error) {
		return models.Event{Timestamp: now, Duration: w.interval, Data: models.AFKData(models.StatusNotAFK)}, nil
	}
	return w
}

type recordingSink struct {
	mu      sync.Mutex
	events  []models.BucketEvent
	closed  bool
	ignores bool
}

func (s *recordingSink) Run(ctx context.Context, in <-chan models.BucketEvent) error {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				s.mu.Lock()
				s.closed = true
				s.mu.Unlock()
				if s.ignores {
					<-ctx.Done()
				}
				return nil
			}
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *recordingSink) byBucket(id string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, be := range s.events {
		if be.BucketID == id {
			out = append(out, be.Event)
		}
	}
	return out
}

type recordingPublisher struct {
	count atomic.Int64
}

func (p *recordingPublisher) Publish(ev models.BucketEvent) {
	p.count.Add(1)
}

func testOptions() Options {
	return Options{
		Pulsetime:       time.Second,
		ProbeTimeout:    20 * time.Millisecond,
		ShutdownTimeout: 100 * time.Millisecond,
	}
}

func runScheduler(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerBackendIsolation(t *testing.T) {
	broken := &fakeWatcher{name: "broken", bucket: models.AFKBucket("broken"), interval: 5 * time.Millisecond}
	broken.poll = func(ctx context.Context, now time.Time) (models.Event, error) {
		return models.Event{}, fmt.Errorf("query idle: %w", probe.ErrBackendUnavailable)
	}
	healthy := changingWatcher("healthy")

	sink := &recordingSink{}
	s := New([]watcher.Watcher{broken, healthy}, sink, testOptions())
	cancel, done := runScheduler(t, s)

	require.Eventually(t, func() bool {
		return len(sink.byBucket(healthy.bucket.ID)) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	status := s.Status()
	require.Equal(t, StateDisabled, status[0].State)
	require.Contains(t, status[0].LastError, "backend unavailable")
	require.Equal(t, StateRunning, status[1].State)
	require.NotNil(t, status[1].LastSample)
	require.EqualValues(t, 1, broken.calls.Load())

	cancel()
	waitDone(t, done)
	require.Empty(t, sink.byBucket(broken.bucket.ID))
	require.Equal(t, StateStopped, s.Status()[1].State)
	require.Equal(t, StateDisabled, s.Status()[0].State)
}

func TestSchedulerHungProbeDoesNotPileUp(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	hung := &fakeWatcher{name: "hung", bucket: models.AFKBucket("hung"), interval: 5 * time.Millisecond}
	hung.poll = func(ctx context.Context, now time.Time) (models.Event, error) {
		<-release
		return models.Event{}, nil
	}
	healthy := changingWatcher("healthy")

	sink := &recordingSink{}
	s := New([]watcher.Watcher{hung, healthy}, sink, testOptions())
	cancel, done := runScheduler(t, s)

	require.Eventually(t, func() bool {
		return len(sink.byBucket(healthy.bucket.ID)) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	require.EqualValues(t, 1, hung.calls.Load())
	require.Equal(t, StateRunning, s.Status()[0].State)

	cancel()
	waitDone(t, done)
}

// lateIdle answers after the probe timeout regardless of ctx
type lateIdle struct {
	delay time.Duration
	calls atomic.Int64
}

func (l *lateIdle) QueryIdle(ctx context.Context) (time.Duration, error) {
	time.Sleep(l.delay)
	l.calls.Add(1)
	return time.Hour, nil
}

func TestSchedulerTimedOutPollDoesNotChangeState(t *testing.T) {
	src := &lateIdle{delay: 50 * time.Millisecond}
	bucket := models.AFKBucket("late")
	w := watcher.NewIdleWatcher(src, bucket, 10*time.Millisecond, time.Minute)

	sink := &recordingSink{}
	s := New([]watcher.Watcher{w}, sink, testOptions())
	cancel, done := runScheduler(t, s)

	require.Eventually(t, func() bool {
		return src.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, watcher.Active, w.Detector().State())

	cancel()
	waitDone(t, done)
	require.Empty(t, sink.byBucket(bucket.ID))
}

func TestSchedulerFlushesOnShutdown(t *testing.T) {
	w := constantWatcher("afk")
	pub := &recordingPublisher{}
	opts := testOptions()
	opts.Publisher = pub

	sink := &recordingSink{}
	s := New([]watcher.Watcher{w}, sink, opts)
	cancel, done := runScheduler(t, s)

	require.Eventually(t, func() bool {
		return w.calls.Load() >= 5
	}, 2*time.Second, time.Millisecond)
	require.Empty(t, sink.byBucket(w.bucket.ID))

	cancel()
	waitDone(t, done)

	events := sink.byBucket(w.bucket.ID)
	require.Len(t, events, 1)
	require.Equal(t, models.StatusNotAFK, events[0].Data["status"])
	require.GreaterOrEqual(t, events[0].Duration, 3*w.interval)
	require.EqualValues(t, 1, pub.count.Load())

	sink.mu.Lock()
	require.True(t, sink.closed)
	sink.mu.Unlock()
}

func TestSchedulerEventsAreOrdered(t *testing.T) {
	w := changingWatcher("window")
	sink := &recordingSink{}
	s := New([]watcher.Watcher{w}, sink, testOptions())
	cancel, done := runScheduler(t, s)

	require.Eventually(t, func() bool {
		return len(sink.byBucket(w.bucket.ID)) >= 10
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)

	events := sink.byBucket(w.bucket.ID)
	for i := 1; i < len(events); i++ {
		require.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
		require.False(t, events[i-1].End().After(events[i].Timestamp))
	}
}

func TestSchedulerWithoutWatchersWaitsForShutdown(t *testing.T) {
	sink := &recordingSink{}
	s := New(nil, sink, testOptions())
	cancel, done := runScheduler(t, s)

	select {
	case <-done:
		t.Fatal("scheduler returned before shutdown")
	case <-time.After(30 * time.Millisecond):
	}

	cancel()
	waitDone(t, done)
	require.Empty(t, s.Status())
}

func TestSchedulerShutdownTimeoutCancelsSink(t *testing.T) {
	sink := &recordingSink{ignores: true}
	s := New([]watcher.Watcher{constantWatcher("afk")}, sink, testOptions())
	cancel, done := runScheduler(t, s)

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()
	waitDone(t, done)
	require.GreaterOrEqual(t, time.Since(start), testOptions().ShutdownTimeout)
}
