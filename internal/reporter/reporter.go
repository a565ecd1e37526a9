// Package reporter delivers finalized events to the event store. Events are
// queued per bucket and sent in FIFO order; while the store is unreachable
// they stay queued and delivery is retried with exponential backoff.
package reporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/bryanchriswhite/deskwatch/internal/models"
	"github.com/cenkalti/backoff/v4"
)

// Store is the subset of the event store API the reporter needs
type Store interface {
	EnsureBucket(ctx context.Context, bucket models.Bucket) error
	SendHeartbeat(ctx context.Context, bucketID string, ev models.Event, pulsetime time.Duration) error
}

// Options tunes delivery
type Options struct {
	Pulsetime       time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxQueue bounds each bucket's queue; the oldest event is dropped on overflow
	MaxQueue int
}

// Reporter owns the pending queues. Only Run mutates them.
type Reporter struct {
	store   Store
	opts    Options
	buckets map[string]models.Bucket
	order   []string
	ensured map[string]bool
	cursor  int
	backoff *backoff.ExponentialBackOff

	mu     sync.Mutex
	queues map[string][]models.Event
}

// New creates a reporter for the given buckets
func New(store Store, buckets []models.Bucket, opts Options) *Reporter {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	r := &Reporter{
		store:   store,
		opts:    opts,
		buckets: make(map[string]models.Bucket, len(buckets)),
		ensured: make(map[string]bool, len(buckets)),
		backoff: b,
		queues:  make(map[string][]models.Event, len(buckets)),
	}
	for _, bucket := range buckets {
		if _, ok := r.buckets[bucket.ID]; ok {
			continue
		}
		r.buckets[bucket.ID] = bucket
		r.order = append(r.order, bucket.ID)
	}
	return r
}

// Pending returns the number of queued events per bucket
func (r *Reporter) Pending() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.order))
	for _, id := range r.order {
		out[id] = len(r.queues[id])
	}
	return out
}

// Run delivers events from in until in is closed and every queue is empty,
// or until ctx is cancelled. Events still queued at cancellation are
// dropped with a warning.
func (r *Reporter) Run(ctx context.Context, in <-chan models.BucketEvent) error {
	log := logger.WithComponent("reporter")
	log.Info().Int("buckets", len(r.order)).Msg("Reporter started")

	r.ensureAll(ctx)

	for {
		if r.total() == 0 {
			if in == nil {
				log.Info().Msg("Reporter drained")
				return nil
			}
			select {
			case ev, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				r.enqueue(ev)
			case <-ctx.Done():
				return r.finish()
			}
			continue
		}

		in = r.absorb(in)

		err := r.sendNext(ctx)
		if ctx.Err() != nil {
			return r.finish()
		}
		if err == nil {
			r.backoff.Reset()
			continue
		}

		wait := r.backoff.NextBackOff()
		log.Warn().
			Err(err).
			Dur("retry_in", wait).
			Int("pending", r.total()).
			Msg("Event store request failed, will retry")

		var ok bool
		if in, ok = r.wait(ctx, in, wait); !ok {
			return r.finish()
		}
	}
}

// absorb queues every event already waiting on in without blocking. It
// returns nil once in is closed.
func (r *Reporter) absorb(in <-chan models.BucketEvent) <-chan models.BucketEvent {
	for in != nil {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			r.enqueue(ev)
		default:
			return in
		}
	}
	return nil
}

// wait sleeps for d while still accepting input. It reports false if ctx
// ended first.
func (r *Reporter) wait(ctx context.Context, in <-chan models.BucketEvent, d time.Duration) (<-chan models.BucketEvent, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			r.enqueue(ev)
		case <-timer.C:
			return in, true
		case <-ctx.Done():
			return in, false
		}
	}
}

func (r *Reporter) ensureAll(ctx context.Context) {
	for _, id := range r.order {
		if err := r.ensure(ctx, id); err != nil {
			logger.WithComponent("reporter").Warn().
				Err(err).
				Str("bucket", id).
				Msg("Failed to create bucket, will retry before sending")
		}
	}
}

func (r *Reporter) ensure(ctx context.Context, id string) error {
	if r.ensured[id] {
		return nil
	}
	if err := r.store.EnsureBucket(ctx, r.buckets[id]); err != nil {
		failureCounter.WithLabelValues(failureReason(err)).Inc()
		return fmt.Errorf("ensure bucket %s: %w", id, err)
	}
	r.ensured[id] = true
	logger.WithComponent("reporter").Debug().Str("bucket", id).Msg("Bucket ready")
	return nil
}

// sendNext delivers the head of the next non-empty queue, visiting buckets
// round-robin. A rejected event is dropped so it cannot block its queue.
func (r *Reporter) sendNext(ctx context.Context) error {
	log := logger.WithComponent("reporter")

	id, ev, ok := r.head()
	if !ok {
		return nil
	}
	if err := r.ensure(ctx, id); err != nil {
		return err
	}

	err := r.store.SendHeartbeat(ctx, id, ev, r.opts.Pulsetime)
	switch {
	case err == nil:
		r.pop(id)
		sentCounter.WithLabelValues(id).Inc()
		log.Trace().Str("bucket", id).Time("timestamp", ev.Timestamp).Msg("Heartbeat sent")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case !Retryable(err):
		r.pop(id)
		failureCounter.WithLabelValues(failureReason(err)).Inc()
		droppedCounter.WithLabelValues(id).Inc()
		log.Error().Err(err).Str("bucket", id).Msg("Event rejected by store, dropping")
		return nil
	}
	failureCounter.WithLabelValues(failureReason(err)).Inc()
	return err
}

func (r *Reporter) head() (string, models.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.order {
		id := r.order[(r.cursor+i)%len(r.order)]
		if q := r.queues[id]; len(q) > 0 {
			r.cursor = (r.cursor + i + 1) % len(r.order)
			return id, q[0], true
		}
	}
	return "", models.Event{}, false
}

func (r *Reporter) enqueue(be models.BucketEvent) {
	if _, ok := r.buckets[be.BucketID]; !ok {
		logger.WithComponent("reporter").Warn().Str("bucket", be.BucketID).Msg("Event for unknown bucket, dropping")
		droppedCounter.WithLabelValues(be.BucketID).Inc()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[be.BucketID]
	if r.opts.MaxQueue > 0 && len(q) >= r.opts.MaxQueue {
		logger.WithComponent("reporter").Warn().
			Str("bucket", be.BucketID).
			Time("timestamp", q[0].Timestamp).
			Msg("Pending queue full, dropping oldest event")
		droppedCounter.WithLabelValues(be.BucketID).Inc()
		q = q[1:]
	}
	r.queues[be.BucketID] = append(q, be.Event)
	pendingGauge.WithLabelValues(be.BucketID).Set(float64(len(r.queues[be.BucketID])))
}

func (r *Reporter) pop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[id]
	if len(q) == 0 {
		return
	}
	q[0] = models.Event{}
	r.queues[id] = q[1:]
	pendingGauge.WithLabelValues(id).Set(float64(len(r.queues[id])))
}

func (r *Reporter) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, q := range r.queues {
		n += len(q)
	}
	return n
}

// finish drops whatever is still queued after the hard stop
func (r *Reporter) finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, q := range r.queues {
		if len(q) == 0 {
			continue
		}
		dropped += len(q)
		droppedCounter.WithLabelValues(id).Add(float64(len(q)))
		pendingGauge.WithLabelValues(id).Set(0)
		r.queues[id] = nil
	}

	log := logger.WithComponent("reporter")
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Shutdown deadline reached, dropping unsent events")
	} else {
		log.Info().Msg("Reporter stopped")
	}
	return nil
}
