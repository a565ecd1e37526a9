// Package heartbeat collapses a stream of per-tick events into
// non-overlapping intervals, extending the current interval while
// consecutive samples carry the same data.
package heartbeat

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/bryanchriswhite/deskwatch/internal/models"
)

// Merger holds the in-progress event of one stream
type Merger struct {
	pulsetime time.Duration

	mu      sync.Mutex
	current models.Event
	active  bool
}

// NewMerger creates a merger that joins same-data samples separated by at
// most pulsetime
func NewMerger(pulsetime time.Duration) *Merger {
	return &Merger{pulsetime: pulsetime}
}

// Pulsetime returns the merge window
func (m *Merger) Pulsetime() time.Duration {
	return m.pulsetime
}

// Add folds a sample into the current interval and returns any events that
// were finalized by it, oldest first. Gaps are measured on the wall clock;
// the monotonic clock does not advance across system suspend.
func (m *Merger) Add(ev models.Event) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev = ev.Clone()
	ev.Timestamp = ev.Timestamp.Round(0)

	if !m.active {
		m.current = ev
		m.active = true
		return nil
	}

	if ev.Timestamp.Before(m.current.Timestamp) {
		logger.WithComponent("heartbeat").Debug().
			Time("sample", ev.Timestamp).
			Time("current", m.current.Timestamp).
			Msg("Discarding out-of-order sample")
		return nil
	}

	if ev.SameData(m.current) && ev.Timestamp.Sub(m.current.End()) <= m.pulsetime {
		end := m.current.End()
		if ev.End().After(end) {
			end = ev.End()
		}
		m.current.Duration = end.Sub(m.current.Timestamp)
		return nil
	}

	done := m.current
	if done.End().After(ev.Timestamp) {
		done.Duration = ev.Timestamp.Sub(done.Timestamp)
	}
	m.current = ev
	return []models.Event{done}
}

// Flush finalizes and returns the in-progress event, if any
func (m *Merger) Flush() (models.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return models.Event{}, false
	}
	ev := m.current
	m.current = models.Event{}
	m.active = false
	return ev, true
}

// Current returns a copy of the in-progress event
func (m *Merger) Current() (models.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone(), m.active
}
