// Package watcher turns probe samples into activity events for one stream
// each: the AFK stream and the active window stream.
package watcher

import (
	"context"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/models"
)

// Watcher produces one event per tick for a single bucket
type Watcher interface {
	// Name identifies the watcher in logs and status output
	Name() string

	// Bucket is the destination of the watcher's events
	Bucket() models.Bucket

	// Interval is the poll period
	Interval() time.Duration

	// Poll takes one sample and returns the event observed at now
	Poll(ctx context.Context, now time.Time) (models.Event, error)
}
