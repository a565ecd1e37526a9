// Package models holds the activity types shared by the watcher pipeline.
package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Activity status values reported on the AFK stream
const (
	StatusAFK    = "afk"
	StatusNotAFK = "not-afk"
)

// UnknownWindow is reported for app and title when the desktop has no focus
const UnknownWindow = "unknown"

// Event is one interval of observed activity.
type Event struct {
	Timestamp time.Time
	Duration  time.Duration
	Data      map[string]string
}

// End returns the instant the interval ends
func (e Event) End() time.Time {
	return e.Timestamp.Add(e.Duration)
}

// SameData reports whether two events carry identical data
func (e Event) SameData(other Event) bool {
	return maps.Equal(e.Data, other.Data)
}

// Clone returns a copy that does not share the data map
func (e Event) Clone() Event {
	e.Data = maps.Clone(e.Data)
	return e
}

type eventJSON struct {
	Timestamp string            `json:"timestamp"`
	Duration  float64           `json:"duration"`
	Data      map[string]string `json:"data"`
}

// MarshalJSON encodes the event in the store's heartbeat format:
// RFC3339 timestamp and duration in seconds.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]string{}
	}
	return json.Marshal(eventJSON{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Duration:  e.Duration.Seconds(),
		Data:      data,
	})
}

// UnmarshalJSON decodes the store's event format.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Timestamp string         `json:"timestamp"`
		Duration  float64        `json:"duration"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", raw.Timestamp, err)
	}
	if raw.Duration < 0 {
		return fmt.Errorf("negative duration %v", raw.Duration)
	}
	e.Timestamp = ts
	e.Duration = time.Duration(raw.Duration * float64(time.Second))
	e.Data = make(map[string]string, len(raw.Data))
	for k, v := range raw.Data {
		if s, ok := v.(string); ok {
			e.Data[k] = s
		} else {
			e.Data[k] = fmt.Sprint(v)
		}
	}
	return nil
}

// AFKData builds the data map of an AFK stream event
func AFKData(status string) map[string]string {
	return map[string]string{"status": status}
}

// WindowData builds the data map of a window stream event
func WindowData(app, title string) map[string]string {
	return map[string]string{"app": app, "title": title}
}

// BucketEvent is a finalized event tagged with its destination bucket
type BucketEvent struct {
	BucketID string `json:"bucket"`
	Event    Event  `json:"event"`
}
