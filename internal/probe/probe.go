// Package probe queries the desktop for user idle time and the focused
// window. Each backend speaks a different IPC mechanism (X11 requests,
// GNOME Shell over D-Bus, a KWin script calling back over D-Bus) behind the
// same Probe contract.
package probe

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnavailable means the mechanism behind a capability is
	// missing on this desktop. It is permanent for the probe instance.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNoFocusedWindow means the desktop reports that nothing has focus.
	ErrNoFocusedWindow = errors.New("no focused window")

	// ErrProbeTimeout means a single call exceeded its time bound.
	ErrProbeTimeout = errors.New("probe timeout")
)

// Window identifies the focused application window
type Window struct {
	App   string `json:"app"`
	Title string `json:"title"`
}

// Probe is the capability set every desktop backend provides
type Probe interface {
	// Name returns the backend name (e.g., "x11", "kwin")
	Name() string

	// QueryIdle returns the time since the last user input
	QueryIdle(ctx context.Context) (time.Duration, error)

	// QueryActiveWindow returns the focused window, or ErrNoFocusedWindow
	QueryActiveWindow(ctx context.Context) (Window, error)

	// Close releases the connection to the desktop
	Close() error
}
