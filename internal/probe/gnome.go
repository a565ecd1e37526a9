package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/godbus/dbus/v5"
)

// GNOME Shell D-Bus constants
const (
	mutterIdleService = "org.gnome.Mutter.IdleMonitor"
	mutterIdlePath    = "/org/gnome/Mutter/IdleMonitor/Core"
	mutterIdleMethod  = "org.gnome.Mutter.IdleMonitor.GetIdletime"

	gnomeShellService      = "org.gnome.Shell"
	focusedWindowPath      = "/org/gnome/shell/extensions/FocusedWindow"
	focusedWindowMethod    = "org.gnome.shell.extensions.FocusedWindow.Get"
	gnomeShellPath         = "/org/gnome/Shell"
	gnomeShellEvalMethod   = "org.gnome.Shell.Eval"
	gnomeFocusedWindowEval = `(() => {
  const w = global.display.focus_window;
  if (!w) return "null";
  return JSON.stringify({wm_class: w.get_wm_class() || "", title: w.get_title() || ""});
})()`
)

// GnomeProbe queries Mutter's idle monitor and the focused window through
// GNOME Shell on the session bus
type GnomeProbe struct {
	conn *dbus.Conn
}

// NewGnomeProbe connects to the session bus and checks that GNOME Shell is present
func NewGnomeProbe() (*GnomeProbe, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to session bus: %w", ErrBackendUnavailable, err)
	}

	if err := requireBusName(conn, gnomeShellService); err != nil {
		conn.Close()
		return nil, err
	}

	logger.WithComponent("gnome-probe").Info().Msg("Connected to GNOME Shell D-Bus service")
	return &GnomeProbe{conn: conn}, nil
}

// Name returns the backend name
func (p *GnomeProbe) Name() string {
	return "gnome"
}

// Close closes the D-Bus connection
func (p *GnomeProbe) Close() error {
	return p.conn.Close()
}

// QueryIdle returns Mutter's idle time for the core idle monitor
func (p *GnomeProbe) QueryIdle(ctx context.Context) (time.Duration, error) {
	var ms uint64
	obj := p.conn.Object(mutterIdleService, mutterIdlePath)
	if err := obj.CallWithContext(ctx, mutterIdleMethod, 0).Store(&ms); err != nil {
		return 0, classifyDBusError("GetIdletime", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// QueryActiveWindow asks the FocusedWindow extension first and falls back to
// Shell.Eval, which only works when unsafe mode is enabled
func (p *GnomeProbe) QueryActiveWindow(ctx context.Context) (Window, error) {
	log := logger.WithComponent("gnome-probe")

	var payload string
	obj := p.conn.Object(gnomeShellService, focusedWindowPath)
	err := obj.CallWithContext(ctx, focusedWindowMethod, 0).Store(&payload)
	if err == nil {
		return parseWindowJSON(payload)
	}

	extErr := classifyDBusError("FocusedWindow extension", err)
	if !errors.Is(extErr, ErrBackendUnavailable) {
		return Window{}, extErr
	}
	log.Debug().Err(err).Msg("FocusedWindow extension unavailable, trying Shell.Eval")

	return p.evalActiveWindow(ctx)
}

func (p *GnomeProbe) evalActiveWindow(ctx context.Context) (Window, error) {
	var (
		ok     bool
		result string
	)
	obj := p.conn.Object(gnomeShellService, gnomeShellPath)
	if err := obj.CallWithContext(ctx, gnomeShellEvalMethod, 0, gnomeFocusedWindowEval).Store(&ok, &result); err != nil {
		return Window{}, classifyDBusError("Shell.Eval", err)
	}
	if !ok {
		// GNOME 41+ refuses Eval outside unsafe mode
		return Window{}, fmt.Errorf("%w: Shell.Eval rejected: %s", ErrBackendUnavailable, result)
	}
	return parseWindowJSON(result)
}

// focusedWindowPayload is the JSON shape shared by the extension and the eval script
type focusedWindowPayload struct {
	WMClass string `json:"wm_class"`
	Title   string `json:"title"`
}

// parseWindowJSON decodes a focused window payload. Eval results arrive as a
// JSON string wrapping the object, so string layers are unwrapped first.
func parseWindowJSON(payload string) (Window, error) {
	raw := strings.TrimSpace(payload)
	for range 2 {
		if !strings.HasPrefix(raw, `"`) {
			break
		}
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return Window{}, fmt.Errorf("invalid window payload: %w", err)
		}
		raw = strings.TrimSpace(inner)
	}

	switch raw {
	case "", "null", "undefined", "{}":
		return Window{}, ErrNoFocusedWindow
	}

	var w focusedWindowPayload
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Window{}, fmt.Errorf("invalid window payload: %w", err)
	}
	if w.WMClass == "" && w.Title == "" {
		return Window{}, ErrNoFocusedWindow
	}
	return Window{App: w.WMClass, Title: w.Title}, nil
}
