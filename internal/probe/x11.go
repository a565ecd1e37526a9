package probe

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/screensaver"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/deskwatch/internal/logger"
)

// X11Probe reads idle time from the MIT-SCREEN-SAVER extension and the
// focused window from EWMH root window properties
type X11Probe struct {
	conn *xgb.Conn
	root xproto.Window
	// idleErr is set when the screensaver extension cannot be used
	idleErr error

	mu    sync.Mutex
	atoms map[string]xproto.Atom
}

// NewX11Probe connects to the X server named by $DISPLAY
func NewX11Probe() (*X11Probe, error) {
	log := logger.WithComponent("x11-probe")

	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to X server: %w", ErrBackendUnavailable, err)
	}

	setup := xproto.Setup(conn)
	p := &X11Probe{
		conn:  conn,
		root:  setup.DefaultScreen(conn).Root,
		atoms: make(map[string]xproto.Atom),
	}

	if err := screensaver.Init(conn); err != nil {
		p.idleErr = fmt.Errorf("%w: MIT-SCREEN-SAVER extension: %w", ErrBackendUnavailable, err)
		log.Warn().Err(err).Msg("Screensaver extension not supported, idle detection disabled")
	} else if _, err := p.queryIdle(); err != nil {
		p.idleErr = fmt.Errorf("%w: screensaver QueryInfo: %w", ErrBackendUnavailable, err)
		log.Warn().Err(err).Msg("Screensaver query failed, idle detection disabled")
	}

	log.Info().Msg("Connected to X server")
	return p, nil
}

// Name returns the backend name
func (p *X11Probe) Name() string {
	return "x11"
}

// Close closes the X11 connection
func (p *X11Probe) Close() error {
	p.conn.Close()
	return nil
}

// QueryIdle returns the time since the last keyboard or pointer input
func (p *X11Probe) QueryIdle(ctx context.Context) (time.Duration, error) {
	if p.idleErr != nil {
		return 0, p.idleErr
	}
	return p.queryIdle()
}

func (p *X11Probe) queryIdle() (time.Duration, error) {
	reply, err := screensaver.QueryInfo(p.conn, xproto.Drawable(p.root)).Reply()
	if err != nil {
		return 0, fmt.Errorf("screensaver QueryInfo failed: %w", err)
	}
	return time.Duration(reply.MsSinceUserInput) * time.Millisecond, nil
}

// QueryActiveWindow returns the class and title of the focused window
func (p *X11Probe) QueryActiveWindow(ctx context.Context) (Window, error) {
	win, err := p.activeWindow()
	if err != nil {
		return Window{}, err
	}
	if win == xproto.WindowNone || win == p.root || win == xproto.Window(xproto.InputFocusPointerRoot) {
		return Window{}, ErrNoFocusedWindow
	}

	title := p.stringProperty(win, "_NET_WM_NAME")
	if title == "" {
		title = p.stringProperty(win, "WM_NAME")
	}

	info := Window{Title: title}
	if class, err := p.property(win, "WM_CLASS"); err == nil {
		info.App = parseWMClass(class)
	}
	return info, nil
}

// activeWindow reads _NET_ACTIVE_WINDOW and falls back to the input focus
// when the window manager does not publish it
func (p *X11Probe) activeWindow() (xproto.Window, error) {
	atom, err := p.atom("_NET_ACTIVE_WINDOW")
	if err != nil {
		return 0, err
	}

	reply, err := xproto.GetProperty(p.conn, false, p.root, atom, xproto.AtomWindow, 0, 1).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to get _NET_ACTIVE_WINDOW: %w", err)
	}
	if reply.Format == 32 && len(reply.Value) >= 4 {
		return xproto.Window(xgb.Get32(reply.Value)), nil
	}

	focus, err := xproto.GetInputFocus(p.conn).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to get input focus: %w", err)
	}
	return focus.Focus, nil
}

// atom gets an atom ID by name, caching the result
func (p *X11Probe) atom(name string) (xproto.Atom, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(p.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to intern atom %s: %w", name, err)
	}
	p.atoms[name] = reply.Atom
	return reply.Atom, nil
}

// property gets the raw value of a window property
func (p *X11Probe) property(win xproto.Window, name string) ([]byte, error) {
	atom, err := p.atom(name)
	if err != nil {
		return nil, err
	}
	reply, err := xproto.GetProperty(
		p.conn,
		false,
		win,
		atom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return nil, err
	}
	if reply.ValueLen == 0 {
		return nil, fmt.Errorf("empty property %s", name)
	}
	return reply.Value, nil
}

func (p *X11Probe) stringProperty(win xproto.Window, name string) string {
	value, err := p.property(win, name)
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(value, "\x00"))
}

// parseWMClass returns the class half of a WM_CLASS value, which is two
// NUL-terminated strings: instance then class
func parseWMClass(value []byte) string {
	parts := bytes.Split(bytes.TrimRight(value, "\x00"), []byte{0})
	for i := len(parts) - 1; i >= 0; i-- {
		if len(parts[i]) > 0 {
			return string(parts[i])
		}
	}
	return ""
}
