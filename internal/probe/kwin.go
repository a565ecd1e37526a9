package probe

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/godbus/dbus/v5"
)

// KWin D-Bus constants
const (
	kwinService         = "org.kde.KWin"
	kwinScriptingPath   = "/Scripting"
	kwinScriptingIface  = "org.kde.kwin.Scripting"
	kwinScriptName      = "deskwatch-active-window"
	screenSaverService  = "org.freedesktop.ScreenSaver"
	screenSaverPath     = "/ScreenSaver"
	screenSaverIdleCall = "org.freedesktop.ScreenSaver.GetSessionIdleTime"

	notifierPath  = dbus.ObjectPath("/io/github/deskwatch/KWin")
	notifierIface = "io.github.deskwatch.KWin"
)

// kwinScript is loaded into KWin and reports every activation and caption
// change back to the notifier exported on our connection
const kwinScript = `var service = %[1]q;
var path = %[2]q;
var iface = %[3]q;
var tracked = null;

function report(w) {
  if (!w) {
    callDBus(service, path, iface, "NotifyActiveWindow", "", "");
    return;
  }
  callDBus(service, path, iface, "NotifyActiveWindow",
    String(w.resourceClass || ""), String(w.caption || ""));
}

function onCaption() {
  report(tracked);
}

function onActivated(w) {
  if (tracked && tracked.captionChanged) {
    try { tracked.captionChanged.disconnect(onCaption); } catch (e) {}
  }
  tracked = w;
  if (w && w.captionChanged) {
    w.captionChanged.connect(onCaption);
  }
  report(w);
}

if (workspace.windowActivated) {
  workspace.windowActivated.connect(onActivated);
  onActivated(workspace.activeWindow);
} else {
  workspace.clientActivated.connect(onActivated);
  onActivated(workspace.activeClient);
}
`

func renderKWinScript(service string, path dbus.ObjectPath, iface string) string {
	return fmt.Sprintf(kwinScript, service, string(path), iface)
}

// activeWindowFeed receives windows pushed by the KWin script and keeps the latest
type activeWindowFeed struct {
	updates  chan Window
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	current Window
	seen    bool
}

func newActiveWindowFeed() *activeWindowFeed {
	f := &activeWindowFeed{
		updates: make(chan Window, 16),
		done:    make(chan struct{}),
	}
	go f.consume()
	return f
}

// publish never blocks the D-Bus dispatch goroutine. When the buffer is
// full the oldest notification is discarded.
func (f *activeWindowFeed) publish(w Window) {
	for {
		select {
		case f.updates <- w:
			return
		default:
		}
		select {
		case <-f.updates:
		default:
		}
	}
}

func (f *activeWindowFeed) consume() {
	for {
		select {
		case w := <-f.updates:
			f.mu.Lock()
			f.current = w
			f.seen = true
			f.mu.Unlock()
		case <-f.done:
			return
		}
	}
}

func (f *activeWindowFeed) get() (Window, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.seen || f.current.App == "" {
		return Window{}, ErrNoFocusedWindow
	}
	return f.current, nil
}

func (f *activeWindowFeed) stop() {
	f.stopOnce.Do(func() { close(f.done) })
}

// windowNotifier is exported on the session bus for the KWin script to call
type windowNotifier struct {
	feed *activeWindowFeed
}

// NotifyActiveWindow is invoked by the KWin script over D-Bus
func (n *windowNotifier) NotifyActiveWindow(app, title string) *dbus.Error {
	logger.WithComponent("kwin-probe").Trace().
		Str("app", app).
		Str("title", title).
		Msg("Active window notification")
	n.feed.publish(Window{App: app, Title: title})
	return nil
}

// KWinProbe reads idle time from the freedesktop screensaver service and
// receives active window changes from a KWin script
type KWinProbe struct {
	conn       *dbus.Conn
	feed       *activeWindowFeed
	scriptPath string
}

// NewKWinProbe connects to the session bus and loads the watcher script into KWin
func NewKWinProbe() (*KWinProbe, error) {
	log := logger.WithComponent("kwin-probe")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to session bus: %w", ErrBackendUnavailable, err)
	}

	if err := requireBusName(conn, kwinService); err != nil {
		conn.Close()
		return nil, err
	}

	names := conn.Names()
	if len(names) == 0 {
		conn.Close()
		return nil, fmt.Errorf("session bus connection has no unique name")
	}

	p := &KWinProbe{conn: conn, feed: newActiveWindowFeed()}
	if err := conn.Export(&windowNotifier{feed: p.feed}, notifierPath, notifierIface); err != nil {
		p.feed.stop()
		conn.Close()
		return nil, fmt.Errorf("failed to export window notifier: %w", err)
	}

	if err := p.loadScript(names[0]); err != nil {
		p.Close()
		return nil, err
	}

	log.Info().Str("script", p.scriptPath).Msg("Loaded KWin active window script")
	return p, nil
}

func (p *KWinProbe) loadScript(uniqueName string) error {
	f, err := os.CreateTemp("", "deskwatch-kwin-*.js")
	if err != nil {
		return fmt.Errorf("failed to create KWin script: %w", err)
	}
	p.scriptPath = f.Name()
	if _, err := f.WriteString(renderKWinScript(uniqueName, notifierPath, notifierIface)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write KWin script: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write KWin script: %w", err)
	}

	scripting := p.conn.Object(kwinService, kwinScriptingPath)

	// A previous run that crashed may have left its script loaded
	var loaded bool
	if err := scripting.Call(kwinScriptingIface+".isScriptLoaded", 0, kwinScriptName).Store(&loaded); err == nil && loaded {
		scripting.Call(kwinScriptingIface+".unloadScript", 0, kwinScriptName)
	}

	var id int32
	if err := scripting.Call(kwinScriptingIface+".loadScript", 0, p.scriptPath, kwinScriptName).Store(&id); err != nil {
		return classifyDBusError("KWin loadScript", err)
	}
	if id < 0 {
		return fmt.Errorf("%w: KWin refused to load script", ErrBackendUnavailable)
	}

	if call := scripting.Call(kwinScriptingIface+".start", 0); call.Err != nil {
		return classifyDBusError("KWin scripting start", call.Err)
	}
	return nil
}

// Name returns the backend name
func (p *KWinProbe) Name() string {
	return "kwin"
}

// QueryIdle returns the session idle time reported by KDE's screensaver service
func (p *KWinProbe) QueryIdle(ctx context.Context) (time.Duration, error) {
	var ms uint32
	obj := p.conn.Object(screenSaverService, screenSaverPath)
	if err := obj.CallWithContext(ctx, screenSaverIdleCall, 0).Store(&ms); err != nil {
		return 0, classifyDBusError("GetSessionIdleTime", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// QueryActiveWindow returns the last window reported by the KWin script
func (p *KWinProbe) QueryActiveWindow(ctx context.Context) (Window, error) {
	return p.feed.get()
}

// Close unloads the script and closes the D-Bus connection
func (p *KWinProbe) Close() error {
	log := logger.WithComponent("kwin-probe")
	defer p.feed.stop()

	scripting := p.conn.Object(kwinService, kwinScriptingPath)
	if call := scripting.Call(kwinScriptingIface+".unloadScript", 0, kwinScriptName); call.Err != nil {
		log.Debug().Err(call.Err).Msg("Failed to unload KWin script")
	}
	if p.scriptPath != "" {
		if err := os.Remove(p.scriptPath); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Msg("Failed to remove KWin script")
		}
	}
	return p.conn.Close()
}
