package probe

import (
	"fmt"
	"strings"
)

// Kind names a desktop backend
type Kind string

const (
	KindX11   Kind = "x11"
	KindGnome Kind = "gnome"
	KindKWin  Kind = "kwin"
)

// Detect picks a backend from the session environment. An explicit backend
// other than "auto" is returned as-is. Wayland sessions other than GNOME and
// Plasma are unavailable even when XWayland is running: X11 idle time and
// focus only see X clients there.
func Detect(getenv func(string) string, backend string) (Kind, error) {
	switch Kind(backend) {
	case KindX11, KindGnome, KindKWin:
		return Kind(backend), nil
	}
	if backend != "" && backend != "auto" {
		return "", fmt.Errorf("unknown backend %q", backend)
	}

	wayland := getenv("WAYLAND_DISPLAY") != "" || strings.EqualFold(getenv("XDG_SESSION_TYPE"), "wayland")
	desktop := strings.ToLower(getenv("XDG_CURRENT_DESKTOP") + ":" + getenv("DESKTOP_SESSION"))

	if wayland {
		switch {
		case strings.Contains(desktop, "gnome"), strings.Contains(desktop, "ubuntu"):
			return KindGnome, nil
		case strings.Contains(desktop, "kde"), strings.Contains(desktop, "plasma"):
			return KindKWin, nil
		}
		return "", fmt.Errorf("%w: unsupported wayland compositor %q (use --backend x11 to track XWayland clients only)",
			ErrBackendUnavailable, getenv("XDG_CURRENT_DESKTOP"))
	}

	if getenv("DISPLAY") != "" {
		return KindX11, nil
	}
	return "", fmt.Errorf("%w: no supported desktop session detected", ErrBackendUnavailable)
}

// Open constructs the probe for a backend kind
func Open(kind Kind) (Probe, error) {
	switch kind {
	case KindX11:
		return NewX11Probe()
	case KindGnome:
		return NewGnomeProbe()
	case KindKWin:
		return NewKWinProbe()
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}
