package probe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func TestClassifyDBusError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
		timeout     bool
	}{
		{"service unknown", dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}, true, false},
		{"unknown method pointer", &dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod"}, true, false},
		{"wrapped unknown object", fmt.Errorf("call: %w", dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}), true, false},
		{"access denied is transient", dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}, false, false},
		{"js error is transient", dbus.Error{Name: "org.gnome.gjs.JSError.TypeError"}, false, false},
		{"deadline", context.DeadlineExceeded, false, true},
		{"plain error", errors.New("connection reset"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyDBusError("GetIdletime", tt.err)
			require.Error(t, err)
			require.Equal(t, tt.unavailable, errors.Is(err, ErrBackendUnavailable))
			require.Equal(t, tt.timeout, errors.Is(err, ErrProbeTimeout))
			require.Contains(t, err.Error(), "GetIdletime")
		})
	}

	require.NoError(t, classifyDBusError("noop", nil))
}
