package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// D-Bus error names that mean the service or method does not exist here
var unavailableDBusErrors = map[string]bool{
	"org.freedesktop.DBus.Error.ServiceUnknown":   true,
	"org.freedesktop.DBus.Error.UnknownMethod":    true,
	"org.freedesktop.DBus.Error.UnknownObject":    true,
	"org.freedesktop.DBus.Error.UnknownInterface": true,
	"org.freedesktop.DBus.Error.NameHasNoOwner":   true,
	"org.freedesktop.DBus.Error.NotSupported":     true,
}

// dbusErrorName extracts the error name of a D-Bus error reply
func dbusErrorName(err error) (string, bool) {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name, true
	}
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name, true
	}
	return "", false
}

// classifyDBusError maps a failed call onto the probe error taxonomy
func classifyDBusError(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrProbeTimeout, what)
	}
	if name, ok := dbusErrorName(err); ok && unavailableDBusErrors[name] {
		return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// requireBusName fails with ErrBackendUnavailable unless name has an owner
func requireBusName(conn *dbus.Conn, name string) error {
	var hasOwner bool
	if err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, name).Store(&hasOwner); err != nil {
		return fmt.Errorf("failed to query D-Bus name %s: %w", name, err)
	}
	if !hasOwner {
		return fmt.Errorf("%w: %s not found on D-Bus", ErrBackendUnavailable, name)
	}
	return nil
}
