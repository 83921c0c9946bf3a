package capture

import (
	"image"
	"os"
)

// Capabilities describes which capture facilities the current environment
// offers. It is built once by the caller and handed to NewChain so that
// strategy availability is explicit and mockable, instead of each strategy
// probing global state on its own.
type Capabilities struct {
	// Display is the X11 display name, empty when no X server is reachable.
	Display string

	// WaylandDisplay is the Wayland socket name, empty outside Wayland
	// sessions.
	WaylandDisplay string

	// SessionBus reports whether a D-Bus session bus address is known, which
	// the desktop portal strategy needs.
	SessionBus bool

	// BridgeCommand, when non-empty, is an external command whose stdout is a
	// PNG of the display. Used for virtualized or remote environments
	// (e.g. "ssh host screencapture -x -t png -", "adb exec-out screencap -p").
	BridgeCommand []string

	// FallbackBounds is used for region validation when the producing
	// strategy cannot report display geometry itself.
	FallbackBounds image.Rectangle
}

// DetectCapabilities inspects the process environment. This is the only
// place ambient state is read; everything downstream works from the
// returned descriptor.
func DetectCapabilities(bridgeCommand []string) Capabilities {
	return Capabilities{
		Display:        os.Getenv("DISPLAY"),
		WaylandDisplay: os.Getenv("WAYLAND_DISPLAY"),
		SessionBus:     os.Getenv("DBUS_SESSION_BUS_ADDRESS") != "",
		BridgeCommand:  bridgeCommand,
	}
}
