package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // portal implementations may hand back JPEG
	"image/png"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// Portal D-Bus constants.
const (
	portalService    = "org.freedesktop.portal.Desktop"
	portalPath       = "/org/freedesktop/portal/desktop"
	screenshotIface  = "org.freedesktop.portal.Screenshot"
	requestIface     = "org.freedesktop.portal.Request"
	responseAccepted = 0
)

var portalTokenSeq atomic.Uint64

// PortalStrategy captures through the xdg-desktop-portal Screenshot call.
// It is the automation-API path for Wayland sessions where direct X capture
// is unavailable; the compositor writes a screenshot file and hands back its
// URI over D-Bus.
type PortalStrategy struct {
	enabled bool

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewPortalStrategy creates the strategy. The bus connection is opened
// lazily on first capture.
func NewPortalStrategy(caps Capabilities) *PortalStrategy {
	return &PortalStrategy{enabled: caps.SessionBus}
}

// Name implements Strategy.
func (s *PortalStrategy) Name() string { return "portal" }

// Available implements Strategy.
func (s *PortalStrategy) Available() bool { return s.enabled }

// Bounds implements Strategy. The Screenshot portal does not expose display
// geometry, so the chain must learn bounds elsewhere.
func (s *PortalStrategy) Bounds() (image.Rectangle, error) {
	return image.Rectangle{}, errors.New("portal does not report display bounds")
}

func (s *PortalStrategy) connect() (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// Capture implements Strategy via the Request/Response handshake: the
// Screenshot call returns a request handle, and the result arrives as a
// Response signal on that handle carrying the screenshot file URI.
func (s *PortalStrategy) Capture(ctx context.Context) (*image.RGBA, error) {
	conn, err := s.connect()
	if err != nil {
		return nil, err
	}

	token := fmt.Sprintf("regionwatch%d_%d", os.Getpid(), portalTokenSeq.Add(1))
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
		"interactive":  dbus.MakeVariant(false),
	}

	// Subscribe to Response signals before making the call so a fast
	// compositor cannot race us.
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, fmt.Errorf("add signal match: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer func() {
		conn.RemoveSignal(signals)
		_ = conn.RemoveMatchSignal(
			dbus.WithMatchInterface(requestIface),
			dbus.WithMatchMember("Response"),
		)
	}()

	var handle dbus.ObjectPath
	call := conn.Object(portalService, portalPath).CallWithContext(
		ctx, screenshotIface+".Screenshot", 0, "", options,
	)
	if call.Err != nil {
		return nil, fmt.Errorf("portal screenshot call: %w", call.Err)
	}
	if err := call.Store(&handle); err != nil {
		return nil, fmt.Errorf("portal screenshot reply: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil, errors.New("portal signal channel closed")
			}
			if sig.Path != handle || sig.Name != requestIface+".Response" || len(sig.Body) < 2 {
				continue
			}
			code, _ := sig.Body[0].(uint32)
			if code != responseAccepted {
				return nil, fmt.Errorf("portal request denied (code %d)", code)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			uri, _ := results["uri"].Value().(string)
			if uri == "" {
				return nil, errors.New("portal response missing screenshot uri")
			}
			return loadPortalShot(uri)
		}
	}
}

// loadPortalShot reads, decodes and removes the screenshot file the
// compositor wrote.
func loadPortalShot(uri string) (*image.RGBA, error) {
	path := uri
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		path = u.Path
	} else if strings.HasPrefix(uri, "file://") {
		path = strings.TrimPrefix(uri, "file://")
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open portal screenshot: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		// Retry with the generic decoder in case the portal wrote JPEG.
		if _, serr := f.Seek(0, 0); serr != nil {
			return nil, fmt.Errorf("decode portal screenshot: %w", err)
		}
		img, _, err = image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("decode portal screenshot: %w", err)
		}
	}
	return toRGBA(img), nil
}

// toRGBA normalizes a decoded image to RGBA without copying when possible.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// Close releases the bus connection.
func (s *PortalStrategy) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
