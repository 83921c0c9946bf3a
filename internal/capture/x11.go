package capture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

// X11Strategy captures the root window over the X protocol. This is the
// native path for X11 and XWayland sessions.
type X11Strategy struct {
	display string

	mu     sync.Mutex
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
}

// NewX11Strategy creates the strategy; the X connection is opened lazily on
// first use so constructing a chain never blocks on the display server.
func NewX11Strategy(caps Capabilities) *X11Strategy {
	return &X11Strategy{display: caps.Display}
}

// Name implements Strategy.
func (s *X11Strategy) Name() string { return "x11" }

// Available implements Strategy.
func (s *X11Strategy) Available() bool { return s.display != "" }

func (s *X11Strategy) connect() (*xgb.Conn, *xproto.ScreenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, s.screen, nil
	}
	conn, err := xgb.NewConnDisplay(s.display)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to X server: %w", err)
	}
	s.conn = conn
	s.screen = xproto.Setup(conn).DefaultScreen(conn)
	return s.conn, s.screen, nil
}

// disconnect drops a connection that returned a protocol error so the next
// attempt reconnects from scratch.
func (s *X11Strategy) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.screen = nil
	}
}

// Bounds implements Strategy.
func (s *X11Strategy) Bounds() (image.Rectangle, error) {
	_, screen, err := s.connect()
	if err != nil {
		return image.Rectangle{}, err
	}
	return image.Rect(0, 0, int(screen.WidthInPixels), int(screen.HeightInPixels)), nil
}

// Capture implements Strategy. xgb replies are not cancellable mid-flight;
// the chain's attempt timeout bounds the call instead.
func (s *X11Strategy) Capture(ctx context.Context) (*image.RGBA, error) {
	conn, screen, err := s.connect()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width := int(screen.WidthInPixels)
	height := int(screen.HeightInPixels)
	reply, err := xproto.GetImage(
		conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(screen.Root),
		0, 0,
		uint16(width), uint16(height),
		0xffffffff,
	).Reply()
	if err != nil {
		s.disconnect()
		return nil, fmt.Errorf("get root image: %w", err)
	}

	return convertZPixmap(reply.Data, width, height, int(screen.RootDepth))
}

// convertZPixmap turns the X server's BGRA byte order into an RGBA image.
func convertZPixmap(data []byte, width, height, depth int) (*image.RGBA, error) {
	if depth != 24 && depth != 32 {
		return nil, fmt.Errorf("unsupported root depth %d", depth)
	}
	if len(data) < width*height*4 {
		return nil, fmt.Errorf("short pixmap payload: %d bytes for %dx%d", len(data), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height*4; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 255
	}
	return img, nil
}

// Close releases the X connection.
func (s *X11Strategy) Close() {
	s.disconnect()
}
