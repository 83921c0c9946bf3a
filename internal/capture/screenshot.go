package capture

import (
	"context"
	"fmt"
	"image"

	"github.com/vova616/screenshot"
)

// ScreenshotStrategy captures through the cross-platform screenshot library.
// It covers the same X11 path as X11Strategy through an independent
// connection, plus Windows and macOS builds, so it sits second in the chain
// as a same-machine fallback.
type ScreenshotStrategy struct {
	display string
}

// NewScreenshotStrategy creates the strategy.
func NewScreenshotStrategy(caps Capabilities) *ScreenshotStrategy {
	return &ScreenshotStrategy{display: caps.Display}
}

// Name implements Strategy.
func (s *ScreenshotStrategy) Name() string { return "screenshot" }

// Available implements Strategy.
func (s *ScreenshotStrategy) Available() bool { return s.display != "" }

// Bounds implements Strategy.
func (s *ScreenshotStrategy) Bounds() (image.Rectangle, error) {
	rect, err := screenshot.ScreenRect()
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("query screen rect: %w", err)
	}
	return rect, nil
}

// Capture implements Strategy. The library call is synchronous and not
// cancellable; the chain's attempt timeout bounds it.
func (s *ScreenshotStrategy) Capture(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := screenshot.CaptureScreen()
	if err != nil {
		return nil, fmt.Errorf("capture screen: %w", err)
	}
	return img, nil
}
