// Package capture obtains raster frames of the display through an ordered
// chain of platform strategies with automatic fallback.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"
)

// MinRegionSide is the smallest width/height a region may have and still be
// worth monitoring.
const MinRegionSide = 10

// ErrInvalidRegion reports a region that violates the size or bounds
// invariants.
var ErrInvalidRegion = errors.New("invalid region")

// Region is a rectangular sub-area of the virtual display, in full-display
// pixel coordinates.
type Region struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Width returns the region width in pixels.
func (r Region) Width() int { return r.Right - r.Left }

// Height returns the region height in pixels.
func (r Region) Height() int { return r.Bottom - r.Top }

// Rect converts the region to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right, r.Bottom)
}

func (r Region) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", r.Left, r.Top, r.Right, r.Bottom)
}

// Validate checks the structural invariants: ordered edges, non-negative
// coordinates and the minimum viable monitoring area.
func (r Region) Validate() error {
	if r.Left < 0 || r.Top < 0 {
		return fmt.Errorf("%w: negative origin %s", ErrInvalidRegion, r)
	}
	if r.Right <= r.Left || r.Bottom <= r.Top {
		return fmt.Errorf("%w: edges not ordered %s", ErrInvalidRegion, r)
	}
	if r.Width() < MinRegionSide || r.Height() < MinRegionSide {
		return fmt.Errorf("%w: %s smaller than %dx%d", ErrInvalidRegion, r, MinRegionSide, MinRegionSide)
	}
	return nil
}

// ClampTo intersects the region with the display bounds. The returned flag
// reports whether any edge moved. Clamping that shrinks the region below the
// minimum viable area is an error rather than a silent near-empty capture.
func (r Region) ClampTo(bounds image.Rectangle) (Region, bool, error) {
	clipped := r.Rect().Intersect(bounds)
	if clipped.Dx() < MinRegionSide || clipped.Dy() < MinRegionSide {
		return Region{}, false, fmt.Errorf("%w: %s outside display bounds %v", ErrInvalidRegion, r, bounds)
	}
	out := Region{Left: clipped.Min.X, Top: clipped.Min.Y, Right: clipped.Max.X, Bottom: clipped.Max.Y}
	return out, out != r, nil
}

// Frame is one captured raster image. The payload is PNG-encoded and never
// mutated after creation; cropping always copies.
type Frame struct {
	Data       []byte    `json:"-"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
	Strategy   string    `json:"strategy"`
	Clamped    bool      `json:"clamped,omitempty"`
}

// Image decodes the frame payload.
func (f *Frame) Image() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// EncodeFrame wraps an RGBA image into a Frame with a PNG payload.
func EncodeFrame(img *image.RGBA, strategy string, clamped bool) (*Frame, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	b := img.Bounds()
	return &Frame{
		Data:       buf.Bytes(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: time.Now(),
		Strategy:   strategy,
		Clamped:    clamped,
	}, nil
}

// Strategy is one concrete way of obtaining a raster image of the full
// virtual display on some platform or environment.
type Strategy interface {
	// Name identifies the strategy in frames, events and logs.
	Name() string

	// Available reports whether the strategy can run in the current
	// environment. Availability is derived from the Capabilities passed at
	// construction, never from ambient global state.
	Available() bool

	// Capture grabs the full virtual display. Implementations should honor
	// ctx cancellation where the underlying call allows it.
	Capture(ctx context.Context) (*image.RGBA, error)

	// Bounds returns the addressable virtual display rectangle.
	Bounds() (image.Rectangle, error)
}

// Attempt records a single failed strategy attempt.
type Attempt struct {
	Strategy string
	Err      error
}

// Error aggregates the per-strategy failures of one exhausted chain scan.
type Error struct {
	Attempts []Attempt
}

func (e *Error) Error() string {
	var buf bytes.Buffer
	buf.WriteString("all capture strategies failed")
	for _, a := range e.Attempts {
		fmt.Fprintf(&buf, "; %s: %v", a.Strategy, a.Err)
	}
	return buf.String()
}

// Unwrap exposes the underlying errors for errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}
