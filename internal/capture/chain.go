package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/avandersteldt/regionwatch/internal/logger"
)

// DefaultAttemptTimeout bounds a single strategy attempt.
const DefaultAttemptTimeout = 5 * time.Second

// preferredMissLimit is how many consecutive failures of the memoized
// strategy are tolerated before the chain falls back to a full ordered scan.
const preferredMissLimit = 2

var errEmptyPayload = errors.New("strategy returned empty payload")

// Chain tries an ordered list of capture strategies until one succeeds,
// memoizing the first that works. A memoized strategy is retried first on
// later calls; after two consecutive misses the chain re-probes the whole
// ordered list, which keeps fallback cheap without repeated expensive
// scanning while a strategy is healthy.
type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	fallback   image.Rectangle

	mu        sync.Mutex
	preferred int // index into strategies, -1 when nothing memoized
	misses    int // consecutive failures of the preferred strategy
}

// NewChain builds the chain for the given environment, most reliable native
// path first: X11, screenshot library, desktop portal, exec bridge. Only
// strategies the capability descriptor allows are included.
func NewChain(caps Capabilities, timeout time.Duration) *Chain {
	var strategies []Strategy
	if caps.Display != "" {
		strategies = append(strategies, NewX11Strategy(caps))
		strategies = append(strategies, NewScreenshotStrategy(caps))
	}
	if caps.SessionBus {
		strategies = append(strategies, NewPortalStrategy(caps))
	}
	if len(caps.BridgeCommand) > 0 {
		strategies = append(strategies, NewBridgeStrategy(caps))
	}
	return NewChainWith(strategies, timeout, caps.FallbackBounds)
}

// NewChainWith builds a chain from an explicit strategy list. Used by
// NewChain and directly by tests.
func NewChainWith(strategies []Strategy, timeout time.Duration, fallback image.Rectangle) *Chain {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &Chain{
		strategies: strategies,
		timeout:    timeout,
		fallback:   fallback,
		preferred:  -1,
	}
}

// Strategies returns the names of the configured strategies in priority order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Preferred returns the name of the currently memoized strategy, or "".
func (c *Chain) Preferred() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preferred < 0 {
		return ""
	}
	return c.strategies[c.preferred].Name()
}

// Bounds reports the virtual display rectangle, asking the memoized strategy
// first and falling back to the first strategy that answers.
func (c *Chain) Bounds() (image.Rectangle, error) {
	c.mu.Lock()
	preferred := c.preferred
	c.mu.Unlock()

	if preferred >= 0 {
		if b, err := c.strategies[preferred].Bounds(); err == nil {
			return b, nil
		}
	}
	for _, s := range c.strategies {
		if !s.Available() {
			continue
		}
		if b, err := s.Bounds(); err == nil {
			return b, nil
		}
	}
	if !c.fallback.Empty() {
		return c.fallback, nil
	}
	return image.Rectangle{}, errors.New("no strategy could report display bounds")
}

// Capture grabs a frame. A nil region means the full virtual display;
// otherwise the raw capture is cropped (copying) to the region, clamped to
// the display bounds when it sticks out. Clamping below the minimum viable
// area fails with ErrInvalidRegion.
func (c *Chain) Capture(ctx context.Context, region *Region) (*Frame, error) {
	if len(c.strategies) == 0 {
		return nil, &Error{}
	}

	c.mu.Lock()
	preferred := c.preferred
	misses := c.misses
	c.mu.Unlock()

	log := logger.WithComponent("capture-chain")

	// Fast path: retry the memoized strategy on its own until it has missed
	// twice in a row.
	if preferred >= 0 {
		s := c.strategies[preferred]
		img, err := c.attempt(ctx, s)
		if err == nil {
			c.commit(preferred, 0)
			return c.finish(img, s, region)
		}
		misses++
		c.commit(preferred, misses)
		log.Debug().Str("strategy", s.Name()).Int("misses", misses).Err(err).
			Msg("preferred strategy failed")
		if misses < preferredMissLimit {
			return nil, &Error{Attempts: []Attempt{{Strategy: s.Name(), Err: err}}}
		}
	}

	// Full ordered scan.
	var attempts []Attempt
	for i, s := range c.strategies {
		if !s.Available() {
			attempts = append(attempts, Attempt{Strategy: s.Name(), Err: errors.New("not available")})
			continue
		}
		img, err := c.attempt(ctx, s)
		if err != nil {
			attempts = append(attempts, Attempt{Strategy: s.Name(), Err: err})
			continue
		}
		if i != preferred {
			log.Info().Str("strategy", s.Name()).Msg("capture strategy selected")
		}
		c.commit(i, 0)
		return c.finish(img, s, region)
	}

	c.commit(-1, 0)
	return nil, &Error{Attempts: attempts}
}

// attempt runs one strategy under the per-attempt timeout. The strategy call
// runs in its own goroutine so a wedged platform call cannot stall the chain
// past the deadline.
func (c *Chain) attempt(ctx context.Context, s Strategy) (*image.RGBA, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		img *image.RGBA
		err error
	}
	ch := make(chan result, 1)
	go func() {
		img, err := s.Capture(ctx)
		ch <- result{img, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.img == nil || len(r.img.Pix) == 0 {
			return nil, errEmptyPayload
		}
		return r.img, nil
	}
}

func (c *Chain) commit(preferred, misses int) {
	c.mu.Lock()
	c.preferred = preferred
	c.misses = misses
	c.mu.Unlock()
}

// finish crops and encodes a successful raw capture.
func (c *Chain) finish(img *image.RGBA, s Strategy, region *Region) (*Frame, error) {
	if region == nil {
		return EncodeFrame(img, s.Name(), false)
	}

	bounds, err := s.Bounds()
	if err != nil || bounds.Empty() {
		bounds = img.Bounds()
	}
	clamped, moved, err := region.ClampTo(bounds)
	if err != nil {
		return nil, err
	}
	// The raw image may cover only part of the virtual display; intersect
	// once more against what was actually captured.
	crop := clamped.Rect().Intersect(img.Bounds())
	if crop.Dx() < MinRegionSide || crop.Dy() < MinRegionSide {
		return nil, fmt.Errorf("%w: %s outside captured area %v", ErrInvalidRegion, region, img.Bounds())
	}
	return EncodeFrame(cropRGBA(img, crop), s.Name(), moved || crop != clamped.Rect())
}

// cropRGBA copies the given rectangle out of src row by row.
func cropRGBA(src *image.RGBA, rect image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	rowBytes := rect.Dx() * 4
	for y := 0; y < rect.Dy(); y++ {
		srcOff := src.PixOffset(rect.Min.X, rect.Min.Y+y)
		dstOff := y * dst.Stride
		copy(dst.Pix[dstOff:dstOff+rowBytes], src.Pix[srcOff:srcOff+rowBytes])
	}
	return dst
}
