package detect

import (
	"sync"

	"github.com/avandersteldt/regionwatch/internal/capture"
)

// Context holds the active detection strategy together with the rolling
// baseline frame and threshold. The strategy can be hot-swapped without
// tearing down the monitoring session. All methods are safe for concurrent
// use; the comparison itself runs under the context's own lock, never under
// the monitor's session lock.
type Context struct {
	mu        sync.Mutex
	strategy  Strategy
	baseline  *capture.Frame
	threshold float64
}

// NewContext builds a context with the named strategy and threshold.
func NewContext(strategyName string, threshold float64) (*Context, error) {
	s, err := New(strategyName)
	if err != nil {
		return nil, err
	}
	return &Context{strategy: s, threshold: threshold}, nil
}

// StrategyName returns the active strategy's name.
func (c *Context) StrategyName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy.Name()
}

// Threshold returns the configured threshold.
func (c *Context) Threshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// Baseline returns the current baseline frame, nil before the first capture
// or after a reset.
func (c *Context) Baseline() *capture.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline
}

// SetStrategy swaps the active strategy, returning the previous name. The
// baseline is kept by default so a running session retains continuity;
// resetBaseline discards it, making the next compared frame the new
// comparison point without a change evaluation.
func (c *Context) SetStrategy(name string, resetBaseline bool) (string, error) {
	s, err := New(name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.strategy.Name()
	c.strategy = s
	if resetBaseline {
		c.baseline = nil
	}
	return old, nil
}

// ResetBaseline replaces the baseline. A nil frame clears it, deferring the
// reseed to the next Compare.
func (c *Context) ResetBaseline(frame *capture.Frame) {
	c.mu.Lock()
	c.baseline = frame
	c.mu.Unlock()
}

// Compare scores candidate against the baseline. When no baseline exists the
// candidate is adopted as the baseline and seeded reports true; no change
// evaluation happens on a seeding call.
func (c *Context) Compare(candidate *capture.Frame) (v Verdict, seeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compareLocked(candidate)
}

// CompareAndPromote scores candidate against the baseline and, on a change
// verdict, makes candidate the new baseline in the same critical section.
// Concurrent callers observing the same visual change therefore produce
// exactly one changed verdict: whoever enters first promotes, the rest
// compare against the promoted frame.
func (c *Context) CompareAndPromote(candidate *capture.Frame) (v Verdict, seeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, seeded = c.compareLocked(candidate)
	if v.Changed {
		c.baseline = candidate
	}
	return v, seeded
}

func (c *Context) compareLocked(candidate *capture.Frame) (Verdict, bool) {
	if c.baseline == nil {
		c.baseline = candidate
		return verdict(c.strategy.Name(), false, 0), true
	}
	return c.strategy.Compare(c.baseline, candidate, c.threshold), false
}

// Promote makes frame the new baseline after a confirmed change.
func (c *Context) Promote(frame *capture.Frame) {
	c.mu.Lock()
	c.baseline = frame
	c.mu.Unlock()
}
