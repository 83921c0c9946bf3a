// Package detect scores whether two captured frames differ meaningfully.
// Strategies are interchangeable and selected by name at runtime.
package detect

import (
	"fmt"
	"time"

	"github.com/avandersteldt/regionwatch/internal/capture"
)

// Strategy names accepted by New.
const (
	StrategySize  = "size"
	StrategyPixel = "pixel"
	StrategyHash  = "hash"
)

// Verdict is the outcome of comparing a candidate frame against the
// baseline. Magnitude is in strategy-specific units on a 0-100 scale.
type Verdict struct {
	Changed    bool      `json:"changed"`
	Magnitude  float64   `json:"magnitude"`
	Strategy   string    `json:"strategy"`
	ComparedAt time.Time `json:"compared_at"`
}

// Strategy compares a baseline and a candidate frame against a threshold.
// Implementations are pure: they never retain or mutate frames.
type Strategy interface {
	Name() string
	Compare(baseline, candidate *capture.Frame, threshold float64) Verdict
}

// New returns the strategy registered under name.
func New(name string) (Strategy, error) {
	switch name {
	case StrategySize:
		return SizeStrategy{}, nil
	case StrategyPixel:
		return PixelStrategy{}, nil
	case StrategyHash:
		return HashStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown detection strategy %q", name)
	}
}

// Names lists the registered strategy names.
func Names() []string {
	return []string{StrategySize, StrategyPixel, StrategyHash}
}

func verdict(name string, changed bool, magnitude float64) Verdict {
	return Verdict{
		Changed:    changed,
		Magnitude:  magnitude,
		Strategy:   name,
		ComparedAt: time.Now(),
	}
}
