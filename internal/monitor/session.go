package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/avandersteldt/regionwatch/internal/detect"
)

// State is the lifecycle state of the monitoring session.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"

	// StateFailed is a terminal sub-state of stopped, reached only through
	// capture exhaustion or a failed initial baseline capture.
	StateFailed State = "failed"
)

// stopped reports whether s is terminal.
func (s State) stopped() bool { return s == StateStopped || s == StateFailed }

// Config describes one monitoring session.
type Config struct {
	Region    capture.Region
	Strategy  string
	Threshold float64
	Interval  time.Duration
}

func (c Config) validate() error {
	if err := c.Region.Validate(); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("threshold must be non-negative, got %g", c.Threshold)
	}
	return nil
}

// Status is a point-in-time snapshot of the session, safe to serialize.
type Status struct {
	State               State           `json:"state"`
	SessionID           string          `json:"session_id,omitempty"`
	Region              *capture.Region `json:"region,omitempty"`
	Strategy            string          `json:"strategy,omitempty"`
	Threshold           float64         `json:"threshold"`
	IntervalMS          int64           `json:"interval_ms,omitempty"`
	Ticks               uint64          `json:"ticks"`
	ChangesDetected     uint64          `json:"changes_detected"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	PreferredStrategy   string          `json:"preferred_capture_strategy,omitempty"`
}

// session is the mutable per-session record. All fields are guarded by the
// monitor's mutex except detect, which carries its own lock so comparisons
// run outside the session lock.
type session struct {
	id        string
	cfg       Config
	detect    *detect.Context
	startedAt time.Time

	ticks    uint64
	changes  uint64
	failures int

	cancel context.CancelFunc
	done   chan struct{}
}
