// Package monitor runs the stateful ROI monitoring loop: capture the region,
// score it against the rolling baseline, publish events on confirmed change.
package monitor

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/avandersteldt/regionwatch/internal/detect"
	"github.com/avandersteldt/regionwatch/internal/events"
	"github.com/avandersteldt/regionwatch/internal/logger"
)

// DefaultFailureCap is the number of consecutive capture failures that moves
// a running session to Failed.
const DefaultFailureCap = 5

// StopReasonFailures is the MonitoringStopped reason after capture
// exhaustion.
const StopReasonFailures = "capture_failures_exceeded"

// Capturer is the slice of the capture chain the monitor needs. Defined here
// so tests can substitute deterministic fakes.
type Capturer interface {
	Capture(ctx context.Context, region *capture.Region) (*capture.Frame, error)
	Bounds() (image.Rectangle, error)
}

// Monitor orchestrates at most one monitoring session. Control calls may
// arrive from any goroutine; they are serialized against the loop through a
// single mutex. The mutex is never held across a capture or comparison:
// config is snapshotted under the lock, the blocking work runs unlocked, and
// the lock is re-acquired only to commit the result.
type Monitor struct {
	chain      Capturer
	bus        *events.Bus
	failureCap int

	mu    sync.Mutex
	state State
	sess  *session
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithFailureCap overrides the consecutive-failure cap.
func WithFailureCap(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.failureCap = n
		}
	}
}

// New creates an idle monitor.
func New(chain Capturer, bus *events.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		chain:      chain,
		bus:        bus,
		failureCap: DefaultFailureCap,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates the config, seeds the baseline with one synchronous
// capture and launches the loop. It returns the new session id, or
// ErrAlreadyRunning while a session is active, or capture.ErrInvalidRegion
// on a bad region. A failed seed capture leaves the session in Failed: the
// loop never starts ticking on an empty baseline.
//
// ctx bounds only the synchronous seed capture. The loop runs on a
// monitor-owned context ended by Stop or the failure cap, so a session
// outlives short-lived callers such as HTTP request handlers.
func (m *Monitor) Start(ctx context.Context, cfg Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if bounds, err := m.chain.Bounds(); err == nil && !bounds.Empty() {
		if !cfg.Region.Rect().In(bounds) {
			return "", fmt.Errorf("%w: %s outside display bounds %v",
				capture.ErrInvalidRegion, cfg.Region, bounds)
		}
	}
	dctx, err := detect.NewContext(cfg.Strategy, cfg.Threshold)
	if err != nil {
		return "", err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:        uuid.NewString(),
		cfg:       cfg,
		detect:    dctx,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.state == StateRunning || m.state == StatePaused {
		m.mu.Unlock()
		cancel()
		return "", ErrAlreadyRunning
	}
	m.state = StateRunning
	m.sess = sess
	m.mu.Unlock()

	log := logger.WithComponent("monitor")
	log.Info().Str("session", sess.id).Str("region", cfg.Region.String()).
		Str("strategy", cfg.Strategy).Float64("threshold", cfg.Threshold).
		Dur("interval", cfg.Interval).Msg("starting monitoring session")

	// Synchronous baseline seed, outside the lock.
	frame, err := m.chain.Capture(ctx, &sess.cfg.Region)
	if err != nil {
		m.mu.Lock()
		failed := m.sess == sess && m.state == StateRunning
		if failed {
			m.state = StateFailed
			sess.failures = 1
		}
		m.mu.Unlock()
		cancel()
		close(sess.done)
		if !failed {
			// Stopped while seeding; the stop already published its event.
			return "", ErrStopped
		}
		m.bus.Publish(events.Event{
			Type:      events.TypeCaptureFailed,
			SessionID: sess.id,
			Error:     err.Error(),
		})
		log.Error().Str("session", sess.id).Err(err).Msg("baseline capture failed")
		return "", fmt.Errorf("seed baseline: %w", err)
	}

	m.mu.Lock()
	if m.sess != sess || m.state != StateRunning {
		// Stopped while seeding.
		m.mu.Unlock()
		close(sess.done)
		return "", ErrStopped
	}
	sess.detect.ResetBaseline(frame)
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.TypeMonitoringStarted, SessionID: sess.id})
	go m.run(loopCtx, sess)
	return sess.id, nil
}

// run is the loop body's driver: one tick per interval until cancelled.
// Forced captures go through tick directly and do not touch the ticker.
func (m *Monitor) run(ctx context.Context, sess *session) {
	defer close(sess.done)
	ticker := time.NewTicker(sess.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, sess, false)
		}
	}
}

// tick performs one capture+compare cycle and commits the outcome. When
// forced it also runs while Paused. The returned frame is the captured
// candidate (for ForceCapture).
func (m *Monitor) tick(ctx context.Context, sess *session, forced bool) (*capture.Frame, error) {
	m.mu.Lock()
	if m.sess != sess || m.state.stopped() {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	if m.state == StatePaused && !forced {
		m.mu.Unlock()
		return nil, nil
	}
	region := sess.cfg.Region
	m.mu.Unlock()

	frame, err := m.chain.Capture(ctx, &region)
	if err != nil {
		return nil, m.commitFailure(sess, err)
	}

	// Compare and baseline promotion are one atomic step so a ticker tick
	// racing a forced capture cannot both claim the same change.
	verdict, seeded := sess.detect.CompareAndPromote(frame)
	m.commitSuccess(sess, frame, verdict, seeded)
	return frame, nil
}

// commitFailure records a capture failure and escalates to Failed once the
// consecutive-failure cap is reached.
func (m *Monitor) commitFailure(sess *session, capErr error) error {
	m.mu.Lock()
	if m.sess != sess || m.state.stopped() {
		m.mu.Unlock()
		return capErr
	}
	sess.ticks++
	sess.failures++
	failures := sess.failures
	exhausted := failures >= m.failureCap
	if exhausted {
		m.state = StateFailed
		sess.cancel()
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:      events.TypeCaptureFailed,
		SessionID: sess.id,
		Error:     capErr.Error(),
	})
	log := logger.WithComponent("monitor")
	if exhausted {
		log.Error().Str("session", sess.id).Int("failures", failures).
			Msg("capture failures exceeded cap, session failed")
		m.bus.Publish(events.Event{
			Type:      events.TypeMonitoringStopped,
			SessionID: sess.id,
			Reason:    StopReasonFailures,
		})
	} else {
		log.Warn().Str("session", sess.id).Int("failures", failures).
			Err(capErr).Msg("capture failed")
	}
	return capErr
}

// commitSuccess records a successful tick and publishes ChangeDetected when
// the verdict flagged a change. Seeding compares (fresh baseline) are not
// changes.
func (m *Monitor) commitSuccess(sess *session, frame *capture.Frame, verdict detect.Verdict, seeded bool) {
	m.mu.Lock()
	if m.sess != sess || m.state.stopped() {
		m.mu.Unlock()
		return
	}
	sess.ticks++
	sess.failures = 0
	changed := verdict.Changed && !seeded
	if changed {
		sess.changes++
	}
	m.mu.Unlock()

	if changed {
		logger.WithComponent("monitor").Debug().Str("session", sess.id).
			Float64("magnitude", verdict.Magnitude).Str("strategy", verdict.Strategy).
			Msg("change detected")
		m.bus.Publish(events.Event{
			Type:      events.TypeChangeDetected,
			SessionID: sess.id,
			Verdict:   &verdict,
			Frame:     frame,
		})
	}
}

// Stop moves any state to Stopped and publishes MonitoringStopped. Stopping
// an idle or already-stopped session is a no-op, not an error.
func (m *Monitor) Stop(reason string) {
	m.mu.Lock()
	if m.sess == nil || m.state.stopped() || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	m.state = StateStopped
	sess.cancel()
	m.mu.Unlock()

	logger.WithComponent("monitor").Info().Str("session", sess.id).
		Str("reason", reason).Msg("monitoring stopped")
	m.bus.Publish(events.Event{
		Type:      events.TypeMonitoringStopped,
		SessionID: sess.id,
		Reason:    reason,
	})
}

// Pause suspends ticking while retaining the session and baseline.
func (m *Monitor) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, m.state)
	}
	m.state = StatePaused
	return nil
}

// Resume restarts ticking after Pause.
func (m *Monitor) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, m.state)
	}
	m.state = StateRunning
	return nil
}

// ChangeStrategy hot-swaps the detection strategy of the active session. The
// baseline is kept unless resetBaseline is set, in which case the next tick's
// capture becomes the new baseline without a change evaluation.
func (m *Monitor) ChangeStrategy(name string, resetBaseline bool) error {
	m.mu.Lock()
	if m.state != StateRunning && m.state != StatePaused {
		m.mu.Unlock()
		return ErrNoSession
	}
	sess := m.sess
	m.mu.Unlock()

	old, err := sess.detect.SetStrategy(name, resetBaseline)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.sess == sess {
		sess.cfg.Strategy = name
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:        events.TypeStrategyChanged,
		SessionID:   sess.id,
		OldStrategy: old,
		NewStrategy: name,
	})
	return nil
}

// UpdateRegion swaps the monitored region of the active session and resets
// the baseline; the next tick seeds a fresh comparison point. A bad region
// is rejected without touching the session.
func (m *Monitor) UpdateRegion(region capture.Region) error {
	if err := region.Validate(); err != nil {
		return err
	}
	if bounds, err := m.chain.Bounds(); err == nil && !bounds.Empty() {
		if !region.Rect().In(bounds) {
			return fmt.Errorf("%w: %s outside display bounds %v",
				capture.ErrInvalidRegion, region, bounds)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning && m.state != StatePaused {
		return ErrNoSession
	}
	m.sess.cfg.Region = region
	m.sess.detect.ResetBaseline(nil)
	return nil
}

// ForceCapture runs one out-of-band capture+compare cycle immediately,
// without waiting for or resetting the tick timer. With no session it
// captures the full display and skips comparison. Rejected once stopped.
func (m *Monitor) ForceCapture(ctx context.Context) (*capture.Frame, error) {
	m.mu.Lock()
	state := m.state
	sess := m.sess
	m.mu.Unlock()

	switch {
	case state == StateIdle || sess == nil:
		return m.chain.Capture(ctx, nil)
	case state.stopped():
		return nil, ErrStopped
	default:
		return m.tick(ctx, sess, true)
	}
}

// Status returns a snapshot of the current session, including a failed one
// until a new Start replaces it.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{State: m.state}
	if m.sess == nil {
		return st
	}
	region := m.sess.cfg.Region
	started := m.sess.startedAt
	st.SessionID = m.sess.id
	st.Region = &region
	st.Strategy = m.sess.detect.StrategyName()
	st.Threshold = m.sess.detect.Threshold()
	st.IntervalMS = m.sess.cfg.Interval.Milliseconds()
	st.Ticks = m.sess.ticks
	st.ChangesDetected = m.sess.changes
	st.ConsecutiveFailures = m.sess.failures
	st.StartedAt = &started
	if c, ok := m.chain.(*capture.Chain); ok {
		st.PreferredStrategy = c.Preferred()
	}
	return st
}

// Done exposes the loop's completion channel for shutdown coordination; nil
// when no session exists.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.done
}
