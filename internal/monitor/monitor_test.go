package monitor

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/avandersteldt/regionwatch/internal/detect"
	"github.com/avandersteldt/regionwatch/internal/events"
)

// fakeChain is a deterministic Capturer: it serves whatever frame (or error)
// it is currently loaded with. A non-nil gate blocks each capture until the
// gate is closed.
type fakeChain struct {
	mu      sync.Mutex
	frame   *capture.Frame
	err     error
	bounds  image.Rectangle
	gate    chan struct{}
	calls   int
	regions []*capture.Region
}

func newFakeChain(frame *capture.Frame) *fakeChain {
	return &fakeChain{frame: frame, bounds: image.Rect(0, 0, 1920, 1080)}
}

func (f *fakeChain) set(frame *capture.Frame) {
	f.mu.Lock()
	f.frame = frame
	f.err = nil
	f.mu.Unlock()
}

func (f *fakeChain) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeChain) Capture(_ context.Context, region *capture.Region) (*capture.Frame, error) {
	f.mu.Lock()
	f.calls++
	f.regions = append(f.regions, region)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.frame, nil
}

func (f *fakeChain) Bounds() (image.Rectangle, error) {
	return f.bounds, nil
}

func (f *fakeChain) captureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recorder collects bus events under a lock.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(e events.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) byType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func sizedFrame(n int) *capture.Frame {
	return &capture.Frame{
		Data:       make([]byte, n),
		Width:      100,
		Height:     100,
		CapturedAt: time.Now(),
		Strategy:   "fake",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// sessionConfig uses a huge interval so tests drive ticks via ForceCapture.
func sessionConfig() Config {
	return Config{
		Region:    capture.Region{Left: 0, Top: 0, Right: 100, Bottom: 100},
		Strategy:  detect.StrategySize,
		Threshold: 0,
		Interval:  time.Hour,
	}
}

func TestStartRejectsInvalidRegion(t *testing.T) {
	bus := events.NewBus()
	m := New(newFakeChain(sizedFrame(100)), bus)

	cfg := sessionConfig()
	cfg.Region = capture.Region{Left: 0, Top: 0, Right: 5, Bottom: 5}
	if _, err := m.Start(context.Background(), cfg); !errors.Is(err, capture.ErrInvalidRegion) {
		t.Fatalf("Start() = %v, want ErrInvalidRegion", err)
	}
	if got := m.Status().State; got != StateIdle {
		t.Errorf("state after rejected start = %s, want idle", got)
	}
}

func TestStartRejectsRegionOutsideDisplayBounds(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	chain.bounds = image.Rect(0, 0, 800, 600)
	m := New(chain, events.NewBus())

	cfg := sessionConfig()
	cfg.Region = capture.Region{Left: 700, Top: 500, Right: 900, Bottom: 700}
	if _, err := m.Start(context.Background(), cfg); !errors.Is(err, capture.ErrInvalidRegion) {
		t.Fatalf("Start() = %v, want ErrInvalidRegion", err)
	}
}

func TestStartSeedsBaselineAndPublishes(t *testing.T) {
	bus := events.NewBus()
	rec := record(bus)
	m := New(newFakeChain(sizedFrame(100)), bus)

	id, err := m.Start(context.Background(), sessionConfig())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")
	if id == "" {
		t.Error("Start() returned empty session id")
	}

	st := m.Status()
	if st.State != StateRunning {
		t.Errorf("state = %s, want running", st.State)
	}
	if st.SessionID != id {
		t.Errorf("status session id = %q, want %q", st.SessionID, id)
	}
	if got := rec.byType(events.TypeMonitoringStarted); len(got) != 1 {
		t.Errorf("MonitoringStarted events = %d, want 1", len(got))
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	m := New(newFakeChain(sizedFrame(100)), events.NewBus())

	id, err := m.Start(context.Background(), sessionConfig())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")

	if _, err := m.Start(context.Background(), sessionConfig()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	st := m.Status()
	if st.SessionID != id || st.State != StateRunning {
		t.Errorf("original session disturbed: id=%q state=%s", st.SessionID, st.State)
	}
}

func TestStartFailsWhenSeedCaptureFails(t *testing.T) {
	chain := newFakeChain(nil)
	chain.setErr(errors.New("no backend"))
	bus := events.NewBus()
	rec := record(bus)
	m := New(chain, bus)

	if _, err := m.Start(context.Background(), sessionConfig()); err == nil {
		t.Fatal("Start() succeeded despite failed seed capture")
	}
	if got := m.Status().State; got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
	if got := rec.byType(events.TypeCaptureFailed); len(got) != 1 {
		t.Errorf("CaptureFailed events = %d, want 1", len(got))
	}
	if got := rec.byType(events.TypeMonitoringStarted); len(got) != 0 {
		t.Errorf("MonitoringStarted events = %d, want 0", len(got))
	}
}

func TestStartOutlivesCallerContext(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	m := New(chain, events.NewBus())

	// A short-lived caller, like an HTTP request handler whose context is
	// cancelled as soon as the handler returns.
	callerCtx, cancel := context.WithCancel(context.Background())
	cfg := sessionConfig()
	cfg.Interval = 5 * time.Millisecond
	if _, err := m.Start(callerCtx, cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")
	cancel()

	waitFor(t, 2*time.Second, func() bool {
		return m.Status().Ticks >= 3
	}, "loop stopped ticking after caller context cancellation")
}

func TestStopDuringSeedLeavesStateStopped(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	gate := make(chan struct{})
	chain.gate = gate
	bus := events.NewBus()
	rec := record(bus)
	m := New(chain, bus)

	startErr := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), sessionConfig())
		startErr <- err
	}()

	waitFor(t, 2*time.Second, func() bool {
		return chain.captureCalls() == 1
	}, "seed capture not in flight")
	m.Stop("operator")

	// Release the seed as a failure; the stop must win.
	chain.setErr(errors.New("display gone"))
	close(gate)

	if err := <-startErr; !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() = %v, want ErrStopped", err)
	}
	if got := m.Status().State; got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
	if got := rec.byType(events.TypeCaptureFailed); len(got) != 0 {
		t.Errorf("CaptureFailed events after stop = %d, want 0", len(got))
	}
	stopped := rec.byType(events.TypeMonitoringStopped)
	if len(stopped) != 1 || stopped[0].Reason != "operator" {
		t.Errorf("MonitoringStopped events = %+v, want one with reason operator", stopped)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	bus := events.NewBus()
	rec := record(bus)
	m := New(newFakeChain(sizedFrame(100)), bus)

	// Stop with no session: no-op, no event.
	m.Stop("noop")
	if got := rec.byType(events.TypeMonitoringStopped); len(got) != 0 {
		t.Fatalf("MonitoringStopped events after idle stop = %d, want 0", len(got))
	}

	if _, err := m.Start(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.Stop("first")
	m.Stop("second")

	stopped := rec.byType(events.TypeMonitoringStopped)
	if len(stopped) != 1 {
		t.Fatalf("MonitoringStopped events = %d, want 1", len(stopped))
	}
	if stopped[0].Reason != "first" {
		t.Errorf("stop reason = %q, want %q", stopped[0].Reason, "first")
	}
	if got := m.Status().State; got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestConsecutiveFailuresDriveSessionToFailed(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	bus := events.NewBus()
	rec := record(bus)
	m := New(chain, bus)

	cfg := sessionConfig()
	cfg.Interval = 5 * time.Millisecond
	if _, err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	chain.setErr(errors.New("display gone"))

	waitFor(t, 2*time.Second, func() bool {
		return m.Status().State == StateFailed
	}, "session did not fail")

	// The loop must stop once failed; give any stray tick a moment to land.
	time.Sleep(30 * time.Millisecond)

	stopped := rec.byType(events.TypeMonitoringStopped)
	if len(stopped) != 1 {
		t.Fatalf("MonitoringStopped events = %d, want exactly 1", len(stopped))
	}
	if stopped[0].Reason != StopReasonFailures {
		t.Errorf("stop reason = %q, want %q", stopped[0].Reason, StopReasonFailures)
	}
	if failed := rec.byType(events.TypeCaptureFailed); len(failed) != DefaultFailureCap {
		t.Errorf("CaptureFailed events = %d, want %d", len(failed), DefaultFailureCap)
	}
	if got := m.Status().ConsecutiveFailures; got != DefaultFailureCap {
		t.Errorf("consecutive failures = %d, want %d", got, DefaultFailureCap)
	}
}

func TestChangeDetectionEndToEnd(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	bus := events.NewBus()
	rec := record(bus)
	m := New(chain, bus)

	cfg := sessionConfig()
	cfg.Interval = 10 * time.Millisecond
	if _, err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")

	// Let a few ticks pass with an unchanged source.
	waitFor(t, 2*time.Second, func() bool {
		return m.Status().Ticks >= 3
	}, "loop did not tick")
	if got := rec.byType(events.TypeChangeDetected); len(got) != 0 {
		t.Fatalf("ChangeDetected events with stable source = %d, want 0", len(got))
	}

	// Inject a differing frame.
	chain.set(sizedFrame(200))
	waitFor(t, 2*time.Second, func() bool {
		return len(rec.byType(events.TypeChangeDetected)) >= 1
	}, "change not detected")

	// The new frame became the baseline, so the change fires exactly once.
	time.Sleep(50 * time.Millisecond)
	changes := rec.byType(events.TypeChangeDetected)
	if len(changes) != 1 {
		t.Fatalf("ChangeDetected events = %d, want exactly 1", len(changes))
	}
	if changes[0].Frame == nil || changes[0].Verdict == nil {
		t.Fatal("change event missing frame or verdict")
	}
	if changes[0].Verdict.Strategy != detect.StrategySize {
		t.Errorf("verdict strategy = %q, want size", changes[0].Verdict.Strategy)
	}
	if got := m.Status().ChangesDetected; got != 1 {
		t.Errorf("changes_detected = %d, want 1", got)
	}
}

func TestConcurrentForcedTicksReportOneChange(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	bus := events.NewBus()
	rec := record(bus)
	m := New(chain, bus)

	if _, err := m.Start(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")

	// Several out-of-band captures race over the same differing frame. The
	// baseline swap is atomic with the comparison, so only the first capture
	// may claim the change.
	chain.set(sizedFrame(200))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ForceCapture(context.Background()); err != nil {
				t.Errorf("ForceCapture() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(rec.byType(events.TypeChangeDetected)); got != 1 {
		t.Errorf("ChangeDetected events = %d, want exactly 1", got)
	}
	if got := m.Status().ChangesDetected; got != 1 {
		t.Errorf("changes_detected = %d, want 1", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	m := New(chain, events.NewBus())

	cfg := sessionConfig()
	cfg.Interval = 5 * time.Millisecond
	if _, err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")

	waitFor(t, 2*time.Second, func() bool { return m.Status().Ticks >= 2 }, "loop did not tick")

	if err := m.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if got := m.Status().State; got != StatePaused {
		t.Errorf("state = %s, want paused", got)
	}
	ticksAtPause := m.Status().Ticks
	time.Sleep(40 * time.Millisecond)
	if got := m.Status().Ticks; got != ticksAtPause {
		t.Errorf("ticks advanced while paused: %d -> %d", ticksAtPause, got)
	}

	if err := m.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status().Ticks > ticksAtPause
	}, "loop did not resume")

	// Invalid transitions.
	if err := m.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume() while running = %v, want ErrInvalidTransition", err)
	}
}

func TestChangeStrategyPublishesAndUpdatesStatus(t *testing.T) {
	bus := events.NewBus()
	rec := record(bus)
	m := New(newFakeChain(sizedFrame(100)), bus)

	if _, err := m.Start(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")

	if err := m.ChangeStrategy(detect.StrategyHash, false); err != nil {
		t.Fatalf("ChangeStrategy() error = %v", err)
	}
	if got := m.Status().Strategy; got != detect.StrategyHash {
		t.Errorf("status strategy = %q, want hash", got)
	}
	swaps := rec.byType(events.TypeStrategyChanged)
	if len(swaps) != 1 {
		t.Fatalf("StrategyChanged events = %d, want 1", len(swaps))
	}
	if swaps[0].OldStrategy != detect.StrategySize || swaps[0].NewStrategy != detect.StrategyHash {
		t.Errorf("strategy swap = %q -> %q", swaps[0].OldStrategy, swaps[0].NewStrategy)
	}
}

func TestChangeStrategyBaselineSemantics(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	bus := events.NewBus()
	rec := record(bus)
	m := New(chain, bus)

	if _, err := m.Start(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")

	// Without reset the seeded baseline survives, so a differing frame is an
	// immediate change.
	if err := m.ChangeStrategy(detect.StrategySize, false); err != nil {
		t.Fatalf("ChangeStrategy() error = %v", err)
	}
	chain.set(sizedFrame(200))
	if _, err := m.ForceCapture(context.Background()); err != nil {
		t.Fatalf("ForceCapture() error = %v", err)
	}
	if got := len(rec.byType(events.TypeChangeDetected)); got != 1 {
		t.Fatalf("ChangeDetected after keep-baseline switch = %d, want 1", got)
	}

	// With reset the next capture reseeds without a change evaluation.
	if err := m.ChangeStrategy(detect.StrategySize, true); err != nil {
		t.Fatalf("ChangeStrategy() error = %v", err)
	}
	chain.set(sizedFrame(300))
	if _, err := m.ForceCapture(context.Background()); err != nil {
		t.Fatalf("ForceCapture() error = %v", err)
	}
	if got := len(rec.byType(events.TypeChangeDetected)); got != 1 {
		t.Fatalf("ChangeDetected after reset switch = %d, want still 1", got)
	}

	// And the reseeded baseline is live: the next differing frame fires.
	chain.set(sizedFrame(400))
	if _, err := m.ForceCapture(context.Background()); err != nil {
		t.Fatalf("ForceCapture() error = %v", err)
	}
	if got := len(rec.byType(events.TypeChangeDetected)); got != 2 {
		t.Fatalf("ChangeDetected after reseed = %d, want 2", got)
	}
}

func TestForceCaptureIdleReturnsFullDisplay(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	m := New(chain, events.NewBus())

	frame, err := m.ForceCapture(context.Background())
	if err != nil {
		t.Fatalf("ForceCapture() error = %v", err)
	}
	if frame == nil {
		t.Fatal("ForceCapture() returned nil frame")
	}
	chain.mu.Lock()
	defer chain.mu.Unlock()
	if len(chain.regions) != 1 || chain.regions[0] != nil {
		t.Error("idle ForceCapture should request the full display")
	}
}

func TestForceCaptureWhilePaused(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	m := New(chain, events.NewBus())

	if _, err := m.Start(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")
	if err := m.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	ticksBefore := m.Status().Ticks
	if _, err := m.ForceCapture(context.Background()); err != nil {
		t.Fatalf("ForceCapture() while paused error = %v", err)
	}
	if got := m.Status().Ticks; got != ticksBefore+1 {
		t.Errorf("ticks = %d, want %d", got, ticksBefore+1)
	}
}

func TestForceCaptureRejectedAfterStop(t *testing.T) {
	m := New(newFakeChain(sizedFrame(100)), events.NewBus())

	if _, err := m.Start(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.Stop("test")

	if _, err := m.ForceCapture(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("ForceCapture() after stop = %v, want ErrStopped", err)
	}
}

func TestUpdateRegionResetsBaseline(t *testing.T) {
	chain := newFakeChain(sizedFrame(100))
	bus := events.NewBus()
	rec := record(bus)
	m := New(chain, bus)

	if _, err := m.Start(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("test")

	next := capture.Region{Left: 200, Top: 200, Right: 400, Bottom: 400}
	if err := m.UpdateRegion(next); err != nil {
		t.Fatalf("UpdateRegion() error = %v", err)
	}
	if got := m.Status().Region; got == nil || *got != next {
		t.Errorf("status region = %v, want %v", got, next)
	}

	// A differing frame right after the region swap reseeds silently.
	chain.set(sizedFrame(500))
	if _, err := m.ForceCapture(context.Background()); err != nil {
		t.Fatalf("ForceCapture() error = %v", err)
	}
	if got := len(rec.byType(events.TypeChangeDetected)); got != 0 {
		t.Errorf("ChangeDetected after region swap = %d, want 0", got)
	}

	// Invalid region rejected without touching the session.
	bad := capture.Region{Left: 0, Top: 0, Right: 5, Bottom: 5}
	if err := m.UpdateRegion(bad); !errors.Is(err, capture.ErrInvalidRegion) {
		t.Fatalf("UpdateRegion() = %v, want ErrInvalidRegion", err)
	}
	if got := m.Status().Region; got == nil || *got != next {
		t.Errorf("region changed by rejected update: %v", got)
	}
}

func TestStatusIdle(t *testing.T) {
	m := New(newFakeChain(sizedFrame(100)), events.NewBus())
	st := m.Status()
	if st.State != StateIdle {
		t.Errorf("state = %s, want idle", st.State)
	}
	if st.SessionID != "" || st.Region != nil || st.StartedAt != nil {
		t.Errorf("idle status carries session fields: %+v", st)
	}
}
