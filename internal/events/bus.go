// Package events decouples the monitor from its collaborators through a
// synchronous publish/subscribe bus.
package events

import (
	"sync"
	"time"

	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/avandersteldt/regionwatch/internal/detect"
)

// Type discriminates the event variants.
type Type string

const (
	TypeMonitoringStarted Type = "monitoring_started"
	TypeMonitoringStopped Type = "monitoring_stopped"
	TypeChangeDetected    Type = "change_detected"
	TypeCaptureFailed     Type = "capture_failed"
	TypeStrategyChanged   Type = "strategy_changed"
)

// Event is a discriminated variant; only the fields relevant to its Type are
// populated. Events are ephemeral: the bus publishes and forgets, and
// subscribers decide retention.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`

	// MonitoringStopped
	Reason string `json:"reason,omitempty"`

	// ChangeDetected
	Verdict *detect.Verdict `json:"verdict,omitempty"`
	Frame   *capture.Frame  `json:"frame,omitempty"`

	// CaptureFailed
	Error string `json:"error,omitempty"`

	// StrategyChanged
	OldStrategy string `json:"old_strategy,omitempty"`
	NewStrategy string `json:"new_strategy,omitempty"`
}

// Handler receives published events. Publication is synchronous: slow work
// belongs on the subscriber's own goroutine, not in the handler.
type Handler func(Event)

// Bus is a synchronous publish/subscribe fan-out keyed by event type.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Type]map[int]Handler
	all      map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type]map[int]Handler),
		all:      make(map[int]Handler),
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[t] == nil {
		b.handlers[t] = make(map[int]Handler)
	}
	b.handlers[t][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[t], id)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish delivers the event to matching handlers on the caller's goroutine.
// A zero Timestamp is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[e.Type])+len(b.all))
	for _, h := range b.handlers[e.Type] {
		matched = append(matched, h)
	}
	for _, h := range b.all {
		matched = append(matched, h)
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(e)
	}
}
