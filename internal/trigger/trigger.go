// Package trigger turns button presses and API calls into export
// requests for the session loop.
package trigger

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one export request.
type Event struct {
	Source string    // "serial", "http", ...
	Base   string    // optional export base name override
	At     time.Time // when the request was made
}

// Bus delivers events to a single consumer. Events fired while one is
// still pending are coalesced into it.
type Bus struct {
	ch        chan Event
	fired     atomic.Uint64
	coalesced atomic.Uint64
	now       func() time.Time
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{ch: make(chan Event, 1), now: time.Now}
}

// Fire queues an export request. It never blocks and reports whether the
// event was queued rather than merged into a pending one.
func (b *Bus) Fire(source, base string) bool {
	b.fired.Add(1)
	select {
	case b.ch <- Event{Source: source, Base: base, At: b.now()}:
		return true
	default:
		b.coalesced.Add(1)
		return false
	}
}

// Events is drained by the session loop.
func (b *Bus) Events() <-chan Event { return b.ch }

// Counts returns how many events were fired and how many were coalesced.
func (b *Bus) Counts() (fired, coalesced uint64) {
	return b.fired.Load(), b.coalesced.Load()
}

// EdgeDetector reports rising edges of a boolean signal.
type EdgeDetector struct {
	mu    sync.Mutex
	level bool
	seen  bool
}

// Update records the current level and reports whether it rose from
// false to true. The first sample only counts as an edge if it is true.
func (e *EdgeDetector) Update(level bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rising := level && (!e.seen || !e.level)
	e.level = level
	e.seen = true
	return rising
}

// Level returns the last recorded level.
func (e *EdgeDetector) Level() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}
