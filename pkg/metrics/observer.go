// Package metrics provides lightweight session observability: connection
// lifecycle, audio levels, and finalize events flow through an Observer.
package metrics

import (
	"sync"
	"time"
)

// Event is one observed measurement or occurrence.
type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer consumes session events.
type Observer interface {
	RecordEvent(ev Event)
}

// Flusher is implemented by observers that buffer output.
type Flusher interface {
	Flush() error
}

// NoopObserver discards everything.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// MemoryObserver collects events for inspection in tests.
type MemoryObserver struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (m *MemoryObserver) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
