// Package events defines the domain events published by the ledger and the
// settlement pipeline and the emitters that deliver them.
package events

import "sync"

// Event represents a structured state change emitted by a ledger component.
type Event interface {
	EventType() string
	// Key partitions the event downstream; events sharing a key keep their order.
	Key() string
	Attributes() map[string]string
}

// Emitter broadcasts events to downstream subscribers (indexers, notifications).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder keeps emitted events in memory. Tests and the folioctl dry runs use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(e Event) {
	if e == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters the recorded events by type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// OrNoop returns e, or a NoopEmitter when e is nil.
func OrNoop(e Emitter) Emitter {
	if e == nil {
		return NoopEmitter{}
	}
	return e
}
