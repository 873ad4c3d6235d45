// Package events carries the structured trace produced by the controller:
// raw bytes on the wire, parsed frame summaries, state transitions and errors.
// Presentation (console, websocket, metrics) lives behind Sink.
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindTX    Kind = "tx"
	KindRX    Kind = "rx"
	KindFrame Kind = "frame"
	KindState Kind = "state"
	KindInfo  Kind = "info"
	KindWarn  Kind = "warn"
	KindError Kind = "error"
)

// Event is one trace record. Fields unused by a kind stay empty.
type Event struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
	Raw     []byte    `json:"raw,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Detail  any       `json:"detail,omitempty"`
	Err     string    `json:"error,omitempty"`
}

type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans one event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Recorder keeps every event in memory. Used by tests and the diagnostics API.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events; limit <= 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.limit:]...)
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind filters recorded events by kind.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
