package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Mokpell/internal/backend"
)

// EventKind names a session event.
type EventKind string

const (
	EventInit      EventKind = "init"
	EventPrefill   EventKind = "prefill"
	EventToken     EventKind = "token"
	EventDone      EventKind = "done"
	EventCancelled EventKind = "cancelled"
	EventFailed    EventKind = "failed"
	EventReleased  EventKind = "released"
	EventBench     EventKind = "bench"
)

// Event is emitted at state changes and for every accepted token.
type Event struct {
	Kind      EventKind
	SessionID string
	State     State
	Token     backend.Token
	Fragment  string
	Tokens    int
	Reason    StopReason
	Duration  time.Duration
	Err       error
}

// Observer receives session events. Observe runs on the calling goroutine of
// the session operation and must not call back into the session.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}

// Multi fans events out to every observer in order.
func Multi(obs ...Observer) Observer {
	return multiObserver(obs)
}

type multiObserver []Observer

func (m multiObserver) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// MemoryObserver stores events in memory for tests.
type MemoryObserver struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryObserver() *MemoryObserver { return &MemoryObserver{} }

func (m *MemoryObserver) Observe(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *MemoryObserver) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds lists the recorded event kinds in order.
func (m *MemoryObserver) Kinds() []EventKind {
	events := m.Events()
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// LogObserver writes events to a zerolog logger. Token events are logged at
// trace level.
type LogObserver struct {
	Log zerolog.Logger
}

func (l LogObserver) Observe(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case EventToken:
		ev = l.Log.Trace().Int32("token", e.Token).Str("fragment", e.Fragment)
	case EventFailed:
		ev = l.Log.Error().Err(e.Err)
	case EventPrefill, EventBench:
		ev = l.Log.Debug().Dur("took", e.Duration)
	default:
		ev = l.Log.Debug()
	}
	ev = ev.Str("session", e.SessionID).Str("state", e.State.String())
	if e.Tokens > 0 {
		ev = ev.Int("tokens", e.Tokens)
	}
	if e.Reason != ReasonNone {
		ev = ev.Str("reason", string(e.Reason))
	}
	ev.Msg(string(e.Kind))
}
