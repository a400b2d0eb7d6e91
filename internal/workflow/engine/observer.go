package engine

import (
	"time"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/step"
)

// EventKind enumerates engine progress notifications.
type EventKind string

const (
	EventPairStarted  EventKind = "pair-started"
	EventStepStarted  EventKind = "step-started"
	EventStepFinished EventKind = "step-finished"
	EventStepFailed   EventKind = "step-failed"
	EventPairFinished EventKind = "pair-finished"
)

// Event describes one transition of a pair or one of its steps.
type Event struct {
	Kind     EventKind
	RunID    string
	Pair     cohort.Pair
	StepID   string
	Status   step.Status
	Engine   EngineStatus
	Message  string
	Err      error
	Time     time.Time
	Duration time.Duration
}

// Observer receives engine events. Steps of one batch run concurrently, so
// implementations must be safe for concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	for _, obs := range e.observers {
		obs.Observe(ev)
	}
}
