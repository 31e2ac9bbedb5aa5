package model

import "time"

// EventType discriminates bus payloads. Progress events are superseded by
// later ones and may be dropped under backpressure; state changes never are.
type EventType string

const (
	EventProgress    EventType = "progress"
	EventStateChange EventType = "state_change"
)

// ProgressEvent is a transient per-job update. Not persisted.
type ProgressEvent struct {
	JobID string
	Kind  JobKind
	Progress
	At time.Time
}

// StateChange announces a job entering a new lifecycle state.
type StateChange struct {
	JobID     string
	Kind      JobKind
	From      JobState
	To        JobState
	ErrorKind ErrorKind // set when To == Failed
	Message   string    // classified error message, never raw engine output
	At        time.Time
}

// Event is the union delivered to bus subscribers.
type Event struct {
	Type        EventType
	Progress    *ProgressEvent
	StateChange *StateChange
}

// NewProgressEvent wraps a progress update for publication.
func NewProgressEvent(p ProgressEvent) Event {
	return Event{Type: EventProgress, Progress: &p}
}

// NewStateChangeEvent wraps a state transition for publication.
func NewStateChangeEvent(sc StateChange) Event {
	return Event{Type: EventStateChange, StateChange: &sc}
}
