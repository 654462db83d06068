package history

import (
	"context"
	"time"
)

// EventType defines the kind of recorded event.
type EventType string

const (
	EventStageAttempt EventType = "stage_attempt"
	EventStart        EventType = "start"
	EventStop         EventType = "stop"
	EventExit         EventType = "exit"
	EventRestart      EventType = "restart"
	EventFailed       EventType = "failed"
	EventExhausted    EventType = "exhausted"
	EventCleared      EventType = "cleared"
)

// Event is one build attempt or process lifecycle change exported to
// external systems. Subject is the stage or server name.
type Event struct {
	Type       EventType     `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Subject    string        `json:"subject"`
	PID        int           `json:"pid,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return what they stored.
type Reader interface {
	Recent(ctx context.Context, subject string, limit int) ([]Event, error)
}
