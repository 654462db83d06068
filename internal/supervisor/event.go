package supervisor

import "time"

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateWaiting  State = "waiting" // restart deferred while the host is exhausted
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateExited   State = "exited"
	StateFailed   State = "failed" // restart budget spent, no more auto-restarts
)

type EventType string

const (
	EventRestarted EventType = "restarted"
	EventFailed    EventType = "failed"
	EventExhausted EventType = "exhausted"
	EventCleared   EventType = "cleared"
	EventExited    EventType = "exited"
)

// Event reports a lifecycle change. Name is empty for host-wide events.
type Event struct {
	Type   EventType
	Name   string
	PID    int
	Reason string // exit, unresponsive, zombie or launch for restarts
	Err    error
	Time   time.Time
}

// ProcessStatus is a point-in-time view of one supervised process.
type ProcessStatus struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Ports      []int     `json:"ports,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Restarts   int       `json:"restarts"`
	LastOutput time.Time `json:"last_output"`
	LastSeen   time.Time `json:"last_seen"`
	Error      string    `json:"error,omitempty"`
}
