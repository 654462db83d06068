package process

import "time"

// Status is a point-in-time view of a launched process.
type Status struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitempty"`
	ExitErr    string    `json:"exit_error,omitempty"`
	LastOutput time.Time `json:"last_output,omitempty"`
}
