package checkpoint

import (
	"errors"
	"time"
)

// Version is the on-disk format written by this package. Files without a
// version field are read as version 1.
const Version = 1

type Status string

const (
	Pending   Status = "pending"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

var (
	ErrInvalidTransition = errors.New("invalid checkpoint transition")
	ErrLocked            = errors.New("checkpoint is locked by another pipeline")
)

// Entry is the persisted progress of one stage.
type Entry struct {
	Status       Status    `json:"status"`
	LastAttempt  time.Time `json:"last_attempt,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
}

// Checkpoint maps stage name to progress. Stages absent from the map are pending.
type Checkpoint struct {
	Version int              `json:"version"`
	Stages  map[string]Entry `json:"stages"`
}

func empty() Checkpoint {
	return Checkpoint{Version: Version, Stages: map[string]Entry{}}
}

// Get returns the entry for stage, defaulting to a pending one.
func (c Checkpoint) Get(stage string) Entry {
	if e, ok := c.Stages[stage]; ok {
		return e
	}
	return Entry{Status: Pending}
}

func (c Checkpoint) Succeeded(stage string) bool {
	return c.Get(stage).Status == Succeeded
}

func canTransition(from, to Status) bool {
	switch from {
	case Pending:
		return to == Succeeded || to == Failed
	case Failed:
		return to == Pending
	}
	return false
}
