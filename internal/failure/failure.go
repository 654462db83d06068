package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal failure for the operator-facing layer.
type Kind int

const (
	Unknown Kind = iota
	ToolFailure
	SourceFailure
	LaunchFailure
	ResourceExhausted
	CorruptCheckpoint
	RestartBudgetExceeded
	UserAbort
)

func (k Kind) String() string {
	switch k {
	case ToolFailure:
		return "toolFailure"
	case SourceFailure:
		return "sourceFailure"
	case LaunchFailure:
		return "launchFailure"
	case ResourceExhausted:
		return "resourceExhausted"
	case CorruptCheckpoint:
		return "corruptCheckpoint"
	case RestartBudgetExceeded:
		return "restartBudgetExceeded"
	case UserAbort:
		return "userAbort"
	default:
		return "unknown"
	}
}

// Retryable reports whether the pipeline may retry a failure of this kind locally.
func (k Kind) Retryable() bool { return k == ToolFailure }

// Error is a classified failure naming the stage or process it concerns and
// the log file the operator should inspect.
type Error struct {
	Kind    Kind
	Subject string
	Log     string
	Err     error
}

func New(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// WithLog returns e with the log pointer set.
func (e *Error) WithLog(path string) *Error {
	e.Log = path
	return e
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Subject != "" {
		msg = fmt.Sprintf("%s: %s", e.Subject, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Log != "" {
		msg += " (see " + e.Log + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries a failure of the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Process exit codes.
const (
	ExitOK                    = 0
	ExitGeneric               = 1
	ExitToolFailure           = 2
	ExitSourceFailure         = 3
	ExitLaunchFailure         = 4
	ExitResourceExhausted     = 5
	ExitCorruptCheckpoint     = 6
	ExitRestartBudgetExceeded = 7
	ExitUserAbort             = 130
)

// ExitCode maps err to the tool's process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case ToolFailure:
		return ExitToolFailure
	case SourceFailure:
		return ExitSourceFailure
	case LaunchFailure:
		return ExitLaunchFailure
	case ResourceExhausted:
		return ExitResourceExhausted
	case CorruptCheckpoint:
		return ExitCorruptCheckpoint
	case RestartBudgetExceeded:
		return ExitRestartBudgetExceeded
	case UserAbort:
		return ExitUserAbort
	default:
		return ExitGeneric
	}
}
