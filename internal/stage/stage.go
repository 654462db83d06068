package stage

import "time"

// Stage is one ordered step of the build.
type Stage struct {
	Name         string
	Ordinal      int
	Command      string
	WorkDir      string
	Env          []string // complete environment; nil inherits ours
	Artifact     string   // produced executable, copied to the release dir on success
	Dependencies []string // external services the stage needs, reported with tool failures
}

type Outcome string

const (
	Success       Outcome = "success"
	ToolFailure   Outcome = "toolFailure"
	SourceFailure Outcome = "sourceFailure"
	Aborted       Outcome = "aborted"
)

// Result describes one attempt.
type Result struct {
	Outcome       Outcome
	ExitCode      int
	Duration      time.Duration
	BenignOnly    bool   // every output line was benign
	ToolSignature string // name of the first tool rule that matched
	Lines         int
	Artifact      string // release path of the copied artifact
	Err           error  // *failure.Error for anything but Success
}
