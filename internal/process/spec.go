package process

import (
	"os/exec"
	"strings"
	"time"
)

// Heartbeat selects how liveness of a running process is judged.
type Heartbeat string

const (
	HeartbeatOutput Heartbeat = "output" // last line written
	HeartbeatCPU    Heartbeat = "cpu"    // cumulative CPU time advancing
	HeartbeatNone   Heartbeat = "none"   // never unresponsive
)

// Spec describes a server process to launch.
type Spec struct {
	Name          string        `json:"name"`
	Command       string        `json:"command"` // binary path, or a shell-style command line when Args is empty
	Args          []string      `json:"args,omitempty"`
	WorkDir       string        `json:"work_dir,omitempty"`
	Env           []string      `json:"env,omitempty"` // complete environment; nil inherits ours
	Ports         []int         `json:"ports,omitempty"`
	PIDFile       string        `json:"pid_file,omitempty"`
	StartDuration time.Duration `json:"start_duration"`       // settle window the process must survive
	StopGrace     time.Duration `json:"stop_grace,omitempty"` // used when a launch is aborted
	Heartbeat     Heartbeat     `json:"heartbeat,omitempty"`
}

// BuildCommand constructs an *exec.Cmd for the spec. With explicit Args
// the binary is executed directly; otherwise Command is parsed by
// CommandLine.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	return CommandLine(s.Command)
}

// CommandLine builds a command from a single string. It avoids a shell
// when not necessary and respects an explicit "sh -c ..." prefix without
// double-wrapping it.
func CommandLine(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// Absolute shell path so an overridden PATH cannot break it.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
