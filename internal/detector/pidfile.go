//go:build unix

package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Record is what a supervised server leaves behind in its pidfile so a later
// invocation can find and stop it.
type Record struct {
	PID       int    `json:"-"`
	Name      string `json:"name"`
	Binary    string `json:"binary,omitempty"`
	Ports     []int  `json:"ports,omitempty"`
	StartUnix int64  `json:"start_unix,omitempty"`
}

// WritePIDFile writes the pid on the first line and the JSON record on the second.
func WritePIDFile(path string, rec Record) error {
	if rec.PID <= 0 {
		return fmt.Errorf("invalid pid %d", rec.PID)
	}
	if rec.StartUnix == 0 {
		rec.StartUnix = StartUnix(rec.PID)
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data := strconv.Itoa(rec.PID) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile parses a pidfile. A bare pid on a single line is accepted.
func ReadPIDFile(path string) (Record, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Record{}, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid in %s", path)
	}
	var rec Record
	if line, _, _ := strings.Cut(strings.TrimSpace(rest), "\n"); line != "" {
		_ = json.Unmarshal([]byte(line), &rec)
	}
	rec.PID = pid
	return rec, nil
}

// PIDAlive returns true if a process with given pid exists (or EPERM).
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDFileDetector detects a process via a pidfile, rejecting pids that were
// reused by an unrelated process since the file was written.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	rec, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return Matches(rec), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// Matches reports whether rec still describes a live process.
func Matches(rec Record) bool {
	if !PIDAlive(rec.PID) {
		return false
	}
	if rec.StartUnix > 0 {
		if cur := StartUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			return false
		}
	}
	return true
}

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return PIDAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
