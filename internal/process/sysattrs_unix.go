//go:build unix

package process

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

// ConfigureSysProcAttr puts the child in a new process group so the whole
// tree can be signalled at once.
func ConfigureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SignalGroup signals the process group led by pid, falling back to the
// single pid when no such group exists.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func killGroupOnly(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// IsZombie reports whether pid is in state Z.
func IsZombie(pid int) bool {
	if pid <= 0 {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err == nil {
		return bytes.Contains(b, []byte("State:\tZ"))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false
	}
	// No procfs: ask gopsutil (sysctl on BSD/Darwin).
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}

// PIDRunning reports whether pid exists and is not a zombie.
func PIDRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !IsZombie(pid)
}

// StopPID terminates a process this invocation did not start, e.g. one
// recorded in a pidfile by an earlier run. It cannot reap, so a zombie
// counts as gone.
func StopPID(pid int, grace time.Duration) error {
	if !PIDRunning(pid) {
		return nil
	}
	_ = SignalGroup(pid, syscall.SIGTERM)
	if waitGone(pid, grace) {
		_ = killGroupOnly(pid)
		return nil
	}
	_ = SignalGroup(pid, syscall.SIGKILL)
	if !waitGone(pid, killWait) {
		return fmt.Errorf("pid %d survived SIGKILL", pid)
	}
	return nil
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !PIDRunning(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ProbePorts fails when any port cannot be bound, i.e. is already in use.
func ProbePorts(ports []int) error {
	for _, port := range ports {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err != nil {
			return fmt.Errorf("port %d already in use: %w", port, err)
		}
		_ = ln.Close()
	}
	return nil
}

// PortListening reports whether something accepts connections on the port.
func PortListening(port int) bool {
	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 300*time.Millisecond)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}
