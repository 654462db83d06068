package process

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/forgevisor/internal/detector"
	"github.com/loykin/forgevisor/internal/failure"
)

type lines struct {
	mu  sync.Mutex
	buf []string
}

func (l *lines) sink(s string) {
	l.mu.Lock()
	l.buf = append(l.buf, s)
	l.mu.Unlock()
}

func (l *lines) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.buf...)
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestLaunchStreamsOutputAndWritesPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "run", "echo.pid")
	var out lines
	p, err := Launch(context.Background(), Spec{
		Name:          "echo",
		Command:       "sh -c 'echo hello; echo oops 1>&2; sleep 5'",
		WorkDir:       dir,
		PIDFile:       pidfile,
		StartDuration: 100 * time.Millisecond,
	}, out.sink)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer func() { _ = p.Stop(time.Second) }()

	waitUntil(t, 2*time.Second, func() bool { return len(out.all()) == 2 }, "two output lines")
	got := strings.Join(out.all(), ",")
	if !strings.Contains(got, "hello") || !strings.Contains(got, "oops") {
		t.Fatalf("unexpected output %q", got)
	}
	rec, err := detector.ReadPIDFile(pidfile)
	if err != nil || rec.PID != p.PID() || rec.Name != "echo" {
		t.Fatalf("pidfile mismatch: %+v err=%v", rec, err)
	}
	if !p.Alive() || p.IsZombie() {
		t.Fatalf("process should be alive")
	}
	if time.Since(p.LastOutput()) > 2*time.Second {
		t.Fatalf("heartbeat not refreshed")
	}

	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
		t.Fatalf("pidfile should be removed after exit, err=%v", err)
	}
	if p.Snapshot().Running {
		t.Fatalf("snapshot should report stopped")
	}
}

func TestLaunchFailures(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	notExec := filepath.Join(dir, "plain.txt")
	_ = os.WriteFile(notExec, []byte("x"), 0o644)

	cases := map[string]Spec{
		"missing workdir":    {Name: "a", Command: "sleep 1", WorkDir: filepath.Join(dir, "absent")},
		"missing binary":     {Name: "b", Command: filepath.Join(dir, "no-such-server"), Args: []string{"--port", "1"}},
		"not executable":     {Name: "c", Command: notExec, Args: []string{"x"}},
		"unknown in PATH":    {Name: "d", Command: "forgevisor-definitely-missing-binary"},
		"port in use":        {Name: "e", Command: "sleep 5", Ports: []int{busy}},
		"exits during start": {Name: "f", Command: "sh -c 'exit 3'", StartDuration: 500 * time.Millisecond},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := Launch(context.Background(), spec, nil)
			if err == nil {
				_ = p.Stop(time.Second)
				t.Fatalf("expected launch failure")
			}
			if !failure.Is(err, failure.LaunchFailure) {
				t.Fatalf("expected LaunchFailure, got %v", err)
			}
			if !strings.Contains(err.Error(), spec.Name) {
				t.Fatalf("error should name the process: %v", err)
			}
		})
	}
}

func TestStopForcesStubbornGroup(t *testing.T) {
	var out lines
	p, err := Launch(context.Background(), Spec{
		Name:    "stubborn",
		Command: "sh -c 'trap \"\" TERM; sleep 30 & echo ready; wait'",
	}, out.sink)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	pid := p.PID()
	// SIGTERM must only arrive once it is ignored by the shell and its child.
	waitUntil(t, 5*time.Second, func() bool {
		for _, l := range out.all() {
			if l == "ready" {
				return true
			}
		}
		return false
	}, "trap installed")
	start := time.Now()
	if err := p.Stop(200 * time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatalf("stop returned before grace elapsed")
	}
	if !p.Exited() {
		t.Fatalf("process should be reaped")
	}
	// the whole group must be gone
	waitUntil(t, 2*time.Second, func() bool { return syscall.Kill(-pid, 0) != nil }, "process group gone")
}

func TestStopPIDOrphan(t *testing.T) {
	// Started outside Launch to mimic a process left by an earlier invocation.
	cmd := CommandLine("sleep 30")
	ConfigureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	if !PIDRunning(pid) {
		t.Fatalf("expected running pid")
	}
	if err := StopPID(pid, time.Second); err != nil {
		t.Fatalf("stop pid: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return !PIDRunning(pid) }, "orphan gone")
	if err := StopPID(pid, time.Second); err != nil {
		t.Fatalf("stopping a dead pid should be a no-op: %v", err)
	}
}

func TestIsZombieDetectsUnreapedChild(t *testing.T) {
	if _, err := os.Stat("/proc/self/status"); err != nil {
		t.Skip("procfs not available")
	}
	cmd := CommandLine("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	waitUntil(t, 2*time.Second, func() bool { return IsZombie(pid) }, "child becomes zombie before reaping")
	_ = cmd.Wait()
	if IsZombie(pid) {
		t.Fatalf("reaped child should not be a zombie")
	}
}

func TestProbePorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if !PortListening(port) {
		t.Fatalf("expected port %d listening", port)
	}
	if err := ProbePorts([]int{port}); err == nil {
		t.Fatalf("expected busy port error")
	}
	_ = ln.Close()
	if err := ProbePorts([]int{port}); err != nil {
		t.Fatalf("port %s should be free now: %v", strconv.Itoa(port), err)
	}
}

func TestLaunchAbortDuringSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := Launch(ctx, Spec{Name: "slow", Command: "sleep 5", StartDuration: 5 * time.Second}, nil)
	if !failure.Is(err, failure.UserAbort) {
		t.Fatalf("expected UserAbort, got %v", err)
	}
}
