package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/forgevisor/internal/detector"
	"github.com/loykin/forgevisor/internal/failure"
)

// LineSink receives each line a process writes to stdout or stderr.
type LineSink func(line string)

// DefaultStopGrace applies when a spec carries no StopGrace.
const DefaultStopGrace = 10 * time.Second

const killWait = 5 * time.Second

// Process is a launched child running in its own process group. Exactly one
// goroutine waits on it; everybody else observes Done.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	lastOutput atomic.Int64

	mu        sync.Mutex
	exitErr   error
	stoppedAt time.Time
	stopping  bool
}

// Launch starts spec and waits out its settle window. Every reason the
// process cannot be brought up is reported as a LaunchFailure.
func Launch(ctx context.Context, spec Spec, sink LineSink) (*Process, error) {
	fail := func(err error) error { return failure.New(failure.LaunchFailure, spec.Name, err) }

	if spec.WorkDir != "" {
		fi, err := os.Stat(spec.WorkDir)
		if err != nil {
			return nil, fail(fmt.Errorf("working directory: %w", err))
		}
		if !fi.IsDir() {
			return nil, fail(fmt.Errorf("working directory %s is not a directory", spec.WorkDir))
		}
	}
	cmd := spec.BuildCommand()
	if err := checkExecutable(cmd, spec.WorkDir); err != nil {
		return nil, fail(err)
	}
	if err := ProbePorts(spec.Ports); err != nil {
		return nil, fail(err)
	}
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	ConfigureSysProcAttr(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fail(fmt.Errorf("output pipe: %w", err))
	}
	cmd.Stdout, cmd.Stderr = w, w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fail(fmt.Errorf("start: %w", err))
	}
	_ = w.Close()

	p := &Process{spec: spec, cmd: cmd, pid: cmd.Process.Pid, startedAt: time.Now(), done: make(chan struct{})}
	p.touch()
	go p.stream(r, sink)
	go p.wait()

	if spec.PIDFile != "" {
		_ = detector.WritePIDFile(spec.PIDFile, detector.Record{
			PID: p.pid, Name: spec.Name, Binary: spec.Command, Ports: spec.Ports,
		})
	}
	if err := p.settle(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func checkExecutable(cmd *exec.Cmd, workDir string) error {
	if cmd.Err != nil {
		return fmt.Errorf("binary: %w", cmd.Err)
	}
	path := cmd.Path
	if !filepath.IsAbs(path) && workDir != "" {
		path = filepath.Join(workDir, path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("binary: %w", err)
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("binary %s is not executable", path)
	}
	return nil
}

func (p *Process) settle(ctx context.Context) error {
	d := p.spec.StartDuration
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		err := p.ExitErr()
		if err == nil {
			err = errors.New("exit status 0")
		}
		return failure.New(failure.LaunchFailure, p.spec.Name, fmt.Errorf("exited during %s start window: %w", d, err))
	case <-ctx.Done():
		grace := p.spec.StopGrace
		if grace <= 0 {
			grace = DefaultStopGrace
		}
		_ = p.Stop(grace)
		return failure.New(failure.UserAbort, p.spec.Name, ctx.Err())
	case <-t.C:
		return nil
	}
}

func (p *Process) stream(r *os.File, sink LineSink) {
	defer func() { _ = r.Close() }()
	_ = ReadLines(r, MaxLine, func(line string) {
		p.touch()
		if sink != nil {
			sink(line)
		}
	})
	// Keep draining after a read error so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.stoppedAt = time.Now()
	p.mu.Unlock()
	if p.spec.PIDFile != "" {
		if rec, rerr := detector.ReadPIDFile(p.spec.PIDFile); rerr == nil && rec.PID == p.pid {
			_ = os.Remove(p.spec.PIDFile)
		}
	}
	close(p.done)
}

func (p *Process) touch() { p.lastOutput.Store(time.Now().UnixNano()) }

func (p *Process) Name() string         { return p.spec.Name }
func (p *Process) Spec() Spec           { return p.spec }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// LastOutput is the time of the most recent output line (or the start).
func (p *Process) LastOutput() time.Time { return time.Unix(0, p.lastOutput.Load()) }

// ExitErr returns the wait error after exit, nil before.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Wait blocks until the process exits and returns its wait error.
func (p *Process) Wait() error {
	<-p.done
	return p.ExitErr()
}

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Alive reports whether the process is running and not a zombie.
func (p *Process) Alive() bool {
	return !p.Exited() && !IsZombie(p.pid)
}

// IsZombie reports whether the process has terminated but is not yet reaped.
func (p *Process) IsZombie() bool {
	return !p.Exited() && IsZombie(p.pid)
}

// StopRequested reports whether Stop was called, so an exit is expected.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Stop terminates the process group: SIGTERM, then SIGKILL after grace.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if !p.Exited() {
		_ = SignalGroup(p.pid, sigTerm)
		t := time.NewTimer(grace)
		select {
		case <-p.done:
		case <-t.C:
			_ = SignalGroup(p.pid, sigKill)
			select {
			case <-p.done:
			case <-time.After(killWait):
				t.Stop()
				return fmt.Errorf("%s: pid %d survived SIGKILL", p.spec.Name, p.pid)
			}
		}
		t.Stop()
	}
	// Sweep leftovers that ignored SIGTERM after the leader exited.
	_ = killGroupOnly(p.pid)
	return nil
}

// Snapshot returns the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:       p.spec.Name,
		PID:        p.pid,
		StartedAt:  p.startedAt,
		StoppedAt:  p.stoppedAt,
		LastOutput: p.LastOutput(),
	}
	select {
	case <-p.done:
		if p.exitErr != nil {
			st.ExitErr = p.exitErr.Error()
		}
	default:
		st.Running = true
	}
	return st
}
