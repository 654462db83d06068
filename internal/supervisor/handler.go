package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/history"
	"github.com/loykin/forgevisor/internal/metrics"
	"github.com/loykin/forgevisor/internal/monitor"
	"github.com/loykin/forgevisor/internal/process"
)

type ctrlType int

const (
	ctrlStop ctrlType = iota
	ctrlSample
	ctrlResume
)

// ctrlMsg is sent to a handler to serialize lifecycle operations.
type ctrlMsg struct {
	typ    ctrlType
	grace  time.Duration
	sample monitor.ProcessSample
	reply  chan error
}

// handler owns one supervised process. Every lifecycle change of that
// process happens on the handler goroutine.
type handler struct {
	s      *Supervisor
	spec   process.Spec
	ctrl   chan ctrlMsg
	quit   chan struct{}
	budget *budget

	mu       sync.RWMutex
	proc     *process.Process
	state    State
	restarts int
	lastSeen time.Time
	pending  string // restart reason deferred while waiting
	err      error
}

func newHandler(s *Supervisor, spec process.Spec, p *process.Process) *handler {
	return &handler{
		s:        s,
		spec:     spec,
		ctrl:     make(chan ctrlMsg, 16),
		quit:     make(chan struct{}),
		budget:   newBudget(s.opts.Policy),
		proc:     p,
		state:    StateRunning,
		lastSeen: p.StartedAt(),
	}
}

func (h *handler) run(ctx context.Context) {
	defer close(h.quit)
	for {
		var done <-chan struct{}
		h.mu.RLock()
		if h.state == StateRunning && h.proc != nil {
			done = h.proc.Done()
		}
		h.mu.RUnlock()

		select {
		case <-ctx.Done():
			_ = h.stop(h.s.opts.StopGrace)
			return
		case <-done:
			h.onExit(ctx)
		case msg := <-h.ctrl:
			switch msg.typ {
			case ctrlStop:
				err := h.stop(msg.grace)
				if msg.reply != nil {
					msg.reply <- err
				}
				return
			case ctrlSample:
				h.onSample(ctx, msg.sample)
			case ctrlResume:
				h.resume(ctx)
			}
		}
	}
}

// send delivers msg unless the handler is gone. Samples are dropped when
// the handler is busy; a newer one follows.
func (h *handler) send(msg ctrlMsg) bool {
	select {
	case <-h.quit:
		return false
	default:
	}
	if msg.typ == ctrlSample {
		select {
		case h.ctrl <- msg:
			return true
		default:
			return false
		}
	}
	select {
	case h.ctrl <- msg:
		return true
	case <-h.quit:
		return false
	}
}

func (h *handler) requestStop(grace time.Duration) error {
	reply := make(chan error, 1)
	if !h.send(ctrlMsg{typ: ctrlStop, grace: grace, reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-h.quit:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	}
}

func (h *handler) setState(st State) {
	h.mu.Lock()
	h.state = st
	h.mu.Unlock()
	metrics.SetState(h.spec.Name, string(st))
}

func (h *handler) current() *process.Process {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.proc
}

func (h *handler) onExit(ctx context.Context) {
	p := h.current()
	exitErr := p.ExitErr()
	h.setState(StateExited)
	metrics.IncStop(h.spec.Name)
	detail := "exited"
	if exitErr != nil {
		detail = exitErr.Error()
	}
	h.s.logger.Warn("process exited unexpectedly", "name", h.spec.Name, "pid", p.PID(), "error", exitErr)
	h.s.record(history.Event{Type: history.EventExit, Subject: h.spec.Name, PID: p.PID(), Detail: detail})
	h.s.emit(Event{Type: EventExited, Name: h.spec.Name, PID: p.PID(), Reason: "exit", Err: exitErr})
	h.restart(ctx, "exit")
}

func (h *handler) onSample(ctx context.Context, ps monitor.ProcessSample) {
	h.mu.Lock()
	p := h.proc
	if h.state != StateRunning || p == nil || ps.PID != p.PID() {
		h.mu.Unlock()
		return
	}
	if ps.Alive && !ps.Unresponsive {
		h.lastSeen = ps.Time
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	var reason string
	switch {
	case ps.Zombie:
		reason = "zombie"
	case ps.Unresponsive:
		reason = "unresponsive"
	default:
		// gone without a zombie; the exit path handles it
		return
	}
	h.s.logger.Warn("process needs restart", "name", h.spec.Name, "pid", p.PID(), "reason", reason,
		"last_heartbeat", ps.LastHeartbeat)
	h.setState(StateStopping)
	if err := p.Stop(h.s.opts.StopGrace); err != nil {
		h.s.logger.Error("stop before restart failed", "name", h.spec.Name, "pid", p.PID(), "error", err)
	}
	h.s.record(history.Event{Type: history.EventExit, Subject: h.spec.Name, PID: p.PID(), Detail: reason})
	h.restart(ctx, reason)
}

func (h *handler) resume(ctx context.Context) {
	h.mu.Lock()
	if h.state != StateWaiting {
		h.mu.Unlock()
		return
	}
	reason := h.pending
	h.pending = ""
	h.mu.Unlock()
	h.restart(ctx, reason)
}

// restart relaunches the process unless the host is exhausted or the
// restart budget is spent. Launch failures count against the budget.
func (h *handler) restart(ctx context.Context, reason string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if h.s.exhaustion() != nil {
			h.mu.Lock()
			h.pending = reason
			h.mu.Unlock()
			h.setState(StateWaiting)
			h.s.logger.Info("restart deferred while host resources are exhausted", "name", h.spec.Name, "reason", reason)
			return
		}
		if !h.budget.take(time.Now()) {
			h.fail(reason)
			return
		}
		if d := h.s.opts.RestartDelay; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		h.setState(StateStarting)
		p, err := h.s.launch(ctx, h.spec, h.s.output(h.spec.Name))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			h.s.logger.Error("restart launch failed", "name", h.spec.Name, "reason", reason, "error", err)
			reason = "launch"
			continue
		}
		h.mu.Lock()
		h.proc = p
		h.restarts++
		h.lastSeen = p.StartedAt()
		h.err = nil
		h.mu.Unlock()
		h.setState(StateRunning)
		metrics.IncStart(h.spec.Name)
		metrics.IncRestart(h.spec.Name, reason)
		h.s.logger.Info("process restarted", "name", h.spec.Name, "pid", p.PID(), "reason", reason)
		h.s.record(history.Event{Type: history.EventRestart, Subject: h.spec.Name, PID: p.PID(), Detail: reason})
		h.s.emit(Event{Type: EventRestarted, Name: h.spec.Name, PID: p.PID(), Reason: reason})
		return
	}
}

func (h *handler) fail(reason string) {
	pol := h.s.opts.Policy
	err := failure.New(failure.RestartBudgetExceeded, h.spec.Name,
		fmt.Errorf("more than %d restarts within %s (last reason: %s)", pol.Limit, pol.Window, reason))
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.setState(StateFailed)
	h.s.logger.Error("restart budget exceeded", "name", h.spec.Name, "error", err)
	h.s.record(history.Event{Type: history.EventFailed, Subject: h.spec.Name, Detail: err.Error()})
	h.s.emit(Event{Type: EventFailed, Name: h.spec.Name, Reason: reason, Err: err})
}

func (h *handler) stop(grace time.Duration) error {
	h.mu.RLock()
	p, prev := h.proc, h.state
	h.mu.RUnlock()
	if prev == StateStopped {
		return nil
	}
	var err error
	if p != nil && !p.Exited() {
		h.setState(StateStopping)
		err = p.Stop(grace)
		metrics.IncStop(h.spec.Name)
		h.s.record(history.Event{Type: history.EventStop, Subject: h.spec.Name, PID: p.PID()})
	}
	if prev == StateFailed {
		h.setState(StateFailed)
	} else {
		h.setState(StateStopped)
	}
	if err != nil {
		return fmt.Errorf("stop %s: %w", h.spec.Name, err)
	}
	return nil
}

func (h *handler) status() ProcessStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := ProcessStatus{
		Name:     h.spec.Name,
		State:    h.state,
		Running:  h.state == StateRunning,
		Ports:    h.spec.Ports,
		Restarts: h.restarts,
		LastSeen: h.lastSeen,
	}
	if h.proc != nil {
		st.StartedAt = h.proc.StartedAt()
		st.LastOutput = h.proc.LastOutput()
		if st.Running {
			st.PID = h.proc.PID()
		}
	}
	if h.err != nil {
		st.Error = h.err.Error()
	}
	return st
}

func (h *handler) target() (monitor.Target, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != StateRunning || h.proc == nil {
		return monitor.Target{}, false
	}
	return monitor.Target{
		Name:       h.spec.Name,
		PID:        h.proc.PID(),
		Heartbeat:  h.spec.Heartbeat,
		StartedAt:  h.proc.StartedAt(),
		LastOutput: h.proc.LastOutput(),
	}, true
}
