package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/history"
	"github.com/loykin/forgevisor/internal/metrics"
	"github.com/loykin/forgevisor/internal/monitor"
	"github.com/loykin/forgevisor/internal/process"
)

type Options struct {
	Policy       RestartPolicy
	RestartDelay time.Duration
	StartGap     time.Duration // pause between launches in Start
	StopGrace    time.Duration
	Output       func(name string) process.LineSink
	History      *history.Recorder
	Logger       *slog.Logger
}

type launchFunc func(ctx context.Context, spec process.Spec, sink process.LineSink) (*process.Process, error)

// Supervisor owns the supervised processes. One handler goroutine per
// process serialises its lifecycle so a slow stop or restart of one
// process never holds up another.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	launch launchFunc
	events chan Event

	mu        sync.RWMutex
	handlers  map[string]*handler
	order     []string
	exhausted *failure.Error
	wg        sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = process.DefaultStopGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:     opts,
		logger:   logger,
		launch:   process.Launch,
		events:   make(chan Event, 64),
		handlers: make(map[string]*handler),
	}
}

// Events delivers lifecycle events. When nobody reads, the oldest
// buffered events are dropped.
func (s *Supervisor) Events() <-chan Event { return s.events }

func (s *Supervisor) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for {
		select {
		case s.events <- e:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Supervisor) record(e history.Event) { s.opts.History.Record(e) }

func (s *Supervisor) output(name string) process.LineSink {
	if s.opts.Output == nil {
		return nil
	}
	return s.opts.Output(name)
}

func (s *Supervisor) exhaustion() *failure.Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exhausted
}

// Start launches specs in order, pausing StartGap between them. If one
// fails to launch, those already started are stopped and the
// LaunchFailure is returned. Handlers run until ctx is done or the
// process is stopped.
func (s *Supervisor) Start(ctx context.Context, specs []process.Spec) error {
	var started []string
	for i, spec := range specs {
		if spec.StopGrace <= 0 {
			spec.StopGrace = s.opts.StopGrace
		}
		s.mu.RLock()
		_, dup := s.handlers[spec.Name]
		s.mu.RUnlock()
		if dup {
			_ = s.stopStarted(started)
			return fmt.Errorf("process %q is already supervised", spec.Name)
		}
		if i > 0 && s.opts.StartGap > 0 {
			t := time.NewTimer(s.opts.StartGap)
			select {
			case <-ctx.Done():
				t.Stop()
				_ = s.stopStarted(started)
				return failure.New(failure.UserAbort, spec.Name, ctx.Err())
			case <-t.C:
			}
		}
		metrics.SetState(spec.Name, string(StateStarting))
		p, err := s.launch(ctx, spec, s.output(spec.Name))
		if err != nil {
			metrics.SetState(spec.Name, string(StateFailed))
			s.logger.Error("launch failed", "name", spec.Name, "error", err)
			if serr := s.stopStarted(started); serr != nil {
				s.logger.Error("stopping started processes failed", "error", serr)
			}
			return err
		}
		h := newHandler(s, spec, p)
		s.mu.Lock()
		s.handlers[spec.Name] = h
		s.order = append(s.order, spec.Name)
		s.mu.Unlock()
		started = append(started, spec.Name)

		metrics.SetState(spec.Name, string(StateRunning))
		metrics.IncStart(spec.Name)
		s.record(history.Event{Type: history.EventStart, Subject: spec.Name, PID: p.PID()})
		s.logger.Info("process started", "name", spec.Name, "pid", p.PID(), "ports", spec.Ports)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h.run(ctx)
		}()
	}
	return nil
}

// stopStarted undoes a partial Start, newest first.
func (s *Supervisor) stopStarted(started []string) error {
	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := s.Stop(started[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops the named processes concurrently and waits until every
// targeted process group is gone. With no names it behaves as StopAll.
func (s *Supervisor) Stop(names ...string) error {
	if len(names) == 0 {
		return s.StopAll()
	}
	s.mu.RLock()
	var hs []*handler
	var errs []error
	for _, n := range names {
		h, ok := s.handlers[n]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown process %q", n))
			continue
		}
		hs = append(hs, h)
	}
	s.mu.RUnlock()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *handler) {
			defer wg.Done()
			if err := h.requestStop(s.opts.StopGrace); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops every process one at a time in reverse start order, so a
// server is gone before the ones started ahead of it are stopped.
func (s *Supervisor) StopAll() error {
	names := s.Names()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := s.Stop(names[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every handler goroutine has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Names returns the supervised process names in start order.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Status returns a snapshot in start order.
func (s *Supervisor) Status() []ProcessStatus {
	s.mu.RLock()
	hs := make([]*handler, 0, len(s.order))
	for _, n := range s.order {
		hs = append(hs, s.handlers[n])
	}
	s.mu.RUnlock()
	out := make([]ProcessStatus, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.status())
	}
	return out
}

// Targets lists the running processes for the resource monitor.
func (s *Supervisor) Targets() []monitor.Target {
	s.mu.RLock()
	hs := make([]*handler, 0, len(s.order))
	for _, n := range s.order {
		hs = append(hs, s.handlers[n])
	}
	s.mu.RUnlock()
	var out []monitor.Target
	for _, h := range hs {
		if t, ok := h.target(); ok {
			out = append(out, t)
		}
	}
	return out
}

// Observe applies one monitor sample: host exhaustion is tracked and
// surfaced once per episode, and process readings go to their handlers.
func (s *Supervisor) Observe(sample monitor.Sample) {
	s.mu.Lock()
	prev := s.exhausted
	s.exhausted = sample.Exhausted
	hs := make(map[string]*handler, len(s.handlers))
	for n, h := range s.handlers {
		hs[n] = h
	}
	s.mu.Unlock()

	switch {
	case sample.Exhausted != nil && prev == nil:
		s.logger.Warn("host resources exhausted, restarts suspended", "error", sample.Exhausted)
		s.record(history.Event{Type: history.EventExhausted, Subject: "host", Detail: sample.Exhausted.Error()})
		s.emit(Event{Type: EventExhausted, Err: sample.Exhausted})
	case sample.Exhausted == nil && prev != nil:
		s.logger.Info("host resources recovered, resuming restarts")
		s.record(history.Event{Type: history.EventCleared, Subject: "host"})
		s.emit(Event{Type: EventCleared})
		for _, h := range hs {
			h.send(ctrlMsg{typ: ctrlResume})
		}
	}
	for _, ps := range sample.Processes {
		if h, ok := hs[ps.Name]; ok {
			h.send(ctrlMsg{typ: ctrlSample, sample: ps})
		}
	}
}

// Watch feeds samples to Observe until ctx is done.
func (s *Supervisor) Watch(ctx context.Context, samples <-chan monitor.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-samples:
			s.Observe(sample)
		}
	}
}
