package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/forgevisor/internal/checkpoint"
	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/history"
	"github.com/loykin/forgevisor/internal/metrics"
	"github.com/loykin/forgevisor/internal/stage"
)

// StageRunner runs one attempt of a stage. *stage.Runner implements it.
type StageRunner interface {
	Run(ctx context.Context, st stage.Stage) stage.Result
}

type Options struct {
	MaxAttempts int
	Backoff     string // fixed or exponential
	Interval    time.Duration
	MaxInterval time.Duration
	LogPath     string // build log named in bound errors
	Logger      *slog.Logger
	History     *history.Recorder
}

// Controller drives the stages in ordinal order against the checkpoint.
// It is the only writer of the checkpoint file.
type Controller struct {
	store  *checkpoint.Store
	runner StageRunner
	stages []stage.Stage
	opts   Options
	logger *slog.Logger
}

func New(store *checkpoint.Store, runner StageRunner, stages []stage.Stage, opts Options) *Controller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, runner: runner, stages: stages, opts: opts, logger: logger}
}

// StageReport summarizes what one Run did with a stage.
type StageReport struct {
	Name     string
	Skipped  bool
	Attempts int // attempts made in this run
	Outcome  stage.Outcome
	Duration time.Duration
	Artifact string
}

type Report struct {
	Stages []StageReport
}

// Ran reports how many stages were attempted in this run.
func (r Report) Ran() int {
	n := 0
	for _, s := range r.Stages {
		if !s.Skipped {
			n++
		}
	}
	return n
}

// Run executes every stage not yet succeeded, lowest ordinal first. It
// returns nil once all stages have succeeded; otherwise the *failure.Error
// of the stage that halted the build.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	var rep Report
	lock, err := c.store.Lock()
	if err != nil {
		return rep, fmt.Errorf("acquire checkpoint lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	cp, err := c.store.Load()
	if err != nil {
		return rep, err
	}
	for _, st := range c.stages {
		if cp.Succeeded(st.Name) {
			rep.Stages = append(rep.Stages, StageReport{Name: st.Name, Skipped: true, Outcome: stage.Success})
			c.logger.Debug("stage already succeeded", "stage", st.Name)
			continue
		}
		sr, err := c.runStage(ctx, st, cp.Get(st.Name))
		rep.Stages = append(rep.Stages, sr)
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (c *Controller) runStage(ctx context.Context, st stage.Stage, entry checkpoint.Entry) (StageReport, error) {
	sr := StageReport{Name: st.Name}
	used := entry.AttemptCount
	if used >= c.opts.MaxAttempts {
		return sr, failure.New(failure.ToolFailure, st.Name,
			fmt.Errorf("retry bound %d reached after %d attempts; run build --reset %s", c.opts.MaxAttempts, used, st.Name)).WithLog(c.opts.LogPath)
	}

	bo := c.newBackOff()
	status := entry.Status
	for {
		if status == checkpoint.Failed {
			if err := c.store.MarkPending(st.Name); err != nil {
				return sr, err
			}
			status = checkpoint.Pending
		}

		c.logger.Info("running stage", "stage", st.Name, "ordinal", st.Ordinal, "attempt", used+1, "max_attempts", c.opts.MaxAttempts)
		res := c.runner.Run(ctx, st)
		sr.Attempts++
		sr.Outcome = res.Outcome
		sr.Duration += res.Duration
		c.observe(st, res, used+1)

		switch res.Outcome {
		case stage.Success:
			if err := c.store.RecordAttempt(st.Name, checkpoint.Succeeded, string(res.Outcome), true); err != nil {
				return sr, err
			}
			sr.Artifact = res.Artifact
			return sr, nil

		case stage.Aborted:
			return sr, abortErr(st.Name, res.Err)

		case stage.SourceFailure:
			if err := c.store.RecordAttempt(st.Name, checkpoint.Failed, string(res.Outcome), false); err != nil {
				return sr, err
			}
			return sr, res.Err

		default:
			if err := c.store.RecordAttempt(st.Name, checkpoint.Failed, string(res.Outcome), true); err != nil {
				return sr, err
			}
			status = checkpoint.Failed
			used++
			if used >= c.opts.MaxAttempts {
				return sr, res.Err
			}
			d := bo.NextBackOff()
			if d == backoff.Stop {
				return sr, res.Err
			}
			c.logger.Warn("stage failed, retrying", "stage", st.Name, "attempt", used, "retry_in", d, "error", res.Err)
			if err := sleep(ctx, d); err != nil {
				return sr, abortErr(st.Name, err)
			}
		}
	}
}

func (c *Controller) observe(st stage.Stage, res stage.Result, attempt int) {
	metrics.ObserveStageAttempt(st.Name, string(res.Outcome), res.Duration.Seconds())
	e := history.Event{
		Type:     history.EventStageAttempt,
		Subject:  st.Name,
		Attempt:  attempt,
		Outcome:  string(res.Outcome),
		Duration: res.Duration,
	}
	if res.Err != nil {
		e.Detail = res.Err.Error()
	}
	c.opts.History.Record(e)
}

func (c *Controller) newBackOff() backoff.BackOff {
	return NewBackOff(c.opts.Backoff, c.opts.Interval, c.opts.MaxInterval)
}

// NewBackOff returns the retry delay policy: a constant interval, or
// exponential growth from interval capped at maxInterval when kind is
// "exponential". It never gives up on its own; callers bound attempts.
func NewBackOff(kind string, interval, maxInterval time.Duration) backoff.BackOff {
	if kind == "exponential" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = interval
		if maxInterval > 0 {
			b.MaxInterval = maxInterval
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func abortErr(subject string, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Kind == failure.UserAbort {
		return err
	}
	return failure.New(failure.UserAbort, subject, err)
}

// Reset forgets the progress of one stage so the next Run rebuilds it.
func (c *Controller) Reset(name string) error {
	if !c.known(name) {
		return fmt.Errorf("unknown stage %q", name)
	}
	lock, err := c.store.Lock()
	if err != nil {
		return fmt.Errorf("acquire checkpoint lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return c.store.Reset(name)
}

// ResetAll discards the whole checkpoint.
func (c *Controller) ResetAll() error {
	lock, err := c.store.Lock()
	if err != nil {
		return fmt.Errorf("acquire checkpoint lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return c.store.ResetAll()
}

func (c *Controller) known(name string) bool {
	for _, st := range c.stages {
		if st.Name == name {
			return true
		}
	}
	return false
}

// Progress reports each configured stage with its checkpoint entry.
func (c *Controller) Progress() ([]StageProgress, error) {
	cp, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]StageProgress, 0, len(c.stages))
	for _, st := range c.stages {
		out = append(out, StageProgress{Name: st.Name, Ordinal: st.Ordinal, Entry: cp.Get(st.Name)})
	}
	return out, nil
}

type StageProgress struct {
	Name    string `json:"name"`
	Ordinal int    `json:"ordinal"`
	checkpoint.Entry
}
