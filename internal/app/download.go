package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/logrouter"
	"github.com/loykin/forgevisor/internal/pipeline"
	"github.com/loykin/forgevisor/internal/stage"
)

const sourceSubject = "source"

// Download clones the source tree, or updates it when a checkout already
// exists. Tool failures (network, auth) are retried with the build retry
// policy; anything else halts at once.
func (a *App) Download(ctx context.Context) error {
	st, err := a.sourceStage()
	if err != nil {
		return err
	}
	a.logger.Info("fetching source", "command", st.Command, "dir", st.WorkDir)

	runner := a.runner(logrouter.Git)
	attempt := 0
	op := func() error {
		attempt++
		res := runner.Run(ctx, st)
		switch res.Outcome {
		case stage.Success:
			return nil
		case stage.ToolFailure:
			return res.Err
		default:
			return backoff.Permanent(res.Err)
		}
	}
	notify := func(err error, d time.Duration) {
		a.logger.Warn("source fetch failed, retrying", "attempt", attempt, "max", a.cfg.Build.MaxAttempts, "in", d, "error", err)
	}
	bo := pipeline.NewBackOff(a.cfg.Build.Backoff, a.cfg.Build.Interval, a.cfg.Build.MaxInterval)
	if n := a.cfg.Build.MaxAttempts; n > 1 {
		bo = backoff.WithMaxRetries(bo, uint64(n-1))
	} else {
		bo = &backoff.StopBackOff{}
	}
	err = backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if err != nil {
		var fe *failure.Error
		if !errors.As(err, &fe) && ctx.Err() != nil {
			return failure.New(failure.UserAbort, sourceSubject, ctx.Err())
		}
		return err
	}
	a.logger.Info("source ready", "dir", a.cfg.Paths.SourceDir, "attempts", attempt)
	return nil
}

// sourceStage picks the update command when the source directory holds a
// checkout and the clone command otherwise.
func (a *App) sourceStage() (stage.Stage, error) {
	src := a.cfg.Paths.SourceDir
	sc := a.cfg.Source
	st := stage.Stage{Name: sourceSubject, Env: a.environ(nil), Dependencies: sc.Dependencies}

	if hasCheckout(src) {
		st.WorkDir = src
		st.Command = sc.UpdateCommand
		if st.Command == "" {
			st.Command = "git pull --ff-only"
		}
		return st, nil
	}
	st.Command = sc.CloneCommand
	if st.Command == "" {
		if sc.Repository == "" {
			return st, errors.New("source.repository or source.clone_command is required")
		}
		st.Command = fmt.Sprintf("git clone %s %s", sc.Repository, src)
	}
	st.WorkDir = filepath.Dir(src)
	if err := os.MkdirAll(st.WorkDir, 0o750); err != nil {
		return st, fmt.Errorf("create %s: %w", st.WorkDir, err)
	}
	return st, nil
}

func hasCheckout(dir string) bool {
	if fi, err := os.Stat(filepath.Join(dir, ".git")); err == nil && fi.IsDir() {
		return true
	}
	return false
}
