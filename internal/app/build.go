package app

import (
	"context"
	"fmt"
	"os"

	"github.com/loykin/forgevisor/internal/checkpoint"
	"github.com/loykin/forgevisor/internal/logrouter"
	"github.com/loykin/forgevisor/internal/pipeline"
)

type BuildOptions struct {
	Reset    string // forget one stage before running
	ResetAll bool   // forget every stage before running
}

func (a *App) controller() *pipeline.Controller {
	store := checkpoint.Open(a.cfg.Paths.Checkpoint)
	return pipeline.New(store, a.runner(logrouter.Build), a.stages(), pipeline.Options{
		MaxAttempts: a.cfg.Build.MaxAttempts,
		Backoff:     a.cfg.Build.Backoff,
		Interval:    a.cfg.Build.Interval,
		MaxInterval: a.cfg.Build.MaxInterval,
		LogPath:     a.router.Path(logrouter.Build),
		Logger:      a.logger,
		History:     a.history,
	})
}

// Build runs the stage pipeline, resuming after the last succeeded stage.
func (a *App) Build(ctx context.Context, opts BuildOptions) (pipeline.Report, error) {
	ctrl := a.controller()
	switch {
	case opts.ResetAll:
		if err := ctrl.ResetAll(); err != nil {
			return pipeline.Report{}, err
		}
		a.logger.Info("build progress reset")
	case opts.Reset != "":
		if err := ctrl.Reset(opts.Reset); err != nil {
			return pipeline.Report{}, err
		}
		a.logger.Info("stage reset", "stage", opts.Reset)
	}
	if err := os.MkdirAll(a.cfg.Paths.ReleaseDir, 0o750); err != nil {
		return pipeline.Report{}, fmt.Errorf("create release dir: %w", err)
	}
	rep, err := ctrl.Run(ctx)
	if err != nil {
		return rep, err
	}
	a.logger.Info("build complete", "stages", len(rep.Stages), "ran", rep.Ran(), "release", a.cfg.Paths.ReleaseDir)
	return rep, nil
}

// BuildProgress reports the checkpoint state of every configured stage.
func (a *App) BuildProgress() ([]pipeline.StageProgress, error) {
	return a.controller().Progress()
}
