package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/forgevisor/internal/history"
)

// Uninstall stops every server and removes what forgevisor produced: the
// configured build outputs, the release and run directories, the
// checkpoint and finally the log directory. The source tree is kept.
// It returns the paths that were removed.
func (a *App) Uninstall(ctx context.Context) ([]string, error) {
	var errs []error
	if err := a.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop servers: %w", err))
	}

	// The default history database lives in the run dir.
	old := a.history
	a.history = history.NewRecorder(a.cfg.History.Timeout, a.logger)
	if err := old.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}

	targets := append([]string(nil), a.cfg.Paths.BuildOutputs...)
	targets = append(targets,
		a.cfg.Paths.ReleaseDir,
		a.cfg.Paths.RunDir,
		a.cfg.Paths.Checkpoint,
		a.cfg.Paths.Checkpoint+".lock",
	)
	var removed []string
	for _, p := range targets {
		ok, err := remove(p)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			removed = append(removed, p)
		}
	}
	a.logger.Info("uninstall finished", "removed", len(removed))

	logDir := a.Locate()
	if err := a.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close logs: %w", err))
	}
	ok, err := remove(logDir)
	if err != nil {
		errs = append(errs, err)
	}
	if ok {
		removed = append(removed, logDir)
	}
	return removed, errors.Join(errs...)
}

func remove(p string) (bool, error) {
	if p == "" {
		return false, nil
	}
	clean := filepath.Clean(p)
	if clean == "/" || clean == "." {
		return false, fmt.Errorf("refusing to remove %q", p)
	}
	if _, err := os.Lstat(clean); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(clean); err != nil {
		return false, fmt.Errorf("remove %s: %w", clean, err)
	}
	return true, nil
}
