package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/forgevisor/internal/detector"
	"github.com/loykin/forgevisor/internal/process"
	"github.com/loykin/forgevisor/internal/server"
)

const apiTimeout = 5 * time.Second

// client returns an API client for a running session, or nil when none
// answers.
func (a *App) client(ctx context.Context) *server.Client {
	b, err := os.ReadFile(filepath.Join(a.cfg.Paths.RunDir, apiAddrFile))
	if err != nil {
		return nil
	}
	addr := strings.TrimSpace(string(b))
	if addr == "" {
		return nil
	}
	// Stop waits for graceful shutdown of every server.
	c := server.NewClient(addr, a.cfg.API.BasePath, a.cfg.Supervisor.StopGrace+apiTimeout)
	cctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if !c.Reachable(cctx) {
		return nil
	}
	return c
}

// Stop stops the named servers, or all when names is empty. A running
// session is asked through its status API; without one the pidfiles are
// used, stopping servers in reverse start order.
func (a *App) Stop(ctx context.Context, names ...string) error {
	for _, n := range names {
		if _, ok := a.cfg.Server(n); !ok {
			return fmt.Errorf("unknown server %q", n)
		}
	}
	if c := a.client(ctx); c != nil {
		if err := c.Stop(ctx, names...); err != nil {
			return fmt.Errorf("stop via api: %w", err)
		}
		a.status.Info("servers stopped", "via", "api", "servers", strings.Join(names, ", "))
		return nil
	}
	return a.stopPIDFiles(names)
}

func (a *App) stopPIDFiles(names []string) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var errs []error
	stopped := 0
	for i := len(a.cfg.Servers) - 1; i >= 0; i-- {
		s := a.cfg.Servers[i]
		if len(want) > 0 && !want[s.Name] {
			continue
		}
		path := a.pidPath(s.Name)
		rec, err := detector.ReadPIDFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			}
			continue
		}
		if detector.Matches(rec) {
			a.logger.Info("stopping server", "name", s.Name, "pid", rec.PID)
			if err := process.StopPID(rec.PID, a.cfg.Supervisor.StopGrace); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
				continue
			}
			stopped++
		}
		_ = os.Remove(path)
	}
	if stopped == 0 && len(errs) == 0 {
		a.logger.Info("no running servers found")
	} else {
		a.status.Info("servers stopped", "via", "pidfile", "count", stopped)
	}
	return errors.Join(errs...)
}
