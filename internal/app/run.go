package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/forgevisor/internal/detector"
	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/logrouter"
	"github.com/loykin/forgevisor/internal/monitor"
	"github.com/loykin/forgevisor/internal/process"
	"github.com/loykin/forgevisor/internal/server"
	"github.com/loykin/forgevisor/internal/supervisor"
)

// settleCheck is how often Run looks for a session with nothing left to
// supervise.
const settleCheck = time.Second

// Run starts every configured server in order and supervises them until
// ctx is cancelled or no process is left under supervision. On return
// every server has been stopped. When all servers ended up failed the
// joined RestartBudgetExceeded errors are returned.
func (a *App) Run(ctx context.Context) error {
	if len(a.cfg.Servers) == 0 {
		return errors.New("no servers configured")
	}
	if running := a.livePIDFiles(); len(running) > 0 {
		return fmt.Errorf("servers already running: %s; stop them first with forgevisor stop", strings.Join(running, ", "))
	}
	if err := os.MkdirAll(a.cfg.Paths.RunDir, 0o750); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	defer a.removeRunFiles()

	sc := a.cfg.Supervisor
	sup := supervisor.New(supervisor.Options{
		Policy:       supervisor.RestartPolicy{Limit: sc.RestartLimit, Window: sc.RestartWindow},
		RestartDelay: sc.RestartDelay,
		StartGap:     sc.StartGap,
		StopGrace:    sc.StopGrace,
		Output:       a.serverOutput,
		History:      a.history,
		Logger:       a.logger,
	})
	mon := a.newMonitor(sup.Targets)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sup.Start(runCtx, a.specs()); err != nil {
		if interrupted(ctx, err) {
			a.status.Info("startup interrupted, servers stopped")
			return nil
		}
		return err
	}
	a.status.Info("servers started", "servers", strings.Join(sup.Names(), ", "))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mon.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		sup.Watch(runCtx, mon.Samples())
	}()

	api := a.startAPI(sup, mon)

	err := a.supervise(runCtx, sup)

	stopErr := sup.StopAll()
	cancel()
	sup.Wait()
	wg.Wait()
	if api != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := api.Shutdown(sctx); serr != nil {
			a.logger.Warn("status api shutdown", "error", serr)
		}
		scancel()
	}
	if stopErr != nil {
		a.logger.Error("stopping servers", "error", stopErr)
	}
	a.status.Info("all servers stopped")
	return err
}

func (a *App) newMonitor(targets func() []monitor.Target) *monitor.Monitor {
	mc := a.cfg.Monitor
	size := 0
	if mc.ProcessMetricsEnabled {
		size = mc.ProcessMetricsRetention
	}
	return monitor.New(monitor.Config{
		Interval:             mc.Interval,
		LivenessTimeout:      mc.LivenessTimeout,
		MaxHostMemoryPercent: mc.MaxHostMemoryPercent,
		MaxHostCPUPercent:    mc.MaxHostCPUPercent,
		HistorySize:          size,
		Logger:               a.logger,
	}, targets, nil, nil)
}

func (a *App) serverOutput(name string) process.LineSink {
	return process.LineSink(a.router.Writer(logrouter.Run, name, a.runTagger))
}

func (a *App) startAPI(sup *supervisor.Supervisor, mon *monitor.Monitor) *server.Server {
	if !a.cfg.API.Enabled {
		return nil
	}
	api, err := server.Start(a.cfg.API.Listen, server.NewRouter(sup, mon, a.cfg.API.BasePath))
	if err != nil {
		a.logger.Warn("status api unavailable", "error", err)
		return nil
	}
	p := filepath.Join(a.cfg.Paths.RunDir, apiAddrFile)
	if err := os.WriteFile(p, []byte(api.Addr()+"\n"), 0o600); err != nil {
		a.logger.Warn("write api address", "path", p, "error", err)
	}
	a.logger.Info("status api listening", "addr", api.Addr())
	return api
}

// interrupted reports whether err is the abort of a launch caused by the
// caller cancelling ctx. Cancellation ends a session normally, so Run and
// DebugRun return nil for it whether it lands during startup or later.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && failure.Is(err, failure.UserAbort)
}

// supervise reports lifecycle events until ctx is done or every process
// has come to rest in the stopped or failed state.
func (a *App) supervise(ctx context.Context, sup *supervisor.Supervisor) error {
	t := time.NewTicker(settleCheck)
	defer t.Stop()
	failed := make(map[string]error)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sup.Events():
			a.logEvent(ev)
			if ev.Type == supervisor.EventFailed && ev.Err != nil {
				failed[ev.Name] = ev.Err
			}
		case <-t.C:
			if !settled(sup.Status()) {
				continue
			}
			var errs []error
			for _, n := range sup.Names() {
				if err, ok := failed[n]; ok {
					errs = append(errs, err)
				}
			}
			a.status.Info("no servers left to supervise")
			return errors.Join(errs...)
		}
	}
}

func settled(sts []supervisor.ProcessStatus) bool {
	for _, st := range sts {
		if st.State != supervisor.StateStopped && st.State != supervisor.StateFailed {
			return false
		}
	}
	return true
}

func (a *App) logEvent(ev supervisor.Event) {
	switch ev.Type {
	case supervisor.EventRestarted:
		a.status.Warn("server restarted", "name", ev.Name, "pid", ev.PID, "reason", ev.Reason)
	case supervisor.EventFailed:
		a.status.Error("server failed", "name", ev.Name, "error", ev.Err)
	case supervisor.EventExhausted:
		a.status.Error("host resources exhausted", "error", ev.Err)
	case supervisor.EventCleared:
		a.status.Info("host resources recovered")
	case supervisor.EventExited:
		a.status.Warn("server exited", "name", ev.Name, "pid", ev.PID, "error", ev.Err)
	}
}

// livePIDFiles lists servers whose pidfile still names a live process.
func (a *App) livePIDFiles() []string {
	var out []string
	for _, s := range a.cfg.Servers {
		if ok, _ := (detector.PIDFileDetector{PIDFile: a.pidPath(s.Name)}).Alive(); ok {
			out = append(out, s.Name)
		}
	}
	return out
}

func (a *App) removeRunFiles() {
	for _, s := range a.cfg.Servers {
		_ = os.Remove(a.pidPath(s.Name))
	}
	_ = os.Remove(filepath.Join(a.cfg.Paths.RunDir, apiAddrFile))
}

func removeQuiet(p string) error {
	if p == "" {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
