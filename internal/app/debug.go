package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/logrouter"
	"github.com/loykin/forgevisor/internal/process"
)

// DebugRun starts one server in the foreground with its output mirrored
// to stdout and the run log. It is not supervised: nothing restarts it.
// It returns when the process exits or after stopping it when ctx is done.
func (a *App) DebugRun(ctx context.Context, name string) error {
	sc, ok := a.cfg.Server(name)
	if !ok {
		return fmt.Errorf("unknown server %q", name)
	}
	for _, n := range a.livePIDFiles() {
		if n == name {
			return fmt.Errorf("server %s is already running; stop it first with forgevisor stop --name %s", name, name)
		}
	}
	spec := a.spec(sc)
	defer func() { _ = removeQuiet(spec.PIDFile) }()

	p, err := process.Launch(ctx, spec, mirror(a.stdout, a.router.Writer(logrouter.Run, name, a.runTagger)))
	if err != nil {
		if interrupted(ctx, err) {
			return nil
		}
		return err
	}
	a.logger.Info("debug run started", "name", name, "pid", p.PID())
	select {
	case <-p.Done():
		if err := p.ExitErr(); err != nil {
			return failure.New(failure.LaunchFailure, name, fmt.Errorf("exited: %w", err)).WithLog(a.router.Path(logrouter.Run))
		}
		a.logger.Info("debug run exited", "name", name)
		return nil
	case <-ctx.Done():
		a.logger.Info("stopping debug run", "name", name)
		if err := p.Stop(a.cfg.Supervisor.StopGrace); err != nil {
			return err
		}
		return nil
	}
}

// mirror copies each line to w before handing it to next.
func mirror(w io.Writer, next func(string)) process.LineSink {
	var mu sync.Mutex
	return func(line string) {
		mu.Lock()
		_, _ = io.WriteString(w, line+"\n")
		mu.Unlock()
		next(line)
	}
}
