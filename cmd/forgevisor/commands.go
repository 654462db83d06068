package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/loykin/forgevisor/internal/app"
	"github.com/loykin/forgevisor/internal/config"
	"github.com/loykin/forgevisor/internal/envcheck"
	"github.com/loykin/forgevisor/internal/failure"
)

type command struct {
	global *GlobalFlags
}

// withApp loads the configuration, builds the App for one command and
// closes it afterwards.
func (c command) withApp(stdout io.Writer, fn func(a *app.App) error) error {
	path := c.global.ConfigPath
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadOrDefault(config.DefaultFile)
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return err
	}
	if c.global.LogLevel != "" {
		cfg.Log.Level = c.global.LogLevel
	}
	a, err := app.New(app.Options{Config: cfg, Stdout: stdout, Color: !c.global.NoColor && isTerminal(os.Stderr)})
	if err != nil {
		return err
	}
	err = fn(a)
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c command) Download(ctx context.Context, out io.Writer) error {
	return c.withApp(out, func(a *app.App) error {
		if err := a.Download(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "source ready in %s\n", a.Config().Paths.SourceDir)
		return nil
	})
}

func (c command) Build(ctx context.Context, in io.Reader, out io.Writer, f BuildFlags) error {
	return c.withApp(out, func(a *app.App) error {
		rep, err := a.Build(ctx, app.BuildOptions{Reset: f.Reset, ResetAll: f.ResetAll})
		if failure.Is(err, failure.CorruptCheckpoint) {
			if !interactive(in) {
				return fmt.Errorf("%w; run forgevisor build --reset-all to discard it", err)
			}
			msg := fmt.Sprintf("Build progress cannot be read (%v).\nDiscarding it rebuilds every stage.", err)
			if !confirm(in, out, msg) {
				return failure.New(failure.UserAbort, "build", errors.New("unreadable checkpoint kept"))
			}
			rep, err = a.Build(ctx, app.BuildOptions{ResetAll: true})
		}
		for _, s := range rep.Stages {
			if s.Skipped {
				_, _ = fmt.Fprintf(out, "%-24s skipped (already built)\n", s.Name)
				continue
			}
			_, _ = fmt.Fprintf(out, "%-24s %s after %d attempt(s) in %s\n", s.Name, s.Outcome, s.Attempts, s.Duration.Round(time.Millisecond))
		}
		return err
	})
}

func (c command) Run(ctx context.Context) error {
	return c.withApp(nil, func(a *app.App) error { return a.Run(ctx) })
}

func (c command) Stop(ctx context.Context, out io.Writer, f StopFlags) error {
	return c.withApp(out, func(a *app.App) error {
		if err := a.Stop(ctx, f.Names...); err != nil {
			return err
		}
		what := "all servers"
		if len(f.Names) > 0 {
			what = strings.Join(f.Names, ", ")
		}
		_, _ = fmt.Fprintf(out, "stopped %s\n", what)
		return nil
	})
}

func (c command) Status(ctx context.Context, out io.Writer, f StatusFlags) error {
	return c.withApp(out, func(a *app.App) error {
		rep, err := a.Status(ctx)
		if err != nil {
			return err
		}
		if f.JSON {
			return printJSON(out, rep)
		}
		app.RenderStatus(out, rep)
		return nil
	})
}

func (c command) Uninstall(ctx context.Context, in io.Reader, out io.Writer, f UninstallFlags) error {
	return c.withApp(out, func(a *app.App) error {
		if !f.Yes {
			p := a.Config().Paths
			msg := fmt.Sprintf("This stops all servers and removes %s, %s, build outputs and logs in %s.", p.ReleaseDir, p.RunDir, a.Locate())
			if !confirm(in, out, msg) {
				return failure.New(failure.UserAbort, "uninstall", errors.New("cancelled by operator"))
			}
		}
		removed, err := a.Uninstall(ctx)
		for _, r := range removed {
			_, _ = fmt.Fprintf(out, "removed %s\n", r)
		}
		return err
	})
}

func (c command) DebugRun(ctx context.Context, out io.Writer, f DebugRunFlags) error {
	return c.withApp(out, func(a *app.App) error { return a.DebugRun(ctx, f.Name) })
}

func (c command) Check(ctx context.Context, out io.Writer, f CheckFlags) error {
	return c.withApp(out, func(a *app.App) error {
		rep := a.EnvCheck(ctx)
		if f.JSON {
			if err := printJSON(out, rep); err != nil {
				return err
			}
		} else {
			envcheck.Render(out, rep)
		}
		if !rep.OK() {
			return errors.New("environment check failed")
		}
		return nil
	})
}

func (c command) Logs(out io.Writer) error {
	return c.withApp(out, func(a *app.App) error {
		_, err := fmt.Fprintln(out, a.Locate())
		return err
	})
}
