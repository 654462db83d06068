// Package app implements the operator commands on top of the build and
// supervision engine. Each exported method backs one CLI command.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/forgevisor/internal/classify"
	"github.com/loykin/forgevisor/internal/config"
	"github.com/loykin/forgevisor/internal/env"
	"github.com/loykin/forgevisor/internal/history"
	"github.com/loykin/forgevisor/internal/history/factory"
	"github.com/loykin/forgevisor/internal/logger"
	"github.com/loykin/forgevisor/internal/logrouter"
	"github.com/loykin/forgevisor/internal/metrics"
	"github.com/loykin/forgevisor/internal/process"
	"github.com/loykin/forgevisor/internal/stage"
)

const apiAddrFile = "api.addr"

type Options struct {
	Config  *config.Config
	Console io.Writer // tool log output, stderr when nil
	Stdout  io.Writer // debug-run mirror, stdout when nil
	Color   bool
	// Registerer receives the Prometheus collectors; the default registry
	// when nil.
	Registerer prometheus.Registerer
}

// App holds what every command shares: configuration, log router, tool
// logger, history recorder and the compiled classifiers.
type App struct {
	cfg     *config.Config
	stdout  io.Writer
	router  *logrouter.Router
	logger  *slog.Logger
	status  *slog.Logger
	history *history.Recorder
	env     *env.Env
	build   *classify.Classifier
	run     *classify.Classifier
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	buildCls, err := classify.FromConfig(cfg.Classify.Rules, "")
	if err != nil {
		return nil, fmt.Errorf("classify.rules: %w", err)
	}
	runCls, err := classify.FromConfig(cfg.Classify.RunRules, cfg.Classify.RunDefault)
	if err != nil {
		return nil, fmt.Errorf("classify.run_rules: %w", err)
	}
	environ, err := env.FromConfig(cfg.UseOSEnv, cfg.EnvFiles, cfg.Env)
	if err != nil {
		return nil, err
	}
	router, err := logrouter.New(routerConfig(cfg.Log))
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Console: opts.Console, Color: opts.Color, Router: router})

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(reg); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	rec := history.NewRecorder(cfg.History.Timeout, log)
	if cfg.History.Enabled && cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			log.Warn("history disabled", "dsn", cfg.History.DSN, "error", err)
		} else {
			rec.Add(sink)
		}
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	return &App{
		cfg:     cfg,
		stdout:  stdout,
		router:  router,
		logger:  log,
		status:  log.With(logger.CategoryKey, string(logrouter.Status)),
		history: rec,
		env:     environ,
		build:   buildCls,
		run:     runCls,
	}, nil
}

func routerConfig(c config.LogConfig) logrouter.Config {
	files := make(map[logrouter.Category]string, len(c.Files))
	for k, v := range c.Files {
		files[logrouter.Category(k)] = v
	}
	return logrouter.Config{
		Dir:        c.Dir,
		Files:      files,
		Combined:   c.Combined,
		PerSource:  c.PerSource,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Logger() *slog.Logger   { return a.logger }

// Locate returns the absolute log directory.
func (a *App) Locate() string { return a.router.Locate() }

// Close flushes history and log files. The App must not be used afterwards.
func (a *App) Close() error {
	return errors.Join(a.history.Close(), a.router.Close())
}

func (a *App) environ(perCmd []string) []string { return a.env.Merge(perCmd) }

func (a *App) pidPath(name string) string {
	return filepath.Join(a.cfg.Paths.RunDir, name+".pid")
}

func (a *App) stages() []stage.Stage {
	out := make([]stage.Stage, 0, len(a.cfg.Stages))
	for _, s := range a.cfg.Stages {
		out = append(out, stage.Stage{
			Name:         s.Name,
			Ordinal:      s.Ordinal,
			Command:      s.Command,
			WorkDir:      s.WorkDir,
			Env:          a.environ(s.Env),
			Artifact:     s.Artifact,
			Dependencies: s.Dependencies,
		})
	}
	return out
}

func (a *App) spec(s config.ServerConfig) process.Spec {
	return process.Spec{
		Name:          s.Name,
		Command:       s.Binary,
		Args:          s.Args,
		WorkDir:       s.WorkDir,
		Env:           a.environ(s.Env),
		Ports:         s.Ports,
		PIDFile:       a.pidPath(s.Name),
		StartDuration: s.StartDuration,
		StopGrace:     a.cfg.Supervisor.StopGrace,
		Heartbeat:     process.Heartbeat(s.Heartbeat),
	}
}

func (a *App) specs() []process.Spec {
	out := make([]process.Spec, 0, len(a.cfg.Servers))
	for _, s := range a.cfg.Servers {
		out = append(out, a.spec(s))
	}
	return out
}

func (a *App) runner(c logrouter.Category) *stage.Runner {
	return &stage.Runner{
		Classifier: a.build,
		Router:     a.router,
		Category:   c,
		ReleaseDir: a.cfg.Paths.ReleaseDir,
		KillGrace:  a.cfg.Build.KillGrace,
		Logger:     a.logger,
	}
}

// runTagger classifies server output lines for the run log.
func (a *App) runTagger(line string) (logrouter.Level, bool) {
	return stage.Level(a.run.Classify(line).Class)
}
