// Package forgevisor is the embedding API of the build and supervision
// engine. The CLI in cmd/forgevisor is a thin layer over the same App.
package forgevisor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/forgevisor/internal/app"
	"github.com/loykin/forgevisor/internal/config"
	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/metrics"
	"github.com/loykin/forgevisor/internal/monitor"
	"github.com/loykin/forgevisor/internal/process"
	"github.com/loykin/forgevisor/internal/server"
	"github.com/loykin/forgevisor/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type App = app.App

type Options = app.Options

type BuildOptions = app.BuildOptions

type StatusReport = app.StatusReport

type Spec = process.Spec

type ProcessStatus = supervisor.ProcessStatus

type RestartPolicy = supervisor.RestartPolicy

type SupervisorOptions = supervisor.Options

type Supervisor = supervisor.Supervisor

type MonitorConfig = monitor.Config

type Sample = monitor.Sample

type Monitor = monitor.Monitor

type Client = server.Client

type Router = server.Router

type Error = failure.Error

type Kind = failure.Kind

func LoadConfig(path string) (*Config, error) { return config.Load(path) }
func DefaultConfig() Config                  { return config.Default() }

// New builds an App for cfg. Close it when done.
func New(opts Options) (*App, error) { return app.New(opts) }

// NewSupervisor supervises caller supplied processes without the build
// pipeline or configuration file.
func NewSupervisor(opts SupervisorOptions) *Supervisor { return supervisor.New(opts) }

// NewMonitor samples the targets of sup with gopsutil. Feed its Samples to
// sup.Watch for hang, zombie and exhaustion handling.
func NewMonitor(cfg MonitorConfig, sup *Supervisor) *Monitor {
	return monitor.New(cfg, sup.Targets, nil, nil)
}

// NewRouter exposes the status API of sup (and the samples of mon, which
// may be nil) for mounting in any HTTP server or framework.
func NewRouter(sup *Supervisor, mon *Monitor, basePath string) *Router {
	if mon == nil {
		return server.NewRouter(sup, nil, basePath)
	}
	return server.NewRouter(sup, mon, basePath)
}

// NewClient talks to the status API of a running session, e.g. one started
// by "forgevisor run" with api.enabled.
func NewClient(addr, basePath string, timeout time.Duration) *Client {
	return server.NewClient(addr, basePath, timeout)
}

// ExitCode maps an error returned by the engine to the process exit code.
func ExitCode(err error) int { return failure.ExitCode(err) }

// KindOf returns the failure classification of err.
func KindOf(err error) Kind { return failure.KindOf(err) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr. It
// blocks like http.ListenAndServe.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
