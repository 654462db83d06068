package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "forgevisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stageAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "attempts_total",
			Help:      "Build stage attempts by outcome.",
		}, []string{"stage", "outcome"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Wall time of a single stage attempt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"stage"},
	)

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful launches, restarts included.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts by trigger.",
		}, []string{"name", "reason"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of operator stops (graceful or forced).",
		}, []string{"name"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of supervised processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	processCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a supervised process.",
		}, []string{"name"},
	)
	processRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "rss_bytes",
			Help:      "Last sampled resident memory of a supervised process.",
		}, []string{"name"},
	)

	hostCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "cpu_percent",
		Help:      "Last sampled host CPU usage.",
	})
	hostMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "memory_percent",
		Help:      "Last sampled host memory usage.",
	})
	hostExhausted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "resources_exhausted",
		Help:      "1 while a host resource ceiling is exceeded.",
	})
)

// States published through current_state.
var States = []string{"starting", "running", "waiting", "stopping", "stopped", "exited", "failed"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		stageAttempts, stageDuration,
		processStarts, processRestarts, processStops, currentStates, processCPU, processRSS,
		hostCPU, hostMemory, hostExhausted,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register succeeded.

func ObserveStageAttempt(stage, outcome string, seconds float64) {
	if regOK.Load() {
		stageAttempts.WithLabelValues(stage, outcome).Inc()
		stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

// SetState marks state as the only active state of name.
func SetState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func SetProcessUsage(name string, cpuPercent float64, rss uint64) {
	if regOK.Load() {
		processCPU.WithLabelValues(name).Set(cpuPercent)
		processRSS.WithLabelValues(name).Set(float64(rss))
	}
}

func SetHostUsage(cpuPercent, memPercent float64, exhausted bool) {
	if !regOK.Load() {
		return
	}
	hostCPU.Set(cpuPercent)
	hostMemory.Set(memPercent)
	if exhausted {
		hostExhausted.Set(1)
	} else {
		hostExhausted.Set(0)
	}
}
