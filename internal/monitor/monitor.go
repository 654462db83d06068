package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/metrics"
	"github.com/loykin/forgevisor/internal/process"
)

// Target is a process the monitor should look at.
type Target struct {
	Name       string
	PID        int
	Heartbeat  process.Heartbeat
	StartedAt  time.Time
	LastOutput time.Time
}

type ProcessSample struct {
	Name          string    `json:"name"`
	PID           int       `json:"pid"`
	CPUPercent    float64   `json:"cpu_percent"`
	RSS           uint64    `json:"rss"`
	Alive         bool      `json:"alive"`
	Zombie        bool      `json:"zombie"`
	Unresponsive  bool      `json:"unresponsive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Time          time.Time `json:"time"`
}

// Sample is one pass over the host and all targets. It is not persisted.
type Sample struct {
	Time              time.Time       `json:"time"`
	HostCPUPercent    float64         `json:"host_cpu_percent"`
	HostMemoryPercent float64         `json:"host_memory_percent"`
	HostMemoryUsed    uint64          `json:"host_memory_used"`
	HostMemoryTotal   uint64          `json:"host_memory_total"`
	Processes         []ProcessSample `json:"processes"`
	Exhausted         *failure.Error  `json:"-"` // kind ResourceExhausted while over a host ceiling
}

// Process returns the sample for name.
func (s Sample) Process(name string) (ProcessSample, bool) {
	for _, p := range s.Processes {
		if p.Name == name {
			return p, true
		}
	}
	return ProcessSample{}, false
}

type Config struct {
	Interval             time.Duration
	LivenessTimeout      time.Duration
	MaxHostMemoryPercent float64 // 0 disables
	MaxHostCPUPercent    float64 // 0 disables
	HistorySize          int     // per-process samples kept; 0 disables
	Logger               *slog.Logger
}

type cpuMark struct {
	pid      int
	cpuTime  float64
	at       time.Time // when cpuTime was read
	advanced time.Time // last time cpuTime grew
}

// Monitor samples host and process resources on a fixed interval and
// publishes the newest sample without ever blocking on readers.
type Monitor struct {
	cfg     Config
	targets func() []Target
	host    HostProbe
	proc    ProcessProbe
	logger  *slog.Logger
	now     func() time.Time

	out chan Sample

	mu      sync.Mutex
	marks   map[string]cpuMark
	latest  Sample
	sampled bool
	history map[string]*ring
}

// New creates a monitor. Nil probes default to gopsutil.
func New(cfg Config, targets func() []Target, host HostProbe, proc ProcessProbe) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if host == nil {
		host = NewHostProbe()
	}
	if proc == nil {
		proc = NewProcessProbe()
	}
	if targets == nil {
		targets = func() []Target { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		targets: targets,
		host:    host,
		proc:    proc,
		logger:  logger,
		now:     time.Now,
		out:     make(chan Sample, 1),
		marks:   make(map[string]cpuMark),
		history: make(map[string]*ring),
	}
}

// Samples delivers the newest sample; an unread sample is replaced.
func (m *Monitor) Samples() <-chan Sample { return m.out }

// Latest returns the most recent sample, if any.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.sampled
}

// History returns the retained samples of one process, oldest first.
func (m *Monitor) History(name string) []ProcessSample {
	m.mu.Lock()
	r := m.history[name]
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.list()
}

// Run samples every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		m.publish(m.Sample(ctx))
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Monitor) publish(s Sample) {
	select {
	case m.out <- s:
		return
	default:
	}
	select {
	case <-m.out:
	default:
	}
	select {
	case m.out <- s:
	default:
	}
}

// Sample takes one reading of the host and every target.
func (m *Monitor) Sample(ctx context.Context) Sample {
	now := m.now()
	s := Sample{Time: now}
	if hu, err := m.host.Host(ctx); err != nil {
		m.logger.Debug("host probe failed", "error", err)
	} else {
		s.HostCPUPercent, s.HostMemoryPercent = hu.CPUPercent, hu.MemoryPercent
		s.HostMemoryUsed, s.HostMemoryTotal = hu.MemoryUsed, hu.MemoryTotal
	}
	s.Exhausted = m.exhausted(s)

	targets := m.targets()
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		seen[t.Name] = true
		s.Processes = append(s.Processes, m.sampleTarget(ctx, t, now))
	}

	m.mu.Lock()
	for name := range m.marks {
		if !seen[name] {
			delete(m.marks, name)
		}
	}
	m.latest, m.sampled = s, true
	if m.cfg.HistorySize > 0 {
		for _, p := range s.Processes {
			r := m.history[p.Name]
			if r == nil {
				r = newRing(m.cfg.HistorySize)
				m.history[p.Name] = r
			}
			r.add(p)
		}
	}
	m.mu.Unlock()

	metrics.SetHostUsage(s.HostCPUPercent, s.HostMemoryPercent, s.Exhausted != nil)
	for _, p := range s.Processes {
		metrics.SetProcessUsage(p.Name, p.CPUPercent, p.RSS)
	}
	return s
}

func (m *Monitor) exhausted(s Sample) *failure.Error {
	var err error
	switch {
	case m.cfg.MaxHostMemoryPercent > 0 && s.HostMemoryPercent > m.cfg.MaxHostMemoryPercent:
		err = fmt.Errorf("host memory %.1f%% above ceiling %.1f%%", s.HostMemoryPercent, m.cfg.MaxHostMemoryPercent)
	case m.cfg.MaxHostCPUPercent > 0 && s.HostCPUPercent > m.cfg.MaxHostCPUPercent:
		err = fmt.Errorf("host cpu %.1f%% above ceiling %.1f%%", s.HostCPUPercent, m.cfg.MaxHostCPUPercent)
	default:
		return nil
	}
	return failure.New(failure.ResourceExhausted, "host", err)
}

func (m *Monitor) sampleTarget(ctx context.Context, t Target, now time.Time) ProcessSample {
	ps := ProcessSample{Name: t.Name, PID: t.PID, Time: now}
	u, err := m.proc.Process(ctx, t.PID)
	if err != nil {
		m.logger.Debug("process probe failed", "name", t.Name, "pid", t.PID, "error", err)
		m.mu.Lock()
		delete(m.marks, t.Name)
		m.mu.Unlock()
		return ps
	}
	ps.Zombie = u.Zombie
	ps.Alive = !u.Zombie
	ps.RSS = u.RSS

	m.mu.Lock()
	mark, ok := m.marks[t.Name]
	if !ok || mark.pid != t.PID {
		since := t.StartedAt
		if since.IsZero() {
			since = now
		}
		mark = cpuMark{pid: t.PID, cpuTime: u.CPUTime, at: now, advanced: since}
	} else {
		if wall := now.Sub(mark.at).Seconds(); wall > 0 && u.CPUTime >= mark.cpuTime {
			ps.CPUPercent = (u.CPUTime - mark.cpuTime) / wall * 100
		}
		if u.CPUTime > mark.cpuTime {
			mark.advanced = now
		}
		mark.cpuTime, mark.at = u.CPUTime, now
	}
	if !u.Zombie {
		m.marks[t.Name] = mark
	}
	m.mu.Unlock()

	switch t.Heartbeat {
	case process.HeartbeatNone:
		ps.LastHeartbeat = now
	case process.HeartbeatCPU:
		ps.LastHeartbeat = mark.advanced
	default:
		ps.LastHeartbeat = t.LastOutput
		if t.StartedAt.After(ps.LastHeartbeat) {
			ps.LastHeartbeat = t.StartedAt
		}
	}
	if ps.Alive && t.Heartbeat != process.HeartbeatNone && m.cfg.LivenessTimeout > 0 &&
		!ps.LastHeartbeat.IsZero() && now.Sub(ps.LastHeartbeat) > m.cfg.LivenessTimeout {
		ps.Unresponsive = true
	}
	return ps
}
