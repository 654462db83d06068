package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/loykin/forgevisor/internal/checkpoint"
	"github.com/loykin/forgevisor/internal/detector"
	"github.com/loykin/forgevisor/internal/logrouter"
	"github.com/loykin/forgevisor/internal/monitor"
	"github.com/loykin/forgevisor/internal/pipeline"
	"github.com/loykin/forgevisor/internal/process"
	"github.com/loykin/forgevisor/internal/supervisor"
)

type PortStatus struct {
	Port      int  `json:"port"`
	Listening bool `json:"listening"`
}

type ServerStatus struct {
	Name       string        `json:"name"`
	State      string        `json:"state"`
	PID        int           `json:"pid,omitempty"`
	Uptime     time.Duration `json:"uptime,omitempty"`
	CPUPercent float64       `json:"cpu_percent"`
	RSS        uint64        `json:"rss_bytes"`
	Ports      []PortStatus  `json:"ports,omitempty"`
	Restarts   int           `json:"restarts"`
	Error      string        `json:"error,omitempty"`
}

type HostStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryTotal   uint64  `json:"memory_total"`
	DiskPercent   float64 `json:"disk_percent"`
}

// StatusReport is the answer of the status command.
type StatusReport struct {
	Source  string                   `json:"source"` // api or pidfile
	Time    time.Time                `json:"time"`
	Servers []ServerStatus           `json:"servers"`
	Host    HostStatus               `json:"host"`
	Stages  []pipeline.StageProgress `json:"stages,omitempty"`
	Issues  []string                 `json:"issues,omitempty"`
}

// Healthy reports whether no issue was found.
func (r StatusReport) Healthy() bool { return len(r.Issues) == 0 }

// Status collects the state of every configured server, the host and the
// build. Readings come from a running session's API when one answers and
// from pidfiles and direct sampling otherwise. The rendered report is
// appended to the status log.
func (a *App) Status(ctx context.Context) (StatusReport, error) {
	rep := StatusReport{Time: time.Now()}
	if c := a.client(ctx); c != nil {
		resp, err := c.Status(ctx)
		if err != nil {
			return rep, fmt.Errorf("status via api: %w", err)
		}
		rep.Source = "api"
		a.fromAPI(ctx, &rep, resp.Processes)
	} else {
		rep.Source = "pidfile"
		a.fromPIDFiles(ctx, &rep)
	}
	a.hostStatus(ctx, &rep)
	if progress, err := a.BuildProgress(); err == nil {
		rep.Stages = progress
	} else {
		rep.Issues = append(rep.Issues, "build progress unreadable: "+err.Error())
	}
	a.checkHealth(&rep)

	var b strings.Builder
	RenderStatus(&b, rep)
	for _, line := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
		lvl := logrouter.LevelInfo
		if strings.HasPrefix(line, "! ") {
			lvl = logrouter.LevelWarn
		}
		_ = a.router.Route(logrouter.Record{Category: logrouter.Status, Level: lvl, Payload: line})
	}
	return rep, nil
}

func (a *App) fromAPI(ctx context.Context, rep *StatusReport, sts []supervisor.ProcessStatus) {
	probe := monitor.NewProcessProbe()
	for _, st := range sts {
		s := ServerStatus{Name: st.Name, State: string(st.State), PID: st.PID, Restarts: st.Restarts, Error: st.Error}
		if st.Running {
			s.Uptime = time.Since(st.StartedAt).Truncate(time.Second)
			sampleUsage(ctx, probe, &s, st.StartedAt)
		}
		s.Ports = portStatus(st.Ports, st.Running)
		rep.Servers = append(rep.Servers, s)
	}
}

func (a *App) fromPIDFiles(ctx context.Context, rep *StatusReport) {
	probe := monitor.NewProcessProbe()
	for _, sc := range a.cfg.Servers {
		s := ServerStatus{Name: sc.Name, State: string(supervisor.StateStopped)}
		rec, err := detector.ReadPIDFile(a.pidPath(sc.Name))
		switch {
		case err != nil && !errors.Is(err, os.ErrNotExist):
			s.Error = err.Error()
		case err == nil && detector.Matches(rec):
			s.State = string(supervisor.StateRunning)
			s.PID = rec.PID
			started := time.Unix(rec.StartUnix, 0)
			if rec.StartUnix <= 0 {
				if fi, err := os.Stat(a.pidPath(sc.Name)); err == nil {
					started = fi.ModTime()
				}
			}
			s.Uptime = time.Since(started).Truncate(time.Second)
			sampleUsage(ctx, probe, &s, started)
		}
		s.Ports = portStatus(sc.Ports, s.State == string(supervisor.StateRunning))
		rep.Servers = append(rep.Servers, s)
	}
}

// sampleUsage fills CPU and memory from one probe reading. CPU is the
// average over the process lifetime.
func sampleUsage(ctx context.Context, probe monitor.ProcessProbe, s *ServerStatus, started time.Time) {
	u, err := probe.Process(ctx, s.PID)
	if err != nil {
		return
	}
	s.RSS = u.RSS
	if secs := time.Since(started).Seconds(); secs > 0 {
		s.CPUPercent = u.CPUTime / secs * 100
	}
	if u.Zombie {
		s.State = "zombie"
	}
}

func portStatus(ports []int, running bool) []PortStatus {
	out := make([]PortStatus, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortStatus{Port: p, Listening: running && process.PortListening(p)})
	}
	return out
}

func (a *App) hostStatus(ctx context.Context, rep *StatusReport) {
	if u, err := monitor.NewHostProbe().Host(ctx); err == nil {
		rep.Host.CPUPercent = u.CPUPercent
		rep.Host.MemoryPercent = u.MemoryPercent
		rep.Host.MemoryUsed = u.MemoryUsed
		rep.Host.MemoryTotal = u.MemoryTotal
	}
	if d, err := disk.UsageWithContext(ctx, existingDir(a.cfg.Paths.ReleaseDir)); err == nil {
		rep.Host.DiskPercent = d.UsedPercent
	}
}

func (a *App) checkHealth(rep *StatusReport) {
	mc := a.cfg.Monitor
	add := func(format string, args ...any) { rep.Issues = append(rep.Issues, fmt.Sprintf(format, args...)) }
	for _, s := range rep.Servers {
		switch s.State {
		case string(supervisor.StateRunning):
		case string(supervisor.StateFailed):
			add("%s failed: %s", s.Name, s.Error)
			continue
		default:
			add("%s is %s", s.Name, s.State)
			continue
		}
		if mc.ProcessCPUWarnPercent > 0 && s.CPUPercent > mc.ProcessCPUWarnPercent {
			add("%s CPU %.1f%% above %.0f%%", s.Name, s.CPUPercent, mc.ProcessCPUWarnPercent)
		}
		if mb := float64(s.RSS) / (1 << 20); mc.ProcessMemoryWarnMB > 0 && mb > mc.ProcessMemoryWarnMB {
			add("%s memory %.0f MB above %.0f MB", s.Name, mb, mc.ProcessMemoryWarnMB)
		}
		for _, p := range s.Ports {
			if !p.Listening {
				add("%s port %d not listening", s.Name, p.Port)
			}
		}
	}
	if w := mc.HostWarnPercent; w > 0 {
		if rep.Host.CPUPercent > w {
			add("host CPU %.1f%% above %.0f%%", rep.Host.CPUPercent, w)
		}
		if rep.Host.MemoryPercent > w {
			add("host memory %.1f%% above %.0f%%", rep.Host.MemoryPercent, w)
		}
	}
	if w := mc.DiskWarnPercent; w > 0 && rep.Host.DiskPercent > w {
		add("disk usage %.1f%% above %.0f%%", rep.Host.DiskPercent, w)
	}
}

// RenderStatus writes rep as a human readable table. Issue lines start
// with "! ".
func RenderStatus(w io.Writer, rep StatusReport) {
	fmt.Fprintf(w, "%-20s %-9s %8s %10s %7s %9s %8s  %s\n", "SERVER", "STATE", "PID", "UPTIME", "CPU%", "MEM(MB)", "RESTARTS", "PORTS")
	for _, s := range rep.Servers {
		pid, uptime := "-", "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
			uptime = s.Uptime.String()
		}
		ports := make([]string, 0, len(s.Ports))
		for _, p := range s.Ports {
			mark := "down"
			if p.Listening {
				mark = "up"
			}
			ports = append(ports, fmt.Sprintf("%d/%s", p.Port, mark))
		}
		fmt.Fprintf(w, "%-20s %-9s %8s %10s %7.1f %9.1f %8d  %s\n",
			s.Name, s.State, pid, uptime, s.CPUPercent, float64(s.RSS)/(1<<20), s.Restarts, strings.Join(ports, ","))
	}
	fmt.Fprintf(w, "host: cpu %.1f%%, memory %.1f%% (%.1f/%.1f GB), disk %.1f%%\n",
		rep.Host.CPUPercent, rep.Host.MemoryPercent,
		float64(rep.Host.MemoryUsed)/(1<<30), float64(rep.Host.MemoryTotal)/(1<<30), rep.Host.DiskPercent)
	if len(rep.Stages) > 0 {
		done := 0
		for _, st := range rep.Stages {
			if st.Status == checkpoint.Succeeded {
				done++
			}
		}
		fmt.Fprintf(w, "build: %d/%d stages succeeded\n", done, len(rep.Stages))
	}
	for _, issue := range rep.Issues {
		fmt.Fprintf(w, "! %s\n", issue)
	}
	if rep.Healthy() {
		fmt.Fprintln(w, "all servers healthy")
	}
}

func existingDir(p string) string {
	for p != "" {
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return "/"
}
