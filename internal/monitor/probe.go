package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/forgevisor/internal/process"
)

type HostUsage struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsed    uint64
	MemoryTotal   uint64
}

type HostProbe interface {
	Host(ctx context.Context) (HostUsage, error)
}

// ProcUsage is one reading of a process. CPUTime is cumulative user+system
// seconds; the monitor derives percentages from successive readings.
type ProcUsage struct {
	CPUTime float64
	RSS     uint64
	Zombie  bool
}

// ProcessProbe reads one pid. An error means the pid could not be read,
// usually because it is gone.
type ProcessProbe interface {
	Process(ctx context.Context, pid int) (ProcUsage, error)
}

type gopsHost struct{}

// NewHostProbe returns the gopsutil backed host probe.
func NewHostProbe() HostProbe { return gopsHost{} }

func (gopsHost) Host(ctx context.Context) (HostUsage, error) {
	var u HostUsage
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("memory: %w", err)
	}
	u.MemoryPercent, u.MemoryUsed, u.MemoryTotal = vm.UsedPercent, vm.Used, vm.Total
	// interval 0 compares against the previous call
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, fmt.Errorf("cpu: %w", err)
	}
	if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	return u, nil
}

type gopsProcess struct{}

// NewProcessProbe returns the gopsutil backed process probe.
func NewProcessProbe() ProcessProbe { return gopsProcess{} }

func (gopsProcess) Process(ctx context.Context, pid int) (ProcUsage, error) {
	var u ProcUsage
	if pid <= 0 {
		return u, fmt.Errorf("invalid pid %d", pid)
	}
	if process.IsZombie(pid) {
		u.Zombie = true
		return u, nil
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return u, err
	}
	times, err := p.TimesWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("cpu times: %w", err)
	}
	u.CPUTime = times.User + times.System
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("memory info: %w", err)
	}
	u.RSS = mi.RSS
	return u, nil
}
