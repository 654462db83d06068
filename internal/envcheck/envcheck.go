package envcheck

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/loykin/forgevisor/internal/config"
)

type Status string

const (
	Pass Status = "pass"
	Warn Status = "warn"
	Fail Status = "fail"
)

// Check is the result of one environment check.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Detail     string `json:"detail"`
	Suggestion string `json:"suggestion,omitempty"`
}

type Report struct {
	Checks []Check `json:"checks"`
}

// OK reports whether no check failed. Warnings do not count.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if c.Status == Fail {
			return false
		}
	}
	return true
}

const gib = 1 << 30

// Checker runs the environment checks. The probe fields default to the
// real host and may be replaced in tests.
type Checker struct {
	cfg *config.Config

	Version  func(ctx context.Context, tool string) (string, error)
	CPUs     func(ctx context.Context) (int, error)
	Memory   func(ctx context.Context) (uint64, error)
	DiskFree func(ctx context.Context, path string) (uint64, error)
	PingDB   func(ctx context.Context, dsn string) error
}

func New(cfg *config.Config) *Checker {
	return &Checker{
		cfg:      cfg,
		Version:  toolVersion,
		CPUs:     func(ctx context.Context) (int, error) { return cpu.CountsWithContext(ctx, true) },
		Memory:   memoryTotal,
		DiskFree: diskFree,
		PingDB:   pingPostgres,
	}
}

// Run executes every check in a fixed order.
func (c *Checker) Run(ctx context.Context) Report {
	var r Report
	for _, tool := range c.cfg.Check.Tools {
		r.Checks = append(r.Checks, c.checkTool(ctx, tool))
	}
	r.Checks = append(r.Checks,
		c.checkCPUs(ctx),
		c.checkMemory(ctx),
		c.checkDisk(ctx),
		c.checkManifest(),
	)
	r.Checks = append(r.Checks, c.checkArtifacts()...)
	if c.cfg.Database.DSN != "" {
		r.Checks = append(r.Checks, c.checkDatabase(ctx))
	}
	return r
}

func (c *Checker) checkTool(ctx context.Context, tool string) Check {
	name := "tool " + tool
	v, err := c.Version(ctx, tool)
	if err != nil {
		return Check{Name: name, Status: Fail, Detail: err.Error(), Suggestion: fmt.Sprintf("install %s and make sure it is on PATH", tool)}
	}
	return Check{Name: name, Status: Pass, Detail: v}
}

func (c *Checker) checkCPUs(ctx context.Context) Check {
	n, err := c.CPUs(ctx)
	if err != nil {
		return Check{Name: "cpu", Status: Warn, Detail: "cannot count CPUs: " + err.Error()}
	}
	want := c.cfg.Check.MinCPUs
	ch := Check{Name: "cpu", Status: Pass, Detail: fmt.Sprintf("%d logical CPUs (minimum %d)", n, want)}
	if n < want {
		ch.Status = Fail
		ch.Suggestion = "builds will be slow or fail; use a host with more CPUs"
	}
	return ch
}

func (c *Checker) checkMemory(ctx context.Context) Check {
	total, err := c.Memory(ctx)
	if err != nil {
		return Check{Name: "memory", Status: Warn, Detail: "cannot read memory: " + err.Error()}
	}
	want := c.cfg.Check.MinMemoryGB
	got := float64(total) / gib
	ch := Check{Name: "memory", Status: Pass, Detail: fmt.Sprintf("%.1f GB total (minimum %.1f GB)", got, want)}
	if got < want {
		ch.Status = Fail
		ch.Suggestion = "add memory or swap before building"
	}
	return ch
}

func (c *Checker) checkDisk(ctx context.Context) Check {
	path := existingParent(c.cfg.Paths.SourceDir)
	free, err := c.DiskFree(ctx, path)
	if err != nil {
		return Check{Name: "disk", Status: Warn, Detail: "cannot read disk usage: " + err.Error()}
	}
	want := c.cfg.Check.MinDiskGB
	got := float64(free) / gib
	ch := Check{Name: "disk", Status: Pass, Detail: fmt.Sprintf("%.1f GB free at %s (minimum %.1f GB)", got, path, want)}
	if got < want {
		ch.Status = Fail
		ch.Suggestion = "free disk space; build outputs can be removed with forgevisor uninstall"
	}
	return ch
}

func (c *Checker) checkManifest() Check {
	p := filepath.Join(c.cfg.Paths.SourceDir, c.cfg.Source.Manifest)
	if _, err := os.Stat(p); err != nil {
		return Check{Name: "source", Status: Fail, Detail: p + " not found", Suggestion: "run forgevisor download"}
	}
	return Check{Name: "source", Status: Pass, Detail: p}
}

func (c *Checker) checkArtifacts() []Check {
	var out []Check
	for _, s := range c.cfg.Servers {
		name := "binary " + s.Name
		fi, err := os.Stat(s.Binary)
		switch {
		case err != nil:
			out = append(out, Check{Name: name, Status: Fail, Detail: s.Binary + " not found", Suggestion: "run forgevisor build"})
		case fi.IsDir() || fi.Mode().Perm()&0o111 == 0:
			out = append(out, Check{Name: name, Status: Fail, Detail: s.Binary + " is not executable", Suggestion: "rebuild with forgevisor build --reset " + s.Name})
		default:
			out = append(out, Check{Name: name, Status: Pass, Detail: s.Binary})
		}
	}
	return out
}

func (c *Checker) checkDatabase(ctx context.Context) Check {
	timeout := c.cfg.Database.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.PingDB(cctx, c.cfg.Database.DSN); err != nil {
		st := Warn
		if c.cfg.Database.Required {
			st = Fail
		}
		return Check{Name: "database", Status: st, Detail: err.Error(), Suggestion: "start PostgreSQL and check database.dsn"}
	}
	return Check{Name: "database", Status: Pass, Detail: "reachable"}
}

// Render writes the report in a human readable form.
func Render(w io.Writer, r Report) {
	for _, c := range r.Checks {
		fmt.Fprintf(w, "[%s] %-20s %s\n", strings.ToUpper(string(c.Status)), c.Name, c.Detail)
		if c.Suggestion != "" && c.Status != Pass {
			fmt.Fprintf(w, "       -> %s\n", c.Suggestion)
		}
	}
	if r.OK() {
		fmt.Fprintln(w, "environment OK")
	} else {
		fmt.Fprintln(w, "environment check failed")
	}
}

func toolVersion(ctx context.Context, tool string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// #nosec G204
	out, err := exec.CommandContext(cctx, tool, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", tool, err)
	}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	if sc.Scan() {
		return strings.TrimSpace(sc.Text()), nil
	}
	return tool, nil
}

func memoryTotal(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

func pingPostgres(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()
	return conn.Ping(ctx)
}

func existingParent(p string) string {
	for p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return string(filepath.Separator)
}
