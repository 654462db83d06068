package forgevisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestSupervisorFacadeStartStatusStop(t *testing.T) {
	requireUnix(t)
	sup := NewSupervisor(SupervisorOptions{Policy: RestartPolicy{Limit: 1, Window: time.Minute}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	specs := []Spec{
		{Name: "f1", Command: "sleep 5", StartDuration: 20 * time.Millisecond},
		{Name: "f2", Command: "sleep 5", StartDuration: 20 * time.Millisecond},
	}
	if err := sup.Start(ctx, specs); err != nil {
		t.Fatalf("start: %v", err)
	}
	mon := NewMonitor(MonitorConfig{Interval: 20 * time.Millisecond}, sup)
	go mon.Run(ctx)
	go sup.Watch(ctx, mon.Samples())

	sts := sup.Status()
	if len(sts) != 2 || !sts[0].Running || sts[0].PID == 0 {
		t.Fatalf("unexpected status: %+v", sts)
	}
	if err := sup.StopAll(); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	for _, st := range sup.Status() {
		if st.Running {
			t.Fatalf("%s still running", st.Name)
		}
	}
}

func TestConfigHelpers(t *testing.T) {
	dir := t.TempDir()
	data := `
[build]
max_attempts = 4

[[stages]]
name = "compile"
command = "true"

[[servers]]
name = "login"
binary = "login-server"
ports = [5500]
`
	p := filepath.Join(dir, "forgevisor.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Build.MaxAttempts != 4 || len(cfg.Stages) != 1 || len(cfg.Servers) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if d := DefaultConfig(); d.Build.MaxAttempts != 3 {
		t.Fatalf("default max attempts: %d", d.Build.MaxAttempts)
	}
}

func TestAppFacadeBuild(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Paths.SourceDir = dir
	cfg.Paths.ReleaseDir = filepath.Join(dir, "release")
	cfg.Paths.RunDir = filepath.Join(dir, "run")
	cfg.Paths.Checkpoint = filepath.Join(dir, "run", "checkpoint.json")
	cfg.Log.Dir = filepath.Join(dir, "logs")
	cfg.History.Enabled = false
	cfg.Stages = nil
	a, err := New(Options{Config: &cfg, Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()
	rep, err := a.Build(context.Background(), BuildOptions{})
	if err != nil || rep.Ran() != 0 {
		t.Fatalf("empty build: %+v %v", rep, err)
	}
}

func TestExitCodeAndKind(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatalf("nil error must exit 0")
	}
	if ExitCode(errors.New("plain")) != 1 {
		t.Fatalf("plain error must exit 1")
	}
}

func TestMetricsHelpers(t *testing.T) {
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c := NewClient("127.0.0.1:1", "/api", time.Second)
	if c.Reachable(ctx) {
		t.Fatal("expected no api on port 1")
	}
}

func TestRouterMountsInEcho(t *testing.T) {
	requireUnix(t)
	sup := NewSupervisor(SupervisorOptions{StopGrace: time.Second})
	if err := sup.Start(context.Background(), []Spec{{Name: "mounted", Command: "sleep 5"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = sup.StopAll() })

	h := NewRouter(sup, nil, "/api").Handler()
	e := echo.New()
	e.Any("/api", echo.WrapHandler(h))
	e.Any("/api/*", echo.WrapHandler(h))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"mounted"`) {
		t.Fatalf("status through echo: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stop?name=mounted", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop through echo: %d %s", rec.Code, rec.Body.String())
	}
	if sup.Status()[0].Running {
		t.Fatalf("mounted should be stopped")
	}
}
