package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/loykin/forgevisor/internal/checkpoint"
	"github.com/loykin/forgevisor/internal/config"
	"github.com/loykin/forgevisor/internal/detector"
	"github.com/loykin/forgevisor/internal/envcheck"
	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/logrouter"
	"github.com/loykin/forgevisor/internal/process"
	"github.com/loykin/forgevisor/internal/supervisor"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.Paths.SourceDir = filepath.Join(dir, "src")
	c.Paths.ReleaseDir = filepath.Join(dir, "release")
	c.Paths.RunDir = filepath.Join(dir, "run")
	c.Paths.Checkpoint = filepath.Join(dir, "run", "checkpoint.json")
	c.Log.Dir = filepath.Join(dir, "logs")
	c.History.DSN = filepath.Join(dir, "run", "history.db")
	c.Build.Interval = 10 * time.Millisecond
	c.Build.KillGrace = time.Second
	c.Supervisor.StartGap = 0
	c.Supervisor.StopGrace = 2 * time.Second
	c.Supervisor.RestartDelay = 10 * time.Millisecond
	c.Monitor.Interval = 50 * time.Millisecond
	c.API.Listen = "127.0.0.1:0"
	c.Check.Tools = nil
	require.NoError(t, os.MkdirAll(c.Paths.SourceDir, 0o755))
	return &c
}

func newApp(t *testing.T, c *config.Config) (*App, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	a, err := New(Options{Config: c, Console: io.Discard, Stdout: out, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, out
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(b)
}

func sleepServer(name string, secs string) config.ServerConfig {
	return config.ServerConfig{
		Name:          name,
		Binary:        "/bin/sh",
		Args:          []string{"-c", "echo " + name + " up; exec sleep " + secs},
		Heartbeat:     "none",
		StartDuration: 100 * time.Millisecond,
	}
}

func TestBuildResumesAndCopiesArtifacts(t *testing.T) {
	c := testConfig(t)
	c.Stages = []config.StageConfig{
		{Name: "a", Ordinal: 1, Command: "touch a.bin", WorkDir: c.Paths.SourceDir, Artifact: filepath.Join(c.Paths.SourceDir, "a.bin")},
		{Name: "b", Ordinal: 2, Command: "touch b.bin", WorkDir: c.Paths.SourceDir, Artifact: filepath.Join(c.Paths.SourceDir, "b.bin")},
	}
	a, _ := newApp(t, c)
	ctx := context.Background()

	rep, err := a.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Ran())
	require.FileExists(t, filepath.Join(c.Paths.ReleaseDir, "a.bin"))
	require.FileExists(t, filepath.Join(c.Paths.ReleaseDir, "b.bin"))

	rep, err = a.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, rep.Ran())

	rep, err = a.Build(ctx, BuildOptions{Reset: "b"})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Ran())

	progress, err := a.BuildProgress()
	require.NoError(t, err)
	require.Len(t, progress, 2)
	for _, p := range progress {
		require.Equal(t, checkpoint.Succeeded, p.Status)
	}

	_, err = a.Build(ctx, BuildOptions{Reset: "nope"})
	require.Error(t, err)
}

func TestBuildSourceFailureHalts(t *testing.T) {
	c := testConfig(t)
	c.Stages = []config.StageConfig{
		{Name: "broken", Ordinal: 1, Command: `sh -c 'echo "error[E0425]: cannot find value" >&2; exit 101'`, WorkDir: c.Paths.SourceDir},
		{Name: "after", Ordinal: 2, Command: "true", WorkDir: c.Paths.SourceDir},
	}
	a, _ := newApp(t, c)

	rep, err := a.Build(context.Background(), BuildOptions{})
	require.Error(t, err)
	require.Equal(t, failure.SourceFailure, failure.KindOf(err))
	require.Equal(t, 3, failure.ExitCode(err))
	require.Equal(t, 1, rep.Ran())
	require.Contains(t, readFile(t, a.router.Path(logrouter.Error)), "E0425")

	progress, err := a.BuildProgress()
	require.NoError(t, err)
	require.Equal(t, checkpoint.Failed, progress[0].Status)
	require.Equal(t, 0, progress[0].AttemptCount)
}

func TestDownloadClonesThenUpdates(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, os.Remove(c.Paths.SourceDir))
	c.Source.CloneCommand = "sh -c 'mkdir -p " + c.Paths.SourceDir + "/.git && touch " + c.Paths.SourceDir + "/Cargo.toml'"
	c.Source.UpdateCommand = "touch updated"
	a, _ := newApp(t, c)
	ctx := context.Background()

	require.NoError(t, a.Download(ctx))
	require.FileExists(t, filepath.Join(c.Paths.SourceDir, "Cargo.toml"))
	require.NoFileExists(t, filepath.Join(c.Paths.SourceDir, "updated"))

	require.NoError(t, a.Download(ctx))
	require.FileExists(t, filepath.Join(c.Paths.SourceDir, "updated"))
}

func TestDownloadRetriesToolFailures(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, os.Remove(c.Paths.SourceDir))
	c.Source.CloneCommand = `sh -c 'echo "fatal: Could not read from remote repository." >&2; exit 128'`
	c.Build.MaxAttempts = 2
	a, _ := newApp(t, c)

	err := a.Download(context.Background())
	require.Error(t, err)
	require.Equal(t, failure.ToolFailure, failure.KindOf(err))
	gitLog := readFile(t, a.router.Path(logrouter.Git))
	require.Equal(t, 2, strings.Count(gitLog, "Could not read from remote repository"))
}

func TestDownloadNeedsRepository(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, os.Remove(c.Paths.SourceDir))
	a, _ := newApp(t, c)
	require.ErrorContains(t, a.Download(context.Background()), "source.repository")
}

func TestRunStatusStopViaAPI(t *testing.T) {
	c := testConfig(t)
	c.Servers = []config.ServerConfig{sleepServer("alpha", "30"), sleepServer("beta", "30")}
	a, _ := newApp(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.client(ctx) != nil }, 5*time.Second, 20*time.Millisecond)

	rep, err := a.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "api", rep.Source)
	require.Len(t, rep.Servers, 2)
	for _, s := range rep.Servers {
		require.Equal(t, string(supervisor.StateRunning), s.State)
		require.Positive(t, s.PID)
	}
	require.Contains(t, readFile(t, a.router.Path(logrouter.Status)), "alpha")
	require.Contains(t, readFile(t, a.router.Path(logrouter.Run)), "beta up")
	require.ErrorContains(t, a.Run(ctx), "already running")

	require.NoError(t, a.Stop(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after every server was stopped")
	}
	require.NoFileExists(t, a.pidPath("alpha"))
	require.NoFileExists(t, filepath.Join(c.Paths.RunDir, apiAddrFile))
}

func TestRunCancelStopsServers(t *testing.T) {
	c := testConfig(t)
	c.Servers = []config.ServerConfig{sleepServer("solo", "30")}
	a, _ := newApp(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool {
		rep, err := a.Status(ctx)
		return err == nil && rep.Source == "api" && len(rep.Servers) == 1 &&
			rep.Servers[0].State == string(supervisor.StateRunning)
	}, 5*time.Second, 20*time.Millisecond)
	require.NotEmpty(t, readFile(t, a.pidPath("solo")))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.Empty(t, a.livePIDFiles())
}

func TestRunCancelDuringStartup(t *testing.T) {
	c := testConfig(t)
	c.API.Enabled = false
	srv := sleepServer("slow", "30")
	srv.StartDuration = 5 * time.Second
	c.Servers = []config.ServerConfig{srv}
	a, _ := newApp(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return len(a.livePIDFiles()) == 1 }, 5*time.Second, 20*time.Millisecond)
	rec, err := detector.ReadPIDFile(a.pidPath("slow"))
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel during startup")
	}
	require.Empty(t, a.livePIDFiles())
	require.False(t, detector.PIDAlive(rec.PID))
}

func TestStatusReportsUnreadableCheckpoint(t *testing.T) {
	c := testConfig(t)
	c.Stages = []config.StageConfig{{Name: "a", Ordinal: 1, Command: "true"}}
	a, _ := newApp(t, c)
	require.NoError(t, os.MkdirAll(filepath.Dir(c.Paths.Checkpoint), 0o755))
	require.NoError(t, os.WriteFile(c.Paths.Checkpoint, []byte("{not json"), 0o644))

	rep, err := a.Status(context.Background())
	require.NoError(t, err)
	require.False(t, rep.Healthy())
	found := false
	for _, issue := range rep.Issues {
		if strings.HasPrefix(issue, "build progress unreadable") {
			found = true
		}
	}
	require.True(t, found, "issues: %v", rep.Issues)
	require.Contains(t, readFile(t, a.router.Path(logrouter.Status)), "! build progress unreadable")
}

func TestStatusAndStopViaPIDFiles(t *testing.T) {
	c := testConfig(t)
	c.Servers = []config.ServerConfig{sleepServer("orphan", "30"), sleepServer("idle", "30")}
	a, _ := newApp(t, c)

	p, err := process.Launch(context.Background(), a.spec(c.Servers[0]), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(time.Second) })

	rep, err := a.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pidfile", rep.Source)
	require.Equal(t, string(supervisor.StateRunning), rep.Servers[0].State)
	require.Equal(t, p.PID(), rep.Servers[0].PID)
	require.Equal(t, string(supervisor.StateStopped), rep.Servers[1].State)
	require.Contains(t, rep.Issues, "idle is stopped")

	require.NoError(t, a.Stop(context.Background()))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("orphan still running")
	}
	require.NoFileExists(t, a.pidPath("orphan"))
	require.ErrorContains(t, a.Stop(context.Background(), "ghost"), "unknown server")
}

func TestDebugRunMirrorsOutput(t *testing.T) {
	c := testConfig(t)
	c.Servers = []config.ServerConfig{
		{Name: "echoer", Binary: "/bin/sh", Args: []string{"-c", "echo hello from debug; sleep 0.3"}, StartDuration: 50 * time.Millisecond},
		{Name: "crasher", Binary: "/bin/sh", Args: []string{"-c", "sleep 0.2; exit 4"}, StartDuration: 50 * time.Millisecond},
	}
	a, out := newApp(t, c)

	require.NoError(t, a.DebugRun(context.Background(), "echoer"))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "hello from debug") }, 2*time.Second, 10*time.Millisecond)

	err := a.DebugRun(context.Background(), "crasher")
	require.Error(t, err)
	require.Equal(t, failure.LaunchFailure, failure.KindOf(err))

	require.ErrorContains(t, a.DebugRun(context.Background(), "missing"), "unknown server")
}

func TestCheckHealthThresholds(t *testing.T) {
	c := testConfig(t)
	a, _ := newApp(t, c)
	rep := StatusReport{
		Servers: []ServerStatus{
			{Name: "hot", State: "running", PID: 10, CPUPercent: 95, RSS: 2000 << 20, Ports: []PortStatus{{Port: 5000}}},
			{Name: "ok", State: "running", PID: 11, CPUPercent: 1, RSS: 10 << 20, Ports: []PortStatus{{Port: 5001, Listening: true}}},
			{Name: "dead", State: "failed", Error: "more than 3 restarts"},
		},
		Host: HostStatus{CPUPercent: 10, MemoryPercent: 90, DiskPercent: 95},
	}
	a.checkHealth(&rep)
	require.ElementsMatch(t, []string{
		"hot CPU 95.0% above 80%",
		"hot memory 2000 MB above 1000 MB",
		"hot port 5000 not listening",
		"dead failed: more than 3 restarts",
		"host memory 90.0% above 80%",
		"disk usage 95.0% above 90%",
	}, rep.Issues)

	var b bytes.Buffer
	RenderStatus(&b, rep)
	require.Contains(t, b.String(), "5000/down")
	require.Contains(t, b.String(), "! hot CPU 95.0% above 80%")
	require.NotContains(t, b.String(), "all servers healthy")
}

func TestEnvCheckReportsMissingSource(t *testing.T) {
	c := testConfig(t)
	a, _ := newApp(t, c)
	rep := a.EnvCheck(context.Background())
	var src envcheck.Check
	for _, ch := range rep.Checks {
		if ch.Name == "source" {
			src = ch
		}
	}
	require.Equal(t, envcheck.Fail, src.Status)
}

func TestUninstallRemovesOutputs(t *testing.T) {
	c := testConfig(t)
	target := filepath.Join(filepath.Dir(c.Paths.SourceDir), "target")
	c.Paths.BuildOutputs = []string{target}
	for _, d := range []string{target, c.Paths.ReleaseDir, c.Paths.RunDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	require.NoError(t, os.WriteFile(c.Paths.Checkpoint, []byte(`{"version":1,"stages":{}}`), 0o644))
	a, _ := newApp(t, c)
	logDir := a.Locate()
	require.True(t, filepath.IsAbs(logDir))

	removed, err := a.Uninstall(context.Background())
	require.NoError(t, err)
	for _, p := range []string{target, c.Paths.ReleaseDir, c.Paths.RunDir, logDir} {
		require.Contains(t, removed, p)
		require.NoDirExists(t, p)
	}
	require.DirExists(t, c.Paths.SourceDir)
	require.NoError(t, a.Close())
}

func TestRemoveRefusesRoot(t *testing.T) {
	_, err := remove("/")
	require.Error(t, err)
	ok, err := remove(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.False(t, ok)
}
