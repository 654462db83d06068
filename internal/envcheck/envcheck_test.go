package envcheck

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loykin/forgevisor/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.Paths.SourceDir = filepath.Join(dir, "src")
	c.Paths.ReleaseDir = filepath.Join(dir, "release")
	c.Check.Tools = nil
	return &c
}

func fakeHost(c *Checker, cpus int, memGB, diskGB float64) {
	c.CPUs = func(context.Context) (int, error) { return cpus, nil }
	c.Memory = func(context.Context) (uint64, error) { return uint64(memGB * gib), nil }
	c.DiskFree = func(context.Context, string) (uint64, error) { return uint64(diskGB * gib), nil }
}

func find(t *testing.T, r Report, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q missing from %+v", name, r.Checks)
	return Check{}
}

func TestToolVersionFromPath(t *testing.T) {
	bin := t.TempDir()
	script := "#!/bin/sh\necho 'fake-tool 1.2.3'\necho extra\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "fake-tool"), []byte(script), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	c := testConfig(t)
	c.Check.Tools = []string{"fake-tool", "forgevisor-missing-tool"}
	ch := New(c)
	fakeHost(ch, 8, 16, 100)
	r := ch.Run(context.Background())

	ok := find(t, r, "tool fake-tool")
	require.Equal(t, Pass, ok.Status)
	require.Equal(t, "fake-tool 1.2.3", ok.Detail)

	missing := find(t, r, "tool forgevisor-missing-tool")
	require.Equal(t, Fail, missing.Status)
	require.Contains(t, missing.Suggestion, "install forgevisor-missing-tool")
	require.False(t, r.OK())
}

func TestHostThresholds(t *testing.T) {
	c := testConfig(t)
	ch := New(c)
	fakeHost(ch, 1, 2, 3)
	r := ch.Run(context.Background())

	require.Equal(t, Fail, find(t, r, "cpu").Status)
	require.Equal(t, Fail, find(t, r, "memory").Status)
	disk := find(t, r, "disk")
	require.Equal(t, Fail, disk.Status)
	require.Contains(t, disk.Detail, filepath.Dir(c.Paths.SourceDir))

	fakeHost(ch, 4, 8, 50)
	r = ch.Run(context.Background())
	require.Equal(t, Pass, find(t, r, "cpu").Status)
	require.Equal(t, Pass, find(t, r, "memory").Status)
	require.Equal(t, Pass, find(t, r, "disk").Status)
}

func TestProbeErrorsAreWarnings(t *testing.T) {
	c := testConfig(t)
	ch := New(c)
	fakeHost(ch, 4, 8, 50)
	ch.CPUs = func(context.Context) (int, error) { return 0, errors.New("no /proc") }
	r := ch.Run(context.Background())
	require.Equal(t, Warn, find(t, r, "cpu").Status)
}

func TestManifestAndArtifacts(t *testing.T) {
	c := testConfig(t)
	c.Servers = []config.ServerConfig{
		{Name: "login", Binary: filepath.Join(c.Paths.ReleaseDir, "login")},
		{Name: "world", Binary: filepath.Join(c.Paths.ReleaseDir, "world")},
		{Name: "config", Binary: filepath.Join(c.Paths.ReleaseDir, "config")},
	}
	ch := New(c)
	fakeHost(ch, 4, 8, 50)

	r := ch.Run(context.Background())
	src := find(t, r, "source")
	require.Equal(t, Fail, src.Status)
	require.Equal(t, "run forgevisor download", src.Suggestion)

	require.NoError(t, os.MkdirAll(c.Paths.SourceDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.Paths.SourceDir, c.Source.Manifest), []byte("[workspace]\n"), 0o644))
	require.NoError(t, os.MkdirAll(c.Paths.ReleaseDir, 0o755))
	require.NoError(t, os.WriteFile(c.Servers[0].Binary, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(c.Servers[1].Binary, []byte("data"), 0o644))

	r = ch.Run(context.Background())
	require.Equal(t, Pass, find(t, r, "source").Status)
	require.Equal(t, Pass, find(t, r, "binary login").Status)
	world := find(t, r, "binary world")
	require.Equal(t, Fail, world.Status)
	require.Contains(t, world.Detail, "not executable")
	require.Equal(t, "run forgevisor build", find(t, r, "binary config").Suggestion)
}

func TestDatabaseRequiredOrOptional(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, os.MkdirAll(c.Paths.SourceDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.Paths.SourceDir, c.Source.Manifest), nil, 0o644))

	ch := New(c)
	fakeHost(ch, 4, 8, 50)
	r := ch.Run(context.Background())
	for _, chk := range r.Checks {
		require.NotEqual(t, "database", chk.Name, "database check should be skipped without a dsn")
	}
	require.True(t, r.OK())

	c.Database.DSN = "postgres://nobody@127.0.0.1:1/none"
	ch.PingDB = func(context.Context, string) error { return errors.New("connection refused") }
	r = ch.Run(context.Background())
	require.Equal(t, Warn, find(t, r, "database").Status)
	require.True(t, r.OK())

	c.Database.Required = true
	r = ch.Run(context.Background())
	require.Equal(t, Fail, find(t, r, "database").Status)
	require.False(t, r.OK())

	ch.PingDB = func(context.Context, string) error { return nil }
	r = ch.Run(context.Background())
	require.Equal(t, Pass, find(t, r, "database").Status)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, Report{Checks: []Check{
		{Name: "cpu", Status: Pass, Detail: "8 logical CPUs"},
		{Name: "source", Status: Fail, Detail: "missing", Suggestion: "run forgevisor download"},
	}})
	out := buf.String()
	require.Contains(t, out, "[PASS] cpu")
	require.Contains(t, out, "[FAIL] source")
	require.Contains(t, out, "-> run forgevisor download")
	require.Contains(t, out, "environment check failed")
}
