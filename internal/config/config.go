package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFile is used when no --config flag is given.
const DefaultFile = "forgevisor.toml"

// EnvPrefix is the prefix for environment overrides, e.g. FORGEVISOR_BUILD_MAX_ATTEMPTS.
const EnvPrefix = "FORGEVISOR"

// Config represents the top-level TOML structure.
type Config struct {
	Paths      PathsConfig      `toml:"paths" mapstructure:"paths"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	Source     SourceConfig     `toml:"source" mapstructure:"source"`
	Build      BuildConfig      `toml:"build" mapstructure:"build"`
	Stages     []StageConfig    `toml:"stages" mapstructure:"stages"`
	Classify   ClassifyConfig   `toml:"classify" mapstructure:"classify"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Monitor    MonitorConfig    `toml:"monitor" mapstructure:"monitor"`
	Servers    []ServerConfig   `toml:"servers" mapstructure:"servers"`
	Env        []string         `toml:"env" mapstructure:"env"`
	EnvFiles   []string         `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool             `toml:"use_os_env" mapstructure:"use_os_env"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Database   DatabaseConfig   `toml:"database" mapstructure:"database"`
	Check      CheckConfig      `toml:"check" mapstructure:"check"`
	API        APIConfig        `toml:"api" mapstructure:"api"`
}

type PathsConfig struct {
	SourceDir    string   `toml:"source_dir" mapstructure:"source_dir"`
	ReleaseDir   string   `toml:"release_dir" mapstructure:"release_dir"`
	RunDir       string   `toml:"run_dir" mapstructure:"run_dir"`
	Checkpoint   string   `toml:"checkpoint" mapstructure:"checkpoint"`
	BuildOutputs []string `toml:"build_outputs" mapstructure:"build_outputs"`
}

type LogConfig struct {
	Dir        string            `toml:"dir" mapstructure:"dir"`
	Level      string            `toml:"level" mapstructure:"level"`
	Combined   string            `toml:"combined" mapstructure:"combined"`
	Files      map[string]string `toml:"files" mapstructure:"files"`
	PerSource  bool              `toml:"per_source" mapstructure:"per_source"`
	MaxSizeMB  int               `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int               `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int               `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool              `toml:"compress" mapstructure:"compress"`
}

type SourceConfig struct {
	Repository    string   `toml:"repository" mapstructure:"repository"`
	CloneCommand  string   `toml:"clone_command" mapstructure:"clone_command"`
	UpdateCommand string   `toml:"update_command" mapstructure:"update_command"`
	Manifest      string   `toml:"manifest" mapstructure:"manifest"`
	Dependencies  []string `toml:"dependencies" mapstructure:"dependencies"`
}

type BuildConfig struct {
	MaxAttempts int           `toml:"max_attempts" mapstructure:"max_attempts"`
	Backoff     string        `toml:"backoff" mapstructure:"backoff"`
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
	MaxInterval time.Duration `toml:"max_interval" mapstructure:"max_interval"`
	KillGrace   time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`
}

type StageConfig struct {
	Name         string   `toml:"name" mapstructure:"name"`
	Ordinal      int      `toml:"ordinal" mapstructure:"ordinal"`
	Command      string   `toml:"command" mapstructure:"command"`
	WorkDir      string   `toml:"workdir" mapstructure:"workdir"`
	Env          []string `toml:"env" mapstructure:"env"`
	Artifact     string   `toml:"artifact" mapstructure:"artifact"`
	Dependencies []string `toml:"dependencies" mapstructure:"dependencies"`
}

// RuleConfig is one ordered classification rule.
type RuleConfig struct {
	Name    string `toml:"name" mapstructure:"name"`
	Pattern string `toml:"pattern" mapstructure:"pattern"`
	Class   string `toml:"class" mapstructure:"class"`
}

// ClassifyConfig holds the rule sets for build and server output.
// Build output falls back to "fatal", server output to RunDefault.
type ClassifyConfig struct {
	Rules      []RuleConfig `toml:"rules" mapstructure:"rules"`
	RunRules   []RuleConfig `toml:"run_rules" mapstructure:"run_rules"`
	RunDefault string       `toml:"run_default" mapstructure:"run_default"`
}

type SupervisorConfig struct {
	RestartLimit  int           `toml:"restart_limit" mapstructure:"restart_limit"`
	RestartWindow time.Duration `toml:"restart_window" mapstructure:"restart_window"`
	RestartDelay  time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	StartGap      time.Duration `toml:"start_gap" mapstructure:"start_gap"`
	StartDuration time.Duration `toml:"start_duration" mapstructure:"start_duration"`
	StopGrace     time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
}

type MonitorConfig struct {
	Interval                time.Duration `toml:"interval" mapstructure:"interval"`
	LivenessTimeout         time.Duration `toml:"liveness_timeout" mapstructure:"liveness_timeout"`
	MaxHostMemoryPercent    float64       `toml:"max_host_memory_percent" mapstructure:"max_host_memory_percent"`
	MaxHostCPUPercent       float64       `toml:"max_host_cpu_percent" mapstructure:"max_host_cpu_percent"`
	ProcessCPUWarnPercent   float64       `toml:"process_cpu_warn_percent" mapstructure:"process_cpu_warn_percent"`
	ProcessMemoryWarnMB     float64       `toml:"process_memory_warn_mb" mapstructure:"process_memory_warn_mb"`
	HostWarnPercent         float64       `toml:"host_warn_percent" mapstructure:"host_warn_percent"`
	DiskWarnPercent         float64       `toml:"disk_warn_percent" mapstructure:"disk_warn_percent"`
	ProcessMetricsEnabled   bool          `toml:"process_metrics" mapstructure:"process_metrics"`
	ProcessMetricsRetention int           `toml:"process_metrics_retention" mapstructure:"process_metrics_retention"`
}

type ServerConfig struct {
	Name          string        `toml:"name" mapstructure:"name"`
	Binary        string        `toml:"binary" mapstructure:"binary"`
	Args          []string      `toml:"args" mapstructure:"args"`
	WorkDir       string        `toml:"workdir" mapstructure:"workdir"`
	Env           []string      `toml:"env" mapstructure:"env"`
	Ports         []int         `toml:"ports" mapstructure:"ports"`
	Heartbeat     string        `toml:"heartbeat" mapstructure:"heartbeat"`
	StartDuration time.Duration `toml:"start_duration" mapstructure:"start_duration"`
}

type HistoryConfig struct {
	Enabled bool          `toml:"enabled" mapstructure:"enabled"`
	DSN     string        `toml:"dsn" mapstructure:"dsn"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type DatabaseConfig struct {
	DSN      string        `toml:"dsn" mapstructure:"dsn"`
	Required bool          `toml:"required" mapstructure:"required"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type CheckConfig struct {
	Tools       []string `toml:"tools" mapstructure:"tools"`
	MinCPUs     int      `toml:"min_cpus" mapstructure:"min_cpus"`
	MinMemoryGB float64  `toml:"min_memory_gb" mapstructure:"min_memory_gb"`
	MinDiskGB   float64  `toml:"min_disk_gb" mapstructure:"min_disk_gb"`
}

type APIConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.source_dir", "source")
	v.SetDefault("paths.release_dir", "release")
	v.SetDefault("paths.run_dir", "run")
	v.SetDefault("paths.checkpoint", "run/checkpoint.json")

	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.combined", "logs.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("source.manifest", "Cargo.toml")
	v.SetDefault("source.dependencies", []string{"github.com", "crates.io"})

	v.SetDefault("build.max_attempts", 3)
	v.SetDefault("build.backoff", "fixed")
	v.SetDefault("build.interval", "5s")
	v.SetDefault("build.max_interval", "1m")
	v.SetDefault("build.kill_grace", "10s")

	v.SetDefault("classify.run_default", "info")

	v.SetDefault("supervisor.restart_limit", 3)
	v.SetDefault("supervisor.restart_window", "10m")
	v.SetDefault("supervisor.restart_delay", "1s")
	v.SetDefault("supervisor.start_gap", "3s")
	v.SetDefault("supervisor.start_duration", "3s")
	v.SetDefault("supervisor.stop_grace", "10s")

	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.liveness_timeout", "2m")
	v.SetDefault("monitor.max_host_memory_percent", 95.0)
	v.SetDefault("monitor.max_host_cpu_percent", 0.0)
	v.SetDefault("monitor.process_cpu_warn_percent", 80.0)
	v.SetDefault("monitor.process_memory_warn_mb", 1000.0)
	v.SetDefault("monitor.host_warn_percent", 80.0)
	v.SetDefault("monitor.disk_warn_percent", 90.0)
	v.SetDefault("monitor.process_metrics", true)
	v.SetDefault("monitor.process_metrics_retention", 60)

	v.SetDefault("use_os_env", true)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.timeout", "2s")

	v.SetDefault("database.timeout", "5s")

	v.SetDefault("check.tools", []string{"git", "cargo", "rustc"})
	v.SetDefault("check.min_cpus", 2)
	v.SetDefault("check.min_memory_gb", 4.0)
	v.SetDefault("check.min_disk_gb", 10.0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:7380")
	v.SetDefault("api.base_path", "/api")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var c Config
	_ = newViper().Unmarshal(&c)
	c.fill()
	return c
}

// Load reads the TOML file at path, applies defaults and FORGEVISOR_*
// overrides, and validates the result. Relative paths in the paths and log
// sections are resolved against the directory holding the file.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.fill()
	base := filepath.Dir(path)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	c.resolve(base)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c := Default()
		if wd, err := os.Getwd(); err == nil {
			c.resolve(wd)
		}
		return &c, nil
	}
	return Load(path)
}

func (c *Config) fill() {
	if len(c.Classify.Rules) == 0 {
		c.Classify.Rules = DefaultBuildRules()
	}
	if len(c.Classify.RunRules) == 0 {
		c.Classify.RunRules = DefaultRunRules()
	}
	for i := range c.Stages {
		if c.Stages[i].Ordinal == 0 {
			c.Stages[i].Ordinal = i + 1
		}
	}
	for i := range c.Servers {
		if c.Servers[i].Heartbeat == "" {
			c.Servers[i].Heartbeat = "output"
		}
		if c.Servers[i].StartDuration == 0 {
			c.Servers[i].StartDuration = c.Supervisor.StartDuration
		}
	}
	if c.History.Enabled && c.History.DSN == "" {
		c.History.DSN = filepath.Join(c.Paths.RunDir, "history.db")
	}
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Paths.SourceDir = abs(c.Paths.SourceDir)
	c.Paths.ReleaseDir = abs(c.Paths.ReleaseDir)
	c.Paths.RunDir = abs(c.Paths.RunDir)
	c.Paths.Checkpoint = abs(c.Paths.Checkpoint)
	for i, p := range c.Paths.BuildOutputs {
		c.Paths.BuildOutputs[i] = abs(p)
	}
	c.Log.Dir = abs(c.Log.Dir)
	c.History.DSN = abs(c.History.DSN)
	for i, p := range c.EnvFiles {
		c.EnvFiles[i] = abs(p)
	}
	for i := range c.Stages {
		if c.Stages[i].WorkDir == "" {
			c.Stages[i].WorkDir = c.Paths.SourceDir
		} else if !filepath.IsAbs(c.Stages[i].WorkDir) {
			c.Stages[i].WorkDir = filepath.Join(c.Paths.SourceDir, c.Stages[i].WorkDir)
		}
		if a := c.Stages[i].Artifact; a != "" && !filepath.IsAbs(a) {
			c.Stages[i].Artifact = filepath.Join(c.Stages[i].WorkDir, a)
		}
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Binary != "" && !filepath.IsAbs(s.Binary) && !strings.ContainsRune(s.Binary, os.PathSeparator) {
			s.Binary = filepath.Join(c.Paths.ReleaseDir, s.Binary)
		} else {
			s.Binary = abs(s.Binary)
		}
		if s.WorkDir == "" {
			s.WorkDir = c.Paths.ReleaseDir
		} else {
			s.WorkDir = abs(s.WorkDir)
		}
	}
}

// Validate checks structural constraints that decoding cannot express.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Stages))
	prev := 0
	for _, s := range c.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("stage requires name")
		}
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("stage %s requires command", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Ordinal <= prev {
			return fmt.Errorf("stage %s: ordinal %d must be greater than %d", s.Name, s.Ordinal, prev)
		}
		prev = s.Ordinal
	}
	if c.Build.MaxAttempts < 1 {
		return fmt.Errorf("build.max_attempts must be at least 1, got %d", c.Build.MaxAttempts)
	}
	switch c.Build.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("build.backoff must be fixed or exponential, got %q", c.Build.Backoff)
	}
	if err := validateRules("classify.rules", c.Classify.Rules); err != nil {
		return err
	}
	if err := validateRules("classify.run_rules", c.Classify.RunRules); err != nil {
		return err
	}
	if !validClass(c.Classify.RunDefault) {
		return fmt.Errorf("classify.run_default: unknown class %q", c.Classify.RunDefault)
	}

	names := make(map[string]struct{}, len(c.Servers))
	ports := make(map[int]string)
	for _, s := range c.Servers {
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("server requires name")
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		names[s.Name] = struct{}{}
		if s.Binary == "" {
			return fmt.Errorf("server %s requires binary", s.Name)
		}
		for _, p := range s.Ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("server %s: invalid port %d", s.Name, p)
			}
			if other, dup := ports[p]; dup {
				return fmt.Errorf("server %s: port %d already used by %s", s.Name, p, other)
			}
			ports[p] = s.Name
		}
		switch s.Heartbeat {
		case "output", "cpu", "none":
		default:
			return fmt.Errorf("server %s: heartbeat must be output, cpu or none, got %q", s.Name, s.Heartbeat)
		}
	}
	if c.Supervisor.RestartLimit < 0 {
		return errors.New("supervisor.restart_limit must not be negative")
	}
	if c.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be positive")
	}
	return nil
}

func validateRules(section string, rules []RuleConfig) error {
	for i, r := range rules {
		if r.Pattern == "" {
			return fmt.Errorf("%s[%d] (%s): pattern is required", section, i, r.Name)
		}
		if !validClass(r.Class) {
			return fmt.Errorf("%s[%d] (%s): unknown class %q", section, i, r.Name, r.Class)
		}
	}
	return nil
}

func validClass(c string) bool {
	switch c {
	case "benign", "info", "warn", "tool", "source", "fatal":
		return true
	}
	return false
}

// ServerNames returns the configured servers in start order.
func (c *Config) ServerNames() []string {
	out := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, s.Name)
	}
	return out
}

// Stage returns the stage named name.
func (c *Config) Stage(name string) (StageConfig, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

// Server returns the server named name.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}
