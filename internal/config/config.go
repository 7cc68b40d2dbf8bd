package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	StateDir string         `toml:"state_dir"`
	Log      LogConfig      `toml:"log"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Cron     CronConfig     `toml:"cron"`
	Medic    MedicConfig    `toml:"medic"`
	Observer ObserverConfig `toml:"observer"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type EngineConfig struct {
	RetryLimit         int `toml:"retry_limit"`
	LoopWorkers        int `toml:"loop_workers"`
	RoleTimeoutMinutes int `toml:"role_timeout_minutes"`
}

// CronConfig selects how agent populations get woken up. Mode is one of
// "local" (in-process scheduler), "http" (external cron service), or "off".
type CronConfig struct {
	Mode            string `toml:"mode"`
	BaseURL         string `toml:"base_url"`
	Token           string `toml:"token"`
	IntervalMinutes int    `toml:"interval_minutes"`
	StaggerSeconds  int    `toml:"stagger_seconds"`
	AgentCommand    string `toml:"agent_command"`
}

type MedicConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		StateDir: filepath.Join(home, ".setfarm"),
		Log:      LogConfig{Level: "info"},
		Engine:   EngineConfig{RetryLimit: 3, LoopWorkers: 3, RoleTimeoutMinutes: 30},
		Cron:     CronConfig{Mode: "local", IntervalMinutes: 5, StaggerSeconds: 40},
		Medic:    MedicConfig{IntervalMinutes: 5},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "setfarm.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SETFARM_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("SETFARM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SETFARM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SETFARM_CRON_MODE"); v != "" {
		cfg.Cron.Mode = v
	}
	if v := os.Getenv("SETFARM_CRON_BASE_URL"); v != "" {
		cfg.Cron.BaseURL = v
	}
	if v := os.Getenv("SETFARM_CRON_TOKEN"); v != "" {
		cfg.Cron.Token = v
	}
	if v := os.Getenv("SETFARM_AGENT_COMMAND"); v != "" {
		cfg.Cron.AgentCommand = v
	}
	if os.Getenv("SETFARM_OBSERVER_ENABLED") == "true" || os.Getenv("SETFARM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Cron.Mode == "" {
		cfg.Cron.Mode = "local"
	}
	if cfg.Engine.RetryLimit <= 0 {
		cfg.Engine.RetryLimit = 3
	}
	if cfg.Engine.LoopWorkers <= 0 {
		cfg.Engine.LoopWorkers = 3
	}

	return cfg
}

// DBPath returns the configured database path, or the default inside the
// state directory.
func (c Config) DBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.StateDir, "setfarm.db")
}

// WorkflowsDir is where workflow YAML definitions live.
func (c Config) WorkflowsDir() string {
	return filepath.Join(c.StateDir, "workflows")
}

// RunsDir is where finished runs get archived.
func (c Config) RunsDir() string {
	return filepath.Join(c.StateDir, "runs")
}

func (c Config) RoleTimeout() time.Duration {
	return time.Duration(c.Engine.RoleTimeoutMinutes) * time.Minute
}

func (c Config) CronInterval() time.Duration {
	return time.Duration(c.Cron.IntervalMinutes) * time.Minute
}

func (c Config) CronStagger() time.Duration {
	return time.Duration(c.Cron.StaggerSeconds) * time.Second
}

func (c Config) MedicInterval() time.Duration {
	return time.Duration(c.Medic.IntervalMinutes) * time.Minute
}
