package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Log.Level != "info" {
		t.Errorf("expected info, got %s", cfg.Log.Level)
	}
	if cfg.Engine.RetryLimit != 3 {
		t.Errorf("expected retry limit 3, got %d", cfg.Engine.RetryLimit)
	}
	if cfg.Cron.Mode != "local" {
		t.Errorf("expected local cron mode, got %s", cfg.Cron.Mode)
	}
	if cfg.Cron.StaggerSeconds != 40 {
		t.Errorf("expected stagger 40, got %d", cfg.Cron.StaggerSeconds)
	}
	if cfg.StateDir == "" {
		t.Error("expected non-empty state dir")
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
state_dir = "/var/lib/setfarm"

[cron]
mode = "http"
base_url = "http://cron.internal:8080"
interval_minutes = 10

[engine]
role_timeout_minutes = 45
`), 0644)

	cfg := Load(path)
	if cfg.StateDir != "/var/lib/setfarm" {
		t.Errorf("expected /var/lib/setfarm, got %s", cfg.StateDir)
	}
	if cfg.Cron.Mode != "http" {
		t.Errorf("expected http, got %s", cfg.Cron.Mode)
	}
	if cfg.Cron.BaseURL != "http://cron.internal:8080" {
		t.Errorf("unexpected base url: %s", cfg.Cron.BaseURL)
	}
	if cfg.CronInterval() != 10*time.Minute {
		t.Errorf("expected 10m interval, got %v", cfg.CronInterval())
	}
	if cfg.RoleTimeout() != 45*time.Minute {
		t.Errorf("expected 45m timeout, got %v", cfg.RoleTimeout())
	}
	// Defaults preserved
	if cfg.Engine.RetryLimit != 3 {
		t.Errorf("default should be preserved, got %d", cfg.Engine.RetryLimit)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SETFARM_CRON_MODE", "off")
	t.Setenv("SETFARM_DB_PATH", "/tmp/env.db")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Cron.Mode != "off" {
		t.Errorf("expected off, got %s", cfg.Cron.Mode)
	}
	if cfg.DBPath() != "/tmp/env.db" {
		t.Errorf("expected /tmp/env.db, got %s", cfg.DBPath())
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/srv/setfarm"

	if cfg.DBPath() != filepath.Join("/srv/setfarm", "setfarm.db") {
		t.Errorf("unexpected db path: %s", cfg.DBPath())
	}
	if cfg.WorkflowsDir() != filepath.Join("/srv/setfarm", "workflows") {
		t.Errorf("unexpected workflows dir: %s", cfg.WorkflowsDir())
	}
	if cfg.RunsDir() != filepath.Join("/srv/setfarm", "runs") {
		t.Errorf("unexpected runs dir: %s", cfg.RunsDir())
	}
}

func TestLoadFallbacks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[engine]
retry_limit = -1
`), 0644)

	cfg := Load(path)
	if cfg.Engine.RetryLimit != 3 {
		t.Errorf("expected negative retry limit clamped to 3, got %d", cfg.Engine.RetryLimit)
	}
}
