package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	nterrors "github.com/neoterm/neoterm/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Version != "1" {
		t.Errorf("Version = %s, want 1", cfg.Version)
	}
	if cfg.Paths.WorkflowsDir != ".neoterm/workflows" {
		t.Errorf("WorkflowsDir = %s, want .neoterm/workflows", cfg.Paths.WorkflowsDir)
	}
	if cfg.Paths.SessionsDir != ".neoterm/sessions" {
		t.Errorf("SessionsDir = %s, want .neoterm/sessions", cfg.Paths.SessionsDir)
	}
	if cfg.Shell.Program != "/bin/sh" {
		t.Errorf("Shell.Program = %s, want /bin/sh", cfg.Shell.Program)
	}
	if cfg.Execution.GracePeriod != 3*time.Second {
		t.Errorf("GracePeriod = %v, want 3s", cfg.Execution.GracePeriod)
	}
	if cfg.Logging.Level != LogLevelInfo {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
version = "2"

[paths]
workflows_dir = "custom/workflows"
sessions_dir = "custom/sessions"

[shell]
program = "/bin/bash"
rows = 50
cols = 132

[execution]
max_concurrent = 2
grace_period = "500ms"

[sandbox]
roots = ["/tmp", "/srv"]
allow_write = false
time_limit = "1m"

[logging]
level = "debug"
format = "text"
`

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Version != "2" {
		t.Errorf("Version = %s, want 2", cfg.Version)
	}
	if cfg.Paths.WorkflowsDir != "custom/workflows" {
		t.Errorf("WorkflowsDir = %s, want custom/workflows", cfg.Paths.WorkflowsDir)
	}
	if cfg.Shell.Program != "/bin/bash" || cfg.Shell.Rows != 50 || cfg.Shell.Cols != 132 {
		t.Errorf("Shell = %+v, want /bin/bash 50x132", cfg.Shell)
	}
	if cfg.Execution.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Execution.MaxConcurrent)
	}
	if cfg.Execution.GracePeriod != 500*time.Millisecond {
		t.Errorf("GracePeriod = %v, want 500ms", cfg.Execution.GracePeriod)
	}
	// Unset keys keep their defaults.
	if cfg.Execution.BufferBytes != 256*1024 {
		t.Errorf("BufferBytes = %d, want default", cfg.Execution.BufferBytes)
	}
	if len(cfg.Sandbox.Roots) != 2 || cfg.Sandbox.AllowWrite || cfg.Sandbox.TimeLimit != time.Minute {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Logging.Level != LogLevelDebug {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("Load should not fail for non-existent file: %v", err)
	}

	if cfg.Version != "1" {
		t.Errorf("Should return defaults, got version = %s", cfg.Version)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `invalid = [toml content`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load should fail for invalid TOML")
	}
}

func TestLoad_ReadError(t *testing.T) {
	// Reading a directory fails with a read error, not "not found"
	dir := t.TempDir()
	_, err := Load(dir)
	if err == nil {
		t.Error("Load should fail when trying to read a directory")
	}
}

func TestLoadFromDir(t *testing.T) {
	t.Run("project-local config", func(t *testing.T) {
		dir := t.TempDir()
		ntDir := filepath.Join(dir, ".neoterm")
		if err := os.MkdirAll(ntDir, 0755); err != nil {
			t.Fatalf("Failed to create .neoterm dir: %v", err)
		}

		configPath := filepath.Join(ntDir, "config.toml")
		content := `version = "project-local"`
		if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}

		cfg, err := LoadFromDir(dir)
		if err != nil {
			t.Fatalf("LoadFromDir failed: %v", err)
		}

		if cfg.Version != "project-local" {
			t.Errorf("Version = %s, want project-local", cfg.Version)
		}
	})

	t.Run("no config file - uses defaults", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		dir := t.TempDir()

		cfg, err := LoadFromDir(dir)
		if err != nil {
			t.Fatalf("LoadFromDir failed: %v", err)
		}

		if cfg.Version != "1" {
			t.Errorf("Version = %s, want 1 (default)", cfg.Version)
		}
	})

	t.Run("invalid project config", func(t *testing.T) {
		dir := t.TempDir()
		ntDir := filepath.Join(dir, ".neoterm")
		if err := os.MkdirAll(ntDir, 0755); err != nil {
			t.Fatalf("Failed to create .neoterm dir: %v", err)
		}

		configPath := filepath.Join(ntDir, "config.toml")
		if err := os.WriteFile(configPath, []byte(`invalid = [toml`), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}

		_, err := LoadFromDir(dir)
		if err == nil {
			t.Error("LoadFromDir should fail with invalid TOML")
		}
	})

	t.Run("project overrides user global", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		if err := os.MkdirAll(filepath.Join(home, ".neoterm"), 0755); err != nil {
			t.Fatal(err)
		}
		global := "version = \"user-global\"\n[shell]\nprogram = \"/bin/zsh\"\n"
		if err := os.WriteFile(filepath.Join(home, ".neoterm", "config.toml"), []byte(global), 0644); err != nil {
			t.Fatal(err)
		}

		dir := t.TempDir()
		if err := os.MkdirAll(filepath.Join(dir, ".neoterm"), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, ".neoterm", "config.toml"), []byte(`version = "project"`), 0644); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadFromDir(dir)
		if err != nil {
			t.Fatalf("LoadFromDir failed: %v", err)
		}
		if cfg.Version != "project" {
			t.Errorf("Version = %s, want project", cfg.Version)
		}
		if cfg.Shell.Program != "/bin/zsh" {
			t.Errorf("Shell.Program = %s, want /bin/zsh from global config", cfg.Shell.Program)
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   string
		field  string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, nterrors.CodeConfigMissingField, "version"},
		{"missing workflows_dir", func(c *Config) { c.Paths.WorkflowsDir = "" }, nterrors.CodeConfigMissingField, "paths.workflows_dir"},
		{"missing sessions_dir", func(c *Config) { c.Paths.SessionsDir = "" }, nterrors.CodeConfigMissingField, "paths.sessions_dir"},
		{"missing shell", func(c *Config) { c.Shell.Program = "" }, nterrors.CodeConfigMissingField, "shell.program"},
		{"zero rows", func(c *Config) { c.Shell.Rows = 0 }, nterrors.CodeConfigInvalidValue, "shell.rows"},
		{"zero max_concurrent", func(c *Config) { c.Execution.MaxConcurrent = 0 }, nterrors.CodeConfigInvalidValue, "execution.max_concurrent"},
		{"zero buffer", func(c *Config) { c.Execution.BufferBytes = 0 }, nterrors.CodeConfigInvalidValue, "execution.buffer_bytes"},
		{"chunk larger than buffer", func(c *Config) { c.Execution.ChunkSize = c.Execution.BufferBytes + 1 }, nterrors.CodeConfigInvalidValue, "execution.chunk_size"},
		{"zero grace period", func(c *Config) { c.Execution.GracePeriod = 0 }, nterrors.CodeConfigInvalidValue, "execution.grace_period"},
		{"negative time limit", func(c *Config) { c.Sandbox.TimeLimit = -time.Second }, nterrors.CodeConfigInvalidValue, "sandbox.time_limit"},
		{"relative root", func(c *Config) { c.Sandbox.Roots = []string{"tmp"} }, nterrors.CodeConfigInvalidValue, "sandbox.roots"},
		{"negative max_blocks", func(c *Config) { c.History.MaxBlocks = -1 }, nterrors.CodeConfigInvalidValue, "history.max_blocks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !nterrors.HasCode(err, tt.code) {
				t.Fatalf("Validate() = %v, want code %s", err, tt.code)
			}
			if got := nterrors.Details(err)["field"]; got != tt.field {
				t.Errorf("field = %v, want %s", got, tt.field)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestConfig_PathHelpers(t *testing.T) {
	cfg := Default()
	baseDir := "/project"

	if got := cfg.WorkflowsDir(baseDir); got != "/project/.neoterm/workflows" {
		t.Errorf("WorkflowsDir = %s, want /project/.neoterm/workflows", got)
	}
	if got := cfg.SessionsDir(baseDir); got != "/project/.neoterm/sessions" {
		t.Errorf("SessionsDir = %s, want /project/.neoterm/sessions", got)
	}
	if got := cfg.LogsDir(baseDir); got != "/project/.neoterm/logs" {
		t.Errorf("LogsDir = %s, want /project/.neoterm/logs", got)
	}

	cfg.Paths.WorkflowsDir = "/absolute/workflows"
	if got := cfg.WorkflowsDir(baseDir); got != "/absolute/workflows" {
		t.Errorf("WorkflowsDir (abs) = %s, want /absolute/workflows", got)
	}

	cfg.Logging.File = "neoterm.log"
	if got := cfg.LogFile(baseDir); got != "/project/.neoterm/logs/neoterm.log" {
		t.Errorf("LogFile = %s", got)
	}
	cfg.Logging.File = "/var/log/neoterm.log"
	if got := cfg.LogFile(baseDir); got != "/var/log/neoterm.log" {
		t.Errorf("LogFile (abs) = %s", got)
	}
}
