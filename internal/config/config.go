package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	nterrors "github.com/neoterm/neoterm/internal/errors"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// PathsConfig holds path configuration.
type PathsConfig struct {
	WorkflowsDir string `toml:"workflows_dir"`
	SessionsDir  string `toml:"sessions_dir"`
	LogsDir      string `toml:"logs_dir"`
}

// ShellConfig holds the shell used to run blocks and the initial pty size.
type ShellConfig struct {
	Program string `toml:"program"`
	Rows    uint16 `toml:"rows"`
	Cols    uint16 `toml:"cols"`
}

// ExecutionConfig holds pty execution settings.
type ExecutionConfig struct {
	// MaxConcurrent bounds the number of blocks holding a pty at once.
	// Blocks beyond the limit stay queued until a slot frees up.
	MaxConcurrent int `toml:"max_concurrent"`

	// BufferBytes bounds unconsumed output per block. The pty reader
	// blocks when the bound is reached; output is never dropped.
	BufferBytes int `toml:"buffer_bytes"`

	ChunkSize    int           `toml:"chunk_size"`
	GracePeriod  time.Duration `toml:"grace_period"`  // SIGTERM -> SIGKILL
	DrainTimeout time.Duration `toml:"drain_timeout"` // Output drain after exit
}

// SandboxConfig holds the default sandbox policy.
type SandboxConfig struct {
	Roots        []string      `toml:"roots"`
	AllowWrite   bool          `toml:"allow_write"`
	AllowNetwork bool          `toml:"allow_network"`
	TimeLimit    time.Duration `toml:"time_limit"`
	EnvAllow     []string      `toml:"env_allow"`
}

// HistoryConfig holds history settings.
type HistoryConfig struct {
	// MaxBlocks prunes the oldest blocks once exceeded. 0 disables pruning.
	MaxBlocks int `toml:"max_blocks"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// Config is the main configuration struct for neoterm.
type Config struct {
	Version   string          `toml:"version"`
	Paths     PathsConfig     `toml:"paths"`
	Shell     ShellConfig     `toml:"shell"`
	Execution ExecutionConfig `toml:"execution"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	History   HistoryConfig   `toml:"history"`
	Logging   LoggingConfig   `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			WorkflowsDir: ".neoterm/workflows",
			SessionsDir:  ".neoterm/sessions",
			LogsDir:      ".neoterm/logs",
		},
		Shell: ShellConfig{
			Program: "/bin/sh",
			Rows:    24,
			Cols:    80,
		},
		Execution: ExecutionConfig{
			MaxConcurrent: 4,
			BufferBytes:   256 * 1024,
			ChunkSize:     4096,
			GracePeriod:   3 * time.Second,
			DrainTimeout:  2 * time.Second,
		},
		Sandbox: SandboxConfig{
			AllowWrite:   true,
			AllowNetwork: true,
			EnvAllow:     []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "SHELL", "TMPDIR"},
		},
		History: HistoryConfig{
			MaxBlocks: 10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
			File:   "",
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.neoterm/config.toml -> .neoterm/config.toml
// Later configs override earlier ones (project-level takes precedence).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".neoterm", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".neoterm", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch {
	case c.Version == "":
		return nterrors.ConfigMissingField("version")
	case c.Paths.WorkflowsDir == "":
		return nterrors.ConfigMissingField("paths.workflows_dir")
	case c.Paths.SessionsDir == "":
		return nterrors.ConfigMissingField("paths.sessions_dir")
	case c.Shell.Program == "":
		return nterrors.ConfigMissingField("shell.program")
	}
	if c.Shell.Rows == 0 || c.Shell.Cols == 0 {
		return nterrors.ConfigInvalidValue("shell.rows", fmt.Sprintf("%dx%d", c.Shell.Rows, c.Shell.Cols), "rows and cols must be positive")
	}
	if c.Execution.MaxConcurrent <= 0 {
		return nterrors.ConfigInvalidValue("execution.max_concurrent", c.Execution.MaxConcurrent, "must be positive")
	}
	if c.Execution.BufferBytes <= 0 {
		return nterrors.ConfigInvalidValue("execution.buffer_bytes", c.Execution.BufferBytes, "must be positive")
	}
	if c.Execution.ChunkSize <= 0 || c.Execution.ChunkSize > c.Execution.BufferBytes {
		return nterrors.ConfigInvalidValue("execution.chunk_size", c.Execution.ChunkSize, "must be positive and no larger than buffer_bytes")
	}
	if c.Execution.GracePeriod <= 0 {
		return nterrors.ConfigInvalidValue("execution.grace_period", c.Execution.GracePeriod.String(), "must be positive")
	}
	if c.Sandbox.TimeLimit < 0 {
		return nterrors.ConfigInvalidValue("sandbox.time_limit", c.Sandbox.TimeLimit.String(), "must not be negative")
	}
	for _, root := range c.Sandbox.Roots {
		if !filepath.IsAbs(root) {
			return nterrors.ConfigInvalidValue("sandbox.roots", root, "must be an absolute path")
		}
	}
	if c.History.MaxBlocks < 0 {
		return nterrors.ConfigInvalidValue("history.max_blocks", c.History.MaxBlocks, "must not be negative")
	}
	return nil
}

// WorkflowsDir returns the absolute workflows directory path.
func (c *Config) WorkflowsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.WorkflowsDir)
}

// SessionsDir returns the absolute sessions directory path.
func (c *Config) SessionsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.SessionsDir)
}

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.LogsDir)
}

// LogFile returns the absolute log file path.
func (c *Config) LogFile(baseDir string) string {
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.LogsDir(baseDir), c.Logging.File)
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
