package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/driftworks/relay/internal/execenv"
)

// Config represents the complete relay configuration
type Config struct {
	Remote   RemoteConfig   `mapstructure:"remote"`
	Step     StepConfig     `mapstructure:"step"`
	Branch   BranchConfig   `mapstructure:"branch"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Platform PlatformConfig `mapstructure:"platform"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// RemoteConfig controls remote (pod) execution
type RemoteConfig struct {
	// CLI is the command used to exec into pods (default: "kubectl")
	CLI string `mapstructure:"cli"`
	// Namespace is the Kubernetes namespace the agent pods run in
	Namespace string `mapstructure:"namespace"`
	// Container is the container name inside agent pods
	Container string `mapstructure:"container"`
	// ExistsTimeoutSeconds bounds remote existence probes (default: 5)
	ExistsTimeoutSeconds int `mapstructure:"exists_timeout_seconds"`
	// WorkspaceRoot is where repositories live inside agent pods
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// ExecEnv converts the section into the execution environment's config.
func (r RemoteConfig) ExecEnv() execenv.RemoteConfig {
	return execenv.RemoteConfig{
		CLI:           r.CLI,
		Namespace:     r.Namespace,
		Container:     r.Container,
		ExistsTimeout: time.Duration(r.ExistsTimeoutSeconds) * time.Second,
		WorkspaceRoot: r.WorkspaceRoot,
	}
}

// StepConfig controls per-step execution policy. Individual steps may
// override both values through their config keys.
type StepConfig struct {
	// TimeoutSeconds is the deadline for a single step attempt (default: 300)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// Retries is the number of retries after the first attempt (default: 2)
	Retries int `mapstructure:"retries"`
}

// Timeout returns the step timeout as a time.Duration
func (s StepConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// BranchConfig controls branch naming conventions
type BranchConfig struct {
	// Pattern is the branch name pattern with {type} and {id} placeholders
	// substituted from the work item (default: "relay/{type}/{id}")
	Pattern string `mapstructure:"pattern"`
}

// RunnerConfig controls job execution
type RunnerConfig struct {
	// Concurrency bounds how many jobs run at once (default: 4)
	Concurrency int `mapstructure:"concurrency"`
}

// PlatformConfig carries platform defaults that cannot be derived from a
// repository URL. Credentials are never stored here; they come from the
// environment (GITHUB_TOKEN, COPILOT_TOKEN, AZURE_DEVOPS_PAT).
type PlatformConfig struct {
	// Organization overrides the Azure DevOps organization parsed from the URL
	Organization string `mapstructure:"organization"`
	// Project overrides the Azure DevOps project parsed from the URL
	Project string `mapstructure:"project"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Enabled controls whether file logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where relay stores data
type PathsConfig struct {
	// WorktreeDir is the directory where git worktrees are created.
	// If empty, defaults to ".relay/worktrees" relative to the repository
	// root. Supports ~ for home directory expansion.
	WorktreeDir string `mapstructure:"worktree_dir"`

	// StorePath is the SQLite job history database path.
	// If empty, defaults to "relay.db" inside the config directory.
	StorePath string `mapstructure:"store_path"`
}

// ResolveWorktreeDir returns the resolved worktree directory path.
// If WorktreeDir is empty, it returns the default path relative to baseDir.
// If WorktreeDir starts with ~, it expands to the user's home directory.
// If WorktreeDir is a relative path, it's resolved relative to baseDir.
func (p *PathsConfig) ResolveWorktreeDir(baseDir string) string {
	if p.WorktreeDir == "" {
		return filepath.Join(baseDir, ".relay", "worktrees")
	}

	path := p.WorktreeDir

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// ResolveStorePath returns the job history database path.
func (p *PathsConfig) ResolveStorePath() string {
	if p.StorePath != "" {
		return p.StorePath
	}
	return filepath.Join(ConfigDir(), "relay.db")
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			CLI:                  "kubectl",
			Namespace:            "relay-agents",
			Container:            "workspace",
			ExistsTimeoutSeconds: 5,
			WorkspaceRoot:        "/workspace",
		},
		Step: StepConfig{
			TimeoutSeconds: 300,
			Retries:        2,
		},
		Branch: BranchConfig{
			Pattern: "relay/{type}/{id}",
		},
		Runner: RunnerConfig{
			Concurrency: 4,
		},
		Platform: PlatformConfig{
			Organization: "",
			Project:      "",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			WorktreeDir: "", // Empty means use default: .relay/worktrees
			StorePath:   "", // Empty means use default: <config dir>/relay.db
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Remote defaults
	viper.SetDefault("remote.cli", defaults.Remote.CLI)
	viper.SetDefault("remote.namespace", defaults.Remote.Namespace)
	viper.SetDefault("remote.container", defaults.Remote.Container)
	viper.SetDefault("remote.exists_timeout_seconds", defaults.Remote.ExistsTimeoutSeconds)
	viper.SetDefault("remote.workspace_root", defaults.Remote.WorkspaceRoot)

	// Step defaults
	viper.SetDefault("step.timeout_seconds", defaults.Step.TimeoutSeconds)
	viper.SetDefault("step.retries", defaults.Step.Retries)

	// Branch defaults
	viper.SetDefault("branch.pattern", defaults.Branch.Pattern)

	// Runner defaults
	viper.SetDefault("runner.concurrency", defaults.Runner.Concurrency)

	// Platform defaults
	viper.SetDefault("platform.organization", defaults.Platform.Organization)
	viper.SetDefault("platform.project", defaults.Platform.Project)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)
	viper.SetDefault("paths.store_path", defaults.Paths.StorePath)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay")
	}
	// Fall back to ~/.config/relay
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".config", "relay")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
