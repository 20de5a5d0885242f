package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Errorf("Default() fails validation: %v", ValidationErrors(errs))
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Remote.CLI != "kubectl" {
		t.Errorf("Remote.CLI = %q", cfg.Remote.CLI)
	}
	if cfg.Remote.Namespace != "relay-agents" {
		t.Errorf("Remote.Namespace = %q", cfg.Remote.Namespace)
	}
	if cfg.Remote.Container != "workspace" {
		t.Errorf("Remote.Container = %q", cfg.Remote.Container)
	}
	if cfg.Step.Timeout() != 5*time.Minute {
		t.Errorf("Step.Timeout() = %v", cfg.Step.Timeout())
	}
	if cfg.Branch.Pattern != "relay/{type}/{id}" {
		t.Errorf("Branch.Pattern = %q", cfg.Branch.Pattern)
	}
	if cfg.Runner.Concurrency != 4 {
		t.Errorf("Runner.Concurrency = %d", cfg.Runner.Concurrency)
	}
}

func TestRemoteExecEnv(t *testing.T) {
	cfg := Default()
	env := cfg.Remote.ExecEnv()

	if env.CLI != "kubectl" || env.Namespace != "relay-agents" || env.Container != "workspace" {
		t.Errorf("ExecEnv() = %+v", env)
	}
	if env.ExistsTimeout != 5*time.Second {
		t.Errorf("ExistsTimeout = %v", env.ExistsTimeout)
	}
	if env.WorkspaceRoot != "/workspace" {
		t.Errorf("WorkspaceRoot = %q", env.WorkspaceRoot)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.Namespace != "relay-agents" {
		t.Errorf("Namespace = %q", cfg.Remote.Namespace)
	}
	if cfg.Step.Retries != 2 {
		t.Errorf("Retries = %d", cfg.Step.Retries)
	}
}

func TestLoadOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("remote.namespace", "relay-staging")
	viper.Set("step.timeout_seconds", 60)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.Namespace != "relay-staging" {
		t.Errorf("Namespace = %q", cfg.Remote.Namespace)
	}
	if cfg.Step.Timeout() != time.Minute {
		t.Errorf("Timeout = %v", cfg.Step.Timeout())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("runner.concurrency", 0)

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want validation failure")
	}
}

func TestResolveWorktreeDir(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		baseDir string
		want    string
	}{
		{"default", "", "/repo", "/repo/.relay/worktrees"},
		{"absolute", "/fast/worktrees", "/repo", "/fast/worktrees"},
		{"relative", "wt", "/repo", "/repo/wt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &PathsConfig{WorktreeDir: tt.dir}
			if got := p.ResolveWorktreeDir(tt.baseDir); got != tt.want {
				t.Errorf("ResolveWorktreeDir(%q) = %q, want %q", tt.baseDir, got, tt.want)
			}
		})
	}
}

func TestResolveStorePathExplicit(t *testing.T) {
	p := &PathsConfig{StorePath: "/var/lib/relay/relay.db"}
	if got := p.ResolveStorePath(); got != "/var/lib/relay/relay.db" {
		t.Errorf("ResolveStorePath() = %q", got)
	}
}

func TestConfigDirRespectsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := ConfigDir(); got != "/xdg/relay" {
		t.Errorf("ConfigDir() = %q", got)
	}
}
