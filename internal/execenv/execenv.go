// Package execenv abstracts where a job's shell commands run: on the local
// host or inside a remote pod reached through the cluster orchestrator's
// exec mechanism.
//
// Downstream git code holds an Environment and stays indifferent to which
// variant it is. The environment is an explicit tagged choice constructed
// once per step invocation from the job's execution context, never
// re-derived ad hoc inside executors.
package execenv

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/driftworks/relay/internal/errors"
)

// Kind identifies the execution environment variant.
type Kind int

const (
	// Local runs commands as local subprocesses.
	Local Kind = iota
	// Remote runs commands inside a named pod via the orchestrator CLI.
	Remote
)

// String returns the string representation of the environment kind.
func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// RemoteConfig holds the constants of the remote-exec boundary. They are
// injected at construction so the boundary is testable without a cluster.
type RemoteConfig struct {
	// CLI is the orchestrator command used to reach pods.
	CLI string
	// Namespace is the fixed namespace all agent pods run in.
	Namespace string
	// Container is the fixed container name inside each pod.
	Container string
	// ExistsTimeout bounds the remote path-existence probe.
	ExistsTimeout time.Duration
	// WorkspaceRoot is the directory pods mount their checkout under.
	WorkspaceRoot string
}

// DefaultRemoteConfig returns the standard remote-exec constants.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		CLI:           "kubectl",
		Namespace:     "relay-agents",
		Container:     "workspace",
		ExistsTimeout: 5 * time.Second,
		WorkspaceRoot: "/workspace",
	}
}

// Result carries the captured output streams of a completed command.
type Result struct {
	Stdout string
	Stderr string
}

// CommandRunner abstracts process spawning for testability.
// This allows tests to observe and fake command invocations without
// executing them.
type CommandRunner interface {
	// Run executes a command and returns its captured streams and exit
	// code. exitCode is -1 when the process was killed, its status is
	// unknown, or it could not be spawned; spawnErr is non-nil only for
	// spawn failures.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, spawnErr error)
}

// OSCommandRunner executes commands using os/exec.
type OSCommandRunner struct{}

// Run executes a command, capturing stdout and stderr separately.
func (OSCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed or unknown exit status.
			code = -1
		}
		return stdout.String(), stderr.String(), code, nil
	}

	// Spawn failure: the binary is missing or not executable.
	return stdout.String(), stderr.String(), -1, err
}

// Environment is a command-execution and path-existence capability bound to
// either the local host or a remote pod. Callers must not depend on which
// variant they hold.
type Environment struct {
	kind    Kind
	podName string
	remote  RemoteConfig
	fs      afero.Fs
	runner  CommandRunner
}

// New constructs an Environment: a non-empty pod name selects the remote
// variant, otherwise the local one.
func New(podName string, remote RemoteConfig) *Environment {
	kind := Local
	if podName != "" {
		kind = Remote
	}
	return &Environment{
		kind:    kind,
		podName: podName,
		remote:  remote,
		fs:      afero.NewOsFs(),
		runner:  OSCommandRunner{},
	}
}

// NewWithRunner constructs an Environment with injected filesystem and
// runner. This is primarily useful for testing.
func NewWithRunner(podName string, remote RemoteConfig, fs afero.Fs, runner CommandRunner) *Environment {
	env := New(podName, remote)
	if fs != nil {
		env.fs = fs
	}
	if runner != nil {
		env.runner = runner
	}
	return env
}

// Kind returns the environment variant.
func (e *Environment) Kind() Kind {
	return e.kind
}

// PodName returns the target pod name, or "" for the local variant.
func (e *Environment) PodName() string {
	return e.podName
}

// Exec runs a shell command string and returns its captured streams.
// The command is interpreted by `sh -c` in both variants so it behaves
// identically locally and inside the pod. Any failure is returned as a
// typed *errors.ExecError carrying the exit code and both streams.
func (e *Environment) Exec(ctx context.Context, command string) (Result, error) {
	var name string
	var args []string

	switch e.kind {
	case Remote:
		name = e.remote.CLI
		args = []string{
			"exec", e.podName,
			"-n", e.remote.Namespace,
			"-c", e.remote.Container,
			"--", "sh", "-c", command,
		}
	default:
		name = "sh"
		args = []string{"-c", command}
	}

	stdout, stderr, code, spawnErr := e.runner.Run(ctx, name, args...)
	if spawnErr != nil {
		return Result{Stdout: stdout, Stderr: stderr},
			errors.NewExecError(spawnErr.Error(), -1, stdout, stderr).
				WithCommand(command).
				WithCause(spawnErr)
	}
	if code != 0 {
		return Result{Stdout: stdout, Stderr: stderr},
			errors.NewExecError("command failed", code, stdout, stderr).
				WithCommand(command)
	}
	return Result{Stdout: stdout, Stderr: stderr}, nil
}

// Exists reports whether a directory path exists in the environment.
//
// The local variant stats the path directly. The remote variant runs a
// directory test through the pod with a hard timeout; any failure —
// non-zero exit, timeout, or transport error — is treated as "does not
// exist", because upstream git code needs a plain yes/no answer.
func (e *Environment) Exists(path string) bool {
	if e.kind == Local {
		ok, err := afero.Exists(e.fs, path)
		return err == nil && ok
	}

	timeout := e.remote.ExistsTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteConfig().ExistsTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := e.Exec(ctx, fmt.Sprintf("test -d %s", ShellQuote(path)))
	return err == nil
}

// PodRepoPath computes the repository path used for git commands inside a
// pod: the workspace root joined with the repo name derived from the
// repository URL. The job's original repo path does not apply remotely.
func (e *Environment) PodRepoPath(repoURL, workItemID string) string {
	root := e.remote.WorkspaceRoot
	if root == "" {
		root = DefaultRemoteConfig().WorkspaceRoot
	}
	return root + "/" + RepoNameFromURL(repoURL, workItemID)
}

// RepoNameFromURL derives a repository directory name from its URL: the
// last path segment with a trailing ".git" stripped. When the segment is
// empty it falls back to "repo-<workItemID>".
func RepoNameFromURL(repoURL, workItemID string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(repoURL), "/")

	segment := trimmed
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		segment = trimmed[idx+1:]
	}
	segment = strings.TrimSuffix(segment, ".git")

	if segment == "" {
		return "repo-" + workItemID
	}
	return segment
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes, so
// it passes through `sh -c` unmodified.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
