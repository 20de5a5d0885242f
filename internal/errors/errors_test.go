package errors

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestExecError(t *testing.T) {
	err := NewExecError("git push failed", 128, "out", "fatal: remote error").
		WithCommand("git push origin HEAD")

	if err.ExitCode != 128 {
		t.Errorf("ExitCode = %d, want 128", err.ExitCode)
	}

	msg := err.Error()
	if !strings.Contains(msg, "exit=128") {
		t.Errorf("Error() = %q, want exit code included", msg)
	}
	if !strings.Contains(msg, "git push origin HEAD") {
		t.Errorf("Error() = %q, want command included", msg)
	}
	if !strings.Contains(msg, "fatal: remote error") {
		t.Errorf("Error() = %q, want stderr included", msg)
	}

	var execErr *ExecError
	if !As(err, &execErr) {
		t.Error("As() failed to match *ExecError")
	}
}

func TestGitErrorContext(t *testing.T) {
	err := NewGitError("failed to create worktree", ErrWorktreeInUse).
		WithBranch("feature-x").
		WithWorktree("/tmp/wt").
		WithGitOutput("fatal: already checked out")

	if !Is(err, ErrWorktreeInUse) {
		t.Error("Is(err, ErrWorktreeInUse) = false, want true")
	}

	msg := err.Error()
	for _, want := range []string{"branch=feature-x", "worktree=/tmp/wt", "already checked out"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestPlatformErrorDetails(t *testing.T) {
	err := NewPlatformError("github", "failed to create pull request", nil).
		WithStatus(422).
		WithRepository("octocat", "hello").
		WithDetails([]string{"PullRequest head: invalid", "PullRequest base: invalid"})

	msg := err.Error()
	for _, want := range []string{"status=422", "repo=octocat/hello", "head: invalid", "base: invalid"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestConsistencyErrorIsRetryable(t *testing.T) {
	err := NewConsistencyError("branch not yet visible", nil).WithBranch("feat/x")

	if !IsRetryable(err) {
		t.Error("IsRetryable() = false for consistency error, want true")
	}
	if !IsConsistency(err) {
		t.Error("IsConsistency() = false, want true")
	}
	if IsConsistency(NewGitError("boom", nil)) {
		t.Error("IsConsistency() = true for git error, want false")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("git_push", 30*time.Second)

	if !Is(err, ErrTimeout) {
		t.Error("Is(err, ErrTimeout) = false, want true")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false for timeout, want true")
	}
	if !strings.Contains(err.Error(), "30s") {
		t.Errorf("Error() = %q, want duration included", err.Error())
	}
}

func TestRetryExhaustedError(t *testing.T) {
	last := NewExecError("boom", 1, "", "")
	err := NewRetryExhaustedError("commit_step", 4, last)

	if err.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", err.Attempts)
	}
	var execErr *ExecError
	if !As(err, &execErr) {
		t.Error("As() failed to unwrap the last error")
	}
	if !strings.Contains(err.Error(), "after 4 attempts") {
		t.Errorf("Error() = %q, want attempt count included", err.Error())
	}
	if IsRetryable(err) {
		t.Error("IsRetryable() = true for exhausted retries, want false")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"plain error", New("boom"), false},
		{"timeout sentinel wrapped", fmt.Errorf("op: %w", ErrTimeout), true},
		{"git error default", NewGitError("boom", nil), false},
		{"git error marked retryable", NewGitError("boom", nil).WithRetryable(true), true},
		{"exec error marked retryable", NewExecError("boom", -1, "", "").WithRetryable(true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want debug", got)
	}
	if got := GetSeverity(New("boom")); got != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want error", got)
	}
	if got := GetSeverity(NewValidationError("bad")); got != SeverityWarning {
		t.Errorf("GetSeverity(validation) = %v, want warning", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := ErrBranchNotFound
	wrapped := Wrapf(base, "step %s", "push")
	if !Is(wrapped, ErrBranchNotFound) {
		t.Error("wrapped error lost its cause")
	}
	if !strings.Contains(wrapped.Error(), "step push") {
		t.Errorf("Error() = %q, want context included", wrapped.Error())
	}
}
