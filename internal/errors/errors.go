// Package errors provides centralized error definitions and error handling
// utilities for the Relay codebase. It defines domain-specific errors,
// semantic error types, error constructors with context wrapping, and error
// classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - ExecError: a subprocess or remote-exec call failed (exit code + streams)
//   - GitError: errors related to git operations (worktrees, branches, commits)
//   - PlatformError: errors from a code-hosting platform's HTTP API
//   - ConsistencyError: eventually-consistent platform state (branch not yet
//     visible, no diff between branches) that callers may retry at a higher level
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or step configuration
//   - TimeoutError: operation exceeded its deadline
//   - RetryExhaustedError: all retry attempts failed
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewGitError("checkout failed", baseErr).WithBranch("feature-x")
//	err := errors.NewExecError("git push failed", 128, stdout, stderr)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrBranchNotFound) { ... }
//
//	var execErr *errors.ExecError
//	if errors.As(err, &execErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeNotFound indicates that a worktree could not be found.
	ErrWorktreeNotFound = New("worktree not found")
	// ErrWorktreeInUse indicates that a worktree path is claimed by another job.
	ErrWorktreeInUse = New("worktree is in use by another job")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrBranchExists indicates that a branch already exists.
	ErrBranchExists = New("branch already exists")
	// ErrNoChanges indicates that a commit was requested but nothing changed.
	ErrNoChanges = New("no changes to commit")
)

// Platform-related sentinel errors
var (
	// ErrPlatformUnknown indicates that no platform could be detected for a work item.
	ErrPlatformUnknown = New("unknown platform")
	// ErrNoCredentials indicates that no credentials are available for a platform.
	ErrNoCredentials = New("no credentials configured")
	// ErrPullRequestExists indicates that an open pull request already covers the branch.
	ErrPullRequestExists = New("pull request already exists")
	// ErrNoCommitsBetween indicates that the source branch has no commits beyond the base.
	ErrNoCommitsBetween = New("no commits between branches")
)

// Step and general sentinel errors
var (
	// ErrStepNotFound indicates that no executor is registered for a step action.
	ErrStepNotFound = New("step action not found")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// RelayError is the base interface for all Relay errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type RelayError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ExecError represents a failed subprocess or remote-exec invocation.
// It carries the exit code and the captured output streams so operators
// can diagnose failures without re-running with higher verbosity.
//
// ExitCode is -1 when the process was killed, the exit status was unknown,
// or the process could not be spawned at all.
type ExecError struct {
	baseError
	ExitCode int
	Stdout   string
	Stderr   string
	Command  string
}

// NewExecError creates a new ExecError.
func NewExecError(message string, exitCode int, stdout, stderr string) *ExecError {
	return &ExecError{
		baseError: baseError{
			message:   message,
			severity:  SeverityError,
			retryable: false,
		},
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

// WithCommand records the command that failed.
func (e *ExecError) WithCommand(command string) *ExecError {
	e.Command = command
	return e
}

// WithCause adds a cause to the error.
func (e *ExecError) WithCause(cause error) *ExecError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ExecError) WithRetryable(r bool) *ExecError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ExecError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("cmd=%s", e.Command))
	}

	msg := fmt.Sprintf("exec error [%s]: %s", strings.Join(parts, ", "), e.message)
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if strings.TrimSpace(e.Stderr) != "" {
		msg = fmt.Sprintf("%s\nstderr: %s", msg, strings.TrimSpace(e.Stderr))
	}
	return msg
}

// Is checks if this error matches the target.
func (e *ExecError) Is(target error) bool {
	if _, ok := target.(*ExecError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", errors.ErrWorktreeInUse)
//	err = err.WithBranch("feature-x").WithWorktree("/path/to/worktree")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: false,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PlatformError represents an error from a code-hosting platform's HTTP API.
// It carries the HTTP status and, when the API returned structured
// field-level validation detail, the concatenated detail messages.
type PlatformError struct {
	baseError
	Platform   string
	StatusCode int
	Owner      string
	Repo       string
	Details    []string // field/resource/code messages from the API
}

// NewPlatformError creates a new PlatformError.
func NewPlatformError(platform, message string, cause error) *PlatformError {
	return &PlatformError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: false,
		},
		Platform: platform,
	}
}

// WithStatus records the HTTP status code.
func (e *PlatformError) WithStatus(code int) *PlatformError {
	e.StatusCode = code
	return e
}

// WithRepository adds owner/repo context to the error.
func (e *PlatformError) WithRepository(owner, repo string) *PlatformError {
	e.Owner = owner
	e.Repo = repo
	return e
}

// WithDetails records structured validation messages from the API.
func (e *PlatformError) WithDetails(details []string) *PlatformError {
	e.Details = details
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *PlatformError) WithRetryable(r bool) *PlatformError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *PlatformError) Error() string {
	var parts []string
	if e.Platform != "" {
		parts = append(parts, fmt.Sprintf("platform=%s", e.Platform))
	}
	if e.Owner != "" && e.Repo != "" {
		parts = append(parts, fmt.Sprintf("repo=%s/%s", e.Owner, e.Repo))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}

	prefix := "platform error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("platform error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if len(e.Details) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(e.Details, "; "))
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *PlatformError) Is(target error) bool {
	if _, ok := target.(*PlatformError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConsistencyError represents eventually-consistent platform state: the
// remote API does not yet reflect a completed push (branch not visible,
// diff not computable). Unlike hard failures, callers may legitimately
// retry the whole higher-level operation later.
type ConsistencyError struct {
	baseError
	Branch string
}

// NewConsistencyError creates a new ConsistencyError.
func NewConsistencyError(message string, cause error) *ConsistencyError {
	return &ConsistencyError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *ConsistencyError) WithBranch(branch string) *ConsistencyError {
	e.Branch = branch
	return e
}

// Error returns the formatted error message.
func (e *ConsistencyError) Error() string {
	prefix := "consistency error"
	if e.Branch != "" {
		prefix = fmt.Sprintf("consistency error [branch=%s]", e.Branch)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ConsistencyError) Is(target error) bool {
	if _, ok := target.(*ConsistencyError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("step action", "deploy")
//	fmt.Println(err) // "step action 'deploy' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:   fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:  SeverityWarning,
			retryable: false,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or step configuration.
//
// Example:
//
//	err := errors.NewValidationError("title cannot be empty").WithField("title")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:   message,
			severity:  SeverityWarning,
			retryable: false,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that exceeded its deadline.
//
// Example:
//
//	err := errors.NewTimeoutError("git_push", 30*time.Second)
//	fmt.Println(err) // "timeout error: git_push (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true, // Timeouts are generally retryable
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// RetryExhaustedError represents an operation that failed on every attempt.
// It wraps the last observed error along with the operation identifier and
// total attempt count.
type RetryExhaustedError struct {
	baseError
	Operation string
	Attempts  int
}

// NewRetryExhaustedError creates a new RetryExhaustedError.
func NewRetryExhaustedError(operation string, attempts int, lastErr error) *RetryExhaustedError {
	return &RetryExhaustedError{
		baseError: baseError{
			message:   fmt.Sprintf("%s failed after %d attempts", operation, attempts),
			cause:     lastErr,
			severity:  SeverityError,
			retryable: false,
		},
		Operation: operation,
		Attempts:  attempts,
	}
}

// Error returns the formatted error message.
func (e *RetryExhaustedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("retries exhausted: %s failed after %d attempts: %v", e.Operation, e.Attempts, e.cause)
	}
	return fmt.Sprintf("retries exhausted: %s failed after %d attempts", e.Operation, e.Attempts)
}

// Is checks if this error matches the target.
func (e *RetryExhaustedError) Is(target error) bool {
	if _, ok := target.(*RetryExhaustedError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing RelayError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    time.Sleep(backoff)
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var relayErr RelayError
	if As(err, &relayErr) {
		return relayErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement RelayError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var relayErr RelayError
	if As(err, &relayErr) {
		return relayErr.Severity()
	}

	return SeverityError
}

// IsConsistency returns true if the error represents eventually-consistent
// platform state rather than a hard failure. Callers seeing a consistency
// error may retry the whole higher-level operation later.
func IsConsistency(err error) bool {
	var consistencyErr *ConsistencyError
	return As(err, &consistencyErr)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to process step")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to run step %s", stepID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
