package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "remote.namespace")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// namespaceRegex validates Kubernetes namespace names (RFC 1123 labels)
var namespaceRegex = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateRemote()...)
	errors = append(errors, c.validateStep()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateRunner()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateRemote validates the RemoteConfig
func (c *Config) validateRemote() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Remote.CLI) == "" {
		errors = append(errors, ValidationError{
			Field:   "remote.cli",
			Value:   c.Remote.CLI,
			Message: "must not be empty",
		})
	}

	if c.Remote.Namespace != "" && !namespaceRegex.MatchString(c.Remote.Namespace) {
		errors = append(errors, ValidationError{
			Field:   "remote.namespace",
			Value:   c.Remote.Namespace,
			Message: "must be a valid Kubernetes namespace name (lowercase alphanumeric and hyphens)",
		})
	}

	if c.Remote.ExistsTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "remote.exists_timeout_seconds",
			Value:   c.Remote.ExistsTimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	if c.Remote.WorkspaceRoot != "" && !strings.HasPrefix(c.Remote.WorkspaceRoot, "/") {
		errors = append(errors, ValidationError{
			Field:   "remote.workspace_root",
			Value:   c.Remote.WorkspaceRoot,
			Message: "must be an absolute path",
		})
	}

	return errors
}

// validateStep validates the StepConfig
func (c *Config) validateStep() []ValidationError {
	var errors []ValidationError

	if c.Step.TimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "step.timeout_seconds",
			Value:   c.Step.TimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	// Upper bound: a step attempt that needs more than an hour indicates a
	// workflow design problem, not a timeout problem.
	const maxTimeoutSeconds = 3600
	if c.Step.TimeoutSeconds > maxTimeoutSeconds {
		errors = append(errors, ValidationError{
			Field:   "step.timeout_seconds",
			Value:   c.Step.TimeoutSeconds,
			Message: fmt.Sprintf("exceeds maximum of %d", maxTimeoutSeconds),
		})
	}

	if c.Step.Retries < 0 {
		errors = append(errors, ValidationError{
			Field:   "step.retries",
			Value:   c.Step.Retries,
			Message: "must be non-negative",
		})
	}

	const maxRetries = 10
	if c.Step.Retries > maxRetries {
		errors = append(errors, ValidationError{
			Field:   "step.retries",
			Value:   c.Step.Retries,
			Message: fmt.Sprintf("exceeds maximum of %d", maxRetries),
		})
	}

	return errors
}

// validateBranch validates the BranchConfig
func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Branch.Pattern) == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.pattern",
			Value:   c.Branch.Pattern,
			Message: "must not be empty",
		})
		return errors
	}

	// Without {id} every job of the same type computes the same branch name.
	if !strings.Contains(c.Branch.Pattern, "{id}") {
		errors = append(errors, ValidationError{
			Field:   "branch.pattern",
			Value:   c.Branch.Pattern,
			Message: "must contain the {id} placeholder",
		})
	}

	for _, bad := range []string{" ", "~", "^", ":", "?", "*", "[", "\\", ".."} {
		if strings.Contains(c.Branch.Pattern, bad) {
			errors = append(errors, ValidationError{
				Field:   "branch.pattern",
				Value:   c.Branch.Pattern,
				Message: fmt.Sprintf("contains character invalid in git refs: %q", bad),
			})
		}
	}

	return errors
}

// validateRunner validates the RunnerConfig
func (c *Config) validateRunner() []ValidationError {
	var errors []ValidationError

	if c.Runner.Concurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "runner.concurrency",
			Value:   c.Runner.Concurrency,
			Message: "must be at least 1",
		})
	}

	const maxConcurrency = 64
	if c.Runner.Concurrency > maxConcurrency {
		errors = append(errors, ValidationError{
			Field:   "runner.concurrency",
			Value:   c.Runner.Concurrency,
			Message: fmt.Sprintf("exceeds maximum of %d", maxConcurrency),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB < 1 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be at least 1",
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
