// Package step defines the workflow step data model and the executors for
// git and worktree actions. A dispatcher routes a step's declared action to
// its executor and runs it through the resilience wrapper.
package step

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/execenv"
	"github.com/driftworks/relay/internal/gitexec"
	"github.com/driftworks/relay/internal/logging"
	"github.com/driftworks/relay/internal/worktree"
)

// Step action names.
const (
	ActionCheckout       = "checkout"
	ActionBranch         = "branch"
	ActionCommit         = "commit"
	ActionPush           = "push"
	ActionWorktreeCreate = "worktree-create"
	ActionWorktreeRemove = "worktree-remove"
)

// Step is one unit of workflow work: an action plus its configuration.
type Step struct {
	ID     string            `yaml:"id"`
	Action string            `yaml:"action"`
	Config map[string]string `yaml:"config"`
}

// config returns a step config value, or "" when unset.
func (s Step) config(key string) string {
	return s.Config[key]
}

// WorkItem identifies the tracked unit of work a job acts on.
type WorkItem struct {
	ID            string
	Title         string
	Type          string // feature, bug, chore
	RepositoryURL string
	Source        string // explicit platform tag, may be empty
}

// ExecutionContext is the per-job state threaded through step executors.
// Executors return an updated copy rather than mutating shared state, so
// step N+1 sees step N's effects without hidden aliasing.
type ExecutionContext struct {
	RepoPath      string
	WorktreePath  string
	BranchName    string
	DefaultBranch string
	RepoURL       string
	PodName       string // empty means local execution
	Git           gitexec.GitConfig
	WorkItem      WorkItem
}

// Environment constructs the execution environment this context selects.
// The selection happens per step invocation, not once globally.
func (c ExecutionContext) Environment(remote execenv.RemoteConfig) *execenv.Environment {
	return execenv.New(c.PodName, remote)
}

// Result is a step executor's success payload: a human-readable message and
// the updated execution context for the next step.
type Result struct {
	Message string
	Context ExecutionContext
}

// requiredConfig lists the config keys each action must carry.
var requiredConfig = map[string][]string{
	ActionCheckout:       nil,
	ActionBranch:         nil,
	ActionCommit:         {"message"},
	ActionPush:           nil,
	ActionWorktreeCreate: nil,
	ActionWorktreeRemove: {"path"},
}

// KnownAction reports whether action names a registered executor.
func KnownAction(action string) bool {
	_, ok := requiredConfig[action]
	return ok
}

// Validate checks a step's configuration before execution.
func Validate(s Step) error {
	required, ok := requiredConfig[s.Action]
	if !ok {
		return errors.NewNotFoundError("step action", s.Action)
	}
	for _, key := range required {
		if strings.TrimSpace(s.config(key)) == "" {
			return errors.NewValidationError(
				fmt.Sprintf("step %q requires config key %q", s.Action, key)).
				WithField(key)
		}
	}
	if raw := s.config("timeout_seconds"); raw != "" {
		if _, err := strconv.Atoi(raw); err != nil {
			return errors.NewValidationError("timeout_seconds must be an integer").
				WithField("timeout_seconds").WithValue(raw)
		}
	}
	if raw := s.config("retries"); raw != "" {
		if _, err := strconv.Atoi(raw); err != nil {
			return errors.NewValidationError("retries must be an integer").
				WithField("retries").WithValue(raw)
		}
	}
	return nil
}

// stepTimeout returns the per-step timeout override, or fallback.
func stepTimeout(s Step, fallback time.Duration) time.Duration {
	if raw := s.config("timeout_seconds"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// stepRetries returns the per-step retry override, or fallback.
func stepRetries(s Step, fallback int) int {
	if raw := s.config("retries"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

// BranchName computes the branch name from a pattern with {type} and {id}
// placeholders substituted from the work item.
func BranchName(pattern string, item WorkItem) string {
	name := strings.ReplaceAll(pattern, "{type}", sanitizeRef(item.Type))
	name = strings.ReplaceAll(name, "{id}", sanitizeRef(item.ID))
	return name
}

// sanitizeRef lowers a work item field into a git-ref-safe token.
func sanitizeRef(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '/':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// stepLogger attaches step identity to a logger.
func stepLogger(log *logging.Logger, s Step) *logging.Logger {
	if log == nil {
		return logging.NopLogger()
	}
	id := s.ID
	if id == "" {
		id = s.Action
	}
	return log.WithStep(id)
}

// worktreeManager builds the worktree manager for a context.
func worktreeManager(c ExecutionContext, env *execenv.Environment, live worktree.LivenessCheck, log *logging.Logger) *worktree.Manager {
	return worktree.NewManager(c.RepoPath, env, live, log)
}
