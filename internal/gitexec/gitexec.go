// Package gitexec runs git operations as shell command strings through an
// execution environment, so the same adapter drives a local checkout and a
// checkout living inside a remote pod.
package gitexec

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/execenv"
	"github.com/driftworks/relay/internal/logging"
)

// GitConfig is the immutable-per-step record of where git commands run and
// who they commit as. Executors derive rewritten copies instead of mutating
// the original.
type GitConfig struct {
	RepoPath  string
	RepoURL   string
	UserName  string
	UserEmail string
}

// ForEnvironment returns the GitConfig to use in the given environment.
// The remote variant gets a copy with RepoPath replaced by the pod-internal
// repository path; the job's original path does not exist inside the pod.
func (c GitConfig) ForEnvironment(env *execenv.Environment, workItemID string) GitConfig {
	if env.Kind() != execenv.Remote {
		return c
	}
	rewritten := c
	rewritten.RepoPath = env.PodRepoPath(c.RepoURL, workItemID)
	return rewritten
}

// noChangesPhrases is the known set of commit outputs meaning the working
// tree had nothing to commit. HEAD comparison in the commit step is the
// primary signal; this set is a compatibility shim for git frontends that
// report the condition as a failure.
var noChangesPhrases = []string{
	"nothing to commit",
	"no changes added to commit",
	"nothing added to commit",
	"working tree clean",
}

// isNoChangesOutput reports whether git output matches a known
// nothing-to-commit phrasing, case-insensitively.
func isNoChangesOutput(output string) bool {
	lower := strings.ToLower(output)
	for _, phrase := range noChangesPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Adapter executes git operations through an execution environment.
type Adapter struct {
	env *execenv.Environment
	log *logging.Logger
}

// New creates an Adapter bound to an environment.
func New(env *execenv.Environment, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Adapter{env: env, log: log}
}

// safeArg matches arguments that pass through `sh -c` without quoting.
var safeArg = regexp.MustCompile(`^[A-Za-z0-9@%+=:,./_-]+$`)

// quoteArg shell-quotes an argument only when it needs it, keeping the
// command strings readable in logs and errors.
func quoteArg(arg string) string {
	if safeArg.MatchString(arg) {
		return arg
	}
	return execenv.ShellQuote(arg)
}

// git builds a `git -C <repo>` command string and runs it through the
// environment.
func (a *Adapter) git(ctx context.Context, gc GitConfig, args ...string) (execenv.Result, error) {
	parts := []string{"git", "-C", quoteArg(gc.RepoPath)}
	for _, arg := range args {
		parts = append(parts, quoteArg(arg))
	}
	return a.env.Exec(ctx, strings.Join(parts, " "))
}

// combined returns the concatenated streams of a result for error context.
func combined(res execenv.Result) string {
	return strings.TrimSpace(res.Stdout + res.Stderr)
}

// execOutput extracts the captured streams from an ExecError, falling back
// to the result streams.
func execOutput(res execenv.Result, err error) string {
	var execErr *errors.ExecError
	if errors.As(err, &execErr) {
		return strings.TrimSpace(execErr.Stdout + execErr.Stderr)
	}
	return combined(res)
}

// EnsureIdentity configures the git user identity from the GitConfig when
// one is set. Commits made by the agent need a deterministic author.
func (a *Adapter) EnsureIdentity(ctx context.Context, gc GitConfig) error {
	if gc.UserName != "" {
		if res, err := a.git(ctx, gc, "config", "user.name", gc.UserName); err != nil {
			return errors.NewGitError("failed to set git user.name", err).
				WithRepository(gc.RepoPath).
				WithGitOutput(execOutput(res, err))
		}
	}
	if gc.UserEmail != "" {
		if res, err := a.git(ctx, gc, "config", "user.email", gc.UserEmail); err != nil {
			return errors.NewGitError("failed to set git user.email", err).
				WithRepository(gc.RepoPath).
				WithGitOutput(execOutput(res, err))
		}
	}
	return nil
}

// CheckoutBranch checks out branch, falling back to defaultBranch when
// branch is empty.
func (a *Adapter) CheckoutBranch(ctx context.Context, gc GitConfig, branch, defaultBranch string) error {
	target := branch
	if target == "" {
		target = defaultBranch
	}
	if target == "" {
		return errors.NewValidationError("no branch to check out").WithField("branch")
	}

	res, err := a.git(ctx, gc, "checkout", target)
	if err != nil {
		return errors.NewGitError("failed to checkout branch", err).
			WithRepository(gc.RepoPath).
			WithBranch(target).
			WithGitOutput(execOutput(res, err))
	}
	return nil
}

// CheckoutOrCreate checks out branch, creating it from base when it does
// not exist yet.
func (a *Adapter) CheckoutOrCreate(ctx context.Context, gc GitConfig, branch, base string) error {
	if branch == "" {
		return errors.NewValidationError("branch name is required").WithField("branch")
	}

	if _, err := a.git(ctx, gc, "checkout", branch); err == nil {
		return nil
	}

	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	res, err := a.git(ctx, gc, args...)
	if err != nil {
		return errors.NewGitError("failed to create branch", err).
			WithRepository(gc.RepoPath).
			WithBranch(branch).
			WithGitOutput(execOutput(res, err))
	}
	return nil
}

// CommitChanges stages everything and commits with the given message.
// A commit that fails because the working tree is clean is returned as
// errors.ErrNoChanges so callers can treat it as a soft outcome.
func (a *Adapter) CommitChanges(ctx context.Context, gc GitConfig, message string) error {
	if err := a.EnsureIdentity(ctx, gc); err != nil {
		return err
	}

	if res, err := a.git(ctx, gc, "add", "-A"); err != nil {
		return errors.NewGitError("failed to stage changes", err).
			WithRepository(gc.RepoPath).
			WithGitOutput(execOutput(res, err))
	}

	res, err := a.git(ctx, gc, "commit", "-m", message)
	if err != nil {
		output := execOutput(res, err)
		if isNoChangesOutput(output) {
			return errors.NewGitError("nothing to commit", errors.ErrNoChanges).
				WithRepository(gc.RepoPath).
				WithGitOutput(output)
		}
		return errors.NewGitError("failed to commit changes", err).
			WithRepository(gc.RepoPath).
			WithGitOutput(output)
	}
	return nil
}

// PushBranch pushes branch to origin, setting the upstream.
func (a *Adapter) PushBranch(ctx context.Context, gc GitConfig, branch string) error {
	if branch == "" {
		return errors.NewValidationError("branch name is required").WithField("branch")
	}

	res, err := a.git(ctx, gc, "push", "-u", "origin", branch)
	if err != nil {
		return errors.NewGitError("failed to push branch", err).
			WithRepository(gc.RepoPath).
			WithBranch(branch).
			WithGitOutput(execOutput(res, err))
	}
	return nil
}

// CurrentBranch returns the branch the repository actually has checked out.
// Job context can go stale relative to the real checkout state; push code
// prefers this answer.
func (a *Adapter) CurrentBranch(ctx context.Context, gc GitConfig) (string, error) {
	res, err := a.git(ctx, gc, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve current branch", err).
			WithRepository(gc.RepoPath).
			WithGitOutput(execOutput(res, err))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Head returns the current HEAD commit hash. Callers that only need it for
// before/after comparison tolerate the error on an empty repository.
func (a *Adapter) Head(ctx context.Context, gc GitConfig) (string, error) {
	res, err := a.git(ctx, gc, "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve HEAD", err).
			WithRepository(gc.RepoPath).
			WithGitOutput(execOutput(res, err))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsStatusClean reports whether `git status --porcelain` has no output.
func (a *Adapter) IsStatusClean(ctx context.Context, gc GitConfig) (bool, error) {
	res, err := a.git(ctx, gc, "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithRepository(gc.RepoPath).
			WithGitOutput(execOutput(res, err))
	}
	return strings.TrimSpace(res.Stdout) == "", nil
}

// EnsureBranch creates branch from base if it does not already exist.
// An "already exists" failure is success: the branch is there either way.
func (a *Adapter) EnsureBranch(ctx context.Context, gc GitConfig, branch, base string) error {
	if branch == "" {
		return errors.NewValidationError("branch name is required").WithField("branch")
	}

	args := []string{"branch", branch}
	if base != "" {
		args = append(args, base)
	}
	res, err := a.git(ctx, gc, args...)
	if err != nil {
		output := execOutput(res, err)
		if strings.Contains(output, "already exists") {
			a.log.Debug("branch already exists", "branch", branch)
			return nil
		}
		return errors.NewGitError(fmt.Sprintf("failed to create branch %s", branch), err).
			WithRepository(gc.RepoPath).
			WithBranch(branch).
			WithGitOutput(output)
	}
	return nil
}

// BranchExists reports whether a local branch with the given name exists.
func (a *Adapter) BranchExists(ctx context.Context, gc GitConfig, branch string) bool {
	_, err := a.git(ctx, gc, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// RepoExists reports whether the configured repository path exists in the
// environment.
func (a *Adapter) RepoExists(gc GitConfig) bool {
	return a.env.Exists(gc.RepoPath)
}
