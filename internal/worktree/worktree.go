// Package worktree manages the isolated git worktrees that give each job
// its own checkout. At most one live worktree occupies a given path; a
// liveness predicate supplied by the caller decides whether an existing
// worktree belongs to another running job.
//
// The liveness check is advisory by construction: it is a check-then-act
// gate with no lock held across the gap. Jobs that lose the race fall back
// on the retry and idempotency behavior of the surrounding workflow.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/execenv"
	"github.com/driftworks/relay/internal/gitexec"
	"github.com/driftworks/relay/internal/logging"
)

// Worktree describes one isolated checkout.
type Worktree struct {
	Path       string
	Branch     string
	BaseBranch string
}

// LivenessCheck reports whether a worktree path is currently claimed by
// another job. Nil means no liveness information is available.
type LivenessCheck func(path string) bool

// Manager creates, verifies, and removes worktrees for one repository,
// running git through an execution environment.
type Manager struct {
	repoPath string
	env      *execenv.Environment
	git      *gitexec.Adapter
	live     LivenessCheck
	log      *logging.Logger
}

// NewManager creates a Manager for the repository at repoPath.
func NewManager(repoPath string, env *execenv.Environment, live LivenessCheck, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Manager{
		repoPath: repoPath,
		env:      env,
		git:      gitexec.New(env, log),
		live:     live,
		log:      log,
	}
}

func (m *Manager) gitConfig() gitexec.GitConfig {
	return gitexec.GitConfig{RepoPath: m.repoPath}
}

// Create adds a worktree at wt.Path. When wt.Branch does not exist yet it
// is created from wt.BaseBranch; an existing branch is checked out as-is.
//
// Creation fails rather than overwrites when the path is already occupied
// by a worktree another job claims as live.
func (m *Manager) Create(ctx context.Context, wt Worktree) error {
	if wt.Path == "" || wt.Branch == "" {
		return errors.NewValidationError("worktree path and branch are required")
	}

	if m.env.Exists(wt.Path) && m.live != nil && m.live(wt.Path) {
		return errors.NewGitError("worktree path is claimed by another job", errors.ErrWorktreeInUse).
			WithRepository(m.repoPath).
			WithWorktree(wt.Path).
			WithBranch(wt.Branch)
	}

	gc := m.gitConfig()
	if m.git.BranchExists(ctx, gc, wt.Branch) {
		return m.addFromExisting(ctx, wt)
	}
	return m.addWithNewBranch(ctx, wt)
}

// addWithNewBranch runs `git worktree add -b <branch> <path> [base]`.
func (m *Manager) addWithNewBranch(ctx context.Context, wt Worktree) error {
	command := fmt.Sprintf("git -C %s worktree add -b %s %s",
		execenv.ShellQuote(m.repoPath), execenv.ShellQuote(wt.Branch), execenv.ShellQuote(wt.Path))
	if wt.BaseBranch != "" {
		command += " " + execenv.ShellQuote(wt.BaseBranch)
	}

	res, err := m.env.Exec(ctx, command)
	if err != nil {
		return errors.NewGitError("failed to create worktree", err).
			WithRepository(m.repoPath).
			WithWorktree(wt.Path).
			WithBranch(wt.Branch).
			WithGitOutput(outputOf(res, err))
	}
	return nil
}

// addFromExisting runs `git worktree add <path> <branch>` for a branch that
// already exists.
func (m *Manager) addFromExisting(ctx context.Context, wt Worktree) error {
	command := fmt.Sprintf("git -C %s worktree add %s %s",
		execenv.ShellQuote(m.repoPath), execenv.ShellQuote(wt.Path), execenv.ShellQuote(wt.Branch))

	res, err := m.env.Exec(ctx, command)
	if err != nil {
		return errors.NewGitError("failed to create worktree from existing branch", err).
			WithRepository(m.repoPath).
			WithWorktree(wt.Path).
			WithBranch(wt.Branch).
			WithGitOutput(outputOf(res, err))
	}
	return nil
}

// Remove removes the worktree at path. With force set the removal discards
// uncommitted changes. A failed removal is followed by a prune so stale
// worktree references do not accumulate.
func (m *Manager) Remove(ctx context.Context, path string, force bool) error {
	if path == "" {
		return errors.NewValidationError("worktree path is required")
	}

	command := fmt.Sprintf("git -C %s worktree remove", execenv.ShellQuote(m.repoPath))
	if force {
		command += " --force"
	}
	command += " " + execenv.ShellQuote(path)

	res, err := m.env.Exec(ctx, command)
	if err != nil {
		// Clean up manually and prune stale references so a half-removed
		// worktree does not block the next job.
		_, _ = m.env.Exec(ctx, "rm -rf "+execenv.ShellQuote(path))
		_, _ = m.env.Exec(ctx, fmt.Sprintf("git -C %s worktree prune", execenv.ShellQuote(m.repoPath)))
		return errors.NewGitError("failed to remove worktree cleanly", err).
			WithRepository(m.repoPath).
			WithWorktree(path).
			WithGitOutput(outputOf(res, err))
	}
	return nil
}

// List returns the paths of all worktrees attached to the repository.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	res, err := m.env.Exec(ctx, fmt.Sprintf("git -C %s worktree list --porcelain", execenv.ShellQuote(m.repoPath)))
	if err != nil {
		return nil, errors.NewGitError("failed to list worktrees", err).
			WithRepository(m.repoPath).
			WithGitOutput(outputOf(res, err))
	}

	var worktrees []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees, nil
}

// Verify reports whether path holds a valid worktree: the path exists and
// its git directory resolves.
func (m *Manager) Verify(ctx context.Context, path string) bool {
	if path == "" || !m.env.Exists(path) {
		return false
	}
	_, err := m.env.Exec(ctx, fmt.Sprintf("git -C %s rev-parse --git-dir", execenv.ShellQuote(path)))
	return err == nil
}

// SetupOptions drives worktree setup for a job.
type SetupOptions struct {
	// ReusePath and ReuseBranch are an explicit reuse hint: a worktree a
	// previous run of the same job already created.
	ReusePath   string
	ReuseBranch string

	// Path is the computed worktree path. Branch/BaseBranch describe the
	// checkout to create when no reusable worktree is found.
	Path       string
	Branch     string
	BaseBranch string
}

// Setup returns a usable worktree for a job, reusing an existing one when
// that is safe and creating a fresh one otherwise.
//
// An explicit reuse hint is trusted after verification; a worktree found at
// the computed path is additionally checked against the liveness predicate
// so two concurrent jobs do not collide on the same on-disk checkout.
// Verification failures fall through to creation rather than erroring.
func (m *Manager) Setup(ctx context.Context, opts SetupOptions) (Worktree, error) {
	if opts.ReusePath != "" {
		if m.Verify(ctx, opts.ReusePath) {
			m.log.Info("reusing worktree from explicit hint", "path", opts.ReusePath)
			return Worktree{Path: opts.ReusePath, Branch: opts.ReuseBranch, BaseBranch: opts.BaseBranch}, nil
		}
		m.log.Warn("hinted worktree failed verification, recreating", "path", opts.ReusePath)
	}

	if opts.Path == "" || opts.Branch == "" {
		return Worktree{}, errors.NewValidationError("worktree path and branch are required")
	}

	if opts.ReusePath == "" && m.env.Exists(opts.Path) {
		claimed := m.live != nil && m.live(opts.Path)
		if !claimed && m.Verify(ctx, opts.Path) {
			m.log.Info("reusing existing worktree", "path", opts.Path)
			return Worktree{Path: opts.Path, Branch: opts.Branch, BaseBranch: opts.BaseBranch}, nil
		}
		if claimed {
			return Worktree{}, errors.NewGitError("worktree path is claimed by another job", errors.ErrWorktreeInUse).
				WithRepository(m.repoPath).
				WithWorktree(opts.Path)
		}
		// Invalid leftover. Force-remove before recreating.
		m.log.Warn("existing worktree failed verification, recreating", "path", opts.Path)
		_ = m.Remove(ctx, opts.Path, true)
	}

	wt := Worktree{Path: opts.Path, Branch: opts.Branch, BaseBranch: opts.BaseBranch}
	if err := m.Create(ctx, wt); err != nil {
		return Worktree{}, err
	}
	return wt, nil
}

// DefaultPath computes the conventional worktree location for a job.
func DefaultPath(baseDir, jobID string) string {
	return filepath.Join(baseDir, "relay-"+jobID)
}

// outputOf extracts git output from an exec failure for error context.
func outputOf(res execenv.Result, err error) string {
	var execErr *errors.ExecError
	if errors.As(err, &execErr) {
		return strings.TrimSpace(execErr.Stdout + execErr.Stderr)
	}
	return strings.TrimSpace(res.Stdout + res.Stderr)
}
