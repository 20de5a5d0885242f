package step

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/execenv"
	"github.com/driftworks/relay/internal/gitexec"
	"github.com/driftworks/relay/internal/logging"
	"github.com/driftworks/relay/internal/resilience"
	"github.com/driftworks/relay/internal/worktree"
)

// DefaultBranchPattern is used when no branch pattern is configured.
const DefaultBranchPattern = "relay/{type}/{id}"

// Request carries everything one step execution needs.
type Request struct {
	Step    Step
	Context ExecutionContext
	Preview bool
}

// Dispatcher validates steps, routes them to executors, and runs every
// executor through the resilience wrapper.
type Dispatcher struct {
	remote        execenv.RemoteConfig
	branchPattern string
	worktreeDir   string
	timeout       time.Duration
	retries       int
	live          worktree.LivenessCheck
	log           *logging.Logger
}

// DispatcherConfig configures a Dispatcher. Zero values select defaults.
type DispatcherConfig struct {
	Remote        execenv.RemoteConfig
	BranchPattern string
	WorktreeDir   string
	StepTimeout   time.Duration
	RetryCount    int
	Liveness      worktree.LivenessCheck
	Logger        *logging.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BranchPattern == "" {
		cfg.BranchPattern = DefaultBranchPattern
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = os.TempDir()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = resilience.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Remote == (execenv.RemoteConfig{}) {
		cfg.Remote = execenv.DefaultRemoteConfig()
	}
	return &Dispatcher{
		remote:        cfg.Remote,
		branchPattern: cfg.BranchPattern,
		worktreeDir:   cfg.WorktreeDir,
		timeout:       cfg.StepTimeout,
		retries:       cfg.RetryCount,
		live:          cfg.Liveness,
		log:           cfg.Logger,
	}
}

// executor is one step action implementation.
type executor func(ctx context.Context, req Request, log *logging.Logger) (Result, error)

// Dispatch validates the step, routes it to the matching executor, and
// executes it under the step's timeout and retry policy.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if err := Validate(req.Step); err != nil {
		return Result{Context: req.Context}, err
	}

	var exec executor
	switch req.Step.Action {
	case ActionCheckout:
		exec = d.executeCheckout
	case ActionBranch:
		exec = d.executeBranch
	case ActionCommit:
		exec = d.executeCommit
	case ActionPush:
		exec = d.executePush
	case ActionWorktreeCreate:
		exec = d.executeWorktreeCreate
	case ActionWorktreeRemove:
		exec = d.executeWorktreeRemove
	default:
		return Result{Context: req.Context}, errors.NewNotFoundError("step action", req.Step.Action)
	}

	log := stepLogger(d.log, req.Step)
	stepID := req.Step.ID
	if stepID == "" {
		stepID = req.Step.Action
	}

	return resilience.Run(ctx, stepID, func(ctx context.Context) (Result, error) {
		return exec(ctx, req, log)
	}, resilience.Options{
		Timeout:    stepTimeout(req.Step, d.timeout),
		RetryCount: stepRetries(req.Step, d.retries),
		Logger:     log,
	})
}

// gitFor builds the environment and pod-aware git config for a request.
func (d *Dispatcher) gitFor(c ExecutionContext, log *logging.Logger) (*execenv.Environment, *gitexec.Adapter, gitexec.GitConfig) {
	env := c.Environment(d.remote)
	gc := c.Git.ForEnvironment(env, c.WorkItem.ID)
	if gc.RepoPath == "" {
		gc.RepoPath = c.RepoPath
		if env.Kind() == execenv.Remote {
			gc.RepoPath = env.PodRepoPath(c.RepoURL, c.WorkItem.ID)
		}
	}
	// A worktree recorded in the context is the job's active checkout; git
	// steps run there, not against the primary repository.
	if c.WorktreePath != "" && env.Kind() == execenv.Local {
		gc.RepoPath = c.WorktreePath
	}
	return env, gitexec.New(env, log), gc
}

// executeCheckout checks out the configured branch, falling back to the
// job's default branch. Failures surface verbatim.
func (d *Dispatcher) executeCheckout(ctx context.Context, req Request, log *logging.Logger) (Result, error) {
	c := req.Context
	target := req.Step.config("branch")
	if target == "" {
		target = c.DefaultBranch
	}

	if req.Preview {
		return Result{
			Message: fmt.Sprintf("would checkout branch %s", target),
			Context: c,
		}, nil
	}

	_, git, gc := d.gitFor(c, log)
	if err := git.CheckoutBranch(ctx, gc, target, c.DefaultBranch); err != nil {
		return Result{Context: c}, err
	}

	log.Info("checked out branch", "branch", target)
	return Result{
		Message: fmt.Sprintf("checked out branch %s", target),
		Context: c,
	}, nil
}

// executeBranch computes the branch name from the pattern and creates it.
// Preview mode skips git entirely but still reports the computed name so
// downstream steps see a consistent branch.
func (d *Dispatcher) executeBranch(ctx context.Context, req Request, log *logging.Logger) (Result, error) {
	c := req.Context
	pattern := req.Step.config("pattern")
	if pattern == "" {
		pattern = d.branchPattern
	}
	name := BranchName(pattern, c.WorkItem)
	if name == "" {
		return Result{Context: c}, errors.NewValidationError("branch pattern produced an empty name").
			WithField("pattern").WithValue(pattern)
	}

	c.BranchName = name
	if req.Preview {
		return Result{
			Message: fmt.Sprintf("would create branch %s", name),
			Context: c,
		}, nil
	}

	_, git, gc := d.gitFor(c, log)
	if err := git.CheckoutOrCreate(ctx, gc, name, c.DefaultBranch); err != nil {
		return Result{Context: req.Context}, err
	}

	log.Info("created branch", "branch", name)
	return Result{
		Message: fmt.Sprintf("created branch %s", name),
		Context: c,
	}, nil
}

// executeCommit commits staged work. Two soft outcomes are success, not
// failure: the commit tool reporting nothing to commit, and a reported
// success that did not actually advance HEAD (verified against
// `git status --porcelain` when possible). Both are logged so an operator
// can tell "nothing happened, by design" from "nothing happened, silently".
func (d *Dispatcher) executeCommit(ctx context.Context, req Request, log *logging.Logger) (Result, error) {
	c := req.Context
	if req.Preview {
		return Result{Message: "would commit changes", Context: c}, nil
	}

	_, git, gc := d.gitFor(c, log)

	// Tolerate failure here: an empty repository has no HEAD yet.
	headBefore, err := git.Head(ctx, gc)
	if err != nil {
		log.Debug("could not read HEAD before commit", "error", err.Error())
		headBefore = ""
	}

	message := req.Step.config("message")
	if err := git.CommitChanges(ctx, gc, message); err != nil {
		if errors.Is(err, errors.ErrNoChanges) {
			log.Warn("no changes to commit", "repo", gc.RepoPath)
			return Result{Message: "no changes to commit", Context: c}, nil
		}
		return Result{Context: c}, err
	}

	// The commit tool can report success without advancing history.
	// HEAD comparison is the primary no-changes signal.
	headAfter, err := git.Head(ctx, gc)
	if err == nil && headBefore != "" && headAfter == headBefore {
		if clean, cerr := git.IsStatusClean(ctx, gc); cerr == nil && clean {
			log.Warn("commit reported success but HEAD is unchanged and tree is clean",
				"head", headAfter)
			return Result{Message: "no changes to commit", Context: c}, nil
		}
		log.Warn("commit reported success but HEAD is unchanged", "head", headAfter)
		return Result{Message: "no changes to commit", Context: c}, nil
	}

	log.Info("committed changes", "head", headAfter)
	return Result{Message: "committed changes", Context: c}, nil
}

// executePush pushes the branch that is actually checked out, preferring it
// over the context's recorded branch because context can go stale relative
// to the real checkout state.
func (d *Dispatcher) executePush(ctx context.Context, req Request, log *logging.Logger) (Result, error) {
	c := req.Context
	if req.Preview {
		return Result{Message: "would push branch", Context: c}, nil
	}

	_, git, gc := d.gitFor(c, log)

	branch := c.BranchName
	if actual, err := git.CurrentBranch(ctx, gc); err == nil && actual != "" {
		if actual != c.BranchName && c.BranchName != "" {
			log.Warn("context branch differs from checked-out branch, pushing actual",
				"context_branch", c.BranchName, "actual_branch", actual)
		}
		branch = actual
	}
	if branch == "" {
		return Result{Context: c}, errors.NewValidationError("no branch to push").WithField("branch")
	}

	if err := git.PushBranch(ctx, gc, branch); err != nil {
		return Result{Context: c}, err
	}

	log.Info("pushed branch", "branch", branch)
	return Result{
		Message: fmt.Sprintf("pushed branch %s", branch),
		Context: c,
	}, nil
}

// executeWorktreeCreate ensures the branch exists and sets up a worktree,
// deriving timestamped defaults for any value the step does not supply. A
// valid, unclaimed worktree already at the path is reused rather than
// recreated; a reuse_path config key hints at a worktree a previous run of
// the same job left behind.
func (d *Dispatcher) executeWorktreeCreate(ctx context.Context, req Request, log *logging.Logger) (Result, error) {
	c := req.Context
	now := time.Now().Unix()

	path := req.Step.config("path")
	if path == "" {
		path = filepath.Join(d.worktreeDir, fmt.Sprintf("relay-wt-%d", now))
	}
	branch := req.Step.config("branch")
	if branch == "" {
		branch = c.BranchName
	}
	if branch == "" {
		branch = fmt.Sprintf("relay/wt-%d", now)
	}
	base := req.Step.config("base")
	if base == "" {
		base = c.DefaultBranch
	}

	c.WorktreePath = path
	c.BranchName = branch
	if req.Preview {
		return Result{
			Message: fmt.Sprintf("would create worktree at %s on branch %s", path, branch),
			Context: c,
		}, nil
	}

	// Branch setup and worktree management run against the primary
	// repository, not a worktree an earlier step may have recorded.
	primary := req.Context
	primary.WorktreePath = ""
	env, git, gc := d.gitFor(primary, log)

	// Idempotent: an already existing branch is fine.
	if err := git.EnsureBranch(ctx, gc, branch, base); err != nil {
		return Result{Context: req.Context}, err
	}

	mgr := worktreeManager(primary, env, d.live, log)
	wt, err := mgr.Setup(ctx, worktree.SetupOptions{
		ReusePath:   req.Step.config("reuse_path"),
		ReuseBranch: req.Step.config("reuse_branch"),
		Path:        path,
		Branch:      branch,
		BaseBranch:  base,
	})
	if err != nil {
		return Result{Context: req.Context}, err
	}

	c.WorktreePath = wt.Path
	if wt.Branch != "" {
		c.BranchName = wt.Branch
	}
	log.Info("worktree ready", "path", wt.Path, "branch", c.BranchName)
	return Result{
		Message: fmt.Sprintf("worktree ready at %s", wt.Path),
		Context: c,
	}, nil
}

// executeWorktreeRemove force-removes the worktree at the configured path.
func (d *Dispatcher) executeWorktreeRemove(ctx context.Context, req Request, log *logging.Logger) (Result, error) {
	c := req.Context
	path := req.Step.config("path")

	if req.Preview {
		return Result{
			Message: fmt.Sprintf("would remove worktree at %s", path),
			Context: c,
		}, nil
	}

	env, _, _ := d.gitFor(c, log)
	mgr := worktreeManager(c, env, d.live, log)
	if err := mgr.Remove(ctx, path, true); err != nil {
		return Result{Context: c}, err
	}

	if c.WorktreePath == path {
		c.WorktreePath = ""
	}
	log.Info("removed worktree", "path", path)
	return Result{
		Message: fmt.Sprintf("removed worktree at %s", path),
		Context: c,
	}, nil
}
