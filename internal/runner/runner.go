// Package runner executes workflows as jobs. Jobs run concurrently under a
// bounded pool; within a job, steps run sequentially, each step seeing the
// execution context the previous step produced. The runner owns the claims
// registry so concurrent jobs never trample each other's worktrees, and
// records every step attempt to the store when one is configured.
package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/driftworks/relay/internal/claims"
	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/logging"
	"github.com/driftworks/relay/internal/step"
	"github.com/driftworks/relay/internal/store"
	"github.com/driftworks/relay/internal/workflow"
)

// Job is one workflow execution against one work item.
type Job struct {
	ID       string
	WorkItem step.WorkItem
	Workflow *workflow.Workflow
	Context  step.ExecutionContext
}

// NewJob creates a job with a fresh ID. The work item is copied into the
// execution context so executors see a single source of truth.
func NewJob(item step.WorkItem, wf *workflow.Workflow, execCtx step.ExecutionContext) Job {
	execCtx.WorkItem = item
	if execCtx.RepoURL == "" {
		execCtx.RepoURL = item.RepositoryURL
	}
	return Job{
		ID:       uuid.New().String(),
		WorkItem: item,
		Workflow: wf,
		Context:  execCtx,
	}
}

// Config configures a Runner. Zero values select defaults.
type Config struct {
	// Dispatcher is the base step dispatcher configuration. Its Liveness
	// field is overridden per job with the claims registry's check.
	Dispatcher step.DispatcherConfig

	// Claims is the shared worktree claims registry. Nil means a fresh one.
	Claims *claims.Registry

	// Store records job and attempt history. Nil disables recording.
	Store *store.SQLiteStore

	// Concurrency bounds how many jobs run at once. Zero means 4.
	Concurrency int

	// Preview makes every step report its intent without side effects.
	Preview bool

	Logger *logging.Logger
}

// Runner executes jobs.
type Runner struct {
	base        step.DispatcherConfig
	claims      *claims.Registry
	store       *store.SQLiteStore
	concurrency int
	preview     bool
	log         *logging.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Claims == nil {
		cfg.Claims = claims.NewRegistry()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Runner{
		base:        cfg.Dispatcher,
		claims:      cfg.Claims,
		store:       cfg.Store,
		concurrency: cfg.Concurrency,
		preview:     cfg.Preview,
		log:         cfg.Logger,
	}
}

// Claims returns the runner's claims registry.
func (r *Runner) Claims() *claims.Registry {
	return r.claims
}

// RunAll executes jobs concurrently under the configured bound. The first
// job failure cancels the remaining jobs; the returned error is the first
// failure observed.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) error {
	p := pool.New().
		WithMaxGoroutines(r.concurrency).
		WithErrors().
		WithContext(ctx).
		WithCancelOnError()

	for _, job := range jobs {
		job := job // per-iteration copy; required under the go 1.21 directive
		p.Go(func(ctx context.Context) error {
			return r.RunJob(ctx, job)
		})
	}
	return p.Wait()
}

// RunJob executes one job's steps in order. Whatever happens, the job's
// worktree claims are released on the way out.
func (r *Runner) RunJob(ctx context.Context, job Job) (err error) {
	if job.Workflow == nil || len(job.Workflow.Steps) == 0 {
		return errors.NewValidationError("job has no workflow steps").
			WithField("workflow")
	}

	log := r.log.WithJob(job.ID)
	log.Info("job starting",
		"workflow", job.Workflow.Name,
		"work_item", job.WorkItem.ID,
		"preview", r.preview)

	if r.store != nil {
		if cerr := r.store.CreateJob(ctx, store.JobRecord{
			JobID:      job.ID,
			WorkItemID: job.WorkItem.ID,
			Workflow:   job.Workflow.Name,
			StartedAt:  time.Now(),
		}); cerr != nil {
			return errors.Wrap(cerr, "failed to record job start")
		}
	}

	defer func() {
		if rerr := r.claims.ReleaseAll(job.ID); rerr != nil {
			log.Warn("failed to release worktree claims", "error", rerr.Error())
		}
		if r.store != nil {
			status := store.StatusSucceeded
			errText := ""
			if err != nil {
				status = store.StatusFailed
				errText = err.Error()
			}
			if ferr := r.store.FinishJob(context.WithoutCancel(ctx), job.ID, status, errText); ferr != nil {
				log.Warn("failed to record job finish", "error", ferr.Error())
			}
		}
	}()

	// Each job gets its own dispatcher so the liveness check sees this
	// job's claims as its own, not as conflicts.
	cfg := r.base
	cfg.Liveness = r.claims.LivenessFor(job.ID)
	cfg.Logger = log
	dispatcher := step.NewDispatcher(cfg)

	execCtx := job.Context
	for i, s := range job.Workflow.Steps {
		result, derr := dispatcher.Dispatch(ctx, step.Request{
			Step:    s,
			Context: execCtx,
			Preview: r.preview,
		})
		r.recordAttempt(ctx, log, job.ID, s, result, derr)
		if derr != nil {
			return errors.Wrapf(derr, "step %d (%s) failed", i+1, stepLabel(s))
		}

		r.trackWorktree(log, job.ID, execCtx.WorktreePath, result.Context.WorktreePath)
		execCtx = result.Context

		if result.Message != "" {
			log.Info("step completed", "step", stepLabel(s), "message", result.Message)
		}
	}

	log.Info("job completed", "steps", len(job.Workflow.Steps))
	return nil
}

// trackWorktree keeps the claims registry in sync with the execution
// context's worktree path as steps create and remove worktrees.
func (r *Runner) trackWorktree(log *logging.Logger, jobID, before, after string) {
	if before == after {
		return
	}
	if before != "" {
		if err := r.claims.Release(jobID, before); err != nil {
			log.Warn("failed to release worktree claim", "path", before, "error", err.Error())
		}
	}
	if after != "" {
		if err := r.claims.Claim(jobID, after); err != nil {
			log.Warn("failed to claim worktree path", "path", after, "error", err.Error())
		}
	}
}

// recordAttempt writes one step outcome to the store, when configured.
// Recording failures are logged, never escalated: history must not break
// the job it describes.
func (r *Runner) recordAttempt(ctx context.Context, log *logging.Logger, jobID string, s step.Step, result step.Result, derr error) {
	if r.store == nil {
		return
	}
	record := store.AttemptRecord{
		JobID:      jobID,
		StepID:     stepLabel(s),
		Action:     s.Action,
		Attempt:    1,
		Status:     store.StatusSucceeded,
		Message:    result.Message,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
	if derr != nil {
		record.Status = store.StatusFailed
		record.Error = derr.Error()
	}
	if err := r.store.RecordAttempt(context.WithoutCancel(ctx), record); err != nil {
		log.Warn("failed to record step attempt", "step", record.StepID, "error", err.Error())
	}
}

// stepLabel names a step for records and logs: its ID when set, else its action.
func stepLabel(s step.Step) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Action
}
