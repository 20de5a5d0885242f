package runner

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/driftworks/relay/internal/claims"
	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/step"
	"github.com/driftworks/relay/internal/store"
	"github.com/driftworks/relay/internal/testutil"
	"github.com/driftworks/relay/internal/workflow"
)

func testWorkItem() step.WorkItem {
	return step.WorkItem{
		ID:    "42",
		Title: "Add widgets",
		Type:  "feature",
	}
}

func mustParse(t *testing.T, yaml string) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return wf
}

func TestNewJob(t *testing.T) {
	item := testWorkItem()
	item.RepositoryURL = "https://github.com/acme/widgets.git"

	a := NewJob(item, nil, step.ExecutionContext{})
	b := NewJob(item, nil, step.ExecutionContext{})

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("job IDs = %q, %q, want distinct non-empty", a.ID, b.ID)
	}
	if a.Context.WorkItem.ID != "42" {
		t.Errorf("context work item = %+v", a.Context.WorkItem)
	}
	if a.Context.RepoURL != item.RepositoryURL {
		t.Errorf("context repo URL = %q", a.Context.RepoURL)
	}
}

func TestRunJobNoSteps(t *testing.T) {
	r := New(Config{})

	err := r.RunJob(context.Background(), Job{ID: "j1"})
	var verr *errors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}

func TestRunJobBranchCommitPush(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoPath, remotePath := testutil.SetupTestRepoWithRemote(t)
	testutil.WriteFile(t, repoPath, "widget.go", "package widget\n")

	wf := mustParse(t, `
name: feature-branch
steps:
  - id: make-branch
    action: branch
  - id: commit-work
    action: commit
    config:
      message: "add widget"
  - id: push-branch
    action: push
`)

	r := New(Config{})
	job := NewJob(testWorkItem(), wf, step.ExecutionContext{
		RepoPath:      repoPath,
		DefaultBranch: "main",
	})

	if err := r.RunJob(context.Background(), job); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if branch := testutil.GetCurrentBranch(t, repoPath); branch != "relay/feature/42" {
		t.Errorf("current branch = %q, want relay/feature/42", branch)
	}
	if testutil.HasUncommittedChanges(t, repoPath) {
		t.Error("working tree still dirty after commit step")
	}

	// The push must have landed the branch on the remote at the local HEAD.
	localHead := testutil.GetHead(t, repoPath)
	cmd := exec.Command("git", "rev-parse", "refs/heads/relay/feature/42")
	cmd.Dir = remotePath
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("branch missing on remote: %v", err)
	}
	if remoteHead := strings.TrimSpace(string(out)); remoteHead != localHead {
		t.Errorf("remote head = %s, want %s", remoteHead, localHead)
	}
}

func TestRunJobPreviewHasNoSideEffects(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoPath := testutil.SetupTestRepo(t)

	wf := mustParse(t, `
steps:
  - id: make-branch
    action: branch
`)

	r := New(Config{Preview: true})
	job := NewJob(testWorkItem(), wf, step.ExecutionContext{
		RepoPath:      repoPath,
		DefaultBranch: "main",
	})

	if err := r.RunJob(context.Background(), job); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if branch := testutil.GetCurrentBranch(t, repoPath); branch != "main" {
		t.Errorf("current branch = %q, preview must not switch branches", branch)
	}
}

func TestRunJobRecordsHistory(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoPath := testutil.SetupTestRepo(t)
	testutil.WriteFile(t, repoPath, "widget.go", "package widget\n")

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	wf := mustParse(t, `
name: commit-only
steps:
  - id: make-branch
    action: branch
  - id: commit-work
    action: commit
    config:
      message: "add widget"
`)

	r := New(Config{Store: s})
	job := NewJob(testWorkItem(), wf, step.ExecutionContext{
		RepoPath:      repoPath,
		DefaultBranch: "main",
	})

	if err := r.RunJob(context.Background(), job); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	summary, err := s.Summarize(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary.Status != store.StatusSucceeded {
		t.Errorf("Status = %q, want succeeded", summary.Status)
	}
	if summary.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", summary.Attempts)
	}
}

func TestRunJobFailureRecorded(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoPath := testutil.SetupTestRepo(t)

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A commit step without a message fails validation at dispatch time.
	wf := &workflow.Workflow{
		Name:  "broken",
		Steps: []step.Step{{ID: "commit-work", Action: step.ActionCommit}},
	}

	r := New(Config{Store: s})
	job := NewJob(testWorkItem(), wf, step.ExecutionContext{
		RepoPath:      repoPath,
		DefaultBranch: "main",
	})

	err = r.RunJob(context.Background(), job)
	if err == nil {
		t.Fatal("RunJob() error = nil, want validation failure")
	}
	if !strings.Contains(err.Error(), "step 1 (commit-work)") {
		t.Errorf("error %q does not identify the failing step", err.Error())
	}

	rec, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusFailed || rec.Error == "" {
		t.Errorf("job record = %+v, want failed with error text", rec)
	}

	attempts, err := s.ListAttempts(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Status != store.StatusFailed {
		t.Errorf("attempts = %+v, want one failed attempt", attempts)
	}
}

func TestRunJobClaimsAndReleasesWorktree(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoPath := testutil.SetupTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "relay-wt")

	registry := claims.NewRegistry()
	var claimed []claims.Claim
	registry.WatchClaims(func(c claims.Claim) {
		claimed = append(claimed, c)
	})

	wf := mustParse(t, `
steps:
  - id: make-worktree
    action: worktree-create
    config:
      path: `+wtPath+`
      branch: relay/wt-test
`)

	r := New(Config{Claims: registry})
	job := NewJob(testWorkItem(), wf, step.ExecutionContext{
		RepoPath:      repoPath,
		DefaultBranch: "main",
	})

	if err := r.RunJob(context.Background(), job); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if len(claimed) != 1 || claimed[0].Path != wtPath || claimed[0].JobID != job.ID {
		t.Errorf("claims observed = %+v, want one for %s", claimed, wtPath)
	}
	// All claims released once the job is done.
	if paths := registry.JobPaths(job.ID); len(paths) != 0 {
		t.Errorf("JobPaths = %v, want none after job completion", paths)
	}
	if !registry.IsAvailable(wtPath) {
		t.Error("worktree path still claimed after job completion")
	}
}

func TestRunAllConcurrentJobs(t *testing.T) {
	testutil.SkipIfNoGit(t)

	wf := mustParse(t, `
steps:
  - id: make-branch
    action: branch
`)

	var jobs []Job
	for i := 0; i < 3; i++ {
		repoPath := testutil.SetupTestRepo(t)
		item := testWorkItem()
		jobs = append(jobs, NewJob(item, wf, step.ExecutionContext{
			RepoPath:      repoPath,
			DefaultBranch: "main",
		}))
	}

	r := New(Config{Concurrency: 2})
	if err := r.RunAll(context.Background(), jobs); err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	for _, job := range jobs {
		if branch := testutil.GetCurrentBranch(t, job.Context.RepoPath); branch != "relay/feature/42" {
			t.Errorf("job %s branch = %q", job.ID, branch)
		}
	}
}

func TestRunAllFirstFailureReported(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoPath := testutil.SetupTestRepo(t)

	broken := &workflow.Workflow{
		Steps: []step.Step{{ID: "bad", Action: "deploy"}},
	}

	r := New(Config{})
	job := NewJob(testWorkItem(), broken, step.ExecutionContext{
		RepoPath:      repoPath,
		DefaultBranch: "main",
	})

	err := r.RunAll(context.Background(), []Job{job})
	if err == nil {
		t.Fatal("RunAll() error = nil, want failure")
	}
	var nerr *errors.NotFoundError
	if !errors.As(err, &nerr) {
		t.Errorf("error type = %T, want *NotFoundError for the unknown action", err)
	}
}
