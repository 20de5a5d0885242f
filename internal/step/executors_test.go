package step

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/testutil"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(DispatcherConfig{WorktreeDir: t.TempDir()})
}

func testContext(repoDir string) ExecutionContext {
	return ExecutionContext{
		RepoPath:      repoDir,
		DefaultBranch: "main",
		RepoURL:       "https://github.com/acme/widgets.git",
		WorkItem:      WorkItem{ID: "1234", Type: "feature", Title: "Add widgets"},
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: "deploy"},
		Context: ExecutionContext{},
	})

	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Dispatch() error = %T, want *NotFoundError", err)
	}
}

func TestCheckoutStep(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)
	testutil.CreateBranch(t, repoDir, "feat/x")

	d := newTestDispatcher(t)
	res, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionCheckout, Config: map[string]string{"branch": "feat/x"}},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := testutil.GetCurrentBranch(t, repoDir); got != "feat/x" {
		t.Errorf("current branch = %q, want %q", got, "feat/x")
	}
	if !strings.Contains(res.Message, "feat/x") {
		t.Errorf("message = %q, missing branch name", res.Message)
	}
}

func TestCheckoutStepDefaultBranch(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)
	testutil.CreateBranch(t, repoDir, "feat/x")
	testutil.CheckoutBranch(t, repoDir, "feat/x")

	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionCheckout},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := testutil.GetCurrentBranch(t, repoDir); got != "main" {
		t.Errorf("current branch = %q, want default %q", got, "main")
	}
}

func TestBranchStepPreview(t *testing.T) {
	d := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionBranch},
		Context: testContext("/nonexistent"), // preview must not touch git
		Preview: true,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Context.BranchName != "relay/feature/1234" {
		t.Errorf("BranchName = %q, want %q", res.Context.BranchName, "relay/feature/1234")
	}
	if !strings.Contains(res.Message, "would create") {
		t.Errorf("message = %q, want preview phrasing", res.Message)
	}
}

func TestBranchStepCreates(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)

	d := newTestDispatcher(t)
	res, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionBranch},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := testutil.GetCurrentBranch(t, repoDir); got != "relay/feature/1234" {
		t.Errorf("current branch = %q, want %q", got, "relay/feature/1234")
	}
	if res.Context.BranchName != "relay/feature/1234" {
		t.Errorf("context branch = %q", res.Context.BranchName)
	}
}

func TestCommitStepNoChanges(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)

	d := newTestDispatcher(t)
	res, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionCommit, Config: map[string]string{"message": "update"}},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v, want soft success", err)
	}
	if !strings.Contains(res.Message, "no changes") {
		t.Errorf("message = %q, want no-changes note", res.Message)
	}
	if got := testutil.GetCommitCount(t, repoDir); got != 1 {
		t.Errorf("commit count = %d, want unchanged 1", got)
	}
}

func TestCommitStepCommits(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)
	testutil.WriteFile(t, repoDir, "feature.go", "package feature\n")

	headBefore := testutil.GetHead(t, repoDir)

	d := newTestDispatcher(t)
	res, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionCommit, Config: map[string]string{"message": "add feature"}},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Message != "committed changes" {
		t.Errorf("message = %q", res.Message)
	}
	if testutil.GetHead(t, repoDir) == headBefore {
		t.Error("HEAD did not advance after commit")
	}
	if testutil.HasUncommittedChanges(t, repoDir) {
		t.Error("uncommitted changes remain after commit step")
	}
}

func TestCommitStepPreview(t *testing.T) {
	d := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionCommit, Config: map[string]string{"message": "update"}},
		Context: testContext("/nonexistent"),
		Preview: true,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !strings.Contains(res.Message, "would commit") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestPushStepPushesActualBranch(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir, remoteDir := testutil.SetupTestRepoWithRemote(t)

	// The real checkout moves to feat/real while context still records a
	// stale branch name.
	testutil.CreateBranch(t, repoDir, "feat/real")
	testutil.CheckoutBranch(t, repoDir, "feat/real")
	testutil.CommitFile(t, repoDir, "real.go", "package real\n", "real work")

	ctx := testContext(repoDir)
	ctx.BranchName = "feat/stale"

	d := newTestDispatcher(t)
	res, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionPush},
		Context: ctx,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !strings.Contains(res.Message, "feat/real") {
		t.Errorf("message = %q, want actual branch", res.Message)
	}

	// The remote must have received the actual branch, not the stale one.
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/feat/real")
	cmd.Dir = remoteDir
	if err := cmd.Run(); err != nil {
		t.Error("remote does not have feat/real after push")
	}
	cmd = exec.Command("git", "rev-parse", "--verify", "refs/heads/feat/stale")
	cmd.Dir = remoteDir
	if err := cmd.Run(); err == nil {
		t.Error("stale context branch was pushed to the remote")
	}
}

func TestWorktreeCreateStep(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)
	path := filepath.Join(t.TempDir(), "wt-step")

	d := newTestDispatcher(t)
	res, err := d.Dispatch(context.Background(), Request{
		Step: Step{Action: ActionWorktreeCreate, Config: map[string]string{
			"path":   path,
			"branch": "feat/wt",
		}},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Context.WorktreePath != path {
		t.Errorf("context worktree path = %q, want %q", res.Context.WorktreePath, path)
	}
	if res.Context.BranchName != "feat/wt" {
		t.Errorf("context branch = %q, want %q", res.Context.BranchName, "feat/wt")
	}
	if got := testutil.GetCurrentBranch(t, path); got != "feat/wt" {
		t.Errorf("worktree branch = %q, want %q", got, "feat/wt")
	}
}

func TestWorktreeCreateStepIdempotentBranch(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)
	testutil.CreateBranch(t, repoDir, "feat/existing")
	path := filepath.Join(t.TempDir(), "wt-existing")

	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), Request{
		Step: Step{Action: ActionWorktreeCreate, Config: map[string]string{
			"path":   path,
			"branch": "feat/existing",
		}},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v for pre-existing branch", err)
	}
}

func TestWorktreeCreateStepPreview(t *testing.T) {
	d := newTestDispatcher(t)
	path := filepath.Join(t.TempDir(), "wt-preview")

	res, err := d.Dispatch(context.Background(), Request{
		Step: Step{Action: ActionWorktreeCreate, Config: map[string]string{
			"path":   path,
			"branch": "feat/preview",
		}},
		Context: testContext("/nonexistent"),
		Preview: true,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Context.WorktreePath != path {
		t.Errorf("preview did not record intended path, got %q", res.Context.WorktreePath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("preview created the worktree on disk")
	}
}

func TestWorktreeCreateThenCommitRunsInWorktree(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir, remoteDir := testutil.SetupTestRepoWithRemote(t)
	path := filepath.Join(t.TempDir(), "wt-active")

	d := newTestDispatcher(t)
	created, err := d.Dispatch(context.Background(), Request{
		Step: Step{Action: ActionWorktreeCreate, Config: map[string]string{
			"path":   path,
			"branch": "feat/isolated",
		}},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("create Dispatch() error = %v", err)
	}

	// Work lands in the worktree, not the primary checkout.
	testutil.WriteFile(t, path, "isolated.go", "package isolated\n")
	wtHeadBefore := testutil.GetHead(t, path)

	committed, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionCommit, Config: map[string]string{"message": "isolated work"}},
		Context: created.Context,
	})
	if err != nil {
		t.Fatalf("commit Dispatch() error = %v", err)
	}
	if committed.Message != "committed changes" {
		t.Fatalf("message = %q, want a real commit, not a soft no-changes result", committed.Message)
	}
	if testutil.GetHead(t, path) == wtHeadBefore {
		t.Error("worktree HEAD did not advance after commit")
	}
	if got := testutil.GetCommitCount(t, repoDir); got != 1 {
		t.Errorf("primary checkout commit count = %d, want unchanged 1", got)
	}

	pushed, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionPush},
		Context: committed.Context,
	})
	if err != nil {
		t.Fatalf("push Dispatch() error = %v", err)
	}
	if !strings.Contains(pushed.Message, "feat/isolated") {
		t.Errorf("push message = %q, want worktree branch", pushed.Message)
	}
	cmd := exec.Command("git", "rev-parse", "refs/heads/feat/isolated")
	cmd.Dir = remoteDir
	out, err := cmd.Output()
	if err != nil {
		t.Fatal("remote does not have feat/isolated after push")
	}
	if got := strings.TrimSpace(string(out)); got != testutil.GetHead(t, path) {
		t.Errorf("remote head = %q, want worktree head %q", got, testutil.GetHead(t, path))
	}
}

func TestWorktreeCreateStepReusesExistingPath(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)
	path := filepath.Join(t.TempDir(), "wt-reuse")

	d := newTestDispatcher(t)
	req := Request{
		Step: Step{Action: ActionWorktreeCreate, Config: map[string]string{
			"path":   path,
			"branch": "feat/reuse",
		}},
		Context: testContext(repoDir),
	}
	if _, err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}

	// A second dispatch at the same path reuses the valid, unclaimed
	// worktree instead of failing on `git worktree add`.
	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("second Dispatch() error = %v, want reuse", err)
	}
	if res.Context.WorktreePath != path {
		t.Errorf("context worktree path = %q, want %q", res.Context.WorktreePath, path)
	}
	if got := testutil.GetCurrentBranch(t, path); got != "feat/reuse" {
		t.Errorf("worktree branch = %q, want %q", got, "feat/reuse")
	}
}

func TestWorktreeCreateStepReuseHint(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)
	hinted := filepath.Join(t.TempDir(), "wt-hinted")

	d := newTestDispatcher(t)
	if _, err := d.Dispatch(context.Background(), Request{
		Step: Step{Action: ActionWorktreeCreate, Config: map[string]string{
			"path":   hinted,
			"branch": "feat/hinted",
		}},
		Context: testContext(repoDir),
	}); err != nil {
		t.Fatalf("create Dispatch() error = %v", err)
	}

	res, err := d.Dispatch(context.Background(), Request{
		Step: Step{Action: ActionWorktreeCreate, Config: map[string]string{
			"reuse_path":   hinted,
			"reuse_branch": "feat/hinted",
			"path":         filepath.Join(t.TempDir(), "wt-never-created"),
			"branch":       "feat/other",
		}},
		Context: testContext(repoDir),
	})
	if err != nil {
		t.Fatalf("reuse Dispatch() error = %v", err)
	}
	if res.Context.WorktreePath != hinted {
		t.Errorf("context worktree path = %q, want hinted %q", res.Context.WorktreePath, hinted)
	}
	if res.Context.BranchName != "feat/hinted" {
		t.Errorf("context branch = %q, want %q", res.Context.BranchName, "feat/hinted")
	}
}

func TestWorktreeRemoveStep(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repoDir := testutil.SetupTestRepo(t)
	path := filepath.Join(t.TempDir(), "wt-remove")

	d := newTestDispatcher(t)
	createReq := Request{
		Step: Step{Action: ActionWorktreeCreate, Config: map[string]string{
			"path":   path,
			"branch": "feat/remove",
		}},
		Context: testContext(repoDir),
	}
	created, err := d.Dispatch(context.Background(), createReq)
	if err != nil {
		t.Fatalf("create Dispatch() error = %v", err)
	}

	res, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionWorktreeRemove, Config: map[string]string{"path": path}},
		Context: created.Context,
	})
	if err != nil {
		t.Fatalf("remove Dispatch() error = %v", err)
	}
	if res.Context.WorktreePath != "" {
		t.Errorf("context worktree path = %q, want cleared", res.Context.WorktreePath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("worktree directory still exists after removal")
	}
}

func TestWorktreeRemoveRequiresPath(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), Request{
		Step:    Step{Action: ActionWorktreeRemove},
		Context: ExecutionContext{},
	})
	var verr *errors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}
