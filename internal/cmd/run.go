package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/runner"
	"github.com/driftworks/relay/internal/step"
	"github.com/driftworks/relay/internal/store"
	"github.com/driftworks/relay/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow against a work item",
	Long: `Run executes the steps of a workflow file in order against a work item.
Steps run locally by default; pass --pod to execute inside an agent pod.

With --preview each step reports what it would do without touching the
repository.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("repo", "", "repository path (default: current directory)")
	runCmd.Flags().String("repo-url", "", "repository URL, used for pod paths and platform detection")
	runCmd.Flags().String("pod", "", "agent pod name for remote execution (default: run locally)")
	runCmd.Flags().String("item-id", "", "work item ID (required)")
	runCmd.Flags().String("item-type", "feature", "work item type (feature, bug, chore)")
	runCmd.Flags().String("item-title", "", "work item title")
	runCmd.Flags().String("default-branch", "main", "repository default branch")
	runCmd.Flags().Bool("preview", false, "report step intent without side effects")
	runCmd.Flags().Bool("no-history", false, "skip recording the job to the history database")
	_ = runCmd.MarkFlagRequired("item-id")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	repoPath, _ := cmd.Flags().GetString("repo")
	if repoPath == "" {
		repoPath, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
	}

	log, err := newLogger(cfg, config.ConfigDir())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	wf, err := workflow.Load(afero.NewOsFs(), args[0])
	if err != nil {
		return err
	}

	var history *store.SQLiteStore
	if noHistory, _ := cmd.Flags().GetBool("no-history"); !noHistory {
		history, err = store.NewSQLite(cfg.Paths.ResolveStorePath())
		if err != nil {
			return fmt.Errorf("failed to open job history: %w", err)
		}
		defer history.Close()
		if err := history.Init(cmd.Context()); err != nil {
			return fmt.Errorf("failed to initialize job history: %w", err)
		}
	}

	preview, _ := cmd.Flags().GetBool("preview")
	r := runner.New(runner.Config{
		Dispatcher: step.DispatcherConfig{
			Remote:        cfg.Remote.ExecEnv(),
			BranchPattern: cfg.Branch.Pattern,
			WorktreeDir:   cfg.Paths.ResolveWorktreeDir(repoPath),
			StepTimeout:   cfg.Step.Timeout(),
			RetryCount:    cfg.Step.Retries,
		},
		Store:       history,
		Concurrency: cfg.Runner.Concurrency,
		Preview:     preview,
		Logger:      log,
	})

	itemID, _ := cmd.Flags().GetString("item-id")
	itemType, _ := cmd.Flags().GetString("item-type")
	itemTitle, _ := cmd.Flags().GetString("item-title")
	repoURL, _ := cmd.Flags().GetString("repo-url")
	podName, _ := cmd.Flags().GetString("pod")
	defaultBranch, _ := cmd.Flags().GetString("default-branch")

	item := step.WorkItem{
		ID:            itemID,
		Title:         itemTitle,
		Type:          itemType,
		RepositoryURL: repoURL,
	}
	job := runner.NewJob(item, wf, step.ExecutionContext{
		RepoPath:      repoPath,
		DefaultBranch: defaultBranch,
		RepoURL:       repoURL,
		PodName:       podName,
	})

	if err := r.RunJob(cmd.Context(), job); err != nil {
		return fmt.Errorf("job %s failed: %w", job.ID, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "job %s completed (%d steps)\n", job.ID, len(wf.Steps))
	return nil
}
