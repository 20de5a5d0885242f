package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/platform"
)

var prCmd = &cobra.Command{
	Use:   "pr",
	Short: "Create a pull request for a pushed branch",
	Long: `PR creates a pull request on the work item's platform (GitHub or
Azure DevOps, detected from the repository URL). Creation is idempotent: if
an open pull request already exists for the source branch, its URL is
returned instead of creating a duplicate.

Credentials come from the environment: GITHUB_TOKEN (or COPILOT_TOKEN) for
GitHub, AZURE_DEVOPS_PAT for Azure DevOps.`,
	RunE: runPR,
}

func init() {
	rootCmd.AddCommand(prCmd)

	prCmd.Flags().String("repo-url", "", "repository URL (required)")
	prCmd.Flags().String("source", "", "source branch (required)")
	prCmd.Flags().String("target", "main", "target branch")
	prCmd.Flags().String("title", "", "pull request title (required)")
	prCmd.Flags().String("description", "", "pull request description")
	prCmd.Flags().String("platform", "", "explicit platform tag (github, azure-devops); default: detect from URL")
	_ = prCmd.MarkFlagRequired("repo-url")
	_ = prCmd.MarkFlagRequired("source")
	_ = prCmd.MarkFlagRequired("title")
}

func runPR(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, config.ConfigDir())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	repoURL, _ := cmd.Flags().GetString("repo-url")
	source, _ := cmd.Flags().GetString("source")
	target, _ := cmd.Flags().GetString("target")
	title, _ := cmd.Flags().GetString("title")
	description, _ := cmd.Flags().GetString("description")
	tag, _ := cmd.Flags().GetString("platform")

	adapter, err := platform.New(tag, repoURL, platform.Options{
		Integration: platformIntegration(cfg),
		Logger:      log,
	})
	if err != nil {
		return err
	}

	url, err := adapter.CreatePullRequest(cmd.Context(), platform.PullRequestSpec{
		Title:        title,
		Description:  description,
		SourceBranch: source,
		TargetBranch: target,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), url)
	return nil
}

// platformIntegration builds the integration overrides from config, or nil
// when no overrides are configured. Tokens always come from the environment.
func platformIntegration(cfg *config.Config) *platform.Integration {
	if cfg.Platform.Organization == "" && cfg.Platform.Project == "" {
		return nil
	}
	return &platform.Integration{
		Organization: cfg.Platform.Organization,
		Project:      cfg.Platform.Project,
	}
}
