package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/platform"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify platform credentials and repository access",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().String("repo-url", "", "repository URL (required)")
	checkCmd.Flags().String("platform", "", "explicit platform tag (github, azure-devops); default: detect from URL")
	_ = checkCmd.MarkFlagRequired("repo-url")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	repoURL, _ := cmd.Flags().GetString("repo-url")
	tag, _ := cmd.Flags().GetString("platform")

	adapter, err := platform.New(tag, repoURL, platform.Options{
		Integration: platformIntegration(cfg),
	})
	if err != nil {
		return err
	}

	if err := adapter.TestConnection(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: connection ok\n", adapter.Name())
	return nil
}
