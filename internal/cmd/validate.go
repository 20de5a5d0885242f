package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/driftworks/relay/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>",
	Short: "Validate a workflow file without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	wf, err := workflow.Load(afero.NewOsFs(), args[0])
	if err != nil {
		return err
	}

	name := wf.Name
	if name == "" {
		name = args[0]
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d steps)\n", name, len(wf.Steps))
	return nil
}
