package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openbach-stack/conductor/internal/cli"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
)

var stopCmd = &cobra.Command{
	Use:   "stop [instance-id]",
	Short: "Stop a running scenario instance",
	Long: `Ask the daemon to stop a scenario instance, or every active one with --all.

Running jobs are told to stop and pending functions never start. Functions
that do not confirm within scheduler.stop_timeout are marked stopped anyway.
Sub-scenarios started by the instance are stopped too.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

var (
	stopAll bool
	stopYes bool
)

func init() {
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "stop every active instance")
	stopCmd.Flags().BoolVarP(&stopYes, "yes", "y", false, "do not ask for confirmation with --all")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	if stopAll == (len(args) == 1) {
		return fmt.Errorf("give either an instance id or --all")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !stopAll {
		id := args[0]
		if err := client.Stop(id); err != nil {
			switch cerrors.Code(err) {
			case cerrors.CodeInstanceNotFound:
				return &ExitError{Code: ExitNotFound, Message: fmt.Sprintf("instance %s not found", id)}
			case cerrors.CodeInstanceNotRunning:
				return &ExitError{Code: ExitFailure, Message: err.Error()}
			}
			return err
		}
		fmt.Fprintf(out, "Stop requested for instance %s\n", id)
		return nil
	}

	instances, err := client.List("", "", true)
	if err != nil {
		return err
	}
	// Sub-scenarios are stopped through their parent.
	var roots []string
	for _, inst := range instances {
		if inst.Parent == nil {
			roots = append(roots, inst.ID)
		}
	}
	if len(roots) == 0 {
		fmt.Fprintln(out, "No active instances.")
		return nil
	}

	if !stopYes {
		ok, err := cli.Confirm(cmd.InOrStdin(), out, fmt.Sprintf("Stop %d active instance(s)?", len(roots)), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	for _, id := range roots {
		if err := client.Stop(id); err != nil && !cerrors.HasCode(err, cerrors.CodeInstanceNotRunning) {
			return fmt.Errorf("stopping %s: %w", id, err)
		}
		fmt.Fprintf(out, "Stop requested for instance %s\n", id)
	}
	return nil
}
