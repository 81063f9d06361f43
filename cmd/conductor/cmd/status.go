package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/status"
	"github.com/openbach-stack/conductor/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [instance-id]",
	Short: "Show scenario instance status",
	Long: `Show the state of one scenario instance, or of every active instance
when no id is given.

Exit codes:
  0  success
  3  instance not found`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusJSON    bool
	statusQuiet   bool
	statusNoColor bool
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	statusCmd.Flags().BoolVarP(&statusQuiet, "quiet", "q", false, "minimal output")
	statusCmd.Flags().BoolVar(&statusNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	opts := status.FormatOptions{NoColor: statusNoColor, Quiet: statusQuiet}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		inst, err := client.Status(args[0])
		if err != nil {
			if cerrors.HasCode(err, cerrors.CodeInstanceNotFound) {
				return &ExitError{Code: ExitNotFound, Message: fmt.Sprintf("instance %s not found", args[0])}
			}
			return err
		}
		return printInstance(out, inst, opts, statusJSON)
	}

	instances, err := client.List("", "", true)
	if err != nil {
		return err
	}
	if len(instances) == 0 && !statusJSON {
		fmt.Fprintln(out, "No active instances.")
		return nil
	}
	return printInstances(out, instances, opts, statusJSON)
}

func printInstance(w io.Writer, inst *types.ScenarioInstance, opts status.FormatOptions, asJSON bool) error {
	if asJSON {
		return writeJSON(w, inst)
	}
	fmt.Fprint(w, status.FormatDetailedInstance(status.NewInstanceSummary(inst), opts))
	return nil
}

func printInstances(w io.Writer, instances []*types.ScenarioInstance, opts status.FormatOptions, asJSON bool) error {
	summaries := make([]*status.InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, status.NewInstanceSummary(inst))
	}
	if asJSON {
		return writeJSON(w, summaries)
	}
	fmt.Fprint(w, status.FormatInstanceList(summaries, opts))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
