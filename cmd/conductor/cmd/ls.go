package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openbach-stack/conductor/internal/status"
	"github.com/openbach-stack/conductor/internal/types"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scenario instances",
	Long: `List scenario instances known to the daemon, newest first.

Filter by --status (scheduling, running, finished_ok, finished_ko,
agents_unreachable, stopped), by --scenario name, or show only --active ones.`,
	Args: cobra.NoArgs,
	RunE: runLs,
}

var (
	lsStatus   string
	lsScenario string
	lsActive   bool
	lsJSON     bool
	lsQuiet    bool
)

func init() {
	lsCmd.Flags().StringVarP(&lsStatus, "status", "s", "", "only instances with this status")
	lsCmd.Flags().StringVar(&lsScenario, "scenario", "", "only instances of this scenario")
	lsCmd.Flags().BoolVarP(&lsActive, "active", "a", false, "only instances that have not ended")
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "output as JSON")
	lsCmd.Flags().BoolVarP(&lsQuiet, "quiet", "q", false, "print instance ids only")
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	st := types.ScenarioStatus(lsStatus)
	if st != "" && !st.Valid() {
		return fmt.Errorf("unknown status %q", lsStatus)
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	instances, err := client.List(st, lsScenario, lsActive)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(instances) == 0 && !lsJSON {
		fmt.Fprintln(out, "No instances found.")
		return nil
	}
	return printInstances(out, instances, status.FormatOptions{Quiet: lsQuiet, NoColor: lsQuiet}, lsJSON)
}
