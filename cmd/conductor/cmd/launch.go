package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openbach-stack/conductor/internal/status"
)

var launchCmd = &cobra.Command{
	Use:   "launch [scenario]",
	Short: "Launch a scenario on the daemon",
	Long: `Launch a scenario on the running daemon and print its instance id.

With --wait the command blocks until the instance ends, prints its final
state and exits 2 unless it finished ok.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLaunch,
}

var (
	launchArgs    []string
	launchFile    string
	launchWait    bool
	launchTimeout time.Duration
	launchNoColor bool
)

func init() {
	launchCmd.Flags().StringArrayVar(&launchArgs, "arg", nil, "scenario argument (format: name=value)")
	launchCmd.Flags().StringVarP(&launchFile, "file", "f", "", "launch a definition file instead of a catalog scenario")
	launchCmd.Flags().BoolVarP(&launchWait, "wait", "w", false, "wait for the instance to end")
	launchCmd.Flags().DurationVar(&launchTimeout, "timeout", 0, "give up waiting after this long (0 = no limit)")
	launchCmd.Flags().BoolVar(&launchNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	req, err := launchRequest(args, launchArgs, launchFile)
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	id, err := client.Launch(req.Scenario, req.Source, req.Arguments)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, id)
	if !launchWait {
		return nil
	}

	if launchTimeout == 0 {
		client.SetTimeout(24 * time.Hour)
	}
	inst, err := client.Wait(id, launchTimeout)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", id, err)
	}
	return reportFinal(out, inst, status.FormatOptions{NoColor: launchNoColor})
}
