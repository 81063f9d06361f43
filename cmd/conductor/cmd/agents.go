package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/openbach-stack/conductor/internal/dispatch"
)

var agentsCmd = &cobra.Command{
	Use:   "agents [address...]",
	Short: "Check that agent daemons answer",
	Long: `Send check_connection to agents and report which ones answer.

With no addresses, every agent of the configured fleet snapshot is checked.
Exits 1 when any agent does not answer.`,
	RunE: runAgents,
}

var agentsTimeout time.Duration

func init() {
	agentsCmd.Flags().DurationVar(&agentsTimeout, "timeout", 10*time.Second, "overall time limit")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d := dispatch.New(cfg.Agents, nil, slog.New(slog.DiscardHandler))

	addresses := args
	if len(addresses) == 0 {
		for _, a := range d.Fleet() {
			addresses = append(addresses, a.Address)
		}
	}
	if len(addresses) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No agents configured. Add [[agents.fleet]] entries or pass addresses.")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), agentsTimeout)
	defer cancel()

	if down := reportAgents(cmd.OutOrStdout(), d.CheckConnections(ctx, addresses)); down > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d of %d agents did not answer", down, len(addresses))}
	}
	return nil
}

// reportAgents prints one line per result and returns how many failed.
func reportAgents(w io.Writer, results []dispatch.Result) int {
	down := 0
	for _, r := range results {
		if r.OK() {
			fmt.Fprintf(w, "✓ %s\n", r.Agent)
			continue
		}
		down++
		fmt.Fprintf(w, "✗ %s: %s\n", r.Agent, r.Message)
	}
	return down
}
