package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openbach-stack/conductor/internal/engine"
	"github.com/openbach-stack/conductor/internal/logging"
	"github.com/openbach-stack/conductor/internal/status"
	"github.com/openbach-stack/conductor/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run [scenario]",
	Short: "Run a scenario in the foreground without a daemon",
	Long: `Run one scenario inside this process and wait for it to end.

The scenario is taken from the definitions directory, or from --file.
Ctrl-C stops the scenario: running jobs are asked to stop before exit.
The exit code is 0 when the scenario finished ok and 2 otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runArgs    []string
	runFile    string
	runNoColor bool
)

func init() {
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "scenario argument (format: name=value)")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "run a definition file instead of a catalog scenario")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := launchRequest(args, runArgs, runFile)
	if err != nil {
		return err
	}

	dir, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	rt, err := openRuntime(cfg, dir, logger, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := runInProcess(ctx, rt, req)
	if err != nil {
		return err
	}
	return reportFinal(cmd.OutOrStdout(), inst, status.FormatOptions{NoColor: runNoColor})
}

// launchRequest builds a request from a scenario name or a definition file.
func launchRequest(args, pairs []string, file string) (engine.LaunchRequest, error) {
	var req engine.LaunchRequest
	arguments, err := parseArguments(pairs)
	if err != nil {
		return req, err
	}
	req.Arguments = arguments

	switch {
	case file != "":
		source, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("reading definition: %w", err)
		}
		req.Source = source
	case len(args) == 1:
		req.Scenario = args[0]
	default:
		return req, fmt.Errorf("a scenario name or --file is required")
	}
	return req, nil
}

// runInProcess launches req and waits for it. Cancelling ctx stops the
// instance; the wait itself continues until the stop completes.
func runInProcess(ctx context.Context, rt *runtime, req engine.LaunchRequest) (*types.ScenarioInstance, error) {
	inst, err := rt.engine.Launch(ctx, req)
	if err != nil {
		return nil, err
	}

	cancelStop := context.AfterFunc(ctx, func() {
		_ = rt.engine.Stop(context.Background(), inst.ID)
	})
	defer cancelStop()

	return rt.engine.Wait(context.Background(), inst.ID)
}

// reportFinal prints the instance and maps its status to an exit code.
func reportFinal(w io.Writer, inst *types.ScenarioInstance, opts status.FormatOptions) error {
	fmt.Fprint(w, status.FormatDetailedInstance(status.NewInstanceSummary(inst), opts))
	if inst.Status != types.ScenarioFinishedOk {
		return &ExitError{Code: ExitScenarioFailed, Message: fmt.Sprintf("scenario %s ended %s", inst.Scenario, inst.Status)}
	}
	return nil
}
