package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openbach-stack/conductor/internal/config"
	"github.com/openbach-stack/conductor/internal/ipc"
	"github.com/openbach-stack/conductor/internal/scenario"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose    bool
	workDir    string
	configFile string
	socketPath string
)

// Exit codes reported by commands that wait on an instance.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitScenarioFailed = 2
	ExitNotFound       = 3
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "OpenBACH scenario conductor",
	Long: `conductor runs OpenBACH scenarios: directed graphs of functions that
start, stop and query jobs on remote agents, transfer files, branch on
collected statistics and launch sub-scenarios.

Run 'conductor serve' to start the daemon, then launch scenarios from the
definitions directory with 'conductor launch <scenario> --arg key=value'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// When no subcommand is given, list the catalog
		return listScenarios(cmd.OutOrStdout())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "extra config file applied last")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket (default: paths.socket)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("conductor {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// loadConfig applies defaults, the global and project files, then --config.
func loadConfig() (string, *config.Config, error) {
	dir, err := getWorkDir()
	if err != nil {
		return "", nil, fmt.Errorf("getting working directory: %w", err)
	}
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return "", nil, fmt.Errorf("loading config: %w", err)
	}
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return "", nil, fmt.Errorf("config file: %w", err)
		}
		if err := cfg.Overlay(configFile); err != nil {
			return "", nil, err
		}
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, err
	}
	return dir, cfg, nil
}

// newClient connects to the daemon named by --socket or the config.
func newClient() (*ipc.Client, error) {
	if socketPath != "" {
		return ipc.NewClient(socketPath), nil
	}
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(cfg.Paths.Socket), nil
}

// parseArguments turns repeated name=value flags into a map.
func parseArguments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid argument format: %s (expected name=value)", p)
		}
		if _, dup := args[name]; dup {
			return nil, fmt.Errorf("argument %s given twice", name)
		}
		args[name] = value
	}
	return args, nil
}

// listScenarios prints the definitions found in the catalog.
func listScenarios(w io.Writer) error {
	dir, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog := scenario.NewCatalog(cfg.DefinitionsDir(dir), slog.New(slog.DiscardHandler))
	if err := catalog.Reload(); err != nil {
		return err
	}

	entries := catalog.List()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Add definitions to %s to get started.\n", catalog.Dir())
		return nil
	}

	fmt.Fprintf(w, "Available scenarios (%s):\n\n", catalog.Dir())
	for _, e := range entries {
		switch {
		case e.Err != nil:
			fmt.Fprintf(w, "  %-24s INVALID: %v\n", e.Name, e.Err)
		case e.Def.Description != "":
			fmt.Fprintf(w, "  %-24s %s\n", e.Name, e.Def.Description)
		default:
			fmt.Fprintf(w, "  %s\n", e.Name)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run: conductor launch <scenario> [--arg name=value]")
	return nil
}
