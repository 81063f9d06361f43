package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openbach-stack/conductor/internal/engine"
	"github.com/openbach-stack/conductor/internal/ipc"
	"github.com/openbach-stack/conductor/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor daemon",
	Long: `Run the conductor daemon in the foreground.

The daemon watches the definitions directory, listens on the control socket
for launch, stop and status requests, and runs every launched scenario.
Instances left unfinished by a previous daemon are marked stopped on start.
SIGINT or SIGTERM stops all running scenarios before exiting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveInstanceLogs bool

func init() {
	serveCmd.Flags().BoolVar(&serveInstanceLogs, "instance-logs", true, "write one log file per instance under paths.logs_dir")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Paths.Socket = socketPath
	}

	logger, logCloser, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(cfg, dir, logger, runtimeOptions{InstanceLogs: serveInstanceLogs})
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovering instances: %w", err)
	}

	go func() {
		if err := rt.catalog.Watch(ctx); err != nil {
			logger.Error("definitions watcher stopped", "error", err)
		}
	}()

	server := ipc.NewServer(cfg.Paths.Socket, engine.NewIPCHandler(rt.engine, logger), logger)
	if err := server.StartAsync(ctx); err != nil {
		return err
	}
	logger.Info("conductor ready",
		"version", Version,
		"socket", cfg.Paths.Socket,
		"definitions", rt.catalog.Dir(),
		"scenarios", len(rt.catalog.List()),
		"store", cfg.Store.Backend,
	)

	<-ctx.Done()
	logger.Info("shutdown requested")

	if err := server.Shutdown(); err != nil {
		logger.Warn("closing IPC server", "error", err)
	}
	return nil
}
