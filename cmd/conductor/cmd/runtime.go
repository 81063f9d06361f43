package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openbach-stack/conductor/internal/collect"
	"github.com/openbach-stack/conductor/internal/config"
	"github.com/openbach-stack/conductor/internal/dispatch"
	"github.com/openbach-stack/conductor/internal/engine"
	"github.com/openbach-stack/conductor/internal/executor"
	"github.com/openbach-stack/conductor/internal/scenario"
	"github.com/openbach-stack/conductor/internal/store"
)

// runtime holds everything an in-process engine needs.
type runtime struct {
	engine  *engine.Engine
	catalog *scenario.Catalog
	store   store.Store

	closers []io.Closer
}

type runtimeOptions struct {
	// Transport overrides the agent TCP transport.
	Transport    dispatch.Transport
	InstanceLogs bool
}

// openRuntime wires store, catalog, dispatcher, collector and engine from cfg.
func openRuntime(cfg *config.Config, dir string, logger *slog.Logger, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{}

	st, err := store.Open(cfg, dir)
	if err != nil {
		return nil, fmt.Errorf("opening instance store: %w", err)
	}
	rt.store = st
	rt.closers = append(rt.closers, st)

	rt.catalog = scenario.NewCatalog(cfg.DefinitionsDir(dir), logger)
	if err := rt.catalog.Reload(); err != nil {
		rt.Close()
		return nil, err
	}

	sink, err := collect.NewSink(cfg.Collector, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("opening collector sink: %w", err)
	}
	rt.closers = append(rt.closers, sink)

	var stats executor.StatsSource
	if cfg.Collector.StatsURL != "" {
		client := collect.NewStatsClient(cfg.Collector)
		rt.closers = append(rt.closers, client)
		stats = client
	}

	rt.engine = engine.New(engine.Options{
		Config:       cfg,
		BaseDir:      dir,
		Catalog:      rt.catalog,
		Store:        st,
		Dispatcher:   dispatch.New(cfg.Agents, opts.Transport, logger),
		Stats:        stats,
		Sink:         sink,
		Logger:       logger,
		InstanceLogs: opts.InstanceLogs,
	})
	return rt, nil
}

// Close stops the engine and releases resources in reverse order.
func (rt *runtime) Close() error {
	if rt.engine != nil {
		rt.engine.Shutdown()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
