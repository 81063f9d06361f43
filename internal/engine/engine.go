// Package engine is the control surface of the conductor. It launches
// scenario instances, stops them and reports their status.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/openbach-stack/conductor/internal/collect"
	"github.com/openbach-stack/conductor/internal/config"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/executor"
	"github.com/openbach-stack/conductor/internal/logging"
	"github.com/openbach-stack/conductor/internal/scenario"
	"github.com/openbach-stack/conductor/internal/scheduler"
	"github.com/openbach-stack/conductor/internal/store"
	"github.com/openbach-stack/conductor/internal/types"
)

// Options configures an Engine.
type Options struct {
	Config  *config.Config
	BaseDir string
	Catalog *scenario.Catalog
	Store   store.Store

	Dispatcher executor.Dispatcher
	Stats      executor.StatsSource // optional
	Sink       collect.Sink         // optional

	Logger *slog.Logger
	// InstanceLogs writes one log file per instance under the logs dir.
	InstanceLogs bool
}

// LaunchRequest names the scenario to run, either from the catalog or as
// inline source.
type LaunchRequest struct {
	Scenario  string
	Source    []byte
	Arguments map[string]string
	Parent    *types.ParentRef
}

// Engine owns the running instances of one process.
type Engine struct {
	cfg          *config.Config
	baseDir      string
	catalog      *scenario.Catalog
	store        store.Store
	sched        *scheduler.Scheduler
	logger       *slog.Logger
	instanceLogs bool

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	status types.ScenarioStatus
	err    error
}

// New creates an engine. The engine is the executor's launcher for
// sub-scenarios.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:          cfg,
		baseDir:      opts.BaseDir,
		catalog:      opts.Catalog,
		store:        opts.Store,
		logger:       logger.With("component", "engine"),
		instanceLogs: opts.InstanceLogs,
		active:       make(map[string]*activeRun),
	}
	exec := executor.New(executor.Options{
		Store:       opts.Store,
		Dispatcher:  opts.Dispatcher,
		Launcher:    e,
		Stats:       opts.Stats,
		Sink:        opts.Sink,
		Retry:       cfg.Retry,
		StopTimeout: cfg.Scheduler.StopTimeout,
		Logger:      logger,
	})
	e.sched = scheduler.New(exec, opts.Store, cfg.Scheduler.StopTimeout, logger)
	return e
}

// Launch validates the scenario, snapshots its definition, creates an
// instance and starts it in the background. Malformed definitions are
// rejected before any instance exists.
func (e *Engine) Launch(ctx context.Context, req LaunchRequest) (*types.ScenarioInstance, error) {
	def, source, err := e.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := scenario.Validate(def); err != nil {
		return nil, err
	}
	if err := checkArguments(def, req.Arguments); err != nil {
		return nil, err
	}

	if e.isClosed() {
		return nil, errShuttingDown()
	}

	ref, err := e.store.SaveDefinition(ctx, def.Name, source)
	if err != nil {
		return nil, err
	}
	inst, err := e.store.CreateInstance(ctx, store.CreateRequest{
		DefinitionRef: ref,
		Definition:    def,
		Arguments:     req.Arguments,
		Parent:        req.Parent,
	})
	if err != nil {
		return nil, err
	}

	if err := e.start(inst, def); err != nil {
		e.finalise(context.WithoutCancel(ctx), inst)
		return nil, err
	}
	e.logger.Info("scenario launched", "instance_id", inst.ID, "scenario", def.Name, "definition", ref)
	return inst, nil
}

func (e *Engine) resolve(req LaunchRequest) (*types.ScenarioDefinition, []byte, error) {
	if len(req.Source) > 0 {
		def, err := scenario.Parse(req.Source)
		if err != nil {
			return nil, nil, err
		}
		return def, req.Source, nil
	}
	if req.Scenario == "" {
		return nil, nil, cerrors.MalformedScenario("", "no scenario name or source given")
	}
	if e.catalog == nil {
		return nil, nil, cerrors.ScenarioNotFound(req.Scenario)
	}
	return e.catalog.Get(req.Scenario)
}

// checkArguments requires every declared argument and rejects undeclared ones.
func checkArguments(def *types.ScenarioDefinition, args map[string]string) error {
	var missing, unknown []string
	for name := range def.Arguments {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range args {
		if _, ok := def.Arguments[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	switch {
	case len(missing) > 0:
		return cerrors.MalformedScenario(def.Name, fmt.Sprintf("missing arguments %v", missing)).
			WithDetail("missing", missing)
	case len(unknown) > 0:
		return cerrors.MalformedScenario(def.Name, fmt.Sprintf("unknown arguments %v", unknown)).
			WithDetail("unknown", unknown)
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func errShuttingDown() error {
	return cerrors.New(cerrors.CodeInstanceNotRunning, "engine is shutting down")
}

func (e *Engine) start(inst *types.ScenarioInstance, def *types.ScenarioDefinition) error {
	ctx, cancel := context.WithCancel(context.Background())
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return errShuttingDown()
	}
	e.active[inst.ID] = run
	e.wg.Add(1)
	e.mu.Unlock()

	logger, closer := e.instanceLogger(inst.ID)

	go func() {
		defer e.wg.Done()
		defer cancel()
		if closer != nil {
			defer closer.Close()
		}

		status, err := e.sched.Run(ctx, inst, def, logger)
		if err != nil {
			e.logger.Error("scenario aborted", "instance_id", inst.ID, "error", err)
		} else {
			e.logger.Info("scenario ended", "instance_id", inst.ID, "status", status)
		}

		e.mu.Lock()
		run.status, run.err = status, err
		delete(e.active, inst.ID)
		e.mu.Unlock()
		close(run.done)
	}()
	return nil
}

func (e *Engine) instanceLogger(id string) (*slog.Logger, io.Closer) {
	if !e.instanceLogs {
		return nil, nil
	}
	logger, closer, err := logging.NewForInstance(e.cfg, e.baseDir, id)
	if err != nil {
		e.logger.Warn("instance log unavailable, using process log", "instance_id", id, "error", err)
		return nil, nil
	}
	return logger, closer
}

// Stop requests a stop of a running instance and returns without waiting.
// Instances left non-terminal by an earlier process are finalised directly.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	run, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		e.logger.Info("stopping scenario", "instance_id", id)
		run.cancel()
		return nil
	}

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return cerrors.InstanceNotRunning(id, string(inst.Status))
	}
	return e.finalise(ctx, inst)
}

// Status returns a snapshot of an instance.
func (e *Engine) Status(ctx context.Context, id string) (*types.ScenarioInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// List returns the instances matching filter.
func (e *Engine) List(ctx context.Context, filter store.Filter) ([]*types.ScenarioInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

// Wait blocks until the instance is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*types.ScenarioInstance, error) {
	e.mu.Lock()
	run, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		select {
		case <-run.done:
			if run.err != nil {
				return nil, run.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsTerminal() {
		return inst, cerrors.InstanceNotRunning(id, string(inst.Status)).
			WithDetail("reason", "instance is not owned by this process")
	}
	return inst, nil
}

// LaunchChild starts a sub-scenario from the catalog. A scenario already
// running among the parent's ancestors is refused.
func (e *Engine) LaunchChild(ctx context.Context, req executor.ChildRequest) (string, error) {
	if err := e.checkAncestry(ctx, req.Scenario, req.Parent.InstanceID); err != nil {
		return "", err
	}
	parent := req.Parent
	inst, err := e.Launch(ctx, LaunchRequest{Scenario: req.Scenario, Arguments: req.Arguments, Parent: &parent})
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}

func (e *Engine) checkAncestry(ctx context.Context, name, parentID string) error {
	chain := []string{name}
	for id := parentID; id != ""; {
		inst, err := e.store.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		chain = append(chain, inst.Scenario)
		if inst.Scenario == name {
			return cerrors.MalformedScenario(name, fmt.Sprintf("sub-scenario recursion %v", chain)).
				WithDetail("chain", chain)
		}
		id = ""
		if inst.Parent != nil {
			id = inst.Parent.InstanceID
		}
	}
	return nil
}

// Active returns the ids of instances running in this process.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Recover finalises instances that a previous process left non-terminal.
// Their functions cannot be resumed, so they end Stopped.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	instances, err := e.store.ListInstances(ctx, store.Filter{Active: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range instances {
		e.mu.Lock()
		_, owned := e.active[inst.ID]
		e.mu.Unlock()
		if owned {
			continue
		}
		if err := e.finalise(ctx, inst); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		e.logger.Warn("stopped interrupted instances", "count", n)
	}
	return n, nil
}

func (e *Engine) finalise(ctx context.Context, inst *types.ScenarioInstance) error {
	for _, f := range inst.SortedFunctions() {
		if f.Status.IsTerminal() {
			continue
		}
		if err := e.store.UpdateFunctionStatus(ctx, inst.ID, f.FunctionID, types.FunctionStopped, f.RetryPerformed); err != nil {
			return err
		}
	}
	e.logger.Info("finalising orphaned instance", "instance_id", inst.ID, "status_before", inst.Status)
	return e.store.UpdateScenarioStatus(ctx, inst.ID, types.ScenarioStopped)
}

// Shutdown stops every running instance and waits for them to end.
// It is safe to call more than once.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		for _, run := range e.active {
			run.cancel()
		}
		n := len(e.active)
		e.mu.Unlock()

		e.logger.Info("engine shutting down", "active", n)
		e.wg.Wait()
	})
}
