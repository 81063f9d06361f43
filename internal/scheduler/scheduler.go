// Package scheduler drives one scenario instance from Scheduling to a
// terminal status.
//
// Readiness is event-driven: every wait condition is an edge with a
// counter on its dependent, and only the edges leaving the function that
// changed status are examined. A function starts once all of its edges are
// satisfied, no earlier than the latest satisfaction time plus its delay.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/executor"
	"github.com/openbach-stack/conductor/internal/logging"
	"github.com/openbach-stack/conductor/internal/store"
	"github.com/openbach-stack/conductor/internal/types"
)

// Executor runs one function and releases the jobs a scenario left behind.
// *executor.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, run *executor.Run, fn *types.FunctionDefinition, notBefore time.Time, emit executor.Emitter) executor.Outcome
	StopJobs(ctx context.Context, run *executor.Run) int
}

// Scheduler runs scenario instances. It holds no per-instance state.
type Scheduler struct {
	exec        Executor
	store       store.Store
	stopTimeout time.Duration
	logger      *slog.Logger
}

// New creates a scheduler.
func New(exec Executor, st store.Store, stopTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Scheduler{exec: exec, store: st, stopTimeout: stopTimeout, logger: logger}
}

// edge is one wait condition seen from the function it waits on.
type edge struct {
	dependent int
	on        types.WaitKind
	delay     time.Duration
}

// run holds the mutable state of one scenario execution. It is only touched
// by the Run goroutine.
type run struct {
	s      *Scheduler
	def    *types.ScenarioDefinition
	inst   *executor.Run
	logger *slog.Logger

	execCtx    context.Context
	cancelExec context.CancelFunc

	events   chan types.FunctionEvent
	outcomes chan executor.Outcome

	edges    map[int][]edge
	pending  map[int]int
	readyAt  map[int]time.Time
	launched map[int]bool
	// running holds functions that have emitted Running; satisfies launched edges once.
	running  map[int]bool
	terminal map[int]bool
	// culprits ended Stopped on their own and caused the scenario to fail.
	culprits map[int]bool
	active   int

	failing   bool
	stopped   bool
	failures  []executor.Outcome
	succeeded bool
	fatalErr  error
}

// Run executes the instance until every function is terminal and returns
// the scenario's terminal status. Cancelling ctx is a stop request: running
// functions are stopped and the instance ends Stopped. The returned error is
// non-nil only when the store failed.
func (s *Scheduler) Run(ctx context.Context, inst *types.ScenarioInstance, def *types.ScenarioDefinition, logger *slog.Logger) (types.ScenarioStatus, error) {
	if logger == nil {
		logger = s.logger
	}
	logger = logging.WithScenario(logger, inst.ID, def.Name)

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	n := len(def.Functions)
	r := &run{
		s:          s,
		def:        def,
		inst:       &executor.Run{InstanceID: inst.ID, Definition: def, Arguments: inst.Arguments, Logger: logger},
		logger:     logger,
		execCtx:    execCtx,
		cancelExec: cancel,
		// Each function emits at most one Running and one terminal event.
		events:   make(chan types.FunctionEvent, 2*n),
		outcomes: make(chan executor.Outcome, n),
		edges:    make(map[int][]edge, n),
		pending:  make(map[int]int, n),
		readyAt:  make(map[int]time.Time, n),
		launched: make(map[int]bool, n),
		running:  make(map[int]bool, n),
		terminal: make(map[int]bool, n),
		culprits: make(map[int]bool),
	}
	for _, f := range def.Functions {
		r.pending[f.ID] = len(f.Waits)
		for _, w := range f.Waits {
			r.edges[w.FunctionID] = append(r.edges[w.FunctionID], edge{dependent: f.ID, on: w.On, delay: w.Delay})
		}
	}

	if err := s.store.UpdateScenarioStatus(context.WithoutCancel(ctx), inst.ID, types.ScenarioRunning); err != nil {
		return r.abort(err)
	}
	logger.Info("scenario running", "functions", n)

	start := time.Now()
	for _, id := range def.FunctionIDs() {
		if r.pending[id] == 0 {
			r.readyAt[id] = start
			r.launch(id)
		}
	}

	r.loop(ctx)
	return r.finish()
}

func (r *run) loop(ctx context.Context) {
	stopRequested := ctx.Done()
	var forceStop <-chan time.Time

	for r.active > 0 {
		select {
		case ev := <-r.events:
			r.handleEvent(ev)

		case out := <-r.outcomes:
			// A function emits its events before returning its outcome, so
			// they are all buffered by now and may still launch dependents.
			r.drainEvents()
			r.active--
			r.handleOutcome(out)

		case <-stopRequested:
			stopRequested = nil
			r.stopped = true
			r.logger.Info("stop requested", "active", r.active)
			r.cancelExec()
			timer := time.NewTimer(r.s.stopTimeout)
			defer timer.Stop()
			forceStop = timer.C

		case <-forceStop:
			r.logger.Warn("stop timeout reached, forcing local stop", "active", r.active)
			r.drainEvents()
			return
		}
	}
}

func (r *run) drainEvents() {
	for {
		select {
		case ev := <-r.events:
			r.handleEvent(ev)
		default:
			return
		}
	}
}

func (r *run) launch(id int) {
	fn, _ := r.def.Function(id)
	r.launched[id] = true
	r.active++
	notBefore := r.readyAt[id]
	go func() {
		r.outcomes <- r.s.exec.Execute(r.execCtx, r.inst, fn, notBefore, r.emit)
	}()
}

func (r *run) emit(ev types.FunctionEvent) {
	r.events <- ev
}

func (r *run) handleEvent(ev types.FunctionEvent) {
	switch {
	case ev.Status == types.FunctionRunning:
		r.markLaunched(ev)
	case ev.Status.IsTerminal():
		if r.terminal[ev.FunctionID] {
			return
		}
		r.terminal[ev.FunctionID] = true
		if ev.Status != types.FunctionFinished {
			// Untolerated failures never release dependents.
			if !r.stopped && !r.failing {
				r.culprits[ev.FunctionID] = true
				r.fail("function ended " + string(ev.Status))
			}
			return
		}
		r.markLaunched(ev)
		r.satisfy(ev, types.WaitFinished)
	}
}

// markLaunched satisfies launched edges. A function that finishes without
// running (skipped) counts as launched.
func (r *run) markLaunched(ev types.FunctionEvent) {
	if r.running[ev.FunctionID] {
		return
	}
	r.running[ev.FunctionID] = true
	r.satisfy(ev, types.WaitLaunched)
}

func (r *run) satisfy(ev types.FunctionEvent, on types.WaitKind) {
	for _, e := range r.edges[ev.FunctionID] {
		if e.on != on {
			continue
		}
		if at := ev.At.Add(e.delay); at.After(r.readyAt[e.dependent]) {
			r.readyAt[e.dependent] = at
		}
		r.pending[e.dependent]--
		if r.pending[e.dependent] == 0 && !r.failing && !r.stopped && !r.launched[e.dependent] {
			r.launch(e.dependent)
		}
	}
}

func (r *run) handleOutcome(out executor.Outcome) {
	if out.Dispatched {
		r.succeeded = true
	}
	if out.Err != nil && r.fatalErr == nil {
		r.fatalErr = out.Err
		r.fail("instance store failed")
	}
	switch out.Status {
	case types.FunctionError:
		r.failures = append(r.failures, out)
		r.fail("function error")
	case types.FunctionStopped:
		if r.culprits[out.FunctionID] || (!r.stopped && !r.failing) {
			r.failures = append(r.failures, out)
			r.fail("function stopped")
		}
	}
}

// fail stops launching new functions and stops those still running.
func (r *run) fail(reason string) {
	if r.failing {
		return
	}
	r.failing = true
	r.logger.Warn("scenario failing, stopping remaining functions", "reason", reason)
	r.cancelExec()
}

func (r *run) finish() (types.ScenarioStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.s.stopTimeout)
	defer cancel()

	// Functions never launched, or abandoned after the stop timeout, end Stopped.
	for _, f := range r.def.Functions {
		if r.terminal[f.ID] {
			continue
		}
		err := r.s.store.UpdateFunctionStatus(ctx, r.inst.InstanceID, f.ID, types.FunctionStopped, 0)
		if err != nil && !cerrors.HasCode(err, cerrors.CodeInvalidTransition) {
			r.logger.Error("forcing function stop failed", "function_id", f.ID, "error", err)
			if r.fatalErr == nil {
				r.fatalErr = err
			}
		}
	}

	if r.fatalErr != nil {
		return r.abort(r.fatalErr)
	}

	if r.stopped || r.failing {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), r.s.stopTimeout)
		r.s.exec.StopJobs(stopCtx, r.inst)
		stopCancel()
	}

	status := r.aggregate()
	if err := r.s.store.UpdateScenarioStatus(ctx, r.inst.InstanceID, status); err != nil {
		return r.abort(err)
	}
	r.logger.Info("scenario ended", "status", status)
	return status, nil
}

// aggregate derives the terminal status from the collected outcomes.
func (r *run) aggregate() types.ScenarioStatus {
	switch {
	case r.stopped:
		return types.ScenarioStopped
	case len(r.failures) == 0:
		return types.ScenarioFinishedOk
	}
	if r.succeeded {
		return types.ScenarioFinishedKo
	}
	for _, f := range r.failures {
		if f.ErrorCode != cerrors.CodeAgentUnreachable || !f.FailFast {
			return types.ScenarioFinishedKo
		}
	}
	return types.ScenarioAgentsUnreachable
}

// abort records FinishedKo on a best-effort basis and surfaces err.
func (r *run) abort(err error) (types.ScenarioStatus, error) {
	r.logger.Error("scenario aborted", "error", err)
	ctx, cancel := context.WithTimeout(context.Background(), r.s.stopTimeout)
	defer cancel()
	r.s.store.UpdateScenarioStatus(ctx, r.inst.InstanceID, types.ScenarioFinishedKo)
	return types.ScenarioFinishedKo, err
}
