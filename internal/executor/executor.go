// Package executor runs a single OpenBACH function to completion.
//
// An execution walks the function state machine:
//
//	Scheduled -> Running -> Finished | Error | Stopped
//	Error -> Retried -> Scheduled   (Retry policy, retries left)
//	Error -> Finished               (Ignore policy)
//
// Every transition is written to the store before the matching event is
// emitted, so dependents never observe a status the store does not hold.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openbach-stack/conductor/internal/collect"
	"github.com/openbach-stack/conductor/internal/condition"
	"github.com/openbach-stack/conductor/internal/config"
	"github.com/openbach-stack/conductor/internal/dispatch"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/logging"
	"github.com/openbach-stack/conductor/internal/store"
	"github.com/openbach-stack/conductor/internal/types"
)

// Dispatcher sends instructions to agents.
type Dispatcher interface {
	Dispatch(ctx context.Context, address string, instr dispatch.Instruction) *dispatch.Handle
	DispatchAll(ctx context.Context, targets []dispatch.Target) []dispatch.Result
}

// ChildRequest asks for a sub-scenario launch.
type ChildRequest struct {
	Scenario  string
	Arguments map[string]string
	Parent    types.ParentRef
}

// Launcher starts and controls sub-scenarios.
type Launcher interface {
	LaunchChild(ctx context.Context, req ChildRequest) (string, error)
	Wait(ctx context.Context, instanceID string) (*types.ScenarioInstance, error)
	Stop(ctx context.Context, instanceID string) error
}

// StatsSource reads statistics produced by jobs.
type StatsSource interface {
	Latest(ctx context.Context, instanceID string, s condition.Statistic) (any, error)
}

// Options configures an Executor.
type Options struct {
	Store      store.Store
	Dispatcher Dispatcher
	Launcher   Launcher
	Stats      StatsSource // optional
	Sink       collect.Sink
	Retry      config.RetryConfig
	// StopTimeout bounds best-effort remote stops and the final status write.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Executor runs functions. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	store       store.Store
	dispatcher  Dispatcher
	launcher    Launcher
	stats       StatsSource
	sink        collect.Sink
	retry       config.RetryConfig
	stopTimeout time.Duration
	logger      *slog.Logger
}

// New creates an executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = collect.NewLogSink(logger)
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Executor{
		store:       opts.Store,
		dispatcher:  opts.Dispatcher,
		launcher:    opts.Launcher,
		stats:       opts.Stats,
		sink:        sink,
		retry:       opts.Retry,
		stopTimeout: stopTimeout,
		logger:      logger,
	}
}

// Run is the scenario instance a function executes in.
type Run struct {
	InstanceID string
	Definition *types.ScenarioDefinition
	Arguments  map[string]string
	Logger     *slog.Logger
}

// Outcome is the final state of one function execution.
type Outcome struct {
	FunctionID int
	Status     types.FunctionStatus // Finished, Error or Stopped
	Skipped    bool
	// Tolerated is set when a failure was ignored by policy.
	Tolerated bool
	// Dispatched is set when an agent acknowledged at least one instruction.
	Dispatched bool
	ErrorCode  string
	// FailFast is set when the last failure refused an ineligible agent
	// without contacting it.
	FailFast bool
	// Err is set when the instance itself can no longer be recorded.
	Err error
}

// Fatal returns true if the scenario instance cannot continue.
func (o Outcome) Fatal() bool {
	return o.Err != nil
}

// Emitter receives function events.
type Emitter func(types.FunctionEvent)

// execution tracks one function through its attempts.
type execution struct {
	e      *Executor
	run    *Run
	fn     *types.FunctionDefinition
	emit   Emitter
	logger *slog.Logger
	reg    *collect.Registration

	status     types.FunctionStatus
	attempt    int
	launched   bool
	dispatched bool

	// Set while an action holds a remote resource that a stop must release.
	jobRef  *jobRef
	childID string
}

// Execute runs fn. It does not start before notBefore plus the function's
// own wait time. Cancelling ctx stops the function.
func (e *Executor) Execute(ctx context.Context, run *Run, fn *types.FunctionDefinition, notBefore time.Time, emit Emitter) Outcome {
	logger := run.Logger
	if logger == nil {
		logger = e.logger
	}
	x := &execution{
		e:      e,
		run:    run,
		fn:     fn,
		emit:   emit,
		logger: logging.WithFunction(logger, fn.ID, string(fn.Kind)),
		status: types.FunctionScheduled,
	}

	x.reg = collect.Register(e.sink, collect.Source{InstanceID: run.InstanceID, FunctionID: fn.ID, Kind: string(fn.Kind)})
	defer x.reg.Close()

	if err := sleepUntil(ctx, notBefore.Add(fn.WaitTime)); err != nil {
		return x.stop()
	}
	return x.loop(ctx)
}

func (x *execution) loop(ctx context.Context) Outcome {
	policy := x.fn.Policy()
	for {
		skipped, err := x.tryOnce(ctx)
		if ctx.Err() != nil {
			return x.stop()
		}
		if out, done := x.storeFailure(err); done {
			return out
		}
		if skipped {
			return x.finishSkipped(ctx)
		}
		if err == nil {
			return x.finish(ctx, nil)
		}

		x.logger.Warn("function failed", "attempt", x.attempt, "error", err)
		x.reg.Log(collect.SeverityError, "attempt %d failed: %v", x.attempt, err)
		if out, done := x.recordFailure(ctx, err); done {
			return out
		}

		switch {
		case policy.Mode == types.FailureIgnore:
			return x.finish(ctx, err)

		case policy.Mode == types.FailureRetry && x.attempt < policy.RetryLimit:
			if out, done := x.transition(ctx, types.FunctionRetried); done {
				return out
			}
			delay := RetryDelay(x.e.retry, policy, x.attempt+1)
			x.logger.Info("retrying function", "retry", x.attempt+1, "limit", policy.RetryLimit, "delay", delay)
			if sleep(ctx, delay) != nil {
				return x.stop()
			}
			x.attempt++
			if out, done := x.transition(ctx, types.FunctionScheduled); done {
				return out
			}

		default:
			return x.fail(err)
		}
	}
}

// tryOnce evaluates the guard, moves to Running and performs the action.
func (x *execution) tryOnce(ctx context.Context) (skipped bool, err error) {
	if x.fn.Guard != nil {
		ok, err := condition.Evaluate(ctx, x.fn.Guard, x.resolver())
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}

	if err := x.write(ctx, types.FunctionRunning); err != nil {
		return false, err
	}
	if !x.launched {
		x.launched = true
		x.event(types.FunctionRunning, false, "")
	}
	x.logger.Debug("function running", "attempt", x.attempt)

	payload, err := x.perform(ctx)
	if err != nil {
		return false, err
	}
	if len(payload) > 0 {
		if err := x.e.store.RecordResult(ctx, x.run.InstanceID, x.fn.ID, payload); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (x *execution) resolver() *resolver {
	return &resolver{run: x.run, store: x.e.store, stats: x.e.stats}
}

// write persists a status change and tracks it locally.
func (x *execution) write(ctx context.Context, status types.FunctionStatus) error {
	if err := x.e.store.UpdateFunctionStatus(ctx, x.run.InstanceID, x.fn.ID, status, x.attempt); err != nil {
		return err
	}
	x.status = status
	return nil
}

// transition writes status and reports a final outcome if the write failed.
func (x *execution) transition(ctx context.Context, status types.FunctionStatus) (Outcome, bool) {
	err := x.write(ctx, status)
	if err == nil {
		return Outcome{}, false
	}
	if ctx.Err() != nil {
		return x.stop(), true
	}
	if out, done := x.storeFailure(err); done {
		return out, true
	}
	return x.fatal(err), true
}

func (x *execution) recordFailure(ctx context.Context, err error) (Outcome, bool) {
	ferr := types.FunctionFailure{
		At:      time.Now(),
		Attempt: x.attempt,
		Code:    errorCode(err),
		Message: err.Error(),
	}
	if rerr := x.e.store.RecordError(ctx, x.run.InstanceID, x.fn.ID, ferr); rerr != nil {
		if out, done := x.storeFailure(rerr); done {
			return out, true
		}
		return x.fatal(rerr), true
	}
	return x.transition(ctx, types.FunctionError)
}

// storeFailure handles errors coming from the store rather than the action.
// A refused transition means the function was finalised elsewhere, which
// only happens when the scenario was force-stopped.
func (x *execution) storeFailure(err error) (Outcome, bool) {
	switch {
	case err == nil:
		return Outcome{}, false
	case cerrors.HasCode(err, cerrors.CodeInvalidTransition):
		x.logger.Debug("function finalised elsewhere", "error", err)
		return x.outcome(types.FunctionStopped), true
	case cerrors.HasCode(err, cerrors.CodeStoreUnavailable), cerrors.HasCode(err, cerrors.CodeInstanceNotFound):
		return x.fatal(err), true
	}
	return Outcome{}, false
}

// recordResult merges payload into the function result.
func (x *execution) recordResult(ctx context.Context, payload map[string]any) (Outcome, bool) {
	err := x.e.store.RecordResult(ctx, x.run.InstanceID, x.fn.ID, payload)
	if err == nil {
		return Outcome{}, false
	}
	if ctx.Err() != nil {
		return x.stop(), true
	}
	if out, done := x.storeFailure(err); done {
		return out, true
	}
	return x.fatal(err), true
}

func (x *execution) finishSkipped(ctx context.Context) Outcome {
	payload := map[string]any{types.ResultSkipped: true}
	if x.fn.Kind == types.KindIf {
		payload[OutcomeKey] = OutcomeNone
	}
	if out, done := x.recordResult(ctx, payload); done {
		return out
	}
	if out, done := x.transition(ctx, types.FunctionFinished); done {
		return out
	}
	x.logger.Info("function skipped")
	x.event(types.FunctionFinished, true, "")
	out := x.outcome(types.FunctionFinished)
	out.Skipped = true
	return out
}

// finish ends in Finished. A non-nil cause marks a failure tolerated by policy.
// An ignored unreachable agent that never received anything ends skipped.
func (x *execution) finish(ctx context.Context, cause error) Outcome {
	code := ""
	skipped := false
	if cause != nil {
		code = errorCode(cause)
		skipped = code == cerrors.CodeAgentUnreachable && !x.dispatched

		payload := make(map[string]any, 2)
		if skipped {
			payload[types.ResultSkipped] = true
		}
		if x.fn.Kind == types.KindIf {
			// Neither branch may run after an ignored if failure.
			payload[OutcomeKey] = OutcomeNone
		}
		if len(payload) > 0 {
			if out, done := x.recordResult(ctx, payload); done {
				return out
			}
		}
	}
	if out, done := x.transition(ctx, types.FunctionFinished); done {
		return out
	}
	x.logger.Info("function finished", "retries", x.attempt, "tolerated", cause != nil, "skipped", skipped)
	x.reg.Stat(time.Now(), map[string]any{"status": string(types.FunctionFinished), "retry_performed": x.attempt})
	x.event(types.FunctionFinished, skipped, code)

	out := x.outcome(types.FunctionFinished)
	out.Skipped = skipped
	out.Tolerated = cause != nil
	out.ErrorCode = code
	if cause != nil {
		out.FailFast = isFailFast(cause)
	}
	return out
}

func (x *execution) fail(cause error) Outcome {
	code := errorCode(cause)
	x.logger.Error("function failed", "retries", x.attempt, "code", code, "error", cause)
	x.reg.Stat(time.Now(), map[string]any{"status": string(types.FunctionError), "retry_performed": x.attempt})
	x.event(types.FunctionError, false, code)

	out := x.outcome(types.FunctionError)
	out.ErrorCode = code
	out.FailFast = isFailFast(cause)
	return out
}

// stop finalises the function as Stopped and releases remote resources.
// The local write never waits on the cancelled context.
func (x *execution) stop() Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), x.e.stopTimeout)
	defer cancel()

	prev := x.status
	if err := x.write(ctx, types.FunctionStopped); err != nil && !cerrors.HasCode(err, cerrors.CodeInvalidTransition) {
		x.logger.Error("recording stop failed", "error", err)
		return x.fatal(err)
	}
	x.logger.Info("function stopped", "status_before", prev)
	x.event(types.FunctionStopped, false, "")

	x.release(ctx)
	return x.outcome(types.FunctionStopped)
}

func (x *execution) fatal(err error) Outcome {
	x.logger.Error("function state cannot be recorded", "error", err)
	out := x.outcome(types.FunctionError)
	out.ErrorCode = errorCode(err)
	out.Err = err
	return out
}

func (x *execution) outcome(status types.FunctionStatus) Outcome {
	return Outcome{FunctionID: x.fn.ID, Status: status, Dispatched: x.dispatched}
}

func (x *execution) event(status types.FunctionStatus, skipped bool, code string) {
	if x.emit == nil {
		return
	}
	x.emit(types.FunctionEvent{
		InstanceID: x.run.InstanceID,
		FunctionID: x.fn.ID,
		Status:     status,
		Skipped:    skipped,
		ErrorCode:  code,
		At:         time.Now(),
	})
}

func errorCode(err error) string {
	if code := cerrors.Code(err); code != "" {
		return code
	}
	return "UNKNOWN"
}

func isFailFast(err error) bool {
	var cerr *cerrors.ConductorError
	if !errors.As(err, &cerr) {
		return false
	}
	v, _ := cerr.Details["fail_fast"].(bool)
	return v
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepUntil(ctx context.Context, at time.Time) error {
	return sleep(ctx, time.Until(at))
}
