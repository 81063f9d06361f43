package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openbach-stack/conductor/internal/config"
	"github.com/openbach-stack/conductor/internal/dispatch"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/store"
	"github.com/openbach-stack/conductor/internal/testutil"
	"github.com/openbach-stack/conductor/internal/types"
)

type harness struct {
	exec  *Executor
	disp  *testutil.ScriptedDispatcher
	store store.Store
	run   *Run
	def   *types.ScenarioDefinition

	mu     sync.Mutex
	events []types.FunctionEvent
}

func newHarness(t *testing.T, source string, args map[string]string) *harness {
	t.Helper()
	st := testutil.NewTestStore(t)
	inst, def := testutil.CreateInstance(t, st, source, args)
	disp := testutil.NewScriptedDispatcher()
	logger := testutil.DiscardLogger()
	exec := New(Options{
		Store:       st,
		Dispatcher:  disp,
		Retry:       config.RetryConfig{Strategy: config.BackoffFixed, DefaultDelay: time.Millisecond},
		StopTimeout: time.Second,
		Logger:      logger,
	})
	return &harness{
		exec:  exec,
		disp:  disp,
		store: st,
		def:   def,
		run:   &Run{InstanceID: inst.ID, Definition: def, Arguments: inst.Arguments, Logger: logger},
	}
}

func (h *harness) emit(ev types.FunctionEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *harness) eventStatuses(id int) []types.FunctionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.FunctionStatus
	for _, ev := range h.events {
		if ev.FunctionID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (h *harness) execute(t *testing.T, ctx context.Context, id int) Outcome {
	t.Helper()
	fn, ok := h.def.Function(id)
	if !ok {
		t.Fatalf("function %d not defined", id)
	}
	return h.exec.Execute(ctx, h.run, fn, time.Now(), h.emit)
}

func (h *harness) instance(t *testing.T) *types.ScenarioInstance {
	t.Helper()
	inst, err := h.store.GetInstance(context.Background(), h.run.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	return inst
}

const startJobSource = `
name: start-job
arguments:
  agent: agent address
openbach_functions:
  - id: 1
    start_job_instance:
      agent_address: $agent
      fping:
        destination_ip: 10.0.0.9
`

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{Strategy: config.BackoffFixed, DefaultDelay: 5 * time.Second, Factor: 2, MaxDelay: time.Minute}

	tests := []struct {
		name   string
		cfg    config.RetryConfig
		policy types.FailurePolicy
		n      int
		want   time.Duration
	}{
		{"default delay", cfg, types.FailurePolicy{WaitTime: -1}, 3, 5 * time.Second},
		{"policy delay", cfg, types.FailurePolicy{WaitTime: time.Second}, 2, time.Second},
		{"zero delay", cfg, types.FailurePolicy{WaitTime: 0, Backoff: "exponential"}, 4, 0},
		{"exponential first", cfg, types.FailurePolicy{WaitTime: time.Second, Backoff: "exponential"}, 1, time.Second},
		{"exponential third", cfg, types.FailurePolicy{WaitTime: time.Second, Backoff: "exponential"}, 3, 4 * time.Second},
		{"exponential capped", cfg, types.FailurePolicy{WaitTime: time.Second, Backoff: "exponential"}, 10, time.Minute},
		{
			"configured exponential",
			config.RetryConfig{Strategy: config.BackoffExponential, DefaultDelay: time.Second, Factor: 3},
			types.FailurePolicy{WaitTime: -1}, 2, 3 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryDelay(tt.cfg, tt.policy, tt.n); got != tt.want {
				t.Errorf("RetryDelay(n=%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestExecuteStartJob(t *testing.T) {
	h := newHarness(t, startJobSource, map[string]string{"agent": "10.0.0.1"})

	out := h.execute(t, context.Background(), 1)
	if out.Status != types.FunctionFinished || out.Tolerated {
		t.Fatalf("outcome = %+v, want untolerated Finished", out)
	}
	if !out.Dispatched {
		t.Error("outcome not marked dispatched")
	}

	calls := h.disp.CallsFor(cmdStartJob)
	if len(calls) != 1 {
		t.Fatalf("start calls = %d, want 1", len(calls))
	}
	if calls[0].Address != "10.0.0.1" {
		t.Errorf("placeholder not expanded: address %q", calls[0].Address)
	}
	args := calls[0].Instruction.Arguments
	if args["name"] != "fping" || args["scenario_id"] != h.run.InstanceID {
		t.Errorf("instruction arguments = %v", args)
	}

	inst := h.instance(t)
	testutil.AssertFunctionStatus(t, inst, 1, types.FunctionFinished)
	result := inst.Functions[1].Result
	if result[KeyJobInstanceID] != args["instance_id"] {
		t.Errorf("job_instance_id = %v, want %v", result[KeyJobInstanceID], args["instance_id"])
	}
	testutil.AssertEqual(t, []types.FunctionStatus{types.FunctionRunning, types.FunctionFinished}, h.eventStatuses(1), "events")
}

func TestExecuteRetry(t *testing.T) {
	const source = `
name: retry
openbach_functions:
  - id: 1
    on_fail:
      policy: retry
      retry: 2
      delay: 0
    start_job_instance:
      agent_address: 10.0.0.1
      fping: {}
`
	tests := []struct {
		name        string
		results     []dispatch.Result
		wantStatus  types.FunctionStatus
		wantRetries int
		wantCalls   int
	}{
		{"succeeds after retry", []dispatch.Result{testutil.Unreachable(false), testutil.Success(nil)}, types.FunctionFinished, 1, 2},
		{"limit exhausted", []dispatch.Result{testutil.Remote("E", "boom")}, types.FunctionError, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, source, nil)
			h.disp.On("10.0.0.1", cmdStartJob, tt.results...)

			out := h.execute(t, context.Background(), 1)
			if out.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", out.Status, tt.wantStatus)
			}
			if n := len(h.disp.CallsFor(cmdStartJob)); n != tt.wantCalls {
				t.Errorf("start calls = %d, want %d", n, tt.wantCalls)
			}
			inst := h.instance(t)
			f := inst.Functions[1]
			if f.RetryPerformed != tt.wantRetries {
				t.Errorf("retry_performed = %d, want %d", f.RetryPerformed, tt.wantRetries)
			}
			if len(f.Errors) != tt.wantCalls-1 && tt.wantStatus == types.FunctionFinished {
				t.Errorf("recorded %d errors, want %d", len(f.Errors), tt.wantCalls-1)
			}
			if tt.wantStatus == types.FunctionError && len(f.Errors) != tt.wantCalls {
				t.Errorf("recorded %d errors, want %d", len(f.Errors), tt.wantCalls)
			}

			running := 0
			for _, s := range h.eventStatuses(1) {
				if s == types.FunctionRunning {
					running++
				}
			}
			if running != 1 {
				t.Errorf("Running emitted %d times, want 1", running)
			}
		})
	}
}

func TestExecuteIgnorePolicy(t *testing.T) {
	const source = `
name: ignore
openbach_functions:
  - id: 1
    on_fail:
      policy: ignore
    start_job_instance:
      agent_address: 10.0.0.1
      fping: {}
`
	h := newHarness(t, source, nil)
	h.disp.On("10.0.0.1", cmdStartJob, testutil.Remote("JOB_MISSING", "no such job"))

	out := h.execute(t, context.Background(), 1)
	if out.Status != types.FunctionFinished || !out.Tolerated {
		t.Fatalf("outcome = %+v, want tolerated Finished", out)
	}
	if out.ErrorCode != cerrors.CodeRemoteError {
		t.Errorf("error code = %q, want %q", out.ErrorCode, cerrors.CodeRemoteError)
	}

	inst := h.instance(t)
	testutil.AssertFunctionStatus(t, inst, 1, types.FunctionFinished)
	if errs := inst.Functions[1].Errors; len(errs) != 1 || errs[0].Code != cerrors.CodeRemoteError {
		t.Errorf("recorded errors = %+v", errs)
	}
}

func TestExecuteIgnoredUnreachableSkips(t *testing.T) {
	const source = `
name: ignore-unreachable
openbach_functions:
  - id: 1
    on_fail:
      policy: ignore
    start_job_instance:
      agent_address: 10.0.0.1
      fping: {}
`
	h := newHarness(t, source, nil)
	h.disp.On("10.0.0.1", cmdStartJob, testutil.Unreachable(false))

	out := h.execute(t, context.Background(), 1)
	if out.Status != types.FunctionFinished || !out.Skipped || !out.Tolerated {
		t.Fatalf("outcome = %+v, want tolerated skipped Finished", out)
	}

	inst := h.instance(t)
	f := inst.Functions[1]
	if !f.Skipped() {
		t.Errorf("result = %v, want skipped", f.Result)
	}
	if len(f.Errors) != 1 || f.Errors[0].Code != cerrors.CodeAgentUnreachable {
		t.Errorf("recorded errors = %+v", f.Errors)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	last := h.events[len(h.events)-1]
	if last.Status != types.FunctionFinished || !last.Skipped {
		t.Errorf("last event = %+v, want skipped Finished", last)
	}
}

func TestExecuteIgnoredIfMatchesNoBranch(t *testing.T) {
	const source = `
name: ignore-if
openbach_functions:
  - id: 1
    on_fail:
      policy: ignore
    if:
      condition:
        type: "<"
        left_operand: {type: value, value: abc}
        right_operand: {type: value, value: 2}
      openbach_functions_true_ids: [2]
      openbach_functions_false_ids: []
  - id: 2
    start_job_instance:
      agent_address: 10.0.0.1
      fping: {}
`
	h := newHarness(t, source, nil)

	out := h.execute(t, context.Background(), 1)
	if out.Status != types.FunctionFinished || !out.Tolerated {
		t.Fatalf("outcome = %+v, want tolerated Finished", out)
	}
	if out.Skipped {
		t.Error("evaluation failure marked as skipped")
	}
	if got := h.instance(t).Functions[1].Result[OutcomeKey]; got != OutcomeNone {
		t.Errorf("if outcome = %v, want %q", got, OutcomeNone)
	}
	if branch := h.execute(t, context.Background(), 2); !branch.Skipped {
		t.Errorf("branch = %+v, want skipped", branch)
	}
}

func TestExecuteFailFast(t *testing.T) {
	h := newHarness(t, startJobSource, map[string]string{"agent": "10.0.0.1"})
	h.disp.On("10.0.0.1", cmdStartJob, testutil.Unreachable(true))

	out := h.execute(t, context.Background(), 1)
	if out.Status != types.FunctionError {
		t.Fatalf("status = %s, want Error", out.Status)
	}
	if out.ErrorCode != cerrors.CodeAgentUnreachable || !out.FailFast {
		t.Errorf("outcome = %+v, want fail-fast AGENT_001", out)
	}
	if out.Dispatched {
		t.Error("refused dispatch marked as dispatched")
	}
}

const ifSource = `
name: branches
openbach_functions:
  - id: 1
    if:
      condition:
        type: "<"
        left_operand: {type: value, value: 1}
        right_operand: {type: value, value: 2}
      openbach_functions_true_ids: [2]
      openbach_functions_false_ids: [3]
  - id: 2
    start_job_instance:
      agent_address: 10.0.0.1
      fping: {}
  - id: 3
    start_job_instance:
      agent_address: 10.0.0.2
      fping: {}
`

func TestExecuteIfBranches(t *testing.T) {
	h := newHarness(t, ifSource, nil)
	ctx := context.Background()

	if out := h.execute(t, ctx, 1); out.Status != types.FunctionFinished {
		t.Fatalf("if status = %s, want Finished", out.Status)
	}
	taken := h.execute(t, ctx, 2)
	skipped := h.execute(t, ctx, 3)

	if taken.Skipped || taken.Status != types.FunctionFinished {
		t.Errorf("true branch = %+v, want run", taken)
	}
	if !skipped.Skipped || skipped.Status != types.FunctionFinished {
		t.Errorf("false branch = %+v, want skipped", skipped)
	}

	inst := h.instance(t)
	if got := inst.Functions[1].Result[OutcomeKey]; got != true {
		t.Errorf("if outcome = %v, want true", got)
	}
	if !inst.Functions[3].Skipped() {
		t.Error("false branch not recorded as skipped")
	}
	if n := len(h.disp.Calls()); n != 1 {
		t.Errorf("dispatched %d instructions, want 1", n)
	}
}

func TestExecuteStopReleasesJob(t *testing.T) {
	h := newHarness(t, startJobSource, map[string]string{"agent": "10.0.0.1"})
	h.disp.Hang("10.0.0.1", cmdStartJob)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- h.execute(t, ctx, 1) }()

	testutil.Eventually(t, time.Second, "function running", func() bool {
		return len(h.eventStatuses(1)) > 0
	})
	cancel()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
	if out.Status != types.FunctionStopped {
		t.Fatalf("status = %s, want Stopped", out.Status)
	}
	testutil.AssertFunctionStatus(t, h.instance(t), 1, types.FunctionStopped)

	starts := h.disp.CallsFor(cmdStartJob)
	stops := h.disp.CallsFor(cmdStopJob)
	if len(stops) != 1 {
		t.Fatalf("stop calls = %d, want 1", len(stops))
	}
	if stops[0].Instruction.Arguments["instance_id"] != starts[0].Instruction.Arguments["instance_id"] {
		t.Error("stop targets a different job instance than the one started")
	}
}

func TestExecuteStopBeforeStart(t *testing.T) {
	h := newHarness(t, startJobSource, map[string]string{"agent": "10.0.0.1"})
	fn, _ := h.def.Function(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := h.exec.Execute(ctx, h.run, fn, time.Now().Add(time.Hour), h.emit)

	if out.Status != types.FunctionStopped {
		t.Fatalf("status = %s, want Stopped", out.Status)
	}
	if n := len(h.disp.Calls()); n != 0 {
		t.Errorf("dispatched %d instructions before start time", n)
	}
}

func TestExecuteMissingInstanceIsFatal(t *testing.T) {
	h := newHarness(t, startJobSource, map[string]string{"agent": "10.0.0.1"})
	h.run.InstanceID = "does-not-exist"

	out := h.execute(t, context.Background(), 1)
	if !out.Fatal() {
		t.Fatalf("outcome = %+v, want fatal", out)
	}
	testutil.AssertErrorCode(t, out.Err, cerrors.CodeInstanceNotFound)
}
