package types

import (
	"time"

	"github.com/openbach-stack/conductor/internal/condition"
)

// FunctionKind names the action an OpenBACH function performs.
type FunctionKind string

const (
	// Job control - dispatched to one agent
	KindStartJob   FunctionKind = "start_job_instance"
	KindStopJob    FunctionKind = "stop_job_instance"
	KindStopJobs   FunctionKind = "stop_job_instances"
	KindRestartJob FunctionKind = "restart_job_instance"
	KindStatusJob  FunctionKind = "status_job_instance"

	// File transfer - dispatched to one agent
	KindPushFile FunctionKind = "push_file"
	KindPullFile FunctionKind = "pull_file"

	// Flow control - run inside the conductor
	KindIf   FunctionKind = "if"
	KindWait FunctionKind = "wait"

	// Sub-scenarios
	KindStartScenario FunctionKind = "start_scenario_instance"
	KindStopScenario  FunctionKind = "stop_scenario_instance"
)

// AllKinds lists every supported function kind in definition order.
var AllKinds = []FunctionKind{
	KindStartJob, KindStopJob, KindStopJobs, KindRestartJob, KindStatusJob,
	KindPushFile, KindPullFile, KindIf, KindWait, KindStartScenario, KindStopScenario,
}

// Valid returns true if this is a recognized function kind.
func (k FunctionKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Dispatches returns true if the kind sends instructions to agents.
func (k FunctionKind) Dispatches() bool {
	switch k {
	case KindStartJob, KindStopJob, KindStopJobs, KindRestartJob, KindStatusJob, KindPushFile, KindPullFile:
		return true
	}
	return false
}

// FunctionStatus represents the lifecycle state of a function instance.
type FunctionStatus string

const (
	FunctionScheduled FunctionStatus = "scheduled" // Waiting for start time or guard
	FunctionRunning   FunctionStatus = "running"   // Instruction dispatched
	FunctionStopped   FunctionStatus = "stopped"   // Stopped by request, never retried
	FunctionFinished  FunctionStatus = "finished"  // Completed, possibly skipped or tolerated
	FunctionError     FunctionStatus = "error"     // Failed
	FunctionRetried   FunctionStatus = "retried"   // Failed, waiting for the next attempt
)

// Valid returns true if this is a recognized status.
func (s FunctionStatus) Valid() bool {
	switch s {
	case FunctionScheduled, FunctionRunning, FunctionStopped, FunctionFinished, FunctionError, FunctionRetried:
		return true
	}
	return false
}

// IsTerminal returns true if no further attempt will be made.
// Error is terminal for the scheduler; the executor may still move it to
// Retried, coerce it to Finished or stop it before emitting its terminal event.
func (s FunctionStatus) IsTerminal() bool {
	return s == FunctionStopped || s == FunctionFinished || s == FunctionError
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s FunctionStatus) CanTransitionTo(target FunctionStatus) bool {
	switch s {
	case FunctionScheduled:
		return target == FunctionRunning || target == FunctionFinished || target == FunctionError || target == FunctionStopped
	case FunctionRunning:
		return target == FunctionFinished || target == FunctionError || target == FunctionStopped
	case FunctionError:
		// Stopped covers a stop arriving before the failure policy was applied.
		return target == FunctionRetried || target == FunctionFinished || target == FunctionStopped
	case FunctionRetried:
		return target == FunctionScheduled || target == FunctionStopped
	case FunctionStopped, FunctionFinished:
		return false
	}
	return false
}

// FailureMode selects what happens when a function fails.
type FailureMode string

const (
	FailureIgnore FailureMode = "ignore" // Record the error, then finish
	FailureFail   FailureMode = "fail"   // Fail the scenario
	FailureRetry  FailureMode = "retry"  // Retry up to RetryLimit times
)

// Valid returns true if this is a recognized failure mode.
func (m FailureMode) Valid() bool {
	return m == FailureIgnore || m == FailureFail || m == FailureRetry
}

// FailurePolicy is the on_fail block of a function.
type FailurePolicy struct {
	Mode       FailureMode
	WaitTime   time.Duration // Base delay between retries, negative for the configured default
	RetryLimit int
	// Backoff overrides the configured backoff strategy ("fixed" or "exponential").
	Backoff string
}

// DefaultPolicy is applied to functions that declare no on_fail block.
var DefaultPolicy = FailurePolicy{Mode: FailureFail}

// WaitKind selects which event of a dependency satisfies a wait condition.
type WaitKind string

const (
	WaitLaunched WaitKind = "launched" // Dependency reached Running (or ended without running)
	WaitFinished WaitKind = "finished" // Dependency reached a terminal status
)

// WaitCondition makes a function depend on another function of the same scenario.
type WaitCondition struct {
	FunctionID int
	On         WaitKind
	Delay      time.Duration // Offset added once the condition is satisfied
}

// StartJobConfig for start_job_instance.
type StartJobConfig struct {
	Agent     string
	Job       string
	Arguments map[string]any
	Offset    time.Duration
	Interval  time.Duration // Relaunch period on the agent, 0 for one-shot
}

// JobRefConfig targets job instances started by other functions
// (stop_job_instance, stop_job_instances, restart_job_instance, status_job_instance).
type JobRefConfig struct {
	FunctionIDs []int
	Arguments   map[string]any // restart_job_instance only
}

// FileConfig for push_file and pull_file.
type FileConfig struct {
	Agent      string
	LocalPath  string
	RemotePath string
}

// IfConfig for if.
type IfConfig struct {
	Condition condition.Condition
	TrueIDs   []int
	FalseIDs  []int
}

// StartScenarioConfig for start_scenario_instance.
type StartScenarioConfig struct {
	Scenario  string
	Arguments map[string]string
}

// StopScenarioConfig for stop_scenario_instance.
type StopScenarioConfig struct {
	FunctionID int
}

// FunctionDefinition describes one OpenBACH function of a scenario.
// Exactly one config pointer matching Kind is set (none for wait).
type FunctionDefinition struct {
	ID       int
	Label    string
	Kind     FunctionKind
	WaitTime time.Duration
	Waits    []WaitCondition
	OnFail   *FailurePolicy

	// Guard must hold for the function to run; false finishes it as skipped.
	Guard condition.Condition

	StartJob      *StartJobConfig
	JobRef        *JobRefConfig
	File          *FileConfig
	If            *IfConfig
	StartScenario *StartScenarioConfig
	StopScenario  *StopScenarioConfig
}

// Policy returns the effective failure policy.
func (f *FunctionDefinition) Policy() FailurePolicy {
	if f.OnFail == nil {
		return DefaultPolicy
	}
	return *f.OnFail
}

// Name returns the label, or the kind when no label was given.
func (f *FunctionDefinition) Name() string {
	if f.Label != "" {
		return f.Label
	}
	return string(f.Kind)
}

// FunctionFailure is one failure recorded against a function instance.
type FunctionFailure struct {
	At      time.Time `json:"at" yaml:"at"`
	Attempt int       `json:"attempt" yaml:"attempt"`
	Code    string    `json:"code" yaml:"code"`
	Message string    `json:"message" yaml:"message"`
}

// FunctionInstance is the runtime record of one function in a scenario instance.
type FunctionInstance struct {
	FunctionID     int            `json:"function_id" yaml:"function_id"`
	Label          string         `json:"label,omitempty" yaml:"label,omitempty"`
	Kind           FunctionKind   `json:"kind" yaml:"kind"`
	Status         FunctionStatus `json:"status" yaml:"status"`
	RetryPerformed int            `json:"retry_performed" yaml:"retry_performed"`

	LaunchedAt *time.Time `json:"launched_at,omitempty" yaml:"launched_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`

	Result map[string]any    `json:"result,omitempty" yaml:"result,omitempty"`
	Errors []FunctionFailure `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// ResultSkipped is the result key marking a function that never dispatched.
const ResultSkipped = "skipped"

// Skipped returns true if the function finished without running its action.
func (f *FunctionInstance) Skipped() bool {
	skipped, _ := f.Result[ResultSkipped].(bool)
	return skipped
}

// LastError returns the most recent recorded error, if any.
func (f *FunctionInstance) LastError() *FunctionFailure {
	if len(f.Errors) == 0 {
		return nil
	}
	return &f.Errors[len(f.Errors)-1]
}

// FunctionEvent reports a status change of a function instance.
type FunctionEvent struct {
	InstanceID string
	FunctionID int
	Status     FunctionStatus
	// Skipped is set on Finished when the function never dispatched.
	Skipped bool
	// ErrorCode is the code of the last failure for Error and tolerated Finished events.
	ErrorCode string
	At        time.Time
}
