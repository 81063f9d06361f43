package types

import (
	"testing"
	"time"
)

func TestFunctionKind(t *testing.T) {
	for _, k := range AllKinds {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if FunctionKind("while").Valid() {
		t.Error("while should not be a valid kind")
	}
	if !KindStartJob.Dispatches() || !KindPullFile.Dispatches() {
		t.Error("job and file kinds should dispatch")
	}
	if KindIf.Dispatches() || KindWait.Dispatches() || KindStartScenario.Dispatches() {
		t.Error("flow and scenario kinds should not dispatch")
	}
}

func TestFunctionStatus(t *testing.T) {
	t.Run("IsTerminal", func(t *testing.T) {
		for _, s := range []FunctionStatus{FunctionStopped, FunctionFinished, FunctionError} {
			if !s.IsTerminal() {
				t.Errorf("%s should be terminal", s)
			}
		}
		for _, s := range []FunctionStatus{FunctionScheduled, FunctionRunning, FunctionRetried} {
			if s.IsTerminal() {
				t.Errorf("%s should not be terminal", s)
			}
		}
	})

	t.Run("CanTransitionTo", func(t *testing.T) {
		tests := []struct {
			from, to FunctionStatus
			ok       bool
		}{
			{FunctionScheduled, FunctionRunning, true},
			{FunctionScheduled, FunctionFinished, true}, // guard false
			{FunctionScheduled, FunctionStopped, true},
			{FunctionRunning, FunctionFinished, true},
			{FunctionRunning, FunctionError, true},
			{FunctionRunning, FunctionStopped, true},
			{FunctionRunning, FunctionScheduled, false},
			{FunctionError, FunctionRetried, true},
			{FunctionError, FunctionFinished, true}, // ignore policy
			{FunctionError, FunctionRunning, false},
			{FunctionError, FunctionStopped, true}, // stopped before the policy applied
			{FunctionRetried, FunctionScheduled, true},
			{FunctionRetried, FunctionStopped, true},
			{FunctionRetried, FunctionRunning, false},
			{FunctionStopped, FunctionScheduled, false}, // never retried
			{FunctionFinished, FunctionRunning, false},
		}

		for _, tt := range tests {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		}
	})
}

func TestFunctionDefinitionPolicy(t *testing.T) {
	f := FunctionDefinition{ID: 1, Kind: KindStartJob}
	if got := f.Policy(); got.Mode != FailureFail {
		t.Errorf("missing on_fail should mean fail, got %s", got.Mode)
	}

	f.OnFail = &FailurePolicy{Mode: FailureRetry, RetryLimit: 2, WaitTime: time.Second}
	if got := f.Policy(); got.Mode != FailureRetry || got.RetryLimit != 2 {
		t.Errorf("Policy() = %+v", got)
	}
	if f.Name() != "start_job_instance" {
		t.Errorf("Name() = %s, want kind when label is empty", f.Name())
	}
}

func TestFunctionInstanceLastError(t *testing.T) {
	f := &FunctionInstance{}
	if f.LastError() != nil {
		t.Error("LastError should be nil without errors")
	}
	f.Errors = append(f.Errors, FunctionFailure{Code: "a"}, FunctionFailure{Code: "b"})
	if f.LastError().Code != "b" {
		t.Errorf("LastError().Code = %s, want b", f.LastError().Code)
	}
}

func TestFunctionInstanceSkipped(t *testing.T) {
	f := &FunctionInstance{}
	if f.Skipped() {
		t.Error("empty result should not be skipped")
	}
	f.Result = map[string]any{ResultSkipped: true}
	if !f.Skipped() {
		t.Error("Skipped() = false, want true")
	}
}
