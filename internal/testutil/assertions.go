package testutil

import (
	"reflect"
	"testing"
	"time"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/types"
)

// AssertEqual reports a failure when expected and actual differ.
func AssertEqual(t *testing.T, expected, actual any, what string) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Errorf("%s = %v, want %v", what, actual, expected)
	}
}

// RequireNoError stops the test on err.
func RequireNoError(t *testing.T, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

// AssertErrorCode checks that err carries a conductor error code.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %s, got nil", code)
		return
	}
	if got := cerrors.Code(err); got != code {
		t.Errorf("error code = %q, want %q (%v)", got, code, err)
	}
}

// AssertScenarioStatus checks the instance status.
func AssertScenarioStatus(t *testing.T, inst *types.ScenarioInstance, want types.ScenarioStatus) {
	t.Helper()
	if inst.Status != want {
		t.Errorf("scenario %s status = %s, want %s", inst.ID, inst.Status, want)
	}
}

// AssertFunctionStatus checks one function of an instance.
func AssertFunctionStatus(t *testing.T, inst *types.ScenarioInstance, id int, want types.FunctionStatus) {
	t.Helper()
	f, ok := inst.Functions[id]
	if !ok {
		t.Errorf("function %d missing from instance %s", id, inst.ID)
		return
	}
	if f.Status != want {
		t.Errorf("function %d status = %s, want %s (errors: %v)", id, f.Status, want, f.Errors)
	}
}

// AssertAllTerminal checks that no function of the instance is left running.
func AssertAllTerminal(t *testing.T, inst *types.ScenarioInstance) {
	t.Helper()
	for _, f := range inst.SortedFunctions() {
		if !f.Status.IsTerminal() {
			t.Errorf("function %d left %s", f.FunctionID, f.Status)
		}
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
