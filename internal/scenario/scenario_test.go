package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/openbach-stack/conductor/internal/condition"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/logging"
	"github.com/openbach-stack/conductor/internal/types"
)

func TestParseFile(t *testing.T) {
	def, err := ParseFile(filepath.Join("testdata", "ping.yaml"))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}

	if def.Name != "ping-campaign" {
		t.Errorf("Name = %s", def.Name)
	}
	if def.Constants["duration"] != "10" {
		t.Errorf("numeric constant = %q, want \"10\"", def.Constants["duration"])
	}
	if len(def.Functions) != 4 {
		t.Fatalf("got %d functions, want 4", len(def.Functions))
	}

	f1, _ := def.Function(1)
	if f1.Kind != types.KindStartJob || f1.StartJob.Job != "fping" || f1.StartJob.Agent != "$client" {
		t.Errorf("function 1 = %+v / %+v", f1, f1.StartJob)
	}
	if f1.Policy().Mode != types.FailureFail {
		t.Errorf("function 1 policy = %s, want fail", f1.Policy().Mode)
	}

	f2, _ := def.Function(2)
	if f2.WaitTime != 1500*time.Millisecond {
		t.Errorf("function 2 wait time = %v", f2.WaitTime)
	}
	wantWaits := []types.WaitCondition{{FunctionID: 1, On: types.WaitFinished}}
	if !reflect.DeepEqual(f2.Waits, wantWaits) {
		t.Errorf("function 2 waits = %+v", f2.Waits)
	}
	p := f2.Policy()
	if p.Mode != types.FailureRetry || p.RetryLimit != 2 || p.WaitTime != 500*time.Millisecond || p.Backoff != "exponential" {
		t.Errorf("function 2 policy = %+v", p)
	}

	f3, _ := def.Function(3)
	if len(f3.Waits) != 1 || f3.Waits[0].On != types.WaitLaunched || f3.Waits[0].Delay != 2*time.Second {
		t.Errorf("function 3 waits = %+v", f3.Waits)
	}

	f4, _ := def.Function(4)
	if f4.Kind != types.KindStopJob || !reflect.DeepEqual(f4.JobRef.FunctionIDs, []int{2}) {
		t.Errorf("function 4 = %+v", f4)
	}

	if got := Placeholders(def); !reflect.DeepEqual(got, []string{"client", "duration", "server"}) {
		t.Errorf("Placeholders = %v", got)
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"name": "j", "openbach_functions": [
		{"id": 0, "wait": {"time": 2}},
		{"id": 1, "wait": {"finished_ids": [0]}, "pull_file": {"agent_address": "h", "remote_path": "/r", "local_path": "/l"}}
	]}`
	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f0, _ := def.Function(0)
	if f0.Kind != types.KindWait || f0.WaitTime != 2*time.Second {
		t.Errorf("function 0 = %+v", f0)
	}
	f1, _ := def.Function(1)
	if f1.Kind != types.KindPullFile || f1.File.RemotePath != "/r" {
		t.Errorf("function 1 = %+v", f1)
	}
}

func TestParseIfBranches(t *testing.T) {
	doc := `
name: branching
arguments:
  limit: max rtt
openbach_functions:
  - id: 1
    start_job_instance:
      agent_address: 10.0.0.1
      fping: {destination_ip: 10.0.0.2}
  - id: 2
    wait: {finished_ids: [1]}
    if:
      condition:
        type: "<"
        left_operand: {type: statistic, field: rtt, job_name: fping, agent_address: 10.0.0.1}
        right_operand: {type: value, value: $limit}
      openbach_functions_true_ids: [3]
      openbach_functions_false_ids: [4]
  - id: 3
    start_job_instance:
      agent_address: 10.0.0.1
      iperf3: {}
  - id: 4
    start_job_instance:
      agent_address: 10.0.0.1
      nuttcp: {}
`
	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	f3, _ := def.Function(3)
	if len(f3.Waits) != 1 || f3.Waits[0].FunctionID != 2 || f3.Waits[0].On != types.WaitFinished {
		t.Errorf("true branch waits = %+v", f3.Waits)
	}
	if !reflect.DeepEqual(f3.Guard, BranchGuard(2, true)) {
		t.Errorf("true branch guard = %#v", f3.Guard)
	}
	f4, _ := def.Function(4)
	guard, ok := f4.Guard.(condition.Comparison)
	if !ok || guard.Right != (condition.Value{Literal: false}) {
		t.Errorf("false branch guard = %#v", f4.Guard)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "name: [unclosed"},
		{"missing name", "openbach_functions: [{id: 1, wait: {time: 1}}]"},
		{"no functions", "name: x\nopenbach_functions: []"},
		{"bad policy", "name: x\nopenbach_functions:\n  - id: 1\n    wait: {time: 1}\n    on_fail: {policy: pray}"},
		{"retry without limit", "name: x\nopenbach_functions:\n  - id: 1\n    wait: {time: 1}\n    on_fail: {policy: retry}"},
		{"unknown key", "name: x\nopenbach_functions:\n  - id: 1\n    reboot: {agent_address: a}"},
		{"while", "name: x\nopenbach_functions:\n  - id: 1\n    while: {}"},
		{"two actions", "name: x\nopenbach_functions:\n  - id: 1\n    stop_job_instance: {openbach_function_id: 2}\n    status_job_instance: {openbach_function_id: 2}"},
		{"job without name", "name: x\nopenbach_functions:\n  - id: 1\n    start_job_instance: {agent_address: a}"},
		{"unknown wait target", "name: x\nopenbach_functions:\n  - id: 1\n    wait: {finished_ids: [9]}"},
		{"duplicate id", "name: x\nopenbach_functions:\n  - id: 1\n    wait: {time: 1}\n  - id: 1\n    wait: {time: 2}"},
		{"stop targets non job", "name: x\nopenbach_functions:\n  - id: 1\n    wait: {time: 1}\n  - id: 2\n    stop_job_instance: {openbach_function_id: 1}"},
		{"undeclared placeholder", "name: x\nopenbach_functions:\n  - id: 1\n    start_job_instance: {agent_address: $who, fping: {}}"},
		{"starts itself", "name: x\nopenbach_functions:\n  - id: 1\n    start_scenario_instance: {scenario_name: x}"},
		{"bad condition arity", "name: x\nopenbach_functions:\n  - id: 1\n    if:\n      condition: {type: not}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !cerrors.HasCode(err, cerrors.CodeMalformedScenario) {
				t.Errorf("Parse error = %v, want malformed scenario", err)
			}
		})
	}
}

func TestParseCycle(t *testing.T) {
	doc := `
name: loop
openbach_functions:
  - id: 1
    wait: {finished_ids: [3]}
  - id: 2
    wait: {launched_ids: [1]}
  - id: 3
    wait: {finished_ids: [2]}
  - id: 4
    wait: {time: 1}
`
	_, err := Parse([]byte(doc))
	if !cerrors.HasCode(err, cerrors.CodeMalformedScenario) {
		t.Fatalf("Parse error = %v, want malformed scenario", err)
	}
	var cerr *cerrors.ConductorError
	if !errors.As(err, &cerr) {
		t.Fatal("error is not a ConductorError")
	}
	cycle, ok := cerr.Details["cycle"].([]int)
	if !ok || len(cycle) != 4 || cycle[0] != cycle[3] {
		t.Errorf("cycle detail = %v", cerr.Details["cycle"])
	}
}

func TestValidateBuiltDefinition(t *testing.T) {
	def := &types.ScenarioDefinition{
		Name: "built",
		Functions: []types.FunctionDefinition{
			{ID: 1, Kind: types.KindWait, Waits: []types.WaitCondition{{FunctionID: 2, On: types.WaitFinished}}},
			{ID: 2, Kind: types.KindWait, Waits: []types.WaitCondition{{FunctionID: 1, On: types.WaitLaunched}}},
		},
	}
	if err := Validate(def); !cerrors.HasCode(err, cerrors.CodeMalformedScenario) {
		t.Errorf("Validate = %v, want malformed scenario", err)
	}

	def.Functions[1].Waits = nil
	if err := Validate(def); err != nil {
		t.Errorf("Validate acyclic: %v", err)
	}
}

func TestCatalog(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join("testdata", "ping.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "ping.yaml"), string(src))
	writeFile(t, filepath.Join(dir, "loop.yml"), "name: loop\nopenbach_functions:\n  - id: 1\n    wait: {finished_ids: [2]}\n  - id: 2\n    wait: {finished_ids: [1]}\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	cat := NewCatalog(dir, logging.NewForTest())
	if err := cat.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if got := len(cat.List()); got != 2 {
		t.Errorf("List() has %d entries, want 2", got)
	}

	def, source, err := cat.Get("ping-campaign")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Name != "ping-campaign" || len(source) == 0 {
		t.Errorf("Get returned %s with %d bytes", def.Name, len(source))
	}

	if _, _, err := cat.Get("loop"); !cerrors.HasCode(err, cerrors.CodeMalformedScenario) {
		t.Errorf("Get(loop) = %v, want malformed scenario", err)
	}
	if _, _, err := cat.Get("missing"); !cerrors.HasCode(err, cerrors.CodeScenarioNotFound) {
		t.Errorf("Get(missing) = %v, want not found", err)
	}
}

func TestCatalogWatch(t *testing.T) {
	dir := t.TempDir()
	cat := NewCatalog(dir, logging.NewForTest())
	if err := cat.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cat.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "late.yaml"), "name: late\nopenbach_functions:\n  - id: 1\n    wait: {time: 1}\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := cat.Get("late"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up new definition")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
