package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/scenario"
	"github.com/openbach-stack/conductor/internal/types"
)

const twoStepSource = `
name: two-step
openbach_functions:
  - id: 1
    start_job_instance:
      agent_address: 10.0.0.1
      fping:
        destination_ip: 10.0.0.2
  - id: 2
    wait:
      finished_ids: [1]
`

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"yaml", func(t *testing.T) Store {
			s, err := OpenYAML(t.TempDir())
			if err != nil {
				t.Fatalf("OpenYAML failed: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "instances.db"))
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func createTwoStep(t *testing.T, s Store) *types.ScenarioInstance {
	t.Helper()
	ctx := context.Background()
	def, err := scenario.Parse([]byte(twoStepSource))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ref, err := s.SaveDefinition(ctx, def.Name, []byte(twoStepSource))
	if err != nil {
		t.Fatalf("SaveDefinition failed: %v", err)
	}
	inst, err := s.CreateInstance(ctx, CreateRequest{
		DefinitionRef: ref,
		Definition:    def,
		Arguments:     map[string]string{"client": "10.0.0.1"},
	})
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	return inst
}

func TestCreateAndGet(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			inst := createTwoStep(t, s)

			if inst.Status != types.ScenarioScheduling {
				t.Errorf("status = %s, want scheduling", inst.Status)
			}
			if len(inst.Functions) != 2 {
				t.Fatalf("functions = %d, want 2", len(inst.Functions))
			}

			got, err := s.GetInstance(context.Background(), inst.ID)
			if err != nil {
				t.Fatalf("GetInstance failed: %v", err)
			}
			if got.Scenario != "two-step" {
				t.Errorf("scenario = %q, want two-step", got.Scenario)
			}
			if got.Arguments["client"] != "10.0.0.1" {
				t.Errorf("arguments = %v", got.Arguments)
			}
			for _, f := range got.SortedFunctions() {
				if f.Status != types.FunctionScheduled {
					t.Errorf("function %d status = %s, want scheduled", f.FunctionID, f.Status)
				}
			}
			if got.Functions[1].Kind != types.KindStartJob {
				t.Errorf("function 1 kind = %s", got.Functions[1].Kind)
			}
		})
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			_, err := s.GetInstance(context.Background(), "missing")
			if !cerrors.HasCode(err, cerrors.CodeInstanceNotFound) {
				t.Errorf("err = %v, want InstanceNotFound", err)
			}
		})
	}
}

func TestDefinitionSnapshot(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			ref1, err := s.SaveDefinition(ctx, "two-step", []byte(twoStepSource))
			if err != nil {
				t.Fatalf("SaveDefinition failed: %v", err)
			}
			ref2, err := s.SaveDefinition(ctx, "two-step", []byte(twoStepSource))
			if err != nil {
				t.Fatalf("SaveDefinition failed: %v", err)
			}
			if ref1 != ref2 {
				t.Errorf("identical source gave refs %q and %q", ref1, ref2)
			}

			def, err := s.LoadDefinition(ctx, ref1)
			if err != nil {
				t.Fatalf("LoadDefinition failed: %v", err)
			}
			if def.Name != "two-step" || len(def.Functions) != 2 {
				t.Errorf("loaded definition = %+v", def)
			}

			if _, err := s.LoadDefinition(ctx, "nope@000000000000"); !cerrors.HasCode(err, cerrors.CodeScenarioNotFound) {
				t.Errorf("err = %v, want ScenarioNotFound", err)
			}
		})
	}
}

func TestFunctionStatusTransitions(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			inst := createTwoStep(t, s)

			steps := []types.FunctionStatus{
				types.FunctionRunning,
				types.FunctionError,
				types.FunctionRetried,
				types.FunctionScheduled,
				types.FunctionRunning,
				types.FunctionFinished,
			}
			retries := 0
			for _, st := range steps {
				if st == types.FunctionScheduled {
					retries++
				}
				if err := s.UpdateFunctionStatus(ctx, inst.ID, 1, st, retries); err != nil {
					t.Fatalf("UpdateFunctionStatus(%s) failed: %v", st, err)
				}
			}

			got, _ := s.GetInstance(ctx, inst.ID)
			f := got.Functions[1]
			if f.Status != types.FunctionFinished {
				t.Errorf("status = %s, want finished", f.Status)
			}
			if f.RetryPerformed != 1 {
				t.Errorf("retry_performed = %d, want 1", f.RetryPerformed)
			}
			if f.LaunchedAt == nil || f.EndedAt == nil {
				t.Errorf("timestamps not set: launched=%v ended=%v", f.LaunchedAt, f.EndedAt)
			}

			// Terminal writes are idempotent.
			if err := s.UpdateFunctionStatus(ctx, inst.ID, 1, types.FunctionFinished, 1); err != nil {
				t.Errorf("repeated terminal write failed: %v", err)
			}

			// Leaving a terminal state is refused and leaves the record alone.
			err := s.UpdateFunctionStatus(ctx, inst.ID, 1, types.FunctionRunning, 1)
			if !cerrors.HasCode(err, cerrors.CodeInvalidTransition) {
				t.Errorf("err = %v, want InvalidTransition", err)
			}
			got, _ = s.GetInstance(ctx, inst.ID)
			if got.Functions[1].Status != types.FunctionFinished {
				t.Errorf("status after refused write = %s", got.Functions[1].Status)
			}

			if err := s.UpdateFunctionStatus(ctx, inst.ID, 99, types.FunctionRunning, 0); !cerrors.HasCode(err, cerrors.CodeFunctionNotFound) {
				t.Errorf("err = %v, want FunctionNotFound", err)
			}
		})
	}
}

func TestScenarioStatus(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			inst := createTwoStep(t, s)

			if err := s.UpdateScenarioStatus(ctx, inst.ID, types.ScenarioRunning); err != nil {
				t.Fatalf("UpdateScenarioStatus failed: %v", err)
			}
			if err := s.UpdateScenarioStatus(ctx, inst.ID, types.ScenarioFinishedOk); err != nil {
				t.Fatalf("UpdateScenarioStatus failed: %v", err)
			}
			if err := s.UpdateScenarioStatus(ctx, inst.ID, types.ScenarioFinishedOk); err != nil {
				t.Errorf("repeated terminal write failed: %v", err)
			}
			err := s.UpdateScenarioStatus(ctx, inst.ID, types.ScenarioStopped)
			if !cerrors.HasCode(err, cerrors.CodeInvalidTransition) {
				t.Errorf("err = %v, want InvalidTransition", err)
			}

			got, _ := s.GetInstance(ctx, inst.ID)
			if got.Status != types.ScenarioFinishedOk || got.StoppedAt == nil {
				t.Errorf("status = %s stopped_at = %v", got.Status, got.StoppedAt)
			}
		})
	}
}

func TestResultsAndErrors(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			inst := createTwoStep(t, s)

			if err := s.RecordResult(ctx, inst.ID, 1, map[string]any{"job_instance_id": "42"}); err != nil {
				t.Fatalf("RecordResult failed: %v", err)
			}
			if err := s.RecordResult(ctx, inst.ID, 1, map[string]any{"agent": "10.0.0.1"}); err != nil {
				t.Fatalf("RecordResult failed: %v", err)
			}
			ferr := types.FunctionFailure{At: time.Now(), Attempt: 0, Code: cerrors.CodeAgentUnreachable, Message: "dial timeout"}
			if err := s.RecordError(ctx, inst.ID, 1, ferr); err != nil {
				t.Fatalf("RecordError failed: %v", err)
			}

			got, _ := s.GetInstance(ctx, inst.ID)
			f := got.Functions[1]
			if f.Result["job_instance_id"] != "42" || f.Result["agent"] != "10.0.0.1" {
				t.Errorf("result = %v", f.Result)
			}
			if last := f.LastError(); last == nil || last.Code != cerrors.CodeAgentUnreachable {
				t.Errorf("last error = %+v", last)
			}
		})
	}
}

func TestConcurrentFunctionUpdates(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			inst := createTwoStep(t, s)

			var wg sync.WaitGroup
			errs := make(chan error, 2)
			for _, id := range []int{1, 2} {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for _, st := range []types.FunctionStatus{types.FunctionRunning, types.FunctionFinished} {
						if err := s.UpdateFunctionStatus(ctx, inst.ID, id, st, 0); err != nil {
							errs <- fmt.Errorf("function %d: %w", id, err)
							return
						}
					}
					if err := s.RecordResult(ctx, inst.ID, id, map[string]any{"done": true}); err != nil {
						errs <- err
					}
				}(id)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}

			got, _ := s.GetInstance(ctx, inst.ID)
			for _, f := range got.SortedFunctions() {
				if f.Status != types.FunctionFinished || f.Result["done"] != true {
					t.Errorf("function %d = %s %v", f.FunctionID, f.Status, f.Result)
				}
			}
		})
	}
}

func TestListInstances(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			first := createTwoStep(t, s)
			second := createTwoStep(t, s)
			if err := s.UpdateScenarioStatus(ctx, first.ID, types.ScenarioStopped); err != nil {
				t.Fatalf("UpdateScenarioStatus failed: %v", err)
			}

			all, err := s.ListInstances(ctx, Filter{})
			if err != nil {
				t.Fatalf("ListInstances failed: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("got %d instances, want 2", len(all))
			}

			active, _ := s.ListInstances(ctx, Filter{Active: true})
			if len(active) != 1 || active[0].ID != second.ID {
				t.Errorf("active = %v", active)
			}

			stopped, _ := s.ListInstances(ctx, Filter{Status: types.ScenarioStopped})
			if len(stopped) != 1 || stopped[0].ID != first.ID {
				t.Errorf("stopped = %v", stopped)
			}

			none, _ := s.ListInstances(ctx, Filter{Scenario: "other"})
			if len(none) != 0 {
				t.Errorf("scenario filter returned %d", len(none))
			}
		})
	}
}

func TestYAMLStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenYAML(dir)
	if err != nil {
		t.Fatalf("OpenYAML failed: %v", err)
	}
	inst := createTwoStep(t, s)
	s.UpdateFunctionStatus(context.Background(), inst.ID, 1, types.FunctionRunning, 0)

	if _, err := OpenYAML(dir); !cerrors.HasCode(err, cerrors.CodeStoreUnavailable) {
		t.Errorf("second open err = %v, want StoreUnavailable", err)
	}
	s.Close()

	reopened, err := OpenYAML(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Functions[1].Status != types.FunctionRunning {
		t.Errorf("status = %s, want running", got.Functions[1].Status)
	}
}

func TestYAMLStoreRecoversTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenYAML(dir)
	if err != nil {
		t.Fatalf("OpenYAML failed: %v", err)
	}
	inst := createTwoStep(t, s)
	s.Close()

	// Simulate a crash between write and rename.
	main := filepath.Join(dir, inst.ID+".yaml")
	if err := os.Rename(main, main+".tmp"); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(dir, "garbage.yaml.tmp")
	if err := os.WriteFile(orphan, []byte(":::not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenYAML(dir)
	if err != nil {
		t.Fatalf("OpenYAML failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetInstance(context.Background(), inst.ID); err != nil {
		t.Errorf("instance not recovered: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("unparseable temp file should be removed")
	}
}
