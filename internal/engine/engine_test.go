package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/ipc"
	"github.com/openbach-stack/conductor/internal/scenario"
	"github.com/openbach-stack/conductor/internal/store"
	"github.com/openbach-stack/conductor/internal/testutil"
	"github.com/openbach-stack/conductor/internal/types"
)

const (
	startCmd = "start_job_instance_agent"
	stopCmd  = "stop_job_instance_agent"
)

const measureSource = `
name: measure
arguments:
  target: address to measure
openbach_functions:
  - id: 1
    start_job_instance:
      agent_address: 10.0.0.1
      fping:
        destination_ip: $target
`

const campaignSource = `
name: campaign
openbach_functions:
  - id: 1
    start_scenario_instance:
      scenario_name: measure
      arguments:
        target: 10.0.0.9
  - id: 2
    wait:
      finished_ids: [1]
    start_job_instance:
      agent_address: 10.0.0.2
      iperf3: {}
`

const pingSource = `
name: ping
openbach_functions:
  - id: 1
    start_scenario_instance:
      scenario_name: pong
`

const pongSource = `
name: pong
openbach_functions:
  - id: 1
    start_scenario_instance:
      scenario_name: ping
`

type fixture struct {
	engine *Engine
	disp   *testutil.ScriptedDispatcher
	store  store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testutil.NewTestConfig(t)
	cfg.Scheduler.StopTimeout = 500 * time.Millisecond
	testutil.WriteScenario(t, cfg.Paths.DefinitionsDir, "measure.yaml", measureSource)
	testutil.WriteScenario(t, cfg.Paths.DefinitionsDir, "campaign.yaml", campaignSource)
	testutil.WriteScenario(t, cfg.Paths.DefinitionsDir, "ping.yaml", pingSource)
	testutil.WriteScenario(t, cfg.Paths.DefinitionsDir, "pong.yaml", pongSource)

	logger := testutil.DiscardLogger()
	catalog := scenario.NewCatalog(cfg.Paths.DefinitionsDir, logger)
	if err := catalog.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	st := testutil.NewTestStore(t)
	disp := testutil.NewScriptedDispatcher()
	e := New(Options{Config: cfg, Catalog: catalog, Store: st, Dispatcher: disp, Logger: logger})
	t.Cleanup(e.Shutdown)
	return &fixture{engine: e, disp: disp, store: st}
}

func (f *fixture) wait(t *testing.T, id string) *types.ScenarioInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := f.engine.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return inst
}

func TestLaunchFromCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Launch(ctx, LaunchRequest{Scenario: "measure", Arguments: map[string]string{"target": "10.0.0.9"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	final := f.wait(t, inst.ID)
	testutil.AssertScenarioStatus(t, final, types.ScenarioFinishedOk)
	testutil.AssertFunctionStatus(t, final, 1, types.FunctionFinished)

	calls := f.disp.CallsFor(startCmd)
	if len(calls) != 1 {
		t.Fatalf("start calls = %d, want 1", len(calls))
	}
	args, _ := calls[0].Instruction.Arguments["arguments"].(map[string]any)
	if args["destination_ip"] != "10.0.0.9" {
		t.Errorf("job arguments = %v, want destination_ip bound", args)
	}

	status, err := f.engine.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Definition == "" {
		t.Error("instance has no definition snapshot")
	}
}

func TestLaunchRejected(t *testing.T) {
	const cyclic = `
name: cyclic
openbach_functions:
  - id: 1
    wait: {finished_ids: [2]}
    start_job_instance: {agent_address: 10.0.0.1, fping: {}}
  - id: 2
    wait: {finished_ids: [1]}
    start_job_instance: {agent_address: 10.0.0.2, fping: {}}
`
	tests := []struct {
		name string
		req  LaunchRequest
		code string
	}{
		{"cycle", LaunchRequest{Source: []byte(cyclic)}, cerrors.CodeMalformedScenario},
		{"missing argument", LaunchRequest{Scenario: "measure"}, cerrors.CodeMalformedScenario},
		{"unknown argument", LaunchRequest{Scenario: "measure", Arguments: map[string]string{"target": "x", "extra": "y"}}, cerrors.CodeMalformedScenario},
		{"unknown scenario", LaunchRequest{Scenario: "nope"}, cerrors.CodeScenarioNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.Launch(context.Background(), tt.req)
			testutil.AssertErrorCode(t, err, tt.code)

			instances, lerr := f.engine.List(context.Background(), store.Filter{})
			if lerr != nil {
				t.Fatalf("List: %v", lerr)
			}
			if len(instances) != 0 {
				t.Errorf("rejected launch created %d instances", len(instances))
			}
		})
	}
}

func TestStopRunningInstance(t *testing.T) {
	f := newFixture(t)
	f.disp.Hang("10.0.0.1", startCmd)
	ctx := context.Background()

	inst, err := f.engine.Launch(ctx, LaunchRequest{Scenario: "measure", Arguments: map[string]string{"target": "10.0.0.9"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	testutil.Eventually(t, time.Second, "job dispatched", func() bool {
		return len(f.disp.CallsFor(startCmd)) == 1
	})

	if err := f.engine.Stop(ctx, inst.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	final := f.wait(t, inst.ID)
	testutil.AssertScenarioStatus(t, final, types.ScenarioStopped)
	testutil.AssertFunctionStatus(t, final, 1, types.FunctionStopped)
	if n := len(f.disp.CallsFor(stopCmd)); n != 1 {
		t.Errorf("stop_job calls = %d, want 1", n)
	}

	err = f.engine.Stop(ctx, inst.ID)
	testutil.AssertErrorCode(t, err, cerrors.CodeInstanceNotRunning)
}

func TestStopUnknownInstance(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Stop(context.Background(), "missing")
	testutil.AssertErrorCode(t, err, cerrors.CodeInstanceNotFound)
}

func TestSubScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.engine.Launch(ctx, LaunchRequest{Scenario: "campaign"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	final := f.wait(t, parent.ID)
	testutil.AssertScenarioStatus(t, final, types.ScenarioFinishedOk)

	childID, _ := final.Functions[1].Result["scenario_instance_id"].(string)
	if childID == "" {
		t.Fatalf("parent recorded no child instance: %v", final.Functions[1].Result)
	}
	child, err := f.engine.Status(ctx, childID)
	if err != nil {
		t.Fatalf("Status(child): %v", err)
	}
	testutil.AssertScenarioStatus(t, child, types.ScenarioFinishedOk)
	if child.Parent == nil || child.Parent.InstanceID != parent.ID || child.Parent.FunctionID != 1 {
		t.Errorf("child parent = %+v, want %s/1", child.Parent, parent.ID)
	}

	calls := f.disp.Calls()
	if len(calls) != 2 || calls[0].Address != "10.0.0.1" || calls[1].Address != "10.0.0.2" {
		t.Errorf("dispatch order = %+v, want child job before parent job", calls)
	}
}

func TestSubScenarioRecursionRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.engine.Launch(ctx, LaunchRequest{Scenario: "ping"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	final := f.wait(t, root.ID)
	testutil.AssertScenarioStatus(t, final, types.ScenarioFinishedKo)

	all, err := f.engine.List(ctx, store.Filter{})
	testutil.RequireNoError(t, err, "List")
	if len(all) != 2 {
		t.Fatalf("instances = %d, want ping and one pong", len(all))
	}
	for _, inst := range all {
		if inst.Scenario != "pong" {
			continue
		}
		testutil.AssertScenarioStatus(t, inst, types.ScenarioFinishedKo)
		last := inst.Functions[1].LastError()
		if last == nil || last.Code != cerrors.CodeMalformedScenario {
			t.Errorf("pong function error = %+v, want %s", last, cerrors.CodeMalformedScenario)
		}
	}
}

func TestRecoverStopsOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan, _ := testutil.CreateInstance(t, f.store, measureSource, map[string]string{"target": "x"})
	testutil.RequireNoError(t, f.store.UpdateScenarioStatus(ctx, orphan.ID, types.ScenarioRunning), "mark running")
	testutil.RequireNoError(t, f.store.UpdateFunctionStatus(ctx, orphan.ID, 1, types.FunctionRunning, 0), "mark function running")

	n, err := f.engine.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d instances, want 1", n)
	}
	final, err := f.engine.Status(ctx, orphan.ID)
	testutil.RequireNoError(t, err, "Status")
	testutil.AssertScenarioStatus(t, final, types.ScenarioStopped)
	testutil.AssertFunctionStatus(t, final, 1, types.FunctionStopped)
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newFixture(t)
	f.disp.Hang("10.0.0.1", startCmd)
	ctx := context.Background()

	inst, err := f.engine.Launch(ctx, LaunchRequest{Scenario: "measure", Arguments: map[string]string{"target": "x"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	testutil.Eventually(t, time.Second, "job dispatched", func() bool {
		return len(f.disp.CallsFor(startCmd)) == 1
	})

	done := make(chan struct{})
	go func() {
		f.engine.Shutdown()
		f.engine.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	final, err := f.engine.Status(ctx, inst.ID)
	testutil.RequireNoError(t, err, "Status")
	testutil.AssertScenarioStatus(t, final, types.ScenarioStopped)
	if len(f.engine.Active()) != 0 {
		t.Errorf("active after shutdown: %v", f.engine.Active())
	}

	_, err = f.engine.Launch(ctx, LaunchRequest{Scenario: "measure", Arguments: map[string]string{"target": "x"}})
	testutil.AssertErrorCode(t, err, cerrors.CodeInstanceNotRunning)
}

func TestIPCHandlerRoundTrip(t *testing.T) {
	f := newFixture(t)
	h := NewIPCHandler(f.engine, testutil.DiscardLogger())
	socket := filepath.Join(t.TempDir(), "conductor.sock")
	srv := ipc.NewServer(socket, h, testutil.DiscardLogger())
	if err := srv.StartAsync(context.Background()); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })

	client := ipc.NewClient(socket)
	client.SetTimeout(5 * time.Second)

	id, err := client.Launch("measure", nil, map[string]string{"target": "10.0.0.9"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	inst, err := client.Wait(id, 3*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	testutil.AssertScenarioStatus(t, inst, types.ScenarioFinishedOk)

	list, err := client.List("", "measure", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("List = %+v", list)
	}

	_, err = client.Launch("measure", nil, nil)
	testutil.AssertErrorCode(t, err, cerrors.CodeMalformedScenario)

	err = client.Stop(id)
	testutil.AssertErrorCode(t, err, cerrors.CodeInstanceNotRunning)
}
