package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openbach-stack/conductor/internal/collect"
	"github.com/openbach-stack/conductor/internal/condition"
	"github.com/openbach-stack/conductor/internal/dispatch"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/placeholder"
	"github.com/openbach-stack/conductor/internal/scenario"
	"github.com/openbach-stack/conductor/internal/types"
)

// Result keys written by actions and read by later functions.
const (
	OutcomeKey       = scenario.OutcomeKey
	OutcomeNone      = "none" // if that never evaluated; matches neither branch
	KeyJobInstanceID = "job_instance_id"
	KeyJobName       = "job_name"
	KeyAgent         = "agent"
	KeyChildInstance = "scenario_instance_id"
	KeyStoppedJobs   = "stopped_job_instance_ids"
)

// Agent daemon commands.
const (
	cmdStartJob   = "start_job_instance_agent"
	cmdStopJob    = "stop_job_instance_agent"
	cmdRestartJob = "restart_job_instance_agent"
	cmdStatusJob  = "status_job_instance_agent"
	cmdPushFile   = "push_file_agent"
	cmdPullFile   = "pull_file_agent"
)

// jobRef locates a job instance running on an agent.
type jobRef struct {
	Agent string
	Job   string
	ID    string
}

// perform runs the function action once and returns the result payload.
func (x *execution) perform(ctx context.Context) (map[string]any, error) {
	switch x.fn.Kind {
	case types.KindStartJob:
		return x.startJob(ctx)
	case types.KindStopJob, types.KindStopJobs:
		return x.jobCommand(ctx, cmdStopJob)
	case types.KindRestartJob:
		return x.jobCommand(ctx, cmdRestartJob)
	case types.KindStatusJob:
		return x.jobCommand(ctx, cmdStatusJob)
	case types.KindPushFile:
		return x.pushFile(ctx)
	case types.KindPullFile:
		return x.pullFile(ctx)
	case types.KindIf:
		ok, err := condition.Evaluate(ctx, x.fn.If.Condition, x.resolver())
		if err != nil {
			return nil, err
		}
		return map[string]any{OutcomeKey: ok}, nil
	case types.KindWait:
		return nil, nil
	case types.KindStartScenario:
		return x.startScenario(ctx)
	case types.KindStopScenario:
		return x.stopScenario(ctx)
	}
	return nil, cerrors.MalformedScenario(x.run.Definition.Name, fmt.Sprintf("function %d has unsupported kind %q", x.fn.ID, x.fn.Kind))
}

// send dispatches one instruction and waits for its result.
func (x *execution) send(ctx context.Context, address string, instr dispatch.Instruction) (dispatch.Result, error) {
	x.reg.Log(collect.SeverityInfo, "sending %s to %s", instr.Command, address)
	r, err := x.e.dispatcher.Dispatch(ctx, address, instr).Wait(ctx)
	if err != nil {
		return r, err
	}
	if r.OK() {
		x.dispatched = true
	}
	return r, resultError(r)
}

func resultError(r dispatch.Result) error {
	err := r.Err()
	var cerr *cerrors.ConductorError
	if r.FailFast && errors.As(err, &cerr) {
		cerr.WithDetail("fail_fast", true)
	}
	return err
}

func (x *execution) startJob(ctx context.Context) (map[string]any, error) {
	cfg := x.fn.StartJob
	lookup := x.run.Lookup()

	agent, err := placeholder.Expand(cfg.Agent, lookup)
	if err != nil {
		return nil, err
	}
	args, err := placeholder.ExpandAny(cfg.Arguments, lookup)
	if err != nil {
		return nil, err
	}

	ref := &jobRef{Agent: agent, Job: cfg.Job, ID: uuid.NewString()}
	date := "now"
	if cfg.Offset > 0 {
		date = fmt.Sprint(time.Now().Add(cfg.Offset).UnixMilli())
	}
	var interval any
	if cfg.Interval > 0 {
		interval = cfg.Interval.Seconds()
	}

	x.jobRef = ref
	_, err = x.send(ctx, agent, dispatch.Instruction{
		Command: cmdStartJob,
		Arguments: map[string]any{
			"name":        ref.Job,
			"instance_id": ref.ID,
			"scenario_id": x.run.InstanceID,
			"date":        date,
			"interval":    interval,
			"arguments":   args,
		},
	})
	if err != nil {
		if ctx.Err() == nil {
			x.jobRef = nil
		}
		return nil, err
	}
	// The job now belongs to the agent; a later stop targets it through stop_job_instance.
	x.jobRef = nil
	return map[string]any{KeyJobInstanceID: ref.ID, KeyJobName: ref.Job, KeyAgent: ref.Agent}, nil
}

// jobRefs reads the job instances started by the referenced functions.
func (x *execution) jobRefs(ctx context.Context, ids []int) ([]jobRef, error) {
	inst, err := x.e.store.GetInstance(ctx, x.run.InstanceID)
	if err != nil {
		return nil, err
	}
	refs := make([]jobRef, 0, len(ids))
	for _, id := range ids {
		f, ok := inst.Functions[id]
		if !ok {
			return nil, cerrors.FunctionNotFound(inst.ID, id)
		}
		ref := jobRef{}
		ref.ID, _ = f.Result[KeyJobInstanceID].(string)
		ref.Job, _ = f.Result[KeyJobName].(string)
		ref.Agent, _ = f.Result[KeyAgent].(string)
		if ref.ID == "" || ref.Agent == "" {
			return nil, cerrors.UnresolvedReference(fmt.Sprintf("job instance started by function %d", id))
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (x *execution) jobCommand(ctx context.Context, command string) (map[string]any, error) {
	cfg := x.fn.JobRef
	refs, err := x.jobRefs(ctx, cfg.FunctionIDs)
	if err != nil {
		return nil, err
	}

	var args any
	if command == cmdRestartJob && cfg.Arguments != nil {
		if args, err = placeholder.ExpandAny(cfg.Arguments, x.run.Lookup()); err != nil {
			return nil, err
		}
	}

	targets := make([]dispatch.Target, len(refs))
	for i, ref := range refs {
		arguments := map[string]any{"name": ref.Job, "instance_id": ref.ID}
		switch command {
		case cmdStopJob:
			arguments["date"] = "now"
		case cmdRestartJob:
			arguments["date"] = "now"
			arguments["scenario_id"] = x.run.InstanceID
			arguments["arguments"] = args
		}
		targets[i] = dispatch.Target{Address: ref.Agent, Instruction: dispatch.Instruction{Command: command, Arguments: arguments}}
	}

	results := x.e.dispatcher.DispatchAll(ctx, targets)
	for _, r := range results {
		if r.OK() {
			x.dispatched = true
		}
	}
	folded := dispatch.Fold(results)
	if err := resultError(folded); err != nil {
		return nil, err
	}

	ids := make([]any, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	switch command {
	case cmdStatusJob:
		return map[string]any{"job_instance_ids": ids, "status": folded.Output}, nil
	case cmdStopJob:
		return map[string]any{KeyStoppedJobs: ids}, nil
	}
	return map[string]any{"job_instance_ids": ids}, nil
}

func (x *execution) fileTarget() (agent, local, remote string, err error) {
	lookup := x.run.Lookup()
	cfg := x.fn.File
	if agent, err = placeholder.Expand(cfg.Agent, lookup); err != nil {
		return
	}
	if local, err = placeholder.Expand(cfg.LocalPath, lookup); err != nil {
		return
	}
	remote, err = placeholder.Expand(cfg.RemotePath, lookup)
	return
}

func (x *execution) pushFile(ctx context.Context) (map[string]any, error) {
	agent, local, remote, err := x.fileTarget()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.CodeRemoteError, err, "reading %s for push_file", local)
	}
	if _, err := x.send(ctx, agent, dispatch.Instruction{
		Command: cmdPushFile,
		Arguments: map[string]any{
			"remote_path": remote,
			"content":     base64.StdEncoding.EncodeToString(data),
		},
	}); err != nil {
		return nil, err
	}
	return map[string]any{"remote_path": remote, "bytes": len(data)}, nil
}

func (x *execution) pullFile(ctx context.Context) (map[string]any, error) {
	agent, local, remote, err := x.fileTarget()
	if err != nil {
		return nil, err
	}
	r, err := x.send(ctx, agent, dispatch.Instruction{
		Command:   cmdPullFile,
		Arguments: map[string]any{"remote_path": remote},
	})
	if err != nil {
		return nil, err
	}

	out, _ := r.Output.(map[string]any)
	encoded, _ := out["content"].(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, cerrors.RemoteError(agent, "bad_content", "pulled file is not base64: "+err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return nil, cerrors.Wrapf(cerrors.CodeRemoteError, err, "creating directory for %s", local)
	}
	if err := os.WriteFile(local, data, 0644); err != nil {
		return nil, cerrors.Wrapf(cerrors.CodeRemoteError, err, "writing %s", local)
	}
	return map[string]any{"local_path": local, "bytes": len(data)}, nil
}

func (x *execution) startScenario(ctx context.Context) (map[string]any, error) {
	if x.e.launcher == nil {
		return nil, cerrors.New(cerrors.CodeScenarioNotFound, "sub-scenarios are not available")
	}
	cfg := x.fn.StartScenario
	lookup := x.run.Lookup()

	args := make(map[string]string, len(cfg.Arguments))
	for k, v := range cfg.Arguments {
		expanded, err := placeholder.Expand(v, lookup)
		if err != nil {
			return nil, err
		}
		args[k] = expanded
	}

	childID, err := x.e.launcher.LaunchChild(ctx, ChildRequest{
		Scenario:  cfg.Scenario,
		Arguments: args,
		Parent:    types.ParentRef{InstanceID: x.run.InstanceID, FunctionID: x.fn.ID},
	})
	if err != nil {
		return nil, err
	}
	x.childID = childID
	// Published now so stop_scenario_instance can reach the child while it runs.
	if err := x.e.store.RecordResult(ctx, x.run.InstanceID, x.fn.ID, map[string]any{KeyChildInstance: childID}); err != nil {
		return nil, err
	}

	child, err := x.e.launcher.Wait(ctx, childID)
	if err != nil {
		return nil, err
	}
	x.childID = ""

	switch child.Status {
	case types.ScenarioFinishedOk, types.ScenarioStopped:
		return map[string]any{"scenario_status": string(child.Status)}, nil
	}
	return nil, cerrors.RemoteError("scenario "+cfg.Scenario, string(child.Status),
		fmt.Sprintf("sub-scenario %s ended %s", childID, child.Status))
}

func (x *execution) stopScenario(ctx context.Context) (map[string]any, error) {
	if x.e.launcher == nil {
		return nil, cerrors.New(cerrors.CodeScenarioNotFound, "sub-scenarios are not available")
	}
	inst, err := x.e.store.GetInstance(ctx, x.run.InstanceID)
	if err != nil {
		return nil, err
	}
	target := x.fn.StopScenario.FunctionID
	f, ok := inst.Functions[target]
	if !ok {
		return nil, cerrors.FunctionNotFound(inst.ID, target)
	}
	childID, _ := f.Result[KeyChildInstance].(string)
	if childID == "" {
		return nil, cerrors.UnresolvedReference(fmt.Sprintf("sub-scenario started by function %d", target))
	}
	if err := x.e.launcher.Stop(ctx, childID); err != nil && !cerrors.HasCode(err, cerrors.CodeInstanceNotRunning) {
		return nil, err
	}
	return map[string]any{"stopped_instance_id": childID}, nil
}

// release undoes remote work still in progress when the function is stopped.
func (x *execution) release(ctx context.Context) {
	if ref := x.jobRef; ref != nil {
		x.jobRef = nil
		x.logger.Info("stopping job instance", "job", ref.Job, "job_instance_id", ref.ID)
		r, err := x.e.dispatcher.Dispatch(ctx, ref.Agent, dispatch.Instruction{
			Command:   cmdStopJob,
			Arguments: map[string]any{"name": ref.Job, "instance_id": ref.ID, "date": "now"},
		}).Wait(ctx)
		if err != nil || !r.OK() {
			x.logger.Warn("best-effort job stop failed", "error", err, "result", r.Message)
		}
	}
	if id := x.childID; id != "" && x.e.launcher != nil {
		x.childID = ""
		if err := x.e.launcher.Stop(ctx, id); err != nil && !cerrors.HasCode(err, cerrors.CodeInstanceNotRunning) {
			x.logger.Warn("stopping sub-scenario failed", "child", id, "error", err)
		}
	}
}

// StopJobs sends a stop for every job instance the scenario started that no
// stop function has stopped yet. It is best-effort: failures are logged and
// the remaining jobs are still stopped. It returns the number of jobs the
// agents acknowledged.
func (e *Executor) StopJobs(ctx context.Context, run *Run) int {
	logger := run.Logger
	if logger == nil {
		logger = e.logger
	}
	inst, err := e.store.GetInstance(ctx, run.InstanceID)
	if err != nil {
		logger.Error("listing started jobs failed", "error", err)
		return 0
	}

	stopped := make(map[string]bool)
	for _, f := range inst.Functions {
		ids, _ := f.Result[KeyStoppedJobs].([]any)
		for _, id := range ids {
			if s, ok := id.(string); ok {
				stopped[s] = true
			}
		}
	}

	var targets []dispatch.Target
	for _, f := range inst.SortedFunctions() {
		if f.Kind != types.KindStartJob {
			continue
		}
		id, _ := f.Result[KeyJobInstanceID].(string)
		agent, _ := f.Result[KeyAgent].(string)
		if id == "" || agent == "" || stopped[id] {
			continue
		}
		name, _ := f.Result[KeyJobName].(string)
		targets = append(targets, dispatch.Target{
			Address: agent,
			Instruction: dispatch.Instruction{
				Command:   cmdStopJob,
				Arguments: map[string]any{"name": name, "instance_id": id, "date": "now"},
			},
		})
	}
	if len(targets) == 0 {
		return 0
	}

	logger.Info("stopping started jobs", "jobs", len(targets))
	acked := 0
	for i, r := range e.dispatcher.DispatchAll(ctx, targets) {
		if r.OK() {
			acked++
			continue
		}
		logger.Warn("best-effort job stop failed", "agent", targets[i].Address,
			"job_instance_id", targets[i].Instruction.Arguments["instance_id"], "result", r.Message)
	}
	return acked
}
