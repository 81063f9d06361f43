// Package scenario loads scenario definitions and checks them before they
// can be instantiated.
package scenario

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openbach-stack/conductor/internal/condition"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/types"
)

// OutcomeKey is the result key under which an if function records its outcome.
const OutcomeKey = "outcome"

type rawScenario struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Arguments   map[string]string `yaml:"arguments"`
	Constants   map[string]string `yaml:"constants"`
	Functions   []rawFunction     `yaml:"openbach_functions"`
}

type rawFunction struct {
	ID     int            `yaml:"id"`
	Label  string         `yaml:"label"`
	Wait   rawWait        `yaml:"wait"`
	OnFail *rawOnFail     `yaml:"on_fail"`
	Action map[string]any `yaml:",inline"`
}

type rawWait struct {
	Time        float64      `yaml:"time"`
	LaunchedIDs []rawWaitRef `yaml:"launched_ids"`
	FinishedIDs []rawWaitRef `yaml:"finished_ids"`
}

// rawWaitRef accepts either a bare function id or {id, delay}.
type rawWaitRef struct {
	ID    int     `yaml:"id"`
	Delay float64 `yaml:"delay"`
}

func (r *rawWaitRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&r.ID)
	}
	type plain rawWaitRef
	return node.Decode((*plain)(r))
}

type rawOnFail struct {
	Policy  string   `yaml:"policy"`
	Retry   *int     `yaml:"retry"`
	Delay   *float64 `yaml:"delay"`
	Backoff string   `yaml:"backoff"`
}

// ParseFile reads and parses a definition file.
func ParseFile(path string) (*types.ScenarioDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON scenario document, checks it against the
// schema and validates the resulting definition. Any problem is a
// MalformedScenario error.
func Parse(data []byte) (*types.ScenarioDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeMalformedScenario, "failed to decode scenario", err)
	}
	name := documentName(doc)
	if err := validateSchema(doc); err != nil {
		return nil, cerrors.Wrapf(cerrors.CodeMalformedScenario, err, "scenario %s does not match the schema", name).
			WithDetail("scenario", name)
	}

	var raw rawScenario
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeMalformedScenario, "failed to decode scenario", err).
			WithDetail("scenario", name)
	}

	def, err := build(&raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

func documentName(doc any) string {
	if m, ok := doc.(map[string]any); ok {
		if n, ok := m["name"].(string); ok && n != "" {
			return n
		}
	}
	return "<unnamed>"
}

func build(raw *rawScenario) (*types.ScenarioDefinition, error) {
	def := &types.ScenarioDefinition{
		Name:        raw.Name,
		Description: raw.Description,
		Arguments:   raw.Arguments,
		Constants:   raw.Constants,
	}

	for _, rf := range raw.Functions {
		f, err := buildFunction(raw.Name, rf)
		if err != nil {
			return nil, err
		}
		def.Functions = append(def.Functions, f)
	}

	if err := attachBranches(def); err != nil {
		return nil, err
	}
	return def, nil
}

func buildFunction(scenario string, rf rawFunction) (types.FunctionDefinition, error) {
	f := types.FunctionDefinition{
		ID:       rf.ID,
		Label:    rf.Label,
		WaitTime: seconds(rf.Wait.Time),
	}
	for _, w := range rf.Wait.LaunchedIDs {
		f.Waits = append(f.Waits, types.WaitCondition{FunctionID: w.ID, On: types.WaitLaunched, Delay: seconds(w.Delay)})
	}
	for _, w := range rf.Wait.FinishedIDs {
		f.Waits = append(f.Waits, types.WaitCondition{FunctionID: w.ID, On: types.WaitFinished, Delay: seconds(w.Delay)})
	}

	if rf.OnFail != nil {
		p := &types.FailurePolicy{
			Mode:    types.FailureMode(rf.OnFail.Policy),
			Backoff: rf.OnFail.Backoff,
		}
		if p.Mode == types.FailureRetry {
			if rf.OnFail.Retry == nil {
				return f, functionError(scenario, rf.ID, "retry policy requires a retry limit")
			}
			p.RetryLimit = *rf.OnFail.Retry
			p.WaitTime = -1 // configured default
			if rf.OnFail.Delay != nil {
				p.WaitTime = seconds(*rf.OnFail.Delay)
			}
		}
		f.OnFail = p
	}

	if _, ok := rf.Action["while"]; ok {
		return f, functionError(scenario, rf.ID, "while loops are not supported")
	}

	var kinds []string
	for key := range rf.Action {
		if types.FunctionKind(key).Valid() {
			kinds = append(kinds, key)
		} else {
			return f, functionError(scenario, rf.ID, fmt.Sprintf("unknown key %q", key))
		}
	}
	sort.Strings(kinds)
	switch len(kinds) {
	case 0:
		f.Kind = types.KindWait
		return f, nil
	case 1:
		f.Kind = types.FunctionKind(kinds[0])
	default:
		return f, functionError(scenario, rf.ID, fmt.Sprintf("several actions %v", kinds))
	}

	body, _ := rf.Action[kinds[0]].(map[string]any)
	if body == nil {
		body = map[string]any{}
	}
	if err := buildAction(&f, body); err != nil {
		return f, functionError(scenario, rf.ID, err.Error())
	}
	return f, nil
}

func buildAction(f *types.FunctionDefinition, body map[string]any) error {
	switch f.Kind {
	case types.KindStartJob:
		cfg := &types.StartJobConfig{
			Agent:    str(body["agent_address"]),
			Offset:   seconds(num(body["offset"])),
			Interval: seconds(num(body["interval"])),
		}
		for key, v := range body {
			switch key {
			case "agent_address", "offset", "interval":
				continue
			}
			if cfg.Job != "" {
				return fmt.Errorf("start_job_instance names several jobs: %s and %s", cfg.Job, key)
			}
			cfg.Job = key
			args, _ := v.(map[string]any)
			if args == nil && v != nil {
				return fmt.Errorf("arguments of job %s must be a mapping", key)
			}
			cfg.Arguments = args
		}
		if cfg.Job == "" {
			return fmt.Errorf("start_job_instance names no job")
		}
		f.StartJob = cfg
	case types.KindStopJob, types.KindRestartJob, types.KindStatusJob:
		id, ok := toInt(body["openbach_function_id"])
		if !ok {
			return fmt.Errorf("%s requires openbach_function_id", f.Kind)
		}
		f.JobRef = &types.JobRefConfig{FunctionIDs: []int{id}}
		if args, ok := body["instance_args"].(map[string]any); ok {
			f.JobRef.Arguments = args
		}
	case types.KindStopJobs:
		ids, ok := toInts(body["openbach_function_ids"])
		if !ok || len(ids) == 0 {
			return fmt.Errorf("stop_job_instances requires openbach_function_ids")
		}
		f.JobRef = &types.JobRefConfig{FunctionIDs: ids}
	case types.KindPushFile, types.KindPullFile:
		f.File = &types.FileConfig{
			Agent:      str(body["agent_address"]),
			LocalPath:  str(body["local_path"]),
			RemotePath: str(body["remote_path"]),
		}
	case types.KindIf:
		rawCond, _ := body["condition"].(map[string]any)
		cond, err := condition.Decode(rawCond)
		if err != nil {
			return err
		}
		trueIDs, _ := toInts(body["openbach_functions_true_ids"])
		falseIDs, _ := toInts(body["openbach_functions_false_ids"])
		f.If = &types.IfConfig{Condition: cond, TrueIDs: trueIDs, FalseIDs: falseIDs}
	case types.KindStartScenario:
		cfg := &types.StartScenarioConfig{Scenario: str(body["scenario_name"])}
		if args, ok := body["arguments"].(map[string]any); ok {
			cfg.Arguments = make(map[string]string, len(args))
			for k, v := range args {
				cfg.Arguments[k] = str(v)
			}
		}
		f.StartScenario = cfg
	case types.KindStopScenario:
		id, ok := toInt(body["openbach_function_id"])
		if !ok {
			return fmt.Errorf("stop_scenario_instance requires openbach_function_id")
		}
		f.StopScenario = &types.StopScenarioConfig{FunctionID: id}
	}
	return nil
}

// attachBranches turns if branches into explicit dependencies: every branch
// target waits for the if to finish and is guarded by its outcome.
func attachBranches(def *types.ScenarioDefinition) error {
	for _, f := range def.Functions {
		if f.Kind != types.KindIf || f.If == nil {
			continue
		}
		for _, branch := range []struct {
			ids   []int
			taken bool
		}{{f.If.TrueIDs, true}, {f.If.FalseIDs, false}} {
			for _, id := range branch.ids {
				target, ok := def.Function(id)
				if !ok {
					return functionError(def.Name, f.ID, fmt.Sprintf("branch references unknown function %d", id))
				}
				target.Waits = append(target.Waits, types.WaitCondition{FunctionID: f.ID, On: types.WaitFinished})
				target.Guard = conjoin(target.Guard, BranchGuard(f.ID, branch.taken))
			}
		}
	}
	return nil
}

// BranchGuard is the guard placed on functions listed in an if branch.
func BranchGuard(ifID int, taken bool) condition.Condition {
	return condition.Comparison{
		Op:    condition.Equal,
		Left:  condition.Database{Name: condition.DatabaseFunction, Key: strconv.Itoa(ifID), Attribute: OutcomeKey},
		Right: condition.Value{Literal: taken},
	}
}

func conjoin(existing, add condition.Condition) condition.Condition {
	switch e := existing.(type) {
	case nil:
		return add
	case condition.And:
		ops := append(append([]condition.Condition(nil), e.Operands...), add)
		return condition.And{Operands: ops}
	}
	return condition.And{Operands: []condition.Condition{existing, add}}
}

func functionError(scenario string, id int, reason string) error {
	return cerrors.MalformedScenario(scenario, fmt.Sprintf("function %d: %s", id, reason)).
		WithDetail("function_id", id)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	return fmt.Sprint(v)
}

func num(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case float64:
		return t
	}
	return 0
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	}
	return 0, false
}

func toInts(v any) ([]int, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		i, ok := toInt(item)
		if !ok {
			return nil, false
		}
		out = append(out, i)
	}
	return out, true
}
