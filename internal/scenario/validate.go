package scenario

import (
	"fmt"
	"sort"

	"github.com/openbach-stack/conductor/internal/condition"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/placeholder"
	"github.com/openbach-stack/conductor/internal/types"
)

// Validate checks a definition before it may be instantiated: unique ids,
// known references, well-formed conditions and policies, declared
// placeholders and an acyclic wait graph.
func Validate(def *types.ScenarioDefinition) error {
	if def.Name == "" {
		return cerrors.MalformedScenario("<unnamed>", "name is required")
	}
	if len(def.Functions) == 0 {
		return cerrors.MalformedScenario(def.Name, "no openbach functions")
	}

	kinds := make(map[int]types.FunctionKind, len(def.Functions))
	for _, f := range def.Functions {
		if _, dup := kinds[f.ID]; dup {
			return functionError(def.Name, f.ID, "duplicate id")
		}
		kinds[f.ID] = f.Kind
	}

	for i := range def.Functions {
		if err := validateFunction(def, &def.Functions[i], kinds); err != nil {
			return err
		}
	}

	if missing := undeclaredPlaceholders(def); len(missing) > 0 {
		return cerrors.MalformedScenario(def.Name, fmt.Sprintf("undeclared placeholders %v", missing)).
			WithDetail("placeholders", missing)
	}

	if cycle := findCycle(def); cycle != nil {
		return cerrors.ScenarioCycle(def.Name, cycle)
	}
	return nil
}

func validateFunction(def *types.ScenarioDefinition, f *types.FunctionDefinition, kinds map[int]types.FunctionKind) error {
	fail := func(format string, args ...any) error {
		return functionError(def.Name, f.ID, fmt.Sprintf(format, args...))
	}

	if !f.Kind.Valid() {
		return fail("unknown kind %q", f.Kind)
	}
	if f.WaitTime < 0 {
		return fail("negative wait time")
	}
	for _, w := range f.Waits {
		if w.FunctionID == f.ID {
			return fail("waits for itself")
		}
		if _, ok := kinds[w.FunctionID]; !ok {
			return fail("waits for unknown function %d", w.FunctionID)
		}
		if w.On != types.WaitLaunched && w.On != types.WaitFinished {
			return fail("unknown wait kind %q", w.On)
		}
		if w.Delay < 0 {
			return fail("negative wait delay")
		}
	}

	if f.OnFail != nil {
		if !f.OnFail.Mode.Valid() {
			return fail("unknown failure policy %q", f.OnFail.Mode)
		}
		if f.OnFail.RetryLimit < 0 {
			return fail("negative retry limit")
		}
		switch f.OnFail.Backoff {
		case "", "fixed", "exponential":
		default:
			return fail("unknown backoff %q", f.OnFail.Backoff)
		}
	}

	if f.Guard != nil {
		if err := condition.Validate(f.Guard); err != nil {
			return fail("guard: %v", err)
		}
	}

	switch f.Kind {
	case types.KindStartJob:
		if f.StartJob == nil || f.StartJob.Job == "" || f.StartJob.Agent == "" {
			return fail("start_job_instance requires an agent and a job")
		}
	case types.KindStopJob, types.KindStopJobs, types.KindRestartJob, types.KindStatusJob:
		if f.JobRef == nil || len(f.JobRef.FunctionIDs) == 0 {
			return fail("%s requires target functions", f.Kind)
		}
		for _, id := range f.JobRef.FunctionIDs {
			if kinds[id] != types.KindStartJob {
				return fail("%s target %d is not a start_job_instance", f.Kind, id)
			}
		}
	case types.KindPushFile, types.KindPullFile:
		if f.File == nil || f.File.Agent == "" || f.File.LocalPath == "" || f.File.RemotePath == "" {
			return fail("%s requires agent_address, local_path and remote_path", f.Kind)
		}
	case types.KindIf:
		if f.If == nil {
			return fail("if requires a condition")
		}
		if err := condition.Validate(f.If.Condition); err != nil {
			return fail("%v", err)
		}
		taken := map[int]bool{}
		for _, id := range f.If.TrueIDs {
			taken[id] = true
		}
		for _, id := range append(append([]int(nil), f.If.TrueIDs...), f.If.FalseIDs...) {
			if id == f.ID {
				return fail("if lists itself as a branch")
			}
			if _, ok := kinds[id]; !ok {
				return fail("branch references unknown function %d", id)
			}
		}
		for _, id := range f.If.FalseIDs {
			if taken[id] {
				return fail("function %d is in both branches", id)
			}
		}
	case types.KindStartScenario:
		if f.StartScenario == nil || f.StartScenario.Scenario == "" {
			return fail("start_scenario_instance requires scenario_name")
		}
		if f.StartScenario.Scenario == def.Name {
			return fail("start_scenario_instance starts its own scenario")
		}
	case types.KindStopScenario:
		if f.StopScenario == nil {
			return fail("stop_scenario_instance requires openbach_function_id")
		}
		if kinds[f.StopScenario.FunctionID] != types.KindStartScenario {
			return fail("stop_scenario_instance target %d is not a start_scenario_instance", f.StopScenario.FunctionID)
		}
	}
	return nil
}

// Placeholders returns every placeholder name used by the definition, sorted.
func Placeholders(def *types.ScenarioDefinition) []string {
	names := map[string]bool{}
	add := func(s string) {
		for _, n := range placeholder.Names(s) {
			names[n] = true
		}
	}
	addCondition := func(c condition.Condition) {
		condition.Walk(c, func(o condition.Operand) {
			switch op := o.(type) {
			case condition.Value:
				if s, ok := op.Literal.(string); ok {
					add(s)
				}
			case condition.Statistic:
				add(op.Field)
				add(op.Job)
				add(op.Agent)
			case condition.Database:
				add(op.Key)
				add(op.Attribute)
			}
		})
	}

	for _, f := range def.Functions {
		if f.Guard != nil {
			addCondition(f.Guard)
		}
		switch {
		case f.StartJob != nil:
			add(f.StartJob.Agent)
			placeholder.NamesAny(f.StartJob.Arguments, names)
		case f.JobRef != nil:
			placeholder.NamesAny(f.JobRef.Arguments, names)
		case f.File != nil:
			add(f.File.Agent)
			add(f.File.LocalPath)
			add(f.File.RemotePath)
		case f.If != nil:
			addCondition(f.If.Condition)
		case f.StartScenario != nil:
			for _, v := range f.StartScenario.Arguments {
				add(v)
			}
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func undeclaredPlaceholders(def *types.ScenarioDefinition) []string {
	var missing []string
	for _, n := range Placeholders(def) {
		_, arg := def.Arguments[n]
		_, constant := def.Constants[n]
		if !arg && !constant {
			missing = append(missing, n)
		}
	}
	return missing
}

// findCycle returns the function ids of a dependency cycle, first id
// repeated at the end, or nil when the wait graph is acyclic.
func findCycle(def *types.ScenarioDefinition) []int {
	const (
		white = iota
		grey
		black
	)
	deps := make(map[int][]int, len(def.Functions))
	for _, f := range def.Functions {
		for _, w := range f.Waits {
			deps[f.ID] = append(deps[f.ID], w.FunctionID)
		}
	}

	color := make(map[int]int, len(def.Functions))
	var stack []int
	var cycle []int

	var visit func(id int) bool
	visit = func(id int) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]int(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range def.FunctionIDs() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
