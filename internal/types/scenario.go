package types

import (
	"sort"
	"time"
)

// ScenarioDefinition is a parsed scenario. It is never mutated after parsing.
type ScenarioDefinition struct {
	Name        string
	Description string
	// Arguments maps declared argument names to their description.
	Arguments map[string]string
	Constants map[string]string
	Functions []FunctionDefinition
}

// Function returns the function with the given id.
func (d *ScenarioDefinition) Function(id int) (*FunctionDefinition, bool) {
	for i := range d.Functions {
		if d.Functions[i].ID == id {
			return &d.Functions[i], true
		}
	}
	return nil, false
}

// FunctionIDs returns all function ids in ascending order.
func (d *ScenarioDefinition) FunctionIDs() []int {
	ids := make([]int, 0, len(d.Functions))
	for _, f := range d.Functions {
		ids = append(ids, f.ID)
	}
	sort.Ints(ids)
	return ids
}

// ScenarioStatus represents the lifecycle state of a scenario instance.
type ScenarioStatus string

const (
	ScenarioScheduling        ScenarioStatus = "scheduling"
	ScenarioRunning           ScenarioStatus = "running"
	ScenarioAgentsUnreachable ScenarioStatus = "agents_unreachable"
	ScenarioFinishedOk        ScenarioStatus = "finished_ok"
	ScenarioFinishedKo        ScenarioStatus = "finished_ko"
	ScenarioStopped           ScenarioStatus = "stopped"
)

// Valid returns true if this is a recognized status.
func (s ScenarioStatus) Valid() bool {
	switch s {
	case ScenarioScheduling, ScenarioRunning, ScenarioAgentsUnreachable,
		ScenarioFinishedOk, ScenarioFinishedKo, ScenarioStopped:
		return true
	}
	return false
}

// IsTerminal returns true if this status is final.
func (s ScenarioStatus) IsTerminal() bool {
	switch s {
	case ScenarioAgentsUnreachable, ScenarioFinishedOk, ScenarioFinishedKo, ScenarioStopped:
		return true
	}
	return false
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s ScenarioStatus) CanTransitionTo(target ScenarioStatus) bool {
	switch s {
	case ScenarioScheduling:
		return target == ScenarioRunning || target.IsTerminal()
	case ScenarioRunning:
		return target.IsTerminal()
	}
	return false
}

// ParentRef identifies the function that started a sub-scenario.
type ParentRef struct {
	InstanceID string `json:"instance_id" yaml:"instance_id"`
	FunctionID int    `json:"function_id" yaml:"function_id"`
}

// ScenarioInstance is the runtime record of one scenario execution.
type ScenarioInstance struct {
	ID         string            `json:"id" yaml:"id"`
	Scenario   string            `json:"scenario" yaml:"scenario"`
	Definition string            `json:"definition" yaml:"definition"` // Store reference of the definition snapshot
	Status     ScenarioStatus    `json:"status" yaml:"status"`
	Arguments  map[string]string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Parent     *ParentRef        `json:"parent,omitempty" yaml:"parent,omitempty"`

	StartedAt time.Time  `json:"started_at" yaml:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty" yaml:"stopped_at,omitempty"`

	Functions map[int]*FunctionInstance `json:"functions" yaml:"functions"`
}

// SortedFunctions returns function instances ordered by function id.
func (s *ScenarioInstance) SortedFunctions() []*FunctionInstance {
	out := make([]*FunctionInstance, 0, len(s.Functions))
	for _, f := range s.Functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionID < out[j].FunctionID })
	return out
}

// Clone returns a deep copy suitable for handing out as a snapshot.
func (s *ScenarioInstance) Clone() *ScenarioInstance {
	c := *s
	if s.Arguments != nil {
		c.Arguments = make(map[string]string, len(s.Arguments))
		for k, v := range s.Arguments {
			c.Arguments[k] = v
		}
	}
	if s.Parent != nil {
		p := *s.Parent
		c.Parent = &p
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	c.Functions = make(map[int]*FunctionInstance, len(s.Functions))
	for id, f := range s.Functions {
		fc := *f
		fc.Errors = append([]FunctionFailure(nil), f.Errors...)
		if f.Result != nil {
			fc.Result = make(map[string]any, len(f.Result))
			for k, v := range f.Result {
				fc.Result[k] = v
			}
		}
		c.Functions[id] = &fc
	}
	return &c
}
