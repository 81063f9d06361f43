package status

import (
	"fmt"
	"time"

	"github.com/openbach-stack/conductor/internal/types"
)

// InstanceSummary contains computed information about a scenario instance
// for display.
type InstanceSummary struct {
	ID        string               `json:"id"`
	Scenario  string               `json:"scenario"`
	Status    types.ScenarioStatus `json:"status"`
	StartedAt time.Time            `json:"started_at"`
	StoppedAt *time.Time           `json:"stopped_at,omitempty"`
	Arguments map[string]string    `json:"arguments,omitempty"`
	Parent    *types.ParentRef     `json:"parent,omitempty"`

	FunctionStats FunctionStats     `json:"function_stats"`
	Running       []RunningFunction `json:"running,omitempty"`
	Errors        []string          `json:"errors,omitempty"`
}

// FunctionStats contains the function count breakdown.
type FunctionStats struct {
	Total     int `json:"total"`
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Finished  int `json:"finished"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Stopped   int `json:"stopped"`
	Retries   int `json:"retries"`
}

// Done returns how many functions reached a terminal status.
func (s FunctionStats) Done() int {
	return s.Finished + s.Skipped + s.Failed + s.Stopped
}

// RunningFunction describes a function currently in flight.
type RunningFunction struct {
	ID        int           `json:"id"`
	Label     string        `json:"label,omitempty"`
	Kind      string        `json:"kind"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Retries   int           `json:"retries"`
}

// NewInstanceSummary creates a summary from an instance snapshot.
func NewInstanceSummary(inst *types.ScenarioInstance) *InstanceSummary {
	summary := &InstanceSummary{
		ID:        inst.ID,
		Scenario:  inst.Scenario,
		Status:    inst.Status,
		StartedAt: inst.StartedAt,
		StoppedAt: inst.StoppedAt,
		Arguments: inst.Arguments,
		Parent:    inst.Parent,
	}

	for _, f := range inst.SortedFunctions() {
		summary.FunctionStats.add(f)

		if f.Status == types.FunctionRunning || f.Status == types.FunctionRetried {
			rf := RunningFunction{ID: f.FunctionID, Label: f.Label, Kind: string(f.Kind), Retries: f.RetryPerformed}
			if f.LaunchedAt != nil {
				rf.StartedAt = *f.LaunchedAt
				rf.Duration = time.Since(*f.LaunchedAt)
			}
			summary.Running = append(summary.Running, rf)
		}

		// Tolerated failures are reported too; nothing is silently dropped.
		if last := f.LastError(); last != nil && (f.Status == types.FunctionError || f.Status == types.FunctionFinished) {
			summary.Errors = append(summary.Errors, fmt.Sprintf("function %d: [%s] %s", f.FunctionID, last.Code, last.Message))
		}
	}
	return summary
}

func (s *FunctionStats) add(f *types.FunctionInstance) {
	s.Total++
	s.Retries += f.RetryPerformed
	switch f.Status {
	case types.FunctionScheduled:
		s.Scheduled++
	case types.FunctionRunning:
		s.Running++
	case types.FunctionRetried:
		s.Retrying++
	case types.FunctionFinished:
		if f.Skipped() {
			s.Skipped++
		} else {
			s.Finished++
		}
	case types.FunctionError:
		s.Failed++
	case types.FunctionStopped:
		s.Stopped++
	}
}
