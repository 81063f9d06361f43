package main

import (
	"encoding/base64"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/openbach-stack/conductor/internal/dispatch"
)

// Agent commands understood by the simulator.
const (
	cmdStartJob   = "start_job_instance_agent"
	cmdStopJob    = "stop_job_instance_agent"
	cmdRestartJob = "restart_job_instance_agent"
	cmdStatusJob  = "status_job_instance_agent"
	cmdPushFile   = "push_file_agent"
	cmdPullFile   = "pull_file_agent"
	cmdCheck      = "check_connection"
)

// Simulator keeps the job and file state of one fake agent.
type Simulator struct {
	config SimConfig
	logger *slog.Logger

	mu            sync.Mutex
	jobs          map[string]*jobState
	files         map[string][]byte
	calls         []dispatch.Instruction
	attemptCounts map[string]int
}

// NewSimulator creates a new simulator instance.
func NewSimulator(config SimConfig, logger *slog.Logger) *Simulator {
	return &Simulator{
		config:        config,
		logger:        logger,
		jobs:          make(map[string]*jobState),
		files:         make(map[string][]byte),
		attemptCounts: make(map[string]int),
	}
}

// Calls returns every instruction received so far.
func (s *Simulator) Calls() []dispatch.Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Instruction, len(s.calls))
	copy(out, s.calls)
	return out
}

// Job returns the recorded state of a job instance.
func (s *Simulator) Job(id string) (jobState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return jobState{}, false
	}
	return *j, true
}

func (s *Simulator) record(instr dispatch.Instruction) {
	s.mu.Lock()
	s.calls = append(s.calls, instr)
	s.mu.Unlock()
}

// apply performs the successful effect of instr and builds the OK reply.
// Extra result fields from the behavior are merged into the reply.
func (s *Simulator) apply(instr dispatch.Instruction, extra map[string]any) *dispatch.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := instr.Arguments
	id, _ := args["instance_id"].(string)
	result := map[string]any{}

	switch instr.Command {
	case cmdCheck:
		result["jobs"] = len(s.jobs)

	case cmdStartJob:
		name, _ := args["name"].(string)
		scenarioID, _ := args["scenario_id"].(string)
		s.jobs[id] = &jobState{Name: name, ScenarioID: scenarioID, Arguments: args["arguments"], Status: "running", StartedAt: time.Now()}
		s.logger.Info("job started", "job", name, "instance_id", id)

	case cmdStopJob:
		if j, ok := s.jobs[id]; ok {
			j.Status = "stopped"
		}
		s.logger.Info("job stopped", "instance_id", id)

	case cmdRestartJob:
		if j, ok := s.jobs[id]; ok {
			j.Status = "running"
			j.StartedAt = time.Now()
		}

	case cmdStatusJob:
		status := "not_running"
		if j, ok := s.jobs[id]; ok {
			status = j.Status
		}
		result["status"] = status

	case cmdPushFile:
		path, _ := args["remote_path"].(string)
		content, _ := args["content"].(string)
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return &dispatch.Reply{Status: "KO", Code: "bad_content", Error: err.Error()}
		}
		s.files[path] = data

	case cmdPullFile:
		path, _ := args["remote_path"].(string)
		data, ok := s.files[path]
		if !ok {
			return &dispatch.Reply{Status: "KO", Code: "not_found", Error: "no such file: " + path}
		}
		result["content"] = base64.StdEncoding.EncodeToString(data)

	default:
		return &dispatch.Reply{Status: "KO", Code: "unknown_command", Error: "unknown command " + instr.Command}
	}

	maps.Copy(result, extra)
	return &dispatch.Reply{Status: dispatch.StatusOK, Result: result}
}
