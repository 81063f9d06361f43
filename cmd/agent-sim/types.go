package main

import "time"

// SimConfig holds the complete simulator configuration
type SimConfig struct {
	Listen    string        `yaml:"listen"`
	Behaviors []Behavior    `yaml:"behaviors"`
	Default   DefaultConfig `yaml:"default"`
	Logging   LoggingConfig `yaml:"logging"`
}

type DefaultConfig struct {
	Behavior Behavior `yaml:"behavior"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ActionType defines how the agent answers a matching instruction
type ActionType string

const (
	ActionOK              ActionType = "ok"
	ActionError           ActionType = "error"
	ActionFailThenSucceed ActionType = "fail_then_succeed"
	ActionHang            ActionType = "hang"
	ActionDrop            ActionType = "drop"
)

// Behavior defines how the agent answers instructions matching a pattern.
// The pattern is matched against "<command_name> <job name>".
type Behavior struct {
	Match  string `yaml:"match"`
	Type   string `yaml:"type"` // "contains" or "regex"
	Action Action `yaml:"action"`
}

// Action defines the simulated agent's response
type Action struct {
	Type         ActionType     `yaml:"type"`
	Delay        time.Duration  `yaml:"delay"`
	Result       map[string]any `yaml:"result"`
	FailCount    int            `yaml:"fail_count"`
	ErrorCode    string         `yaml:"error_code"`
	ErrorMessage string         `yaml:"error_message"`
}

// jobState is what the agent remembers about a job instance.
type jobState struct {
	Name       string
	ScenarioID string
	Arguments  any
	Status     string
	StartedAt  time.Time
}
