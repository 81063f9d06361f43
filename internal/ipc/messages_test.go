package ipc

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/openbach-stack/conductor/internal/types"
)

func TestMessageType_Classification(t *testing.T) {
	tests := []struct {
		typ      MessageType
		request  bool
		response bool
	}{
		{MsgLaunch, true, false},
		{MsgStop, true, false},
		{MsgStatus, true, false},
		{MsgList, true, false},
		{MsgWait, true, false},
		{MsgAck, false, true},
		{MsgError, false, true},
		{MsgLaunched, false, true},
		{MsgInstance, false, true},
		{MsgInstances, false, true},
		{"bogus", false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.IsRequest(); got != tt.request {
				t.Errorf("IsRequest() = %v, want %v", got, tt.request)
			}
			if got := tt.typ.IsResponse(); got != tt.response {
				t.Errorf("IsResponse() = %v, want %v", got, tt.response)
			}
			if got := tt.typ.Valid(); got != (tt.request || tt.response) {
				t.Errorf("Valid() = %v", got)
			}
		})
	}
}

func TestParseMessage_Types(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"launch", &LaunchMessage{Type: MsgLaunch, Scenario: "ping", Arguments: map[string]string{"a": "b"}}},
		{"stop", &StopMessage{Type: MsgStop, InstanceID: "i-1"}},
		{"status", &StatusMessage{Type: MsgStatus, InstanceID: "i-1"}},
		{"list", &ListMessage{Type: MsgList, Status: types.ScenarioRunning, Active: true}},
		{"wait", &WaitMessage{Type: MsgWait, InstanceID: "i-1", Timeout: "5s"}},
		{"ack", &AckMessage{Type: MsgAck, Success: true}},
		{"error", &ErrorMessage{Type: MsgError, Code: "INST_001", Message: "missing"}},
		{"launched", &LaunchedMessage{Type: MsgLaunched, InstanceID: "i-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := ParseMessage(data)
			if err != nil {
				t.Fatalf("ParseMessage: %v", err)
			}
			if got.MessageType() != tt.msg.MessageType() {
				t.Errorf("parsed type = %s, want %s", got.MessageType(), tt.msg.MessageType())
			}
		})
	}
}

func TestInstanceMessage_CarriesFunctions(t *testing.T) {
	msg := &InstanceMessage{Type: MsgInstance, Instance: &types.ScenarioInstance{
		ID:     "i-1",
		Status: types.ScenarioFinishedKo,
		Functions: map[int]*types.FunctionInstance{
			2: {FunctionID: 2, Status: types.FunctionError, RetryPerformed: 1},
		},
	}}
	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	inst := parsed.(*InstanceMessage).Instance
	f := inst.Functions[2]
	if f == nil || f.Status != types.FunctionError || f.RetryPerformed != 1 {
		t.Errorf("function 2 = %+v", f)
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown type", `{"type":"step_done"}`},
		{"malformed", `{"type":`},
		{"missing type", `{"instance_id":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMarshal_SingleLine(t *testing.T) {
	msg := &LaunchMessage{Type: MsgLaunch, Source: "name: x\nopenbach_functions: []\n"}
	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if bytes.Contains(data, []byte("\n")) {
		t.Errorf("marshalled message spans lines: %s", data)
	}
	var back LaunchMessage
	if err := json.Unmarshal(data, &back); err != nil || back.Source != msg.Source {
		t.Errorf("source did not survive: %q, %v", back.Source, err)
	}
}
