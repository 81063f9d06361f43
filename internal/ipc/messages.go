// Package ipc provides the control protocol between the conductor daemon and
// its command-line clients.
//
// The protocol uses newline-delimited JSON over a Unix domain socket. Each
// message is a single JSON object on one line, answered by exactly one
// response line.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/openbach-stack/conductor/internal/types"
)

// MessageType identifies the IPC message kind.
type MessageType string

const (
	// Request types (client → daemon)
	MsgLaunch MessageType = "launch"
	MsgStop   MessageType = "stop"
	MsgStatus MessageType = "status"
	MsgList   MessageType = "list"
	MsgWait   MessageType = "wait"

	// Response types (daemon → client)
	MsgAck       MessageType = "ack"
	MsgError     MessageType = "error"
	MsgLaunched  MessageType = "launched"
	MsgInstance  MessageType = "instance"
	MsgInstances MessageType = "instances"
)

// Valid returns true if this is a recognized message type.
func (t MessageType) Valid() bool {
	return t.IsRequest() || t.IsResponse()
}

// IsRequest returns true if this message type is sent by a client.
func (t MessageType) IsRequest() bool {
	switch t {
	case MsgLaunch, MsgStop, MsgStatus, MsgList, MsgWait:
		return true
	}
	return false
}

// IsResponse returns true if this message type is sent by the daemon.
func (t MessageType) IsResponse() bool {
	switch t {
	case MsgAck, MsgError, MsgLaunched, MsgInstance, MsgInstances:
		return true
	}
	return false
}

// --- Requests ---

// LaunchMessage starts a scenario, by catalog name or inline source.
type LaunchMessage struct {
	Type      MessageType       `json:"type"`
	Scenario  string            `json:"scenario,omitempty"`
	Source    string            `json:"source,omitempty"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// StopMessage requests a stop of a running instance.
type StopMessage struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
}

// StatusMessage asks for an instance snapshot.
type StatusMessage struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
}

// ListMessage asks for the instances matching a filter.
type ListMessage struct {
	Type     MessageType          `json:"type"`
	Status   types.ScenarioStatus `json:"status,omitempty"`
	Scenario string               `json:"scenario,omitempty"`
	Active   bool                 `json:"active,omitempty"`
}

// WaitMessage blocks until an instance is terminal.
type WaitMessage struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
	// Timeout is a Go duration string; empty waits for the connection timeout.
	Timeout string `json:"timeout,omitempty"`
}

// --- Responses ---

// AckMessage acknowledges a request without payload.
type AckMessage struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
}

// ErrorMessage reports a failed request.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

// LaunchedMessage returns the id of a new instance.
type LaunchedMessage struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
}

// InstanceMessage carries one instance snapshot.
type InstanceMessage struct {
	Type     MessageType             `json:"type"`
	Instance *types.ScenarioInstance `json:"instance"`
}

// InstancesMessage carries several instance snapshots.
type InstancesMessage struct {
	Type      MessageType               `json:"type"`
	Instances []*types.ScenarioInstance `json:"instances"`
}

// Message is implemented by every IPC message.
type Message interface {
	MessageType() MessageType
}

func (m *LaunchMessage) MessageType() MessageType    { return MsgLaunch }
func (m *StopMessage) MessageType() MessageType      { return MsgStop }
func (m *StatusMessage) MessageType() MessageType    { return MsgStatus }
func (m *ListMessage) MessageType() MessageType      { return MsgList }
func (m *WaitMessage) MessageType() MessageType      { return MsgWait }
func (m *AckMessage) MessageType() MessageType       { return MsgAck }
func (m *ErrorMessage) MessageType() MessageType     { return MsgError }
func (m *LaunchedMessage) MessageType() MessageType  { return MsgLaunched }
func (m *InstanceMessage) MessageType() MessageType  { return MsgInstance }
func (m *InstancesMessage) MessageType() MessageType { return MsgInstances }

// --- Parsing Helpers ---

// RawMessage is used for initial parsing to determine message type.
type RawMessage struct {
	Type MessageType `json:"type"`
}

// ParseMessage parses a JSON message and returns the appropriate typed message.
// Returns an error if the message type is unknown or JSON is malformed.
func ParseMessage(data []byte) (Message, error) {
	var raw RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var msg Message
	switch raw.Type {
	case MsgLaunch:
		msg = &LaunchMessage{}
	case MsgStop:
		msg = &StopMessage{}
	case MsgStatus:
		msg = &StatusMessage{}
	case MsgList:
		msg = &ListMessage{}
	case MsgWait:
		msg = &WaitMessage{}
	case MsgAck:
		msg = &AckMessage{}
	case MsgError:
		msg = &ErrorMessage{}
	case MsgLaunched:
		msg = &LaunchedMessage{}
	case MsgInstance:
		msg = &InstanceMessage{}
	case MsgInstances:
		msg = &InstancesMessage{}
	default:
		return nil, fmt.Errorf("unknown message type: %q", raw.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to parse %s message: %w", raw.Type, err)
	}

	return msg, nil
}

// Marshal serializes a message to JSON as a single line (no pretty printing).
func Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
