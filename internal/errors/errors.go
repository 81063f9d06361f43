// Package errors provides structured error types for the conductor.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes for conductor operations.
const (
	// Config errors
	CodeConfigMissingField = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue = "CONFIG_002" // Invalid value

	// Scenario definition errors
	CodeMalformedScenario  = "SCN_001" // Definition fails schema or graph validation
	CodeMalformedCondition = "SCN_002" // Condition tree has wrong arity or unknown operator
	CodeScenarioNotFound   = "SCN_003" // Definition not in catalog

	// Evaluation errors
	CodeTypeMismatch        = "EVAL_001" // Ordering comparison on non-numeric operands
	CodeUnresolvedReference = "EVAL_002" // Operand or placeholder has no value yet

	// Dispatch errors
	CodeAgentUnreachable = "AGENT_001" // Agent did not answer or is not eligible
	CodeRemoteError      = "AGENT_002" // Agent answered with an error

	// Instance errors
	CodeInstanceNotFound   = "INST_001" // Scenario instance not found
	CodeFunctionNotFound   = "INST_002" // Function instance not found
	CodeInvalidTransition  = "INST_003" // Status change not allowed
	CodeStoreUnavailable   = "INST_004" // Instance store cannot be read or written
	CodeInstanceNotRunning = "INST_005" // Operation requires a live instance
)

// ConductorError is the structured error type for conductor operations.
type ConductorError struct {
	Code    string         `json:"code"`              // Error code (e.g., "SCN_001")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (instance_id, function_id, ...)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *ConductorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *ConductorError) WithDetail(key string, value any) *ConductorError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *ConductorError) MarshalJSON() ([]byte, error) {
	type alias ConductorError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new ConductorError.
func New(code, message string) *ConductorError {
	return &ConductorError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new ConductorError with formatted message.
func Newf(code, format string, args ...any) *ConductorError {
	return &ConductorError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a ConductorError.
func Wrap(code, message string, err error) *ConductorError {
	return &ConductorError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted ConductorError.
func Wrapf(code string, err error, format string, args ...any) *ConductorError {
	return &ConductorError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// --- Config Errors ---

// ConfigMissingField creates an error for missing config field.
func ConfigMissingField(field string) *ConductorError {
	return Newf(CodeConfigMissingField, "missing required config field: %s", field).
		WithDetail("field", field)
}

// ConfigInvalidValue creates an error for invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *ConductorError {
	return Newf(CodeConfigInvalidValue, "invalid config value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// --- Scenario Errors ---

// MalformedScenario creates an error for a definition that cannot be run.
func MalformedScenario(scenario, reason string) *ConductorError {
	return Newf(CodeMalformedScenario, "malformed scenario %s: %s", scenario, reason).
		WithDetail("scenario", scenario).
		WithDetail("reason", reason)
}

// ScenarioCycle creates an error for a cycle between wait conditions.
func ScenarioCycle(scenario string, cycle []int) *ConductorError {
	return Newf(CodeMalformedScenario, "malformed scenario %s: wait conditions form a cycle", scenario).
		WithDetail("scenario", scenario).
		WithDetail("cycle", cycle)
}

// MalformedCondition creates an error for a badly shaped condition tree.
func MalformedCondition(reason string) *ConductorError {
	return Newf(CodeMalformedCondition, "malformed condition: %s", reason).
		WithDetail("reason", reason)
}

// ScenarioNotFound creates an error for an unknown definition name.
func ScenarioNotFound(name string) *ConductorError {
	return Newf(CodeScenarioNotFound, "scenario not found: %s", name).
		WithDetail("scenario", name)
}

// --- Evaluation Errors ---

// TypeMismatch creates an error for an ordering comparison on non-numbers.
func TypeMismatch(op string, left, right any) *ConductorError {
	return Newf(CodeTypeMismatch, "cannot apply %s to %T and %T", op, left, right).
		WithDetail("operator", op).
		WithDetail("left", left).
		WithDetail("right", right)
}

// UnresolvedReference creates an error for a value that is not available yet.
func UnresolvedReference(ref string) *ConductorError {
	return Newf(CodeUnresolvedReference, "unresolved reference: %s", ref).
		WithDetail("reference", ref)
}

// --- Dispatch Errors ---

// AgentUnreachable creates an error for an agent that cannot be contacted.
func AgentUnreachable(address string, err error) *ConductorError {
	return Wrap(CodeAgentUnreachable, "agent unreachable", err).
		WithDetail("agent", address)
}

// RemoteError creates an error for an error status answered by an agent.
func RemoteError(address, code, message string) *ConductorError {
	return Newf(CodeRemoteError, "agent %s: %s", address, message).
		WithDetail("agent", address).
		WithDetail("remote_code", code)
}

// --- Instance Errors ---

// InstanceNotFound creates an error for a missing scenario instance.
func InstanceNotFound(id string) *ConductorError {
	return Newf(CodeInstanceNotFound, "scenario instance not found: %s", id).
		WithDetail("instance_id", id)
}

// FunctionNotFound creates an error for a missing function instance.
func FunctionNotFound(instanceID string, functionID int) *ConductorError {
	return Newf(CodeFunctionNotFound, "function %d not found in instance %s", functionID, instanceID).
		WithDetail("instance_id", instanceID).
		WithDetail("function_id", functionID)
}

// InvalidTransition creates an error for a forbidden status change.
func InvalidTransition(subject, from, to string) *ConductorError {
	return Newf(CodeInvalidTransition, "invalid status transition for %s: %s -> %s", subject, from, to).
		WithDetail("subject", subject).
		WithDetail("from", from).
		WithDetail("to", to)
}

// StoreUnavailable creates an error for a failed store read or write.
func StoreUnavailable(op string, err error) *ConductorError {
	return Wrap(CodeStoreUnavailable, "instance store unavailable", err).
		WithDetail("operation", op)
}

// InstanceNotRunning creates an error for operations on a finished instance.
func InstanceNotRunning(id, status string) *ConductorError {
	return Newf(CodeInstanceNotRunning, "scenario instance %s is not running (status %s)", id, status).
		WithDetail("instance_id", id).
		WithDetail("status", status)
}

// HasCode checks if an error is a ConductorError with the given code.
// It handles wrapped errors by unwrapping to find a ConductorError.
func HasCode(err error, code string) bool {
	var cerr *ConductorError
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// Code returns the error code if err is a ConductorError, empty string otherwise.
// It handles wrapped errors by unwrapping to find a ConductorError.
func Code(err error) string {
	var cerr *ConductorError
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ""
}
