// Package store persists scenario definitions and instances.
//
// Status writes are atomic and idempotent: re-applying the current status is
// a no-op, and a write that the status machine forbids (for example leaving
// a terminal state) fails with InvalidTransition without touching the record.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openbach-stack/conductor/internal/config"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/types"
)

// Store provides persistence for definitions and instances. It is safe for
// concurrent use, including concurrent writes to different functions of the
// same instance.
type Store interface {
	// SaveDefinition snapshots a definition source and returns its reference.
	// Saving identical source twice returns the same reference.
	SaveDefinition(ctx context.Context, name string, source []byte) (string, error)

	// LoadDefinition parses a snapshot saved by SaveDefinition.
	LoadDefinition(ctx context.Context, ref string) (*types.ScenarioDefinition, error)

	// CreateInstance records a new instance in Scheduling with every
	// function Scheduled.
	CreateInstance(ctx context.Context, req CreateRequest) (*types.ScenarioInstance, error)

	// GetInstance returns a snapshot of an instance.
	GetInstance(ctx context.Context, id string) (*types.ScenarioInstance, error)

	// ListInstances returns instances matching filter, oldest first.
	ListInstances(ctx context.Context, filter Filter) ([]*types.ScenarioInstance, error)

	// UpdateFunctionStatus moves a function to status and records its retry count.
	UpdateFunctionStatus(ctx context.Context, instanceID string, functionID int, status types.FunctionStatus, retries int) error

	// UpdateScenarioStatus moves an instance to status.
	UpdateScenarioStatus(ctx context.Context, instanceID string, status types.ScenarioStatus) error

	// RecordResult merges payload into the function result.
	RecordResult(ctx context.Context, instanceID string, functionID int, payload map[string]any) error

	// RecordError appends a failure to the function error list.
	RecordError(ctx context.Context, instanceID string, functionID int, ferr types.FunctionFailure) error

	// Close releases resources held by the store.
	Close() error
}

// CreateRequest describes a new instance.
type CreateRequest struct {
	DefinitionRef string
	Definition    *types.ScenarioDefinition
	Arguments     map[string]string
	Parent        *types.ParentRef
}

// Filter for listing instances.
type Filter struct {
	Status   types.ScenarioStatus // Exact status (empty = all)
	Scenario string               // Definition name (empty = all)
	Active   bool                 // Only non-terminal instances
}

// Match reports whether an instance passes the filter.
func (f Filter) Match(inst *types.ScenarioInstance) bool {
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.Scenario != "" && inst.Scenario != f.Scenario {
		return false
	}
	if f.Active && inst.Status.IsTerminal() {
		return false
	}
	return true
}

// Open returns the store selected by configuration.
func Open(cfg *config.Config, baseDir string) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendSQLite:
		return OpenSQLite(cfg.SQLitePath(baseDir))
	case config.StoreBackendYAML, "":
		return OpenYAML(cfg.StateDir(baseDir))
	}
	return nil, cerrors.ConfigInvalidValue("store.backend", cfg.Store.Backend, "must be yaml or sqlite")
}

// DefinitionRef derives the snapshot reference of a definition source.
func DefinitionRef(name string, source []byte) string {
	sum := sha256.Sum256(source)
	return fmt.Sprintf("%s@%s", name, hex.EncodeToString(sum[:])[:12])
}

// refFileName makes a reference safe to use as a file name.
func refFileName(ref string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "@", "_", "..", "_")
	return r.Replace(ref)
}

func newInstance(req CreateRequest, now time.Time) *types.ScenarioInstance {
	inst := &types.ScenarioInstance{
		ID:         uuid.NewString(),
		Scenario:   req.Definition.Name,
		Definition: req.DefinitionRef,
		Status:     types.ScenarioScheduling,
		Arguments:  req.Arguments,
		Parent:     req.Parent,
		StartedAt:  now,
		Functions:  make(map[int]*types.FunctionInstance, len(req.Definition.Functions)),
	}
	for _, f := range req.Definition.Functions {
		inst.Functions[f.ID] = &types.FunctionInstance{
			FunctionID: f.ID,
			Label:      f.Label,
			Kind:       f.Kind,
			Status:     types.FunctionScheduled,
		}
	}
	return inst
}

// applyFunctionStatus mutates inst in place. It reports whether anything changed.
func applyFunctionStatus(inst *types.ScenarioInstance, functionID int, status types.FunctionStatus, retries int, now time.Time) (bool, error) {
	f, ok := inst.Functions[functionID]
	if !ok {
		return false, cerrors.FunctionNotFound(inst.ID, functionID)
	}
	if f.Status == status {
		if status.IsTerminal() || retries <= f.RetryPerformed {
			return false, nil
		}
		f.RetryPerformed = retries
		return true, nil
	}
	if !f.Status.CanTransitionTo(status) {
		return false, cerrors.InvalidTransition(fmt.Sprintf("function %d of %s", functionID, inst.ID), string(f.Status), string(status))
	}

	f.Status = status
	if retries > f.RetryPerformed {
		f.RetryPerformed = retries
	}
	switch {
	case status == types.FunctionRunning:
		if f.LaunchedAt == nil {
			t := now
			f.LaunchedAt = &t
		}
	case status == types.FunctionScheduled:
		f.EndedAt = nil
	case status.IsTerminal():
		t := now
		f.EndedAt = &t
	}
	return true, nil
}

func applyScenarioStatus(inst *types.ScenarioInstance, status types.ScenarioStatus, now time.Time) (bool, error) {
	if inst.Status == status {
		return false, nil
	}
	if !inst.Status.CanTransitionTo(status) {
		return false, cerrors.InvalidTransition("scenario "+inst.ID, string(inst.Status), string(status))
	}
	inst.Status = status
	if status.IsTerminal() {
		t := now
		inst.StoppedAt = &t
	}
	return true, nil
}

func applyResult(inst *types.ScenarioInstance, functionID int, payload map[string]any) error {
	f, ok := inst.Functions[functionID]
	if !ok {
		return cerrors.FunctionNotFound(inst.ID, functionID)
	}
	if f.Result == nil {
		f.Result = make(map[string]any, len(payload))
	}
	for k, v := range payload {
		f.Result[k] = v
	}
	return nil
}

func applyError(inst *types.ScenarioInstance, functionID int, ferr types.FunctionFailure) error {
	f, ok := inst.Functions[functionID]
	if !ok {
		return cerrors.FunctionNotFound(inst.ID, functionID)
	}
	f.Errors = append(f.Errors, ferr)
	return nil
}
