package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/scenario"
	"github.com/openbach-stack/conductor/internal/types"
)

// YAMLStore persists each instance as <dir>/<id>.yaml using write-then-rename,
// and definition snapshots under <dir>/definitions/. One process owns a
// directory at a time; the owner holds an flock on <dir>/store.lock.
type YAMLStore struct {
	dir      string
	lockFile *os.File

	mu        sync.Mutex
	instances map[string]*yamlEntry
}

// yamlEntry serialises writes to one instance; other instances are untouched.
type yamlEntry struct {
	mu   sync.Mutex
	inst *types.ScenarioInstance
}

// OpenYAML opens (creating if needed) a YAML store in dir.
func OpenYAML(dir string) (*YAMLStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "definitions"), 0755); err != nil {
		return nil, cerrors.StoreUnavailable("open", fmt.Errorf("creating state dir: %w", err))
	}

	lockPath := filepath.Join(dir, "store.lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, cerrors.StoreUnavailable("open", fmt.Errorf("opening lock file: %w", err))
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, cerrors.StoreUnavailable("open", fmt.Errorf("state dir %s is used by another conductor: %w", dir, err))
	}

	if err := recoverInterruptedWrites(dir); err != nil {
		unlock(lockFile)
		return nil, cerrors.StoreUnavailable("open", fmt.Errorf("recovering interrupted writes: %w", err))
	}

	return &YAMLStore{
		dir:       dir,
		lockFile:  lockFile,
		instances: make(map[string]*yamlEntry),
	}, nil
}

// Close releases the directory lock.
func (s *YAMLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFile == nil {
		return nil
	}
	err := unlock(s.lockFile)
	s.lockFile = nil
	return err
}

func unlock(f *os.File) error {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return f.Close()
}

// recoverInterruptedWrites handles .tmp files left from crashed writes.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")
		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
			continue
		}
		// A temp file without its main file holds the only copy.
		var inst types.ScenarioInstance
		data, err := os.ReadFile(tmpPath)
		if err != nil || yaml.Unmarshal(data, &inst) != nil {
			os.Remove(tmpPath)
			continue
		}
		os.Rename(tmpPath, mainPath)
	}
	return nil
}

func (s *YAMLStore) instancePath(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

func (s *YAMLStore) definitionPath(ref string) string {
	return filepath.Join(s.dir, "definitions", refFileName(ref)+".yaml")
}

// SaveDefinition writes the definition source once per reference.
func (s *YAMLStore) SaveDefinition(ctx context.Context, name string, source []byte) (string, error) {
	ref := DefinitionRef(name, source)
	path := s.definitionPath(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := writeAtomic(path, source); err != nil {
		return "", cerrors.StoreUnavailable("save definition", err)
	}
	return ref, nil
}

// LoadDefinition parses a saved snapshot.
func (s *YAMLStore) LoadDefinition(ctx context.Context, ref string) (*types.ScenarioDefinition, error) {
	data, err := os.ReadFile(s.definitionPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.ScenarioNotFound(ref)
		}
		return nil, cerrors.StoreUnavailable("load definition", err)
	}
	return scenario.Parse(data)
}

// CreateInstance persists a new instance.
func (s *YAMLStore) CreateInstance(ctx context.Context, req CreateRequest) (*types.ScenarioInstance, error) {
	inst := newInstance(req, time.Now())
	if err := s.save(inst); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.instances[inst.ID] = &yamlEntry{inst: inst}
	s.mu.Unlock()
	return inst.Clone(), nil
}

// entry returns the cached entry for id, loading it from disk on first use.
func (s *YAMLStore) entry(id string) (*yamlEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.instances[id]; ok {
		return e, nil
	}

	data, err := os.ReadFile(s.instancePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.InstanceNotFound(id)
		}
		return nil, cerrors.StoreUnavailable("read", err)
	}
	var inst types.ScenarioInstance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return nil, cerrors.StoreUnavailable("read", fmt.Errorf("parsing instance %s: %w", id, err))
	}
	if inst.Functions == nil {
		inst.Functions = make(map[int]*types.FunctionInstance)
	}
	e := &yamlEntry{inst: &inst}
	s.instances[id] = e
	return e, nil
}

// GetInstance returns a snapshot of an instance.
func (s *YAMLStore) GetInstance(ctx context.Context, id string) (*types.ScenarioInstance, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.Clone(), nil
}

// ListInstances reads every instance file in the directory.
func (s *YAMLStore) ListInstances(ctx context.Context, filter Filter) ([]*types.ScenarioInstance, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, cerrors.StoreUnavailable("list", err)
	}

	var out []*types.ScenarioInstance
	for _, entry := range entries {
		name := entry.Name()
		// .yaml.tmp ends in .tmp and is skipped here
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		inst, err := s.GetInstance(ctx, strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		if filter.Match(inst) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// update applies fn to a working copy and persists it. The cached record is
// replaced only after the write succeeded.
func (s *YAMLStore) update(id string, fn func(inst *types.ScenarioInstance) (bool, error)) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.inst.Clone()
	changed, err := fn(working)
	if err != nil || !changed {
		return err
	}
	if err := s.save(working); err != nil {
		return err
	}
	e.inst = working
	return nil
}

// UpdateFunctionStatus moves a function to status.
func (s *YAMLStore) UpdateFunctionStatus(ctx context.Context, instanceID string, functionID int, status types.FunctionStatus, retries int) error {
	now := time.Now()
	return s.update(instanceID, func(inst *types.ScenarioInstance) (bool, error) {
		return applyFunctionStatus(inst, functionID, status, retries, now)
	})
}

// UpdateScenarioStatus moves an instance to status.
func (s *YAMLStore) UpdateScenarioStatus(ctx context.Context, instanceID string, status types.ScenarioStatus) error {
	now := time.Now()
	return s.update(instanceID, func(inst *types.ScenarioInstance) (bool, error) {
		return applyScenarioStatus(inst, status, now)
	})
}

// RecordResult merges payload into the function result.
func (s *YAMLStore) RecordResult(ctx context.Context, instanceID string, functionID int, payload map[string]any) error {
	return s.update(instanceID, func(inst *types.ScenarioInstance) (bool, error) {
		return true, applyResult(inst, functionID, payload)
	})
}

// RecordError appends a failure to the function error list.
func (s *YAMLStore) RecordError(ctx context.Context, instanceID string, functionID int, ferr types.FunctionFailure) error {
	return s.update(instanceID, func(inst *types.ScenarioInstance) (bool, error) {
		return true, applyError(inst, functionID, ferr)
	})
}

func (s *YAMLStore) save(inst *types.ScenarioInstance) error {
	data, err := yaml.Marshal(inst)
	if err != nil {
		return cerrors.StoreUnavailable("write", fmt.Errorf("marshaling instance: %w", err))
	}
	if err := writeAtomic(s.instancePath(inst.ID), data); err != nil {
		return cerrors.StoreUnavailable("write", err)
	}
	return nil
}

// writeAtomic writes data to path through a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

var _ Store = (*YAMLStore)(nil)
