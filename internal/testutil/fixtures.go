// Package testutil provides fixtures, fakes and assertions shared by the
// conductor's tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openbach-stack/conductor/internal/config"
	"github.com/openbach-stack/conductor/internal/scenario"
	"github.com/openbach-stack/conductor/internal/store"
	"github.com/openbach-stack/conductor/internal/types"
)

// NewTestConfig returns a configuration rooted in a temporary directory,
// with short timeouts so failure paths finish quickly.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.DefinitionsDir = filepath.Join(dir, "scenarios")
	cfg.Paths.StateDir = filepath.Join(dir, "instances")
	cfg.Paths.LogsDir = filepath.Join(dir, "logs")
	cfg.Paths.Socket = filepath.Join(dir, "conductor.sock")
	cfg.Store.SQLitePath = filepath.Join(dir, "instances.db")
	cfg.Agents.DialTimeout = 200 * time.Millisecond
	cfg.Agents.CallTimeout = time.Second
	cfg.Retry.DefaultDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 100 * time.Millisecond
	cfg.Scheduler.StopTimeout = time.Second
	cfg.Logging.Level = config.LogLevelDebug

	if err := os.MkdirAll(cfg.Paths.DefinitionsDir, 0755); err != nil {
		t.Fatalf("creating definitions dir: %v", err)
	}
	return cfg
}

// NewTestStore opens a YAML store in a temporary directory.
func NewTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenYAML(t.TempDir())
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// ParseScenario parses a definition or fails the test.
func ParseScenario(t *testing.T, source string) *types.ScenarioDefinition {
	t.Helper()
	def, err := scenario.Parse([]byte(source))
	if err != nil {
		t.Fatalf("parsing scenario: %v", err)
	}
	return def
}

// WriteScenario writes source to dir/name and returns the path.
func WriteScenario(t *testing.T, dir, name, source string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		t.Fatalf("writing scenario %s: %v", name, err)
	}
	return path
}

// CreateInstance saves def and creates an instance of it.
func CreateInstance(t *testing.T, st store.Store, source string, args map[string]string) (*types.ScenarioInstance, *types.ScenarioDefinition) {
	t.Helper()
	def := ParseScenario(t, source)
	ctx := t.Context()
	ref, err := st.SaveDefinition(ctx, def.Name, []byte(source))
	if err != nil {
		t.Fatalf("saving definition: %v", err)
	}
	inst, err := st.CreateInstance(ctx, store.CreateRequest{DefinitionRef: ref, Definition: def, Arguments: args})
	if err != nil {
		t.Fatalf("creating instance: %v", err)
	}
	return inst, def
}
