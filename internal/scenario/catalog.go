package scenario

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/types"
)

// Entry is one definition file known to a Catalog.
type Entry struct {
	Name   string
	Path   string
	Source []byte
	Def    *types.ScenarioDefinition // nil when Err is set
	Err    error
}

// Catalog holds the scenario definitions found in a directory.
// Files that fail to parse are kept with their error so that launching
// them reports why.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewCatalog creates a catalog over dir. Call Reload to read it.
func NewCatalog(dir string, logger *slog.Logger) *Catalog {
	return &Catalog{
		dir:     dir,
		logger:  logger,
		entries: make(map[string]*Entry),
	}
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Reload re-reads every definition file. A missing directory yields an
// empty catalog.
func (c *Catalog) Reload() error {
	files, err := os.ReadDir(c.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading definitions dir: %w", err)
	}

	entries := make(map[string]*Entry)
	for _, f := range files {
		if f.IsDir() || !IsDefinitionFile(f.Name()) {
			continue
		}
		path := filepath.Join(c.dir, f.Name())
		e := loadEntry(path)
		if prev, dup := entries[e.Name]; dup {
			c.logger.Warn("duplicate scenario name, keeping first file",
				"scenario", e.Name, "kept", prev.Path, "ignored", path)
			continue
		}
		if e.Err != nil {
			c.logger.Warn("invalid scenario definition", "path", path, "error", e.Err)
		}
		entries[e.Name] = e
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.logger.Debug("definitions reloaded", "dir", c.dir, "count", len(entries))
	return nil
}

func loadEntry(path string) *Entry {
	e := &Entry{Path: path, Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	data, err := os.ReadFile(path)
	if err != nil {
		e.Err = err
		return e
	}
	e.Source = data

	var head struct {
		Name string `yaml:"name"`
	}
	if yaml.Unmarshal(data, &head) == nil && head.Name != "" {
		e.Name = head.Name
	}

	e.Def, e.Err = Parse(data)
	return e
}

// Get returns the parsed definition and its source. A file that failed
// to parse returns its MalformedScenario error.
func (c *Catalog) Get(name string) (*types.ScenarioDefinition, []byte, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, cerrors.ScenarioNotFound(name)
	}
	if e.Err != nil {
		return nil, nil, e.Err
	}
	return e.Def, e.Source, nil
}

// List returns all entries sorted by name.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsDefinitionFile reports whether a file name looks like a definition.
func IsDefinitionFile(name string) bool {
	name = filepath.Base(name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
