package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/scenario"
	"github.com/openbach-stack/conductor/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS definitions (
	ref        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	source     BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	scenario   TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TEXT NOT NULL,
	document   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS instances_scenario ON instances(scenario);
`

// SQLiteStore keeps instances in a single SQLite database. Each instance is
// one row holding its JSON document; status and scenario are duplicated into
// indexed columns for listing. Every write is a read-modify-write inside one
// transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, cerrors.StoreUnavailable("open", fmt.Errorf("creating database dir: %w", err))
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, cerrors.StoreUnavailable("open", err)
	}
	// A single connection serialises writers inside the process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, cerrors.StoreUnavailable("open", fmt.Errorf("creating schema: %w", err))
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveDefinition stores source under its reference, once.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, name string, source []byte) (string, error) {
	ref := DefinitionRef(name, source)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO definitions (ref, name, source, created_at) VALUES (?, ?, ?, ?)`,
		ref, name, source, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", cerrors.StoreUnavailable("save definition", err)
	}
	return ref, nil
}

// LoadDefinition parses a saved snapshot.
func (s *SQLiteStore) LoadDefinition(ctx context.Context, ref string) (*types.ScenarioDefinition, error) {
	var source []byte
	err := s.db.QueryRowContext(ctx, `SELECT source FROM definitions WHERE ref = ?`, ref).Scan(&source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerrors.ScenarioNotFound(ref)
	}
	if err != nil {
		return nil, cerrors.StoreUnavailable("load definition", err)
	}
	return scenario.Parse(source)
}

// CreateInstance inserts a new instance.
func (s *SQLiteStore) CreateInstance(ctx context.Context, req CreateRequest) (*types.ScenarioInstance, error) {
	inst := newInstance(req, time.Now())
	doc, err := json.Marshal(inst)
	if err != nil {
		return nil, cerrors.StoreUnavailable("create", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, scenario, status, started_at, document) VALUES (?, ?, ?, ?, ?)`,
		inst.ID, inst.Scenario, string(inst.Status), inst.StartedAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return nil, cerrors.StoreUnavailable("create", err)
	}
	return inst.Clone(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner, id string) (*types.ScenarioInstance, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cerrors.InstanceNotFound(id)
		}
		return nil, cerrors.StoreUnavailable("read", err)
	}
	var inst types.ScenarioInstance
	if err := json.Unmarshal([]byte(doc), &inst); err != nil {
		return nil, cerrors.StoreUnavailable("read", fmt.Errorf("decoding instance %s: %w", id, err))
	}
	if inst.Functions == nil {
		inst.Functions = make(map[int]*types.FunctionInstance)
	}
	return &inst, nil
}

// GetInstance returns a snapshot of an instance.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*types.ScenarioInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document FROM instances WHERE id = ?`, id)
	return scanInstance(row, id)
}

// ListInstances returns matching instances, oldest first.
func (s *SQLiteStore) ListInstances(ctx context.Context, filter Filter) ([]*types.ScenarioInstance, error) {
	query := `SELECT id, document FROM instances WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Scenario != "" {
		query += ` AND scenario = ?`
		args = append(args, filter.Scenario)
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerrors.StoreUnavailable("list", err)
	}
	defer rows.Close()

	var out []*types.ScenarioInstance
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, cerrors.StoreUnavailable("list", err)
		}
		var inst types.ScenarioInstance
		if err := json.Unmarshal([]byte(doc), &inst); err != nil {
			continue
		}
		if filter.Match(&inst) {
			out = append(out, &inst)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.StoreUnavailable("list", err)
	}
	return out, nil
}

// update runs fn against the stored document inside a transaction.
func (s *SQLiteStore) update(ctx context.Context, id string, fn func(inst *types.ScenarioInstance) (bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.StoreUnavailable("write", err)
	}
	defer tx.Rollback()

	inst, err := scanInstance(tx.QueryRowContext(ctx, `SELECT document FROM instances WHERE id = ?`, id), id)
	if err != nil {
		return err
	}
	changed, err := fn(inst)
	if err != nil || !changed {
		return err
	}

	doc, err := json.Marshal(inst)
	if err != nil {
		return cerrors.StoreUnavailable("write", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, document = ? WHERE id = ?`,
		string(inst.Status), string(doc), id); err != nil {
		return cerrors.StoreUnavailable("write", err)
	}
	if err := tx.Commit(); err != nil {
		return cerrors.StoreUnavailable("write", err)
	}
	return nil
}

// UpdateFunctionStatus moves a function to status.
func (s *SQLiteStore) UpdateFunctionStatus(ctx context.Context, instanceID string, functionID int, status types.FunctionStatus, retries int) error {
	now := time.Now()
	return s.update(ctx, instanceID, func(inst *types.ScenarioInstance) (bool, error) {
		return applyFunctionStatus(inst, functionID, status, retries, now)
	})
}

// UpdateScenarioStatus moves an instance to status.
func (s *SQLiteStore) UpdateScenarioStatus(ctx context.Context, instanceID string, status types.ScenarioStatus) error {
	now := time.Now()
	return s.update(ctx, instanceID, func(inst *types.ScenarioInstance) (bool, error) {
		return applyScenarioStatus(inst, status, now)
	})
}

// RecordResult merges payload into the function result.
func (s *SQLiteStore) RecordResult(ctx context.Context, instanceID string, functionID int, payload map[string]any) error {
	return s.update(ctx, instanceID, func(inst *types.ScenarioInstance) (bool, error) {
		return true, applyResult(inst, functionID, payload)
	})
}

// RecordError appends a failure to the function error list.
func (s *SQLiteStore) RecordError(ctx context.Context, instanceID string, functionID int, ferr types.FunctionFailure) error {
	return s.update(ctx, instanceID, func(inst *types.ScenarioInstance) (bool, error) {
		return true, applyError(inst, functionID, ferr)
	})
}

var _ Store = (*SQLiteStore)(nil)
