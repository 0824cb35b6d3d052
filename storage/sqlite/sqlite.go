// Package sqlite implements storage.Store on a local SQLite file using the
// pure-Go modernc.org/sqlite driver. Zero CGO required; all writers
// serialize through a single connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/conduit/storage"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. When set, the store logs opening,
// Init (with its duration), and CreateRun (with its step count and
// duration); other operations are not logged. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Store implements storage.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New opens a Store backed by the SQLite file at dbPath. It uses a single
// connection (SetMaxOpenConns(1)) so every caller serializes through one
// connection, eliminating SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is unregistered; the blank
		// import above always registers it.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			instance_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			state TEXT NOT NULL,
			result TEXT,
			PRIMARY KEY (workflow_id, version, instance_id, step_name)
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			instance_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			position INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			instance_id TEXT NOT NULL,
			inputs TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			PRIMARY KEY (workflow_id, version, instance_id)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.logger.Error("sqlite: init failed", "error", err, "duration", time.Since(start))
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun implements storage.Store.
func (s *Store) CreateRun(ctx context.Context, spec storage.RunSpec) error {
	start := time.Now()
	inputsJSON, err := json.Marshal(spec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (workflow_id, version, instance_id, inputs, status) VALUES (?, ?, ?, ?, 'running')`,
		spec.WorkflowID, spec.Version, spec.InstanceID, string(inputsJSON)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, name := range spec.StepNames {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (workflow_id, version, instance_id, step_name, state) VALUES (?, ?, ?, ?, 'pending')`,
			spec.WorkflowID, spec.Version, spec.InstanceID, name); err != nil {
			return fmt.Errorf("insert step %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("sqlite: create run", "instance_id", spec.InstanceID, "steps", len(spec.StepNames), "duration", time.Since(start))
	return nil
}

// Enqueue implements storage.Store.
func (s *Store) Enqueue(ctx context.Context, workflowID string, version int, instanceID, stepName string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE workflow_id = ? AND version = ? AND instance_id = ? AND step_name = ?`,
		workflowID, version, instanceID, stepName).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	var pos int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM queue WHERE workflow_id = ? AND version = ? AND instance_id = ?`,
		workflowID, version, instanceID).Scan(&pos); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue (workflow_id, version, instance_id, step_name, position) VALUES (?, ?, ?, ?, ?)`,
		workflowID, version, instanceID, stepName, pos)
	return err
}

// FetchNext implements storage.Store. It wraps the select-then-delete in a
// BEGIN IMMEDIATE transaction so two concurrent callers against the same
// instance never pop the same row: the second caller blocks on the write
// lock until the first commits or rolls back.
func (s *Store) FetchNext(ctx context.Context, workflowID string, version int, instanceID string) (string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return "", err
	}
	rollback := func() { conn.ExecContext(ctx, `ROLLBACK`) }

	var stepName string
	err = conn.QueryRowContext(ctx,
		`SELECT step_name FROM queue WHERE workflow_id = ? AND version = ? AND instance_id = ? ORDER BY position ASC LIMIT 1`,
		workflowID, version, instanceID).Scan(&stepName)
	if err == sql.ErrNoRows {
		rollback()
		return "", storage.ErrEmpty
	}
	if err != nil {
		rollback()
		return "", err
	}

	if _, err := conn.ExecContext(ctx,
		`DELETE FROM queue WHERE workflow_id = ? AND version = ? AND instance_id = ? AND step_name = ?`,
		workflowID, version, instanceID, stepName); err != nil {
		rollback()
		return "", err
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		rollback()
		return "", err
	}
	return stepName, nil
}

// SetState implements storage.Store.
func (s *Store) SetState(ctx context.Context, workflowID string, version int, instanceID, stepName, state string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET state = ? WHERE workflow_id = ? AND version = ? AND instance_id = ? AND step_name = ?`,
		state, workflowID, version, instanceID, stepName)
	return err
}

// GetState implements storage.Store.
func (s *Store) GetState(ctx context.Context, workflowID string, version int, instanceID, stepName string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM steps WHERE workflow_id = ? AND version = ? AND instance_id = ? AND step_name = ?`,
		workflowID, version, instanceID, stepName).Scan(&state)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	return state, err
}

// GetAllStates implements storage.Store.
func (s *Store) GetAllStates(ctx context.Context, workflowID string, version int, instanceID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_name, state FROM steps WHERE workflow_id = ? AND version = ? AND instance_id = ?`,
		workflowID, version, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, state string
		if err := rows.Scan(&name, &state); err != nil {
			return nil, err
		}
		out[name] = state
	}
	return out, rows.Err()
}

// SetInputs implements storage.Store.
func (s *Store) SetInputs(ctx context.Context, workflowID string, version int, instanceID string, inputs map[string]any) error {
	data, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET inputs = ? WHERE workflow_id = ? AND version = ? AND instance_id = ?`,
		string(data), workflowID, version, instanceID)
	return err
}

// GetInputs implements storage.Store.
func (s *Store) GetInputs(ctx context.Context, workflowID string, version int, instanceID string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT inputs FROM runs WHERE workflow_id = ? AND version = ? AND instance_id = ?`,
		workflowID, version, instanceID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetResult implements storage.Store.
func (s *Store) SetResult(ctx context.Context, workflowID string, version int, instanceID, stepName string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE steps SET result = ? WHERE workflow_id = ? AND version = ? AND instance_id = ? AND step_name = ?`,
		string(data), workflowID, version, instanceID, stepName)
	return err
}

// GetResult implements storage.Store.
func (s *Store) GetResult(ctx context.Context, workflowID string, version int, instanceID, stepName string) (any, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM steps WHERE workflow_id = ? AND version = ? AND instance_id = ? AND step_name = ?`,
		workflowID, version, instanceID, stepName).Scan(&data)
	if err == sql.ErrNoRows || !data.Valid {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal([]byte(data.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAllResults implements storage.Store.
func (s *Store) GetAllResults(ctx context.Context, workflowID string, version int, instanceID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_name, result FROM steps WHERE workflow_id = ? AND version = ? AND instance_id = ? AND result IS NOT NULL`,
		workflowID, version, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}

// FinalizeRun implements storage.Store.
func (s *Store) FinalizeRun(ctx context.Context, workflowID string, version int, instanceID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE workflow_id = ? AND version = ? AND instance_id = ?`,
		status, workflowID, version, instanceID)
	return err
}

// SetConfig implements storage.Store.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// GetConfig implements storage.Store.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	return value, err
}
