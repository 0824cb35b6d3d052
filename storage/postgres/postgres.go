// Package postgres implements storage.Store on PostgreSQL using pgx. It
// accepts an externally-owned *pgxpool.Pool: the caller creates and closes
// the pool. FetchNext uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never race for the same queued step.
package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conduit/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			instance_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			state TEXT NOT NULL,
			result JSONB,
			PRIMARY KEY (workflow_id, version, instance_id, step_name)
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			instance_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			UNIQUE (workflow_id, version, instance_id, step_name)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			instance_id TEXT NOT NULL,
			inputs JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			PRIMARY KEY (workflow_id, version, instance_id)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// Close does not release the pool. The pool is owned by the caller; Close
// is a no-op so a shared pool outlives this Store.
func (s *Store) Close() error { return nil }

// CreateRun implements storage.Store.
func (s *Store) CreateRun(ctx context.Context, spec storage.RunSpec) error {
	inputsJSON, err := json.Marshal(spec.Inputs)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (workflow_id, version, instance_id, inputs, status) VALUES ($1, $2, $3, $4, 'running')`,
		spec.WorkflowID, spec.Version, spec.InstanceID, inputsJSON); err != nil {
		return err
	}

	for _, name := range spec.StepNames {
		if _, err := tx.Exec(ctx,
			`INSERT INTO steps (workflow_id, version, instance_id, step_name, state) VALUES ($1, $2, $3, $4, 'pending')`,
			spec.WorkflowID, spec.Version, spec.InstanceID, name); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Enqueue implements storage.Store.
func (s *Store) Enqueue(ctx context.Context, workflowID string, version int, instanceID, stepName string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue (workflow_id, version, instance_id, step_name) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workflow_id, version, instance_id, step_name) DO NOTHING`,
		workflowID, version, instanceID, stepName)
	return err
}

// FetchNext implements storage.Store. SKIP LOCKED lets concurrent workers
// each claim a distinct row without blocking on one another.
func (s *Store) FetchNext(ctx context.Context, workflowID string, version int, instanceID string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var id int64
	var stepName string
	err = tx.QueryRow(ctx,
		`SELECT id, step_name FROM queue
		 WHERE workflow_id = $1 AND version = $2 AND instance_id = $3
		 ORDER BY id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`,
		workflowID, version, instanceID).Scan(&id, &stepName)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrEmpty
	}
	if err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM queue WHERE id = $1`, id); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return stepName, nil
}

// SetState implements storage.Store.
func (s *Store) SetState(ctx context.Context, workflowID string, version int, instanceID, stepName, state string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE steps SET state = $1 WHERE workflow_id = $2 AND version = $3 AND instance_id = $4 AND step_name = $5`,
		state, workflowID, version, instanceID, stepName)
	return err
}

// GetState implements storage.Store.
func (s *Store) GetState(ctx context.Context, workflowID string, version int, instanceID, stepName string) (string, error) {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM steps WHERE workflow_id = $1 AND version = $2 AND instance_id = $3 AND step_name = $4`,
		workflowID, version, instanceID, stepName).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	return state, err
}

// GetAllStates implements storage.Store.
func (s *Store) GetAllStates(ctx context.Context, workflowID string, version int, instanceID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT step_name, state FROM steps WHERE workflow_id = $1 AND version = $2 AND instance_id = $3`,
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
	_, err = s.pool.Exec(ctx,
		`UPDATE runs SET inputs = $1 WHERE workflow_id = $2 AND version = $3 AND instance_id = $4`,
		data, workflowID, version, instanceID)
	return err
}

// GetInputs implements storage.Store.
func (s *Store) GetInputs(ctx context.Context, workflowID string, version int, instanceID string) (map[string]any, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT inputs FROM runs WHERE workflow_id = $1 AND version = $2 AND instance_id = $3`,
		workflowID, version, instanceID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`UPDATE steps SET result = $1 WHERE workflow_id = $2 AND version = $3 AND instance_id = $4 AND step_name = $5`,
		data, workflowID, version, instanceID, stepName)
	return err
}

// GetResult implements storage.Store.
func (s *Store) GetResult(ctx context.Context, workflowID string, version int, instanceID, stepName string) (any, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM steps WHERE workflow_id = $1 AND version = $2 AND instance_id = $3 AND step_name = $4`,
		workflowID, version, instanceID, stepName).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) || data == nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAllResults implements storage.Store.
func (s *Store) GetAllResults(ctx context.Context, workflowID string, version int, instanceID string) (map[string]any, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT step_name, result FROM steps WHERE workflow_id = $1 AND version = $2 AND instance_id = $3 AND result IS NOT NULL`,
		workflowID, version, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}

// FinalizeRun implements storage.Store.
func (s *Store) FinalizeRun(ctx context.Context, workflowID string, version int, instanceID, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1 WHERE workflow_id = $2 AND version = $3 AND instance_id = $4`,
		status, workflowID, version, instanceID)
	return err
}

// SetConfig implements storage.Store.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// GetConfig implements storage.Store.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	return value, err
}
