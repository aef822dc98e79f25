package workflowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/conductorhq/conductor/pkg/workflow"
)

// SQLConfig holds connection-pool tuning for a SQLStore, mirroring the
// teacher's CockroachConfig defaults.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns the teacher's conservative pool defaults.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore is an optional durable side-store for WorkflowState: a
// write-behind audit log and crash-recovery source, not a replacement
// for the in-memory Store the orchestrator drives nodes against. Rows
// are keyed by run_id, one row per run, upserted on every Put.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens a Postgres/CockroachDB-compatible connection at
// dsn and verifies it with a ping bounded by config.ConnectTimeout.
func NewSQLStore(dsn string, cfg *SQLConfig) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("workflowstore: dsn is required")
	}
	if cfg == nil {
		cfg = DefaultSQLConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflowstore: ping database: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put upserts state, keyed by its RunID.
func (s *SQLStore) Put(ctx context.Context, state *workflow.WorkflowState) error {
	if state == nil {
		return nil
	}
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("workflowstore: marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (run_id, status, updated_at, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE
		SET status = $2, updated_at = $3, body = $4
	`, state.RunID, string(state.Status.State), state.UpdatedAt, body)
	if err != nil {
		return fmt.Errorf("workflowstore: put %s: %w", state.RunID, err)
	}
	return nil
}

// Get returns the persisted state for runID.
func (s *SQLStore) Get(ctx context.Context, runID string) (*workflow.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM workflow_runs WHERE run_id = $1`, runID)

	var body []byte
	if err := row.Scan(&body); err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	} else if err != nil {
		return nil, fmt.Errorf("workflowstore: get %s: %w", runID, err)
	}

	var state workflow.WorkflowState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("workflowstore: unmarshal %s: %w", runID, err)
	}
	return &state, nil
}

// Delete removes runID's persisted row, if any.
func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("workflowstore: delete %s: %w", runID, err)
	}
	return nil
}

// ListTerminalOlderThan returns run IDs whose last-known status was
// terminal and whose updated_at predates cutoff, for a retention sweep
// to delete. Mirrors Store.IterateTerminalOlderThan's selection
// criterion against the durable side-store instead of memory.
func (s *SQLStore) ListTerminalOlderThan(ctx context.Context, terminalStates []string, cutoff time.Time) ([]string, error) {
	if len(terminalStates) == 0 {
		return nil, nil
	}
	placeholders := make([]any, 0, len(terminalStates)+1)
	placeholders = append(placeholders, cutoff)
	query := `SELECT run_id FROM workflow_runs WHERE updated_at < $1 AND status IN (`
	for i, st := range terminalStates {
		if i > 0 {
			query += ", "
		}
		placeholders = append(placeholders, st)
		query += fmt.Sprintf("$%d", len(placeholders))
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: list terminal runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("workflowstore: scan run_id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
