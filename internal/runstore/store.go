// Package runstore keeps the history of cell and batch run outcomes in SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/logging"
)

// Store provides SQLite-backed outcome persistence
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (and migrates) the database at dbPath
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases whole and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, logger: logging.OrNop(logger)}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts a cell run outcome
func (s *Store) SaveRun(o domain.RunOutcome) error {
	_, err := s.db.Exec(`
		INSERT INTO cell_runs (id, cell_id, batch_id, outcome, started_at, duration_ms, line_count, action_calls)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			duration_ms = excluded.duration_ms
	`,
		o.RunID,
		o.CellID,
		nullable(o.BatchID),
		string(o.Outcome),
		o.StartedAt.UTC(),
		o.DurationMs,
		o.LineCount,
		o.ActionCallCount,
	)
	return err
}

// SaveBatch inserts a batch run outcome
func (s *Store) SaveBatch(o domain.BatchOutcome) error {
	idsJSON, err := json.Marshal(o.CellIDs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO batch_runs (id, cell_ids, outcome, started_at, duration_ms, succeeded, failed, aborted, restarts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			duration_ms = excluded.duration_ms,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			aborted = excluded.aborted,
			restarts = excluded.restarts
	`,
		o.RunID,
		string(idsJSON),
		string(o.Outcome),
		o.StartedAt.UTC(),
		o.DurationMs,
		o.Succeeded,
		o.Failed,
		o.Aborted,
		o.Restarts,
	)
	return err
}

// RecordRun persists a run outcome, logging failures
func (s *Store) RecordRun(o domain.RunOutcome) {
	if err := s.SaveRun(o); err != nil {
		s.logger.Error("saving run outcome", zap.String("run", o.RunID), zap.Error(err))
	}
}

// RecordBatch persists a batch outcome, logging failures
func (s *Store) RecordBatch(o domain.BatchOutcome) {
	if err := s.SaveBatch(o); err != nil {
		s.logger.Error("saving batch outcome", zap.String("batch", o.RunID), zap.Error(err))
	}
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	CellID  string
	BatchID string
	Outcome domain.Outcome
	Limit   int
}

// ListRuns returns run outcomes, newest first
func (s *Store) ListRuns(opts ListOptions) ([]domain.RunOutcome, error) {
	query := `SELECT id, cell_id, batch_id, outcome, started_at, duration_ms, line_count, action_calls FROM cell_runs WHERE 1=1`
	var args []interface{}

	if opts.CellID != "" {
		query += " AND cell_id = ?"
		args = append(args, opts.CellID)
	}
	if opts.BatchID != "" {
		query += " AND batch_id = ?"
		args = append(args, opts.BatchID)
	}
	if opts.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}

	query += " ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunOutcome
	for rows.Next() {
		var o domain.RunOutcome
		var batchID sql.NullString
		var outcome string
		if err := rows.Scan(&o.RunID, &o.CellID, &batchID, &outcome, &o.StartedAt, &o.DurationMs, &o.LineCount, &o.ActionCallCount); err != nil {
			return nil, err
		}
		o.BatchID = batchID.String
		o.Outcome = domain.Outcome(outcome)
		runs = append(runs, o)
	}
	return runs, rows.Err()
}

// ListBatches returns the most recent batch outcomes, newest first
func (s *Store) ListBatches(limit int) ([]domain.BatchOutcome, error) {
	query := `SELECT id, cell_ids, outcome, started_at, duration_ms, succeeded, failed, aborted, restarts FROM batch_runs ORDER BY started_at DESC, id`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.BatchOutcome
	for rows.Next() {
		var o domain.BatchOutcome
		var idsJSON, outcome string
		if err := rows.Scan(&o.RunID, &idsJSON, &outcome, &o.StartedAt, &o.DurationMs, &o.Succeeded, &o.Failed, &o.Aborted, &o.Restarts); err != nil {
			return nil, err
		}
		if idsJSON != "" && idsJSON != "null" {
			if err := json.Unmarshal([]byte(idsJSON), &o.CellIDs); err != nil {
				return nil, err
			}
		}
		o.Outcome = domain.Outcome(outcome)
		batches = append(batches, o)
	}
	return batches, rows.Err()
}

// Stats summarizes run history per outcome
func (s *Store) Stats() (map[domain.Outcome]int, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM cell_runs GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		stats[domain.Outcome(outcome)] = n
	}
	return stats, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
