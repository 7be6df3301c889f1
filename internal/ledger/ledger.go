// Package ledger keeps a durable record of batch runs in PostgreSQL: one row
// per window with its bounds, document count, outcome tally and error.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/postgres"
)

// Window statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Schema creates the ledger table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS annotation_windows (
	    id           BIGSERIAL PRIMARY KEY,
	    run_id       TEXT NOT NULL,
	    window_start TIMESTAMPTZ NOT NULL,
	    window_end   TIMESTAMPTZ NOT NULL,
	    incremental  BOOLEAN NOT NULL DEFAULT FALSE,
	    status       TEXT NOT NULL,
	    documents    INTEGER NOT NULL DEFAULT 0,
	    outcomes     JSONB,
	    error        TEXT,
	    started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	    finished_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS annotation_windows_run_idx ON annotation_windows (run_id)`,
}

// Entry is one ledger row.
type Entry struct {
	ID          int64
	RunID       string
	Start       time.Time
	End         time.Time
	Incremental bool
	Status      string
	Documents   int
	Outcomes    map[string]int
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Store implements scheduler.Ledger.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

var _ scheduler.Ledger = (*Store)(nil)

// New creates a ledger store.
func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "ledger"),
	}
}

// Migrate creates the ledger table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, Schema...)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// StartWindow inserts a running row and returns its id.
func (s *Store) StartWindow(ctx context.Context, runID string, w scheduler.Window, incremental bool) (int64, error) {
	var id int64
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO annotation_windows (run_id, window_start, window_end, incremental, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		runID, w.Start.UTC(), w.End.UTC(), incremental, StatusRunning,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("recording window start: %w", err)
	}
	return id, nil
}

// FinishWindow stores the result of window id.
func (s *Store) FinishWindow(ctx context.Context, id int64, res scheduler.WindowResult) error {
	outcomes := make(map[string]int, len(res.Counts))
	for o, n := range res.Counts {
		outcomes[o.String()] = n
	}
	data, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("marshaling outcomes: %w", err)
	}
	status, errText := StatusCompleted, ""
	if res.Err != nil {
		status, errText = StatusFailed, res.Err.Error()
	}
	_, err = s.db.DB.ExecContext(ctx,
		`UPDATE annotation_windows
		 SET status = $1, documents = $2, outcomes = $3, error = NULLIF($4, ''), finished_at = $5
		 WHERE id = $6`,
		status, res.IDs, data, errText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("recording window result: %w", err)
	}
	s.logger.Debug("window recorded", "ledger_id", id, "status", status, "documents", res.IDs)
	return nil
}

// Recent returns the last limit rows, newest first. A non-empty runID
// restricts the listing to one run.
func (s *Store) Recent(ctx context.Context, runID string, limit int) ([]Entry, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, run_id, window_start, window_end, incremental, status, documents,
		        COALESCE(outcomes, '{}'::jsonb), COALESCE(error, ''), started_at, finished_at
		 FROM annotation_windows
		 WHERE $1 = '' OR run_id = $1
		 ORDER BY id DESC LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing windows: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var outcomes []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Start, &e.End, &e.Incremental, &e.Status,
			&e.Documents, &outcomes, &e.Error, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning window row: %w", err)
		}
		if err := json.Unmarshal(outcomes, &e.Outcomes); err != nil {
			s.logger.Warn("skipping corrupt outcome tally", "ledger_id", e.ID, "error", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
