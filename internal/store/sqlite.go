package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/listing-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batch_runs (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	total_items INTEGER NOT NULL DEFAULT 0,
	summary     TEXT,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS batch_results (
	run_id  TEXT NOT NULL REFERENCES batch_runs(id),
	item_id TEXT NOT NULL,
	address TEXT NOT NULL,
	status  TEXT NOT NULL,
	tier    TEXT,
	score   REAL,
	error   TEXT,
	PRIMARY KEY (run_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_status ON batch_runs(status);
CREATE INDEX IF NOT EXISTS idx_batch_runs_started ON batch_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_batch_results_run_id ON batch_results(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, sessionID string, mode model.Mode, totalItems int) (*model.BatchRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, session_id, mode, status, total_items, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, string(mode), string(model.RunStatusRunning), totalItems, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert batch run")
	}

	return &model.BatchRun{
		ID:         id,
		SessionID:  sessionID,
		Mode:       mode,
		Status:     model.RunStatusRunning,
		TotalItems: totalItems,
		StartedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *SQLiteStore) CompleteBatch(ctx context.Context, runID string, status model.RunStatus, summary model.Summary, results []model.BatchResult) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin complete batch")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE batch_runs SET status = ?, summary = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
		string(status), string(summaryJSON), now, now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete batch %s", runID)
	}
	if err := checkRowsAffected(res, "batch_run", runID); err != nil {
		return err
	}

	for _, r := range results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_results (run_id, item_id, address, status, tier, score, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, item_id) DO UPDATE SET status = excluded.status,
			   tier = excluded.tier, score = excluded.score, error = excluded.error`,
			runID, r.ItemID, r.Address, string(r.Status), string(r.Tier), r.Score, r.Error,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert result %s", r.ItemID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit complete batch")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, runID string) (*model.BatchRun, []model.BatchResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, mode, status, total_items, summary, started_at, updated_at, finished_at
		 FROM batch_runs WHERE id = ?`,
		runID,
	)
	run, err := scanBatchRun(row)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, item_id, address, status, tier, score, error
		 FROM batch_results WHERE run_id = ? ORDER BY address`,
		runID,
	)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: query results")
	}
	defer rows.Close()

	var results []model.BatchResult
	for rows.Next() {
		var r model.BatchResult
		var tier, errMsg sql.NullString
		var score sql.NullFloat64
		if err := rows.Scan(&r.RunID, &r.ItemID, &r.Address, &r.Status, &tier, &score, &errMsg); err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: scan result")
		}
		r.Tier = model.Tier(tier.String)
		r.Score = score.Float64
		r.Error = errMsg.String
		results = append(results, r)
	}
	return run, results, eris.Wrap(rows.Err(), "sqlite: iterate results")
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchRun, error) {
	query := `SELECT id, session_id, mode, status, total_items, summary, started_at, updated_at, finished_at
	          FROM batch_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(filter.Mode))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		r, err := scanBatchRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatchRun(row scannable) (*model.BatchRun, error) {
	var r model.BatchRun
	var summaryJSON sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&r.ID, &r.SessionID, &r.Mode, &r.Status, &r.TotalItems,
		&summaryJSON, &r.StartedAt, &r.UpdatedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("batch run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan batch run")
	}

	if summaryJSON.Valid {
		r.Summary = &model.Summary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
