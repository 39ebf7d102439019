package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/db"
	"github.com/sells-group/listing-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batch_runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	total_items INTEGER NOT NULL DEFAULT 0,
	summary     JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS batch_results (
	run_id  TEXT NOT NULL REFERENCES batch_runs(id),
	item_id TEXT NOT NULL,
	address TEXT NOT NULL,
	status  TEXT NOT NULL,
	tier    TEXT,
	score   DOUBLE PRECISION,
	error   TEXT,
	PRIMARY KEY (run_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_status ON batch_runs(status);
CREATE INDEX IF NOT EXISTS idx_batch_runs_started ON batch_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_batch_results_run_id ON batch_results(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, sessionID string, mode model.Mode, totalItems int) (*model.BatchRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_runs (id, session_id, mode, status, total_items, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, sessionID, string(mode), string(model.RunStatusRunning), totalItems, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert batch run")
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

var batchResultColumns = []string{"run_id", "item_id", "address", "status", "tier", "score", "error"}

func (s *PostgresStore) CompleteBatch(ctx context.Context, runID string, status model.RunStatus, summary model.Summary, results []model.BatchResult) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_runs SET status = $1, summary = $2, updated_at = $3, finished_at = $4 WHERE id = $5`,
		string(status), summaryJSON, now, now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete batch %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch_run not found: %s", runID)
	}

	rows := make([][]any, 0, len(results))
	for _, r := range results {
		rows = append(rows, []any{runID, r.ItemID, r.Address, string(r.Status), string(r.Tier), r.Score, r.Error})
	}
	if _, err := db.CopyFrom(ctx, s.pool, "batch_results", batchResultColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: copy results for %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, runID string) (*model.BatchRun, []model.BatchResult, error) {
	var r model.BatchRun
	var summaryJSON []byte
	var finishedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, mode, status, total_items, summary, started_at, updated_at, finished_at
		 FROM batch_runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.SessionID, &r.Mode, &r.Status, &r.TotalItems, &summaryJSON, &r.StartedAt, &r.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: get batch %s", runID)
	}
	if summaryJSON != nil {
		r.Summary = &model.Summary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	r.FinishedAt = finishedAt

	rows, err := s.pool.Query(ctx,
		`SELECT run_id, item_id, address, status, tier, score, error
		 FROM batch_results WHERE run_id = $1 ORDER BY address`,
		runID,
	)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: query results")
	}
	defer rows.Close()

	var results []model.BatchResult
	for rows.Next() {
		var br model.BatchResult
		var tier, errMsg *string
		var score *float64
		if err := rows.Scan(&br.RunID, &br.ItemID, &br.Address, &br.Status, &tier, &score, &errMsg); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: scan result")
		}
		if tier != nil {
			br.Tier = model.Tier(*tier)
		}
		if score != nil {
			br.Score = *score
		}
		if errMsg != nil {
			br.Error = *errMsg
		}
		results = append(results, br)
	}
	return &r, results, eris.Wrap(rows.Err(), "postgres: iterate results")
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchRun, error) {
	query := `SELECT id, session_id, mode, status, total_items, summary, started_at, updated_at, finished_at
	          FROM batch_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Mode != "" {
		query += fmt.Sprintf(` AND mode = $%d`, argIdx)
		args = append(args, string(filter.Mode))
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		var r model.BatchRun
		var summaryJSON []byte
		var finishedAt *time.Time
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Mode, &r.Status, &r.TotalItems,
			&summaryJSON, &r.StartedAt, &r.UpdatedAt, &finishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch run")
		}
		if summaryJSON != nil {
			r.Summary = &model.Summary{}
			if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal summary")
			}
		}
		r.FinishedAt = finishedAt
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

// IsNotFound reports whether the error is a missing-row lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
