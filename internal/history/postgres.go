package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// PostgresMirror mirrors run summaries into a PostgreSQL table for dashboard
// reporting. The JSONL files remain the source of truth; the mirror is
// best-effort.
type PostgresMirror struct {
	pool *sql.DB
}

// NewPostgresMirror connects, applies the schema, and returns the mirror.
func NewPostgresMirror(ctx context.Context, databaseURL string) (*PostgresMirror, error) {
	pool, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(10)
	pool.SetMaxIdleConns(2)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.ExecContext(ctx, migrationSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresMirror{pool: pool}, nil
}

// Close closes the connection pool.
func (m *PostgresMirror) Close() error { return m.pool.Close() }

// InsertRun upserts one run summary. Repeated inserts for the same run_id are
// idempotent so replays after a crash are harmless.
func (m *PostgresMirror) InsertRun(ctx context.Context, sum pipeline.RunSummary) error {
	meta, err := json.Marshal(sum.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = m.pool.ExecContext(ctx, `
		INSERT INTO pipeline_runs
			(run_id, started_at, ended_at, result, failure_reason,
			 stages_executed, stages_failed, retry_count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			result = EXCLUDED.result,
			failure_reason = EXCLUDED.failure_reason,
			stages_executed = EXCLUDED.stages_executed,
			stages_failed = EXCLUDED.stages_failed,
			retry_count = EXCLUDED.retry_count,
			metadata = EXCLUDED.metadata`,
		sum.RunID, sum.StartedAt, sum.EndedAt, string(sum.Result), sum.FailureReason,
		strings.Join(sum.StagesExecuted, ","), strings.Join(sum.StagesFailed, ","),
		sum.RetryCount, string(meta))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    run_id          TEXT PRIMARY KEY,
    started_at      TIMESTAMPTZ NOT NULL,
    ended_at        TIMESTAMPTZ NOT NULL,
    result          TEXT NOT NULL,
    failure_reason  TEXT,
    stages_executed TEXT,
    stages_failed   TEXT,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    metadata        JSONB
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_ended_at ON pipeline_runs (ended_at DESC);
`
