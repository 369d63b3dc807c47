// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS task_runs (
    task_id     TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    success     BOOLEAN NOT NULL,
    code        TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    payload     JSONB,
    memory      TEXT NOT NULL DEFAULT '',
    steps       INTEGER NOT NULL,
    duration_ms BIGINT NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS step_records (
    id                BIGSERIAL PRIMARY KEY,
    task_id           TEXT NOT NULL,
    step_index        INTEGER NOT NULL,
    action_space_hash TEXT NOT NULL,
    actions           JSONB NOT NULL,
    results           JSONB NOT NULL,
    interrupted       BOOLEAN NOT NULL,
    feedback          TEXT NOT NULL DEFAULT '',
    feedback_code     TEXT NOT NULL DEFAULT '',
    started_at        TIMESTAMPTZ NOT NULL,
    finished_at       TIMESTAMPTZ NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    UNIQUE (task_id, step_index)
);
`

const sqlInsertStep = `
INSERT INTO step_records (task_id, step_index, action_space_hash, actions, results, interrupted, feedback, feedback_code, started_at, finished_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (task_id, step_index) DO NOTHING;
`

const sqlUpsertRun = `
INSERT INTO task_runs (task_id, state, success, code, error, payload, memory, steps, duration_ms, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (task_id) DO UPDATE SET
    state = EXCLUDED.state,
    success = EXCLUDED.success,
    code = EXCLUDED.code,
    error = EXCLUDED.error,
    payload = EXCLUDED.payload,
    memory = EXCLUDED.memory,
    steps = EXCLUDED.steps,
    duration_ms = EXCLUDED.duration_ms,
    finished_at = EXCLUDED.finished_at;
`

const sqlStepsForTask = `
SELECT step_index, action_space_hash, actions, results, interrupted, feedback, feedback_code, started_at, finished_at
FROM step_records
WHERE task_id = $1
ORDER BY step_index ASC;
`

// Journal is an append-only Postgres log of step records and task outcomes.
// It implements agent.StepSink.
type Journal struct {
	pool DBPool
	log  *zap.Logger
	// now is swapped in tests.
	now func() time.Time
}

var _ agent.StepSink = (*Journal)(nil)

// New creates a journal and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Journal, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Journal{
		pool: pool,
		log:  logger.Named("journal"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Open connects a pool to dsn and prepares the schema. The returned func
// closes the pool.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Journal, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	j, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := j.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return j, pool.Close, nil
}

// EnsureSchema creates the journal tables when they do not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// RecordStep appends one step. Re-recording the same step index is a no-op.
func (j *Journal) RecordStep(ctx context.Context, taskID string, rec agent.StepRecord) error {
	actions, err := marshalArray(rec.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions for step %d: %w", rec.Index, err)
	}
	results, err := marshalArray(rec.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results for step %d: %w", rec.Index, err)
	}

	_, err = j.pool.Exec(ctx, sqlInsertStep,
		taskID, rec.Index, rec.ActionSpaceHash,
		actions, results, rec.Interrupted,
		rec.Feedback, string(rec.FeedbackCode),
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), j.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step %d of task %s: %w", rec.Index, taskID, err)
	}
	return nil
}

// RecordOutcome stores the terminal result of a task.
func (j *Journal) RecordOutcome(ctx context.Context, result *agent.TaskResult) error {
	if result == nil {
		return errors.New("cannot record a nil task result")
	}

	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			j.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var payload []byte
	if len(result.Payload) > 0 && string(result.Payload) != "null" {
		payload = []byte(result.Payload)
	}

	_, err = tx.Exec(ctx, sqlUpsertRun,
		result.TaskID, string(result.State), result.Success,
		string(result.Code), result.Error, payload, result.Memory,
		len(result.History), result.Duration.Milliseconds(), j.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome of task %s: %w", result.TaskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	j.log.Debug("Task outcome journaled", zap.String("task_id", result.TaskID), zap.Bool("success", result.Success))
	return nil
}

// StepsForTask reads back a task's steps in order.
func (j *Journal) StepsForTask(ctx context.Context, taskID string) ([]agent.StepRecord, error) {
	rows, err := j.pool.Query(ctx, sqlStepsForTask, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var records []agent.StepRecord
	for rows.Next() {
		var (
			rec              agent.StepRecord
			actions, results []byte
			feedbackCode     string
		)
		if err := rows.Scan(
			&rec.Index, &rec.ActionSpaceHash, &actions, &results,
			&rec.Interrupted, &rec.Feedback, &feedbackCode,
			&rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		if err := json.Unmarshal(actions, &rec.Actions); err != nil {
			return nil, fmt.Errorf("failed to decode actions of step %d: %w", rec.Index, err)
		}
		if err := json.Unmarshal(results, &rec.Results); err != nil {
			return nil, fmt.Errorf("failed to decode results of step %d: %w", rec.Index, err)
		}
		rec.FeedbackCode = agent.ErrorCode(feedbackCode)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// marshalArray encodes v, writing an empty JSON array for nil slices so the
// NOT NULL jsonb columns never hold null.
func marshalArray(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}
