// File: internal/store/store_test.go
package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

func jsonArg(t *testing.T, want string) ArgumentMatcherFunc {
	return func(v interface{}) bool {
		b, ok := v.([]byte)
		if !ok {
			return false
		}
		return assert.JSONEq(t, want, string(b))
	}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJournal(t *testing.T, logger *zap.Logger) (*Journal, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	j, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	j.now = func() time.Time { return fixedNow }
	return j, mockPool
}

func sampleRecord(t *testing.T) agent.StepRecord {
	t.Helper()
	id, err := schemas.ParseElementID("I0")
	require.NoError(t, err)
	fill := agent.DecidedAction{Name: agent.ActionFill, Target: &id, Params: map[string]interface{}{"value": "ada"}}
	return agent.StepRecord{
		Index:           2,
		ActionSpaceHash: "9f2c1e",
		Actions:         []agent.DecidedAction{fill},
		Results:         []agent.ActionResult{{Action: fill, Status: agent.ActionSucceeded}},
		StartedAt:       fixedNow.Add(-time.Second),
		FinishedAt:      fixedNow,
	}
}

func TestNew(t *testing.T) {
	t.Run("propagates ping failure", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	j, mockPool := newJournal(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(schemaDDL)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, j.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordStep(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts the record", func(t *testing.T) {
		j, mockPool := newJournal(t, zap.NewNop())
		rec := sampleRecord(t)

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertStep)).
			WithArgs(
				"task-1", 2, "9f2c1e",
				jsonArg(t, `[{"name":"fill","target_id":"I0","params":{"value":"ada"}}]`),
				pgxmock.AnyArg(),
				false, "", "",
				rec.StartedAt, rec.FinishedAt, fixedNow,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, j.RecordStep(ctx, "task-1", rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rejected decisions store empty arrays", func(t *testing.T) {
		j, mockPool := newJournal(t, zap.NewNop())
		rec := agent.StepRecord{
			Index:        0,
			Feedback:     "unknown action \"teleport\"",
			FeedbackCode: agent.ErrCodeInvalidDecision,
			StartedAt:    fixedNow,
			FinishedAt:   fixedNow,
		}

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertStep)).
			WithArgs(
				"task-1", 0, "", []byte("[]"), []byte("[]"), false,
				"unknown action \"teleport\"", "INVALID_DECISION",
				fixedNow, fixedNow, fixedNow,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, j.RecordStep(ctx, "task-1", rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("wraps database errors", func(t *testing.T) {
		j, mockPool := newJournal(t, zap.NewNop())
		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertStep)).WillReturnError(dbErr)

		err := j.RecordStep(ctx, "task-1", sampleRecord(t))
		assert.ErrorIs(t, err, dbErr)
		assert.Contains(t, err.Error(), "failed to insert step 2 of task task-1")
	})
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	result := &agent.TaskResult{
		TaskID:   "task-9",
		State:    agent.StateTaskComplete,
		Success:  true,
		Payload:  []byte(`{"price":12}`),
		Memory:   "found it",
		History:  []agent.StepRecord{{}, {}},
		Duration: 1500 * time.Millisecond,
	}

	t.Run("commits without rollback noise", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		j, mockPool := newJournal(t, zap.New(core))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("task-9", "TASK_COMPLETE", true, "", "", []byte(`{"price":12}`), "found it", 2, int64(1500), fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, j.RecordOutcome(ctx, result))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, logs.Len(), "a closed transaction should not log a rollback error")
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		j, mockPool := newJournal(t, zap.NewNop())
		dbErr := errors.New("constraint violated")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).WillReturnError(dbErr)
		mockPool.ExpectRollback()

		err := j.RecordOutcome(ctx, result)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("nil result", func(t *testing.T) {
		j, _ := newJournal(t, zap.NewNop())
		assert.Error(t, j.RecordOutcome(ctx, nil))
	})
}

func TestStepsForTask(t *testing.T) {
	j, mockPool := newJournal(t, zap.NewNop())
	rows := mockPool.NewRows([]string{
		"step_index", "action_space_hash", "actions", "results", "interrupted",
		"feedback", "feedback_code", "started_at", "finished_at",
	}).
		AddRow(0, "", []byte(`[]`), []byte(`[]`), false, "bad target", "INVALID_DECISION", fixedNow, fixedNow).
		AddRow(1, "9f2c1e",
			[]byte(`[{"name":"click","target_id":"B0"}]`),
			[]byte(`[{"action":{"name":"click","target_id":"B0"},"status":"succeeded","changed":true}]`),
			true, "", "", fixedNow, fixedNow)

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlStepsForTask)).WithArgs("task-3").WillReturnRows(rows)

	records, err := j.StepsForTask(context.Background(), "task-3")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, agent.ErrCodeInvalidDecision, records[0].FeedbackCode)
	assert.Empty(t, records[0].Actions)

	assert.True(t, records[1].Interrupted)
	require.Len(t, records[1].Actions, 1)
	assert.Equal(t, "click(B0)", records[1].Actions[0].String())
	assert.True(t, records[1].Results[0].Changed)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
