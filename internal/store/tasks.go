package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

// SignalPayload is carried by a signal_workflow task.
type SignalPayload struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StepPayload names the sleep or condition a task belongs to.
type StepPayload struct {
	StepID string `json:"step_id"`
}

// NewStartWorkflowTask starts a run. Its id is "workflow::<runId>".
func NewStartWorkflowTask(runID string) *Task {
	return &Task{ID: "workflow::" + runID, Kind: schema.TaskStartWorkflow, RunID: runID}
}

// NewSignalTask delivers a signal value. Its id is "signal::<runId>::<name>",
// so a second delivery of the same signal is dropped while the first is queued.
func NewSignalTask(runID, name string, value json.RawMessage) *Task {
	payload, _ := json.Marshal(SignalPayload{Name: name, Value: value})
	return &Task{
		ID:      fmt.Sprintf("signal::%s::%s", runID, name),
		Kind:    schema.TaskSignalWorkflow,
		RunID:   runID,
		Payload: payload,
	}
}

// NewSleepTask wakes a sleep at due. Its id is "sleep::<runId>::<sleepId>".
func NewSleepTask(runID, sleepID string, due time.Time) *Task {
	payload, _ := json.Marshal(StepPayload{StepID: sleepID})
	return &Task{
		ID:      fmt.Sprintf("sleep::%s::%s", runID, sleepID),
		Kind:    schema.TaskCompleteSleep,
		RunID:   runID,
		Payload: payload,
		DueAt:   due,
	}
}

// NewResumeTask re-evaluates a condition at due. Each evaluation gets a fresh
// id "<runId>::<conditionId>::<uuid>".
func NewResumeTask(runID, conditionID string, due time.Time) *Task {
	payload, _ := json.Marshal(StepPayload{StepID: conditionID})
	return &Task{
		ID:      fmt.Sprintf("%s::%s::%s", runID, conditionID, uuid.New().String()),
		Kind:    schema.TaskResumeWorkflow,
		RunID:   runID,
		Payload: payload,
		DueAt:   due,
	}
}

// insertTask adds a task unless one with the same id is already queued.
func insertTask(ctx context.Context, q querier, task *Task) (bool, error) {
	if task.ID == "" || task.Kind == "" || task.RunID == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "task id, kind and run id are required")
	}
	task.CreatedAt = timeOrNow(task.CreatedAt)
	task.DueAt = timeOrNow(task.DueAt)
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO task (id, kind, run_id, payload, due_at, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		task.ID, string(task.Kind), task.RunID, nullRaw(task.Payload), toMillis(task.DueAt), toMillis(task.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EnqueueTask queues a task. It returns false when a task with the same id is
// already pending.
func (s *SQLStore) EnqueueTask(ctx context.Context, task *Task) (bool, error) {
	return insertTask(ctx, s.db, task)
}

const taskCols = `id, kind, run_id, payload, due_at, attempts, last_error, created_at`

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var kind string
	var payload, lastErr sql.NullString
	var dueAt, createdAt int64
	if err := row.Scan(&t.ID, &kind, &t.RunID, &payload, &dueAt, &t.Attempts, &lastErr, &createdAt); err != nil {
		return nil, err
	}
	t.Kind = schema.TaskKind(kind)
	t.Payload = rawOrNil(payload)
	t.DueAt = fromMillis(dueAt)
	t.LastError = lastErr.String
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM task WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

// ClaimDueTasks leases up to limit tasks due at now. A leased task is invisible
// to other claims until the lease expires, so a crashed worker's task is retried.
func (s *SQLStore) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 1
	}
	nowMs := toMillis(now)
	var claimed []*Task
	err := s.inTx(ctx, func(t *txn) error {
		rows, err := t.tx.QueryContext(ctx,
			`SELECT `+taskCols+` FROM task
			 WHERE due_at <= ? AND (claimed_until IS NULL OR claimed_until < ?)
			 ORDER BY due_at ASC, created_at ASC LIMIT ?`,
			nowMs, nowMs, limit,
		)
		if err != nil {
			return fmt.Errorf("select due tasks: %w", err)
		}
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, task)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		until := toMillis(now.Add(lease))
		for _, task := range claimed {
			if _, err := t.tx.ExecContext(ctx,
				`UPDATE task SET claimed_until = ? WHERE id = ?`, until, task.ID,
			); err != nil {
				return fmt.Errorf("claim task %s: %w", task.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask removes a task after its handler succeeded.
func (s *SQLStore) CompleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

// ReleaseTask returns a failed task to the queue for another attempt at nextDue.
func (s *SQLStore) ReleaseTask(ctx context.Context, id string, nextDue time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task SET due_at = ?, attempts = attempts + 1, last_error = ?, claimed_until = NULL WHERE id = ?`,
		toMillis(nextDue), nullStr(lastErr), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}
