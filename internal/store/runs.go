package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// --- Workflows ---

// CreateWorkflow inserts the workflow, its first run with a SCHEDULED event,
// and the run's start task, all in one transaction.
func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *Workflow, startTask TaskFactory) (*WorkflowRun, error) {
	if wf.ID == "" || wf.TypeName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id and type name are required")
	}
	var runID string
	err := s.inTx(ctx, func(t *txn) error {
		var exists int
		err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM workflow WHERE id = ?`, wf.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check workflow: %w", err)
		}
		if exists > 0 {
			return storeConflict("workflow %q already exists", wf.ID)
		}

		wf.CreatedAt = timeOrNow(wf.CreatedAt)
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO workflow (id, type_name, input, created_at) VALUES (?, ?, ?, ?)`,
			wf.ID, wf.TypeName, nullRaw(wf.Input), toMillis(wf.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		runID, err = t.scheduleRun(ctx, wf.ID, startTask)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetWorkflowRun(ctx, runID)
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var input sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type_name, input, created_at FROM workflow WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.TypeName, &input, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Input = rawOrNil(input)
	wf.CreatedAt = fromMillis(createdAt)
	return wf, nil
}

// --- Runs ---

var runSelect = `SELECT r.id, r.workflow_id, r.run_number, r.output, r.failure_reason, r.archived_at, ` +
	eventCols("se") + `, ` + eventCols("st") + `, ` + eventCols("ce") + `
	FROM workflow_run r
	LEFT JOIN event se ON se.id = r.scheduled_event_id
	LEFT JOIN event st ON st.id = r.started_event_id
	LEFT JOIN event ce ON ce.id = r.completed_event_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var output, reason sql.NullString
	var archivedAt sql.NullInt64
	var scheduled, started, completed nullEvent

	dest := []any{&r.ID, &r.WorkflowID, &r.Number, &output, &reason, &archivedAt}
	dest = append(dest, scheduled.dest()...)
	dest = append(dest, started.dest()...)
	dest = append(dest, completed.dest()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	r.Output = rawOrNil(output)
	r.FailureReason = reasonOrNil(reason)
	r.ArchivedAt = timePtr(archivedAt)
	r.ScheduledEvent = scheduled.event(r.ID)
	r.StartedEvent = started.event(r.ID)
	r.CompletedEvent = completed.event(r.ID)
	return r, nil
}

func getRun(ctx context.Context, q querier, runID string) (*WorkflowRun, error) {
	r, err := scanRun(q.QueryRowContext(ctx, runSelect+` WHERE r.id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow run", runID)
	}
	return r, err
}

func getActiveRun(ctx context.Context, q querier, workflowID string) (*WorkflowRun, error) {
	r, err := scanRun(q.QueryRowContext(ctx,
		runSelect+` WHERE r.workflow_id = ? AND r.archived_at IS NULL`, workflowID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active run for workflow", workflowID)
	}
	return r, err
}

func (s *SQLStore) GetWorkflowRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	return getRun(ctx, s.db, runID)
}

func (s *SQLStore) GetActiveRun(ctx context.Context, workflowID string) (*WorkflowRun, error) {
	return getActiveRun(ctx, s.db, workflowID)
}

// GetRunHistory returns every run of the workflow, oldest first.
func (s *SQLStore) GetRunHistory(ctx context.Context, workflowID string) ([]*WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		runSelect+` WHERE r.workflow_id = ? ORDER BY r.run_number ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// scheduleRun creates the next run of a workflow with its SCHEDULED event and
// enqueues the start task.
func (t *txn) scheduleRun(ctx context.Context, workflowID string, startTask TaskFactory) (string, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM workflow_run WHERE workflow_id = ?`, workflowID,
	).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("next run number: %w", err)
	}
	runID := RunID(workflowID, n)

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO workflow_run (id, workflow_id, run_number) VALUES (?, ?, ?)`,
		runID, workflowID, n,
	); err != nil {
		return "", fmt.Errorf("insert workflow run: %w", err)
	}

	e, err := t.appendEvent(ctx, runID, schema.CategoryWorkflow, schema.StatusScheduled, "", time.Time{})
	if err != nil {
		return "", err
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_run SET scheduled_event_id = ? WHERE id = ?`, e.ID, runID,
	); err != nil {
		return "", fmt.Errorf("update scheduled event: %w", err)
	}

	if startTask != nil {
		if _, err := insertTask(ctx, t.tx, startTask(runID)); err != nil {
			return "", err
		}
	}
	return runID, nil
}

// ScheduleNewRun archives the active run and schedules a new one. With
// fromFailure, every successfully terminated step of the archived run is copied
// into the new run with its original timestamps and payload, so replay skips it.
// The archived run's projections must agree with its history; otherwise
// nothing is copied and an INVARIANT_VIOLATION is returned.
func (s *SQLStore) ScheduleNewRun(ctx context.Context, workflowID string, fromFailure bool, startTask TaskFactory) (*WorkflowRun, error) {
	var runID string
	err := s.inTx(ctx, func(t *txn) error {
		current, err := getActiveRun(ctx, t.tx, workflowID)
		if err != nil {
			return err
		}
		if !current.IsTerminal() {
			return storeConflict("run %s of workflow %q has not finished", current.ID, workflowID)
		}

		if _, err := t.tx.ExecContext(ctx,
			`UPDATE workflow_run SET archived_at = ? WHERE id = ?`,
			toMillis(time.Now().UTC()), current.ID,
		); err != nil {
			return fmt.Errorf("archive run: %w", err)
		}

		runID, err = t.scheduleRun(ctx, workflowID, startTask)
		if err != nil {
			return err
		}

		if !fromFailure {
			return nil
		}
		if err := checkProjections(ctx, t.tx, current.ID); err != nil {
			return err
		}
		steps, err := listSteps(ctx, t.tx, current.ID)
		if err != nil {
			return err
		}
		var done []*StepFunction
		for _, step := range steps {
			if step.IsCompleted() {
				done = append(done, step)
			}
		}
		return t.copySteps(ctx, runID, done)
	})
	if err != nil {
		return nil, err
	}
	return s.GetWorkflowRun(ctx, runID)
}

// MarkRunStarted appends WORKFLOW STARTED unless the run already has one.
func (s *SQLStore) MarkRunStarted(ctx context.Context, runID string) (bool, error) {
	started := false
	err := s.inTx(ctx, func(t *txn) error {
		run, err := getRun(ctx, t.tx, runID)
		if err != nil {
			return err
		}
		if run.HasStarted() {
			return nil
		}
		if err := schema.ValidateTransition(schema.CategoryWorkflow, "", runStatus(run), schema.StatusStarted); err != nil {
			return err
		}
		e, err := t.appendEvent(ctx, runID, schema.CategoryWorkflow, schema.StatusStarted, "", time.Time{})
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE workflow_run SET started_event_id = ? WHERE id = ?`, e.ID, runID,
		); err != nil {
			return fmt.Errorf("update started event: %w", err)
		}
		started = true
		return nil
	})
	return started, err
}

// runStatus is the status of the latest workflow event of the run.
func runStatus(r *WorkflowRun) schema.EventStatus {
	for _, e := range []*Event{r.CompletedEvent, r.StartedEvent, r.ScheduledEvent} {
		if e != nil {
			return e.Status
		}
	}
	return schema.StatusNone
}

// CompleteRun appends WORKFLOW COMPLETED and stores the output.
func (s *SQLStore) CompleteRun(ctx context.Context, runID string, output json.RawMessage) error {
	return s.finishRun(ctx, runID, schema.StatusCompleted, output, nil)
}

// FailRun appends WORKFLOW FAILED and stores the structured reason.
func (s *SQLStore) FailRun(ctx context.Context, runID string, reason schema.FailureReason) error {
	return s.finishRun(ctx, runID, schema.StatusFailed, nil, &reason)
}

func (s *SQLStore) finishRun(ctx context.Context, runID string, status schema.EventStatus, output json.RawMessage, reason *schema.FailureReason) error {
	var reasonJSON any
	if reason != nil {
		r, err := marshalReason(*reason)
		if err != nil {
			return err
		}
		reasonJSON = r
	}

	return s.inTx(ctx, func(t *txn) error {
		run, err := getRun(ctx, t.tx, runID)
		if err != nil {
			return err
		}
		if run.IsTerminal() {
			return storeConflict("run %s already finished with %s", runID, run.CompletedEvent.Status)
		}
		if err := schema.ValidateTransition(schema.CategoryWorkflow, "", runStatus(run), status); err != nil {
			return err
		}
		e, err := t.appendEvent(ctx, runID, schema.CategoryWorkflow, status, "", time.Time{})
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx,
			`UPDATE workflow_run SET completed_event_id = ?, output = ?, failure_reason = ? WHERE id = ?`,
			e.ID, nullRaw(output), reasonJSON, runID,
		)
		if err != nil {
			return fmt.Errorf("update completed event: %w", err)
		}
		return nil
	})
}
