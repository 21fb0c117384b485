package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

var stepSelect = `SELECT s.run_id, s.step_id, s.category, s.payload, s.failure_reason, s.duration_ms, s.suspended, ` +
	eventCols("se") + `, ` + eventCols("ce") + `
	FROM run_step s
	LEFT JOIN event se ON se.id = s.started_event_id
	LEFT JOIN event ce ON ce.id = s.completed_event_id`

func scanStep(row rowScanner) (*StepFunction, error) {
	sf := &StepFunction{}
	var category string
	var payload, reason sql.NullString
	var durationMs sql.NullInt64
	var suspended int
	var started, completed nullEvent

	dest := []any{&sf.RunID, &sf.StepID, &category, &payload, &reason, &durationMs, &suspended}
	dest = append(dest, started.dest()...)
	dest = append(dest, completed.dest()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	sf.Category = schema.Category(category)
	sf.Payload = rawOrNil(payload)
	sf.FailureReason = reasonOrNil(reason)
	sf.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	sf.Suspended = suspended != 0
	sf.StartedEvent = started.event(sf.RunID)
	sf.CompletedEvent = completed.event(sf.RunID)
	return sf, nil
}

func getStep(ctx context.Context, q querier, runID string, category schema.Category, stepID string) (*StepFunction, error) {
	sf, err := scanStep(q.QueryRowContext(ctx,
		stepSelect+` WHERE s.run_id = ? AND s.category = ? AND s.step_id = ?`,
		runID, string(category), stepID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound(fmt.Sprintf("%s step", category), runID+"/"+stepID)
	}
	return sf, err
}

// listSteps returns a run's steps in the order they first appeared in history.
func listSteps(ctx context.Context, q querier, runID string) ([]*StepFunction, error) {
	rows, err := q.QueryContext(ctx,
		stepSelect+` WHERE s.run_id = ? ORDER BY COALESCE(se.sequence, ce.sequence) ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepFunction
	for rows.Next() {
		sf, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, sf)
	}
	return steps, rows.Err()
}

func (s *SQLStore) GetStepFunction(ctx context.Context, runID string, category schema.Category, stepID string) (*StepFunction, error) {
	return getStep(ctx, s.db, runID, category, stepID)
}

func (s *SQLStore) ListRunSteps(ctx context.Context, runID string) ([]*StepFunction, error) {
	return listSteps(ctx, s.db, runID)
}

// stepTables maps a step category to its projection table.
var stepTables = map[schema.Category]string{
	schema.CategoryActivity:  "activity",
	schema.CategorySignal:    "signal",
	schema.CategorySleep:     "sleep",
	schema.CategoryCondition: `"condition"`,
}

// openStep appends the step's first event and inserts its projection row.
// extraCols/extraArgs carry the type-specific payload.
func (t *txn) openStep(ctx context.Context, runID string, category schema.Category, status schema.EventStatus, stepID string, ts time.Time, extraCols string, extraArgs ...any) (*Event, error) {
	if _, err := getStep(ctx, t.tx, runID, category, stepID); err == nil {
		return nil, storeConflict("%s step %q of run %s already exists", category, stepID, runID)
	} else if !schema.IsNotFound(err) {
		return nil, err
	}
	if err := schema.ValidateTransition(category, stepID, schema.StatusNone, status); err != nil {
		return nil, err
	}

	e, err := t.appendEvent(ctx, runID, category, status, stepID, ts)
	if err != nil {
		return nil, err
	}
	cols := "run_id, step_id, started_event_id"
	args := []any{runID, stepID, e.ID}
	placeholders := "?, ?, ?"
	if extraCols != "" {
		cols += ", " + extraCols
		for range extraArgs {
			placeholders += ", ?"
		}
		args = append(args, extraArgs...)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, stepTables[category], cols, placeholders)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert %s step: %w", category, err)
	}
	return e, nil
}

// closeStep appends the step's terminal event and points the projection row at
// it. It returns false without writing when the step already terminated.
// setCols is an optional "col = ?, ..." fragment with its args.
func (t *txn) closeStep(ctx context.Context, runID string, category schema.Category, status schema.EventStatus, stepID string, ts time.Time, setCols string, setArgs ...any) (bool, error) {
	sf, err := getStep(ctx, t.tx, runID, category, stepID)
	if err != nil {
		return false, err
	}
	if sf.IsTerminal() {
		return false, nil
	}
	from := schema.StatusNone
	if sf.StartedEvent != nil {
		from = sf.StartedEvent.Status
	}
	if err := schema.ValidateTransition(category, stepID, from, status); err != nil {
		return false, err
	}
	e, err := t.appendEvent(ctx, runID, category, status, stepID, ts)
	if err != nil {
		return false, err
	}
	set := "completed_event_id = ?"
	args := []any{e.ID}
	if setCols != "" {
		set += ", " + setCols
		args = append(args, setArgs...)
	}
	args = append(args, runID, stepID)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE run_id = ? AND step_id = ?`, stepTables[category], set)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("update %s step: %w", category, err)
	}
	return true, nil
}

// --- Activities ---

func (s *SQLStore) StartActivity(ctx context.Context, runID, stepID string) error {
	return s.inTx(ctx, func(t *txn) error {
		_, err := t.openStep(ctx, runID, schema.CategoryActivity, schema.StatusStarted, stepID, time.Time{}, "")
		return err
	})
}

func (s *SQLStore) CompleteActivity(ctx context.Context, runID, stepID string, output json.RawMessage) error {
	return s.inTx(ctx, func(t *txn) error {
		ok, err := t.closeStep(ctx, runID, schema.CategoryActivity, schema.StatusCompleted, stepID, time.Time{},
			"output = ?, suspended = 0", nullRaw(output))
		if err == nil && !ok {
			return storeConflict("activity %q of run %s already finished", stepID, runID)
		}
		return err
	})
}

func (s *SQLStore) FailActivity(ctx context.Context, runID, stepID string, reason schema.FailureReason) error {
	reasonJSON, err := marshalReason(reason)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(t *txn) error {
		ok, err := t.closeStep(ctx, runID, schema.CategoryActivity, schema.StatusFailed, stepID, time.Time{},
			"failure_reason = ?, suspended = 0", reasonJSON)
		if err == nil && !ok {
			return storeConflict("activity %q of run %s already finished", stepID, runID)
		}
		return err
	})
}

// MarkActivitySuspended flags an unfinished activity whose body suspended, so
// the next replay pass re-enters it instead of treating it as abandoned.
func (s *SQLStore) MarkActivitySuspended(ctx context.Context, runID, stepID string, suspended bool) error {
	flag := 0
	if suspended {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE activity SET suspended = ? WHERE run_id = ? AND step_id = ? AND completed_event_id IS NULL`,
		flag, runID, stepID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "running activity", runID+"/"+stepID)
}

// --- Sleeps ---

// StartSleep records the sleep and enqueues its wake-up task atomically.
func (s *SQLStore) StartSleep(ctx context.Context, runID, stepID string, d time.Duration, wake *Task) error {
	return s.inTx(ctx, func(t *txn) error {
		if _, err := t.openStep(ctx, runID, schema.CategorySleep, schema.StatusStarted, stepID, time.Time{},
			"duration_ms", d.Milliseconds()); err != nil {
			return err
		}
		if wake == nil {
			return nil
		}
		_, err := insertTask(ctx, t.tx, wake)
		return err
	})
}

func (s *SQLStore) CompleteSleep(ctx context.Context, runID, stepID string) (bool, error) {
	var done bool
	err := s.inTx(ctx, func(t *txn) error {
		var err error
		done, err = t.closeStep(ctx, runID, schema.CategorySleep, schema.StatusCompleted, stepID, time.Time{}, "")
		return err
	})
	return done, err
}

// --- Signals ---

func (s *SQLStore) WaitForSignal(ctx context.Context, runID, name string) error {
	return s.inTx(ctx, func(t *txn) error {
		_, err := t.openStep(ctx, runID, schema.CategorySignal, schema.StatusWaiting, name, time.Time{}, "")
		return err
	})
}

// ReceiveSignal records the signal value. A signal that arrives before the
// workflow waits on it is recorded without a WAITING event. Returns false if
// the signal was already received; the first value wins.
func (s *SQLStore) ReceiveSignal(ctx context.Context, runID, name string, value json.RawMessage) (bool, error) {
	var received bool
	err := s.inTx(ctx, func(t *txn) error {
		_, err := getStep(ctx, t.tx, runID, schema.CategorySignal, name)
		if schema.IsNotFound(err) {
			e, err := t.appendEvent(ctx, runID, schema.CategorySignal, schema.StatusReceived, name, time.Time{})
			if err != nil {
				return err
			}
			if _, err := t.tx.ExecContext(ctx,
				`INSERT INTO signal (run_id, step_id, completed_event_id, value) VALUES (?, ?, ?, ?)`,
				runID, name, e.ID, nullRaw(value),
			); err != nil {
				return fmt.Errorf("insert signal step: %w", err)
			}
			received = true
			return nil
		}
		if err != nil {
			return err
		}
		received, err = t.closeStep(ctx, runID, schema.CategorySignal, schema.StatusReceived, name, time.Time{},
			"value = ?", nullRaw(value))
		return err
	})
	return received, err
}

// --- Conditions ---

func (s *SQLStore) WaitForCondition(ctx context.Context, runID, stepID string) error {
	return s.inTx(ctx, func(t *txn) error {
		_, err := t.openStep(ctx, runID, schema.CategoryCondition, schema.StatusWaiting, stepID, time.Time{}, "")
		return err
	})
}

func (s *SQLStore) SatisfyCondition(ctx context.Context, runID, stepID string) error {
	return s.inTx(ctx, func(t *txn) error {
		_, err := t.closeStep(ctx, runID, schema.CategoryCondition, schema.StatusSatisfied, stepID, time.Time{}, "")
		return err
	})
}

func (s *SQLStore) FailCondition(ctx context.Context, runID, stepID string, reason schema.FailureReason) error {
	reasonJSON, err := marshalReason(reason)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(t *txn) error {
		_, err := t.closeStep(ctx, runID, schema.CategoryCondition, schema.StatusFailed, stepID, time.Time{},
			"failure_reason = ?", reasonJSON)
		return err
	})
}

// --- Re-run copy ---

// copySteps re-creates terminated steps in another run. Their events are
// appended in the order they were originally recorded, keeping statuses,
// timestamps and payloads.
func (t *txn) copySteps(ctx context.Context, runID string, steps []*StepFunction) error {
	type copied struct {
		src  *Event
		step *StepFunction
	}
	var events []copied
	for _, sf := range steps {
		if sf.StartedEvent != nil {
			events = append(events, copied{sf.StartedEvent, sf})
		}
		events = append(events, copied{sf.CompletedEvent, sf})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].src.Sequence < events[j].src.Sequence })

	ids := make(map[*Event]string, len(events))
	for _, c := range events {
		e, err := t.appendEvent(ctx, runID, c.step.Category, c.src.Status, c.step.StepID, c.src.Timestamp)
		if err != nil {
			return err
		}
		ids[c.src] = e.ID
	}

	for _, sf := range steps {
		var startedID any
		if sf.StartedEvent != nil {
			startedID = ids[sf.StartedEvent]
		}
		if err := t.insertCopiedStep(ctx, runID, sf, startedID, ids[sf.CompletedEvent]); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) insertCopiedStep(ctx context.Context, runID string, src *StepFunction, startedID any, completedID string) error {
	var query string
	args := []any{runID, src.StepID, startedID, completedID}
	switch src.Category {
	case schema.CategoryActivity:
		query = `INSERT INTO activity (run_id, step_id, started_event_id, completed_event_id, output) VALUES (?, ?, ?, ?, ?)`
		args = append(args, nullRaw(src.Payload))
	case schema.CategorySignal:
		query = `INSERT INTO signal (run_id, step_id, started_event_id, completed_event_id, value) VALUES (?, ?, ?, ?, ?)`
		args = append(args, nullRaw(src.Payload))
	case schema.CategorySleep:
		query = `INSERT INTO sleep (run_id, step_id, started_event_id, completed_event_id, duration_ms) VALUES (?, ?, ?, ?, ?)`
		args = append(args, src.Duration.Milliseconds())
	case schema.CategoryCondition:
		query = `INSERT INTO "condition" (run_id, step_id, started_event_id, completed_event_id) VALUES (?, ?, ?, ?)`
	default:
		return schema.NewErrorf(schema.ErrCodeInvariant, "cannot copy step of category %s", src.Category)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("copy %s step %q: %w", src.Category, src.StepID, err)
	}
	return nil
}
