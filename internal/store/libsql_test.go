package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

func newTestStore(t *testing.T, opts ...Option) *SQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:"+dbPath, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *SQLStore, workflowID string) *WorkflowRun {
	t.Helper()
	run, err := s.CreateWorkflow(context.Background(), &Workflow{
		ID:       workflowID,
		TypeName: "order",
		Input:    json.RawMessage(`{"amount":10}`),
	}, NewStartWorkflowTask)
	require.NoError(t, err)
	return run
}

func seedStartedRun(t *testing.T, s *SQLStore, workflowID string) *WorkflowRun {
	t.Helper()
	run := seedRun(t, s, workflowID)
	started, err := s.MarkRunStarted(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, started)
	return run
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var se *schema.StepflowError
	require.True(t, errors.As(err, &se), "expected StepflowError, got %T: %v", err, err)
	assert.Equal(t, code, se.Code)
}

// --- Workflows and runs ---

func TestCreateWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, "order-1")
	assert.Equal(t, "order-1::1", run.ID)
	assert.Equal(t, 1, run.Number)
	require.NotNil(t, run.ScheduledEvent)
	assert.Equal(t, int64(1), run.ScheduledEvent.Sequence)
	assert.Equal(t, schema.RunStatusScheduled, run.Status())

	wf, err := s.GetWorkflow(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "order", wf.TypeName)
	assert.JSONEq(t, `{"amount":10}`, string(wf.Input))

	task, err := s.GetTask(ctx, "workflow::order-1::1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStartWorkflow, task.Kind)
	assert.Equal(t, "order-1::1", task.RunID)
}

func TestCreateWorkflow_Duplicate(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "order-1")

	_, err := s.CreateWorkflow(context.Background(), &Workflow{ID: "order-1", TypeName: "order"}, NewStartWorkflowTask)
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestCompleteRun_RequiresStart(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, "order-1")

	err := s.CompleteRun(context.Background(), run.ID, nil)
	requireCode(t, err, schema.ErrCodeInvariant)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	started, err := s.MarkRunStarted(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = s.MarkRunStarted(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, started, "second start is a no-op")

	require.NoError(t, s.CompleteRun(ctx, run.ID, json.RawMessage(`"done"`)))

	got, err := s.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.HasCompleted())
	assert.Equal(t, schema.RunStatusCompleted, got.Status())
	assert.JSONEq(t, `"done"`, string(got.Output))

	err = s.FailRun(ctx, run.ID, schema.FailureReason{Code: schema.ErrCodeExecution, Message: "late"})
	requireCode(t, err, schema.ErrCodeConflict)

	events, err := s.ListRunEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Matches(schema.CategoryWorkflow, schema.StatusScheduled))
	assert.True(t, events[1].Matches(schema.CategoryWorkflow, schema.StatusStarted))
	assert.True(t, events[2].Matches(schema.CategoryWorkflow, schema.StatusCompleted))
}

func TestFailRun_StoresReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedStartedRun(t, s, "order-1")

	reason := schema.FailureReason{Code: schema.ErrCodeActivityFailed, Message: "card declined", StepID: "charge"}
	require.NoError(t, s.FailRun(ctx, run.ID, reason))

	got, err := s.GetActiveRun(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, got.HasFailed())
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, reason, *got.FailureReason)
}

func TestRunID(t *testing.T) {
	assert.Equal(t, "a::b::3", RunID("a::b", 3))

	wfID, n, err := ParseRunID("a::b::3")
	require.NoError(t, err)
	assert.Equal(t, "a::b", wfID)
	assert.Equal(t, 3, n)

	_, _, err = ParseRunID("no-separator")
	requireCode(t, err, schema.ErrCodeValidation)
	_, _, err = ParseRunID("wf::x")
	requireCode(t, err, schema.ErrCodeValidation)
}

// --- Steps ---

func TestActivityProjection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	require.NoError(t, s.StartActivity(ctx, run.ID, "charge"))
	requireCode(t, s.StartActivity(ctx, run.ID, "charge"), schema.ErrCodeConflict)

	sf, err := s.GetStepFunction(ctx, run.ID, schema.CategoryActivity, "charge")
	require.NoError(t, err)
	assert.False(t, sf.IsTerminal())
	assert.Equal(t, schema.StatusStarted, sf.StartedEvent.Status)

	require.NoError(t, s.MarkActivitySuspended(ctx, run.ID, "charge", true))
	sf, err = s.GetStepFunction(ctx, run.ID, schema.CategoryActivity, "charge")
	require.NoError(t, err)
	assert.True(t, sf.Suspended)

	require.NoError(t, s.CompleteActivity(ctx, run.ID, "charge", json.RawMessage(`{"id":"ch_1"}`)))
	requireCode(t, s.CompleteActivity(ctx, run.ID, "charge", nil), schema.ErrCodeConflict)

	sf, err = s.GetStepFunction(ctx, run.ID, schema.CategoryActivity, "charge")
	require.NoError(t, err)
	assert.True(t, sf.IsCompleted())
	assert.False(t, sf.Suspended)
	assert.JSONEq(t, `{"id":"ch_1"}`, string(sf.Payload))
	assert.True(t, sf.CompletedEvent.Sequence > sf.StartedEvent.Sequence)

	requireCode(t, s.MarkActivitySuspended(ctx, run.ID, "charge", true), schema.ErrCodeNotFound)
}

func TestFailActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	require.NoError(t, s.StartActivity(ctx, run.ID, "charge"))
	require.NoError(t, s.FailActivity(ctx, run.ID, "charge",
		schema.FailureReason{Code: schema.ErrCodeActivityFailed, Message: "boom", StepID: "charge"}))

	sf, err := s.GetStepFunction(ctx, run.ID, schema.CategoryActivity, "charge")
	require.NoError(t, err)
	assert.True(t, sf.HasFailed())
	require.NotNil(t, sf.FailureReason)
	assert.Equal(t, "boom", sf.FailureReason.Message)
}

func TestSleepEnqueuesWakeTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	due := time.Now().Add(time.Hour).UTC()
	wake := &Task{ID: "sleep::" + run.ID + "::nap", Kind: schema.TaskCompleteSleep, RunID: run.ID, DueAt: due}
	require.NoError(t, s.StartSleep(ctx, run.ID, "nap", time.Hour, wake))

	task, err := s.GetTask(ctx, wake.ID)
	require.NoError(t, err)
	assert.Equal(t, due.UnixMilli(), task.DueAt.UnixMilli())

	done, err := s.CompleteSleep(ctx, run.ID, "nap")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.CompleteSleep(ctx, run.ID, "nap")
	require.NoError(t, err)
	assert.False(t, done, "second wake-up is ignored")

	sf, err := s.GetStepFunction(ctx, run.ID, schema.CategorySleep, "nap")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, sf.Duration)
	assert.True(t, sf.IsCompleted())
}

func TestReceiveSignal_AfterWait(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	require.NoError(t, s.WaitForSignal(ctx, run.ID, "approval"))

	ok, err := s.ReceiveSignal(ctx, run.ID, "approval", json.RawMessage(`true`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReceiveSignal(ctx, run.ID, "approval", json.RawMessage(`false`))
	require.NoError(t, err)
	assert.False(t, ok, "only the first value is recorded")

	sf, err := s.GetStepFunction(ctx, run.ID, schema.CategorySignal, "approval")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(sf.Payload))
	assert.Equal(t, schema.StatusWaiting, sf.StartedEvent.Status)
	assert.Equal(t, schema.StatusReceived, sf.CompletedEvent.Status)
}

func TestReceiveSignal_BeforeWait(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	ok, err := s.ReceiveSignal(ctx, run.ID, "approval", json.RawMessage(`"yes"`))
	require.NoError(t, err)
	assert.True(t, ok)

	sf, err := s.GetStepFunction(ctx, run.ID, schema.CategorySignal, "approval")
	require.NoError(t, err)
	assert.Nil(t, sf.StartedEvent)
	assert.True(t, sf.IsCompleted())

	requireCode(t, s.WaitForSignal(ctx, run.ID, "approval"), schema.ErrCodeConflict)
}

func TestConditionProjection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	require.NoError(t, s.WaitForCondition(ctx, run.ID, "stock"))
	require.NoError(t, s.SatisfyCondition(ctx, run.ID, "stock"))
	require.NoError(t, s.WaitForCondition(ctx, run.ID, "payment"))
	require.NoError(t, s.FailCondition(ctx, run.ID, "payment",
		schema.FailureReason{Code: schema.ErrCodeConditionTimeout, Message: "timed out"}))

	steps, err := s.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "stock", steps[0].StepID)
	assert.Equal(t, schema.StatusSatisfied, steps[0].CompletedEvent.Status)
	assert.Equal(t, "payment", steps[1].StepID)
	assert.True(t, steps[1].HasFailed())
	assert.Equal(t, schema.ErrCodeConditionTimeout, steps[1].FailureReason.Code)
}

func TestStepsOfDifferentCategoriesShareIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	require.NoError(t, s.StartActivity(ctx, run.ID, "x"))
	require.NoError(t, s.WaitForSignal(ctx, run.ID, "x"))

	steps, err := s.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, schema.CategoryActivity, steps[0].Category)
	assert.Equal(t, schema.CategorySignal, steps[1].Category)
}

// --- Re-runs ---

func TestScheduleNewRun_RequiresTerminalRun(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "order-1")

	_, err := s.ScheduleNewRun(context.Background(), "order-1", false, NewStartWorkflowTask)
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestScheduleNewRun_FromStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedStartedRun(t, s, "order-1")
	require.NoError(t, s.StartActivity(ctx, run.ID, "charge"))
	require.NoError(t, s.CompleteActivity(ctx, run.ID, "charge", json.RawMessage(`1`)))
	require.NoError(t, s.CompleteRun(ctx, run.ID, nil))

	next, err := s.ScheduleNewRun(ctx, "order-1", false, NewStartWorkflowTask)
	require.NoError(t, err)
	assert.Equal(t, "order-1::2", next.ID)

	steps, err := s.ListRunSteps(ctx, next.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	history, err := s.GetRunHistory(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].IsArchived())
	assert.False(t, history[1].IsArchived())

	active, err := s.GetActiveRun(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, next.ID, active.ID)

	_, err = s.GetTask(ctx, "workflow::order-1::2")
	require.NoError(t, err)
}

func TestScheduleNewRun_FromFailureCopiesCompletedSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedStartedRun(t, s, "order-1")

	require.NoError(t, s.StartActivity(ctx, run.ID, "reserve"))
	require.NoError(t, s.CompleteActivity(ctx, run.ID, "reserve", json.RawMessage(`{"slot":4}`)))
	_, err := s.ReceiveSignal(ctx, run.ID, "approval", json.RawMessage(`true`))
	require.NoError(t, err)
	require.NoError(t, s.StartActivity(ctx, run.ID, "charge"))
	require.NoError(t, s.FailActivity(ctx, run.ID, "charge", schema.FailureReason{Code: schema.ErrCodeActivityFailed, Message: "x"}))
	require.NoError(t, s.FailRun(ctx, run.ID, schema.FailureReason{Code: schema.ErrCodeActivityFailed, Message: "x"}))

	original, err := s.GetStepFunction(ctx, run.ID, schema.CategoryActivity, "reserve")
	require.NoError(t, err)

	next, err := s.ScheduleNewRun(ctx, "order-1", true, NewStartWorkflowTask)
	require.NoError(t, err)

	steps, err := s.ListRunSteps(ctx, next.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2, "the failed activity is not copied")

	copied := steps[0]
	assert.Equal(t, "reserve", copied.StepID)
	assert.JSONEq(t, `{"slot":4}`, string(copied.Payload))
	assert.Equal(t, original.StartedEvent.Timestamp, copied.StartedEvent.Timestamp)
	assert.Equal(t, original.CompletedEvent.Timestamp, copied.CompletedEvent.Timestamp)
	assert.NotEqual(t, original.CompletedEvent.ID, copied.CompletedEvent.ID)

	assert.Equal(t, "approval", steps[1].StepID)
	assert.Nil(t, steps[1].StartedEvent)
	assert.Equal(t, schema.StatusReceived, steps[1].CompletedEvent.Status)

	_, err = s.GetStepFunction(ctx, next.ID, schema.CategoryActivity, "charge")
	requireCode(t, err, schema.ErrCodeNotFound)
	require.NoError(t, s.CheckProjections(ctx, next.ID))
}

func TestScheduleNewRun_FromFailureKeepsEventOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedStartedRun(t, s, "order-1")

	require.NoError(t, s.StartActivity(ctx, run.ID, "parent"))
	require.NoError(t, s.StartActivity(ctx, run.ID, "child"))
	require.NoError(t, s.CompleteActivity(ctx, run.ID, "child", json.RawMessage(`1`)))
	require.NoError(t, s.CompleteActivity(ctx, run.ID, "parent", json.RawMessage(`2`)))
	require.NoError(t, s.FailRun(ctx, run.ID, schema.FailureReason{Code: schema.ErrCodeExecution, Message: "x"}))

	next, err := s.ScheduleNewRun(ctx, "order-1", true, NewStartWorkflowTask)
	require.NoError(t, err)

	events, err := s.ListRunEvents(ctx, next.ID)
	require.NoError(t, err)
	type key struct {
		status schema.EventStatus
		step   string
	}
	var got []key
	for _, e := range events {
		got = append(got, key{e.Status, e.StepID})
	}
	assert.Equal(t, []key{
		{schema.StatusScheduled, ""},
		{schema.StatusStarted, "parent"},
		{schema.StatusStarted, "child"},
		{schema.StatusCompleted, "child"},
		{schema.StatusCompleted, "parent"},
	}, got)
	for i := 2; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp), "event %d goes back in time", i)
	}
	require.NoError(t, s.CheckProjections(ctx, next.ID))
}

func TestScheduleNewRun_FromFailureRejectsInconsistentHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedStartedRun(t, s, "order-1")

	require.NoError(t, s.StartActivity(ctx, run.ID, "a"))
	require.NoError(t, s.WaitForSignal(ctx, run.ID, "approval"))
	require.NoError(t, s.FailRun(ctx, run.ID, schema.FailureReason{Code: schema.ErrCodeExecution, Message: "x"}))
	_, err := s.DB().ExecContext(ctx,
		`UPDATE activity SET completed_event_id = (SELECT started_event_id FROM signal WHERE run_id = ?) WHERE run_id = ?`,
		run.ID, run.ID)
	require.NoError(t, err)

	_, err = s.ScheduleNewRun(ctx, "order-1", true, NewStartWorkflowTask)
	requireCode(t, err, schema.ErrCodeInvariant)

	active, err := s.GetActiveRun(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID, "the failed run stays active")
	assert.Nil(t, active.ArchivedAt)
}

// --- Tasks ---

func TestEnqueueTask_Dedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "order-1")

	task := &Task{ID: "signal::" + run.ID + "::approval", Kind: schema.TaskSignalWorkflow, RunID: run.ID}
	ok, err := s.EnqueueTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EnqueueTask(ctx, &Task{ID: task.ID, Kind: schema.TaskSignalWorkflow, RunID: run.ID})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimDueTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, due := range []time.Time{now.Add(-2 * time.Second), now.Add(-time.Second), now.Add(time.Hour)} {
		_, err := s.EnqueueTask(ctx, &Task{
			ID: RunID("t", i), Kind: schema.TaskResumeWorkflow, RunID: "wf::1", DueAt: due,
		})
		require.NoError(t, err)
	}

	claimed, err := s.ClaimDueTasks(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "t::0", claimed[0].ID)
	assert.Equal(t, "t::1", claimed[1].ID)

	again, err := s.ClaimDueTasks(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased tasks are not claimed twice")

	expired, err := s.ClaimDueTasks(ctx, now.Add(2*time.Minute), time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "t::0", expired[0].ID)
}

func TestReleaseAndCompleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.EnqueueTask(ctx, &Task{ID: "t1", Kind: schema.TaskResumeWorkflow, RunID: "wf::1", DueAt: now})
	require.NoError(t, err)
	_, err = s.ClaimDueTasks(ctx, now, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseTask(ctx, "t1", now.Add(time.Second), "busy"))
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "busy", task.LastError)

	claimed, err := s.ClaimDueTasks(ctx, now.Add(time.Second), time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.CompleteTask(ctx, "t1"))
	_, err = s.GetTask(ctx, "t1")
	requireCode(t, err, schema.ErrCodeNotFound)
	requireCode(t, s.CompleteTask(ctx, "t1"), schema.ErrCodeNotFound)
}

// --- Cron schedules ---

func TestCronScheduleCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	next := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)

	cs := &CronSchedule{
		ID: "nightly", CronExpression: "0 2 * * *", TypeName: "report",
		Input: json.RawMessage(`{}`), Enabled: true, NextRunAt: &next,
	}
	require.NoError(t, s.CreateCronSchedule(ctx, cs))
	requireCode(t, s.CreateCronSchedule(ctx, cs), schema.ErrCodeConflict)

	got, err := s.GetCronSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, next, *got.NextRunAt)

	disabled := false
	require.NoError(t, s.UpdateCronSchedule(ctx, "nightly", CronScheduleUpdate{Enabled: &disabled, LastRunStatus: "ok"}))

	enabled := true
	list, err := s.ListCronSchedules(ctx, CronScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListCronSchedules(ctx, CronScheduleFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok", list[0].LastRunStatus)

	require.NoError(t, s.DeleteCronSchedule(ctx, "nightly"))
	requireCode(t, s.DeleteCronSchedule(ctx, "nightly"), schema.ErrCodeNotFound)
}

// --- Streaming ---

func TestCommittedEventsArePublished(t *testing.T) {
	hub := streaming.NewMemoryHub()
	s := newTestStore(t, WithHub(hub))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: "order-1"})
	require.NoError(t, err)
	defer cancel()

	run := seedRun(t, s, "order-1")
	_, err = s.ReceiveSignal(ctx, run.ID, "approval", nil)
	require.NoError(t, err)

	var statuses []string
	for len(statuses) < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, run.ID, ev.RunID)
			statuses = append(statuses, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"SCHEDULED", "RECEIVED"}, statuses)
}

func TestRolledBackEventsAreNotPublished(t *testing.T) {
	hub := streaming.NewMemoryHub()
	s := newTestStore(t, WithHub(hub))
	ctx := context.Background()
	run := seedRun(t, s, "order-1")
	require.NoError(t, s.StartActivity(ctx, run.ID, "a"))

	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.Error(t, s.StartActivity(ctx, run.ID, "a"))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- Drivers ---

func TestSQLiteDriverInMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations are idempotent")

	run := seedRun(t, s, "order-1")
	require.NoError(t, s.StartActivity(ctx, run.ID, "a"))
	require.NoError(t, s.CompleteActivity(ctx, run.ID, "a", json.RawMessage(`"ok"`)))

	events, err := s.ListRunEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestTaskConstructors(t *testing.T) {
	due := time.Now().Add(time.Minute)

	assert.Equal(t, "workflow::wf::1", NewStartWorkflowTask("wf::1").ID)

	sig := NewSignalTask("wf::1", "approval", json.RawMessage(`true`))
	assert.Equal(t, "signal::wf::1::approval", sig.ID)
	assert.JSONEq(t, `{"name":"approval","value":true}`, string(sig.Payload))

	sleep := NewSleepTask("wf::1", "nap", due)
	assert.Equal(t, "sleep::wf::1::nap", sleep.ID)
	assert.Equal(t, due, sleep.DueAt)

	a := NewResumeTask("wf::1", "stock", due)
	b := NewResumeTask("wf::1", "stock", due)
	assert.Regexp(t, `^wf::1::stock::[0-9a-f-]{36}$`, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.JSONEq(t, `{"step_id":"stock"}`, string(a.Payload))
}
