package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// StepState is a step's status rebuilt from history events alone.
type StepState struct {
	StepID      string             `json:"step_id"`
	Category    schema.Category    `json:"category"`
	Status      schema.EventStatus `json:"status"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// ReplaySteps folds events into step states. Workflow events are skipped.
func ReplaySteps(events []*Event) map[string]*StepState {
	states := make(map[string]*StepState)
	for _, e := range events {
		if !e.Category.IsStep() {
			continue
		}
		key := StepKey(e.Category, e.StepID)
		ss, ok := states[key]
		if !ok {
			ss = &StepState{StepID: e.StepID, Category: e.Category}
			states[key] = ss
		}
		ts := e.Timestamp
		ss.Status = e.Status
		if e.Status.IsTerminal() {
			ss.CompletedAt = &ts
		} else if ss.StartedAt == nil {
			ss.StartedAt = &ts
		}
	}
	return states
}

// StepKey is the replay map key of a step.
func StepKey(category schema.Category, stepID string) string {
	return string(category) + "/" + stepID
}

// CheckProjections verifies that every step projection of the run points at
// events whose status matches what replaying the history yields.
func (s *SQLStore) CheckProjections(ctx context.Context, runID string) error {
	return checkProjections(ctx, s.db, runID)
}

func checkProjections(ctx context.Context, q querier, runID string) error {
	events, err := listEvents(ctx, q, runID)
	if err != nil {
		return err
	}
	states := ReplaySteps(events)
	steps, err := listSteps(ctx, q, runID)
	if err != nil {
		return err
	}
	if len(steps) != len(states) {
		return schema.NewErrorf(schema.ErrCodeInvariant,
			"run %s has %d step projections but history names %d steps", runID, len(steps), len(states))
	}
	for _, sf := range steps {
		ss, ok := states[StepKey(sf.Category, sf.StepID)]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeInvariant,
				"step %s/%s of run %s has no events", sf.Category, sf.StepID, runID)
		}
		latest := sf.StartedEvent
		if sf.CompletedEvent != nil {
			latest = sf.CompletedEvent
		}
		if latest == nil || latest.Status != ss.Status {
			return schema.NewErrorf(schema.ErrCodeInvariant,
				"step %s/%s of run %s disagrees with its history", sf.Category, sf.StepID, runID).
				WithDetails(map[string]any{"replayed": ss.Status})
		}
	}
	return nil
}
