package stepflow

import (
	"context"
	"time"

	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// CreateSchedule registers a cron schedule that starts a typeName workflow
// with input on every tick of cronExpr (standard 5-field syntax).
func (c *Client) CreateSchedule(ctx context.Context, id, cronExpr, typeName string, input any) (*CronSchedule, error) {
	if !c.registry.Has(typeName) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow type %q is not registered", typeName)
	}
	now := time.Now().UTC()
	next, err := scheduler.NextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}
	raw, err := marshalPayload(input)
	if err != nil {
		return nil, err
	}

	cs := &store.CronSchedule{
		ID:             id,
		CronExpression: cronExpr,
		TypeName:       typeName,
		Input:          raw,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := c.store.CreateCronSchedule(ctx, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// ListSchedules returns every cron schedule, oldest first.
func (c *Client) ListSchedules(ctx context.Context) ([]*CronSchedule, error) {
	return c.store.ListCronSchedules(ctx, store.CronScheduleFilter{})
}

// DeleteSchedule removes a cron schedule. Workflows it already started are kept.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.store.DeleteCronSchedule(ctx, id)
}
