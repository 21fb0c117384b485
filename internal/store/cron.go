package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// --- Cron Schedules ---

func (s *SQLStore) CreateCronSchedule(ctx context.Context, cs *CronSchedule) error {
	if cs.ID == "" || cs.CronExpression == "" || cs.TypeName == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id, cron expression and type name are required")
	}
	cs.CreatedAt = timeOrNow(cs.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_schedule (id, cron_expression, type_name, input, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.CronExpression, cs.TypeName, nullRaw(cs.Input), boolInt(cs.Enabled),
		nullMillis(cs.NextRunAt), toMillis(cs.CreatedAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return storeConflict("cron schedule %q already exists", cs.ID)
	}
	return err
}

const cronCols = `id, cron_expression, type_name, input, enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanCronSchedule(row rowScanner) (*CronSchedule, error) {
	cs := &CronSchedule{}
	var input, status sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var createdAt int64
	if err := row.Scan(&cs.ID, &cs.CronExpression, &cs.TypeName, &input, &enabled,
		&lastRun, &nextRun, &status, &createdAt); err != nil {
		return nil, err
	}
	cs.Input = rawOrNil(input)
	cs.Enabled = enabled != 0
	cs.LastRunAt = timePtr(lastRun)
	cs.NextRunAt = timePtr(nextRun)
	cs.LastRunStatus = status.String
	cs.CreatedAt = fromMillis(createdAt)
	return cs, nil
}

func (s *SQLStore) GetCronSchedule(ctx context.Context, id string) (*CronSchedule, error) {
	cs, err := scanCronSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+cronCols+` FROM cron_schedule WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("cron schedule", id)
	}
	return cs, err
}

func (s *SQLStore) UpdateCronSchedule(ctx context.Context, id string, update CronScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, toMillis(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, toMillis(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE cron_schedule SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cron schedule", id)
}

func (s *SQLStore) ListCronSchedules(ctx context.Context, filter CronScheduleFilter) ([]*CronSchedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.DueBy != nil {
		where = append(where, "(next_run_at IS NULL OR next_run_at <= ?)")
		args = append(args, toMillis(*filter.DueBy))
	}

	query := `SELECT ` + cronCols + ` FROM cron_schedule`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*CronSchedule
	for rows.Next() {
		cs, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, cs)
	}
	return schedules, rows.Err()
}

func (s *SQLStore) DeleteCronSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_schedule WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cron schedule", id)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
