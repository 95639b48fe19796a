package localdb

import (
	"context"
	"encoding/json"
	"fmt"

	"coopwatch/internal/domain"
)

// ListSchedules returns every feeding schedule ordered by creation.
// Params: context.
// Returns: schedules or query error.
func (d *DB) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, days, time, enabled, created_at FROM feed_schedules ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Schedule, 0)
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// GetSchedule reads one schedule.
// Params: context and schedule ID.
// Returns: schedule or ErrNotFound.
func (d *DB) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, days, time, enabled, created_at FROM feed_schedules WHERE id = ?;`, id)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Schedule{}, fmt.Errorf("get schedule: %w", err)
		}
		return domain.Schedule{}, ErrNotFound
	}
	return scanSchedule(rows)
}

// PutSchedule inserts or replaces one schedule.
// Params: context and schedule with ID.
// Returns: write error.
func (d *DB) PutSchedule(ctx context.Context, schedule domain.Schedule) error {
	days, err := json.Marshal(schedule.Days)
	if err != nil {
		return fmt.Errorf("encode schedule days: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO feed_schedules (id, days, time, enabled, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET days = excluded.days, time = excluded.time, enabled = excluded.enabled, created_at = excluded.created_at;`,
		schedule.ID, string(days), schedule.Time, boolToInt(schedule.Enabled), schedule.CreatedAtMS,
	)
	if err != nil {
		return fmt.Errorf("put schedule %q: %w", schedule.ID, err)
	}
	return nil
}

// DeleteSchedule removes one schedule.
// Params: context and schedule ID.
// Returns: ErrNotFound when absent or delete error.
func (d *DB) DeleteSchedule(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM feed_schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %q: %w", id, err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete schedule %q: %w", id, err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		schedule domain.Schedule
		days     string
		enabled  int
	)
	if err := row.Scan(&schedule.ID, &days, &schedule.Time, &enabled, &schedule.CreatedAtMS); err != nil {
		return domain.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(days), &schedule.Days); err != nil {
		return domain.Schedule{}, fmt.Errorf("decode schedule %q days: %w", schedule.ID, err)
	}
	schedule.Enabled = enabled != 0
	return schedule, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
