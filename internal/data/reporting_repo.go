package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// ReportType is summary|grand_summary.
type ReportType string

const (
	ReportSummary      ReportType = "summary"
	ReportGrandSummary ReportType = "grand_summary"
)

// ReportSchedule is §4.10's schedule-store row. For ReportSummary,
// IntervalMinutes governs re-run cadence. For ReportGrandSummary,
// ScheduledTimes holds the configured "HH:MM" wall-clock set.
type ReportSchedule struct {
	ID              int64
	TenantID        string
	FacilityID      string
	ReportType      ReportType
	Enabled         bool
	IntervalMinutes sql.NullInt64
	ScheduledTimes  []string
	LastRunAt       sql.NullTime
	NextRunAt       time.Time
}

type ReportScheduleRepository struct {
	DB DBTX
}

// Due returns every enabled schedule whose next_run_at has arrived.
func (r ReportScheduleRepository) Due(ctx context.Context, now time.Time) ([]*ReportSchedule, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, tenant_id, facility_id, report_type, enabled, interval_minutes,
			scheduled_times, last_run_at, next_run_at
		FROM report_schedules WHERE enabled AND next_run_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReportSchedule
	for rows.Next() {
		var s ReportSchedule
		if err := rows.Scan(&s.ID, &s.TenantID, &s.FacilityID, &s.ReportType, &s.Enabled,
			&s.IntervalMinutes, pq.Array(&s.ScheduledTimes), &s.LastRunAt, &s.NextRunAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// UpdateAfterRun records a successful run and advances next_run_at to
// the caller-computed value (interval-add for summaries, nearest-future
// wall-clock time for grand summaries).
func (r ReportScheduleRepository) UpdateAfterRun(ctx context.Context, id int64, ranAt, nextRunAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE report_schedules SET last_run_at = $2, next_run_at = $3 WHERE id = $1`, id, ranAt, nextRunAt)
	return err
}
