package data

import (
	"context"
	"database/sql"
)

// PollingCycleRepository persists the §3 accounting record for each
// subnet sweep.
type PollingCycleRepository struct {
	DB DBTX
}

func (r PollingCycleRepository) Insert(ctx context.Context, c PollingCycle) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO polling_cycles (polling_id, subnet, cycle_number, started_at, camera_count, status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.PollingID, c.Subnet, c.CycleNumber, c.StartedAt, c.CameraCount, c.Status)
	return err
}

// Close records the final counts and marks the cycle completed.
func (r PollingCycleRepository) Close(ctx context.Context, pollingID string, success, failed, timeout int, durationMs int64) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE polling_cycles SET ended_at = now(), success_count = $2, failed_count = $3,
			timeout_count = $4, duration_ms = $5, status = 'completed'
		WHERE polling_id = $1`,
		pollingID, success, failed, timeout, durationMs)
	return err
}

// LastCycleNumber returns the highest cycle_number recorded for a
// subnet, 0 if none, so a freshly (re)started loop continues numbering
// rather than restarting at 1.
func (r PollingCycleRepository) LastCycleNumber(ctx context.Context, subnet string) (int, error) {
	var n sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `
		SELECT max(cycle_number) FROM polling_cycles WHERE subnet = $1`, subnet).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}
