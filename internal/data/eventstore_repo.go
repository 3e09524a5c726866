package data

import (
	"context"
	"database/sql"
	"time"
)

// DetectionLogRepository is the Event Store's authoritative table (§4.6).
type DetectionLogRepository struct {
	DB DBTX
}

// InsertWithQueue inserts the detection log row and its cloud-sync-queue
// row in the same transaction, so a log row exists iff its sync row does
// (§5 "Event Store inserts and send-queue inserts are atomic together").
// tx must be a *sql.Tx obtained by the caller's transaction wrapper.
func (r DetectionLogRepository) InsertWithQueue(ctx context.Context, tx DBTX, log DetectionLog, queuePayload []byte) (int64, int64, error) {
	var logID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO detection_logs (
			tenant_id, facility_id, camera_id, lacis_id, captured_at, analyzed_at,
			primary_event, severity, confidence, count_hint, unknown_flag, tags, bboxes,
			person_details, frame_diff, preset_id, preset_version, camera_context,
			raw_response, image_path_local, total_ms, snapshot_ms, is21_roundtrip_ms,
			yolo_ms, par_ms, save_ms, capture_source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
		RETURNING id`,
		log.TenantID, log.FacilityID, log.CameraID, log.LacisID, log.CapturedAt, log.AnalyzedAt,
		log.PrimaryEvent, log.Severity, log.Confidence, log.CountHint, log.UnknownFlag, log.Tags, log.BBoxes,
		log.PersonDetails, log.FrameDiff, log.PresetID, log.PresetVersion, log.CameraContext,
		log.RawResponse, log.ImagePathLocal, log.TotalMs, log.SnapshotMs, log.IS21RoundtripMs,
		log.YoloMs, log.ParMs, log.SaveMs, log.CaptureSource,
	).Scan(&logID)
	if err != nil {
		return 0, 0, err
	}

	var queueID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO send_queue (tenant_id, facility_id, payload_type, payload, ref_id, status, retry_count)
		VALUES ($1,$2,$3,$4,$5,$6,0) RETURNING id`,
		log.TenantID, log.FacilityID, PayloadEvent, queuePayload, logID, QueuePending,
	).Scan(&queueID)
	return logID, queueID, err
}

func (r DetectionLogRepository) Latest(ctx context.Context, limit int) ([]DetectionLog, error) {
	return r.query(ctx, `SELECT `+detectionLogCols+` FROM detection_logs ORDER BY captured_at DESC LIMIT $1`, limit)
}

func (r DetectionLogRepository) ByCamera(ctx context.Context, cameraID string, limit int) ([]DetectionLog, error) {
	return r.query(ctx, `SELECT `+detectionLogCols+` FROM detection_logs WHERE camera_id = $1 ORDER BY captured_at DESC LIMIT $2`, cameraID, limit)
}

func (r DetectionLogRepository) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]DetectionLog, error) {
	return r.query(ctx, `SELECT `+detectionLogCols+` FROM detection_logs WHERE captured_at >= $1 AND captured_at < $2 ORDER BY captured_at DESC LIMIT $3`, from, to, limit)
}

func (r DetectionLogRepository) BySeverityAtLeast(ctx context.Context, minSeverity int, limit int) ([]DetectionLog, error) {
	return r.query(ctx, `SELECT `+detectionLogCols+` FROM detection_logs WHERE severity >= $1 ORDER BY captured_at DESC LIMIT $2`, minSeverity, limit)
}

// WindowStats is the aggregate a Summary/Grand Summary generator needs
// for one reporting window (§4.10).
type WindowStats struct {
	DetectionCount int
	SeverityMax    int
	CameraIDs      []string
	EventCounts    map[string]int // primary_event -> count, for the narrative prompt
}

// Aggregate computes §4.10's window statistics directly in SQL rather
// than paging full rows through Go, since a reporting window can span
// many thousands of detections.
func (r DetectionLogRepository) Aggregate(ctx context.Context, tenantID, facilityID string, from, to time.Time) (WindowStats, error) {
	var stats WindowStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*), coalesce(max(severity), 0)
		FROM detection_logs
		WHERE tenant_id = $1 AND facility_id = $2 AND captured_at >= $3 AND captured_at < $4`,
		tenantID, facilityID, from, to).Scan(&stats.DetectionCount, &stats.SeverityMax)
	if err != nil {
		return stats, err
	}

	camRows, err := r.DB.QueryContext(ctx, `
		SELECT DISTINCT camera_id FROM detection_logs
		WHERE tenant_id = $1 AND facility_id = $2 AND captured_at >= $3 AND captured_at < $4`,
		tenantID, facilityID, from, to)
	if err != nil {
		return stats, err
	}
	defer camRows.Close()
	for camRows.Next() {
		var id string
		if err := camRows.Scan(&id); err != nil {
			return stats, err
		}
		stats.CameraIDs = append(stats.CameraIDs, id)
	}
	if err := camRows.Err(); err != nil {
		return stats, err
	}

	eventRows, err := r.DB.QueryContext(ctx, `
		SELECT primary_event, count(*) FROM detection_logs
		WHERE tenant_id = $1 AND facility_id = $2 AND captured_at >= $3 AND captured_at < $4
		GROUP BY primary_event`,
		tenantID, facilityID, from, to)
	if err != nil {
		return stats, err
	}
	defer eventRows.Close()
	stats.EventCounts = make(map[string]int)
	for eventRows.Next() {
		var event string
		var count int
		if err := eventRows.Scan(&event, &count); err != nil {
			return stats, err
		}
		stats.EventCounts[event] = count
	}
	return stats, eventRows.Err()
}

const detectionLogCols = `id, tenant_id, facility_id, camera_id, lacis_id, captured_at, analyzed_at,
	primary_event, severity, confidence, count_hint, unknown_flag, tags, bboxes,
	person_details, frame_diff, preset_id, preset_version, camera_context,
	raw_response, image_path_local, total_ms, snapshot_ms, is21_roundtrip_ms,
	yolo_ms, par_ms, save_ms, capture_source`

func (r DetectionLogRepository) query(ctx context.Context, q string, args ...any) ([]DetectionLog, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DetectionLog
	for rows.Next() {
		var l DetectionLog
		if err := rows.Scan(&l.ID, &l.TenantID, &l.FacilityID, &l.CameraID, &l.LacisID, &l.CapturedAt, &l.AnalyzedAt,
			&l.PrimaryEvent, &l.Severity, &l.Confidence, &l.CountHint, &l.UnknownFlag, &l.Tags, &l.BBoxes,
			&l.PersonDetails, &l.FrameDiff, &l.PresetID, &l.PresetVersion, &l.CameraContext,
			&l.RawResponse, &l.ImagePathLocal, &l.TotalMs, &l.SnapshotMs, &l.IS21RoundtripMs,
			&l.YoloMs, &l.ParMs, &l.SaveMs, &l.CaptureSource); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ImageRow is the minimal projection the quota sweep and unknown-purge
// operations need to decide what to delete.
type ImageRow struct {
	ID        int64
	CameraID  string
	ImagePath string
	CapturedAt time.Time
	Bytes     int64
}

// ImagesByCameraOldestFirst lists persisted images for a camera, oldest
// captured_at first, for the quota sweep, which then orders them by file
// mtime (§4.6 "deletion order is strictly oldest-first by file mtime").
func (r DetectionLogRepository) ImagesByCameraOldestFirst(ctx context.Context, cameraID string) ([]ImageRow, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, camera_id, image_path_local, captured_at
		FROM detection_logs
		WHERE camera_id = $1 AND image_path_local <> ''
		ORDER BY captured_at ASC`, cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ImageRow
	for rows.Next() {
		var i ImageRow
		if err := rows.Scan(&i.ID, &i.CameraID, &i.ImagePath, &i.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// AllImagesOldestFirst lists every persisted image across all cameras,
// oldest first, for the global-bytes quota leg.
func (r DetectionLogRepository) AllImagesOldestFirst(ctx context.Context) ([]ImageRow, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, camera_id, image_path_local, captured_at
		FROM detection_logs
		WHERE image_path_local <> ''
		ORDER BY captured_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ImageRow
	for rows.Next() {
		var i ImageRow
		if err := rows.Scan(&i.ID, &i.CameraID, &i.ImagePath, &i.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// UnknownImagesOldestFirst lists images whose primary_event = "unknown"
// or unknown_flag = true, oldest first (§4.6 unknown purge).
func (r DetectionLogRepository) UnknownImagesOldestFirst(ctx context.Context) ([]ImageRow, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, camera_id, image_path_local, captured_at
		FROM detection_logs
		WHERE image_path_local <> '' AND (primary_event = 'unknown' OR unknown_flag = true)
		ORDER BY captured_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ImageRow
	for rows.Next() {
		var i ImageRow
		if err := rows.Scan(&i.ID, &i.CameraID, &i.ImagePath, &i.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ClearImagePath blanks image_path_local for a row whose file was
// removed by a sweep, leaving the row itself intact (§4.6).
func (r DetectionLogRepository) ClearImagePath(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE detection_logs SET image_path_local = '' WHERE id = $1`, id)
	return err
}

// SendQueueRepository backs the Outbound Sync worker (§4.8).
type SendQueueRepository struct {
	DB DBTX
}

// ClaimBatch atomically marks up to `limit` pending rows for {tid, fid}
// as sending, in insertion order, and returns them — the "at most one
// worker sets status=sending for a row" invariant of §3/§5.
func (r SendQueueRepository) ClaimBatch(ctx context.Context, tenantID, facilityID string, limit int) ([]SendQueueEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `
		UPDATE send_queue SET status = $1
		WHERE id IN (
			SELECT id FROM send_queue
			WHERE tenant_id = $2 AND facility_id = $3 AND status = $4
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY id ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, facility_id, payload_type, payload, ref_id, status, retry_count, next_retry_at, last_error, created_at`,
		QueueSending, tenantID, facilityID, QueuePending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SendQueueEntry
	for rows.Next() {
		var e SendQueueEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.FacilityID, &e.PayloadType, &e.Payload, &e.RefID,
			&e.Status, &e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r SendQueueRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE send_queue SET status = $1 WHERE id = $2`, QueueSent, id)
	return err
}

// MarkFailedForRetry records the failure, bumps retry_count, and sets
// next_retry_at using the caller-computed exponential backoff, re-marking
// the row pending so the next drain picks it up (§4.8).
func (r SendQueueRepository) MarkFailedForRetry(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE send_queue SET status = $1, retry_count = retry_count + 1, next_retry_at = $2, last_error = $3
		WHERE id = $4`, QueuePending, nextRetryAt, errMsg, id)
	return err
}

func (r SendQueueRepository) MarkFailedTerminal(ctx context.Context, id int64, errMsg string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE send_queue SET status = $1, last_error = $2 WHERE id = $3`, QueueFailed, errMsg, id)
	return err
}

func (r SendQueueRepository) Enqueue(ctx context.Context, tenantID, facilityID string, payloadType SendQueuePayloadType, payload []byte, refID *int64) (int64, error) {
	var refIDVal sql.NullInt64
	if refID != nil {
		refIDVal = sql.NullInt64{Int64: *refID, Valid: true}
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO send_queue (tenant_id, facility_id, payload_type, payload, ref_id, status, retry_count)
		VALUES ($1,$2,$3,$4,$5,$6,0) RETURNING id`,
		tenantID, facilityID, payloadType, payload, refIDVal, QueuePending).Scan(&id)
	return id, err
}
