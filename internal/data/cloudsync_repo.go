package data

import (
	"context"
	"database/sql"
	"time"
)

// CloudConnectionStatus is connected|disconnected for a {tid,fid} pair,
// driven by §4.8's connect/disconnect/config_delete notifications.
type CloudConnectionStatus string

const (
	CloudConnected    CloudConnectionStatus = "connected"
	CloudDisconnected CloudConnectionStatus = "disconnected"
)

// CloudConnectionRepository tracks whether a facility is currently
// reachable, gating the Outbound Sync worker's drain loop.
type CloudConnectionRepository struct {
	DB DBTX
}

func (r CloudConnectionRepository) Status(ctx context.Context, tid, fid string) (CloudConnectionStatus, error) {
	var status CloudConnectionStatus
	err := r.DB.QueryRowContext(ctx, `
		SELECT status FROM cloud_connections WHERE tenant_id = $1 AND facility_id = $2`, tid, fid).Scan(&status)
	if err == sql.ErrNoRows {
		return CloudDisconnected, nil
	}
	return status, err
}

func (r CloudConnectionRepository) SetStatus(ctx context.Context, tid, fid string, status CloudConnectionStatus) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO cloud_connections (tenant_id, facility_id, status, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (tenant_id, facility_id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		tid, fid, status)
	return err
}

// MobesSyncStatus is §4.9's per-camera push state.
type MobesSyncStatus string

const (
	MobesSynced  MobesSyncStatus = "synced"
	MobesPending MobesSyncStatus = "pending"
	MobesFailed  MobesSyncStatus = "failed"
	MobesDeleted MobesSyncStatus = "deleted"
)

// CameraSyncState is the split-ownership bookkeeping row for one
// camera's cloud metadata sync.
type CameraSyncState struct {
	CameraID         string
	Status           MobesSyncStatus
	RetryCount       int
	LastError        sql.NullString
	LastPushAt       sql.NullTime
	LastPullAt       sql.NullTime
	LastSyncFromMobes sql.NullTime
}

type CameraSyncRepository struct {
	DB DBTX
}

func (r CameraSyncRepository) Get(ctx context.Context, cameraID string) (*CameraSyncState, error) {
	var s CameraSyncState
	err := r.DB.QueryRowContext(ctx, `
		SELECT camera_id, status, retry_count, last_error, last_push_at, last_pull_at, last_sync_from_mobes
		FROM camera_sync_state WHERE camera_id = $1`, cameraID).
		Scan(&s.CameraID, &s.Status, &s.RetryCount, &s.LastError, &s.LastPushAt, &s.LastPullAt, &s.LastSyncFromMobes)
	if err == sql.ErrNoRows {
		return &CameraSyncState{CameraID: cameraID, Status: MobesPending}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkPushed upserts all given camera ids as synced with last_push_at=now,
// the batch-success branch of §4.9's full sync.
func (r CameraSyncRepository) MarkPushed(ctx context.Context, cameraIDs []string) error {
	for _, id := range cameraIDs {
		if _, err := r.DB.ExecContext(ctx, `
			INSERT INTO camera_sync_state (camera_id, status, retry_count, last_error, last_push_at)
			VALUES ($1,$2,0,NULL,now())
			ON CONFLICT (camera_id) DO UPDATE SET
				status = EXCLUDED.status, retry_count = 0, last_error = NULL, last_push_at = now()`,
			id, MobesSynced); err != nil {
			return err
		}
	}
	return nil
}

// MarkPushFailed upserts all given camera ids as failed, bumping the
// retry counter, the batch-error branch of §4.9's full sync.
func (r CameraSyncRepository) MarkPushFailed(ctx context.Context, cameraIDs []string, errMsg string) error {
	for _, id := range cameraIDs {
		if _, err := r.DB.ExecContext(ctx, `
			INSERT INTO camera_sync_state (camera_id, status, retry_count, last_error)
			VALUES ($1,$2,1,$3)
			ON CONFLICT (camera_id) DO UPDATE SET
				status = EXCLUDED.status, retry_count = camera_sync_state.retry_count + 1, last_error = EXCLUDED.last_error`,
			id, MobesFailed, errMsg); err != nil {
			return err
		}
	}
	return nil
}

func (r CameraSyncRepository) MarkDeleted(ctx context.Context, cameraID string) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO camera_sync_state (camera_id, status)
		VALUES ($1,$2)
		ON CONFLICT (camera_id) DO UPDATE SET status = EXCLUDED.status`, cameraID, MobesDeleted)
	return err
}

func (r CameraSyncRepository) TouchPulled(ctx context.Context, cameraID string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO camera_sync_state (camera_id, status, last_pull_at, last_sync_from_mobes)
		VALUES ($1,$2,$3,$3)
		ON CONFLICT (camera_id) DO UPDATE SET last_pull_at = EXCLUDED.last_pull_at, last_sync_from_mobes = EXCLUDED.last_sync_from_mobes`,
		cameraID, MobesSynced, at)
	return err
}

// CameraSettings is the cloud-owned behavioural configuration pulled
// in on a camera_settings notification (§4.9).
type CameraSettings struct {
	CameraID          string
	Sensitivity       float64
	DetectionZone     []byte // GeoJSON-ish polygon, stored as-is
	AlertThreshold    int
	CustomPresetID    sql.NullString
	UpdatedAt         time.Time
}

type CameraSettingsRepository struct {
	DB DBTX
}

func (r CameraSettingsRepository) Upsert(ctx context.Context, s CameraSettings) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO camera_settings (camera_id, sensitivity, detection_zone, alert_threshold, custom_preset_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (camera_id) DO UPDATE SET
			sensitivity = EXCLUDED.sensitivity, detection_zone = EXCLUDED.detection_zone,
			alert_threshold = EXCLUDED.alert_threshold, custom_preset_id = EXCLUDED.custom_preset_id,
			updated_at = now()`,
		s.CameraID, s.Sensitivity, s.DetectionZone, s.AlertThreshold, s.CustomPresetID)
	return err
}
