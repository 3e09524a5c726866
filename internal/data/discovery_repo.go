package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// DiscoveredDeviceRepository persists the Discovery Pipeline's staged
// results (§3 Discovered Device, §4.2 stage 6/7).
type DiscoveredDeviceRepository struct {
	DB DBTX
}

func (r DiscoveredDeviceRepository) Upsert(ctx context.Context, d DiscoveredDevice) error {
	ports, err := json.Marshal(d.OpenPorts)
	if err != nil {
		return err
	}
	reason, err := json.Marshal(d.Reason)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO discovered_devices (id, job_id, ip, subnet, mac, oui_vendor, open_ports, score,
			verified, status, manufacturer, model, firmware_version, family, confidence, rtsp_uri,
			reason, bound_username, bound_password)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (ip, subnet) DO UPDATE SET
			job_id = EXCLUDED.job_id, mac = EXCLUDED.mac, oui_vendor = EXCLUDED.oui_vendor,
			open_ports = EXCLUDED.open_ports, score = EXCLUDED.score, verified = EXCLUDED.verified,
			status = EXCLUDED.status, manufacturer = EXCLUDED.manufacturer, model = EXCLUDED.model,
			firmware_version = EXCLUDED.firmware_version, family = EXCLUDED.family,
			confidence = EXCLUDED.confidence, rtsp_uri = EXCLUDED.rtsp_uri, reason = EXCLUDED.reason,
			bound_username = EXCLUDED.bound_username, bound_password = EXCLUDED.bound_password`,
		d.ID, d.JobID, d.IP, d.Subnet, d.MAC, d.OUIVendor, ports, d.Score,
		d.Verified, d.Status, d.Manufacturer, d.Model, d.FirmwareVersion, d.Family, d.Confidence,
		d.RTSPURI, reason, d.BoundUsername, d.BoundPassword)
	return err
}

func (r DiscoveredDeviceRepository) ByJob(ctx context.Context, jobID string) ([]*DiscoveredDevice, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, job_id, ip, subnet, mac, oui_vendor, open_ports, score, verified, status,
			manufacturer, model, firmware_version, family, confidence, rtsp_uri, reason,
			bound_username, bound_password
		FROM discovered_devices WHERE job_id = $1 ORDER BY score DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDiscoveredDevices(rows)
}

func (r DiscoveredDeviceRepository) ByID(ctx context.Context, id string) (*DiscoveredDevice, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, job_id, ip, subnet, mac, oui_vendor, open_ports, score, verified, status,
			manufacturer, model, firmware_version, family, confidence, rtsp_uri, reason,
			bound_username, bound_password
		FROM discovered_devices WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanDiscoveredDevices(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (r DiscoveredDeviceRepository) ExistsByIPOrMAC(ctx context.Context, ip string, mac sql.NullString) (bool, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM cameras WHERE ip_address = $1 OR (mac = $2 AND $3)`,
		ip, mac, mac.Valid).Scan(&count)
	return count > 0, err
}

func (r DiscoveredDeviceRepository) SetStatus(ctx context.Context, id string, status DiscoveredDeviceStatus) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE discovered_devices SET status = $2 WHERE id = $1`, id, status)
	return err
}

func scanDiscoveredDevices(rows *sql.Rows) ([]*DiscoveredDevice, error) {
	var out []*DiscoveredDevice
	for rows.Next() {
		var d DiscoveredDevice
		var ports, reason []byte
		if err := rows.Scan(&d.ID, &d.JobID, &d.IP, &d.Subnet, &d.MAC, &d.OUIVendor, &ports, &d.Score,
			&d.Verified, &d.Status, &d.Manufacturer, &d.Model, &d.FirmwareVersion, &d.Family, &d.Confidence,
			&d.RTSPURI, &reason, &d.BoundUsername, &d.BoundPassword); err != nil {
			return nil, err
		}
		if len(ports) > 0 {
			if err := json.Unmarshal(ports, &d.OpenPorts); err != nil {
				return nil, err
			}
		}
		if len(reason) > 0 {
			if err := json.Unmarshal(reason, &d.Reason); err != nil {
				return nil, err
			}
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// CameraRepository is the camera inventory store used by approval
// (§4.2 stage "Approval"), polling, and capture.
type CameraRepository struct {
	DB DBTX
}

func (r CameraRepository) Insert(ctx context.Context, c Camera) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO cameras (id, lacis_id, name, ip_address, mac, family, rtsp_url_primary,
			rtsp_url_secondary, snapshot_url, username, password, preset_id, camera_context,
			enabled, polling_enabled, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		c.ID, c.LacisID, c.Name, c.IPAddress, c.MAC, c.Family, c.RTSPURLPrimary,
		c.RTSPURLSecondary, c.SnapshotURL, c.Username, c.Password, c.PresetID, c.CameraContext,
		c.Enabled, c.PollingEnabled, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r CameraRepository) ByID(ctx context.Context, id string) (*Camera, error) {
	var c Camera
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, lacis_id, name, ip_address, mac, family, rtsp_url_primary, rtsp_url_secondary,
			snapshot_url, username, password, preset_id, camera_context, enabled, polling_enabled,
			last_disconnect_at, last_healthy_at, ip_relocation_count, created_at, updated_at
		FROM cameras WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&c.ID, &c.LacisID, &c.Name, &c.IPAddress, &c.MAC, &c.Family, &c.RTSPURLPrimary,
			&c.RTSPURLSecondary, &c.SnapshotURL, &c.Username, &c.Password, &c.PresetID,
			&c.CameraContext, &c.Enabled, &c.PollingEnabled, &c.LastDisconnectAt, &c.LastHealthyAt,
			&c.IPRelocationCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r CameraRepository) ByLacisID(ctx context.Context, lacisID string) (*Camera, error) {
	var c Camera
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, lacis_id, name, ip_address, mac, family, rtsp_url_primary, rtsp_url_secondary,
			snapshot_url, username, password, preset_id, camera_context, enabled, polling_enabled,
			last_disconnect_at, last_healthy_at, ip_relocation_count, created_at, updated_at
		FROM cameras WHERE lacis_id = $1 AND deleted_at IS NULL`, lacisID).
		Scan(&c.ID, &c.LacisID, &c.Name, &c.IPAddress, &c.MAC, &c.Family, &c.RTSPURLPrimary,
			&c.RTSPURLSecondary, &c.SnapshotURL, &c.Username, &c.Password, &c.PresetID,
			&c.CameraContext, &c.Enabled, &c.PollingEnabled, &c.LastDisconnectAt, &c.LastHealthyAt,
			&c.IPRelocationCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r CameraRepository) BySubnet(ctx context.Context, subnetPrefix string) ([]*Camera, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, lacis_id, name, ip_address, mac, family, rtsp_url_primary, rtsp_url_secondary,
			snapshot_url, username, password, preset_id, camera_context, enabled, polling_enabled,
			last_disconnect_at, last_healthy_at, ip_relocation_count, created_at, updated_at
		FROM cameras WHERE ip_address LIKE $1 AND deleted_at IS NULL`, subnetPrefix+".%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Camera
	for rows.Next() {
		var c Camera
		if err := rows.Scan(&c.ID, &c.LacisID, &c.Name, &c.IPAddress, &c.MAC, &c.Family, &c.RTSPURLPrimary,
			&c.RTSPURLSecondary, &c.SnapshotURL, &c.Username, &c.Password, &c.PresetID,
			&c.CameraContext, &c.Enabled, &c.PollingEnabled, &c.LastDisconnectAt, &c.LastHealthyAt,
			&c.IPRelocationCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListAll returns every non-deleted registered camera, the candidate
// set for the Camera Metadata Sync full push (§4.9).
func (r CameraRepository) ListAll(ctx context.Context) ([]*Camera, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, lacis_id, name, ip_address, mac, family, rtsp_url_primary, rtsp_url_secondary,
			snapshot_url, username, password, preset_id, camera_context, enabled, polling_enabled,
			last_disconnect_at, last_healthy_at, ip_relocation_count, created_at, updated_at
		FROM cameras WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Camera
	for rows.Next() {
		var c Camera
		if err := rows.Scan(&c.ID, &c.LacisID, &c.Name, &c.IPAddress, &c.MAC, &c.Family, &c.RTSPURLPrimary,
			&c.RTSPURLSecondary, &c.SnapshotURL, &c.Username, &c.Password, &c.PresetID,
			&c.CameraContext, &c.Enabled, &c.PollingEnabled, &c.LastDisconnectAt, &c.LastHealthyAt,
			&c.IPRelocationCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r CameraRepository) UpdateIPAndIncrementRelocation(ctx context.Context, cameraID, newIP string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE cameras SET ip_address = $2, ip_relocation_count = ip_relocation_count + 1, updated_at = now()
		WHERE id = $1`, cameraID, newIP)
	return err
}

// RelocateIP implements §4.11's recovery step: string-replace the old IP
// in both RTSP URLs, bump the relocation counter, and clear
// last_healthy_at so the next successful poll re-establishes it.
func (r CameraRepository) RelocateIP(ctx context.Context, cameraID, newPrimary, newSecondary, newIP string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE cameras SET ip_address = $2, rtsp_url_primary = $3, rtsp_url_secondary = $4,
			ip_relocation_count = ip_relocation_count + 1, last_healthy_at = NULL, updated_at = now()
		WHERE id = $1`, cameraID, newIP, sql.NullString{String: newPrimary, Valid: newPrimary != ""}, sql.NullString{String: newSecondary, Valid: newSecondary != ""})
	return err
}

// ListStale returns enabled, polling-enabled cameras whose last_healthy_at
// is older than cutoff (or never set), candidates for the Lost-Camera
// Tracker (§4.11).
func (r CameraRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*Camera, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, lacis_id, name, ip_address, mac, family, rtsp_url_primary, rtsp_url_secondary,
			snapshot_url, username, password, preset_id, camera_context, enabled, polling_enabled,
			last_disconnect_at, last_healthy_at, ip_relocation_count, created_at, updated_at
		FROM cameras
		WHERE deleted_at IS NULL AND enabled AND polling_enabled
			AND (last_healthy_at IS NULL OR last_healthy_at < $1)`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Camera
	for rows.Next() {
		var c Camera
		if err := rows.Scan(&c.ID, &c.LacisID, &c.Name, &c.IPAddress, &c.MAC, &c.Family, &c.RTSPURLPrimary,
			&c.RTSPURLSecondary, &c.SnapshotURL, &c.Username, &c.Password, &c.PresetID,
			&c.CameraContext, &c.Enabled, &c.PollingEnabled, &c.LastDisconnectAt, &c.LastHealthyAt,
			&c.IPRelocationCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// IPRelocationEvent is the history row recorded on every relocation.
type IPRelocationEvent struct {
	ID         int64
	CameraID   string
	OldIP      string
	NewIP      string
	DetectedAt time.Time
}

type IPRelocationRepository struct {
	DB DBTX
}

func (r IPRelocationRepository) Insert(ctx context.Context, e IPRelocationEvent) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO ip_relocation_history (camera_id, old_ip, new_ip, detected_at)
		VALUES ($1,$2,$3,$4)`, e.CameraID, e.OldIP, e.NewIP, e.DetectedAt)
	return err
}

func (r CameraRepository) TouchLastHealthy(ctx context.Context, cameraID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE cameras SET last_healthy_at = now() WHERE id = $1`, cameraID)
	return err
}

// SoftDelete marks a camera removed without erasing its history, the
// cloud-driven camera_remove branch of §4.8/§4.9.
func (r CameraRepository) SoftDelete(ctx context.Context, cameraID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE cameras SET deleted_at = now(), updated_at = now() WHERE id = $1`, cameraID)
	return err
}
