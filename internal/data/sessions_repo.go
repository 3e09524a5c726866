package data

import (
	"context"
	"database/sql"
	"time"
)

// SessionRepository is the authoritative store for Stream Sessions. The
// Access Arbiter never caches session state in memory — every acquire
// re-reads this store (§9 "Session state is not cached").
type SessionRepository struct {
	DB DBTX
}

func (r SessionRepository) ActiveSessions(ctx context.Context, cameraID string) ([]StreamSession, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT session_id, camera_id, stream_type, purpose, client_id, started_at,
		       expires_at, last_heartbeat_at, status
		FROM stream_sessions
		WHERE camera_id = $1 AND status = $2`, cameraID, SessionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamSession
	for rows.Next() {
		var s StreamSession
		if err := rows.Scan(&s.SessionID, &s.CameraID, &s.StreamType, &s.Purpose, &s.ClientID,
			&s.StartedAt, &s.ExpiresAt, &s.LastHeartbeatAt, &s.Status); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r SessionRepository) CreateSession(ctx context.Context, s StreamSession) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO stream_sessions (session_id, camera_id, stream_type, purpose, client_id,
			started_at, expires_at, last_heartbeat_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.SessionID, s.CameraID, s.StreamType, s.Purpose, s.ClientID,
		s.StartedAt, s.ExpiresAt, s.LastHeartbeatAt, s.Status)
	return err
}

// DeleteSession is idempotent: deleting an unknown session id is a no-op.
func (r SessionRepository) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM stream_sessions WHERE session_id = $1`, sessionID)
	return err
}

func (r SessionRepository) GetSession(ctx context.Context, sessionID string) (*StreamSession, error) {
	var s StreamSession
	err := r.DB.QueryRowContext(ctx, `
		SELECT session_id, camera_id, stream_type, purpose, client_id, started_at,
		       expires_at, last_heartbeat_at, status
		FROM stream_sessions WHERE session_id = $1`, sessionID).
		Scan(&s.SessionID, &s.CameraID, &s.StreamType, &s.Purpose, &s.ClientID,
			&s.StartedAt, &s.ExpiresAt, &s.LastHeartbeatAt, &s.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r SessionRepository) UpdateHeartbeat(ctx context.Context, sessionID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE stream_sessions SET last_heartbeat_at = $2
		WHERE session_id = $1 AND status = $3`, sessionID, time.Now().UTC(), SessionActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpiredActive returns active sessions past expires_at or whose
// heartbeat is older than staleAfter, excluding releasing sessions
// (§4.1 "the reaper never deletes releasing sessions").
func (r SessionRepository) ExpiredActive(ctx context.Context, staleAfter time.Duration) ([]StreamSession, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := r.DB.QueryContext(ctx, `
		SELECT session_id, camera_id, stream_type, purpose, client_id, started_at,
		       expires_at, last_heartbeat_at, status
		FROM stream_sessions
		WHERE status = $1 AND ((expires_at IS NOT NULL AND expires_at < $2) OR last_heartbeat_at < $3)`,
		SessionActive, time.Now().UTC(), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamSession
	for rows.Next() {
		var s StreamSession
		if err := rows.Scan(&s.SessionID, &s.CameraID, &s.StreamType, &s.Purpose, &s.ClientID,
			&s.StartedAt, &s.ExpiresAt, &s.LastHeartbeatAt, &s.Status); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r SessionRepository) LastDisconnectAt(ctx context.Context, cameraID string) (*time.Time, error) {
	var t sql.NullTime
	err := r.DB.QueryRowContext(ctx, `SELECT last_disconnect_at FROM cameras WHERE id = $1`, cameraID).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

func (r SessionRepository) UpdateLastDisconnect(ctx context.Context, cameraID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE cameras SET last_disconnect_at = $2 WHERE id = $1`,
		cameraID, time.Now().UTC())
	return err
}

// ConnectionEventRepository logs the nine-variant connection events.
type ConnectionEventRepository struct {
	DB DBTX
}

func (r ConnectionEventRepository) Log(ctx context.Context, cameraID string, evt ConnectionEvent,
	purpose *StreamPurpose, clientID *string, detail *string) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO connection_events (camera_id, event_type, purpose, client_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cameraID, evt, purpose, clientID, detail, time.Now().UTC())
	return err
}

// AccessFamilyLimitRepository resolves effective per-camera limits: a
// per-camera JSON override over the family defaults (§3).
type AccessFamilyLimitRepository struct {
	DB DBTX
}

func (r AccessFamilyLimitRepository) CameraFamily(ctx context.Context, cameraID string) (AccessFamily, error) {
	var fam AccessFamily
	err := r.DB.QueryRowContext(ctx, `SELECT family FROM cameras WHERE id = $1`, cameraID).Scan(&fam)
	if err == sql.ErrNoRows {
		return FamilyUnknown, nil
	}
	if err != nil {
		return "", err
	}
	return fam, nil
}

func (r AccessFamilyLimitRepository) CameraOverride(ctx context.Context, cameraID string) (map[string]any, error) {
	var raw sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT access_limit_override FROM cameras WHERE id = $1`, cameraID).Scan(&raw)
	if err == sql.ErrNoRows || !raw.Valid || raw.String == "" {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseJSONObject(raw.String)
}
