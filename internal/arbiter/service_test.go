package arbiter_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/aranea-isms/is22/internal/arbiter"
	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/data"
)

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	// A path that can never exist: NewStore falls back to its built-in
	// default overlay, which already carries {family: "unknown", max: 1}
	// per §4.1's "missing family falls back to unknown".
	return config.NewStore("/nonexistent/is22-test-config.yaml")
}

func sessionRows(sessions ...data.StreamSession) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"session_id", "camera_id", "stream_type", "purpose",
		"client_id", "started_at", "expires_at", "last_heartbeat_at", "status"})
	for _, s := range sessions {
		rows.AddRow(s.SessionID, s.CameraID, s.StreamType, s.Purpose, s.ClientID,
			s.StartedAt, s.ExpiresAt, s.LastHeartbeatAt, s.Status)
	}
	return rows
}

// TestAcquire_PreemptionWithExclusiveBypass is spec §8 end-to-end
// scenario 1: limits {max:1, min_reconnect:0, exclusive:true}, one
// active health_check session, a click_modal acquire with allow_preempt
// must succeed, report exit_delay_sec=0, and leave one click_modal
// session active.
func TestAcquire_PreemptionWithExclusiveBypass(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	svc := arbiter.NewService(
		data.SessionRepository{DB: db},
		data.ConnectionEventRepository{DB: db},
		data.AccessFamilyLimitRepository{DB: db},
		newTestStore(t),
	)

	const cameraID = "cam-1"
	victim := data.StreamSession{
		SessionID: "sess-victim", CameraID: cameraID, StreamType: data.StreamType("main"),
		Purpose: data.PurposeHealthCheck, ClientID: "victim-client",
		StartedAt: time.Now().Add(-time.Minute), LastHeartbeatAt: time.Now(),
		Status: data.SessionActive,
	}

	mock.ExpectQuery("SELECT family FROM cameras").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT access_limit_override FROM cameras").
		WillReturnRows(sqlmock.NewRows([]string{"access_limit_override"}).
			AddRow(`{"min_reconnect_interval_ms":0,"require_exclusive_lock":true}`))
	mock.ExpectQuery("SELECT session_id, camera_id, stream_type, purpose, client_id, started_at").
		WillReturnRows(sessionRows(victim))
	mock.ExpectExec("DELETE FROM stream_sessions").WithArgs(victim.SessionID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE cameras SET last_disconnect_at").WithArgs(cameraID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO connection_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO stream_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO connection_events").WillReturnResult(sqlmock.NewResult(2, 1))

	result, err := svc.Acquire(context.Background(), cameraID, data.PurposeClickModal, "new-client", data.StreamType("main"), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Preemption == nil {
		t.Fatal("expected a preemption info, got nil")
	}
	if result.Preemption.ExitDelaySec != 0 {
		t.Errorf("exit_delay_sec = %d, want 0 for a preempted health_check", result.Preemption.ExitDelaySec)
	}
	if result.Token.Purpose != data.PurposeClickModal {
		t.Errorf("granted purpose = %s, want click_modal", result.Token.Purpose)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestAcquire_ShortReconnectWaitAbsorbed is spec §8 scenario 2:
// min_reconnect_interval_ms=500, last_disconnect 100ms ago, acquire
// blocks briefly and then succeeds without error.
func TestAcquire_ShortReconnectWaitAbsorbed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	svc := arbiter.NewService(
		data.SessionRepository{DB: db},
		data.ConnectionEventRepository{DB: db},
		data.AccessFamilyLimitRepository{DB: db},
		newTestStore(t),
	)

	const cameraID = "cam-2"
	lastDisconnect := time.Now().Add(-100 * time.Millisecond)

	mock.ExpectQuery("SELECT family FROM cameras").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT access_limit_override FROM cameras").
		WillReturnRows(sqlmock.NewRows([]string{"access_limit_override"}).
			AddRow(`{"min_reconnect_interval_ms":500}`))
	mock.ExpectQuery("SELECT session_id, camera_id, stream_type, purpose, client_id, started_at").
		WillReturnRows(sessionRows())
	mock.ExpectQuery("SELECT last_disconnect_at FROM cameras").
		WillReturnRows(sqlmock.NewRows([]string{"last_disconnect_at"}).AddRow(lastDisconnect))
	mock.ExpectExec("INSERT INTO stream_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO connection_events").WillReturnResult(sqlmock.NewResult(1, 1))

	start := time.Now()
	result, err := svc.Acquire(context.Background(), cameraID, data.PurposePolling, "client-1", data.StreamType("main"), false)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Acquire returned an error for a sub-second wait: %v", err)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("acquire returned after %v, expected to absorb ~400ms of reconnect wait", elapsed)
	}
	if result.Preemption != nil {
		t.Errorf("unexpected preemption info: %+v", result.Preemption)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestAcquire_ReconnectIntervalNotMet covers a wait past the 1-second
// absorption ceiling (5000ms interval, ~4900ms remaining; §8 "wait >=
// 1000ms produces ReconnectIntervalNotMet").
func TestAcquire_ReconnectIntervalNotMet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	svc := arbiter.NewService(
		data.SessionRepository{DB: db},
		data.ConnectionEventRepository{DB: db},
		data.AccessFamilyLimitRepository{DB: db},
		newTestStore(t),
	)

	const cameraID = "cam-3"
	lastDisconnect := time.Now().Add(-100 * time.Millisecond)

	mock.ExpectQuery("SELECT family FROM cameras").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT access_limit_override FROM cameras").
		WillReturnRows(sqlmock.NewRows([]string{"access_limit_override"}).
			AddRow(`{"min_reconnect_interval_ms":5000}`))
	mock.ExpectQuery("SELECT session_id, camera_id, stream_type, purpose, client_id, started_at").
		WillReturnRows(sessionRows())
	mock.ExpectQuery("SELECT last_disconnect_at FROM cameras").
		WillReturnRows(sqlmock.NewRows([]string{"last_disconnect_at"}).AddRow(lastDisconnect))
	mock.ExpectExec("INSERT INTO connection_events").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = svc.Acquire(context.Background(), cameraID, data.PurposePolling, "client-1", data.StreamType("main"), false)
	arbErr, ok := err.(*arbiter.Error)
	if !ok {
		t.Fatalf("expected *arbiter.Error, got %T (%v)", err, err)
	}
	if arbErr.Code != "ReconnectIntervalNotMet" {
		t.Errorf("error code = %s, want ReconnectIntervalNotMet", arbErr.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestRelease_UnknownSessionIsNoop exercises §8's "release(session_id)
// twice returns the same outcome on the second call" round-trip property.
func TestRelease_UnknownSessionIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	svc := arbiter.NewService(
		data.SessionRepository{DB: db},
		data.ConnectionEventRepository{DB: db},
		data.AccessFamilyLimitRepository{DB: db},
		newTestStore(t),
	)

	mock.ExpectQuery("SELECT session_id, camera_id, stream_type, purpose, client_id, started_at").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("DELETE FROM stream_sessions").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := svc.Release(context.Background(), "no-such-session"); err != nil {
		t.Errorf("Release on unknown session id returned %v, want nil", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
