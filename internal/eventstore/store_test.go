package eventstore_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/eventstore"
)

func imageRowsOf(t *testing.T, dir string, ages ...time.Duration) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{"id", "camera_id", "image_path_local", "captured_at"})
	now := time.Now()
	for i, age := range ages {
		path := filepath.Join(dir, fmt.Sprintf("img-%d.jpg", i))
		if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
			t.Fatalf("write fixture image: %v", err)
		}
		rows.AddRow(int64(i+1), "cam-1", path, now.Add(-age))
	}
	return rows
}

// TestSweepCameraQuota_DeletesOldestOnly is spec §8 end-to-end scenario
// 5: per-camera quota {max_images:3, max_bytes:∞} over four files aged
// {100s, 80s, 60s, 40s} deletes the 100s file only, returning
// {total:4, deleted:1, kept:3}.
func TestSweepCameraQuota_DeletesOldestOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dir := t.TempDir()
	cfg := config.NewStore("/nonexistent/is22-test-config.yaml")
	overlay := cfg.Get()
	overlay.Quota.MaxImagesPerCamera = 3
	overlay.Quota.MaxBytesPerCamera = 0 // disabled: this scenario is count-only
	cfg.Apply(overlay)

	store := eventstore.NewStore(db, dir, cfg)

	rows := imageRowsOf(t, dir, 100*time.Second, 80*time.Second, 60*time.Second, 40*time.Second)
	mock.ExpectQuery("SELECT id, camera_id, image_path_local, captured_at").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE detection_logs SET image_path_local").WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := store.SweepCameraQuota(context.Background(), "cam-1")
	if err != nil {
		t.Fatalf("SweepCameraQuota failed: %v", err)
	}
	if result.Total != 4 || result.Deleted != 1 || result.Kept != 3 {
		t.Errorf("got %+v, want {Total:4 Deleted:1 Kept:3}", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestPurgeUnknown_BoundaryVectors covers the three §8 unknown-purge
// boundary examples: 100 unknowns keeps 10 and deletes 90; 5 unknowns
// keeps 1 (ceil(0.5)=1) and deletes 4; 1 unknown keeps at least 1.
func TestPurgeUnknown_BoundaryVectors(t *testing.T) {
	cases := []struct {
		name        string
		total       int
		wantKept    int
		wantDeleted int
	}{
		{"hundred", 100, 10, 90},
		{"five", 5, 1, 4},
		{"one", 1, 1, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock: %v", err)
			}
			defer db.Close()

			cfg := config.NewStore("/nonexistent/is22-test-config.yaml")
			store := eventstore.NewStore(db, t.TempDir(), cfg)

			rows := sqlmock.NewRows([]string{"id", "camera_id", "image_path_local", "captured_at"})
			now := time.Now()
			for i := 0; i < tc.total; i++ {
				rows.AddRow(int64(i+1), "cam-unknown", filepath.Join(os.TempDir(), "unknown.jpg"), now.Add(-time.Duration(tc.total-i)*time.Second))
			}
			mock.ExpectQuery("SELECT id, camera_id, image_path_local, captured_at").WillReturnRows(rows)
			for i := 0; i < tc.wantDeleted; i++ {
				mock.ExpectExec("UPDATE detection_logs SET image_path_local").WillReturnResult(sqlmock.NewResult(0, 1))
			}

			result, err := store.PurgeUnknown(context.Background(), true)
			if err != nil {
				t.Fatalf("PurgeUnknown failed: %v", err)
			}
			if result.Total != tc.total {
				t.Errorf("total = %d, want %d", result.Total, tc.total)
			}
			if result.Kept != tc.wantKept {
				t.Errorf("kept = %d, want %d", result.Kept, tc.wantKept)
			}
			if result.Deleted != tc.wantDeleted {
				t.Errorf("deleted = %d, want %d", result.Deleted, tc.wantDeleted)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

// TestPurgeUnknown_PreviewIsReadOnly confirms the unconfirmed preview
// mode performs no deletes (§4.6 "a preview (unconfirmed) and commit
// (confirmed) mode").
func TestPurgeUnknown_PreviewIsReadOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cfg := config.NewStore("/nonexistent/is22-test-config.yaml")
	store := eventstore.NewStore(db, t.TempDir(), cfg)

	rows := sqlmock.NewRows([]string{"id", "camera_id", "image_path_local", "captured_at"})
	now := time.Now()
	for i := 0; i < 100; i++ {
		rows.AddRow(int64(i+1), "cam-unknown", "/tmp/unknown.jpg", now.Add(-time.Duration(100-i)*time.Second))
	}
	mock.ExpectQuery("SELECT id, camera_id, image_path_local, captured_at").WillReturnRows(rows)

	result, err := store.PurgeUnknown(context.Background(), false)
	if err != nil {
		t.Fatalf("PurgeUnknown preview failed: %v", err)
	}
	if result.Total != 100 || result.Deleted != 0 || result.Kept != 10 {
		t.Errorf("got %+v, want {Total:100 Deleted:0 Kept:10}", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
