// Package eventstore implements the Bounded Event Store & Storage Quota
// of spec §4.6: persists detection logs and their JPEGs, enforces
// operator-configured count/byte quotas out-of-band, and exposes an
// operator-gated purge for "unknown" floods.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/data"
)

// QueuePayload is the compact subset of a detection that rides the
// cloud-sync-queue row (§4.6 step 3).
type QueuePayload struct {
	CameraID      string  `json:"camera_id"`
	LacisID       string  `json:"lacis_id,omitempty"`
	CapturedAt    string  `json:"captured_at"`
	PrimaryEvent  string  `json:"primary_event"`
	Severity      int     `json:"severity"`
	Confidence    float64 `json:"confidence"`
	CountHint     int     `json:"count_hint"`
	Tags          json.RawMessage `json:"tags,omitempty"`
	PresetID      string  `json:"preset_id"`
	Loitering     bool    `json:"loitering"`
	ImagePath     string  `json:"image_path"`
	SchemaVersion int     `json:"schema_version"`
}

// Store is the Event Store. db must support transactions (*sql.DB).
type Store struct {
	db        *sql.DB
	logs      data.DetectionLogRepository
	queue     data.SendQueueRepository
	imageBase string
	store     *config.Store
}

func NewStore(db *sql.DB, imageBase string, cfg *config.Store) *Store {
	return &Store{
		db:        db,
		logs:      data.DetectionLogRepository{DB: db},
		queue:     data.SendQueueRepository{DB: db},
		imageBase: imageBase,
		store:     cfg,
	}
}

// compactTimestamp strips ":", "-", "T", "Z", "." from an RFC3339
// timestamp, per §6's storage-layout naming rule.
func compactTimestamp(t time.Time) string {
	s := t.UTC().Format(time.RFC3339Nano)
	r := strings.NewReplacer(":", "", "-", "", "T", "", "Z", "", ".", "")
	return r.Replace(s)
}

func (s *Store) imagePath(cameraID string, capturedAt time.Time) string {
	return filepath.Join(s.imageBase, cameraID, compactTimestamp(capturedAt)+".jpg")
}

func (s *Store) latestPath(cameraID string) string {
	return filepath.Join(s.imageBase, cameraID, "latest.jpg")
}

// WriteLatest refreshes the per-camera "latest" JPEG used for UI serving
// (§4.3 step 2 "cache"), independent of whether this frame is persisted.
func (s *Store) WriteLatest(cameraID string, jpeg []byte) error {
	dir := filepath.Join(s.imageBase, cameraID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(s.latestPath(cameraID), jpeg, 0o644)
}

// SaveDetection implements the §4.6 persist flow: write the JPEG, insert
// the detection-log row, and insert its cloud-sync-queue row in one
// transaction, so a log row exists iff its sync row does (§5).
func (s *Store) SaveDetection(ctx context.Context, log data.DetectionLog, jpeg []byte) (logID int64, err error) {
	path := s.imagePath(log.CameraID, log.CapturedAt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := renameio.WriteFile(path, jpeg, 0o644); err != nil {
		return 0, err
	}
	log.ImagePathLocal = path

	payload := QueuePayload{
		CameraID:     log.CameraID,
		CapturedAt:   log.CapturedAt.UTC().Format(time.RFC3339),
		PrimaryEvent: log.PrimaryEvent,
		Severity:     log.Severity,
		Confidence:   log.Confidence,
		CountHint:    log.CountHint,
		Tags:         log.Tags,
		PresetID:     log.PresetID,
		ImagePath:    path,
		SchemaVersion: 1,
	}
	if log.LacisID.Valid {
		payload.LacisID = log.LacisID.String
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	logID, _, err = s.logs.InsertWithQueue(ctx, tx, log, payloadBytes)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return logID, nil
}

// SaveEvent persists a detection-log row with no associated image — used
// for synthetic records such as camera_lost/camera_recovered transitions
// (§4.3 step 5c) whose image_path_local is always empty.
func (s *Store) SaveEvent(ctx context.Context, log data.DetectionLog, payload QueuePayload) (logID int64, err error) {
	payload.CameraID = log.CameraID
	payload.CapturedAt = log.CapturedAt.UTC().Format(time.RFC3339)
	payload.PrimaryEvent = log.PrimaryEvent
	payload.Severity = log.Severity
	payload.SchemaVersion = 1
	if log.LacisID.Valid {
		payload.LacisID = log.LacisID.String
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	logID, _, err = s.logs.InsertWithQueue(ctx, tx, log, payloadBytes)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return logID, nil
}

func (s *Store) Latest(ctx context.Context, limit int) ([]data.DetectionLog, error) {
	return s.logs.Latest(ctx, limit)
}

func (s *Store) ByCamera(ctx context.Context, cameraID string, limit int) ([]data.DetectionLog, error) {
	return s.logs.ByCamera(ctx, cameraID, limit)
}

func (s *Store) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]data.DetectionLog, error) {
	return s.logs.ByTimeRange(ctx, from, to, limit)
}

func (s *Store) BySeverityAtLeast(ctx context.Context, minSeverity, limit int) ([]data.DetectionLog, error) {
	return s.logs.BySeverityAtLeast(ctx, minSeverity, limit)
}

// SweepResult reports what a quota or purge operation did (or would do).
type SweepResult struct {
	Total   int
	Deleted int
	Kept    int
}

// SweepCameraQuota enforces the per-camera image-count and byte quotas
// for one camera, deleting strictly oldest-first until both thresholds
// are satisfied (§4.6). Invoked out-of-band, never inline with capture.
func (s *Store) SweepCameraQuota(ctx context.Context, cameraID string) (SweepResult, error) {
	overlay := s.store.Get()
	images, err := s.logs.ImagesByCameraOldestFirst(ctx, cameraID)
	if err != nil {
		return SweepResult{}, err
	}
	return s.sweep(ctx, images, overlay.Quota.MaxImagesPerCamera, overlay.Quota.MaxBytesPerCamera)
}

// SweepGlobalQuota enforces the global aggregate-bytes quota across all
// cameras, oldest-first.
func (s *Store) SweepGlobalQuota(ctx context.Context) (SweepResult, error) {
	overlay := s.store.Get()
	images, err := s.logs.AllImagesOldestFirst(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	return s.sweep(ctx, images, 0, overlay.Quota.MaxBytesGlobal)
}

func (s *Store) sweep(ctx context.Context, images []data.ImageRow, maxCount int, maxBytes int64) (SweepResult, error) {
	total := len(images)
	result := SweepResult{Total: total}

	sized := make([]data.ImageRow, 0, total)
	mtimes := make(map[int64]time.Time, total)
	var totalBytes int64
	for _, img := range images {
		info, err := os.Stat(img.ImagePath)
		if err != nil {
			continue // file already gone; row stays, nothing to sweep
		}
		img.Bytes = info.Size()
		mtimes[img.ID] = info.ModTime()
		totalBytes += img.Bytes
		sized = append(sized, img)
	}
	// Oldest file mtime goes first; equal mtimes keep the query's order.
	sort.SliceStable(sized, func(i, j int) bool {
		return mtimes[sized[i].ID].Before(mtimes[sized[j].ID])
	})

	count := len(sized)
	idx := 0
	for idx < count {
		overCount := maxCount > 0 && count-idx > maxCount
		overBytes := maxBytes > 0 && totalBytes > maxBytes
		if !overCount && !overBytes {
			break
		}
		victim := sized[idx]
		if err := os.Remove(victim.ImagePath); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("remove %s: %w", victim.ImagePath, err)
		}
		if err := s.logs.ClearImagePath(ctx, victim.ID); err != nil {
			return result, err
		}
		totalBytes -= victim.Bytes
		result.Deleted++
		idx++
	}
	result.Kept = total - result.Deleted
	return result, nil
}

// PurgeUnknown implements §4.6's operator-gated unknown purge: keep the
// most recent ceil(10%) (at least one), delete the rest. confirmed=false
// performs no side effects and only reports counts.
func (s *Store) PurgeUnknown(ctx context.Context, confirmed bool) (SweepResult, error) {
	images, err := s.logs.UnknownImagesOldestFirst(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	total := len(images)
	keep := int(math.Ceil(float64(total) * 0.10))
	if keep < 1 && total > 0 {
		keep = 1
	}
	deleteCount := total - keep
	if deleteCount < 0 {
		deleteCount = 0
	}

	result := SweepResult{Total: total, Deleted: 0, Kept: total - deleteCount}
	if !confirmed {
		return result, nil
	}

	for _, img := range images[:deleteCount] {
		if err := os.Remove(img.ImagePath); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("remove %s: %w", img.ImagePath, err)
		}
		if err := s.logs.ClearImagePath(ctx, img.ID); err != nil {
			return result, err
		}
		result.Deleted++
	}
	return result, nil
}
