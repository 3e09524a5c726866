// Package camerasync implements §4.9's Camera Metadata Sync: the
// split-ownership reconciliation between IS22 (name, location,
// context, online status) and the cloud (lacis_id, behavioural
// settings), plus its periodic full-sync scheduler.
package camerasync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aranea-isms/is22/internal/data"
	"github.com/aranea-isms/is22/internal/outbound"
)

const (
	defaultSyncInterval = time.Hour
	minSyncInterval     = 5 * time.Minute
	initialSettle       = 30 * time.Second
)

// Service pushes camera metadata to the cloud and tracks per-camera
// sync state. Pull-side reconciliation (camera_settings, camera_remove)
// lives in internal/outbound's notification Handler, which shares the
// same CameraSyncRepository.
type Service struct {
	cameras data.CameraRepository
	sync    data.CameraSyncRepository
	client  *outbound.Client

	mu      sync.Mutex
	running bool

	now func() time.Time
}

func NewService(cameras data.CameraRepository, sync data.CameraSyncRepository, client *outbound.Client) *Service {
	return &Service{cameras: cameras, sync: sync, client: client, now: time.Now}
}

// StartPeriodicSync runs the §4.9 scheduler: a 30-second initial
// settle, then a full push every interval (zero means the one-hour
// default; anything else is clamped to the 5-minute minimum), until ctx
// is cancelled.
func (s *Service) StartPeriodicSync(ctx context.Context, fid string, interval time.Duration) {
	if interval == 0 {
		interval = defaultSyncInterval
	}
	if interval < minSyncInterval {
		interval = minSyncInterval
	}

	select {
	case <-time.After(initialSettle):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FullSync(ctx, fid); err != nil {
				log.Printf("camerasync: periodic full sync for %s failed: %v", fid, err)
			}
		}
	}
}

// FullSync pushes a metadata snapshot for every registered camera in
// a single batch. Concurrent runs are suppressed by the running flag.
func (s *Service) FullSync(ctx context.Context, fid string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("camerasync: full sync already running, skipped")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	cameras, err := s.cameras.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}
	if len(cameras) == 0 {
		return nil
	}

	entries := make([]metadataEntry, 0, len(cameras))
	ids := make([]string, 0, len(cameras))
	for _, cam := range cameras {
		entries = append(entries, buildMetadataEntry(cam))
		ids = append(ids, cam.ID)
	}

	if err := s.client.PushCameraMetadata(ctx, fid, entries); err != nil {
		if markErr := s.sync.MarkPushFailed(ctx, ids, err.Error()); markErr != nil {
			log.Printf("camerasync: mark push failed: %v", markErr)
		}
		return fmt.Errorf("push camera metadata: %w", err)
	}

	return s.sync.MarkPushed(ctx, ids)
}

// PushSingle is the single-camera specialisation used after a local
// metadata edit, so the cloud doesn't wait for the next full sync.
func (s *Service) PushSingle(ctx context.Context, fid string, cam *data.Camera) error {
	entry := buildMetadataEntry(cam)
	if err := s.client.PushCameraMetadata(ctx, fid, []metadataEntry{entry}); err != nil {
		if markErr := s.sync.MarkPushFailed(ctx, []string{cam.ID}, err.Error()); markErr != nil {
			log.Printf("camerasync: mark push failed: %v", markErr)
		}
		return fmt.Errorf("push camera metadata: %w", err)
	}
	return s.sync.MarkPushed(ctx, []string{cam.ID})
}

// NotifyDeleted emits a deleted_cameras notification for a locally
// deleted camera and marks its sync state deleted.
func (s *Service) NotifyDeleted(ctx context.Context, fid string, cam *data.Camera) error {
	if err := s.client.PushCameraMetadata(ctx, fid, map[string]any{
		"deleted_cameras": []string{cam.LacisID.String},
	}); err != nil {
		return fmt.Errorf("notify camera deleted: %w", err)
	}
	return s.sync.MarkDeleted(ctx, cam.ID)
}

// metadataEntry is the IS22-owned portion of the cloud's camera record.
type metadataEntry struct {
	LacisID string `json:"lacis_id"`
	Name    string `json:"name"`
	Online  bool   `json:"online"`
}

func buildMetadataEntry(cam *data.Camera) metadataEntry {
	return metadataEntry{
		LacisID: cam.LacisID.String,
		Name:    cam.Name,
		Online:  cam.Enabled && !cam.LastDisconnectAt.Valid,
	}
}
