package outbound

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/data"
)

// NotificationType enumerates §4.8's recognised push notifications.
type NotificationType string

const (
	NotifyConfigUpdate    NotificationType = "config_update"
	NotifyConfigDelete    NotificationType = "config_delete"
	NotifyDisconnect      NotificationType = "disconnect"
	NotifyForceSync       NotificationType = "force_sync"
	NotifyCameraSettings  NotificationType = "camera_settings"
	NotifyCameraRemove    NotificationType = "camera_remove"
)

// Notification is the decoded push payload, §6's
// {type, tid, fids[], updatedAt, actor, changedFields?, changedCameras?, removedCameras?}.
type Notification struct {
	Type           NotificationType `json:"type"`
	TID            string           `json:"tid"`
	FIDs           []string         `json:"fids"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	Actor          string           `json:"actor"`
	ChangedFields  []string         `json:"changedFields,omitempty"`
	ChangedCameras []string         `json:"changedCameras,omitempty"`
	RemovedCameras []string         `json:"removedCameras,omitempty"`
	LacisID        string           `json:"lacisId,omitempty"`
}

// PushEnvelope is the pub/sub-shaped transport wrapper from §6:
// {message: {data: <base64>, messageId, publishTime, attributes}, subscription}.
type PushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ErrTenancyRejected is returned when every supplied facility id fails
// the tenancy guard — the distinct error kind §4.8 requires.
var ErrTenancyRejected = fmt.Errorf("all facility ids rejected by tenancy guard")

// Handler processes inbound notifications.
type Handler struct {
	AllowedFIDs  map[string]bool // fids this device's tenant is permitted to act on
	BypassGuard  bool            // explicit process-wide opt-out
	Client       *Client
	ConfigStore  *config.Store
	Conns        data.CloudConnectionRepository
	CameraSettings data.CameraSettingsRepository
	CameraSync   data.CameraSyncRepository
	Cameras      data.CameraRepository
}

// DecodeEnvelope unwraps the pub/sub transport shape and parses the
// inner JSON notification.
func DecodeEnvelope(raw []byte) (Notification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Notification{}, fmt.Errorf("decode envelope: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("decode envelope data: %w", err)
	}
	var n Notification
	if err := json.Unmarshal(decoded, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

// Handle dispatches a notification after running the tenancy guard.
func (h *Handler) Handle(ctx context.Context, n Notification) error {
	validFIDs, err := h.guardFIDs(n.FIDs)
	if err != nil {
		return err
	}

	switch n.Type {
	case NotifyConfigUpdate, NotifyForceSync:
		return h.handleConfigUpdate(ctx, n.TID, validFIDs)
	case NotifyConfigDelete, NotifyDisconnect:
		return h.handleDisconnect(ctx, n.TID, validFIDs)
	case NotifyCameraSettings:
		return h.handleCameraSettings(ctx, n, validFIDs)
	case NotifyCameraRemove:
		return h.handleCameraRemove(ctx, n.RemovedCameras)
	default:
		return fmt.Errorf("unrecognised notification type %q", n.Type)
	}
}

// guardFIDs validates every supplied fid belongs to this device's
// tenant. Empty input means "all permitted ids". If every id fails
// validation the notification is rejected outright, unless the
// explicit opt-out is set.
func (h *Handler) guardFIDs(fids []string) ([]string, error) {
	if h.BypassGuard {
		if len(fids) == 0 {
			return h.allFIDs(), nil
		}
		return fids, nil
	}
	if len(fids) == 0 {
		return h.allFIDs(), nil
	}

	var valid []string
	for _, fid := range fids {
		if h.AllowedFIDs[fid] {
			valid = append(valid, fid)
		} else {
			log.Printf("outbound: fid %q excluded by tenancy guard", fid)
		}
	}
	if len(valid) == 0 {
		return nil, ErrTenancyRejected
	}
	return valid, nil
}

func (h *Handler) allFIDs() []string {
	out := make([]string, 0, len(h.AllowedFIDs))
	for fid := range h.AllowedFIDs {
		out = append(out, fid)
	}
	return out
}

func (h *Handler) handleConfigUpdate(ctx context.Context, tid string, fids []string) error {
	for _, fid := range fids {
		raw, err := h.Client.GetConfig(ctx, fid)
		if err != nil {
			log.Printf("outbound: get-config for %s/%s: %v", tid, fid, err)
			continue
		}
		// raw is JSON, a valid subset of YAML, so the existing yaml-tagged
		// Overlay struct can decode it directly without a parallel json tag set.
		var overlay config.Overlay
		if err := yaml.Unmarshal(raw, &overlay); err != nil {
			log.Printf("outbound: parse cloud config for %s/%s: %v", tid, fid, err)
			continue
		}
		h.ConfigStore.Apply(overlay)
		log.Printf("outbound: applied cloud config overwrite for %s/%s", tid, fid)
	}
	return nil
}

func (h *Handler) handleDisconnect(ctx context.Context, tid string, fids []string) error {
	for _, fid := range fids {
		if err := h.Conns.SetStatus(ctx, tid, fid, data.CloudDisconnected); err != nil {
			return fmt.Errorf("mark %s/%s disconnected: %w", tid, fid, err)
		}
	}
	return nil
}

// handleCameraSettings pulls the cloud-held behavioural settings for
// each affected camera, keyed by lacis id per §4.9's pull side.
func (h *Handler) handleCameraSettings(ctx context.Context, n Notification, fids []string) error {
	if len(fids) == 0 {
		return fmt.Errorf("camera_settings notification has no usable facility id")
	}
	fid := fids[0]

	for _, lacisID := range n.ChangedCameras {
		cam, err := h.Cameras.ByLacisID(ctx, lacisID)
		if err != nil {
			return fmt.Errorf("lookup camera for lacis id %s: %w", lacisID, err)
		}
		if cam == nil {
			log.Printf("outbound: camera_settings for unknown lacis id %s, skipping", lacisID)
			continue
		}

		settings, err := h.Client.PullCameraSettings(ctx, fid, lacisID)
		if err != nil {
			return fmt.Errorf("pull settings for %s: %w", lacisID, err)
		}

		var customPreset sql.NullString
		if settings.CustomPresetID != "" {
			customPreset = sql.NullString{String: settings.CustomPresetID, Valid: true}
		}
		if err := h.CameraSettings.Upsert(ctx, data.CameraSettings{
			CameraID:       cam.ID,
			Sensitivity:    settings.Sensitivity,
			DetectionZone:  []byte(settings.DetectionZone),
			AlertThreshold: settings.AlertThreshold,
			CustomPresetID: customPreset,
		}); err != nil {
			return fmt.Errorf("upsert camera settings for %s: %w", cam.ID, err)
		}
		if err := h.CameraSync.TouchPulled(ctx, cam.ID, time.Now()); err != nil {
			log.Printf("outbound: touch sync state for %s: %v", cam.ID, err)
		}
	}
	return nil
}

func (h *Handler) handleCameraRemove(ctx context.Context, cameraIDs []string) error {
	for _, cameraID := range cameraIDs {
		if err := h.Cameras.SoftDelete(ctx, cameraID); err != nil {
			return fmt.Errorf("soft delete camera %s: %w", cameraID, err)
		}
	}
	return nil
}
