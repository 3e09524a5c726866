// Package outbound implements §4.8's durable bridge to the cloud: the
// LacisOath-authenticated HTTP client, a per-{tid,fid} send-queue
// worker with exponential backoff, and the inbound push-notification
// handler with its tenancy guard.
package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	connectPath        = "/connect"
	ingestSummaryPath  = "/ingest-summary"
	ingestEventPath    = "/ingest-event"
	getConfigPath      = "/get-config"
	cameraMetadataPath = "/camera-metadata"
	aiChatPath         = "/ai-chat"
)

// LacisOath is the device identity carried on every outbound request.
type LacisOath struct {
	LacisID  string `json:"lacis_id"`
	TID      string `json:"tid"`
	CIC      string `json:"cic"`
	Blessing string `json:"-"`
}

func (o LacisOath) header() (string, error) {
	b, err := json.Marshal(struct {
		LacisID string `json:"lacis_id"`
		TID     string `json:"tid"`
		CIC     string `json:"cic"`
	}{o.LacisID, o.TID, o.CIC})
	if err != nil {
		return "", err
	}
	return "LacisOath " + base64.StdEncoding.EncodeToString(b), nil
}

// Client talks to the cloud service over plain JSON POSTs, each body
// wrapped as {fid, payload}.
type Client struct {
	http    *http.Client
	baseURL string
	oath    LacisOath
}

func NewClient(baseURL string, oath LacisOath) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		baseURL: baseURL,
		oath:    oath,
	}
}

// Connect performs the initial handshake for a {tid, fid} pair,
// confirming the device's credentials are accepted before the send
// queue worker starts draining.
func (c *Client) Connect(ctx context.Context, fid, deviceVersion string) error {
	return c.post(ctx, connectPath, fid, map[string]any{
		"deviceType": "is22",
		"version":    deviceVersion,
	}, nil)
}

// EventResponse carries the cloud-assigned id and, for events with an
// attached snapshot, the storage path it was written to.
type EventResponse struct {
	EventID     string `json:"event_id"`
	StoragePath string `json:"storage_path,omitempty"`
}

// PostEvent sends a single detection/status event inline. Image bytes,
// when present, travel as base64 inside the JSON body per §6.
func (c *Client) PostEvent(ctx context.Context, fid string, payload json.RawMessage, snapshot []byte, mimeType string) (*EventResponse, error) {
	body := map[string]any{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}
	if len(snapshot) > 0 {
		body["snapshot_base64"] = base64.StdEncoding.EncodeToString(snapshot)
		body["snapshot_mime_type"] = mimeType
	}
	var resp EventResponse
	if err := c.post(ctx, ingestEventPath, fid, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostSummary ships a Summary or Grand Summary payload (§4.10).
func (c *Client) PostSummary(ctx context.Context, fid string, payload json.RawMessage) error {
	var body any
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("unmarshal summary payload: %w", err)
	}
	return c.post(ctx, ingestSummaryPath, fid, body, nil)
}

// GetConfig fetches the latest config overlay for a facility.
func (c *Client) GetConfig(ctx context.Context, fid string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.post(ctx, getConfigPath, fid, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PushCameraMetadata sends a batch of camera snapshots for the
// Camera Metadata Sync push side (§4.9).
func (c *Client) PushCameraMetadata(ctx context.Context, fid string, cameras any) error {
	return c.post(ctx, cameraMetadataPath, fid, map[string]any{"cameras": cameras}, nil)
}

// cloudCameraSettings is the wire shape of a camera_settings pull.
type cloudCameraSettings struct {
	Sensitivity    float64 `json:"sensitivity"`
	DetectionZone  json.RawMessage `json:"detection_zone"`
	AlertThreshold int     `json:"alert_threshold"`
	CustomPresetID string  `json:"custom_preset"`
}

// PullCameraSettings fetches the cloud-held behavioural settings for a
// single camera by lacis id, the pull side of §4.9.
func (c *Client) PullCameraSettings(ctx context.Context, fid, lacisID string) (*cloudCameraSettings, error) {
	var out cloudCameraSettings
	if err := c.post(ctx, cameraMetadataPath, fid, map[string]any{"action": "pull", "lacis_id": lacisID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AIChat requests a human-readable narrative for a generated report.
// Returns ("", nil) if the cloud declines to produce one — the caller
// suppresses the realtime narrative broadcast in that case.
func (c *Client) AIChat(ctx context.Context, fid, prompt string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.post(ctx, aiChatPath, fid, map[string]any{"prompt": prompt}, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *Client) post(ctx context.Context, path, fid string, payload any, out any) error {
	envelope := map[string]any{"fid": fid, "payload": payload}
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	oathHeader, err := c.oath.header()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", oathHeader)
	if c.oath.Blessing != "" {
		req.Header.Set("X-Lacis-Blessing", c.oath.Blessing)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cloud %s: status %d: %s", path, resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
