// Package inference is the client for the external inference service
// (IS21), a multipart POST contract defined by spec §6.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// Request is one capture-inference-persist call's input (§4.3, §6).
type Request struct {
	CameraID        string
	CapturedAt      time.Time
	SchemaVersion   int
	PresetID        string
	PresetVersion   string
	ReturnBBoxes    bool
	EnableFrameDiff bool
	OutputSchema    string
	HintsJSON       json.RawMessage

	InferImage []byte // required
	PrevImage  []byte // optional, carries the previous-frame context
}

// FrameDiff is the §6 frame_diff sub-object, present when EnableFrameDiff
// was set and a previous frame was supplied.
type FrameDiff struct {
	PersonChanges   int      `json:"person_changes"`
	MovementVectors []string `json:"movement_vectors"`
	Loitering       bool     `json:"loitering"`
	SceneChange     bool     `json:"scene_change"`
	CameraStatus    string   `json:"camera_status"`
}

// Response is the §6 inference response contract.
type Response struct {
	Analyzed      bool            `json:"analyzed"`
	Detected      bool            `json:"detected"`
	PrimaryEvent  string          `json:"primary_event"`
	Severity      int             `json:"severity"`
	Confidence    float64         `json:"confidence"`
	CountHint     int             `json:"count_hint"`
	UnknownFlag   bool            `json:"unknown_flag"`
	Tags          []string        `json:"tags"`
	BBoxes        json.RawMessage `json:"bboxes"`
	PersonDetails json.RawMessage `json:"person_details,omitempty"`
	Suspicious    bool            `json:"suspicious"`
	FrameDiff     *FrameDiff      `json:"frame_diff,omitempty"`

	YoloMs int `json:"yolo_ms"`
	ParMs  int `json:"par_ms"`
	TotalMs int `json:"total_ms"`
}

// Client posts snapshots to IS21.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Infer builds the §6 multipart body and returns the parsed response,
// carrying IS21's own internal timing fields back so the caller can
// splice them into its own breakdown (§4.3 "yolo_ms and par_ms echoed
// back by the inference service").
func (c *Client) Infer(ctx context.Context, req Request) (result *Response, roundtripMs int64, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("infer_image", req.CameraID+".jpg")
	if err != nil {
		return nil, 0, err
	}
	if _, err := fw.Write(req.InferImage); err != nil {
		return nil, 0, err
	}
	if len(req.PrevImage) > 0 {
		pw, err := w.CreateFormFile("prev_image", req.CameraID+".prev.jpg")
		if err != nil {
			return nil, 0, err
		}
		if _, err := pw.Write(req.PrevImage); err != nil {
			return nil, 0, err
		}
	}

	fields := map[string]string{
		"camera_id":         req.CameraID,
		"captured_at":       req.CapturedAt.UTC().Format(time.RFC3339),
		"schema_version":    strconv.Itoa(req.SchemaVersion),
		"preset_id":         req.PresetID,
		"preset_version":    req.PresetVersion,
		"return_bboxes":     strconv.FormatBool(req.ReturnBBoxes),
		"enable_frame_diff": strconv.FormatBool(req.EnableFrameDiff),
	}
	if req.OutputSchema != "" {
		fields["output_schema"] = req.OutputSchema
	}
	if len(req.HintsJSON) > 0 {
		fields["hints_json"] = string(req.HintsJSON)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, 0, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/infer", &buf)
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	roundtripMs = time.Since(start).Milliseconds()
	if err != nil {
		return nil, roundtripMs, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, roundtripMs, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, roundtripMs, fmt.Errorf("inference: status %d: %s", resp.StatusCode, string(body))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, roundtripMs, fmt.Errorf("inference: decode response: %w", err)
	}
	return &out, roundtripMs, nil
}
