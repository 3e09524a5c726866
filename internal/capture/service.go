package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/aranea-isms/is22/internal/arbiter"
	"github.com/aranea-isms/is22/internal/data"
)

// Service implements the §4.4 capture algorithm: live-bus first, then an
// arbitrated ffmpeg subprocess, then an HTTP fallback.
type Service struct {
	bus         LiveBus
	arbiterSvc  *arbiter.Service
	httpClient  *http.Client
	ffmpegPath  string

	MainTimeout      time.Duration // default 10s
	SecondaryTimeout time.Duration // default 20s
	HardTimeout      time.Duration // default 30s, enforced by the caller (polling orchestrator)
}

func NewService(bus LiveBus, arbiterSvc *arbiter.Service) *Service {
	return &Service{
		bus:        bus,
		arbiterSvc: arbiterSvc,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		ffmpegPath: "ffmpeg",

		MainTimeout:      10 * time.Second,
		SecondaryTimeout: 20 * time.Second,
		HardTimeout:      30 * time.Second,
	}
}

func streamName(cameraID string) string { return "cam-" + cameraID }

// Capture produces one JPEG for the camera, trying the live bus, then an
// arbitrated RTSP subprocess, then an HTTP snapshot URL.
func (s *Service) Capture(ctx context.Context, cam *data.Camera) (*Result, error) {
	if b, ok := s.tryLiveBus(ctx, cam); ok {
		return &Result{Bytes: b, Source: SourceLiveBus}, nil
	}
	if res, err := s.trySubprocess(ctx, cam); err == nil {
		return res, nil
	} else if cam.SnapshotURL.Valid && cam.SnapshotURL.String != "" {
		return s.tryHTTP(ctx, cam)
	} else {
		return nil, err
	}
}

// tryLiveBus probes the bus telemetry for a non-zero receive counter,
// meaning an active producer already subscribes to this camera's stream
// (§4.4 step 1 — this path sidesteps the arbiter entirely).
func (s *Service) tryLiveBus(ctx context.Context, cam *data.Camera) ([]byte, bool) {
	if s.bus == nil {
		return nil, false
	}
	name := streamName(cam.ID)
	count, err := s.bus.RecvCount(ctx, name)
	if err != nil || count <= 0 {
		return nil, false
	}
	frame, err := s.bus.StillFrame(ctx, name)
	if err != nil || len(frame) == 0 {
		return nil, false
	}
	return frame, true
}

func (s *Service) trySubprocess(ctx context.Context, cam *data.Camera) (*Result, error) {
	if s.arbiterSvc == nil {
		return nil, &Error{Layer: LayerArbiter, Message: "no arbiter configured"}
	}

	acq, err := s.arbiterSvc.Acquire(ctx, cam.ID, data.PurposeSnapshot, "capture-layer", data.StreamMain, true)
	if err != nil {
		return nil, &Error{Layer: LayerArbiter, Message: err.Error(), Cause: err}
	}
	defer func() { _ = s.arbiterSvc.Release(ctx, acq.Token.SessionID) }()

	if cam.RTSPURLPrimary.Valid && cam.RTSPURLPrimary.String != "" {
		bytesOut, err := s.ffmpegGrab(ctx, cam.RTSPURLPrimary.String, s.MainTimeout)
		if err == nil {
			return &Result{Bytes: bytesOut, Source: SourceSubprocess}, nil
		}
		if cam.RTSPURLSecondary.Valid && cam.RTSPURLSecondary.String != "" {
			bytesOut, err2 := s.ffmpegGrab(ctx, cam.RTSPURLSecondary.String, s.SecondaryTimeout)
			if err2 == nil {
				return &Result{Bytes: bytesOut, Source: SourceSubprocess}, nil
			}
			return nil, err2
		}
		return nil, err
	}
	if cam.RTSPURLSecondary.Valid && cam.RTSPURLSecondary.String != "" {
		bytesOut, err := s.ffmpegGrab(ctx, cam.RTSPURLSecondary.String, s.SecondaryTimeout)
		if err == nil {
			return &Result{Bytes: bytesOut, Source: SourceSubprocess}, nil
		}
		return nil, err
	}
	return nil, &Error{Layer: LayerSubprocess, Message: "no rtsp url configured"}
}

// ffmpegGrab extracts one frame via a subprocess with kill-on-drop
// semantics: exec.CommandContext kills the child the instant ctx is
// cancelled, which is exactly how the timeout is enforced here (§4.4,
// §9 "subprocess safety" — grounded on the teacher's own
// internal/api/internal_handler.go ffmpeg invocation).
func (s *Service) ffmpegGrab(parent context.Context, rtspURL string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	args := []string{
		"-y",
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-vframes", "1",
		"-f", "image2",
		"-update", "1",
		"-",
	}
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &Error{Layer: LayerSubprocess, Message: "timeout", StderrTail: tail(stderr.String())}
	}
	if err != nil {
		return nil, &Error{Layer: LayerSubprocess, Message: fmt.Sprintf("exit: %v", err), StderrTail: tail(stderr.String()), Cause: err}
	}
	if stdout.Len() == 0 {
		return nil, &Error{Layer: LayerSubprocess, Message: "empty frame", StderrTail: tail(stderr.String())}
	}
	return stdout.Bytes(), nil
}

func tail(s string) string {
	const n = 512
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (s *Service) tryHTTP(ctx context.Context, cam *data.Camera) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cam.SnapshotURL.String, nil)
	if err != nil {
		return nil, &Error{Layer: LayerHTTP, Message: err.Error(), Cause: err}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Layer: LayerHTTP, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Layer: LayerHTTP, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Layer: LayerHTTP, Message: err.Error(), Cause: err}
	}
	return &Result{Bytes: b, Source: SourceHTTP}, nil
}

// RegisterSource idempotently registers this camera's primary RTSP URL
// with the live bus (§4.3 step 2 "stream registration refresh").
func (s *Service) RegisterSource(ctx context.Context, cam *data.Camera) error {
	if s.bus == nil || !cam.RTSPURLPrimary.Valid || cam.RTSPURLPrimary.String == "" {
		return nil
	}
	return s.bus.AddSource(ctx, streamName(cam.ID), cam.RTSPURLPrimary.String)
}
