// Package polling implements the Subnet-Parallel Polling Orchestrator of
// spec §4.3: one cooperative loop per subnet, walking its cameras
// sequentially through capture, inference, and persistence.
package polling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aranea-isms/is22/internal/capture"
	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/data"
	"github.com/aranea-isms/is22/internal/eventstore"
	"github.com/aranea-isms/is22/internal/inference"
	"github.com/aranea-isms/is22/internal/preset"
	"github.com/aranea-isms/is22/internal/prevframe"
	"github.com/aranea-isms/is22/internal/realtime"
)

const (
	countdownDuration = 3 * time.Second
	cooldownDuration  = 15 * time.Second
	hardTimeout       = 30 * time.Second
	slowCameraAfter   = 10 * time.Second
)

// Orchestrator owns one goroutine per active subnet.
type Orchestrator struct {
	cameras data.CameraRepository
	cycles  data.PollingCycleRepository
	captureSvc *capture.Service
	presets *preset.Loader
	prev    *prevframe.Cache
	store   *eventstore.Store
	hub     *realtime.Hub
	infer   *inference.Client
	tracker *StatusTracker
	env     config.Env

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	rootCtx  context.Context
}

func NewOrchestrator(
	cameras data.CameraRepository,
	cycles data.PollingCycleRepository,
	captureSvc *capture.Service,
	presets *preset.Loader,
	prev *prevframe.Cache,
	store *eventstore.Store,
	hub *realtime.Hub,
	infer *inference.Client,
	env config.Env,
) *Orchestrator {
	return &Orchestrator{
		cameras: cameras,
		cycles:  cycles,
		captureSvc: captureSvc,
		presets: presets,
		prev:    prev,
		store:   store,
		hub:     hub,
		infer:   infer,
		tracker: NewStatusTracker(),
		env:     env,
		active:  make(map[string]context.CancelFunc),
	}
}

// Start seeds one loop per known subnet and keeps ctx as the parent for
// any loop spawned later via SpawnIfNeeded; loops run until ctx is
// cancelled. subnets is the caller's current set of "first three octets"
// groupings (cmd wiring derives this from the camera inventory at
// startup since CameraRepository is keyed by subnet, not a flat list).
func (o *Orchestrator) Start(ctx context.Context, subnets []string) {
	o.rootCtx = ctx
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, subnet := range subnets {
		o.spawnLocked(subnet)
	}
}

// SpawnIfNeeded brings up a subnet loop for ip's subnet if one is not
// already running, suppressing duplicate spawns via the guarded active
// set (§4.3 "Scheduling model"). Must be called after Start.
func (o *Orchestrator) SpawnIfNeeded(ip string) {
	subnet := subnetOf(ip)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spawnLocked(subnet)
}

// spawnLocked must be called with o.mu held.
func (o *Orchestrator) spawnLocked(subnet string) {
	if _, ok := o.active[subnet]; ok {
		return
	}
	ctx, cancel := context.WithCancel(o.rootCtx)
	o.active[subnet] = cancel
	go o.runSubnetLoop(ctx, subnet)
}

func (o *Orchestrator) runSubnetLoop(ctx context.Context, subnet string) {
	defer func() {
		o.mu.Lock()
		delete(o.active, subnet)
		o.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := o.runCycle(ctx, subnet); err != nil {
			log.Printf("polling: subnet %s cycle failed: %v", subnet, err)
		}
		if !o.sleepCooldown(ctx) {
			return
		}
	}
}

func (o *Orchestrator) sleepCooldown(ctx context.Context) bool {
	for i := 0; i < int(cooldownDuration/time.Second); i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return true
}

// runCycle implements the §4.3 per-cycle sequence.
func (o *Orchestrator) runCycle(ctx context.Context, subnet string) error {
	cycleStart := time.Now()

	cams, err := o.cameras.BySubnet(ctx, subnet)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}
	participating := make([]*data.Camera, 0, len(cams))
	for _, c := range cams {
		if c.Enabled && c.PollingEnabled {
			participating = append(participating, c)
		}
	}
	if len(participating) == 0 {
		return nil
	}

	for _, c := range participating {
		if err := o.captureSvc.RegisterSource(ctx, c); err != nil {
			log.Printf("polling: register source %s: %v", c.ID, err)
		}
	}

	lastNum, err := o.cycles.LastCycleNumber(ctx, subnet)
	if err != nil {
		return fmt.Errorf("last cycle number: %w", err)
	}
	cycleNum := lastNum + 1
	pollingID := newPollingID(subnet, cycleStart)
	if err := o.cycles.Insert(ctx, data.PollingCycle{
		PollingID: pollingID, Subnet: subnet, CycleNumber: cycleNum,
		StartedAt: cycleStart, CameraCount: len(participating), Status: "running",
	}); err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	o.hub.Publish(realtime.KindCooldownTick, subnet, map[string]any{
		"polling_id": pollingID, "seconds": int(countdownDuration / time.Second),
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(countdownDuration):
	}

	var successCount, failedCount, timeoutCount int
	var totalProcessingMs int64
	for _, cam := range participating {
		outcome := o.runCameraPipeline(ctx, cam, pollingID)
		switch outcome.Status {
		case outcomeSuccess:
			successCount++
		case outcomeTimeout:
			timeoutCount++
		default:
			failedCount++
		}
		totalProcessingMs += outcome.ProcessingMs

		if t := o.tracker.Observe(cam.ID, outcome.Status == outcomeSuccess); t != NoTransition {
			o.emitStatusTransition(ctx, cam, t)
		}

		o.hub.Publish(realtime.KindSnapshotUpdate, cam.ID, map[string]any{
			"polling_id":    pollingID,
			"primary_event": outcome.PrimaryEvent,
			"severity":      outcome.Severity,
			"processing_ms": outcome.ProcessingMs,
			"source":        outcome.Source,
			"outcome":       string(outcome.Status),
		})
	}

	duration := time.Since(cycleStart)
	if err := o.cycles.Close(ctx, pollingID, successCount, failedCount, timeoutCount, duration.Milliseconds()); err != nil {
		log.Printf("polling: close cycle %s: %v", pollingID, err)
	}

	var avgMs int64
	if len(participating) > 0 {
		avgMs = totalProcessingMs / int64(len(participating))
	}
	o.hub.Publish(realtime.KindCycleStats, subnet, map[string]any{
		"polling_id": pollingID, "cycle_number": cycleNum,
		"success": successCount, "failed": failedCount, "timeout": timeoutCount,
		"duration_ms": duration.Milliseconds(), "avg_processing_ms": avgMs,
	})
	return nil
}

type outcomeStatus string

const (
	outcomeSuccess outcomeStatus = "success"
	outcomeFailed  outcomeStatus = "failed"
	outcomeTimeout outcomeStatus = "timeout"
)

type pipelineOutcome struct {
	Status       outcomeStatus
	ProcessingMs int64
	PrimaryEvent string
	Severity     int
	Source       string
}

// runCameraPipeline implements the §4.3 "hot path": capture, cache,
// prev-frame lookup, inference, prev-frame update, persist, legacy event.
func (o *Orchestrator) runCameraPipeline(ctx context.Context, cam *data.Camera, pollingID string) pipelineOutcome {
	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	start := time.Now()
	result, err := o.captureSvc.Capture(ctx, cam)
	snapshotMs := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return pipelineOutcome{Status: outcomeTimeout, ProcessingMs: snapshotMs.Milliseconds()}
		}
		log.Printf("polling: capture %s failed: %v", cam.ID, err)
		return pipelineOutcome{Status: outcomeFailed, ProcessingMs: snapshotMs.Milliseconds()}
	}
	if snapshotMs > slowCameraAfter {
		log.Printf("polling: slow camera %s: snapshot took %s", cam.ID, snapshotMs)
	}

	if err := o.store.WriteLatest(cam.ID, result.Bytes); err != nil {
		log.Printf("polling: write latest %s: %v", cam.ID, err)
	}

	prevEntry, havePrev := o.prev.Get(cam.ID)

	presetReq := o.presets.Apply(cam.PresetID)
	capturedAt := time.Now()

	req := inference.Request{
		CameraID:        cam.ID,
		CapturedAt:      capturedAt,
		SchemaVersion:   1,
		PresetID:        cam.PresetID,
		PresetVersion:   "1",
		ReturnBBoxes:    presetReq.ReturnBBoxes,
		EnableFrameDiff: presetReq.EnableFrameDiff,
		OutputSchema:    presetReq.OutputSchema,
		InferImage:      result.Bytes,
	}
	if len(cam.CameraContext) > 0 {
		req.HintsJSON = cam.CameraContext
	}
	if havePrev {
		req.PrevImage = prevEntry.JPEG
	}

	resp, roundtripMs, err := o.infer.Infer(ctx, req)
	if err != nil {
		log.Printf("polling: inference %s failed: %v", cam.ID, err)
		return pipelineOutcome{Status: outcomeFailed, ProcessingMs: snapshotMs.Milliseconds(), Source: string(result.Source)}
	}

	if err := o.prev.Store(cam.ID, result.Bytes, prevframe.Meta{
		CapturedAt: capturedAt, PrimaryEvent: resp.PrimaryEvent, CountHint: resp.CountHint, Severity: resp.Severity,
	}); err != nil {
		log.Printf("polling: prev-frame store %s: %v", cam.ID, err)
	}

	var saveMs int64
	if data.ShouldSaveImage(resp.PrimaryEvent, resp.Severity, resp.UnknownFlag) {
		saveStart := time.Now()
		if err := o.persistDetection(ctx, cam, pollingID, resp, result, snapshotMs.Milliseconds(), roundtripMs); err != nil {
			log.Printf("polling: persist detection %s: %v", cam.ID, err)
		}
		saveMs = time.Since(saveStart).Milliseconds()
	}

	if resp.Detected {
		o.hub.Publish(realtime.KindEventLog, cam.ID, map[string]any{
			"camera_id":     cam.ID,
			"lacis_id":      cam.LacisID.String,
			"primary_event": resp.PrimaryEvent,
			"severity":      resp.Severity,
			"timestamp":     capturedAt.UTC(),
		})
	}

	totalMs := snapshotMs.Milliseconds() + roundtripMs + saveMs
	return pipelineOutcome{
		Status: outcomeSuccess, ProcessingMs: totalMs,
		PrimaryEvent: resp.PrimaryEvent, Severity: resp.Severity, Source: string(result.Source),
	}
}

func (o *Orchestrator) persistDetection(ctx context.Context, cam *data.Camera, pollingID string, resp *inference.Response, result *capture.Result, snapshotMs, roundtripMs int64) error {
	tags, err := json.Marshal(resp.Tags)
	if err != nil {
		return err
	}
	var frameDiff json.RawMessage
	if resp.FrameDiff != nil {
		if frameDiff, err = json.Marshal(resp.FrameDiff); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	rec := data.DetectionLog{
		TenantID:        o.env.TenantID,
		FacilityID:      o.env.FacilityID,
		CameraID:        cam.ID,
		LacisID:         cam.LacisID,
		CapturedAt:      time.Now(),
		AnalyzedAt:      time.Now(),
		PrimaryEvent:    resp.PrimaryEvent,
		Severity:        resp.Severity,
		Confidence:      resp.Confidence,
		CountHint:       resp.CountHint,
		UnknownFlag:     resp.UnknownFlag,
		Tags:            tags,
		BBoxes:          resp.BBoxes,
		PersonDetails:   resp.PersonDetails,
		FrameDiff:       frameDiff,
		PresetID:        cam.PresetID,
		PresetVersion:   "1",
		CameraContext:   cam.CameraContext,
		RawResponse:     raw,
		TotalMs:         int(snapshotMs + roundtripMs),
		SnapshotMs:      int(snapshotMs),
		IS21RoundtripMs: int(roundtripMs),
		YoloMs:          resp.YoloMs,
		ParMs:           resp.ParMs,
		CaptureSource:   string(result.Source),
	}
	_, err = o.store.SaveDetection(ctx, rec, result.Bytes)
	return err
}

// emitStatusTransition records the §4.3 step 5c camera_lost/camera_recovered
// special event: severity 4/2, empty image path.
func (o *Orchestrator) emitStatusTransition(ctx context.Context, cam *data.Camera, t Transition) {
	primaryEvent := "camera_recovered"
	severity := 2
	if t == TransitionToOffline {
		primaryEvent = "camera_lost"
		severity = 4
	}
	rec := data.DetectionLog{
		TenantID:      o.env.TenantID,
		FacilityID:    o.env.FacilityID,
		CameraID:      cam.ID,
		LacisID:       cam.LacisID,
		CapturedAt:    time.Now(),
		AnalyzedAt:    time.Now(),
		PrimaryEvent:  primaryEvent,
		Severity:      severity,
		PresetID:      cam.PresetID,
		PresetVersion: "1",
		CameraContext: cam.CameraContext,
	}
	if _, err := o.store.SaveEvent(ctx, rec, eventstore.QueuePayload{}); err != nil {
		log.Printf("polling: emit status transition for %s: %v", cam.ID, err)
	}
}
