package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aranea-isms/is22/internal/data"
	"github.com/aranea-isms/is22/internal/outbound"
	"github.com/aranea-isms/is22/internal/realtime"
)

const tickInterval = time.Minute

// Scheduler wakes once a minute and dispatches every due schedule to
// its generator (§4.10).
type Scheduler struct {
	schedules data.ReportScheduleRepository
	logs      data.DetectionLogRepository
	queue     data.SendQueueRepository
	client    *outbound.Client
	hub       *realtime.Hub

	now func() time.Time
}

func NewScheduler(schedules data.ReportScheduleRepository, logs data.DetectionLogRepository,
	queue data.SendQueueRepository, client *outbound.Client, hub *realtime.Hub) *Scheduler {
	return &Scheduler{schedules: schedules, logs: logs, queue: queue, client: client, hub: hub, now: time.Now}
}

// Run blocks, ticking every minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				log.Printf("reporting: tick failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	now := s.now()
	due, err := s.schedules.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	for _, sched := range due {
		var err error
		switch sched.ReportType {
		case data.ReportSummary:
			err = s.executeSummary(ctx, sched, now)
		case data.ReportGrandSummary:
			err = s.executeGrandSummary(ctx, sched, now)
		}
		if err != nil {
			log.Printf("reporting: schedule %d failed: %v", sched.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) executeSummary(ctx context.Context, sched *data.ReportSchedule, now time.Time) error {
	interval := 60
	if sched.IntervalMinutes.Valid {
		interval = int(sched.IntervalMinutes.Int64)
	}
	periodStart := now.Add(-time.Duration(interval) * time.Minute)

	report, err := s.generate(ctx, "summary", sched.TenantID, sched.FacilityID, periodStart, now)
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, sched, data.PayloadSummary, report); err != nil {
		log.Printf("reporting: deliver summary for %s/%s: %v", sched.TenantID, sched.FacilityID, err)
	}

	next := nextSummaryRun(now, interval)
	return s.schedules.UpdateAfterRun(ctx, sched.ID, now, next)
}

func (s *Scheduler) executeGrandSummary(ctx context.Context, sched *data.ReportSchedule, now time.Time) error {
	var lastRun *time.Time
	if sched.LastRunAt.Valid {
		lastRun = &sched.LastRunAt.Time
	}
	periodStart := grandSummaryWindowStart(lastRun, now)

	report, err := s.generate(ctx, "grand_summary", sched.TenantID, sched.FacilityID, periodStart, now)
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, sched, data.PayloadGrandSummary, report); err != nil {
		log.Printf("reporting: deliver grand summary for %s/%s: %v", sched.TenantID, sched.FacilityID, err)
	}

	next := nextGrandSummaryRun(now, sched.ScheduledTimes)
	return s.schedules.UpdateAfterRun(ctx, sched.ID, now, next)
}

// report is the structured payload a generator produces; the raw
// counts always go out, the narrative only if the cloud supplies one.
type report struct {
	ReportType     string    `json:"report_type"`
	TenantID       string    `json:"tenant_id"`
	FacilityID     string    `json:"facility_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	DetectionCount int       `json:"detection_count"`
	SeverityMax    int       `json:"severity_max"`
	CameraCount    int       `json:"camera_count"`
	EventCounts    map[string]int `json:"event_counts"`
}

func (s *Scheduler) generate(ctx context.Context, reportType, tid, fid string, start, end time.Time) (report, error) {
	stats, err := s.logs.Aggregate(ctx, tid, fid, start, end)
	if err != nil {
		return report{}, fmt.Errorf("aggregate window: %w", err)
	}
	return report{
		ReportType:     reportType,
		TenantID:       tid,
		FacilityID:     fid,
		PeriodStart:    start,
		PeriodEnd:      end,
		DetectionCount: stats.DetectionCount,
		SeverityMax:    stats.SeverityMax,
		CameraCount:    len(stats.CameraIDs),
		EventCounts:    stats.EventCounts,
	}, nil
}

// deliver enqueues the raw report for the cloud send-queue and, if the
// cloud's chat endpoint returns a narrative, broadcasts it alongside
// the raw counts on the realtime hub. A missing narrative suppresses
// only the broadcast — the raw counts are still sent.
func (s *Scheduler) deliver(ctx context.Context, sched *data.ReportSchedule, payloadType data.SendQueuePayloadType, rep report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, sched.TenantID, sched.FacilityID, payloadType, payload, nil); err != nil {
		return fmt.Errorf("enqueue report: %w", err)
	}

	prompt := fmt.Sprintf("直近%s分間の定時サマリーを生成してください", periodMinutes(rep))
	narrative, err := s.client.AIChat(ctx, sched.FacilityID, prompt)
	if err != nil {
		log.Printf("reporting: ai-chat narrative unavailable for %s/%s: %v", sched.TenantID, sched.FacilityID, err)
		return nil
	}
	if narrative == "" {
		return nil
	}

	s.hub.Publish(realtime.KindSummaryReport, sched.FacilityID, map[string]any{
		"report_type":     rep.ReportType,
		"period_start":    rep.PeriodStart,
		"period_end":      rep.PeriodEnd,
		"detection_count": rep.DetectionCount,
		"severity_max":    rep.SeverityMax,
		"camera_count":    rep.CameraCount,
		"summary_text":    narrative,
	})
	return nil
}

func periodMinutes(rep report) string {
	return fmt.Sprintf("%.0f", rep.PeriodEnd.Sub(rep.PeriodStart).Minutes())
}
