// Package lostcam implements §4.11's Lost-Camera Tracker: periodic
// ARP-only (Layer 2) re-discovery of cameras whose IP address changed
// underneath them (DHCP lease churn, manual re-cabling). It never
// attempts ONVIF, RTSP, or port-scan probes — a MAC match in a plain
// "arp -a" sweep is the only signal it acts on.
package lostcam

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/data"
	"github.com/aranea-isms/is22/internal/discovery"
	"github.com/aranea-isms/is22/internal/realtime"
)

const checkInterval = 2 * time.Minute

// Tracker periodically scans for cameras gone stale past the
// configured threshold and tries to relocate them via ARP.
type Tracker struct {
	cameras     data.CameraRepository
	relocations data.IPRelocationRepository
	hub         *realtime.Hub
	store       *config.Store

	mu          sync.Mutex
	lastAttempt map[string]time.Time

	now func() time.Time
}

func NewTracker(cameras data.CameraRepository, relocations data.IPRelocationRepository, hub *realtime.Hub, store *config.Store) *Tracker {
	return &Tracker{
		cameras:     cameras,
		relocations: relocations,
		hub:         hub,
		store:       store,
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Run blocks, ticking checkOnce until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.checkOnce(ctx); err != nil {
				log.Printf("lostcam: check failed: %v", err)
			}
		}
	}
}

func (t *Tracker) checkOnce(ctx context.Context) error {
	cfg := t.store.Get().LostCam
	threshold := time.Duration(cfg.ThresholdMinutes) * time.Minute
	retry := time.Duration(cfg.RetryMinutes) * time.Minute
	cutoff := t.now().Add(-threshold)

	stale, err := t.cameras.ListStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale cameras: %w", err)
	}

	for _, cam := range stale {
		if !cam.MAC.Valid || cam.MAC.String == "" {
			continue // no MAC on file, ARP matching impossible
		}
		if t.recentlyAttempted(cam.ID, retry) {
			continue
		}
		t.markAttempted(cam.ID)

		if err := t.tryRelocate(ctx, cam); err != nil {
			log.Printf("lostcam: relocate %s failed: %v", cam.ID, err)
		}
	}
	return nil
}

func (t *Tracker) recentlyAttempted(cameraID string, retry time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastAttempt[cameraID]
	return ok && t.now().Sub(last) < retry
}

func (t *Tracker) markAttempted(cameraID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAttempt[cameraID] = t.now()
}

// tryRelocate sweeps the camera's current subnet for ARP entries and
// looks for its MAC answering from a different IP.
func (t *Tracker) tryRelocate(ctx context.Context, cam *data.Camera) error {
	subnet := cam.Subnet()
	neighbors, err := discovery.ARPSweep(ctx, subnet)
	if err != nil {
		return fmt.Errorf("arp sweep %s: %w", subnet, err)
	}

	wantMAC := discovery.NormalizeMAC(cam.MAC.String)
	var newIP string
	for ip, mac := range neighbors {
		if ip == cam.IPAddress {
			continue
		}
		if discovery.NormalizeMAC(mac) == wantMAC {
			newIP = ip
			break
		}
	}
	if newIP == "" {
		return nil // no match this round, try again after the retry interval
	}

	oldIP := cam.IPAddress
	newPrimary := strings.ReplaceAll(cam.RTSPURLPrimary.String, oldIP, newIP)
	newSecondary := strings.ReplaceAll(cam.RTSPURLSecondary.String, oldIP, newIP)

	if err := t.cameras.RelocateIP(ctx, cam.ID, newPrimary, newSecondary, newIP); err != nil {
		return fmt.Errorf("relocate ip: %w", err)
	}
	if err := t.relocations.Insert(ctx, data.IPRelocationEvent{
		CameraID:   cam.ID,
		OldIP:      oldIP,
		NewIP:      newIP,
		DetectedAt: t.now(),
	}); err != nil {
		log.Printf("lostcam: insert relocation history for %s: %v", cam.ID, err)
	}

	t.hub.Publish(realtime.KindEventLog, cam.ID, fmt.Sprintf(
		"📍 %s — IPアドレスの変更を追跡しました。%s", cam.Name, newIP))

	return nil
}
