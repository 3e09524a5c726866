// Package config loads the edge controller's process-wide settings:
// secrets and connection strings from the environment, structured
// tunables from a hot-reloaded YAML overlay.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Env holds process-wide secrets and connection settings, read once at
// startup the way cmd/server/main.go reads them in the teacher.
type Env struct {
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	RedisAddr     string
	RedisPassword string

	LacisID    string // this device's lacis id
	TenantID   string
	FacilityID string
	CIC        string // cryptographic context code

	IS21BaseURL  string // inference service
	MobesBaseURL string // cloud service

	LiveBusBaseURL string // external live-video multiplexer (§6)
	LiveBusSecret  string
	PushJWTSecret  string // HMAC secret the cloud signs inbound push tokens with

	ImageBase  string // <image_base> root for persisted detection frames
	PersistDir string // <persist_dir> root for the previous-frame durable tier

	NATSURL string
}

func LoadEnv() Env {
	e := Env{
		DBHost:       getenv("DB_HOST", "localhost"),
		DBUser:       os.Getenv("DB_USER"),
		DBPassword:   os.Getenv("DB_PASSWORD"),
		DBName:       os.Getenv("DB_NAME"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		LacisID:      os.Getenv("LACIS_ID"),
		TenantID:     os.Getenv("TENANT_ID"),
		FacilityID:   os.Getenv("FACILITY_ID"),
		CIC:          os.Getenv("CIC"),
		IS21BaseURL:  getenv("IS21_BASE_URL", "http://localhost:9100"),
		MobesBaseURL: getenv("MOBES_BASE_URL", "http://localhost:9200"),
		LiveBusBaseURL: getenv("LIVE_BUS_BASE_URL", "http://localhost:1984"),
		LiveBusSecret:  os.Getenv("LIVE_BUS_SECRET"),
		PushJWTSecret:  os.Getenv("PUSH_JWT_SECRET"),
		ImageBase:    getenv("IMAGE_BASE", "/var/lib/is22/images"),
		PersistDir:   getenv("PERSIST_DIR", "/var/lib/is22/prev"),
		NATSURL:      getenv("NATS_URL", "nats://localhost:4222"),
	}
	return e
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// AccessFamilyLimits is the config-driven portion of §3 "Access Family
// Limits" — per-family defaults, overridable per camera.
type AccessFamilyLimits struct {
	MaxConcurrentStreams  int  `yaml:"max_concurrent_streams"`
	MinReconnectIntervalMs int `yaml:"min_reconnect_interval_ms"`
	RequireExclusiveLock  bool `yaml:"require_exclusive_lock"`
	ConnectionTimeoutMs   int  `yaml:"connection_timeout_ms"`
	DisplayName           string `yaml:"display_name"`
}

// PresetDef mirrors §4.7 Preset Loader's template shape.
type PresetDef struct {
	LocationType           string   `yaml:"location_type"`
	Distance               string   `yaml:"distance"`
	ExpectedObjects        []string `yaml:"expected_objects"`
	ExcludedObjects        []string `yaml:"excluded_objects"`
	EnableFrameDiff        bool     `yaml:"enable_frame_diff"`
	ReturnBBoxes           bool     `yaml:"return_bboxes"`
	OutputSchema           string   `yaml:"output_schema"`
	ConfidenceThreshold    float64  `yaml:"confidence_threshold"`
	NMSThreshold           float64  `yaml:"nms_threshold"`
	PersonAttrThreshold    float64  `yaml:"person_attr_threshold"`
	SuggestedPollIntervalS int      `yaml:"suggested_poll_interval_s"`
}

// QuotaConfig is §4.6's operator-configurable storage quota.
type QuotaConfig struct {
	MaxImagesPerCamera int   `yaml:"max_images_per_camera"`
	MaxBytesPerCamera  int64 `yaml:"max_bytes_per_camera"`
	MaxBytesGlobal     int64 `yaml:"max_bytes_global"`
}

// ReportingConfig is §4.10's scheduling tunables.
type ReportingConfig struct {
	SummaryWindowMinutes  int      `yaml:"summary_window_minutes"`
	SummaryIntervalMin    int      `yaml:"summary_interval_minutes"`
	GrandSummaryTimes     []string `yaml:"grand_summary_times"` // "HH:MM" local
	GrandSummaryDefaultH  int      `yaml:"grand_summary_default_hours"`
}

// LostCamConfig is §4.11's tunables.
type LostCamConfig struct {
	ThresholdMinutes int `yaml:"threshold_minutes"`
	RetryMinutes     int `yaml:"retry_minutes"`
}

// CameraSyncConfig is §4.9's periodic full-sync cadence.
type CameraSyncConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

// Overlay is the hot-reloaded structured configuration.
type Overlay struct {
	AccessFamilyLimits map[string]AccessFamilyLimits `yaml:"access_family_limits"`
	Presets            map[string]PresetDef          `yaml:"presets"`
	Quota              QuotaConfig                   `yaml:"quota"`
	Reporting          ReportingConfig                `yaml:"reporting"`
	LostCam            LostCamConfig                   `yaml:"lost_cam"`
	CameraSync         CameraSyncConfig                `yaml:"camera_sync"`
	DiscoveryPorts     []int                           `yaml:"discovery_ports"`
	DiscoveryConcurrency int                            `yaml:"discovery_concurrency"`
	DiscoveryProbesPerSec int                           `yaml:"discovery_probes_per_sec"`

	// Tunables flagged as "plausible configuration points" in spec §9
	// Open Questions — surfaced here rather than hard-coded.
	ReconnectShortWaitMs  int `yaml:"reconnect_short_wait_ms"`
	HeartbeatStaleSeconds int `yaml:"heartbeat_stale_seconds"`
}

func defaultOverlay() Overlay {
	return Overlay{
		AccessFamilyLimits: map[string]AccessFamilyLimits{
			"unknown": {MaxConcurrentStreams: 1, MinReconnectIntervalMs: 2000, ConnectionTimeoutMs: 10000, DisplayName: "不明なカメラ"},
		},
		Presets: map[string]PresetDef{
			"balanced": {LocationType: "general", Distance: "medium", ConfidenceThreshold: 0.5, NMSThreshold: 0.45, PersonAttrThreshold: 0.6, SuggestedPollIntervalS: 30},
		},
		Quota: QuotaConfig{MaxImagesPerCamera: 2000, MaxBytesPerCamera: 2 << 30, MaxBytesGlobal: 50 << 30},
		Reporting: ReportingConfig{
			SummaryWindowMinutes: 60,
			SummaryIntervalMin:   60,
			GrandSummaryTimes:    []string{"08:00", "16:00", "00:00"},
			GrandSummaryDefaultH: 8,
		},
		LostCam:              LostCamConfig{ThresholdMinutes: 30, RetryMinutes: 60},
		CameraSync:           CameraSyncConfig{IntervalMinutes: 60},
		DiscoveryPorts:       []int{554, 2020, 80, 443, 8000, 8080, 8443, 8554},
		DiscoveryConcurrency: 10,
		DiscoveryProbesPerSec: 200,
		ReconnectShortWaitMs: 1000,
		HeartbeatStaleSeconds: 120,
	}
}

// Store holds the current Overlay behind a lock and hot-reloads it from
// disk, mirroring internal/license/watcher.go's fsnotify-plus-polling
// belt-and-braces approach.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  Overlay
}

func NewStore(path string) *Store {
	s := &Store{path: path, cur: defaultOverlay()}
	if err := s.reload(); err != nil {
		log.Printf("config: initial load of %s failed (%v), using defaults", path, err)
	}
	return s
}

func (s *Store) Get() Overlay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Apply overwrites the in-memory overlay wholesale — used by the
// Outbound Sync handler when a config_update/force_sync notification
// delivers a fresh overlay fetched from the cloud (§4.8).
func (s *Store) Apply(o Overlay) {
	s.mu.Lock()
	s.cur = o
	s.mu.Unlock()
}

func (s *Store) reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	merged := defaultOverlay()
	if err := yaml.Unmarshal(b, &merged); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.cur = merged
	s.mu.Unlock()
	log.Printf("config: reloaded %s", s.path)
	return nil
}

// Watch starts the fsnotify-plus-polling reload loop. Call once at startup.
func (s *Store) Watch(stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("config watcher: fsnotify init failed (%v), polling only", err)
		usePolling = true
	} else if err := watcher.Add(s.path); err != nil {
		log.Printf("config watcher: failed to watch %s (%v), polling only", s.path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-stop:
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						time.Sleep(100 * time.Millisecond)
						_ = s.reload()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("config watcher error: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = s.reload()
			}
		}
	}()
}
