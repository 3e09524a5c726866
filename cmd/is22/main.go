// Command is22 runs the edge controller process: discovery, the
// Subnet-Parallel Polling Orchestrator, the Access Arbiter, Outbound
// Sync to the cloud, Camera Metadata Sync, Scheduled Reporting, and the
// Lost-Camera Tracker, all sharing one Postgres connection and one
// realtime hub.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aranea-isms/is22/internal/arbiter"
	"github.com/aranea-isms/is22/internal/audit"
	"github.com/aranea-isms/is22/internal/camerasync"
	"github.com/aranea-isms/is22/internal/capture"
	"github.com/aranea-isms/is22/internal/config"
	appcrypto "github.com/aranea-isms/is22/internal/crypto"
	"github.com/aranea-isms/is22/internal/data"
	"github.com/aranea-isms/is22/internal/discovery"
	"github.com/aranea-isms/is22/internal/eventstore"
	"github.com/aranea-isms/is22/internal/inference"
	"github.com/aranea-isms/is22/internal/lostcam"
	"github.com/aranea-isms/is22/internal/outbound"
	"github.com/aranea-isms/is22/internal/polling"
	"github.com/aranea-isms/is22/internal/preset"
	"github.com/aranea-isms/is22/internal/prevframe"
	"github.com/aranea-isms/is22/internal/realtime"
	"github.com/aranea-isms/is22/internal/reporting"
)

const serviceName = "is22-edge-controller"

func main() {
	env := config.LoadEnv()

	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
		env.DBUser, env.DBPassword, env.DBHost, env.DBName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	defer db.Close()

	cfgPath := os.Getenv("IS22_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}
	store := config.NewStore(cfgPath)
	stopWatch := make(chan struct{})
	store.Watch(stopWatch)
	defer close(stopWatch)

	nc, err := nats.Connect(env.NATSURL, nats.Name(serviceName))
	if err != nil {
		log.Printf("nats connect failed (%v), hub runs local-only", err)
	}
	hub := realtime.NewHub(nc, "is22.events", 3)
	auditSvc := audit.NewService(db)
	audit.ConfigureFailover(env.PersistDir+"/audit_spool", 256)

	// Repositories
	cameras := data.CameraRepository{DB: db}
	devices := data.DiscoveredDeviceRepository{DB: db}
	relocations := data.IPRelocationRepository{DB: db}
	sessions := data.SessionRepository{DB: db}
	connEvents := data.ConnectionEventRepository{DB: db}
	limitsRepo := data.AccessFamilyLimitRepository{DB: db}
	cycles := data.PollingCycleRepository{DB: db}
	logs := data.DetectionLogRepository{DB: db}
	sendQueue := data.SendQueueRepository{DB: db}
	cloudConns := data.CloudConnectionRepository{DB: db}
	camSync := data.CameraSyncRepository{DB: db}
	camSettings := data.CameraSettingsRepository{DB: db}
	schedules := data.ReportScheduleRepository{DB: db}

	// Access Arbiter
	arbiterSvc := arbiter.NewService(sessions, connEvents, limitsRepo, store)

	// Capture layer: live-bus first, then arbitrated RTSP subprocess, then HTTP
	liveBus := capture.NewLiveBusClient(env.LiveBusBaseURL, env.LiveBusSecret)
	captureSvc := capture.NewService(liveBus, arbiterSvc)

	// Discovery
	keyring := appcrypto.NewKeyring()
	if err := keyring.LoadFromEnv(); err != nil {
		log.Fatalf("keyring load: %v", err)
	}
	vault := discovery.NewCredentialVault(keyring)
	discoverySvc := discovery.NewService(devices, cameras, store, vault).
		WithRegistry(discovery.NewRegistry(env.RedisAddr, env.RedisPassword))

	// Presets, previous-frame cache, event store, inference client
	presets := preset.NewLoader(store)
	prev, err := prevframe.NewCache(256, env.PersistDir)
	if err != nil {
		log.Fatalf("prev-frame cache: %v", err)
	}
	evStore := eventstore.NewStore(db, env.ImageBase, store)
	inferClient := inference.NewClient(env.IS21BaseURL, 20*time.Second)

	// Polling orchestrator
	orchestrator := polling.NewOrchestrator(cameras, cycles, captureSvc, presets, prev, evStore, hub, inferClient, env)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	allCams, err := cameras.ListAll(rootCtx)
	if err != nil {
		log.Fatalf("list cameras at boot: %v", err)
	}
	subnetSet := make(map[string]bool)
	for _, c := range allCams {
		subnetSet[c.Subnet()] = true
	}
	subnets := make([]string, 0, len(subnetSet))
	for s := range subnetSet {
		subnets = append(subnets, s)
	}
	orchestrator.Start(rootCtx, subnets)
	auditSvc.StartReplayer(rootCtx)

	// Outbound Sync: one client/queue worker per this device's {tid,fid}.
	oath := outbound.LacisOath{LacisID: env.LacisID, TID: env.TenantID, CIC: env.CIC}
	cloudClient := outbound.NewClient(env.MobesBaseURL, oath)
	connState := &outbound.DBConnState{Conns: cloudConns}
	outboundWorker := outbound.NewWorker(env.TenantID, env.FacilityID, sendQueue, cloudClient, connState)
	go outboundWorker.Run(rootCtx)

	notifHandler := &outbound.Handler{
		AllowedFIDs:    map[string]bool{env.FacilityID: true},
		Client:         cloudClient,
		ConfigStore:    store,
		Conns:          cloudConns,
		CameraSettings: camSettings,
		CameraSync:     camSync,
		Cameras:        cameras,
	}

	// Camera Metadata Sync
	camSyncSvc := camerasync.NewService(cameras, camSync, cloudClient)
	go camSyncSvc.StartPeriodicSync(rootCtx, env.FacilityID, time.Duration(store.Get().CameraSync.IntervalMinutes)*time.Minute)

	// Scheduled Reporting
	reportScheduler := reporting.NewScheduler(schedules, logs, sendQueue, cloudClient, hub)
	go reportScheduler.Run(rootCtx)

	// Lost-Camera Tracker
	tracker := lostcam.NewTracker(cameras, relocations, hub, store)
	go tracker.Run(rootCtx)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	wsBridge := realtime.NewWSBridge(hub)
	r.Get("/internal/events", wsBridge.ServeHTTP)

	pushAuth := outbound.NewPushAuth(env.PushJWTSecret)

	r.Group(func(r chi.Router) {
		// Cloud push notifications and operator-triggered discovery runs
		// are the two endpoints reachable from outside this process;
		// they share one per-IP budget of 60 requests a minute.
		r.Use(httprate.LimitByIP(60, time.Minute))
		r.With(pushAuth.Middleware).Post("/internal/push", func(w http.ResponseWriter, r *http.Request) {
			handlePush(w, r, notifHandler, auditSvc, env.TenantID, env.FacilityID)
		})
		r.Post("/internal/discovery-runs", func(w http.ResponseWriter, r *http.Request) {
			handleStartDiscovery(w, r, discoverySvc, subnetSet, auditSvc, env.TenantID, env.FacilityID)
		})
	})

	r.Get("/internal/discovery-runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := discoverySvc.Status(chi.URLParam(r, "id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(snap)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}
	server := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		log.Printf("is22: listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("is22: shutdown requested")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if nc != nil {
		nc.Close()
	}
	log.Println("is22: stopped")
}

// handleStartDiscovery launches a discovery job over the caller-supplied
// CIDR targets, returning the job id for later polling via Status.
func handleStartDiscovery(w http.ResponseWriter, r *http.Request, svc *discovery.Service, localSubnets map[string]bool, auditSvc *audit.Service, tenantID, facilityID string) {
	var body struct {
		Targets []string `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	jobID, err := svc.StartJob(r.Context(), body.Targets, localSubnets)
	result := "success"
	if err != nil {
		result = "failure"
	}
	auditSvc.WriteEvent(r.Context(), audit.AuditEvent{
		TenantID:   tenantID,
		FacilityID: facilityID,
		ActorID:    "discovery",
		Action:     "discovery.job.start",
		TargetID:   jobID,
		Result:     result,
		RequestID:  chimiddleware.GetReqID(r.Context()),
		ClientIP:   r.RemoteAddr,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}

// handlePush receives the cloud's pub/sub-shaped push notification
// (§6) and dispatches it through the tenancy-guarded handler.
func handlePush(w http.ResponseWriter, r *http.Request, h *outbound.Handler, auditSvc *audit.Service, tenantID, facilityID string) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	n, err := outbound.DecodeEnvelope(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handleErr := h.Handle(r.Context(), n)
	result := "success"
	reason := ""
	if handleErr != nil {
		result = "failure"
		reason = handleErr.Error()
		log.Printf("is22: push notification handling failed: %v", handleErr)
	}
	auditSvc.WriteEvent(r.Context(), audit.AuditEvent{
		TenantID:   tenantID,
		FacilityID: facilityID,
		ActorID:    "outbound-push",
		Action:     "push.notification.received",
		Result:     result,
		ReasonCode: reason,
		RequestID:  chimiddleware.GetReqID(r.Context()),
		ClientIP:   r.RemoteAddr,
		CreatedAt:  time.Now(),
	})
	if handleErr != nil {
		http.Error(w, handleErr.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
