package discovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/data"
)

// Service orchestrates the bounded-concurrency 7-stage scan of §4.2,
// modelled on the teacher's own discovery.Service running each job as a
// detached background goroutine tracked by an in-memory job table.
type Service struct {
	devices  data.DiscoveredDeviceRepository
	cameras  data.CameraRepository
	store    *config.Store
	vault    *CredentialVault
	registry *Registry // optional; nil-safe, mirrors Status across processes

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewService(devices data.DiscoveredDeviceRepository, cameras data.CameraRepository, store *config.Store, vault *CredentialVault) *Service {
	return &Service{devices: devices, cameras: cameras, store: store, vault: vault, jobs: make(map[string]*Job)}
}

// WithRegistry attaches a Redis-backed Status mirror. Call once before
// the first StartJob; nil disables mirroring (the zero-value Service
// already behaves this way).
func (s *Service) WithRegistry(r *Registry) *Service {
	s.registry = r
	return s
}

// StartJob launches a scan over the given CIDR targets and returns
// immediately with the job id; progress is polled via Status.
func (s *Service) StartJob(ctx context.Context, targets []string, localSubnets map[string]bool) (string, error) {
	overlay := s.store.Get()
	ports := overlay.DiscoveryPorts
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	concurrency := overlay.DiscoveryConcurrency
	if concurrency <= 0 {
		concurrency = 32
	}
	timeout := 2 * time.Second

	probesPerSec := overlay.DiscoveryProbesPerSec
	if probesPerSec <= 0 {
		probesPerSec = 200
	}

	job := newJob("job-"+uuid.NewString(), targets, ports, timeout, concurrency)
	job.limiter = rate.NewLimiter(rate.Limit(probesPerSec), probesPerSec)

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	go s.run(context.Background(), job, localSubnets)
	return job.ID, nil
}

func (s *Service) Status(jobID string) (Snapshot, bool) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if ok {
		return job.Snapshot(), true
	}
	snap, found, err := s.registry.Lookup(context.Background(), jobID)
	if err != nil {
		log.Printf("discovery: registry lookup for %s failed: %v", jobID, err)
		return Snapshot{}, false
	}
	return snap, found
}

func (s *Service) run(ctx context.Context, job *Job, localSubnets map[string]bool) {
	job.setStatus(JobRunning)
	defer func() {
		if err := s.registry.Mirror(context.Background(), job.ID, job.Snapshot()); err != nil {
			log.Printf("discovery: registry mirror for %s failed: %v", job.ID, err)
		}
	}()

	hosts, err := ParseTargets(job.Targets, localSubnets)
	if err != nil {
		job.log("", "parse_targets", err.Error())
		job.setStatus(JobFailed)
		return
	}
	job.setPhase("scanning", 0)

	ssdpHits := s.wsDiscoverySweep(ctx, job)

	sem := semaphore.NewWeighted(int64(job.Concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]*data.DiscoveredDevice, 0, len(hosts))

	for i := range hosts {
		ev := &hosts[i]
		if err := job.limiter.Wait(ctx); err != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ev *HostEvidence) {
			defer wg.Done()
			defer sem.Release(1)
			s.scanHost(ctx, job, ev)
			ev.SSDP = ssdpHits[ev.IP]

			score := ScoreHost(*ev)
			cls := Classify(*ev)
			if cls.Status == data.DeviceRejected && score == 0 {
				return
			}
			d := &data.DiscoveredDevice{
				ID:         "dev-" + uuid.NewString(),
				JobID:      job.ID,
				IP:         ev.IP,
				Subnet:     ev.Subnet,
				OpenPorts:  ev.OpenPorts,
				Score:      score,
				Verified:   cls.Status == data.DeviceVerified,
				Status:     cls.Status,
				Confidence: float64(score) / 100.0,
				Reason: data.DetectionReason{
					DeviceType:      cls.DeviceType,
					UserMessage:     cls.UserMessage,
					SuggestedAction: cls.SuggestedAction,
				},
			}
			if ev.MAC != "" {
				d.MAC = sql.NullString{String: ev.MAC, Valid: true}
			}
			if ev.OUIVendor != "" {
				d.OUIVendor = sql.NullString{String: ev.OUIVendor, Valid: true}
			}
			if ev.ONVIFProbe == ProbeSuccess {
				enrichFromONVIF(ctx, ev.IP, 2020, d)
			}
			mu.Lock()
			results = append(results, d)
			mu.Unlock()
		}(ev)
	}
	wg.Wait()

	job.setPhase("persisting", 90)
	for _, d := range results {
		if err := s.devices.Upsert(ctx, *d); err != nil {
			job.log(d.IP, "persist", err.Error())
		}
	}

	job.setResults(results)
	job.setPhase("done", 100)
	job.setStatus(JobSuccess)
}

// scanHost runs stages 1-4 for a single address: TCP port scan, OUI
// lookup for an L2 host whose MAC is known, then the unauthenticated
// ONVIF probe on 2020 and RTSP probe on 554 when those ports are open.
// Nothing in the scan fills in HostEvidence.MAC, so the OUI lookup does
// not run for hosts expanded by ParseTargets.
func (s *Service) scanHost(ctx context.Context, job *Job, ev *HostEvidence) {
	var open []int
	for _, p := range job.Ports {
		alive, isOpen, latency := TCPProbe(ctx, ev.IP, p, job.Timeout)
		if !alive {
			continue
		}
		ev.Latencies[p] = latency
		if isOpen {
			open = append(open, p)
		}
	}
	ev.OpenPorts = open
	if len(open) == 0 {
		return
	}
	job.log(ev.IP, "port_scan", fmt.Sprintf("open=%v", open))

	if ev.IsL2 && ev.MAC != "" {
		ev.OUIVendor = LookupOUI(ev.MAC)
	}

	if containsPort(open, 2020) {
		ev.ONVIFProbe = ProbeONVIFUnauth(ctx, ev.IP, 2020, job.Timeout)
	}
	if containsPort(open, 554) {
		ev.RTSPProbe = ProbeRTSPOptions(ctx, ev.IP, 554, job.Timeout)
	}
	job.log(ev.IP, "probe", fmt.Sprintf("onvif=%s rtsp=%s", ev.ONVIFProbe, ev.RTSPProbe))
}

// enrichFromONVIF fills in manufacturer/model/firmware for a confirmed
// camera using the unauthenticated WS-Security-less OnvifClient; best
// effort, never fails the scan.
func enrichFromONVIF(ctx context.Context, ip string, port int, d *data.DiscoveredDevice) {
	cli, err := NewOnvifClient(fmt.Sprintf("http://%s:%d/onvif/device_service", ip, port), "", "")
	if err != nil {
		return
	}
	info, err := cli.GetDeviceInformation(ctx)
	if err != nil {
		return
	}
	if info.Manufacturer != "" {
		d.Manufacturer = sql.NullString{String: info.Manufacturer, Valid: true}
	}
	if info.Model != "" {
		d.Model = sql.NullString{String: info.Model, Valid: true}
	}
	if info.FirmwareVersion != "" {
		d.FirmwareVersion = sql.NullString{String: info.FirmwareVersion, Valid: true}
	}
}

// wsDiscoverySweep runs one WS-Discovery multicast probe, collecting
// answers for three seconds before the host scan starts, and returns the
// set of IPs that answered, used as the SSDP scoring signal of §4.2
// stage 5.
func (s *Service) wsDiscoverySweep(ctx context.Context, job *Job) map[string]bool {
	hits := make(map[string]bool)
	client, err := NewWSDiscoveryClient()
	if err != nil {
		job.log("", "ws_discovery", err.Error())
		return hits
	}
	defer client.Close()

	devices, err := client.Scan(ctx, 3*time.Second)
	if err != nil {
		job.log("", "ws_discovery", err.Error())
		return hits
	}
	for _, dev := range devices {
		if dev.IPAddress != "" {
			hits[dev.IPAddress] = true
		}
	}
	return hits
}

// TrialCredentials implements §4.2 stage 7: for a device whose probes
// came back auth-required, it walks the subnet's credential list in
// priority order and, for each credential, its password variants in
// order (the original first), trying ONVIF then RTSP DESCRIBE on
// well-known paths; it returns the first combination that succeeds,
// with that variant's label.
func (s *Service) TrialCredentials(ctx context.Context, ip string, port2020, port554 int, creds []Credential, timeout time.Duration) (username, password, label string, ok bool) {
	for _, c := range orderByPriority(creds) {
		for _, variant := range GeneratePasswordVariations(c.Password) {
			if port2020 != 0 {
				if ProbeONVIFAuth(ctx, ip, port2020, timeout, c.Username, variant.Password) == ProbeSuccess {
					return c.Username, variant.Password, variant.Label, true
				}
			}
			if port554 != 0 {
				for _, path := range WellKnownRTSPPaths {
					if TrialRTSPDescribe(ctx, ip, port554, timeout, path, c.Username, variant.Password) == ProbeSuccess {
						return c.Username, variant.Password, variant.Label, true
					}
				}
			}
		}
	}
	return "", "", "", false
}

// TrialAndBind runs TrialCredentials for a device still in verifying
// status and, on success, seals the winning credential into the device
// row via the CredentialVault rather than storing it in plaintext.
func (s *Service) TrialAndBind(ctx context.Context, deviceID string, creds []Credential, timeout time.Duration) (bool, error) {
	d, err := s.devices.ByID(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, fmt.Errorf("discovery: device %s not found", deviceID)
	}

	var port2020, port554 int
	if containsPort(d.OpenPorts, 2020) {
		port2020 = 2020
	}
	if containsPort(d.OpenPorts, 554) {
		port554 = 554
	}

	username, password, label, ok := s.TrialCredentials(ctx, d.IP, port2020, port554, creds, timeout)
	if !ok {
		return false, nil
	}

	sealed, err := s.vault.Seal(deviceID, username, password)
	if err != nil {
		return false, err
	}
	d.BoundUsername = sql.NullString{String: username, Valid: true}
	d.BoundPassword = sealed
	d.Status = data.DeviceVerified
	d.Verified = true
	d.Reason.UserMessage = fmt.Sprintf("認証情報を確認しました (%s)", label)

	if err := s.devices.Upsert(ctx, *d); err != nil {
		return false, err
	}
	return true, nil
}

func orderByPriority(creds []Credential) []Credential {
	out := make([]Credential, len(creds))
	copy(out, creds)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Approve promotes a verified discovered device into the camera
// inventory (§4.2 "Approval"): assigns a cam-<uuid> id, derives a
// lacis_id from the MAC (falling back to an IP hash), builds the RTSP
// URL with the password URL-encoded, and rejects IP/MAC duplicates.
func (s *Service) Approve(ctx context.Context, deviceID, name, rtspPath string) (*data.Camera, error) {
	d, err := s.devices.ByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("discovery: device %s not found", deviceID)
	}
	if dup, err := s.devices.ExistsByIPOrMAC(ctx, d.IP, d.MAC); err != nil {
		return nil, err
	} else if dup {
		return nil, fmt.Errorf("discovery: camera with ip %s or mac already exists", d.IP)
	}

	lacisID := lacisIDFor(d)
	camID := "cam-" + uuid.NewString()

	var username, password string
	if d.BoundPassword.Valid {
		username, password, err = s.vault.Unseal(deviceID, d.BoundPassword)
		if err != nil {
			return nil, fmt.Errorf("discovery: unseal bound credential: %w", err)
		}
	}

	cam := data.Camera{
		ID:             camID,
		LacisID:        sql.NullString{String: lacisID, Valid: true},
		Name:           name,
		IPAddress:      d.IP,
		MAC:            d.MAC,
		Family:         d.Family,
		PresetID:       "balanced",
		CameraContext:  json.RawMessage("{}"),
		Enabled:        true,
		PollingEnabled: true,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	if username != "" {
		cam.Username = sql.NullString{String: username, Valid: true}
		cam.Password = sql.NullString{String: password, Valid: true}
		cam.RTSPURLPrimary = sql.NullString{String: buildRTSPURL(d.IP, username, password, rtspPath), Valid: true}
	}

	if err := s.cameras.Insert(ctx, cam); err != nil {
		return nil, err
	}
	if err := s.devices.SetStatus(ctx, deviceID, data.DeviceApproved); err != nil {
		log.Printf("discovery: approve %s: mark approved: %v", deviceID, err)
	}
	return &cam, nil
}

func lacisIDFor(d *data.DiscoveredDevice) string {
	if d.MAC.Valid && d.MAC.String != "" {
		return "mac-" + NormalizeMAC(d.MAC.String)
	}
	return "ip-" + hashString(d.IP)
}

func hashString(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}

// buildRTSPURL percent-encodes the password so an embedded '@' (the
// credential-trial variants deliberately produce such passwords) never
// gets mistaken for the userinfo/host separator.
func buildRTSPURL(ip, user, pass, path string) string {
	u := &url.URL{
		Scheme: "rtsp",
		User:   url.UserPassword(user, pass),
		Host:   ip,
		Path:   path,
	}
	return u.String()
}
