// Package discovery implements the Discovery Pipeline of spec §4.2: a
// bounded-concurrency, multi-stage network scan that enumerates hosts,
// fingerprints them as camera-family devices, trials credentials, and
// stages verified results for operator approval into the camera
// inventory. Grounded on the teacher's own internal/discovery package
// (SOAP ONVIF client, job-as-background-goroutine shape) and its
// internal/nvr/adapters/rtsp_prober.go raw RTSP OPTIONS handshake.
package discovery

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aranea-isms/is22/internal/data"
)

// ProbeOutcome is the result of a single discovery probe action (§4.2
// stage 4).
type ProbeOutcome string

const (
	ProbeSuccess     ProbeOutcome = "success"
	ProbeAuthReqd    ProbeOutcome = "auth_required"
	ProbeTimeout     ProbeOutcome = "timeout"
	ProbeRefused     ProbeOutcome = "refused"
	ProbeNoResponse  ProbeOutcome = "no_response"
	ProbeError       ProbeOutcome = "error"
	ProbeNotTested   ProbeOutcome = "not_tested"
)

// JobStatus is the job state machine of §4.2.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// HostEvidence accumulates everything stage 1-6 learn about one address
// before scoring and classification.
type HostEvidence struct {
	IP         string
	Subnet     string
	IsL2       bool
	MAC        string
	OUIVendor  string
	OpenPorts  []int
	Latencies  map[int]time.Duration
	ONVIFProbe ProbeOutcome
	RTSPProbe  ProbeOutcome
	SSDP       bool
	MDNS       bool
}

// LogEvent is one structured entry in a job's event log (§4.2 "a
// structured log of events").
type LogEvent struct {
	At      time.Time
	Host    string
	Stage   string
	Message string
}

// Job is the in-memory + persisted state of one discovery run.
type Job struct {
	ID          string
	Targets     []string // CIDRs
	Ports       []int
	Timeout     time.Duration
	Concurrency int
	limiter     *rate.Limiter // caps probe dispatch rate independent of Concurrency

	mu       sync.Mutex
	status   JobStatus
	phase    string
	progress int
	events   []LogEvent
	results  []*data.DiscoveredDevice
}

func newJob(id string, targets []string, ports []int, timeout time.Duration, concurrency int) *Job {
	return &Job{
		ID:          id,
		Targets:     targets,
		Ports:       ports,
		Timeout:     timeout,
		Concurrency: concurrency,
		status:      JobQueued,
		phase:       "queued",
	}
}

func (j *Job) setPhase(phase string, progress int) {
	j.mu.Lock()
	j.phase = phase
	j.progress = progress
	j.mu.Unlock()
}

func (j *Job) log(host, stage, msg string) {
	j.mu.Lock()
	j.events = append(j.events, LogEvent{At: time.Now(), Host: host, Stage: stage, Message: msg})
	j.mu.Unlock()
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) setResults(devices []*data.DiscoveredDevice) {
	j.mu.Lock()
	j.results = devices
	j.mu.Unlock()
}

// Snapshot is a thread-safe read of the job's current state.
type Snapshot struct {
	ID       string
	Status   JobStatus
	Phase    string
	Progress int
	Events   []LogEvent
	Results  []*data.DiscoveredDevice
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	events := make([]LogEvent, len(j.events))
	copy(events, j.events)
	results := make([]*data.DiscoveredDevice, len(j.results))
	copy(results, j.results)
	return Snapshot{ID: j.ID, Status: j.status, Phase: j.phase, Progress: j.progress, Events: events, Results: results}
}

// Credential is one trial credential for a subnet, tried in priority
// order (§4.2 stage 7).
type Credential struct {
	Username string
	Password string
	Priority int
}
