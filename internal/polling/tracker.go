package polling

import "sync"

// StatusTracker is the Camera Status Tracker of §4.3 step 5c: a bare
// online/offline bit per camera, kept in process memory the way the
// teacher's NVRMonitor keeps its nvrStatusCache, so a transition can be
// detected without a DB round-trip on every cycle.
type StatusTracker struct {
	mu     sync.Mutex
	online map[string]bool
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{online: make(map[string]bool)}
}

// Transition is the Tracker's answer: whether this outcome changed the
// camera's online status, and which direction.
type Transition int

const (
	NoTransition Transition = iota
	TransitionToOnline
	TransitionToOffline
)

// Observe records one cycle outcome for a camera and reports whether it
// flipped the camera's tracked status. A timeout counts as offline
// evidence; success counts as online evidence.
func (t *StatusTracker) Observe(cameraID string, success bool) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasOnline, known := t.online[cameraID]
	t.online[cameraID] = success

	if !known {
		// first observation establishes a baseline, never a transition
		return NoTransition
	}
	if wasOnline && !success {
		return TransitionToOffline
	}
	if !wasOnline && success {
		return TransitionToOnline
	}
	return NoTransition
}
