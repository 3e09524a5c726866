// Package arbiter implements the Camera Access Arbiter of spec §4.1:
// per-family concurrent-stream limits, reconnect intervals, exclusive
// locks, and priority-based preemption over shared RTSP endpoints.
package arbiter

import (
	"fmt"
	"time"

	"github.com/aranea-isms/is22/internal/data"
)

// Severity mirrors the Arbiter's user-facing message severity (§4.1,§7).
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// UserMessage is the human-presentable payload every typed Arbiter error
// carries (§7 "Every Arbiter error carries a title, body, severity,
// optional auto-dismiss duration, optional action hint").
type UserMessage struct {
	Title             string
	Body              string
	Severity          Severity
	AutoDismissSecond *int
	ActionHint        *string
}

// Error is the sealed set of typed Arbiter failures (§4.1, §7).
type Error struct {
	Code    string
	Message string
	UI      UserMessage

	// Fields carried by ConcurrentLimitReached.
	Max             int
	Current         int
	CurrentPurposes []string

	// Fields carried by ReconnectIntervalNotMet.
	RequiredMs int
	RemainingMs int

	// Fields carried by ExclusiveLockFailed.
	HeldBy      string
	HeldPurpose string
}

func (e *Error) Error() string { return e.Message }

func concurrentLimitError(displayName string, max, current int, purposes []string) *Error {
	return &Error{
		Code:            "ConcurrentLimitReached",
		Message:         fmt.Sprintf("concurrent limit reached for %s: %d/%d in use", displayName, current, max),
		Max:             max,
		Current:         current,
		CurrentPurposes: purposes,
		UI: UserMessage{
			Title:    "カメラが使用中です",
			Body:     fmt.Sprintf("%s は現在 %d 台の接続上限に達しています (%v)", displayName, max, purposes),
			Severity: SeverityWarning,
		},
	}
}

func reconnectIntervalError(displayName string, requiredMs, remainingMs int) *Error {
	return &Error{
		Code:        "ReconnectIntervalNotMet",
		Message:     fmt.Sprintf("reconnect interval not met: %dms remaining of %dms", remainingMs, requiredMs),
		RequiredMs:  requiredMs,
		RemainingMs: remainingMs,
		UI: UserMessage{
			Title:    "再接続間隔を待機中です",
			Body:     fmt.Sprintf("%s への再接続まであと %dms お待ちください", displayName, remainingMs),
			Severity: SeverityInfo,
		},
	}
}

func exclusiveLockError(displayName, heldBy, heldPurpose string) *Error {
	return &Error{
		Code:        "ExclusiveLockFailed",
		Message:     fmt.Sprintf("exclusive lock held by %s (%s)", heldBy, heldPurpose),
		HeldBy:      heldBy,
		HeldPurpose: heldPurpose,
		UI: UserMessage{
			Title:    "排他ロック中です",
			Body:     fmt.Sprintf("%s は現在 %s により専有接続中です", displayName, heldBy),
			Severity: SeverityError,
		},
	}
}

func internalError(msg string) *Error {
	return &Error{Code: "Internal", Message: msg, UI: UserMessage{Title: "内部エラー", Body: msg, Severity: SeverityError}}
}

// EffectiveLimits is the resolved per-camera limit set: per-camera
// override applied over the family default.
type EffectiveLimits struct {
	Family                 data.AccessFamily
	DisplayName            string
	MaxConcurrentStreams   int
	MinReconnectIntervalMs int
	RequireExclusiveLock   bool
	ConnectionTimeout      time.Duration
}

// Token is the grant returned on a successful acquire.
type Token struct {
	SessionID  string
	CameraID   string
	StreamType data.StreamType
	Purpose    data.StreamPurpose
	ClientID   string
	AcquiredAt time.Time
	ExpiresAt  *time.Time
}

// PreemptionInfo advises the caller which session was displaced and how
// long to give it to exit gracefully (§4.1).
type PreemptionInfo struct {
	SessionID          string
	CameraID           string
	PreemptedPurpose   data.StreamPurpose
	PreemptedClientID  string
	PreemptedByPurpose data.StreamPurpose
	PreemptedByClient  string
	ExitDelaySec        int
}

// AcquireResult is acquire()'s success value.
type AcquireResult struct {
	Token      Token
	Preemption *PreemptionInfo
}

// StateSnapshot is the answer to state(camera_id).
type StateSnapshot struct {
	CameraID        string
	Limits          EffectiveLimits
	ActiveSessions  []data.StreamSession
	AvailableSlots  int
	NextAvailableAt *time.Time
	CanConnect      bool
}

// exitDelayFor implements the exit-delay table of §4.1 (grounded on the
// original implementation's access_absorber::try_preempt).
func exitDelayFor(preempted data.StreamPurpose) int {
	switch preempted {
	case data.PurposeSuggestPlay:
		return 5
	case data.PurposeHealthCheck:
		return 0
	default:
		return 3
	}
}
