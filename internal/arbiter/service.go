package arbiter

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/data"
)

// defaultHeartbeatStaleWindow is the default "two minutes" of §4.1; overridable
// via config per the §9 Open Question on hard-coded tunables.
const defaultHeartbeatStaleWindow = 2 * time.Minute

// Service is the Access Arbiter. Session state is never cached: every
// acquire re-reads the authoritative session table (§9).
type Service struct {
	sessions    data.SessionRepository
	events      data.ConnectionEventRepository
	limitsRepo  data.AccessFamilyLimitRepository
	limits      *limitsCache
	configStore *config.Store
	now         func() time.Time
}

func NewService(sessions data.SessionRepository, events data.ConnectionEventRepository,
	limitsRepo data.AccessFamilyLimitRepository, configStore *config.Store) *Service {
	return &Service{
		sessions:    sessions,
		events:      events,
		limitsRepo:  limitsRepo,
		limits:      newLimitsCache(configStore),
		configStore: configStore,
		now:         time.Now,
	}
}

// RefreshLimitsCache rebuilds the read-mostly limits cache wholesale
// (§9), to be called whenever the backing config changes.
func (s *Service) RefreshLimitsCache() { s.limits.Refresh() }

func (s *Service) effectiveLimits(ctx context.Context, cameraID string) (EffectiveLimits, error) {
	fam, err := s.limitsRepo.CameraFamily(ctx, cameraID)
	if err != nil {
		return EffectiveLimits{}, err
	}
	base := s.limits.Family(fam)
	override, err := s.limitsRepo.CameraOverride(ctx, cameraID)
	if err != nil {
		return EffectiveLimits{}, err
	}
	if override != nil {
		base = ApplyOverride(base, override)
	}
	return base, nil
}

// Acquire implements the §4.1 admission algorithm.
func (s *Service) Acquire(ctx context.Context, cameraID string, purpose data.StreamPurpose,
	clientID string, streamType data.StreamType, allowPreempt bool) (*AcquireResult, error) {

	limits, err := s.effectiveLimits(ctx, cameraID)
	if err != nil {
		return nil, internalError(fmt.Sprintf("resolve limits: %v", err))
	}

	active, err := s.sessions.ActiveSessions(ctx, cameraID)
	if err != nil {
		return nil, internalError(fmt.Sprintf("load active sessions: %v", err))
	}

	var preemption *PreemptionInfo

	// 1. Concurrent cap.
	if len(active) >= limits.MaxConcurrentStreams {
		if allowPreempt {
			victim := choosePreemptionVictim(active, purpose)
			if victim == nil {
				return nil, s.concurrentError(ctx, cameraID, limits, active, purpose, clientID)
			}
			if err := s.sessions.DeleteSession(ctx, victim.SessionID); err != nil {
				return nil, internalError(fmt.Sprintf("preempt delete: %v", err))
			}
			_ = s.sessions.UpdateLastDisconnect(ctx, cameraID)
			detail := fmt.Sprintf("preempted by %s/%s", purpose, clientID)
			_ = s.events.Log(ctx, cameraID, data.EventDisconnectPreempted, &victim.Purpose, &victim.ClientID, &detail)

			preemption = &PreemptionInfo{
				SessionID:          victim.SessionID,
				CameraID:           cameraID,
				PreemptedPurpose:   victim.Purpose,
				PreemptedClientID:  victim.ClientID,
				PreemptedByPurpose: purpose,
				PreemptedByClient:  clientID,
				ExitDelaySec:       exitDelayFor(victim.Purpose),
			}
			// One slot has been freed; continue with the rest of the
			// admission algorithm as if that session never existed.
			active = removeSession(active, victim.SessionID)
		} else {
			return nil, s.concurrentError(ctx, cameraID, limits, active, purpose, clientID)
		}
	}

	// 2. Reconnect interval.
	if limits.MinReconnectIntervalMs > 0 {
		lastDisconnect, err := s.sessions.LastDisconnectAt(ctx, cameraID)
		if err != nil {
			return nil, internalError(fmt.Sprintf("load last disconnect: %v", err))
		}
		if lastDisconnect != nil {
			elapsed := s.now().Sub(*lastDisconnect)
			required := time.Duration(limits.MinReconnectIntervalMs) * time.Millisecond
			if elapsed < required {
				remaining := required - elapsed
				shortWait := time.Second
				if ms := s.configStore.Get().ReconnectShortWaitMs; ms > 0 {
					shortWait = time.Duration(ms) * time.Millisecond
				}
				if remaining < shortWait {
					select {
					case <-time.After(remaining):
					case <-ctx.Done():
						return nil, internalError("context cancelled during reconnect wait")
					}
				} else {
					detail := fmt.Sprintf("interval not met: %dms remaining", remaining.Milliseconds())
					_ = s.events.Log(ctx, cameraID, data.EventConnectBlockedInterval, &purpose, &clientID, &detail)
					return nil, reconnectIntervalError(limits.DisplayName, limits.MinReconnectIntervalMs, int(remaining.Milliseconds()))
				}
			}
		}
	}

	// 3. Exclusive lock.
	if limits.RequireExclusiveLock && preemption == nil && len(active) > 0 {
		clientHasSession := false
		for _, a := range active {
			if a.ClientID == clientID {
				clientHasSession = true
				break
			}
		}
		if !clientHasSession {
			holder := active[0]
			return nil, exclusiveLockError(limits.DisplayName, holder.ClientID, string(holder.Purpose))
		}
	}

	// 4. Grant.
	sessionID := "sess-" + uuid.New().String()
	session := data.StreamSession{
		SessionID:       sessionID,
		CameraID:        cameraID,
		StreamType:      streamType,
		Purpose:         purpose,
		ClientID:        clientID,
		StartedAt:       s.now(),
		LastHeartbeatAt: s.now(),
		Status:          data.SessionActive,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, internalError(fmt.Sprintf("create session: %v", err))
	}
	_ = s.events.Log(ctx, cameraID, data.EventConnectSuccess, &purpose, &clientID, nil)

	return &AcquireResult{
		Token: Token{
			SessionID:  sessionID,
			CameraID:   cameraID,
			StreamType: streamType,
			Purpose:    purpose,
			ClientID:   clientID,
			AcquiredAt: session.StartedAt,
		},
		Preemption: preemption,
	}, nil
}

// concurrentError builds ConcurrentLimitReached and fires the
// connect_blocked_concurrent log once (§9 Open Question resolution:
// an implementer SHOULD log the event once, using the error's fields).
func (s *Service) concurrentError(ctx context.Context, cameraID string, limits EffectiveLimits,
	active []data.StreamSession, purpose data.StreamPurpose, clientID string) *Error {
	purposes := make([]string, 0, len(active))
	for _, a := range active {
		purposes = append(purposes, string(a.Purpose))
	}
	detail := fmt.Sprintf("blocked: %d/%d in use (%v)", len(active), limits.MaxConcurrentStreams, purposes)
	_ = s.events.Log(ctx, cameraID, data.EventConnectBlockedConcurrent, &purpose, &clientID, &detail)
	log.Printf("arbiter: connect_blocked_concurrent camera=%s purpose=%s client=%s current=%v", cameraID, purpose, clientID, purposes)
	return concurrentLimitError(limits.DisplayName, limits.MaxConcurrentStreams, len(active), purposes)
}

// choosePreemptionVictim picks the highest-numbered (lowest-priority)
// session the requesting purpose is allowed to preempt (§4.1).
func choosePreemptionVictim(active []data.StreamSession, requester data.StreamPurpose) *data.StreamSession {
	candidates := make([]data.StreamSession, 0, len(active))
	for _, s := range active {
		if requester.CanPreempt(s.Purpose) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Purpose.Priority() > candidates[j].Purpose.Priority()
	})
	v := candidates[0]
	return &v
}

func removeSession(list []data.StreamSession, sessionID string) []data.StreamSession {
	out := list[:0:0]
	for _, s := range list {
		if s.SessionID != sessionID {
			out = append(out, s)
		}
	}
	return out
}

// Release is idempotent: releasing an unknown session id is a no-op.
func (s *Service) Release(ctx context.Context, sessionID string) error {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return internalError(fmt.Sprintf("lookup session: %v", err))
	}
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return internalError(fmt.Sprintf("delete session: %v", err))
	}
	if session == nil {
		return nil
	}
	if err := s.sessions.UpdateLastDisconnect(ctx, session.CameraID); err != nil {
		return internalError(fmt.Sprintf("update last disconnect: %v", err))
	}
	_ = s.events.Log(ctx, session.CameraID, data.EventDisconnectNormal, &session.Purpose, &session.ClientID, nil)
	return nil
}

// Heartbeat refreshes a session's last_heartbeat_at. Returns false if the
// session is not active (already gone or releasing).
func (s *Service) Heartbeat(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.sessions.UpdateHeartbeat(ctx, sessionID)
	if err != nil {
		return false, internalError(fmt.Sprintf("heartbeat: %v", err))
	}
	return ok, nil
}

// State returns the current snapshot for a camera (§4.1 state()).
func (s *Service) State(ctx context.Context, cameraID string) (*StateSnapshot, error) {
	limits, err := s.effectiveLimits(ctx, cameraID)
	if err != nil {
		return nil, internalError(fmt.Sprintf("resolve limits: %v", err))
	}
	active, err := s.sessions.ActiveSessions(ctx, cameraID)
	if err != nil {
		return nil, internalError(fmt.Sprintf("load active sessions: %v", err))
	}
	available := limits.MaxConcurrentStreams - len(active)
	if available < 0 {
		available = 0
	}

	var nextAvailable *time.Time
	if available == 0 && limits.MinReconnectIntervalMs > 0 {
		if last, _ := s.sessions.LastDisconnectAt(ctx, cameraID); last != nil {
			t := last.Add(time.Duration(limits.MinReconnectIntervalMs) * time.Millisecond)
			nextAvailable = &t
		}
	}

	return &StateSnapshot{
		CameraID:        cameraID,
		Limits:          limits,
		ActiveSessions:  active,
		AvailableSlots:  available,
		NextAvailableAt: nextAvailable,
		CanConnect:      available > 0 && (nextAvailable == nil || !nextAvailable.After(s.now())),
	}, nil
}

// CleanupExpired reaps active sessions whose expires_at has passed or
// whose heartbeat is stale, skipping releasing sessions (§4.1).
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	stale := defaultHeartbeatStaleWindow
	if overlay := s.configStore.Get(); overlay.HeartbeatStaleSeconds > 0 {
		stale = time.Duration(overlay.HeartbeatStaleSeconds) * time.Second
	}
	expired, err := s.sessions.ExpiredActive(ctx, stale)
	if err != nil {
		return 0, internalError(fmt.Sprintf("load expired: %v", err))
	}
	count := 0
	for _, sess := range expired {
		if err := s.sessions.DeleteSession(ctx, sess.SessionID); err != nil {
			continue
		}
		detail := "expired"
		_ = s.events.Log(ctx, sess.CameraID, data.EventDisconnectTimeout, &sess.Purpose, &sess.ClientID, &detail)
		count++
	}
	return count, nil
}
