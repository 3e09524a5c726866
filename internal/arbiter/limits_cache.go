package arbiter

import (
	"sync"
	"time"

	"github.com/aranea-isms/is22/internal/config"
	"github.com/aranea-isms/is22/internal/data"
)

// limitsCache is a read-mostly map built at construction and rebuilt
// wholesale by Refresh, per §9 "Caches ... read-mostly; rebuilt by an
// explicit refresh call". A config reload does not rebuild it by itself.
type limitsCache struct {
	mu     sync.RWMutex
	byFam  map[data.AccessFamily]EffectiveLimits
	store  *config.Store
}

func newLimitsCache(store *config.Store) *limitsCache {
	c := &limitsCache{store: store}
	c.Refresh()
	return c
}

func (c *limitsCache) Refresh() {
	overlay := c.store.Get()
	byFam := make(map[data.AccessFamily]EffectiveLimits, len(overlay.AccessFamilyLimits))
	for fam, l := range overlay.AccessFamilyLimits {
		byFam[data.AccessFamily(fam)] = EffectiveLimits{
			Family:                 data.AccessFamily(fam),
			DisplayName:            displayNameOr(l.DisplayName, fam),
			MaxConcurrentStreams:   orDefault(l.MaxConcurrentStreams, 1),
			MinReconnectIntervalMs: l.MinReconnectIntervalMs,
			RequireExclusiveLock:   l.RequireExclusiveLock,
			ConnectionTimeout:      msOrDefault(l.ConnectionTimeoutMs, 10000),
		}
	}
	c.mu.Lock()
	c.byFam = byFam
	c.mu.Unlock()
}

// Family returns the family default, falling back to "unknown" when the
// family is not configured (§4.1 "missing family falls back to unknown").
func (c *limitsCache) Family(fam data.AccessFamily) EffectiveLimits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l, ok := c.byFam[fam]; ok {
		return l
	}
	if l, ok := c.byFam[data.FamilyUnknown]; ok {
		return l
	}
	return EffectiveLimits{Family: data.FamilyUnknown, DisplayName: "不明なカメラ", MaxConcurrentStreams: 1}
}

// recognisedOverrideKeys are the exactly-three keys §3 allows in a
// per-camera override JSON; unknown keys are ignored.
var recognisedOverrideKeys = map[string]bool{
	"max_concurrent_streams":    true,
	"min_reconnect_interval_ms": true,
	"require_exclusive_lock":    true,
}

// ApplyOverride layers a per-camera JSON override over the family
// default, ignoring any key outside the recognised set.
func ApplyOverride(base EffectiveLimits, override map[string]any) EffectiveLimits {
	out := base
	for k, v := range override {
		if !recognisedOverrideKeys[k] {
			continue
		}
		switch k {
		case "max_concurrent_streams":
			if n, ok := asInt(v); ok {
				out.MaxConcurrentStreams = n
			}
		case "min_reconnect_interval_ms":
			if n, ok := asInt(v); ok {
				out.MinReconnectIntervalMs = n
			}
		case "require_exclusive_lock":
			if b, ok := v.(bool); ok {
				out.RequireExclusiveLock = b
			}
		}
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func msOrDefault(ms, def int) time.Duration {
	if ms == 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

func displayNameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
