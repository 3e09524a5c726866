// Package preset implements the Preset Loader of spec §4.7: canonical
// inference-request templates keyed by preset id, hot-reloaded from the
// same config overlay as the rest of the edge controller's tunables.
package preset

import (
	"github.com/aranea-isms/is22/internal/config"
)

const fallbackPresetID = "balanced"

// Request is the half-constructed inference request a preset is applied
// to (the snapshot-capture pipeline fills in camera_id/images/timestamps
// separately; this holds only the preset-governed fields).
type Request struct {
	LocationType        string
	Distance             string
	ExpectedObjects      []string
	ExcludedObjects      []string
	EnableFrameDiff      bool
	ReturnBBoxes         bool
	OutputSchema         string
	ConfidenceThreshold  float64
	NMSThreshold         float64
	PersonAttrThreshold  float64
}

// Loader resolves preset ids against the config store, falling back to
// "balanced" for anything unrecognised (§4.7).
type Loader struct {
	store *config.Store
}

func NewLoader(store *config.Store) *Loader { return &Loader{store: store} }

// SuggestedPollIntervalSeconds returns the preset's recommended polling
// cadence. The polling orchestrator does not call it; its per-subnet
// loop uses a fixed cooldown.
func (l *Loader) SuggestedPollIntervalSeconds(presetID string) int {
	def := l.resolve(presetID)
	return def.SuggestedPollIntervalS
}

// Apply fills a Request from the resolved preset template.
func (l *Loader) Apply(presetID string) Request {
	def := l.resolve(presetID)
	return Request{
		LocationType:        def.LocationType,
		Distance:            def.Distance,
		ExpectedObjects:     def.ExpectedObjects,
		ExcludedObjects:     def.ExcludedObjects,
		EnableFrameDiff:     def.EnableFrameDiff,
		ReturnBBoxes:        def.ReturnBBoxes,
		OutputSchema:        def.OutputSchema,
		ConfidenceThreshold: def.ConfidenceThreshold,
		NMSThreshold:        def.NMSThreshold,
		PersonAttrThreshold: def.PersonAttrThreshold,
	}
}

func (l *Loader) resolve(presetID string) config.PresetDef {
	overlay := l.store.Get()
	if def, ok := overlay.Presets[presetID]; ok {
		return def
	}
	if def, ok := overlay.Presets[fallbackPresetID]; ok {
		return def
	}
	return config.PresetDef{LocationType: "general", ConfidenceThreshold: 0.5, NMSThreshold: 0.45, PersonAttrThreshold: 0.6, SuggestedPollIntervalS: 30}
}
