package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/model"
)

// Compile-time interface checks.
var (
	_ Handler = (*StubCountyHandler)(nil)
	_ Handler = (*StubListingHandler)(nil)
	_ Handler = (*StubPhotosHandler)(nil)
	_ Handler = (*DedupeHandler)(nil)
	_ Handler = (*KillSwitchHandler)(nil)
	_ Handler = (*ScoreHandler)(nil)
)

// StubHandlers returns a full handler set with canned external responses,
// photos written under assetRoot so the dedupe gate passes. The local phases
// (dedupe, kill switch, score) are the real implementations.
func StubHandlers(assetRoot string) []Handler {
	return []Handler{
		&StubCountyHandler{},
		&StubListingHandler{},
		&StubPhotosHandler{AssetRoot: assetRoot},
		&DedupeHandler{AssetRoot: assetRoot},
		&KillSwitchHandler{Rules: DefaultKillRules},
		&ScoreHandler{},
	}
}

// --- County Stub (0_prefill) ---

// StubCountyHandler returns canned county parcel data.
type StubCountyHandler struct{}

func (h *StubCountyHandler) Name() string   { return model.PhasePrefill }
func (h *StubCountyHandler) Source() string { return SourceCounty }

func (h *StubCountyHandler) Target(key string) string {
	return "https://county.example.gov/parcels/" + model.ItemID(key)
}

// Run implements Handler.
func (h *StubCountyHandler) Run(_ context.Context, item *model.WorkItem) (map[string]any, error) {
	return map[string]any{
		"parcel_id":  "stub-parcel-" + item.ID,
		"lot_sqft":   7200,
		"year_built": 1987,
		"zoning":     "R-1",
	}, nil
}

// --- MLS Stub (1a_listing) ---

// StubListingHandler returns canned MLS listing detail.
type StubListingHandler struct{}

func (h *StubListingHandler) Name() string   { return model.PhaseListing }
func (h *StubListingHandler) Source() string { return SourceMLS }

func (h *StubListingHandler) Target(key string) string {
	return "https://mls.example.com/listings/" + model.ItemID(key)
}

// Run implements Handler.
func (h *StubListingHandler) Run(_ context.Context, item *model.WorkItem) (map[string]any, error) {
	return map[string]any{
		"list_price": 425000,
		"beds":       3,
		"baths":      2,
		"sqft":       1850,
		"dom":        21,
		"remarks":    "Charming three bedroom near downtown. " + item.Address,
	}, nil
}

// --- Photo CDN Stub (1b_photos) ---

// StubPhotosHandler writes canned photo files into the item's asset
// directory, including one duplicate so dedupe has work to do.
type StubPhotosHandler struct {
	AssetRoot string
}

func (h *StubPhotosHandler) Name() string   { return model.PhasePhotos }
func (h *StubPhotosHandler) Source() string { return SourcePhotoCDN }

func (h *StubPhotosHandler) Target(key string) string {
	return "https://photos.example-cdn.com/" + model.ItemID(key)
}

// Run implements Handler.
func (h *StubPhotosHandler) Run(_ context.Context, item *model.WorkItem) (map[string]any, error) {
	dir := filepath.Join(h.AssetRoot, item.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "photos: create asset dir")
	}
	photos := map[string]string{
		"front.jpg":   "stub-jpeg-front-" + item.ID,
		"kitchen.jpg": "stub-jpeg-kitchen-" + item.ID,
		"yard.jpg":    "stub-jpeg-front-" + item.ID, // duplicate of front
	}
	for name, content := range photos {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return nil, eris.Wrap(err, "photos: write asset")
		}
	}
	return map[string]any{"downloaded": len(photos)}, nil
}

// --- Dedupe (2_dedupe, local) ---

// DedupeHandler removes byte-identical photos from the item's asset
// directory, keeping the lexically first name of each duplicate group.
type DedupeHandler struct {
	AssetRoot string
}

func (h *DedupeHandler) Name() string             { return model.PhaseDedupe }
func (h *DedupeHandler) Source() string           { return SourceLocal }
func (h *DedupeHandler) Target(key string) string { return "dedupe " + key }

// Run implements Handler.
func (h *DedupeHandler) Run(_ context.Context, item *model.WorkItem) (map[string]any, error) {
	dir := filepath.Join(h.AssetRoot, item.ID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: read asset dir")
	}

	seen := make(map[string]bool)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, eris.Wrap(readErr, "dedupe: read asset")
		}
		sum := sha256.Sum256(data)
		key := hex.EncodeToString(sum[:])
		if seen[key] {
			if rmErr := os.Remove(path); rmErr != nil {
				return nil, eris.Wrap(rmErr, "dedupe: remove duplicate")
			}
			removed++
			continue
		}
		seen[key] = true
	}

	return map[string]any{
		"unique":  len(seen),
		"removed": removed,
	}, nil
}

// --- Kill Switch (3_killswitch, local) ---

// KillRule marks a listing non-viable when its pattern appears in the
// address or county remarks.
type KillRule struct {
	Pattern string
	Reason  string
}

// DefaultKillRules are the stock disqualifiers.
var DefaultKillRules = []KillRule{
	{Pattern: "condemned", Reason: "structure condemned"},
	{Pattern: "mobile home", Reason: "mobile home excluded"},
	{Pattern: "flood zone", Reason: "flood zone excluded"},
	{Pattern: "auction", Reason: "auction listing excluded"},
}

// KillSwitchHandler applies the kill rules against the item.
type KillSwitchHandler struct {
	Rules []KillRule
}

func (h *KillSwitchHandler) Name() string             { return model.PhaseKillSwitch }
func (h *KillSwitchHandler) Source() string           { return SourceLocal }
func (h *KillSwitchHandler) Target(key string) string { return "killswitch " + key }

// Run implements Handler.
func (h *KillSwitchHandler) Run(_ context.Context, item *model.WorkItem) (map[string]any, error) {
	haystack := strings.ToLower(item.Address)
	for _, rule := range h.Rules {
		if strings.Contains(haystack, rule.Pattern) {
			return map[string]any{
				PayloadKill:       true,
				PayloadKillReason: rule.Reason,
			}, nil
		}
	}
	return map[string]any{PayloadKill: false}, nil
}

// --- Score (4_score, local) ---

// ScoreHandler produces a deterministic score and tier from the item ID, a
// placeholder until the real scoring model lands. Same address, same tier.
type ScoreHandler struct{}

func (h *ScoreHandler) Name() string             { return model.PhaseScore }
func (h *ScoreHandler) Source() string           { return SourceLocal }
func (h *ScoreHandler) Target(key string) string { return "score " + key }

// Run implements Handler.
func (h *ScoreHandler) Run(_ context.Context, item *model.WorkItem) (map[string]any, error) {
	sum := sha256.Sum256([]byte(item.ID))
	score := float64(sum[0]) / 255 * 100

	var tier model.Tier
	switch {
	case score >= 75:
		tier = model.TierA
	case score >= 45:
		tier = model.TierB
	default:
		tier = model.TierC
	}

	return map[string]any{
		PayloadTier:  string(tier),
		PayloadScore: score,
	}, nil
}
