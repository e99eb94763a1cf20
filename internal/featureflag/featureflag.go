// Package featureflag implements the gradual-rollout ladder used to phase
// in optimizations (caching, pooling, etc.) without an all-or-nothing
// deploy, plus an emergency kill switch for rolling all of them back at
// once.
package featureflag

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// Phase is a rollout stage. Percentages are of the bucketed user population.
type Phase string

const (
	PhaseDisabled Phase = "disabled"
	PhaseCanary   Phase = "canary"  // 5%
	PhaseGradual  Phase = "gradual" // 25%
	PhaseMajority Phase = "majority" // 75%
	PhaseFull     Phase = "full"    // 100%
)

var phasePercent = map[Phase]int{
	PhaseDisabled: 0,
	PhaseCanary:   5,
	PhaseGradual:  25,
	PhaseMajority: 75,
	PhaseFull:     100,
}

// phaseOrder is the rollout ladder PromoteFeature/RollbackFeature walk.
var phaseOrder = []Phase{PhaseDisabled, PhaseCanary, PhaseGradual, PhaseMajority, PhaseFull}

// Fallback flags EmergencyDisableAllOptimizations enables (and
// RestoreAllOptimizations disables) in place of every other known flag.
const (
	FlagFallbackRouter     = "FALLBACK_TO_ORIGINAL_ROUTER"
	FlagFallbackValidation = "FALLBACK_TO_ORIGINAL_API_KEY_VALIDATION"
)

const flagCacheTTL = 30 * time.Second

// Registry evaluates flags against a user ID, backed by the shared cache and
// a short local TTL mirror; only an evaluation whose local entry is missing
// or older than flagCacheTTL reads the shared cache.
type Registry struct {
	cache cache.Cache
	log   *slog.Logger

	mu       sync.RWMutex
	local    map[string]domain.FeatureFlag
	fetched  map[string]time.Time
	override bool // set by EmergencyDisableAll; bypasses every flag except the fallback flags to "disabled"
}

// New creates a Registry. cache may be nil — every evaluation then uses
// whatever was last set locally via Set.
func New(c cache.Cache, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cache:   c,
		log:     log,
		local:   map[string]domain.FeatureFlag{},
		fetched: map[string]time.Time{},
	}
}

// Set defines or updates a flag, both locally and in the shared cache.
func (r *Registry) Set(ctx context.Context, flag domain.FeatureFlag) error {
	flag.UpdatedAt = time.Now()
	r.mu.Lock()
	r.local[flag.Key] = flag
	r.fetched[flag.Key] = time.Now()
	r.mu.Unlock()

	if r.cache == nil {
		return nil
	}
	raw, err := json.Marshal(flag)
	if err != nil {
		return err
	}
	return r.cache.Set(ctx, cache.KeyFeatureFlag(flag.Key), raw, 0)
}

// IsEnabled reports whether flagKey is enabled for userID, honoring
// whitelist/blacklist overrides and the phase-based rollout percentage.
func (r *Registry) IsEnabled(ctx context.Context, flagKey, userID string) bool {
	if r.emergencyActive() && flagKey != FlagFallbackRouter && flagKey != FlagFallbackValidation {
		return false
	}

	flag, ok := r.resolve(ctx, flagKey)
	if !ok {
		return false
	}

	for _, u := range flag.Blacklist {
		if u == userID {
			return false
		}
	}
	for _, u := range flag.Whitelist {
		if u == userID {
			return true
		}
	}

	pct, ok := phasePercent[Phase(flag.Phase)]
	if !ok || pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return stableBucket(userID) < pct
}

// stableBucket deterministically maps a userID to a bucket in [0, 100),
// matching spec.md's stable_hash(userId) percentage-rollout behavior: the
// same user always lands in the same bucket as the rollout percentage grows.
func stableBucket(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % 100)
}

func (r *Registry) resolve(ctx context.Context, flagKey string) (domain.FeatureFlag, bool) {
	r.mu.RLock()
	flag, ok := r.local[flagKey]
	fetchedAt := r.fetched[flagKey]
	r.mu.RUnlock()

	if ok && time.Since(fetchedAt) < flagCacheTTL {
		return flag, true
	}

	if r.cache == nil {
		return flag, ok
	}

	raw, hit := r.cache.Get(ctx, cache.KeyFeatureFlag(flagKey))
	if !hit {
		return flag, ok
	}
	var fresh domain.FeatureFlag
	if err := json.Unmarshal(raw, &fresh); err != nil {
		return flag, ok
	}

	r.mu.Lock()
	r.local[flagKey] = fresh
	r.fetched[flagKey] = time.Now()
	r.mu.Unlock()

	return fresh, true
}

// EnableFeature re-enters flagKey's rollout at the first non-disabled rung
// (canary).
func (r *Registry) EnableFeature(ctx context.Context, flagKey string) error {
	return r.Set(ctx, domain.FeatureFlag{Key: flagKey, Phase: string(PhaseCanary)})
}

// DisableFeature drops flagKey straight to disabled.
func (r *Registry) DisableFeature(ctx context.Context, flagKey, reason string) error {
	r.log.Info("featureflag: disabled", slog.String("flag", flagKey), slog.String("reason", reason))
	return r.Set(ctx, domain.FeatureFlag{Key: flagKey, Phase: string(PhaseDisabled)})
}

// PromoteFeature advances flagKey one rung up the rollout ladder
// (disabled -> canary -> gradual -> majority -> full). A flag already at
// full is left unchanged. A flag with no known phase starts at canary.
func (r *Registry) PromoteFeature(ctx context.Context, flagKey string) error {
	cur, _ := r.resolve(ctx, flagKey)
	next := nextPhase(Phase(cur.Phase))
	return r.Set(ctx, domain.FeatureFlag{Key: flagKey, Phase: string(next), Whitelist: cur.Whitelist, Blacklist: cur.Blacklist})
}

// RollbackFeature drops flagKey one rung down the rollout ladder, logging
// reason for the operator audit trail.
func (r *Registry) RollbackFeature(ctx context.Context, flagKey, reason string) error {
	cur, _ := r.resolve(ctx, flagKey)
	prev := prevPhase(Phase(cur.Phase))
	r.log.Warn("featureflag: rolled back", slog.String("flag", flagKey), slog.String("from", cur.Phase), slog.String("to", string(prev)), slog.String("reason", reason))
	return r.Set(ctx, domain.FeatureFlag{Key: flagKey, Phase: string(prev), Whitelist: cur.Whitelist, Blacklist: cur.Blacklist})
}

func nextPhase(p Phase) Phase {
	for i, ph := range phaseOrder {
		if ph == p && i < len(phaseOrder)-1 {
			return phaseOrder[i+1]
		}
	}
	if p == "" {
		return PhaseCanary
	}
	return p
}

func prevPhase(p Phase) Phase {
	for i, ph := range phaseOrder {
		if ph == p && i > 0 {
			return phaseOrder[i-1]
		}
	}
	return PhaseDisabled
}

// knownFlagKeys returns every flag key this process has ever Set, excluding
// the two fallback flags themselves.
func (r *Registry) knownFlagKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.local))
	for k := range r.local {
		if k == FlagFallbackRouter || k == FlagFallbackValidation {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// EmergencyDisableAllOptimizations flips every known optimization flag off
// and enables the FALLBACK_TO_ORIGINAL_* flags, so the request path falls
// back to its pre-rollout behavior immediately. It also sets the in-memory
// override bit IsEnabled checks first for every flag other than the two
// fallback flags, so evaluation never waits on the per-flag Set calls below
// to take effect.
func (r *Registry) EmergencyDisableAllOptimizations(ctx context.Context, reason string) error {
	r.mu.Lock()
	r.override = true
	r.mu.Unlock()
	r.log.Warn("featureflag: emergency disable engaged", slog.String("reason", reason))

	for _, key := range r.knownFlagKeys() {
		if err := r.DisableFeature(ctx, key, reason); err != nil {
			return err
		}
	}
	if err := r.Set(ctx, domain.FeatureFlag{Key: FlagFallbackRouter, Phase: string(PhaseFull)}); err != nil {
		return err
	}
	return r.Set(ctx, domain.FeatureFlag{Key: FlagFallbackValidation, Phase: string(PhaseFull)})
}

// RestoreAllOptimizations clears the emergency override, re-enters every
// known optimization flag at canary, and disables the fallback flags.
func (r *Registry) RestoreAllOptimizations(ctx context.Context) error {
	r.mu.Lock()
	r.override = false
	r.mu.Unlock()
	r.log.Info("featureflag: emergency override cleared")

	for _, key := range r.knownFlagKeys() {
		if err := r.EnableFeature(ctx, key); err != nil {
			return err
		}
	}
	if err := r.Set(ctx, domain.FeatureFlag{Key: FlagFallbackRouter, Phase: string(PhaseDisabled)}); err != nil {
		return err
	}
	return r.Set(ctx, domain.FeatureFlag{Key: FlagFallbackValidation, Phase: string(PhaseDisabled)})
}

func (r *Registry) emergencyActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.override
}
