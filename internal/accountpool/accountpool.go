// Package accountpool maintains per-provider, scored pools of upstream
// accounts that the router draws candidates from, honoring each request's
// resource-binding mode (dedicated / shared / hybrid).
package accountpool

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/featureflag"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
)

// FlagAccountPoolCache gates the cache-backed fast path in Acquire. Phasing
// it in per group lets a rollout confirm cached pools behave before trusting
// them for every group; disabled groups always recompute from the store.
const FlagAccountPoolCache = "account_pool_caching"

// Store is the subset of internal/store.Store the pool manager needs.
type Store interface {
	ListAccountsForGroup(ctx context.Context, groupID, provider string) ([]*domain.UpstreamAccount, error)
	ListAccountHealth(ctx context.Context, provider string) ([]domain.AccountHealthStatus, error)
}

// Pool is a scored, versioned snapshot of one provider's candidate accounts
// for a group, as cached under cache.KeyAccountPool.
type Pool struct {
	Provider  string                   `json:"provider"`
	Version   int64                    `json:"version"`
	Entries   []domain.AccountPoolEntry `json:"entries"`
	ExpiresAt time.Time                `json:"expires_at"`
}

const defaultPoolTTL = 30 * time.Second

// Manager scores and caches account pools, and tracks per-account in-flight
// load as a soft concurrency signal for scoring (see DESIGN.md open-question
// 2 — load is never persisted across restarts).
type Manager struct {
	store   Store
	cache   cache.Cache
	flags   *featureflag.Registry
	metrics *metrics.Registry
	log     *slog.Logger

	mu           sync.Mutex
	load         map[string]int64
	costPerToken map[string]int64
}

// New creates a Manager. cache may be nil, in which case every call
// recomputes the pool from the store.
func New(store Store, c cache.Cache, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, cache: c, log: log, load: map[string]int64{}, costPerToken: map[string]int64{}}
}

// SetFeatureFlags enables gradual rollout of the cache-backed fast path via
// FlagAccountPoolCache. Left unset, Acquire always prefers the cache when one
// is configured, matching the pre-rollout behavior.
func (m *Manager) SetFeatureFlags(r *featureflag.Registry) {
	m.flags = r
}

// SetMetrics attaches a Prometheus registry for acquisition-outcome counters.
func (m *Manager) SetMetrics(r *metrics.Registry) {
	m.metrics = r
}

// Refresh recomputes and caches the pool for groupID/provider, bumping its
// version. Called by internal/scheduler's account-pool-refresh job and
// opportunistically by Acquire when the cached pool has expired.
func (m *Manager) Refresh(ctx context.Context, groupID, provider string) (*Pool, error) {
	accounts, err := m.store.ListAccountsForGroup(ctx, groupID, provider)
	if err != nil {
		return nil, err
	}
	health, err := m.store.ListAccountHealth(ctx, provider)
	if err != nil {
		// Health is advisory; degrade to "assume healthy" rather than fail the pool.
		m.log.Warn("accountpool: health lookup failed, assuming healthy", slog.String("error", err.Error()))
		health = nil
	}
	healthy := make(map[string]bool, len(health))
	for _, h := range health {
		healthy[h.AccountID] = h.Healthy
	}

	entries := make([]domain.AccountPoolEntry, 0, len(accounts))
	m.mu.Lock()
	for _, a := range accounts {
		m.costPerToken[a.ID] = a.CostPerToken
	}
	m.mu.Unlock()
	for _, a := range accounts {
		isHealthy := true
		if v, ok := healthy[a.ID]; ok {
			isHealthy = v
		}
		entries = append(entries, domain.AccountPoolEntry{
			AccountID: a.ID,
			Provider:  a.Provider,
			Score:     m.score(a, isHealthy),
			Load:      m.currentLoad(a.ID),
			Healthy:   isHealthy,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })

	pool := &Pool{
		Provider:  provider,
		Version:   time.Now().UnixNano(),
		Entries:   entries,
		ExpiresAt: time.Now().Add(defaultPoolTTL),
	}

	if m.cache != nil {
		if raw, err := json.Marshal(pool); err == nil {
			_ = m.cache.Set(ctx, cache.KeyAccountPool(groupID+":"+provider), raw, defaultPoolTTL)
		}
	}

	return pool, nil
}

// score ranks an account 0..100: it starts at 100 and loses 0.5 per unit of
// current concurrent load and one point per hour since the account was last
// used (capped at 50), so a long-idle account ranks below a recently used
// one at equal load.
// Unhealthy or non-active accounts score zero so they sort last and are
// filtered out by Acquire. Accounts never used (LastUsedAt nil) take no
// age penalty.
func (m *Manager) score(a *domain.UpstreamAccount, healthy bool) float64 {
	if !healthy || a.Status != domain.AccountActive {
		return 0
	}
	loadPenalty := 0.5 * float64(m.currentLoad(a.ID))
	var ageMinutes float64
	if a.LastUsedAt != nil {
		ageMinutes = time.Since(*a.LastUsedAt).Minutes()
	}
	agePenalty := ageMinutes / 60
	if agePenalty > 50 {
		agePenalty = 50
	}
	score := 100 - loadPenalty - agePenalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (m *Manager) currentLoad(accountID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load[accountID]
}

// CostPerToken returns the last-refreshed cost-per-1K-tokens for an
// account, or 0 if the account is unknown.
func (m *Manager) CostPerToken(accountID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costPerToken[accountID]
}

// Acquire returns the best candidate account for groupID/provider, filtered
// by mode and an explicit allow-list (used for "dedicated" bindings).
// hybridRatio is the 0..100 odds, for "hybrid" bindings, of drawing from the
// hinted allow-list first before falling back to the full pool — it has no
// effect for "dedicated"/"shared". Callers must call Release when the
// request completes.
func (m *Manager) Acquire(ctx context.Context, groupID, provider string, mode domain.BindingMode, allowed []string, hybridRatio int) (accountID string, admErr *domain.AdmissionError) {
	if m.metrics != nil {
		defer func() {
			result := "ok"
			if admErr != nil {
				result = "no_account"
			}
			m.metrics.RecordAccountAcquire(provider, result)
		}()
	}

	var pool *Pool
	if m.flags == nil || m.flags.IsEnabled(ctx, FlagAccountPoolCache, groupID) {
		pool = m.cachedPool(ctx, groupID, provider)
	}
	if pool == nil || time.Now().After(pool.ExpiresAt) {
		p, err := m.Refresh(ctx, groupID, provider)
		if err != nil {
			return "", domain.NewAdmissionError(domain.CodeNoAccount, "account pool unavailable: %v", err)
		}
		pool = p
	}

	allowSet := map[string]bool{}
	for _, id := range allowed {
		allowSet[id] = true
	}

	candidate := func(e domain.AccountPoolEntry) bool { return e.Healthy && e.Score > 0 }
	inAllowSet := func(e domain.AccountPoolEntry) bool { return candidate(e) && allowSet[e.AccountID] }
	any := func(e domain.AccountPoolEntry) bool { return candidate(e) }

	switch mode {
	case domain.BindingDedicated:
		if id, ok := m.pickFrom(pool, inAllowSet); ok {
			return id, nil
		}
	case domain.BindingHybrid:
		if len(allowSet) == 0 {
			if id, ok := m.pickFrom(pool, any); ok {
				return id, nil
			}
			break
		}
		drawFromAllowSet := rand.Intn(100) < hybridRatio
		first, second := inAllowSet, any
		if !drawFromAllowSet {
			first, second = any, inAllowSet
		}
		if id, ok := m.pickFrom(pool, first); ok {
			return id, nil
		}
		if id, ok := m.pickFrom(pool, second); ok {
			return id, nil
		}
	default: // BindingShared and anything else
		if id, ok := m.pickFrom(pool, any); ok {
			return id, nil
		}
	}

	return "", domain.NewAdmissionError(domain.CodeNoAccount, "no healthy %s account available for group %s", provider, groupID)
}

// pickFrom returns the id of the first entry (pool.Entries is already
// sorted by score, highest first) matching predicate, incrementing its load.
func (m *Manager) pickFrom(pool *Pool, predicate func(domain.AccountPoolEntry) bool) (string, bool) {
	for _, e := range pool.Entries {
		if !predicate(e) {
			continue
		}
		m.incrLoad(e.AccountID, 1)
		return e.AccountID, true
	}
	return "", false
}

// Release decrements the in-flight load counter for an account once its
// request has completed (success or failure).
func (m *Manager) Release(accountID string) {
	m.incrLoad(accountID, -1)
}

func (m *Manager) incrLoad(accountID string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load[accountID] += delta
	if m.load[accountID] < 0 {
		m.load[accountID] = 0
	}
}

func (m *Manager) cachedPool(ctx context.Context, groupID, provider string) *Pool {
	if m.cache == nil {
		return nil
	}
	raw, ok := m.cache.Get(ctx, cache.KeyAccountPool(groupID+":"+provider))
	if !ok {
		return nil
	}
	var p Pool
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return &p
}
