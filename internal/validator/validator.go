// Package validator implements the API-key validation hot path: resolve a
// raw bearer token to a ClientApiKey, check its lifecycle status, quota, and
// rate limit, and hand back a Session the router can dispatch against.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
)

// Store is the subset of internal/store.Store the validator needs. Declared
// locally so the validator depends on an interface, not a concrete package
// (see SPEC_FULL.md §9 on breaking the pool/router/queue dependency cycle).
type Store interface {
	GetClientKeyByHash(ctx context.Context, hash string) (*domain.ClientApiKey, error)
	GetGroup(ctx context.Context, groupID string) (*domain.Group, error)
	TouchLastUsed(ctx context.Context, clientKeyID string, t time.Time) error
	GetDailyQuota(ctx context.Context, clientKeyID string, day time.Time) (*domain.DailyQuota, error)
}

// PerformanceRecord captures how a single Validate call was served, for the
// performance monitor and for response headers.
type PerformanceRecord struct {
	ValidationTime time.Duration
	CacheHit       bool
	DBQueries      int
}

// Session is everything the router needs once a request has been admitted.
type Session struct {
	Key   *domain.ClientApiKey
	Group *domain.Group
	Perf  PerformanceRecord
}

const (
	defaultKeyCacheTTL   = 5 * time.Minute
	defaultGroupCacheTTL = 5 * time.Minute
	defaultRateWindow    = time.Minute
)

// Validator resolves and admits requests. The cache is optional — nil-safe,
// matching the teacher's cache.Cache usage in internal/proxy.
type Validator struct {
	store   Store
	cache   cache.Cache
	limiter *ratelimit.KeyLimiter
	metrics *metrics.Registry
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithCache attaches a response cache. Pass nil to disable caching.
func WithCache(c cache.Cache) Option { return func(v *Validator) { v.cache = c } }

// WithRateLimiter attaches a per-key sliding-window limiter. Pass nil to
// disable rate limiting (e.g. when Redis is unavailable).
func WithRateLimiter(l *ratelimit.KeyLimiter) Option {
	return func(v *Validator) { v.limiter = l }
}

// WithMetrics attaches a Prometheus registry for admission-outcome counters.
func WithMetrics(m *metrics.Registry) Option {
	return func(v *Validator) { v.metrics = m }
}

// New creates a Validator backed by store.
func New(store Store, log *slog.Logger, opts ...Option) *Validator {
	v := &Validator{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	return v
}

// HashKey returns the stable cache/storage identifier for a raw key value.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Validate admits or refuses a request for the given raw bearer token and
// requested service name (e.g. the provider the caller wants to reach).
func (v *Validator) Validate(ctx context.Context, rawKey, requestedService string) (sess *Session, admErr *domain.AdmissionError) {
	start := v.now()
	perf := PerformanceRecord{}

	if v.metrics != nil {
		defer func() {
			if admErr != nil {
				v.metrics.RecordAdmission(string(admErr.Code))
			} else {
				v.metrics.RecordAdmission("ok")
			}
		}()
	}

	if rawKey == "" {
		return nil, domain.NewAdmissionError(domain.CodeNotFound, "missing API key")
	}
	hash := HashKey(rawKey)

	key, cacheHit, err := v.loadKey(ctx, hash, &perf)
	if err != nil {
		return nil, domain.NewAdmissionError(domain.CodeNotFound, "invalid API key")
	}
	perf.CacheHit = cacheHit

	if admErr := checkKeyStatus(key, v.now()); admErr != nil {
		return nil, admErr
	}

	if requestedService != "" && key.ServicePermission != "" &&
		!strings.Contains(strings.ToLower(key.ServicePermission), strings.ToLower(requestedService)) {
		return nil, domain.NewAdmissionError(domain.CodePermissionDenied,
			"key is not permitted to call %q", requestedService)
	}

	if key.QuotaLimit > 0 && key.QuotaUsed >= key.QuotaLimit {
		admErr := domain.NewAdmissionError(domain.CodeQuotaExceeded, "cumulative quota exhausted")
		admErr.Kind = "cumulative"
		admErr.Limit = key.QuotaLimit
		return nil, admErr
	}

	if key.DailyCostLimit > 0 {
		dq, err := v.store.GetDailyQuota(ctx, key.ID, v.now())
		if err == nil && dq.UsedMicros >= key.DailyCostLimit {
			admErr := domain.NewAdmissionError(domain.CodeQuotaExceeded, "daily cost limit exhausted")
			admErr.Kind = "daily"
			admErr.Limit = key.DailyCostLimit
			return nil, admErr
		}
	}

	if v.limiter != nil && (key.RateLimit.MaxRequests > 0 || key.RateLimit.MaxTokens > 0) {
		window := key.RateLimit.WindowMinutes
		if window <= 0 {
			window = 1
		}
		reqKey := cache.KeyRateLimit(key.ID, window)
		tokenKey := cache.KeyRateLimitTokens(key.ID, window)
		allowed, exceededKind, _ := v.limiter.Allow(ctx, reqKey, tokenKey, window, key.RateLimit.MaxRequests, key.RateLimit.MaxTokens)
		if !allowed {
			admErr := domain.NewAdmissionError(domain.CodeRateLimited, "rate limit exceeded")
			admErr.Kind = exceededKind
			retryAt := v.now().Add(time.Duration(window) * time.Minute).Unix()
			admErr.RetryAt = &retryAt
			return nil, admErr
		}
	}

	group, err := v.loadGroup(ctx, key.GroupID, &perf)
	if err != nil {
		return nil, domain.NewAdmissionError(domain.CodeGroupUnavailable, "group lookup failed")
	}
	if group.Status != "active" {
		return nil, domain.NewAdmissionError(domain.CodeGroupUnavailable, "group %q is not active", group.ID)
	}

	v.touchLastUsedAsync(key.ID)

	perf.ValidationTime = v.now().Sub(start)
	return &Session{Key: key, Group: group, Perf: perf}, nil
}

func checkKeyStatus(key *domain.ClientApiKey, now time.Time) *domain.AdmissionError {
	switch key.Status {
	case domain.KeyDisabled:
		return domain.NewAdmissionError(domain.CodeDisabled, "API key is disabled")
	case domain.KeyExpired:
		return domain.NewAdmissionError(domain.CodeExpired, "API key is expired")
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return domain.NewAdmissionError(domain.CodeExpired, "API key expired at %s", key.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (v *Validator) loadKey(ctx context.Context, hash string, perf *PerformanceRecord) (*domain.ClientApiKey, bool, error) {
	cacheKey := cache.KeyAPIKey(hash)

	if v.cache != nil {
		if raw, ok := v.cache.Get(ctx, cacheKey); ok {
			var key domain.ClientApiKey
			if err := json.Unmarshal(raw, &key); err == nil {
				return &key, true, nil
			}
		}
	}

	perf.DBQueries++
	key, err := v.store.GetClientKeyByHash(ctx, hash)
	if err != nil {
		return nil, false, err
	}

	if v.cache != nil {
		if raw, err := json.Marshal(key); err == nil {
			_ = v.cache.Set(ctx, cacheKey, raw, defaultKeyCacheTTL)
		}
	}

	return key, false, nil
}

func (v *Validator) loadGroup(ctx context.Context, groupID string, perf *PerformanceRecord) (*domain.Group, error) {
	cacheKey := cache.KeyGroup(groupID)

	if v.cache != nil {
		if raw, ok := v.cache.Get(ctx, cacheKey); ok {
			var g domain.Group
			if err := json.Unmarshal(raw, &g); err == nil {
				return &g, nil
			}
		}
	}

	perf.DBQueries++
	group, err := v.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if v.cache != nil {
		if raw, err := json.Marshal(group); err == nil {
			_ = v.cache.Set(ctx, cacheKey, raw, defaultGroupCacheTTL)
		}
	}

	return group, nil
}

// touchLastUsedAsync bumps the key's last-used timestamp without blocking
// the request path, mirroring the teacher's fire-and-forget logging calls
// in internal/proxy/gateway.go.
func (v *Validator) touchLastUsedAsync(clientKeyID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := v.store.TouchLastUsed(ctx, clientKeyID, time.Now()); err != nil {
			v.log.Warn("validator: touch last_used failed", slog.String("key_id", clientKeyID), slog.String("error", err.Error()))
		}
	}()
}
