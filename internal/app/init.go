package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/accountpool"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/featureflag"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/monitor"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/scheduler"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/usagequeue"
	"github.com/nulpointcorp/llm-gateway/internal/validator"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map and fails when it is empty.
// config's validate() already requires a provider key unless
// ALLOW_CLIENT_API_KEYS is set.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// buildCacheBackend resolves the configured cache implementation and a
// readiness probe for it. Shared by initCarpool (validator/pool caching)
// and initGateway (response caching) so both see the same backend.
func (a *App) buildCacheBackend() (npCache.Cache, func() bool) {
	switch a.cfg.Cache.Mode {
	case "redis":
		return npCache.NewExactCacheFromClient(a.rdb), redisPinger(a.baseCtx, a.rdb)
	case "memory":
		return a.memCache, func() bool { return true }
	default:
		return nil, nil
	}
}

// initCarpool wires the multi-tenant carpool subsystems: primary store,
// usage-recording queue, account pool, key validator, feature flags,
// scheduler, and performance monitor. Entirely skipped when Store.DSN is
// empty — the gateway then runs in the teacher's original provider-key-only
// mode.
func (a *App) initCarpool(ctx context.Context) error {
	if a.cfg.Store.DSN == "" {
		a.log.Info("carpool disabled: no DATABASE_URL configured")
		return nil
	}

	db, err := store.Open(ctx, a.cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	a.db = db
	a.log.Info("carpool store connected")

	cacheImpl, _ := a.buildCacheBackend()

	var sink usagequeue.Sink = usagequeue.NoopSink{}
	if a.cfg.ClickHouse.DSN != "" {
		chSink, err := usagequeue.NewClickHouseSink(a.cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		sink = chSink
		a.log.Info("usage analytics sink: clickhouse")
	} else {
		a.log.Info("usage analytics sink: none (store counters only)")
	}

	var dlq *redis.Client
	if a.rdb != nil {
		dlq = a.rdb
	}
	var queueOpts []usagequeue.Option
	if dlq != nil {
		queueOpts = append(queueOpts, usagequeue.WithDLQ(dlq))
	}
	queueOpts = append(queueOpts, usagequeue.WithMetrics(a.prom))
	a.usageQueue = usagequeue.New(a.baseCtx, sink, db, a.log, queueOpts...)

	a.accountPool = accountpool.New(db, cacheImpl, a.log)
	a.accountPool.SetMetrics(a.prom)

	var validatorOpts []validator.Option
	if cacheImpl != nil {
		validatorOpts = append(validatorOpts, validator.WithCache(cacheImpl))
	}
	if a.rdb != nil {
		a.keyLimiter = ratelimit.NewKeyLimiter(a.rdb)
		validatorOpts = append(validatorOpts, validator.WithRateLimiter(a.keyLimiter))
	}
	validatorOpts = append(validatorOpts, validator.WithMetrics(a.prom))
	a.validator = validator.New(db, a.log, validatorOpts...)

	a.featureFlags = featureflag.New(cacheImpl, a.log)
	if err := a.featureFlags.Set(ctx, domain.FeatureFlag{
		Key:   accountpool.FlagAccountPoolCache,
		Phase: string(featureflag.PhaseFull),
	}); err != nil {
		a.log.Warn("featureflag: seed default failed", slog.String("error", err.Error()))
	}
	a.accountPool.SetFeatureFlags(a.featureFlags)

	a.monitor = monitor.New(a.baseCtx, a.log, monitor.DefaultAlertRules())
	a.monitor.SetMetrics(a.prom)

	a.scheduler = scheduler.New(a.log, a.cfg.Scheduler.MaxConcurrentJobs, a.cfg.Scheduler.JobTimeout)
	a.scheduler.SetMetrics(a.prom)
	deps := scheduler.Dependencies{
		PoolRefresher: func(ctx context.Context) error {
			pairs, err := db.ListGroupProviderPairs(ctx)
			if err != nil {
				return err
			}
			for _, p := range pairs {
				if _, err := a.accountPool.Refresh(ctx, p.GroupID, p.Provider); err != nil {
					a.log.Warn("account pool refresh failed",
						slog.String("group_id", p.GroupID), slog.String("provider", p.Provider),
						slog.String("error", err.Error()))
				}
			}
			return nil
		},
		DLQProcessor: func(ctx context.Context) error {
			_, _, err := a.usageQueue.ReplayDLQ(ctx, 500)
			return err
		},
		DBMaintainer: func(ctx context.Context) error {
			return db.ReconcileQuotaUsage(ctx, time.Now())
		},
	}
	if err := scheduler.RegisterStandardJobs(a.scheduler, scheduler.DefaultJobSpecs(), deps); err != nil {
		return fmt.Errorf("scheduler: register jobs: %w", err)
	}

	a.router = router.New(a.validator, a.db, a.accountPool, a.usageQueue, a.log)
	a.router.Limiter = a.keyLimiter
	a.router.SetMonitor(a.monitor)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	cacheImpl, cacheReady := a.buildCacheBackend()

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// Carpool admission control — nil-safe pass-through when Store.DSN is unset.
	gw.SetAdmission(a.router.Wrap)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async per-request metadata logger (reqLogger) is not wired, so
	// gateway.go logRequest is a no-op; the dispatch handlers' own slog
	// lines are the only per-request log output.
	// ClickHouse, when configured, is used by internal/usagequeue for usage
	// accounting rather than by this logger.

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
