package scheduler

import "context"

// Dependencies groups every collaborator the seven standard jobs call into.
// Each field is a function that a deployment can leave nil when it has no
// backing service for it (e.g. no Redis DLQ configured).
type Dependencies struct {
	HealthChecker   func(ctx context.Context) error
	CacheCleaner    func(ctx context.Context) error
	PoolRefresher   func(ctx context.Context) error
	DLQProcessor    func(ctx context.Context) error
	PerformanceReporter func(ctx context.Context) error
	StatsCleaner    func(ctx context.Context) error
	DBMaintainer    func(ctx context.Context) error
}

// RegisterStandardJobs wires the seven standard maintenance jobs onto s
// using the given cron specs (6-field, seconds-first, matching
// cron.WithSeconds()). A nil dependency function is skipped rather than
// registered as a no-op, so its absence shows up as "not scheduled" instead
// of a silently-succeeding job.
func RegisterStandardJobs(s *Scheduler, specs JobSpecs, deps Dependencies) error {
	type entry struct {
		name string
		spec string
		fn   JobFunc
	}
	entries := []entry{
		{"health_check", specs.HealthCheck, deps.HealthChecker},
		{"cache_cleanup", specs.CacheCleanup, deps.CacheCleaner},
		{"account_pool_refresh", specs.AccountPoolRefresh, deps.PoolRefresher},
		{"dlq_processing", specs.DLQProcessing, deps.DLQProcessor},
		{"performance_report", specs.PerformanceReport, deps.PerformanceReporter},
		{"stats_cleanup", specs.StatsCleanup, deps.StatsCleaner},
		{"db_maintenance", specs.DBMaintenance, deps.DBMaintainer},
	}
	for _, e := range entries {
		if e.fn == nil {
			continue
		}
		if err := s.Register(e.name, e.spec, e.fn); err != nil {
			return err
		}
	}
	return nil
}

// JobSpecs holds the cron schedule for each standard job. DefaultJobSpecs returns
// a sane production cadence.
type JobSpecs struct {
	HealthCheck        string
	CacheCleanup       string
	AccountPoolRefresh string
	DLQProcessing      string
	PerformanceReport  string
	StatsCleanup       string
	DBMaintenance      string
}

// DefaultJobSpecs returns the standard cadence: frequent health/pool checks,
// moderate cache/DLQ upkeep, and once-daily heavier maintenance.
func DefaultJobSpecs() JobSpecs {
	return JobSpecs{
		HealthCheck:        "*/15 * * * * *", // every 15 seconds
		CacheCleanup:       "0 */5 * * * *",  // every 5 minutes
		AccountPoolRefresh: "*/30 * * * * *", // every 30 seconds
		DLQProcessing:      "0 */1 * * * *",  // every minute
		PerformanceReport:  "0 */5 * * * *",  // every 5 minutes
		StatsCleanup:       "0 0 3 * * *",    // daily at 03:00
		DBMaintenance:      "0 0 4 * * *",    // daily at 04:00
	}
}
