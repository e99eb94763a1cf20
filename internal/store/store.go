// Package store is the primary relational store for the carpool gateway:
// groups, members, client API keys, upstream accounts, resource bindings,
// usage statistics, and account health checks.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// Store wraps a pgx connection pool with the queries the hot request path
// and the background jobs need. It holds no business logic of its own.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const clientKeyColumns = `id, group_id, key_hash, name, status, service_permission,
	quota_limit, quota_used, daily_cost_limit, window_minutes, max_requests, max_tokens,
	expires_at, last_used_at, created_at, updated_at`

func scanClientKey(row pgx.Row) (*domain.ClientApiKey, error) {
	var k domain.ClientApiKey
	err := row.Scan(
		&k.ID, &k.GroupID, &k.KeyHash, &k.Name, &k.Status, &k.ServicePermission,
		&k.QuotaLimit, &k.QuotaUsed, &k.DailyCostLimit,
		&k.RateLimit.WindowMinutes, &k.RateLimit.MaxRequests, &k.RateLimit.MaxTokens,
		&k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// GetClientKeyByHash looks up a ClientApiKey by its sha256 hash. Returns
// pgx.ErrNoRows when the key does not exist — callers translate that into a
// domain.CodeNotFound admission error.
func (s *Store) GetClientKeyByHash(ctx context.Context, hash string) (*domain.ClientApiKey, error) {
	query := `SELECT ` + clientKeyColumns + ` FROM client_api_keys WHERE key_hash = $1`
	row := s.pool.QueryRow(ctx, query, hash)
	k, err := scanClientKey(row)
	if err != nil {
		return nil, fmt.Errorf("store: get client key: %w", err)
	}
	return k, nil
}

// GetGroup loads a Group by ID.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	query := `SELECT id, name, status, daily_cost_limit, monthly_budget, created_at, updated_at
		FROM groups WHERE id = $1`
	var g domain.Group
	err := s.pool.QueryRow(ctx, query, groupID).Scan(
		&g.ID, &g.Name, &g.Status, &g.DailyCostLimit, &g.MonthlyBudget, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get group: %w", err)
	}
	return &g, nil
}

// GetResourceBinding loads the binding policy for a client key.
func (s *Store) GetResourceBinding(ctx context.Context, clientKeyID string) (*domain.ResourceBinding, error) {
	query := `SELECT id, client_key_id, group_id, mode, account_ids, hybrid_ratio, created_at
		FROM resource_bindings WHERE client_key_id = $1`
	var b domain.ResourceBinding
	err := s.pool.QueryRow(ctx, query, clientKeyID).Scan(
		&b.ID, &b.ClientKeyID, &b.GroupID, &b.Mode, &b.AccountIDs, &b.HybridRatio, &b.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get resource binding: %w", err)
	}
	return &b, nil
}

// ListAccountsForGroup returns every active UpstreamAccount for the given
// group and provider, ordered by priority. Credentials are returned as
// stored; this query does not decrypt them — callers must not log them.
func (s *Store) ListAccountsForGroup(ctx context.Context, groupID, provider string) ([]*domain.UpstreamAccount, error) {
	query := `SELECT id, group_id, provider, name, status, credentials, priority, weight, cost_per_token,
			total_requests, total_tokens, total_cost_micros, last_used_at, created_at, updated_at
		FROM upstream_accounts
		WHERE group_id = $1 AND provider = $2 AND status = 'active'
		ORDER BY priority ASC`
	rows, err := s.pool.Query(ctx, query, groupID, provider)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.UpstreamAccount
	for rows.Next() {
		var a domain.UpstreamAccount
		if err := rows.Scan(
			&a.ID, &a.GroupID, &a.Provider, &a.Name, &a.Status, &a.Credentials,
			&a.Priority, &a.Weight, &a.CostPerToken,
			&a.TotalRequests, &a.TotalTokens, &a.TotalCostMicros, &a.LastUsedAt,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// IncrementQuotaUsed atomically adds deltaMicros to a client key's running
// quota counter. This is the authoritative write for the validator's
// admission check (see DESIGN.md open-question 1).
func (s *Store) IncrementQuotaUsed(ctx context.Context, clientKeyID string, deltaMicros int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE client_api_keys SET quota_used = quota_used + $2, updated_at = now() WHERE id = $1`,
		clientKeyID, deltaMicros,
	)
	if err != nil {
		return fmt.Errorf("store: increment quota: %w", err)
	}
	return nil
}

// TouchLastUsed updates a client key's last-used timestamp. Callers invoke
// this fire-and-forget after a successful validation (see internal/validator).
func (s *Store) TouchLastUsed(ctx context.Context, clientKeyID string, t time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE client_api_keys SET last_used_at = $2 WHERE id = $1`,
		clientKeyID, t,
	)
	if err != nil {
		return fmt.Errorf("store: touch last used: %w", err)
	}
	return nil
}

// InsertUsageRecords batch-inserts usage rows, skipping any id already
// present, and returns the ids that were newly inserted. A record whose id
// is absent from the returned slice was a duplicate of a prior flush or DLQ
// replay — callers must not credit its tokens/cost to any aggregate twice.
// Used by internal/usagequeue's flush worker.
func (s *Store) InsertUsageRecords(ctx context.Context, records []domain.UsageRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO usage_records
				(id, group_id, client_key_id, account_id, provider, model,
				 input_tokens, output_tokens, cost_micros, status_code,
				 duration_ms, cache_hit, request_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (id) DO NOTHING
			RETURNING id`,
			r.ID, r.GroupID, r.ClientKeyID, r.AccountID, r.Provider, r.Model,
			r.InputTokens, r.OutputTokens, r.CostMicros, r.StatusCode,
			r.DurationMS, r.CacheHit, r.RequestID, r.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted []string
	for range records {
		rows, err := br.Query()
		if err != nil {
			return inserted, fmt.Errorf("store: insert usage batch: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return inserted, fmt.Errorf("store: scan inserted usage id: %w", err)
			}
			inserted = append(inserted, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return inserted, fmt.Errorf("store: insert usage batch: %w", err)
		}
	}
	return inserted, nil
}

// IncrementAccountUsage atomically advances an upstream account's aggregate
// usage counters, for spec-level account-level reporting.
func (s *Store) IncrementAccountUsage(ctx context.Context, accountID string, tokens int, costMicros int64, lastUsedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE upstream_accounts SET
			total_requests = total_requests + 1,
			total_tokens = total_tokens + $2,
			total_cost_micros = total_cost_micros + $3,
			last_used_at = $4,
			updated_at = now()
		WHERE id = $1`,
		accountID, tokens, costMicros, lastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("store: increment account usage: %w", err)
	}
	return nil
}

// GetDailyQuota aggregates a client key's cost for the UTC calendar day
// containing day, from the usage_records ledger, for the per-key
// daily-cost-limit admission check.
func (s *Store) GetDailyQuota(ctx context.Context, clientKeyID string, day time.Time) (*domain.DailyQuota, error) {
	query := `SELECT COALESCE(SUM(cost_micros), 0) FROM usage_records
		WHERE client_key_id = $1
		  AND created_at >= date_trunc('day', $2::timestamptz)
		  AND created_at < date_trunc('day', $2::timestamptz) + interval '1 day'`
	var used int64
	if err := s.pool.QueryRow(ctx, query, clientKeyID, day).Scan(&used); err != nil {
		return nil, fmt.Errorf("store: get daily quota: %w", err)
	}
	return &domain.DailyQuota{
		ClientKeyID: clientKeyID,
		Day:         day.UTC().Format("2006-01-02"),
		UsedMicros:  used,
	}, nil
}

// UpsertAccountHealth records the latest health probe result for an account.
func (s *Store) UpsertAccountHealth(ctx context.Context, h domain.AccountHealthStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_health (account_id, healthy, latency_ms, error, checked_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (account_id) DO UPDATE SET
				healthy = EXCLUDED.healthy,
				latency_ms = EXCLUDED.latency_ms,
				error = EXCLUDED.error,
				checked_at = EXCLUDED.checked_at`,
		h.AccountID, h.Healthy, h.LatencyMS, h.Error, h.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert account health: %w", err)
	}
	return nil
}

// ListAccountHealth returns the latest known health for every account of a
// provider. Used by internal/accountpool to filter unhealthy candidates.
func (s *Store) ListAccountHealth(ctx context.Context, provider string) ([]domain.AccountHealthStatus, error) {
	query := `SELECT h.account_id, h.healthy, h.latency_ms, h.error, h.checked_at
		FROM account_health h
		JOIN upstream_accounts a ON a.id = h.account_id
		WHERE a.provider = $1`
	rows, err := s.pool.Query(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("store: list account health: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountHealthStatus
	for rows.Next() {
		var h domain.AccountHealthStatus
		if err := rows.Scan(&h.AccountID, &h.Healthy, &h.LatencyMS, &h.Error, &h.CheckedAt); err != nil {
			return nil, fmt.Errorf("store: scan account health: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GroupProvider identifies one (group, provider) pair with at least one
// active upstream account — the unit internal/accountpool refreshes.
type GroupProvider struct {
	GroupID  string
	Provider string
}

// ListGroupProviderPairs returns every distinct (group, provider) pair with
// at least one active account, for the scheduler's account-pool-refresh job.
func (s *Store) ListGroupProviderPairs(ctx context.Context) ([]GroupProvider, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT group_id, provider FROM upstream_accounts WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("store: list group/provider pairs: %w", err)
	}
	defer rows.Close()

	var out []GroupProvider
	for rows.Next() {
		var p GroupProvider
		if err := rows.Scan(&p.GroupID, &p.Provider); err != nil {
			return nil, fmt.Errorf("store: scan group/provider pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReconcileQuotaUsage recomputes each client key's cumulative quota_used
// from the usage_records ledger, summing every record created before the end
// of the UTC day containing day, correcting any drift left by a dropped
// usage-queue flush. Keys with no ledger rows are left unchanged. Run by the
// scheduler's db-maintenance job.
func (s *Store) ReconcileQuotaUsage(ctx context.Context, day time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE client_api_keys k SET quota_used = sub.total
		FROM (
			SELECT client_key_id, COALESCE(SUM(cost_micros), 0) AS total
			FROM usage_records
			WHERE created_at < date_trunc('day', $1::timestamptz) + interval '1 day'
			GROUP BY client_key_id
		) sub
		WHERE k.id = sub.client_key_id`, day)
	if err != nil {
		return fmt.Errorf("store: reconcile quota: %w", err)
	}
	return nil
}
