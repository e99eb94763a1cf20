package usagequeue

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// ClickHouseSink is the durable analytics sink for successfully-flushed
// usage records. The primary Postgres store also keeps each flushed row in
// its own usage_records table (the dedup source for bumpQuotas) next to the
// aggregate counters the validator reads (see internal/store); this sink is
// the column-store copy for analytics.
//
// ClickHouse has no ON CONFLICT clause, so a duplicate row (a re-flush, or
// a DLQ replay of a batch that actually landed) is deduplicated only
// asynchronously, at merge time, assuming usage_records is a
// ReplacingMergeTree keyed on id. Queries issued between merges may observe
// a transient duplicate. bumpQuotas' idempotence does not depend on this —
// it is keyed off the Postgres ON CONFLICT (id) DO NOTHING result, which is
// synchronous and authoritative for aggregate counters.
type ClickHouseSink struct {
	conn driver
}

// driver is the subset of clickhouse.Conn this sink uses, declared locally
// so tests can supply a fake without importing the ClickHouse client.
type driver interface {
	PrepareBatch(ctx context.Context, query string) (clickhouse.Batch, error)
}

const insertUsageQuery = `INSERT INTO usage_records (
	id, group_id, client_key_id, account_id, provider, model,
	input_tokens, output_tokens, cost_micros, status_code,
	duration_ms, cache_hit, request_id, created_at
)`

// NewClickHouseSink opens a ClickHouse connection for the usage-records
// table. dsn is a clickhouse:// connection string.
func NewClickHouseSink(dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usagequeue: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usagequeue: open clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("usagequeue: ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// WriteUsage appends records to the ClickHouse usage_records table using a
// single native batch insert.
func (s *ClickHouseSink) WriteUsage(ctx context.Context, records []domain.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, insertUsageQuery)
	if err != nil {
		return fmt.Errorf("usagequeue: prepare batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(
			r.ID, r.GroupID, r.ClientKeyID, r.AccountID, r.Provider, r.Model,
			r.InputTokens, r.OutputTokens, r.CostMicros, r.StatusCode,
			r.DurationMS, r.CacheHit, r.RequestID, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("usagequeue: append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("usagequeue: send batch: %w", err)
	}
	return nil
}
