// Package usagequeue buffers completed-request usage records and flushes
// them in batches to durable storage, without ever blocking the request
// path. Records that fail to flush after repeated attempts are moved to a
// dead-letter queue for later reconciliation when one is attached
// (WithDLQ); without one they are logged and dropped.
package usagequeue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
)

const (
	channelBuffer  = 10_000
	batchSize      = 100
	flushInterval  = time.Second
	maxFlushRetries = 3
	statsHistory   = 100
)

// Sink is the durable analytics store usage records are flushed to. The
// ClickHouse-backed implementation lives in sink_clickhouse.go; tests use a
// fake.
type Sink interface {
	WriteUsage(ctx context.Context, records []domain.UsageRecord) error
}

// AggregateStore is the subset of internal/store.Store the queue uses to
// durably persist each flushed record and keep the client-key and
// upstream-account aggregate counters current.
type AggregateStore interface {
	InsertUsageRecords(ctx context.Context, records []domain.UsageRecord) ([]string, error)
	IncrementQuotaUsed(ctx context.Context, clientKeyID string, deltaMicros int64) error
	IncrementAccountUsage(ctx context.Context, accountID string, tokens int, costMicros int64, lastUsedAt time.Time) error
}

// NoopSink discards records. Used when no ClickHouse DSN is configured —
// the primary store's aggregate counters (via AggregateStore) still get
// updated, only the durable per-request analytics ledger is skipped.
type NoopSink struct{}

func (NoopSink) WriteUsage(context.Context, []domain.UsageRecord) error { return nil }

// BatchStats summarizes a single flush attempt, retained for GetQueueStats.
type BatchStats struct {
	FlushedAt time.Time
	Count     int
	Failed    int
	Err       string
}

// Queue is the usage-recording pipeline: an in-process ring buffer drained
// by a background batch worker, mirroring internal/logger.Logger's
// buffered-channel + ticker-flush shape.
type Queue struct {
	sink    Sink
	store   AggregateStore
	dlq     *redis.Client
	metrics *metrics.Registry
	log     *slog.Logger

	ch        chan domain.UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	statsMu sync.Mutex
	stats   []BatchStats

	baseCtx context.Context
}

// Option configures a Queue.
type Option func(*Queue)

// WithDLQ attaches a Redis client used as the dead-letter queue for batches
// that fail every retry. Without it, failed batches are logged and dropped.
func WithDLQ(rdb *redis.Client) Option { return func(q *Queue) { q.dlq = rdb } }

// WithMetrics attaches a Prometheus registry for queue-depth and
// flush-outcome counters.
func WithMetrics(r *metrics.Registry) Option { return func(q *Queue) { q.metrics = r } }

// New creates a Queue and starts its background flush worker.
func New(ctx context.Context, sink Sink, store AggregateStore, log *slog.Logger, opts ...Option) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		sink:    sink,
		store:   store,
		log:     log,
		ch:      make(chan domain.UsageRecord, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
	}
	for _, o := range opts {
		o(q)
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue submits a usage record for durable recording. Never blocks: if the
// buffer is full the record is dropped and counted in DroppedCount.
func (q *Queue) Enqueue(r domain.UsageRecord) {
	select {
	case q.ch <- r:
	default:
		atomic.AddInt64(&q.dropped, 1)
	}
	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.ch))
	}
}

// DroppedCount returns how many records were discarded because the buffer
// was full.
func (q *Queue) DroppedCount() int64 {
	return atomic.LoadInt64(&q.dropped)
}

// GetQueueStats returns the most recent batch-flush results, oldest first.
func (q *Queue) GetQueueStats() []BatchStats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	out := make([]BatchStats, len(q.stats))
	copy(out, q.stats)
	return out
}

// Close drains the buffer, flushes any remaining batch, and stops the
// worker. Safe to call multiple times.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	return nil
}

func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]domain.UsageRecord, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		q.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case r := <-q.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-q.done:
			for {
				select {
				case r := <-q.ch:
					batch = append(batch, r)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (q *Queue) flushBatch(batch []domain.UsageRecord) {
	records := make([]domain.UsageRecord, len(batch))
	copy(records, batch)

	var lastErr error
	for attempt := 1; attempt <= maxFlushRetries; attempt++ {
		if err := q.sink.WriteUsage(q.baseCtx, records); err != nil {
			lastErr = err
			q.log.Warn("usagequeue: flush attempt failed",
				slog.Int("attempt", attempt), slog.Int("count", len(records)), slog.String("error", err.Error()))
			continue
		}
		lastErr = nil
		break
	}

	stats := BatchStats{FlushedAt: time.Now(), Count: len(records)}
	if lastErr != nil {
		stats.Failed = len(records)
		stats.Err = lastErr.Error()
		q.deadLetter(records, lastErr)
		if q.metrics != nil {
			q.metrics.RecordQueueFlush("error")
		}
	} else {
		q.bumpQuotas(records)
		if q.metrics != nil {
			q.metrics.RecordQueueFlush("ok")
		}
	}
	q.recordStats(stats)
}

// bumpQuotas persists the ledger rows and updates every affected client
// key's and upstream account's running aggregates. Done after a successful
// flush so a restart-induced gap never double counts. InsertUsageRecords'
// ON CONFLICT (id) DO NOTHING dedup is the source of truth for which
// records are new: a record whose id was already present (a re-flush after
// a retry, or a DLQ replay of a batch that actually made it through) is
// excluded from every aggregate below, making this idempotent across
// ReplayDLQ re-invocation.
func (q *Queue) bumpQuotas(records []domain.UsageRecord) {
	if q.store == nil {
		return
	}
	freshIDs, err := q.store.InsertUsageRecords(q.baseCtx, records)
	if err != nil {
		q.log.Error("usagequeue: insert usage records failed", slog.String("error", err.Error()))
		return
	}
	fresh := make(map[string]bool, len(freshIDs))
	for _, id := range freshIDs {
		fresh[id] = true
	}

	type accountDelta struct {
		tokens     int
		costMicros int64
		lastUsedAt time.Time
	}
	keyTotals := map[string]int64{}
	accountTotals := map[string]*accountDelta{}
	for _, r := range records {
		if !fresh[r.ID] {
			continue
		}
		keyTotals[r.ClientKeyID] += r.CostMicros
		if r.AccountID == "" {
			continue
		}
		d, ok := accountTotals[r.AccountID]
		if !ok {
			d = &accountDelta{}
			accountTotals[r.AccountID] = d
		}
		d.tokens += r.InputTokens + r.OutputTokens
		d.costMicros += r.CostMicros
		if r.CreatedAt.After(d.lastUsedAt) {
			d.lastUsedAt = r.CreatedAt
		}
	}

	for keyID, delta := range keyTotals {
		if err := q.store.IncrementQuotaUsed(q.baseCtx, keyID, delta); err != nil {
			q.log.Error("usagequeue: quota increment failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
		}
	}
	for accountID, d := range accountTotals {
		if err := q.store.IncrementAccountUsage(q.baseCtx, accountID, d.tokens, d.costMicros, d.lastUsedAt); err != nil {
			q.log.Error("usagequeue: account usage increment failed", slog.String("account_id", accountID), slog.String("error", err.Error()))
		}
	}
}

// deadLetter pushes a batch that exhausted its retries onto the Redis DLQ
// for later replay by the scheduler's dlq-processing job.
func (q *Queue) deadLetter(records []domain.UsageRecord, cause error) {
	if q.dlq == nil {
		q.log.Error("usagequeue: batch dropped, no DLQ configured",
			slog.Int("count", len(records)), slog.String("error", cause.Error()))
		return
	}
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		if err := q.dlq.RPush(q.baseCtx, dlqKeyName, raw).Err(); err != nil {
			q.log.Error("usagequeue: DLQ push failed", slog.String("error", err.Error()))
		}
	}
	if err := q.dlq.Expire(q.baseCtx, dlqKeyName, dlqTTL).Err(); err != nil {
		q.log.Warn("usagequeue: DLQ expire failed", slog.String("error", err.Error()))
	}
}

func (q *Queue) recordStats(s BatchStats) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	q.stats = append(q.stats, s)
	if len(q.stats) > statsHistory {
		q.stats = q.stats[len(q.stats)-statsHistory:]
	}
}

const dlqKeyName = "aicarpool:usage_dlq"
const dlqTTL = 24 * time.Hour

// ReplayDLQ pops up to max records from the dead-letter queue and attempts
// to write them to the sink directly. Called by the scheduler's
// dlq-processing job; records that fail again are pushed back to the tail.
func (q *Queue) ReplayDLQ(ctx context.Context, max int) (replayed, requeued int, err error) {
	if q.dlq == nil {
		return 0, 0, nil
	}
	var records []domain.UsageRecord
	for i := 0; i < max; i++ {
		raw, perr := q.dlq.LPop(ctx, dlqKeyName).Result()
		if perr == redis.Nil {
			break
		}
		if perr != nil {
			return replayed, requeued, perr
		}
		var r domain.UsageRecord
		if jerr := json.Unmarshal([]byte(raw), &r); jerr != nil {
			continue
		}
		records = append(records, r)
	}
	if len(records) == 0 {
		return 0, 0, nil
	}

	if werr := q.sink.WriteUsage(ctx, records); werr != nil {
		for _, r := range records {
			raw, _ := json.Marshal(r)
			_ = q.dlq.RPush(ctx, dlqKeyName, raw).Err()
		}
		return 0, len(records), werr
	}

	q.bumpQuotas(records)
	return len(records), 0, nil
}
