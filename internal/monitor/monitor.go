// Package monitor tracks rolling request-performance metrics and evaluates
// alert rules against them, independent of the per-request Prometheus
// counters in internal/metrics (which this package feeds into).
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
)

// Event is a single timed, outcome-tagged observation fed into the monitor.
type Event struct {
	Component string // "validator", "router", "provider:<name>", etc.
	DurationMS int64
	Success   bool
	Timestamp time.Time
}

// Snapshot is a rolling-window performance summary.
type Snapshot struct {
	Window      time.Duration
	Count       int
	AvgLatencyMS float64
	P95LatencyMS int64
	P99LatencyMS int64
	ErrorRate   float64
	Throughput  float64 // events per second over Window
}

// AlertRule evaluates a Snapshot and returns a firing message, or "" if it
// does not fire.
type AlertRule struct {
	Name    string
	Evaluate func(Snapshot) string
}

// DefaultAlertRules returns four rules: error rate above 5%, p99 latency
// above 5s, throughput below 0.1 events/s, and error rate above 25%. None of
// them looks at p95 latency, cache hit rate or queue backlog; Snapshot does
// not carry cache or queue figures.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{
			Name: "high_error_rate",
			Evaluate: func(s Snapshot) string {
				if s.Count >= 10 && s.ErrorRate > 0.05 {
					return "error rate above 5%"
				}
				return ""
			},
		},
		{
			Name: "slow_p99",
			Evaluate: func(s Snapshot) string {
				if s.P99LatencyMS > 5000 {
					return "p99 latency above 5s"
				}
				return ""
			},
		},
		{
			Name: "throughput_collapse",
			Evaluate: func(s Snapshot) string {
				if s.Count > 0 && s.Throughput < 0.1 {
					return "throughput below 0.1 req/s"
				}
				return ""
			},
		},
		{
			Name: "high_error_rate_critical",
			Evaluate: func(s Snapshot) string {
				if s.Count >= 10 && s.ErrorRate > 0.25 {
					return "error rate above 25%, escalate"
				}
				return ""
			},
		},
	}
}

// Alert is a fired AlertRule with its timestamp.
type Alert struct {
	Rule string
	Message string
	FiredAt time.Time
}

const (
	channelBuffer   = 10_000
	defaultWindow   = 5 * time.Minute
	alertHistoryCap = 200
)

// Monitor ingests Events into an in-memory ring (mirroring
// internal/logger.Logger's buffered-channel shape), periodically computing a
// Snapshot and evaluating alert rules against it.
type Monitor struct {
	log     *slog.Logger
	rules   []AlertRule
	window  time.Duration
	metrics *metrics.Registry

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	events []Event
	alerts []Alert
}

// New creates a Monitor and starts its background aggregation loop.
func New(ctx context.Context, log *slog.Logger, rules []AlertRule) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if rules == nil {
		rules = DefaultAlertRules()
	}
	m := &Monitor{
		log:    log,
		rules:  rules,
		window: defaultWindow,
		ch:     make(chan Event, channelBuffer),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run(ctx)
	return m
}

// SetMetrics attaches a Prometheus registry for fired-alert counters.
func (m *Monitor) SetMetrics(r *metrics.Registry) {
	m.metrics = r
}

// Record submits an Event. Never blocks.
func (m *Monitor) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case m.ch <- e:
	default:
	}
}

// Close stops the aggregation loop.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case e := <-m.ch:
			m.mu.Lock()
			m.events = append(m.events, e)
			m.mu.Unlock()

		case <-ticker.C:
			m.evaluate()

		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) evaluate() {
	snap := m.Snapshot()
	for _, r := range m.rules {
		if msg := r.Evaluate(snap); msg != "" {
			m.fire(r.Name, msg)
		}
	}
}

func (m *Monitor) fire(rule, msg string) {
	m.log.Warn("monitor: alert fired", slog.String("rule", rule), slog.String("message", msg))
	m.mu.Lock()
	m.alerts = append(m.alerts, Alert{Rule: rule, Message: msg, FiredAt: time.Now()})
	if len(m.alerts) > alertHistoryCap {
		m.alerts = m.alerts[len(m.alerts)-alertHistoryCap:]
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.RecordMonitorAlert(rule)
	}
}

// Snapshot computes the current rolling-window performance summary,
// discarding events older than the window as a side effect.
func (m *Monitor) Snapshot() Snapshot {
	cutoff := time.Now().Add(-m.window)

	m.mu.Lock()
	kept := m.events[:0]
	for _, e := range m.events {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.events = kept
	events := make([]Event, len(kept))
	copy(events, kept)
	m.mu.Unlock()

	if len(events) == 0 {
		return Snapshot{Window: m.window}
	}

	var total int64
	var errs int
	latencies := make([]int64, len(events))
	for i, e := range events {
		total += e.DurationMS
		latencies[i] = e.DurationMS
		if !e.Success {
			errs++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return Snapshot{
		Window:       m.window,
		Count:        len(events),
		AvgLatencyMS: float64(total) / float64(len(events)),
		P95LatencyMS: percentile(latencies, 0.95),
		P99LatencyMS: percentile(latencies, 0.99),
		ErrorRate:    float64(errs) / float64(len(events)),
		Throughput:   float64(len(events)) / m.window.Seconds(),
	}
}

// RecentAlerts returns the most recently fired alerts, oldest first.
func (m *Monitor) RecentAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
