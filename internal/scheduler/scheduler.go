// Package scheduler runs the gateway's periodic maintenance jobs
// (health checks, cache cleanup, account-pool refresh, DLQ processing,
// performance reporting, stats cleanup, and DB maintenance) on cron
// schedules, with bounded concurrency and per-job timeouts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
)

// JobFunc is the work a scheduled job performs. It receives a context
// already bounded by the job's configured timeout.
type JobFunc func(ctx context.Context) error

// JobStatus is the last-observed run state of a registered job, as returned
// by Scheduler.Status.
type JobStatus struct {
	Name     string
	Status   string // idle, running, ok, failed
	LastRun  time.Time
	Duration time.Duration
	RunCount int64
	FailCount int64
	Error    string
}

// Scheduler wraps robfig/cron with a concurrency cap and per-job timeout,
// tracking run history for introspection.
type Scheduler struct {
	cron        *cron.Cron
	log         *slog.Logger
	jobTimeout  time.Duration
	sem         chan struct{}
	metrics     *metrics.Registry

	mu     sync.Mutex
	status map[string]*JobStatus
}

// SetMetrics attaches a Prometheus registry for job-run outcome counters.
func (s *Scheduler) SetMetrics(r *metrics.Registry) {
	s.metrics = r
}

// New creates a Scheduler. maxConcurrent bounds how many jobs may run at
// once (extra jobs wait for a free slot, they are never skipped); jobTimeout
// is the deadline applied to every job run.
func New(log *slog.Logger, maxConcurrent int, jobTimeout time.Duration) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		log:        log,
		jobTimeout: jobTimeout,
		sem:        make(chan struct{}, maxConcurrent),
		status:     map[string]*JobStatus{},
	}
}

// Register schedules fn to run on the given cron spec under name. Returns
// an error if the spec cannot be parsed.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	s.status[name] = &JobStatus{Name: name, Status: "idle"}
	s.mu.Unlock()

	_, err := s.cron.AddFunc(spec, func() { s.runJob(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) runJob(name string, fn JobFunc) {
	// Blocks until a slot is free: a slow job delays the next scheduled run
	// instead of skipping it.
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	s.setStatus(name, "running", 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start)

	if err != nil {
		s.log.Error("scheduler: job failed", slog.String("job", name), slog.String("error", err.Error()))
		s.setStatus(name, "failed", dur, err)
		if s.metrics != nil {
			s.metrics.RecordSchedulerRun(name, "error")
		}
		return
	}
	s.setStatus(name, "ok", dur, nil)
	if s.metrics != nil {
		s.metrics.RecordSchedulerRun(name, "ok")
	}
}

func (s *Scheduler) setStatus(name, status string, dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		st = &JobStatus{Name: name}
		s.status[name] = st
	}
	st.Status = status
	st.LastRun = time.Now()
	st.Duration = dur
	if status != "running" {
		st.RunCount++
	}
	if err != nil {
		st.FailCount++
		st.Error = err.Error()
	} else {
		st.Error = ""
	}
}

// Status returns a snapshot of every registered job's last-run state.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	return out
}

// Start begins running scheduled jobs. Non-blocking — cron runs its own
// goroutine internally.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
