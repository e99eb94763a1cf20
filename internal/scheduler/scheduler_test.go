package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunJob_TracksSuccess(t *testing.T) {
	s := New(nil, 2, time.Second)
	var calls int32
	if err := s.Register("t1", "@every 50ms", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.runJob("t1", func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil })

	st := statusByName(s, "t1")
	if st.Status != "ok" || st.RunCount != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRunJob_TracksFailure(t *testing.T) {
	s := New(nil, 2, time.Second)
	s.status["t2"] = &JobStatus{Name: "t2"}

	s.runJob("t2", func(ctx context.Context) error { return errors.New("boom") })

	st := statusByName(s, "t2")
	if st.Status != "failed" || st.FailCount != 1 || st.Error == "" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRegisterStandardJobs_SkipsNilDeps(t *testing.T) {
	s := New(nil, 1, time.Second)
	err := RegisterStandardJobs(s, DefaultJobSpecs(), Dependencies{
		HealthChecker: func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Status()) != 1 {
		t.Fatalf("expected only the one wired job to be registered, got %d", len(s.Status()))
	}
}

func statusByName(s *Scheduler, name string) JobStatus {
	for _, st := range s.Status() {
		if st.Name == name {
			return st
		}
	}
	return JobStatus{}
}
