package monitor

import (
	"testing"
	"time"
)

func TestSnapshot_ComputesLatencyAndErrorRate(t *testing.T) {
	m := &Monitor{window: time.Minute}
	now := time.Now()
	m.events = []Event{
		{DurationMS: 100, Success: true, Timestamp: now},
		{DurationMS: 200, Success: true, Timestamp: now},
		{DurationMS: 300, Success: false, Timestamp: now},
	}

	snap := m.Snapshot()
	if snap.Count != 3 {
		t.Fatalf("expected count 3, got %d", snap.Count)
	}
	if snap.ErrorRate < 0.33 || snap.ErrorRate > 0.34 {
		t.Fatalf("expected error rate ~1/3, got %f", snap.ErrorRate)
	}
	if snap.AvgLatencyMS != 200 {
		t.Fatalf("expected avg latency 200, got %f", snap.AvgLatencyMS)
	}
}

func TestSnapshot_DropsStaleEvents(t *testing.T) {
	m := &Monitor{window: time.Minute}
	m.events = []Event{
		{DurationMS: 50, Success: true, Timestamp: time.Now().Add(-2 * time.Minute)},
		{DurationMS: 50, Success: true, Timestamp: time.Now()},
	}

	snap := m.Snapshot()
	if snap.Count != 1 {
		t.Fatalf("expected stale event to be dropped, got count %d", snap.Count)
	}
}

func TestDefaultAlertRules_HighErrorRateFires(t *testing.T) {
	rules := DefaultAlertRules()
	snap := Snapshot{Count: 20, ErrorRate: 0.5}
	fired := false
	for _, r := range rules {
		if r.Name == "high_error_rate" && r.Evaluate(snap) != "" {
			fired = true
		}
	}
	if !fired {
		t.Fatal("expected high_error_rate rule to fire at 50% error rate with 20 samples")
	}
}

func TestDefaultAlertRules_DoesNotFireBelowThreshold(t *testing.T) {
	rules := DefaultAlertRules()
	snap := Snapshot{Count: 20, ErrorRate: 0.01, P99LatencyMS: 100, Throughput: 5}
	for _, r := range rules {
		if msg := r.Evaluate(snap); msg != "" {
			t.Fatalf("rule %s unexpectedly fired: %s", r.Name, msg)
		}
	}
}
