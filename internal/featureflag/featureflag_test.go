package featureflag

import (
	"context"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

func TestIsEnabled_DisabledPhase(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	_ = r.Set(ctx, domain.FeatureFlag{Key: "cache_v2", Phase: string(PhaseDisabled)})

	if r.IsEnabled(ctx, "cache_v2", "user-1") {
		t.Fatal("expected disabled phase to never enable")
	}
}

func TestIsEnabled_FullPhase(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	_ = r.Set(ctx, domain.FeatureFlag{Key: "cache_v2", Phase: string(PhaseFull)})

	for _, u := range []string{"user-1", "user-2", "user-3"} {
		if !r.IsEnabled(ctx, "cache_v2", u) {
			t.Fatalf("expected full phase to enable for %s", u)
		}
	}
}

func TestIsEnabled_WhitelistOverridesPhase(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	_ = r.Set(ctx, domain.FeatureFlag{Key: "cache_v2", Phase: string(PhaseDisabled), Whitelist: []string{"vip-user"}})

	if !r.IsEnabled(ctx, "cache_v2", "vip-user") {
		t.Fatal("expected whitelisted user to be enabled despite disabled phase")
	}
}

func TestIsEnabled_BlacklistOverridesFull(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	_ = r.Set(ctx, domain.FeatureFlag{Key: "cache_v2", Phase: string(PhaseFull), Blacklist: []string{"bad-user"}})

	if r.IsEnabled(ctx, "cache_v2", "bad-user") {
		t.Fatal("expected blacklisted user to be disabled despite full phase")
	}
}

func TestIsEnabled_UnknownFlagDefaultsFalse(t *testing.T) {
	r := New(nil, nil)
	if r.IsEnabled(context.Background(), "does_not_exist", "user-1") {
		t.Fatal("expected unknown flag to default to disabled")
	}
}

func TestStableBucket_IsDeterministic(t *testing.T) {
	if stableBucket("user-42") != stableBucket("user-42") {
		t.Fatal("expected stableBucket to be deterministic for the same input")
	}
}

func TestEmergencyDisable_OverridesFullPhase(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	_ = r.Set(ctx, domain.FeatureFlag{Key: "cache_v2", Phase: string(PhaseFull)})

	if err := r.EmergencyDisableAllOptimizations(ctx, "test"); err != nil {
		t.Fatalf("EmergencyDisableAllOptimizations: %v", err)
	}
	if r.IsEnabled(ctx, "cache_v2", "user-1") {
		t.Fatal("expected emergency override to disable everything")
	}
	if !r.IsEnabled(ctx, FlagFallbackRouter, "user-1") {
		t.Fatal("expected fallback router flag to be enabled during emergency disable")
	}

	if err := r.RestoreAllOptimizations(ctx); err != nil {
		t.Fatalf("RestoreAllOptimizations: %v", err)
	}
	if r.IsEnabled(ctx, FlagFallbackRouter, "user-1") {
		t.Fatal("expected fallback router flag to be disabled after restore")
	}
	// Restore re-enters every known flag at canary, not full — promote it
	// back up the ladder to confirm normal evaluation resumed.
	for i := 0; i < 3; i++ {
		_ = r.PromoteFeature(ctx, "cache_v2")
	}
	if !r.IsEnabled(ctx, "cache_v2", "user-1") {
		t.Fatal("expected promoted flag to re-enable normal evaluation")
	}
}

func TestPromoteFeature_WalksLadderToFull(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	_ = r.EnableFeature(ctx, "cache_v2") // canary

	for i := 0; i < 3; i++ {
		if err := r.PromoteFeature(ctx, "cache_v2"); err != nil {
			t.Fatalf("PromoteFeature: %v", err)
		}
	}
	for _, u := range []string{"user-1", "user-2", "user-3"} {
		if !r.IsEnabled(ctx, "cache_v2", u) {
			t.Fatalf("expected flag promoted to full to enable for %s", u)
		}
	}
}

func TestRollbackFeature_WalksLadderToDisabled(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	_ = r.Set(ctx, domain.FeatureFlag{Key: "cache_v2", Phase: string(PhaseFull)})

	for i := 0; i < 4; i++ {
		if err := r.RollbackFeature(ctx, "cache_v2", "regression"); err != nil {
			t.Fatalf("RollbackFeature: %v", err)
		}
	}
	if r.IsEnabled(ctx, "cache_v2", "user-1") {
		t.Fatal("expected flag rolled back to disabled to never enable")
	}
}
