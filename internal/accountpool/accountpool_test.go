package accountpool

import (
	"context"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

type fakeStore struct {
	accounts map[string][]*domain.UpstreamAccount
	health   map[string][]domain.AccountHealthStatus
}

func (f *fakeStore) ListAccountsForGroup(_ context.Context, groupID, provider string) ([]*domain.UpstreamAccount, error) {
	return f.accounts[groupID+":"+provider], nil
}

func (f *fakeStore) ListAccountHealth(_ context.Context, provider string) ([]domain.AccountHealthStatus, error) {
	return f.health[provider], nil
}

func TestAcquire_PicksHighestScoringHealthyAccount(t *testing.T) {
	store := &fakeStore{
		accounts: map[string][]*domain.UpstreamAccount{
			"group-1:openai": {
				{ID: "acct-low", Provider: "openai", Status: domain.AccountActive},
				{ID: "acct-high", Provider: "openai", Status: domain.AccountActive},
			},
		},
		health: map[string][]domain.AccountHealthStatus{
			"openai": {
				{AccountID: "acct-low", Healthy: true},
				{AccountID: "acct-high", Healthy: true},
			},
		},
	}

	m := New(store, nil, nil)
	// acct-low starts with existing in-flight load, so it scores lower.
	m.incrLoad("acct-low", 10)

	acctID, admErr := m.Acquire(context.Background(), "group-1", "openai", domain.BindingShared, nil, 50)
	if admErr != nil {
		t.Fatalf("unexpected error: %v", admErr)
	}
	if acctID != "acct-high" {
		t.Fatalf("expected acct-high, got %s", acctID)
	}
}

func TestAcquire_SkipsUnhealthyAccounts(t *testing.T) {
	store := &fakeStore{
		accounts: map[string][]*domain.UpstreamAccount{
			"group-1:openai": {
				{ID: "acct-sick", Provider: "openai", Status: domain.AccountActive, Priority: 1, Weight: 10},
				{ID: "acct-ok", Provider: "openai", Status: domain.AccountActive, Priority: 50, Weight: 1},
			},
		},
		health: map[string][]domain.AccountHealthStatus{
			"openai": {
				{AccountID: "acct-sick", Healthy: false},
				{AccountID: "acct-ok", Healthy: true},
			},
		},
	}

	m := New(store, nil, nil)
	acctID, admErr := m.Acquire(context.Background(), "group-1", "openai", domain.BindingShared, nil, 50)
	if admErr != nil {
		t.Fatalf("unexpected error: %v", admErr)
	}
	if acctID != "acct-ok" {
		t.Fatalf("expected acct-ok, got %s", acctID)
	}
}

func TestAcquire_DedicatedRespectsAllowList(t *testing.T) {
	store := &fakeStore{
		accounts: map[string][]*domain.UpstreamAccount{
			"group-1:openai": {
				{ID: "acct-a", Provider: "openai", Status: domain.AccountActive, Priority: 1, Weight: 10},
				{ID: "acct-b", Provider: "openai", Status: domain.AccountActive, Priority: 50, Weight: 1},
			},
		},
		health: map[string][]domain.AccountHealthStatus{
			"openai": {
				{AccountID: "acct-a", Healthy: true},
				{AccountID: "acct-b", Healthy: true},
			},
		},
	}

	m := New(store, nil, nil)
	acctID, admErr := m.Acquire(context.Background(), "group-1", "openai", domain.BindingDedicated, []string{"acct-b"}, 50)
	if admErr != nil {
		t.Fatalf("unexpected error: %v", admErr)
	}
	if acctID != "acct-b" {
		t.Fatalf("expected acct-b (only allowed account), got %s", acctID)
	}
}

func TestAcquire_NoHealthyAccounts(t *testing.T) {
	store := &fakeStore{
		accounts: map[string][]*domain.UpstreamAccount{
			"group-1:openai": {
				{ID: "acct-a", Provider: "openai", Status: domain.AccountActive, Priority: 1, Weight: 10},
			},
		},
		health: map[string][]domain.AccountHealthStatus{
			"openai": {{AccountID: "acct-a", Healthy: false}},
		},
	}

	m := New(store, nil, nil)
	_, admErr := m.Acquire(context.Background(), "group-1", "openai", domain.BindingShared, nil, 50)
	if admErr == nil || admErr.Code != domain.CodeNoAccount {
		t.Fatalf("expected no_account, got %v", admErr)
	}
}

func TestAcquire_HybridRatioPrefersAllowSetAtFullDraw(t *testing.T) {
	store := &fakeStore{
		accounts: map[string][]*domain.UpstreamAccount{
			"group-1:openai": {
				{ID: "acct-dedicated", Provider: "openai", Status: domain.AccountActive},
				{ID: "acct-shared", Provider: "openai", Status: domain.AccountActive},
			},
		},
		health: map[string][]domain.AccountHealthStatus{
			"openai": {
				{AccountID: "acct-dedicated", Healthy: true},
				{AccountID: "acct-shared", Healthy: true},
			},
		},
	}

	m := New(store, nil, nil)
	// hybridRatio 100 always draws from the allow-list first.
	acctID, admErr := m.Acquire(context.Background(), "group-1", "openai", domain.BindingHybrid, []string{"acct-dedicated"}, 100)
	if admErr != nil {
		t.Fatalf("unexpected error: %v", admErr)
	}
	if acctID != "acct-dedicated" {
		t.Fatalf("expected acct-dedicated at hybridRatio 100, got %s", acctID)
	}
}

func TestAcquire_HybridRatioFallsBackToAnyAccount(t *testing.T) {
	store := &fakeStore{
		accounts: map[string][]*domain.UpstreamAccount{
			"group-1:openai": {
				{ID: "acct-shared", Provider: "openai", Status: domain.AccountActive},
			},
		},
		health: map[string][]domain.AccountHealthStatus{
			"openai": {{AccountID: "acct-shared", Healthy: true}},
		},
	}

	m := New(store, nil, nil)
	// hybridRatio 0 always draws from the full pool first; the allow-listed
	// account isn't even present, so this also exercises the second-choice path.
	acctID, admErr := m.Acquire(context.Background(), "group-1", "openai", domain.BindingHybrid, []string{"acct-dedicated"}, 0)
	if admErr != nil {
		t.Fatalf("unexpected error: %v", admErr)
	}
	if acctID != "acct-shared" {
		t.Fatalf("expected acct-shared, got %s", acctID)
	}
}

func TestReleaseDecrementsLoad(t *testing.T) {
	m := New(&fakeStore{}, nil, nil)
	m.incrLoad("acct-a", 3)
	m.Release("acct-a")
	if got := m.currentLoad("acct-a"); got != 2 {
		t.Fatalf("expected load 2, got %d", got)
	}
}
