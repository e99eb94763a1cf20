package validator

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

type fakeStore struct {
	keys            map[string]*domain.ClientApiKey
	groups          map[string]*domain.Group
	touchCalled     chan string
	dailyUsedMicros map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:            map[string]*domain.ClientApiKey{},
		groups:          map[string]*domain.Group{},
		touchCalled:     make(chan string, 8),
		dailyUsedMicros: map[string]int64{},
	}
}

func (f *fakeStore) GetClientKeyByHash(_ context.Context, hash string) (*domain.ClientApiKey, error) {
	k, ok := f.keys[hash]
	if !ok {
		return nil, errNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) GetGroup(_ context.Context, groupID string) (*domain.Group, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return nil, errNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeStore) TouchLastUsed(_ context.Context, clientKeyID string, _ time.Time) error {
	f.touchCalled <- clientKeyID
	return nil
}

func (f *fakeStore) GetDailyQuota(_ context.Context, clientKeyID string, day time.Time) (*domain.DailyQuota, error) {
	used := f.dailyUsedMicros[clientKeyID]
	return &domain.DailyQuota{ClientKeyID: clientKeyID, Day: day.UTC().Format("2006-01-02"), UsedMicros: used}, nil
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errNotFound = stubErr("not found")

func TestValidate_Success(t *testing.T) {
	store := newFakeStore()
	hash := HashKey("sk-test-key")
	store.keys[hash] = &domain.ClientApiKey{
		ID: "key-1", GroupID: "group-1", Status: domain.KeyActive,
		ServicePermission: "chat,embeddings", QuotaLimit: 1000, QuotaUsed: 10,
	}
	store.groups["group-1"] = &domain.Group{ID: "group-1", Status: "active"}

	v := New(store, nil)
	sess, admErr := v.Validate(context.Background(), "sk-test-key", "chat")
	if admErr != nil {
		t.Fatalf("unexpected admission error: %v", admErr)
	}
	if sess.Key.ID != "key-1" {
		t.Fatalf("expected key-1, got %s", sess.Key.ID)
	}
	if sess.Perf.CacheHit {
		t.Fatalf("expected cold lookup (no cache configured) to report CacheHit=false")
	}

	select {
	case got := <-store.touchCalled:
		if got != "key-1" {
			t.Fatalf("touched wrong key: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected async TouchLastUsed call")
	}
}

func TestValidate_MissingKey(t *testing.T) {
	v := New(newFakeStore(), nil)
	_, admErr := v.Validate(context.Background(), "", "chat")
	if admErr == nil || admErr.Code != domain.CodeNotFound {
		t.Fatalf("expected not_found, got %v", admErr)
	}
}

func TestValidate_Disabled(t *testing.T) {
	store := newFakeStore()
	hash := HashKey("sk-disabled")
	store.keys[hash] = &domain.ClientApiKey{ID: "key-2", GroupID: "g", Status: domain.KeyDisabled}

	v := New(store, nil)
	_, admErr := v.Validate(context.Background(), "sk-disabled", "")
	if admErr == nil || admErr.Code != domain.CodeDisabled {
		t.Fatalf("expected disabled, got %v", admErr)
	}
}

func TestValidate_Expired(t *testing.T) {
	store := newFakeStore()
	hash := HashKey("sk-expired")
	past := time.Now().Add(-time.Hour)
	store.keys[hash] = &domain.ClientApiKey{ID: "key-3", GroupID: "g", Status: domain.KeyActive, ExpiresAt: &past}

	v := New(store, nil)
	_, admErr := v.Validate(context.Background(), "sk-expired", "")
	if admErr == nil || admErr.Code != domain.CodeExpired {
		t.Fatalf("expected expired, got %v", admErr)
	}
}

func TestValidate_QuotaExceeded(t *testing.T) {
	store := newFakeStore()
	hash := HashKey("sk-quota")
	store.keys[hash] = &domain.ClientApiKey{
		ID: "key-4", GroupID: "group-1", Status: domain.KeyActive, QuotaLimit: 100, QuotaUsed: 100,
	}
	store.groups["group-1"] = &domain.Group{ID: "group-1", Status: "active"}

	v := New(store, nil)
	_, admErr := v.Validate(context.Background(), "sk-quota", "")
	if admErr == nil || admErr.Code != domain.CodeQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %v", admErr)
	}
}

func TestValidate_DailyCostLimitExceeded(t *testing.T) {
	store := newFakeStore()
	hash := HashKey("sk-daily")
	store.keys[hash] = &domain.ClientApiKey{
		ID: "key-7", GroupID: "group-1", Status: domain.KeyActive, DailyCostLimit: 500_000,
	}
	store.groups["group-1"] = &domain.Group{ID: "group-1", Status: "active"}
	store.dailyUsedMicros["key-7"] = 500_000

	v := New(store, nil)
	_, admErr := v.Validate(context.Background(), "sk-daily", "")
	if admErr == nil || admErr.Code != domain.CodeQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %v", admErr)
	}
	if admErr.Kind != "daily" {
		t.Fatalf("expected kind=daily, got %q", admErr.Kind)
	}
}

func TestValidate_PermissionDenied(t *testing.T) {
	store := newFakeStore()
	hash := HashKey("sk-perm")
	store.keys[hash] = &domain.ClientApiKey{
		ID: "key-5", GroupID: "group-1", Status: domain.KeyActive, ServicePermission: "embeddings",
	}
	store.groups["group-1"] = &domain.Group{ID: "group-1", Status: "active"}

	v := New(store, nil)
	_, admErr := v.Validate(context.Background(), "sk-perm", "chat")
	if admErr == nil || admErr.Code != domain.CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %v", admErr)
	}
}

func TestValidate_GroupUnavailable(t *testing.T) {
	store := newFakeStore()
	hash := HashKey("sk-group")
	store.keys[hash] = &domain.ClientApiKey{ID: "key-6", GroupID: "group-2", Status: domain.KeyActive}
	store.groups["group-2"] = &domain.Group{ID: "group-2", Status: "suspended"}

	v := New(store, nil)
	_, admErr := v.Validate(context.Background(), "sk-group", "")
	if admErr == nil || admErr.Code != domain.CodeGroupUnavailable {
		t.Fatalf("expected group_unavailable, got %v", admErr)
	}
}
