package router

import (
	"context"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/accountpool"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/monitor"
	"github.com/nulpointcorp/llm-gateway/internal/usagequeue"
	"github.com/nulpointcorp/llm-gateway/internal/validator"
)

type fakeValidatorStore struct {
	key   *domain.ClientApiKey
	group *domain.Group
}

func (s *fakeValidatorStore) GetClientKeyByHash(ctx context.Context, hash string) (*domain.ClientApiKey, error) {
	if s.key == nil || validator.HashKey("raw-token") != hash {
		return nil, errNotFound
	}
	return s.key, nil
}
func (s *fakeValidatorStore) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	if s.group == nil {
		return nil, errNotFound
	}
	return s.group, nil
}
func (s *fakeValidatorStore) TouchLastUsed(ctx context.Context, clientKeyID string, t time.Time) error {
	return nil
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errNotFound = stubErr("not found")

type fakeBindings struct {
	binding *domain.ResourceBinding
}

func (b *fakeBindings) GetResourceBinding(ctx context.Context, clientKeyID string) (*domain.ResourceBinding, error) {
	if b.binding == nil {
		return nil, errNotFound
	}
	return b.binding, nil
}

type fakePoolStore struct {
	accounts []*domain.UpstreamAccount
}

func (s *fakePoolStore) ListAccountsForGroup(ctx context.Context, groupID, provider string) ([]*domain.UpstreamAccount, error) {
	return s.accounts, nil
}
func (s *fakePoolStore) ListAccountHealth(ctx context.Context, provider string) ([]domain.AccountHealthStatus, error) {
	return nil, nil
}

type fakeSink struct{}

func (fakeSink) WriteUsage(ctx context.Context, records []domain.UsageRecord) error { return nil }

type fakeAggStore struct{}

func (fakeAggStore) InsertUsageRecords(ctx context.Context, records []domain.UsageRecord) ([]string, error) {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (fakeAggStore) IncrementQuotaUsed(ctx context.Context, clientKeyID string, deltaMicros int64) error {
	return nil
}

func (fakeAggStore) IncrementAccountUsage(ctx context.Context, accountID string, tokens int, costMicros int64, lastUsedAt time.Time) error {
	return nil
}

func newTestRouter(t *testing.T, key *domain.ClientApiKey, group *domain.Group, accounts []*domain.UpstreamAccount) *Router {
	t.Helper()
	v := validator.New(&fakeValidatorStore{key: key, group: group}, nil)
	pool := accountpool.New(&fakePoolStore{accounts: accounts}, nil, nil)
	q := usagequeue.New(context.Background(), fakeSink{}, fakeAggStore{}, nil)
	t.Cleanup(func() { _ = q.Close() })
	return New(v, &fakeBindings{}, pool, q, nil)
}

func TestWrap_AdmitsAndSetsHeaders(t *testing.T) {
	key := &domain.ClientApiKey{ID: "key-1", GroupID: "group-1", Status: domain.KeyActive, QuotaLimit: 1000, QuotaUsed: 200}
	group := &domain.Group{ID: "group-1", Status: "active"}
	accounts := []*domain.UpstreamAccount{{ID: "acct-1", GroupID: "group-1", Provider: "openai", Status: domain.AccountActive, Priority: 0, Weight: 1}}

	r := newTestRouter(t, key, group, accounts)

	called := false
	handler := r.Wrap("openai", func(ctx *fasthttp.RequestCtx) {
		called = true
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer raw-token")
	handler(ctx)

	if !called {
		t.Fatal("expected downstream handler to be called")
	}
	if got := string(ctx.Response.Header.Peek(HeaderAccount)); got != "acct-1" {
		t.Fatalf("expected account header acct-1, got %q", got)
	}
	if got := string(ctx.Response.Header.Peek(HeaderRemainingQuota)); got != "800" {
		t.Fatalf("expected remaining quota 800, got %q", got)
	}
}

func TestWrap_NoTokenPassesThrough(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil)
	called := false
	handler := r.Wrap("openai", func(ctx *fasthttp.RequestCtx) { called = true })
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if !called {
		t.Fatal("expected pass-through when no bearer token is present")
	}
}

func TestWrap_RefusesDisabledKey(t *testing.T) {
	key := &domain.ClientApiKey{ID: "key-1", GroupID: "group-1", Status: domain.KeyDisabled}
	r := newTestRouter(t, key, &domain.Group{ID: "group-1", Status: "active"}, nil)

	called := false
	handler := r.Wrap("openai", func(ctx *fasthttp.RequestCtx) { called = true })
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer raw-token")
	handler(ctx)

	if called {
		t.Fatal("expected disabled key to be refused before reaching handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestWrap_NilValidatorPassesThrough(t *testing.T) {
	var r *Router
	called := false
	handler := r.Wrap("openai", func(ctx *fasthttp.RequestCtx) { called = true })
	handler(&fasthttp.RequestCtx{})
	if !called {
		t.Fatal("expected nil router to be a pass-through")
	}
}

func TestWrap_DeferredStreamingRecordsOnFinishCallback(t *testing.T) {
	key := &domain.ClientApiKey{ID: "key-1", GroupID: "group-1", Status: domain.KeyActive}
	group := &domain.Group{ID: "group-1", Status: "active"}
	accounts := []*domain.UpstreamAccount{{ID: "acct-1", GroupID: "group-1", Provider: "openai", Status: domain.AccountActive, Priority: 0, Weight: 1}}

	r := newTestRouter(t, key, group, accounts)
	m := monitor.New(context.Background(), nil, nil)
	defer m.Close()
	r.SetMonitor(m)

	handler := r.Wrap("openai", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		// Simulate a streaming handler: mark deferred and return before the
		// body stream (and so the real usage) is actually known.
		ctx.SetUserValue("carpool_deferred", true)
	})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer raw-token")
	handler(ctx)

	// No usage recorded yet: the stream hasn't "finished".
	time.Sleep(10 * time.Millisecond)
	if snap := m.Snapshot(); snap.Count != 0 {
		t.Fatalf("expected no recorded event before finish callback, got %d", snap.Count)
	}

	finish, ok := ctx.UserValue("carpool_finish").(func())
	if !ok {
		t.Fatal("expected carpool_finish callback to be stashed on the context")
	}
	ctx.SetUserValue("carpool_output_tokens", 42)
	finish()

	time.Sleep(10 * time.Millisecond)
	if snap := m.Snapshot(); snap.Count != 1 {
		t.Fatalf("expected 1 recorded event after finish callback, got %d", snap.Count)
	}

	// A second call must not double-record.
	finish()
	time.Sleep(10 * time.Millisecond)
	if snap := m.Snapshot(); snap.Count != 1 {
		t.Fatalf("expected finish to be idempotent, got %d events", snap.Count)
	}
}

func TestWrap_RecordsToMonitorWhenConfigured(t *testing.T) {
	key := &domain.ClientApiKey{ID: "key-1", GroupID: "group-1", Status: domain.KeyActive}
	group := &domain.Group{ID: "group-1", Status: "active"}
	accounts := []*domain.UpstreamAccount{{ID: "acct-1", GroupID: "group-1", Provider: "openai", Status: domain.AccountActive, Priority: 0, Weight: 1}}

	r := newTestRouter(t, key, group, accounts)
	m := monitor.New(context.Background(), nil, nil)
	defer m.Close()
	r.SetMonitor(m)

	handler := r.Wrap("openai", func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) })
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer raw-token")
	handler(ctx)

	// Record is asynchronous (buffered channel); give the aggregation loop a
	// moment to drain it before checking the snapshot.
	time.Sleep(10 * time.Millisecond)
	snap := m.Snapshot()
	if snap.Count != 1 {
		t.Fatalf("expected 1 recorded event, got %d", snap.Count)
	}
}
