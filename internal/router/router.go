// Package router sits in front of the proxy gateway's provider dispatch and
// performs carpool admission control: it resolves the inbound bearer token
// to a validator.Session, acquires an upstream account from the group's pool
// honoring its resource-binding mode, and records usage once the request
// completes. It never reads or rewrites the proxied request/response bodies
// (it writes a body only when it refuses a request with an error), working
// from headers, timing and context user values, so it composes as an outer
// fasthttp middleware ahead of the
// gateway's own routes, the same way internal/proxy/middleware.go chains
// recovery, requestID, and CORS.
package router

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/accountpool"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/monitor"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/usagequeue"
	"github.com/nulpointcorp/llm-gateway/internal/validator"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// User-value keys the gateway's dispatch handler sets on the request
// context before returning, so recordUsage (running after next(ctx)
// returns, in the same Wrap closure) can read back the actual token
// counts and model without either package importing the other's types.
const (
	ctxKeyInputTokens  = "carpool_input_tokens"
	ctxKeyOutputTokens = "carpool_output_tokens"
	ctxKeyModel        = "carpool_model"
)

// defaultHybridRatio is used when a hybrid binding has no explicit
// HybridRatio configured (zero value).
const defaultHybridRatio = 50

// BindingStore is the subset of internal/store.Store the router needs to
// resolve which accounts a key's resource binding permits.
type BindingStore interface {
	GetResourceBinding(ctx context.Context, clientKeyID string) (*domain.ResourceBinding, error)
}

// Headers set on every admitted response.
const (
	HeaderAccount        = "X-Gateway-Account"
	HeaderRemainingQuota = "X-Gateway-Remaining-Quota"
	HeaderRateReset      = "X-Gateway-Rate-Reset"
)

// Router performs admission control and usage accounting around the
// gateway's provider dispatch. All dependencies are optional: a zero-value
// Router (or one with Validator nil) is a pass-through, matching the
// teacher's nil-safe optional-dependency style.
type Router struct {
	Validator *validator.Validator
	Bindings  BindingStore
	Pool      *accountpool.Manager
	Queue     *usagequeue.Queue
	Limiter   *ratelimit.KeyLimiter
	Monitor   *monitor.Monitor
	Log       *slog.Logger
}

// SetMonitor attaches a performance monitor. Left unset, Wrap simply skips
// recording observations — the same nil-safe pattern as every other
// optional dependency here.
func (r *Router) SetMonitor(m *monitor.Monitor) {
	r.Monitor = m
}

// New constructs a Router. log may be nil.
func New(v *validator.Validator, bindings BindingStore, pool *accountpool.Manager, q *usagequeue.Queue, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{Validator: v, Bindings: bindings, Pool: pool, Queue: q, Log: log}
}

// Wrap returns next wrapped with carpool admission control for the given
// service name (used for the per-key service-permission check and account
// pool lookup, e.g. "openai", "anthropic"). Pass it as the innermost
// middleware in proxy.StartWithRoutes's chain — after requestID/timing so
// request_id is already attached to the context, before the handler itself.
func (r *Router) Wrap(service string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if r == nil || r.Validator == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		token := bearerToken(ctx)
		if token == "" {
			// No client key presented — request proceeds under the gateway's
			// own provider-key mode, same as when carpool mode is disabled.
			next(ctx)
			return
		}

		sess, admErr := r.Validator.Validate(ctx, token, service)
		if admErr != nil {
			writeAdmissionError(ctx, admErr)
			return
		}

		accountID, admErr := r.acquireAccount(ctx, sess, service)
		if admErr != nil {
			writeAdmissionError(ctx, admErr)
			return
		}
		if accountID != "" && r.Pool != nil {
			defer r.Pool.Release(accountID)
			ctx.Response.Header.Set(HeaderAccount, accountID)
		}

		if sess.Key.QuotaLimit > 0 {
			remaining := sess.Key.QuotaLimit - sess.Key.QuotaUsed
			if remaining < 0 {
				remaining = 0
			}
			ctx.Response.Header.Set(HeaderRemainingQuota, strconv.FormatInt(remaining, 10))
		}
		if r.Limiter != nil && sess.Key.RateLimit.MaxRequests > 0 {
			window := time.Duration(sess.Key.RateLimit.WindowMinutes) * time.Minute
			if window <= 0 {
				window = time.Minute
			}
			ctx.Response.Header.Set(HeaderRateReset, strconv.FormatInt(time.Now().Add(window).Unix(), 10))
		}

		ctx.SetUserValue("carpool_session", sess)
		ctx.SetUserValue("carpool_account_id", accountID)

		recorded := false
		record := func() {
			if recorded {
				return
			}
			recorded = true
			status := ctx.Response.StatusCode()
			dur := time.Since(start)
			r.recordUsage(ctx, sess, accountID, service, status, dur)
			if r.Monitor != nil {
				r.Monitor.Record(monitor.Event{
					Component:  service,
					DurationMS: dur.Milliseconds(),
					Success:    status < 500,
				})
			}
		}
		// Set before next(ctx): a streaming handler marks the request
		// carpool_deferred and calls this back once the body stream (and so
		// the real token counts) actually lands, since SetBodyStreamWriter's
		// callback runs after next(ctx) returns.
		ctx.SetUserValue("carpool_finish", record)

		next(ctx)

		if deferred, _ := ctx.UserValue("carpool_deferred").(bool); !deferred {
			record()
		}
	}
}

// acquireAccount resolves the client key's resource binding and draws an
// account from the pool. Returns ("", nil) when no pool is configured —
// the gateway then falls back to its own provider-credential dispatch.
func (r *Router) acquireAccount(ctx context.Context, sess *validator.Session, service string) (string, *domain.AdmissionError) {
	if r.Pool == nil || r.Bindings == nil {
		return "", nil
	}

	binding, err := r.Bindings.GetResourceBinding(ctx, sess.Key.ID)
	if err != nil {
		// No explicit binding row means the key draws from the group's
		// shared pool with no allow-list restriction.
		return r.Pool.Acquire(ctx, sess.Key.GroupID, service, domain.BindingShared, nil, defaultHybridRatio)
	}
	ratio := binding.HybridRatio
	if ratio <= 0 {
		ratio = defaultHybridRatio
	}
	return r.Pool.Acquire(ctx, sess.Key.GroupID, service, binding.Mode, binding.AccountIDs, ratio)
}

// recordUsage enqueues an accounting row for a completed request. Token
// counts and the model name are read back from user values the gateway's
// dispatch handler set on ctx before returning from next(ctx); cost is
// derived from the serving account's configured cost-per-token.
func (r *Router) recordUsage(ctx *fasthttp.RequestCtx, sess *validator.Session, accountID, service string, status int, dur time.Duration) {
	inputTokens, _ := ctx.UserValue(ctxKeyInputTokens).(int)
	outputTokens, _ := ctx.UserValue(ctxKeyOutputTokens).(int)
	model, _ := ctx.UserValue(ctxKeyModel).(string)

	totalTokens := inputTokens + outputTokens
	var costMicros int64
	if r.Pool != nil && accountID != "" && totalTokens > 0 {
		costMicros = r.Pool.CostPerToken(accountID) * int64(totalTokens) / 1000
	}

	if r.Limiter != nil && totalTokens > 0 && sess.Key.RateLimit.MaxTokens > 0 {
		window := sess.Key.RateLimit.WindowMinutes
		if window <= 0 {
			window = 1
		}
		if err := r.Limiter.RecordTokens(ctx, cache.KeyRateLimitTokens(sess.Key.ID, window), window, totalTokens); err != nil {
			r.Log.Warn("router: record rate-limit tokens failed", slog.String("key_id", sess.Key.ID), slog.String("error", err.Error()))
		}
	}

	if r.Queue == nil {
		return
	}
	r.Queue.Enqueue(domain.UsageRecord{
		ID:           uuid.New().String(),
		GroupID:      sess.Key.GroupID,
		ClientKeyID:  sess.Key.ID,
		AccountID:    accountID,
		Provider:     service,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostMicros:   costMicros,
		StatusCode:   status,
		DurationMS:   dur.Milliseconds(),
		RequestID:    requestIDOf(ctx),
		CreatedAt:    time.Now(),
	})
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeAdmissionError(ctx *fasthttp.RequestCtx, e *domain.AdmissionError) {
	errType := apierr.TypeInvalidRequest
	switch e.Code {
	case domain.CodeRateLimited:
		errType = apierr.TypeRateLimitError
		retryAfter := int64(60)
		if e.RetryAt != nil {
			if d := *e.RetryAt - time.Now().Unix(); d > 0 {
				retryAfter = d
			}
			ctx.Response.Header.Set(HeaderRateReset, strconv.FormatInt(*e.RetryAt, 10))
		}
		ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	case domain.CodeDisabled, domain.CodeExpired, domain.CodePermissionDenied, domain.CodeNotFound:
		errType = apierr.TypeAuthenticationErr
	case domain.CodeGroupUnavailable, domain.CodeNoAccount, domain.CodeUpstreamError:
		errType = apierr.TypeProviderError
	case domain.CodeQuotaExceeded:
		errType = apierr.TypeRateLimitError
	}
	apierr.Write(ctx, e.HTTPStatus(), e.Error(), errType, string(e.Code))
}
