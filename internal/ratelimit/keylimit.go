package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenSumScript sums the token weights recorded in the sliding window
// without consuming anything — used to peek the current token volume
// against a limit before admitting a request, since a request's own token
// cost is not known until after it completes.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// Returns: sum of token weights encoded in surviving members.
var tokenSumScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local members = redis.call('ZRANGE', key, 0, -1)
		local total = 0
		for _, m in ipairs(members) do
			local tokens = tonumber(string.match(m, ':(%d+)$'))
			if tokens then
				total = total + tokens
			end
		end
		return total
`)

// tokenRecordScript appends a member encoding a request's observed token
// count to the sliding window, trimming expired members first.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = tokens observed for this request
var tokenRecordScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local tokens = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local member = tostring(now) .. ':' .. tostring(math.random(1, 1000000)) .. ':' .. tostring(tokens)
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

// KeyLimiter is a per-key sliding-window rate limiter along two independent
// dimensions — request count and token volume — generalizing RPMLimiter's
// single global counter to an arbitrary family of keys (one per client API
// key, in internal/validator's case) with a per-key configurable window.
type KeyLimiter struct {
	rdb *redis.Client
}

// NewKeyLimiter creates a KeyLimiter. The window is supplied per-call
// (domain.RateLimit.WindowMinutes), since each client key may configure its
// own.
func NewKeyLimiter(rdb *redis.Client) *KeyLimiter {
	return &KeyLimiter{rdb: rdb}
}

// Allow checks a request against both the request-count and token-volume
// dimensions of a key's rate limit. reqKey and tokenKey are distinct Redis
// keys (see internal/cache.KeyRateLimit / KeyRateLimitTokens); maxRequests
// or maxTokens ≤ 0 disables that dimension. exceededKind is "request" or
// "token" when allowed is false, matching domain.AdmissionError.Kind.
// Redis errors degrade to "allowed" — a rate limiter must never take the
// whole gateway down.
func (l *KeyLimiter) Allow(ctx context.Context, reqKey, tokenKey string, windowMinutes, maxRequests, maxTokens int) (allowed bool, exceededKind string, err error) {
	window := time.Duration(windowMinutes) * time.Minute
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now().UnixNano()

	if maxRequests > 0 {
		result, rerr := slidingWindowScript.Run(ctx, l.rdb, []string{reqKey}, now, window.Nanoseconds(), maxRequests).Int()
		if rerr == nil && result == 0 {
			return false, "request", nil
		}
	}

	if maxTokens > 0 {
		sum, terr := tokenSumScript.Run(ctx, l.rdb, []string{tokenKey}, now, window.Nanoseconds()).Int()
		if terr == nil && sum >= maxTokens {
			return false, "token", nil
		}
	}

	return true, "", nil
}

// RecordTokens adds an observed request's token count to the token-volume
// sliding window, for future Allow calls to weigh. Called by the router
// once a request's actual usage is known — the admission check itself can
// only peek the existing sum, since the current request's cost isn't known
// until it completes.
func (l *KeyLimiter) RecordTokens(ctx context.Context, tokenKey string, windowMinutes, tokens int) error {
	window := time.Duration(windowMinutes) * time.Minute
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now().UnixNano()
	return tokenRecordScript.Run(ctx, l.rdb, []string{tokenKey}, now, window.Nanoseconds(), tokens).Err()
}

// Remaining returns a best-effort count of requests left in the current
// window for key, without consuming one, together with the window length.
func (l *KeyLimiter) Remaining(ctx context.Context, key string, limit int, windowMinutes int) (int, time.Duration, error) {
	window := time.Duration(windowMinutes) * time.Minute
	if window <= 0 {
		window = time.Minute
	}
	count, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return limit, window, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, window, nil
}
