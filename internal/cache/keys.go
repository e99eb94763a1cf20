package cache

import "fmt"

// Key builders for every cached projection the carpool domain reads or
// writes. All keys share the "aicarpool:" namespace so they can coexist in
// the same Redis database as the teacher's response cache (which uses its
// own SHA-256 digest keys, see internal/proxy/gateway.go buildCacheKey).
const keyPrefix = "aicarpool:"

// KeyAPIKey caches the resolved ClientApiKey row by its hash.
func KeyAPIKey(keyHash string) string {
	return keyPrefix + "apikey:" + keyHash
}

// KeyQuotaInfo names a current-day quota snapshot for a client key. No code
// path calls it; the validator reads the daily quota from the store.
func KeyQuotaInfo(clientKeyID, day string) string {
	return fmt.Sprintf(keyPrefix+"quota:%s:%s", clientKeyID, day)
}

// KeyRateLimit is the request-count sliding-window counter family for a
// client key, scoped to a window size in minutes so multiple windows can
// coexist.
func KeyRateLimit(clientKeyID string, windowMinutes int) string {
	return fmt.Sprintf(keyPrefix+"ratelimit:%s:%dm", clientKeyID, windowMinutes)
}

// KeyRateLimitTokens is the token-volume sliding-window family for a client
// key, independent of the request-count window above so a key can exhaust
// one dimension without affecting the other.
func KeyRateLimitTokens(clientKeyID string, windowMinutes int) string {
	return fmt.Sprintf(keyPrefix+"ratelimit_tokens:%s:%dm", clientKeyID, windowMinutes)
}

// KeyGroup caches a Group row by ID.
func KeyGroup(groupID string) string {
	return keyPrefix + "group:" + groupID
}

// KeyAccountPool names the cached scored candidate list of a pool;
// internal/accountpool passes "<groupID>:<provider>".
func KeyAccountPool(provider string) string {
	return keyPrefix + "pool:" + provider
}

// KeyAccountLoad names an in-flight request counter for a single account.
// No code path calls it; internal/accountpool keeps load in memory.
func KeyAccountLoad(accountID string) string {
	return keyPrefix + "load:" + accountID
}

// KeyFeatureFlag caches a single flag definition.
func KeyFeatureFlag(flagKey string) string {
	return keyPrefix + "flag:" + flagKey
}

// KeyDLQ is the Redis list used as the usage-record dead-letter queue.
const KeyDLQ = keyPrefix + "usage_dlq"

// KeyMonitorBucket names a per-minute performance-sample bucket. No code
// path calls it; internal/monitor keeps its samples in memory.
func KeyMonitorBucket(minuteEpoch int64) string {
	return fmt.Sprintf(keyPrefix+"perf:%d", minuteEpoch)
}
