// Package domain defines the entities shared by the carpool gateway's
// primary store, cache layer, and request path.
package domain

import "time"

// BindingMode controls how a ClientApiKey is allowed to draw from the pool
// of UpstreamAccounts belonging to its Group.
type BindingMode string

const (
	BindingDedicated BindingMode = "dedicated"
	BindingShared    BindingMode = "shared"
	BindingHybrid    BindingMode = "hybrid"
)

// AccountStatus is the lifecycle state of an UpstreamAccount.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountDisabled    AccountStatus = "disabled"
	AccountRateLimited AccountStatus = "rate_limited"
	AccountError       AccountStatus = "error"
)

// KeyStatus is the lifecycle state of a ClientApiKey.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyDisabled KeyStatus = "disabled"
	KeyExpired  KeyStatus = "expired"
)

// Group is a carpool group: a set of members sharing a pool of upstream
// provider accounts under a single resource-binding policy.
type Group struct {
	ID              string
	Name            string
	Status          string
	DailyCostLimit  int64 // micro-units of the group's billing currency
	MonthlyBudget   int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GroupMember is a user's membership in a Group.
type GroupMember struct {
	ID       string
	GroupID  string
	UserID   string
	Role     string // owner, admin, member
	JoinedAt time.Time
}

// RateLimit is a per-key sliding-window rate limit along two dimensions:
// request count and token volume.
type RateLimit struct {
	WindowMinutes int
	MaxRequests   int
	MaxTokens     int
}

// ClientApiKey is a key issued to a group member, used to authenticate
// inbound proxy requests.
type ClientApiKey struct {
	ID               string
	GroupID          string
	KeyHash          string // sha256 of the raw key value, never the raw value
	Name             string
	Status           KeyStatus
	ServicePermission string // substring-matched against a requested service name
	QuotaLimit       int64  // micro-units; 0 means unlimited (cumulative quota)
	QuotaUsed        int64
	DailyCostLimit   int64 // micro-units; 0 means unlimited (resets daily)
	RateLimit        RateLimit
	ExpiresAt        *time.Time
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UpstreamAccount is a credential set for a single AI provider account,
// owned by a Group and drawn from by the router.
type UpstreamAccount struct {
	ID           string
	GroupID      string
	Provider     string
	Name         string
	Status       AccountStatus
	Credentials  map[string]string // provider-specific secret material
	Priority     int               // lower sorts first within a pool
	Weight       int               // relative selection weight, 1..100
	CostPerToken int64             // micro-units per 1K tokens, provider-reported or configured
	ProxyConfig  *ProxyConfig
	TotalRequests   int64
	TotalTokens     int64
	TotalCostMicros int64
	LastUsedAt      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProxyConfig describes an optional outbound HTTP proxy for an account.
type ProxyConfig struct {
	Type     string // http, https, socks5
	Host     string
	Port     int
	Username string
	Password string
}

// ResourceBinding links a ClientApiKey to the accounts it may use, under a
// BindingMode.
type ResourceBinding struct {
	ID          string
	ClientKeyID string
	GroupID     string
	Mode        BindingMode
	AccountIDs  []string // explicit set for "dedicated"; hint set for "hybrid"
	HybridRatio int      // 0..100, odds of drawing from AccountIDs first under "hybrid"; 0 defaults to 50
	CreatedAt   time.Time
}

// UsageRecord is one proxied request's accounting row, produced by the
// router and durably persisted by the usage-recording queue.
type UsageRecord struct {
	ID          string
	GroupID     string
	ClientKeyID string
	AccountID   string
	Provider    string
	Model       string
	InputTokens int
	OutputTokens int
	CostMicros  int64
	StatusCode  int
	DurationMS  int64
	CacheHit    bool
	RequestID   string
	CreatedAt   time.Time
}

// AccountPoolEntry is one scored, cached candidate in a provider's pool.
type AccountPoolEntry struct {
	AccountID string
	Provider  string
	Score     float64
	Load      int64 // concurrent in-flight requests against this account
	Healthy   bool
}

// AccountHealthStatus is the last observed health probe result for an account.
type AccountHealthStatus struct {
	AccountID   string
	Healthy     bool
	LatencyMS   int64
	Error       string
	CheckedAt   time.Time
}

// RateWindow is a sliding-window rate-limit counter snapshot.
type RateWindow struct {
	Key       string
	Count     int
	Limit     int
	ResetAt   time.Time
}

// DailyQuota is a point-in-time usage/quota snapshot for a ClientApiKey.
type DailyQuota struct {
	ClientKeyID string
	Day         string // YYYY-MM-DD, UTC
	UsedMicros  int64
	LimitMicros int64
}

// FeatureFlag is a gradual-rollout toggle evaluated per-user.
type FeatureFlag struct {
	Key         string
	Phase       string // disabled, canary, gradual, majority, full
	Whitelist   []string
	Blacklist   []string
	UpdatedAt   time.Time
}
