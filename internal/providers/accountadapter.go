package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ServiceStatus is the adapter's self-reported operational state, as
// returned by AccountAdapter.GetServiceStatus.
type ServiceStatus struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
}

// UsageStats is an optional, provider-reported usage summary. Not every
// provider exposes one; GetUsageStats returns (nil, nil) when unsupported.
type UsageStats struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	TotalTokens int64
	TotalCost   int64 // micro-units
}

// FormattedError is a provider error normalized into the gateway's own
// wire shape, independent of whatever shape the upstream SDK used.
type FormattedError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

// AccountAdapter is the full per-account contract: the hot-path Provider
// interface plus the account-lifecycle operations (credential validation,
// model discovery, usage reporting, token refresh for OAuth-style
// credentials). Neither the pool manager nor the scheduler calls them; no
// code path in the gateway uses AccountAdapter.
type AccountAdapter interface {
	Provider

	ValidateCredentials(ctx context.Context) error
	GetServiceStatus(ctx context.Context) (ServiceStatus, error)
	GetAvailableModels(ctx context.Context) ([]string, error)
	TestConnection(ctx context.Context) error
	GetUsageStats(ctx context.Context) (*UsageStats, error)
	RefreshAccessToken(ctx context.Context) error
	FormatError(err error) FormattedError
}

// ModelLister is implemented by providers that can enumerate their
// available models (most SDK clients expose a Models.List call).
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// TokenRefresher is implemented by OAuth-style providers (none of the
// current adapters — all use static API keys — but the contract is kept so
// a future adapter can opt in without changing AccountAdapter's shape).
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context) error
}

// GenericAdapter promotes any Provider to an AccountAdapter by implementing
// the lifecycle operations generically: HealthCheck backs ValidateCredentials,
// GetServiceStatus and TestConnection, ListModels is used when the wrapped
// provider implements ModelLister (nil slice otherwise), RefreshAccessToken
// is a no-op unless the provider implements TokenRefresher, and
// GetUsageStats always reports unsupported. Adapters with genuinely richer
// behavior (e.g. an SDK-reported usage endpoint) should implement
// AccountAdapter directly instead of wrapping.
type GenericAdapter struct {
	Provider
}

// NewGenericAdapter wraps p as an AccountAdapter.
func NewGenericAdapter(p Provider) *GenericAdapter {
	return &GenericAdapter{Provider: p}
}

func (g *GenericAdapter) ValidateCredentials(ctx context.Context) error {
	return g.Provider.HealthCheck(ctx)
}

func (g *GenericAdapter) GetServiceStatus(ctx context.Context) (ServiceStatus, error) {
	err := g.Provider.HealthCheck(ctx)
	return ServiceStatus{Healthy: err == nil, Message: errMessage(err), CheckedAt: time.Now()}, nil
}

func (g *GenericAdapter) GetAvailableModels(ctx context.Context) ([]string, error) {
	if lister, ok := g.Provider.(ModelLister); ok {
		return lister.ListModels(ctx)
	}
	return nil, nil
}

func (g *GenericAdapter) TestConnection(ctx context.Context) error {
	return g.Provider.HealthCheck(ctx)
}

func (g *GenericAdapter) GetUsageStats(context.Context) (*UsageStats, error) {
	return nil, nil
}

func (g *GenericAdapter) RefreshAccessToken(ctx context.Context) error {
	if refresher, ok := g.Provider.(TokenRefresher); ok {
		return refresher.RefreshAccessToken(ctx)
	}
	return nil
}

func (g *GenericAdapter) FormatError(err error) FormattedError {
	fe := FormattedError{Provider: g.Provider.Name(), Message: err.Error()}
	var coder StatusCoder
	if errors.As(err, &coder) {
		fe.StatusCode = coder.HTTPStatus()
	}
	fe.Retryable = fe.StatusCode == 0 || fe.StatusCode >= 500 || fe.StatusCode == 429
	return fe
}

func errMessage(err error) string {
	if err == nil {
		return "ok"
	}
	return fmt.Sprintf("unhealthy: %v", err)
}
