package domain

import "fmt"

// AdmissionCode enumerates the reasons the validator or router can refuse a
// request before it ever reaches a provider.
type AdmissionCode string

const (
	CodeNotFound         AdmissionCode = "not_found"
	CodeDisabled         AdmissionCode = "disabled"
	CodeExpired          AdmissionCode = "expired"
	CodeGroupUnavailable AdmissionCode = "group_unavailable"
	CodeQuotaExceeded    AdmissionCode = "quota_exceeded"
	CodeRateLimited      AdmissionCode = "rate_limited"
	CodePermissionDenied AdmissionCode = "permission_denied"
	CodeNoAccount        AdmissionCode = "no_account"
	CodeUpstreamError    AdmissionCode = "upstream_error"
)

// httpStatus maps each AdmissionCode to its wire HTTP status: 401 for an
// unknown or disabled key, 402 once a quota is exhausted, 403 for an
// expired key or a permission mismatch, 429 for a rate limit, and 503 when
// no account/group is reachable.
var httpStatus = map[AdmissionCode]int{
	CodeNotFound:         401,
	CodeDisabled:         401,
	CodeExpired:          403,
	CodeGroupUnavailable: 503,
	CodeQuotaExceeded:    402,
	CodeRateLimited:      429,
	CodePermissionDenied: 403,
	CodeNoAccount:        503,
	CodeUpstreamError:    502,
}

// AdmissionError is returned by the validator and router for any request
// that is refused before dispatch to a provider.
type AdmissionError struct {
	Code    AdmissionCode
	Message string
	RetryAt *int64 // unix seconds, set for rate_limited / quota_exceeded when known
	Kind    string // sub-reason: "cumulative"/"daily" for quota_exceeded, "request"/"token" for rate_limited
	Limit   int64  // the limit that was exceeded, when known
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus implements the providers.StatusCoder contract so AdmissionError
// can flow through the same error-writing path as provider errors.
func (e *AdmissionError) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

// NewAdmissionError builds an AdmissionError for the given code.
func NewAdmissionError(code AdmissionCode, format string, args ...any) *AdmissionError {
	return &AdmissionError{Code: code, Message: fmt.Sprintf(format, args...)}
}
