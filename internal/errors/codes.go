package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Download token and authorization errors
const (
	// Token failed signature or format checks. Deliberately coarse: the client
	// response never says which part of the check failed.
	ErrCodeInvalidToken ErrorCode = "invalid_token"
	ErrCodeTokenExpired ErrorCode = "token_expired"
	ErrCodeMissingToken ErrorCode = "missing_token"
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeForbidden    ErrorCode = "forbidden"
)

// Webhook errors
const (
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
)

// Throttling
const (
	ErrCodeRateLimited ErrorCode = "rate_limited"
)

// Validation errors (request input)
const (
	ErrCodeMissingField      ErrorCode = "missing_field"
	ErrCodeInvalidField      ErrorCode = "invalid_field"
	ErrCodeInvalidPurchaseID ErrorCode = "invalid_purchase_id"
)

// Resource/state errors
const (
	ErrCodePurchaseNotFound ErrorCode = "purchase_not_found"
	ErrCodeTemplateNotFound ErrorCode = "template_not_found"
	ErrCodeUserNotFound     ErrorCode = "user_not_found"
)

// External service errors
const (
	ErrCodeStripeError  ErrorCode = "stripe_error"
	ErrCodeMailError    ErrorCode = "mail_error"
	ErrCodeNetworkError ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeArchiveError  ErrorCode = "archive_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeStripeError,
		ErrCodeMailError,
		ErrCodeNetworkError,
		ErrCodeDatabaseError,
		ErrCodeInternalError,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors; webhook signature failures
	// are also 400 so the provider knows not to treat it as a server fault
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidPurchaseID,
		ErrCodeInvalidSignature:
		return 400

	// 401 Unauthorized - token missing, malformed, expired, or forged
	case ErrCodeMissingToken,
		ErrCodeInvalidToken,
		ErrCodeTokenExpired,
		ErrCodeUnauthorized:
		return 401

	// 403 Forbidden - authenticated but not the owner
	case ErrCodeForbidden:
		return 403

	// 404 Not Found
	case ErrCodePurchaseNotFound,
		ErrCodeTemplateNotFound,
		ErrCodeUserNotFound:
		return 404

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - external service errors
	case ErrCodeStripeError,
		ErrCodeMailError,
		ErrCodeNetworkError:
		return 502

	// 500 Internal Server Error
	default:
		return 500
	}
}
