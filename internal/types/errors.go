package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. The prefix decides the HTTP status (see HTTPStatus).
const (
	// Validation (400)
	ErrCodeValidationMissingField      ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidBody       ErrorCode = "validation_invalid_body"
	ErrCodeValidationPayloadTooLarge   ErrorCode = "validation_payload_too_large"
	ErrCodeValidationSignatureMissing  ErrorCode = "validation_signature_missing"
	ErrCodeValidationInvalidTier       ErrorCode = "validation_invalid_tier"
	ErrCodeValidationInvalidAction     ErrorCode = "validation_invalid_action"
	ErrCodeValidationInvalidEventState ErrorCode = "validation_invalid_event_state"
	ErrCodeValidationInvalidParameter  ErrorCode = "validation_invalid_parameter"

	// Auth (401)
	ErrCodeAuthTokenMissing     ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid     ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired     ErrorCode = "auth_token_expired"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"

	// Not Found (404)
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"
	ErrCodeNotFoundTier         ErrorCode = "not_found_tier"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundEvent        ErrorCode = "not_found_event"

	// Conflict (409)
	ErrCodeConflictDuplicateEvent ErrorCode = "conflict_duplicate_event"
	ErrCodeConflictNoSubscription ErrorCode = "conflict_no_paid_subscription"
	ErrCodeConflictCustomerLinked ErrorCode = "conflict_customer_linked"

	// Limits (429)
	ErrCodeLimitDailyGenerations ErrorCode = "limit_daily_generations_exceeded"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalMisconfigured ErrorCode = "internal_misconfigured"
	ErrCodeUpstreamStripe        ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamNotFound      ErrorCode = "upstream_resource_not_found"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case s == string(ErrCodeValidationPayloadTooLarge):
		return http.StatusRequestEntityTooLarge // 413
	case s == string(ErrCodeAuthSignatureInvalid):
		// Webhook signature failures answer 400, unlike bearer tokens.
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "limit_"):
		return http.StatusTooManyRequests // 429
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type. Handlers translate it
// into the JSON error envelope via core.Error.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
