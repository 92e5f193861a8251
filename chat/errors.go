package chat

import "fmt"

// Closed error taxonomy surfaced to clients as error events.
const (
	CodeNotFound             = "not_found"
	CodePermissionDenied     = "permission_denied"
	CodeInvalidInput         = "invalid_input"
	CodeContentBlocked       = "content_blocked"
	CodeInsufficientCredits  = "insufficient_credits"
	CodePricingNotConfigured = "pricing_not_configured"
	CodeModelNotFound        = "model_not_found"
	CodeNoAPIKey             = "no_api_key"
	CodeRateLimited          = "rate_limited"
	CodeOverloaded           = "overloaded"
	CodeContextTooLong       = "context_too_long"
	CodeAuthFailed           = "auth_failed"
	CodeConnectionError      = "connection_error"
	CodeRequestTimeout       = "request_timeout"
	CodeServerError          = "server_error"
	CodeEndpointNotFound     = "endpoint_not_found"
	CodeAborted              = "aborted"
	CodeGeneric              = "generic"
)

// OpError is a classified operation failure carrying the user-facing message
// and an optional suggestion.
type OpError struct {
	Code       string
	Message    string
	Suggestion string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewOpError(code, message, suggestion string) *OpError {
	return &OpError{Code: code, Message: message, Suggestion: suggestion}
}

func NotFound(what string) *OpError {
	return &OpError{Code: CodeNotFound, Message: what + " not found"}
}

func PermissionDenied(message string) *OpError {
	return &OpError{Code: CodePermissionDenied, Message: message}
}

func InvalidInput(message string) *OpError {
	return &OpError{Code: CodeInvalidInput, Message: message}
}
