// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, forbidden, conflict) mirror common HTTP
//     status semantics to aid interoperability.
//   - Domain-specific codes (e.g., session_closed, quarantined) carry support
//     lifecycle outcomes that a status alone cannot convey.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "conflict",
//	  "message": "session was taken by another operator"
//	}
package handlers

const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeForbidden          = "forbidden"
	ErrCodeNotFound           = "not_found"
	ErrCodeConflict           = "conflict"
	ErrCodeRateLimited        = "too_many_requests"
	ErrCodeInternal           = "internal_error"
	ErrCodeMethodNotAllowed   = "method_not_allowed"
	ErrCodeServiceUnavailable = "service_unavailable"

	// Domain-specific:
	ErrCodeSessionClosed   = "session_closed"
	ErrCodeSupportDisabled = "support_disabled"
	ErrCodeNoUserEmail     = "no_user_email"
	ErrCodeAlreadyLearned  = "already_learned"
	ErrCodeQuarantined     = "quarantined"
	ErrCodeAnswerFailed    = "answer_failed"
	ErrCodeListFailed      = "list_failed"
)
