// Package services implements the human support handoff: the escalation
// coordinator, the support conversation store, the guest chat flow and
// directory seeding. This file centralizes the service-level error values so
// that handlers can map them to HTTP results consistently.
//
// Errors are returned bare or wrapped with %w; callers check them with
// errors.Is.
package services

import "errors"

// Session errors.
var (
	// ErrSessionNotFound indicates that the session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAgentNotFound indicates that the AI agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrStateConflict is returned when a transition lost a race or the
	// session is not in the state the transition starts from. The session is
	// left unchanged.
	ErrStateConflict = errors.New("support state conflict")

	// ErrSessionClosed is returned when escalating a session whose support
	// episode already ended.
	ErrSessionClosed = errors.New("support session closed")

	// ErrSupportDisabled is returned when the agent does not offer human support.
	ErrSupportDisabled = errors.New("human support disabled for agent")

	// ErrInvalidResolution is returned for an unknown resolution type.
	ErrInvalidResolution = errors.New("invalid resolution type")

	// ErrForbidden is returned when the actor may not perform the operation.
	ErrForbidden = errors.New("operation not permitted for actor")

	// ErrOperatorNotFound indicates that the acting operator does not exist.
	ErrOperatorNotFound = errors.New("operator not found")
)

// Message errors.
var (
	// ErrEmptyContent is returned when a message is blank after sanitizing.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when a message exceeds the configured length.
	ErrTooLong = errors.New("content too long")

	// ErrMessageNotFound indicates that the requested message does not exist
	// in the session.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNoUserEmail is returned when an email reply is requested for a
	// session without a user address.
	ErrNoUserEmail = errors.New("session has no user email")

	// ErrInvalidEmail is returned for a malformed user email address.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrMetadataContention is returned when the metadata compare-and-set
	// kept losing to concurrent writers.
	ErrMetadataContention = errors.New("support metadata contention")
)
