package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a business domain error with a structured error code.
//
// Codes are stable identifiers used in log output and in typed failure
// replies on the wire; the directory never surfaces raw Go errors to a
// world process.
type DomainError struct {
	Code    string // Error code (e.g., "PM-PRTY-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison by code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// ErrorCode extracts the error code from an error if it is a DomainError.
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Party errors (PRTY).
var (
	// ErrPartyNotFound indicates the requested party does not exist.
	ErrPartyNotFound = NewDomainError("PM-PRTY-4040", "party not found")

	// ErrPartyNameTaken indicates the party name collides with a live party.
	ErrPartyNameTaken = NewDomainError("PM-PRTY-4090", "party name already taken")

	// ErrPartyFull indicates all member slots are occupied.
	ErrPartyFull = NewDomainError("PM-PRTY-4091", "party is full")

	// ErrAlreadyGrouped indicates the requester already belongs to a party.
	ErrAlreadyGrouped = NewDomainError("PM-PRTY-4001", "requester already in a party")

	// ErrTargetAlreadyGrouped indicates the invite target already belongs to a party.
	ErrTargetAlreadyGrouped = NewDomainError("PM-PRTY-4004", "target already in a party")

	// ErrNotAMember indicates the character does not belong to the party.
	ErrNotAMember = NewDomainError("PM-PRTY-4002", "not a party member")

	// ErrNotLeader indicates the requester is not the party leader.
	ErrNotLeader = NewDomainError("PM-PRTY-4030", "requester is not the party leader")

	// ErrLevelRangeExceeded indicates the member level spread forbids
	// enabling experience sharing.
	ErrLevelRangeExceeded = NewDomainError("PM-PRTY-4003", "member level range exceeds share limit")

	// ErrInvalidPartyName indicates an empty or over-long party name.
	ErrInvalidPartyName = NewDomainError("PM-PRTY-4000", "invalid party name")

	// ErrTargetUnreachable indicates the target's world process is not connected.
	ErrTargetUnreachable = NewDomainError("PM-PRTY-5030", "target is unreachable")
)

// Invite errors (INVT).
var (
	// ErrInviteNotFound indicates an unknown or already-resolved invite.
	ErrInviteNotFound = NewDomainError("PM-INVT-4040", "invite not found")

	// ErrAlreadyInvited indicates a pending invite already exists for the
	// same party and target.
	ErrAlreadyInvited = NewDomainError("PM-INVT-4090", "target already invited")
)

// Booking errors (BOOK).
var (
	// ErrNoAdvertisement indicates the character has no active advertisement.
	ErrNoAdvertisement = NewDomainError("PM-BOOK-4040", "no active advertisement")

	// ErrBookingModeMismatch indicates criteria shaped for the other
	// deployment mode.
	ErrBookingModeMismatch = NewDomainError("PM-BOOK-4000", "criteria do not match booking mode")

	// ErrInvalidCriteria indicates out-of-bounds criteria fields.
	ErrInvalidCriteria = NewDomainError("PM-BOOK-4001", "invalid booking criteria")
)

// System errors (SYS).
var (
	// ErrInternalServer indicates an unexpected internal failure.
	ErrInternalServer = NewDomainError("PM-SYS-5000", "internal server error")

	// ErrRateLimited indicates the caller exceeded a request rate limit.
	ErrRateLimited = NewDomainError("PM-SYS-4290", "rate limit exceeded")
)
