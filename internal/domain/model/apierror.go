package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed portal request into the handling taxonomy.
type ErrorKind string

const (
	ErrorKindNetwork        ErrorKind = "network"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindValidation     ErrorKind = "validation"
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindConflict       ErrorKind = "conflict"
	ErrorKindUnavailable    ErrorKind = "unavailable"
	ErrorKindUnknown        ErrorKind = "unknown"
)

// APIError is the normalized error shape returned by the request gateway.
// Status is the HTTP status when one was received, zero otherwise. Conflict
// responses carry the server's machine-readable conflict type and payload.
type APIError struct {
	Kind         ErrorKind
	Status       int
	Message      string
	ConflictType string
	ConflictInfo json.RawMessage
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the retry policy may resubmit the request.
// Client errors are never retryable; 401 is handled by the refresh path, not
// the retry path.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case ErrorKindNetwork, ErrorKindTimeout, ErrorKindUnavailable:
		return true
	case ErrorKindUnknown:
		return e.Status >= 500
	default:
		return false
	}
}

// AsAPIError unwraps err into an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// UserFacingError is the translation of an exhausted or terminal failure
// into something presentable: a short title, a plain-language message, and a
// retry affordance when the failure is transient.
type UserFacingError struct {
	Title     string
	Message   string
	Retryable bool
	Attempt   int
	NextDelay time.Duration
}

// Userfacing maps an APIError to its user-visible form. attempt and
// nextDelay describe the retry affordance and are ignored for terminal kinds.
func (e *APIError) Userfacing(attempt int, nextDelay time.Duration) UserFacingError {
	switch e.Kind {
	case ErrorKindNetwork:
		return UserFacingError{Title: "Connection problem", Message: "We could not reach the service. Your changes are saved and will be sent when you are back online.", Retryable: true, Attempt: attempt, NextDelay: nextDelay}
	case ErrorKindTimeout:
		return UserFacingError{Title: "Taking too long", Message: "The service did not respond in time. We will try again shortly.", Retryable: true, Attempt: attempt, NextDelay: nextDelay}
	case ErrorKindValidation:
		return UserFacingError{Title: "Check your details", Message: e.Message}
	case ErrorKindAuthentication:
		return UserFacingError{Title: "Sign in required", Message: "Your session has expired. Please sign in again."}
	case ErrorKindConflict:
		return UserFacingError{Title: "Scheduling conflict", Message: "This time is no longer available. Please choose another option."}
	case ErrorKindUnavailable:
		return UserFacingError{Title: "Service busy", Message: "The service is temporarily unavailable. We will keep trying.", Retryable: true, Attempt: attempt, NextDelay: nextDelay}
	default:
		return UserFacingError{Title: "Something went wrong", Message: "An unexpected error occurred. Please try again later."}
	}
}
