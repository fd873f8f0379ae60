// Package model defines the domain types shared by the relay's components
// and the error taxonomy reported back to clients.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error. The router maps every kind except KindTransport
// to a {success:false} response on the originating connection.
type Kind string

// Error kinds.
const (
	KindValidation    Kind = "validation"
	KindDuplicate     Kind = "duplicate"
	KindAuthRequired  Kind = "auth_required"
	KindAuthInvalid   Kind = "auth_invalid"
	KindRateLimited   Kind = "rate_limited"
	KindNotAMember    Kind = "not_a_member"
	KindNotFound      Kind = "not_found"
	KindForbidden     Kind = "forbidden"
	KindTransport     Kind = "transport"
	KindUnknownAction Kind = "unknown_action"
)

// Error is the client-facing error type.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int      // seconds, set for KindRateLimited
	Issues     []string // unmet validation rules
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Issues) > 0 {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, strings.Join(e.Issues, "; "))
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Is reports kind equality so that errors.Is(err, model.ErrNotFound) works for
// any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrDuplicate     = &Error{Kind: KindDuplicate}
	ErrAuthRequired  = &Error{Kind: KindAuthRequired}
	ErrAuthInvalid   = &Error{Kind: KindAuthInvalid}
	ErrRateLimited   = &Error{Kind: KindRateLimited}
	ErrNotAMember    = &Error{Kind: KindNotAMember}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrForbidden     = &Error{Kind: KindForbidden}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrUnknownAction = &Error{Kind: KindUnknownAction}
)

// NewValidationError reports missing or malformed input.
func NewValidationError(message string, issues ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Issues: issues}
}

// NewDuplicateError reports a uniqueness conflict.
func NewDuplicateError(message string) *Error {
	return &Error{Kind: KindDuplicate, Message: message}
}

// NewAuthRequiredError is returned for protected actions on an
// unauthenticated connection.
func NewAuthRequiredError() *Error {
	return &Error{Kind: KindAuthRequired, Message: "Authentication required"}
}

// NewAuthInvalidError reports bad credentials or an unusable token.
func NewAuthInvalidError(message string) *Error {
	return &Error{Kind: KindAuthInvalid, Message: message}
}

// NewRateLimitedError carries the number of seconds until a retry can succeed.
func NewRateLimitedError(retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", retryAfter),
		RetryAfter: retryAfter,
	}
}

// NewNotAMemberError is returned for room-scoped actions by non-members.
func NewNotAMemberError() *Error {
	return &Error{Kind: KindNotAMember, Message: "You are not a member of this room"}
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// NewForbiddenError reports an authenticated caller acting outside its rights.
func NewForbiddenError(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// NewTransportError wraps a socket failure.
func NewTransportError(err error) *Error {
	return &Error{Kind: KindTransport, Message: err.Error()}
}

// NewUnknownActionError reports an unregistered action name.
func NewUnknownActionError() *Error {
	return &Error{Kind: KindUnknownAction, Message: "Unknown action"}
}

// AsError extracts a *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
