package main

import (
	"errors"
	"fmt"
)

// ErrorKind tags every auth failure. Boundaries switch on it.
type ErrorKind string

const (
	KindTransport       ErrorKind = "transport"
	KindInvalidCode     ErrorKind = "invalid_code"
	KindRefresh         ErrorKind = "refresh"
	KindNoActiveSession ErrorKind = "no_active_session"
	KindAttributeFetch  ErrorKind = "attribute_fetch"
)

func (k ErrorKind) String() string {
	return string(k)
}

// Title returns the heading shown above an error of this kind.
func (k ErrorKind) Title() string {
	switch k {
	case KindInvalidCode:
		return "Sign-in link expired"
	case KindTransport:
		return "Could not reach Timecard"
	case KindRefresh, KindAttributeFetch:
		return "Session expired"
	case KindNoActiveSession:
		return "Not signed in"
	default:
		return "An unexpected error occurred"
	}
}

// AuthError is a tagged failure with an optional cause.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind carried by err, or "" when err is not tagged.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func TransportError(message string, cause error) *AuthError {
	return &AuthError{Kind: KindTransport, Message: message, Cause: cause}
}

func InvalidCodeError(cause error) *AuthError {
	return &AuthError{Kind: KindInvalidCode, Message: "the provided code is no longer valid", Cause: cause}
}

func RefreshError(cause error) *AuthError {
	return &AuthError{Kind: KindRefresh, Message: "refresh session", Cause: cause}
}

func NoActiveSessionError() *AuthError {
	return &AuthError{Kind: KindNoActiveSession, Message: "sign out requested, but there is no user"}
}

func AttributeFetchError(cause error) *AuthError {
	return &AuthError{Kind: KindAttributeFetch, Message: "fetch user attributes", Cause: cause}
}
