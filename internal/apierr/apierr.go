// Package apierr defines the error taxonomy shared by the session, channel
// and tracking components. Every failure surfaced to a caller carries a Kind
// plus a human-readable message, so a host UI can render it without
// inspecting transport details.
package apierr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindUnauthorized means the access token was rejected by a remote call.
	KindUnauthorized Kind = "unauthorized"
	// KindAuthExpired means the refresh token itself was rejected. Fatal to
	// the session: the authenticator broadcasts it to all dependents.
	KindAuthExpired Kind = "auth_expired"
	// KindNetwork is a transport/HTTP failure unrelated to auth.
	KindNetwork Kind = "network_error"
	// KindInvalidTransition means an emergency command targeted a request
	// that is not in the required source state.
	KindInvalidTransition Kind = "invalid_transition"
	// KindForbidden means the caller's role/subject may not perform the
	// command. Rejected before any remote call.
	KindForbidden Kind = "forbidden"
	// KindPreconditionFailed means a component operation was invoked in a
	// state that structurally cannot satisfy it.
	KindPreconditionFailed Kind = "precondition_failed"
	// KindValidation means locally rejected input.
	KindValidation Kind = "validation"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes two taxonomy errors match on Kind, so callers can compare against
// a bare New(kind, "") sentinel with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, or empty string when err is not part of
// the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
