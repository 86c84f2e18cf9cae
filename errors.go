package profileauth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind identifies the failure class of an *Error. The set is closed;
// callers can rely on it for user-facing messaging.
type ErrorKind string

const (
	ErrKindInvalidUser         ErrorKind = "invalid-or-expired-user"
	ErrKindUnauthorizedSession ErrorKind = "unauthorized-session"
	ErrKindAPITokensFailed     ErrorKind = "api-tokens-failed"
	ErrKindInvalidAPITokens    ErrorKind = "invalid-api-tokens"
	ErrKindAPITokenNetwork     ErrorKind = "api-token-network-or-cors-error"
	ErrKindUserHasNoTokens     ErrorKind = "user-has-invalid-tokens"
	ErrKindRenewalFailed       ErrorKind = "renewal-failed"
	ErrKindNoAPITokenURL       ErrorKind = "no-api-token-url-configured"
)

// Error is the typed error surfaced by the session client. It flows one
// way, from internal operations out to callers and state-change
// listeners; nothing in the propagation layer retries it.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("profileauth: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("profileauth: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// IsErrorKind reports whether err is, or wraps, an *Error of the given kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// AsError extracts the *Error from err, or wraps err into one with the
// given fallback kind.
func AsError(err error, fallback ErrorKind) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(fallback, err.Error(), err)
}

// IsClockSkewError reports whether a callback failure was caused by the
// device clock being ahead of the issuer's, which shows up as a token
// issued "in the future".
func IsClockSkewError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "issued in the future") ||
		strings.Contains(msg, "iat is in the future") ||
		strings.Contains(msg, "used before issued")
}

// IsLoginCancelledError reports whether a callback failure means the user
// denied consent at the identity provider rather than a technical fault.
func IsLoginCancelledError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "access_denied") ||
		strings.Contains(msg, "login_required")
}
