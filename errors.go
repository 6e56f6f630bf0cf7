package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures so callers can react without parsing messages.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindAuth        ErrorKind = "auth"
	KindConflict    ErrorKind = "conflict"
	KindNotFound    ErrorKind = "not_found"
	KindUpstream    ErrorKind = "upstream"
	KindPersistence ErrorKind = "persistence"
)

// Error codes
const (
	ErrCodeMissingField        = "missing_field"
	ErrCodeInvalidEmail        = "invalid_email"
	ErrCodeInvalidUsername     = "invalid_username"
	ErrCodeWeakPassword        = "weak_password"
	ErrCodePasswordMismatch    = "password_mismatch"
	ErrCodeInvalidUser         = "invalid_user"
	ErrCodeUnsupportedFile     = "unsupported_file"
	ErrCodeInvalidCreds        = "invalid_credentials"
	ErrCodeReauthFailed        = "reauth_failed"
	ErrCodeDuplicate           = "duplicate"
	ErrCodeUsernameTaken       = "username_taken"
	ErrCodeAlreadyRegistered   = "already_registered"
	ErrCodeProviderLinked      = "provider_already_linked"
	ErrCodeProviderElsewhere   = "provider_linked_elsewhere"
	ErrCodeUserNotFound        = "user_not_found"
	ErrCodeInvalidAssertion    = "invalid_assertion"
	ErrCodeProviderFailure     = "provider_failure"
	ErrCodeStorageFailure      = "storage_failure"
	ErrCodeUnsupportedProvider = "unsupported_provider"
	ErrCodeCanceled            = "canceled"
)

// Error is the single error type returned by the identity core.
//
// Error() only ever returns Message. The wrapped cause is reachable through
// errors.Unwrap for logging but is never shown to end users.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind. When the target carries a code
// the codes must match too, so ErrConflict matches every conflict while
// ErrInvalidCredentials only matches itself.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Kind sentinels for errors.Is
var (
	ErrValidation  = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrAuth        = &Error{Kind: KindAuth, Message: "authentication failed"}
	ErrConflict    = &Error{Kind: KindConflict, Message: "conflict"}
	ErrNotFound    = &Error{Kind: KindNotFound, Message: "not found"}
	ErrUpstream    = &Error{Kind: KindUpstream, Message: "provider failure"}
	ErrPersistence = &Error{Kind: KindPersistence, Message: "storage failure"}
)

var (
	// ErrInvalidCredentials is returned for every failed local login,
	// whether the username is unknown or the password is wrong.
	ErrInvalidCredentials = &Error{Kind: KindAuth, Code: ErrCodeInvalidCreds, Message: "Invalid username or password"}

	// ErrReauthFailed is returned when a sensitive mutation fails its
	// current-password check.
	ErrReauthFailed = &Error{Kind: KindAuth, Code: ErrCodeReauthFailed, Message: "Current password is incorrect"}

	// ErrUserNotFound is returned by stores when no user matches a lookup.
	ErrUserNotFound = &Error{Kind: KindNotFound, Code: ErrCodeUserNotFound, Message: "user not found"}
)

// NewValidationError creates a validation error for an input field.
func NewValidationError(code, message, field string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Field: field}
}

// NewConflictError reports a uniqueness violation on field.
func NewConflictError(field Field, cause error) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    ErrCodeDuplicate,
		Message: fmt.Sprintf("%s already in use", field.Label()),
		Field:   string(field),
		Err:     cause,
	}
}

// NewPersistenceError wraps a storage failure that is not a constraint violation.
func NewPersistenceError(op string, cause error) *Error {
	return &Error{
		Kind:    KindPersistence,
		Code:    ErrCodeStorageFailure,
		Message: "Something went wrong, please try again",
		Err:     fmt.Errorf("%s: %w", op, cause),
	}
}

// NewUpstreamError reports a malformed assertion or provider-side failure.
func NewUpstreamError(message string, cause error) *Error {
	return &Error{Kind: KindUpstream, Code: ErrCodeProviderFailure, Message: message, Err: cause}
}

// NewCanceledError reports an operation abandoned because its context ended.
// Identity errors pass through unchanged.
func NewCanceledError(cause error) error {
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &Error{
		Kind:    KindPersistence,
		Code:    ErrCodeCanceled,
		Message: "Request was canceled",
		Err:     cause,
	}
}

// KindOf returns the kind of err, or "" if it is not an identity error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error onto the status code a host should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// asPersistence passes identity errors through untouched and wraps anything
// else as a persistence failure.
func asPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewCanceledError(err)
	}
	return NewPersistenceError(op, err)
}
