package apperror

import (
	"errors"
	"fmt"
)

// General error classes. Handlers map these to HTTP status codes.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
)

// Identity-engine error classes. Every rejection the resolution engine or
// lifecycle manager can produce is one of these — nothing surfaces to the
// request boundary as an unclassified error.
var (
	// ErrExternalAuth: the OAuth callback could not be verified (bad code,
	// exchange failure). Terminal — the user restarts the login flow.
	ErrExternalAuth = errors.New("external authentication failed")

	// ErrIdentityAlreadyLinked: a different account already owns this
	// (provider, external id) pair. Linking must never hijack it.
	ErrIdentityAlreadyLinked = errors.New("identity already linked to another account")

	// ErrNoMatchingAccount: login with an external identity that has never
	// been registered. The caller should use the register flow explicitly.
	ErrNoMatchingAccount = errors.New("no matching account")

	// ErrAccountAlreadyExists: registration would duplicate an identity whose
	// provider email is already in active use for that provider.
	ErrAccountAlreadyExists = errors.New("account already exists")

	// ErrDuplicateUsername: an account insert lost the username uniqueness
	// race. Transient — retried internally with a re-allocated username,
	// never surfaced to callers of the engine.
	ErrDuplicateUsername = errors.New("duplicate username")

	ErrInvalidUsername         = errors.New("invalid username")
	ErrUsernameUnavailable     = errors.New("username unavailable")
	ErrUsernameChangeForbidden = errors.New("username change forbidden")

	// ErrHasPublishedContent: self-destruct refused because the account still
	// owns published catalog entries.
	ErrHasPublishedContent = errors.New("account has published content")

	// ErrLastCredential: unlink refused because it would remove the account's
	// only remaining credential and orphan it.
	ErrLastCredential = errors.New("cannot remove last credential")
)

type AppError struct {
	Err     error  // sentinel error class
	Message string // human-readable error message
	Field   string // optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// New wraps a sentinel error class with a human-readable message.
// Used by the service layer for the identity-engine error classes above:
//
//	return apperror.New(apperror.ErrIdentityAlreadyLinked,
//	    "github identity 42 is linked to another account")
func New(class error, format string, args ...any) *AppError {
	return &AppError{
		Err:     class,
		Message: fmt.Sprintf(format, args...),
	}
}
