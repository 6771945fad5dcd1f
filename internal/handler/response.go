package handler

// Response helpers: every error leaving the API has the same JSON shape,
//
//	{"error": "identity_already_linked", "message": "..."}
//
// with a stable machine-readable code and a human-readable message. The
// service layer returns classified apperror values; this file is the single
// place where they are mapped to HTTP. Unclassified errors become a generic
// 500 — internal details are never exposed to the client.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/toolhub/toolhub/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // machine-readable error code
	Message string `json:"message"` // human-readable description
}

// writeJSON sends a JSON response with the given status code. Headers and
// status must be written before the body.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// headers already sent; logging is all that is left
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps each error class to its HTTP status and stable code.
// Every classified error the engine and lifecycle can produce appears here.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrInvalidUsername):
		return http.StatusBadRequest, "invalid_username"
	case errors.Is(err, apperror.ErrExternalAuth):
		return http.StatusUnauthorized, "external_auth_failed"
	case errors.Is(err, apperror.ErrNoMatchingAccount):
		return http.StatusUnauthorized, "no_matching_account"
	case errors.Is(err, apperror.ErrUsernameChangeForbidden):
		return http.StatusForbidden, "username_change_forbidden"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrIdentityAlreadyLinked):
		return http.StatusConflict, "identity_already_linked"
	case errors.Is(err, apperror.ErrAccountAlreadyExists):
		return http.StatusConflict, "account_already_exists"
	case errors.Is(err, apperror.ErrUsernameUnavailable):
		return http.StatusConflict, "username_unavailable"
	case errors.Is(err, apperror.ErrHasPublishedContent):
		return http.StatusConflict, "has_published_content"
	case errors.Is(err, apperror.ErrLastCredential):
		return http.StatusConflict, "last_credential"
	case errors.Is(err, apperror.ErrDuplicateUsername):
		// retried internally; reaching the boundary means retries exhausted
		return http.StatusConflict, "duplicate_username"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError maps a domain error to its HTTP representation.
func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)

	message := "An internal error occurred"
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && status != http.StatusInternalServerError {
		message = appErr.Message
	}

	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
