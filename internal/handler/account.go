package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/toolhub/toolhub/internal/auth"
	"github.com/toolhub/toolhub/internal/model"
	"github.com/toolhub/toolhub/internal/repository"
	"github.com/toolhub/toolhub/internal/service"
)

// AccountHandler serves the authenticated account-management API: profile,
// linked credentials, rename, unlink, self-destruct, and the account's
// catalog entries. Every route here runs behind RequireAuth, so the acting
// account always comes from the request context.
type AccountHandler struct {
	store     repository.Store
	lifecycle *service.Lifecycle
	logger    *slog.Logger
}

func NewAccountHandler(store repository.Store, lifecycle *service.Lifecycle, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		store:     store,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// HandleMe returns the authenticated account's profile.
//
// HTTP: GET /api/me
func (h *AccountHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	accountID := mustAccountID(w, r)
	if accountID == 0 {
		return
	}

	account, err := h.store.Accounts().GetByID(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HandleListTokens returns the account's credentials. Credential content is
// excluded from serialization — only metadata leaves the server here.
//
// HTTP: GET /api/tokens
func (h *AccountHandler) HandleListTokens(w http.ResponseWriter, r *http.Request) {
	accountID := mustAccountID(w, r)
	if accountID == 0 {
		return
	}

	creds, err := h.store.Credentials().ListForAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if creds == nil {
		creds = []model.Credential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

// HandleUnlinkToken revokes one credential. Removing the account's last
// credential is refused (409 last_credential).
//
// HTTP: DELETE /api/tokens/{id}
func (h *AccountHandler) HandleUnlinkToken(w http.ResponseWriter, r *http.Request) {
	accountID := mustAccountID(w, r)
	if accountID == 0 {
		return
	}

	if err := h.lifecycle.Unlink(r.Context(), accountID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRename changes the account's username.
//
// HTTP: PUT /api/users/username
func (h *AccountHandler) HandleRename(w http.ResponseWriter, r *http.Request) {
	accountID := mustAccountID(w, r)
	if accountID == 0 {
		return
	}

	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Message: "request body must be valid JSON",
		})
		return
	}

	account, err := h.lifecycle.ChangeUsername(r.Context(), accountID, req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HandleSelfDestruct permanently deletes the authenticated account, its
// credentials and its unpublished entries. Refused while the account owns
// published entries (409 has_published_content).
//
// HTTP: DELETE /api/users/me
func (h *AccountHandler) HandleSelfDestruct(w http.ResponseWriter, r *http.Request) {
	accountID := mustAccountID(w, r)
	if accountID == 0 {
		return
	}

	if err := h.lifecycle.SelfDestruct(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}

	// the session is gone along with the account
	clearCookie(w, "token")
	w.WriteHeader(http.StatusNoContent)
}

// HandleListEntries returns the account's catalog entries.
//
// HTTP: GET /api/entries
func (h *AccountHandler) HandleListEntries(w http.ResponseWriter, r *http.Request) {
	accountID := mustAccountID(w, r)
	if accountID == 0 {
		return
	}

	entries, err := h.store.Entries().ListForAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleCreateEntry registers a catalog entry owned by the authenticated
// account.
//
// HTTP: POST /api/entries
func (h *AccountHandler) HandleCreateEntry(w http.ResponseWriter, r *http.Request) {
	accountID := mustAccountID(w, r)
	if accountID == 0 {
		return
	}

	var req struct {
		Name      string `json:"name"`
		Published bool   `json:"published"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Message: "entry name is required",
		})
		return
	}

	entry := &model.Entry{
		AccountID: accountID,
		Name:      req.Name,
		Published: req.Published,
	}
	if err := h.store.Entries().Create(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// mustAccountID reads the authenticated account id set by RequireAuth.
// Writes a 401 and returns 0 if it is absent — which cannot happen on a
// correctly wired route, but the check keeps the handlers safe standalone.
func mustAccountID(w http.ResponseWriter, r *http.Request) int64 {
	id, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error: "unauthorized", Message: "valid authentication required",
		})
		return 0
	}
	return id
}
