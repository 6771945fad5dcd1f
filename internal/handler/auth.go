package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/toolhub/toolhub/internal/auth"
	"github.com/toolhub/toolhub/internal/service"
)

// OAuth flow intents. The initiating route records which operation the
// callback should perform; the callback reads it back from a short-lived
// cookie. This is what distinguishes "log in", "register" and "link this
// provider to my account" for one shared provider callback URL.
const (
	IntentLogin    = "login"
	IntentRegister = "register"
	IntentLink     = "link"
)

// AuthHandler manages the OAuth login/registration/link flows, the native
// password entry points, and session management.
//
// Dependencies:
//   - providers auth.Registry       → per-provider OAuth code exchange
//   - tokens    *auth.TokenService  → session JWT cookies
//   - engine    *service.Engine     → the account resolution matrix
//   - lifecycle *service.Lifecycle  → native register/login
type AuthHandler struct {
	providers auth.Registry
	tokens    *auth.TokenService
	engine    *service.Engine
	lifecycle *service.Lifecycle
	logger    *slog.Logger
}

func NewAuthHandler(
	providers auth.Registry,
	tokens *auth.TokenService,
	engine *service.Engine,
	lifecycle *service.Lifecycle,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		providers: providers,
		tokens:    tokens,
		engine:    engine,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// HandleOAuthStart redirects the browser to the provider's authorization
// page.
//
// HTTP: GET /auth/{provider}/login | /auth/{provider}/register | /auth/{provider}/link
//
// A random state value goes into a short-lived HttpOnly cookie and into the
// authorization URL; the callback verifies they match (CSRF protection).
// The flow intent travels the same way.
func (h *AuthHandler) HandleOAuthStart(intent string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resolver, err := h.providers.Resolver(chi.URLParam(r, "provider"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, ErrorResponse{
				Error: "unknown_provider", Message: err.Error(),
			})
			return
		}

		state := xid.New().String()
		setFlowCookie(w, "oauth_state", state)
		setFlowCookie(w, "oauth_intent", intent)

		http.Redirect(w, r, resolver.AuthURL(state), http.StatusTemporaryRedirect)
	}
}

// HandleOAuthCallback completes an OAuth flow.
//
// HTTP: GET /auth/{provider}/callback?code=xxx&state=yyy
//
// Flow:
//  1. validate the state parameter against the state cookie
//  2. exchange the code for a verified external profile
//  3. dispatch on the recorded intent: login, register, or link
//  4. on login/register success, issue the session JWT cookie
//
// The route runs under OptionalAuth: a link intent additionally requires the
// request to be authenticated, and the acting account is taken from the
// request context — never from a parameter.
func (h *AuthHandler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	resolver, err := h.providers.Resolver(chi.URLParam(r, "provider"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: "unknown_provider", Message: err.Error(),
		})
		return
	}

	stateCookie, err := r.Cookie("oauth_state")
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("oauth callback: state missing or mismatched",
			slog.String("provider", string(resolver.Provider())),
		)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid_oauth_state", Message: "OAuth state is missing or does not match",
		})
		return
	}

	intent := IntentLogin
	if c, err := r.Cookie("oauth_intent"); err == nil && c.Value != "" {
		intent = c.Value
	}

	// both cookies are single-use
	clearCookie(w, "oauth_state")
	clearCookie(w, "oauth_intent")

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("oauth callback: user denied authorization",
			slog.String("provider", string(resolver.Provider())),
			slog.String("error", errParam),
		)
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "missing_oauth_code", Message: "OAuth code parameter is missing",
		})
		return
	}

	profile, err := resolver.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("oauth callback: exchange failed",
			slog.String("provider", string(resolver.Provider())),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	switch intent {
	case IntentLink:
		actingID, ok := auth.AccountIDFromContext(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error: "unauthorized", Message: "linking a provider requires authentication",
			})
			return
		}
		cred, err := h.engine.Link(r.Context(), actingID, profile)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cred)

	case IntentRegister:
		principal, err := h.engine.Register(r.Context(), profile)
		if err != nil {
			writeError(w, err)
			return
		}
		h.finishLogin(w, r, principal)

	default: // IntentLogin
		principal, err := h.engine.Login(r.Context(), profile)
		if err != nil {
			writeError(w, err)
			return
		}
		h.finishLogin(w, r, principal)
	}
}

// nativeCredentials is the request body for the native register/login
// endpoints.
type nativeCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// authResponse is returned by login/register endpoints. Token is the NATIVE
// credential's bearer content — shown to its owner here and nowhere else.
type authResponse struct {
	Account  any    `json:"account"`
	Token    string `json:"token"`
	Provider string `json:"provider"`
}

// HandleNativeRegister creates an account from a chosen username/password.
//
// HTTP: POST /auth/register
func (h *AuthHandler) HandleNativeRegister(w http.ResponseWriter, r *http.Request) {
	var req nativeCredentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Message: "request body must be valid JSON",
		})
		return
	}

	principal, err := h.lifecycle.RegisterNative(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	h.setSessionCookie(w, principal.Account.ID)
	writeJSON(w, http.StatusCreated, authResponse{
		Account:  principal.Account,
		Token:    principal.Credential.Content,
		Provider: string(principal.Credential.Provider),
	})
}

// HandleNativeLogin authenticates a username/password pair.
//
// HTTP: POST /auth/login
func (h *AuthHandler) HandleNativeLogin(w http.ResponseWriter, r *http.Request) {
	var req nativeCredentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Message: "request body must be valid JSON",
		})
		return
	}

	principal, err := h.lifecycle.LoginNative(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	h.setSessionCookie(w, principal.Account.ID)
	writeJSON(w, http.StatusOK, authResponse{
		Account:  principal.Account,
		Token:    principal.Credential.Content,
		Provider: string(principal.Credential.Provider),
	})
}

// HandleLogout clears the session cookie.
//
// HTTP: POST /auth/logout
//
// Sessions are stateless JWTs, so logout just deletes the client-side
// cookie; the token itself remains valid until its short expiry.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, "token")
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// finishLogin issues the session cookie and redirects to the app. Used by
// the OAuth login/register callback paths.
func (h *AuthHandler) finishLogin(w http.ResponseWriter, r *http.Request, principal *service.Principal) {
	h.setSessionCookie(w, principal.Account.ID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, accountID int64) {
	tokenStr, err := h.tokens.Generate(accountID)
	if err != nil {
		h.logger.Error("issuing session token failed",
			slog.Int64("accountID", accountID),
			slog.String("error", err.Error()),
		)
		return
	}

	// HttpOnly: JavaScript cannot read the session token.
	// SameSite=Lax: sent on top-level navigations, not cross-site POSTs.
	// Secure should be enabled behind HTTPS in production.
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    tokenStr,
		Path:     "/",
		MaxAge:   int(auth.SessionTokenTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// setFlowCookie stores a single-use OAuth flow value for ten minutes — long
// enough for the user to approve the authorization, short enough to limit
// replay.
func setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
