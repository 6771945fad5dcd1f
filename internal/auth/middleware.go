package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// contextKey is an unexported type used for context keys in this package.
// Only this package can create a key of this type, so no other package can
// read or shadow the account id stored in the request context.
type contextKey string

const accountIDKey contextKey = "accountID"

// BearerSource checks a presented bearer token against the account's stored
// NATIVE credential. Bearer tokens are revocable: destroying the account or
// unlinking the NATIVE credential must stop the token from authenticating
// long before its signed expiry, so a signature check alone is not enough.
type BearerSource interface {
	NativeTokenValid(ctx context.Context, accountID int64, token string) (bool, error)
}

// RequireAuth enforces authentication on protected routes.
//
// It accepts either the "token" HttpOnly session cookie (browser sessions)
// or an "Authorization: Bearer" header carrying a NATIVE credential's token
// (API clients), validates the JWT, and stores the account id in the request
// context. Bearer tokens are additionally checked against the live NATIVE
// credential via bearers. Missing, invalid or revoked tokens end the request
// with 401.
func RequireAuth(tokens *TokenService, bearers BearerSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := extractAccountID(r, tokens, bearers)
			if err != nil {
				http.Error(w, `{"error":"unauthorized","message":"valid authentication required"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), accountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth extracts the account identity if a valid token is present but
// does not block the request otherwise. The OAuth callback route uses this:
// an authenticated request there is a link operation, an anonymous one is a
// login or registration.
func OptionalAuth(tokens *TokenService, bearers BearerSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if accountID, err := extractAccountID(r, tokens, bearers); err == nil && accountID > 0 {
				ctx := context.WithValue(r.Context(), accountIDKey, accountID)
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccountIDFromContext retrieves the authenticated account's id from the
// request context. Returns (0, false) if the request is anonymous.
func AccountIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(accountIDKey).(int64)
	return id, ok && id > 0
}

// extractAccountID reads the bearer header or session cookie and validates
// the token. Shared by RequireAuth and OptionalAuth.
//
// The bearer path is stateful on purpose: the JWT signature proves the token
// was minted here, but only the credential row proves it is still live.
// The session cookie stays stateless — it is short-lived and cleared on
// logout and self-destruct.
func extractAccountID(r *http.Request, tokens *TokenService, bearers BearerSource) (int64, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			tok = strings.TrimSpace(tok)
			accountID, err := tokens.Validate(tok)
			if err != nil {
				return 0, err
			}
			live, err := bearers.NativeTokenValid(r.Context(), accountID, tok)
			if err != nil {
				return 0, err
			}
			if !live {
				return 0, errors.New("auth: bearer token has been revoked")
			}
			return accountID, nil
		}
	}

	cookie, err := r.Cookie("token")
	if err != nil {
		return 0, err
	}
	return tokens.Validate(cookie.Value)
}
