// Package auth provides the identity plumbing around the resolution engine:
// OAuth profile resolvers, JWT session/bearer tokens, password hashing, and
// the HTTP authentication middleware.
//
// TOKEN MODEL:
// Two kinds of JWT are minted from the same secret:
//   - a short-lived session token, set as an HttpOnly cookie after a
//     successful login (browser sessions)
//   - a long-lived bearer token stored as the content of every account's
//     NATIVE credential — what ordinary API calls authenticate against
//
// Both carry the account id in the "sub" claim and verify statelessly: the
// signature plus expiry check needs no database lookup.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "toolhub"

// SessionTokenTTL is the lifetime of the cookie session token.
const SessionTokenTTL = 15 * time.Minute

// NativeTokenTTL is the lifetime of the NATIVE credential's bearer content.
// The credential is refreshed (new token minted) on every successful login.
const NativeTokenTTL = 30 * 24 * time.Hour

// TokenService handles JWT creation and validation. It holds the HMAC secret
// used to sign and verify tokens; the same secret serves both operations.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given secret.
// The secret should be at least 32 bytes of random data in production.
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// claims embeds jwt.RegisteredClaims; the account id lives in "sub".
type claims struct {
	jwt.RegisteredClaims
}

// Generate creates and signs a session token for the given account.
func (s *TokenService) Generate(accountID int64) (string, error) {
	return s.GenerateWithDuration(accountID, SessionTokenTTL)
}

// GenerateWithDuration creates a token with a custom expiry. Used for the
// NATIVE credential's long-lived bearer content and in tests.
func (s *TokenService) GenerateWithDuration(accountID int64, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(accountID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a JWT string and returns the account id from
// the "sub" claim.
//
// The jwt library checks the signature, expiry and issuer; pinning the
// accepted algorithms to HS256 via WithValidMethods prevents algorithm
// confusion attacks.
func (s *TokenService) Validate(tokenStr string) (int64, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, fmt.Errorf("auth: token expired")
		}
		return 0, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("auth: invalid token claims")
	}

	accountID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || accountID <= 0 {
		return 0, fmt.Errorf("auth: token subject is not an account id")
	}

	return accountID, nil
}
