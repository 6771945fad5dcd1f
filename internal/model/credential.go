package model

import "time"

// Provider identifies the authentication source a credential belongs to.
//
// This is a closed enumeration: the resolution engine's decision matrix is
// defined exhaustively over provider-independent behaviour, so adding a
// provider means adding a constant here (and a profile resolver in
// internal/auth) — never a new engine branch.
type Provider string

const (
	ProviderNative Provider = "native" // the catalog's own password/session identity
	ProviderGitHub Provider = "github"
	ProviderGoogle Provider = "google"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderNative, ProviderGitHub, ProviderGoogle:
		return true
	}
	return false
}

// External reports whether p is an external OAuth provider (not native).
func (p Provider) External() bool {
	return p == ProviderGitHub || p == ProviderGoogle
}

// Credential links exactly one Account to exactly one Provider.
//
// Two uniqueness rules hold at all times, both enforced by UNIQUE indexes in
// the store on top of the engine's in-transaction checks:
//   - at most one Credential per (AccountID, Provider) — relinking overwrites
//     in place, it never duplicates
//   - a given (Provider, ExternalID) belongs to at most one Account
//     system-wide
//
// Content is the opaque bearer secret for this link (for the native provider,
// the long-lived API token). It must never appear in logs or API responses;
// it is excluded from JSON serialization entirely.
type Credential struct {
	ID         string    `json:"id"         db:"id"`
	AccountID  int64     `json:"accountId"  db:"account_id"`
	Provider   Provider  `json:"provider"   db:"provider"`
	ExternalID string    `json:"externalId" db:"external_id"` // provider-assigned, stable
	Email      string    `json:"email"      db:"email"`       // provider email at link time (informational)
	Content    string    `json:"-"          db:"content"`     // bearer secret, never serialized
	CreatedAt  time.Time `json:"createdAt"  db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt"  db:"updated_at"`
}

// ExternalProfile is the verified identity payload produced by an OAuth
// provider's callback. It is ephemeral — consumed once per request, never
// persisted.
type ExternalProfile struct {
	Provider    Provider
	ExternalID  string // provider-scoped stable user id
	Email       string // may be empty if the user hides it
	DisplayName string
	AvatarURL   string
	Token       string // provider access token, stored as the credential content
}
