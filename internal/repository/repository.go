// Package repository defines the storage interfaces the service layer
// depends on. The sqlite subpackage provides the real implementation; tests
// may substitute fakes.
//
// CONVENTION — Find vs Get:
// Find* methods implement the engine's zero-or-one lookups and return
// (nil, nil) when no row matches; the resolution matrix branches on nil.
// Get* methods are point reads of rows expected to exist and return
// apperror.ErrNotFound when they don't.
package repository

import (
	"context"

	"github.com/toolhub/toolhub/internal/model"
)

// AccountRepository manages account rows.
type AccountRepository interface {
	// Create inserts the account and populates ID/CreatedAt/UpdatedAt.
	// Losing the username uniqueness race yields apperror.ErrDuplicateUsername.
	Create(ctx context.Context, account *model.Account) error
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetByUsername(ctx context.Context, username string) (*model.Account, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	Rename(ctx context.Context, id int64, newUsername string) error
	SetPasswordHash(ctx context.Context, id int64, hash string) error
	// SetBanned flips the moderation flag. Banned accounts fail every
	// authentication and lifecycle operation.
	SetBanned(ctx context.Context, id int64, banned bool) error
	Delete(ctx context.Context, id int64) error
}

// CredentialRepository is the identity store: the persistent mapping from
// (account, provider) to a credential, plus the reverse lookups the
// resolution engine queries.
type CredentialRepository interface {
	FindByAccountAndProvider(ctx context.Context, accountID int64, provider model.Provider) (*model.Credential, error)
	FindAccountByExternalID(ctx context.Context, provider model.Provider, externalID string) (*model.Account, error)
	// FindAccountByProviderEmail is a secondary, best-effort match only —
	// emails are not stable identity.
	FindAccountByProviderEmail(ctx context.Context, provider model.Provider, email string) (*model.Account, error)
	GetByID(ctx context.Context, id string) (*model.Credential, error)
	// Upsert is idempotent on (AccountID, Provider): it inserts on first link
	// and overwrites external id, email and content in place on relink.
	Upsert(ctx context.Context, cred *model.Credential) error
	Delete(ctx context.Context, id string) error
	DeleteAllForAccount(ctx context.Context, accountID int64) error
	ListForAccount(ctx context.Context, accountID int64) ([]model.Credential, error)
	CountForAccount(ctx context.Context, accountID int64) (int, error)
}

// EntryRepository is the catalog collaborator surface: the identity
// subsystem only asks whether an account has published entries and sweeps
// its unpublished ones on self-destruct.
type EntryRepository interface {
	Create(ctx context.Context, entry *model.Entry) error
	ListForAccount(ctx context.Context, accountID int64) ([]model.Entry, error)
	HasPublished(ctx context.Context, accountID int64) (bool, error)
	DeleteUnpublishedForAccount(ctx context.Context, accountID int64) error
}

// OrganizationRepository is the membership collaborator: membership in any
// organization locks the account's username.
type OrganizationRepository interface {
	AddMember(ctx context.Context, organization string, accountID int64) error
	CountForAccount(ctx context.Context, accountID int64) (int, error)
}

// Store bundles the repositories with a transaction scope.
//
// InTx runs fn with a Store whose repositories are all bound to one database
// transaction; fn returning an error rolls everything back. Calling InTx on a
// Store that is already transactional joins the ambient transaction rather
// than nesting. Every engine operation (login, register, link, rename,
// self-destruct) runs inside exactly one InTx scope, which is what makes the
// uniqueness-check-then-write sequences of the resolution matrix atomic.
type Store interface {
	Accounts() AccountRepository
	Credentials() CredentialRepository
	Entries() EntryRepository
	Organizations() OrganizationRepository
	InTx(ctx context.Context, fn func(Store) error) error
}
