// Package service — the account resolution engine and lifecycle rules.
//
// The engine sits between the HTTP handlers and the stores:
//
//	AuthHandler (HTTP) → Engine (resolution matrix) → repository.Store (DB)
//	                   ↘ Lifecycle (create/rename/destroy)
//
// Every operation takes its authenticated-account context (or absence
// thereof) as an explicit argument — there is no process-wide "current
// session" state — and runs inside a single store transaction, so a
// rejection never leaves a partial account or credential behind.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/model"
	"github.com/toolhub/toolhub/internal/repository"
)

// duplicateUsernameRetries bounds the internal re-allocation loop when an
// account insert loses the username uniqueness race. The retry is invisible
// to callers; only exhausting it surfaces an error.
const duplicateUsernameRetries = 3

// Principal is the outcome of a successful authentication: the resolved
// account plus the credential touched by the request. The account's current
// username is authoritative; the credential's cached email is a snapshot of
// the provider's claim, informational only.
type Principal struct {
	Account    *model.Account
	Credential *model.Credential
}

// Engine decides, for every external login/registration/link event, which
// account the request authenticates as, whether a new account may be
// created, and whether an identity may be attached — enforcing that a
// (provider, external id) pair never belongs to two accounts and that
// linking never silently hijacks another account's identity.
type Engine struct {
	store     repository.Store
	lifecycle *Lifecycle
	logger    *slog.Logger
}

// NewEngine creates an Engine. The Lifecycle performs the actual account
// creation when registration needs a brand-new account.
func NewEngine(store repository.Store, lifecycle *Lifecycle, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// Login authenticates an external profile against an existing link.
//
// The only accepted match is the primary one: (provider, external id)
// resolves to an account. Email overlap alone never authenticates — a
// profile whose external id has never been registered fails with
// ErrNoMatchingAccount regardless of matching emails, and the caller is
// expected to use the register flow explicitly.
func (e *Engine) Login(ctx context.Context, profile *model.ExternalProfile) (*Principal, error) {
	return e.resolve(ctx, profile, false)
}

// Register authenticates an external profile, creating a new account if the
// identity is unknown.
//
// Known external id → behaves exactly like Login (idempotent re-register).
// Unknown external id whose provider email is already in active use for that
// provider → ErrAccountAlreadyExists (defends against double-registration
// races). Otherwise a new account is created with an allocated username, the
// provider credential, and a freshly minted NATIVE credential — all in one
// transaction.
func (e *Engine) Register(ctx context.Context, profile *model.ExternalProfile) (*Principal, error) {
	return e.resolve(ctx, profile, true)
}

func (e *Engine) resolve(ctx context.Context, profile *model.ExternalProfile, createIfMissing bool) (*Principal, error) {
	if err := checkProfile(profile); err != nil {
		return nil, err
	}

	var principal *Principal
	err := e.store.InTx(ctx, func(s repository.Store) error {
		account, err := s.Credentials().FindAccountByExternalID(ctx, profile.Provider, profile.ExternalID)
		if err != nil {
			return err
		}

		// Common-case login: the external identity is already linked.
		// Refresh the credential's cached email and content in place.
		if account != nil {
			if account.IsBanned {
				return apperror.Forbidden("account is banned")
			}
			cred := credentialFromProfile(account.ID, profile)
			if err := s.Credentials().Upsert(ctx, cred); err != nil {
				return err
			}
			principal = &Principal{Account: account, Credential: cred}
			return nil
		}

		if !createIfMissing {
			return apperror.New(apperror.ErrNoMatchingAccount,
				"no account is registered for this %s identity", profile.Provider)
		}

		// Best-effort duplicate-registration guard: an unknown external id
		// whose email is already cached for this provider must not silently
		// spawn a second account.
		if existing, err := s.Credentials().FindAccountByProviderEmail(ctx, profile.Provider, profile.Email); err != nil {
			return err
		} else if existing != nil {
			return apperror.New(apperror.ErrAccountAlreadyExists,
				"an account already exists for %s email %s", profile.Provider, profile.Email)
		}

		principal, err = e.createForProfile(ctx, s, profile)
		return err
	})
	if err != nil {
		// A constraint race on the credential indexes means another request
		// claimed this identity between our read and our write. For this
		// entry point that is the registration-duplicate outcome.
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.New(apperror.ErrAccountAlreadyExists,
				"an account already exists for this %s identity", profile.Provider)
		}
		return nil, err
	}

	e.logger.Info("external identity resolved",
		slog.Int64("accountID", principal.Account.ID),
		slog.String("username", principal.Account.Username),
		slog.String("provider", string(profile.Provider)),
	)
	return principal, nil
}

// createForProfile creates a brand-new account for the profile inside the
// ambient transaction, retrying with a re-allocated username if another
// request claims the same name first.
func (e *Engine) createForProfile(ctx context.Context, s repository.Store, profile *model.ExternalProfile) (*Principal, error) {
	var lastErr error
	for attempt := 0; attempt < duplicateUsernameRetries; attempt++ {
		username, err := allocateUsername(ctx, s.Accounts(), profile)
		if err != nil {
			return nil, err
		}

		principal, err := e.lifecycle.createAccount(ctx, s, username, nil, profile)
		if err == nil {
			return principal, nil
		}
		if !errors.Is(err, apperror.ErrDuplicateUsername) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Link attaches an external identity to an already-authenticated account.
//
// Decision order, all inside one transaction:
//  1. the acting account already holds a credential for this provider —
//     overwrite it in place (idempotent re-link to self)
//  2. a different account owns (provider, external id) —
//     ErrIdentityAlreadyLinked, nothing mutated
//  3. otherwise create the credential bound to the acting account
func (e *Engine) Link(ctx context.Context, actingAccountID int64, profile *model.ExternalProfile) (*model.Credential, error) {
	if err := checkProfile(profile); err != nil {
		return nil, err
	}

	var linked *model.Credential
	err := e.store.InTx(ctx, func(s repository.Store) error {
		acting, err := s.Accounts().GetByID(ctx, actingAccountID)
		if err != nil {
			return err
		}
		if acting.IsBanned {
			return apperror.Forbidden("account is banned")
		}

		own, err := s.Credentials().FindByAccountAndProvider(ctx, acting.ID, profile.Provider)
		if err != nil {
			return err
		}

		if own == nil {
			owner, err := s.Credentials().FindAccountByExternalID(ctx, profile.Provider, profile.ExternalID)
			if err != nil {
				return err
			}
			if owner != nil && owner.ID != acting.ID {
				return apperror.New(apperror.ErrIdentityAlreadyLinked,
					"this %s identity is already linked to another account", profile.Provider)
			}
		}

		// Overwrite-or-insert; the (provider, external_id) UNIQUE index
		// still backstops the ownership check against racing linkers.
		linked = credentialFromProfile(acting.ID, profile)
		return s.Credentials().Upsert(ctx, linked)
	})
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.New(apperror.ErrIdentityAlreadyLinked,
				"this %s identity is already linked to another account", profile.Provider)
		}
		return nil, err
	}

	e.logger.Info("identity linked",
		slog.Int64("accountID", actingAccountID),
		slog.String("provider", string(profile.Provider)),
	)
	return linked, nil
}

// credentialFromProfile builds the credential row a profile maps to. The
// provider access token becomes the opaque content; it is stored, never
// logged.
func credentialFromProfile(accountID int64, profile *model.ExternalProfile) *model.Credential {
	return &model.Credential{
		AccountID:  accountID,
		Provider:   profile.Provider,
		ExternalID: profile.ExternalID,
		Email:      profile.Email,
		Content:    profile.Token,
	}
}

func checkProfile(profile *model.ExternalProfile) error {
	if profile == nil {
		return apperror.New(apperror.ErrExternalAuth, "external profile must not be nil")
	}
	if !profile.Provider.External() {
		return apperror.New(apperror.ErrExternalAuth, "provider %q is not an external provider", profile.Provider)
	}
	if profile.ExternalID == "" {
		return apperror.New(apperror.ErrExternalAuth, "external profile has no stable id")
	}
	return nil
}
