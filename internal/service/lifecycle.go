package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/auth"
	"github.com/toolhub/toolhub/internal/model"
	"github.com/toolhub/toolhub/internal/repository"
)

// Lifecycle orchestrates account creation, username changes and
// self-destruct. Accounts are created and destroyed only through this type;
// the engine delegates here whenever registration needs a new account.
//
// State machine per account: NONEXISTENT → ACTIVE → (username locked while
// an organization member) → DESTROYED. DESTROYED is terminal for the row,
// but a later account may re-claim the same external identities once the old
// credentials are gone.
type Lifecycle struct {
	store     repository.Store
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
}

func NewLifecycle(
	store repository.Store,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *Lifecycle {
	return &Lifecycle{
		store:     store,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

// Lifecycle implements auth.BearerSource: the middleware asks it whether a
// presented bearer token is still backed by a live NATIVE credential.
var _ auth.BearerSource = (*Lifecycle)(nil)

// NativeTokenValid reports whether token is the current content of the
// account's NATIVE credential. A destroyed account (no rows), an unlinked
// NATIVE credential, or a token superseded by a later login all read as
// invalid — revocation takes effect immediately, not at JWT expiry.
func (l *Lifecycle) NativeTokenValid(ctx context.Context, accountID int64, token string) (bool, error) {
	cred, err := l.store.Credentials().FindByAccountAndProvider(ctx, accountID, model.ProviderNative)
	if err != nil {
		return false, err
	}
	return cred != nil && cred.Content == token, nil
}

// createAccount inserts the account and its initial credentials inside the
// caller's ambient transaction.
//
// Every account leaves here with a NATIVE credential — the bearer token
// ordinary API calls authenticate against — even when it originated from an
// external login. profile may be nil for native registration.
//
// A lost username uniqueness race returns ErrDuplicateUsername for the
// caller to retry; it is never meant to reach the request boundary.
func (l *Lifecycle) createAccount(
	ctx context.Context,
	s repository.Store,
	username string,
	passwordHash *string,
	profile *model.ExternalProfile,
) (*Principal, error) {
	account := &model.Account{
		Username:     username,
		PasswordHash: passwordHash,
	}
	if err := s.Accounts().Create(ctx, account); err != nil {
		return nil, err
	}

	native, err := l.mintNativeCredential(ctx, s, account)
	if err != nil {
		return nil, err
	}

	principal := &Principal{Account: account, Credential: native}
	if profile != nil {
		cred := credentialFromProfile(account.ID, profile)
		if err := s.Credentials().Upsert(ctx, cred); err != nil {
			return nil, err
		}
		principal.Credential = cred
	}

	l.logger.Info("account created",
		slog.Int64("accountID", account.ID),
		slog.String("username", account.Username),
	)
	return principal, nil
}

// mintNativeCredential creates or refreshes the account's NATIVE credential
// with a newly issued long-lived bearer token. The native external id is the
// account id itself — stable across renames.
func (l *Lifecycle) mintNativeCredential(ctx context.Context, s repository.Store, account *model.Account) (*model.Credential, error) {
	token, err := l.tokens.GenerateWithDuration(account.ID, auth.NativeTokenTTL)
	if err != nil {
		return nil, err
	}

	cred := &model.Credential{
		AccountID:  account.ID,
		Provider:   model.ProviderNative,
		ExternalID: strconv.FormatInt(account.ID, 10),
		Content:    token,
	}
	if err := s.Credentials().Upsert(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// RegisterNative creates an account from a chosen username and password.
// Unlike external registration the username is caller-picked, so collisions
// surface as ErrUsernameUnavailable instead of being retried.
func (l *Lifecycle) RegisterNative(ctx context.Context, username, password string) (*Principal, error) {
	if err := validateUsernameFormat(username); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperror.ValidationFailed("password", "password must not be empty")
	}

	hash, err := l.passwords.Hash(password)
	if err != nil {
		return nil, apperror.ValidationFailed("password", err.Error())
	}

	var principal *Principal
	err = l.store.InTx(ctx, func(s repository.Store) error {
		taken, err := s.Accounts().UsernameTaken(ctx, username)
		if err != nil {
			return err
		}
		if taken {
			return apperror.New(apperror.ErrUsernameUnavailable, "username %q is already taken", username)
		}
		principal, err = l.createAccount(ctx, s, username, &hash, nil)
		return err
	})
	if err != nil {
		if errors.Is(err, apperror.ErrDuplicateUsername) {
			return nil, apperror.New(apperror.ErrUsernameUnavailable, "username %q is already taken", username)
		}
		return nil, err
	}
	return principal, nil
}

// LoginNative authenticates a username/password pair and refreshes the
// account's NATIVE credential with a new bearer token.
func (l *Lifecycle) LoginNative(ctx context.Context, username, password string) (*Principal, error) {
	var principal *Principal
	err := l.store.InTx(ctx, func(s repository.Store) error {
		account, err := s.Accounts().GetByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return apperror.New(apperror.ErrNoMatchingAccount, "invalid username or password")
			}
			return err
		}
		if account.IsBanned {
			return apperror.Forbidden("account is banned")
		}
		if account.PasswordHash == nil {
			// externally created account that never set a password
			return apperror.New(apperror.ErrNoMatchingAccount, "invalid username or password")
		}
		if err := l.passwords.Verify(*account.PasswordHash, password); err != nil {
			return apperror.New(apperror.ErrNoMatchingAccount, "invalid username or password")
		}

		native, err := l.mintNativeCredential(ctx, s, account)
		if err != nil {
			return err
		}
		principal = &Principal{Account: account, Credential: native}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return principal, nil
}

// ChangeUsername renames an account.
//
// Gates, checked in order inside one transaction: format (ErrInvalidUsername),
// account exists, not banned and not an organization member
// (ErrUsernameChangeForbidden), name free (ErrUsernameUnavailable).
// Credentials are untouched by a rename.
func (l *Lifecycle) ChangeUsername(ctx context.Context, accountID int64, newUsername string) (*model.Account, error) {
	if err := validateUsernameFormat(newUsername); err != nil {
		return nil, err
	}

	var renamed *model.Account
	err := l.store.InTx(ctx, func(s repository.Store) error {
		account, err := s.Accounts().GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account.IsBanned {
			return apperror.New(apperror.ErrUsernameChangeForbidden, "banned accounts cannot change username")
		}

		orgs, err := s.Organizations().CountForAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if orgs > 0 {
			return apperror.New(apperror.ErrUsernameChangeForbidden,
				"username is locked while the account belongs to an organization")
		}

		if account.Username != newUsername {
			taken, err := s.Accounts().UsernameTaken(ctx, newUsername)
			if err != nil {
				return err
			}
			if taken {
				return apperror.New(apperror.ErrUsernameUnavailable, "username %q is already taken", newUsername)
			}
			if err := s.Accounts().Rename(ctx, accountID, newUsername); err != nil {
				if errors.Is(err, apperror.ErrDuplicateUsername) {
					return apperror.New(apperror.ErrUsernameUnavailable, "username %q is already taken", newUsername)
				}
				return err
			}
			account.Username = newUsername
		}
		renamed = account
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("account renamed",
		slog.Int64("accountID", accountID),
		slog.String("username", newUsername),
	)
	return renamed, nil
}

// SelfDestruct permanently deletes an account and its dependents.
//
// The published-content precondition is validated inside the same
// transaction as the deletes (validate-then-commit), closing the race where
// an entry is published between a pre-check and the delete. On success the
// account's external identities behave as if they were never registered.
func (l *Lifecycle) SelfDestruct(ctx context.Context, accountID int64) error {
	err := l.store.InTx(ctx, func(s repository.Store) error {
		if _, err := s.Accounts().GetByID(ctx, accountID); err != nil {
			return err
		}

		published, err := s.Entries().HasPublished(ctx, accountID)
		if err != nil {
			return err
		}
		if published {
			return apperror.New(apperror.ErrHasPublishedContent,
				"account owns published entries; unpublish or transfer them first")
		}

		if err := s.Entries().DeleteUnpublishedForAccount(ctx, accountID); err != nil {
			return err
		}
		if err := s.Credentials().DeleteAllForAccount(ctx, accountID); err != nil {
			return err
		}
		return s.Accounts().Delete(ctx, accountID)
	})
	if err != nil {
		return err
	}

	l.logger.Info("account destroyed", slog.Int64("accountID", accountID))
	return nil
}

// Unlink revokes a single credential.
//
// Refuses to remove the account's last remaining credential — that would
// orphan the account with no way to authenticate. A credential owned by a
// different account reads as not-found rather than forbidden, so the
// endpoint does not confirm foreign credential ids exist.
func (l *Lifecycle) Unlink(ctx context.Context, accountID int64, credentialID string) error {
	return l.store.InTx(ctx, func(s repository.Store) error {
		cred, err := s.Credentials().GetByID(ctx, credentialID)
		if err != nil {
			return err
		}
		if cred.AccountID != accountID {
			return apperror.NotFound("credential", credentialID)
		}

		count, err := s.Credentials().CountForAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if count <= 1 {
			return apperror.New(apperror.ErrLastCredential,
				"cannot remove the account's only credential")
		}

		return s.Credentials().Delete(ctx, credentialID)
	})
}
