package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/model"
	"github.com/toolhub/toolhub/internal/repository"
)

// compile-time check that *CredentialStore implements the identity store
var _ repository.CredentialRepository = (*CredentialStore)(nil)

// CredentialStore is the identity store: one row per linked provider per
// account. All Find* lookups are by unique key and return (nil, nil) when no
// row matches — the resolution engine branches on the nil, not on an error.
type CredentialStore struct {
	q querier
}

const credentialColumns = `id, account_id, provider, external_id, email, content, created_at, updated_at`

// FindByAccountAndProvider returns the account's credential for the given
// provider, or (nil, nil) if the account has never linked it.
func (s *CredentialStore) FindByAccountAndProvider(ctx context.Context, accountID int64, provider model.Provider) (*model.Credential, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE account_id = ? AND provider = ?`,
		accountID, string(provider),
	)
	return scanCredential(row)
}

// FindAccountByExternalID resolves (provider, external id) to the owning
// account, or (nil, nil) if that external identity has never been linked.
// This is the primary lookup of the resolution matrix.
func (s *CredentialStore) FindAccountByExternalID(ctx context.Context, provider model.Provider, externalID string) (*model.Account, error) {
	return s.findAccount(ctx,
		`SELECT a.id, a.username, a.is_admin, a.is_banned, a.password_hash, a.created_at, a.updated_at
		 FROM accounts a JOIN credentials c ON c.account_id = a.id
		 WHERE c.provider = ? AND c.external_id = ?`,
		string(provider), externalID,
	)
}

// FindAccountByProviderEmail resolves (provider, cached email) to an owning
// account. Secondary, best-effort match only: emails are not stable identity,
// so the engine uses this solely as the duplicate-registration guard.
func (s *CredentialStore) FindAccountByProviderEmail(ctx context.Context, provider model.Provider, email string) (*model.Account, error) {
	if email == "" {
		return nil, nil
	}
	return s.findAccount(ctx,
		`SELECT a.id, a.username, a.is_admin, a.is_banned, a.password_hash, a.created_at, a.updated_at
		 FROM accounts a JOIN credentials c ON c.account_id = a.id
		 WHERE c.provider = ? AND c.email = ?
		 LIMIT 1`,
		string(provider), email,
	)
}

// GetByID retrieves a credential by its ID. Unlike the Find* lookups this is
// a point read of a row expected to exist: absence is ErrNotFound.
func (s *CredentialStore) GetByID(ctx context.Context, id string) (*model.Credential, error) {
	cred, err := scanCredential(s.q.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id,
	))
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, apperror.NotFound("credential", id)
	}
	return cred, nil
}

// Upsert inserts or refreshes the credential for (AccountID, Provider).
//
// Idempotent on that pair: a relink keeps the existing row's ID and
// CreatedAt and overwrites external id, email and content in place. The
// UNIQUE (provider, external_id) index still applies on both paths — an
// attempt to claim an identity held by a different account comes back as a
// classified conflict for the engine to translate.
func (s *CredentialStore) Upsert(ctx context.Context, cred *model.Credential) error {
	now := time.Now().UTC()

	existing, err := s.FindByAccountAndProvider(ctx, cred.AccountID, cred.Provider)
	if err != nil {
		return err
	}

	if existing != nil {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
		cred.UpdatedAt = now
		_, err = s.q.ExecContext(ctx,
			`UPDATE credentials SET external_id = ?, email = ?, content = ?, updated_at = ?
			 WHERE id = ?`,
			cred.ExternalID, cred.Email, cred.Content, cred.UpdatedAt, cred.ID,
		)
		if err != nil {
			return mapConstraintErr(fmt.Errorf("sqlite: refreshing credential %s: %w", cred.ID, err))
		}
		return nil
	}

	cred.ID = xid.New().String()
	cred.CreatedAt = now
	cred.UpdatedAt = now
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO credentials (id, account_id, provider, external_id, email, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.AccountID, string(cred.Provider), cred.ExternalID,
		cred.Email, cred.Content, cred.CreatedAt, cred.UpdatedAt,
	)
	if err != nil {
		return mapConstraintErr(fmt.Errorf("sqlite: inserting credential for account %d: %w", cred.AccountID, err))
	}
	return nil
}

// Delete removes a single credential (revoke).
func (s *CredentialStore) Delete(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting credential %s: %w", id, err)
	}
	return requireRowAffected(res, "credential", id)
}

// DeleteAllForAccount removes every credential the account holds. Used by
// self-destruct; deleting zero rows is not an error here.
func (s *CredentialStore) DeleteAllForAccount(ctx context.Context, accountID int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM credentials WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("sqlite: deleting credentials for account %d: %w", accountID, err)
	}
	return nil
}

// ListForAccount returns all of the account's credentials, native first.
func (s *CredentialStore) ListForAccount(ctx context.Context, accountID int64) ([]model.Credential, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE account_id = ? ORDER BY provider`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing credentials for account %d: %w", accountID, err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		var c model.Credential
		var provider string
		if err := rows.Scan(&c.ID, &c.AccountID, &provider, &c.ExternalID,
			&c.Email, &c.Content, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning credential row: %w", err)
		}
		c.Provider = model.Provider(provider)
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// CountForAccount returns the number of credentials the account holds.
// Unlink uses this to refuse removing the last one.
func (s *CredentialStore) CountForAccount(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE account_id = ?`, accountID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting credentials for account %d: %w", accountID, err)
	}
	return n, nil
}

func (s *CredentialStore) findAccount(ctx context.Context, query string, args ...any) (*model.Account, error) {
	var a model.Account
	err := s.q.QueryRowContext(ctx, query, args...).Scan(
		&a.ID, &a.Username, &a.IsAdmin, &a.IsBanned, &a.PasswordHash,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: resolving account by credential: %w", err)
	}
	return &a, nil
}

func scanCredential(row *sql.Row) (*model.Credential, error) {
	var c model.Credential
	var provider string
	err := row.Scan(&c.ID, &c.AccountID, &provider, &c.ExternalID,
		&c.Email, &c.Content, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: scanning credential: %w", err)
	}
	c.Provider = model.Provider(provider)
	return &c, nil
}
