package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/model"
	"github.com/toolhub/toolhub/internal/repository"
)

// compile-time check that *AccountStore implements repository.AccountRepository
var _ repository.AccountRepository = (*AccountStore)(nil)

// AccountStore persists accounts. The numeric primary key is assigned by
// SQLite on insert and is immutable for the life of the row.
type AccountStore struct {
	q querier
}

// Create inserts the account and populates ID and timestamps in place.
// A username collision (UNIQUE constraint) is returned as
// apperror.ErrDuplicateUsername so the engine can retry with a re-allocated
// name.
func (s *AccountStore) Create(ctx context.Context, account *model.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO accounts (username, is_admin, is_banned, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account.Username,
		account.IsAdmin,
		account.IsBanned,
		account.PasswordHash,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return mapConstraintErr(fmt.Errorf("sqlite: inserting account %q: %w", account.Username, err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading new account id: %w", err)
	}
	account.ID = id
	return nil
}

// GetByID retrieves an account by its internal ID.
// Returns apperror.ErrNotFound if no account exists with that ID.
func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	return s.scanOne(s.q.QueryRowContext(ctx,
		`SELECT id, username, is_admin, is_banned, password_hash, created_at, updated_at
		 FROM accounts WHERE id = ?`, id),
		strconv.FormatInt(id, 10))
}

// GetByUsername retrieves an account by its (unique) username.
func (s *AccountStore) GetByUsername(ctx context.Context, username string) (*model.Account, error) {
	return s.scanOne(s.q.QueryRowContext(ctx,
		`SELECT id, username, is_admin, is_banned, password_hash, created_at, updated_at
		 FROM accounts WHERE username = ?`, username),
		username)
}

// UsernameTaken reports whether any account currently holds the username.
func (s *AccountStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE username = ?`, username,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking username %q: %w", username, err)
	}
	return n > 0, nil
}

// Rename changes the account's username. A collision with another account's
// username maps to ErrDuplicateUsername.
func (s *AccountStore) Rename(ctx context.Context, id int64, newUsername string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE accounts SET username = ?, updated_at = ? WHERE id = ?`,
		newUsername, time.Now().UTC(), id,
	)
	if err != nil {
		return mapConstraintErr(fmt.Errorf("sqlite: renaming account %d: %w", id, err))
	}
	return requireRowAffected(res, "account", strconv.FormatInt(id, 10))
}

// SetPasswordHash stores a bcrypt hash for native password login.
func (s *AccountStore) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: setting password hash for account %d: %w", id, err)
	}
	return requireRowAffected(res, "account", strconv.FormatInt(id, 10))
}

// SetBanned flips the account's moderation flag.
func (s *AccountStore) SetBanned(ctx context.Context, id int64, banned bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE accounts SET is_banned = ?, updated_at = ? WHERE id = ?`,
		banned, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: setting ban flag for account %d: %w", id, err)
	}
	return requireRowAffected(res, "account", strconv.FormatInt(id, 10))
}

// Delete removes the account row. Credentials go with it via ON DELETE
// CASCADE; callers are expected to have handled catalog entries first.
func (s *AccountStore) Delete(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting account %d: %w", id, err)
	}
	return requireRowAffected(res, "account", strconv.FormatInt(id, 10))
}

func (s *AccountStore) scanOne(row *sql.Row, key string) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID,
		&a.Username,
		&a.IsAdmin,
		&a.IsBanned,
		&a.PasswordHash,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("account", key)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", key, err)
	}
	return &a, nil
}

// requireRowAffected turns a zero-row UPDATE/DELETE into a NotFound error.
func requireRowAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: reading rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}
