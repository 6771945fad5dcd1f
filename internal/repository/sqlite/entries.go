package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/toolhub/toolhub/internal/model"
	"github.com/toolhub/toolhub/internal/repository"
)

var _ repository.EntryRepository = (*EntryStore)(nil)

// EntryStore persists catalog entries. The identity subsystem treats this as
// its catalog collaborator: the published check gates self-destruct, and the
// unpublished sweep runs inside the same transaction as the account delete.
type EntryStore struct {
	q querier
}

func (s *EntryStore) Create(ctx context.Context, entry *model.Entry) error {
	entry.ID = xid.New().String()
	entry.CreatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO entries (id, account_id, name, published, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.AccountID, entry.Name, entry.Published, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting entry %q: %w", entry.Name, err)
	}
	return nil
}

func (s *EntryStore) ListForAccount(ctx context.Context, accountID int64) ([]model.Entry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, account_id, name, published, created_at
		 FROM entries WHERE account_id = ? ORDER BY created_at`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing entries for account %d: %w", accountID, err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Name, &e.Published, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning entry row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasPublished reports whether the account owns at least one published entry.
// Self-destruct re-checks this inside its deleting transaction, which closes
// the race where an entry is published between a pre-check and the delete.
func (s *EntryStore) HasPublished(ctx context.Context, accountID int64) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE account_id = ? AND published = 1`,
		accountID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking published entries for account %d: %w", accountID, err)
	}
	return n > 0, nil
}

func (s *EntryStore) DeleteUnpublishedForAccount(ctx context.Context, accountID int64) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM entries WHERE account_id = ? AND published = 0`, accountID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting unpublished entries for account %d: %w", accountID, err)
	}
	return nil
}
