package sqlite

import (
	"context"
	"fmt"

	"github.com/toolhub/toolhub/internal/repository"
)

var _ repository.OrganizationRepository = (*OrganizationStore)(nil)

// OrganizationStore tracks organization membership. The identity subsystem
// only needs the membership count: any membership locks the username.
type OrganizationStore struct {
	q querier
}

func (s *OrganizationStore) AddMember(ctx context.Context, organization string, accountID int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO organization_members (organization, account_id) VALUES (?, ?)`,
		organization, accountID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: adding account %d to organization %q: %w", accountID, organization, err)
	}
	return nil
}

func (s *OrganizationStore) CountForAccount(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM organization_members WHERE account_id = ?`, accountID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting organizations for account %d: %w", accountID, err)
	}
	return n, nil
}
