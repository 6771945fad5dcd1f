package model

import "time"

// Entry is a catalog entry (a registered workflow or tool) owned by an
// account. The identity subsystem only cares about two things: who owns it
// and whether it has been published. A published entry blocks the owner's
// self-destruct; unpublished entries are swept away with the account.
type Entry struct {
	ID        string    `json:"id"        db:"id"`
	AccountID int64     `json:"accountId" db:"account_id"`
	Name      string    `json:"name"      db:"name"`
	Published bool      `json:"published" db:"published"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
