// Package model defines the data structures used throughout the application.
package model

import "time"

// Account represents a registered user of the catalog.
//
// The numeric ID is assigned by the database at creation and never changes.
// The username is unique across all accounts but may be renamed, subject to
// the lifecycle rules in the service layer (not banned, not a member of any
// organization).
//
// WHY PasswordHash *string?
// Only accounts registered through the native password flow have a password.
// Accounts created from an external login (GitHub/Google) carry a NULL hash
// and cannot password-login until they set one. A nullable pointer keeps that
// distinction visible instead of hiding it behind an empty string.
type Account struct {
	ID           int64     `json:"id"        db:"id"`
	Username     string    `json:"username"  db:"username"`
	IsAdmin      bool      `json:"isAdmin"   db:"is_admin"`
	IsBanned     bool      `json:"isBanned"  db:"is_banned"`
	PasswordHash *string   `json:"-"         db:"password_hash"` // never serialized
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}
