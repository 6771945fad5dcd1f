package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/model"
)

// linkTestCredential upserts a credential and fails the test on error.
func linkTestCredential(t *testing.T, db *DB, accountID int64, provider model.Provider, externalID, email string) *model.Credential {
	t.Helper()
	cred := &model.Credential{
		AccountID:  accountID,
		Provider:   provider,
		ExternalID: externalID,
		Email:      email,
		Content:    "tok-" + externalID,
	}
	if err := db.Credentials().Upsert(context.Background(), cred); err != nil {
		t.Fatalf("failed to link test credential: %v", err)
	}
	return cred
}

func TestCredentialUpsert_Insert(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "alice")

	cred := linkTestCredential(t, db, account.ID, model.ProviderGitHub, "gh-1", "alice@example.com")

	if cred.ID == "" {
		t.Error("Upsert() did not assign an ID")
	}
	if cred.CreatedAt.IsZero() || cred.UpdatedAt.IsZero() {
		t.Error("Upsert() did not set timestamps")
	}
}

func TestCredentialUpsert_RefreshKeepsIdentity(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "alice")

	first := linkTestCredential(t, db, account.ID, model.ProviderGitHub, "gh-1", "old@example.com")

	// Relinking the same provider refreshes the row in place.
	refreshed := &model.Credential{
		AccountID:  account.ID,
		Provider:   model.ProviderGitHub,
		ExternalID: "gh-1",
		Email:      "new@example.com",
		Content:    "tok-fresh",
	}
	if err := db.Credentials().Upsert(context.Background(), refreshed); err != nil {
		t.Fatalf("Upsert() refresh error = %v", err)
	}

	if refreshed.ID != first.ID {
		t.Errorf("refresh changed credential ID: %s -> %s", first.ID, refreshed.ID)
	}
	if !refreshed.CreatedAt.Equal(first.CreatedAt) {
		t.Error("refresh changed CreatedAt")
	}

	got, err := db.Credentials().GetByID(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Email != "new@example.com" || got.Content != "tok-fresh" {
		t.Errorf("refresh did not overwrite fields: email=%q content=%q", got.Email, got.Content)
	}

	n, _ := db.Credentials().CountForAccount(context.Background(), account.ID)
	if n != 1 {
		t.Errorf("credential count after refresh = %d, want 1", n)
	}
}

func TestCredentialUpsert_ForeignIdentityConflict(t *testing.T) {
	db := newTestDB(t)
	alice := createTestAccount(t, db, "alice")
	bob := createTestAccount(t, db, "bob")

	linkTestCredential(t, db, alice.ID, model.ProviderGitHub, "gh-1", "alice@example.com")

	// Bob claiming the same (provider, external_id) hits the UNIQUE index.
	err := db.Credentials().Upsert(context.Background(), &model.Credential{
		AccountID:  bob.ID,
		Provider:   model.ProviderGitHub,
		ExternalID: "gh-1",
		Content:    "tok",
	})
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("Upsert() of foreign identity error = %v, want ErrConflict", err)
	}
}

func TestFindByAccountAndProvider(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "alice")
	linkTestCredential(t, db, account.ID, model.ProviderGitHub, "gh-1", "")

	got, err := db.Credentials().FindByAccountAndProvider(context.Background(), account.ID, model.ProviderGitHub)
	if err != nil {
		t.Fatalf("FindByAccountAndProvider() error = %v", err)
	}
	if got == nil || got.ExternalID != "gh-1" {
		t.Errorf("FindByAccountAndProvider() = %+v, want external id gh-1", got)
	}

	// No row is (nil, nil), not an error.
	got, err = db.Credentials().FindByAccountAndProvider(context.Background(), account.ID, model.ProviderGoogle)
	if err != nil {
		t.Fatalf("FindByAccountAndProvider() miss error = %v", err)
	}
	if got != nil {
		t.Errorf("FindByAccountAndProvider() miss = %+v, want nil", got)
	}
}

func TestFindAccountByExternalID(t *testing.T) {
	db := newTestDB(t)
	alice := createTestAccount(t, db, "alice")
	linkTestCredential(t, db, alice.ID, model.ProviderGoogle, "goog-7", "alice@example.com")

	got, err := db.Credentials().FindAccountByExternalID(context.Background(), model.ProviderGoogle, "goog-7")
	if err != nil {
		t.Fatalf("FindAccountByExternalID() error = %v", err)
	}
	if got == nil || got.ID != alice.ID {
		t.Errorf("FindAccountByExternalID() = %+v, want account %d", got, alice.ID)
	}

	// Same external id under a different provider is a different identity.
	got, err = db.Credentials().FindAccountByExternalID(context.Background(), model.ProviderGitHub, "goog-7")
	if err != nil {
		t.Fatalf("FindAccountByExternalID() cross-provider error = %v", err)
	}
	if got != nil {
		t.Errorf("FindAccountByExternalID() cross-provider = %+v, want nil", got)
	}
}

func TestFindAccountByProviderEmail(t *testing.T) {
	db := newTestDB(t)
	alice := createTestAccount(t, db, "alice")
	linkTestCredential(t, db, alice.ID, model.ProviderGitHub, "gh-1", "shared@example.com")

	got, err := db.Credentials().FindAccountByProviderEmail(context.Background(), model.ProviderGitHub, "shared@example.com")
	if err != nil {
		t.Fatalf("FindAccountByProviderEmail() error = %v", err)
	}
	if got == nil || got.ID != alice.ID {
		t.Errorf("FindAccountByProviderEmail() = %+v, want account %d", got, alice.ID)
	}

	// Empty email never matches anything, even rows whose cached email is
	// empty.
	linkTestCredential(t, db, alice.ID, model.ProviderGoogle, "goog-1", "")
	got, err = db.Credentials().FindAccountByProviderEmail(context.Background(), model.ProviderGoogle, "")
	if err != nil {
		t.Fatalf("FindAccountByProviderEmail() empty error = %v", err)
	}
	if got != nil {
		t.Errorf("FindAccountByProviderEmail(\"\") = %+v, want nil", got)
	}
}

func TestCredentialGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Credentials().GetByID(context.Background(), "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestCredentialDelete(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "alice")
	cred := linkTestCredential(t, db, account.ID, model.ProviderGitHub, "gh-1", "")

	if err := db.Credentials().Delete(context.Background(), cred.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err := db.Credentials().GetByID(context.Background(), cred.ID)
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrNotFound", err)
	}

	// The freed identity is immediately claimable by another account.
	bob := createTestAccount(t, db, "bob")
	linkTestCredential(t, db, bob.ID, model.ProviderGitHub, "gh-1", "")
}

func TestCredentialCascadeOnAccountDelete(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "alice")
	linkTestCredential(t, db, account.ID, model.ProviderGitHub, "gh-1", "")
	linkTestCredential(t, db, account.ID, model.ProviderGoogle, "goog-1", "")

	if err := db.Accounts().Delete(context.Background(), account.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	n, err := db.Credentials().CountForAccount(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("CountForAccount() error = %v", err)
	}
	if n != 0 {
		t.Errorf("credentials after account delete = %d, want 0 (ON DELETE CASCADE)", n)
	}
}

func TestCredentialListForAccount(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "alice")
	linkTestCredential(t, db, account.ID, model.ProviderGoogle, "goog-1", "")
	linkTestCredential(t, db, account.ID, model.ProviderGitHub, "gh-1", "")

	creds, err := db.Credentials().ListForAccount(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("ListForAccount() error = %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("ListForAccount() returned %d credentials, want 2", len(creds))
	}
}
