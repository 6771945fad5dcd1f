package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/auth"
	"github.com/toolhub/toolhub/internal/model"
	"github.com/toolhub/toolhub/internal/repository"
	"github.com/toolhub/toolhub/internal/repository/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEngine wires an Engine and Lifecycle against a real in-memory
// SQLite store. The resolution matrix is read-then-write inside a
// transaction, so tests run against the real thing rather than a fake that
// cannot lose races.
func newTestEngine(t *testing.T) (*Engine, *Lifecycle, *sqlite.DB) {
	t.Helper()

	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New(:memory:) error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	// Cost 4 is bcrypt minimum — keeps tests fast.
	ps := auth.NewPasswordServiceForTest(4)

	logger := testLogger()
	lifecycle := NewLifecycle(db, ts, ps, logger)
	return NewEngine(db, lifecycle, logger), lifecycle, db
}

func githubProfile(externalID, email, displayName string) *model.ExternalProfile {
	return &model.ExternalProfile{
		Provider:    model.ProviderGitHub,
		ExternalID:  externalID,
		Email:       email,
		DisplayName: displayName,
		Token:       "gh-access-token",
	}
}

func googleProfile(externalID, email string) *model.ExternalProfile {
	return &model.ExternalProfile{
		Provider:   model.ProviderGoogle,
		ExternalID: externalID,
		Email:      email,
		Token:      "goog-access-token",
	}
}

func TestRegister_NewIdentityCreatesAccount(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	principal, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if principal.Account.ID == 0 {
		t.Error("Register() did not persist an account")
	}
	if principal.Account.Username != "jdoe" {
		t.Errorf("allocated username = %q, want %q", principal.Account.Username, "jdoe")
	}

	// The new account holds both the provider credential and a NATIVE one.
	creds, err := db.Credentials().ListForAccount(ctx, principal.Account.ID)
	if err != nil {
		t.Fatalf("ListForAccount() error = %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("new account has %d credentials, want 2 (native + github)", len(creds))
	}
	providers := map[model.Provider]bool{}
	for _, c := range creds {
		providers[c.Provider] = true
		if c.Content == "" {
			t.Errorf("%s credential has empty content", c.Provider)
		}
	}
	if !providers[model.ProviderNative] || !providers[model.ProviderGitHub] {
		t.Errorf("credential providers = %v, want native and github", providers)
	}
}

func TestRegister_KnownIdentityIsIdempotent(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe"))
	if err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	// Same external id again resolves to the same account, even with a
	// changed email and display name.
	second, err := engine.Register(ctx, githubProfile("gh-1", "new-mail@example.com", "renamed"))
	if err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
	if second.Account.ID != first.Account.ID {
		t.Errorf("re-register resolved account %d, want %d", second.Account.ID, first.Account.ID)
	}
	if second.Account.Username != first.Account.Username {
		t.Errorf("re-register changed username %q -> %q", first.Account.Username, second.Account.Username)
	}
	// The credential's cached email was refreshed.
	if second.Credential.Email != "new-mail@example.com" {
		t.Errorf("credential email = %q, want refreshed value", second.Credential.Email)
	}
}

func TestRegister_DuplicateProviderEmailRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Register(ctx, githubProfile("gh-1", "shared@example.com", "jdoe")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// A different external id with the same provider email must not spawn a
	// second account.
	_, err := engine.Register(ctx, githubProfile("gh-2", "shared@example.com", "other"))
	if !errors.Is(err, apperror.ErrAccountAlreadyExists) {
		t.Errorf("Register() with duplicate provider email error = %v, want ErrAccountAlreadyExists", err)
	}
}

func TestRegister_SameEmailDifferentProviderCreatesSeparateAccount(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	gh, err := engine.Register(ctx, githubProfile("gh-1", "shared@example.com", "jdoe"))
	if err != nil {
		t.Fatalf("github Register() error = %v", err)
	}

	// The email guard is per provider: the same address via Google is a
	// different registration.
	goog, err := engine.Register(ctx, googleProfile("goog-1", "shared@example.com"))
	if err != nil {
		t.Fatalf("google Register() error = %v", err)
	}
	if goog.Account.ID == gh.Account.ID {
		t.Error("google registration resolved to the github account via email overlap")
	}
}

func TestRegister_UsernameCollisionGetsSuffix(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@corp.example", "jdoe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if first.Account.Username != "jdoe" {
		t.Fatalf("first username = %q, want jdoe", first.Account.Username)
	}

	second, err := engine.Register(ctx, googleProfile("goog-1", "jdoe@other.example"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if second.Account.Username != "jdoe1" {
		t.Errorf("second username = %q, want jdoe1", second.Account.Username)
	}
}

func TestLogin_UnknownIdentityFails(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Login(ctx, githubProfile("gh-unknown", "", ""))
	if !errors.Is(err, apperror.ErrNoMatchingAccount) {
		t.Errorf("Login() of unknown identity error = %v, want ErrNoMatchingAccount", err)
	}
}

func TestLogin_EmailOverlapAloneNeverAuthenticates(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Same provider, same email, different external id: login must fail —
	// only the (provider, external id) pair authenticates.
	_, err := engine.Login(ctx, githubProfile("gh-other", "jdoe@example.com", "jdoe"))
	if !errors.Is(err, apperror.ErrNoMatchingAccount) {
		t.Errorf("Login() via email overlap error = %v, want ErrNoMatchingAccount", err)
	}
}

func TestLogin_KnownIdentityRefreshesCredential(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	profile := githubProfile("gh-1", "jdoe@example.com", "jdoe")
	profile.Token = "rotated-token"
	logged, err := engine.Login(ctx, profile)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if logged.Account.ID != created.Account.ID {
		t.Fatalf("Login() resolved account %d, want %d", logged.Account.ID, created.Account.ID)
	}

	stored, err := db.Credentials().FindByAccountAndProvider(ctx, created.Account.ID, model.ProviderGitHub)
	if err != nil {
		t.Fatalf("FindByAccountAndProvider() error = %v", err)
	}
	if stored.Content != "rotated-token" {
		t.Errorf("stored credential content = %q, want rotated token", stored.Content)
	}
}

func TestLogin_BannedAccountRejected(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	principal, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	banAccount(t, db, principal.Account.ID)

	_, err = engine.Login(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe"))
	if !errors.Is(err, apperror.ErrForbidden) {
		t.Errorf("Login() on banned account error = %v, want ErrForbidden", err)
	}
}

func TestLink_AttachesNewProvider(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	principal, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	cred, err := engine.Link(ctx, principal.Account.ID, googleProfile("goog-1", "jdoe@gmail.example"))
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if cred.AccountID != principal.Account.ID {
		t.Errorf("linked credential bound to account %d, want %d", cred.AccountID, principal.Account.ID)
	}

	// Google login now resolves to the same account.
	logged, err := engine.Login(ctx, googleProfile("goog-1", "jdoe@gmail.example"))
	if err != nil {
		t.Fatalf("Login() after link error = %v", err)
	}
	if logged.Account.ID != principal.Account.ID {
		t.Errorf("login after link resolved account %d, want %d", logged.Account.ID, principal.Account.ID)
	}

	n, _ := db.Credentials().CountForAccount(ctx, principal.Account.ID)
	if n != 3 {
		t.Errorf("credential count = %d, want 3 (native + github + google)", n)
	}
}

func TestLink_OwnIdentityIsIdempotent(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	principal, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Re-linking the identity the account already holds refreshes in place.
	profile := githubProfile("gh-1", "fresh@example.com", "jdoe")
	profile.Token = "fresh-token"
	if _, err := engine.Link(ctx, principal.Account.ID, profile); err != nil {
		t.Fatalf("Link() of own identity error = %v", err)
	}

	n, _ := db.Credentials().CountForAccount(ctx, principal.Account.ID)
	if n != 2 {
		t.Errorf("credential count after self-relink = %d, want 2", n)
	}
	stored, _ := db.Credentials().FindByAccountAndProvider(ctx, principal.Account.ID, model.ProviderGitHub)
	if stored.Email != "fresh@example.com" || stored.Content != "fresh-token" {
		t.Errorf("self-relink did not refresh credential: email=%q", stored.Email)
	}
}

func TestLink_ForeignIdentityRejectedWithoutMutation(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	owner, err := engine.Register(ctx, githubProfile("gh-1", "owner@example.com", "owner"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	other, err := engine.Register(ctx, googleProfile("goog-1", "other@example.com"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// other tries to link the github identity owner already holds.
	_, err = engine.Link(ctx, other.Account.ID, githubProfile("gh-1", "owner@example.com", "owner"))
	if !errors.Is(err, apperror.ErrIdentityAlreadyLinked) {
		t.Fatalf("Link() of foreign identity error = %v, want ErrIdentityAlreadyLinked", err)
	}

	// Nothing moved: the identity still resolves to its original owner and
	// the failed linker gained no github credential.
	resolved, _ := db.Credentials().FindAccountByExternalID(ctx, model.ProviderGitHub, "gh-1")
	if resolved == nil || resolved.ID != owner.Account.ID {
		t.Errorf("identity owner after rejected link = %+v, want account %d", resolved, owner.Account.ID)
	}
	stray, _ := db.Credentials().FindByAccountAndProvider(ctx, other.Account.ID, model.ProviderGitHub)
	if stray != nil {
		t.Errorf("rejected link left a credential behind: %+v", stray)
	}
}

func TestLink_ReplacingOwnProviderCredential(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	principal, err := engine.Register(ctx, githubProfile("gh-1", "jdoe@example.com", "jdoe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Linking a different github identity replaces the account's existing
	// github credential rather than adding a second one.
	if _, err := engine.Link(ctx, principal.Account.ID, githubProfile("gh-second", "alt@example.com", "jdoe")); err != nil {
		t.Fatalf("Link() of replacement identity error = %v", err)
	}

	stored, _ := db.Credentials().FindByAccountAndProvider(ctx, principal.Account.ID, model.ProviderGitHub)
	if stored.ExternalID != "gh-second" {
		t.Errorf("github credential external id = %q, want gh-second", stored.ExternalID)
	}

	// The abandoned identity is no longer linked to anyone.
	abandoned, _ := db.Credentials().FindAccountByExternalID(ctx, model.ProviderGitHub, "gh-1")
	if abandoned != nil && abandoned.ID == principal.Account.ID {
		// Replacement overwrote the row, so gh-1 must not resolve anymore.
		t.Error("replaced identity still resolves to the account")
	}
}

func TestResolve_RejectsMalformedProfiles(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		profile *model.ExternalProfile
	}{
		{"nil profile", nil},
		{"empty external id", githubProfile("", "a@b.c", "a")},
		{"native provider", &model.ExternalProfile{Provider: model.ProviderNative, ExternalID: "1"}},
		{"unknown provider", &model.ExternalProfile{Provider: "gitlab", ExternalID: "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.Register(ctx, tc.profile); !errors.Is(err, apperror.ErrExternalAuth) {
				t.Errorf("Register() error = %v, want ErrExternalAuth", err)
			}
			if _, err := engine.Login(ctx, tc.profile); !errors.Is(err, apperror.ErrExternalAuth) {
				t.Errorf("Login() error = %v, want ErrExternalAuth", err)
			}
		})
	}
}

// banAccount flips the moderation flag directly at the store level.
func banAccount(t *testing.T, db *sqlite.DB, accountID int64) {
	t.Helper()
	if err := db.Accounts().SetBanned(context.Background(), accountID, true); err != nil {
		t.Fatalf("SetBanned() error = %v", err)
	}
}

// blindStore hides existing credential links from the engine's
// in-transaction reads, so its writes collide with the UNIQUE indexes. That
// is exactly the window two concurrent requests can hit in production: both
// read "identity unclaimed", one commits, the other's insert must come back
// classified rather than as a raw constraint error.
type blindStore struct {
	repository.Store
}

func (b *blindStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return b.Store.InTx(ctx, func(s repository.Store) error {
		return fn(&blindStore{s})
	})
}

func (b *blindStore) Credentials() repository.CredentialRepository {
	return &blindCredentials{b.Store.Credentials()}
}

type blindCredentials struct {
	repository.CredentialRepository
}

func (c *blindCredentials) FindAccountByExternalID(ctx context.Context, provider model.Provider, externalID string) (*model.Account, error) {
	return nil, nil
}

func (c *blindCredentials) FindAccountByProviderEmail(ctx context.Context, provider model.Provider, email string) (*model.Account, error) {
	return nil, nil
}

func TestRegister_LostIdentityRaceClassified(t *testing.T) {
	engine, lifecycle, db := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Register(ctx, githubProfile("42", "a@x.com", "Jane Doe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// An engine whose reads miss the existing link behaves like the loser
	// of a registration race: it proceeds to create and the credential
	// insert hits the (provider, external_id) index.
	racing := NewEngine(&blindStore{db}, lifecycle, testLogger())
	_, err = racing.Register(ctx, githubProfile("42", "a@x.com", "Jane Doe"))
	if !errors.Is(err, apperror.ErrAccountAlreadyExists) {
		t.Fatalf("racing Register() error = %v, want ErrAccountAlreadyExists", err)
	}

	// The loser's transaction rolled back: no second account, and the
	// identity still resolves to the winner.
	owner, err := db.Credentials().FindAccountByExternalID(ctx, model.ProviderGitHub, "42")
	if err != nil {
		t.Fatalf("FindAccountByExternalID() error = %v", err)
	}
	if owner == nil || owner.ID != first.Account.ID {
		t.Errorf("identity owner = %+v, want account %d", owner, first.Account.ID)
	}
}

func TestLink_LostOwnershipRaceClassified(t *testing.T) {
	engine, lifecycle, db := newTestEngine(t)
	ctx := context.Background()

	owner, err := engine.Register(ctx, githubProfile("42", "a@x.com", "Jane Doe"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	other, err := lifecycle.RegisterNative(ctx, "other", "pw-other")
	if err != nil {
		t.Fatalf("RegisterNative() error = %v", err)
	}

	racing := NewEngine(&blindStore{db}, lifecycle, testLogger())
	_, err = racing.Link(ctx, other.Account.ID, githubProfile("42", "a@x.com", "Jane Doe"))
	if !errors.Is(err, apperror.ErrIdentityAlreadyLinked) {
		t.Fatalf("racing Link() error = %v, want ErrIdentityAlreadyLinked", err)
	}

	got, err := db.Credentials().FindAccountByExternalID(ctx, model.ProviderGitHub, "42")
	if err != nil {
		t.Fatalf("FindAccountByExternalID() error = %v", err)
	}
	if got == nil || got.ID != owner.Account.ID {
		t.Errorf("identity owner = %+v, want account %d", got, owner.Account.ID)
	}
}

func TestRegister_ConcurrentSameIdentity(t *testing.T) {
	// A file-backed store: concurrency is only meaningful when the
	// goroutines share the database through separate connections.
	db, err := sqlite.New(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	logger := testLogger()
	lifecycle := NewLifecycle(db, ts, auth.NewPasswordServiceForTest(4), logger)
	engine := NewEngine(db, lifecycle, logger)

	ctx := context.Background()
	const racers = 4
	results := make(chan error, racers)
	ids := make(chan int64, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := engine.Register(ctx, githubProfile("42", "racer@x.com", "Racer"))
			results <- err
			if err == nil {
				ids <- p.Account.ID
			}
		}()
	}
	wg.Wait()
	close(results)
	close(ids)

	// Every racer ends classified: either the shared account, or
	// ErrAccountAlreadyExists for a loser that collided mid-insert.
	// Nothing may surface as an unclassified lock or constraint error.
	var successes int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, apperror.ErrAccountAlreadyExists) {
			t.Errorf("Register() error = %v, want nil or ErrAccountAlreadyExists", err)
		}
	}
	if successes == 0 {
		t.Fatal("no racer registered successfully")
	}

	var accountID int64
	for id := range ids {
		if accountID == 0 {
			accountID = id
		} else if id != accountID {
			t.Errorf("racers resolved to accounts %d and %d, want one account", accountID, id)
		}
	}

	owner, err := db.Credentials().FindAccountByExternalID(ctx, model.ProviderGitHub, "42")
	if err != nil {
		t.Fatalf("FindAccountByExternalID() error = %v", err)
	}
	if owner == nil || owner.ID != accountID {
		t.Errorf("identity owner = %+v, want account %d", owner, accountID)
	}
	creds, err := db.Credentials().ListForAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("ListForAccount() error = %v", err)
	}
	if len(creds) != 2 {
		t.Errorf("credential count = %d, want 2 (GITHUB + NATIVE)", len(creds))
	}
}
