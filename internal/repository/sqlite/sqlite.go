// Package sqlite implements the repository interfaces using SQLite as the
// storage backend.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which needs a C compiler and makes
// cross-compilation painful. modernc.org/sqlite is a pure Go translation of
// the SQLite C code — works everywhere Go works.
//
// TRANSACTIONS:
// Every transaction begins IMMEDIATE (the _txlock DSN option), taking the
// write lock up front rather than on the first write. That gives the engine
// the check-then-write atomicity the resolution matrix needs: two requests
// racing to claim the same external identity queue on the lock instead of
// interleaving between the SELECT and the INSERT. The loser waits (up to
// busy_timeout), then re-reads the winner's committed state; anything that
// still slips through hits the UNIQUE indexes and comes back as a classified
// constraint error.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/repository"

	// Registers the "sqlite" driver with database/sql at init time.
	_ "modernc.org/sqlite"
)

// compile-time checks that both store flavours satisfy repository.Store
var (
	_ repository.Store = (*DB)(nil)
	_ repository.Store = (*txStore)(nil)
)

// querier is the subset of sql.DB and sql.Tx the row stores run on. Binding
// the stores to this interface is what lets the same code serve both the
// pooled connection and an open transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB connection pool and implements repository.Store.
// Repository methods called directly on DB run in autocommit mode; engine
// operations go through InTx.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
// Use ":memory:" for an in-memory database in tests.
func New(dbPath string) (*DB, error) {
	// The options ride on the DSN so they apply to every pooled connection,
	// not just the one a PRAGMA exec happens to land on:
	//   _txlock=immediate  — BEGIN IMMEDIATE: writers take the write lock up
	//                        front and queue instead of failing mid-transaction
	//   busy_timeout       — a queued writer waits instead of SQLITE_BUSY
	//   journal_mode=WAL   — concurrent reads while a write is in progress
	//   foreign_keys       — OFF by default; the credentials → accounts
	//                        ON DELETE CASCADE depends on it
	dsn := dbPath + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each connection to :memory: is its own empty database; pin the
		// pool to one so tests see a single store.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Accounts() repository.AccountRepository {
	return &AccountStore{q: db.conn}
}

func (db *DB) Credentials() repository.CredentialRepository {
	return &CredentialStore{q: db.conn}
}

func (db *DB) Entries() repository.EntryRepository {
	return &EntryStore{q: db.conn}
}

func (db *DB) Organizations() repository.OrganizationRepository {
	return &OrganizationStore{q: db.conn}
}

// InTx begins a transaction and runs fn with a Store bound to it.
// fn returning an error (or panicking) rolls the transaction back; otherwise
// it commits. The commit error is returned too — a constraint violation can
// surface at commit time.
func (db *DB) InTx(ctx context.Context, fn func(repository.Store) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapConstraintErr(fmt.Errorf("sqlite: beginning transaction: %w", err))
	}

	done := false
	defer func() {
		if !done {
			tx.Rollback()
		}
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	done = true
	if err := tx.Commit(); err != nil {
		return mapConstraintErr(fmt.Errorf("sqlite: committing transaction: %w", err))
	}
	return nil
}

// txStore is a Store bound to one open transaction.
type txStore struct {
	tx *sql.Tx
}

func (s *txStore) Accounts() repository.AccountRepository {
	return &AccountStore{q: s.tx}
}

func (s *txStore) Credentials() repository.CredentialRepository {
	return &CredentialStore{q: s.tx}
}

func (s *txStore) Entries() repository.EntryRepository {
	return &EntryStore{q: s.tx}
}

func (s *txStore) Organizations() repository.OrganizationRepository {
	return &OrganizationStore{q: s.tx}
}

// InTx on an already-transactional store joins the ambient transaction.
func (s *txStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return fn(s)
}

// migrate creates the schema. CREATE TABLE IF NOT EXISTS keeps it safe to run
// on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT NOT NULL UNIQUE,
			is_admin      INTEGER NOT NULL DEFAULT 0,
			is_banned     INTEGER NOT NULL DEFAULT 0,
			password_hash TEXT,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}

	// The two UNIQUE constraints are the invariants of the identity store:
	// one credential per (account, provider), and a (provider, external_id)
	// pair owned by at most one account system-wide.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			id          TEXT PRIMARY KEY,
			account_id  INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			provider    TEXT NOT NULL,
			external_id TEXT NOT NULL,
			email       TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (account_id, provider),
			UNIQUE (provider, external_id)
		);
		CREATE INDEX IF NOT EXISTS idx_credentials_provider_email ON credentials(provider, email);
	`)
	if err != nil {
		return fmt.Errorf("creating credentials table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id         TEXT PRIMARY KEY,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			name       TEXT NOT NULL,
			published  INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_entries_account_id ON entries(account_id);
	`)
	if err != nil {
		return fmt.Errorf("creating entries table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS organization_members (
			organization TEXT NOT NULL,
			account_id   INTEGER NOT NULL REFERENCES accounts(id),
			PRIMARY KEY (organization, account_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating organization_members table: %w", err)
	}

	return nil
}

// mapConstraintErr translates SQLite UNIQUE violations into the classified
// errors the engine understands. The driver's error text names the violated
// index columns (e.g. "UNIQUE constraint failed: accounts.username").
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	// A writer that exhausts busy_timeout waiting on a concurrent
	// transaction surfaces SQLITE_BUSY. Classify it as a conflict so the
	// boundary returns 409, never an unclassified 500.
	if strings.Contains(msg, "SQLITE_BUSY") {
		return apperror.New(apperror.ErrConflict, "a concurrent request holds the write lock")
	}
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	switch {
	case strings.Contains(msg, "accounts.username"):
		return apperror.New(apperror.ErrDuplicateUsername, "username is already taken")
	case strings.Contains(msg, "credentials."):
		// Which classified error this becomes depends on the operation in
		// flight (link vs register); the engine translates ErrConflict.
		return apperror.New(apperror.ErrConflict, "credential conflicts with an existing link")
	}
	return err
}
