// Package store provides persistent storage of users and registration tokens.
//
// It runs on SQLite (single database file under the data directory) by
// default, or PostgreSQL when the database URL starts with postgres://.
// Writes are serialized with a mutex for SQLite and left to the engine for
// PostgreSQL. Username and token uniqueness is enforced by unique indexes,
// and unique-violation errors are detected per engine.
//
// The Store is the only owner of the users and tokens tables. Directory
// provisioning on user add/delete is delegated to an injected Dirs
// collaborator so the store does not depend on the filesystem layout.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // postgresql driver
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
)

// ErrNotFound is returned when a user or token row is not found.
var ErrNotFound = errors.New("not found")

// ErrUserExists is returned by AddUser on a username uniqueness violation.
var ErrUserExists = errors.New("user already exists")

// ErrInvalidUserID is returned when a userid string cannot be parsed.
var ErrInvalidUserID = errors.New("invalid userid")

// Dirs is the collaborator that materializes per-user directories.
// Injected into the store so user add/delete can trigger directory work
// without the store importing the directory manager.
type Dirs interface {
	EnsureUser(username string) error
	RemoveUser(username string)
}

// DBType identifies the backing database engine.
type DBType int

// Supported database engines.
const (
	DBTypeSQLite DBType = iota
	DBTypePostgres
)

// RWLocker is the locking interface used to serialize SQLite writes.
type RWLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// noopLocker is used for PostgreSQL which handles concurrency internally.
type noopLocker struct{}

func (noopLocker) Lock()    {}
func (noopLocker) Unlock()  {}
func (noopLocker) RLock()   {}
func (noopLocker) RUnlock() {}

// Store implements user and token storage using SQLite or PostgreSQL.
type Store struct {
	db     *sqlx.DB
	dbType DBType
	mu     RWLocker
	dirs   Dirs // nil means no directory provisioning
}

// Option configures Store behavior.
type Option func(*Store)

// WithDirs wires the directory manager collaborator. On AddUser the store
// ensures the user's directories exist; on DeleteUser it removes them in the
// background.
func WithDirs(d Dirs) Option {
	return func(s *Store) {
		s.dirs = d
	}
}

// New creates a new Store with the given database URL.
// Automatically detects database type from URL:
// - postgres:// or postgresql:// -> PostgreSQL
// - everything else -> SQLite file path
func New(dbURL string, opts ...Option) (*Store, error) {
	dbType := detectDBType(dbURL)

	var db *sqlx.DB
	var err error
	var locker RWLocker

	switch dbType {
	case DBTypePostgres:
		db, err = connectPostgres(dbURL)
		locker = noopLocker{}
	default:
		db, err = connectSQLite(dbURL)
		locker = &sync.RWMutex{}
	}

	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dbType: dbType, mu: locker}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Printf("[DEBUG] initialized %s store", s.dbTypeName())
	return s, nil
}

// detectDBType determines database type from URL.
func detectDBType(url string) DBType {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DBTypePostgres
	}
	return DBTypeSQLite
}

// connectSQLite establishes SQLite connection with pragmas.
func connectSQLite(dbPath string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	// WAL keeps readers unblocked while the single writer commits
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil { //nolint:noctx // init-time, no context available
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// limit connections for SQLite (single writer)
	db.SetMaxOpenConns(1)

	return db, nil
}

// connectPostgres establishes PostgreSQL connection.
func connectPostgres(dbURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// createSchema creates the users and tokens tables if they don't exist.
func (s *Store) createSchema() error {
	var usersSchema, tokensSchema string
	switch s.dbType {
	case DBTypePostgres:
		usersSchema = `
			CREATE TABLE IF NOT EXISTS users (
				username   TEXT NOT NULL,
				session_id BIGINT NOT NULL,
				pass_hash  TEXT NOT NULL,
				totp       TEXT NOT NULL,
				is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE(username)
			)`
		tokensSchema = `
			CREATE TABLE IF NOT EXISTS tokens (
				id          SERIAL PRIMARY KEY,
				token       TEXT NOT NULL,
				expire_date BIGINT NOT NULL,
				for_user    TEXT,
				UNIQUE(token)
			);
			CREATE INDEX IF NOT EXISTS idx_tokens_expire ON tokens(expire_date)`
	default:
		usersSchema = `
			CREATE TABLE IF NOT EXISTS users (
				username   TEXT NOT NULL,
				session_id INTEGER NOT NULL,
				pass_hash  TEXT NOT NULL,
				totp       TEXT NOT NULL,
				is_admin   INTEGER NOT NULL DEFAULT 0,
				UNIQUE(username)
			)`
		tokensSchema = `
			CREATE TABLE IF NOT EXISTS tokens (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				token       TEXT NOT NULL,
				expire_date INTEGER NOT NULL,
				for_user    TEXT,
				UNIQUE(token)
			);
			CREATE INDEX IF NOT EXISTS idx_tokens_expire ON tokens(expire_date)`
	}

	if _, err := s.db.Exec(usersSchema); err != nil { //nolint:noctx // init-time, no context available
		return fmt.Errorf("failed to create users table: %w", err)
	}
	if _, err := s.db.Exec(tokensSchema); err != nil { //nolint:noctx // init-time, no context available
		return fmt.Errorf("failed to create tokens table: %w", err)
	}
	return nil
}

// dbTypeName returns human-readable database type name.
func (s *Store) dbTypeName() string {
	switch s.dbType {
	case DBTypePostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// isUniqueViolation checks if error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// postgresql: code 23505 = unique_violation
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	// sqlite: SQLITE_CONSTRAINT_UNIQUE = 2067, SQLITE_CONSTRAINT_PRIMARYKEY = 1555
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == 2067 || code == 1555
	}

	return false
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// adoptQuery converts SQLite query syntax to PostgreSQL placeholders.
func (s *Store) adoptQuery(query string) string {
	if s.dbType != DBTypePostgres {
		return query
	}

	result := make([]byte, 0, len(query)+10)
	paramNum := 1
	for i := range len(query) {
		if query[i] != '?' {
			result = append(result, query[i])
			continue
		}
		result = append(result, '$')
		result = append(result, strconv.Itoa(paramNum)...)
		paramNum++
	}
	return string(result)
}

// rowsAffected extracts the affected-row count, wrapping the error uniformly.
func rowsAffected(res sql.Result) (int64, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return rows, nil
}
