package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// AuthInfo is the credential view of a user returned by GetAuth.
type AuthInfo struct {
	UserID   string
	PassHash string
	TOTP     string
}

// UserInfo is the identity view of a user resolved from a userid.
type UserInfo struct {
	Username string
	IsAdmin  bool
}

// FormatUserID builds the opaque userid string "<username>:<session_id>".
func FormatUserID(username string, sessionID int64) string {
	return username + ":" + strconv.FormatInt(sessionID, 10)
}

// ParseUserID splits a userid into username and session id.
// Returns ErrInvalidUserID on any shape violation.
func ParseUserID(userid string) (username string, sessionID int64, err error) {
	idx := strings.LastIndex(userid, ":")
	if idx <= 0 || idx == len(userid)-1 {
		return "", 0, ErrInvalidUserID
	}
	sessionID, convErr := strconv.ParseInt(userid[idx+1:], 10, 64)
	if convErr != nil {
		return "", 0, ErrInvalidUserID
	}
	return userid[:idx], sessionID, nil
}

// newSessionID picks a random 64-bit session id from the crypto RNG.
func newSessionID() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to generate session id: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil //nolint:gosec // wrap-around is fine, any 64-bit value works
}

// AddUser inserts a new user with a fresh random session id and returns the
// userid. Returns ErrUserExists if the username is taken. When a directory
// manager is wired, the user's plugin directories are created before the
// userid is handed back.
func (s *Store) AddUser(ctx context.Context, username, passHash, totpURL string, isAdmin bool) (string, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	query := s.adoptQuery(`INSERT INTO users (username, session_id, pass_hash, totp, is_admin) VALUES (?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, username, sessionID, passHash, totpURL, isAdmin)
	s.mu.Unlock()
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrUserExists
		}
		return "", fmt.Errorf("failed to insert user %q: %w", username, err)
	}

	if s.dirs != nil {
		if err := s.dirs.EnsureUser(username); err != nil {
			log.Printf("[WARN] failed to create directories for user %q: %v", username, err)
		}
	}

	log.Printf("[DEBUG] added user %q", username)
	return FormatUserID(username, sessionID), nil
}

// GetAuth returns the credential material for a username.
// Returns ErrNotFound if the user does not exist.
func (s *Store) GetAuth(ctx context.Context, username string) (AuthInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row struct {
		SessionID int64  `db:"session_id"`
		PassHash  string `db:"pass_hash"`
		TOTP      string `db:"totp"`
	}
	query := s.adoptQuery("SELECT session_id, pass_hash, totp FROM users WHERE username = ?")
	if err := s.db.GetContext(ctx, &row, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthInfo{}, ErrNotFound
		}
		return AuthInfo{}, fmt.Errorf("failed to get user %q: %w", username, err)
	}

	return AuthInfo{
		UserID:   FormatUserID(username, row.SessionID),
		PassHash: row.PassHash,
		TOTP:     row.TOTP,
	}, nil
}

// UserInfo resolves a userid into username and admin flag. Both the username
// and the session id must match the stored row; a stale session id after a
// rotation resolves to ErrNotFound.
func (s *Store) UserInfo(ctx context.Context, userid string) (UserInfo, error) {
	username, sessionID, err := ParseUserID(userid)
	if err != nil {
		return UserInfo{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var isAdmin bool
	query := s.adoptQuery("SELECT is_admin FROM users WHERE username = ? AND session_id = ?")
	if err := s.db.GetContext(ctx, &isAdmin, query, username, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserInfo{}, ErrNotFound
		}
		return UserInfo{}, fmt.Errorf("failed to resolve userid: %w", err)
	}

	return UserInfo{Username: username, IsAdmin: isAdmin}, nil
}

// GetPassHash returns the password hash selected by (username, session_id).
// Used by password and TOTP changes to re-verify against the exact session
// generation that asked for the change.
func (s *Store) GetPassHash(ctx context.Context, username string, sessionID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash string
	query := s.adoptQuery("SELECT pass_hash FROM users WHERE username = ? AND session_id = ?")
	if err := s.db.GetContext(ctx, &hash, query, username, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get password hash for %q: %w", username, err)
	}
	return hash, nil
}

// ChangePassHash replaces the password hash of a user.
// Returns ErrNotFound if no row was affected.
func (s *Store) ChangePassHash(ctx context.Context, username, passHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.adoptQuery("UPDATE users SET pass_hash = ? WHERE username = ?")
	res, err := s.db.ExecContext(ctx, query, passHash, username)
	if err != nil {
		return fmt.Errorf("failed to change password hash for %q: %w", username, err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	log.Printf("[DEBUG] changed password hash for user %q", username)
	return nil
}

// ChangeTOTP replaces the TOTP secret URL of a user.
// Returns ErrNotFound if no row was affected.
func (s *Store) ChangeTOTP(ctx context.Context, username, totpURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.adoptQuery("UPDATE users SET totp = ? WHERE username = ?")
	res, err := s.db.ExecContext(ctx, query, totpURL, username)
	if err != nil {
		return fmt.Errorf("failed to change totp for %q: %w", username, err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	log.Printf("[DEBUG] changed totp for user %q", username)
	return nil
}

// ChangeSessionID rotates the session id of a user to a fresh random value,
// invalidating every cookie minted for the previous one.
// Returns ErrNotFound if no row was affected.
func (s *Store) ChangeSessionID(ctx context.Context, username string) error {
	sessionID, err := newSessionID()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.adoptQuery("UPDATE users SET session_id = ? WHERE username = ?")
	res, err := s.db.ExecContext(ctx, query, sessionID, username)
	if err != nil {
		return fmt.Errorf("failed to rotate session id for %q: %w", username, err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	log.Printf("[DEBUG] rotated session id for user %q", username)
	return nil
}

// DeleteUser removes the user addressed by a userid. The session id half must
// still match, so only the owner of a live session can delete the account.
// When a directory manager is wired, the user's directory tree is removed in
// the background; failures are logged, not propagated.
func (s *Store) DeleteUser(ctx context.Context, userid string) error {
	username, sessionID, err := ParseUserID(userid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	query := s.adoptQuery("DELETE FROM users WHERE username = ? AND session_id = ?")
	res, execErr := s.db.ExecContext(ctx, query, username, sessionID)
	s.mu.Unlock()
	if execErr != nil {
		return fmt.Errorf("failed to delete user %q: %w", username, execErr)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	if s.dirs != nil {
		go s.dirs.RemoveUser(username)
	}

	log.Printf("[INFO] deleted user %q", username)
	return nil
}

// AllUsernames returns every known username, used at startup to
// re-materialize data directories for existing accounts.
func (s *Store) AllUsernames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	if err := s.db.SelectContext(ctx, &names, "SELECT username FROM users ORDER BY username"); err != nil {
		return nil, fmt.Errorf("failed to list usernames: %w", err)
	}
	return names, nil
}
