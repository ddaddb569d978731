package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Token is a single-use registration or password-reset token row.
// ForUser is nil for registration tokens and carries the target username for
// password-reset tokens.
type Token struct {
	ID         int64   `db:"id" json:"id"`
	Token      string  `db:"token" json:"token"`
	ExpireDate int64   `db:"expire_date" json:"expire_at"`
	ForUser    *string `db:"for_user" json:"for_user,omitempty"`
}

// CreateToken persists a token with the given unix expiry.
// forUser may be empty for a plain registration token.
func (s *Store) CreateToken(ctx context.Context, token string, expireDate int64, forUser string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var forUserArg *string
	if forUser != "" {
		forUserArg = &forUser
	}

	query := s.adoptQuery("INSERT INTO tokens (token, expire_date, for_user) VALUES (?, ?, ?)")
	if _, err := s.db.ExecContext(ctx, query, token, expireDate, forUserArg); err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	log.Printf("[DEBUG] created token expiring at %s", time.Unix(expireDate, 0).UTC().Format(time.RFC3339))
	return nil
}

// GetToken returns a token row by its token string.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetToken(ctx context.Context, token string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row Token
	query := s.adoptQuery("SELECT id, token, expire_date, for_user FROM tokens WHERE token = ?")
	if err := s.db.GetContext(ctx, &row, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("failed to get token: %w", err)
	}
	return row, nil
}

// DeleteToken removes a token by its token string.
// Returns ErrNotFound if no row was affected.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.adoptQuery("DELETE FROM tokens WHERE token = ?")
	res, err := s.db.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTokenByID removes a token by its primary key.
// Returns ErrNotFound if no row was affected.
func (s *Store) DeleteTokenByID(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.adoptQuery("DELETE FROM tokens WHERE id = ?")
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete token by id: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTokens returns every stored token ordered by id.
func (s *Store) ListTokens(ctx context.Context) ([]Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := []Token{}
	query := "SELECT id, token, expire_date, for_user FROM tokens ORDER BY id"
	if err := s.db.SelectContext(ctx, &tokens, query); err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

// SweepExpired removes every token whose expiry is before now.
// Returns the number of tokens removed.
func (s *Store) SweepExpired(ctx context.Context, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.adoptQuery("DELETE FROM tokens WHERE expire_date < ?")
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tokens: %w", err)
	}
	count, err := rowsAffected(res)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Printf("[DEBUG] swept %d expired tokens", count)
	}
	return count, nil
}
