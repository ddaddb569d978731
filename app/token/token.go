// Package token issues and consumes single-use registration and
// password-reset tokens.
//
// A token with no bound username authorizes registration of a new account; a
// token bound to a username authorizes a password reset for that account
// only. Tokens are consumed atomically on successful use, and any check that
// observes an expired token purges every currently-expired row before
// returning.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/hex0x0000/tiny-cloud/app/store"
)

// Token check failures.
var (
	// ErrNotFound means the token does not exist (or was already consumed).
	ErrNotFound = errors.New("token was not found")

	// ErrExpired means the token existed but its expiry has passed.
	ErrExpired = errors.New("token expired")

	// ErrInvalidPwdToken means the token is not a password-reset token for
	// the requesting user.
	ErrInvalidPwdToken = errors.New("token is not valid for this user")
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Service issues, lists and consumes tokens backed by the store.
type Service struct {
	store    *store.Store
	size     int
	duration time.Duration
}

// New creates a token Service. size is the token length in characters,
// duration the default validity used when a request does not override it.
func New(st *store.Store, size int, duration time.Duration) *Service {
	return &Service{store: st, size: size, duration: duration}
}

// Create generates a random alphanumeric token and persists it.
// duration == 0 means the configured default. forUser is empty for a
// registration token and carries the target username for a password reset.
// Returns the token string and its validity in seconds.
func (s *Service) Create(ctx context.Context, duration time.Duration, forUser string) (string, int64, error) {
	if duration == 0 {
		duration = s.duration
	}

	tok, err := randomToken(s.size)
	if err != nil {
		return "", 0, err
	}

	expireDate := time.Now().Add(duration).Unix()
	if err := s.store.CreateToken(ctx, tok, expireDate, forUser); err != nil {
		return "", 0, err
	}
	return tok, int64(duration.Seconds()), nil
}

// Check consumes a registration token. The token is deleted on success, so a
// second use fails with ErrNotFound. Observing an expired token triggers a
// sweep of all expired tokens before ErrExpired is returned.
func (s *Service) Check(ctx context.Context, tok string) error {
	row, err := s.getLive(ctx, tok)
	if err != nil {
		return err
	}
	return s.consume(ctx, row.Token)
}

// CheckPwd consumes a password-reset token scoped to username. A token that
// exists but is not bound to that exact username fails with
// ErrInvalidPwdToken and is left in place.
func (s *Service) CheckPwd(ctx context.Context, tok, username string) error {
	row, err := s.getLive(ctx, tok)
	if err != nil {
		return err
	}
	if row.ForUser == nil || *row.ForUser != username {
		return ErrInvalidPwdToken
	}
	return s.consume(ctx, row.Token)
}

// Remove deletes a token by id or by token string, whichever is given.
func (s *Service) Remove(ctx context.Context, id *int64, tok *string) error {
	switch {
	case id != nil:
		if err := s.store.DeleteTokenByID(ctx, *id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
	case tok != nil:
		if err := s.store.DeleteToken(ctx, *tok); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
	}
	return nil
}

// List returns every stored token.
func (s *Service) List(ctx context.Context) ([]store.Token, error) {
	return s.store.ListTokens(ctx)
}

// StartSweeper runs a periodic sweep of expired tokens until the context is
// canceled. The opportunistic sweep on failed checks already keeps the table
// small; this bounds the lifetime of tokens nobody ever tries.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] token sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.store.SweepExpired(ctx, time.Now().Unix()); err != nil {
					log.Printf("[WARN] failed to sweep expired tokens: %v", err)
				}
			}
		}
	}()

	log.Printf("[INFO] token sweeper started (interval: %s)", interval)
}

// getLive fetches a token row and rejects missing or expired tokens.
func (s *Service) getLive(ctx context.Context, tok string) (store.Token, error) {
	row, err := s.store.GetToken(ctx, tok)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Token{}, ErrNotFound
		}
		return store.Token{}, err
	}

	if now := time.Now().Unix(); row.ExpireDate < now {
		if _, sweepErr := s.store.SweepExpired(ctx, now); sweepErr != nil {
			log.Printf("[WARN] failed to sweep expired tokens: %v", sweepErr)
		}
		return store.Token{}, ErrExpired
	}
	return row, nil
}

// consume deletes the token; losing the race to a concurrent consumer
// surfaces as ErrNotFound, so a token validates at most once.
func (s *Service) consume(ctx context.Context, tok string) error {
	if err := s.store.DeleteToken(ctx, tok); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// randomToken draws size alphanumeric characters from the crypto RNG.
func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumeric))))
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		buf[i] = alphanumeric[n.Int64()]
	}
	return string(buf), nil
}
