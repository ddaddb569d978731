// Package auth implements credential validation, password hashing, TOTP and
// the account operations: registration, login, password and TOTP changes,
// session rotation and account deletion.
//
// The service never reports whether a username exists: a login miss performs
// a dummy hash verification so its latency matches a wrong-password attempt,
// and all credential failures collapse into ErrInvalidCredentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	log "github.com/go-pkgz/lgr"
	"github.com/pquerna/otp"

	"github.com/hex0x0000/tiny-cloud/app/config"
	"github.com/hex0x0000/tiny-cloud/app/store"
	"github.com/hex0x0000/tiny-cloud/app/token"
)

// Service wires the hasher, TOTP helper, token service and store into the
// account operations exposed over HTTP and the CLI.
type Service struct {
	store  *store.Store
	tokens *token.Service
	hasher *Hasher
	totp   *TOTP
	bounds config.CredSize
}

// NewService creates the auth service. tokens may be nil when registration is
// disabled; Register fails cleanly in that case.
func NewService(st *store.Store, tokens *token.Service, hasher *Hasher, totp *TOTP, bounds config.CredSize) *Service {
	return &Service{store: st, tokens: tokens, hasher: hasher, totp: totp, bounds: bounds}
}

// checkShape applies the credential predicates before any hashing: username
// length and character set, password byte length. Violations are safe to echo.
func (s *Service) checkShape(username string, password []byte) error {
	if len(username) < s.bounds.MinUsername || len(username) > s.bounds.MaxUsername {
		return &BadCredentialsError{Reason: fmt.Sprintf(
			"accepted username size is between %d and %d characters", s.bounds.MinUsername, s.bounds.MaxUsername)}
	}
	for _, c := range username {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			return &BadCredentialsError{Reason: "username must be alphanumeric"}
		}
	}
	return s.checkPassword(password)
}

func (s *Service) checkPassword(password []byte) error {
	if len(password) < s.bounds.MinPasswd || len(password) > s.bounds.MaxPasswd {
		return &BadCredentialsError{Reason: fmt.Sprintf(
			"accepted password length is between %d and %d bytes", s.bounds.MinPasswd, s.bounds.MaxPasswd)}
	}
	return nil
}

// Register creates an account from a registration token. The token is
// consumed after the credential shape passes but before the user row is
// inserted; an insertion failure does not refund it. Returns the enrolment
// TOTP key and the userid to bind into the new session.
func (s *Service) Register(ctx context.Context, username string, password []byte, regToken string) (*otp.Key, string, error) {
	if s.tokens == nil {
		return nil, "", fmt.Errorf("registration is not enabled")
	}
	if err := s.checkShape(username, password); err != nil {
		return nil, "", err
	}

	if err := s.tokens.Check(ctx, regToken); err != nil {
		return nil, "", err
	}

	hash, err := s.hasher.Create(ctx, password)
	if err != nil {
		return nil, "", err
	}
	key, err := s.totp.Generate(username)
	if err != nil {
		return nil, "", err
	}

	userid, err := s.store.AddUser(ctx, username, hash, key.URL(), false)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil, "", ErrInvalidRegCredentials
		}
		return nil, "", err
	}

	log.Printf("[INFO] registered user %q", username)
	return key, userid, nil
}

// CreateUser adds an account directly, bypassing tokens and TOTP checks.
// Used by the --create-user CLI path, which is how the first admin account
// comes to exist. Returns the enrolment key and the userid.
func (s *Service) CreateUser(ctx context.Context, username string, password []byte, isAdmin bool) (*otp.Key, string, error) {
	if err := s.checkShape(username, password); err != nil {
		return nil, "", err
	}

	hash, err := s.hasher.Create(ctx, password)
	if err != nil {
		return nil, "", err
	}
	key, err := s.totp.Generate(username)
	if err != nil {
		return nil, "", err
	}

	userid, err := s.store.AddUser(ctx, username, hash, key.URL(), isAdmin)
	if err != nil {
		return nil, "", err
	}
	return key, userid, nil
}

// Login validates a credential triple and returns the stored userid.
// An unknown username burns a dummy hash verification so the failure path
// takes the same time as a wrong password, then fails with the same
// ErrInvalidCredentials. A wrong TOTP code fails with ErrInvalidTOTP.
func (s *Service) Login(ctx context.Context, username string, password []byte, totpCode string) (string, error) {
	if err := s.checkShape(username, password); err != nil {
		return "", err
	}

	info, err := s.store.GetAuth(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.VerifyDummy(ctx, password)
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := s.hasher.Verify(ctx, password, info.PassHash); err != nil {
		return "", err
	}
	if err := s.totp.Check(info.TOTP, totpCode); err != nil {
		return "", err
	}

	return info.UserID, nil
}

// Validate resolves a userid to its username and admin flag. Any mismatch,
// including a session id stale after rotation, fails with ErrInvalidSession.
func (s *Service) Validate(ctx context.Context, userid string) (store.UserInfo, error) {
	info, err := s.store.UserInfo(ctx, userid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidUserID) {
			return store.UserInfo{}, ErrInvalidSession
		}
		return store.UserInfo{}, err
	}
	return info, nil
}

// LogoutAll rotates the user's session id, invalidating every outstanding
// cookie for the account on its next request.
func (s *Service) LogoutAll(ctx context.Context, userid string) error {
	username, _, err := store.ParseUserID(userid)
	if err != nil {
		return ErrInvalidSession
	}
	if err := s.store.ChangeSessionID(ctx, username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidSession
		}
		return err
	}
	log.Printf("[INFO] user %q logged out everywhere", username)
	return nil
}

// Delete removes the account bound to the userid, including its data
// directories (removed in the background by the store's directory manager).
func (s *Service) Delete(ctx context.Context, userid string) error {
	if err := s.store.DeleteUser(ctx, userid); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidUserID) {
			return ErrInvalidSession
		}
		return err
	}
	return nil
}

// ChangePwd replaces the password after re-verifying the old one against the
// hash selected by the exact (username, session_id) pair, then rotates the
// session id so every other session has to log in again.
func (s *Service) ChangePwd(ctx context.Context, userid string, newPassword, oldPassword []byte) error {
	if err := s.checkPassword(newPassword); err != nil {
		return err
	}

	username, sessionID, err := store.ParseUserID(userid)
	if err != nil {
		return ErrInvalidSession
	}

	hash, err := s.store.GetPassHash(ctx, username, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidSession
		}
		return err
	}
	if err := s.hasher.Verify(ctx, oldPassword, hash); err != nil {
		return err
	}

	newHash, err := s.hasher.Create(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := s.store.ChangePassHash(ctx, username, newHash); err != nil {
		return err
	}
	return s.LogoutAll(ctx, userid)
}

// ChangePwdToken replaces the password using a reset token scoped to the
// user. The session id is deliberately not rotated here: the reset flow may
// be driven from the only session the user still controls.
func (s *Service) ChangePwdToken(ctx context.Context, userid string, newPassword []byte, pwdToken string) error {
	if s.tokens == nil {
		return fmt.Errorf("registration tokens are not enabled")
	}

	info, err := s.Validate(ctx, userid)
	if err != nil {
		return err
	}
	if err := s.checkPassword(newPassword); err != nil {
		return err
	}

	if err := s.tokens.CheckPwd(ctx, pwdToken, info.Username); err != nil {
		return err
	}

	newHash, err := s.hasher.Create(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := s.store.ChangePassHash(ctx, info.Username, newHash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidSession
		}
		return err
	}
	log.Printf("[INFO] user %q reset password via token", info.Username)
	return nil
}

// ChangeTOTP generates a fresh TOTP secret after re-verifying the password,
// persists it and rotates the session id. Returns the new enrolment key.
func (s *Service) ChangeTOTP(ctx context.Context, userid string, password []byte) (*otp.Key, error) {
	username, sessionID, err := store.ParseUserID(userid)
	if err != nil {
		return nil, ErrInvalidSession
	}

	hash, err := s.store.GetPassHash(ctx, username, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, err
	}
	if err := s.hasher.Verify(ctx, password, hash); err != nil {
		return nil, err
	}

	key, err := s.totp.Generate(username)
	if err != nil {
		return nil, err
	}
	if err := s.store.ChangeTOTP(ctx, username, key.URL()); err != nil {
		return nil, err
	}
	if err := s.LogoutAll(ctx, userid); err != nil {
		return nil, err
	}
	return key, nil
}
