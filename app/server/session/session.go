// Package session implements the cookie-backed session identity.
//
// The cookie payload is a signed (not encrypted) HS256 token carrying the
// userid "<username>:<session_id>" plus issue and last-visit timestamps. The
// store holds the authoritative session_id, so reading the cookie's plaintext
// gains nothing beyond the existing session lifetime: server-side rotation of
// the session_id invalidates every outstanding cookie on its next validation.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the session cookie name.
const CookieName = "auth"

// keySize is the required signing key length in bytes.
const keySize = 64

// State classifies the outcome of resolving a request's identity.
type State int

// Identity resolution outcomes.
const (
	StateNone    State = iota // no cookie present
	StateLost                 // cookie present but unreadable or tampered
	StateExpired              // cookie valid but past a deadline
	StateOK                   // identity resolved
)

// Identity is a resolved session: the userid plus the login timestamp needed
// to re-mint the cookie without resetting the absolute deadline.
type Identity struct {
	UserID   string
	IssuedAt time.Time
}

// claims is the signed cookie payload.
type claims struct {
	UID       string `json:"uid"`
	LastVisit int64  `json:"lv"`
	jwt.RegisteredClaims
}

// Service mints, resolves and clears session cookies.
type Service struct {
	key           []byte
	cookieTTL     time.Duration
	loginDeadline time.Duration // 0 disables the absolute deadline
	visitDeadline time.Duration // 0 disables the inactivity deadline
	secure        bool
}

// New creates a session Service with the signing key loaded from keyPath.
// The key file must hold at least 64 raw bytes; a short key fails startup.
// secure controls the cookie Secure flag and should be true iff TLS is on.
func New(keyPath string, cookieTTL, loginDeadline, visitDeadline time.Duration, secure bool) (*Service, error) {
	key, err := os.ReadFile(keyPath) //nolint:gosec // path comes from the config file, controlled by admin
	if err != nil {
		return nil, fmt.Errorf("failed to read session secret key: %w", err)
	}
	if len(key) < keySize {
		return nil, fmt.Errorf("session secret key must be at least %d bytes, got %d", keySize, len(key))
	}

	return &Service{
		key:           key[:keySize],
		cookieTTL:     cookieTTL,
		loginDeadline: loginDeadline,
		visitDeadline: visitDeadline,
		secure:        secure,
	}, nil
}

// Mint establishes a new session for userid and sets the cookie.
func (s *Service) Mint(w http.ResponseWriter, userid string) error {
	return s.set(w, userid, time.Now())
}

// Refresh re-mints the cookie for a resolved identity, advancing the
// last-visit timestamp while preserving the original login time.
func (s *Service) Refresh(w http.ResponseWriter, id Identity) error {
	return s.set(w, id.UserID, id.IssuedAt)
}

func (s *Service) set(w http.ResponseWriter, userid string, issuedAt time.Time) error {
	now := time.Now()
	c := claims{
		UID:       userid,
		LastVisit: now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cookieTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return fmt.Errorf("failed to sign session token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(s.cookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// Resolve extracts the identity from a request's cookie.
// StateNone means no cookie, StateLost an unreadable or tampered one,
// StateExpired a deadline violation; only StateOK carries an Identity.
func (s *Service) Resolve(r *http.Request) (Identity, State) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return Identity{}, StateNone
	}

	var c claims
	_, err = jwt.ParseWithClaims(cookie.Value, &c, func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, StateExpired
		}
		return Identity{}, StateLost
	}
	if c.UID == "" || c.IssuedAt == nil {
		return Identity{}, StateLost
	}

	now := time.Now()
	if s.loginDeadline > 0 && now.After(c.IssuedAt.Add(s.loginDeadline)) {
		return Identity{}, StateExpired
	}
	if s.visitDeadline > 0 && now.After(time.Unix(c.LastVisit, 0).Add(s.visitDeadline)) {
		return Identity{}, StateExpired
	}

	return Identity{UserID: c.UID, IssuedAt: c.IssuedAt.Time}, StateOK
}

// Clear drops the session cookie.
func (s *Service) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}
