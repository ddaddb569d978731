package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors of the auth service. Handlers map them onto HTTP responses;
// anything not in this list is treated as internal and kept out of the reply.
var (
	// ErrInvalidCredentials is a wrong username/password pair. Deliberately
	// opaque: it never says which half was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidTOTP is a failed second-factor check.
	ErrInvalidTOTP = errors.New("invalid totp code")

	// ErrInvalidRegCredentials is returned on registration when the username
	// is already taken.
	ErrInvalidRegCredentials = errors.New("invalid registration credentials")

	// ErrInvalidSession is returned when a userid does not resolve to a live
	// (username, session_id) pair.
	ErrInvalidSession = errors.New("invalid session")
)

// BadCredentialsError reports a credential shape violation (length or
// character set). The reason is safe to echo to the client.
type BadCredentialsError struct {
	Reason string
}

func (e *BadCredentialsError) Error() string {
	return fmt.Sprintf("bad credentials were given: %s", e.Reason)
}
