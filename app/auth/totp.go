package auth

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP generates and checks RFC 6238 time-based one-time passwords.
// Secrets are stored as otpauth:// URLs which carry the issuer, account and
// parameters alongside the secret itself.
type TOTP struct {
	issuer string
}

// NewTOTP creates a TOTP helper. The issuer is the server name with ':'
// stripped, since colons are separators in the otpauth label.
func NewTOTP(serverName string) *TOTP {
	return &TOTP{issuer: strings.ReplaceAll(serverName, ":", "")}
}

// Generate creates a fresh key for a user: 16 random secret bytes with
// RFC 6238 defaults (SHA1, 6 digits, 30 second period).
func (t *TOTP) Generate(username string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: username,
		SecretSize:  16,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}
	return key, nil
}

// Check validates a code against the stored otpauth URL for the current time
// window. Returns ErrInvalidTOTP on mismatch; a malformed URL is internal.
func (t *TOTP) Check(totpURL, code string) error {
	key, err := otp.NewKeyFromURL(totpURL)
	if err != nil {
		return fmt.Errorf("failed to parse totp url: %w", err)
	}
	if key.Type() != "totp" || key.Secret() == "" {
		return fmt.Errorf("malformed totp url")
	}
	if !totp.Validate(code, key.Secret()) {
		return ErrInvalidTOTP
	}
	return nil
}

// QRPNG renders the key's enrolment QR code as a PNG.
func QRPNG(key *otp.Key) ([]byte, error) {
	img, err := key.Image(200, 200)
	if err != nil {
		return nil, fmt.Errorf("failed to render totp qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode totp qr png: %w", err)
	}
	return buf.Bytes(), nil
}
