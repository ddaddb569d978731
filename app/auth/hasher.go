package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

// argon2id parameters, PHC-encoded into every hash so they can change
// without invalidating stored passwords.
const (
	argonMemory      = 64 * 1024 // KiB
	argonIterations  = 3
	argonParallelism = 2
	argonSaltLen     = 16
	argonKeyLen      = 32
)

// Hasher hashes and verifies passwords with argon2id. The work is CPU-bound,
// so concurrent calls are bounded by a weighted semaphore sized to the worker
// count; requests past the bound queue instead of oversubscribing the CPUs.
type Hasher struct {
	sem       *semaphore.Weighted
	dummyHash string
}

// NewHasher creates a Hasher bounded to the given number of concurrent
// hashing operations. It precomputes a hash of a random throwaway password,
// used to equalize timing when login misses on an unknown username.
func NewHasher(workers int) (*Hasher, error) {
	if workers < 1 {
		workers = 1
	}
	h := &Hasher{sem: semaphore.NewWeighted(int64(workers))}

	throwaway := make([]byte, 32)
	if _, err := rand.Read(throwaway); err != nil {
		return nil, fmt.Errorf("failed to generate dummy password: %w", err)
	}
	dummy, err := h.Create(context.Background(), throwaway)
	if err != nil {
		return nil, fmt.Errorf("failed to precompute dummy hash: %w", err)
	}
	h.dummyHash = dummy
	return h, nil
}

// Create hashes a password and returns the PHC-encoded string
// ($argon2id$v=19$m=...,t=...,p=...$salt$digest) with a fresh random salt.
func (h *Hasher) Create(ctx context.Context, password []byte) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("failed to acquire hashing slot: %w", err)
	}
	defer h.sem.Release(1)

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := argon2.IDKey(password, salt, argonIterations, argonMemory, argonParallelism, argonKeyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Digest := base64.RawStdEncoding.EncodeToString(digest)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism, b64Salt, b64Digest), nil
}

// Verify checks a password against a PHC-encoded hash. Returns
// ErrInvalidCredentials only for a legitimate mismatch; a malformed hash is
// an internal error. The check always runs to completion and uses a
// constant-time comparison.
func (h *Hasher) Verify(ctx context.Context, password []byte, encodedHash string) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire hashing slot: %w", err)
	}
	defer h.sem.Release(1)

	memory, iterations, parallelism, salt, digest, err := decodeHash(encodedHash)
	if err != nil {
		return err
	}

	other := argon2.IDKey(password, salt, iterations, memory, parallelism, uint32(len(digest))) //nolint:gosec // digest length bounded by decode
	if subtle.ConstantTimeCompare(digest, other) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// VerifyDummy performs a full verification against the precomputed throwaway
// hash. Called on login when the username does not exist, so a miss costs the
// same wall time as a wrong password for a real account.
func (h *Hasher) VerifyDummy(ctx context.Context, password []byte) {
	_ = h.Verify(ctx, password, h.dummyHash)
}

// decodeHash parses a PHC argon2id string into its parameters, salt and digest.
func decodeHash(encodedHash string) (memory, iterations uint32, parallelism uint8, salt, digest []byte, err error) {
	vals := strings.Split(encodedHash, "$")
	if len(vals) != 6 || vals[1] != "argon2id" {
		return 0, 0, 0, nil, nil, fmt.Errorf("malformed password hash")
	}

	var version int
	if _, err = fmt.Sscanf(vals[2], "v=%d", &version); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("malformed password hash version: %w", err)
	}
	if version != argon2.Version {
		return 0, 0, 0, nil, nil, fmt.Errorf("incompatible argon2 version %d", version)
	}

	if _, err = fmt.Sscanf(vals[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("malformed password hash parameters: %w", err)
	}

	if salt, err = base64.RawStdEncoding.DecodeString(vals[4]); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("malformed password hash salt: %w", err)
	}
	if digest, err = base64.RawStdEncoding.DecodeString(vals[5]); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("malformed password hash digest: %w", err)
	}
	return memory, iterations, parallelism, salt, digest, nil
}
