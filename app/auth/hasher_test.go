package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_CreateVerify(t *testing.T) {
	h, err := NewHasher(2)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("roundtrip", func(t *testing.T) {
		hash, err := h.Create(ctx, []byte("correcthorse"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"), "hash %q is not PHC encoded", hash)

		require.NoError(t, h.Verify(ctx, []byte("correcthorse"), hash))
	})

	t.Run("mismatch is ErrInvalidCredentials", func(t *testing.T) {
		hash, err := h.Create(ctx, []byte("correcthorse"))
		require.NoError(t, err)

		err = h.Verify(ctx, []byte("wrongpassword"), hash)
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("salts differ between calls", func(t *testing.T) {
		hash1, err := h.Create(ctx, []byte("samepassword"))
		require.NoError(t, err)
		hash2, err := h.Create(ctx, []byte("samepassword"))
		require.NoError(t, err)
		assert.NotEqual(t, hash1, hash2)
	})

	t.Run("malformed hash is internal, not a mismatch", func(t *testing.T) {
		for _, bad := range []string{"", "plainstring", "$argon2id$v=19$garbage", "$bcrypt$something"} {
			err := h.Verify(ctx, []byte("whatever"), bad)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrInvalidCredentials, "hash %q", bad)
		}
	})
}

func TestHasher_VerifyDummy(t *testing.T) {
	h, err := NewHasher(1)
	require.NoError(t, err)

	// must not panic; VerifyDummy reports no result
	h.VerifyDummy(context.Background(), []byte("anything"))
}

func TestHasher_CanceledContext(t *testing.T) {
	h, err := NewHasher(1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.Create(ctx, []byte("password"))
	require.Error(t, err)
}
