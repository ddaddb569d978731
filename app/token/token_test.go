package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hex0x0000/tiny-cloud/app/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, 16, time.Hour), st
}

func TestService_Create(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	t.Run("default duration", func(t *testing.T) {
		tok, seconds, err := svc.Create(ctx, 0, "")
		require.NoError(t, err)
		assert.Len(t, tok, 16)
		assert.Equal(t, int64(3600), seconds)

		row, err := st.GetToken(ctx, tok)
		require.NoError(t, err)
		assert.Nil(t, row.ForUser)
		assert.InDelta(t, time.Now().Add(time.Hour).Unix(), row.ExpireDate, 5)
	})

	t.Run("override duration and bound user", func(t *testing.T) {
		tok, seconds, err := svc.Create(ctx, 10*time.Minute, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(600), seconds)

		row, err := st.GetToken(ctx, tok)
		require.NoError(t, err)
		require.NotNil(t, row.ForUser)
		assert.Equal(t, "alice", *row.ForUser)
	})

	t.Run("tokens are alphanumeric", func(t *testing.T) {
		tok, _, err := svc.Create(ctx, 0, "")
		require.NoError(t, err)
		for _, c := range tok {
			isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			assert.True(t, isAlnum, "unexpected char %q in token", c)
		}
	})
}

func TestService_Check(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	t.Run("consumes exactly once", func(t *testing.T) {
		tok, _, err := svc.Create(ctx, 0, "")
		require.NoError(t, err)

		require.NoError(t, svc.Check(ctx, tok))
		require.ErrorIs(t, svc.Check(ctx, tok), ErrNotFound)
	})

	t.Run("unknown token", func(t *testing.T) {
		require.ErrorIs(t, svc.Check(ctx, "doesnotexist"), ErrNotFound)
	})

	t.Run("expired token sweeps all expired rows", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).Unix()
		require.NoError(t, st.CreateToken(ctx, "expired1", past, ""))
		require.NoError(t, st.CreateToken(ctx, "expired2", past, ""))

		require.ErrorIs(t, svc.Check(ctx, "expired1"), ErrExpired)

		// both expired rows are gone after the sweep
		_, err := st.GetToken(ctx, "expired1")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.GetToken(ctx, "expired2")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestService_CheckPwd(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	t.Run("valid reset token consumed", func(t *testing.T) {
		tok, _, err := svc.Create(ctx, 0, "alice")
		require.NoError(t, err)

		require.NoError(t, svc.CheckPwd(ctx, tok, "alice"))
		require.ErrorIs(t, svc.CheckPwd(ctx, tok, "alice"), ErrNotFound)
	})

	t.Run("token bound to another user is rejected and kept", func(t *testing.T) {
		tok, _, err := svc.Create(ctx, 0, "alice")
		require.NoError(t, err)

		require.ErrorIs(t, svc.CheckPwd(ctx, tok, "bob"), ErrInvalidPwdToken)

		// the token was not consumed by the failed attempt
		_, err = st.GetToken(ctx, tok)
		require.NoError(t, err)
	})

	t.Run("registration token is not a reset token", func(t *testing.T) {
		tok, _, err := svc.Create(ctx, 0, "")
		require.NoError(t, err)
		require.ErrorIs(t, svc.CheckPwd(ctx, tok, "alice"), ErrInvalidPwdToken)
	})

	t.Run("expired reset token", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).Unix()
		require.NoError(t, st.CreateToken(ctx, "oldreset", past, "alice"))
		require.ErrorIs(t, svc.CheckPwd(ctx, "oldreset", "alice"), ErrExpired)
	})
}

func TestService_Remove(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	t.Run("by token string", func(t *testing.T) {
		tok, _, err := svc.Create(ctx, 0, "")
		require.NoError(t, err)

		require.NoError(t, svc.Remove(ctx, nil, &tok))
		_, err = st.GetToken(ctx, tok)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("by id", func(t *testing.T) {
		tok, _, err := svc.Create(ctx, 0, "")
		require.NoError(t, err)
		row, err := st.GetToken(ctx, tok)
		require.NoError(t, err)

		require.NoError(t, svc.Remove(ctx, &row.ID, nil))
		_, err = st.GetToken(ctx, tok)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("missing token", func(t *testing.T) {
		missing := "missing"
		require.ErrorIs(t, svc.Remove(ctx, nil, &missing), ErrNotFound)
	})
}

func TestService_List(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tokens, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	_, _, err = svc.Create(ctx, 0, "")
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, 0, "alice")
	require.NoError(t, err)

	tokens, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}
