package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Tokens(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour).Unix()

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, st.CreateToken(ctx, "tok1", future, ""))

		row, err := st.GetToken(ctx, "tok1")
		require.NoError(t, err)
		assert.Equal(t, "tok1", row.Token)
		assert.Equal(t, future, row.ExpireDate)
		assert.Nil(t, row.ForUser)
	})

	t.Run("for_user is stored", func(t *testing.T) {
		require.NoError(t, st.CreateToken(ctx, "tok2", future, "alice"))

		row, err := st.GetToken(ctx, "tok2")
		require.NoError(t, err)
		require.NotNil(t, row.ForUser)
		assert.Equal(t, "alice", *row.ForUser)
	})

	t.Run("duplicate token string fails", func(t *testing.T) {
		err := st.CreateToken(ctx, "tok1", future, "")
		require.Error(t, err)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := st.GetToken(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete by token", func(t *testing.T) {
		require.NoError(t, st.CreateToken(ctx, "tok3", future, ""))
		require.NoError(t, st.DeleteToken(ctx, "tok3"))
		require.ErrorIs(t, st.DeleteToken(ctx, "tok3"), ErrNotFound)
	})

	t.Run("delete by id", func(t *testing.T) {
		require.NoError(t, st.CreateToken(ctx, "tok4", future, ""))
		row, err := st.GetToken(ctx, "tok4")
		require.NoError(t, err)

		require.NoError(t, st.DeleteTokenByID(ctx, row.ID))
		require.ErrorIs(t, st.DeleteTokenByID(ctx, row.ID), ErrNotFound)
	})

	t.Run("list ordered by id", func(t *testing.T) {
		tokens, err := st.ListTokens(ctx)
		require.NoError(t, err)
		require.Len(t, tokens, 2) // tok1 and tok2 from above
		assert.Equal(t, "tok1", tokens[0].Token)
		assert.Equal(t, "tok2", tokens[1].Token)
		assert.Less(t, tokens[0].ID, tokens[1].ID)
	})
}

func TestStore_SweepExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	require.NoError(t, st.CreateToken(ctx, "live", now+3600, ""))
	require.NoError(t, st.CreateToken(ctx, "dead1", now-10, ""))
	require.NoError(t, st.CreateToken(ctx, "dead2", now-3600, "alice"))

	count, err := st.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	tokens, err := st.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "live", tokens[0].Token)

	count, err = st.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, count)
}
