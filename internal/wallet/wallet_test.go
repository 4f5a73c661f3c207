package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/tokex-api/internal/testutil"
)

func TestStore_BindAndResolve(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	ctx := context.Background()

	_, err := store.ResolveWallet(ctx, "alice", "polygon")
	assert.ErrorIs(t, err, ErrMissingWalletBinding)

	_, err = store.Bind(ctx, "alice", "polygon", "0xaaa")
	require.NoError(t, err)

	addr, err := store.ResolveWallet(ctx, "alice", "polygon")
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", addr)

	_, err = store.Bind(ctx, "alice", "polygon", "0xbbb")
	require.NoError(t, err)
	addr, err = store.ResolveWallet(ctx, "alice", "polygon")
	require.NoError(t, err)
	assert.Equal(t, "0xbbb", addr)

	_, err = store.ResolveWallet(ctx, "alice", "solana")
	assert.ErrorIs(t, err, ErrMissingWalletBinding)
}

func TestStore_BindValidation(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	_, err := store.Bind(context.Background(), "alice", "  ", "0xaaa")
	assert.ErrorIs(t, err, ErrInvalidBinding)
}
