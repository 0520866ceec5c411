package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-etl/internal/domain"
)

func TestDashboardCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewDashboardCache(NewClient(Options{Addr: mr.Addr()}), "", time.Minute, zerolog.Nop())
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "empty cache should miss")

	d := &domain.Dashboard{
		OwnerID: "alice",
		Summary: domain.Summary{
			Income:           decimal.RequireFromString("5000000"),
			Expense:          decimal.RequireFromString("65000.50"),
			TransactionCount: 3,
		},
	}
	require.NoError(t, c.Set(ctx, "alice", d))
	assert.True(t, mr.Exists(DefaultPrefix+"dashboard:alice"))

	got, ok, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Summary.TransactionCount)
	assert.True(t, got.Summary.Expense.Equal(d.Summary.Expense))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire")

	require.NoError(t, c.Set(ctx, "alice", d))
	require.NoError(t, c.Delete(ctx, "alice"))
	_, ok, _ = c.Get(ctx, "alice")
	assert.False(t, ok)
}

func TestDashboardCache_Ping(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	c := NewDashboardCache(NewClient(Options{Addr: mr.Addr()}), "test:", 0, zerolog.Nop())
	require.NoError(t, c.Ping(context.Background()))

	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}

func TestOwnerLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(Options{Addr: mr.Addr()})
	a := NewOwnerLocks(client, "", time.Minute, zerolog.Nop())
	b := NewOwnerLocks(client, "", time.Minute, zerolog.Nop())
	ctx := context.Background()

	release, err := a.TryLock(ctx, "alice")
	require.NoError(t, err)

	_, err = b.TryLock(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrRunInProgress, "a second instance must not acquire a held owner")

	releaseBob, err := b.TryLock(ctx, "bob")
	require.NoError(t, err)
	releaseBob()

	release()
	release()
	assert.False(t, mr.Exists(DefaultPrefix+"lock:owner:alice"))

	again, err := b.TryLock(ctx, "alice")
	require.NoError(t, err)
	again()
}

func TestOwnerLocks_ReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	l := NewOwnerLocks(NewClient(Options{Addr: mr.Addr()}), "", time.Second, zerolog.Nop())
	ctx := context.Background()

	release, err := l.TryLock(ctx, "alice")
	require.NoError(t, err)

	// The lock expires and another holder takes it.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(DefaultPrefix+"lock:owner:alice", "other-holder"))

	release()
	got, err := mr.Get(DefaultPrefix + "lock:owner:alice")
	require.NoError(t, err)
	assert.Equal(t, "other-holder", got, "release must not delete a lock it no longer holds")
}
