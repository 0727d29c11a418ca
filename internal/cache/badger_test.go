package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newInMemoryBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger(BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestBadgerSetGetDelete(t *testing.T) {
	t.Parallel()

	b := newInMemoryBadger(t)
	ctx := context.Background()

	_, err := b.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, b.Set(ctx, "k", []byte("v1"), time.Minute))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, b.Set(ctx, "k", []byte("v2"), 0))
	got, err = b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, b.Delete(ctx, "k"))
	_, err = b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, b.Delete(ctx, "never-set"))
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := OpenBadger(BadgerConfig{}, nil)
	require.ErrorContains(t, err, "cache.path")
}

func TestOpenBadgerOnDisk(t *testing.T) {
	t.Parallel()

	b, err := OpenBadger(BadgerConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Set(context.Background(), "k", []byte("v"), time.Minute))
	require.NoError(t, b.Close())
}
