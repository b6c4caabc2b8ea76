package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgekit/mosaic/pkg/storagectx"
)

func newTestStore() *FileStore {
	ctx := storagectx.New(storagectx.NewMemory(), "", "base")
	return NewFileStore(ctx)
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	ref1, err := store.Put(ctx, "movie1", []byte(`{"a":1}`), "application/json")
	require.NoError(t, err)

	ref2, err := store.Put(ctx, "movie1", []byte(`{"a":1}`), "application/json")
	require.NoError(t, err)

	require.Equal(t, ref1, ref2)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	ref, err := store.Put(ctx, "movie1", []byte("hello world"), "text/plain")
	require.NoError(t, err)

	data, err := store.Get(ctx, "movie1", ref)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestExistsByHashAlone(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	ref, err := store.Put(ctx, "movie1", []byte("payload"), "audio/mpeg")
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "movie1", ref.Hash)
	require.NoError(t, err)
	require.True(t, ok)

	missing, err := store.Exists(ctx, "movie1", "0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.False(t, missing)
}

func TestDifferentMoviesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	ref, err := store.Put(ctx, "movieA", []byte("x"), "text/plain")
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "movieB", ref.Hash)
	require.NoError(t, err)
	require.False(t, ok)
}
