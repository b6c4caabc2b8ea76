package storagectx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalWriteReadExists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := NewLocal()

	path := filepath.Join(dir, "a", "b.txt")
	require.NoError(t, l.Write(ctx, path, []byte("hello"), WriteOptions{}))

	ok, err := l.Exists(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := l.ReadString(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestLocalListShallowVsDeep(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := NewLocal()

	require.NoError(t, l.Write(ctx, filepath.Join(dir, "top.txt"), []byte("x"), WriteOptions{}))
	require.NoError(t, l.Write(ctx, filepath.Join(dir, "nested", "inner.txt"), []byte("y"), WriteOptions{}))

	shallow, err := l.List(ctx, dir, ListOptions{})
	require.NoError(t, err)
	require.Contains(t, shallow, "top.txt")

	deep, err := l.List(ctx, dir, ListOptions{Deep: true})
	require.NoError(t, err)
	require.Contains(t, deep, filepath.Join("nested", "inner.txt"))
}

func TestMemoryBackendMirrorsLocalContract(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Write(ctx, "movie/events/inputs.log", []byte("{}\n"), WriteOptions{}))
	ok, err := m.Exists(ctx, "movie/events/inputs.log")
	require.NoError(t, err)
	require.True(t, ok)

	dirOk, err := m.DirectoryExists(ctx, "movie/events")
	require.NoError(t, err)
	require.True(t, dirOk)

	entries, err := m.List(ctx, "movie/events", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"inputs.log"}, entries)
}

func TestMoviePathResolution(t *testing.T) {
	c := New(NewMemory(), "/root", "base")
	require.Equal(t, filepath.Join("/root", "base", "m1", "current.json"), c.MoviePath("m1", "current.json"))
}
