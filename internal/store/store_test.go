package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	_, ok := s.Get("missing")
	assert.False(t, ok)

	require.NoError(t, s.Set("k", "v"))
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete("k"))
	_, ok = s.Get("k")
	assert.False(t, ok)

	require.NoError(t, s.Delete("k"), "deleting an absent key is a no-op")
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Set("b", "2"))
	require.NoError(t, s.Delete("a"))

	reloaded, err := New(path)
	require.NoError(t, err)

	_, ok := reloaded.Get("a")
	assert.False(t, ok)
	v, ok := reloaded.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestLoadMissingFile(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err, "a missing store file means a fresh store")
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := New(path)
	assert.Error(t, err)
}

func TestPersistCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "store.json")

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "store.json", entries[0].Name())
}
