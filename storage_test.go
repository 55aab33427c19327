package onepad

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BoltStorage {
	s, err := NewBoltStorage(StorageOptions{FilePath: filepath.Join(t.TempDir(), "test.boltdb")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStorage(t *testing.T) {
	s := newTestStorage(t)

	v, err := s.Get("missing")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, s.Set("keys/a/1", []byte("one")))
	require.NoError(t, s.SetAll(map[string][]byte{
		"keys/a/2": []byte("two"),
		"keys/b/1": []byte("three"),
		"index/1":  []byte("a"),
	}))
	v, err = s.Get("keys/a/2")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), v)

	keys, err := s.List("keys/a/")
	require.NoError(t, err)
	require.Equal(t, []string{"keys/a/1", "keys/a/2"}, keys)

	require.NoError(t, deleteAllWithPrefix(s, "keys/"))
	keys, err = s.List("keys/")
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, s.Delete("index/1"))
	require.NoError(t, s.Delete("index/1"))
}

func TestBoltStorageLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.boltdb")
	s, err := NewBoltStorage(StorageOptions{FilePath: path})
	require.NoError(t, err)
	defer s.Close()

	_, err = NewStorage(StorageOptions{FilePath: path, LockTimeout: 50 * time.Millisecond})
	require.Error(t, err)

	_, err = NewStorage(StorageOptions{Engine: StorageEngine(7)})
	require.Error(t, err)
}
