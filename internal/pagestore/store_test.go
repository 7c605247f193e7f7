package pagestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"govetachun/treekv/internal/btree"
	"govetachun/treekv/internal/config"
	"govetachun/treekv/pkg/kv"
)

func newTestTree(t *testing.T, n int) *btree.Map {
	t.Helper()
	m := btree.NewMap("test", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
	for i := 0; i < n; i++ {
		require.NoError(t, m.Put(kv.Key(string(rune('a'+i%26))+string(rune('0'+i/26))), kv.Value("v")))
	}
	return m
}

func TestStoreSaveLoadOnDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.trkv")

	m := newTestTree(t, 50)
	s, err := Open(path, config.Default())
	require.NoError(t, err)
	pos, err := s.ForceSave(m)
	require.NoError(t, err)
	require.GreaterOrEqual(t, pos, int64(0))
	require.NoError(t, s.Close())

	s2, err := Open(path, config.Default())
	require.NoError(t, err)
	defer s2.Close()
	restored := btree.NewMap("test", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
	require.NoError(t, s2.Load(restored))
	require.Equal(t, m.Size(), restored.Size())
}

func TestStoreKeepsOnlyLatestChunkOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.trkv")

	s, err := Open(path, config.Default())
	require.NoError(t, err)

	m1 := newTestTree(t, 5)
	_, err = s.Save(m1)
	require.NoError(t, err)

	m2 := newTestTree(t, 40)
	_, err = s.Save(m2)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, config.Default())
	require.NoError(t, err)
	defer s2.Close()
	restored := btree.NewMap("test", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
	require.NoError(t, s2.Load(restored))
	require.Equal(t, m2.Size(), restored.Size())
}

func TestStoreInMemoryMode(t *testing.T) {
	cfg := config.Default()
	cfg.InMemory = true

	s, err := Open("unused-path", cfg)
	require.NoError(t, err)

	m := newTestTree(t, 20)
	_, err = s.Save(m)
	require.NoError(t, err)

	restored := btree.NewMap("test", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
	require.NoError(t, s.Load(restored))
	require.Equal(t, m.Size(), restored.Size())
	require.NoError(t, s.Close())
}

func TestStoreLoadOnEmptyFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.trkv")
	s, err := Open(path, config.Default())
	require.NoError(t, err)
	defer s.Close()

	m := btree.NewMap("test", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
	require.NoError(t, s.Load(m))
	require.EqualValues(t, 0, m.Size())
}
