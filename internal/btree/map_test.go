package btree

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"govetachun/treekv/internal/config"
	"govetachun/treekv/pkg/kv"
)

func newTestMap(t *testing.T) *Map {
	t.Helper()
	return NewMap("test", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
}

func TestMapPutGet(t *testing.T) {
	m := newTestMap(t)
	require.NoError(t, m.Put(kv.Key("a"), kv.Value("1")))
	require.NoError(t, m.Put(kv.Key("b"), kv.Value("2")))

	v, ok, err := m.Get(kv.Key("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kv.Value("1"), v)

	_, ok, err = m.Get(kv.Key("missing"))
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 2, m.Size())
}

func TestMapPutOverwriteDoesNotGrowSize(t *testing.T) {
	m := newTestMap(t)
	require.NoError(t, m.Put(kv.Key("a"), kv.Value("1")))
	require.NoError(t, m.Put(kv.Key("a"), kv.Value("2")))
	require.EqualValues(t, 1, m.Size())
	v, _, _ := m.Get(kv.Key("a"))
	require.Equal(t, kv.Value("2"), v)
}

func TestMapPutIfAbsentAndReplace(t *testing.T) {
	m := newTestMap(t)

	inserted, err := m.PutIfAbsent(kv.Key("a"), kv.Value("1"))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = m.PutIfAbsent(kv.Key("a"), kv.Value("2"))
	require.NoError(t, err)
	require.False(t, inserted)
	v, _, _ := m.Get(kv.Key("a"))
	require.Equal(t, kv.Value("1"), v)

	replaced, err := m.Replace(kv.Key("a"), kv.Value("3"))
	require.NoError(t, err)
	require.True(t, replaced)

	replaced, err = m.Replace(kv.Key("missing"), kv.Value("x"))
	require.NoError(t, err)
	require.False(t, replaced)
}

func TestMapAppendGeneratesIncreasingKeys(t *testing.T) {
	m := newTestMap(t)

	k1, err := m.Append(kv.Value("1"))
	require.NoError(t, err)
	k2, err := m.Append(kv.Value("2"))
	require.NoError(t, err)
	require.Less(t, m.cmp(k1, k2), 0)
	require.EqualValues(t, 2, m.Size())

	v, ok, err := m.Get(k1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kv.Value("1"), v)

	// Put on an explicit key never advances maxKey, so a subsequent
	// Append still reserves the next value rather than colliding.
	require.NoError(t, m.Put(kv.Key("z"), kv.Value("explicit")))
	k3, err := m.Append(kv.Value("3"))
	require.NoError(t, err)
	require.NotEqual(t, k2, k3)
	require.Less(t, m.cmp(k2, k3), 0)
}

func TestMapAppendAsync(t *testing.T) {
	m := newTestMap(t)
	done := make(chan kv.Key, 1)
	m.AppendAsync(kv.Value("async"), func(key kv.Key, err error) {
		require.NoError(t, err)
		done <- key
	})
	key := <-done
	v, ok, err := m.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kv.Value("async"), v)
}

func TestMapRemove(t *testing.T) {
	m := newTestMap(t)
	require.NoError(t, m.Put(kv.Key("a"), kv.Value("1")))

	removed, err := m.Remove(kv.Key("a"))
	require.NoError(t, err)
	require.True(t, removed)
	require.EqualValues(t, 0, m.Size())

	removed, err = m.Remove(kv.Key("a"))
	require.NoError(t, err)
	require.False(t, removed)
}

func TestMapSplitsAboveLeafThreshold(t *testing.T) {
	m := newTestMap(t)
	var splits int
	m.OnLeafPageSplit(func(old, left, right PageKey) { splits++ })

	for i := 0; i < maxLeafEntries*4; i++ {
		key := kv.Key(fmt.Sprintf("key-%05d", i))
		require.NoError(t, m.Put(key, kv.Value(fmt.Sprintf("val-%d", i))))
	}
	require.EqualValues(t, maxLeafEntries*4, m.Size())
	require.Greater(t, splits, 0)

	for i := 0; i < maxLeafEntries*4; i++ {
		key := kv.Key(fmt.Sprintf("key-%05d", i))
		v, ok, err := m.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, kv.Value(fmt.Sprintf("val-%d", i)), v)
	}
}

func TestMapDeleteTriggersMergeAndStaysConsistent(t *testing.T) {
	m := newTestMap(t)
	n := maxLeafEntries * 6
	for i := 0; i < n; i++ {
		key := kv.Key(fmt.Sprintf("key-%05d", i))
		require.NoError(t, m.Put(key, kv.Value("v")))
	}
	for i := 0; i < n; i += 2 {
		key := kv.Key(fmt.Sprintf("key-%05d", i))
		removed, err := m.Remove(key)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.EqualValues(t, n/2, m.Size())
	for i := 1; i < n; i += 2 {
		key := kv.Key(fmt.Sprintf("key-%05d", i))
		_, ok, err := m.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 0; i < n; i += 2 {
		key := kv.Key(fmt.Sprintf("key-%05d", i))
		_, ok, err := m.Get(key)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestMapOrderedNavigation(t *testing.T) {
	m := newTestMap(t)
	keys := []string{"b", "d", "f", "h"}
	for _, k := range keys {
		require.NoError(t, m.Put(kv.Key(k), kv.Value(k)))
	}

	first, ok := m.FirstKey()
	require.True(t, ok)
	require.Equal(t, kv.Key("b"), first)

	last, ok := m.LastKey()
	require.True(t, ok)
	require.Equal(t, kv.Key("h"), last)

	floor, ok := m.FloorKey(kv.Key("e"))
	require.True(t, ok)
	require.Equal(t, kv.Key("d"), floor)

	ceil, ok := m.CeilingKey(kv.Key("e"))
	require.True(t, ok)
	require.Equal(t, kv.Key("f"), ceil)

	higher, ok := m.HigherKey(kv.Key("d"))
	require.True(t, ok)
	require.Equal(t, kv.Key("f"), higher)

	lower, ok := m.LowerKey(kv.Key("d"))
	require.True(t, ok)
	require.Equal(t, kv.Key("b"), lower)

	_, ok = m.LowerKey(kv.Key("b"))
	require.False(t, ok)

	_, ok = m.HigherKey(kv.Key("h"))
	require.False(t, ok)

	floorExact, ok := m.FloorKey(kv.Key("d"))
	require.True(t, ok)
	require.Equal(t, kv.Key("d"), floorExact)
}

func TestCursorRange(t *testing.T) {
	m := newTestMap(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Put(kv.Key(fmt.Sprintf("k%02d", i)), kv.Value(fmt.Sprintf("v%02d", i))))
	}

	c := m.Cursor(kv.Key("k05"), kv.Key("k10"))
	var got []string
	for c.Next() {
		got = append(got, string(c.Key()))
	}
	require.Equal(t, []string{"k05", "k06", "k07", "k08", "k09"}, got)

	full := m.Cursor(nil, nil)
	var count int
	for full.Next() {
		count++
	}
	require.Equal(t, 20, count)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := newTestMap(t)
	n := maxLeafEntries * 3
	for i := 0; i < n; i++ {
		key := kv.Key(fmt.Sprintf("key-%05d", i))
		require.NoError(t, m.Put(key, kv.Value(fmt.Sprintf("val-%d", i))))
	}

	data := m.Snapshot()

	restored := newTestMap(t)
	require.NoError(t, restored.Restore(data))
	require.Equal(t, m.Size(), restored.Size())

	for i := 0; i < n; i++ {
		key := kv.Key(fmt.Sprintf("key-%05d", i))
		v, ok, err := restored.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, kv.Value(fmt.Sprintf("val-%d", i)), v)
	}
}

func TestSnapshotRestoreRejectsCorruptChecksum(t *testing.T) {
	m := newTestMap(t)
	require.NoError(t, m.Put(kv.Key("a"), kv.Value("1")))
	data := m.Snapshot()
	data[len(data)-1] ^= 0xFF

	restored := newTestMap(t)
	err := restored.Restore(data)
	require.Error(t, err)
}

func TestConcurrentPutsConverge(t *testing.T) {
	m := newTestMap(t)
	const n = 500
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			key := kv.Key(fmt.Sprintf("key-%05d", i))
			done <- m.Put(key, kv.Value("v"))
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}
	require.EqualValues(t, n, m.Size())

	var keys []string
	for i := 0; i < n; i++ {
		keys = append(keys, fmt.Sprintf("key-%05d", i))
	}
	sort.Strings(keys)
	first, _ := m.FirstKey()
	require.Equal(t, keys[0], string(first))
	last, _ := m.LastKey()
	require.Equal(t, keys[len(keys)-1], string(last))
}

func TestRandomizedAgainstReferenceMap(t *testing.T) {
	m := newTestMap(t)
	reference := map[string]string{}
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("k%04d", r.Intn(300))
		switch r.Intn(3) {
		case 0:
			val := fmt.Sprintf("v%d", i)
			require.NoError(t, m.Put(kv.Key(key), kv.Value(val)))
			reference[key] = val
		case 1:
			_, err := m.Remove(kv.Key(key))
			require.NoError(t, err)
			delete(reference, key)
		case 2:
			v, ok, err := m.Get(kv.Key(key))
			require.NoError(t, err)
			want, wantOk := reference[key]
			require.Equal(t, wantOk, ok)
			if wantOk {
				require.Equal(t, kv.Value(want), v)
			}
		}
	}
	require.EqualValues(t, len(reference), m.Size())
}
