package index

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minisql-go/minisql/internal/storage/buffer"
	"github.com/minisql-go/minisql/internal/storage/diskmgr"
)

const testKeySize = 4

func encKey(k uint32) []byte {
	var b [testKeySize]byte
	binary.BigEndian.PutUint32(b[:], k)
	return b[:]
}

func decKey(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func encRid(k uint32) [8]byte {
	var r [8]byte
	binary.BigEndian.PutUint32(r[0:4], 1)
	binary.BigEndian.PutUint32(r[4:8], k)
	return r
}

func newTestTree(t *testing.T) *BTree {
	t.Helper()
	dir := t.TempDir()
	dm, err := diskmgr.Open(filepath.Join(dir, "idx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	pool := buffer.NewPool(dm, 64, buffer.NewLRUReplacer(64))
	tree, err := Create(pool, testKeySize)
	require.NoError(t, err)
	return tree
}

func TestBTreeInsertGetSingle(t *testing.T) {
	tree := newTestTree(t)
	ok, err := tree.Insert(encKey(7), encRid(7))
	require.NoError(t, err)
	require.True(t, ok)

	rid, found := tree.Get(encKey(7))
	require.True(t, found)
	require.Equal(t, encRid(7), rid)

	_, found = tree.Get(encKey(8))
	require.False(t, found)
	require.NoError(t, tree.Verify())
}

func TestBTreeDuplicateRejected(t *testing.T) {
	tree := newTestTree(t)
	ok, err := tree.Insert(encKey(1), encRid(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(encKey(1), encRid(99))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestBTreeBulkScenario is spec.md §8 scenario 3: insert keys 1..10000
// each mapped to its own RowId, range-scan ascending from key 4000,
// delete key 5000, then confirm get_value(5000) returns false.
func TestBTreeBulkScenario(t *testing.T) {
	tree := newTestTree(t)

	const n = 10000
	for i := uint32(1); i <= n; i++ {
		ok, err := tree.Insert(encKey(i), encRid(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, tree.Verify())

	for _, k := range []uint32{1, 2, 4999, 5000, 5001, n} {
		rid, found := tree.Get(encKey(k))
		require.True(t, found, "key %d", k)
		require.Equal(t, encRid(k), rid)
	}

	it := tree.Range(encKey(4000))
	expect := uint32(4000)
	count := 0
	for {
		key, rid, ok := it.Next()
		if !ok {
			break
		}
		require.Equal(t, expect, decKey(key))
		require.Equal(t, encRid(expect), rid)
		expect++
		count++
	}
	require.Equal(t, int(n-4000+1), count)

	ok, err := tree.Delete(encKey(5000))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tree.Verify())

	_, found := tree.Get(encKey(5000))
	require.False(t, found)

	for _, k := range []uint32{4999, 5001} {
		_, found := tree.Get(encKey(k))
		require.True(t, found)
	}
}

func TestBTreeDeleteDrainsToEmpty(t *testing.T) {
	tree := newTestTree(t)
	const n = 500
	for i := uint32(0); i < n; i++ {
		ok, err := tree.Insert(encKey(i), encRid(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, tree.Verify())

	for i := uint32(0); i < n; i++ {
		ok, err := tree.Delete(encKey(i))
		require.NoError(t, err)
		require.True(t, ok)
		if i%50 == 0 {
			require.NoError(t, tree.Verify())
		}
	}
	require.NoError(t, tree.Verify())
	for i := uint32(0); i < n; i++ {
		_, found := tree.Get(encKey(i))
		require.False(t, found)
	}
}

func TestBTreeDeleteMissingKey(t *testing.T) {
	tree := newTestTree(t)
	ok, err := tree.Insert(encKey(1), encRid(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Delete(encKey(2))
	require.NoError(t, err)
	require.False(t, ok)
}
