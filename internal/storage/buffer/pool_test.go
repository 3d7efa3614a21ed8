package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minisql-go/minisql/internal/storage/diskmgr"
	"github.com/minisql-go/minisql/internal/storage/page"
)

func newTestPool(t *testing.T, poolSize int) (*Pool, *diskmgr.Manager) {
	t.Helper()
	dir := t.TempDir()
	dm, err := diskmgr.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return NewPool(dm, poolSize, NewLRUReplacer(poolSize)), dm
}

// TestBufferPoolRoundTrip is spec.md §8 scenario 1: pool size 4, allocate
// 10 pages writing distinct bytes, fetch each back, and confirm
// CheckAllUnpinned after balancing every fetch with an unpin.
func TestBufferPoolRoundTrip(t *testing.T) {
	pool, _ := newTestPool(t, 4)

	ids := make([]page.ID, 0, 10)
	for i := 0; i < 10; i++ {
		h, ok := pool.NewPage(page.TypeTableHeap)
		require.True(t, ok)
		h.Buf[page.HeaderSize] = byte(i)
		pool.Unpin(h.PageID, true)
		ids = append(ids, h.PageID)
	}

	for i, id := range ids {
		h, ok := pool.Fetch(id)
		require.True(t, ok)
		require.Equal(t, byte(i), h.Buf[page.HeaderSize])
		pool.Unpin(id, false)
	}
	require.True(t, pool.CheckAllUnpinned())
}

func TestNewPageAllPinnedReturnsFalse(t *testing.T) {
	pool, _ := newTestPool(t, 2)

	h1, ok := pool.NewPage(page.TypeTableHeap)
	require.True(t, ok)
	h2, ok := pool.NewPage(page.TypeTableHeap)
	require.True(t, ok)

	// Both frames pinned: a third new page cannot be given a frame.
	h3, ok := pool.NewPage(page.TypeTableHeap)
	require.False(t, ok)
	require.Nil(t, h3)

	pool.Unpin(h1.PageID, false)
	pool.Unpin(h2.PageID, false)
}

func TestDeleteFailsWhilePinned(t *testing.T) {
	pool, _ := newTestPool(t, 4)
	h, ok := pool.NewPage(page.TypeTableHeap)
	require.True(t, ok)

	ok, err := pool.Delete(h.PageID)
	require.NoError(t, err)
	require.False(t, ok)

	pool.Unpin(h.PageID, false)
	ok, err = pool.Delete(h.PageID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClockReplacerSecondChance(t *testing.T) {
	r := NewClockReplacer(3)
	r.Unpin(0)
	r.Unpin(1)
	r.Unpin(2)
	// Unpinning frame 0 again is a no-op: it is already evictable. All
	// three ref bits are set, so Victim clears them on its first rotation
	// and evicts frame 0 on the second.
	r.Unpin(0)

	v, ok := r.Victim()
	require.True(t, ok)
	require.NotEqual(t, -1, v)
	require.Equal(t, 2, r.Size())
}

func TestLRUReplacerEvictsTail(t *testing.T) {
	r := NewLRUReplacer(3)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, v)
}
