package diskmgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minisql-go/minisql/internal/storage/page"
)

func TestAllocateReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer m.Close()

	ids := make([]page.ID, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := m.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)

		buf := page.New(page.TypeTableHeap, id)
		buf[page.HeaderSize] = byte(i)
		page.SetCRC(buf)
		require.NoError(t, m.WritePage(id, buf))
	}

	for i, id := range ids {
		buf := make([]byte, page.Size)
		require.NoError(t, m.ReadPage(id, buf))
		require.NoError(t, page.VerifyCRC(buf))
		require.Equal(t, byte(i), buf[page.HeaderSize])
	}
	require.EqualValues(t, 10, m.PageCount())
}

func TestAllocateAcrossExtentBoundary(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer m.Close()

	var last page.ID
	for i := uint32(0); i < Capacity+5; i++ {
		id, err := m.AllocatePage()
		require.NoError(t, err)
		last = id
	}
	require.EqualValues(t, Capacity+4, last)
	require.EqualValues(t, 2, m.extentCount)
}

func TestDeallocateFreesSlot(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer m.Close()

	id, err := m.AllocatePage()
	require.NoError(t, err)
	free, err := m.IsPageFree(id)
	require.NoError(t, err)
	require.False(t, free)

	require.NoError(t, m.DeallocatePage(id))
	free, err = m.IsPageFree(id)
	require.NoError(t, err)
	require.True(t, free)
}

func TestReadBeyondEOFZeroFills(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer m.Close()

	id, err := m.AllocatePage()
	require.NoError(t, err)
	buf := make([]byte, page.Size)
	require.NoError(t, m.ReadPage(id, buf))
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestReopenPersistsMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	m, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.AllocatePage()
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	m2, err := Open(path)
	require.NoError(t, err)
	defer m2.Close()
	require.EqualValues(t, 3, m2.PageCount())
}
