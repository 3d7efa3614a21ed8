package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/storage/buffer"
	"github.com/minisql-go/minisql/internal/storage/diskmgr"
	"github.com/minisql-go/minisql/internal/storage/page"
)

func newTestCatalog(t *testing.T) (*Catalog, *buffer.Pool) {
	t.Helper()
	dir := t.TempDir()
	dm, err := diskmgr.Open(filepath.Join(dir, "cat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	pool := buffer.NewPool(dm, 64, buffer.NewLRUReplacer(64))
	c, err := Create(pool)
	require.NoError(t, err)
	return c, pool
}

func testSchema() record.Schema {
	return record.Schema{Columns: []record.Column{
		{Name: "id", Type: record.ColInt, TableIndex: 0},
		{Name: "name", Type: record.ColChar, Length: 32, TableIndex: 1},
	}}
}

func TestCreateAndGetTable(t *testing.T) {
	c, _ := newTestCatalog(t)
	schema := testSchema()

	ti, err := c.CreateTable("Users", schema, page.ID(5), page.ID(6))
	require.NoError(t, err)
	require.Equal(t, TableID(1), ti.ID)

	got, err := c.GetTable("users")
	require.NoError(t, err)
	require.Equal(t, ti.ID, got.ID)
	require.Equal(t, page.ID(5), got.FirstPageID)

	_, err = c.CreateTable("USERS", schema, page.ID(7), page.ID(8))
	require.ErrorIs(t, err, errkind.ErrDuplicateTable)

	_, err = c.GetTable("nope")
	require.ErrorIs(t, err, errkind.ErrTableNotFound)
}

func TestListTablesSorted(t *testing.T) {
	c, _ := newTestCatalog(t)
	schema := testSchema()
	_, err := c.CreateTable("zebra", schema, 1, 2)
	require.NoError(t, err)
	_, err = c.CreateTable("apple", schema, 3, 4)
	require.NoError(t, err)

	require.Equal(t, []string{"apple", "zebra"}, c.ListTables())
}

func TestCreateIndexRejectsUnsupportedType(t *testing.T) {
	c, pool := newTestCatalog(t)
	schema := testSchema()
	_, err := c.CreateTable("t", schema, 1, 2)
	require.NoError(t, err)

	h, ok := pool.NewPage(page.TypeIndexRoots)
	require.True(t, ok)

	_, err = c.CreateIndex("t", "idx1", "hash", []string{"id"}, h.PageID)
	require.ErrorIs(t, err, errkind.ErrUnsupportedIndex)
}

func TestCreateIndexAndDrop(t *testing.T) {
	c, pool := newTestCatalog(t)
	schema := testSchema()
	_, err := c.CreateTable("t", schema, 1, 2)
	require.NoError(t, err)

	h, ok := pool.NewPage(page.TypeIndexRoots)
	require.True(t, ok)

	ii, err := c.CreateIndex("t", "idx1", "bptree", []string{"id"}, h.PageID)
	require.NoError(t, err)
	require.Equal(t, []int{0}, ii.ColumnIdxs)

	got, err := c.GetIndex("t", "idx1")
	require.NoError(t, err)
	require.Equal(t, ii.ID, got.ID)

	_, err = c.CreateIndex("t", "idx1", "bptree", []string{"id"}, h.PageID)
	require.ErrorIs(t, err, errkind.ErrDuplicateIndex)

	require.NoError(t, c.DropIndex("t", "idx1"))
	_, err = c.GetIndex("t", "idx1")
	require.ErrorIs(t, err, errkind.ErrIndexNotFound)
}

func TestCreateIndexUnknownColumn(t *testing.T) {
	c, pool := newTestCatalog(t)
	schema := testSchema()
	_, err := c.CreateTable("t", schema, 1, 2)
	require.NoError(t, err)

	h, ok := pool.NewPage(page.TypeIndexRoots)
	require.True(t, ok)

	_, err = c.CreateIndex("t", "idx1", "bptree", []string{"nope"}, h.PageID)
	require.ErrorIs(t, err, errkind.ErrColumnNotFound)
}

func TestDropTableRemovesItsIndexes(t *testing.T) {
	c, pool := newTestCatalog(t)
	schema := testSchema()
	_, err := c.CreateTable("t", schema, 1, 2)
	require.NoError(t, err)
	h, ok := pool.NewPage(page.TypeIndexRoots)
	require.True(t, ok)
	_, err = c.CreateIndex("t", "idx1", "bptree", []string{"id"}, h.PageID)
	require.NoError(t, err)

	require.NoError(t, c.DropTable("t"))
	_, err = c.GetTable("t")
	require.ErrorIs(t, err, errkind.ErrTableNotFound)
	_, err = c.GetIndex("t", "idx1")
	require.ErrorIs(t, err, errkind.ErrIndexNotFound)
}

func TestOpenReloadsPersistedCatalog(t *testing.T) {
	dir := t.TempDir()
	dm, err := diskmgr.Open(filepath.Join(dir, "cat.db"))
	require.NoError(t, err)
	defer dm.Close()
	pool := buffer.NewPool(dm, 64, buffer.NewLRUReplacer(64))

	c, err := Create(pool)
	require.NoError(t, err)
	schema := testSchema()
	_, err = c.CreateTable("t", schema, 9, 10)
	require.NoError(t, err)

	reopened, err := Open(pool, c.MetaPageID())
	require.NoError(t, err)
	got, err := reopened.GetTable("t")
	require.NoError(t, err)
	require.Equal(t, page.ID(9), got.FirstPageID)
	require.Len(t, got.Schema.Columns, 2)
}
