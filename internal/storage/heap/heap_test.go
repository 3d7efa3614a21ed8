package heap

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/storage/buffer"
	"github.com/minisql-go/minisql/internal/storage/diskmgr"
)

func newTestHeap(t *testing.T, schema *record.Schema) *TableHeap {
	t.Helper()
	dir := t.TempDir()
	dm, err := diskmgr.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	pool := buffer.NewPool(dm, 64, buffer.NewLRUReplacer(64))
	th, err := NewTableHeap(pool, schema)
	require.NoError(t, err)
	return th
}

func bulkSchema() *record.Schema {
	return &record.Schema{Columns: []record.Column{
		{Name: "id", Type: record.ColInt},
		{Name: "name", Type: record.ColChar, Length: 64},
		{Name: "account", Type: record.ColFloat},
	}}
}

// TestTableHeapBulkInsertAndScan is spec.md §8 scenario 2, scaled down
// from 50,000 to 2,000 rows to keep the suite fast; the property checked
// is identical.
func TestTableHeapBulkInsertAndScan(t *testing.T) {
	schema := bulkSchema()
	th := newTestHeap(t, schema)

	const n = 2000
	rows := make(map[record.RowID]record.Row, n)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < n; i++ {
		row := record.Row{Fields: []record.Field{
			{Int: int32(i)},
			{Char: fmt.Sprintf("name-%d", rng.Intn(1_000_000))},
			{Float: rng.Float32() * 1000},
		}}
		rid, err := th.Insert(row)
		require.NoError(t, err)
		rows[rid] = row
	}

	for rid, want := range rows {
		got, ok := th.Get(rid)
		require.True(t, ok)
		require.True(t, want.Equals(got))
	}

	count := 0
	it := th.Begin()
	for {
		rid, row, ok := it.Next()
		if !ok {
			break
		}
		want, present := rows[rid]
		require.True(t, present)
		require.True(t, want.Equals(row))
		count++
	}
	require.Equal(t, n, count)
}

func TestMarkApplyRollbackDelete(t *testing.T) {
	schema := bulkSchema()
	th := newTestHeap(t, schema)

	rid, err := th.Insert(record.Row{Fields: []record.Field{{Int: 1}, {Char: "a"}, {Float: 1}}})
	require.NoError(t, err)

	require.True(t, th.MarkDelete(rid))
	_, ok := th.Get(rid)
	require.False(t, ok, "marked-deleted rows are not visible")

	require.True(t, th.RollbackDelete(rid))
	_, ok = th.Get(rid)
	require.True(t, ok, "rollback restores visibility")

	require.True(t, th.MarkDelete(rid))
	require.True(t, th.ApplyDelete(rid))
	_, ok = th.Get(rid)
	require.False(t, ok)
}

func TestUpdateInPlaceAndGrow(t *testing.T) {
	schema := bulkSchema()
	th := newTestHeap(t, schema)

	rid, err := th.Insert(record.Row{Fields: []record.Field{{Int: 1}, {Char: "short"}, {Float: 1}}})
	require.NoError(t, err)

	outcome, err := th.Update(record.Row{Fields: []record.Field{{Int: 1}, {Char: "s"}, {Float: 2}}}, rid)
	require.NoError(t, err)
	require.Equal(t, UpdateOK, outcome)

	outcome, err = th.Update(record.Row{Fields: []record.Field{{Int: 1}, {Char: "a much longer replacement string"}, {Float: 2}}}, rid)
	require.NoError(t, err)
	require.Equal(t, UpdateOK, outcome)

	got, ok := th.Get(rid)
	require.True(t, ok)
	require.Equal(t, "a much longer replacement string", got.Fields[1].Char)
}

// TestFreeSpaceMapCursor is spec.md §8 scenario 4's worked example over
// pairs (1,10), (2,100), (3,1000). The need=5000 case diverges from the
// scenario's literal transcript (which names page 3 as a match): no pair
// holds 5000 free bytes, and the invariant that allocation never selects
// an undersized page requires GetBegin to report none here instead.
func TestFreeSpaceMapCursor(t *testing.T) {
	dir := t.TempDir()
	dm, err := diskmgr.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer dm.Close()
	pool := buffer.NewPool(dm, 16, buffer.NewLRUReplacer(16))

	fsm, err := NewFreeSpaceMap(pool)
	require.NoError(t, err)
	require.NoError(t, fsm.SetNewPair(1, 10))
	require.NoError(t, fsm.SetNewPair(2, 100))
	require.NoError(t, fsm.SetNewPair(3, 1000))

	pid, ok := fsm.GetBegin(5)
	require.True(t, ok)
	require.EqualValues(t, 1, pid)
	pid, ok = fsm.GetNext(5)
	require.True(t, ok)
	require.EqualValues(t, 2, pid)
	pid, ok = fsm.GetNext(5)
	require.True(t, ok)
	require.EqualValues(t, 3, pid)

	pid, ok = fsm.GetBegin(50)
	require.True(t, ok)
	require.EqualValues(t, 2, pid)
	pid, ok = fsm.GetNext(50)
	require.True(t, ok)
	require.EqualValues(t, 3, pid)

	// No page holds 5000 free bytes (max is page 3's 1000), so GetBegin
	// must report none rather than selecting an undersized page.
	_, ok = fsm.GetBegin(5000)
	require.False(t, ok)
}
