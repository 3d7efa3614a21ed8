package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/txn"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PoolSize = 64
	return cfg
}

func usersSchema() record.Schema {
	return record.Schema{Columns: []record.Column{
		{Name: "id", Type: record.ColInt, TableIndex: 0},
		{Name: "name", Type: record.ColChar, Length: 32, TableIndex: 1},
	}}
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "test.db"), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateTableInsertSelect(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.CreateTable("users", usersSchema())
	require.NoError(t, err)

	s := e.Begin(txn.RepeatableRead)
	_, err = e.Insert(s, "users", record.Row{Fields: []record.Field{{Int: 1}, {Char: "alice"}}})
	require.NoError(t, err)
	_, err = e.Insert(s, "users", record.Row{Fields: []record.Field{{Int: 2}, {Char: "bob"}}})
	require.NoError(t, err)
	e.Commit(s)

	s2 := e.Begin(txn.RepeatableRead)
	rows, err := e.Select(s2, "users", nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	e.Commit(s2)
}

func TestUpdateAndDelete(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.CreateTable("users", usersSchema())
	require.NoError(t, err)

	s := e.Begin(txn.RepeatableRead)
	rid, err := e.Insert(s, "users", record.Row{Fields: []record.Field{{Int: 1}, {Char: "alice"}}})
	require.NoError(t, err)
	e.Commit(s)

	s2 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.Update(s2, "users", rid, record.Row{Fields: []record.Field{{Int: 1}, {Char: "alicia"}}}))
	e.Commit(s2)

	s3 := e.Begin(txn.RepeatableRead)
	rows, err := e.Select(s3, "users", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "alicia", rows[0].Fields[1].Char)
	e.Commit(s3)

	s4 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.Delete(s4, "users", rid))
	e.Commit(s4)

	s5 := e.Begin(txn.RepeatableRead)
	rows, err = e.Select(s5, "users", nil)
	require.NoError(t, err)
	require.Len(t, rows, 0)
	e.Commit(s5)
}

func TestAbortUndoesInsert(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.CreateTable("users", usersSchema())
	require.NoError(t, err)

	s := e.Begin(txn.RepeatableRead)
	_, err = e.Insert(s, "users", record.Row{Fields: []record.Field{{Int: 1}, {Char: "alice"}}})
	require.NoError(t, err)
	e.Abort(s)

	s2 := e.Begin(txn.RepeatableRead)
	rows, err := e.Select(s2, "users", nil)
	require.NoError(t, err)
	require.Len(t, rows, 0)
	e.Commit(s2)
}

func TestSecondaryIndexBackfillAndLookup(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.CreateTable("users", usersSchema())
	require.NoError(t, err)

	s := e.Begin(txn.RepeatableRead)
	_, err = e.Insert(s, "users", record.Row{Fields: []record.Field{{Int: 1}, {Char: "alice"}}})
	require.NoError(t, err)
	e.Commit(s)

	_, err = e.CreateIndex("users", "by_name", []string{"name"})
	require.NoError(t, err)

	idxs, err := e.TableIndexes("users")
	require.NoError(t, err)
	require.Len(t, idxs, 2)

	th, err := e.tableHandle("users")
	require.NoError(t, err)
	require.Len(t, th.secondary, 1)
	key := encodeKey(&th.info.Schema, record.Row{Fields: []record.Field{{Int: 1}, {Char: "alice"}}}, th.secondary[0].info.ColumnIdxs)
	_, found := th.secondary[0].bt.Get(key)
	require.True(t, found)
}

func TestReopenRecoversFromUncheckpointedLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	e, err := Open(path, testConfig())
	require.NoError(t, err)
	_, err = e.CreateTable("users", usersSchema())
	require.NoError(t, err)

	s := e.Begin(txn.RepeatableRead)
	_, err = e.Insert(s, "users", record.Row{Fields: []record.Field{{Int: 1}, {Char: "alice"}}})
	require.NoError(t, err)
	e.Commit(s)

	// Flush data pages but skip truncating the log, simulating a crash
	// between a commit and the next checkpoint.
	require.NoError(t, e.pool.FlushAll())
	e.scheduler.Stop()
	require.NoError(t, e.disk.Close())

	reopened, err := Open(path, testConfig())
	require.NoError(t, err)
	defer reopened.Close()

	s2 := reopened.Begin(txn.RepeatableRead)
	rows, err := reopened.Select(s2, "users", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	reopened.Commit(s2)
}
