package engine

import (
	"github.com/minisql-go/minisql/internal/catalog"
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/recovery"
	"github.com/minisql-go/minisql/internal/storage/heap"
	"github.com/minisql-go/minisql/internal/storage/index"
)

// indexHandle pairs a catalog.IndexInfo with the live B+ tree backing it.
type indexHandle struct {
	info *catalog.IndexInfo
	bt   *index.BTree
}

// tableHandle is everything Engine needs to operate on one open table: its
// heap, its primary index (also the recovery.Store's identity map, see
// store.go), any further secondary indexes, and its own write-ahead log.
// One log per table keeps internal/recovery's LogRecord free of a table id
// field it was never built to carry.
type tableHandle struct {
	info      *catalog.TableInfo
	heap      *heap.TableHeap
	pk        *indexHandle
	secondary []*indexHandle
	store     *tableStore
	log       *recovery.Log
	recMgr    *recovery.Manager
}

// pkKey encodes row's primary-index key.
func (th *tableHandle) pkKey(row record.Row) []byte {
	return encodeKey(&th.info.Schema, row, th.pk.info.ColumnIdxs)
}
