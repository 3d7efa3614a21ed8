package engine

import (
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/recovery"
	"github.com/minisql-go/minisql/internal/storage/heap"
	"github.com/minisql-go/minisql/internal/storage/index"
)

// tableStore adapts one table's heap plus its primary key index to
// recovery.Store's logical Put/Delete/Get contract, so internal/recovery
// can redo/undo against real page storage instead of the abstract map
// original_source's recovery demo uses. The primary index is the first
// index created on the table (Engine.CreateTable installs a single-column
// primary index on the first column of every table it creates);
// logical logging replays by key through the index rather than by
// physical (page, slot) address, since the heap itself never promises to
// reuse the same slot across an insert that was undone and redone.
type tableStore struct {
	heap   *heap.TableHeap
	pk     *index.BTree
	schema *record.Schema
}

var _ recovery.Store = (*tableStore)(nil)

func newTableStore(h *heap.TableHeap, pk *index.BTree, schema *record.Schema) *tableStore {
	return &tableStore{heap: h, pk: pk, schema: schema}
}

func (s *tableStore) Put(key, val []byte) error {
	row, err := record.UnmarshalRow(s.schema, val)
	if err != nil {
		return err
	}

	if ridBytes, ok := s.pk.Get(key); ok {
		rid := record.UnmarshalRowID(ridBytes[:])
		outcome, err := s.heap.Update(row, rid)
		if err != nil {
			return err
		}
		if outcome == heap.UpdateOK {
			return nil
		}
		s.heap.MarkDelete(rid)
		s.heap.ApplyDelete(rid)
		newRid, err := s.heap.Insert(row)
		if err != nil {
			return err
		}
		if _, err := s.pk.Delete(key); err != nil {
			return err
		}
		_, err = s.pk.Insert(key, rowIDArray(newRid))
		return err
	}

	rid, err := s.heap.Insert(row)
	if err != nil {
		return err
	}
	_, err = s.pk.Insert(key, rowIDArray(rid))
	return err
}

func (s *tableStore) Delete(key []byte) error {
	ridBytes, ok := s.pk.Get(key)
	if !ok {
		return nil
	}
	rid := record.UnmarshalRowID(ridBytes[:])
	s.heap.MarkDelete(rid)
	s.heap.ApplyDelete(rid)
	_, err := s.pk.Delete(key)
	return err
}

func (s *tableStore) Get(key []byte) ([]byte, bool) {
	ridBytes, ok := s.pk.Get(key)
	if !ok {
		return nil, false
	}
	rid := record.UnmarshalRowID(ridBytes[:])
	row, ok := s.heap.Get(rid)
	if !ok {
		return nil, false
	}
	data, err := record.MarshalRow(s.schema, row)
	if err != nil {
		return nil, false
	}
	return data, true
}
