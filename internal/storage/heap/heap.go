package heap

import (
	"github.com/pkg/errors"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/storage/buffer"
	"github.com/minisql-go/minisql/internal/storage/page"
)

// maxTupleSize is the largest a serialized row may be and still possibly
// fit a freshly-initialized page (header + one slot entry reserved).
const maxTupleSize = page.Size - tableHeaderSize - slotEntrySize

// TableHeap maintains the linked list of table pages for one table and
// presents insert/delete/update/get plus an ordered iterator, per spec.md
// §4.4. Grounded on the teacher's pager.BTree-adjacent page-linking idiom
// and original_source's table_heap.cpp for the insert-via-free-space-map
// fast path.
type TableHeap struct {
	pool   *buffer.Pool
	schema *record.Schema
	fsm    *FreeSpaceMap

	first page.ID
	last  page.ID
}

// NewTableHeap creates an empty table heap (one page) with a fresh
// free-space map.
func NewTableHeap(pool *buffer.Pool, schema *record.Schema) (*TableHeap, error) {
	h, ok := pool.NewPage(page.TypeTableHeap)
	if !ok {
		return nil, buffer.ErrBufferFull
	}
	InitTablePage(h.Buf, h.PageID)
	pool.Unpin(h.PageID, true)

	fsm, err := NewFreeSpaceMap(pool)
	if err != nil {
		return nil, err
	}
	if err := fsm.SetNewPair(h.PageID, uint32(WrapTablePage(h.Buf).FreeSpace())); err != nil {
		return nil, err
	}

	return &TableHeap{pool: pool, schema: schema, fsm: fsm, first: h.PageID, last: h.PageID}, nil
}

// OpenTableHeap reattaches to an existing heap given its first page and
// free-space-map root.
func OpenTableHeap(pool *buffer.Pool, schema *record.Schema, first, fsmRoot page.ID) *TableHeap {
	th := &TableHeap{pool: pool, schema: schema, fsm: OpenFreeSpaceMap(pool, fsmRoot), first: first, last: first}
	id := first
	for {
		h, ok := pool.Fetch(id)
		if !ok {
			break
		}
		next := WrapTablePage(h.Buf).NextPageID()
		pool.Unpin(id, false)
		if next == page.InvalidID {
			th.last = id
			break
		}
		id = next
	}
	return th
}

// FirstPageID and FSMRootPageID are persisted into table metadata
// (internal/catalog) so the heap can be reopened.
func (h *TableHeap) FirstPageID() page.ID   { return h.first }
func (h *TableHeap) FSMRootPageID() page.ID { return h.fsm.FirstPageID() }

// Insert serializes row and places it on the first page the free-space
// map reports with enough room, or a freshly appended tail page.
func (h *TableHeap) Insert(row record.Row) (record.RowID, error) {
	data, err := record.MarshalRow(h.schema, row)
	if err != nil {
		return record.RowID{}, err
	}
	if len(data) > maxTupleSize {
		return record.RowID{}, errors.Errorf("heap: row of %d bytes exceeds max tuple size %d", len(data), maxTupleSize)
	}

	if pid, ok := h.fsm.GetBegin(uint32(len(data))); ok {
		if rid, ok := h.tryInsertOn(pid, data); ok {
			return rid, nil
		}
	}

	nh, ok := h.pool.NewPage(page.TypeTableHeap)
	if !ok {
		return record.RowID{}, buffer.ErrBufferFull
	}
	InitTablePage(nh.Buf, nh.PageID)
	tp := WrapTablePage(nh.Buf)
	slot, ok := tp.InsertTuple(data)
	if !ok {
		h.pool.Unpin(nh.PageID, true)
		return record.RowID{}, errors.New("heap: row does not fit even an empty page")
	}
	h.pool.Unpin(nh.PageID, true)

	// Link the new page into the tail, then advance last.
	lh, ok := h.pool.Fetch(h.last)
	if ok {
		WrapTablePage(lh.Buf).SetNextPageID(nh.PageID)
		h.pool.Unpin(h.last, true)
	}
	h.last = nh.PageID

	if err := h.fsm.SetNewPair(nh.PageID, uint32(tp.FreeSpace())); err != nil {
		return record.RowID{}, err
	}
	return record.RowID{PageID: nh.PageID, Slot: slot}, nil
}

func (h *TableHeap) tryInsertOn(pid page.ID, data []byte) (record.RowID, bool) {
	ph, ok := h.pool.Fetch(pid)
	if !ok {
		return record.RowID{}, false
	}
	tp := WrapTablePage(ph.Buf)
	slot, ok := tp.InsertTuple(data)
	if !ok {
		h.pool.Unpin(pid, false)
		return record.RowID{}, false
	}
	h.pool.Unpin(pid, true)
	h.fsm.SetFreeSpace(pid, uint32(tp.FreeSpace()))
	return record.RowID{PageID: pid, Slot: slot}, true
}

// Get performs a read-only fetch of rid.
func (h *TableHeap) Get(rid record.RowID) (record.Row, bool) {
	ph, ok := h.pool.Fetch(rid.PageID)
	if !ok {
		return record.Row{}, false
	}
	defer h.pool.Unpin(rid.PageID, false)
	tp := WrapTablePage(ph.Buf)
	data, ok := tp.GetTuple(rid.Slot)
	if !ok {
		return record.Row{}, false
	}
	row, err := record.UnmarshalRow(h.schema, data)
	if err != nil {
		return record.Row{}, false
	}
	return row, true
}

func (h *TableHeap) withPage(id page.ID, dirty bool, fn func(tp *TablePage) bool) bool {
	ph, ok := h.pool.Fetch(id)
	if !ok {
		return false
	}
	res := fn(WrapTablePage(ph.Buf))
	h.pool.Unpin(id, dirty && res)
	return res
}

func (h *TableHeap) MarkDelete(rid record.RowID) bool {
	return h.withPage(rid.PageID, true, func(tp *TablePage) bool { return tp.MarkDelete(rid.Slot) })
}

func (h *TableHeap) ApplyDelete(rid record.RowID) bool {
	return h.withPage(rid.PageID, true, func(tp *TablePage) bool { return tp.ApplyDelete(rid.Slot) })
}

func (h *TableHeap) RollbackDelete(rid record.RowID) bool {
	return h.withPage(rid.PageID, true, func(tp *TablePage) bool { return tp.RollbackDelete(rid.Slot) })
}

// Update re-serializes row into rid's slot, returning the page's outcome
// code. On UpdateInsufficientSpace the caller is responsible for deleting
// and reinserting (spec.md §4.4).
func (h *TableHeap) Update(row record.Row, rid record.RowID) (UpdateOutcome, error) {
	data, err := record.MarshalRow(h.schema, row)
	if err != nil {
		return UpdateNotFound, err
	}
	ph, ok := h.pool.Fetch(rid.PageID)
	if !ok {
		return UpdateNotFound, errkind.ErrTableNotFound
	}
	tp := WrapTablePage(ph.Buf)
	outcome := tp.UpdateTuple(rid.Slot, data)
	dirty := outcome == UpdateOK
	h.pool.Unpin(rid.PageID, dirty)
	if dirty {
		h.fsm.SetFreeSpace(rid.PageID, uint32(tp.FreeSpace()))
	}
	return outcome, nil
}

// Iterator yields live (rid, row) pairs in physical page order, advancing
// across pages via next_page_id. It pins exactly one page at a time.
type Iterator struct {
	heap    *TableHeap
	pageID  page.ID
	slot    uint32
	started bool
	done    bool
}

// Begin returns an iterator positioned before the first live tuple.
func (h *TableHeap) Begin() *Iterator {
	return &Iterator{heap: h, pageID: h.first}
}

// Next advances to and returns the next live (rid, row) pair.
func (it *Iterator) Next() (record.RowID, record.Row, bool) {
	if it.done {
		return record.RowID{}, record.Row{}, false
	}
	for it.pageID != page.InvalidID {
		ph, ok := it.heap.pool.Fetch(it.pageID)
		if !ok {
			it.done = true
			return record.RowID{}, record.Row{}, false
		}
		tp := WrapTablePage(ph.Buf)

		var slot uint32
		var found bool
		if !it.started {
			slot, found = tp.FirstTupleSlot()
			it.started = true
		} else {
			slot, found = tp.NextTupleSlot(it.slot)
		}

		if found {
			data, _ := tp.GetTuple(slot)
			row, err := record.UnmarshalRow(it.heap.schema, data)
			rid := record.RowID{PageID: it.pageID, Slot: slot}
			it.heap.pool.Unpin(it.pageID, false)
			it.slot = slot
			if err != nil {
				it.done = true
				return record.RowID{}, record.Row{}, false
			}
			return rid, row, true
		}

		next := tp.NextPageID()
		it.heap.pool.Unpin(it.pageID, false)
		it.pageID = next
		it.started = false
	}
	it.done = true
	return record.RowID{}, record.Row{}, false
}
