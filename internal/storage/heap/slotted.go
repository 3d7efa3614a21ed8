// Package heap implements the table heap of spec.md §4.4: a singly linked
// list of slotted table pages accelerated by a free-space map. The page
// mechanics (slot directory growing forward, records packed backward from
// the page end) are grounded in the teacher's pager.SlottedPage; the
// three-phase delete (mark/apply/rollback) and its high-bit tombstone
// convention are grounded in original_source's src/page/table_page.cpp,
// since the teacher's port only has a single-phase tombstone delete.
package heap

import (
	"encoding/binary"

	"github.com/minisql-go/minisql/internal/storage/page"
)

// tableHeaderSize: next_page_id (4) + slot_count (4) + free_space_off (4),
// following the common 32-byte page.Header.
const tableHeaderSize = page.HeaderSize + 12
const slotEntrySize = 8 // offset u32 + size u32 (top bit of size = tombstone)

const deletedBit = uint32(1) << 31

// TablePage is a view over a page.Size buffer tagged page.TypeTableHeap.
type TablePage struct {
	Buf []byte
}

func WrapTablePage(buf []byte) *TablePage { return &TablePage{Buf: buf} }

func InitTablePage(buf []byte, id page.ID) *TablePage {
	h := page.Header{Type: page.TypeTableHeap, ID: id}
	page.MarshalHeader(&h, buf)
	tp := &TablePage{Buf: buf}
	tp.setNextPageID(page.InvalidID)
	tp.setSlotCount(0)
	tp.setFreeSpaceOffset(uint32(page.Size))
	return tp
}

func (t *TablePage) NextPageID() page.ID {
	return page.ID(binary.LittleEndian.Uint32(t.Buf[page.HeaderSize : page.HeaderSize+4]))
}
func (t *TablePage) setNextPageID(id page.ID) {
	binary.LittleEndian.PutUint32(t.Buf[page.HeaderSize:page.HeaderSize+4], uint32(id))
}
func (t *TablePage) SetNextPageID(id page.ID) { t.setNextPageID(id) }

func (t *TablePage) SlotCount() uint32 {
	return binary.LittleEndian.Uint32(t.Buf[page.HeaderSize+4 : page.HeaderSize+8])
}
func (t *TablePage) setSlotCount(n uint32) {
	binary.LittleEndian.PutUint32(t.Buf[page.HeaderSize+4:page.HeaderSize+8], n)
}

func (t *TablePage) freeSpaceOffset() uint32 {
	return binary.LittleEndian.Uint32(t.Buf[page.HeaderSize+8 : page.HeaderSize+12])
}
func (t *TablePage) setFreeSpaceOffset(off uint32) {
	binary.LittleEndian.PutUint32(t.Buf[page.HeaderSize+8:page.HeaderSize+12], off)
}

func (t *TablePage) slotDirEnd() uint32 {
	return uint32(tableHeaderSize) + t.SlotCount()*slotEntrySize
}

// FreeSpace returns the number of bytes available for a new tuple,
// accounting for the slot the insert would additionally need.
func (t *TablePage) FreeSpace() int {
	return int(t.freeSpaceOffset()) - int(t.slotDirEnd()) - slotEntrySize
}

func (t *TablePage) slotOffsetSize(slot uint32) (offset, size uint32) {
	base := tableHeaderSize + int(slot)*slotEntrySize
	offset = binary.LittleEndian.Uint32(t.Buf[base : base+4])
	size = binary.LittleEndian.Uint32(t.Buf[base+4 : base+8])
	return
}

func (t *TablePage) setSlot(slot uint32, offset, size uint32) {
	base := tableHeaderSize + int(slot)*slotEntrySize
	binary.LittleEndian.PutUint32(t.Buf[base:base+4], offset)
	binary.LittleEndian.PutUint32(t.Buf[base+4:base+8], size)
}

// IsDeleted tests the tombstone high bit of a slot's stored size, per
// spec.md's "high-bit tombstone convention".
func IsDeleted(size uint32) bool { return size&deletedBit != 0 }

// GetTupleSize returns the slot's raw stored size (including the tombstone
// bit if set), matching spec.md's get_tuple_size(slot).
func (t *TablePage) GetTupleSize(slot uint32) uint32 {
	_, size := t.slotOffsetSize(slot)
	return size
}

// InsertTuple appends data into a new slot, failing if there is not
// enough free space.
func (t *TablePage) InsertTuple(data []byte) (slot uint32, ok bool) {
	if t.FreeSpace() < len(data) {
		return 0, false
	}
	newOff := t.freeSpaceOffset() - uint32(len(data))
	if int(newOff) < int(t.slotDirEnd())+slotEntrySize {
		return 0, false
	}
	copy(t.Buf[newOff:], data)
	t.setFreeSpaceOffset(newOff)

	slot = t.SlotCount()
	t.setSlotCount(slot + 1)
	t.setSlot(slot, newOff, uint32(len(data)))
	return slot, true
}

// GetTuple reads the live tuple at slot. ok is false if the slot is out of
// range or tombstoned.
func (t *TablePage) GetTuple(slot uint32) ([]byte, bool) {
	if slot >= t.SlotCount() {
		return nil, false
	}
	offset, size := t.slotOffsetSize(slot)
	if IsDeleted(size) {
		return nil, false
	}
	return t.Buf[offset : offset+size], true
}

// MarkDelete sets the tombstone bit without erasing the payload, so a
// subsequent RollbackDelete can restore visibility (e.g. on txn abort).
func (t *TablePage) MarkDelete(slot uint32) bool {
	if slot >= t.SlotCount() {
		return false
	}
	offset, size := t.slotOffsetSize(slot)
	if IsDeleted(size) {
		return true // already marked: idempotent
	}
	t.setSlot(slot, offset, size|deletedBit)
	return true
}

// ApplyDelete finalizes a marked delete (called after commit). The payload
// bytes are reclaimed lazily by Compact; ApplyDelete only confirms the
// tombstone is permanent.
func (t *TablePage) ApplyDelete(slot uint32) bool {
	if slot >= t.SlotCount() {
		return false
	}
	_, size := t.slotOffsetSize(slot)
	return IsDeleted(size)
}

// RollbackDelete clears a mark-delete's tombstone bit, restoring
// visibility (used when the marking transaction aborts).
func (t *TablePage) RollbackDelete(slot uint32) bool {
	if slot >= t.SlotCount() {
		return false
	}
	offset, size := t.slotOffsetSize(slot)
	if !IsDeleted(size) {
		return true
	}
	t.setSlot(slot, offset, size&^deletedBit)
	return true
}

// UpdateOutcome enumerates UpdateTuple's result codes (spec.md §4.4).
type UpdateOutcome int

const (
	UpdateOK UpdateOutcome = iota
	UpdateNotFound
	UpdateTombstone
	UpdateInsufficientSpace
)

// UpdateTuple replaces the payload at slot in place if it fits in the
// slot's current allocation, otherwise re-appends if there is room
// elsewhere on the page (the whole new payload must fit between the slot
// directory and the packed records; the old bytes stay until Compact).
func (t *TablePage) UpdateTuple(slot uint32, data []byte) UpdateOutcome {
	if slot >= t.SlotCount() {
		return UpdateNotFound
	}
	offset, size := t.slotOffsetSize(slot)
	if IsDeleted(size) {
		return UpdateTombstone
	}
	if uint32(len(data)) <= size {
		copy(t.Buf[offset:], data)
		// zero the shrunk tail so stale bytes never leak through a later
		// larger update into the same slot.
		for i := len(data); i < int(size); i++ {
			t.Buf[int(offset)+i] = 0
		}
		t.setSlot(slot, offset, uint32(len(data)))
		return UpdateOK
	}
	if int(t.freeSpaceOffset())-int(t.slotDirEnd()) < len(data) {
		return UpdateInsufficientSpace
	}
	newOff := t.freeSpaceOffset() - uint32(len(data))
	copy(t.Buf[newOff:], data)
	t.setFreeSpaceOffset(newOff)
	t.setSlot(slot, newOff, uint32(len(data)))
	return UpdateOK
}

// FirstTupleSlot returns the slot number of the first live tuple.
func (t *TablePage) FirstTupleSlot() (uint32, bool) {
	return t.nextLiveFrom(0)
}

// NextTupleSlot returns the slot number of the next live tuple after slot.
func (t *TablePage) NextTupleSlot(slot uint32) (uint32, bool) {
	return t.nextLiveFrom(slot + 1)
}

func (t *TablePage) nextLiveFrom(start uint32) (uint32, bool) {
	for s := start; s < t.SlotCount(); s++ {
		if _, size := t.slotOffsetSize(s); !IsDeleted(size) {
			return s, true
		}
	}
	return 0, false
}

// Compact rewrites the page, removing tombstoned tuples and reclaiming
// their space, preserving the remaining slots' indices and order.
func (t *TablePage) Compact() {
	type live struct {
		slot uint32
		data []byte
	}
	var lives []live
	for s := uint32(0); s < t.SlotCount(); s++ {
		offset, size := t.slotOffsetSize(s)
		if IsDeleted(size) {
			continue
		}
		cp := make([]byte, size)
		copy(cp, t.Buf[offset:offset+size])
		lives = append(lives, live{slot: s, data: cp})
	}

	cursor := uint32(page.Size)
	for _, l := range lives {
		cursor -= uint32(len(l.data))
		copy(t.Buf[cursor:], l.data)
		t.setSlot(l.slot, cursor, uint32(len(l.data)))
	}
	t.setFreeSpaceOffset(cursor)
}
