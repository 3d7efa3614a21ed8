package heap

import (
	"encoding/binary"

	"github.com/minisql-go/minisql/internal/storage/buffer"
	"github.com/minisql-go/minisql/internal/storage/page"
)

// fsmHeaderSize: next_page_id (4) + pair_count (4), after the common header.
const fsmHeaderSize = page.HeaderSize + 8
const fsmPairSize = 8 // page_id u32 + free_space u32

// MaxPair is the number of (page_id, free_space) entries one map page
// holds, grounded in original_source's freespace_map.h MAX_PAIR constant
// sized to the page.
const MaxPair = (page.Size - fsmHeaderSize) / fsmPairSize

type fsmPage struct{ buf []byte }

func wrapFSM(buf []byte) *fsmPage { return &fsmPage{buf: buf} }

func initFSM(buf []byte, id page.ID) *fsmPage {
	h := page.Header{Type: page.TypeFSM, ID: id}
	page.MarshalHeader(&h, buf)
	f := &fsmPage{buf: buf}
	f.setNext(page.InvalidID)
	f.setCount(0)
	return f
}

func (f *fsmPage) next() page.ID {
	return page.ID(binary.LittleEndian.Uint32(f.buf[page.HeaderSize : page.HeaderSize+4]))
}
func (f *fsmPage) setNext(id page.ID) {
	binary.LittleEndian.PutUint32(f.buf[page.HeaderSize:page.HeaderSize+4], uint32(id))
}
func (f *fsmPage) count() uint32 {
	return binary.LittleEndian.Uint32(f.buf[page.HeaderSize+4 : page.HeaderSize+8])
}
func (f *fsmPage) setCount(n uint32) {
	binary.LittleEndian.PutUint32(f.buf[page.HeaderSize+4:page.HeaderSize+8], n)
}

func (f *fsmPage) pairOffset(i uint32) int { return fsmHeaderSize + int(i)*fsmPairSize }

func (f *fsmPage) pair(i uint32) (page.ID, uint32) {
	off := f.pairOffset(i)
	return page.ID(binary.LittleEndian.Uint32(f.buf[off : off+4])), binary.LittleEndian.Uint32(f.buf[off+4 : off+8])
}

func (f *fsmPage) setPair(i uint32, id page.ID, free uint32) {
	off := f.pairOffset(i)
	binary.LittleEndian.PutUint32(f.buf[off:off+4], uint32(id))
	binary.LittleEndian.PutUint32(f.buf[off+4:off+8], free)
}

// FreeSpaceMap is the acceleration structure of spec.md §4.4: a linked
// list of map pages, each holding up to MaxPair (page_id, free_space)
// entries, with a cached cursor so get_next avoids rescanning from the
// start. Grounded in original_source/src/include/storage/freespace_map.h.
type FreeSpaceMap struct {
	pool *buffer.Pool

	first page.ID
	last  page.ID

	// cursor cache for GetBegin/GetNext, mirroring the header's
	// page_index / internal_index fields.
	cursorPage  page.ID
	cursorIndex uint32
}

// NewFreeSpaceMap allocates the first (empty) map page.
func NewFreeSpaceMap(pool *buffer.Pool) (*FreeSpaceMap, error) {
	h, ok := pool.NewPage(page.TypeFSM)
	if !ok {
		return nil, buffer.ErrBufferFull
	}
	initFSM(h.Buf, h.PageID)
	pool.Unpin(h.PageID, true)
	return &FreeSpaceMap{pool: pool, first: h.PageID, last: h.PageID}, nil
}

// OpenFreeSpaceMap reattaches to an existing map-page chain rooted at first.
func OpenFreeSpaceMap(pool *buffer.Pool, first page.ID) *FreeSpaceMap {
	fsm := &FreeSpaceMap{pool: pool, first: first, last: first}
	id := first
	for {
		h, ok := pool.Fetch(id)
		if !ok {
			break
		}
		next := wrapFSM(h.Buf).next()
		pool.Unpin(id, false)
		if next == page.InvalidID {
			fsm.last = id
			break
		}
		id = next
	}
	return fsm
}

// FirstPageID returns the head of the map-page chain.
func (m *FreeSpaceMap) FirstPageID() page.ID { return m.first }

// SetNewPair appends a new (pageID, free) entry, allocating a new map page
// if the current tail is full.
func (m *FreeSpaceMap) SetNewPair(pageID page.ID, free uint32) error {
	h, ok := m.pool.Fetch(m.last)
	if !ok {
		return buffer.ErrBufferFull
	}
	fp := wrapFSM(h.Buf)
	if fp.count() >= MaxPair {
		m.pool.Unpin(m.last, false)
		nh, ok := m.pool.NewPage(page.TypeFSM)
		if !ok {
			return buffer.ErrBufferFull
		}
		initFSM(nh.Buf, nh.PageID)

		oh, ok := m.pool.Fetch(m.last)
		if !ok {
			return buffer.ErrBufferFull
		}
		wrapFSM(oh.Buf).setNext(nh.PageID)
		m.pool.Unpin(m.last, true)

		m.last = nh.PageID
		fp = wrapFSM(nh.Buf)
		h = nh
	}
	fp.setPair(fp.count(), pageID, free)
	fp.setCount(fp.count() + 1)
	m.pool.Unpin(h.PageID, true)
	return nil
}

// SetFreeSpace updates an existing entry's free-space value. The map must
// be updated before the next insert touches that page (spec.md §4.4).
func (m *FreeSpaceMap) SetFreeSpace(pageID page.ID, free uint32) bool {
	id := m.first
	for id != page.InvalidID {
		h, ok := m.pool.Fetch(id)
		if !ok {
			return false
		}
		fp := wrapFSM(h.Buf)
		for i := uint32(0); i < fp.count(); i++ {
			pid, _ := fp.pair(i)
			if pid == pageID {
				fp.setPair(i, pid, free)
				m.pool.Unpin(id, true)
				return true
			}
		}
		next := fp.next()
		m.pool.Unpin(id, false)
		id = next
	}
	return false
}

// GetBegin scans from the first entry for the first page with
// free_space >= need, caching the cursor for a following GetNext.
func (m *FreeSpaceMap) GetBegin(need uint32) (page.ID, bool) {
	m.cursorPage = m.first
	m.cursorIndex = 0
	return m.scanFrom(need, m.first, 0, true)
}

// GetNext continues scanning from the cached cursor.
func (m *FreeSpaceMap) GetNext(need uint32) (page.ID, bool) {
	return m.scanFrom(need, m.cursorPage, m.cursorIndex, false)
}

func (m *FreeSpaceMap) scanFrom(need uint32, startPage page.ID, startIdx uint32, includeStart bool) (page.ID, bool) {
	id := startPage
	idx := startIdx
	if !includeStart {
		idx++
	}
	for id != page.InvalidID {
		h, ok := m.pool.Fetch(id)
		if !ok {
			return 0, false
		}
		fp := wrapFSM(h.Buf)
		for ; idx < fp.count(); idx++ {
			pid, free := fp.pair(idx)
			if free >= need {
				m.pool.Unpin(id, false)
				m.cursorPage = id
				m.cursorIndex = idx
				return pid, true
			}
		}
		next := fp.next()
		m.pool.Unpin(id, false)
		id = next
		idx = 0
	}
	return 0, false
}
