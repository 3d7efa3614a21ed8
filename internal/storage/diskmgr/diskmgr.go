// Package diskmgr implements the paged disk store of spec.md §4.1: it
// carves a single file into fixed 4096-byte pages, tracks per-page
// allocation with bitmap pages (one per extent), and performs unbuffered
// reads/writes translating logical page ids to physical file offsets.
//
// Layout: physical page 0 is the disk meta page. Extent k occupies one
// bitmap page followed by Capacity data pages; bitmap page k sits at
// physical offset k*(Capacity+1)+1. Logical id L lies in extent
// L/Capacity; its physical offset is (Capacity+1)*extent + (L mod
// Capacity) + 2 pages from the start of the file, matching spec.md's
// formula and original_source/src/storage/disk_manager.cpp's MapPageId.
package diskmgr

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/storage/page"
)

// MaxExtents bounds the number of extents a single database file may grow
// to, mirroring original_source's MAX_BITMAP guard against an unbounded
// meta page: it is the number of per-extent used counts that fit in the
// meta page after its fixed header.
const MaxExtents = (page.Size - metaHeaderFixed) / 4

const metaHeaderFixed = page.HeaderSize + 8 // page_count, extent_count

// Manager translates logical page ids to file offsets and performs raw
// I/O, allocating and freeing pages through bitmap pages.
type Manager struct {
	mu   sync.Mutex
	f    *os.File
	path string

	pageCount   uint32
	extentCount uint32
	usedPerExt  []uint32 // len == extentCount, mirrors the meta page's per-extent used counts
}

// Open opens or creates the database file at path, reading its meta page
// if present.
func Open(path string) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "diskmgr: open")
	}
	m := &Manager{f: f, path: path}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "diskmgr: stat")
	}
	if fi.Size() == 0 {
		m.pageCount = 0
		m.extentCount = 0
		if err := m.writeMeta(); err != nil {
			f.Close()
			return nil, err
		}
		return m, nil
	}
	if err := m.readMeta(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeMeta(); err != nil {
		return err
	}
	return m.f.Close()
}

// readMeta loads the disk meta page (physical page 0): u32 page_count,
// u32 extent_count, then extent_count x u32 used_count, per spec.md §6.
func (m *Manager) readMeta() error {
	buf := make([]byte, page.Size)
	if _, err := m.f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return errors.Wrap(err, "diskmgr: read meta")
	}
	m.pageCount = binary.LittleEndian.Uint32(buf[page.HeaderSize : page.HeaderSize+4])
	m.extentCount = binary.LittleEndian.Uint32(buf[page.HeaderSize+4 : page.HeaderSize+8])
	m.usedPerExt = make([]uint32, m.extentCount)
	off := metaHeaderFixed
	for i := uint32(0); i < m.extentCount; i++ {
		m.usedPerExt[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	return nil
}

func (m *Manager) writeMeta() error {
	buf := page.New(page.TypeMeta, 0)
	binary.LittleEndian.PutUint32(buf[page.HeaderSize:page.HeaderSize+4], m.pageCount)
	binary.LittleEndian.PutUint32(buf[page.HeaderSize+4:page.HeaderSize+8], m.extentCount)
	off := metaHeaderFixed
	for _, used := range m.usedPerExt {
		binary.LittleEndian.PutUint32(buf[off:off+4], used)
		off += 4
	}
	page.SetCRC(buf)
	if _, err := m.f.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "diskmgr: write meta")
	}
	return nil
}

func extentBitmapOffset(extent uint32) int64 {
	return int64(extent) * int64(Capacity+1) * page.Size
}

func physicalOffset(logical page.ID) (extent uint32, inner uint32, offsetPages int64) {
	extent = uint32(logical) / Capacity
	inner = uint32(logical) % Capacity
	offsetPages = int64(extent)*(int64(Capacity)+1) + int64(inner) + 2
	return
}

func (m *Manager) readBitmap(extent uint32) (*bitmapPage, error) {
	buf := make([]byte, page.Size)
	addr := extentBitmapOffset(extent) + page.Size
	if _, err := m.f.ReadAt(buf, addr); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "diskmgr: read bitmap")
	}
	return wrapBitmap(buf), nil
}

func (m *Manager) writeBitmap(extent uint32, bp *bitmapPage) error {
	page.SetCRC(bp.buf)
	addr := extentBitmapOffset(extent) + page.Size
	if _, err := m.f.WriteAt(bp.buf, addr); err != nil {
		return errors.Wrap(err, "diskmgr: write bitmap")
	}
	return nil
}

// AllocatePage finds the first extent with a free slot (creating a new
// extent if all are full, failing with ErrOutOfDisk at MaxExtents), sets
// the bitmap bit, and persists both the bitmap and meta pages.
func (m *Manager) AllocatePage() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var extent uint32
	found := false
	for extent = 0; extent < m.extentCount; extent++ {
		if m.usedPerExt[extent] < Capacity {
			found = true
			break
		}
	}
	if !found {
		if m.extentCount >= MaxExtents {
			return page.InvalidID, errkind.ErrOutOfDisk
		}
		extent = m.extentCount
		m.extentCount++
		m.usedPerExt = append(m.usedPerExt, 0)
		init := initBitmap(page.New(page.TypeBitmap, page.ID(extent)), page.ID(extent))
		if err := m.writeBitmap(extent, init); err != nil {
			return page.InvalidID, err
		}
	}

	bp, err := m.readBitmap(extent)
	if err != nil {
		return page.InvalidID, err
	}
	inner, ok := bp.allocate()
	if !ok {
		return page.InvalidID, errkind.ErrOutOfDisk
	}
	if err := m.writeBitmap(extent, bp); err != nil {
		return page.InvalidID, err
	}
	m.usedPerExt[extent]++
	m.pageCount++
	if err := m.writeMeta(); err != nil {
		return page.InvalidID, err
	}
	logical := page.ID(extent*Capacity + inner)
	return logical, nil
}

// DeallocatePage clears the bitmap bit for logical and decrements counters.
func (m *Manager) DeallocatePage(logical page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	extent, inner, _ := physicalOffset(logical)
	if extent >= m.extentCount {
		return nil
	}
	bp, err := m.readBitmap(extent)
	if err != nil {
		return err
	}
	bp.deallocate(inner)
	if err := m.writeBitmap(extent, bp); err != nil {
		return err
	}
	if m.usedPerExt[extent] > 0 {
		m.usedPerExt[extent]--
	}
	if m.pageCount > 0 {
		m.pageCount--
	}
	return m.writeMeta()
}

// IsPageFree reads the bitmap bit for logical.
func (m *Manager) IsPageFree(logical page.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	extent, inner, _ := physicalOffset(logical)
	if extent >= m.extentCount {
		return true, nil
	}
	bp, err := m.readBitmap(extent)
	if err != nil {
		return false, err
	}
	return bp.isFree(inner), nil
}

// ReadPage reads the page at logical into buf, which must be page.Size
// bytes. Reads beyond EOF are zero-filled rather than erroring.
func (m *Manager) ReadPage(logical page.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, offPages := physicalOffset(logical)
	addr := offPages * page.Size
	n, err := m.f.ReadAt(buf, addr)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "diskmgr: read page")
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WritePage writes buf (page.Size bytes) to the physical offset for
// logical. A failed write does not mutate in-memory counters since none
// are touched by WritePage.
func (m *Manager) WritePage(logical page.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, offPages := physicalOffset(logical)
	addr := offPages * page.Size
	if _, err := m.f.WriteAt(buf, addr); err != nil {
		return errors.Wrap(err, "diskmgr: write page")
	}
	return nil
}

// PageCount reports the number of currently-allocated logical pages.
func (m *Manager) PageCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageCount
}
