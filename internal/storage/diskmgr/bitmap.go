package diskmgr

import (
	"encoding/binary"

	"github.com/minisql-go/minisql/internal/storage/page"
)

// bitmapHeaderSize reserves room for the common page header plus the
// bitmap page's own bookkeeping (page_allocated count, next_free hint).
const bitmapHeaderSize = page.HeaderSize + 8

// Capacity is BITMAP_CAPACITY from spec.md §4.1: the number of data pages
// tracked by one bitmap page, one bit each, packed after bitmapHeaderSize.
const Capacity = (page.Size - bitmapHeaderSize) * 8

// bitmapPage is a view over a page.Size buffer tagged page.TypeBitmap,
// grounded on original_source's BitmapPage<PageSize> (set/reset/get bit
// ops, an allocated-count counter, and a next-free-page hint to avoid
// rescanning from bit 0 on every allocation).
type bitmapPage struct {
	buf []byte
}

func wrapBitmap(buf []byte) *bitmapPage { return &bitmapPage{buf: buf} }

func initBitmap(buf []byte, id page.ID) *bitmapPage {
	h := page.Header{Type: page.TypeBitmap, ID: id}
	page.MarshalHeader(&h, buf)
	return &bitmapPage{buf: buf}
}

func (b *bitmapPage) allocatedCount() uint32 {
	return binary.LittleEndian.Uint32(b.buf[page.HeaderSize : page.HeaderSize+4])
}
func (b *bitmapPage) setAllocatedCount(v uint32) {
	binary.LittleEndian.PutUint32(b.buf[page.HeaderSize:page.HeaderSize+4], v)
}
func (b *bitmapPage) nextFreeHint() uint32 {
	return binary.LittleEndian.Uint32(b.buf[page.HeaderSize+4 : page.HeaderSize+8])
}
func (b *bitmapPage) setNextFreeHint(v uint32) {
	binary.LittleEndian.PutUint32(b.buf[page.HeaderSize+4:page.HeaderSize+8], v)
}

func (b *bitmapPage) byteOffset(i uint32) (int, byte) {
	return bitmapHeaderSize + int(i/8), byte(1 << (i % 8))
}

// get reports whether bit i (a data-page slot within the extent) is free.
func (b *bitmapPage) get(i uint32) bool {
	off, mask := b.byteOffset(i)
	return b.buf[off]&mask == 0
}

func (b *bitmapPage) set(i uint32) {
	off, mask := b.byteOffset(i)
	b.buf[off] |= mask
}

func (b *bitmapPage) reset(i uint32) {
	off, mask := b.byteOffset(i)
	b.buf[off] &^= mask
}

// allocate finds the first free slot starting at the cached hint, marks it
// used, and returns its index. Reports ok=false if the extent is full.
func (b *bitmapPage) allocate() (index uint32, ok bool) {
	start := b.nextFreeHint()
	for k := uint32(0); k < Capacity; k++ {
		i := (start + k) % Capacity
		if b.get(i) {
			b.set(i)
			b.setAllocatedCount(b.allocatedCount() + 1)
			b.setNextFreeHint((i + 1) % Capacity)
			return i, true
		}
	}
	return 0, false
}

func (b *bitmapPage) deallocate(i uint32) {
	if !b.get(i) {
		b.reset(i)
		if c := b.allocatedCount(); c > 0 {
			b.setAllocatedCount(c - 1)
		}
	}
}

func (b *bitmapPage) isFree(i uint32) bool { return b.get(i) }
