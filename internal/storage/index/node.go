// Package index implements the B+ tree of spec.md §4.5: internal and leaf
// pages sharing a common header, discriminated as a tagged variant rather
// than through inheritance (spec.md §9). Search/insert/split are grounded
// in the teacher's pager.BTreePage/BTree; delete-side coalesce/redistribute
// is grounded in original_source's src/include/index/b_plus_tree.h, which
// the teacher's port never implemented.
package index

import (
	"encoding/binary"

	"github.com/minisql-go/minisql/internal/storage/page"
)

// nodeHeaderSize: size i32, max_size i32, parent_id i32 (page.InvalidID
// sentinel for none), key_size i32, next_leaf_id i32 (leaf only), after
// the common 32-byte page.Header.
const nodeHeaderSize = page.HeaderSize + 20

const childIDSize = 4  // internal entries store a page.ID child pointer
const rowIDSize = 8    // leaf entries store a record.RowID (8-byte wire form)

// Node is a view over a page.Size buffer tagged BTreeInternal or BTreeLeaf.
// Internal entries are (key, child_page_id); the first key slot is an
// unused separator placeholder (spec.md §3). Leaf entries are (key, RowID).
type Node struct {
	Buf     []byte
	KeySize int
}

func Wrap(buf []byte, keySize int) *Node { return &Node{Buf: buf, KeySize: keySize} }

func Init(buf []byte, id page.ID, leaf bool, keySize int) *Node {
	t := page.TypeBTreeInternal
	if leaf {
		t = page.TypeBTreeLeaf
	}
	h := page.Header{Type: t, ID: id}
	page.MarshalHeader(&h, buf)
	n := &Node{Buf: buf, KeySize: keySize}
	n.setSize(0)
	n.SetMaxSize(n.computeMaxSize())
	n.SetParentID(page.InvalidID)
	n.setKeySize(int32(keySize))
	n.SetNextLeafID(page.InvalidID)
	return n
}

func (n *Node) IsLeaf() bool {
	return page.Type(n.Buf[0]) == page.TypeBTreeLeaf
}

func (n *Node) entrySize() int {
	if n.IsLeaf() {
		return n.KeySize + rowIDSize
	}
	return n.KeySize + childIDSize
}

// computeMaxSize leaves one entry's room spare: Insert places the new
// entry before splitting, so a node briefly holds MaxSize+1 entries.
func (n *Node) computeMaxSize() int32 {
	return int32((page.Size-nodeHeaderSize)/n.entrySize()) - 1
}

func (n *Node) Size() int32 { return int32(binary.LittleEndian.Uint32(n.Buf[page.HeaderSize:])) }
func (n *Node) setSize(v int32) {
	binary.LittleEndian.PutUint32(n.Buf[page.HeaderSize:], uint32(v))
}

func (n *Node) MaxSize() int32 {
	return int32(binary.LittleEndian.Uint32(n.Buf[page.HeaderSize+4:]))
}
func (n *Node) SetMaxSize(v int32) {
	binary.LittleEndian.PutUint32(n.Buf[page.HeaderSize+4:], uint32(v))
}

func (n *Node) ParentID() page.ID {
	return page.ID(binary.LittleEndian.Uint32(n.Buf[page.HeaderSize+8:]))
}
func (n *Node) SetParentID(id page.ID) {
	binary.LittleEndian.PutUint32(n.Buf[page.HeaderSize+8:], uint32(id))
}

func (n *Node) keySize() int32 { return int32(binary.LittleEndian.Uint32(n.Buf[page.HeaderSize+12:])) }
func (n *Node) setKeySize(v int32) {
	binary.LittleEndian.PutUint32(n.Buf[page.HeaderSize+12:], uint32(v))
}

func (n *Node) NextLeafID() page.ID {
	return page.ID(binary.LittleEndian.Uint32(n.Buf[page.HeaderSize+16:]))
}
func (n *Node) SetNextLeafID(id page.ID) {
	binary.LittleEndian.PutUint32(n.Buf[page.HeaderSize+16:], uint32(id))
}

// MinSize is floor(MaxSize/2), the spec.md underflow threshold for
// non-root nodes.
func (n *Node) MinSize() int32 { return n.MaxSize() / 2 }

func (n *Node) entryOffset(i int32) int { return nodeHeaderSize + int(i)*n.entrySize() }

func (n *Node) KeyAt(i int32) []byte {
	off := n.entryOffset(i)
	return n.Buf[off : off+n.KeySize]
}
func (n *Node) setKeyAt(i int32, key []byte) {
	off := n.entryOffset(i)
	copy(n.Buf[off:off+n.KeySize], key)
}

func (n *Node) ChildAt(i int32) page.ID {
	off := n.entryOffset(i) + n.KeySize
	return page.ID(binary.LittleEndian.Uint32(n.Buf[off:]))
}
func (n *Node) setChildAt(i int32, id page.ID) {
	off := n.entryOffset(i) + n.KeySize
	binary.LittleEndian.PutUint32(n.Buf[off:], uint32(id))
}

func (n *Node) RowIDBytesAt(i int32) []byte {
	off := n.entryOffset(i) + n.KeySize
	return n.Buf[off : off+rowIDSize]
}
func (n *Node) setRowIDBytesAt(i int32, rid []byte) {
	off := n.entryOffset(i) + n.KeySize
	copy(n.Buf[off:off+rowIDSize], rid)
}

// insertAt shifts entries [i, size) right by one and writes a fresh entry.
func (n *Node) insertAt(i int32, key []byte, value []byte) {
	size := n.Size()
	es := n.entrySize()
	src := n.Buf[nodeHeaderSize+int(i)*es : nodeHeaderSize+int(size)*es]
	dst := n.Buf[nodeHeaderSize+int(i+1)*es:]
	copy(dst, src)
	n.setSize(size + 1)
	n.setKeyAt(i, key)
	if n.IsLeaf() {
		n.setRowIDBytesAt(i, value)
	} else {
		off := n.entryOffset(i) + n.KeySize
		copy(n.Buf[off:off+childIDSize], value)
	}
}

// removeAt deletes entry i, shifting the remainder left by one.
func (n *Node) removeAt(i int32) {
	size := n.Size()
	es := n.entrySize()
	dst := n.Buf[nodeHeaderSize+int(i)*es:]
	src := n.Buf[nodeHeaderSize+int(i+1)*es : nodeHeaderSize+int(size)*es]
	copy(dst, src)
	n.setSize(size - 1)
}

// appendRaw appends an entry already encoded as key||value.
func (n *Node) appendRaw(key, value []byte) {
	n.insertAt(n.Size(), key, value)
}
