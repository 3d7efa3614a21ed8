package index

import (
	"github.com/pkg/errors"

	"github.com/minisql-go/minisql/internal/storage/page"
)

// Verify walks the whole tree and checks the structural invariants of
// spec.md §8: every non-root node's size is within [MinSize, MaxSize],
// every leaf's keys are in ascending order, and the leaf chain traversed
// left-to-right via next_leaf_id visits every leaf exactly once in
// ascending key order. It pins at most one root-to-leaf path at a time.
func (t *BTree) Verify() error {
	root := t.rootID()
	if root == page.InvalidID {
		return errors.New("btree: no root")
	}
	if err := t.verifyNode(root, true); err != nil {
		return err
	}
	return t.verifyLeafChain()
}

func (t *BTree) verifyNode(id page.ID, isRoot bool) error {
	h, ok := t.pool.Fetch(id)
	if !ok {
		return errors.Errorf("btree: cannot fetch page %d", id)
	}
	n := Wrap(h.Buf, t.keySize)
	size := n.Size()
	maxSize := n.MaxSize()
	minSize := n.MinSize()

	if !isRoot && size < minSize {
		t.pool.Unpin(id, false)
		return errors.Errorf("btree: page %d underflowed: size=%d min=%d", id, size, minSize)
	}
	if size > maxSize {
		t.pool.Unpin(id, false)
		return errors.Errorf("btree: page %d overflowed: size=%d max=%d", id, size, maxSize)
	}
	if isRoot && !n.IsLeaf() && size < 2 {
		t.pool.Unpin(id, false)
		return errors.Errorf("btree: internal root %d has fewer than 2 children", id)
	}

	startAt := int32(0)
	if !n.IsLeaf() {
		startAt = 1 // slot 0 holds no real key
	}
	for i := startAt + 1; i < size; i++ {
		if t.cmp(n.KeyAt(i-1), n.KeyAt(i)) >= 0 {
			t.pool.Unpin(id, false)
			return errors.Errorf("btree: page %d keys out of order at %d", id, i)
		}
	}

	var children []page.ID
	if !n.IsLeaf() {
		for i := int32(0); i < size; i++ {
			children = append(children, n.ChildAt(i))
		}
	}
	t.pool.Unpin(id, false)

	for _, c := range children {
		if err := t.verifyNode(c, false); err != nil {
			return err
		}
	}
	return nil
}

// verifyLeafChain walks the leftmost path down to the first leaf, then
// follows next_leaf_id pointers, confirming strictly ascending keys
// across the whole chain.
func (t *BTree) verifyLeafChain() error {
	id := t.rootID()
	for {
		h, ok := t.pool.Fetch(id)
		if !ok {
			return errors.Errorf("btree: cannot fetch page %d", id)
		}
		n := Wrap(h.Buf, t.keySize)
		if n.IsLeaf() {
			t.pool.Unpin(id, false)
			break
		}
		child := n.ChildAt(0)
		t.pool.Unpin(id, false)
		id = child
	}

	var prev []byte
	for id != page.InvalidID {
		h, ok := t.pool.Fetch(id)
		if !ok {
			return errors.Errorf("btree: cannot fetch leaf %d", id)
		}
		n := Wrap(h.Buf, t.keySize)
		for i := int32(0); i < n.Size(); i++ {
			k := n.KeyAt(i)
			if prev != nil && t.cmp(prev, k) >= 0 {
				t.pool.Unpin(id, false)
				return errors.Errorf("btree: leaf chain out of order at page %d slot %d", id, i)
			}
			prev = append(prev[:0], k...)
		}
		next := n.NextLeafID()
		t.pool.Unpin(id, false)
		id = next
	}
	return nil
}
