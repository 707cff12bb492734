package btree

import "github.com/ZachVec/DatabaseSystem15445/storage/page"

// Iterator walks key/value pairs in ascending key order across the leaf
// sibling chain hand over hand: the next leaf is read-latched before the
// current one is released.
type Iterator struct {
	t      *BTree
	leaf   *page.Page
	leafID page.ID
	idx    int
	atEnd  bool
}

// Begin returns an iterator positioned at the tree's smallest key.
func (t *BTree) Begin() *Iterator {
	leaf, release, err := t.findLeafForRead(minKey)
	if err != nil {
		return &Iterator{t: t, atEnd: true}
	}
	// findLeafForRead always descends toward minKey's position, which for
	// the smallest possible key lands on the leftmost leaf; its own
	// release func is discarded in favor of the iterator holding the
	// latch across calls to Next.
	_ = release
	return &Iterator{t: t, leaf: leaf, leafID: leaf.ID(), idx: 0}
}

// Seek returns an iterator positioned at the first key >= key.
func (t *BTree) Seek(key Key) *Iterator {
	leaf, _, err := t.findLeafForRead(key)
	if err != nil {
		return &Iterator{t: t, atEnd: true}
	}
	idx := leafLowerBound(leaf.Data(), key)
	it := &Iterator{t: t, leaf: leaf, leafID: leaf.ID(), idx: idx}
	it.skipToValid()
	return it
}

// skipToValid advances across empty or exhausted leaves until idx points
// at a live entry or the sibling chain is exhausted.
func (it *Iterator) skipToValid() {
	for {
		if it.leaf == nil {
			it.atEnd = true
			return
		}
		if it.idx < nodeSize(it.leaf.Data()) {
			return
		}
		next := nextPageID(it.leaf.Data())
		var nextLeaf *page.Page
		if next != page.InvalidID {
			if p, err := it.t.pool.Fetch(next); err == nil {
				p.RLatch()
				nextLeaf = p
			}
		}
		it.leaf.RUnlatch()
		it.t.pool.Unpin(it.leafID, false)
		if nextLeaf == nil {
			it.leaf = nil
			it.atEnd = true
			return
		}
		it.leaf, it.leafID, it.idx = nextLeaf, next, 0
	}
}

// End reports whether the iterator has exhausted the tree.
func (it *Iterator) End() bool {
	if it.leaf == nil {
		return it.atEnd
	}
	it.skipToValid()
	return it.atEnd
}

// Key returns the current entry's key. Only valid when !End().
func (it *Iterator) Key() Key { return leafKeyAt(it.leaf.Data(), it.idx) }

// Value returns the current entry's value. Only valid when !End().
func (it *Iterator) Value() Value { return leafValueAt(it.leaf.Data(), it.idx) }

// Next advances to the following entry.
func (it *Iterator) Next() {
	it.idx++
	it.skipToValid()
}

// Close releases the iterator's current leaf latch/pin. Safe to call on
// an already-exhausted iterator.
func (it *Iterator) Close() {
	if it.leaf == nil {
		return
	}
	it.leaf.RUnlatch()
	it.t.pool.Unpin(it.leafID, false)
	it.leaf = nil
	it.atEnd = true
}

// minKey is the smallest representable Key, used to descend to the
// leftmost leaf regardless of what keys the tree actually holds.
const minKey Key = -1 << 63
