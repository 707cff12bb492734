// Package btree is a concurrent, disk-backed B+ tree index: fixed-width
// int64 keys mapped to tuple RIDs, pages fetched through the buffer pool
// and latched with hand-over-hand crabbing during every structural
// operation.
package btree

import (
	"encoding/binary"

	"github.com/ZachVec/DatabaseSystem15445/storage/page"
	"github.com/ZachVec/DatabaseSystem15445/transaction"
)

// Key is the tree's fixed-width search key.
type Key = int64

// Value is what a leaf maps a Key to.
type Value = transaction.RID

type kind byte

const (
	kindLeaf kind = iota
	kindInternal
)

// Node header layout, common to every page in the tree:
//
//	0:  kind            (1 byte)
//	1:  reserved        (1 byte)
//	2:  size            (2 bytes, uint16)
//	4:  maxSize         (2 bytes, uint16)
//	6:  parentPageID    (4 bytes, int32)
//	10: nextPageID      (4 bytes, int32; leaves only, sibling chain)
const headerSize = 16

const leafEntrySize = 16 // Key (8 bytes) + Value (PageID int32 + Slot uint32)
const internalKeySize = 8
const internalChildSize = 4

func isLeaf(data []byte) bool        { return kind(data[0]) == kindLeaf }
func setKind(data []byte, k kind)    { data[0] = byte(k) }
func nodeSize(data []byte) int       { return int(binary.BigEndian.Uint16(data[2:4])) }
func setNodeSize(data []byte, n int) { binary.BigEndian.PutUint16(data[2:4], uint16(n)) }
func nodeMaxSize(data []byte) int    { return int(binary.BigEndian.Uint16(data[4:6])) }
func setNodeMaxSize(data []byte, n int) {
	binary.BigEndian.PutUint16(data[4:6], uint16(n))
}

func parentPageID(data []byte) page.ID {
	return page.ID(int32(binary.BigEndian.Uint32(data[6:10])))
}
func setParentPageID(data []byte, id page.ID) {
	binary.BigEndian.PutUint32(data[6:10], uint32(int32(id)))
}

func nextPageID(data []byte) page.ID {
	return page.ID(int32(binary.BigEndian.Uint32(data[10:14])))
}
func setNextPageID(data []byte, id page.ID) {
	binary.BigEndian.PutUint32(data[10:14], uint32(int32(id)))
}

func initLeaf(data []byte, maxSize int) {
	setKind(data, kindLeaf)
	setNodeSize(data, 0)
	setNodeMaxSize(data, maxSize)
	setParentPageID(data, page.InvalidID)
	setNextPageID(data, page.InvalidID)
}

func initInternal(data []byte, maxSize int) {
	setKind(data, kindInternal)
	setNodeSize(data, 0)
	setNodeMaxSize(data, maxSize)
	setParentPageID(data, page.InvalidID)
}

func isRoot(data []byte) bool { return parentPageID(data) == page.InvalidID }

// minSize is bustub's GetMinSize: ceil(maxSize/2), the fewest entries a
// non-root node may fall to before a delete must coalesce or redistribute.
func minSize(maxSize int) int { return (maxSize + 1) / 2 }

// isSafeForInsert reports whether a node can absorb one more insert
// without splitting. A leaf becomes unsafe one entry earlier than an
// internal node: Insert splits a leaf as soon as it reaches its max size,
// while insertIntoParent splits an internal node only once it exceeds it.
func isSafeForInsert(data []byte) bool {
	if isLeaf(data) {
		return nodeSize(data) < nodeMaxSize(data)-1
	}
	return nodeSize(data) < nodeMaxSize(data)
}

// isSafeForDelete does not special-case the root: adjustRoot handles the
// root's own shrink-to-empty/shrink-to-one-child transitions separately,
// so treating it like any other node here only means its latch is held
// a little longer than strictly necessary, never incorrectly released
// early.
func isSafeForDelete(data []byte) bool {
	return nodeSize(data) > minSize(nodeMaxSize(data))
}

// --- leaf entries ---

func leafKeyAt(data []byte, i int) Key {
	off := headerSize + i*leafEntrySize
	return int64(binary.BigEndian.Uint64(data[off : off+8]))
}

func setLeafKeyAt(data []byte, i int, k Key) {
	off := headerSize + i*leafEntrySize
	binary.BigEndian.PutUint64(data[off:off+8], uint64(k))
}

func leafValueAt(data []byte, i int) Value {
	off := headerSize + i*leafEntrySize + 8
	pid := page.ID(int32(binary.BigEndian.Uint32(data[off : off+4])))
	slot := binary.BigEndian.Uint32(data[off+4 : off+8])
	return Value{PageID: pid, Slot: slot}
}

func setLeafValueAt(data []byte, i int, v Value) {
	off := headerSize + i*leafEntrySize + 8
	binary.BigEndian.PutUint32(data[off:off+4], uint32(int32(v.PageID)))
	binary.BigEndian.PutUint32(data[off+4:off+8], v.Slot)
}

// leafLowerBound returns the index of the first entry whose key is >= k.
func leafLowerBound(data []byte, k Key) int {
	n := nodeSize(data)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if leafKeyAt(data, mid) < k {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// leafInsert inserts (k, v) into a leaf that has room, keeping entries
// sorted by key. Caller must check nodeSize(data) < nodeMaxSize(data).
func leafInsert(data []byte, k Key, v Value) {
	n := nodeSize(data)
	idx := leafLowerBound(data, k)
	for i := n; i > idx; i-- {
		setLeafKeyAt(data, i, leafKeyAt(data, i-1))
		setLeafValueAt(data, i, leafValueAt(data, i-1))
	}
	setLeafKeyAt(data, idx, k)
	setLeafValueAt(data, idx, v)
	setNodeSize(data, n+1)
}

// leafRemoveAt deletes the entry at idx, shifting later entries left.
func leafRemoveAt(data []byte, idx int) {
	n := nodeSize(data)
	for i := idx; i < n-1; i++ {
		setLeafKeyAt(data, i, leafKeyAt(data, i+1))
		setLeafValueAt(data, i, leafValueAt(data, i+1))
	}
	setNodeSize(data, n-1)
}

// --- internal entries ---
//
// An internal node of size n holds n keys and n+1 children: child[0] is
// for everything < key[0], child[i] (i>0) is for keys in [key[i-1], key[i]).
// The keys region is reserved maxSize+1 slots, one more than a node ever
// keeps: a full internal node's insert temporarily overflows it to
// maxSize+1 entries in place, which the split step then reads back out
// with the same accessors before shrinking the node to size (maxSize+1)/2,
// rather than splicing together a separate in-memory copy of the
// overflowing arrays.

func internalChildrenOffset(data []byte) int {
	return headerSize + (nodeMaxSize(data)+1)*internalKeySize
}

func internalKeyAt(data []byte, i int) Key {
	off := headerSize + i*internalKeySize
	return int64(binary.BigEndian.Uint64(data[off : off+8]))
}

func setInternalKeyAt(data []byte, i int, k Key) {
	off := headerSize + i*internalKeySize
	binary.BigEndian.PutUint64(data[off:off+8], uint64(k))
}

func internalChildAt(data []byte, i int) page.ID {
	off := internalChildrenOffset(data) + i*internalChildSize
	return page.ID(int32(binary.BigEndian.Uint32(data[off : off+4])))
}

func setInternalChildAt(data []byte, i int, id page.ID) {
	off := internalChildrenOffset(data) + i*internalChildSize
	binary.BigEndian.PutUint32(data[off:off+4], uint32(int32(id)))
}

// internalChildIndex returns the index of the child pointer to follow
// for k: the last child whose separator key is <= k, or 0.
func internalChildIndex(data []byte, k Key) int {
	n := nodeSize(data)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if internalKeyAt(data, mid) <= k {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// internalIndexOfChild returns the slot holding childID among n+1
// children, or -1.
func internalIndexOfChild(data []byte, childID page.ID) int {
	n := nodeSize(data)
	for i := 0; i <= n; i++ {
		if internalChildAt(data, i) == childID {
			return i
		}
	}
	return -1
}

func internalSetFirstChild(data []byte, id page.ID) {
	setInternalChildAt(data, 0, id)
}

// internalInsertAfter inserts (key, child) immediately after the child
// currently at index idx, i.e. as the new child idx+1. Caller must check
// nodeSize(data) <= nodeMaxSize(data): a node already at its max size
// overflows into the spare key slot and must then be split.
func internalInsertAfter(data []byte, idx int, key Key, child page.ID) {
	n := nodeSize(data)
	for i := n; i > idx; i-- {
		setInternalKeyAt(data, i, internalKeyAt(data, i-1))
	}
	setInternalKeyAt(data, idx, key)
	for i := n + 1; i > idx+1; i-- {
		setInternalChildAt(data, i, internalChildAt(data, i-1))
	}
	setInternalChildAt(data, idx+1, child)
	setNodeSize(data, n+1)
}

// internalRemoveChildAt removes the child at idx and the separator key
// that precedes it (or, if idx==0, the one that follows it).
func internalRemoveChildAt(data []byte, idx int) {
	n := nodeSize(data)
	keyIdx := idx
	if keyIdx > 0 {
		keyIdx--
	}
	for i := keyIdx; i < n-1; i++ {
		setInternalKeyAt(data, i, internalKeyAt(data, i+1))
	}
	for i := idx; i < n; i++ {
		setInternalChildAt(data, i, internalChildAt(data, i+1))
	}
	setNodeSize(data, n-1)
}
