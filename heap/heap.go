// Package heap is a minimal slotted-page table heap: one page holding a
// free-space-pointer header, a forward-growing slot array and
// backward-growing tuple bytes, fetched and latched through the buffer
// pool and locked through the tuple lock manager.
package heap

import (
	"encoding/binary"
	"errors"

	"github.com/ZachVec/DatabaseSystem15445/buffer"
	"github.com/ZachVec/DatabaseSystem15445/lock"
	"github.com/ZachVec/DatabaseSystem15445/storage/page"
	"github.com/ZachVec/DatabaseSystem15445/transaction"
)

const (
	headerSize = 4 // numSlots uint16, freeSpacePointer uint16
	slotSize   = 8 // offset uint32, size uint32 (high bit: deleted)
	deletedBit = uint32(1) << 31
)

var (
	ErrTupleTooLarge = errors.New("heap: tuple does not fit on the page")
	ErrSlotNotFound  = errors.New("heap: slot index out of range")
	ErrSlotDeleted   = errors.New("heap: slot already deleted")
)

type slot struct {
	offset uint32
	size   uint32
}

func (s slot) deleted() bool  { return s.size&deletedBit != 0 }
func (s slot) length() uint32 { return s.size &^ deletedBit }

func readSlot(data []byte, i int) slot {
	b := data[headerSize+i*slotSize:]
	return slot{
		offset: binary.BigEndian.Uint32(b[0:4]),
		size:   binary.BigEndian.Uint32(b[4:8]),
	}
}

func writeSlot(data []byte, i int, s slot) {
	b := data[headerSize+i*slotSize:]
	binary.BigEndian.PutUint32(b[0:4], s.offset)
	binary.BigEndian.PutUint32(b[4:8], s.size)
}

func numSlots(data []byte) int       { return int(binary.BigEndian.Uint16(data[0:2])) }
func setNumSlots(data []byte, n int) { binary.BigEndian.PutUint16(data[0:2], uint16(n)) }
func freeSpacePtr(data []byte) int   { return int(binary.BigEndian.Uint16(data[2:4])) }
func setFreeSpacePtr(data []byte, v int) {
	binary.BigEndian.PutUint16(data[2:4], uint16(v))
}

func initPage(data []byte) {
	setNumSlots(data, 0)
	setFreeSpacePtr(data, len(data))
}

func freeSpace(data []byte) int {
	return freeSpacePtr(data) - (headerSize + numSlots(data)*slotSize)
}

// insertTuple appends tuple and a slot describing it, reporting whether
// the page had room.
func insertTuple(data []byte, tuple []byte) (int, bool) {
	if len(tuple)+slotSize > freeSpace(data) {
		return 0, false
	}
	n := numSlots(data)
	newPtr := freeSpacePtr(data) - len(tuple)
	copy(data[newPtr:], tuple)
	writeSlot(data, n, slot{offset: uint32(newPtr), size: uint32(len(tuple))})
	setNumSlots(data, n+1)
	setFreeSpacePtr(data, newPtr)
	return n, true
}

// TableHeap is a single-page slotted table: enough to give the B+ tree
// index and lock manager a real tuple store to operate against, without
// the overflow-page chaining a production heap would need.
type TableHeap struct {
	pool   *buffer.PoolManager
	locks  *lock.Manager
	pageID page.ID
}

// New creates an empty table heap backed by a freshly allocated page.
func New(pool *buffer.PoolManager, locks *lock.Manager) (*TableHeap, error) {
	p, err := pool.New()
	if err != nil {
		return nil, err
	}
	initPage(p.Data())
	id := p.ID()
	pool.Unpin(id, true)
	return &TableHeap{pool: pool, locks: locks, pageID: id}, nil
}

// Open wraps an existing heap page, e.g. one recovered via the header
// page's index/heap registry.
func Open(pool *buffer.PoolManager, locks *lock.Manager, pageID page.ID) *TableHeap {
	return &TableHeap{pool: pool, locks: locks, pageID: pageID}
}

func (h *TableHeap) PageID() page.ID { return h.pageID }

// InsertTuple appends tuple to the heap and returns the RID it was
// stored at. No lock is taken: the record does not exist for any other
// transaction until this one's RID escapes (e.g. via an index insert).
func (h *TableHeap) InsertTuple(tuple []byte) (transaction.RID, error) {
	p, err := h.pool.Fetch(h.pageID)
	if err != nil {
		return transaction.RID{}, err
	}
	defer h.pool.Unpin(h.pageID, true)

	p.WLatch()
	defer p.WUnlatch()

	idx, ok := insertTuple(p.Data(), tuple)
	if !ok {
		return transaction.RID{}, ErrTupleTooLarge
	}
	return transaction.RID{PageID: h.pageID, Slot: uint32(idx)}, nil
}

// GetTuple reads the tuple at rid, taking a shared lock first unless txn
// is nil or reads at its isolation level go unlocked.
func (h *TableHeap) GetTuple(txn *transaction.Transaction, rid transaction.RID) ([]byte, error) {
	if txn != nil && txn.Isolation() != transaction.ReadUncommitted {
		if err := h.locks.LockShared(txn, rid); err != nil {
			return nil, err
		}
	}

	p, err := h.pool.Fetch(rid.PageID)
	if err != nil {
		return nil, err
	}
	defer h.pool.Unpin(rid.PageID, false)

	p.RLatch()
	defer p.RUnlatch()

	data := p.Data()
	if int(rid.Slot) >= numSlots(data) {
		return nil, ErrSlotNotFound
	}
	s := readSlot(data, int(rid.Slot))
	if s.deleted() {
		return nil, ErrSlotDeleted
	}
	out := make([]byte, s.length())
	copy(out, data[s.offset:s.offset+s.length()])
	return out, nil
}

// UpdateTuple overwrites the tuple at rid, taking an exclusive lock
// first. A shrinking tuple is rewritten in place; a growing one is
// reslotted within the same page if there is room.
func (h *TableHeap) UpdateTuple(txn *transaction.Transaction, rid transaction.RID, tuple []byte) error {
	if txn != nil {
		if err := h.lockForWrite(txn, rid); err != nil {
			return err
		}
	}

	p, err := h.pool.Fetch(rid.PageID)
	if err != nil {
		return err
	}
	defer h.pool.Unpin(rid.PageID, true)

	p.WLatch()
	defer p.WUnlatch()

	data := p.Data()
	if int(rid.Slot) >= numSlots(data) {
		return ErrSlotNotFound
	}
	s := readSlot(data, int(rid.Slot))
	if s.deleted() {
		return ErrSlotDeleted
	}

	if len(tuple) <= int(s.length()) {
		copy(data[s.offset:], tuple)
		writeSlot(data, int(rid.Slot), slot{offset: s.offset, size: uint32(len(tuple))})
		return nil
	}

	if len(tuple) > freeSpace(data) {
		return ErrTupleTooLarge
	}
	newPtr := freeSpacePtr(data) - len(tuple)
	copy(data[newPtr:], tuple)
	writeSlot(data, int(rid.Slot), slot{offset: uint32(newPtr), size: uint32(len(tuple))})
	setFreeSpacePtr(data, newPtr)
	return nil
}

// MarkDelete takes an exclusive lock on rid and tombstones its slot; the
// bytes stay put until the page is compacted.
func (h *TableHeap) MarkDelete(txn *transaction.Transaction, rid transaction.RID) error {
	if txn != nil {
		if err := h.lockForWrite(txn, rid); err != nil {
			return err
		}
	}

	p, err := h.pool.Fetch(rid.PageID)
	if err != nil {
		return err
	}
	defer h.pool.Unpin(rid.PageID, true)

	p.WLatch()
	defer p.WUnlatch()

	data := p.Data()
	if int(rid.Slot) >= numSlots(data) {
		return ErrSlotNotFound
	}
	s := readSlot(data, int(rid.Slot))
	if s.deleted() {
		return ErrSlotDeleted
	}
	writeSlot(data, int(rid.Slot), slot{offset: s.offset, size: s.size | deletedBit})
	return nil
}

// lockForWrite acquires (or upgrades to) an exclusive lock regardless of
// isolation level: strict 2PL requires exclusive locks for writes under
// every level, unlike shared locks which read-uncommitted skips.
func (h *TableHeap) lockForWrite(txn *transaction.Transaction, rid transaction.RID) error {
	if txn.IsExclusiveLocked(rid) {
		return nil
	}
	if txn.IsSharedLocked(rid) {
		return h.locks.LockUpgrade(txn, rid)
	}
	return h.locks.LockExclusive(txn, rid)
}

// Iterator walks every live tuple in a TableHeap in slot order.
type Iterator struct {
	h      *TableHeap
	pageID page.ID
	idx    int
	rid    transaction.RID
	tuple  []byte
	atEnd  bool
}

// Begin returns an iterator positioned at the heap's first live tuple.
func (h *TableHeap) Begin() *Iterator {
	it := &Iterator{h: h, pageID: h.pageID}
	it.advance()
	return it
}

// End reports whether the iterator has exhausted the heap.
func (it *Iterator) End() bool { return it.atEnd }

// RID returns the current tuple's record id. Only valid when !End().
func (it *Iterator) RID() transaction.RID { return it.rid }

// Tuple returns the current tuple's bytes. Only valid when !End().
func (it *Iterator) Tuple() []byte { return it.tuple }

// Next advances to the next live tuple.
func (it *Iterator) Next() {
	it.idx++
	it.advance()
}

func (it *Iterator) advance() {
	p, err := it.h.pool.Fetch(it.pageID)
	if err != nil {
		it.atEnd = true
		return
	}
	p.RLatch()
	data := p.Data()
	n := numSlots(data)
	for it.idx < n {
		s := readSlot(data, it.idx)
		if !s.deleted() {
			it.rid = transaction.RID{PageID: it.pageID, Slot: uint32(it.idx)}
			it.tuple = append([]byte(nil), data[s.offset:s.offset+s.length()]...)
			p.RUnlatch()
			it.h.pool.Unpin(it.pageID, false)
			return
		}
		it.idx++
	}
	p.RUnlatch()
	it.h.pool.Unpin(it.pageID, false)
	it.atEnd = true
}
