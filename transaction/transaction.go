// Package transaction implements the execution-context object threaded
// through every lock and latch acquisition: identity, isolation level,
// strict two-phase-locking state, the lock sets the lock manager grants
// into it, the stack of latches held mid-crabbing, and the set of pages
// whose deletion is deferred until the latches protecting them are
// released.
package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ZachVec/DatabaseSystem15445/storage/page"
)

type ID uint64

// State is strict 2PL's transaction state machine: Growing transactions
// may acquire locks, Shrinking ones may only release them, and Committed
// /Aborted are terminal.
type State int32

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "growing"
	case Shrinking:
		return "shrinking"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// AbortReason names why the lock manager forced a transaction to abort.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota + 1
	LockSharedOnReadUncommitted
	UnlockOnShrinking
	UpgradeConflict
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "lock requested during shrinking phase"
	case LockSharedOnReadUncommitted:
		return "shared lock requested under read-uncommitted"
	case UnlockOnShrinking:
		return "unlock requested during shrinking phase"
	case UpgradeConflict:
		return "another transaction is already upgrading this lock"
	case Deadlock:
		return "selected as the youngest transaction in a wait-for cycle"
	default:
		return "unknown"
	}
}

// AbortError is returned by the lock manager in place of granting a lock;
// the transaction's state has already been set to Aborted.
type AbortError struct {
	Txn    ID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.Txn, e.Reason)
}

// RID identifies a tuple by the page that stores it and its slot within
// that page's slot array.
type RID struct {
	PageID page.ID
	Slot   uint32
}

// Unlatcher is anything a transaction's crabbing stack can release later:
// a page's read or write latch, or a stand-in for the B+ tree's
// root-pointer mutex, which guards the root page id rather than a page
// itself and so cannot be represented as a *page.Page.
type Unlatcher interface{ Unlatch() }

type writeLatch struct{ p *page.Page }

func (w writeLatch) Unlatch() { w.p.WUnlatch() }

type readLatch struct{ p *page.Page }

func (r readLatch) Unlatch() { r.p.RUnlatch() }

// WriteLatch wraps an already W-latched page for the crabbing stack.
func WriteLatch(p *page.Page) Unlatcher { return writeLatch{p} }

// ReadLatch wraps an already R-latched page for the crabbing stack.
func ReadLatch(p *page.Page) Unlatcher { return readLatch{p} }

// RootLatch wraps an already-held root-pointer mutex for the crabbing
// stack, standing in for a page latch in the tree's root sentinel.
type RootLatch struct {
	Mu    *sync.RWMutex
	Write bool
}

func (r RootLatch) Unlatch() {
	if r.Write {
		r.Mu.Unlock()
	} else {
		r.Mu.RUnlock()
	}
}

var idCounter atomic.Uint64

// Transaction is the context threaded through one request's worth of
// lock and latch acquisitions.
type Transaction struct {
	id        ID
	state     atomic.Int32
	isolation IsolationLevel

	mu        sync.Mutex
	shared    map[RID]struct{}
	exclusive map[RID]struct{}
	latches   []Unlatcher
	deleted   []page.ID
}

func New(isolation IsolationLevel) *Transaction {
	t := &Transaction{
		id:        ID(idCounter.Add(1)),
		isolation: isolation,
		shared:    make(map[RID]struct{}),
		exclusive: make(map[RID]struct{}),
	}
	t.state.Store(int32(Growing))
	return t
}

func (t *Transaction) ID() ID                    { return t.id }
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }
func (t *Transaction) State() State              { return State(t.state.Load()) }
func (t *Transaction) SetState(s State)          { t.state.Store(int32(s)) }

func (t *Transaction) IsSharedLocked(r RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.shared[r]
	return ok
}

func (t *Transaction) IsExclusiveLocked(r RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusive[r]
	return ok
}

// GrantShared records a newly granted shared lock.
func (t *Transaction) GrantShared(r RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shared[r] = struct{}{}
}

// GrantExclusive records a newly granted exclusive lock, replacing a
// shared lock on the same record if the grant was an upgrade.
func (t *Transaction) GrantExclusive(r RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.shared, r)
	t.exclusive[r] = struct{}{}
}

// Ungrant drops r from whichever lock set holds it.
func (t *Transaction) Ungrant(r RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.shared, r)
	delete(t.exclusive, r)
}

// SharedLockSet and ExclusiveLockSet return snapshots, not live views.
func (t *Transaction) SharedLockSet() []RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RID, 0, len(t.shared))
	for r := range t.shared {
		out = append(out, r)
	}
	return out
}

func (t *Transaction) ExclusiveLockSet() []RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RID, 0, len(t.exclusive))
	for r := range t.exclusive {
		out = append(out, r)
	}
	return out
}

// PushLatch records a latch held mid-crabbing so it can be released later
// in LIFO order.
func (t *Transaction) PushLatch(u Unlatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latches = append(t.latches, u)
}

// PopLatch removes and returns the most recently pushed latch.
func (t *Transaction) PopLatch() (Unlatcher, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.latches)
	if n == 0 {
		return nil, false
	}
	u := t.latches[n-1]
	t.latches = t.latches[:n-1]
	return u, true
}

// ReleaseLatches unwinds and releases every latch still on the stack,
// most recently acquired first.
func (t *Transaction) ReleaseLatches() {
	for {
		u, ok := t.PopLatch()
		if !ok {
			return
		}
		u.Unlatch()
	}
}

// AddDeletedPage defers a page's deletion until the caller is ready to
// drop the latches protecting the structure it was unlinked from.
func (t *Transaction) AddDeletedPage(id page.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, id)
}

// DeletedPages returns a snapshot of pages queued for deletion.
func (t *Transaction) DeletedPages() []page.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]page.ID(nil), t.deleted...)
}
