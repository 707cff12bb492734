// Package lock implements tuple-level strict two-phase locking: a
// per-record FIFO wait queue, shared/exclusive lock modes with upgrade,
// and a background wait-for-graph deadlock detector.
package lock

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZachVec/DatabaseSystem15445/transaction"
)

// RID identifies the record a lock is taken on.
type RID = transaction.RID

type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func conflicts(a, b Mode) bool { return a == Exclusive || b == Exclusive }

type request struct {
	txn     *transaction.Transaction
	mode    Mode
	granted bool
}

// queue is one record's FIFO lock-request list. Its mutex is also the
// condition variable's lock: granting a request and waiting for one to
// become grantable both happen under it.
type queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*request
	upgrading bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// shouldGrant reports whether every request ahead of req in FIFO order is
// already granted and compatible with req's mode. A request can never be
// granted out of order, even if it is otherwise compatible with every
// granted request: that would starve the waiting request ahead of it.
func shouldGrant(q *queue, req *request) bool {
	for _, r := range q.requests {
		if r == req {
			return true
		}
		if !r.granted || conflicts(r.mode, req.mode) {
			return false
		}
	}
	return false
}

func removeRequest(q *queue, target *request) {
	for i, r := range q.requests {
		if r == target {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

const DefaultDetectInterval = 50 * time.Millisecond

// Manager is the tuple-lock table plus its deadlock detector.
type Manager struct {
	mu    sync.Mutex
	table map[RID]*queue

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewManager starts a Manager and its background deadlock detector. A
// non-positive interval falls back to DefaultDetectInterval.
func NewManager(interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultDetectInterval
	}
	m := &Manager{
		table:    make(map[RID]*queue),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.detectLoop()
	return m
}

// Close stops the background detector and waits for it to exit.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
}

func (m *Manager) queueFor(r RID) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.table[r]
	if !ok {
		q = newQueue()
		m.table[r] = q
	}
	return q
}

// LockShared blocks until txn holds a shared lock on r, or returns an
// AbortError if the request is refused or the transaction is chosen as a
// deadlock victim while waiting.
func (m *Manager) LockShared(txn *transaction.Transaction, r RID) error {
	if txn.Isolation() == transaction.ReadUncommitted {
		txn.SetState(transaction.Aborted)
		return &transaction.AbortError{Txn: txn.ID(), Reason: transaction.LockSharedOnReadUncommitted}
	}
	if txn.State() == transaction.Shrinking {
		txn.SetState(transaction.Aborted)
		return &transaction.AbortError{Txn: txn.ID(), Reason: transaction.LockOnShrinking}
	}
	if txn.IsSharedLocked(r) {
		panic(fmt.Sprintf("lock: transaction %d already holds a shared lock on %v", txn.ID(), r))
	}
	if txn.IsExclusiveLocked(r) {
		panic(fmt.Sprintf("lock: transaction %d already holds an exclusive lock on %v", txn.ID(), r))
	}

	q := m.queueFor(r)
	q.mu.Lock()
	req := &request{txn: txn, mode: Shared}
	q.requests = append(q.requests, req)
	for !shouldGrant(q, req) && txn.State() != transaction.Aborted {
		q.cond.Wait()
	}
	if txn.State() == transaction.Aborted {
		removeRequest(q, req)
		q.cond.Broadcast()
		q.mu.Unlock()
		return &transaction.AbortError{Txn: txn.ID(), Reason: transaction.Deadlock}
	}
	req.granted = true
	q.mu.Unlock()

	txn.GrantShared(r)
	return nil
}

// LockExclusive is LockShared's exclusive-mode counterpart.
func (m *Manager) LockExclusive(txn *transaction.Transaction, r RID) error {
	if txn.State() == transaction.Shrinking {
		txn.SetState(transaction.Aborted)
		return &transaction.AbortError{Txn: txn.ID(), Reason: transaction.LockOnShrinking}
	}
	if txn.IsSharedLocked(r) {
		panic(fmt.Sprintf("lock: transaction %d already holds a shared lock on %v", txn.ID(), r))
	}
	if txn.IsExclusiveLocked(r) {
		panic(fmt.Sprintf("lock: transaction %d already holds an exclusive lock on %v", txn.ID(), r))
	}

	q := m.queueFor(r)
	q.mu.Lock()
	req := &request{txn: txn, mode: Exclusive}
	q.requests = append(q.requests, req)
	for !shouldGrant(q, req) && txn.State() != transaction.Aborted {
		q.cond.Wait()
	}
	if txn.State() == transaction.Aborted {
		removeRequest(q, req)
		q.cond.Broadcast()
		q.mu.Unlock()
		return &transaction.AbortError{Txn: txn.ID(), Reason: transaction.Deadlock}
	}
	req.granted = true
	q.mu.Unlock()

	txn.GrantExclusive(r)
	return nil
}

// LockUpgrade converts txn's shared lock on r into an exclusive one,
// reinserting the request immediately after the currently-granted prefix
// so it does not lose its place to requests that arrived later.
func (m *Manager) LockUpgrade(txn *transaction.Transaction, r RID) error {
	if txn.State() == transaction.Shrinking {
		txn.SetState(transaction.Aborted)
		return &transaction.AbortError{Txn: txn.ID(), Reason: transaction.LockOnShrinking}
	}

	q := m.queueFor(r)
	q.mu.Lock()
	if q.upgrading {
		q.mu.Unlock()
		txn.SetState(transaction.Aborted)
		return &transaction.AbortError{Txn: txn.ID(), Reason: transaction.UpgradeConflict}
	}

	idx := -1
	for i, req := range q.requests {
		if req.txn.ID() == txn.ID() {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return fmt.Errorf("lock: transaction %d does not hold a lock on %v to upgrade", txn.ID(), r)
	}

	q.requests = append(q.requests[:idx], q.requests[idx+1:]...)
	insertAt := 0
	for insertAt < len(q.requests) && q.requests[insertAt].granted {
		insertAt++
	}
	req := &request{txn: txn, mode: Exclusive}
	q.requests = append(q.requests, nil)
	copy(q.requests[insertAt+1:], q.requests[insertAt:])
	q.requests[insertAt] = req

	q.upgrading = true
	for !shouldGrant(q, req) && txn.State() != transaction.Aborted {
		q.cond.Wait()
	}
	q.upgrading = false

	if txn.State() == transaction.Aborted {
		removeRequest(q, req)
		q.cond.Broadcast()
		q.mu.Unlock()
		return &transaction.AbortError{Txn: txn.ID(), Reason: transaction.Deadlock}
	}
	req.granted = true
	q.mu.Unlock()

	txn.GrantExclusive(r)
	return nil
}

// Unlock releases txn's lock on r and, per the transaction's isolation
// level, may move it from Growing to Shrinking.
func (m *Manager) Unlock(txn *transaction.Transaction, r RID) error {
	q := m.queueFor(r)
	q.mu.Lock()
	idx := -1
	for i, req := range q.requests {
		if req.txn.ID() == txn.ID() {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return nil
	}
	wasExclusive := q.requests[idx].mode == Exclusive
	q.requests = append(q.requests[:idx], q.requests[idx+1:]...)
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.Ungrant(r)

	if txn.State() == transaction.Growing {
		switch txn.Isolation() {
		case transaction.RepeatableRead:
			txn.SetState(transaction.Shrinking)
		case transaction.ReadCommitted:
			if wasExclusive {
				txn.SetState(transaction.Shrinking)
			}
		case transaction.ReadUncommitted:
			// read-uncommitted never takes shared locks, and releasing an
			// exclusive one does not start shrinking: there is nothing
			// left for growing/shrinking to protect under this level.
		}
	}
	return nil
}

// ReleaseLocks drops every lock txn currently holds, as run at commit or
// abort.
func (m *Manager) ReleaseLocks(txn *transaction.Transaction) {
	for _, r := range txn.SharedLockSet() {
		_ = m.Unlock(txn, r)
	}
	for _, r := range txn.ExclusiveLockSet() {
		_ = m.Unlock(txn, r)
	}
}

func (m *Manager) detectLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.runDetectionCycle()
		}
	}
}

// runDetectionCycle aborts cycle members one at a time, rebuilding the
// wait-for graph after each abort, until no cycle remains.
func (m *Manager) runDetectionCycle() {
	for {
		graph := m.buildGraph()
		victim, found := hasCycle(graph)
		if !found {
			return
		}
		m.abortVictim(victim)
	}
}

func (m *Manager) snapshotQueues() []*queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	queues := make([]*queue, 0, len(m.table))
	for _, q := range m.table {
		queues = append(queues, q)
	}
	return queues
}

// buildGraph adds an edge from every waiting request to every
// already-granted request ahead of it: the waiter cannot proceed until
// each of those release.
func (m *Manager) buildGraph() map[transaction.ID][]transaction.ID {
	graph := make(map[transaction.ID][]transaction.ID)
	for _, q := range m.snapshotQueues() {
		q.mu.Lock()
		var granted []transaction.ID
		for _, r := range q.requests {
			if r.granted {
				granted = append(granted, r.txn.ID())
			}
		}
		for _, r := range q.requests {
			if r.granted {
				continue
			}
			for _, g := range granted {
				graph[r.txn.ID()] = append(graph[r.txn.ID()], g)
			}
		}
		q.mu.Unlock()
	}
	for id := range graph {
		sort.Slice(graph[id], func(i, j int) bool { return graph[id][i] < graph[id][j] })
	}
	return graph
}

// hasCycle runs DFS from each node in ascending id order and, on finding
// a back edge into the current recursion stack, returns the largest
// (youngest) transaction id on that stack as the victim.
func hasCycle(graph map[transaction.ID][]transaction.ID) (transaction.ID, bool) {
	ids := make([]transaction.ID, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	visited := make(map[transaction.ID]bool, len(ids))
	onStack := make(map[transaction.ID]bool, len(ids))
	var stack []transaction.ID

	var victim transaction.ID
	found := false

	var dfs func(transaction.ID) bool
	dfs = func(id transaction.ID) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, next := range graph[id] {
			if onStack[next] {
				victim = next
				for _, s := range stack {
					if s > victim {
						victim = s
					}
				}
				found = true
				return true
			}
			if !visited[next] {
				if dfs(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
		return false
	}

	for _, id := range ids {
		if found {
			break
		}
		if !visited[id] {
			dfs(id)
		}
	}
	return victim, found
}

// abortVictim marks id Aborted wherever it holds or awaits a request and
// wakes every queue it touches, so each waiter rechecks its grant
// predicate instead of relying on a single targeted signal.
func (m *Manager) abortVictim(id transaction.ID) {
	for _, q := range m.snapshotQueues() {
		q.mu.Lock()
		touched := false
		for _, r := range q.requests {
			if r.txn.ID() == id {
				r.txn.SetState(transaction.Aborted)
				touched = true
			}
		}
		if touched {
			q.cond.Broadcast()
		}
		q.mu.Unlock()
	}
}
