package lock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZachVec/DatabaseSystem15445/storage/page"
	"github.com/ZachVec/DatabaseSystem15445/transaction"
)

func newRID(pageID int32, slot uint32) RID {
	return RID{PageID: page.ID(pageID), Slot: slot}
}

func TestManager_SharedLocksAreCompatible(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	r := newRID(1, 0)
	t1 := transaction.New(transaction.RepeatableRead)
	t2 := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(t1, r))
	require.NoError(t, m.LockShared(t2, r))
	assert.True(t, t1.IsSharedLocked(r))
	assert.True(t, t2.IsSharedLocked(r))
}

func TestManager_ExclusiveBlocksUntilReleased(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	r := newRID(1, 0)
	holder := transaction.New(transaction.RepeatableRead)
	waiter := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockExclusive(holder, r))

	granted := make(chan error, 1)
	go func() { granted <- m.LockExclusive(waiter, r) }()

	select {
	case <-granted:
		t.Fatal("exclusive lock granted while holder still has it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock(holder, r))

	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never granted after release")
	}
}

func TestManager_FIFOOrderingBlocksLaterSharedBehindWaitingExclusive(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	r := newRID(1, 0)
	reader := transaction.New(transaction.RepeatableRead)
	writer := transaction.New(transaction.RepeatableRead)
	lateReader := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(reader, r))

	writerDone := make(chan error, 1)
	go func() { writerDone <- m.LockExclusive(writer, r) }()
	time.Sleep(20 * time.Millisecond) // let writer enqueue behind reader

	lateDone := make(chan error, 1)
	go func() { lateDone <- m.LockShared(lateReader, r) }()

	select {
	case <-lateDone:
		t.Fatal("later shared request jumped ahead of the waiting exclusive request")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock(reader, r))
	select {
	case err := <-writerDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer never granted")
	}

	require.NoError(t, m.Unlock(writer, r))
	select {
	case err := <-lateDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("late reader never granted")
	}
}

func TestManager_UpgradeSucceedsWhenSoleHolder(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	r := newRID(1, 0)
	txn := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(txn, r))
	require.NoError(t, m.LockUpgrade(txn, r))
	assert.True(t, txn.IsExclusiveLocked(r))
	assert.False(t, txn.IsSharedLocked(r))
}

func TestManager_SecondUpgraderAborts(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	r := newRID(1, 0)
	a := transaction.New(transaction.RepeatableRead)
	b := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(a, r))
	require.NoError(t, m.LockShared(b, r))

	upgradeA := make(chan error, 1)
	go func() { upgradeA <- m.LockUpgrade(a, r) }()
	time.Sleep(20 * time.Millisecond)

	err := m.LockUpgrade(b, r)
	var abortErr *transaction.AbortError
	require.True(t, errors.As(err, &abortErr))
	assert.Equal(t, transaction.UpgradeConflict, abortErr.Reason)
	assert.Equal(t, transaction.Aborted, b.State())

	require.NoError(t, m.Unlock(b, r))
	select {
	case err := <-upgradeA:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first upgrader never granted")
	}
}

func TestManager_LockOnShrinkingAborts(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	r1 := newRID(1, 0)
	r2 := newRID(2, 0)
	txn := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(txn, r1))
	require.NoError(t, m.Unlock(txn, r1))
	assert.Equal(t, transaction.Shrinking, txn.State())

	err := m.LockShared(txn, r2)
	var abortErr *transaction.AbortError
	require.True(t, errors.As(err, &abortErr))
	assert.Equal(t, transaction.LockOnShrinking, abortErr.Reason)
}

func TestManager_ReadUncommittedRejectsSharedLock(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	txn := transaction.New(transaction.ReadUncommitted)
	err := m.LockShared(txn, newRID(1, 0))
	var abortErr *transaction.AbortError
	require.True(t, errors.As(err, &abortErr))
	assert.Equal(t, transaction.LockSharedOnReadUncommitted, abortErr.Reason)
}

func TestManager_ReadUncommittedNeverShrinks(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	r := newRID(1, 0)
	txn := transaction.New(transaction.ReadUncommitted)

	require.NoError(t, m.LockExclusive(txn, r))
	require.NoError(t, m.Unlock(txn, r))
	assert.Equal(t, transaction.Growing, txn.State())
}

func TestManager_ReadCommittedShrinksOnlyOnExclusiveRelease(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	rShared := newRID(1, 0)
	rExclusive := newRID(2, 0)
	txn := transaction.New(transaction.ReadCommitted)

	require.NoError(t, m.LockShared(txn, rShared))
	require.NoError(t, m.Unlock(txn, rShared))
	assert.Equal(t, transaction.Growing, txn.State())

	require.NoError(t, m.LockExclusive(txn, rExclusive))
	require.NoError(t, m.Unlock(txn, rExclusive))
	assert.Equal(t, transaction.Shrinking, txn.State())
}

func TestManager_DeadlockDetectorAbortsYoungerTransaction(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	defer m.Close()

	older := transaction.New(transaction.RepeatableRead)
	younger := transaction.New(transaction.RepeatableRead)

	rA := newRID(1, 0)
	rB := newRID(2, 0)

	require.NoError(t, m.LockExclusive(older, rA))
	require.NoError(t, m.LockExclusive(younger, rB))

	olderDone := make(chan error, 1)
	youngerDone := make(chan error, 1)
	go func() { olderDone <- m.LockExclusive(older, rB) }()
	time.Sleep(20 * time.Millisecond)
	go func() { youngerDone <- m.LockExclusive(younger, rA) }()

	var olderErr, olderResolved, youngerErr, youngerResolved = error(nil), false, error(nil), false
	deadline := time.After(3 * time.Second)
	for !olderResolved || !youngerResolved {
		select {
		case olderErr = <-olderDone:
			olderResolved = true
		case youngerErr = <-youngerDone:
			youngerResolved = true
			if youngerErr != nil {
				// the victim's caller is responsible for releasing
				// whatever it already held, unblocking the survivor.
				m.ReleaseLocks(younger)
			}
		case <-deadline:
			t.Fatal("deadlock never resolved")
		}
	}

	require.NoError(t, olderErr)
	var abortErr *transaction.AbortError
	require.True(t, errors.As(youngerErr, &abortErr))
	assert.Equal(t, transaction.Deadlock, abortErr.Reason)
	assert.Equal(t, younger.ID(), abortErr.Txn)
}
