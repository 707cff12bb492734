package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ZachVec/DatabaseSystem15445/storage/page"
)

func TestTransaction_StartsGrowing(t *testing.T) {
	txn := New(RepeatableRead)
	assert.Equal(t, Growing, txn.State())
}

func TestTransaction_DistinctIDs(t *testing.T) {
	a := New(RepeatableRead)
	b := New(RepeatableRead)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestTransaction_UpgradeReplacesSharedWithExclusive(t *testing.T) {
	txn := New(RepeatableRead)
	r := RID{PageID: 1, Slot: 0}

	txn.GrantShared(r)
	assert.True(t, txn.IsSharedLocked(r))

	txn.GrantExclusive(r)
	assert.False(t, txn.IsSharedLocked(r))
	assert.True(t, txn.IsExclusiveLocked(r))
}

func TestTransaction_UngrantClearsBothSets(t *testing.T) {
	txn := New(RepeatableRead)
	r := RID{PageID: 1, Slot: 0}

	txn.GrantExclusive(r)
	txn.Ungrant(r)
	assert.False(t, txn.IsSharedLocked(r))
	assert.False(t, txn.IsExclusiveLocked(r))
}

func TestTransaction_ReleaseLatchesIsLIFO(t *testing.T) {
	txn := New(RepeatableRead)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		txn.PushLatch(fnLatch(func() { order = append(order, i) }))
	}
	txn.ReleaseLatches()

	assert.Equal(t, []int{2, 1, 0}, order)

	_, ok := txn.PopLatch()
	assert.False(t, ok)
}

type fnLatch func()

func (f fnLatch) Unlatch() { f() }

func TestTransaction_DeletedPagesAccumulate(t *testing.T) {
	txn := New(RepeatableRead)
	txn.AddDeletedPage(page.ID(1))
	txn.AddDeletedPage(page.ID(2))

	assert.ElementsMatch(t, []page.ID{1, 2}, txn.DeletedPages())
}
