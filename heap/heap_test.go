package heap

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZachVec/DatabaseSystem15445/buffer"
	"github.com/ZachVec/DatabaseSystem15445/disk"
	"github.com/ZachVec/DatabaseSystem15445/lock"
	"github.com/ZachVec/DatabaseSystem15445/transaction"
)

func newHeap(t *testing.T) *TableHeap {
	t.Helper()
	path := uuid.New().String() + ".db"
	t.Cleanup(func() { os.Remove(path) })

	dm, err := disk.NewFileManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	pool := buffer.NewPoolManager(8, dm)
	locks := lock.NewManager(time.Hour)
	t.Cleanup(locks.Close)

	h, err := New(pool, locks)
	require.NoError(t, err)
	return h
}

func TestTableHeap_InsertAndGet(t *testing.T) {
	h := newHeap(t)

	rid, err := h.InsertTuple([]byte("hello"))
	require.NoError(t, err)

	got, err := h.GetTuple(nil, rid)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestTableHeap_UpdateInPlaceWhenShrinking(t *testing.T) {
	h := newHeap(t)
	rid, err := h.InsertTuple([]byte("original value"))
	require.NoError(t, err)

	require.NoError(t, h.UpdateTuple(nil, rid, []byte("short")))
	got, err := h.GetTuple(nil, rid)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)
}

func TestTableHeap_UpdateReslotsWhenGrowing(t *testing.T) {
	h := newHeap(t)
	rid, err := h.InsertTuple([]byte("x"))
	require.NoError(t, err)

	bigger := []byte("a much longer replacement value")
	require.NoError(t, h.UpdateTuple(nil, rid, bigger))

	got, err := h.GetTuple(nil, rid)
	require.NoError(t, err)
	assert.Equal(t, bigger, got)
}

func TestTableHeap_MarkDeleteHidesTuple(t *testing.T) {
	h := newHeap(t)
	rid, err := h.InsertTuple([]byte("gone soon"))
	require.NoError(t, err)

	require.NoError(t, h.MarkDelete(nil, rid))

	_, err = h.GetTuple(nil, rid)
	assert.ErrorIs(t, err, ErrSlotDeleted)
}

func TestTableHeap_IteratorSkipsDeletedSlots(t *testing.T) {
	h := newHeap(t)
	var rids []transaction.RID
	for _, v := range []string{"a", "b", "c"} {
		rid, err := h.InsertTuple([]byte(v))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	require.NoError(t, h.MarkDelete(nil, rids[1]))

	var seen []string
	for it := h.Begin(); !it.End(); it.Next() {
		seen = append(seen, string(it.Tuple()))
	}
	assert.Equal(t, []string{"a", "c"}, seen)
}

func TestTableHeap_UpdateTakesExclusiveLock(t *testing.T) {
	h := newHeap(t)
	rid, err := h.InsertTuple([]byte("contested"))
	require.NoError(t, err)

	txn := transaction.New(transaction.RepeatableRead)
	require.NoError(t, h.UpdateTuple(txn, rid, []byte("updated by txn")))
	assert.True(t, txn.IsExclusiveLocked(rid))
}
