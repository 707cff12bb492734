package buffer

import (
	"math/rand"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZachVec/DatabaseSystem15445/disk"
	"github.com/ZachVec/DatabaseSystem15445/storage/page"
)

func tempFile(t *testing.T) string {
	t.Helper()
	path := uuid.New().String() + ".db"
	t.Cleanup(func() { os.Remove(path) })
	return path
}

func newPoolManager(t *testing.T, poolSize int) *PoolManager {
	t.Helper()
	dm, err := disk.NewFileManager(tempFile(t))
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return NewPoolManager(poolSize, dm)
}

func TestPoolManager_WritesSurviveEviction(t *testing.T) {
	b := newPoolManager(t, 2)

	ids := make([]page.ID, 0, 50)
	for i := 0; i < 50; i++ {
		p, err := b.New()
		require.NoError(t, err)
		ids = append(ids, p.ID())

		var payload [page.Size]byte
		payload[0] = byte(i)
		copy(p.Data(), payload[:])
		b.Unpin(p.ID(), true)
	}

	for i, id := range ids {
		p, err := b.Fetch(id)
		require.NoError(t, err)
		assert.Equal(t, byte(i), p.Data()[0])
		b.Unpin(id, false)
	}
}

func TestPoolManager_DoesNotCorruptRandomPages(t *testing.T) {
	b := newPoolManager(t, 3)
	const n = 50

	want := make([][page.Size]byte, n)
	ids := make([]page.ID, n)
	for i := 0; i < n; i++ {
		rand.Read(want[i][:])

		p, err := b.New()
		require.NoError(t, err)
		ids[i] = p.ID()
		copy(p.Data(), want[i][:])
		b.Unpin(p.ID(), true)
	}

	for i := 0; i < n; i++ {
		p, err := b.Fetch(ids[i])
		require.NoError(t, err)
		assert.Equal(t, want[i][:], p.Data())
		b.Unpin(ids[i], false)
	}
}

// TestPoolManager_Scenario1 follows the buffer-pool eviction scenario: a
// pool of size 2 holding P0,P1 evicts the least-recently-unpinned page
// when a third page is created, and the evicted page's bytes are
// still readable afterward.
func TestPoolManager_Scenario1(t *testing.T) {
	b := newPoolManager(t, 2)

	p0, err := b.New()
	require.NoError(t, err)
	id0 := p0.ID()
	copy(p0.Data(), []byte("page zero"))
	require.True(t, b.Unpin(id0, true))

	p1, err := b.New()
	require.NoError(t, err)
	id1 := p1.ID()
	copy(p1.Data(), []byte("page one"))
	require.True(t, b.Unpin(id1, true))

	// both unpinned, pool full: creating a third page must evict one of
	// them (id0, the first unpinned) rather than fail.
	p2, err := b.New()
	require.NoError(t, err)
	id2 := p2.ID()
	require.True(t, b.Unpin(id2, false))

	assert.NotEqual(t, id0, id2)
	assert.NotEqual(t, id1, id2)

	// the evicted page's write must have survived to disk.
	reread, err := b.Fetch(id0)
	require.NoError(t, err)
	assert.Equal(t, byte('p'), reread.Data()[0])
	b.Unpin(id0, false)
}

func TestPoolManager_NewFailsWhenAllFramesPinned(t *testing.T) {
	b := newPoolManager(t, 1)

	p0, err := b.New()
	require.NoError(t, err)

	_, err = b.New()
	assert.ErrorIs(t, err, ErrOutOfFrames)

	b.Unpin(p0.ID(), false)
}

func TestPoolManager_DeleteRefusesPinnedPage(t *testing.T) {
	b := newPoolManager(t, 1)

	p, err := b.New()
	require.NoError(t, err)

	assert.False(t, b.Delete(p.ID()))
	require.True(t, b.Unpin(p.ID(), false))
	assert.True(t, b.Delete(p.ID()))
}

func TestPoolManager_UnpinUnknownPageFails(t *testing.T) {
	b := newPoolManager(t, 2)
	assert.False(t, b.Unpin(page.ID(999), false))
}
