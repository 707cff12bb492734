package buffer

import (
	"errors"
	"sync"

	"github.com/ZachVec/DatabaseSystem15445/disk"
	"github.com/ZachVec/DatabaseSystem15445/storage/page"
)

// ErrOutOfFrames is returned when every frame is pinned and the replacer
// has no victim to offer.
var ErrOutOfFrames = errors.New("buffer: no free frame and no evictable victim")

// PoolManager is the single gateway between every other package and disk:
// it owns a fixed array of frames, a page-id -> frame-index table, a
// free-list of unused frames and a Replacer for the rest. All of it is
// serialised by one mutex; table-lookup bookkeeping is cheap and the disk
// I/O done while holding it is bounded to one page at a time.
type PoolManager struct {
	mu        sync.Mutex
	frames    []*page.Page
	pageTable map[page.ID]int
	freeList  []int
	replacer  Replacer
	disk      disk.Manager
}

func NewPoolManager(poolSize int, dm disk.Manager) *PoolManager {
	frames := make([]*page.Page, poolSize)
	freeList := make([]int, poolSize)
	for i := range frames {
		frames[i] = page.New()
		freeList[i] = poolSize - 1 - i
	}
	return &PoolManager{
		frames:    frames,
		pageTable: make(map[page.ID]int, poolSize),
		freeList:  freeList,
		replacer:  NewLRUReplacer(poolSize),
		disk:      dm,
	}
}

// Fetch pins id and returns its frame, reading it from disk if it is not
// already resident. The caller must Unpin exactly once per Fetch/New call.
func (p *PoolManager) Fetch(id page.ID) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fi, ok := p.pageTable[id]; ok {
		f := p.frames[fi]
		f.IncPinCount()
		p.replacer.Pin(fi)
		return f, nil
	}

	fi, err := p.acquireFrame()
	if err != nil {
		return nil, err
	}
	f := p.frames[fi]
	f.Reset(id)
	f.IncPinCount()
	p.pageTable[id] = fi
	if err := p.disk.ReadPage(id, f.Data()); err != nil {
		delete(p.pageTable, id)
		f.DecPinCount()
		p.freeList = append(p.freeList, fi)
		return nil, err
	}
	return f, nil
}

// New allocates a fresh page id, pins its frame and zero-fills it both in
// memory and on disk.
func (p *PoolManager) New() (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, err := p.acquireFrame()
	if err != nil {
		return nil, err
	}
	id := p.disk.AllocatePage()
	f := p.frames[fi]
	f.Reset(id)
	f.IncPinCount()
	p.pageTable[id] = fi
	if err := p.disk.WritePage(id, f.Data()); err != nil {
		delete(p.pageTable, id)
		f.DecPinCount()
		p.freeList = append(p.freeList, fi)
		return nil, err
	}
	return f, nil
}

// Unpin releases one pin on id. A true markDirty is sticky: it never
// clears the dirty flag itself. It reports false if id is not resident or
// is already unpinned.
func (p *PoolManager) Unpin(id page.ID, markDirty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, ok := p.pageTable[id]
	if !ok {
		return false
	}
	f := p.frames[fi]
	if f.PinCount() <= 0 {
		return false
	}
	if markDirty {
		f.SetDirty()
	}
	if f.DecPinCount() == 0 {
		p.replacer.Unpin(fi)
	}
	return true
}

// Flush writes id's frame to disk unconditionally and clears its dirty
// flag. It reports false if id is not resident.
func (p *PoolManager) Flush(id page.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, ok := p.pageTable[id]
	if !ok {
		return false
	}
	f := p.frames[fi]
	if err := p.disk.WritePage(id, f.Data()); err != nil {
		return false
	}
	f.SetClean()
	return true
}

// FlushAll writes every dirty resident page to disk.
func (p *PoolManager) FlushAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, fi := range p.pageTable {
		f := p.frames[fi]
		if !f.IsDirty() {
			continue
		}
		if err := p.disk.WritePage(id, f.Data()); err == nil {
			f.SetClean()
		}
	}
}

// Delete evicts id from the pool and deallocates it on disk. It refuses
// and reports false if id is still pinned.
func (p *PoolManager) Delete(id page.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, ok := p.pageTable[id]
	if !ok {
		p.disk.DeallocatePage(id)
		return true
	}
	f := p.frames[fi]
	if f.PinCount() > 0 {
		return false
	}
	p.replacer.Pin(fi)
	delete(p.pageTable, id)
	f.Reset(page.InvalidID)
	p.freeList = append(p.freeList, fi)
	p.disk.DeallocatePage(id)
	return true
}

// acquireFrame returns an unused frame index, writing back a dirty victim
// before handing it over. Callers still have to install the new page id
// into pageTable themselves.
func (p *PoolManager) acquireFrame() (int, error) {
	if n := len(p.freeList); n > 0 {
		fi := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return fi, nil
	}

	fi, ok := p.replacer.Victim()
	if !ok {
		return 0, ErrOutOfFrames
	}
	victim := p.frames[fi]
	if victim.IsDirty() {
		if err := p.disk.WritePage(victim.ID(), victim.Data()); err != nil {
			p.replacer.Unpin(fi)
			return 0, err
		}
	}
	delete(p.pageTable, victim.ID())
	return fi, nil
}
