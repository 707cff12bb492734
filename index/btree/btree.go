package btree

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ZachVec/DatabaseSystem15445/buffer"
	"github.com/ZachVec/DatabaseSystem15445/storage/page"
	"github.com/ZachVec/DatabaseSystem15445/transaction"
)

var (
	ErrEmptyTree       = errors.New("btree: tree is empty")
	ErrKeyNotFound     = errors.New("btree: key not found")
	ErrDuplicateKey    = errors.New("btree: key already exists")
	ErrDegreeTooSmall  = errors.New("btree: max size must be at least 3")
	ErrPageTooSmall    = errors.New("btree: max size does not fit in a page")
	ErrRegistryTooLarge = errors.New("btree: header page registry exceeds a page")
)

// pageLatch pairs a page's latch with the pin the buffer pool owes it, so
// a single entry on a transaction's crabbing stack both unlatches and
// unpins.
type pageLatch struct {
	pool  *buffer.PoolManager
	p     *page.Page
	write bool
}

func (l pageLatch) Unlatch() {
	if l.write {
		l.p.WUnlatch()
	} else {
		l.p.RUnlatch()
	}
	l.pool.Unpin(l.p.ID(), false)
}

// BTree is a concurrent B+ tree index over fixed-width int64 keys, backed
// by pages fetched through a buffer pool and named in the header page's
// index registry.
type BTree struct {
	name            string
	pool            *buffer.PoolManager
	leafMaxSize     int
	internalMaxSize int

	rootMu     sync.RWMutex
	rootPageID page.ID
}

// Open returns the tree named name as recorded in the header page's
// registry, or an empty tree if the registry has no entry for it; the
// entry is written when the tree first publishes a root. leafMaxSize and
// internalMaxSize bound how many entries a node holds before it splits.
func Open(name string, pool *buffer.PoolManager, leafMaxSize, internalMaxSize int) (*BTree, error) {
	if leafMaxSize < 3 || internalMaxSize < 3 {
		return nil, ErrDegreeTooSmall
	}
	if headerSize+leafMaxSize*leafEntrySize > page.Size {
		return nil, ErrPageTooSmall
	}
	if headerSize+(internalMaxSize+1)*internalKeySize+(internalMaxSize+2)*internalChildSize > page.Size {
		return nil, ErrPageTooSmall
	}

	registryMu.Lock()
	reg, err := loadRegistry(pool)
	registryMu.Unlock()
	if err != nil {
		return nil, err
	}
	root := page.InvalidID
	if id, ok := reg[name]; ok {
		root = page.ID(id)
	}

	return &BTree{
		name:            name,
		pool:            pool,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootPageID:      root,
	}, nil
}

// registryMu serializes every load-modify-save cycle over the header
// page's registry across all BTree instances sharing a pool: without it,
// two trees publishing a new root at nearly the same time could each load
// the same map, mutate only their own key, and have whichever saves last
// silently clobber the other's update.
var registryMu sync.Mutex

func (t *BTree) persistRoot() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	reg, err := loadRegistry(t.pool)
	if err != nil {
		return err
	}
	reg[t.name] = int32(t.rootPageID)
	return saveRegistry(t.pool, reg)
}

// releaseAncestorsKeepTop pops the most recently pushed latch, releases
// everything still on the stack beneath it, then restores it. Used once a
// node is confirmed safe: nothing above it can be touched for the rest of
// this operation.
func releaseAncestorsKeepTop(txn *transaction.Transaction) {
	top, ok := txn.PopLatch()
	if !ok {
		return
	}
	txn.ReleaseLatches()
	txn.PushLatch(top)
}

// findLeafForRead descends to key's leaf under read latches only, always
// releasing a page's latch as soon as its child is latched: reads never
// need to back up. It returns the latched, pinned leaf and a func to
// release it.
func (t *BTree) findLeafForRead(key Key) (*page.Page, func(), error) {
	t.rootMu.RLock()
	if t.rootPageID == page.InvalidID {
		t.rootMu.RUnlock()
		return nil, nil, ErrEmptyTree
	}
	curID := t.rootPageID
	cur, err := t.pool.Fetch(curID)
	if err != nil {
		t.rootMu.RUnlock()
		return nil, nil, err
	}
	cur.RLatch()
	t.rootMu.RUnlock()

	for !isLeaf(cur.Data()) {
		idx := internalChildIndex(cur.Data(), key)
		childID := internalChildAt(cur.Data(), idx)
		child, err := t.pool.Fetch(childID)
		if err != nil {
			cur.RUnlatch()
			t.pool.Unpin(curID, false)
			return nil, nil, err
		}
		child.RLatch()
		cur.RUnlatch()
		t.pool.Unpin(curID, false)
		cur, curID = child, childID
	}

	leaf, leafID := cur, curID
	return leaf, func() {
		leaf.RUnlatch()
		t.pool.Unpin(leafID, false)
	}, nil
}

// GetValue looks up key, returning ok=false if it is absent.
func (t *BTree) GetValue(key Key) (Value, bool, error) {
	leaf, release, err := t.findLeafForRead(key)
	if err != nil {
		if errors.Is(err, ErrEmptyTree) {
			return Value{}, false, nil
		}
		return Value{}, false, err
	}
	defer release()

	data := leaf.Data()
	idx := leafLowerBound(data, key)
	if idx < nodeSize(data) && leafKeyAt(data, idx) == key {
		return leafValueAt(data, idx), true, nil
	}
	return Value{}, false, nil
}

// crabDown descends from the root latching every page for write, pushing
// each onto txn's crabbing stack and recording it in path, and releasing
// every ancestor (path included) as soon as a node is deemed safe by
// isSafe; the root mutex sits at the bottom of the stack and is released
// along with them. A nil path (with no error) means the tree is empty,
// and the root mutex is then left held for the caller to act under.
func (t *BTree) crabDown(txn *transaction.Transaction, key Key, isSafe func([]byte) bool) ([]*page.Page, error) {
	t.rootMu.Lock()
	txn.PushLatch(transaction.RootLatch{Mu: &t.rootMu, Write: true})

	if t.rootPageID == page.InvalidID {
		return nil, nil
	}

	var path []*page.Page

	curID := t.rootPageID
	cur, err := t.pool.Fetch(curID)
	if err != nil {
		txn.ReleaseLatches()
		return nil, err
	}
	cur.WLatch()
	txn.PushLatch(pageLatch{pool: t.pool, p: cur, write: true})
	path = append(path, cur)
	if isSafe(cur.Data()) {
		releaseAncestorsKeepTop(txn)
		path = path[len(path)-1:]
	}

	for !isLeaf(cur.Data()) {
		idx := internalChildIndex(cur.Data(), key)
		childID := internalChildAt(cur.Data(), idx)
		child, err := t.pool.Fetch(childID)
		if err != nil {
			txn.ReleaseLatches()
			return nil, err
		}
		child.WLatch()
		txn.PushLatch(pageLatch{pool: t.pool, p: child, write: true})
		path = append(path, child)
		if isSafe(child.Data()) {
			releaseAncestorsKeepTop(txn)
			path = path[len(path)-1:]
		}
		cur = child
	}
	return path, nil
}

// flushDeleted actually deletes every page txn queued for deferred
// deletion. Call only after every latch on the structure has been
// released, so no page still reachable through it is pinned.
func (t *BTree) flushDeleted(txn *transaction.Transaction) {
	for _, id := range txn.DeletedPages() {
		t.pool.Delete(id)
	}
}

// Insert adds (key, value). A nil txn gets a scratch one for the
// duration of the call. ErrDuplicateKey is returned if key is present.
func (t *BTree) Insert(txn *transaction.Transaction, key Key, value Value) error {
	if txn == nil {
		txn = transaction.New(transaction.RepeatableRead)
	}

	path, err := t.crabDown(txn, key, isSafeForInsert)
	if err != nil {
		return err
	}

	if path == nil {
		root, err := t.pool.New()
		if err != nil {
			txn.ReleaseLatches()
			return err
		}
		initLeaf(root.Data(), t.leafMaxSize)
		leafInsert(root.Data(), key, value)
		root.SetDirty()
		t.rootPageID = root.ID()
		t.pool.Unpin(root.ID(), true)

		if err := t.persistRoot(); err != nil {
			txn.ReleaseLatches()
			return err
		}
		txn.ReleaseLatches()
		return nil
	}

	leaf := path[len(path)-1]
	data := leaf.Data()
	idx := leafLowerBound(data, key)
	if idx < nodeSize(data) && leafKeyAt(data, idx) == key {
		txn.ReleaseLatches()
		return ErrDuplicateKey
	}

	leafInsert(data, key, value)
	leaf.SetDirty()

	var splitErr error
	if nodeSize(data) >= t.leafMaxSize {
		splitErr = t.splitLeaf(path, len(path)-1)
	}

	txn.ReleaseLatches()
	t.flushDeleted(txn)
	return splitErr
}

// splitLeaf moves the upper half of path[idx]'s entries into a new leaf,
// links the sibling chain, and pushes the new leaf's first key up as a
// separator.
func (t *BTree) splitLeaf(path []*page.Page, idx int) error {
	leaf := path[idx]
	data := leaf.Data()
	n := nodeSize(data)
	leftCount := minSize(t.leafMaxSize)

	newLeaf, err := t.pool.New()
	if err != nil {
		return err
	}
	initLeaf(newLeaf.Data(), t.leafMaxSize)
	for i := leftCount; i < n; i++ {
		leafInsert(newLeaf.Data(), leafKeyAt(data, i), leafValueAt(data, i))
	}
	newLeaf.SetDirty()

	setNextPageID(newLeaf.Data(), nextPageID(data))
	setNodeSize(data, leftCount)
	setNextPageID(data, newLeaf.ID())
	leaf.SetDirty()

	sep := leafKeyAt(newLeaf.Data(), 0)
	return t.insertIntoParent(path, idx, sep, newLeaf)
}

// insertIntoParent links newNode into old's parent as the sibling just
// after it under separator sep, creating a new root if old had none, and
// recursing into splitInternal if the parent overflows.
func (t *BTree) insertIntoParent(path []*page.Page, idx int, sep Key, newNode *page.Page) error {
	old := path[idx]

	if idx == 0 {
		newRoot, err := t.pool.New()
		if err != nil {
			return err
		}
		initInternal(newRoot.Data(), t.internalMaxSize)
		internalSetFirstChild(newRoot.Data(), old.ID())
		internalInsertAfter(newRoot.Data(), 0, sep, newNode.ID())
		newRoot.SetDirty()

		setParentPageID(old.Data(), newRoot.ID())
		old.SetDirty()
		setParentPageID(newNode.Data(), newRoot.ID())
		newNode.SetDirty()

		t.rootPageID = newRoot.ID()
		t.pool.Unpin(newRoot.ID(), true)
		t.pool.Unpin(newNode.ID(), true)
		return t.persistRoot()
	}

	parent := path[idx-1]
	pdata := parent.Data()

	setParentPageID(newNode.Data(), parent.ID())
	newNode.SetDirty()

	childIdx := internalIndexOfChild(pdata, old.ID())
	internalInsertAfter(pdata, childIdx, sep, newNode.ID())
	parent.SetDirty()
	t.pool.Unpin(newNode.ID(), true)

	if nodeSize(pdata) <= t.internalMaxSize {
		return nil
	}
	return t.splitInternal(path, idx-1)
}

// splitInternal splits path[idx], which has just overflowed to
// internalMaxSize+1 entries in its reserved extra slot, into itself
// (shrunk to the left half) and a new right-hand node, pushing the
// middle key up via insertIntoParent.
func (t *BTree) splitInternal(path []*page.Page, idx int) error {
	node := path[idx]
	data := node.Data()
	n := nodeSize(data)
	leftCount := n / 2

	upKey := internalKeyAt(data, leftCount)

	newRight, err := t.pool.New()
	if err != nil {
		return err
	}
	initInternal(newRight.Data(), t.internalMaxSize)
	internalSetFirstChild(newRight.Data(), internalChildAt(data, leftCount+1))
	for i, j := 0, leftCount+1; j < n; i, j = i+1, j+1 {
		internalInsertAfter(newRight.Data(), i, internalKeyAt(data, j), internalChildAt(data, j+1))
	}
	newRight.SetDirty()
	t.fixChildParentPointers(newRight)

	setNodeSize(data, leftCount)
	node.SetDirty()

	return t.insertIntoParent(path, idx, upKey, newRight)
}

// fixChildParentPointers updates every child of node to point back to it,
// used after a split or merge moves children under a different parent.
func (t *BTree) fixChildParentPointers(node *page.Page) {
	data := node.Data()
	n := nodeSize(data)
	for i := 0; i <= n; i++ {
		childID := internalChildAt(data, i)
		child, err := t.pool.Fetch(childID)
		if err != nil {
			continue
		}
		setParentPageID(child.Data(), node.ID())
		child.SetDirty()
		t.pool.Unpin(childID, true)
	}
}

// Delete removes key. A nil txn gets a scratch one for the duration of
// the call. ErrKeyNotFound is returned if key is absent.
func (t *BTree) Delete(txn *transaction.Transaction, key Key) error {
	if txn == nil {
		txn = transaction.New(transaction.RepeatableRead)
	}

	path, err := t.crabDown(txn, key, isSafeForDelete)
	if err != nil {
		return err
	}
	if path == nil {
		txn.ReleaseLatches()
		return ErrEmptyTree
	}

	leaf := path[len(path)-1]
	data := leaf.Data()
	idx := leafLowerBound(data, key)
	if idx >= nodeSize(data) || leafKeyAt(data, idx) != key {
		txn.ReleaseLatches()
		return ErrKeyNotFound
	}
	leafRemoveAt(data, idx)
	leaf.SetDirty()

	err = t.coalesceOrRedistribute(txn, path, len(path)-1)

	txn.ReleaseLatches()
	t.flushDeleted(txn)
	return err
}

// coalesceOrRedistribute restores path[idx]'s minimum-size invariant
// after a deletion shrank it, recursing into the parent if a coalesce
// leaves it underfull too. path[0] is handed to adjustRoot instead: it is
// either the root, which has no minimum size of its own, or a node
// crabDown found safe, which one removal cannot take below its minimum.
func (t *BTree) coalesceOrRedistribute(txn *transaction.Transaction, path []*page.Page, idx int) error {
	node := path[idx]
	if idx == 0 {
		return t.adjustRoot(txn, node)
	}

	data := node.Data()
	if nodeSize(data) >= minSize(nodeMaxSize(data)) {
		return nil
	}

	parent := path[idx-1]
	pdata := parent.Data()
	childIdx := internalIndexOfChild(pdata, node.ID())
	siblingIdx := childIdx - 1
	if childIdx == 0 {
		siblingIdx = 1
	}
	siblingID := internalChildAt(pdata, siblingIdx)

	sibling, err := t.pool.Fetch(siblingID)
	if err != nil {
		return err
	}
	sibling.WLatch()
	defer func() {
		sibling.WUnlatch()
		t.pool.Unpin(siblingID, true)
	}()
	sdata := sibling.Data()

	combined := nodeSize(data) + nodeSize(sdata)
	maxSize := nodeMaxSize(data)
	var canCoalesce bool
	if isLeaf(data) {
		canCoalesce = combined < maxSize
	} else {
		// the parent's separator comes down too, so the merged node holds
		// combined+1 keys
		canCoalesce = combined < maxSize
	}
	siblingOnLeft := siblingIdx < childIdx

	if !canCoalesce {
		t.redistribute(pdata, node, sibling, siblingOnLeft, childIdx, siblingIdx)
		parent.SetDirty()
		node.SetDirty()
		sibling.SetDirty()
		return nil
	}

	var left, right *page.Page
	var leftIdx, rightIdx int
	if siblingOnLeft {
		left, right = sibling, node
		leftIdx, rightIdx = siblingIdx, childIdx
	} else {
		left, right = node, sibling
		leftIdx, rightIdx = childIdx, siblingIdx
	}

	if isLeaf(data) {
		mergeLeaves(left.Data(), right.Data())
		setNextPageID(left.Data(), nextPageID(right.Data()))
	} else {
		sep := internalKeyAt(pdata, leftIdx)
		mergeInternal(left.Data(), right.Data(), sep)
		t.fixChildParentPointers(left)
	}
	left.SetDirty()

	internalRemoveChildAt(pdata, rightIdx)
	parent.SetDirty()

	if right == node {
		txn.AddDeletedPage(node.ID())
	} else {
		txn.AddDeletedPage(siblingID)
	}

	return t.coalesceOrRedistribute(txn, path, idx-1)
}

// mergeLeaves copies every entry of src into dst, which relies on
// leafInsert maintaining sort order to land each one correctly regardless
// of whether src was dst's left or right neighbor.
func mergeLeaves(dst, src []byte) {
	n := nodeSize(src)
	for i := 0; i < n; i++ {
		leafInsert(dst, leafKeyAt(src, i), leafValueAt(src, i))
	}
}

// mergeInternal rebuilds dst as dst's own entries, sep and src's entries
// concatenated in key order (dst, sep, src — the caller always passes the
// left-hand node as dst), by collecting both into slices first: unlike
// leaves, an internal node's first-child slot makes simple per-entry
// insertion the wrong tool here.
func mergeInternal(dst, src []byte, sep Key) {
	dn, sn := nodeSize(dst), nodeSize(src)

	keys := make([]Key, 0, dn+1+sn)
	for i := 0; i < dn; i++ {
		keys = append(keys, internalKeyAt(dst, i))
	}
	keys = append(keys, sep)
	for i := 0; i < sn; i++ {
		keys = append(keys, internalKeyAt(src, i))
	}

	children := make([]page.ID, 0, dn+sn+2)
	for i := 0; i <= dn; i++ {
		children = append(children, internalChildAt(dst, i))
	}
	for i := 0; i <= sn; i++ {
		children = append(children, internalChildAt(src, i))
	}

	setNodeSize(dst, 0)
	internalSetFirstChild(dst, children[0])
	for i, k := range keys {
		internalInsertAfter(dst, i, k, children[i+1])
	}
}

// redistribute borrows a single entry from sibling to bring node back up
// to its minimum size, adjusting the separator key the two share in
// parent.
func (t *BTree) redistribute(pdata []byte, node, sibling *page.Page, siblingOnLeft bool, nodeIdx, siblingIdx int) {
	if isLeaf(node.Data()) {
		t.redistributeLeaf(pdata, node, sibling, siblingOnLeft, nodeIdx, siblingIdx)
		return
	}
	t.redistributeInternal(pdata, node, sibling, siblingOnLeft, nodeIdx, siblingIdx)
}

func (t *BTree) redistributeLeaf(pdata []byte, node, sibling *page.Page, siblingOnLeft bool, nodeIdx, siblingIdx int) {
	ndata, sdata := node.Data(), sibling.Data()
	if siblingOnLeft {
		sn := nodeSize(sdata)
		k, v := leafKeyAt(sdata, sn-1), leafValueAt(sdata, sn-1)
		leafRemoveAt(sdata, sn-1)
		leafInsert(ndata, k, v)
		setInternalKeyAt(pdata, siblingIdx, leafKeyAt(ndata, 0))
		return
	}
	k, v := leafKeyAt(sdata, 0), leafValueAt(sdata, 0)
	leafRemoveAt(sdata, 0)
	leafInsert(ndata, k, v)
	setInternalKeyAt(pdata, nodeIdx, leafKeyAt(sdata, 0))
}

func (t *BTree) redistributeInternal(pdata []byte, node, sibling *page.Page, siblingOnLeft bool, nodeIdx, siblingIdx int) {
	ndata, sdata := node.Data(), sibling.Data()
	nn, sn := nodeSize(ndata), nodeSize(sdata)

	nKeys := make([]Key, nn)
	nChildren := make([]page.ID, nn+1)
	for i := 0; i < nn; i++ {
		nKeys[i] = internalKeyAt(ndata, i)
	}
	for i := 0; i <= nn; i++ {
		nChildren[i] = internalChildAt(ndata, i)
	}

	sKeys := make([]Key, sn)
	sChildren := make([]page.ID, sn+1)
	for i := 0; i < sn; i++ {
		sKeys[i] = internalKeyAt(sdata, i)
	}
	for i := 0; i <= sn; i++ {
		sChildren[i] = internalChildAt(sdata, i)
	}

	var borrowed page.ID
	if siblingOnLeft {
		sep := internalKeyAt(pdata, siblingIdx)
		borrowed = sChildren[sn]
		newSep := sKeys[sn-1]
		sKeys = sKeys[:sn-1]
		sChildren = sChildren[:sn]
		nKeys = append([]Key{sep}, nKeys...)
		nChildren = append([]page.ID{borrowed}, nChildren...)
		setInternalKeyAt(pdata, siblingIdx, newSep)
	} else {
		sep := internalKeyAt(pdata, nodeIdx)
		borrowed = sChildren[0]
		newSep := sKeys[0]
		sKeys = sKeys[1:]
		sChildren = sChildren[1:]
		nKeys = append(nKeys, sep)
		nChildren = append(nChildren, borrowed)
		setInternalKeyAt(pdata, nodeIdx, newSep)
	}

	rewriteInternal(ndata, nKeys, nChildren)
	rewriteInternal(sdata, sKeys, sChildren)
	t.fixChildParentPointers(node)
}

func rewriteInternal(data []byte, keys []Key, children []page.ID) {
	setNodeSize(data, 0)
	internalSetFirstChild(data, children[0])
	for i, k := range keys {
		internalInsertAfter(data, i, k, children[i+1])
	}
}

// adjustRoot handles the root's own shrink cases, which coalesceOrRedistribute
// never applies a minimum-size check to: an internal root down to its
// last child is replaced by that child, and a leaf root down to nothing
// empties the tree.
func (t *BTree) adjustRoot(txn *transaction.Transaction, root *page.Page) error {
	data := root.Data()

	if !isLeaf(data) && nodeSize(data) == 0 {
		childID := internalChildAt(data, 0)
		child, err := t.pool.Fetch(childID)
		if err != nil {
			return err
		}
		// the only child left is the node this delete just coalesced
		// into, which the caller already holds write-latched
		setParentPageID(child.Data(), page.InvalidID)
		child.SetDirty()
		t.pool.Unpin(childID, true)

		t.rootPageID = childID
		txn.AddDeletedPage(root.ID())
		return t.persistRoot()
	}

	if isLeaf(data) && nodeSize(data) == 0 {
		t.rootPageID = page.InvalidID
		txn.AddDeletedPage(root.ID())
		return t.persistRoot()
	}

	return nil
}

// --- header-page index registry ---

func loadRegistry(pool *buffer.PoolManager) (map[string]int32, error) {
	p, err := pool.Fetch(page.HeaderID)
	if err != nil {
		return nil, err
	}
	defer pool.Unpin(page.HeaderID, false)
	p.RLatch()
	defer p.RUnlatch()

	data := p.Data()
	n := binary.BigEndian.Uint32(data[0:4])
	if n == 0 {
		return map[string]int32{}, nil
	}
	reg := map[string]int32{}
	if err := msgpack.Unmarshal(data[4:4+n], &reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func saveRegistry(pool *buffer.PoolManager, reg map[string]int32) error {
	p, err := pool.Fetch(page.HeaderID)
	if err != nil {
		return err
	}
	defer pool.Unpin(page.HeaderID, true)
	p.WLatch()
	defer p.WUnlatch()

	payload, err := msgpack.Marshal(reg)
	if err != nil {
		return err
	}
	if len(payload)+4 > page.Size {
		return ErrRegistryTooLarge
	}
	data := p.Data()
	binary.BigEndian.PutUint32(data[0:4], uint32(len(payload)))
	copy(data[4:], payload)
	return nil
}
