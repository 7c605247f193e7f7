package btree

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"govetachun/treekv/internal/config"
	"govetachun/treekv/internal/logging"
	"govetachun/treekv/internal/pageops"
	"govetachun/treekv/pkg/kv"
	"govetachun/treekv/pkg/kverrors"
)

// OnSplitFunc is invoked when the root page splits, with the key of the
// page before the split and the keys of the two pages it became. A split
// below the root is absorbed into its parent node and does not invoke it.
type OnSplitFunc func(old PageKey, left, right PageKey)

// Map is a copy-on-write B+tree over kv.Key/kv.Value. Reads walk the tree
// through atomic PageReference loads under the latch in read mode, so they
// run alongside ordinary writes but wait while Clear, Close or Restore
// holds the latch. Writes build a new root and publish it with
// compareAndSwap, retried by the owning pageops handler when a concurrent
// writer gets there first (see mutateOp).
type Map struct {
	name string
	cfg  config.Config
	cmp  kv.Comparator
	ser  kv.Serializer
	pool *pageops.Pool
	log  *logging.Entry

	root   *PageReference
	size   atomic.Int64
	closed atomic.Bool

	// maxKey is mutated only by Append and AppendAsync: each call
	// reserves maxKey.Add(1) and uses the post-increment value, encoded
	// big-endian so the generated keys sort in allocation order under the
	// default BytesComparator, as the generated key for the new entry.
	maxKey atomic.Int64

	// latch is taken RLock by ordinary mutations and reads (so they can run
	// concurrently with each other) and Lock by whole-tree operations
	// (Clear, Close, Restore) that must not race a structural write.
	latch sync.RWMutex

	onSplit atomic.Pointer[OnSplitFunc]
}

// NewMap creates an empty map. pool may be nil, in which case writes run
// inline on the calling goroutine with their own short retry loop instead
// of going through a pageops.Pool; this is the mode internal/btree's own
// tests use, and is also valid for a caller that wants no concurrency at
// all.
func NewMap(name string, cfg config.Config, cmp kv.Comparator, ser kv.Serializer, pool *pageops.Pool) *Map {
	if cmp == nil {
		cmp = kv.BytesComparator
	}
	if ser == nil {
		ser = kv.RawSerializer{}
	}
	m := &Map{
		name: name,
		cfg:  cfg,
		cmp:  cmp,
		ser:  ser,
		pool: pool,
		log:  logging.New("btree.map"),
	}
	m.root = newPageReference(&leafPage{})
	return m
}

func (m *Map) Name() string { return m.name }
func (m *Map) Size() int64  { return m.size.Load() }

// OnLeafPageSplit registers the callback invoked after each split of the
// root page.
func (m *Map) OnLeafPageSplit(fn OnSplitFunc) { m.onSplit.Store(&fn) }

func (m *Map) checkOpen() error {
	if m.closed.Load() {
		return kverrors.Invariantf("map %q is closed", m.name)
	}
	return nil
}

// affinity hashes a key to a pageops handler. It is a proxy for "which leaf
// owns this key" computed before that leaf has actually been located, so
// repeated writes to the same key consistently land on the same handler
// even though unrelated keys are free to fan out across the pool.
func affinity(key kv.Key) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key kv.Key) (kv.Value, bool, error) {
	if err := m.checkOpen(); err != nil {
		return nil, false, err
	}
	m.latch.RLock()
	defer m.latch.RUnlock()
	return treeGet(m.cmp, m.root.Load(), key)
}

// FirstKey returns the smallest key in the map.
func (m *Map) FirstKey() (kv.Key, bool) {
	m.latch.RLock()
	defer m.latch.RUnlock()
	root := m.root.Load()
	if countEntries(root) == 0 {
		return nil, false
	}
	return firstEntryInPage(root).key, true
}

// LastKey returns the largest key in the map.
func (m *Map) LastKey() (kv.Key, bool) {
	m.latch.RLock()
	defer m.latch.RUnlock()
	root := m.root.Load()
	if countEntries(root) == 0 {
		return nil, false
	}
	return lastEntryInPage(root).key, true
}

// FloorKey returns the largest key <= key.
func (m *Map) FloorKey(key kv.Key) (kv.Key, bool) {
	m.latch.RLock()
	defer m.latch.RUnlock()
	e, ok := floorInPage(m.cmp, m.root.Load(), key)
	if !ok {
		return nil, false
	}
	return e.key, true
}

// CeilingKey returns the smallest key >= key.
func (m *Map) CeilingKey(key kv.Key) (kv.Key, bool) {
	m.latch.RLock()
	defer m.latch.RUnlock()
	e, ok := ceilingInPage(m.cmp, m.root.Load(), key)
	if !ok {
		return nil, false
	}
	return e.key, true
}

// HigherKey returns the smallest key strictly greater than key.
func (m *Map) HigherKey(key kv.Key) (kv.Key, bool) {
	m.latch.RLock()
	defer m.latch.RUnlock()
	e, ok := higherInPage(m.cmp, m.root.Load(), key)
	if !ok {
		return nil, false
	}
	return e.key, true
}

// LowerKey returns the largest key strictly less than key.
func (m *Map) LowerKey(key kv.Key) (kv.Key, bool) {
	m.latch.RLock()
	defer m.latch.RUnlock()
	e, ok := lowerInPage(m.cmp, m.root.Load(), key)
	if !ok {
		return nil, false
	}
	return e.key, true
}

// mutateOp adapts a single root-rebuild attempt to pageops.Operation: one
// Run() either lands the rebuilt root with a single compareAndSwap or
// reports Retry so the owning handler re-runs it against the fresh root.
type mutateOp struct {
	m  *Map
	fn func(root page) (newRoot page, changed bool, err error)
}

func (o *mutateOp) Run() (pageops.Result, error) {
	o.m.latch.RLock()
	oldRoot := o.m.root.Load()
	newRoot, changed, err := o.fn(oldRoot)
	o.m.latch.RUnlock()
	if err != nil {
		return pageops.Succeeded, err
	}
	if !changed {
		return pageops.Succeeded, nil
	}
	if n, ok := newRoot.(*nodePage); ok && len(n.children) == 1 {
		newRoot = n.children[0].ref.Load()
	}
	if !o.m.root.compareAndSwap(oldRoot, newRoot) {
		return pageops.Retry, nil
	}
	return pageops.Succeeded, nil
}

// submit runs fn against the map's root, serialized through the pageops
// pool when one is wired, or via a tight local retry loop otherwise.
func (m *Map) submit(key kv.Key, fn func(page) (page, bool, error)) error {
	op := &mutateOp{m: m, fn: fn}
	if m.pool == nil {
		for {
			res, err := op.Run()
			if err != nil {
				return err
			}
			if res == pageops.Succeeded {
				return nil
			}
		}
	}
	res, err := m.pool.Submit(nil, affinity(key), op)
	if err != nil {
		return err
	}
	if res != pageops.Succeeded {
		return kverrors.Retryf("map %q: write for key did not converge (result=%s)", m.name, res)
	}
	return nil
}

// fireSplit notifies the registered OnLeafPageSplit callback. It is called
// only when treeInsert reports a split of the root page. The page that
// split always had the same firstKey as the left half it split into (the
// split only cuts the tail off into a new right page), so no reference to
// the stale pre-mutation root is needed.
func (m *Map) fireSplit(s *splitResult) {
	fn := m.onSplit.Load()
	if fn == nil {
		return
	}
	oldKey := PageKey{Sep: s.left.firstKey(), First: s.left.firstKey()}
	leftKey := oldKey
	rightKey := PageKey{Sep: s.sep, First: s.right.firstKey()}
	(*fn)(oldKey, leftKey, rightKey)
}

func (m *Map) applyPut(key kv.Key, val kv.Value, mode putMode) (existed bool, err error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	err = m.submit(key, func(root page) (page, bool, error) {
		newRoot, split, changed, ierr := treeInsert(m.cmp, root, key, val, mode, &existed)
		if ierr != nil || !changed {
			return root, false, ierr
		}
		if split == nil {
			return newRoot, true, nil
		}
		m.fireSplit(split)
		wrapped := &nodePage{children: []childLink{
			{sep: split.left.firstKey(), ref: newPageReference(split.left)},
			{sep: split.sep, ref: newPageReference(split.right)},
		}}
		return wrapped, true, nil
	})
	return existed, err
}

// Put inserts or overwrites key's value.
func (m *Map) Put(key kv.Key, val kv.Value) error {
	existed, err := m.applyPut(key, val, modeUpsert)
	if err == nil && !existed {
		m.size.Add(1)
	}
	return err
}

// PutIfAbsent inserts key's value only if key has no mapping yet; inserted
// reports whether it did.
func (m *Map) PutIfAbsent(key kv.Key, val kv.Value) (inserted bool, err error) {
	existed, err := m.applyPut(key, val, modePutIfAbsent)
	if err != nil {
		return false, err
	}
	if !existed {
		m.size.Add(1)
	}
	return !existed, nil
}

// Replace overwrites key's value only if key already has a mapping;
// replaced reports whether it did.
func (m *Map) Replace(key kv.Key, val kv.Value) (replaced bool, err error) {
	existed, err := m.applyPut(key, val, modeReplaceOnly)
	if err != nil {
		return false, err
	}
	return existed, nil
}

// encodeMaxKey renders n as an 8-byte big-endian key, so successive
// reservations sort in allocation order under the default BytesComparator.
func encodeMaxKey(n int64) kv.Key {
	k := make(kv.Key, 8)
	binary.BigEndian.PutUint64(k, uint64(n))
	return k
}

// Append is the only operation that mutates maxKey (spec.md §4.1): it
// reserves maxKey.Add(1) and inserts val under the resulting key, returning
// the key it generated. Unlike Put, the caller never supplies the key.
func (m *Map) Append(val kv.Value) (kv.Key, error) {
	key := encodeMaxKey(m.maxKey.Add(1))
	if err := m.Put(key, val); err != nil {
		return nil, err
	}
	return key, nil
}

// AppendAsync mirrors Append but invokes onComplete from whichever pageops
// handler goroutine finishes the write instead of blocking the caller. With
// no pool wired it runs the write and onComplete inline on the caller.
func (m *Map) AppendAsync(val kv.Value, onComplete func(key kv.Key, err error)) {
	key := encodeMaxKey(m.maxKey.Add(1))
	m.PutAsync(key, val, func(err error) {
		onComplete(key, err)
	})
}

// Remove deletes key's mapping; removed reports whether key was present.
func (m *Map) Remove(key kv.Key) (removed bool, err error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	err = m.submit(key, func(root page) (page, bool, error) {
		newRoot, changed, derr := treeDelete(m.cmp, root, key)
		if derr != nil {
			return root, false, derr
		}
		if changed {
			removed = true
		}
		return newRoot, changed, nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		m.size.Add(-1)
	}
	return removed, nil
}

// PutAsync, PutIfAbsentAsync, ReplaceAsync, RemoveAsync mirror their
// synchronous counterparts but invoke onComplete from whichever pageops
// handler goroutine finishes the write, without blocking the caller. With
// no pool wired they run the write and onComplete inline on the caller.
func (m *Map) PutAsync(key kv.Key, val kv.Value, onComplete func(err error)) {
	m.asyncPut(key, val, modeUpsert, func(existed bool, err error) {
		if err == nil && !existed {
			m.size.Add(1)
		}
		onComplete(err)
	})
}

func (m *Map) PutIfAbsentAsync(key kv.Key, val kv.Value, onComplete func(inserted bool, err error)) {
	m.asyncPut(key, val, modePutIfAbsent, func(existed bool, err error) {
		if err == nil && !existed {
			m.size.Add(1)
		}
		onComplete(!existed, err)
	})
}

func (m *Map) ReplaceAsync(key kv.Key, val kv.Value, onComplete func(replaced bool, err error)) {
	m.asyncPut(key, val, modeReplaceOnly, func(existed bool, err error) {
		onComplete(existed, err)
	})
}

func (m *Map) asyncPut(key kv.Key, val kv.Value, mode putMode, onComplete func(existed bool, err error)) {
	if err := m.checkOpen(); err != nil {
		onComplete(false, err)
		return
	}
	var existed bool
	op := &mutateOp{m: m, fn: func(root page) (page, bool, error) {
		newRoot, split, changed, ierr := treeInsert(m.cmp, root, key, val, mode, &existed)
		if ierr != nil || !changed {
			return root, false, ierr
		}
		if split == nil {
			return newRoot, true, nil
		}
		m.fireSplit(split)
		wrapped := &nodePage{children: []childLink{
			{sep: split.left.firstKey(), ref: newPageReference(split.left)},
			{sep: split.sep, ref: newPageReference(split.right)},
		}}
		return wrapped, true, nil
	}}
	if m.pool == nil {
		res, err := op.Run()
		for err == nil && res != pageops.Succeeded {
			res, err = op.Run()
		}
		onComplete(existed, err)
		return
	}
	m.pool.SubmitAsync(affinity(key), op, func(res pageops.Result, err error) {
		onComplete(existed, err)
	})
}

func (m *Map) RemoveAsync(key kv.Key, onComplete func(removed bool, err error)) {
	if err := m.checkOpen(); err != nil {
		onComplete(false, err)
		return
	}
	var removed bool
	op := &mutateOp{m: m, fn: func(root page) (page, bool, error) {
		newRoot, changed, derr := treeDelete(m.cmp, root, key)
		if derr != nil {
			return root, false, derr
		}
		removed = changed
		return newRoot, changed, nil
	}}
	complete := func(err error) {
		if err == nil && removed {
			m.size.Add(-1)
		}
		onComplete(removed, err)
	}
	if m.pool == nil {
		res, err := op.Run()
		for err == nil && res != pageops.Succeeded {
			res, err = op.Run()
		}
		complete(err)
		return
	}
	m.pool.SubmitAsync(affinity(key), op, func(res pageops.Result, err error) {
		complete(err)
	})
}

// Clear empties the map. It takes the whole-tree write latch, excluding
// every concurrent ordinary write until it completes.
func (m *Map) Clear() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.latch.Lock()
	defer m.latch.Unlock()
	m.root.store(&leafPage{})
	m.size.Store(0)
	return nil
}

// Close marks the map closed; afterwards Get, Clear and the Put, Replace
// and Remove families (sync and async) return a CodeInvariant error. The
// navigation methods, Cursor, Snapshot and the replica-host setters do not
// check the closed flag. Close does not itself flush to a page store — callers that want
// a durable snapshot call internal/pagestore.Save before Close.
func (m *Map) Close() error {
	m.latch.Lock()
	defer m.latch.Unlock()
	m.closed.Store(true)
	return nil
}

// Comparator returns the key comparator the map was constructed with.
func (m *Map) Comparator() kv.Comparator { return m.cmp }

// Serializer returns the value serializer the map was constructed with.
func (m *Map) Serializer() kv.Serializer { return m.ser }

// ReplicaHostsForKey returns the replica host list of the leaf that owns
// key, for the replication layer's quorum fan-out.
func (m *Map) ReplicaHostsForKey(key kv.Key) ([]HostID, error) {
	m.latch.RLock()
	defer m.latch.RUnlock()
	return leafHostsForKey(m.cmp, m.root.Load(), key)
}

// SetReplicaHostsForKey installs hosts as the replica set for the leaf
// owning key. Used once a leaf-page move plan (C7) has been committed.
func (m *Map) SetReplicaHostsForKey(key kv.Key, hosts []HostID) error {
	return m.submit(key, func(root page) (page, bool, error) {
		newRoot, err := setLeafHosts(m.cmp, root, key, hosts)
		if err != nil {
			return root, false, err
		}
		return newRoot, true, nil
	})
}

// MarkRemote replaces the local leaf owning key with a remotePage stub
// pointing at hosts, completing the local half of a leaf-page move.
func (m *Map) MarkRemote(key kv.Key, hosts []HostID) error {
	return m.submit(key, func(root page) (page, bool, error) {
		newRoot, err := markLeafRemote(m.cmp, root, key, hosts)
		if err != nil {
			return root, false, err
		}
		return newRoot, true, nil
	})
}
