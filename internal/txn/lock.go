package txn

import (
	"sync"
	"time"

	"govetachun/treekv/pkg/kv"
	"govetachun/treekv/pkg/kverrors"
)

// waitEntry is one transaction queued on a rowLock, in the order it
// arrived; unlockRow hands ownership to waiters[0] directly, preserving
// strict FIFO wake order (see DESIGN.md, Open Question 1).
type waitEntry struct {
	tx   *Transaction
	wake chan struct{}
}

// rowLock is the exclusive lock held on one map key while a transaction
// has written (or, under RepeatableRead or Serializable, read) it.
// committedSnapshot is the value a concurrent ReadCommitted reader sees
// instead of the current owner's uncommitted write.
type rowLock struct {
	mu      sync.Mutex
	mapName string
	key     kv.Key

	owner   *Transaction
	waiters []*waitEntry

	hadSnapshot       bool
	committedSnapshot kv.Value
}

// lockTable indexes rowLocks by "mapName\x00key" and tracks the waits-for
// graph used for deadlock detection.
type lockTable struct {
	rows sync.Map // string -> *rowLock

	mu       sync.Mutex
	waitsFor map[uint64]uint64 // waiting tx id -> held-by tx id
}

func newLockTable() *lockTable {
	return &lockTable{waitsFor: make(map[uint64]uint64)}
}

func lockKeyFor(mapName string, key kv.Key) string {
	return mapName + "\x00" + string(key)
}

func (lt *lockTable) rowFor(mapName string, key kv.Key) *rowLock {
	k := lockKeyFor(mapName, key)
	v, _ := lt.rows.LoadOrStore(k, &rowLock{mapName: mapName, key: append(kv.Key{}, key...)})
	return v.(*rowLock)
}

// acquire blocks until tx owns the lock on mapName/key, or returns a
// CodeDeadlock or CodeTimeout error. snapshot/hadSnapshot report the value
// in effect immediately before this transaction's tenancy began, which a
// concurrent ReadCommitted reader should see while this tx holds the row.
func (lt *lockTable) acquire(tx *Transaction, mapName string, key kv.Key, readCurrent func() (kv.Value, bool, error), timeout time.Duration) (snapshot kv.Value, hadSnapshot bool, rl *rowLock, err error) {
	rl = lt.rowFor(mapName, key)
	for {
		rl.mu.Lock()
		if rl.owner == nil || rl.owner == tx {
			if rl.owner == nil {
				val, ok, rerr := readCurrent()
				if rerr != nil {
					rl.mu.Unlock()
					return nil, false, nil, rerr
				}
				rl.hadSnapshot, rl.committedSnapshot = ok, val
			}
			rl.owner = tx
			snap, had := rl.committedSnapshot, rl.hadSnapshot
			rl.mu.Unlock()
			return snap, had, rl, nil
		}
		holder := rl.owner
		if lt.wouldDeadlock(tx, holder) {
			rl.mu.Unlock()
			return nil, false, nil, kverrors.Deadlockf("transaction %d would deadlock waiting on transaction %d for key in %q", tx.id, holder.id, mapName)
		}
		w := &waitEntry{tx: tx, wake: make(chan struct{})}
		rl.waiters = append(rl.waiters, w)
		lt.recordWaitFor(tx.id, holder.id)
		rl.mu.Unlock()

		tx.setState(StateWaiting)
		select {
		case <-w.wake:
			lt.clearWaitFor(tx.id)
			tx.setState(StateOpen)
			continue
		case <-time.After(timeout):
			lt.clearWaitFor(tx.id)
			tx.setState(StateOpen)
			rl.removeWaiter(w)
			return nil, false, nil, kverrors.Timeoutf("transaction %d timed out waiting for a row lock in %q", tx.id, mapName)
		}
	}
}

// release hands the lock to the next FIFO waiter (recomputing its
// snapshot from the just-released state), or clears ownership entirely
// when no one is waiting.
func (lt *lockTable) release(rl *rowLock, readCurrent func() (kv.Value, bool, error)) error {
	rl.mu.Lock()
	if len(rl.waiters) == 0 {
		rl.owner = nil
		rl.hadSnapshot, rl.committedSnapshot = false, nil
		rl.mu.Unlock()
		return nil
	}
	next := rl.waiters[0]
	rl.waiters = rl.waiters[1:]
	val, ok, err := readCurrent()
	if err != nil {
		rl.mu.Unlock()
		return err
	}
	rl.hadSnapshot, rl.committedSnapshot = ok, val
	rl.owner = next.tx
	rl.mu.Unlock()
	close(next.wake)
	return nil
}

func (rl *rowLock) removeWaiter(target *waitEntry) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, w := range rl.waiters {
		if w == target {
			rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
			return
		}
	}
}

func (lt *lockTable) recordWaitFor(waiting, heldBy uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.waitsFor[waiting] = heldBy
}

func (lt *lockTable) clearWaitFor(waiting uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.waitsFor, waiting)
}

// wouldDeadlock reports whether tx blocking on holder would close a cycle
// in the waits-for graph: holder (transitively) already waiting on tx.
func (lt *lockTable) wouldDeadlock(tx, holder *Transaction) bool {
	if tx == holder {
		return true
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	cur := holder.id
	for {
		if cur == tx.id {
			return true
		}
		next, ok := lt.waitsFor[cur]
		if !ok {
			return false
		}
		cur = next
	}
}
