package txn

import (
	"sync"
	"time"

	"govetachun/treekv/pkg/kv"
	"govetachun/treekv/pkg/kverrors"
)

// Transaction is a single unit of work against one or more of an Engine's
// registered maps. Not safe for concurrent use by multiple goroutines at
// once (statements within one transaction execute one at a time, per the
// scheduler's per-session cooperative model); an Engine's transactions as
// a whole are fully concurrent with each other.
type Transaction struct {
	id        uint64
	isolation IsolationLevel
	engine    *Engine
	listener  Listener

	mu    sync.Mutex
	state State

	undo        undoLog
	redo        redoBuffer
	heldLocks   []*rowLock
	lockTimeout time.Duration
	startTime   time.Time
}

// ID returns the transaction's identifier, unique within its Engine.
func (t *Transaction) ID() uint64 { return t.id }

// Isolation returns the level the transaction was started with.
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

// State returns the transaction's current lifecycle stage.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// SetListener installs the Listener notified around each operation; nil
// is replaced with a no-op.
func (t *Transaction) SetListener(l Listener) {
	if l == nil {
		l = noopListener{}
	}
	t.listener = l
}

func (t *Transaction) checkActive() error {
	switch t.State() {
	case StateClosed:
		return kverrors.Invariantf("transaction %d is closed", t.id)
	case StateCommitting:
		return kverrors.Invariantf("transaction %d is committing", t.id)
	default:
		return nil
	}
}

// Get reads key from mapName. Under ReadUncommitted it returns the live
// value even if another transaction currently holds the row lock. Under
// ReadCommitted a lock held by someone else makes it return the snapshot
// value as of just before that transaction's tenancy began, never a
// concurrent dirty write. Under RepeatableRead/Serializable it instead
// takes the row lock itself, waiting for any other holder to release it,
// and keeps it until Commit/Rollback so no later writer can change what
// this transaction already read.
func (t *Transaction) Get(mapName string, key kv.Key) (kv.Value, bool, error) {
	if err := t.checkActive(); err != nil {
		return nil, false, err
	}
	m, err := t.engine.mapByName(mapName)
	if err != nil {
		return nil, false, err
	}

	if t.isolation == Serializable || t.isolation == RepeatableRead {
		val, hadVal, rl, lerr := t.acquireLock(mapName, key, m)
		if lerr != nil {
			return nil, false, lerr
		}
		if rl.owner == t {
			// We now own the row; the live map value is ours to see,
			// whether or not we've written it yet this transaction.
			return m.Get(key)
		}
		return val, hadVal, nil
	}

	if t.isolation == ReadUncommitted {
		return m.Get(key)
	}

	rl := t.engine.locks.rowFor(mapName, key)
	rl.mu.Lock()
	owner := rl.owner
	snap, hadSnap := rl.committedSnapshot, rl.hadSnapshot
	rl.mu.Unlock()
	if owner == nil || owner == t {
		return m.Get(key)
	}
	return snap, hadSnap, nil
}

func (t *Transaction) acquireLock(mapName string, key kv.Key, m interface {
	Get(kv.Key) (kv.Value, bool, error)
}) (kv.Value, bool, *rowLock, error) {
	t.listener.BeforeOperation()
	snap, hadSnap, rl, err := t.engine.locks.acquire(t, mapName, key, func() (kv.Value, bool, error) {
		return m.Get(key)
	}, t.lockTimeout)
	if err != nil {
		t.listener.SetException(err)
		return nil, false, nil, err
	}
	t.trackLock(rl)
	t.listener.OperationComplete()
	return snap, hadSnap, rl, nil
}

func (t *Transaction) trackLock(rl *rowLock) {
	for _, held := range t.heldLocks {
		if held == rl {
			return
		}
	}
	t.heldLocks = append(t.heldLocks, rl)
}

// Put inserts or overwrites key's value in mapName, blocking for the row
// lock if another transaction currently holds it.
func (t *Transaction) Put(mapName string, key kv.Key, val kv.Value) error {
	return t.write(mapName, key, func(m *mapHandle) error {
		existed, old, err := m.snapshotBeforeWrite(key)
		if err != nil {
			return err
		}
		if err := m.m.Put(key, val); err != nil {
			return err
		}
		t.undo.push(undoEntry{mapName: mapName, key: key, oldVal: old, hadOld: existed})
		t.redo.record(mapName, key, val, false)
		return nil
	})
}

// Remove deletes key's mapping in mapName, if present.
func (t *Transaction) Remove(mapName string, key kv.Key) (bool, error) {
	var removed bool
	err := t.write(mapName, key, func(m *mapHandle) error {
		existed, old, err := m.snapshotBeforeWrite(key)
		if err != nil {
			return err
		}
		if !existed {
			return nil
		}
		if _, err := m.m.Remove(key); err != nil {
			return err
		}
		removed = true
		t.undo.push(undoEntry{mapName: mapName, key: key, oldVal: old, hadOld: true})
		t.redo.record(mapName, key, nil, true)
		return nil
	})
	return removed, err
}

// mapHandle threads the "what was here before this write" snapshot, read
// afresh on every Put/Remove, through to the undo/redo bookkeeping.
type mapHandle struct {
	m mapLike
}

type mapLike interface {
	Get(kv.Key) (kv.Value, bool, error)
	Put(kv.Key, kv.Value) error
	Remove(kv.Key) (bool, error)
}

func (h *mapHandle) snapshotBeforeWrite(key kv.Key) (bool, kv.Value, error) {
	return h.m.Get(key)
}

func (t *Transaction) write(mapName string, key kv.Key, fn func(*mapHandle) error) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	m, err := t.engine.mapByName(mapName)
	if err != nil {
		return err
	}
	if _, _, _, err := t.acquireLock(mapName, key, m); err != nil {
		return err
	}
	t.listener.BeforeOperation()
	if err := fn(&mapHandle{m: m}); err != nil {
		t.listener.SetException(err)
		t.listener.OperationUndo()
		return err
	}
	t.listener.OperationComplete()
	return nil
}

// Savepoint marks the current point in this transaction's undo log.
func (t *Transaction) Savepoint() int { return t.undo.savepoint() }

// RollbackToSavepoint undoes every write recorded since mark, restoring
// each key's pre-write value (or removing it if it had none), without
// releasing any row locks: locks are held for the life of the
// transaction regardless of partial rollback, matching how the teacher's
// transaction manager scopes locking to the whole transaction rather than
// to a savepoint.
func (t *Transaction) RollbackToSavepoint(mark int) error {
	for _, e := range t.undo.sliceFrom(mark) {
		m, err := t.engine.mapByName(e.mapName)
		if err != nil {
			return err
		}
		if e.hadOld {
			if err := m.Put(e.key, e.oldVal); err != nil {
				return err
			}
		} else {
			if _, err := m.Remove(e.key); err != nil {
				return err
			}
		}
	}
	t.undo.truncateTo(mark)
	return nil
}

// Commit releases every row lock this transaction holds and closes it.
// There is nothing left to flush: writes already landed in the underlying
// maps as they happened, under lock, which is what made the
// ReadCommitted/RepeatableRead snapshot-before-tenancy trick work.
func (t *Transaction) Commit() error {
	t.setState(StateCommitting)
	defer t.setState(StateClosed)
	return t.releaseLocks()
}

// Rollback undoes every write this transaction made, in reverse order,
// then releases its locks and closes it.
func (t *Transaction) Rollback() error {
	if err := t.RollbackToSavepoint(0); err != nil {
		return err
	}
	t.setState(StateClosed)
	return t.releaseLocks()
}

func (t *Transaction) releaseLocks() error {
	for _, rl := range t.heldLocks {
		mapName := rl.mapName
		m, err := t.engine.mapByName(mapName)
		if err != nil {
			return err
		}
		if err := t.engine.locks.release(rl, func() (kv.Value, bool, error) {
			return m.Get(rl.key)
		}); err != nil {
			return err
		}
	}
	t.heldLocks = nil
	return nil
}

// RedoTruncated reports whether this transaction's redo buffer hit its
// size cap and stopped recording further writes.
func (t *Transaction) RedoTruncated() bool { return t.redo.Truncated }
