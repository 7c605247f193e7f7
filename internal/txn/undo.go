package txn

import "govetachun/treekv/pkg/kv"

// undoEntry records enough to reverse one write: the map and key touched,
// and the value that was there immediately before this transaction's
// write (or hadOld=false if the key had no mapping at all).
type undoEntry struct {
	mapName string
	key     kv.Key
	oldVal  kv.Value
	hadOld  bool
}

// undoLog is a transaction's append-only record of its own writes, in
// order, so Rollback and RollbackToSavepoint can replay it backwards.
type undoLog struct {
	entries []undoEntry
}

func (u *undoLog) push(e undoEntry) int {
	u.entries = append(u.entries, e)
	return len(u.entries)
}

// savepoint returns a mark RollbackToSavepoint can later undo back to.
func (u *undoLog) savepoint() int { return len(u.entries) }

// sliceFrom returns the entries recorded since mark, in the order they
// should be undone (most recent first).
func (u *undoLog) sliceFrom(mark int) []undoEntry {
	tail := u.entries[mark:]
	reversed := make([]undoEntry, len(tail))
	for i, e := range tail {
		reversed[len(tail)-1-i] = e
	}
	return reversed
}

// truncateTo drops every entry recorded since mark, after they have been
// undone.
func (u *undoLog) truncateTo(mark int) {
	u.entries = u.entries[:mark]
}

// redoBuffer accumulates a compact log of a transaction's writes, in a form
// that can be replayed elsewhere without re-deriving them from the undo
// log. Within this module only Transaction.RedoTruncated reads it. Capped at
// maxRedoBufferBytes: once full, further writes still succeed but stop
// being recorded, and Truncated is set so a caller knows not to trust the
// buffer as complete.
type redoBuffer struct {
	entries   []undoEntry
	size      int
	Truncated bool
}

func (r *redoBuffer) record(mapName string, key kv.Key, val kv.Value, isDelete bool) {
	if r.Truncated {
		return
	}
	cost := len(mapName) + len(key) + len(val) + 1
	if r.size+cost > maxRedoBufferBytes {
		r.Truncated = true
		return
	}
	r.size += cost
	e := undoEntry{mapName: mapName, key: key, oldVal: val, hadOld: !isDelete}
	r.entries = append(r.entries, e)
}
