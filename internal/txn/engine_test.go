package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govetachun/treekv/internal/btree"
	"govetachun/treekv/internal/config"
	"govetachun/treekv/pkg/kv"
)

func newTestEngine(t *testing.T, mapNames ...string) *Engine {
	t.Helper()
	e := NewEngine()
	e.SetLockTimeout(300 * time.Millisecond)
	for _, name := range mapNames {
		m := btree.NewMap(name, config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
		e.RegisterMap(name, m)
	}
	return e
}

func TestTransactionCommitPersists(t *testing.T) {
	e := newTestEngine(t, "users")
	tx := e.Begin(ReadCommitted)
	require.NoError(t, tx.Put("users", kv.Key("alice"), kv.Value("1")))
	require.NoError(t, tx.Commit())
	require.Equal(t, StateClosed, tx.State())

	tx2 := e.Begin(ReadCommitted)
	val, ok, err := tx2.Get("users", kv.Key("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kv.Value("1"), val)
	require.NoError(t, tx2.Commit())
}

func TestTransactionRollbackUndoesWrites(t *testing.T) {
	e := newTestEngine(t, "users")
	seed := e.Begin(ReadCommitted)
	require.NoError(t, seed.Put("users", kv.Key("alice"), kv.Value("1")))
	require.NoError(t, seed.Commit())

	tx := e.Begin(ReadCommitted)
	require.NoError(t, tx.Put("users", kv.Key("alice"), kv.Value("2")))
	removed, err := tx.Remove("users", kv.Key("alice"))
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, tx.Rollback())

	check := e.Begin(ReadCommitted)
	val, ok, err := check.Get("users", kv.Key("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kv.Value("1"), val)
	require.NoError(t, check.Commit())
}

func TestSavepointPartialRollback(t *testing.T) {
	e := newTestEngine(t, "users")
	tx := e.Begin(ReadCommitted)
	require.NoError(t, tx.Put("users", kv.Key("a"), kv.Value("1")))
	mark := tx.Savepoint()
	require.NoError(t, tx.Put("users", kv.Key("a"), kv.Value("2")))
	require.NoError(t, tx.Put("users", kv.Key("b"), kv.Value("3")))

	require.NoError(t, tx.RollbackToSavepoint(mark))

	val, ok, err := tx.Get("users", kv.Key("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kv.Value("1"), val)

	_, ok, err = tx.Get("users", kv.Key("b"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tx.Commit())
}

func TestReadCommittedSeesSnapshotNotDirtyWrite(t *testing.T) {
	e := newTestEngine(t, "users")
	seed := e.Begin(ReadCommitted)
	require.NoError(t, seed.Put("users", kv.Key("a"), kv.Value("1")))
	require.NoError(t, seed.Commit())

	writer := e.Begin(ReadCommitted)
	require.NoError(t, writer.Put("users", kv.Key("a"), kv.Value("2")))

	reader := e.Begin(ReadCommitted)
	val, ok, err := reader.Get("users", kv.Key("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kv.Value("1"), val, "concurrent reader must not see the writer's uncommitted value")
	require.NoError(t, reader.Commit())

	require.NoError(t, writer.Commit())
}

func TestSerializableReadBlocksConcurrentWriter(t *testing.T) {
	e := newTestEngine(t, "users")
	seed := e.Begin(ReadCommitted)
	require.NoError(t, seed.Put("users", kv.Key("a"), kv.Value("1")))
	require.NoError(t, seed.Commit())

	reader := e.Begin(Serializable)
	_, _, err := reader.Get("users", kv.Key("a"))
	require.NoError(t, err)

	writerDone := make(chan error, 1)
	go func() {
		writer := e.Begin(ReadCommitted)
		writerDone <- writer.Put("users", kv.Key("a"), kv.Value("2"))
		writer.Commit()
	}()

	select {
	case <-writerDone:
		t.Fatal("writer should have blocked on the reader's serializable row lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, reader.Commit())

	select {
	case err := <-writerDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer never unblocked after reader committed")
	}
}

func TestFIFOLockWaiterOrder(t *testing.T) {
	e := newTestEngine(t, "users")
	first := e.Begin(ReadCommitted)
	require.NoError(t, first.Put("users", kv.Key("a"), kv.Value("0")))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			tx := e.Begin(ReadCommitted)
			require.NoError(t, tx.Put("users", kv.Key("a"), kv.Value("v")))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			require.NoError(t, tx.Commit())
		}()
	}
	// give the three goroutines time to queue up behind `first`, in order
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, first.Commit())
	wg.Wait()

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestDeadlockDetected(t *testing.T) {
	e := newTestEngine(t, "users")
	txA := e.Begin(ReadCommitted)
	txB := e.Begin(ReadCommitted)

	require.NoError(t, txA.Put("users", kv.Key("x"), kv.Value("1")))
	require.NoError(t, txB.Put("users", kv.Key("y"), kv.Value("1")))

	bBlocked := make(chan error, 1)
	go func() {
		bBlocked <- txB.Put("users", kv.Key("x"), kv.Value("2"))
	}()
	time.Sleep(30 * time.Millisecond)

	err := txA.Put("users", kv.Key("y"), kv.Value("2"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "deadlock")

	require.NoError(t, txA.Rollback())
	require.NoError(t, <-bBlocked)
	require.NoError(t, txB.Commit())
}

func TestLockTimeoutError(t *testing.T) {
	e := newTestEngine(t, "users")
	e.SetLockTimeout(50 * time.Millisecond)
	holder := e.Begin(ReadCommitted)
	require.NoError(t, holder.Put("users", kv.Key("a"), kv.Value("1")))

	waiter := e.Begin(ReadCommitted)
	err := waiter.Put("users", kv.Key("a"), kv.Value("2"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")

	require.NoError(t, holder.Commit())
}

func TestRedoBufferTruncatesPastCap(t *testing.T) {
	e := newTestEngine(t, "users")
	tx := e.Begin(ReadCommitted)
	big := make(kv.Value, 200)
	for i := 0; i < 10; i++ {
		require.NoError(t, tx.Put("users", kv.Key{byte(i)}, big))
	}
	require.True(t, tx.RedoTruncated())
	require.NoError(t, tx.Commit())
}

func TestOperationsOnClosedTransactionFail(t *testing.T) {
	e := newTestEngine(t, "users")
	tx := e.Begin(ReadCommitted)
	require.NoError(t, tx.Commit())

	_, _, err := tx.Get("users", kv.Key("a"))
	require.Error(t, err)

	err = tx.Put("users", kv.Key("a"), kv.Value("1"))
	require.Error(t, err)
}
