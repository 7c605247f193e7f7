package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"govetachun/treekv/internal/btree"
	"govetachun/treekv/internal/logging"
	"govetachun/treekv/pkg/kverrors"
)

// Engine owns the set of maps a session's transactions operate over, plus
// the row-lock table and transaction id counter shared across all of
// them. One Engine typically backs one server instance.
type Engine struct {
	log *logging.Entry

	mu   sync.RWMutex
	maps map[string]*btree.Map

	locks       *lockTable
	nextTxID    atomic.Uint64
	lockTimeout time.Duration
}

// NewEngine creates an Engine with no maps registered yet.
func NewEngine() *Engine {
	return &Engine{
		log:         logging.New("txn.engine"),
		maps:        make(map[string]*btree.Map),
		locks:       newLockTable(),
		lockTimeout: DefaultLockTimeout,
	}
}

// SetLockTimeout overrides how long a row-lock wait blocks before failing
// with CodeTimeout. Exposed for tests that want deadlock/timeout paths to
// resolve quickly.
func (e *Engine) SetLockTimeout(d time.Duration) { e.lockTimeout = d }

// RegisterMap makes m available to transactions under name.
func (e *Engine) RegisterMap(name string, m *btree.Map) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maps[name] = m
}

func (e *Engine) mapByName(name string) (*btree.Map, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.maps[name]
	if !ok {
		return nil, kverrors.Invariantf("txn: no map registered as %q", name)
	}
	return m, nil
}

// Begin starts a new transaction at the given isolation level.
func (e *Engine) Begin(isolation IsolationLevel) *Transaction {
	id := e.nextTxID.Add(1)
	return &Transaction{
		id:          id,
		isolation:   isolation,
		engine:      e,
		listener:    noopListener{},
		lockTimeout: e.lockTimeout,
		startTime:   time.Now(),
	}
}
