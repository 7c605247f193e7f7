// Package server wires the storage/execution core's pieces — pagestore,
// btree, txn, scheduler, session, and replication — into the single
// long-lived object cmd/treekv drives, the same role the teacher's
// SimpleDB played for its store/table/executor stack in
// refactor_code/cmd/server/main.go, generalized from a fixed table set to
// dynamically opened maps.
package server

import (
	"fmt"
	"path/filepath"
	"sync"

	"govetachun/treekv/internal/btree"
	"govetachun/treekv/internal/config"
	"govetachun/treekv/internal/logging"
	"govetachun/treekv/internal/pagestore"
	"govetachun/treekv/internal/pageops"
	"govetachun/treekv/internal/replication"
	"govetachun/treekv/internal/scheduler"
	"govetachun/treekv/internal/session"
	"govetachun/treekv/internal/txn"
	"govetachun/treekv/pkg/kv"
	"govetachun/treekv/pkg/kverrors"
)

// Server owns every open map's store and the shared engine/scheduler pool
// they run under. Callers open maps by name; the server persists them on
// Close.
type Server struct {
	cfg     config.Config
	dataDir string
	log     *logging.Entry

	engine *txn.Engine
	pool   *pageops.Pool
	sched  *scheduler.Scheduler
	group  *replication.Group

	mu     sync.Mutex
	maps   map[string]*btree.Map
	stores map[string]*pagestore.Store
}

// New creates a Server rooted at dataDir (ignored in Config.InMemory mode)
// with cfg governing scheduler/session/replication knobs.
func New(dataDir string, cfg config.Config) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		dataDir: dataDir,
		log:     logging.New("server"),
		engine:  txn.NewEngine(),
		pool:    pageops.NewPool(1, cfg),
		maps:    make(map[string]*btree.Map),
		stores:  make(map[string]*pagestore.Store),
	}
	s.sched = scheduler.New(1, cfg, s.pool)

	if cfg.IsShardingMode {
		peers := make(map[replication.HostID]replication.Peer, len(cfg.InitReplicationNodes))
		for _, node := range cfg.InitReplicationNodes {
			host := replication.HostID(node)
			peers[host] = replication.NewLocalPeer(host)
		}
		coordinator := replication.HostID("local")
		if len(cfg.InitReplicationNodes) > 0 {
			coordinator = replication.HostID(cfg.InitReplicationNodes[0])
		}
		s.group = replication.NewGroup(coordinator, peers, 3, nil)
	}

	return s, nil
}

// OpenMap opens (creating if absent) the named map, loading its last
// persisted chunk from dataDir/<name>.db, and registers it with the
// transaction engine so Begin-ed transactions can reach it by name.
func (s *Server) OpenMap(name string) (*btree.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.maps[name]; ok {
		return m, nil
	}

	m := btree.NewMap(name, s.cfg, kv.BytesComparator, kv.RawSerializer{}, s.pool)

	path := name + ".db"
	if s.dataDir != "" {
		path = filepath.Join(s.dataDir, name+".db")
	}
	store, err := pagestore.Open(path, s.cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Load(m); err != nil {
		return nil, err
	}

	s.stores[name] = store
	s.maps[name] = m
	s.engine.RegisterMap(name, m)

	if s.group != nil {
		for _, peer := range s.group.Peers() {
			if lp, ok := peer.(*replication.LocalPeer); ok {
				lp.RegisterMap(name, m)
			}
		}
	}

	return m, nil
}

// Begin starts a new transaction against the server's engine.
func (s *Server) Begin(isolation txn.IsolationLevel) *txn.Transaction {
	return s.engine.Begin(isolation)
}

// Scheduler returns the server's cooperative scheduler, for callers that
// want to submit commands rather than call the engine directly.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// Sessions builds a session pool bound to this server's config, creating
// local sessions via factory. Exposed as a constructor rather than a
// Server field since not every deployment needs session pooling (e.g. the
// bench subcommand drives the engine directly).
func (s *Server) Sessions(factory session.Factory) *session.Pool {
	return session.NewPool(s.cfg, factory)
}

// Replication returns the server's replication group, or nil when the
// server was not configured with Config.IsShardingMode.
func (s *Server) Replication() *replication.Group { return s.group }

// Flush persists every open map's current snapshot to its store.
func (s *Server) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.maps {
		if _, err := s.stores[name].Save(m); err != nil {
			return fmt.Errorf("server: flush %q: %w", name, err)
		}
	}
	return nil
}

// Close flushes every open map, closes its store, and stops the
// scheduler and page-operation pool.
func (s *Server) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}

	s.mu.Lock()
	for name, store := range s.stores {
		if err := store.Close(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("server: close store %q: %w", name, err)
		}
	}
	s.mu.Unlock()

	s.sched.End()
	s.pool.Close()
	return nil
}

// MustOpenMap is OpenMap with any error wrapped as a CodeInvariant error
// naming the map, for a clearer message. It returns the error rather than
// panicking.
func (s *Server) MustOpenMap(name string) (*btree.Map, error) {
	m, err := s.OpenMap(name)
	if err != nil {
		return nil, kverrors.New(kverrors.CodeInvariant, "server: open map "+name, err)
	}
	return m, nil
}
