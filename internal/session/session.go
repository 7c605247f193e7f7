// Package session implements the session pool (C6): a per-remote-URL
// bounded FIFO cache of idle sessions, synchronous acquisition that falls
// back to asynchronous creation plus a listener-await when the cache is
// empty (the deadlock-avoidance pattern of spec.md §4.6/§4.7 — when a
// session's own I/O goroutine would have to answer its own creation
// request, blocking it outright would deadlock, so the core registers a
// txn.Listener and awaits it instead of the future directly), and release
// back to the cache or close on overflow. Grounded on the teacher's
// resource-registry style (`refactor_code/internal/concurrency/rwlock.go`'s
// `LockManager`, a concurrent map of lazily-created per-key resources)
// generalized from locks to pooled sessions.
package session

import (
	"sync"

	"github.com/google/uuid"

	"govetachun/treekv/internal/config"
	"govetachun/treekv/internal/logging"
	"govetachun/treekv/internal/txn"
	"govetachun/treekv/pkg/kverrors"
)

// Kind distinguishes how a Session participates in pooling. Only KindRemote
// sessions — outbound connections to another replica, safe to keep warm
// and hand to the next caller for the same URL — are ever cached.
type Kind int

const (
	// KindRemote is an outbound session to another host, cacheable.
	KindRemote Kind = iota
	// KindLocal is an in-process shortcut session (no real connection);
	// never cached, since there is no connection cost to amortize.
	KindLocal
	// KindServerSide is a session accepted from a remote peer; always
	// closed on release rather than pooled, since the peer owns its
	// lifetime, not this side.
	KindServerSide
)

// Session is the unit of authentication and transaction ownership bound to
// one remote URL (or the local process, for KindLocal). Its lifetime is
// bounded by the connection unless Root is true, in which case it outlives
// individual connections and the pool never auto-closes it.
type Session struct {
	id     uuid.UUID
	url    string
	kind   Kind
	root   bool
	closed bool
	mu     sync.Mutex

	pool *Pool
}

// ID returns the session's identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// URL returns the remote URL this session connects to ("" for KindLocal).
func (s *Session) URL() string { return s.url }

// IsRoot reports whether this session outlives individual connections.
func (s *Session) IsRoot() bool { return s.root }

// Closed reports whether Close has already run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Factory creates a new Session for url. Supplied by the caller that knows
// how to actually dial a remote host (or fabricate a KindLocal session);
// this package only manages pooling and acquisition, never dialing.
type Factory func(url string) (*Session, error)

// Pool caches idle KindRemote sessions per URL, bounded FIFO per spec.md
// §4.7 (default capacity 3, `Config.SessionPoolQueueSize`).
type Pool struct {
	log      *logging.Entry
	capacity int
	factory  Factory

	mu    sync.Mutex
	idle  map[string][]*Session
}

// NewPool creates a Pool. factory must not be nil.
func NewPool(cfg config.Config, factory Factory) *Pool {
	capacity := cfg.SessionPoolQueueSize
	if capacity <= 0 {
		capacity = config.DefaultSessionPoolQueueSize
	}
	return &Pool{
		log:      logging.New("session.pool"),
		capacity: capacity,
		factory:  factory,
		idle:     make(map[string][]*Session),
	}
}

// GetSessionSync returns an idle cached session for url if one is
// available, else creates one. listener may be nil for a caller that is
// willing to block the calling goroutine on creation directly (e.g. a
// local session, or a caller not running under the cooperative
// scheduler); when non-nil, creation runs on its own goroutine and this
// call blocks on listener.Await() instead of the raw result, letting the
// caller's scheduler keep draining higher-priority work while it waits —
// the deadlock-avoidance substitution spec.md §4.6 describes.
func (p *Pool) GetSessionSync(url string, listener txn.Listener) (*Session, error) {
	if s, ok := p.popIdle(url); ok {
		return s, nil
	}
	if listener == nil {
		return p.create(url)
	}

	type outcome struct {
		s   *Session
		err error
	}
	ch := make(chan outcome, 1)
	listener.BeforeOperation()
	go func() {
		s, err := p.create(url)
		if err != nil {
			listener.SetException(err)
		}
		ch <- outcome{s, err}
		listener.OperationComplete()
	}()
	if err := listener.Await(); err != nil {
		return nil, err
	}
	out := <-ch
	return out.s, out.err
}

func (p *Pool) create(url string) (*Session, error) {
	s, err := p.factory(url)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, kverrors.Invariantf("session: factory for %q returned a nil session", url)
	}
	s.pool = p
	return s, nil
}

func (p *Pool) popIdle(url string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.idle[url]
	if len(q) == 0 {
		return nil, false
	}
	s := q[0]
	p.idle[url] = q[1:]
	return s, true
}

// Release returns s to its URL's idle cache, or closes it when the cache
// is already full, s is closed, or s is not a cacheable KindRemote
// session. Root sessions are never auto-closed by Release, even when
// their kind would otherwise make them cacheable, since a root session's
// lifetime is managed by its owner, not the pool.
func (p *Pool) Release(s *Session) error {
	if s.Closed() {
		return nil
	}
	if s.root {
		return nil
	}
	if s.kind != KindRemote {
		return s.Close()
	}

	p.mu.Lock()
	q := p.idle[s.url]
	if len(q) >= p.capacity {
		p.mu.Unlock()
		return s.Close()
	}
	p.idle[s.url] = append(q, s)
	p.mu.Unlock()
	return nil
}

// NewSession constructs a Session of the given kind for url, with a fresh
// id. Intended for use inside a Factory implementation.
func NewSession(url string, kind Kind, root bool) *Session {
	return &Session{
		id:   uuid.New(),
		url:  url,
		kind: kind,
		root: root,
	}
}

// IdleCount reports how many sessions are currently cached for url, for
// tests and diagnostics.
func (p *Pool) IdleCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[url])
}
