package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govetachun/treekv/internal/config"
	"govetachun/treekv/pkg/kverrors"
)

func countingFactory(calls *atomic.Int32) Factory {
	return func(url string) (*Session, error) {
		calls.Add(1)
		return NewSession(url, KindRemote, false), nil
	}
}

func TestGetSessionSyncCreatesThenReusesFromIdle(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(config.Default(), countingFactory(&calls))

	s1, err := p.GetSessionSync("host-a:9000", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	require.NoError(t, p.Release(s1))
	require.Equal(t, 1, p.IdleCount("host-a:9000"))

	s2, err := p.GetSessionSync("host-a:9000", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load(), "second acquisition should reuse the idle session, not create another")
	require.Same(t, s1, s2)
}

func TestReleaseClosesWhenCacheFull(t *testing.T) {
	var calls atomic.Int32
	cfg := config.Default()
	cfg.SessionPoolQueueSize = 1
	p := NewPool(cfg, countingFactory(&calls))

	s1, err := p.GetSessionSync("host-a:9000", nil)
	require.NoError(t, err)
	s2, err := p.GetSessionSync("host-a:9000", nil)
	require.NoError(t, err)

	require.NoError(t, p.Release(s1))
	require.Equal(t, 1, p.IdleCount("host-a:9000"))

	require.NoError(t, p.Release(s2))
	require.Equal(t, 1, p.IdleCount("host-a:9000"), "cache at capacity must not grow")
	require.True(t, s2.Closed())
}

func TestLocalAndServerSideSessionsAreNeverCached(t *testing.T) {
	p := NewPool(config.Default(), countingFactory(&atomic.Int32{}))

	local := NewSession("", KindLocal, false)
	require.NoError(t, p.Release(local))
	require.True(t, local.Closed())

	serverSide := NewSession("peer:9000", KindServerSide, false)
	require.NoError(t, p.Release(serverSide))
	require.True(t, serverSide.Closed())
	require.Equal(t, 0, p.IdleCount("peer:9000"))
}

func TestRootSessionSurvivesRelease(t *testing.T) {
	p := NewPool(config.Default(), countingFactory(&atomic.Int32{}))
	root := NewSession("host-a:9000", KindRemote, true)
	require.NoError(t, p.Release(root))
	require.False(t, root.Closed())
	require.Equal(t, 0, p.IdleCount("host-a:9000"), "root sessions are not pooled either, just not auto-closed")
}

// fakeListener exercises the async-create + Await deadlock-avoidance path:
// Await blocks until OperationComplete is called, simulating a scheduler
// that would run higher-priority queues while waiting in the real system.
type fakeListener struct {
	done chan struct{}
	err  error
}

func newFakeListener() *fakeListener { return &fakeListener{done: make(chan struct{}, 1)} }

func (l *fakeListener) BeforeOperation()   {}
func (l *fakeListener) OperationComplete() { l.done <- struct{}{} }
func (l *fakeListener) OperationUndo()     {}
func (l *fakeListener) SetException(err error) { l.err = err }
func (l *fakeListener) Await() error {
	<-l.done
	return l.err
}

func TestGetSessionSyncWithListenerAwaitsAsyncCreate(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(config.Default(), countingFactory(&calls))

	l := newFakeListener()
	s, err := p.GetSessionSync("host-b:9000", l)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, int32(1), calls.Load())
}

func TestGetSessionSyncWithListenerPropagatesFactoryError(t *testing.T) {
	failing := func(url string) (*Session, error) {
		return nil, kverrors.Invariantf("dial %q failed", url)
	}
	p := NewPool(config.Default(), failing)

	l := newFakeListener()
	_, err := p.GetSessionSync("host-c:9000", l)
	require.Error(t, err)
}

func TestGetSessionSyncWithoutListenerBlocksDirectly(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(config.Default(), countingFactory(&calls))

	start := time.Now()
	_, err := p.GetSessionSync("host-d:9000", nil)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}
