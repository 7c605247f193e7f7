package replication

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"govetachun/treekv/internal/btree"
	"govetachun/treekv/internal/config"
	"govetachun/treekv/pkg/kv"
)

var errBoom = errors.New("boom")

func newMap(t *testing.T, name string) *btree.Map {
	t.Helper()
	return btree.NewMap(name, config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
}

func TestReplicationNameOrdering(t *testing.T) {
	a := ReplicationName{Seq: 1, Coordinator: "host-a:9000"}
	b := ReplicationName{Seq: 2, Coordinator: "host-a:9000"}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))

	tie1 := ReplicationName{Seq: 5, Coordinator: "host-a:9000"}
	tie2 := ReplicationName{Seq: 5, Coordinator: "host-b:9000"}
	require.True(t, tie1.Less(tie2), "lexicographically smaller coordinator loses the tiebreak")
	require.False(t, tie2.Less(tie1))
}

func TestQuorumGetFallsBackToDirectReadWithoutReplicas(t *testing.T) {
	m := newMap(t, "m")
	require.NoError(t, m.Put(kv.Key("k"), kv.Value("v")))

	g := NewGroup("coord:9000", nil, 0, nil)
	val, found, err := g.QuorumGet(m, "m", kv.Key("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, kv.Value("v"), val)
}

func TestQuorumPutAndGetAcrossReplicas(t *testing.T) {
	m := newMap(t, "m")
	key := kv.Key("k1")
	require.NoError(t, m.Put(key, kv.Value("seed")))

	hostA, hostB, hostC := HostID("a:9000"), HostID("b:9000"), HostID("c:9000")
	require.NoError(t, m.SetReplicaHostsForKey(key, []btree.HostID{hostA, hostB, hostC}))

	peerA := NewLocalPeer(hostA)
	peerB := NewLocalPeer(hostB)
	peerC := NewLocalPeer(hostC)
	for _, p := range []*LocalPeer{peerA, peerB, peerC} {
		p.RegisterMap("m", m)
	}

	g := NewGroup("coord:9000", map[HostID]Peer{hostA: peerA, hostB: peerB, hostC: peerC}, 3, nil)

	require.NoError(t, g.QuorumPut(m, "m", key, kv.Value("v2"), false))

	val, found, err := g.QuorumGet(m, "m", key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, kv.Value("v2"), val)
}

// failingPeer always errors, to exercise quorum-not-reached paths.
type failingPeer struct{ host HostID }

func (f *failingPeer) Host() HostID { return f.host }
func (f *failingPeer) Get(string, kv.Key) (kv.Value, bool, error) { return nil, false, errBoom }
func (f *failingPeer) Put(ReplicationName, string, kv.Key, kv.Value, bool) (bool, error) {
	return false, errBoom
}
func (f *failingPeer) Append(ReplicationName, string, kv.Value) (kv.Key, error) {
	return nil, errBoom
}
func (f *failingPeer) Replace(ReplicationName, string, kv.Key, kv.Value) (bool, error) {
	return false, errBoom
}
func (f *failingPeer) Remove(ReplicationName, string, kv.Key) (bool, error) { return false, errBoom }
func (f *failingPeer) PrepareMoveLeafPage(plan LeafPageMovePlan) (PrepareAck, error) {
	return PrepareAck{}, errBoom
}
func (f *failingPeer) MoveLeafPage(string, btree.PageKey, []byte, bool) error { return errBoom }
func (f *failingPeer) RemoveLeafPage(string, btree.PageKey) error             { return errBoom }
func (f *failingPeer) ReadRemotePage(string, btree.PageKey) ([]byte, error)   { return nil, errBoom }
func (f *failingPeer) ReplicationCommit(ReplicationName, bool, []ReplicationName) error {
	return errBoom
}

func TestQuorumPutFailsWhenBelowQuorum(t *testing.T) {
	m := newMap(t, "m")
	key := kv.Key("k2")
	require.NoError(t, m.Put(key, kv.Value("seed")))

	hostA, hostB, hostC := HostID("a:9000"), HostID("b:9000"), HostID("c:9000")
	require.NoError(t, m.SetReplicaHostsForKey(key, []btree.HostID{hostA, hostB, hostC}))

	good := NewLocalPeer(hostA)
	good.RegisterMap("m", m)
	bad1 := &failingPeer{host: hostB}
	bad2 := &failingPeer{host: hostC}

	g := NewGroup("coord:9000", map[HostID]Peer{hostA: good, hostB: bad1, hostC: bad2}, 3, nil)
	err := g.QuorumPut(m, "m", key, kv.Value("v2"), false)
	require.Error(t, err)
}

func TestNegotiateLeafMoveUnanimousQuorumWins(t *testing.T) {
	hostA, hostB, hostC := HostID("a:9000"), HostID("b:9000"), HostID("c:9000")
	peerA, peerB, peerC := NewLocalPeer(hostA), NewLocalPeer(hostB), NewLocalPeer(hostC)
	g := NewGroup("coord:9000", map[HostID]Peer{hostA: peerA, hostB: peerB, hostC: peerC}, 3, nil)

	plan := LeafPageMovePlan{
		MoverHostID: hostA,
		NewReplicas: []HostID{hostA, hostB, hostC},
		PageKey:     btree.PageKey{Sep: kv.Key("sep")},
		Index:       1,
	}
	accepted, winner, err := g.NegotiateLeafMove(plan)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, hostA, winner)
}

func TestNegotiateLeafMoveLexicographicTiebreakAmongQuorumAcks(t *testing.T) {
	hostA, hostB, hostC := HostID("a:9000"), HostID("b:9000"), HostID("c:9000")
	peerA, peerB, peerC := NewLocalPeer(hostA), NewLocalPeer(hostB), NewLocalPeer(hostC)

	pk := btree.PageKey{Sep: kv.Key("sep")}
	// peerB and peerC already hold a competing, higher-priority view of the
	// mover (simulating two concurrent proposers): each keeps whichever
	// plan it saw with the higher index, so seed them directly via
	// PrepareMoveLeafPage with the same index as the contested round to
	// produce a 1/1/1 split across three distinct mover ids.
	_, _ = peerA.PrepareMoveLeafPage(LeafPageMovePlan{MoverHostID: hostA, PageKey: pk, Index: 1})
	_, _ = peerB.PrepareMoveLeafPage(LeafPageMovePlan{MoverHostID: hostB, PageKey: pk, Index: 1})
	_, _ = peerC.PrepareMoveLeafPage(LeafPageMovePlan{MoverHostID: hostC, PageKey: pk, Index: 1})

	g := NewGroup("coord:9000", map[HostID]Peer{hostA: peerA, hostB: peerB, hostC: peerC}, 3, nil)

	// Coordinator's own proposal is for hostA, but since each replica had
	// already latched an earlier-arriving, equal-index plan of its own,
	// PrepareMoveLeafPage's "keep if index is not greater" rule means each
	// ack reports back its own latched mover, producing a 3-way split of
	// equal tallies; no single id reaches quorum (2 of 3), so the
	// lexicographically largest mover id among all acking replicas wins.
	plan := LeafPageMovePlan{MoverHostID: hostA, NewReplicas: []HostID{hostA, hostB, hostC}, PageKey: pk, Index: 1}
	accepted, winner, err := g.NegotiateLeafMove(plan)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, hostC, winner, "largest mover id among the three distinct acks")
}

func TestNegotiateLeafMoveRetriesWhenBelowQuorum(t *testing.T) {
	hostA, hostB, hostC := HostID("a:9000"), HostID("b:9000"), HostID("c:9000")
	peerA := NewLocalPeer(hostA)
	bad1 := &failingPeer{host: hostB}
	bad2 := &failingPeer{host: hostC}
	g := NewGroup("coord:9000", map[HostID]Peer{hostA: peerA, hostB: bad1, hostC: bad2}, 3, nil)

	plan := LeafPageMovePlan{
		MoverHostID: hostA,
		NewReplicas: []HostID{hostA, hostB, hostC},
		PageKey:     btree.PageKey{Sep: kv.Key("sep")},
		Index:       1,
	}
	accepted, _, err := g.NegotiateLeafMove(plan)
	require.Error(t, err)
	require.False(t, accepted)
}

func TestQuorumAppendPropagatesGeneratedKeyToAllReplicas(t *testing.T) {
	m := newMap(t, "m")

	hostA, hostB, hostC := HostID("a:9000"), HostID("b:9000"), HostID("c:9000")
	peerA, peerB, peerC := NewLocalPeer(hostA), NewLocalPeer(hostB), NewLocalPeer(hostC)
	for _, p := range []*LocalPeer{peerA, peerB, peerC} {
		p.RegisterMap("m", m)
	}
	// Give the leaf a replica set before appending so QuorumAppend takes
	// the replicated path rather than its no-replicas-recorded shortcut.
	require.NoError(t, m.Put(kv.Key("seed"), kv.Value("x")))
	require.NoError(t, m.SetReplicaHostsForKey(kv.Key("seed"), []btree.HostID{hostA, hostB, hostC}))

	g := NewGroup("coord:9000", map[HostID]Peer{hostA: peerA, hostB: peerB, hostC: peerC}, 3, nil)
	key, err := g.QuorumAppend(m, "m", kv.Value("v1"))
	require.NoError(t, err)

	val, found, err := peerB.Get("m", key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, kv.Value("v1"), val)
}

func TestLocalPeerAppendReservesDistinctKeys(t *testing.T) {
	host := HostID("a:9000")
	peer := NewLocalPeer(host)
	m := newMap(t, "m")
	peer.RegisterMap("m", m)

	rn := ReplicationName{Seq: 1, Coordinator: host}
	k1, err := peer.Append(rn, "m", kv.Value("1"))
	require.NoError(t, err)
	k2, err := peer.Append(ReplicationName{Seq: 2, Coordinator: host}, "m", kv.Value("2"))
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	v, found, err := peer.Get("m", k1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, kv.Value("1"), v)
}

func TestLocalPeerMoveLeafPageAndReadRemotePage(t *testing.T) {
	host := HostID("a:9000")
	peer := NewLocalPeer(host)
	m := newMap(t, "m")
	peer.RegisterMap("m", m)

	pk := btree.PageKey{Sep: kv.Key("sep")}
	require.NoError(t, peer.MoveLeafPage("m", pk, []byte("leaf-image"), true))

	img, err := peer.ReadRemotePage("m", pk)
	require.NoError(t, err)
	require.Equal(t, []byte("leaf-image"), img)

	require.NoError(t, peer.RemoveLeafPage("m", pk))
	_, err = peer.ReadRemotePage("m", pk)
	require.Error(t, err)
}
