// Package replication implements the replication/sharding layer (C7):
// per-leaf replica sets, quorum read/write with retry, replication-name
// total ordering, and leaf-page move negotiation. The RPC surface is
// expressed as the Peer interface plus an in-process LocalPeer transport;
// a real wire codec (protobuf, gRPC, etc.) is a caller concern, not this
// package's (see SPEC_FULL.md §1). Quorum fan-out uses
// golang.org/x/sync/errgroup, grounded on
// johnjansen-torua/internal/coordinator/shard_registry.go's hash→owner
// routing model, generalized from single-owner shards to replicated leaf
// pages with a write quorum rather than a single authoritative node.
package replication

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"govetachun/treekv/internal/btree"
	"govetachun/treekv/internal/logging"
	"govetachun/treekv/pkg/kv"
	"govetachun/treekv/pkg/kverrors"
	"govetachun/treekv/pkg/kvutil"
)

// HostID names a replication peer by address, e.g. "host:port".
type HostID = btree.HostID

// ReplicationName totally orders a key's writes: Seq is assigned by the
// coordinating session, monotonically increasing; Coordinator (lexical)
// breaks ties between two writes issued with the same Seq by different
// coordinators, which can only happen after a coordinator failover.
type ReplicationName struct {
	Seq         uint64
	Coordinator HostID
}

// Less reports whether n sorts before other in the per-key total order:
// higher Seq wins, and equal Seq ties break on the lexicographically
// larger coordinator id (the later-elected coordinator's write wins).
func (n ReplicationName) Less(other ReplicationName) bool {
	if n.Seq != other.Seq {
		return n.Seq < other.Seq
	}
	return n.Coordinator < other.Coordinator
}

// LoadSource reports a host's current load, for replica selection that
// wants to prefer lightly-loaded peers. The default ConstantLoadSource
// reports zero for every host (Open Question 2: no `/proc/stat` reader is
// implemented, since it is Linux-only and advisory-only per spec.md §9(b)).
type LoadSource interface {
	Load(host HostID) float64
}

// ConstantLoadSource reports a fixed load for every host, making replica
// selection purely random (kvutil.RandomReplica) rather than load-aware.
type ConstantLoadSource struct{ Value float64 }

func (c ConstantLoadSource) Load(HostID) float64 { return c.Value }

// LeafPageMovePlan proposes moving a leaf page's authoritative copy,
// per spec.md §4.5. Index increases each retry round so replicas can
// discard a stale plan in favor of one they've already acknowledged.
type LeafPageMovePlan struct {
	MoverHostID HostID
	NewReplicas []HostID
	PageKey     btree.PageKey
	Index       uint64
}

func planKey(pk btree.PageKey) string { return string(pk.Sep) }

// PrepareAck is a replica's response to PrepareMoveLeafPage: the
// highest-index plan it has seen for this leaf so far (which may not be
// the plan just proposed, if a higher-index one already arrived).
type PrepareAck struct {
	Host        HostID
	MoverHostID HostID
	Index       uint64
}

// Peer is the logical RPC surface one replica exposes to others, per
// SPEC_FULL.md §6. Transport (how a call actually reaches a remote
// process) is out of scope; LocalPeer below is the in-process
// implementation this module ships.
type Peer interface {
	Host() HostID
	Get(mapName string, key kv.Key) (kv.Value, bool, error)
	Put(rn ReplicationName, mapName string, key kv.Key, val kv.Value, addIfAbsent bool) (existed bool, err error)
	Append(rn ReplicationName, mapName string, val kv.Value) (key kv.Key, err error)
	Replace(rn ReplicationName, mapName string, key kv.Key, val kv.Value) (replaced bool, err error)
	Remove(rn ReplicationName, mapName string, key kv.Key) (removed bool, err error)
	PrepareMoveLeafPage(plan LeafPageMovePlan) (PrepareAck, error)
	MoveLeafPage(mapName string, pk btree.PageKey, image []byte, addPage bool) error
	RemoveLeafPage(mapName string, pk btree.PageKey) error
	ReadRemotePage(mapName string, pk btree.PageKey) ([]byte, error)
	ReplicationCommit(valid ReplicationName, autoCommit bool, retry []ReplicationName) error
}

// LocalPeer is the in-process Peer transport: every call runs directly
// against locally registered btree.Maps on the calling goroutine, no
// network round trip. A real deployment swaps this for a codec-backed
// client; the Peer interface is what it would need to satisfy.
type LocalPeer struct {
	host HostID

	mu     sync.Mutex
	maps   map[string]*btree.Map
	plans  map[string]LeafPageMovePlan // planKey -> highest-index plan seen
	images map[string][]byte           // mapName+"\x00"+planKey -> moved-in leaf image
	lastRN map[string]ReplicationName  // mapName+"\x00"+string(key) -> last applied write
}

// NewLocalPeer creates a LocalPeer identified as host, with no maps
// registered yet.
func NewLocalPeer(host HostID) *LocalPeer {
	return &LocalPeer{
		host:   host,
		maps:   make(map[string]*btree.Map),
		plans:  make(map[string]LeafPageMovePlan),
		images: make(map[string][]byte),
		lastRN: make(map[string]ReplicationName),
	}
}

// RegisterMap makes m available under name to RPCs this peer receives.
func (lp *LocalPeer) RegisterMap(name string, m *btree.Map) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.maps[name] = m
}

func (lp *LocalPeer) Host() HostID { return lp.host }

func (lp *LocalPeer) mapByName(name string) (*btree.Map, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	m, ok := lp.maps[name]
	if !ok {
		return nil, kverrors.Invariantf("replication: peer %q has no map %q registered", lp.host, name)
	}
	return m, nil
}

// staleWrite reports whether rn is superseded by a write this peer has
// already applied to mapName/key, per the replication-name total order:
// the replica side orders conflicting writes by name and discards a write
// whose name sorts before the last one it applied.
func (lp *LocalPeer) staleWrite(mapName string, key kv.Key, rn ReplicationName) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	last, ok := lp.lastRN[mapName+"\x00"+string(key)]
	return ok && rn.Less(last)
}

func (lp *LocalPeer) recordWrite(mapName string, key kv.Key, rn ReplicationName) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	k := mapName + "\x00" + string(key)
	if last, ok := lp.lastRN[k]; !ok || last.Less(rn) {
		lp.lastRN[k] = rn
	}
}

func (lp *LocalPeer) Get(mapName string, key kv.Key) (kv.Value, bool, error) {
	m, err := lp.mapByName(mapName)
	if err != nil {
		return nil, false, err
	}
	return m.Get(key)
}

func (lp *LocalPeer) Put(rn ReplicationName, mapName string, key kv.Key, val kv.Value, addIfAbsent bool) (bool, error) {
	m, err := lp.mapByName(mapName)
	if err != nil {
		return false, err
	}
	if lp.staleWrite(mapName, key, rn) {
		_, found, _ := m.Get(key)
		return found, nil
	}
	var existed bool
	if addIfAbsent {
		inserted, err := m.PutIfAbsent(key, val)
		existed = !inserted
		if err != nil {
			return false, err
		}
	} else {
		_, found, gerr := m.Get(key)
		if gerr != nil {
			return false, gerr
		}
		if err := m.Put(key, val); err != nil {
			return false, err
		}
		existed = found
	}
	lp.recordWrite(mapName, key, rn)
	return existed, nil
}

// Append reserves the map's next maxKey and inserts val under it (the same
// btree.Map.Append the local C2 caller would use), then records rn against
// the generated key so a later Replace/Remove of that key can detect a
// stale, reordered retry the way Put's replicas already do.
func (lp *LocalPeer) Append(rn ReplicationName, mapName string, val kv.Value) (kv.Key, error) {
	m, err := lp.mapByName(mapName)
	if err != nil {
		return nil, err
	}
	key, err := m.Append(val)
	if err != nil {
		return nil, err
	}
	lp.recordWrite(mapName, key, rn)
	return key, nil
}

func (lp *LocalPeer) Replace(rn ReplicationName, mapName string, key kv.Key, val kv.Value) (bool, error) {
	m, err := lp.mapByName(mapName)
	if err != nil {
		return false, err
	}
	if lp.staleWrite(mapName, key, rn) {
		return false, nil
	}
	replaced, err := m.Replace(key, val)
	if err != nil {
		return false, err
	}
	lp.recordWrite(mapName, key, rn)
	return replaced, nil
}

func (lp *LocalPeer) Remove(rn ReplicationName, mapName string, key kv.Key) (bool, error) {
	m, err := lp.mapByName(mapName)
	if err != nil {
		return false, err
	}
	if lp.staleWrite(mapName, key, rn) {
		return false, nil
	}
	removed, err := m.Remove(key)
	if err != nil {
		return false, err
	}
	lp.recordWrite(mapName, key, rn)
	return removed, nil
}

func (lp *LocalPeer) PrepareMoveLeafPage(plan LeafPageMovePlan) (PrepareAck, error) {
	key := planKey(plan.PageKey)
	lp.mu.Lock()
	defer lp.mu.Unlock()
	cur, ok := lp.plans[key]
	if !ok || plan.Index > cur.Index {
		lp.plans[key] = plan
		cur = plan
	}
	return PrepareAck{Host: lp.host, MoverHostID: cur.MoverHostID, Index: cur.Index}, nil
}

func (lp *LocalPeer) imageKey(mapName string, pk btree.PageKey) string {
	return mapName + "\x00" + planKey(pk)
}

func (lp *LocalPeer) MoveLeafPage(mapName string, pk btree.PageKey, image []byte, addPage bool) error {
	if _, err := lp.mapByName(mapName); err != nil {
		return err
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if addPage {
		lp.images[lp.imageKey(mapName, pk)] = image
	}
	return nil
}

func (lp *LocalPeer) RemoveLeafPage(mapName string, pk btree.PageKey) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	delete(lp.images, lp.imageKey(mapName, pk))
	return nil
}

func (lp *LocalPeer) ReadRemotePage(mapName string, pk btree.PageKey) ([]byte, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	img, ok := lp.images[lp.imageKey(mapName, pk)]
	if !ok {
		return nil, kverrors.Invariantf("replication: peer %q has no moved-in image for leaf in %q", lp.host, mapName)
	}
	return img, nil
}

// ReplicationCommit is a no-op on LocalPeer: this module's quorum calls
// already settle success/failure synchronously once W replicas ack, so
// there is no separate asynchronous commit phase to drive here.
func (lp *LocalPeer) ReplicationCommit(ReplicationName, bool, []ReplicationName) error { return nil }

func quorumFor(n int) int { return n/2 + 1 }

// Group is a coordinator's view of one replicated map's peer set: it
// issues quorum reads/writes and leaf-move negotiation across them.
type Group struct {
	coordinator HostID
	log         *logging.Entry
	loadSource  LoadSource
	maxTries    int

	mu      sync.RWMutex
	peers   map[HostID]Peer
	nextSeq atomic.Uint64
}

// NewGroup creates a Group coordinated by coordinator, fanning out to
// peers. maxTries bounds quorum-read retry attempts; <= 0 defaults to 3.
// loadSource nil defaults to ConstantLoadSource{} (Open Question 2).
func NewGroup(coordinator HostID, peers map[HostID]Peer, maxTries int, loadSource LoadSource) *Group {
	if maxTries <= 0 {
		maxTries = 3
	}
	if loadSource == nil {
		loadSource = ConstantLoadSource{}
	}
	cp := make(map[HostID]Peer, len(peers))
	for h, p := range peers {
		cp[h] = p
	}
	return &Group{
		coordinator: coordinator,
		log:         logging.New("replication.group"),
		loadSource:  loadSource,
		maxTries:    maxTries,
		peers:       cp,
	}
}

// AddPeer registers (or replaces) the Peer for host.
func (g *Group) AddPeer(host HostID, p Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[host] = p
}

// RemovePeer forgets host, e.g. after it is permanently decommissioned.
func (g *Group) RemovePeer(host HostID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, host)
}

// Peers returns a snapshot of the Group's current peer set, for callers
// (e.g. the server wiring layer) that need to reach a concrete Peer
// implementation directly — such as registering a newly opened map on
// every in-process LocalPeer.
func (g *Group) Peers() map[HostID]Peer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cp := make(map[HostID]Peer, len(g.peers))
	for h, p := range g.peers {
		cp[h] = p
	}
	return cp
}

func (g *Group) peerFor(host HostID) (Peer, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.peers[host]
	return p, ok
}

// NextReplicationName issues the next monotonically increasing name for a
// write this coordinator is about to broadcast.
func (g *Group) NextReplicationName() ReplicationName {
	seq := g.nextSeq.Add(1)
	return ReplicationName{Seq: seq, Coordinator: g.coordinator}
}

// QuorumGet reads key from mapName. If the owning leaf has no replica
// hosts recorded (an unsharded map), it reads m directly; otherwise it
// picks a random replica (kvutil.RandomReplica) and retries against a
// fresh random pick up to maxTries times on failure.
func (g *Group) QuorumGet(m *btree.Map, mapName string, key kv.Key) (kv.Value, bool, error) {
	hosts, err := m.ReplicaHostsForKey(key)
	if err != nil {
		return nil, false, err
	}
	if len(hosts) == 0 {
		return m.Get(key)
	}

	var lastErr error
	for attempt := 0; attempt < g.maxTries; attempt++ {
		host := hosts[kvutil.RandomReplica(len(hosts))]
		peer, ok := g.peerFor(host)
		if !ok {
			lastErr = kverrors.Invariantf("replication: no peer registered for host %q", host)
			continue
		}
		val, found, err := peer.Get(mapName, key)
		if err == nil {
			return val, found, nil
		}
		lastErr = err
	}
	g.log.WithError(lastErr).WithField("key", string(key)).Warn("quorum read exhausted all tries")
	return nil, false, kverrors.Quorumf("replication: quorum read failed after %d tries: %v", g.maxTries, lastErr)
}

type writeFunc func(p Peer, rn ReplicationName) error

// quorumWrite fans writeOp out to every host in hosts concurrently via
// errgroup, returning as soon as W = len(hosts)/2+1 of them succeed
// without waiting on the stragglers (the remaining goroutines still run
// to completion in the background; their outcomes are discarded once
// quorum is already reached).
func (g *Group) quorumWrite(hosts []HostID, op writeFunc) error {
	rn := g.NextReplicationName()
	need := quorumFor(len(hosts))
	results := make(chan error, len(hosts))

	var eg errgroup.Group
	for _, host := range hosts {
		host := host
		eg.Go(func() error {
			peer, ok := g.peerFor(host)
			if !ok {
				results <- kverrors.Invariantf("replication: no peer registered for host %q", host)
				return nil
			}
			results <- op(peer, rn)
			return nil
		})
	}
	go func() { _ = eg.Wait() }()

	succeeded := 0
	var lastErr error
	for i := 0; i < len(hosts); i++ {
		if err := <-results; err == nil {
			succeeded++
			if succeeded >= need {
				return nil
			}
		} else {
			lastErr = err
		}
	}
	g.log.WithError(lastErr).WithFields(map[string]interface{}{"succeeded": succeeded, "need": need}).Warn("write quorum not reached")
	return kverrors.Quorumf("replication: write quorum not reached (%d/%d, need %d): %v", succeeded, len(hosts), need, lastErr)
}

// QuorumPut writes key=val to mapName across key's replica set, declaring
// success once W replicas ack. Falls back to a direct local write when
// the leaf has no recorded replica hosts.
func (g *Group) QuorumPut(m *btree.Map, mapName string, key kv.Key, val kv.Value, addIfAbsent bool) error {
	hosts, err := m.ReplicaHostsForKey(key)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		if addIfAbsent {
			_, err := m.PutIfAbsent(key, val)
			return err
		}
		return m.Put(key, val)
	}
	return g.quorumWrite(hosts, func(p Peer, rn ReplicationName) error {
		_, err := p.Put(rn, mapName, key, val, addIfAbsent)
		return err
	})
}

// QuorumAppend reserves the next key on m's local maxKey counter (the same
// pre-reservation spec.md §4.1 requires of a plain, unreplicated Append)
// and then propagates that exact key/value to the rest of key's replica
// set via the ordinary Put RPC, so every replica ends up with the same
// generated key rather than each reserving its own maxKey independently.
// Falls back to a direct local Append when the leaf has no recorded
// replica hosts.
func (g *Group) QuorumAppend(m *btree.Map, mapName string, val kv.Value) (kv.Key, error) {
	key, err := m.Append(val)
	if err != nil {
		return nil, err
	}
	hosts, err := m.ReplicaHostsForKey(key)
	if err != nil {
		return key, err
	}
	if len(hosts) == 0 {
		return key, nil
	}
	err = g.quorumWrite(hosts, func(p Peer, rn ReplicationName) error {
		_, err := p.Put(rn, mapName, key, val, false)
		return err
	})
	return key, err
}

// QuorumRemove deletes key from mapName across its replica set.
func (g *Group) QuorumRemove(m *btree.Map, mapName string, key kv.Key) error {
	hosts, err := m.ReplicaHostsForKey(key)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		_, err := m.Remove(key)
		return err
	}
	return g.quorumWrite(hosts, func(p Peer, rn ReplicationName) error {
		_, err := p.Remove(rn, mapName, key)
		return err
	})
}

// NegotiateLeafMove broadcasts PrepareMoveLeafPage(plan) to every host in
// plan.NewReplicas and applies spec.md's quorum validation: (a) a
// MoverHostID with ≥W identical acks wins outright; (b) otherwise, if ≥W
// acks were collected at all (just disagreeing on mover), the
// lexicographically largest MoverHostID among them wins; (c) otherwise it
// returns accepted=false together with a CodeQuorum error, signalling that
// the round is to be retried with plan.Index+1.
func (g *Group) NegotiateLeafMove(plan LeafPageMovePlan) (accepted bool, winner HostID, err error) {
	hosts := plan.NewReplicas
	if len(hosts) == 0 {
		return false, "", kverrors.Invariantf("replication: leaf move plan for %q has no replicas", planKey(plan.PageKey))
	}
	need := quorumFor(len(hosts))

	type prepResult struct {
		ack PrepareAck
		err error
	}
	results := make([]prepResult, len(hosts))
	var eg errgroup.Group
	for i, host := range hosts {
		i, host := i, host
		eg.Go(func() error {
			peer, ok := g.peerFor(host)
			if !ok {
				results[i] = prepResult{err: kverrors.Invariantf("replication: no peer registered for host %q", host)}
				return nil
			}
			ack, perr := peer.PrepareMoveLeafPage(plan)
			results[i] = prepResult{ack: ack, err: perr}
			return nil
		})
	}
	_ = eg.Wait()

	tally := make(map[HostID]int)
	var lastErr error
	acked := 0
	for _, r := range results {
		if r.err != nil {
			lastErr = r.err
			continue
		}
		acked++
		tally[r.ack.MoverHostID]++
	}

	for id, count := range tally {
		if count >= need {
			return true, id, nil
		}
	}
	if acked >= need {
		ids := make([]HostID, 0, len(tally))
		for id := range tally {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
		return true, ids[0], nil
	}
	return false, "", kverrors.Quorumf("replication: leaf move prepare quorum not reached (%d/%d, need %d): %v", acked, len(hosts), need, lastErr)
}
