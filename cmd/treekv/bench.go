package main

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"govetachun/treekv/internal/btree"
	"govetachun/treekv/internal/config"
	"govetachun/treekv/internal/replication"
	"govetachun/treekv/pkg/kv"
)

// encodeInt renders n as a fixed-width big-endian key so kv.BytesComparator
// (plain byte comparison) sorts keys in numeric order.
func encodeInt(n uint32) kv.Key {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return kv.Key(b)
}

// halfway returns a key strictly between encodeInt(n) and encodeInt(n+1):
// appending a byte to n's encoding keeps it greater than n's own key (a
// byte-equal prefix with extra trailing bytes always sorts after) while
// still comparing less than n+1's encoding, since their first four bytes
// already differ.
func halfway(n uint32) kv.Key {
	return append(encodeInt(n), 0xFF)
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "run the S1/S2/S5/S6 end-to-end scenarios as a smoke test",
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarios := []struct {
				name string
				run  func() error
			}{
				{"S1 sequential insert/read", scenarioS1},
				{"S2 concurrent put/get", scenarioS2},
				{"S5 quorum write with one replica down", scenarioS5},
				{"S6 leaf move under split", scenarioS6},
			}

			failed := 0
			for _, sc := range scenarios {
				if err := sc.run(); err != nil {
					fmt.Printf("FAIL %s: %v\n", sc.name, err)
					failed++
					continue
				}
				fmt.Printf("PASS %s\n", sc.name)
			}
			if failed > 0 {
				return fmt.Errorf("bench: %d scenario(s) failed", failed)
			}
			return nil
		},
	}
	return cmd
}

func scenarioS1() error {
	m := btree.NewMap("s1", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
	for i := uint32(1); i <= 1000; i++ {
		if err := m.Put(encodeInt(i), kv.Value(fmt.Sprintf("v%d", i))); err != nil {
			return err
		}
	}
	if got := m.Size(); got != 1000 {
		return fmt.Errorf("size = %d, want 1000", got)
	}
	first, ok := m.FirstKey()
	if !ok || binary.BigEndian.Uint32(first) != 1 {
		return fmt.Errorf("firstKey = %v, want 1", first)
	}
	last, ok := m.LastKey()
	if !ok || binary.BigEndian.Uint32(last) != 1000 {
		return fmt.Errorf("lastKey = %v, want 1000", last)
	}
	floor, ok := m.FloorKey(halfway(500))
	if !ok || binary.BigEndian.Uint32(floor) != 500 {
		return fmt.Errorf("floorKey(500.5) = %v, want 500", floor)
	}
	ceil, ok := m.CeilingKey(halfway(500))
	if !ok || binary.BigEndian.Uint32(ceil) != 501 {
		return fmt.Errorf("ceilingKey(500.5) = %v, want 501", ceil)
	}
	return nil
}

func scenarioS2() error {
	m := btree.NewMap("s2", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	writer := func(from, to uint32) {
		defer wg.Done()
		for i := from; i <= to; i++ {
			_ = m.Put(encodeInt(i), kv.Value(fmt.Sprintf("v%d", i)))
		}
	}
	go writer(1, 500)
	go writer(501, 1000)
	wg.Wait()

	cur := m.Cursor(encodeInt(1), encodeInt(1001))
	var prev uint32
	count := 0
	for cur.Next() {
		n := binary.BigEndian.Uint32(cur.Key())
		if count > 0 && n <= prev {
			return fmt.Errorf("cursor not strictly ascending at %d after %d", n, prev)
		}
		prev, count = n, count+1
	}
	if count != 1000 {
		return fmt.Errorf("cursor visited %d keys, want 1000", count)
	}
	return nil
}

func scenarioS5() error {
	hostA, hostB, hostC := replication.HostID("a:9000"), replication.HostID("b:9000"), replication.HostID("c:9000")
	m := btree.NewMap("s5", config.Default(), kv.BytesComparator, kv.RawSerializer{}, nil)
	key := kv.Key("replicated-key")
	if err := m.Put(key, kv.Value("seed")); err != nil {
		return err
	}
	if err := m.SetReplicaHostsForKey(key, []btree.HostID{hostA, hostB, hostC}); err != nil {
		return err
	}

	peerA := replication.NewLocalPeer(hostA)
	peerB := replication.NewLocalPeer(hostB)
	peerA.RegisterMap("s5", m)
	peerB.RegisterMap("s5", m)
	down := &downPeer{host: hostC}

	g := replication.NewGroup("coord:9000", map[replication.HostID]replication.Peer{
		hostA: peerA, hostB: peerB, hostC: down,
	}, 3, nil)

	if err := g.QuorumPut(m, "s5", key, kv.Value("v2"), false); err != nil {
		return fmt.Errorf("quorum put with one replica down: %w", err)
	}

	val, found, err := m.Get(key)
	if err != nil {
		return err
	}
	if !found || string(val) != "v2" {
		return fmt.Errorf("local read after quorum write = %q, want v2", val)
	}
	return nil
}

// downPeer simulates a replica that has stopped responding.
type downPeer struct{ host replication.HostID }

func (d *downPeer) Host() replication.HostID { return d.host }
func (d *downPeer) Get(string, kv.Key) (kv.Value, bool, error) {
	return nil, false, fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) Put(replication.ReplicationName, string, kv.Key, kv.Value, bool) (bool, error) {
	return false, fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) Append(replication.ReplicationName, string, kv.Value) (kv.Key, error) {
	return nil, fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) Replace(replication.ReplicationName, string, kv.Key, kv.Value) (bool, error) {
	return false, fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) Remove(replication.ReplicationName, string, kv.Key) (bool, error) {
	return false, fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) PrepareMoveLeafPage(replication.LeafPageMovePlan) (replication.PrepareAck, error) {
	return replication.PrepareAck{}, fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) MoveLeafPage(string, btree.PageKey, []byte, bool) error {
	return fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) RemoveLeafPage(string, btree.PageKey) error {
	return fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) ReadRemotePage(string, btree.PageKey) ([]byte, error) {
	return nil, fmt.Errorf("%s: down", d.host)
}
func (d *downPeer) ReplicationCommit(replication.ReplicationName, bool, []replication.ReplicationName) error {
	return fmt.Errorf("%s: down", d.host)
}

func scenarioS6() error {
	hostA, hostB, hostC := replication.HostID("a:9000"), replication.HostID("b:9000"), replication.HostID("c:9000")

	cfg := config.Default()
	cfg.IsShardingMode = true
	m := btree.NewMap("s6", cfg, kv.BytesComparator, kv.RawSerializer{}, nil)

	var splitKey btree.PageKey
	var splitSeen bool
	m.OnLeafPageSplit(func(old, left, right btree.PageKey) {
		splitKey, splitSeen = right, true
	})

	for i := uint32(0); i < 400; i++ {
		val := make([]byte, 64)
		if err := m.Put(encodeInt(i), kv.Value(val)); err != nil {
			return err
		}
	}
	if !splitSeen {
		return fmt.Errorf("no leaf split observed after 400 inserts")
	}

	original := []replication.HostID{hostA, hostB, hostC}
	if err := m.SetReplicaHostsForKey(splitKey.First, []btree.HostID{hostA, hostB, hostC}); err != nil {
		return err
	}

	peerA, peerB, peerC := replication.NewLocalPeer(hostA), replication.NewLocalPeer(hostB), replication.NewLocalPeer(hostC)
	for _, p := range []*replication.LocalPeer{peerA, peerB, peerC} {
		p.RegisterMap("s6", m)
	}
	g := replication.NewGroup("coord:9000", map[replication.HostID]replication.Peer{
		hostA: peerA, hostB: peerB, hostC: peerC,
	}, 3, nil)

	newReplicas := []replication.HostID{hostA, hostB}
	plan := replication.LeafPageMovePlan{
		MoverHostID: hostA,
		NewReplicas: original,
		PageKey:     splitKey,
		Index:       1,
	}
	accepted, winner, err := g.NegotiateLeafMove(plan)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("leaf move negotiation not accepted")
	}
	_ = winner

	if err := m.SetReplicaHostsForKey(splitKey.First, newReplicas); err != nil {
		return err
	}
	if err := m.MarkRemote(splitKey.First, []btree.HostID{hostC}); err != nil {
		return err
	}

	hosts, err := m.ReplicaHostsForKey(splitKey.First)
	if err != nil {
		return err
	}
	if len(hosts) != 1 || hosts[0] != hostC {
		return fmt.Errorf("remote marker hosts = %v, want [%s]", hosts, hostC)
	}
	return nil
}
