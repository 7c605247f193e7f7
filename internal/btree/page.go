// Package btree implements the copy-on-write B+tree map (C2): lock-free
// reads via atomic page-reference loads, and structural writes that build a
// new path from the changed leaf to the root and publish it with a single
// compare-and-swap on the root reference.
package btree

import "govetachun/treekv/pkg/kv"

// PagePos identifies a page's location once persisted. A page still only
// resident in memory (not yet written to the page store) carries PosNone.
type PagePos uint64

// PosNone marks a page that has never been flushed to the page store.
const PosNone PagePos = 0

// HostID names a replication peer by address ("host:port"), matching the
// InitReplicationNodes entries in internal/config.
type HostID string

// page is the tagged union of the three page shapes a PageReference can
// point to: a leaf holding entries, an internal node holding child links,
// or a remote stub for a leaf whose authoritative copy lives on another
// host in sharding mode (C7).
type page interface {
	// firstKey returns the smallest key reachable under this page, used to
	// build separator keys in the parent when this page is linked in.
	firstKey() kv.Key
	// isLeaf reports whether this page holds entries directly.
	isLeaf() bool
}

// entry is one key/value pair stored in a leaf page, in ascending key
// order.
type entry struct {
	key kv.Key
	val kv.Value
}

// leafPage holds a page's worth of sorted entries plus the set of hosts
// that replicate it in sharding mode (nil when replication is off).
type leafPage struct {
	entries      []entry
	replicaHosts []HostID
}

func (l *leafPage) isLeaf() bool { return true }
func (l *leafPage) firstKey() kv.Key {
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[0].key
}

// childLink pairs a child subtree with the separator key under which it was
// filed in its parent: every key k reachable through ref is strictly less
// than the next sibling's sep. The first child also receives keys smaller
// than its own sep, since descent sends any key below every separator to
// index 0.
type childLink struct {
	sep kv.Key
	ref *PageReference
}

// nodePage is an internal node: an ordered list of child links. The first
// link's sep is the node's firstKey; it is not lowered when a smaller key
// is later inserted into the first child.
type nodePage struct {
	children []childLink
}

func (n *nodePage) isLeaf() bool { return false }
func (n *nodePage) firstKey() kv.Key {
	if len(n.children) == 0 {
		return nil
	}
	return n.children[0].ref.Load().firstKey()
}

// remotePage stands in for a leaf whose authoritative copy has moved to
// replicaHosts under sharding; any read or write against it must go through
// internal/replication rather than being served locally.
type remotePage struct {
	first        kv.Key
	replicaHosts []HostID
}

func (r *remotePage) isLeaf() bool  { return true }
func (r *remotePage) firstKey() kv.Key { return r.first }

// isRemote reports whether p is a remotePage, the one page kind the tree
// layer cannot resolve locally.
func isRemote(p page) bool {
	_, ok := p.(*remotePage)
	return ok
}
