package btree

import (
	"sort"

	"govetachun/treekv/pkg/kv"
	"govetachun/treekv/pkg/kverrors"
)

// Page fan-out bounds. Kept small and fixed rather than byte-budgeted
// against a page size, since entries here are opaque kv.Value slices of
// caller-chosen size rather than the teacher's fixed 4 KiB on-disk page.
// No byte-size budget is enforced anywhere, including internal/pagestore.
const (
	maxLeafEntries  = 32
	minLeafEntries  = maxLeafEntries / 4
	maxNodeChildren = 32
	minNodeChildren = maxNodeChildren / 4
)

// putMode selects which of Put/PutIfAbsent/Replace the shared leaf mutator
// implements.
type putMode int

const (
	modeUpsert putMode = iota
	modePutIfAbsent
	modeReplaceOnly
)

type splitResult struct {
	left, right page
	sep         kv.Key
}

// searchEntries returns the index of key in entries (found=true) or the
// index it would be inserted at (found=false) to keep entries sorted.
func searchEntries(cmp kv.Comparator, entries []entry, key kv.Key) (int, bool) {
	idx := sort.Search(len(entries), func(i int) bool { return cmp(entries[i].key, key) >= 0 })
	if idx < len(entries) && cmp(entries[idx].key, key) == 0 {
		return idx, true
	}
	return idx, false
}

// searchChildren returns the index of the child whose subtree key range
// contains key: the largest index whose separator is <= key.
func searchChildren(cmp kv.Comparator, children []childLink, key kv.Key) int {
	idx := sort.Search(len(children), func(i int) bool { return cmp(children[i].sep, key) > 0 })
	idx--
	if idx < 0 {
		idx = 0
	}
	return idx
}

func treeGet(cmp kv.Comparator, p page, key kv.Key) (kv.Value, bool, error) {
	switch n := p.(type) {
	case *remotePage:
		return nil, false, kverrors.Shiftedf("key is owned by a remote page")
	case *leafPage:
		idx, found := searchEntries(cmp, n.entries, key)
		if !found {
			return nil, false, nil
		}
		return n.entries[idx].val, true, nil
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		return treeGet(cmp, n.children[idx].ref.Load(), key)
	default:
		panic("btree: unknown page type")
	}
}

// treeInsert builds and returns the new version of p with key/val applied
// under mode. changed is false when the mode was a no-op (PutIfAbsent on an
// existing key, Replace on a missing one), in which case newPage == p.
// existed reports whether key already had a mapping before this call,
// regardless of mode, so the caller can keep an accurate Size.
func treeInsert(cmp kv.Comparator, p page, key kv.Key, val kv.Value, mode putMode, existed *bool) (newPage page, split *splitResult, changed bool, err error) {
	switch n := p.(type) {
	case *remotePage:
		return nil, nil, false, kverrors.Shiftedf("key is owned by a remote page")
	case *leafPage:
		newLeaf, changed, err := applyLeaf(cmp, n, key, val, mode, existed)
		if err != nil || !changed {
			return p, nil, changed, err
		}
		if len(newLeaf.entries) <= maxLeafEntries {
			return newLeaf, nil, true, nil
		}
		left, right := splitLeaf(newLeaf)
		return left, &splitResult{left: left, right: right, sep: right.firstKey()}, true, nil
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		child := n.children[idx].ref.Load()
		newChild, childSplit, changed, err := treeInsert(cmp, child, key, val, mode, existed)
		if err != nil || !changed {
			return p, nil, changed, err
		}
		newChildren := make([]childLink, len(n.children))
		copy(newChildren, n.children)
		if childSplit == nil {
			newChildren[idx] = childLink{sep: newChildren[idx].sep, ref: newPageReference(newChild)}
		} else {
			rest := append([]childLink{}, newChildren[idx+1:]...)
			newChildren[idx] = childLink{sep: newChildren[idx].sep, ref: newPageReference(childSplit.left)}
			right := childLink{sep: childSplit.sep, ref: newPageReference(childSplit.right)}
			newChildren = append(newChildren[:idx+1], append([]childLink{right}, rest...)...)
		}
		newNode := &nodePage{children: newChildren}
		if len(newChildren) <= maxNodeChildren {
			return newNode, nil, true, nil
		}
		leftNode, rightNode := splitNode(newNode)
		return leftNode, &splitResult{left: leftNode, right: rightNode, sep: rightNode.firstKey()}, true, nil
	default:
		panic("btree: unknown page type")
	}
}

func applyLeaf(cmp kv.Comparator, l *leafPage, key kv.Key, val kv.Value, mode putMode, existed *bool) (*leafPage, bool, error) {
	idx, found := searchEntries(cmp, l.entries, key)
	*existed = found
	switch mode {
	case modePutIfAbsent:
		if found {
			return l, false, nil
		}
		return insertAt(l, idx, key, val), true, nil
	case modeReplaceOnly:
		if !found {
			return l, false, nil
		}
		return replaceAt(l, idx, val), true, nil
	case modeUpsert:
		if found {
			return replaceAt(l, idx, val), true, nil
		}
		return insertAt(l, idx, key, val), true, nil
	default:
		panic("btree: unknown put mode")
	}
}

func insertAt(l *leafPage, idx int, key kv.Key, val kv.Value) *leafPage {
	entries := make([]entry, 0, len(l.entries)+1)
	entries = append(entries, l.entries[:idx]...)
	entries = append(entries, entry{key: key, val: val})
	entries = append(entries, l.entries[idx:]...)
	return &leafPage{entries: entries, replicaHosts: l.replicaHosts}
}

func replaceAt(l *leafPage, idx int, val kv.Value) *leafPage {
	entries := make([]entry, len(l.entries))
	copy(entries, l.entries)
	entries[idx] = entry{key: entries[idx].key, val: val}
	return &leafPage{entries: entries, replicaHosts: l.replicaHosts}
}

func splitLeaf(l *leafPage) (*leafPage, *leafPage) {
	mid := len(l.entries) / 2
	left := &leafPage{entries: append([]entry{}, l.entries[:mid]...), replicaHosts: l.replicaHosts}
	right := &leafPage{entries: append([]entry{}, l.entries[mid:]...), replicaHosts: l.replicaHosts}
	return left, right
}

func splitNode(n *nodePage) (*nodePage, *nodePage) {
	mid := len(n.children) / 2
	left := &nodePage{children: append([]childLink{}, n.children[:mid]...)}
	right := &nodePage{children: append([]childLink{}, n.children[mid:]...)}
	return left, right
}

// treeDelete builds and returns the new version of p with key removed.
// changed is false when key was not present.
func treeDelete(cmp kv.Comparator, p page, key kv.Key) (newPage page, changed bool, err error) {
	switch n := p.(type) {
	case *remotePage:
		return nil, false, kverrors.Shiftedf("key is owned by a remote page")
	case *leafPage:
		idx, found := searchEntries(cmp, n.entries, key)
		if !found {
			return p, false, nil
		}
		entries := make([]entry, 0, len(n.entries)-1)
		entries = append(entries, n.entries[:idx]...)
		entries = append(entries, n.entries[idx+1:]...)
		return &leafPage{entries: entries, replicaHosts: n.replicaHosts}, true, nil
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		newChild, changed, err := treeDelete(cmp, n.children[idx].ref.Load(), key)
		if err != nil || !changed {
			return p, changed, err
		}
		newChildren := make([]childLink, len(n.children))
		copy(newChildren, n.children)
		newChildren[idx] = childLink{sep: newChildren[idx].sep, ref: newPageReference(newChild)}
		newChildren = mergeIfNeeded(newChildren, idx)
		return &nodePage{children: newChildren}, true, nil
	default:
		panic("btree: unknown page type")
	}
}

func mergeIfNeeded(children []childLink, idx int) []childLink {
	child := children[idx].ref.Load()
	if pageSize(child) >= minSizeFor(child) || len(children) < 2 {
		return children
	}
	if idx > 0 {
		left := children[idx-1].ref.Load()
		if merged, ok := tryMerge(left, child); ok {
			out := make([]childLink, 0, len(children)-1)
			out = append(out, children[:idx-1]...)
			out = append(out, childLink{sep: children[idx-1].sep, ref: newPageReference(merged)})
			out = append(out, children[idx+1:]...)
			return out
		}
	}
	if idx+1 < len(children) {
		right := children[idx+1].ref.Load()
		if merged, ok := tryMerge(child, right); ok {
			out := make([]childLink, 0, len(children)-1)
			out = append(out, children[:idx]...)
			out = append(out, childLink{sep: children[idx].sep, ref: newPageReference(merged)})
			out = append(out, children[idx+2:]...)
			return out
		}
	}
	return children
}

func pageSize(p page) int {
	switch v := p.(type) {
	case *leafPage:
		return len(v.entries)
	case *nodePage:
		return len(v.children)
	default:
		return maxLeafEntries
	}
}

func minSizeFor(p page) int {
	if p.isLeaf() {
		return minLeafEntries
	}
	return minNodeChildren
}

func tryMerge(a, b page) (page, bool) {
	switch av := a.(type) {
	case *leafPage:
		bv, ok := b.(*leafPage)
		if !ok || len(av.entries)+len(bv.entries) > maxLeafEntries {
			return nil, false
		}
		entries := make([]entry, 0, len(av.entries)+len(bv.entries))
		entries = append(entries, av.entries...)
		entries = append(entries, bv.entries...)
		return &leafPage{entries: entries, replicaHosts: av.replicaHosts}, true
	case *nodePage:
		bv, ok := b.(*nodePage)
		if !ok || len(av.children)+len(bv.children) > maxNodeChildren {
			return nil, false
		}
		children := make([]childLink, 0, len(av.children)+len(bv.children))
		children = append(children, av.children...)
		children = append(children, bv.children...)
		return &nodePage{children: children}, true
	default:
		return nil, false
	}
}

func firstEntryInPage(p page) entry {
	switch n := p.(type) {
	case *leafPage:
		return n.entries[0]
	case *nodePage:
		return firstEntryInPage(n.children[0].ref.Load())
	default:
		panic("btree: remote page has no local entries")
	}
}

func lastEntryInPage(p page) entry {
	switch n := p.(type) {
	case *leafPage:
		return n.entries[len(n.entries)-1]
	case *nodePage:
		return lastEntryInPage(n.children[len(n.children)-1].ref.Load())
	default:
		panic("btree: remote page has no local entries")
	}
}

func floorInPage(cmp kv.Comparator, p page, key kv.Key) (entry, bool) {
	switch n := p.(type) {
	case *leafPage:
		idx, found := searchEntries(cmp, n.entries, key)
		if found {
			return n.entries[idx], true
		}
		if idx-1 >= 0 {
			return n.entries[idx-1], true
		}
		return entry{}, false
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		if e, ok := floorInPage(cmp, n.children[idx].ref.Load(), key); ok {
			return e, true
		}
		if idx > 0 {
			return lastEntryInPage(n.children[idx-1].ref.Load()), true
		}
		return entry{}, false
	default:
		return entry{}, false
	}
}

func ceilingInPage(cmp kv.Comparator, p page, key kv.Key) (entry, bool) {
	switch n := p.(type) {
	case *leafPage:
		idx, found := searchEntries(cmp, n.entries, key)
		if found {
			return n.entries[idx], true
		}
		if idx < len(n.entries) {
			return n.entries[idx], true
		}
		return entry{}, false
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		if e, ok := ceilingInPage(cmp, n.children[idx].ref.Load(), key); ok {
			return e, true
		}
		if idx+1 < len(n.children) {
			return firstEntryInPage(n.children[idx+1].ref.Load()), true
		}
		return entry{}, false
	default:
		return entry{}, false
	}
}

func higherInPage(cmp kv.Comparator, p page, key kv.Key) (entry, bool) {
	switch n := p.(type) {
	case *leafPage:
		idx, found := searchEntries(cmp, n.entries, key)
		if found {
			idx++
		}
		if idx < len(n.entries) {
			return n.entries[idx], true
		}
		return entry{}, false
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		if e, ok := higherInPage(cmp, n.children[idx].ref.Load(), key); ok {
			return e, true
		}
		if idx+1 < len(n.children) {
			return firstEntryInPage(n.children[idx+1].ref.Load()), true
		}
		return entry{}, false
	default:
		return entry{}, false
	}
}

func lowerInPage(cmp kv.Comparator, p page, key kv.Key) (entry, bool) {
	switch n := p.(type) {
	case *leafPage:
		idx, _ := searchEntries(cmp, n.entries, key)
		cand := idx - 1
		if cand >= 0 {
			return n.entries[cand], true
		}
		return entry{}, false
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		if e, ok := lowerInPage(cmp, n.children[idx].ref.Load(), key); ok {
			return e, true
		}
		if idx > 0 {
			return lastEntryInPage(n.children[idx-1].ref.Load()), true
		}
		return entry{}, false
	default:
		return entry{}, false
	}
}

// leafHostsForKey finds the leaf owning key and returns its replica host
// list. Returns nil, nil for a leaf with replication disabled.
func leafHostsForKey(cmp kv.Comparator, p page, key kv.Key) ([]HostID, error) {
	switch n := p.(type) {
	case *remotePage:
		return n.replicaHosts, nil
	case *leafPage:
		return n.replicaHosts, nil
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		return leafHostsForKey(cmp, n.children[idx].ref.Load(), key)
	default:
		panic("btree: unknown page type")
	}
}

// setLeafHosts rebuilds the path to the leaf owning key with its replica
// host list replaced by hosts.
func setLeafHosts(cmp kv.Comparator, p page, key kv.Key, hosts []HostID) (page, error) {
	switch n := p.(type) {
	case *remotePage:
		return &remotePage{first: n.first, replicaHosts: hosts}, nil
	case *leafPage:
		entries := append([]entry{}, n.entries...)
		return &leafPage{entries: entries, replicaHosts: hosts}, nil
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		newChild, err := setLeafHosts(cmp, n.children[idx].ref.Load(), key, hosts)
		if err != nil {
			return nil, err
		}
		children := make([]childLink, len(n.children))
		copy(children, n.children)
		children[idx] = childLink{sep: children[idx].sep, ref: newPageReference(newChild)}
		return &nodePage{children: children}, nil
	default:
		panic("btree: unknown page type")
	}
}

// markLeafRemote replaces the leaf owning key with a remotePage stub. The
// leaf's entries are discarded locally; the caller is responsible for
// having already replicated them to hosts before calling this (the second
// phase of the C7 leaf-move protocol).
func markLeafRemote(cmp kv.Comparator, p page, key kv.Key, hosts []HostID) (page, error) {
	switch n := p.(type) {
	case *remotePage:
		return &remotePage{first: n.first, replicaHosts: hosts}, nil
	case *leafPage:
		return &remotePage{first: n.firstKey(), replicaHosts: hosts}, nil
	case *nodePage:
		idx := searchChildren(cmp, n.children, key)
		newChild, err := markLeafRemote(cmp, n.children[idx].ref.Load(), key, hosts)
		if err != nil {
			return nil, err
		}
		children := make([]childLink, len(n.children))
		copy(children, n.children)
		children[idx] = childLink{sep: children[idx].sep, ref: newPageReference(newChild)}
		return &nodePage{children: children}, nil
	default:
		panic("btree: unknown page type")
	}
}

func countEntries(p page) int64 {
	switch n := p.(type) {
	case *leafPage:
		return int64(len(n.entries))
	case *nodePage:
		var total int64
		for _, c := range n.children {
			total += countEntries(c.ref.Load())
		}
		return total
	default:
		return 0
	}
}
