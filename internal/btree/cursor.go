package btree

import "govetachun/treekv/pkg/kv"

// Cursor walks entries in ascending key order over [from, to). A nil from
// starts at the first key; a nil to runs to the end. Cursor copies the
// in-range entries of the root it was opened against into a slice at open
// time, so it is unaffected by writes that land after it opens.
type Cursor struct {
	entries []entry
	pos     int
}

// Cursor opens a range scan. pageKeys, when supplied, restricts the scan
// to entries reachable under those PageKeys' subtrees only.
func (m *Map) Cursor(from, to kv.Key, pageKeys ...PageKey) *Cursor {
	m.latch.RLock()
	root := m.root.Load()
	m.latch.RUnlock()

	var all []entry
	if len(pageKeys) == 0 {
		all = collectEntries(root)
	} else {
		for _, pk := range pageKeys {
			all = append(all, collectEntries(subtreeAt(m.cmp, root, pk.First))...)
		}
	}

	lo, hi := 0, len(all)
	if from != nil {
		lo = lowerBound(m.cmp, all, from)
	}
	if to != nil {
		hi = lowerBound(m.cmp, all, to)
	}
	if lo > hi {
		lo = hi
	}
	return &Cursor{entries: all[lo:hi]}
}

// Next advances the cursor and reports whether a new entry is available.
func (c *Cursor) Next() bool {
	if c.pos >= len(c.entries) {
		return false
	}
	c.pos++
	return true
}

// Key and Value return the current entry. Valid only after Next returned
// true.
func (c *Cursor) Key() kv.Key     { return c.entries[c.pos-1].key }
func (c *Cursor) Value() kv.Value { return c.entries[c.pos-1].val }

func lowerBound(cmp kv.Comparator, entries []entry, key kv.Key) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(entries[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// subtreeAt descends to the leaf owning first and returns it as a page on
// its own, for a PageKey-scoped Cursor.
func subtreeAt(cmp kv.Comparator, p page, first kv.Key) page {
	n, ok := p.(*nodePage)
	if !ok {
		return p
	}
	idx := searchChildren(cmp, n.children, first)
	return subtreeAt(cmp, n.children[idx].ref.Load(), first)
}
