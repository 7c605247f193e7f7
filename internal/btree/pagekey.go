package btree

import "govetachun/treekv/pkg/kv"

// PageKey identifies a page's location in the tree for callers that need
// to resolve it again later (the replication layer's leaf-move protocol,
// in particular): the separator it was filed under, its first key, and its
// on-disk position. Equal ignores Pos, since a page's position changes
// every time it is rewritten but its place in the key space does not.
type PageKey struct {
	Sep   kv.Key
	First kv.Key
	Pos   PagePos
}

// Equal reports whether two PageKeys name the same logical page, ignoring
// where each currently happens to be persisted.
func (k PageKey) Equal(other PageKey, cmp kv.Comparator) bool {
	return cmp(k.Sep, other.Sep) == 0 && cmp(k.First, other.First) == 0
}
