package btree

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"govetachun/treekv/pkg/kv"
	"govetachun/treekv/pkg/kverrors"
)

// Snapshot serializes every entry in the map, in key order, into a flat
// byte image internal/pagestore appends to its chunk file: a 4-byte entry
// count, each entry as length-prefixed key/encoded-value, and a trailing
// CRC32 checksum over everything before it. internal/pagestore owns the
// MapSize/replica-list header around this image (spec.md §6); this layer only knows how to turn its tree into bytes and back.
func (m *Map) Snapshot() []byte {
	m.latch.RLock()
	defer m.latch.RUnlock()
	entries := collectEntries(m.root.Load())

	buf := make([]byte, 4, 4096)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		encVal := m.ser.Encode(e.val)
		var lenBuf [8]byte
		binary.LittleEndian.PutUint32(lenBuf[0:4], uint32(len(e.key)))
		binary.LittleEndian.PutUint32(lenBuf[4:8], uint32(len(encVal)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, e.key...)
		buf = append(buf, encVal...)
	}
	sum := crc32.ChecksumIEEE(buf)
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	return append(buf, sumBuf[:]...)
}

// Restore rebuilds the map's contents from a byte image produced by
// Snapshot, replacing whatever the map currently holds. It rejects an
// image whose trailing CRC32 does not match, per spec.md §6's corrupt
// chunk invariant.
func (m *Map) Restore(data []byte) error {
	if len(data) < 8 {
		return kverrors.Invariantf("map %q: snapshot too short (%d bytes)", m.name, len(data))
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	want := binary.LittleEndian.Uint32(trailer)
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return kverrors.Invariantf("map %q: snapshot checksum mismatch (want %x, got %x)", m.name, want, got)
	}
	count := binary.LittleEndian.Uint32(body[0:4])
	pos := 4
	entries := make([]entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+8 > len(body) {
			return kverrors.Invariantf("map %q: snapshot truncated at entry %d", m.name, i)
		}
		klen := binary.LittleEndian.Uint32(body[pos : pos+4])
		vlen := binary.LittleEndian.Uint32(body[pos+4 : pos+8])
		pos += 8
		if pos+int(klen)+int(vlen) > len(body) {
			return kverrors.Invariantf("map %q: snapshot truncated at entry %d", m.name, i)
		}
		key := append(kv.Key{}, body[pos:pos+int(klen)]...)
		pos += int(klen)
		encVal := body[pos : pos+int(vlen)]
		pos += int(vlen)
		entries = append(entries, entry{key: key, val: m.ser.Decode(encVal)})
	}
	sort.Slice(entries, func(i, j int) bool { return m.cmp(entries[i].key, entries[j].key) < 0 })

	m.latch.Lock()
	defer m.latch.Unlock()
	m.root.store(bulkLoad(entries))
	m.size.Store(int64(len(entries)))
	return nil
}

// collectEntries flattens a page's subtree into a sorted slice, left to
// right.
func collectEntries(p page) []entry {
	switch n := p.(type) {
	case *leafPage:
		return append([]entry{}, n.entries...)
	case *nodePage:
		var out []entry
		for _, c := range n.children {
			out = append(out, collectEntries(c.ref.Load())...)
		}
		return out
	default:
		return nil
	}
}

// bulkLoad builds a minimal-height tree from pre-sorted entries, used by
// Restore to avoid len(entries) individual Put calls.
func bulkLoad(entries []entry) page {
	if len(entries) == 0 {
		return &leafPage{}
	}
	leaves := make([]page, 0, len(entries)/maxLeafEntries+1)
	for i := 0; i < len(entries); i += maxLeafEntries {
		end := i + maxLeafEntries
		if end > len(entries) {
			end = len(entries)
		}
		leaves = append(leaves, &leafPage{entries: append([]entry{}, entries[i:end]...)})
	}
	level := leaves
	for len(level) > 1 {
		var next []page
		for i := 0; i < len(level); i += maxNodeChildren {
			end := i + maxNodeChildren
			if end > len(level) {
				end = len(level)
			}
			children := make([]childLink, 0, end-i)
			for _, p := range level[i:end] {
				children = append(children, childLink{sep: p.firstKey(), ref: newPageReference(p)})
			}
			next = append(next, &nodePage{children: children})
		}
		level = next
	}
	return level[0]
}
