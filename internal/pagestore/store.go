// Package pagestore implements the page store (C1): a chunked append-only
// file that holds successive whole-map snapshots, each framed by a length
// prefix, a header of {magic, MapSize, ReplicaList, body length} and a
// trailing CRC32, plus an in-memory backing mode for Config.InMemory. No
// RootPos is stored; a chunk's file offset serves as its position. Every
// Save appends a new chunk rather than rewriting in place, so a crash
// mid-write leaves the previous chunk's bytes intact. Loading a store reads
// its last chunk; if any chunk is truncated or fails its checksum, Load
// returns a CodeInvariant error rather than falling back to an earlier one.
package pagestore

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"govetachun/treekv/internal/btree"
	"govetachun/treekv/internal/config"
	"govetachun/treekv/internal/logging"
	"govetachun/treekv/pkg/kverrors"
)

// chunkMagic tags the start of every chunk so a reader scanning forward
// can tell a chunk header from stray bytes.
const chunkMagic = 0x54724b76 // "TrKv"

// Store owns one page-store file (or, in Config.InMemory mode, one
// in-memory byte buffer standing in for it).
type Store struct {
	cfg  config.Config
	path string
	log  *logging.Entry

	mu       sync.Mutex
	file     *os.File
	inMemory bool
	memChunk []byte

	lastRootPos int64
}

// Open creates or opens the page-store file at path. In Config.InMemory
// mode path is never touched and the store keeps its single chunk in a
// byte slice instead.
func Open(path string, cfg config.Config) (*Store, error) {
	s := &Store{cfg: cfg, path: path, log: logging.New("pagestore")}
	if cfg.InMemory {
		s.inMemory = true
		return s, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, kverrors.New(kverrors.CodeInvariant, "pagestore: open", err)
	}
	s.file = f
	return s, nil
}

// Save appends a new chunk holding m's full snapshot and returns the
// offset the chunk was written at (its RootPos).
func (s *Store) Save(m *btree.Map) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := m.Snapshot()
	hosts := allReplicaHosts(m)
	chunk := encodeChunk(uint64(m.Size()), hosts, body)

	if s.inMemory {
		pos := int64(len(s.memChunk))
		s.memChunk = append(s.memChunk, chunk...)
		s.lastRootPos = pos
		return pos, nil
	}
	pos, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, kverrors.New(kverrors.CodeInvariant, "pagestore: seek", err)
	}
	if _, err := s.file.Write(chunk); err != nil {
		return 0, kverrors.New(kverrors.CodeInvariant, "pagestore: write", err)
	}
	s.lastRootPos = pos
	return pos, nil
}

// ForceSave is Save followed by fsync, for callers that need a durability
// barrier.
func (s *Store) ForceSave(m *btree.Map) (int64, error) {
	pos, err := s.Save(m)
	if err != nil {
		return 0, err
	}
	if s.inMemory {
		return pos, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return 0, kverrors.New(kverrors.CodeInvariant, "pagestore: fsync", err)
	}
	return pos, nil
}

// Load reads the last chunk written and restores m's contents from it. A
// freshly created, never-saved store leaves m untouched.
func (s *Store) Load(m *btree.Map) error {
	s.mu.Lock()
	data, err := s.allBytes()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, _, body, err := decodeLastChunk(data)
	if err != nil {
		return err
	}
	return m.Restore(body)
}

func (s *Store) allBytes() ([]byte, error) {
	if s.inMemory {
		return s.memChunk, nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, kverrors.New(kverrors.CodeInvariant, "pagestore: seek", err)
	}
	data, err := io.ReadAll(s.file)
	if err != nil {
		return nil, kverrors.New(kverrors.CodeInvariant, "pagestore: read", err)
	}
	return data, nil
}

// LastRootPos returns the offset of the most recent chunk this Store
// instance wrote, for the replication layer to tag a PageKey with.
func (s *Store) LastRootPos() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRootPos
}

// Close releases the underlying file handle. A no-op in in-memory mode.
func (s *Store) Close() error {
	if s.inMemory {
		return nil
	}
	return s.file.Close()
}

func allReplicaHosts(m *btree.Map) []btree.HostID {
	first, ok := m.FirstKey()
	if !ok {
		return nil
	}
	hosts, err := m.ReplicaHostsForKey(first)
	if err != nil {
		return nil
	}
	return hosts
}

// encodeChunk frames body (itself already self-checksummed by
// btree.Map.Snapshot) with a {magic, MapSize, ReplicaList, body length}
// header and a CRC32 trailer over everything before it, plus a length
// prefix so a reader can scan chunk by chunk without needing to parse
// body's own internal layout.
func encodeChunk(mapSize uint64, hosts []btree.HostID, body []byte) []byte {
	var hostsBuf []byte
	for _, h := range hosts {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(h)))
		hostsBuf = append(hostsBuf, lenBuf[:]...)
		hostsBuf = append(hostsBuf, []byte(h)...)
	}

	header := make([]byte, 0, 32+len(hostsBuf))
	var magicBuf, hostCountBuf, bodyLenBuf [4]byte
	binary.LittleEndian.PutUint32(magicBuf[:], chunkMagic)
	var mapSizeBuf [8]byte
	binary.LittleEndian.PutUint64(mapSizeBuf[:], mapSize)
	binary.LittleEndian.PutUint32(hostCountBuf[:], uint32(len(hosts)))
	binary.LittleEndian.PutUint32(bodyLenBuf[:], uint32(len(body)))

	header = append(header, magicBuf[:]...)
	header = append(header, mapSizeBuf[:]...)
	header = append(header, hostCountBuf[:]...)
	header = append(header, hostsBuf...)
	header = append(header, bodyLenBuf[:]...)

	chunk := make([]byte, 0, 4+len(header)+len(body)+4)
	var chunkLenBuf [4]byte
	binary.LittleEndian.PutUint32(chunkLenBuf[:], uint32(len(header)+len(body)))
	chunk = append(chunk, chunkLenBuf[:]...)
	chunk = append(chunk, header...)
	chunk = append(chunk, body...)

	sum := crc32.ChecksumIEEE(chunk)
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	return append(chunk, sumBuf[:]...)
}

// decodeLastChunk scans data chunk by chunk (each self-describing via its
// length prefix) and returns the header fields and body of the final one.
func decodeLastChunk(data []byte) (mapSize uint64, hosts []btree.HostID, body []byte, err error) {
	var offset int
	var lastStart, lastEnd int
	for offset < len(data) {
		if offset+4 > len(data) {
			return 0, nil, nil, kverrors.Invariantf("pagestore: truncated chunk length at offset %d", offset)
		}
		chunkLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		total := 4 + chunkLen + 4
		if offset+total > len(data) {
			return 0, nil, nil, kverrors.Invariantf("pagestore: truncated chunk at offset %d", offset)
		}
		chunk := data[offset : offset+total]
		gotSum := binary.LittleEndian.Uint32(chunk[len(chunk)-4:])
		wantSum := crc32.ChecksumIEEE(chunk[:len(chunk)-4])
		if gotSum != wantSum {
			return 0, nil, nil, kverrors.Invariantf("pagestore: chunk checksum mismatch at offset %d", offset)
		}
		lastStart, lastEnd = offset, offset+total
		offset += total
	}
	if lastEnd == 0 {
		return 0, nil, nil, kverrors.Invariantf("pagestore: no chunks found")
	}
	return parseChunk(data[lastStart:lastEnd])
}

func parseChunk(chunk []byte) (mapSize uint64, hosts []btree.HostID, body []byte, err error) {
	pos := 4 // skip length prefix
	magic := binary.LittleEndian.Uint32(chunk[pos : pos+4])
	if magic != chunkMagic {
		return 0, nil, nil, kverrors.Invariantf("pagestore: bad chunk magic %x", magic)
	}
	pos += 4
	mapSize = binary.LittleEndian.Uint64(chunk[pos : pos+8])
	pos += 8
	hostCount := binary.LittleEndian.Uint32(chunk[pos : pos+4])
	pos += 4
	for i := uint32(0); i < hostCount; i++ {
		hlen := binary.LittleEndian.Uint32(chunk[pos : pos+4])
		pos += 4
		hosts = append(hosts, btree.HostID(chunk[pos:pos+int(hlen)]))
		pos += int(hlen)
	}
	bodyLen := binary.LittleEndian.Uint32(chunk[pos : pos+4])
	pos += 4
	body = chunk[pos : pos+int(bodyLen)]
	return mapSize, hosts, body, nil
}
