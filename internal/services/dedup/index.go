package dedup

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// maxCandidates bounds how many index hits one check will score.
const maxCandidates = 64

// memoryIndex holds the two probe structures the verdict ladder walks: LSH
// band buckets over MinHash signatures and 16-bit chunk buckets over
// SimHash values. Entries are added on store and rebuilt from persistence
// at startup; deletions are handled lazily by skipping hashes that no
// longer load.
type memoryIndex struct {
	bands int
	rows  int

	mu         sync.RWMutex
	lshBuckets map[uint64][]string
	simChunks  [4]map[uint16][]simEntry
}

type simEntry struct {
	urlHash string
	simhash uint64
}

func newMemoryIndex(bands, permutations int) *memoryIndex {
	rows := permutations / bands
	if rows < 1 {
		rows = 1
	}
	idx := &memoryIndex{
		bands:      bands,
		rows:       rows,
		lshBuckets: make(map[uint64][]string),
	}
	for i := range idx.simChunks {
		idx.simChunks[i] = make(map[uint16][]simEntry)
	}
	return idx
}

// add indexes one stored fingerprint.
func (idx *memoryIndex) add(urlHash string, minhash []uint64, simhash uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for band := 0; band < idx.bands; band++ {
		key, ok := idx.bandKey(band, minhash)
		if !ok {
			break
		}
		idx.lshBuckets[key] = append(idx.lshBuckets[key], urlHash)
	}

	entry := simEntry{urlHash: urlHash, simhash: simhash}
	for i := range idx.simChunks {
		chunk := uint16(simhash >> (uint(i) * 16))
		idx.simChunks[i][chunk] = append(idx.simChunks[i][chunk], entry)
	}
}

// lshCandidates returns URL hashes sharing at least one full band with the
// signature. Two documents with Jaccard similarity s collide on a band with
// probability s^rows, so high-similarity pairs surface reliably.
func (idx *memoryIndex) lshCandidates(minhash []uint64, selfHash string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for band := 0; band < idx.bands; band++ {
		key, ok := idx.bandKey(band, minhash)
		if !ok {
			break
		}
		for _, hash := range idx.lshBuckets[key] {
			if hash == selfHash || seen[hash] {
				continue
			}
			seen[hash] = true
			out = append(out, hash)
			if len(out) >= maxCandidates {
				return out
			}
		}
	}
	return out
}

// simCandidates returns entries sharing at least one 16-bit chunk with the
// SimHash; any pair within Hamming distance 3 must share a chunk.
func (idx *memoryIndex) simCandidates(simhash uint64, selfHash string) []simEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]bool)
	var out []simEntry
	for i := range idx.simChunks {
		chunk := uint16(simhash >> (uint(i) * 16))
		for _, entry := range idx.simChunks[i][chunk] {
			if entry.urlHash == selfHash || seen[entry.urlHash] {
				continue
			}
			seen[entry.urlHash] = true
			out = append(out, entry)
			if len(out) >= maxCandidates {
				return out
			}
		}
	}
	return out
}

// reset drops all index state; used before a rebuild.
func (idx *memoryIndex) reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.lshBuckets = make(map[uint64][]string)
	for i := range idx.simChunks {
		idx.simChunks[i] = make(map[uint16][]simEntry)
	}
}

// bandKey hashes one band's rows into a bucket key. Called with idx.mu held.
func (idx *memoryIndex) bandKey(band int, minhash []uint64) (uint64, bool) {
	start := band * idx.rows
	end := start + idx.rows
	if end > len(minhash) {
		return 0, false
	}

	var buf [8]byte
	digest := xxhash.New()
	binary.LittleEndian.PutUint64(buf[:], uint64(band))
	_, _ = digest.Write(buf[:])
	for _, v := range minhash[start:end] {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = digest.Write(buf[:])
	}
	return digest.Sum64(), true
}
