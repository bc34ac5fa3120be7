// Package filter implements a Bloom filter block for SST files.
//
// Unlike a single whole-table filter, the filter block here is split across
// the file's 2 KiB data-block offset ranges: every time a data block starts
// past a range boundary, the keys accumulated since the previous boundary
// are folded into their own filter and the range advances. A point lookup
// computes which range its candidate data block falls in and tests only
// that filter.
//
// Filter block format (as returned by Builder.Finish):
//
//	[filter for range 0]
//	[filter for range 1]
//	...
//	[filter for range N-1]
//	[offset of filter 0: uint32]
//	...
//	[offset of filter N-1: uint32]
//	[offset of the offsets array itself: uint32]
//	[base_lg: 1 byte]           // log2 of the range size, currently 11
//
// Each individual filter is itself self-describing: its last byte holds the
// number of hash probes (k) used to build it, so a reader never needs to
// know the bits-per-key the filter was built with.
//
// Reference: the classic LevelDB filter_block.cc / filter_policy.cc split
// filter design (FilterBlockBuilder::StartBlock / GenerateFilter and
// BloomFilterPolicy::CreateFilter / KeyMayMatch).
package filter

import (
	"encoding/binary"
	"math"
)

// BaseLg is the log2 of the filter range size: a new filter range starts
// every 1<<BaseLg (2 KiB) bytes of file offset.
const BaseLg = 11

// RangeSize is the size, in bytes, of one filter's data-block offset range.
const RangeSize = 1 << BaseLg

// maxProbes is the largest k value a filter can encode without being
// treated as a newer, unknown encoding by the reader.
const maxProbes = 30

// Builder accumulates keys into per-range Bloom filters as data blocks are
// written, emitting a new filter each time the file offset crosses a
// RangeSize boundary.
type Builder struct {
	bitsPerKey int

	result       []byte   // concatenated filter bytes so far
	filterOffset []uint32 // result offset where filter i begins

	pendingKeys [][]byte // user keys seen since the last GenerateFilter
	keysAdded   int      // total keys added across the builder's lifetime
}

// NewBuilder creates a filter Builder targeting bitsPerKey bits of filter
// space per key (10 gives roughly a 1% false-positive rate).
func NewBuilder(bitsPerKey int) *Builder {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &Builder{bitsPerKey: bitsPerKey}
}

// AddKey records a key as belonging to the range currently being
// accumulated. Keys must be added before the StartBlock call for the next
// range boundary they fall under.
func (b *Builder) AddKey(key []byte) {
	b.pendingKeys = append(b.pendingKeys, append([]byte(nil), key...))
	b.keysAdded++
}

// StartBlock is called with the file offset of a newly started data block.
// It emits filters for every range boundary crossed since the previous
// call, folding in whatever keys have been added so far.
func (b *Builder) StartBlock(blockOffset uint64) {
	filterIndex := blockOffset >> BaseLg
	for uint64(len(b.filterOffset)) < filterIndex {
		b.generateFilter()
	}
}

// NumKeys returns the total number of keys added to the builder so far.
func (b *Builder) NumKeys() int {
	return b.keysAdded
}

// Finish finalizes the filter block and returns its encoded bytes.
func (b *Builder) Finish() []byte {
	if len(b.pendingKeys) > 0 || len(b.filterOffset) == 0 {
		b.generateFilter()
	}

	arrayOffset := uint32(len(b.result))
	for _, off := range b.filterOffset {
		b.result = binary.LittleEndian.AppendUint32(b.result, off)
	}
	b.result = binary.LittleEndian.AppendUint32(b.result, arrayOffset)
	b.result = append(b.result, byte(BaseLg))

	return b.result
}

// generateFilter folds the currently pending keys into one filter and
// resets the pending set, recording the filter's start offset even when
// there are no keys (producing a zero-length, always-absent filter).
func (b *Builder) generateFilter() {
	b.filterOffset = append(b.filterOffset, uint32(len(b.result)))
	if len(b.pendingKeys) == 0 {
		return
	}
	b.result = append(b.result, createFilter(b.pendingKeys, b.bitsPerKey)...)
	b.pendingKeys = b.pendingKeys[:0]
}

// Reader answers KeyMayMatch queries against a decoded filter block.
type Reader struct {
	data         []byte
	offsetsStart int
	numFilters   int
	baseLg       byte
}

// NewReader parses a filter block produced by Builder.Finish. It returns
// nil if the block is too short or internally inconsistent; callers should
// treat a nil Reader as "always may match" rather than a hard error, since
// a corrupt filter block should never make a real key unreachable.
func NewReader(data []byte) *Reader {
	n := len(data)
	if n < 5 {
		return nil
	}
	baseLg := data[n-1]
	arrayOffset := binary.LittleEndian.Uint32(data[n-5 : n-1])
	if int(arrayOffset) > n-5 {
		return nil
	}
	numFilters := (n - 5 - int(arrayOffset)) / 4
	return &Reader{
		data:         data,
		offsetsStart: int(arrayOffset),
		numFilters:   numFilters,
		baseLg:       baseLg,
	}
}

// KeyMayMatch reports whether key may be present in the data block starting
// at blockOffset. A false return is a guarantee the key is absent.
func (r *Reader) KeyMayMatch(blockOffset uint64, key []byte) bool {
	if r == nil {
		return true
	}
	index := blockOffset >> r.baseLg
	if int(index) >= r.numFilters {
		return true
	}

	base := r.offsetsStart + int(index)*4
	start := binary.LittleEndian.Uint32(r.data[base:])
	limit := binary.LittleEndian.Uint32(r.data[base+4:])
	if start > limit || int(limit) > r.offsetsStart {
		// Corrupt offsets: fail open rather than hide a real key.
		return true
	}
	if start == limit {
		return false
	}
	return bloomMayMatch(key, r.data[start:limit])
}

// createFilter builds one range's Bloom filter bytes from its keys.
// k = round(bits_per_key * ln 2), clamped to [1, 30]. The bit array is
// sized to max(64, nkeys*bits_per_key) bits, rounded up to a byte, with
// one trailing byte recording k.
func createFilter(keys [][]byte, bitsPerKey int) []byte {
	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	k = max(1, min(maxProbes, k))

	bits := len(keys) * bitsPerKey
	bits = max(64, bits)
	numBytes := (bits + 7) / 8
	bits = numBytes * 8

	buf := make([]byte, numBytes+1)
	buf[numBytes] = byte(k)

	for _, key := range keys {
		h := bloomHash(key)
		delta := (h >> 17) | (h << 15) // rotate right 17 bits
		for range k {
			bitpos := h % uint32(bits)
			buf[bitpos/8] |= 1 << (bitpos % 8)
			h += delta
		}
	}
	return buf
}

// bloomMayMatch tests a key against one range's filter bytes (sans the
// trailing k byte, which the caller has already sliced off via start:limit
// bounds that include it — the last byte of filterBytes is k).
func bloomMayMatch(key, filterBytes []byte) bool {
	n := len(filterBytes)
	if n < 1 {
		return false
	}
	k := int(filterBytes[n-1])
	if k > maxProbes {
		// Reserved for future encodings; treat as a possible match.
		return true
	}

	bits := uint32(n-1) * 8
	if bits == 0 {
		return false
	}

	h := bloomHash(key)
	delta := (h >> 17) | (h << 15)
	for range k {
		bitpos := h % bits
		if filterBytes[bitpos/8]&(1<<(bitpos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// bloomHash is the base hash used to derive a key's probe sequence.
func bloomHash(key []byte) uint32 {
	return leveldbHash(key, 0xbc9f1d34)
}

// leveldbHash is the classic LevelDB Hash() function (util/hash.cc):
// a simple, fast, well-distributed hash seeded per call site.
func leveldbHash(data []byte, seed uint32) uint32 {
	const m = 0xc6a4a793
	const r = 24

	h := seed ^ uint32(len(data))*m

	for len(data) >= 4 {
		w := binary.LittleEndian.Uint32(data)
		data = data[4:]
		h += w
		h *= m
		h ^= h >> 16
	}

	switch len(data) {
	case 3:
		h += uint32(data[2]) << 16
		fallthrough
	case 2:
		h += uint32(data[1]) << 8
		fallthrough
	case 1:
		h += uint32(data[0])
		h *= m
		h ^= h >> r
	}

	return h
}
