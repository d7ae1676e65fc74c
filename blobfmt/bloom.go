package blobfmt

import (
	"math"

	"github.com/OneOfOne/xxhash"

	"github.com/bobstore/bob/cmn"
)

// BloomFilter is an in-RAM set membership filter sized from a target
// element count and false-positive rate, clamped to
// [BufIncreaseStep, MaxBufBitsCount]. Its size is fixed at construction;
// it does not grow as keys are added. It can be offloaded to free RAM,
// after which Check always reports "maybe present" (fall through to the
// index).
type BloomFilter struct {
	conf cmn.BloomConf
	bits []uint64 // nil when offloaded
	nbits uint64
}

// NewBloomFilter sizes the filter bit count from the standard formula
// m = -n*ln(p) / (ln2)^2, clamped to [BufIncreaseStep, MaxBufBitsCount].
func NewBloomFilter(conf cmn.BloomConf) *BloomFilter {
	n := float64(conf.Elements)
	p := conf.PreferredFalsePositiveRate
	m := uint64(math.Ceil(-n * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < conf.BufIncreaseStep {
		m = conf.BufIncreaseStep
	}
	if m > conf.MaxBufBitsCount {
		m = conf.MaxBufBitsCount
	}
	// round up to a whole number of words
	words := (m + 63) / 64
	return &BloomFilter{conf: conf, bits: make([]uint64, words), nbits: words * 64}
}

func (f *BloomFilter) hashes(key cmn.Key) []uint64 {
	out := make([]uint64, f.conf.HashersCount)
	h := xxhash.Checksum64(key[:])
	// double-hashing scheme (Kirsch-Mitzenmacher): derive k hashes from
	// two base hashes instead of invoking k independent hash functions.
	h2 := xxhash.ChecksumString64(string(key[:]) + "bob-bloom")
	for i := uint64(0); i < f.conf.HashersCount; i++ {
		out[i] = (h + i*h2) % f.nbits
	}
	return out
}

// Add inserts key into the filter. No-op if the filter has been offloaded.
func (f *BloomFilter) Add(key cmn.Key) {
	if f.bits == nil {
		return
	}
	for _, bit := range f.hashes(key) {
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// Check reports false only when key is definitely absent. A true result
// after Offload is always returned (fall through to the index), matching
// the exist path's "absent => definitively not here" contract.
func (f *BloomFilter) Check(key cmn.Key) bool {
	if f.bits == nil {
		return true
	}
	for _, bit := range f.hashes(key) {
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Offload drops the filter buffer, freeing RAM.
func (f *BloomFilter) Offload() {
	f.bits = nil
}

// Loaded reports whether the filter buffer is resident.
func (f *BloomFilter) Loaded() bool {
	return f.bits != nil
}

// MemoryUsage returns the filter buffer's resident size in bytes, 0 when
// offloaded.
func (f *BloomFilter) MemoryUsage() int64 {
	return int64(len(f.bits)) * 8
}

// Rebuild reloads the filter from the full key set. Check does not call
// it: an offloaded filter stays offloaded until a caller rebuilds it.
func (f *BloomFilter) Rebuild(keys []cmn.Key) {
	words := f.nbits / 64
	f.bits = make([]uint64, words)
	for _, k := range keys {
		f.Add(k)
	}
}

// Marshal serializes the filter's raw bit buffer for the index file.
func (f *BloomFilter) Marshal() []byte {
	buf := make([]byte, len(f.bits)*8)
	for i, w := range f.bits {
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(w >> (8 * b))
		}
	}
	return buf
}
