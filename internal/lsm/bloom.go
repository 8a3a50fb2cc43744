package lsm

import "hash/fnv"

// bloomFilter is an in-memory-only membership sketch built when an
// SSTable is opened (never persisted — the on-disk format stays exactly
// three regions, nothing more). A miss here is authoritative; a hit
// still requires the real binary-search lookup.
type bloomFilter struct {
	bits      []byte
	size      int
	numHashes int
}

// newBloomFilter sizes the filter for roughly expectedItems entries at a
// ~1.7% false-positive rate (m ≈ 10n bits with 3 hashes), matching the
// teacher's sizing.
func newBloomFilter(expectedItems int) *bloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	size := expectedItems * 10
	return &bloomFilter{
		bits:      make([]byte, (size+7)/8),
		size:      size,
		numHashes: 3,
	}
}

func (bf *bloomFilter) add(key []byte) {
	for i := 0; i < bf.numHashes; i++ {
		bit := bf.hash(key, i) % uint64(bf.size)
		bf.bits[bit/8] |= 1 << (bit % 8)
	}
}

func (bf *bloomFilter) contains(key []byte) bool {
	for i := 0; i < bf.numHashes; i++ {
		bit := bf.hash(key, i) % uint64(bf.size)
		if bf.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// hash computes the i-th of numHashes hash values via double hashing.
func (bf *bloomFilter) hash(key []byte, i int) uint64 {
	h := fnv.New64a()
	h.Write(key)
	h1 := h.Sum64()

	h.Reset()
	h.Write(key)
	h.Write([]byte{byte(i)})
	h2 := h.Sum64()

	return h1 + uint64(i)*h2
}
