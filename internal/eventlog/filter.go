package eventlog

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// identityFilter is a bloom filter over event identities. It lets the writer
// skip the write lock for candidates that were already appended. It never
// yields false negatives, so a "not present" answer always goes to storage,
// where UNIQUE(identity) stays authoritative.
type identityFilter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// newIdentityFilter sizes the filter for expectedItems at targetFPR.
//
//   - m = -n * ln(p) / (ln(2)^2)
//   - k = (m/n) * ln(2)
func newIdentityFilter(expectedItems int, targetFPR float64) *identityFilter {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := math.Ceil((m / n) * math.Ln2)
	if k < 1 {
		k = 1
	}

	words := (int(math.Ceil(m)) + 63) / 64
	if words < 1 {
		words = 1
	}
	return &identityFilter{
		bits:      make([]uint64, words),
		numBits:   uint64(words * 64),
		numHashes: uint64(k),
	}
}

func (f *identityFilter) add(identity string) {
	h1, h2 := murmur3.Sum128([]byte(identity))

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

func (f *identityFilter) mayContain(identity string) bool {
	h1, h2 := murmur3.Sum128([]byte(identity))

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// estimatedFPR returns (1 - e^(-k*n/m))^k for the current fill.
func (f *identityFilter) estimatedFPR() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
