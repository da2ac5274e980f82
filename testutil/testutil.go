package testutil

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Fill fills dst with random bytes.
// Locks only once per call (preferred over calling Intn in a loop).
func (r *RNG) Fill(dst []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.rand.Read(dst)
}

// Value returns n random bytes.
func (r *RNG) Value(n int) []byte {
	v := make([]byte, n)
	r.Fill(v)
	return v
}

// Values returns num random values with lengths in [minLen, maxLen].
// Uses a single backing array for efficiency.
func (r *RNG) Values(num, minLen, maxLen int) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	lens := make([]int, num)
	total := 0
	for i := range lens {
		lens[i] = minLen
		if maxLen > minLen {
			lens[i] += r.rand.Intn(maxLen - minLen + 1)
		}
		total += lens[i]
	}

	data := make([]byte, total)
	_, _ = r.rand.Read(data)

	values := make([][]byte, num)
	off := 0
	for i, n := range lens {
		values[i] = data[off : off+n : off+n]
		off += n
	}
	return values
}

// Zipf returns a generator of indexes in [0, n) following a Zipf
// distribution with exponent s > 1. The generator shares the RNG lock.
func (r *RNG) Zipf(s float64, n uint64) func() uint64 {
	r.mu.Lock()
	z := rand.NewZipf(r.rand, s, 1, n-1)
	r.mu.Unlock()

	return func() uint64 {
		r.mu.Lock()
		defer r.mu.Unlock()
		return z.Uint64()
	}
}

// Key returns the fixed-width key for index i. Keys sort by index.
func Key(i uint64) []byte {
	return []byte(fmt.Sprintf("key-%010d", i))
}

// Keys returns the keys for indexes [0, n).
func Keys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = Key(uint64(i))
	}
	return keys
}

// Model is a reference map with last-write-wins semantics.
// It is safe for concurrent use.
type Model struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{data: make(map[string][]byte)}
}

// Upsert records value for key. value is copied.
func (m *Model) Upsert(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = bytes.Clone(value)
	if m.data[string(key)] == nil {
		m.data[string(key)] = []byte{}
	}
}

// Delete removes key.
func (m *Model) Delete(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
}

// Get returns the value of key.
func (m *Model) Get(key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	return v, ok
}

// Len returns the number of live keys.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Keys returns the live keys in sorted order.
func (m *Model) Keys() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out
}
