// Package testutil provides testing utilities for fastkv.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating deterministic keys and values, skewed
// key distributions, and a reference model to check results against.
//
// # Keys and Values
//
//	rng := testutil.NewRNG(seed)
//	key := testutil.Key(42)        // "key-0000000042"
//	val := rng.Value(64)           // 64 random bytes
//
// # Skewed Workloads
//
//	zipf := rng.Zipf(1.1, 1_000_000)
//	i := zipf()                    // hot keys are drawn far more often
//
// # Reference Model
//
//	m := testutil.NewModel()
//	m.Upsert(key, val)
//	want, ok := m.Get(key)
package testutil
