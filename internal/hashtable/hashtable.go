// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hashtable implements an in-memory extendible hash table,
// used by the buffer pool as its page_id -> frame_id directory.
package hashtable

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// Hasher computes a hash for a key. The table only ever consults the
// low bits of the result, so callers that want precise control over
// bucket placement (e.g. a test pinning the S4 scenario) can supply
// an identity-like hasher.
type Hasher[K comparable] func(K) uint64

// DefaultHasher returns an FNV-1a based hasher over the key's
// fmt.Sprintf("%v") representation, suitable for arbitrary comparable
// key types when no domain-specific hash is supplied.
func DefaultHasher[K comparable]() Hasher[K] {
	return func(k K) uint64 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(fmt.Sprintf("%v", k)))
		return h.Sum64()
	}
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// bucket is an ordered list of at most capacity key/value pairs, plus
// the number of hash bits it discriminates on (its local depth).
type bucket[K comparable, V any] struct {
	localDepth int
	capacity   int
	entries    []entry[K, V]
}

func newBucket[K comparable, V any](localDepth, capacity int) *bucket[K, V] {
	return &bucket[K, V]{localDepth: localDepth, capacity: capacity}
}

func (b *bucket[K, V]) find(key K) (V, bool) {
	for _, e := range b.entries {
		if e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

func (b *bucket[K, V]) upsert(key K, value V) {
	for i, e := range b.entries {
		if e.key == key {
			b.entries[i].value = value
			return
		}
	}
	b.entries = append(b.entries, entry[K, V]{key: key, value: value})
}

func (b *bucket[K, V]) remove(key K) bool {
	for i, e := range b.entries {
		if e.key == key {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket[K, V]) full() bool {
	return len(b.entries) > b.capacity
}

// Table is a thread-safe extendible hash table, generic over
// comparable keys and arbitrary values (standing in for the C++
// template parameters of the source design).
//
// Invariants (spec.md §3.2):
//  1. len(directory) == 2^globalDepth;
//  2. for every slot i, localDepth(directory[i]) <= globalDepth;
//  3. slots sharing a bucket agree on its low localDepth bits;
//  4. IndexOf(key) = hash(key) & (2^globalDepth - 1);
//  5. a bucket that exceeds bucketCapacity is split immediately
//     (possibly repeatedly); a split at localDepth==globalDepth
//     doubles the directory before the insert completes.
type Table[K comparable, V any] struct {
	mu sync.Mutex

	hasher         Hasher[K]
	bucketCapacity int
	globalDepth    int
	directory      []*bucket[K, V]
	numBuckets     int
}

// New constructs a table with one bucket, global depth 0, as
// prescribed by spec.md §3.2's lifecycle.
func New[K comparable, V any](bucketCapacity int, hasher Hasher[K]) *Table[K, V] {
	if bucketCapacity < 1 {
		panic(fmt.Errorf("hashtable.New: bucketCapacity must be >= 1, got %d", bucketCapacity))
	}
	if hasher == nil {
		hasher = DefaultHasher[K]()
	}
	root := newBucket[K, V](0, bucketCapacity)
	return &Table[K, V]{
		hasher:         hasher,
		bucketCapacity: bucketCapacity,
		globalDepth:    0,
		directory:      []*bucket[K, V]{root},
		numBuckets:     1,
	}
}

func mask(depth int) uint64 {
	if depth >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << depth) - 1
}

// indexOf computes hash(key) & (2^globalDepth - 1). Caller must hold mu.
func (t *Table[K, V]) indexOf(key K) int {
	return int(t.hasher(key) & mask(t.globalDepth))
}

// Find looks up key, returning its value and whether it was present.
func (t *Table[K, V]) Find(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.directory[t.indexOf(key)]
	return b.find(key)
}

// Remove deletes key if present and reports whether it was present.
// Per spec.md §4.2, Remove never coalesces buckets back down.
func (t *Table[K, V]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.directory[t.indexOf(key)]
	return b.remove(key)
}

// Insert upserts key -> value, splitting the target bucket (and
// doubling the directory if needed) as many times as required until
// it fits.
func (t *Table[K, V]) Insert(key K, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(key)
	b := t.directory[idx]
	b.upsert(key, value)

	for t.directory[t.indexOf(key)].full() {
		t.split(t.indexOf(key))
	}
}

// split performs one round of the split procedure of spec.md §4.2 on
// the bucket currently addressed by directory slot idx. Caller must
// hold mu.
func (t *Table[K, V]) split(idx int) {
	old := t.directory[idx]
	d := old.localDepth

	if d == t.globalDepth {
		// Double the directory by appending a copy of itself.
		t.directory = append(t.directory, t.directory...)
		t.globalDepth++
	}

	b0 := newBucket[K, V](d+1, t.bucketCapacity)
	b1 := newBucket[K, V](d+1, t.bucketCapacity)
	t.numBuckets += 2 - 1 // two new buckets allocated, one old one retired

	splitBit := uint64(1) << d
	for _, e := range old.entries {
		if t.hasher(e.key)&splitBit != 0 {
			b1.entries = append(b1.entries, e)
		} else {
			b0.entries = append(b0.entries, e)
		}
	}

	for j := range t.directory {
		if t.directory[j] == old {
			if uint64(j)&splitBit != 0 {
				t.directory[j] = b1
			} else {
				t.directory[j] = b0
			}
		}
	}
}

// GetGlobalDepth returns the directory's current global depth.
func (t *Table[K, V]) GetGlobalDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalDepth
}

// GetLocalDepth returns the local depth of the bucket addressed by
// directory slot idx.
func (t *Table[K, V]) GetLocalDepth(idx int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directory[idx].localDepth
}

// GetNumBuckets returns the cached count of distinct buckets.
func (t *Table[K, V]) GetNumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numBuckets
}
