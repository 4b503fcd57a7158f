// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package rdepend implements the reverse-dependency index (§4.3): a
// process-shared concurrent map from (database, catalog-class,
// object-id) to the set of cache keys that would be invalidated by a
// change to that object.
//
// The table is sharded into buckets, each independently locked, the way
// the entry table's coarse table_lock is deliberately kept separate from
// these per-bucket locks in the lock hierarchy (§5): a registration
// during install already holds table_lock exclusively before touching a
// bucket here, and an invalidator acquires table_lock first too, so no
// bucket lock is ever held while waiting on table_lock.
package rdepend

import (
	"sync"

	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/keys"
	"github.com/cockroachdb/errors"
)

// InitialCapacity is PGSP_RDEPEND_INIT from §4.3: the initial capacity a
// freshly created rdep entry's key array is allocated with.
const InitialCapacity = 4

// ErrOverflow is returned by Register when appending key would exceed the
// configured per-dependency cap (§4.3, §7).
var ErrOverflow = errors.New("rdepend: dependency fan-out overflow")

// bucketCount is the number of independently-locked shards the table is
// split into. It only affects concurrency, never correctness.
const bucketCount = 64

type bucket struct {
	mu      sync.Mutex
	entries map[keys.RDependKey][]keys.CacheKey
}

// Table is the reverse-dependency index.
type Table struct {
	max     int
	buckets [bucketCount]*bucket
}

// New creates a Table that refuses to grow any single dependency's key
// list past max entries (rdepend_max, §6).
func New(max int) *Table {
	t := &Table{max: max}
	for i := range t.buckets {
		t.buckets[i] = &bucket{entries: make(map[keys.RDependKey][]keys.CacheKey)}
	}
	return t
}

func (t *Table) bucketFor(rdep keys.RDependKey) *bucket {
	h := rdep.Hash()
	return t.buckets[h%uint64(bucketCount)]
}

// Register appends key to rdep's key list, creating the entry if absent
// and growing its backing array by doubling up to Table.max. On overflow
// it returns ErrOverflow and, per §4.3/§8 scenario 6, the full current
// list of keys referencing rdep so the caller can evict every entry that
// depends on a dependency this hot rather than leave a half-tracked
// fan-out.
func (t *Table) Register(key keys.CacheKey, rdep keys.RDependKey) (overflowVictims []keys.CacheKey, err error) {
	b := t.bucketFor(rdep)
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.entries[rdep]
	for _, k := range existing {
		if k == key {
			return nil, nil
		}
	}
	if len(existing) >= t.max {
		victims := make([]keys.CacheKey, len(existing))
		copy(victims, existing)
		return victims, ErrOverflow
	}
	if existing == nil {
		existing = make([]keys.CacheKey, 0, InitialCapacity)
	}
	b.entries[rdep] = append(existing, key)
	return nil, nil
}

// Unregister removes key from rdep's key list. If the list becomes empty
// the entry is deleted entirely (§4.3).
func (t *Table) Unregister(key keys.CacheKey, rdep keys.RDependKey) {
	b := t.bucketFor(rdep)
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.entries[rdep]
	if !ok {
		return
	}
	for i, k := range existing {
		if k == key {
			existing = append(existing[:i], existing[i+1:]...)
			break
		}
	}
	if len(existing) == 0 {
		delete(b.entries, rdep)
		return
	}
	b.entries[rdep] = existing
}

// LookupKeys returns a snapshot copy of the keys registered against rdep.
// The caller must re-validate each key against the entry table after
// releasing this call's implicit bucket lock — entries may have been
// evicted in the interim (§4.3).
func (t *Table) LookupKeys(rdep keys.RDependKey) []keys.CacheKey {
	b := t.bucketFor(rdep)
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.entries[rdep]
	if len(existing) == 0 {
		return nil
	}
	out := make([]keys.CacheKey, len(existing))
	copy(out, existing)
	return out
}

// Len returns the total number of distinct RDependKeys tracked, for
// SharedState's rdepend_num scalar (§6 info function).
func (t *Table) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}
