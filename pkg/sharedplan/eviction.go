// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package sharedplan

import (
	"github.com/google/btree"
)

// decayFactor is the multiplicative usage decay applied on every eviction
// pass (§4.5 step 2).
const decayFactor = 0.99

// minEvictCount is the floor on how many entries a single pass removes,
// even when 5% of the table would round down to fewer (§4.5 step 4).
const minEvictCount = 10

// evictFraction is the share of resident entries considered for removal
// on a single pass (§4.5 step 4).
const evictFraction = 0.05

// Evictor runs the least-recently-useful eviction pass described in §4.5.
// It ranks entries by usage with a btree ordered by (usage, key) rather
// than sorting a freshly allocated slice on every pass, the way the
// teacher's own range cache keeps an ordered index instead of re-sorting
// on each lookup.
type Evictor struct {
	table *EntryTable
}

// NewEvictor builds an Evictor operating over table.
func NewEvictor(table *EntryTable) *Evictor {
	return &Evictor{table: table}
}

// usageItem is a btree.Item ordering entries by ascending usage, tied by
// CacheKey.Hash to keep the ordering total.
type usageItem struct {
	usage float64
	key   CacheKey
}

func (a usageItem) Less(than btree.Item) bool {
	b := than.(usageItem)
	if a.usage != b.usage {
		return a.usage < b.usage
	}
	return a.key.Hash() < b.key.Hash()
}

// RunLocked performs one eviction pass over t.table. The caller must
// already hold the entry table's write lock (§4.5 is always run from
// inside Install's capacity check, which holds table_lock exclusively).
func (ev *Evictor) RunLocked() {
	entries := ev.table.entries
	n := len(entries)
	if n == 0 {
		return
	}

	tree := btree.New(32)
	for key, e := range entries {
		e.decayUsage(decayFactor)
		tree.ReplaceOrInsert(usageItem{usage: e.Usage(), key: key})
	}

	ordered := make([]usageItem, 0, n)
	tree.Ascend(func(item btree.Item) bool {
		ordered = append(ordered, item.(usageItem))
		return true
	})
	ev.table.setMedianUsage(ordered[n/2].usage)

	target := int(float64(n) * evictFraction)
	if target < minEvictCount {
		target = minEvictCount
	}
	if target > n {
		target = n
	}

	for _, item := range ordered[:target] {
		ev.table.evictKeyLocked(item.key)
	}
	ev.table.alloc.IncDeallocs()
}
