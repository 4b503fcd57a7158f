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

import "time"

// InfoSnapshot is the aggregate view §6's informational function exposes:
// the SharedState scalars plus the table's two collection sizes.
type InfoSnapshot struct {
	Enabled     bool
	Entries     int
	MaxEntries  int
	AllocedSize int64
	Deallocs    uint64
	RDependNum  int
	MedianUsage float64
	StatsReset  time.Time
}

// EntrySnapshot is one row of §6's listing function: everything about a
// resident entry a DBA would want to see, with no access to the
// spinlock-guarded fields beyond what their accessor methods already
// expose safely.
type EntrySnapshot struct {
	Key            CacheKey
	QueryText      string
	PlanLen        int64
	PlanTimeMS     float64
	GenericCost    float64
	Usage          float64
	Bypass         uint64
	NumCustomPlans uint64
	Discarded      bool
	Lockers        int32
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

// Info returns the current aggregate state of the cache (§6).
func (c *Cache) Info() InfoSnapshot {
	return InfoSnapshot{
		Enabled:     c.opts.Enabled,
		Entries:     c.table.Len(),
		MaxEntries:  c.opts.MaxEntries,
		AllocedSize: c.alloc.AllocedSize(),
		Deallocs:    c.alloc.Deallocs(),
		RDependNum:  c.rdeps.Len(),
		MedianUsage: c.table.MedianUsage(),
		StatsReset:  c.table.StatsReset(),
	}
}

// List returns a snapshot of every resident entry (§6).
func (c *Cache) List() []EntrySnapshot {
	entries := c.table.Snapshot()
	out := make([]EntrySnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntrySnapshot{
			Key:            e.Key,
			QueryText:      e.QueryText,
			PlanLen:        e.PlanLen,
			PlanTimeMS:     e.PlanTimeMS,
			GenericCost:    e.GenericCost,
			Usage:          e.Usage(),
			Bypass:         e.Bypass(),
			NumCustomPlans: e.NumCustomPlans(),
			Discarded:      e.IsDiscarded(),
			Lockers:        e.LockersCount(),
			CreatedAt:      e.CreatedAt,
			LastUsedAt:     e.LastUsedAt,
		})
	}
	return out
}

// Reset clears cache entries matching the given filter (§6, §9 first Open
// Question). Passing a non-nil key takes the exact-key fast path this
// source decides to expose directly (see DESIGN.md): it evicts that one
// entry without the full table scan the zero-filters case would require.
// user, db and query of zero mean "don't filter on this component"; all
// zero with a nil key clears the whole cache.
func (c *Cache) Reset(user UserID, db DatabaseID, query uint64, key *CacheKey) {
	c.table.Reset(user, db, query, key)
}

// ResetByKey is sugar over Reset for the common case of evicting one
// known CacheKey directly — the fast path named above.
func (c *Cache) ResetByKey(key CacheKey) {
	c.table.Reset(0, 0, 0, &key)
}

// RefreshMetrics pulls the current gauge values into m. Intended to be
// called periodically (e.g. by a Prometheus collector's Collect or a
// background ticker), not on the planning hot path.
func (c *Cache) RefreshMetrics() {
	if c.metrics == nil {
		return
	}
	c.metrics.refresh(c.table, c.rdeps, c.alloc)
}
