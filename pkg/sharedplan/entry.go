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
	"sync/atomic"
	"time"

	"github.com/HalleyAssist/pg-shared-plans/internal/spinlock"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/shmem"
)

// Entry is the resident record for one CacheKey (§3 PlanEntry).
//
// Fields are grouped exactly as §3 documents three different mutability
// domains: immutable after install, mutable under the entry-local
// spinlock, and mutable only under the table's write lock. Respecting
// that grouping — rather than guarding every field with one lock — is
// what lets a lookup bump bypass/usage without ever touching table_lock.
type Entry struct {
	Key CacheKey

	// -- Immutable after install (§3) --

	PlanRef     shmem.Handle
	PlanLen     int64
	PlanTimeMS  float64
	GenericCost float64
	NumConst    int

	Rels  []ObjectID
	Rdeps []RDependKey

	// -- Mutable under spinlock (§3) --
	spin spinlock.Lock

	bypass          uint64
	usage           float64
	totalCustomCost float64
	numCustomPlans  uint64

	// -- Mutable under the entry table's write lock (§3) --

	discardCounter uint64
	lockers        int32 // atomic; see LockersCount/Lock/Unlock

	// lockerSessions records which sessions currently hold a lock on this
	// entry, so ReleaseSession can reclaim locks from a session that
	// exited abnormally instead of leaving lockers stuck forever (§9,
	// second Open Question).
	lockerSessions map[string]int

	// Supplemented bookkeeping (SPEC_FULL §3): not consulted by any
	// correctness decision, only by the listing surface (§6).
	QueryText  string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// newEntry creates a fresh Entry shell for key. It must only be called
// while holding the entry table's write lock.
func newEntry(key CacheKey) *Entry {
	return &Entry{
		Key:            key,
		PlanRef:        shmem.NilHandle,
		lockerSessions: make(map[string]int),
	}
}

// IsDiscarded reports whether the entry currently has no live plan.
func (e *Entry) IsDiscarded() bool {
	return e.PlanRef == shmem.NilHandle
}

// DiscardCounter returns the entry's current discard counter, for the
// re-probe step a lookup performs after releasing table_lock (§4.6 step
// 4, §3 invariant 4, §5 "Invalidation → Lookup").
func (e *Entry) DiscardCounter() uint64 {
	return atomic.LoadUint64(&e.discardCounter)
}

// LockersCount returns the current lockers count (§3, §4.4 Lock/Unlock).
func (e *Entry) LockersCount() int32 {
	return atomic.LoadInt32(&e.lockers)
}

// bumpDiscardCounter must be called under the table's write lock whenever
// the plan is discarded or evicted, per §3 invariant 4.
func (e *Entry) bumpDiscardCounter() {
	atomic.AddUint64(&e.discardCounter, 1)
}

// recordUsage folds planTimeMS into usage under the entry's spinlock
// (§4.5: "on successful cache use, usage is incremented by
// plan_time_ms").
func (e *Entry) recordUsage(planTimeMS float64) {
	e.spin.WithLock(func() {
		e.usage += planTimeMS
		e.LastUsedAt = time.Now()
	})
}

// decayUsage multiplies usage by factor under the entry's spinlock
// (§4.5 step 2).
func (e *Entry) decayUsage(factor float64) {
	e.spin.WithLock(func() {
		e.usage *= factor
	})
}

// Usage returns the entry's current usage score.
func (e *Entry) Usage() float64 {
	var v float64
	e.spin.WithLock(func() { v = e.usage })
	return v
}

// chooseResult is the decision choosePlan returns (§4.6 "Choose plan").
type chooseResult struct {
	UseCached        bool
	AccumulateCustom bool
}

// choosePlan implements §4.6's "Choose plan" algorithm under the entry's
// spinlock: below threshold, accumulate custom-plan statistics and defer
// to planning; at or above threshold, compare the stored generic plan's
// cost against the average accumulated custom cost.
func (e *Entry) choosePlan(threshold int, planTimeMS float64) chooseResult {
	var res chooseResult
	e.spin.WithLock(func() {
		if e.numCustomPlans < uint64(threshold) {
			e.usage += planTimeMS
			res.AccumulateCustom = true
			return
		}
		avg := e.totalCustomCost / float64(e.numCustomPlans)
		if e.GenericCost < avg {
			e.bypass++
			e.usage += planTimeMS
			res.UseCached = true
		}
	})
	return res
}

// accumulateCustomStats records one more custom plan's cost, for the
// average choosePlan compares the generic plan's cost against.
func (e *Entry) accumulateCustomStats(customCost float64) {
	e.spin.WithLock(func() {
		e.totalCustomCost += customCost
		e.numCustomPlans++
	})
}

// Bypass returns the number of times the cached plan was used in lieu of
// planning (§3).
func (e *Entry) Bypass() uint64 {
	var v uint64
	e.spin.WithLock(func() { v = e.bypass })
	return v
}

// NumCustomPlans returns the number of custom plans accumulated so far.
func (e *Entry) NumCustomPlans() uint64 {
	var v uint64
	e.spin.WithLock(func() { v = e.numCustomPlans })
	return v
}
