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
	"sync"
	"sync/atomic"
	"time"

	"github.com/HalleyAssist/pg-shared-plans/internal/spinlock"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/rdepend"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/relset"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/shmem"
	"github.com/cockroachdb/errors"
)

// EntryTable is a fixed-capacity cache of Entry, protected by a single
// read/write lock (table_lock) for structural changes, with per-entry
// spinlocks for counter updates (§4.4).
//
// table_lock is always acquired before the reverse-dependency table's
// bucket locks and before any entry's spinlock, per the lock hierarchy in
// §5; this type never calls into rdepend or an entry's spinlock-guarded
// methods without holding its own lock first in that order.
type EntryTable struct {
	maxEntries int

	mu      sync.RWMutex
	entries map[CacheKey]*Entry

	rdeps *rdepend.Table
	alloc *shmem.Bridge

	evictor *Evictor

	statsReset time.Time

	// medianMu guards medianUsage, SharedState.cur_median_usage (§3):
	// recorded once per eviction pass, read independently of table_lock.
	medianMu    spinlock.Lock
	medianUsage float64
}

// NewEntryTable creates an EntryTable bounded at maxEntries, backed by
// rdeps for dependency tracking and alloc for shared-memory accounting.
func NewEntryTable(maxEntries int, rdeps *rdepend.Table, alloc *shmem.Bridge) *EntryTable {
	t := &EntryTable{
		maxEntries: maxEntries,
		entries:    make(map[CacheKey]*Entry),
		rdeps:      rdeps,
		alloc:      alloc,
		statsReset: time.Now(),
	}
	t.evictor = NewEvictor(t)
	return t
}

// Lookup probes the table under a shared lock and returns the entry for
// key, if present — live or discarded (§4.6 step 3).
func (t *EntryTable) Lookup(key CacheKey) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok
}

// Len returns the number of resident entries.
func (t *EntryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// StagedPlan is what the install path (§4.7) has already allocated and
// resolved before it acquires table_lock exclusively: the generic plan's
// shared-memory handle, the relation/dependency sets it depends on, and
// the planning metrics to seed the entry with.
type StagedPlan struct {
	PlanRef     shmem.Handle
	PlanLen     int64
	PlanTimeMS  float64
	GenericCost float64
	NumConst    int
	Rels        []ObjectID
	Rdeps       []RDependKey
	QueryText   string
}

// rollback frees every allocation and dependency registration a failed
// Install must undo: the plan blob, and any rdep entries this install
// added for Rels/Rdeps that it must not leave half-registered.
func (s StagedPlan) rollback(t *EntryTable, key CacheKey, registeredRels, registeredRdeps int) {
	t.alloc.Free(s.PlanRef, s.PlanLen)
	for i := 0; i < registeredRels && i < len(s.Rels); i++ {
		t.rdeps.Unregister(key, RDependKey{ClassID: ClassRelation, ObjectID: s.Rels[i]})
	}
	for i := 0; i < registeredRdeps && i < len(s.Rdeps); i++ {
		t.rdeps.Unregister(key, s.Rdeps[i])
	}
}

// Install implements §4.4's Install algorithm. The caller must have
// already staked (allocated) the plan and must not touch s.PlanRef again
// regardless of outcome — Install either transfers ownership into the
// entry or frees it.
//
// relDB scopes the relation dependencies' RDependKey.DatabaseID (the
// entry's own database, since Rels holds bare relation ids).
func (t *EntryTable) Install(key CacheKey, relDB DatabaseID, s StagedPlan) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[key]
	if exists {
		if e.LockersCount() > 0 {
			s.rollback(t, key, 0, 0)
			return ErrLockersHeld
		}
	} else {
		if len(t.entries) >= t.maxEntries {
			t.evictLocked()
		}
		e = newEntry(key)
		e.CreatedAt = time.Now()
	}

	oldRels := relset.Make(e.Rels...)
	newRels := relset.Make(s.Rels...)
	oldRdeps := make(map[RDependKey]struct{}, len(e.Rdeps))
	for _, d := range e.Rdeps {
		oldRdeps[d] = struct{}{}
	}
	newRdeps := make(map[RDependKey]struct{}, len(s.Rdeps))
	for _, d := range s.Rdeps {
		newRdeps[d] = struct{}{}
	}

	registeredRels := 0
	registeredRdeps := 0
	for _, rel := range s.Rels {
		if exists && oldRels.Contains(rel) {
			registeredRels++
			continue
		}
		rdepKey := RDependKey{DatabaseID: relDB, ClassID: ClassRelation, ObjectID: rel}
		victims, err := t.rdeps.Register(key, rdepKey)
		if err != nil {
			t.evictVictimsLocked(victims)
			s.rollback(t, key, registeredRels, registeredRdeps)
			return errors.Mark(err, ErrRDependOverflow)
		}
		registeredRels++
	}
	for _, d := range s.Rdeps {
		if exists {
			if _, ok := oldRdeps[d]; ok {
				registeredRdeps++
				continue
			}
		}
		victims, err := t.rdeps.Register(key, d)
		if err != nil {
			t.evictVictimsLocked(victims)
			s.rollback(t, key, registeredRels, registeredRdeps)
			return errors.Mark(err, ErrRDependOverflow)
		}
		registeredRdeps++
	}

	if exists {
		for _, rel := range oldRels.Difference(newRels) {
			t.rdeps.Unregister(key, RDependKey{DatabaseID: relDB, ClassID: ClassRelation, ObjectID: rel})
		}
		for d := range oldRdeps {
			if _, ok := newRdeps[d]; !ok {
				t.rdeps.Unregister(key, d)
			}
		}
		t.alloc.Free(e.PlanRef, e.PlanLen)
	}

	e.PlanRef = s.PlanRef
	e.PlanLen = s.PlanLen
	e.PlanTimeMS = s.PlanTimeMS
	e.GenericCost = s.GenericCost
	e.NumConst = s.NumConst
	e.Rels = s.Rels
	e.Rdeps = s.Rdeps
	e.QueryText = s.QueryText
	e.LastUsedAt = time.Now()

	t.entries[key] = e
	return nil
}

// Discard implements §4.4's Discard: free the plan blob, mark it
// discarded, bump discard_counter. rels/rdeps are left untouched so the
// entry re-populates efficiently on its next planning.
func (t *EntryTable) Discard(key CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discardLocked(key)
}

func (t *EntryTable) discardLocked(key CacheKey) bool {
	e, ok := t.entries[key]
	if !ok || e.IsDiscarded() {
		return false
	}
	t.alloc.Free(e.PlanRef, e.PlanLen)
	e.PlanRef = shmem.NilHandle
	e.PlanLen = 0
	e.bumpDiscardCounter()
	return true
}

// Evict implements §4.4's Evict: free all owned allocations, unregister
// every dependency, remove the hash bucket entirely.
func (t *EntryTable) Evict(key CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictKeyLocked(key)
}

func (t *EntryTable) evictKeyLocked(key CacheKey) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	relDB := key.DatabaseID
	t.alloc.Free(e.PlanRef, e.PlanLen)
	for _, rel := range e.Rels {
		t.rdeps.Unregister(key, RDependKey{DatabaseID: relDB, ClassID: ClassRelation, ObjectID: rel})
	}
	for _, d := range e.Rdeps {
		t.rdeps.Unregister(key, d)
	}
	e.bumpDiscardCounter()
	delete(t.entries, key)
	return true
}

// evictVictimsLocked evicts every key in victims; called when an rdep
// registration overflows (§4.3, §8 scenario 6, SPEC_FULL "Overflow-
// triggered mass eviction").
func (t *EntryTable) evictVictimsLocked(victims []CacheKey) {
	for _, k := range victims {
		t.evictKeyLocked(k)
	}
}

// Lock implements §4.4's Lock: atomically increments lockers and discards
// the plan. An entry with lockers > 0 presents as a miss to lookups. The
// session id is recorded so ReleaseSession can reclaim it later (§9).
func (t *EntryTable) Lock(key CacheKey, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = newEntry(key)
		e.CreatedAt = time.Now()
		t.entries[key] = e
	}
	t.discardLocked(key)
	atomic.AddInt32(&e.lockers, 1)
	e.lockerSessions[sessionID]++
}

// Unlock implements §4.4's Unlock: atomically decrements lockers.
func (t *EntryTable) Unlock(key CacheKey, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	if e.lockerSessions[sessionID] > 0 {
		e.lockerSessions[sessionID]--
		if e.lockerSessions[sessionID] == 0 {
			delete(e.lockerSessions, sessionID)
		}
		atomic.AddInt32(&e.lockers, -1)
	}
}

// ReleaseSession drops every lock sessionID holds across the whole
// table, addressing §9's second Open Question: a session that exits
// abnormally without calling Unlock must not leave entries locked
// forever.
func (t *EntryTable) ReleaseSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if n := e.lockerSessions[sessionID]; n > 0 {
			atomic.AddInt32(&e.lockers, -int32(n))
			delete(e.lockerSessions, sessionID)
		}
	}
}

// evictLocked runs one eviction pass (§4.5). Must be called holding
// t.mu for writing.
func (t *EntryTable) evictLocked() {
	t.evictor.RunLocked()
}

// setMedianUsage records the median usage observed by the most recent
// eviction pass (§4.5 step 3).
func (t *EntryTable) setMedianUsage(v float64) {
	t.medianMu.WithLock(func() { t.medianUsage = v })
}

// MedianUsage returns SharedState.cur_median_usage (§3): the median
// entry usage as of the last eviction pass, or zero if none has run yet.
func (t *EntryTable) MedianUsage() float64 {
	var v float64
	t.medianMu.WithLock(func() { v = t.medianUsage })
	return v
}

// Reset removes every entry matching the non-zero components of
// user/db/query — and, when key is non-nil, short-circuits straight to
// the exact-key fast path the source leaves disabled (§9's first Open
// Question; SPEC_FULL decides to expose it, see DESIGN.md).
func (t *EntryTable) Reset(user UserID, db DatabaseID, query uint64, key *CacheKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if key != nil {
		t.evictKeyLocked(*key)
		t.statsReset = time.Now()
		return
	}

	var toEvict []CacheKey
	for k := range t.entries {
		if user != 0 && k.UserID != user {
			continue
		}
		if db != 0 && k.DatabaseID != db {
			continue
		}
		if query != 0 && k.QueryID != query {
			continue
		}
		toEvict = append(toEvict, k)
	}
	for _, k := range toEvict {
		t.evictKeyLocked(k)
	}
	t.statsReset = time.Now()
}

// Snapshot returns a new slice holding a pointer to every resident entry,
// for the listing surface (§6 listing function); the entries themselves
// are not copied. Holds the read lock only while the slice is filled.
func (t *EntryTable) Snapshot() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// StatsReset returns the last time Reset was called, or table-creation
// time if never (§3 SharedState.stats_reset).
func (t *EntryTable) StatsReset() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statsReset
}
