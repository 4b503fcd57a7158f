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
	"context"
	"sync"
	"time"

	"github.com/HalleyAssist/pg-shared-plans/internal/logutil"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/rdepend"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/shmem"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Cache is the planner interceptor (§4.6): the single entry point the
// host's planning path calls instead of (or before falling through to)
// its own planner. It owns the fingerprint builder, the entry table, the
// shared allocator bridge and the dependency index together, the way
// plan_opt.go's optPlanningCtx owns the pieces it coordinates between.
type Cache struct {
	opts     Options
	fp       *FingerprintBuilder
	table    *EntryTable
	alloc    *shmem.Bridge
	rdeps    *rdepend.Table
	planner  Planner
	syscache Syscache
	log      logutil.Logger
	metrics  *Metrics

	roMu            sync.Mutex
	readOnlySession map[string]struct{}
}

// New wires a Cache from its collaborators. planner and log may not be
// nil; metrics may be nil to disable instrumentation entirely. syscache
// may be nil, in which case the rewrite-rule rejection check in Plan is
// skipped (a host with no catalog to consult can't answer it).
func New(opts Options, planner Planner, syscache Syscache, raw shmem.RawAllocator, log logutil.Logger, metrics *Metrics) *Cache {
	alloc := shmem.NewBridge(raw)
	rdeps := rdepend.New(opts.RDependMax)
	table := NewEntryTable(opts.MaxEntries, rdeps, alloc)
	return &Cache{
		opts:            opts,
		fp:              NewFingerprintBuilder(opts),
		table:           table,
		alloc:           alloc,
		rdeps:           rdeps,
		planner:         planner,
		syscache:        syscache,
		log:             log,
		metrics:         metrics,
		readOnlySession: make(map[string]struct{}),
	}
}

// Table exposes the underlying entry table, for the invalidator and the
// administrative surface, both of which live in this same package but
// are cleaner to write against the narrower EntryTable API.
func (c *Cache) Table() *EntryTable { return c.table }

// Allocator exposes the shared allocator bridge, for Info()'s accounting
// scalars.
func (c *Cache) Allocator() *shmem.Bridge { return c.alloc }

// RDepends exposes the reverse-dependency index, for the invalidator.
func (c *Cache) RDepends() *rdepend.Table { return c.rdeps }

func (c *Cache) countHit()      { c.inc(c.metricsOrNil(), "hit") }
func (c *Cache) countMiss()     { c.inc(c.metricsOrNil(), "miss") }
func (c *Cache) countBypass()   { c.inc(c.metricsOrNil(), "bypass") }
func (c *Cache) countStale()    { c.inc(c.metricsOrNil(), "stale") }
func (c *Cache) metricsOrNil() *Metrics { return c.metrics }

func (c *Cache) inc(m *Metrics, kind string) {
	if m == nil {
		return
	}
	switch kind {
	case "hit":
		m.Hits.Inc()
	case "miss":
		m.Misses.Inc()
	case "bypass":
		m.Bypasses.Inc()
	case "stale":
		m.StaleHits.Inc()
	}
}

// redactf builds a log message with redact.Sprintf, then scrubs it with
// Redact() before handing it back as a plain string: any argument not
// wrapped in redact.Safe — SQL text, literals, anything that could echo
// user data — is replaced by a redaction marker, matching the teacher's
// redact.Safe(msg) idiom of marking only known-safe values and letting
// everything else default to unsafe.
func redactf(format string, args ...interface{}) string {
	return string(redact.Sprintf(format, args...).Redact())
}

// Plan implements §4.6: it either serves a decompressed copy of a cached
// generic plan, or falls through to the host planner for a custom plan,
// recording whatever statistics that decision requires for next time.
//
// user and db scope the fingerprint to the requesting session; relDB is
// the database the plan's relation dependencies are registered under
// (ordinarily equal to db, kept separate because the fingerprint and the
// dependency index are allowed to disagree about database scoping in
// principle). sessionID scopes the §4.8 "read-only cache" mode a prior
// invalidation batch may have forced this session's transaction into;
// pass "" if the host has no stable session identity (see session.go).
func (c *Cache) Plan(
	ctx context.Context,
	query AnalyzedQuery,
	params ParamValues,
	user UserID,
	db DatabaseID,
	sessionID string,
) (Plan, error) {
	if !c.opts.Enabled {
		return c.planCustom(ctx, query, params)
	}

	key, numConst, err := c.fp.Build(query, user, db)
	if err == nil {
		err = c.checkRewriteRules(query)
	}
	if err != nil {
		c.log.VEventf(ctx, 2, "%s", redactf("sharedplan: %s not cacheable: %v", query.SQLText, redact.Safe(err)))
		return c.planCustom(ctx, query, params)
	}

	entry, ok := c.table.Lookup(key)
	if ok && entry.LockersCount() > 0 {
		c.log.VEventf(ctx, 2, "%s", redactf("sharedplan: %v locked, bypassing cache", redact.Safe(key.String())))
		return c.planCustom(ctx, query, params)
	}

	if !ok || entry.IsDiscarded() {
		return c.planMissAndMaybeInstall(ctx, key, db, query, params, numConst, sessionID)
	}

	decision := entry.choosePlan(c.opts.Threshold, entry.PlanTimeMS)
	if decision.UseCached {
		c.countBypass()
		plan, err := c.decodeCached(entry)
		if err == nil {
			c.countHit()
			return plan, nil
		}
		if !IsStaleHit(err) {
			return Plan{}, err
		}
		c.countStale()
		// fall through: lost a race with a concurrent discard, plan fresh.
	}

	custom, _, err := c.planner.Plan(ctx, query, params)
	if err != nil {
		return Plan{}, err
	}
	c.countMiss()
	if decision.AccumulateCustom {
		entry.accumulateCustomStats(custom.TotalCost)
	}
	return custom, nil
}

// decodeCached reads and decompresses entry's plan blob, re-checking the
// discard counter before and after the copy so a concurrent Discard/Evict
// racing the read is detected rather than silently served (§4.6 step 4,
// §3 invariant 4, §5 "Invalidation → Lookup").
func (c *Cache) decodeCached(entry *Entry) (Plan, error) {
	before := entry.DiscardCounter()
	if entry.IsDiscarded() {
		return Plan{}, ErrStaleHit
	}
	raw := c.alloc.Deref(entry.PlanRef)
	snapshot := make([]byte, len(raw))
	copy(snapshot, raw)
	if entry.DiscardCounter() != before {
		return Plan{}, ErrStaleHit
	}

	decoded, err := DecodePlan(nil, snapshot)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Serialized: decoded, TotalCost: entry.GenericCost}, nil
}

// IsStaleHit reports whether err is (or wraps) ErrStaleHit.
func IsStaleHit(err error) bool {
	return errors.Is(err, ErrStaleHit)
}

// checkRewriteRules implements the remainder of §4.1's rejection policy:
// a query over a relation carrying any rewrite rule other than a single
// simple-view _RETURN rule is not cacheable. Skipped entirely when the
// cache was built without a Syscache, since only the host's catalog can
// answer this.
func (c *Cache) checkRewriteRules(query AnalyzedQuery) error {
	if c.syscache == nil {
		return nil
	}
	for _, t := range query.Tables {
		rules, err := c.syscache.Rules(t.Relation)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			continue
		}
		if len(rules) == 1 && rules[0].IsReturn && rules[0].IsForView {
			continue
		}
		return ErrNotCacheable
	}
	return nil
}

// markReadOnlySession forces sessionID into "read-only cache" mode for
// the remainder of its transaction (§4.8): after any discard/evict batch
// the invalidator drives, the session must not populate the cache with
// plans that might never commit.
func (c *Cache) markReadOnlySession(sessionID string) {
	if sessionID == "" {
		return
	}
	c.roMu.Lock()
	c.readOnlySession[sessionID] = struct{}{}
	c.roMu.Unlock()
}

// isReadOnlySession reports whether sessionID is currently forced
// read-only by a prior invalidation batch (§4.8).
func (c *Cache) isReadOnlySession(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	c.roMu.Lock()
	defer c.roMu.Unlock()
	_, ok := c.readOnlySession[sessionID]
	return ok
}

// EndTransaction clears sessionID's "read-only cache" flag. The host
// calls this once the session's transaction commits or aborts, since
// the restriction is scoped to a single transaction (§4.8).
func (c *Cache) EndTransaction(sessionID string) {
	if sessionID == "" {
		return
	}
	c.roMu.Lock()
	delete(c.readOnlySession, sessionID)
	c.roMu.Unlock()
}

// planCustom is the uninstrumented fallback used whenever the cache is
// disabled, read-only, or has rejected the query outright.
func (c *Cache) planCustom(ctx context.Context, query AnalyzedQuery, params ParamValues) (Plan, error) {
	plan, _, err := c.planner.Plan(ctx, query, params)
	return plan, err
}

// planMissAndMaybeInstall handles a cold or discarded entry: it builds a
// fresh generic plan, decides whether it clears the min_plan_time bar,
// installs it if so, then always also produces the caller's actual
// custom plan (§4.6 step 5, §4.7).
func (c *Cache) planMissAndMaybeInstall(
	ctx context.Context,
	key CacheKey,
	db DatabaseID,
	query AnalyzedQuery,
	params ParamValues,
	numConst int,
	sessionID string,
) (Plan, error) {
	c.countMiss()

	if c.opts.ReadOnly || c.isReadOnlySession(sessionID) {
		return c.planCustom(ctx, query, params)
	}

	start := time.Now()
	generic, meta, err := c.planner.Plan(ctx, query, nil)
	planTimeMS := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return Plan{}, err
	}

	if planTimeMS < c.opts.MinPlanTimeMS {
		custom, _, err := c.planner.Plan(ctx, query, params)
		if err != nil {
			return Plan{}, err
		}
		return custom, nil
	}

	if err := installGenericPlan(c.table, c.alloc, key, db, generic, meta, planTimeMS, numConst, query.SQLText); err != nil {
		c.log.Warningf(ctx, "%s", redactf("sharedplan: install of %v failed: %v", redact.Safe(key.String()), redact.Safe(err)))
	}

	custom, _, err := c.planner.Plan(ctx, query, params)
	if err != nil {
		return Plan{}, err
	}
	if entry, ok := c.table.Lookup(key); ok {
		entry.accumulateCustomStats(custom.TotalCost)
	}
	return custom, nil
}
