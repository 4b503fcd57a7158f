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
	"testing"

	"github.com/HalleyAssist/pg-shared-plans/internal/logutil"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/shmem"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts Options, planner *fakePlanner) *Cache {
	t.Helper()
	return newTestCacheWithSyscache(t, opts, planner, nil)
}

func newTestCacheWithSyscache(t *testing.T, opts Options, planner *fakePlanner, syscache Syscache) *Cache {
	t.Helper()
	if opts.MaxEntries == 0 {
		opts = DefaultOptions()
	}
	return New(opts, planner, syscache, shmem.NewHeapAllocator(1<<20), logutil.Nop(), nil)
}

func TestPlanMissInstallsGenericThenServesFromCache(t *testing.T) {
	opts := DefaultOptions()
	opts.Threshold = 2
	opts.MinPlanTimeMS = 0
	planner := &fakePlanner{GenericCost: 5, CustomCost: 50, Relations: []ObjectID{100}}
	c := newTestCache(t, opts, planner)

	ctx := context.Background()
	q := testQuery(42)

	for i := 0; i < 2; i++ {
		plan, err := c.Plan(ctx, q, ParamValues{"1"}, NoUser, 1, "")
		require.NoError(t, err)
		require.Equal(t, "custom-plan", string(plan.Serialized))
	}

	generic, custom := planner.counts()
	require.Equal(t, 1, generic)
	require.Equal(t, 2, custom)

	plan, err := c.Plan(ctx, q, ParamValues{"1"}, NoUser, 1, "")
	require.NoError(t, err)
	require.Equal(t, "generic-plan", string(plan.Serialized))

	generic, custom = planner.counts()
	require.Equal(t, 1, generic)
	require.Equal(t, 2, custom)
}

func TestPlanBelowMinPlanTimeNeverInstalls(t *testing.T) {
	opts := DefaultOptions()
	opts.MinPlanTimeMS = 1_000_000
	planner := &fakePlanner{GenericCost: 5, CustomCost: 50}
	c := newTestCache(t, opts, planner)

	ctx := context.Background()
	q := testQuery(1)

	plan, err := c.Plan(ctx, q, ParamValues{"1"}, NoUser, 1, "")
	require.NoError(t, err)
	require.Equal(t, "custom-plan", string(plan.Serialized))
	require.Equal(t, 0, c.Table().Len())
}

func TestPlanRejectsUncacheableQuery(t *testing.T) {
	opts := DefaultOptions()
	planner := &fakePlanner{GenericCost: 5, CustomCost: 50}
	c := newTestCache(t, opts, planner)

	q := testQuery(0) // zero QueryID is never cacheable
	plan, err := c.Plan(context.Background(), q, ParamValues{"1"}, NoUser, 1, "")
	require.NoError(t, err)
	require.Equal(t, "custom-plan", string(plan.Serialized))
	require.Equal(t, 0, c.Table().Len())
}

func TestPlanBypassesLockedEntry(t *testing.T) {
	opts := DefaultOptions()
	opts.MinPlanTimeMS = 0
	planner := &fakePlanner{GenericCost: 5, CustomCost: 50}
	c := newTestCache(t, opts, planner)
	ctx := context.Background()
	q := testQuery(7)

	_, err := c.Plan(ctx, q, ParamValues{"1"}, NoUser, 1, "")
	require.NoError(t, err)

	key, _, err := c.fp.Build(q, NoUser, 1)
	require.NoError(t, err)
	c.Table().Lock(key, "sess")

	_, custom := planner.counts()
	plan, err := c.Plan(ctx, q, ParamValues{"1"}, NoUser, 1, "")
	require.NoError(t, err)
	require.Equal(t, "custom-plan", string(plan.Serialized))
	_, customAfter := planner.counts()
	require.Equal(t, custom+1, customAfter)
}

func TestDisabledCacheAlwaysPlansCustom(t *testing.T) {
	opts := DefaultOptions()
	opts.Enabled = false
	planner := &fakePlanner{GenericCost: 5, CustomCost: 50}
	c := newTestCache(t, opts, planner)

	_, err := c.Plan(context.Background(), testQuery(1), ParamValues{"1"}, NoUser, 1, "")
	require.NoError(t, err)
	generic, _ := planner.counts()
	require.Equal(t, 0, generic)
}

func TestPlanRejectsRelationWithNonReturnRule(t *testing.T) {
	opts := DefaultOptions()
	opts.MinPlanTimeMS = 0
	planner := &fakePlanner{GenericCost: 5, CustomCost: 50}
	syscache := newFakeSyscache()
	syscache.setRules(100, []RewriteRule{{Name: "log_it"}})
	c := newTestCacheWithSyscache(t, opts, planner, syscache)

	_, err := c.Plan(context.Background(), testQuery(1), ParamValues{"1"}, NoUser, 1, "")
	require.NoError(t, err)
	require.Equal(t, 0, c.Table().Len())
}

func TestPlanAllowsSimpleViewReturnRule(t *testing.T) {
	opts := DefaultOptions()
	opts.MinPlanTimeMS = 0
	planner := &fakePlanner{GenericCost: 5, CustomCost: 50}
	syscache := newFakeSyscache()
	syscache.setRules(100, []RewriteRule{{Name: "_RETURN", IsReturn: true, IsForView: true}})
	c := newTestCacheWithSyscache(t, opts, planner, syscache)

	_, err := c.Plan(context.Background(), testQuery(1), ParamValues{"1"}, NoUser, 1, "")
	require.NoError(t, err)
	require.Equal(t, 1, c.Table().Len())
}

func TestReadOnlySessionNeverInstalls(t *testing.T) {
	opts := DefaultOptions()
	opts.MinPlanTimeMS = 0
	planner := &fakePlanner{GenericCost: 5, CustomCost: 50}
	c := newTestCache(t, opts, planner)
	c.markReadOnlySession("sess")

	_, err := c.Plan(context.Background(), testQuery(1), ParamValues{"1"}, NoUser, 1, "sess")
	require.NoError(t, err)
	require.Equal(t, 0, c.Table().Len())

	c.EndTransaction("sess")
	_, err = c.Plan(context.Background(), testQuery(1), ParamValues{"1"}, NoUser, 1, "sess")
	require.NoError(t, err)
	require.Equal(t, 1, c.Table().Len())
}
