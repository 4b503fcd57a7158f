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
	"github.com/stretchr/testify/require"
)

func installTestEntry(t *testing.T, c *Cache, queryID uint64, rel ObjectID, db DatabaseID) CacheKey {
	t.Helper()
	q := testQuery(queryID)
	q.Tables = []TableRef{{Relation: rel, Alias: "t"}}
	key, _, err := c.fp.Build(q, NoUser, db)
	require.NoError(t, err)
	require.NoError(t, installGenericPlan(c.table, c.alloc, key, db, Plan{Serialized: []byte("g"), TotalCost: 1},
		PlanMetadata{Relations: []ObjectID{rel}}, 10, 0, q.SQLText))
	return key
}

func TestInvalidatorDropTableEvicts(t *testing.T) {
	opts := DefaultOptions()
	c := newTestCache(t, opts, &fakePlanner{})
	syscache := newFakeSyscache()
	inv := NewInvalidator(c, syscache, logutil.Nop())

	key := installTestEntry(t, c, 1, 100, 5)

	stmt := UtilityStatement{Kind: StmtDropTable, DatabaseID: 5, TargetRel: 100, DroppedObj: 100, DroppedCls: ClassRelation}
	require.NoError(t, inv.PostExecute(context.Background(), stmt))

	_, ok := c.table.Lookup(key)
	require.False(t, ok)
}

func TestInvalidatorAlterTableDiscardsNotEvicts(t *testing.T) {
	opts := DefaultOptions()
	c := newTestCache(t, opts, &fakePlanner{})
	syscache := newFakeSyscache()
	inv := NewInvalidator(c, syscache, logutil.Nop())

	key := installTestEntry(t, c, 1, 100, 5)

	stmt := UtilityStatement{Kind: StmtAlterTableExclusiveLock, DatabaseID: 5, TargetRel: 100}
	require.NoError(t, inv.PostExecute(context.Background(), stmt))

	e, ok := c.table.Lookup(key)
	require.True(t, ok)
	require.True(t, e.IsDiscarded())
}

func TestInvalidatorConcurrentDropLocksThenUnlocks(t *testing.T) {
	opts := DefaultOptions()
	c := newTestCache(t, opts, &fakePlanner{})
	syscache := newFakeSyscache()
	inv := NewInvalidator(c, syscache, logutil.Nop())

	key := installTestEntry(t, c, 1, 100, 5)

	stmt := UtilityStatement{
		Kind: StmtDropIndexConcurrent, DatabaseID: 5, TargetRel: 100,
		DroppedObj: 100, DroppedCls: ClassRelation, SessionID: "sess",
	}
	ctx := context.Background()
	require.NoError(t, inv.PreExecute(ctx, stmt))

	e, ok := c.table.Lookup(key)
	require.True(t, ok)
	require.EqualValues(t, 1, e.LockersCount())
	require.True(t, e.IsDiscarded())

	require.NoError(t, inv.PostExecute(ctx, stmt))
	_, ok = c.table.Lookup(key)
	require.False(t, ok, "StmtDropIndexConcurrent evicts on completion")
}

func TestInvalidatorInheritanceClosureReachesChildren(t *testing.T) {
	opts := DefaultOptions()
	c := newTestCache(t, opts, &fakePlanner{})
	syscache := newFakeSyscache()
	syscache.setChild(100, 200)
	inv := NewInvalidator(c, syscache, logutil.Nop())

	keyChild := installTestEntry(t, c, 1, 200, 5)

	stmt := UtilityStatement{Kind: StmtAlterTableExclusiveLock, DatabaseID: 5, TargetRel: 100}
	require.NoError(t, inv.PostExecute(context.Background(), stmt))

	e, ok := c.table.Lookup(keyChild)
	require.True(t, ok)
	require.True(t, e.IsDiscarded(), "altering a parent should discard plans depending on its child")
}

func TestAlterTextSearchDictionaryRejectsInTransactionBlock(t *testing.T) {
	opts := DefaultOptions()
	c := newTestCache(t, opts, &fakePlanner{})
	syscache := newFakeSyscache()
	inv := NewInvalidator(c, syscache, logutil.Nop())

	stmt := UtilityStatement{Kind: StmtAlterTextSearchDictionary, DatabaseID: 5, InTransactionBlock: true}
	require.ErrorIs(t, inv.PreExecute(context.Background(), stmt), ErrInTransactionBlock)
}

func TestAlterTextSearchDictionaryResetsDatabaseAndForcesReadOnly(t *testing.T) {
	opts := DefaultOptions()
	c := newTestCache(t, opts, &fakePlanner{})
	syscache := newFakeSyscache()
	inv := NewInvalidator(c, syscache, logutil.Nop())

	key := installTestEntry(t, c, 1, 100, 5)
	other := installTestEntry(t, c, 2, 200, 9)

	stmt := UtilityStatement{Kind: StmtAlterTextSearchDictionary, DatabaseID: 5, SessionID: "sess"}
	require.NoError(t, inv.PreExecute(context.Background(), stmt))
	require.NoError(t, inv.PostExecute(context.Background(), stmt))

	_, ok := c.table.Lookup(key)
	require.False(t, ok, "database 5 entries must be reset")
	_, ok = c.table.Lookup(other)
	require.True(t, ok, "database 9 entries are unaffected")
	require.True(t, c.isReadOnlySession("sess"))
}

func TestDiscardBatchForcesSessionReadOnly(t *testing.T) {
	opts := DefaultOptions()
	c := newTestCache(t, opts, &fakePlanner{})
	syscache := newFakeSyscache()
	inv := NewInvalidator(c, syscache, logutil.Nop())

	installTestEntry(t, c, 1, 100, 5)

	stmt := UtilityStatement{Kind: StmtAlterTableExclusiveLock, DatabaseID: 5, TargetRel: 100, SessionID: "sess"}
	require.NoError(t, inv.PostExecute(context.Background(), stmt))

	require.True(t, c.isReadOnlySession("sess"))
}

func TestReleaseSessionUnlocksThroughInvalidator(t *testing.T) {
	opts := DefaultOptions()
	c := newTestCache(t, opts, &fakePlanner{})
	syscache := newFakeSyscache()
	inv := NewInvalidator(c, syscache, logutil.Nop())

	key := CacheKey{QueryID: 1}
	c.table.Lock(key, "sess")
	inv.ReleaseSession("sess")

	e, ok := c.table.Lookup(key)
	require.True(t, ok)
	require.EqualValues(t, 0, e.LockersCount())
}
