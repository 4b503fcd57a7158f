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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvictorPrefersLowestUsage(t *testing.T) {
	table, alloc, _ := newTestTable(1000)

	for i := 0; i < 20; i++ {
		handle, err := alloc.Alloc(4)
		require.NoError(t, err)
		staged := stagedPlan("plan", nil)
		staged.PlanRef = handle
		key := CacheKey{QueryID: uint64(i) + 1}
		require.NoError(t, table.Install(key, 1, staged))
		e, _ := table.Lookup(key)
		e.recordUsage(float64(i))
	}

	table.mu.Lock()
	table.evictLocked()
	table.mu.Unlock()

	require.Equal(t, 10, table.Len())

	// The ten lowest-usage entries (query ids 1..10) should be gone; the
	// ten highest-usage ones (11..20) should survive.
	for i := 0; i < 10; i++ {
		_, ok := table.Lookup(CacheKey{QueryID: uint64(i) + 1})
		require.False(t, ok, "low-usage entry %d should have been evicted", i+1)
	}
	for i := 10; i < 20; i++ {
		_, ok := table.Lookup(CacheKey{QueryID: uint64(i) + 1})
		require.True(t, ok, "high-usage entry %d should have survived", i+1)
	}
}

func TestEvictorFloorsAtMinEvictCount(t *testing.T) {
	table, alloc, _ := newTestTable(1000)

	for i := 0; i < 12; i++ {
		handle, err := alloc.Alloc(4)
		require.NoError(t, err)
		staged := stagedPlan("plan", nil)
		staged.PlanRef = handle
		require.NoError(t, table.Install(CacheKey{QueryID: uint64(i) + 1}, 1, staged))
	}

	table.mu.Lock()
	table.evictLocked()
	table.mu.Unlock()

	require.Equal(t, 2, table.Len())
}
