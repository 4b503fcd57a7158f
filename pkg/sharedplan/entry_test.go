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

func TestChoosePlanBelowThreshold(t *testing.T) {
	e := newEntry(CacheKey{QueryID: 1})
	e.GenericCost = 10

	for i := 0; i < 3; i++ {
		res := e.choosePlan(5, 2.5)
		require.False(t, res.UseCached)
		require.True(t, res.AccumulateCustom)
		e.accumulateCustomStats(20)
	}
	require.EqualValues(t, 3, e.NumCustomPlans())
	require.EqualValues(t, 0, e.Bypass())
}

func TestChoosePlanAtThresholdUsesCheaperGeneric(t *testing.T) {
	e := newEntry(CacheKey{QueryID: 1})
	e.GenericCost = 10

	for i := 0; i < 5; i++ {
		e.accumulateCustomStats(20)
	}
	require.EqualValues(t, 5, e.NumCustomPlans())

	res := e.choosePlan(5, 1.0)
	require.True(t, res.UseCached)
	require.EqualValues(t, 1, e.Bypass())
}

func TestChoosePlanAtThresholdKeepsPlanningWhenGenericCostlier(t *testing.T) {
	e := newEntry(CacheKey{QueryID: 1})
	e.GenericCost = 100

	for i := 0; i < 5; i++ {
		e.accumulateCustomStats(10)
	}

	res := e.choosePlan(5, 1.0)
	require.False(t, res.UseCached)
	require.False(t, res.AccumulateCustom)
	require.EqualValues(t, 0, e.Bypass())
}

func TestDiscardCounterAndIsDiscarded(t *testing.T) {
	e := newEntry(CacheKey{QueryID: 1})
	require.True(t, e.IsDiscarded())
	require.EqualValues(t, 0, e.DiscardCounter())

	e.PlanRef = 42
	require.False(t, e.IsDiscarded())

	e.bumpDiscardCounter()
	require.EqualValues(t, 1, e.DiscardCounter())
}

func TestUsageDecay(t *testing.T) {
	e := newEntry(CacheKey{QueryID: 1})
	e.recordUsage(100)
	require.InDelta(t, 100, e.Usage(), 0.001)

	e.decayUsage(0.5)
	require.InDelta(t, 50, e.Usage(), 0.001)
}
