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
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/shmem"
)

// installGenericPlan implements §4.7: compress and copy a freshly built
// generic plan into shared memory, then hand the entry table a StagedPlan
// carrying the allocation and the relation/dependency sets the plan's
// metadata names. Once the allocation is staged, Install owns PlanRef for
// both outcomes — on success it transfers ownership into the entry, on
// failure its own rollback frees it — so this function must not free it
// again itself.
func installGenericPlan(
	table *EntryTable,
	alloc *shmem.Bridge,
	key CacheKey,
	relDB DatabaseID,
	plan Plan,
	meta PlanMetadata,
	planTimeMS float64,
	numConst int,
	queryText string,
) error {
	encoded := EncodePlan(plan.Serialized)

	handle, err := alloc.Alloc(int64(len(encoded)))
	if err != nil {
		return err
	}
	copy(alloc.Deref(handle), encoded)

	staged := StagedPlan{
		PlanRef:     handle,
		PlanLen:     int64(len(encoded)),
		PlanTimeMS:  planTimeMS,
		GenericCost: plan.TotalCost,
		NumConst:    numConst,
		Rels:        meta.Relations,
		Rdeps:       meta.NonRelationDeps,
		QueryText:   queryText,
	}

	return table.Install(key, relDB, staged)
}
