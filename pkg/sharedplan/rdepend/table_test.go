// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package rdepend

import (
	"testing"

	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/keys"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	tbl := New(10)
	rdep := keys.RDependKey{DatabaseID: 1, ClassID: keys.ClassRelation, ObjectID: 5}
	k1 := keys.CacheKey{QueryID: 1}
	k2 := keys.CacheKey{QueryID: 2}

	victims, err := tbl.Register(k1, rdep)
	require.NoError(t, err)
	require.Nil(t, victims)

	victims, err = tbl.Register(k2, rdep)
	require.NoError(t, err)
	require.Nil(t, victims)

	got := tbl.LookupKeys(rdep)
	require.ElementsMatch(t, []keys.CacheKey{k1, k2}, got)
}

func TestRegisterDedupes(t *testing.T) {
	tbl := New(10)
	rdep := keys.RDependKey{DatabaseID: 1, ClassID: keys.ClassRelation, ObjectID: 5}
	k := keys.CacheKey{QueryID: 1}

	_, err := tbl.Register(k, rdep)
	require.NoError(t, err)
	_, err = tbl.Register(k, rdep)
	require.NoError(t, err)

	require.Len(t, tbl.LookupKeys(rdep), 1)
}

func TestUnregisterRemovesEmptyEntry(t *testing.T) {
	tbl := New(10)
	rdep := keys.RDependKey{DatabaseID: 1, ClassID: keys.ClassRelation, ObjectID: 5}
	k := keys.CacheKey{QueryID: 1}

	_, err := tbl.Register(k, rdep)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())

	tbl.Unregister(k, rdep)
	require.Empty(t, tbl.LookupKeys(rdep))
	require.Equal(t, 0, tbl.Len())
}

func TestOverflowReturnsVictims(t *testing.T) {
	tbl := New(2)
	rdep := keys.RDependKey{DatabaseID: 1, ClassID: keys.ClassRelation, ObjectID: 5}

	_, err := tbl.Register(keys.CacheKey{QueryID: 1}, rdep)
	require.NoError(t, err)
	_, err = tbl.Register(keys.CacheKey{QueryID: 2}, rdep)
	require.NoError(t, err)

	victims, err := tbl.Register(keys.CacheKey{QueryID: 3}, rdep)
	require.ErrorIs(t, err, ErrOverflow)
	require.ElementsMatch(t, []keys.CacheKey{{QueryID: 1}, {QueryID: 2}}, victims)
}

func TestLenCountsDistinctDependencies(t *testing.T) {
	tbl := New(10)
	require.Equal(t, 0, tbl.Len())

	_, err := tbl.Register(keys.CacheKey{QueryID: 1}, keys.RDependKey{DatabaseID: 1, ObjectID: 1})
	require.NoError(t, err)
	_, err = tbl.Register(keys.CacheKey{QueryID: 1}, keys.RDependKey{DatabaseID: 1, ObjectID: 2})
	require.NoError(t, err)

	require.Equal(t, 2, tbl.Len())
}
