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
	"strconv"

	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/keys"
	farm "github.com/dgryski/go-farm"
)

// FingerprintBuilder derives a CacheKey from an analyzed query, or
// rejects the query as uncacheable (§4.1).
type FingerprintBuilder struct {
	opts Options
}

// NewFingerprintBuilder constructs a builder using opts for the "cache
// all" mode toggle.
func NewFingerprintBuilder(opts Options) *FingerprintBuilder {
	return &FingerprintBuilder{opts: opts}
}

// Build computes a CacheKey and the constant-literal count for q, or
// returns ErrNotCacheable if q fails the rejection policy.
func (b *FingerprintBuilder) Build(q AnalyzedQuery, user keys.UserID, db keys.DatabaseID) (CacheKey, int, error) {
	if q.IsUtility {
		return CacheKey{}, 0, ErrNotCacheable
	}
	if q.QueryID == 0 {
		return CacheKey{}, 0, ErrNotCacheable
	}
	for _, t := range q.Tables {
		if t.Persistence.IsTemporary() {
			return CacheKey{}, 0, ErrNotCacheable
		}
	}
	for _, f := range q.Funcs {
		if !f.VisibleToCurrent {
			return CacheKey{}, 0, ErrNotCacheable
		}
	}

	uid := keys.NoUser
	if q.RowLevelSecure {
		uid = user
	}

	constID := b.foldConstID(q)

	key := CacheKey{
		UserID:     uid,
		DatabaseID: db,
		QueryID:    q.QueryID,
		ConstID:    constID,
	}
	return key, len(q.Literals), nil
}

// foldConstID walks q and folds every literal and version-dependent
// discriminator into a single 32-bit hash (§4.1). The fold order is
// fixed so that two structurally identical queries always produce the
// same const_id.
func (b *FingerprintBuilder) foldConstID(q AnalyzedQuery) uint32 {
	h := newFoldState()

	for _, lit := range q.Literals {
		h.foldString(lit)
	}

	for _, t := range q.Tables {
		h.foldString(t.Alias)
		for _, col := range t.ColumnNames {
			h.foldString(col)
		}
	}
	for _, col := range q.Output {
		h.foldString(col.Name)
	}

	h.foldBool(q.InheritanceFlag)
	h.foldInt(int64(q.LimitModality))
	h.foldInt(int64(q.GroupingFuncLevel))
	h.foldString(q.XMLElementName)
	h.foldString(q.ParamCollation)

	if b.opts.CacheAllStatements {
		h.foldString(q.RowType)
		for _, col := range q.Output {
			h.foldString(col.Name)
		}
	}

	return h.sum32()
}

// foldState accumulates a stream of values into a 32-bit digest. It folds
// each value's canonical textual serialization the way §4.1 prescribes,
// using FarmHash to combine successive values — the same hash family
// CacheKey.Hash and RDependKey.Hash use, so const_id derivation and key
// hashing share one implementation.
type foldState struct {
	acc uint64
}

func newFoldState() *foldState {
	// A non-zero seed so that an entirely empty query (no literals, no
	// discriminators) doesn't collide with the zero value of ConstID,
	// which would otherwise be indistinguishable from "never folded".
	return &foldState{acc: 0x9e3779b97f4a7c15}
}

func (f *foldState) foldString(s string) {
	f.acc = farm.Hash64WithSeed([]byte(s), f.acc)
}

func (f *foldState) foldBool(b bool) {
	if b {
		f.foldString("t")
	} else {
		f.foldString("f")
	}
}

func (f *foldState) foldInt(v int64) {
	f.foldString(strconv.FormatInt(v, 10))
}

func (f *foldState) sum32() uint32 {
	return uint32(f.acc) ^ uint32(f.acc>>32)
}
