// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package keys defines the identifier and key types shared by the entry
// table, the reverse-dependency index, and the fingerprint builder. It is
// a leaf package (no dependency on sharedplan or rdepend) so that both of
// those can depend on it without an import cycle, the same layering
// cockroach's own pkg/keys occupies relative to pkg/sql and pkg/kv.
package keys

import (
	"fmt"

	farm "github.com/dgryski/go-farm"
)

// NoUser is the sentinel user_id used when row-level security does not
// apply to a query, so that distinct users share one cache entry (§4.1).
const NoUser UserID = 0

// UserID, DatabaseID, ObjectID and ClassID identify host-side objects.
// They are opaque to the cache; the host is free to use whatever stable
// numbering it already has (e.g. a Postgres Oid, or a descriptor ID).
type (
	UserID     uint32
	DatabaseID uint32
	ObjectID   uint32
	ClassID    uint32
)

// Well-known ClassID values the invalidator and fingerprint builder agree
// on. Hosts may define additional classes for other catalog object kinds;
// these three are the ones the spec names explicitly (relations, and the
// two non-relation dependency kinds whose identity is tracked via hash).
const (
	ClassRelation ClassID = iota + 1
	ClassType
	ClassProcedure
)

// CacheKey fingerprints a planning request for caching purposes (§3).
// Equality is fieldwise; Hash is a deterministic combine of the four
// fields. The entry table and the dependency index key on the CacheKey
// value itself; Hash only breaks usage ties in the eviction engine.
type CacheKey struct {
	UserID     UserID
	DatabaseID DatabaseID
	QueryID    uint64
	ConstID    uint32
}

// Hash returns a deterministic 64-bit combine of the key's fields, using
// FarmHash (github.com/dgryski/go-farm) — the same hash family the
// fingerprint builder folds const_id with, so the whole fingerprinting
// pipeline standardizes on one hash implementation.
func (k CacheKey) Hash() uint64 {
	var buf [20]byte
	putUint32(buf[0:4], uint32(k.UserID))
	putUint32(buf[4:8], uint32(k.DatabaseID))
	putUint64(buf[8:16], k.QueryID)
	putUint32(buf[16:20], k.ConstID)
	return farm.Hash64(buf[:])
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// RDependKey is the triple a reverse-dependency entry is keyed on (§3).
// For relation dependencies ObjectID is the relation id; for non-relation
// dependencies (types, procedures) it is a stable hash of the object's
// syscache identity, per §4.7 step 3.
type RDependKey struct {
	DatabaseID DatabaseID
	ClassID    ClassID
	ObjectID   ObjectID
}

// String implements fmt.Stringer for CacheKey, used in log messages.
func (k CacheKey) String() string {
	if k.UserID == NoUser {
		return fmt.Sprintf("(db=%d query=%d const=%d)", k.DatabaseID, k.QueryID, k.ConstID)
	}
	return fmt.Sprintf("(user=%d db=%d query=%d const=%d)", k.UserID, k.DatabaseID, k.QueryID, k.ConstID)
}

// Hash returns a deterministic combine of rdep's fields, used to shard
// the reverse-dependency table into independently-locked buckets.
func (rdep RDependKey) Hash() uint64 {
	var buf [12]byte
	putUint32(buf[0:4], uint32(rdep.DatabaseID))
	putUint32(buf[4:8], uint32(rdep.ClassID))
	putUint32(buf[8:12], uint32(rdep.ObjectID))
	return farm.Hash64(buf[:])
}
