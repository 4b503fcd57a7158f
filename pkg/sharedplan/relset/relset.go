// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package relset implements an unordered set of relation identifiers,
// used by the entry table's Install to compare a re-installed entry's old
// and new relation sets when reconciling its reverse-dependency
// registrations.
package relset

import "github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/keys"

// Set efficiently stores an unordered set of relation ids. Unlike the
// optimizer's own column-id set, which special-cases small dense integer
// ranges with a bitset, relation ids here are host-assigned with no
// bounded range guarantee, so a map-backed set is the right trade-off.
type Set struct {
	m map[keys.ObjectID]struct{}
}

// Make returns a set initialized with the given values.
func Make(vals ...keys.ObjectID) Set {
	s := Set{m: make(map[keys.ObjectID]struct{}, len(vals))}
	for _, v := range vals {
		s.Add(v)
	}
	return s
}

// Add adds a relation to the set. No-op if already present.
func (s *Set) Add(rel keys.ObjectID) {
	if s.m == nil {
		s.m = make(map[keys.ObjectID]struct{})
	}
	s.m[rel] = struct{}{}
}

// Contains returns true if the set contains rel.
func (s Set) Contains(rel keys.ObjectID) bool {
	_, ok := s.m[rel]
	return ok
}

// Len returns the number of relations in the set.
func (s Set) Len() int { return len(s.m) }

// ForEach calls f for each relation in the set. Iteration order is
// unspecified.
func (s Set) ForEach(f func(rel keys.ObjectID)) {
	for rel := range s.m {
		f(rel)
	}
}

// ToSlice converts the set to a slice. Order is unspecified.
func (s Set) ToSlice() []keys.ObjectID {
	out := make([]keys.ObjectID, 0, len(s.m))
	for rel := range s.m {
		out = append(out, rel)
	}
	return out
}

// Difference returns the relations in s that are not in rhs, as a new
// slice — used by the install path's reconciliation step (§4.4 Install
// step 3) to find dependencies to unregister.
func (s Set) Difference(rhs Set) []keys.ObjectID {
	var out []keys.ObjectID
	for rel := range s.m {
		if !rhs.Contains(rel) {
			out = append(out, rel)
		}
	}
	return out
}
