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
	"fmt"
	"sync"
	"time"

	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/keys"
	lru "github.com/hashicorp/golang-lru/v2"
)

// fakePlanner is a scriptable Planner: GenericCost/CustomCost/Sleep can be
// set per test, and every call is counted so tests can assert on how many
// times the cache actually invoked the host planner.
type fakePlanner struct {
	mu sync.Mutex

	GenericCost  float64
	CustomCost   float64
	GenericSleep time.Duration
	Relations    []keys.ObjectID
	NonRelDeps   []keys.RDependKey
	Err          error

	GenericCalls int
	CustomCalls  int
}

func (p *fakePlanner) Plan(ctx context.Context, query AnalyzedQuery, params ParamValues) (Plan, PlanMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return Plan{}, PlanMetadata{}, p.Err
	}

	if params == nil {
		p.GenericCalls++
		if p.GenericSleep > 0 {
			time.Sleep(p.GenericSleep)
		}
		return Plan{Serialized: []byte("generic-plan"), TotalCost: p.GenericCost},
			PlanMetadata{Relations: p.Relations, NonRelationDeps: p.NonRelDeps, NumRTable: len(p.Relations)},
			nil
	}

	p.CustomCalls++
	return Plan{Serialized: []byte("custom-plan"), TotalCost: p.CustomCost}, PlanMetadata{}, nil
}

func (p *fakePlanner) counts() (generic, custom int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.GenericCalls, p.CustomCalls
}

// fakeSyscache is a Syscache backed by in-memory maps, with HashOf
// memoized through an LRU cache the way a real catalog lookup would be
// worth caching across repeated invalidation events against the same
// object — exercising the module's test-tooling dependency on
// hashicorp/golang-lru rather than reaching for a bare map there too.
type fakeSyscache struct {
	mu        sync.Mutex
	hashes    *lru.Cache[string, uint32]
	nextHash  uint32
	kinds     map[keys.ObjectID]RelKind
	rules     map[keys.ObjectID][]RewriteRule
	parents   map[keys.ObjectID][]keys.ObjectID
	children  map[keys.ObjectID][]keys.ObjectID
}

func newFakeSyscache() *fakeSyscache {
	c, err := lru.New[string, uint32](256)
	if err != nil {
		panic(err)
	}
	return &fakeSyscache{
		hashes:   c,
		kinds:    make(map[keys.ObjectID]RelKind),
		rules:    make(map[keys.ObjectID][]RewriteRule),
		parents:  make(map[keys.ObjectID][]keys.ObjectID),
		children: make(map[keys.ObjectID][]keys.ObjectID),
	}
}

func (s *fakeSyscache) HashOf(class keys.ClassID, oid keys.ObjectID) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%d:%d", class, oid)
	if h, ok := s.hashes.Get(k); ok {
		return h, nil
	}
	s.nextHash++
	s.hashes.Add(k, s.nextHash)
	return s.nextHash, nil
}

func (s *fakeSyscache) RelKind(oid keys.ObjectID) (RelKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kinds[oid], nil
}

func (s *fakeSyscache) Rules(oid keys.ObjectID) ([]RewriteRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[oid], nil
}

func (s *fakeSyscache) InheritanceParents(oid keys.ObjectID) ([]keys.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keys.ObjectID, len(s.parents[oid]))
	copy(out, s.parents[oid])
	return out, nil
}

func (s *fakeSyscache) AllInheritors(oid keys.ObjectID) ([]keys.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keys.ObjectID, len(s.children[oid]))
	copy(out, s.children[oid])
	return out, nil
}

func (s *fakeSyscache) setChild(parent, child keys.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[parent] = append(s.children[parent], child)
	s.parents[child] = append(s.parents[child], parent)
}

func (s *fakeSyscache) setRules(oid keys.ObjectID, rules []RewriteRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[oid] = rules
}

func testQuery(queryID uint64) AnalyzedQuery {
	return AnalyzedQuery{
		QueryID:  queryID,
		Literals: []string{"1"},
		Tables:   []TableRef{{Relation: 100, Alias: "t"}},
		SQLText:  "select * from t where id = $1",
	}
}
