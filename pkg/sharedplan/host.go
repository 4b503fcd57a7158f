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

	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/keys"
)

// Persistence mirrors the host's table persistence strategy. Only
// PersistenceTemporary matters to the cache: queries touching session-local
// storage are never cacheable (§4.1).
type Persistence int8

const (
	PersistencePermanent Persistence = iota
	PersistenceTemporary
	PersistenceUnlogged
)

// IsTemporary reports whether p designates session-local storage.
func (p Persistence) IsTemporary() bool { return p == PersistenceTemporary }

// RelKind classifies a catalog relation for invalidation purposes.
type RelKind int8

const (
	RelKindTable RelKind = iota
	RelKindView
	RelKindMaterializedView
	RelKindForeignTable
	RelKindIndex
	RelKindSequence
)

// RewriteRule describes a rewrite rule attached to a relation. A query
// against a relation carrying any rule other than a single simple-view
// _RETURN rule is not cacheable (§4.1).
type RewriteRule struct {
	Name      string
	IsReturn  bool
	IsForView bool
}

// TableRef is one base-table reference the fingerprint builder walks.
type TableRef struct {
	Relation    keys.ObjectID
	Persistence Persistence
	Alias       string
	ColumnNames []string
}

// FuncRef is one function/procedure/aggregate invocation the fingerprint
// builder walks, used for the permission-visibility rejection rule.
// Non-relation dependencies are taken from PlanMetadata.NonRelationDeps,
// not from FuncRef.
type FuncRef struct {
	Proc             keys.ObjectID
	VisibleToCurrent bool
}

// TypeRef is one type reference whose identity is tracked via syscache
// hash rather than a stable numeric id (§4.7 step 3).
type TypeRef struct {
	Type keys.ObjectID
}

// OutputColumn is one column of the query's result tuple descriptor, used
// by the optional "cache all" const_id folding (§4.1).
type OutputColumn struct {
	Name string
}

// AnalyzedQuery is what the host hands the fingerprint builder and the
// planner: a fully analyzed query tree, reduced to the handful of
// properties the cache core actually inspects. It is deliberately not a
// full AST — that lives entirely on the host side of the boundary (§1).
type AnalyzedQuery struct {
	QueryID uint64 // host-normalized; zero means "do not cache"

	IsUtility      bool
	RowLevelSecure bool

	Tables []TableRef
	Funcs  []FuncRef
	Types  []TypeRef
	Output []OutputColumn
	RowType string // result tuple descriptor type name, for "cache all" mode

	// Version-dependent discriminators the host's normalizer is known to
	// omit from QueryID (§4.1).
	InheritanceFlag   bool
	LimitModality     int8
	GroupingFuncLevel int32
	XMLElementName    string
	ParamCollation    string

	// Literals is the canonical textual serialization of every literal
	// constant in the query, in encounter order.
	Literals []string

	HasBoundParams bool
	SQLText        string
}

// ParamValues are the concrete bound-parameter values for a custom plan
// request; nil/empty means "plan generically" (§4.6 step 5).
type ParamValues []string

// Plan is an opaque, host-produced execution plan. The cache never
// inspects it beyond the handful of fields it needs for cost arbitration
// and dependency extraction; see PlanMetadata.
type Plan struct {
	Serialized []byte // opaque to the cache; see plancodec.go for the wire wrapper
	TotalCost  float64
}

// PlanMetadata is what the install path (§4.7) extracts from a freshly
// built generic plan and its source query: the relation set from the
// plan's range table, and the non-relation dependency set from the
// analyzed query's invalidation items.
type PlanMetadata struct {
	Relations       []keys.ObjectID
	NonRelationDeps []keys.RDependKey
	NumRTable       int // len(range table), as reported by the host; the cache does not read it
}

// Planner is the host's query planner (§6, consumed). Plan with non-nil
// params produces a custom plan with params bound; Plan with params == nil
// produces a generic plan with parameters left symbolic, the only kind
// this cache stores.
type Planner interface {
	Plan(ctx context.Context, query AnalyzedQuery, params ParamValues) (Plan, PlanMetadata, error)
}

// UtilityStatementKind enumerates the schema-altering commands the
// invalidator recognizes (§4.8).
type UtilityStatementKind int8

const (
	StmtUnknown UtilityStatementKind = iota
	StmtDropIndex
	StmtDropIndexConcurrent
	StmtReindex
	StmtReindexConcurrent
	StmtDetachPartitionConcurrent
	StmtDropFunction
	StmtCreateOrReplaceFunction
	StmtDropTable
	StmtAlterTextSearchDictionary
	StmtAlterTableExclusiveLock
	StmtAlterTableDetachPartition
	StmtAlterTableAttachOrDetachPartitionLesserLock
	StmtCreateIndex
	StmtCreateTableWithInheritance
	StmtAlterDomain
	StmtAlterFunction
)

// UtilityStatement carries the object identifiers a given command kind
// touches, already resolved by the host before the invalidator runs
// (§4.8). Not every field is populated for every Kind.
type UtilityStatement struct {
	Kind UtilityStatementKind

	DatabaseID keys.DatabaseID
	TargetRel  keys.ObjectID // table/index/relation the command targets
	OldProc    keys.ObjectID // for StmtCreateOrReplaceFunction, the proc being replaced
	DroppedObj keys.ObjectID // for StmtDropFunction/StmtDropTable
	DroppedCls keys.ClassID

	ParentRels []keys.ObjectID // for StmtCreateTableWithInheritance
	DomainType keys.ObjectID   // for StmtAlterDomain
	Proc       keys.ObjectID   // for StmtAlterFunction

	InTransactionBlock bool

	SessionID string // requesting session, for Lock/Unlock reclaim (§9)
}

// UtilityExecutor is the host's DDL/utility-statement execution path (§6,
// consumed); the invalidator wraps it, not implements it.
type UtilityExecutor interface {
	ExecUtility(ctx context.Context, stmt UtilityStatement) error
}

// Syscache exposes the handful of catalog lookups the invalidator and
// install path need (§6, consumed).
type Syscache interface {
	HashOf(class keys.ClassID, oid keys.ObjectID) (uint32, error)
	RelKind(oid keys.ObjectID) (RelKind, error)
	Rules(oid keys.ObjectID) ([]RewriteRule, error)
	InheritanceParents(oid keys.ObjectID) ([]keys.ObjectID, error)
	AllInheritors(oid keys.ObjectID) ([]keys.ObjectID, error)
}
