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

	"github.com/HalleyAssist/pg-shared-plans/internal/actionfsm"
	"github.com/HalleyAssist/pg-shared-plans/internal/logutil"
)

// Invalidation states and events (§4.8). Every utility statement begins
// in stateReceived and ends in stateDone; the two intermediate states
// exist only to distinguish a command still holding its lock window
// (stateLocked) from one whose cache-side effects have already landed
// before the host even executes it (stateCachePurged).
const (
	stateReceived    actionfsm.State = "received"
	stateLocked      actionfsm.State = "locked"
	stateCachePurged actionfsm.State = "cache_purged"
	stateDone        actionfsm.State = "done"
)

const (
	eventPreExecute  actionfsm.Event = "pre_execute"
	eventPostExecute actionfsm.Event = "post_execute"
)

// Four compiled Transitions graphs cover every UtilityStatementKind except
// StmtAlterTextSearchDictionary, which gets a fifth, resetDatabaseFSM
// (§4.8). The four cross whether the command needs its target locked
// before the host executes it, crossed with whether its post-execution
// action is a Discard (object survives, worth replanning) or an Evict
// (object is gone). A single Pattern can't vary its Action by statement
// kind, only by (State, Event), so each combination gets its own graph
// rather than trying to encode the kind itself into the state.
var (
	lockingDiscardFSM = actionfsm.Compile(actionfsm.Pattern{
		stateReceived: {eventPreExecute: {Next: stateLocked, Action: actionfsm.ActionLock}},
		stateLocked:   {eventPostExecute: {Next: stateDone, Action: actionfsm.ActionDiscard}},
	})
	lockingEvictFSM = actionfsm.Compile(actionfsm.Pattern{
		stateReceived: {eventPreExecute: {Next: stateLocked, Action: actionfsm.ActionLock}},
		stateLocked:   {eventPostExecute: {Next: stateDone, Action: actionfsm.ActionEvict}},
	})
	plainDiscardFSM = actionfsm.Compile(actionfsm.Pattern{
		stateReceived: {eventPostExecute: {Next: stateDone, Action: actionfsm.ActionDiscard}},
	})
	plainEvictFSM = actionfsm.Compile(actionfsm.Pattern{
		stateReceived: {eventPostExecute: {Next: stateDone, Action: actionfsm.ActionEvict}},
	})
	resetDatabaseFSM = actionfsm.Compile(actionfsm.Pattern{
		stateReceived: {eventPostExecute: {Next: stateDone, Action: actionfsm.ActionResetDatabase}},
	})
)

// preExecuteLockKinds are the UtilityStatementKinds that must Lock their
// target before the host executes them (§4.8): all of the concurrent
// forms, plus the lesser-lock ALTER TABLE variants that drop their own
// lock partway through execution.
var preExecuteLockKinds = map[UtilityStatementKind]bool{
	StmtDropIndexConcurrent:                         true,
	StmtReindexConcurrent:                           true,
	StmtDetachPartitionConcurrent:                    true,
	StmtAlterTableAttachOrDetachPartitionLesserLock: true,
}

// evictKinds are the UtilityStatementKinds whose target object no longer
// exists after the command runs, so affected entries must be evicted
// outright rather than merely discarded (§4.8).
var evictKinds = map[UtilityStatementKind]bool{
	StmtDropTable:           true,
	StmtDropIndex:           true,
	StmtDropIndexConcurrent: true,
	StmtDropFunction:        true,
}

// transitionsFor selects the compiled Transitions graph for kind, per the
// locking x discard/evict matrix above.
func transitionsFor(kind UtilityStatementKind) *actionfsm.Transitions {
	if kind == StmtAlterTextSearchDictionary {
		return resetDatabaseFSM
	}
	locking := preExecuteLockKinds[kind]
	evict := evictKinds[kind]
	switch {
	case locking && evict:
		return lockingEvictFSM
	case locking && !evict:
		return lockingDiscardFSM
	case !locking && evict:
		return plainEvictFSM
	default:
		return plainDiscardFSM
	}
}

// Invalidator drives the invalidation lifecycle for each UtilityStatement
// the host is about to (or has just) executed, mutating cache *c along
// the way (§4.8).
type Invalidator struct {
	cache    *Cache
	syscache Syscache
	log      logutil.Logger
}

// NewInvalidator builds an Invalidator over cache, consulting syscache
// for relation kind and inheritance lookups.
func NewInvalidator(cache *Cache, syscache Syscache, log logutil.Logger) *Invalidator {
	return &Invalidator{cache: cache, syscache: syscache, log: log}
}

// PreExecute must be called before the host executes stmt. For the
// concurrent/lesser-lock commands it locks every affected entry so no
// install or cached hit can race the command's reduced lock window.
// StmtAlterTextSearchDictionary is rejected with ErrInTransactionBlock
// when stmt.InTransactionBlock is set. For everything else it is a no-op,
// since the host's own lock already protects against concurrent cache use
// until PostExecute runs.
func (inv *Invalidator) PreExecute(ctx context.Context, stmt UtilityStatement) error {
	if stmt.Kind == StmtAlterTextSearchDictionary {
		// A text search dictionary has no relation identity to key a
		// discard/evict off of; the only sound response is a full
		// database-scoped reset after execution (§4.8). That reset can't be
		// undone if the surrounding transaction later aborts, so reject the
		// command outright rather than let it run inside one.
		if stmt.InTransactionBlock {
			return ErrInTransactionBlock
		}
		return nil
	}
	if !preExecuteLockKinds[stmt.Kind] {
		return nil
	}
	targets, err := inv.affectedKeys(stmt)
	if err != nil {
		return err
	}

	m := actionfsm.NewMachine(transitionsFor(stmt.Kind), stateReceived)
	action, err := m.Apply(eventPreExecute)
	if err != nil {
		return err
	}
	if action != actionfsm.ActionLock {
		return nil
	}
	for _, key := range targets {
		inv.cache.table.Lock(key, stmt.SessionID)
	}
	inv.log.VEventf(ctx, 2, "sharedplan: pre-execute locked %d entries for %v", len(targets), stmt.Kind)
	return nil
}

// PostExecute must be called after the host executes stmt (successfully
// or not; a failed DDL statement can still have partially invalidated
// catalog state the cache must not keep stale plans against). It applies
// the command-specific cache action and, for the preExecuteLockKinds,
// releases the lock PreExecute took.
func (inv *Invalidator) PostExecute(ctx context.Context, stmt UtilityStatement) error {
	initial := stateReceived
	if preExecuteLockKinds[stmt.Kind] {
		// PreExecute already drove this kind's machine from stateReceived to
		// stateLocked; a fresh Machine is rebuilt there since state isn't
		// retained across the two calls.
		initial = stateLocked
	}
	m := actionfsm.NewMachine(transitionsFor(stmt.Kind), initial)
	action, err := m.Apply(eventPostExecute)
	if err != nil {
		return err
	}

	if action == actionfsm.ActionResetDatabase {
		// A text search dictionary has no relation identity to key a
		// discard/evict off of; the only sound response is a full
		// database-scoped reset (§4.8).
		inv.cache.table.Reset(0, stmt.DatabaseID, 0, nil)
		inv.cache.markReadOnlySession(stmt.SessionID)
		inv.log.VEventf(ctx, 2, "sharedplan: %v reset database %v cache", stmt.Kind, stmt.DatabaseID)
		return nil
	}

	targets, err := inv.affectedKeys(stmt)
	if err != nil {
		return err
	}

	for _, key := range targets {
		switch action {
		case actionfsm.ActionDiscard:
			inv.cache.table.Discard(key)
		case actionfsm.ActionEvict:
			inv.cache.table.Evict(key)
		}
	}

	if len(targets) > 0 && (action == actionfsm.ActionDiscard || action == actionfsm.ActionEvict) {
		// A batch just landed against this session's own transaction; force
		// it read-only for the rest of that transaction so it can't populate
		// the cache with a plan built against state that might still roll
		// back (§4.8).
		inv.cache.markReadOnlySession(stmt.SessionID)
	}

	if preExecuteLockKinds[stmt.Kind] {
		for _, key := range targets {
			inv.cache.table.Unlock(key, stmt.SessionID)
		}
	}

	if stmt.Kind == StmtDropTable || stmt.Kind == StmtCreateTableWithInheritance {
		inv.log.VEventf(ctx, 2, "sharedplan: %v touched %d entries via inheritance walk", stmt.Kind, len(targets))
	}
	return nil
}

// affectedKeys resolves stmt to the set of cache keys it invalidates, by
// walking the reverse-dependency index for the relation/object it
// targets plus, for the inheritance-sensitive kinds, every descendant or
// ancestor inheritance reaches (§4.8, SPEC_FULL supplemented feature:
// inheritance-aware invalidation).
func (inv *Invalidator) affectedKeys(stmt UtilityStatement) ([]CacheKey, error) {
	var rdeps []RDependKey

	switch stmt.Kind {
	case StmtDropFunction, StmtAlterFunction, StmtCreateOrReplaceFunction:
		obj := stmt.DroppedObj
		if stmt.Kind != StmtDropFunction {
			obj = stmt.Proc
		}
		h, err := inv.syscache.HashOf(ClassProcedure, obj)
		if err != nil {
			return nil, err
		}
		rdeps = append(rdeps, RDependKey{DatabaseID: stmt.DatabaseID, ClassID: ClassProcedure, ObjectID: ObjectID(h)})
		if stmt.Kind == StmtCreateOrReplaceFunction && stmt.OldProc != 0 {
			h, err := inv.syscache.HashOf(ClassProcedure, stmt.OldProc)
			if err != nil {
				return nil, err
			}
			rdeps = append(rdeps, RDependKey{DatabaseID: stmt.DatabaseID, ClassID: ClassProcedure, ObjectID: ObjectID(h)})
		}

	case StmtAlterDomain:
		h, err := inv.syscache.HashOf(ClassType, stmt.DomainType)
		if err != nil {
			return nil, err
		}
		rdeps = append(rdeps, RDependKey{DatabaseID: stmt.DatabaseID, ClassID: ClassType, ObjectID: ObjectID(h)})

	case StmtCreateTableWithInheritance:
		for _, parent := range stmt.ParentRels {
			rdeps = append(rdeps, RDependKey{DatabaseID: stmt.DatabaseID, ClassID: ClassRelation, ObjectID: parent})
		}

	default:
		rels, err := inv.inheritanceClosure(stmt.TargetRel)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			rdeps = append(rdeps, RDependKey{DatabaseID: stmt.DatabaseID, ClassID: ClassRelation, ObjectID: rel})
		}
		if stmt.DroppedObj != 0 {
			rdeps = append(rdeps, RDependKey{DatabaseID: stmt.DatabaseID, ClassID: stmt.DroppedCls, ObjectID: stmt.DroppedObj})
		}
	}

	seen := make(map[CacheKey]struct{})
	var out []CacheKey
	for _, rdep := range rdeps {
		for _, key := range inv.cache.rdeps.LookupKeys(rdep) {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out, nil
}

// inheritanceClosure returns rel plus every relation reachable from it by
// walking both up to its inheritance parents and down to its inheritors,
// breadth-first — a schema change on a partition or a child table can
// invalidate plans fingerprinted against an ancestor that was inlined
// into the same generic plan, and vice versa. This supplements the
// distilled spec with behavior original_source/pgsp_inherit.c implements
// for exactly this reason (see DESIGN.md).
func (inv *Invalidator) inheritanceClosure(rel ObjectID) ([]ObjectID, error) {
	seen := map[ObjectID]struct{}{rel: {}}
	queue := []ObjectID{rel}
	out := []ObjectID{rel}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		parents, err := inv.syscache.InheritanceParents(cur)
		if err != nil {
			return nil, err
		}
		children, err := inv.syscache.AllInheritors(cur)
		if err != nil {
			return nil, err
		}

		for _, next := range append(parents, children...) {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out, nil
}

// ReleaseSession drops every lock the given session holds across the
// cache, for a session that terminates (normally or abnormally) without
// having matched every PreExecute with a PostExecute (§9, second Open
// Question; SPEC_FULL resolves this by tying lockers to session
// reclaim — see DESIGN.md).
func (inv *Invalidator) ReleaseSession(sessionID string) {
	inv.cache.table.ReleaseSession(sessionID)
}
