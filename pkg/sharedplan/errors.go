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
	"github.com/cockroachdb/errors"
)

// Error kinds per §7. All of these except ErrMisconfigured and
// ErrInTransactionBlock are recoverable inside the core: a caller that
// sees one of them should simply fall through to planning fresh, not
// surface it to the end user.
var (
	// ErrNotCacheable is returned by the fingerprint builder when a query
	// fails the rejection policy (§4.1).
	ErrNotCacheable = errors.New("sharedplan: query is not cacheable")

	// ErrOutOfSharedMemory is returned by the shared allocator bridge when
	// an allocation could not be satisfied (§4.2, §7). It is the same
	// sentinel as shmem.ErrOutOfMemory.
	ErrOutOfSharedMemory = shmem.ErrOutOfMemory

	// ErrRDependOverflow is returned when a dependency's key fan-out would
	// exceed rdepend_max (§4.3, §7).
	ErrRDependOverflow = errors.New("sharedplan: reverse-dependency overflow")

	// ErrStaleHit is returned internally when the post-lock re-probe (§4.6
	// step 4) finds the entry has changed since the first lookup.
	ErrStaleHit = errors.New("sharedplan: cached plan went stale before use")

	// ErrLockersHeld is returned by Install when the target entry has
	// lockers > 0 (§4.4, §7).
	ErrLockersHeld = errors.New("sharedplan: entry has active lockers")

	// ErrMisconfigured propagates to callers (as does ErrInTransactionBlock
	// below); it indicates a programming or deployment error, not a
	// transient cache condition (§7).
	ErrMisconfigured = errors.New("sharedplan: misconfigured")

	// ErrInTransactionBlock is returned by the invalidator when a command
	// that requests an un-undoable full cache reset (alter text search
	// dictionary) arrives while the session is inside a transaction block
	// (§4.8): there is no way to roll the reset back if the transaction
	// aborts, so the command is rejected outright.
	ErrInTransactionBlock = errors.New("sharedplan: cannot reset cache from within a transaction block")
)
