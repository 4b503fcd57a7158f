// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package spinlock provides a tiny CAS-based mutual exclusion primitive for
// the very short critical sections the plan cache uses to protect per-entry
// and shared-state counters (see §5 of the design: per-entry spinlock and
// shared-state spinlock sit below table_lock and the rdep bucket locks in
// the lock hierarchy, and are held only across non-blocking operations).
//
// A sync.Mutex would work too, but the source this package's callers are
// modeled on uses a true spinlock for these counters because the critical
// sections never block and are expected to be uncontended in the common
// case; spinning avoids a futex round-trip for what is typically a handful
// of instructions.
package spinlock

import "sync/atomic"

// Lock is a non-reentrant spinlock. The zero value is unlocked.
type Lock struct {
	state atomic.Bool
}

// Acquire spins until the lock is held.
func (l *Lock) Acquire() {
	for !l.state.CompareAndSwap(false, true) {
		// busy-wait; critical sections guarded by this lock never block
	}
}

// Release releases the lock. Calling Release on an unlocked Lock panics.
func (l *Lock) Release() {
	if !l.state.CompareAndSwap(true, false) {
		panic("spinlock: release of unlocked lock")
	}
}

// WithLock runs fn while holding l.
func (l *Lock) WithLock(fn func()) {
	l.Acquire()
	defer l.Release()
	fn()
}
