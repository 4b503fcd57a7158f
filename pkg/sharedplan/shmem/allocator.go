// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package shmem bridges the cache core to the host's process-shared
// dynamic allocator (§4.2). The host's actual shared-memory segment and
// its allocator are external collaborators (§1) — this package only
// defines the narrow interface the core needs (alloc/free/deref) and
// wraps whatever the host provides with the byte accounting §3's
// SharedState.alloced_size requires.
//
// This is the same BoundAccount/BytesMonitor split the teacher uses for
// its own memory accounting (see the design notes this package is
// modeled on): a RawAllocator does the actual reservation, a Bridge
// layered on top does nothing but count.
package shmem

import (
	"github.com/HalleyAssist/pg-shared-plans/internal/spinlock"
	"github.com/cockroachdb/errors"
)

// Handle is an opaque reference into the host's shared allocator. It is
// meaningless without a RawAllocator to Deref it through; entries store
// Handles, never pointers, because the allocation may be read by a
// different OS process than the one that created it.
type Handle uintptr

// NilHandle is the zero Handle, used by PlanEntry.PlanRef to represent
// "discarded" (§3 PlanEntry, §4.4 Discard).
const NilHandle Handle = 0

// RawAllocator is the host-provided service this package wraps (§4.2,
// §6). Alloc never blocks on the entry table's lock; a caller that
// cannot obtain memory must report failure and proceed without caching
// (§4.2, §7 "out of shared memory").
type RawAllocator interface {
	Alloc(size int64) (Handle, error)
	Free(h Handle, size int64)
	Deref(h Handle) []byte
}

// Bridge wraps a RawAllocator with the byte accounting SharedState needs:
// every allocation and free mutates AllocedSize under a spinlock (§4.2,
// §3 invariant 3). Bridge never itself blocks on table_lock — callers
// that need allocation failure to abort an install handle that at a
// higher layer.
type Bridge struct {
	raw RawAllocator

	mu          spinlock.Lock
	allocedSize int64
	deallocs    uint64
}

// NewBridge wraps raw with accounting.
func NewBridge(raw RawAllocator) *Bridge {
	return &Bridge{raw: raw}
}

// Alloc reserves size bytes and accounts for them. On failure it returns
// ErrOutOfMemory and leaves the accounting untouched.
func (b *Bridge) Alloc(size int64) (Handle, error) {
	h, err := b.raw.Alloc(size)
	if err != nil {
		return NilHandle, errors.Wrapf(ErrOutOfMemory, "shmem: alloc failed: %v", err)
	}
	b.mu.WithLock(func() {
		b.allocedSize += size
	})
	return h, nil
}

// Free releases size bytes previously returned by Alloc and accounts for
// the release. Freeing NilHandle is a no-op, matching "discard" leaving
// an entry's plan_ref cleared without an allocation to release.
func (b *Bridge) Free(h Handle, size int64) {
	if h == NilHandle {
		return
	}
	b.raw.Free(h, size)
	b.mu.WithLock(func() {
		b.allocedSize -= size
		b.deallocs++
	})
}

// Deref returns the bytes backing h. The caller must not retain the slice
// beyond the lifetime implied by the entry table lock discipline — a
// concurrent Free may reuse the backing storage.
func (b *Bridge) Deref(h Handle) []byte {
	if h == NilHandle {
		return nil
	}
	return b.raw.Deref(h)
}

// AllocedSize returns the current total bytes accounted for, the scalar
// §3's SharedState.alloced_size names and the administrative Info() call
// exposes (§6).
func (b *Bridge) AllocedSize() int64 {
	var v int64
	b.mu.WithLock(func() { v = b.allocedSize })
	return v
}

// Deallocs returns SharedState.dealloc, the monotonic free counter the
// eviction engine also bumps on every pass (§4.5 step 6).
func (b *Bridge) Deallocs() uint64 {
	var v uint64
	b.mu.WithLock(func() { v = b.deallocs })
	return v
}

// IncDeallocs bumps the dealloc counter without a corresponding Free; the
// eviction engine uses this once per pass regardless of how many entries
// it evicted (§4.5 step 6). The counter therefore counts every Free of a
// live handle plus one per eviction pass.
func (b *Bridge) IncDeallocs() {
	b.mu.WithLock(func() { b.deallocs++ })
}

// ErrOutOfMemory is wrapped by every error Alloc returns, so callers can
// test with errors.Is(err, shmem.ErrOutOfMemory) regardless of which
// RawAllocator produced the underlying failure.
var ErrOutOfMemory = errors.New("shmem: out of shared memory")
