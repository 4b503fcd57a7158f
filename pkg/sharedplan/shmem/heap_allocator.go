// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package shmem

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// HeapAllocator is a RawAllocator backed by ordinary Go heap memory,
// bounded by a byte limit. It stands in for the host's real process-shared
// allocator in single-process deployments and in tests; a host that
// actually shares this cache across OS processes supplies its own
// RawAllocator backed by mmap'd shared memory instead.
type HeapAllocator struct {
	mu       sync.Mutex
	limit    int64
	used     int64
	next     Handle
	segments map[Handle][]byte
}

// NewHeapAllocator creates a HeapAllocator that refuses allocations once
// limit bytes are outstanding.
func NewHeapAllocator(limit int64) *HeapAllocator {
	return &HeapAllocator{limit: limit, segments: make(map[Handle][]byte), next: 1}
}

// Alloc implements RawAllocator.
func (a *HeapAllocator) Alloc(size int64) (Handle, error) {
	if size < 0 {
		return NilHandle, errors.Newf("shmem: negative size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+size > a.limit {
		return NilHandle, errors.Newf("shmem: limit exceeded: used=%d requested=%d limit=%d", a.used, size, a.limit)
	}
	h := a.next
	a.next++
	a.segments[h] = make([]byte, size)
	a.used += size
	return h, nil
}

// Free implements RawAllocator.
func (a *HeapAllocator) Free(h Handle, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.segments[h]; !ok {
		return
	}
	delete(a.segments, h)
	a.used -= size
}

// Deref implements RawAllocator.
func (a *HeapAllocator) Deref(h Handle) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.segments[h]
}
