// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package arena implements the capacity-bounded, handle-indexed allocator of
// spec.md §4.2: a slot table for long-lived, explicitly-freed payloads such
// as module bytes and host-pinned values. It is deliberately not used for
// per-instruction heap objects — those belong to the collector package.
package arena

import (
	"reflect"
	"sync"

	"github.com/fjl/memsize"

	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/handle"
)

const wordSize = 8

// slot is a single table entry. A freed slot keeps its (bumped) generation
// so a stale handle from before the free can be detected after reuse.
type slot struct {
	payload    any
	bytes      uint64
	generation uint32
	live       bool
}

// Stats is the snapshot returned by Arena.Stats, per spec.md §4.2's
// `stats() → {capacity, used, live_count}`.
type Stats struct {
	Capacity  uint64
	Used      uint64
	LiveCount int
}

// Arena is the fine-grained-locked, generation-tagged slot table described
// by spec.md §4.2. The zero value is not usable; use New.
type Arena struct {
	mu        sync.Mutex
	slots     []slot
	freeList  []uint32 // indices of released slots, first-fit order
	capacity  uint64
	used      uint64
	liveCount int
}

// New creates an Arena bounded to capacityBytes total payload size.
func New(capacityBytes uint64) *Arena {
	return &Arena{capacity: capacityBytes}
}

// Allocate reserves max(sizeHint, word size) bytes for payload and returns a
// stable handle. When that is a single word and payload is a non-nil
// pointer, the reservation is raised to the pointed-to value's deep size as
// measured by memsize, if larger; other payloads are not deep-sized. It
// returns errs.ErrCapacityExceeded if the arena's capacity would be exceeded.
func (a *Arena) Allocate(payload any, sizeHint uint64) (handle.Handle, error) {
	n := sizeHint
	if n < wordSize {
		n = wordSize
	}
	if payload != nil && n == wordSize {
		if rv := reflect.ValueOf(payload); rv.Kind() == reflect.Ptr && !rv.IsNil() {
			if deep := uint64(memsize.Scan(payload).Total); deep > n {
				n = deep
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used+n > a.capacity {
		return handle.Invalid, errs.ErrCapacityExceeded
	}

	if len(a.freeList) > 0 {
		idx := a.freeList[0]
		a.freeList = a.freeList[1:]
		s := &a.slots[idx]
		s.payload = payload
		s.bytes = n
		s.live = true
		a.used += n
		a.liveCount++
		return handle.New(idx, s.generation), nil
	}

	idx := uint32(len(a.slots))
	a.slots = append(a.slots, slot{payload: payload, bytes: n, generation: 1, live: true})
	a.used += n
	a.liveCount++
	return handle.New(idx, 1), nil
}

// Release frees the slot h refers to. It is idempotent: releasing an
// already-freed or never-allocated handle returns false without error, per
// spec.md §4.2 ("release(handle) → bool ... idempotent on freed handles").
func (a *Arena) Release(h handle.Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := h.Index()
	if int(idx) >= len(a.slots) {
		return false
	}
	s := &a.slots[idx]
	if !s.live || s.generation != h.Generation() {
		return false
	}

	s.live = false
	s.payload = nil
	a.used -= s.bytes
	s.bytes = 0
	s.generation++
	a.liveCount--
	a.freeList = append(a.freeList, idx)
	return true
}

// Get returns the payload stored at h. It returns errs.ErrInvalidHandle if h
// was never allocated, was released, or its generation is stale.
func (a *Arena) Get(h handle.Handle) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := h.Index()
	if int(idx) >= len(a.slots) {
		return nil, errs.ErrInvalidHandle
	}
	s := &a.slots[idx]
	if !s.live || s.generation != h.Generation() {
		return nil, errs.ErrInvalidHandle
	}
	return s.payload, nil
}

// Stats returns the current capacity/usage snapshot.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Capacity: a.capacity, Used: a.used, LiveCount: a.liveCount}
}
