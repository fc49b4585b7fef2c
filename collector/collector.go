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

package collector

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/holiman/bloomfilter/v2"

	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/handle"
	"github.com/probeum/corevm/value"
)

// slotState mirrors the teacher's live/moved/dropped resource lifecycle
// (lang/vm/vm.go's resourceState), generalized here to a collected heap: a
// slot is either live or has been swept.
type slotState uint8

const (
	stateLive slotState = iota
	stateSwept
)

type entry struct {
	object     Object
	generation uint32
	state      slotState
}

// Heap is the mark-and-sweep slot vector of spec.md §4.3. The zero value is
// not usable; use New.
type Heap struct {
	mu        sync.Mutex
	slots     []entry
	freeList  []uint32
	liveCount int
	threshold int // trigger Collect when liveCount grows past this
}

// New creates an empty Heap. growThreshold is the initial live-count at
// which the owning interpreter should consider triggering Collect; Collect
// doubles it whenever the live count after sweeping still exceeds it.
func New(growThreshold int) *Heap {
	if growThreshold <= 0 {
		growThreshold = 256
	}
	return &Heap{threshold: growThreshold}
}

// Allocate adds obj to the heap and returns its handle.
func (h *Heap) Allocate(obj Object) handle.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.freeList) > 0 {
		idx := h.freeList[0]
		h.freeList = h.freeList[1:]
		e := &h.slots[idx]
		e.object = obj
		e.state = stateLive
		h.liveCount++
		return handle.New(idx, e.generation)
	}

	idx := uint32(len(h.slots))
	h.slots = append(h.slots, entry{object: obj, generation: 1, state: stateLive})
	h.liveCount++
	return handle.New(idx, 1)
}

// Get returns the object at h, or errs.ErrInvalidHandle if h does not name a
// live slot (never allocated, already swept, or a stale generation).
func (h *Heap) Get(hdl handle.Handle) (Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := hdl.Index()
	if int(idx) >= len(h.slots) {
		return nil, errs.ErrInvalidHandle
	}
	e := &h.slots[idx]
	if e.state != stateLive || e.generation != hdl.Generation() {
		return nil, errs.ErrInvalidHandle
	}
	return e.object, nil
}

// ShouldCollect reports whether the live object count has grown past the
// configured threshold, the trigger condition spec.md §4.3 SHOULDs for.
func (h *Heap) ShouldCollect() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveCount > h.threshold
}

// LiveCount returns the number of currently live (unswept) objects.
func (h *Heap) LiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveCount
}

// handleHash64 adapts a handle.Handle to hash.Hash64 so it can be probed
// against a bloomfilter.Filter, which is keyed on that stdlib interface.
type handleHash64 uint64

func (handleHash64) Write(p []byte) (int, error) { return len(p), nil }
func (handleHash64) Reset()                      {}
func (handleHash64) Sum(b []byte) []byte         { return b }
func (handleHash64) Size() int                   { return 8 }
func (handleHash64) BlockSize() int              { return 8 }
func (h handleHash64) Sum64() uint64             { return uint64(h) }

// Collect marks transitively from roots (per spec.md §4.3: "every value on
// the operand stack and in locals of every live frame; every arena-pinned
// handle" — callers pass the Heap-kind subset of that root set here), then
// sweeps every slot that was not reached. It returns the number of objects
// reclaimed.
//
// A bloomfilter.Filter is populated during the mark phase as a cheap
// negative pre-check: before the transitive worklist touches a slot's
// object to trace its children, it first asks the filter whether the
// handle could possibly be new. A miss there proves the handle has not been
// seen, skipping the exact-set lookup; a hit falls through to the
// authoritative mapset.Set, since Bloom filters admit false positives but
// never false negatives.
func (h *Heap) Collect(roots []handle.Handle) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	visited := mapset.NewSet()
	approx, _ := bloomfilter.New(uint64(max(64, len(h.slots)*8)), 4)

	var worklist []handle.Handle
	for _, r := range roots {
		worklist = append(worklist, r)
	}

	markValue := func(v value.Value) {
		if v.Kind() != value.KindHeap {
			return
		}
		worklist = append(worklist, v.AsHandle())
	}

	for len(worklist) > 0 {
		hdl := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		hh := handleHash64(uint64(hdl))
		if approx.Contains(hh) && visited.Contains(hdl) {
			continue
		}

		idx := hdl.Index()
		if int(idx) >= len(h.slots) {
			continue
		}
		e := &h.slots[idx]
		if e.state != stateLive || e.generation != hdl.Generation() {
			continue
		}

		visited.Add(hdl)
		approx.Add(hh)
		e.object.trace(markValue)
	}

	reclaimed := 0
	for idx := range h.slots {
		e := &h.slots[idx]
		if e.state != stateLive {
			continue
		}
		hdl := handle.New(uint32(idx), e.generation)
		if visited.Contains(hdl) {
			continue
		}
		e.object = nil
		e.state = stateSwept
		e.generation++
		h.freeList = append(h.freeList, uint32(idx))
		h.liveCount--
		reclaimed++
	}

	if h.liveCount > h.threshold {
		h.threshold *= 2
	}

	return reclaimed
}
