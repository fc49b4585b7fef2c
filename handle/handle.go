// Package handle defines the opaque 32-bit-index handle shared by the arena
// (§4.2) and the collector (§4.3). A handle is never a raw pointer: it packs
// a slot index and a generation counter into a single machine word so that a
// released/collected slot can be reused without a stale handle from before
// the reuse silently resolving to the new occupant (spec.md §4.2: "a handle
// from a released slot MUST NOT collide with a subsequent allocation's
// handle during the same session").
package handle

// Handle is a 64-bit value carrying a 32-bit slot index and a 32-bit
// generation. Arena handles and collector handles are distinct spaces (two
// handle tables), but share this same representation.
type Handle uint64

// Invalid is the zero Handle, never returned by a successful allocation.
const Invalid Handle = 0

// New packs an index and generation into a Handle. Generation 0 is reserved
// for Invalid, so the first live generation for any index is 1.
func New(index, generation uint32) Handle {
	return Handle(uint64(generation))<<32 | Handle(index)
}

// Index returns the slot index component.
func (h Handle) Index() uint32 { return uint32(h) }

// Generation returns the generation component.
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

// Valid reports whether h is not the zero Handle. It does not by itself
// prove the handle resolves to a live slot — only the owning table can do
// that — but every real handle returned by an allocator is non-zero.
func (h Handle) Valid() bool { return h != Invalid }
