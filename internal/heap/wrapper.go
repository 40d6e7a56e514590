package heap

import (
	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/probe"
	"github.com/guardlabs/floatguard/internal/redzone"
)

// ENOMEM is the errno PosixMemalign reports on exhaustion.
const ENOMEM = 12

// Wrapper interposes the allocator entry points. While the enable gate is
// off every call is a transparent pass-through to the arena, keeping
// pre-init allocations out of the sanitizer's view.
type Wrapper struct {
	mem        api.Memory
	arena      *Arena
	prober     *probe.Prober
	quarantine *Quarantine // nil disables quarantining
	enabled    func() bool
}

// NewWrapper wires the allocator stack together. quarantine may be nil.
func NewWrapper(mem api.Memory, arena *Arena, prober *probe.Prober, quarantine *Quarantine, enabled func() bool) *Wrapper {
	return &Wrapper{
		mem:        mem,
		arena:      arena,
		prober:     prober,
		quarantine: quarantine,
		enabled:    enabled,
	}
}

// Arena exposes the underlying allocator, the uninterposed path.
func (w *Wrapper) Arena() *Arena { return w.arena }

// Quarantine returns the ring, nil when quarantining is disabled.
func (w *Wrapper) Quarantine() *Quarantine { return w.quarantine }

// Malloc allocates size bytes padded by two redzones and returns the user
// pointer, which points just past the leading guard. Zero size and
// exhaustion return the null pointer.
func (w *Wrapper) Malloc(size uint64) uint64 {
	if !w.enabled() {
		return w.arena.Alloc(size)
	}
	if size == 0 {
		return 0
	}

	paddedSize := redzone.Size + size + redzone.Size
	ptr := w.arena.Alloc(paddedSize)
	if ptr == 0 {
		return 0
	}

	redzone.ApplyUnderflow(w.mem, ptr)
	allocatedSize := w.arena.UsableSize(ptr)

	ptr += redzone.Size // shift by underflow redzone
	redzone.ApplyOverflowDelta(w.mem, ptr, size, allocatedSize-paddedSize)

	return ptr
}

// Calloc allocates nmemb*size bytes like Malloc and zeroes the payload
// between the guards.
func (w *Wrapper) Calloc(nmemb, size uint64) uint64 {
	if !w.enabled() {
		if nmemb != 0 && size != 0 && nmemb*size/nmemb != size {
			return 0
		}
		ptr := w.arena.Alloc(nmemb * size)
		if ptr != 0 {
			w.mem.Fill(ptr, 0, nmemb*size)
		}
		return ptr
	}
	if nmemb != 0 && size != 0 && nmemb*size/nmemb != size {
		return 0
	}
	totalSize := nmemb * size

	ptr := w.Malloc(totalSize)
	if ptr == 0 {
		return 0
	}
	w.mem.Fill(ptr, 0, totalSize)
	return ptr
}

// Realloc resizes the allocation at ptr to size. The old guards are
// stripped before the underlying reallocation so they cannot be copied into
// the new block, then both guards are re-applied around the new payload.
func (w *Wrapper) Realloc(ptr, size uint64) uint64 {
	if !w.enabled() {
		return w.arena.Realloc(ptr, size)
	}
	if ptr == 0 {
		return w.Malloc(size)
	}
	if size == 0 {
		w.Free(ptr)
		return 0
	}

	// recover original address
	base := ptr - redzone.Size
	redzone.StripScan(w.mem, base, w.arena.UsableSize(base))

	paddedSize := redzone.Size + size + redzone.Size
	rebase := w.arena.Realloc(base, paddedSize)
	if rebase == 0 {
		return 0
	}

	redzone.ApplyUnderflow(w.mem, rebase)
	allocatedSize := w.arena.UsableSize(rebase)

	rebase += redzone.Size
	redzone.ApplyOverflowDelta(w.mem, rebase, size, allocatedSize-paddedSize)

	return rebase
}

// Free releases the allocation at ptr. One probe against the user pointer
// catches double frees: a block already through Free has a poisoned payload.
// With quarantining on, the payload is poisoned and the block parked in the
// ring instead of returning to the arena.
func (w *Wrapper) Free(ptr uint64) {
	if !w.enabled() {
		w.arena.Free(ptr)
		return
	}
	if ptr == 0 {
		return
	}

	// double free check
	w.prober.Probe(ptr)

	base := ptr - redzone.Size

	if w.quarantine != nil {
		sz := w.arena.UsableSize(base)
		w.addToQuarantine(base, sz)
		return
	}
	redzone.StripScan(w.mem, base, w.arena.UsableSize(base))
	w.arena.Free(base)
}

// PosixMemalign ignores the alignment request beyond what the arena already
// provides and behaves like Malloc, reporting ENOMEM through the errno
// return.
func (w *Wrapper) PosixMemalign(alignment, size uint64) (uint64, int) {
	if !w.enabled() {
		ptr := w.arena.Alloc(size)
		if ptr == 0 {
			return 0, ENOMEM
		}
		return ptr, 0
	}
	ptr := w.Malloc(size)
	if ptr == 0 {
		return 0, ENOMEM
	}
	return ptr, 0
}

// addToQuarantine parks a padded block. The ring bookkeeping happens under
// the mutex; poisoning the payload does not: the leading guard bytes and the
// trailing fifteen are already poison from allocation time, so only the
// middle needs rewriting. Eviction then zeroes and frees, also outside the
// lock.
func (w *Wrapper) addToQuarantine(base, size uint64) {
	w.quarantine.enqueue(base, size)
	w.mem.Fill(base+redzone.Size, redzone.PoisonByte, size-redzone.Size-(redzone.Size-1))

	for w.quarantine.overBound() {
		rec, ok := w.quarantine.dequeue()
		if !ok {
			break
		}
		w.mem.Fill(rec.addr, 0, rec.size)
		w.arena.Free(rec.addr)
	}
}
