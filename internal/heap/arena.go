// Package heap implements the interposed allocator: a size-class arena
// standing in for the uninterposed underlying allocator, the quarantine ring
// for freed-but-still-poisoned blocks, and the wrapper that keeps two
// redzones around every live object.
package heap

import (
	"sync"

	"github.com/guardlabs/floatguard/api"
)

// Arena is the underlying allocator: a size-class free-list over a region of
// machine memory. Rounding requests up to a class is what makes the usable
// size genuinely exceed the request, exactly like malloc_usable_size does,
// so the trailing guard's delta logic gets exercised for real.
type Arena struct {
	mem  api.Memory
	base uint64
	end  uint64

	mu     sync.Mutex
	cursor uint64
	// free maps a class size to the addresses available for reuse.
	free map[uint64][]uint64
	// usable maps each live address to its class size.
	usable map[uint64]uint64
}

// NewArena manages [base, base+size) of mem.
func NewArena(mem api.Memory, base, size uint64) *Arena {
	return &Arena{
		mem:    mem,
		base:   base,
		end:    base + size,
		cursor: base,
		free:   make(map[uint64][]uint64),
		usable: make(map[uint64]uint64),
	}
}

// sizeClass rounds a request up to its allocation class.
func sizeClass(n uint64) uint64 {
	const minClass = 48
	if n <= minClass {
		return minClass
	}
	var step uint64
	switch {
	case n <= 128:
		step = 16
	case n <= 512:
		step = 32
	case n <= 2048:
		step = 128
	case n <= 16384:
		step = 512
	default:
		step = 4096
	}
	return (n + step - 1) / step * step
}

// Alloc returns the address of a block usable for at least size bytes, or
// zero when the arena is exhausted. The block's content is unspecified.
func (a *Arena) Alloc(size uint64) uint64 {
	if size == 0 {
		size = 1
	}
	class := sizeClass(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if list := a.free[class]; len(list) > 0 {
		addr := list[len(list)-1]
		a.free[class] = list[:len(list)-1]
		a.usable[addr] = class
		return addr
	}

	if a.end-a.cursor < class {
		return 0
	}
	addr := a.cursor
	a.cursor += class
	a.usable[addr] = class
	return addr
}

// UsableSize returns the class size of a live block, zero for unknown
// addresses.
func (a *Arena) UsableSize(addr uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usable[addr]
}

// Free returns a live block to its class list. Freeing an unknown address is
// ignored, like a corrupt-pointer free the underlying allocator happens to
// tolerate.
func (a *Arena) Free(addr uint64) {
	if addr == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	class, ok := a.usable[addr]
	if !ok {
		return
	}
	delete(a.usable, addr)
	a.free[class] = append(a.free[class], addr)
}

// Realloc resizes a live block, preserving its content up to the smaller of
// the old and new usable sizes. Returns zero and leaves the old block live
// when the arena is exhausted.
func (a *Arena) Realloc(addr, size uint64) uint64 {
	if addr == 0 {
		return a.Alloc(size)
	}
	oldUsable := a.UsableSize(addr)
	if sizeClass(size) == oldUsable {
		return addr
	}
	newAddr := a.Alloc(size)
	if newAddr == 0 {
		return 0
	}
	n := oldUsable
	if newUsable := a.UsableSize(newAddr); newUsable < n {
		n = newUsable
	}
	if src, ok := a.mem.Read(addr, n); ok {
		a.mem.Write(newAddr, src)
	}
	a.Free(addr)
	return newAddr
}
