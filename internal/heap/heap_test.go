package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guardlabs/floatguard/internal/machine"
	"github.com/guardlabs/floatguard/internal/probe"
	"github.com/guardlabs/floatguard/internal/redzone"
)

// newWrapper builds the allocator stack with traps masked, so probes execute
// but never signal; fault behavior is covered by the package tests above
// this one.
func newWrapper(t *testing.T, quarantineBound uint64) (*machine.Machine, *Wrapper) {
	t.Helper()
	m := machine.New(0)
	prober, err := probe.New(m)
	require.NoError(t, err)
	arena := NewArena(m.Mem, m.HeapBase(), m.HeapSize())
	var q *Quarantine
	if quarantineBound != 0 {
		q = NewQuarantine(quarantineBound)
	}
	w := NewWrapper(m.Mem, arena, prober, q, func() bool { return true })
	return m, w
}

func TestSizeClass(t *testing.T) {
	require.Equal(t, uint64(48), sizeClass(1))
	require.Equal(t, uint64(48), sizeClass(48))
	require.Equal(t, uint64(64), sizeClass(49))
	require.Equal(t, uint64(128), sizeClass(113))
	require.Equal(t, uint64(224), sizeClass(200))
	require.Equal(t, uint64(4096), sizeClass(4000))
}

func TestArena_AllocFreeReuse(t *testing.T) {
	m := machine.New(0)
	a := NewArena(m.Mem, m.HeapBase(), m.HeapSize())

	p1 := a.Alloc(100)
	require.NotZero(t, p1)
	require.Equal(t, sizeClass(100), a.UsableSize(p1))

	a.Free(p1)
	require.Zero(t, a.UsableSize(p1))

	p2 := a.Alloc(100)
	require.Equal(t, p1, p2, "free list serves the same class")
}

func TestArena_Exhaustion(t *testing.T) {
	m := machine.New(0)
	a := NewArena(m.Mem, m.HeapBase(), 4096)
	require.NotZero(t, a.Alloc(2048))
	require.Zero(t, a.Alloc(4096))
}

func TestArena_ReallocPreservesContent(t *testing.T) {
	m := machine.New(0)
	a := NewArena(m.Mem, m.HeapBase(), m.HeapSize())

	p := a.Alloc(64)
	m.Mem.Fill(p, 0x5a, 64)
	p2 := a.Realloc(p, 1024)
	require.NotZero(t, p2)
	require.NotEqual(t, p, p2)

	content, ok := m.Mem.Read(p2, 64)
	require.True(t, ok)
	for _, b := range content {
		require.Equal(t, byte(0x5a), b)
	}
}

func TestWrapper_MallocLayout(t *testing.T) {
	m, w := newWrapper(t, 0)

	const size = 40
	user := w.Malloc(size)
	require.NotZero(t, user)

	base := user - redzone.Size
	usable := w.Arena().UsableSize(base)
	require.GreaterOrEqual(t, usable, uint64(redzone.Size+size+redzone.Size))

	// Leading guard at [user-16, user).
	lead, ok := m.Mem.Read(base, redzone.Size)
	require.True(t, ok)
	require.Equal(t, byte(redzone.LeadByte), lead[0])
	for _, b := range lead[1:] {
		require.Equal(t, byte(redzone.PoisonByte), b)
	}

	// Trailing guard covers [user+size, base+usable).
	tb, ok := m.Mem.ReadByte(user + size)
	require.True(t, ok)
	require.Equal(t, byte(redzone.LeadByte), tb)
	for addr := user + size + 1; addr < base+usable; addr++ {
		b, ok := m.Mem.ReadByte(addr)
		require.True(t, ok)
		require.Equal(t, byte(redzone.PoisonByte), b, "addr %#x", addr)
	}
}

func TestWrapper_MallocZero(t *testing.T) {
	_, w := newWrapper(t, 0)
	require.Zero(t, w.Malloc(0))
}

func TestWrapper_CallocZeroesPayload(t *testing.T) {
	m, w := newWrapper(t, 0)

	// Dirty the arena so a recycled block would show stale bytes.
	p := w.Malloc(80)
	m.Mem.Fill(p, 0xff, 80)
	w.Free(p)

	user := w.Calloc(10, 8)
	require.NotZero(t, user)
	payload, ok := m.Mem.Read(user, 80)
	require.True(t, ok)
	for _, b := range payload {
		require.Zero(t, b)
	}

	// Guards are in place around it.
	b, _ := m.Mem.ReadByte(user - redzone.Size)
	require.Equal(t, byte(redzone.LeadByte), b)
	b, _ = m.Mem.ReadByte(user + 80)
	require.Equal(t, byte(redzone.LeadByte), b)
}

func TestWrapper_CallocOverflow(t *testing.T) {
	_, w := newWrapper(t, 0)
	require.Zero(t, w.Calloc(1<<33, 1<<33))
}

func TestWrapper_ReallocMovesGuards(t *testing.T) {
	m, w := newWrapper(t, 0)

	user := w.Malloc(40)
	m.Mem.Fill(user, 0x7e, 40)

	user2 := w.Realloc(user, 200)
	require.NotZero(t, user2)

	// Content survived.
	payload, ok := m.Mem.Read(user2, 40)
	require.True(t, ok)
	for _, b := range payload {
		require.Equal(t, byte(0x7e), b)
	}

	// No stale guard bytes inside the new payload: the old trailing guard
	// was stripped before the copy.
	rest, ok := m.Mem.Read(user2+40, 160)
	require.True(t, ok)
	for i, b := range rest {
		require.NotEqual(t, byte(redzone.LeadByte), b, "offset %d", 40+i)
	}

	// Fresh guards around the new block.
	b, _ := m.Mem.ReadByte(user2 - redzone.Size)
	require.Equal(t, byte(redzone.LeadByte), b)
	b, _ = m.Mem.ReadByte(user2 + 200)
	require.Equal(t, byte(redzone.LeadByte), b)
}

func TestWrapper_ReallocNullAndZero(t *testing.T) {
	_, w := newWrapper(t, 0)

	user := w.Realloc(0, 32)
	require.NotZero(t, user, "realloc(NULL, n) allocates")

	require.Zero(t, w.Realloc(user, 0), "realloc(p, 0) frees")
}

func TestWrapper_FreeWithoutQuarantine(t *testing.T) {
	m, w := newWrapper(t, 0)

	user := w.Malloc(40)
	base := user - redzone.Size
	usable := w.Arena().UsableSize(base)
	w.Free(user)

	// Both guards were stripped before the block went back.
	all, ok := m.Mem.Read(base, usable)
	require.True(t, ok)
	for i, b := range all {
		if uint64(i) >= redzone.Size && uint64(i) < redzone.Size+40 {
			continue
		}
		require.Zero(t, b, "offset %d", i)
	}
	require.Zero(t, w.Arena().UsableSize(base))
}

func TestWrapper_FreeNull(t *testing.T) {
	_, w := newWrapper(t, 64<<10)
	w.Free(0)
	require.Zero(t, w.Quarantine().Bytes())
}

func TestWrapper_QuarantinePoisonsPayload(t *testing.T) {
	m, w := newWrapper(t, 1<<20)

	user := w.Malloc(40)
	base := user - redzone.Size
	usable := w.Arena().UsableSize(base)
	m.Mem.Fill(user, 0x11, 40)
	w.Free(user)

	// Still owned by the arena (parked, not released).
	require.Equal(t, usable, w.Arena().UsableSize(base))
	require.Equal(t, usable, w.Quarantine().Bytes())

	// Every payload byte is the repeating poison byte.
	payload, ok := m.Mem.Read(user, usable-2*redzone.Size)
	require.True(t, ok)
	for i, b := range payload {
		require.Equal(t, byte(redzone.PoisonByte), b, "offset %d", i)
	}
}

func TestWrapper_QuarantineEviction(t *testing.T) {
	m, w := newWrapper(t, 4096)

	var users []uint64
	for i := 0; i < 64; i++ {
		u := w.Malloc(100)
		require.NotZero(t, u)
		users = append(users, u)
	}
	for _, u := range users {
		w.Free(u)
	}

	q := w.Quarantine()
	require.LessOrEqual(t, q.Bytes(), q.Bound())
	require.NotZero(t, q.Bytes())

	// Evicted blocks were zeroed and returned to the arena; the oldest one
	// must be reusable again.
	first := users[0] - redzone.Size
	require.Zero(t, w.Arena().UsableSize(first), "oldest block released")
	content, ok := m.Mem.Read(first, 100)
	require.True(t, ok)
	for _, b := range content {
		require.Zero(t, b)
	}
}

func TestQuarantine_CounterMatchesRecords(t *testing.T) {
	q := NewQuarantine(1 << 16)
	q.enqueue(0x1000, 128)
	q.enqueue(0x2000, 256)
	require.Equal(t, uint64(384), q.Bytes())

	rec, ok := q.dequeue()
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), rec.addr)
	require.Equal(t, uint64(256), q.Bytes())

	rec, ok = q.dequeue()
	require.True(t, ok)
	require.Equal(t, uint64(0x2000), rec.addr)
	require.Zero(t, q.Bytes())

	_, ok = q.dequeue()
	require.False(t, ok)
	require.Zero(t, q.Bytes(), "empty ring resets the counter")
}

func TestWrapper_DisabledPassThrough(t *testing.T) {
	m := machine.New(0)
	prober, err := probe.New(m)
	require.NoError(t, err)
	arena := NewArena(m.Mem, m.HeapBase(), m.HeapSize())
	w := NewWrapper(m.Mem, arena, prober, NewQuarantine(1<<20), func() bool { return false })

	ptr := w.Malloc(64)
	require.NotZero(t, ptr)
	// No guards: the pointer is the arena block itself.
	require.Equal(t, sizeClass(64), arena.UsableSize(ptr))
	b, _ := m.Mem.ReadByte(ptr)
	require.Zero(t, b)

	w.Free(ptr)
	require.Zero(t, arena.UsableSize(ptr))
	require.Zero(t, w.Quarantine().Bytes(), "pass-through free skips the ring")
}
