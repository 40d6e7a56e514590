package floatguard

import (
	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/fault"
	"github.com/guardlabs/floatguard/internal/heap"
	"github.com/guardlabs/floatguard/internal/machine"
	"github.com/guardlabs/floatguard/internal/probe"
	"github.com/guardlabs/floatguard/internal/shims"
	"github.com/guardlabs/floatguard/sys"
)

// JmpBuf is a setjmp-style register snapshot used with Longjmp, Siglongjmp
// and Throw.
type JmpBuf = machine.JmpBuf

// Process is one sanitized process image. Its methods are the interposed
// surface the instrumented program would link against: the allocator entry
// points, the wrapped libc routines, the probe primitive, signal
// registration, and the non-local jump hooks.
//
// A confirmed redzone violation terminates the process: the call that
// tripped it returns *sys.FaultError, and every later call returns the same
// error again.
type Process struct {
	cfg      *RuntimeConfig
	m        *machine.Machine
	prober   *probe.Prober
	alloc    *heap.Wrapper
	libc     *shims.Shims
	handler  *fault.Handler
	progPath string

	// enabled is the process-wide gate. False until the image path matched
	// a configured target at startup; dropped at teardown.
	enabled bool

	// storedSP records the stack pointer captured immediately before a
	// non-local transfer; the post-jump scrub consumes it. A single slot,
	// like the native runtime: the runtime adds no threads of its own.
	storedSP uint64

	dead error
}

// Enabled reports whether the sanitizer is live for this process.
func (p *Process) Enabled() bool { return p.enabled }

// Memory is the raw, uninstrumented view of the process image.
func (p *Process) Memory() api.Memory { return p.m.Mem }

// Close runs the registered teardown (dropping the enable gate first, so
// teardown never probes).
func (p *Process) Close() error {
	p.m.Close()
	return nil
}

// run executes one interposed call, converting the termination panics into
// the errors the embedder sees.
func (p *Process) run(f func()) (err error) {
	if p.dead != nil {
		return p.dead
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch e := r.(type) {
		case *sys.FaultError:
			p.dead = e
			err = e
		case *sys.SegvError:
			p.dead = e
			err = e
		case *machine.Trap:
			p.dead = e
			err = e
		default:
			panic(r)
		}
	}()
	f()
	return nil
}

// Malloc allocates size bytes with a redzone on each side, returning the
// user pointer. Zero size and exhaustion return the null pointer.
func (p *Process) Malloc(size uint64) (ptr uint64, err error) {
	err = p.run(func() { ptr = p.alloc.Malloc(size) })
	return
}

// Calloc allocates a zeroed array of nmemb elements of size bytes.
func (p *Process) Calloc(nmemb, size uint64) (ptr uint64, err error) {
	err = p.run(func() { ptr = p.alloc.Calloc(nmemb, size) })
	return
}

// Realloc resizes the allocation at ptr. Realloc(0, n) allocates;
// Realloc(p, 0) frees and returns the null pointer.
func (p *Process) Realloc(ptr, size uint64) (newPtr uint64, err error) {
	err = p.run(func() { newPtr = p.alloc.Realloc(ptr, size) })
	return
}

// Free releases the allocation at ptr. Freeing the null pointer is a no-op;
// freeing twice trips the double-free probe.
func (p *Process) Free(ptr uint64) error {
	return p.run(func() { p.alloc.Free(ptr) })
}

// PosixMemalign allocates like Malloc, reporting exhaustion through the
// errno result.
func (p *Process) PosixMemalign(alignment, size uint64) (ptr uint64, errno int, err error) {
	err = p.run(func() { ptr, errno = p.alloc.PosixMemalign(alignment, size) })
	return
}

// Probe issues the explicit trap-check over [addr, addr+size), the
// externally visible form of the primitive the shims use. It never modifies
// memory: it either returns nil or reports the violation.
func (p *Process) Probe(addr, size uint64) error {
	return p.run(func() {
		if size == 0 {
			return
		}
		p.prober.Check(addr, size)
	})
}

// Load8 performs an instrumented one-byte read: probe, then access.
func (p *Process) Load8(addr uint64) (v byte, err error) {
	err = p.run(func() {
		if p.enabled {
			p.prober.Check(addr, 1)
		}
		b, ok := p.m.Mem.ReadByte(addr)
		if !ok {
			p.m.Raise(api.SignalSegv, &api.SignalInfo{Signal: api.SignalSegv, Addr: addr})
			return
		}
		v = b
	})
	return
}

// Store8 performs an instrumented one-byte write: probe, then access.
func (p *Process) Store8(addr uint64, v byte) error {
	return p.run(func() {
		if p.enabled {
			p.prober.Check(addr, 1)
		}
		if !p.m.Mem.WriteByte(addr, v) {
			p.m.Raise(api.SignalSegv, &api.SignalInfo{Signal: api.SignalSegv, Addr: addr})
		}
	})
}

// Read performs an instrumented read of size bytes, returning a copy.
func (p *Process) Read(addr, size uint64) (data []byte, err error) {
	err = p.run(func() {
		if p.enabled && size != 0 {
			p.prober.Check(addr, size)
		}
		b, ok := p.m.Mem.Read(addr, size)
		if !ok {
			p.m.Raise(api.SignalSegv, &api.SignalInfo{Signal: api.SignalSegv, Addr: addr})
			return
		}
		data = append([]byte(nil), b...)
	})
	return
}

// Write performs an instrumented write of data at addr.
func (p *Process) Write(addr uint64, data []byte) error {
	return p.run(func() {
		if p.enabled && len(data) != 0 {
			p.prober.Check(addr, uint64(len(data)))
		}
		if !p.m.Mem.Write(addr, data) {
			p.m.Raise(api.SignalSegv, &api.SignalInfo{Signal: api.SignalSegv, Addr: addr})
		}
	})
}

// Signal registers a handler like signal(2) would, except that while the
// sanitizer is live, registrations for the underflow signal are swallowed:
// the call reports success without touching the runtime's handler.
func (p *Process) Signal(sig api.Signal, h api.SignalHandler) api.SignalHandler {
	if p.enabled && sig == api.SignalFPE {
		return nil
	}
	return p.m.Sigaction(sig, h)
}

// Sigaction behaves like Signal; the native runtime guards all three
// registration entry points identically.
func (p *Process) Sigaction(sig api.Signal, h api.SignalHandler) api.SignalHandler {
	return p.Signal(sig, h)
}

// SysvSignal is the System V flavored registration some programs reach for;
// guarded the same way.
func (p *Process) SysvSignal(sig api.Signal, h api.SignalHandler) api.SignalHandler {
	return p.Signal(sig, h)
}

// Setjmp captures the current register file for a later non-local jump.
func (p *Process) Setjmp() *JmpBuf {
	return p.m.Setjmp()
}

// Longjmp restores the registers captured by Setjmp, then scrubs the stack
// region abandoned by the jump so no redzone residue survives in frames the
// program will reuse.
func (p *Process) Longjmp(b *JmpBuf) error {
	return p.run(func() { p.nonLocalJump(b) })
}

// Siglongjmp is Longjmp under its signal-context name.
func (p *Process) Siglongjmp(b *JmpBuf) error {
	return p.Longjmp(b)
}

// Throw models the C++ throw lowering: the unwind to the catch context b is
// a non-local transfer and gets the same stack scrub.
func (p *Process) Throw(b *JmpBuf) error {
	return p.run(func() { p.nonLocalJump(b) })
}

func (p *Process) nonLocalJump(b *JmpBuf) {
	if p.enabled {
		// store sp before the jump; the scrub below consumes it
		p.storedSP = p.m.Regs[api.RegRSP]
	}
	p.m.Longjmp(b)
	if p.enabled {
		p.clearStackOnJump()
	}
}

// clearStackOnJump zeroes the stack between the recorded low-water mark and
// the current stack pointer, sparing the top word so a live return address
// stays intact.
func (p *Process) clearStackOnJump() {
	currentSP := p.m.Regs[api.RegRSP]
	if p.storedSP == 0 || currentSP <= p.storedSP+8 {
		return
	}
	p.m.Mem.Fill(p.storedSP, 0, currentSP-p.storedSP-8)
}

// Memcpy probes both buffers over n bytes, then copies.
func (p *Process) Memcpy(dst, src, n uint64) (ret uint64, err error) {
	err = p.run(func() { ret = p.libc.Memcpy(dst, src, n) })
	return
}

// Memmove probes both buffers over n bytes, then moves.
func (p *Process) Memmove(dst, src, n uint64) (ret uint64, err error) {
	err = p.run(func() { ret = p.libc.Memmove(dst, src, n) })
	return
}

// Memset probes the destination over n bytes, then fills.
func (p *Process) Memset(dst uint64, c byte, n uint64) (ret uint64, err error) {
	err = p.run(func() { ret = p.libc.Memset(dst, c, n) })
	return
}

// Memcmp probes both buffers over n bytes, then compares.
func (p *Process) Memcmp(s1, s2, n uint64) (ret int, err error) {
	err = p.run(func() { ret = p.libc.Memcmp(s1, s2, n) })
	return
}

// Strlen measures the string at s, probing the measured bytes.
func (p *Process) Strlen(s uint64) (n uint64, err error) {
	err = p.run(func() { n = p.libc.Strlen(s) })
	return
}

// Strnlen probes maxlen bytes and measures at most maxlen.
func (p *Process) Strnlen(s, maxlen uint64) (n uint64, err error) {
	err = p.run(func() { n = p.libc.Strnlen(s, maxlen) })
	return
}

// Strcmp compares the strings at s1 and s2, probing only up to the first
// difference or terminator.
func (p *Process) Strcmp(s1, s2 uint64) (ret int, err error) {
	err = p.run(func() { ret = p.libc.Strcmp(s1, s2) })
	return
}

// Strncmp is Strcmp capped at n bytes.
func (p *Process) Strncmp(s1, s2, n uint64) (ret int, err error) {
	err = p.run(func() { ret = p.libc.Strncmp(s1, s2, n) })
	return
}

// Strcpy copies the string at src to dst, terminator included.
func (p *Process) Strcpy(dst, src uint64) (ret uint64, err error) {
	err = p.run(func() { ret = p.libc.Strcpy(dst, src) })
	return
}

// Strncpy copies at most n bytes, zero-filling the remainder.
func (p *Process) Strncpy(dst, src, n uint64) (ret uint64, err error) {
	err = p.run(func() { ret = p.libc.Strncpy(dst, src, n) })
	return
}

// Strcat appends the string at src to the string at dst.
func (p *Process) Strcat(dst, src uint64) (ret uint64, err error) {
	err = p.run(func() { ret = p.libc.Strcat(dst, src) })
	return
}

// Strncat appends at most n bytes of src, always terminating.
func (p *Process) Strncat(dst, src, n uint64) (ret uint64, err error) {
	err = p.run(func() { ret = p.libc.Strncat(dst, src, n) })
	return
}

// Wcscpy copies the wide string at src to dst.
func (p *Process) Wcscpy(dst, src uint64) (ret uint64, err error) {
	err = p.run(func() { ret = p.libc.Wcscpy(dst, src) })
	return
}

// Puts writes the probed string at s and a newline to the configured stdout.
func (p *Process) Puts(s uint64) (ret int, err error) {
	err = p.run(func() { ret = p.libc.Puts(s) })
	return
}

// Snprintf formats into the probed buffer at dst, truncating to maxlen.
func (p *Process) Snprintf(dst, maxlen uint64, format string, args ...interface{}) (ret int, err error) {
	err = p.run(func() { ret = p.libc.Snprintf(dst, maxlen, format, args...) })
	return
}

// Printf writes formatted output to the configured stdout, probing the
// argument only for the single-%s format shape.
func (p *Process) Printf(format string, args ...interface{}) (ret int, err error) {
	err = p.run(func() { ret = p.libc.Printf(format, args...) })
	return
}
