// Package machine emulates just enough of an x86-64 process for the
// sanitizer runtime to be exercised at full fidelity: a linear memory, the
// general-purpose and XMM register files, the two MXCSR bits the trap
// primitive depends on, a POSIX-shaped signal table, and an interpreter for
// the instruction subset the runtime emits or re-executes.
package machine

import (
	"fmt"

	"github.com/guardlabs/floatguard/api"
)

// Image layout, low to high. The code region receives emitted probe
// sequences, the scratch page the re-execution harness.
const (
	ImageBase   = 0x10000
	codeSize    = 0x1000
	scratchSize = 0x1000
	stackSize   = 0x10000

	// DefaultMemorySize is the default image size. The heap is whatever
	// remains above the stack.
	DefaultMemorySize = 64 << 20
)

// Trap is panicked when the emulated process dies for a reason other than a
// confirmed sanitizer fault: an unhandled signal or a runaway execution. The
// public API recovers it at the process boundary.
type Trap struct {
	Reason string
}

// Error implements error.
func (t *Trap) Error() string { return t.Reason }

type sigactionEntry struct {
	handler api.SignalHandler
}

// Machine is one emulated process.
type Machine struct {
	Mem *MemoryInstance

	// Regs is the general-purpose register file, indexed by api.Register.
	Regs [16]uint64
	// XMMRegs is the SIMD register file.
	XMMRegs [16][16]byte

	rip uint64

	// ftz and underflowMasked model the two MXCSR controls the runtime
	// flips: flush-to-zero, and the underflow-exception mask bit.
	ftz             bool
	underflowMasked bool

	sigactions [32]sigactionEntry

	// inHandler tracks signal-handler nesting so MXCSR can be given the ABI
	// default for the handler's duration and restored on return.
	inHandler int

	codeBase    uint64
	scratchBase uint64
	stackLow    uint64
	stackTop    uint64
	heapBase    uint64

	exitFuncs []func()
	closed    bool
}

// New returns a machine with memorySize bytes mapped at ImageBase. Zero
// selects DefaultMemorySize.
func New(memorySize uint64) *Machine {
	if memorySize == 0 {
		memorySize = DefaultMemorySize
	}
	if memorySize < codeSize+scratchSize+stackSize+0x10000 {
		memorySize = codeSize + scratchSize + stackSize + 0x10000
	}
	m := &Machine{
		Mem:             newMemoryInstance(ImageBase, memorySize),
		underflowMasked: true,
	}
	m.codeBase = ImageBase
	m.scratchBase = m.codeBase + codeSize
	m.stackLow = m.scratchBase + scratchSize
	m.stackTop = m.stackLow + stackSize
	m.heapBase = m.stackTop
	m.Regs[api.RegRSP] = m.stackTop
	return m
}

// CodeBase is the address probe sequences are written to.
func (m *Machine) CodeBase() uint64 { return m.codeBase }

// ScratchBase is the address of the writable scratch page used by the
// re-execution harness.
func (m *Machine) ScratchBase() uint64 { return m.scratchBase }

// HeapBase is the first address available to the underlying allocator.
func (m *Machine) HeapBase() uint64 { return m.heapBase }

// HeapSize is the number of bytes available to the underlying allocator.
func (m *Machine) HeapSize() uint64 { return m.Mem.Size() - (m.heapBase - m.Mem.Base()) }

// StackLow is the lowest mapped stack address.
func (m *Machine) StackLow() uint64 { return m.stackLow }

// RIP returns the instruction pointer.
func (m *Machine) RIP() uint64 { return m.rip }

// SetRIP sets the instruction pointer.
func (m *Machine) SetRIP(v uint64) { m.rip = v }

// SetFlushToZero flips the MXCSR flush-to-zero control.
func (m *Machine) SetFlushToZero(on bool) { m.ftz = on }

// FlushToZero returns the MXCSR flush-to-zero control.
func (m *Machine) FlushToZero() bool { return m.ftz }

// SetUnderflowMasked flips the MXCSR underflow-exception mask. Unmasking is
// what turns a denormal probe result into a delivered signal.
func (m *Machine) SetUnderflowMasked(masked bool) { m.underflowMasked = masked }

// UnderflowMasked returns the MXCSR underflow-exception mask.
func (m *Machine) UnderflowMasked() bool { return m.underflowMasked }

// Sigaction registers handler for sig, returning the previous registration.
// A nil handler restores the default action (process death).
func (m *Machine) Sigaction(sig api.Signal, handler api.SignalHandler) api.SignalHandler {
	if sig < 0 || sig >= len(m.sigactions) {
		return nil
	}
	prev := m.sigactions[sig].handler
	m.sigactions[sig].handler = handler
	return prev
}

// SignalHandler returns the current registration for sig.
func (m *Machine) SignalHandler(sig api.Signal) api.SignalHandler {
	if sig < 0 || sig >= len(m.sigactions) {
		return nil
	}
	return m.sigactions[sig].handler
}

// Raise delivers sig synchronously on the current thread.
//
// As on Linux, the handler runs with the default FP environment (flush-to-
// zero off, all exceptions masked); the interrupted MXCSR is restored when
// the handler returns. An unregistered signal takes the default action and
// kills the process.
func (m *Machine) Raise(sig api.Signal, info *api.SignalInfo) {
	h := m.SignalHandler(sig)
	if h == nil {
		panic(&Trap{Reason: fmt.Sprintf("fatal signal %d at ip %#x", sig, m.rip)})
	}

	savedFTZ, savedMask := m.ftz, m.underflowMasked
	m.ftz, m.underflowMasked = false, true
	m.inHandler++

	defer func() {
		m.inHandler--
		m.ftz, m.underflowMasked = savedFTZ, savedMask
	}()

	h(sig, info, &sigContext{m: m})
}

// InHandler reports whether a signal handler is currently executing.
func (m *Machine) InHandler() bool { return m.inHandler > 0 }

// AtExit registers f to run when the machine closes. Functions run in
// reverse registration order, like destructors.
func (m *Machine) AtExit(f func()) {
	m.exitFuncs = append(m.exitFuncs, f)
}

// Close runs the registered exit functions once.
func (m *Machine) Close() {
	if m.closed {
		return
	}
	m.closed = true
	for i := len(m.exitFuncs) - 1; i >= 0; i-- {
		m.exitFuncs[i]()
	}
}

// sigContext adapts the machine's live state to api.SignalContext. Handler
// writes land directly in the register file, which is exactly the ucontext
// contract: they take effect when the interrupted thread resumes.
type sigContext struct {
	m *Machine
}

func (c *sigContext) Reg(r api.Register) uint64 {
	if r < 0 || r >= 16 {
		return 0
	}
	return c.m.Regs[r]
}

func (c *sigContext) SetReg(r api.Register, v uint64) {
	if r >= 0 && r < 16 {
		c.m.Regs[r] = v
	}
}

func (c *sigContext) XMM(i int) [16]byte {
	if i < 0 || i >= 16 {
		return [16]byte{}
	}
	return c.m.XMMRegs[i]
}

func (c *sigContext) SetXMM(i int, v [16]byte) {
	if i >= 0 && i < 16 {
		c.m.XMMRegs[i] = v
	}
}

func (c *sigContext) RIP() uint64     { return c.m.rip }
func (c *sigContext) SetRIP(v uint64) { c.m.rip = v }

var _ api.SignalContext = (*sigContext)(nil)
