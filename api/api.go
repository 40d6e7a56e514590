// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

// Signal is the number of an emulated POSIX signal delivered by the machine.
type Signal = int

const (
	// SignalFPE is raised when a floating-point operation traps. The sanitizer's
	// probe instruction reports redzone hits through this signal.
	SignalFPE Signal = 8
	// SignalSegv is raised on an access outside the machine's linear memory.
	SignalSegv Signal = 11
)

// Register identifies a general-purpose register in a SignalContext.
//
// The values match the x86-64 hardware encoding (the 4-bit field built from
// ModR/M, SIB and the VEX complement bits), not any particular OS context
// layout.
type Register = int

const (
	RegRAX Register = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	// RegNone marks a suppressed base or index register.
	RegNone Register = 16
)

// RegisterName returns the conventional assembler name of r, or "none" for
// RegNone.
func RegisterName(r Register) string {
	if r >= 0 && r < len(registerNames) {
		return registerNames[r]
	}
	return "none"
}

var registerNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// Memory allows linear access to an emulated process image.
//
// All addresses are virtual: they include the image base, so address zero is
// never mapped and can be used as a null pointer. Out-of-range access returns
// false rather than raising a signal; raising is the machine's concern.
type Memory interface {
	// Base returns the lowest mapped virtual address.
	Base() uint64

	// Size returns the number of mapped bytes.
	Size() uint64

	// Read returns size bytes at addr, or false on out-of-range access.
	//
	// The returned slice aliases the underlying memory: writes through it are
	// visible to the process.
	Read(addr, size uint64) ([]byte, bool)

	// ReadByte returns the byte at addr, or false on out-of-range access.
	ReadByte(addr uint64) (byte, bool)

	// ReadUint32Le reads a little-endian 32-bit value at addr.
	ReadUint32Le(addr uint64) (uint32, bool)

	// WriteByte stores v at addr, returning false on out-of-range access.
	WriteByte(addr uint64, v byte) bool

	// Write stores data at addr, returning false on out-of-range access.
	Write(addr uint64, data []byte) bool

	// Fill stores size copies of v starting at addr.
	Fill(addr uint64, v byte, size uint64) bool
}

// SignalContext is the register state saved when a signal is delivered.
//
// Mutations made by a handler are applied when the handler returns, exactly
// like writes to a ucontext: the thread resumes with the updated registers
// and instruction pointer.
type SignalContext interface {
	// Reg returns the saved value of a general-purpose register.
	Reg(r Register) uint64

	// SetReg updates the saved value of a general-purpose register.
	SetReg(r Register, v uint64)

	// XMM returns the saved 16-byte content of SIMD register i (0..15).
	XMM(i int) [16]byte

	// SetXMM updates the saved content of SIMD register i.
	SetXMM(i int, v [16]byte)

	// RIP returns the saved instruction pointer.
	RIP() uint64

	// SetRIP updates the saved instruction pointer. Advancing it past the
	// faulting instruction is how a handler skips that instruction.
	SetRIP(v uint64)
}

// SignalInfo carries the siginfo fields the runtime consumes.
type SignalInfo struct {
	// Signal is the delivered signal number.
	Signal Signal

	// Addr is the address of the faulting instruction for SignalFPE, or the
	// inaccessible address for SignalSegv.
	Addr uint64
}

// SignalHandler is a registered signal-handling function.
type SignalHandler func(sig Signal, info *SignalInfo, ctx SignalContext)
