package machine

// JmpBuf is a setjmp-style snapshot of the general-purpose register file.
// The sanitizer's longjmp interposer wraps Longjmp with the stack-scrub
// bookkeeping; the machine itself only saves and restores.
type JmpBuf struct {
	regs [16]uint64
}

// Setjmp captures the current register file.
func (m *Machine) Setjmp() *JmpBuf {
	return &JmpBuf{regs: m.Regs}
}

// Longjmp restores the register file captured by Setjmp, abandoning every
// stack frame below the captured stack pointer.
func (m *Machine) Longjmp(b *JmpBuf) {
	m.Regs = b.regs
}
