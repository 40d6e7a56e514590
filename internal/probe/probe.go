// Package probe plants the trap-check primitive: a single VEX scalar add
// against a target address. The instruction is written to the machine's code
// region once and re-executed per check, so every trap carries a genuine
// instruction pointer for the fault decoder to chew on.
package probe

import (
	"fmt"

	"github.com/guardlabs/floatguard/api"
	asm_amd64 "github.com/guardlabs/floatguard/internal/asm/amd64"
	isa "github.com/guardlabs/floatguard/internal/isa/amd64"
	"github.com/guardlabs/floatguard/internal/machine"
	"github.com/guardlabs/floatguard/internal/redzone"
)

// Prober owns the emitted probe sequence for one machine.
//
// The sequence is "vaddss (rax), xmm15, xmm15; ret": the address flows in
// through RAX, the magic addend through XMM15, and the result clobbers XMM15
// just like the inline primitive does.
type Prober struct {
	m    *machine.Machine
	code uint64
}

// New emits the probe sequence into m's code region.
func New(m *machine.Machine) (*Prober, error) {
	a := asm_amd64.NewAssembler()
	if err := a.CompileScalarOpMemoryToRegister(isa.OpcodeAddss, api.RegRAX, 0, api.RegNone, 1, 15, 15); err != nil {
		return nil, err
	}
	code, err := a.Assemble()
	if err != nil {
		return nil, err
	}
	code = append(code, 0xc3) // ret
	if !m.Mem.Write(m.CodeBase(), code) {
		return nil, fmt.Errorf("cannot map probe code at %#x", m.CodeBase())
	}
	return &Prober{m: m, code: m.CodeBase()}, nil
}

// Probe issues one trap-check against addr. It has no effect other than
// raising the underflow signal when the bytes at addr look like poison; the
// handler decides what that means.
func (p *Prober) Probe(addr uint64) {
	savedRAX := p.m.Regs[api.RegRAX]
	p.m.Regs[api.RegRAX] = addr
	p.m.XMMRegs[15] = [16]byte{
		byte(redzone.MagicAddBits & 0xff),
		byte((redzone.MagicAddBits >> 8) & 0xff),
		byte((redzone.MagicAddBits >> 16) & 0xff),
		byte((redzone.MagicAddBits >> 24) & 0xff),
	}
	p.m.Execute(p.code)
	p.m.Regs[api.RegRAX] = savedRAX
}

// Check probes the range [addr, addr+size).
//
// One probe lands on the first byte and then at every half-redzone stride,
// and one on the final byte. Each probe loads four bytes, so any full redzone
// that starts inside the range, or ends at least four bytes into it, is hit
// by at least one probe; the stride cannot jump over 16 contiguous poison
// bytes. A redzone that ends one to three bytes into the range is not hit.
func (p *Prober) Check(addr, size uint64) {
	if size == 0 {
		return
	}
	for ptr := addr; ptr < addr+size; ptr += redzone.Size / 2 {
		p.Probe(ptr)
	}
	p.Probe(addr + size - 1)
}
