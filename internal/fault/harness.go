package fault

import (
	"fmt"

	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/asm/golang_asm"
	isa "github.com/guardlabs/floatguard/internal/isa/amd64"
	"github.com/guardlabs/floatguard/internal/machine"
)

// harnessRegisters is every general-purpose register the prolog restores
// and the epilog unwinds, in push order. RSP stays live.
var harnessRegisters = []api.Register{
	api.RegRAX, api.RegRBX, api.RegRCX, api.RegRDX,
	api.RegRDI, api.RegRSI, api.RegRBP,
	api.RegR8, api.RegR9, api.RegR10, api.RegR11,
	api.RegR12, api.RegR13, api.RegR14, api.RegR15,
}

// Harness re-executes a faulting non-probe instruction on the scratch page
// under relaxed FP flags, so an incidental underflow neither terminates the
// program nor perturbs its numeric result.
type Harness struct {
	m *machine.Machine
}

// NewHarness returns a harness for m's scratch page.
func NewHarness(m *machine.Machine) *Harness {
	return &Harness{m: m}
}

// ReExecute rebuilds the faulting instruction at faultRIP inside a
// register-restoring wrapper on the scratch page, runs it with flush-to-zero
// off, and returns the instruction length so the caller can advance RIP.
//
// The wrapper: push every GPR, load each with its saved context value, the
// copied instruction, pop everything back, ret. The SIMD state needs no
// explicit restore or writeback: the handler operates on the live register
// file, which is the saved context.
func (h *Harness) ReExecute(faultRIP uint64, ctx api.SignalContext) int {
	avail := uint64(16)
	end := h.m.Mem.Base() + h.m.Mem.Size()
	if faultRIP >= end || faultRIP < h.m.Mem.Base() {
		panic(&machine.Trap{Reason: fmt.Sprintf("cannot read faulting instruction at %#x", faultRIP)})
	}
	if end-faultRIP < avail {
		avail = end - faultRIP
	}
	window, _ := h.m.Mem.Read(faultRIP, avail)

	inst, decoded := isa.Decode(window)
	if !decoded {
		panic(&machine.Trap{Reason: fmt.Sprintf("cannot disassemble faulting instruction at %#x", faultRIP)})
	}
	opLen := inst.Len

	a, err := golang_asm.NewHarnessAssembler()
	if err != nil {
		panic(&machine.Trap{Reason: fmt.Sprintf("harness assembler: %v", err)})
	}
	for _, r := range harnessRegisters {
		if err := a.CompilePush(r); err != nil {
			panic(&machine.Trap{Reason: fmt.Sprintf("harness assembler: %v", err)})
		}
	}
	for _, r := range harnessRegisters {
		if err := a.CompileMovImmediateToRegister(ctx.Reg(r), r); err != nil {
			panic(&machine.Trap{Reason: fmt.Sprintf("harness assembler: %v", err)})
		}
	}
	prolog, err := a.Assemble()
	if err != nil {
		panic(&machine.Trap{Reason: fmt.Sprintf("harness assembler: %v", err)})
	}

	e, err := golang_asm.NewHarnessAssembler()
	if err != nil {
		panic(&machine.Trap{Reason: fmt.Sprintf("harness assembler: %v", err)})
	}
	for i := len(harnessRegisters) - 1; i >= 0; i-- {
		if err := e.CompilePop(harnessRegisters[i]); err != nil {
			panic(&machine.Trap{Reason: fmt.Sprintf("harness assembler: %v", err)})
		}
	}
	e.CompileReturn()
	epilog, err := e.Assemble()
	if err != nil {
		panic(&machine.Trap{Reason: fmt.Sprintf("harness assembler: %v", err)})
	}

	code := make([]byte, 0, len(prolog)+opLen+len(epilog))
	code = append(code, prolog...)
	code = append(code, window[:opLen]...)
	code = append(code, epilog...)

	scratch := h.m.ScratchBase()
	if !h.m.Mem.Write(scratch, code) {
		panic(&machine.Trap{Reason: fmt.Sprintf("cannot map scratch page at %#x", scratch)})
	}

	// Run without flush-to-zero so the re-executed instruction keeps its
	// denormal result, then restore the trap environment.
	h.m.SetFlushToZero(false)
	h.m.Execute(scratch)
	h.m.SetFlushToZero(true)

	return opLen
}
