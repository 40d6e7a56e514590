// Package golang_asm builds the integer scaffolding of the scratch-page
// harness with the golang-asm library: the register-restoring prolog, and the
// epilog that unwinds it. The VEX probe forms are not expressible here, which
// is why the hand encoder in asm/amd64 exists alongside.
package golang_asm

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/asm"
)

// HarnessAssembler assembles the PUSH/POP/MOV/RET subset used by the
// re-execution harness.
type HarnessAssembler struct {
	b *goasm.Builder
}

var _ asm.Assembler = (*HarnessAssembler)(nil)

// NewHarnessAssembler returns an assembler targeting amd64.
func NewHarnessAssembler() (*HarnessAssembler, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &HarnessAssembler{b: b}, nil
}

// Assemble implements asm.Assembler.
func (a *HarnessAssembler) Assemble() ([]byte, error) {
	return a.b.Assemble(), nil
}

// goRegisters maps the hardware register numbering to golang-asm's.
var goRegisters = [16]int16{
	x86.REG_AX, x86.REG_CX, x86.REG_DX, x86.REG_BX,
	x86.REG_SP, x86.REG_BP, x86.REG_SI, x86.REG_DI,
	x86.REG_R8, x86.REG_R9, x86.REG_R10, x86.REG_R11,
	x86.REG_R12, x86.REG_R13, x86.REG_R14, x86.REG_R15,
}

func goRegister(r api.Register) (int16, error) {
	if r < 0 || int(r) >= len(goRegisters) {
		return 0, fmt.Errorf("invalid register %d", r)
	}
	return goRegisters[r], nil
}

func (a *HarnessAssembler) newProg() *obj.Prog {
	p := a.b.NewProg()
	a.b.AddInstruction(p)
	return p
}

// CompilePush adds "pushq r".
func (a *HarnessAssembler) CompilePush(r api.Register) error {
	reg, err := goRegister(r)
	if err != nil {
		return err
	}
	p := a.newProg()
	p.As = x86.APUSHQ
	p.From = obj.Addr{Type: obj.TYPE_REG, Reg: reg}
	return nil
}

// CompilePop adds "popq r".
func (a *HarnessAssembler) CompilePop(r api.Register) error {
	reg, err := goRegister(r)
	if err != nil {
		return err
	}
	p := a.newProg()
	p.As = x86.APOPQ
	p.To = obj.Addr{Type: obj.TYPE_REG, Reg: reg}
	return nil
}

// CompileMovImmediateToRegister adds "movabs $v, r". Values above the signed
// 64-bit range are reinterpreted bitwise, which is what register restoration
// wants.
func (a *HarnessAssembler) CompileMovImmediateToRegister(v uint64, r api.Register) error {
	reg, err := goRegister(r)
	if err != nil {
		return err
	}
	p := a.newProg()
	p.As = x86.AMOVQ
	p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(v)}
	p.To = obj.Addr{Type: obj.TYPE_REG, Reg: reg}
	return nil
}

// CompileReturn adds "ret".
func (a *HarnessAssembler) CompileReturn() {
	p := a.newProg()
	p.As = obj.ARET
}
