// Package amd64 decodes the VEX-encoded scalar float instructions the
// sanitizer emits and re-executes. It is one of the three architecture-bound
// pieces of the runtime (with the probe encoder and the scratch harness), so
// everything x86-64 specific about fault addresses lives behind this package.
package amd64

import (
	"github.com/guardlabs/floatguard/api"
)

// Scalar single-precision opcodes reachable through the VEX 0F map. Only
// OpcodeAddss is ever emitted as a probe; the others exist so the interpreter
// can run incidental float code that underflows on its own.
const (
	OpcodeAddss = 0x58
	OpcodeMulss = 0x59
	OpcodeSubss = 0x5c
)

// Inst is a decoded VEX scalar float instruction.
type Inst struct {
	// Opcode is the trailing opcode byte in the 0F map (0x58, 0x59, 0x5c).
	Opcode byte

	// Dst is the destination XMM register (ModR/M reg field plus VEX.R).
	Dst int

	// Src1 is the first source XMM register (inverted VEX.vvvv field).
	Src1 int

	// MemForm reports whether the second source is a memory operand. When
	// false, Src2Reg holds the second source XMM register instead.
	MemForm bool

	// Src2Reg is the second source XMM register for register forms.
	Src2Reg int

	// Base, Index, Scale and Disp describe the memory operand for memory
	// forms. Base and Index are api.RegNone when suppressed.
	Base  api.Register
	Index api.Register
	Scale uint64
	Disp  int32

	// Len is the total instruction length in bytes.
	Len int
}

// modRMEntry describes how one mod/rm combination locates its memory operand.
type modRMEntry struct {
	base      api.Register
	sib       bool
	dispWidth byte // displacement bytes: 0, 1 or 4
}

var notSupported = modRMEntry{base: api.RegNone}

// lutModRM is indexed by [mod][rm] where rm already includes the VEX.B
// extension bit. The unsupported holes are the RIP-relative encodings
// (mod==00 with rm RBP/R13) and every register-direct form (mod==11).
var lutModRM = [4][16]modRMEntry{
	{ // mod 00
		{api.RegRAX, false, 0}, {api.RegRCX, false, 0}, {api.RegRDX, false, 0}, {api.RegRBX, false, 0},
		{api.RegRSP, true, 0}, notSupported, {api.RegRSI, false, 0}, {api.RegRDI, false, 0},
		{api.RegR8, false, 0}, {api.RegR9, false, 0}, {api.RegR10, false, 0}, {api.RegR11, false, 0},
		{api.RegR12, true, 0}, notSupported, {api.RegR14, false, 0}, {api.RegR15, false, 0},
	},
	{ // mod 01
		{api.RegRAX, false, 1}, {api.RegRCX, false, 1}, {api.RegRDX, false, 1}, {api.RegRBX, false, 1},
		{api.RegRSP, true, 1}, {api.RegRBP, false, 1}, {api.RegRSI, false, 1}, {api.RegRDI, false, 1},
		{api.RegR8, false, 1}, {api.RegR9, false, 1}, {api.RegR10, false, 1}, {api.RegR11, false, 1},
		{api.RegR12, true, 1}, {api.RegR13, false, 1}, {api.RegR14, false, 1}, {api.RegR15, false, 1},
	},
	{ // mod 10
		{api.RegRAX, false, 4}, {api.RegRCX, false, 4}, {api.RegRDX, false, 4}, {api.RegRBX, false, 4},
		{api.RegRSP, true, 4}, {api.RegRBP, false, 4}, {api.RegRSI, false, 4}, {api.RegRDI, false, 4},
		{api.RegR8, false, 4}, {api.RegR9, false, 4}, {api.RegR10, false, 4}, {api.RegR11, false, 4},
		{api.RegR12, true, 4}, {api.RegR13, false, 4}, {api.RegR14, false, 4}, {api.RegR15, false, 4},
	},
	{ // mod 11: register-direct, no memory operand to locate
		notSupported, notSupported, notSupported, notSupported,
		notSupported, notSupported, notSupported, notSupported,
		notSupported, notSupported, notSupported, notSupported,
		notSupported, notSupported, notSupported, notSupported,
	},
}

var sibScales = [4]uint64{1, 2, 4, 8}

// Decode parses the VEX scalar float instruction at the start of code.
//
// It accepts the two-byte (0xC5) and three-byte (0xC4) VEX prefixes with a
// trailing opcode from the 0F map listed above. Register-direct forms decode
// with MemForm false. Unrecognized bytes, the RIP-relative encodings and the
// no-base-no-index SIB form return ok == false.
func Decode(code []byte) (inst Inst, ok bool) {
	if len(code) < 4 {
		return
	}

	var rexR, rexX, rexB uint32
	var pos int

	switch code[0] {
	case 0xc5:
		// Two-byte VEX: R̄ v̄v̄v̄v̄ L pp.
		rexR = 1 ^ ((uint32(code[1]) >> 7) & 1)
		inst.Src1 = int(^(code[1]>>3) & 0xf)
		inst.Opcode = code[2]
		pos = 3 // points at ModR/M
	case 0xc4:
		// Three-byte VEX: R̄ X̄ B̄ mmmmm, then W v̄v̄v̄v̄ L pp.
		rexR = 1 ^ ((uint32(code[1]) >> 7) & 1)
		rexX = 1 ^ ((uint32(code[1]) >> 6) & 1)
		rexB = 1 ^ ((uint32(code[1]) >> 5) & 1)
		inst.Src1 = int(^(code[2]>>3) & 0xf)
		inst.Opcode = code[3]
		pos = 4
	default:
		return
	}

	switch inst.Opcode {
	case OpcodeAddss, OpcodeMulss, OpcodeSubss:
	default:
		return
	}

	if pos >= len(code) {
		return Inst{}, false
	}
	modRM := uint32(code[pos])
	mod := (modRM >> 6) & 0x3
	inst.Dst = int(rexR<<3 | (modRM>>3)&0x7)
	rm := rexB<<3 | modRM&0x7
	pos++

	if mod == 0b11 {
		inst.MemForm = false
		inst.Src2Reg = int(rm)
		inst.Len = pos
		return inst, true
	}

	entry := lutModRM[mod][rm]
	if entry == notSupported {
		return
	}

	inst.MemForm = true
	inst.Base = entry.base
	inst.Index = api.RegNone
	inst.Scale = 1

	if entry.sib {
		if pos >= len(code) {
			return Inst{}, false
		}
		sib := uint32(code[pos])
		inst.Scale = sibScales[(sib>>6)&0x3]
		index := api.Register(rexX<<3 | (sib>>3)&0x7)
		base := api.Register(rexB<<3 | sib&0x7)
		// The SIB special cases: an RSP index means "no index", and with
		// mod==00 an RBP or R13 base means "no base, disp32 follows". The
		// combination of both is the absolute-address form, which never
		// appears in compiler output and is rejected like an unknown opcode.
		if mod != 0 {
			if index == api.RegRSP {
				index = api.RegNone
			}
		} else {
			if index == api.RegRSP && (base == api.RegRBP || base == api.RegR13) {
				return Inst{}, false
			}
			if index == api.RegRSP {
				index = api.RegNone
			}
			if base == api.RegRBP || base == api.RegR13 {
				base = api.RegNone
				entry.dispWidth = 4
			}
		}
		inst.Base = base
		inst.Index = index
		pos++
	}

	switch entry.dispWidth {
	case 1:
		if pos >= len(code) {
			return Inst{}, false
		}
		inst.Disp = int32(int8(code[pos]))
		pos++
	case 4:
		if pos+4 > len(code) {
			return Inst{}, false
		}
		inst.Disp = int32(uint32(code[pos]) |
			uint32(code[pos+1])<<8 |
			uint32(code[pos+2])<<16 |
			uint32(code[pos+3])<<24)
		pos += 4
	}

	inst.Len = pos
	return inst, true
}

// EffectiveAddress computes the memory operand address of a decoded memory
// form against the given register file.
func (i *Inst) EffectiveAddress(ctx api.SignalContext) uint64 {
	var addr uint64
	if i.Base != api.RegNone {
		addr += ctx.Reg(i.Base)
	}
	if i.Index != api.RegNone {
		addr += ctx.Reg(i.Index) * i.Scale
	}
	return addr + uint64(int64(i.Disp))
}

// FaultAddress decodes the instruction at code as the probe opcode (ADDSS
// only) and returns the memory address it touches plus the instruction
// length.
//
// A zero length means the bytes are not a recognized probe: the trap should
// then be treated as a generic underflow, not a redzone candidate.
func FaultAddress(code []byte, ctx api.SignalContext) (addr uint64, length int) {
	inst, ok := Decode(code)
	if !ok || inst.Opcode != OpcodeAddss || !inst.MemForm {
		return 0, 0
	}
	return inst.EffectiveAddress(ctx), inst.Len
}
