// Package asm_amd64 encodes the VEX scalar single-precision instructions the
// runtime plants as probes. It is the encode-side mirror of the fault
// decoder: tests round-trip every addressing form through both.
package asm_amd64

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/asm"
)

// Assembler accumulates encoded instructions in an in-memory buffer.
type Assembler struct {
	buf bytes.Buffer
}

var _ asm.Assembler = (*Assembler)(nil)

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble implements asm.Assembler.
func (a *Assembler) Assemble() ([]byte, error) {
	return a.buf.Bytes(), nil
}

// Reset discards all accumulated code.
func (a *Assembler) Reset() {
	a.buf.Reset()
}

func fitInSigned8bit(v int64) bool {
	return v >= -128 && v <= 127
}

func fitIn32bit(v int64) bool {
	return v >= -2147483648 && v <= 2147483647
}

// CompileScalarOpRegisterToRegister adds the register-direct form
// "v{op}ss x{src2}, x{src1}, x{dst}".
func (a *Assembler) CompileScalarOpRegisterToRegister(opcode byte, src2, src1, dst int) error {
	if err := checkXMM(src2, src1, dst); err != nil {
		return err
	}
	rexR := byte(dst>>3) & 1
	rexB := byte(src2>>3) & 1
	a.writeVEXPrefix(opcode, rexR, 0, rexB, src1)
	// mod==11 with rm naming the second source register directly.
	a.buf.WriteByte(0b11_000_000 | byte(dst&0x7)<<3 | byte(src2&0x7))
	return nil
}

// CompileScalarOpMemoryToRegister adds the memory form
// "v{op}ss [base + disp + index*scale], x{src1}, x{dst}".
//
// Pass api.RegNone as index for plain [base + disp] addressing. scale must be
// 1, 2, 4 or 8.
func (a *Assembler) CompileScalarOpMemoryToRegister(opcode byte, base api.Register, disp int64, index api.Register, scale byte, src1, dst int) error {
	if err := checkXMM(src1, dst); err != nil {
		return err
	}
	if !fitIn32bit(disp) {
		return errors.New("displacement does not fit in 32-bit integer")
	}
	if base == api.RegNone {
		// [(index*scale) + disp] and absolute addressing never appear in the
		// probe stream, and the fault decoder rejects them anyway.
		return errors.New("addressing without base register is not implemented")
	}
	if index == api.RegRSP {
		return errors.New("SP cannot be used for SIB index")
	}

	var scaleBits byte
	switch scale {
	case 1:
		scaleBits = 0b00
	case 2:
		scaleBits = 0b01
	case 4:
		scaleBits = 0b10
	case 8:
		scaleBits = 0b11
	default:
		return fmt.Errorf("invalid scale %d", scale)
	}

	rexR := byte(dst>>3) & 1
	rexB := byte(base>>3) & 1
	var rexX byte
	if index != api.RegNone {
		rexX = byte(index>>3) & 1
	}

	var modRM byte
	var sbi *byte
	var displacementWidth byte

	// For R13 and BP, base registers cannot be encoded with the
	// "without displacement" mod (i.e. 0b00 mod), so a zero displacement is
	// widened to disp8.
	// https://wiki.osdev.org/X86-64_Instruction_Encoding#32.2F64-bit_addressing
	withoutDisplacement := disp == 0 && base != api.RegR13 && base != api.RegRBP

	if index == api.RegNone {
		modRM = byte(base & 0x7)
		if withoutDisplacement {
			displacementWidth = 0
		} else if fitInSigned8bit(disp) {
			modRM |= 0b01_000_000
			displacementWidth = 8
		} else {
			modRM |= 0b10_000_000
			displacementWidth = 32
		}
		// SP and R12 in the rm field always select SIB addressing, so emit
		// the SIB byte that means [base] with no index.
		// https://wiki.osdev.org/X86-64_Instruction_Encoding#32.2F64-bit_addressing_2
		if base == api.RegRSP || base == api.RegR12 {
			sbiValue := byte(0b00_100_000) | byte(base&0x7)
			sbi = &sbiValue
		}
	} else {
		modRM = 0b00_000_100 // memory location specified by SIB
		if withoutDisplacement {
			displacementWidth = 0
		} else if fitInSigned8bit(disp) {
			modRM |= 0b01_000_000
			displacementWidth = 8
		} else {
			modRM |= 0b10_000_000
			displacementWidth = 32
		}
		sbiValue := scaleBits<<6 | byte(index&0x7)<<3 | byte(base&0x7)
		sbi = &sbiValue
	}

	modRM |= byte(dst&0x7) << 3

	a.writeVEXPrefix(opcode, rexR, rexX, rexB, src1)
	a.buf.WriteByte(modRM)
	if sbi != nil {
		a.buf.WriteByte(*sbi)
	}
	switch displacementWidth {
	case 8:
		a.buf.WriteByte(byte(int8(disp)))
	case 32:
		d := uint32(int32(disp))
		a.buf.Write([]byte{byte(d), byte(d >> 8), byte(d >> 16), byte(d >> 24)})
	}
	return nil
}

// writeVEXPrefix emits the shortest VEX prefix followed by the opcode byte.
// The scalar single forms all have pp=F3 (0b10), L=0, W=0 and the 0F opcode
// map, so the two-byte prefix applies whenever X and B are clear.
func (a *Assembler) writeVEXPrefix(opcode, rexR, rexX, rexB byte, src1 int) {
	const pp = 0b10 // F3
	vvvv := byte(src1) & 0xf
	if rexX == 0 && rexB == 0 {
		a.buf.WriteByte(0xc5)
		a.buf.WriteByte((rexR^1)<<7 | (^vvvv&0xf)<<3 | pp)
	} else {
		a.buf.WriteByte(0xc4)
		a.buf.WriteByte((rexR^1)<<7 | (rexX^1)<<6 | (rexB^1)<<5 | 0b00001)
		a.buf.WriteByte((^vvvv&0xf)<<3 | pp)
	}
	a.buf.WriteByte(opcode)
}

func checkXMM(regs ...int) error {
	for _, r := range regs {
		if r < 0 || r > 15 {
			return fmt.Errorf("invalid XMM register %d", r)
		}
	}
	return nil
}
