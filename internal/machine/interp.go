package machine

import (
	"fmt"
	"math"

	"github.com/guardlabs/floatguard/api"
	isa "github.com/guardlabs/floatguard/internal/isa/amd64"
)

// returnSentinel is pushed as the return address when Execute enters emitted
// code. It is outside the image, so the run loop can stop on it without ever
// fetching from it.
const returnSentinel = 0xffff_ffff_ffff_f000

// executeStepLimit bounds one Execute call. Emitted probe sequences and the
// harness are tiny; hitting this means the interpreter walked into garbage.
const executeStepLimit = 1 << 20

// Execute runs the code at entry like a call: a sentinel return address is
// pushed, and execution continues until the matching RET pops it.
//
// Signals raised while running are delivered to the registered handlers; an
// unhandled one panics *Trap.
func (m *Machine) Execute(entry uint64) {
	savedRIP := m.rip

	m.Regs[api.RegRSP] -= 8
	if !m.Mem.WriteUint64Le(m.Regs[api.RegRSP], returnSentinel) {
		panic(&Trap{Reason: fmt.Sprintf("stack overflow at %#x", m.Regs[api.RegRSP])})
	}
	m.rip = entry

	for steps := 0; m.rip != returnSentinel; steps++ {
		if steps == executeStepLimit {
			panic(&Trap{Reason: fmt.Sprintf("runaway execution at %#x", m.rip)})
		}
		m.step()
	}
	m.rip = savedRIP
}

// step executes the instruction at RIP and advances it, delivering any
// signal the instruction raises.
func (m *Machine) step() {
	const fetchWindow = 16
	window := fetchWindow
	if avail := m.Mem.Base() + m.Mem.Size() - m.rip; uint64(window) > avail {
		window = int(avail)
	}
	code, ok := m.Mem.Read(m.rip, uint64(window))
	if !ok || len(code) == 0 {
		m.Raise(api.SignalSegv, &api.SignalInfo{Signal: api.SignalSegv, Addr: m.rip})
		return
	}

	switch {
	case code[0] == 0xc4 || code[0] == 0xc5:
		m.stepScalarFloat(code)
	case code[0] == 0xc3: // ret
		ret, ok := m.Mem.ReadUint64Le(m.Regs[api.RegRSP])
		if !ok {
			panic(&Trap{Reason: fmt.Sprintf("ret with corrupt stack pointer %#x", m.Regs[api.RegRSP])})
		}
		m.Regs[api.RegRSP] += 8
		m.rip = ret
	case code[0] >= 0x50 && code[0] <= 0x57: // push r64
		m.push(api.Register(code[0] - 0x50))
		m.rip++
	case code[0] >= 0x58 && code[0] <= 0x5f: // pop r64
		m.pop(api.Register(code[0] - 0x58))
		m.rip++
	case code[0] == 0x41 && len(code) >= 2 && code[1] >= 0x50 && code[1] <= 0x57: // push r8-r15
		m.push(api.Register(code[1] - 0x50 + 8))
		m.rip += 2
	case code[0] == 0x41 && len(code) >= 2 && code[1] >= 0x58 && code[1] <= 0x5f: // pop r8-r15
		m.pop(api.Register(code[1] - 0x58 + 8))
		m.rip += 2
	case (code[0] == 0x48 || code[0] == 0x49) && len(code) >= 10 && code[1] >= 0xb8 && code[1] <= 0xbf:
		// movabs $imm64, r64
		r := api.Register(code[1] - 0xb8)
		if code[0] == 0x49 {
			r += 8
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(code[2+i]) << (8 * i)
		}
		m.Regs[r] = v
		m.rip += 10
	case (code[0] == 0x48 || code[0] == 0x49) && len(code) >= 7 && code[1] == 0xc7 && code[2]&0b11_111_000 == 0b11_000_000:
		// mov $imm32, r64 (sign-extended)
		r := api.Register(code[2] & 0x7)
		if code[0] == 0x49 {
			r += 8
		}
		v := uint32(code[3]) | uint32(code[4])<<8 | uint32(code[5])<<16 | uint32(code[6])<<24
		m.Regs[r] = uint64(int64(int32(v)))
		m.rip += 7
	case code[0] == 0x0f && len(code) >= 3 && code[1] == 0xae && code[2] == 0xe8: // lfence
		m.rip += 3
	default:
		panic(&Trap{Reason: fmt.Sprintf("illegal instruction %#02x at %#x", code[0], m.rip)})
	}
}

func (m *Machine) push(r api.Register) {
	m.Regs[api.RegRSP] -= 8
	if !m.Mem.WriteUint64Le(m.Regs[api.RegRSP], m.Regs[r]) {
		panic(&Trap{Reason: fmt.Sprintf("stack overflow at %#x", m.Regs[api.RegRSP])})
	}
}

func (m *Machine) pop(r api.Register) {
	v, ok := m.Mem.ReadUint64Le(m.Regs[api.RegRSP])
	if !ok {
		panic(&Trap{Reason: fmt.Sprintf("stack underflow at %#x", m.Regs[api.RegRSP])})
	}
	m.Regs[r] = v
	m.Regs[api.RegRSP] += 8
}

// stepScalarFloat executes a VEX scalar single op. An unmasked tiny result
// is a fault: the signal is delivered with RIP still at the instruction and
// the destination unwritten, and the handler owns any RIP advance.
func (m *Machine) stepScalarFloat(code []byte) {
	inst, ok := isa.Decode(code)
	if !ok {
		panic(&Trap{Reason: fmt.Sprintf("illegal VEX instruction at %#x", m.rip)})
	}

	src1Bits := uint32(m.XMMRegs[inst.Src1][0]) |
		uint32(m.XMMRegs[inst.Src1][1])<<8 |
		uint32(m.XMMRegs[inst.Src1][2])<<16 |
		uint32(m.XMMRegs[inst.Src1][3])<<24

	var src2Bits uint32
	if inst.MemForm {
		ea := inst.EffectiveAddress(&sigContext{m: m})
		bits, ok := m.Mem.ReadUint32Le(ea)
		if !ok {
			m.Raise(api.SignalSegv, &api.SignalInfo{Signal: api.SignalSegv, Addr: ea})
			return
		}
		src2Bits = bits
	} else {
		src2Bits = uint32(m.XMMRegs[inst.Src2Reg][0]) |
			uint32(m.XMMRegs[inst.Src2Reg][1])<<8 |
			uint32(m.XMMRegs[inst.Src2Reg][2])<<16 |
			uint32(m.XMMRegs[inst.Src2Reg][3])<<24
	}

	a := math.Float32frombits(src1Bits)
	b := math.Float32frombits(src2Bits)
	var r float32
	switch inst.Opcode {
	case isa.OpcodeAddss:
		r = a + b
	case isa.OpcodeMulss:
		r = a * b
	case isa.OpcodeSubss:
		r = a - b
	}

	bits := math.Float32bits(r)
	tiny := bits&0x7f80_0000 == 0 && bits&0x007f_ffff != 0

	if tiny && !m.underflowMasked {
		// Unmasked underflow is a fault, not a trap: the instruction does not
		// retire. si_addr carries the instruction address, as SIGFPE does.
		m.Raise(api.SignalFPE, &api.SignalInfo{Signal: api.SignalFPE, Addr: m.rip})
		return
	}
	if tiny && m.ftz {
		bits &= 0x8000_0000 // flush to signed zero
	}

	// Scalar VEX semantics: low 32 bits are the result, the rest of the
	// destination comes from the first source.
	dst := m.XMMRegs[inst.Src1]
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
	m.XMMRegs[inst.Dst] = dst

	m.rip += uint64(inst.Len)
}
