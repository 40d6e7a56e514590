package machine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guardlabs/floatguard/api"
	asm_amd64 "github.com/guardlabs/floatguard/internal/asm/amd64"
	"github.com/guardlabs/floatguard/internal/asm/golang_asm"
	isa "github.com/guardlabs/floatguard/internal/isa/amd64"
)

func setXMMFloat(m *Machine, reg int, v float32) {
	bits := math.Float32bits(v)
	m.XMMRegs[reg] = [16]byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}

func xmmFloat(m *Machine, reg int) float32 {
	b := m.XMMRegs[reg]
	return math.Float32frombits(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func xmmBits(m *Machine, reg int) uint32 {
	b := m.XMMRegs[reg]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// writeCall writes code followed by a ret at the machine's code base.
func writeCall(t *testing.T, m *Machine, code []byte) uint64 {
	t.Helper()
	code = append(append([]byte{}, code...), 0xc3)
	require.True(t, m.Mem.Write(m.CodeBase(), code))
	return m.CodeBase()
}

func TestMemoryInstance_Bounds(t *testing.T) {
	m := New(0)
	mem := m.Mem

	_, ok := mem.ReadByte(mem.Base() - 1)
	require.False(t, ok)
	_, ok = mem.ReadByte(mem.Base() + mem.Size())
	require.False(t, ok)
	_, ok = mem.Read(mem.Base()+mem.Size()-2, 4)
	require.False(t, ok)

	require.True(t, mem.WriteByte(mem.Base(), 1))
	b, ok := mem.ReadByte(mem.Base())
	require.True(t, ok)
	require.Equal(t, byte(1), b)

	require.True(t, mem.WriteUint64Le(mem.Base()+8, 0x1122334455667788))
	v, ok := mem.ReadUint64Le(mem.Base() + 8)
	require.True(t, ok)
	require.Equal(t, uint64(0x1122334455667788), v)
}

func TestExecute_AddssRegisterForm(t *testing.T) {
	m := New(0)

	a := asm_amd64.NewAssembler()
	require.NoError(t, a.CompileScalarOpRegisterToRegister(isa.OpcodeAddss, 2, 1, 0))
	code, err := a.Assemble()
	require.NoError(t, err)

	setXMMFloat(m, 1, 1.5)
	setXMMFloat(m, 2, 2.25)
	m.Execute(writeCall(t, m, code))

	require.Equal(t, float32(3.75), xmmFloat(m, 0))
}

func TestExecute_AddssMemoryForm(t *testing.T) {
	m := New(0)
	target := m.HeapBase()
	bits := math.Float32bits(4.5)
	require.True(t, m.Mem.WriteUint32Le(target, bits))

	a := asm_amd64.NewAssembler()
	require.NoError(t, a.CompileScalarOpMemoryToRegister(isa.OpcodeAddss, api.RegRAX, 0, api.RegNone, 1, 3, 3))
	code, err := a.Assemble()
	require.NoError(t, err)

	m.Regs[api.RegRAX] = target
	setXMMFloat(m, 3, 0.5)
	m.Execute(writeCall(t, m, code))

	require.Equal(t, float32(5.0), xmmFloat(m, 3))
}

func TestExecute_UnderflowMaskedFlushesToZero(t *testing.T) {
	m := New(0)
	m.SetFlushToZero(true) // masked: result flushes, no signal

	a := asm_amd64.NewAssembler()
	require.NoError(t, a.CompileScalarOpRegisterToRegister(isa.OpcodeMulss, 2, 1, 0))
	code, err := a.Assemble()
	require.NoError(t, err)

	setXMMFloat(m, 1, 1e-30)
	setXMMFloat(m, 2, 1e-10)
	m.Execute(writeCall(t, m, code))

	require.Zero(t, xmmBits(m, 0)&0x7fffffff)
}

func TestExecute_UnderflowUnmaskedRaises(t *testing.T) {
	m := New(0)
	m.SetFlushToZero(true)
	m.SetUnderflowMasked(false)

	var gotSig api.Signal
	var gotRIP uint64
	var instLen int
	m.Sigaction(api.SignalFPE, func(sig api.Signal, info *api.SignalInfo, ctx api.SignalContext) {
		gotSig = sig
		gotRIP = info.Addr
		// Skip the faulting instruction like the runtime handler does.
		window, ok := m.Mem.Read(info.Addr, 8)
		require.True(t, ok)
		inst, decoded := isa.Decode(window)
		require.True(t, decoded)
		instLen = inst.Len
		ctx.SetRIP(info.Addr + uint64(inst.Len))
	})

	a := asm_amd64.NewAssembler()
	require.NoError(t, a.CompileScalarOpRegisterToRegister(isa.OpcodeMulss, 2, 1, 0))
	code, err := a.Assemble()
	require.NoError(t, err)

	setXMMFloat(m, 0, 123)
	setXMMFloat(m, 1, 1e-30)
	setXMMFloat(m, 2, 1e-10)
	entry := writeCall(t, m, code)
	m.Execute(entry)

	require.Equal(t, api.SignalFPE, gotSig)
	require.Equal(t, entry, gotRIP)
	require.NotZero(t, instLen)
	// The faulting instruction did not retire: the destination is untouched.
	require.Equal(t, float32(123), xmmFloat(m, 0))
}

func TestExecute_HandlerRunsWithDefaultFPEnv(t *testing.T) {
	m := New(0)
	m.SetFlushToZero(true)
	m.SetUnderflowMasked(false)

	m.Sigaction(api.SignalFPE, func(_ api.Signal, info *api.SignalInfo, ctx api.SignalContext) {
		require.False(t, m.FlushToZero())
		require.True(t, m.UnderflowMasked())
		require.True(t, m.InHandler())
		ctx.SetRIP(info.Addr + 4) // reg-form VEX op is 4 bytes
	})

	a := asm_amd64.NewAssembler()
	require.NoError(t, a.CompileScalarOpRegisterToRegister(isa.OpcodeMulss, 2, 1, 0))
	code, err := a.Assemble()
	require.NoError(t, err)

	setXMMFloat(m, 1, 1e-30)
	setXMMFloat(m, 2, 1e-10)
	m.Execute(writeCall(t, m, code))

	// The interrupted environment is restored afterwards.
	require.True(t, m.FlushToZero())
	require.False(t, m.UnderflowMasked())
	require.False(t, m.InHandler())
}

func TestExecute_HarnessSubset(t *testing.T) {
	m := New(0)

	a, err := golang_asm.NewHarnessAssembler()
	require.NoError(t, err)
	require.NoError(t, a.CompilePush(api.RegRBX))
	require.NoError(t, a.CompileMovImmediateToRegister(0xdeadbeefcafe, api.RegRBX))
	require.NoError(t, a.CompileMovImmediateToRegister(42, api.RegR13))
	require.NoError(t, a.CompilePush(api.RegRBX))
	require.NoError(t, a.CompilePop(api.RegRDX))
	require.NoError(t, a.CompilePop(api.RegRBX))
	a.CompileReturn()
	code, err := a.Assemble()
	require.NoError(t, err)

	m.Regs[api.RegRBX] = 7
	sp := m.Regs[api.RegRSP]
	m.Execute(writeCall(t, m, code))

	require.Equal(t, uint64(0xdeadbeefcafe), m.Regs[api.RegRDX])
	require.Equal(t, uint64(42), m.Regs[api.RegR13])
	require.Equal(t, uint64(7), m.Regs[api.RegRBX], "outer value restored by the pop")
	require.Equal(t, sp, m.Regs[api.RegRSP], "stack balanced")
}

func TestRaise_UnhandledSignalTraps(t *testing.T) {
	m := New(0)
	require.PanicsWithError(t, "fatal signal 8 at ip 0x0", func() {
		m.Raise(api.SignalFPE, &api.SignalInfo{Signal: api.SignalFPE})
	})
}

func TestSigaction_ReturnsPrevious(t *testing.T) {
	m := New(0)
	h1 := func(api.Signal, *api.SignalInfo, api.SignalContext) {}
	require.Nil(t, m.Sigaction(api.SignalFPE, h1))
	prev := m.Sigaction(api.SignalFPE, nil)
	require.NotNil(t, prev)
}

func TestSetjmpLongjmp(t *testing.T) {
	m := New(0)
	m.Regs[api.RegRSP] = m.StackLow() + 0x100
	m.Regs[api.RegRBX] = 11
	b := m.Setjmp()

	m.Regs[api.RegRSP] = m.StackLow() + 0x40
	m.Regs[api.RegRBX] = 99
	m.Longjmp(b)

	require.Equal(t, m.StackLow()+0x100, m.Regs[api.RegRSP])
	require.Equal(t, uint64(11), m.Regs[api.RegRBX])
}

func TestAtExit_RunsInReverse(t *testing.T) {
	m := New(0)
	var order []int
	m.AtExit(func() { order = append(order, 1) })
	m.AtExit(func() { order = append(order, 2) })
	m.Close()
	m.Close() // idempotent
	require.Equal(t, []int{2, 1}, order)
}
