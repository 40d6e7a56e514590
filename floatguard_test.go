package floatguard

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/redzone"
	"github.com/guardlabs/floatguard/sys"
)

// newProcess instantiates an enabled process with diagnostics captured.
func newProcess(t *testing.T, cfg *RuntimeConfig) (*Process, *bytes.Buffer) {
	t.Helper()
	if cfg == nil {
		cfg = NewRuntimeConfig()
	}
	diag := &bytes.Buffer{}
	cfg = cfg.WithTargets("demo").WithStderr(diag).WithStdout(io.Discard)
	p, err := NewRuntime(cfg).Instantiate("/opt/demo")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.True(t, p.Enabled())
	return p, diag
}

func mustMalloc(t *testing.T, p *Process, size uint64) uint64 {
	t.Helper()
	ptr, err := p.Malloc(size)
	require.NoError(t, err)
	require.NotZero(t, ptr)
	return ptr
}

func requireFaultAt(t *testing.T, err error, addr uint64) *sys.FaultError {
	t.Helper()
	var fe *sys.FaultError
	require.True(t, errors.As(err, &fe), "expected fault, got %v", err)
	require.Equal(t, addr, fe.Addr())
	return fe
}

func TestHeapOverflow_OneBytePastEnd(t *testing.T) {
	p, diag := newProcess(t, nil)
	buf := mustMalloc(t, p, 40)

	err := p.Store8(buf+40, 0x2a)
	fe := requireFaultAt(t, err, buf+40)
	require.True(t, fe.Aborted(), "default config dies by abort")
	require.Contains(t, diag.String(), "[FLOATGUARD] Fault addr =")

	// The process is dead: every later call reports the same fault.
	_, err = p.Malloc(8)
	require.Equal(t, fe, err)
}

func TestHeapOverflow_DeepIntoTrailingGuard(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf := mustMalloc(t, p, 40)
	requireFaultAt(t, p.Store8(buf+47, 1), buf+47)
}

func TestHeapUnderflow(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf := mustMalloc(t, p, 40)

	// A write reaching 8 bytes below the object: the first probe lands
	// fully inside the leading guard.
	_, err := p.Memset(buf-8, 0, 8)
	requireFaultAt(t, err, buf-8)
}

func TestHeapUnderflow_ByteAccess(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf := mustMalloc(t, p, 40)

	// The probe reads four bytes, so a single-byte access is caught from
	// four bytes into the guard.
	requireFaultAt(t, p.Store8(buf-4, 1), buf-4)
}

func TestUseAfterFree_QuarantineKeepsPoison(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf := mustMalloc(t, p, 40)
	require.NoError(t, p.Free(buf))

	requireFaultAt(t, p.Store8(buf, 1), buf)
}

func TestUseAfterFree_ReadThroughShim(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf := mustMalloc(t, p, 40)
	dst := mustMalloc(t, p, 40)
	require.NoError(t, p.Free(buf))

	_, err := p.Memcpy(dst, buf, 16)
	requireFaultAt(t, err, buf)
}

func TestDoubleFree(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf := mustMalloc(t, p, 40)
	require.NoError(t, p.Free(buf))

	err := p.Free(buf)
	var fe *sys.FaultError
	require.True(t, errors.As(err, &fe), "second free must fault, got %v", err)
}

func TestQuarantine_ChurnStaysBounded(t *testing.T) {
	p, _ := newProcess(t, NewRuntimeConfig().WithQuarantineBytes(1<<20))

	const blockSize = 64 << 10
	for i := 0; i < 256; i++ { // 16 MiB through a 1 MiB quarantine
		buf, err := p.Malloc(blockSize)
		require.NoError(t, err)
		require.NotZero(t, buf, "eviction must keep recycling blocks")
		require.NoError(t, p.Free(buf))
		require.LessOrEqual(t, p.alloc.Quarantine().Bytes(), p.alloc.Quarantine().Bound())
	}
}

func TestQuarantineDisabled_FreeReleasesImmediately(t *testing.T) {
	p, _ := newProcess(t, NewRuntimeConfig().WithQuarantine(false))
	buf := mustMalloc(t, p, 40)
	require.NoError(t, p.Free(buf))

	// The same class block comes straight back.
	buf2 := mustMalloc(t, p, 40)
	require.Equal(t, buf, buf2)
}

func TestRealloc_GuardsFollowTheBlock(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf := mustMalloc(t, p, 40)
	require.NoError(t, p.Write(buf, []byte("abcdefgh")))

	buf2, err := p.Realloc(buf, 400)
	require.NoError(t, err)
	require.NotZero(t, buf2)

	got, err := p.Read(buf2, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), got)

	// New guards are live on both sides.
	requireFaultAt(t, p.Store8(buf2+400, 1), buf2+400)
}

func TestReallocNullAndZero(t *testing.T) {
	p, _ := newProcess(t, nil)

	buf, err := p.Realloc(0, 32)
	require.NoError(t, err)
	require.NotZero(t, buf)

	zero, err := p.Realloc(buf, 0)
	require.NoError(t, err)
	require.Zero(t, zero)
}

func TestCallocZeroes(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf, err := p.Calloc(8, 8)
	require.NoError(t, err)
	data, err := p.Read(buf, 64)
	require.NoError(t, err)
	for _, b := range data {
		require.Zero(t, b)
	}
}

func TestPosixMemalign(t *testing.T) {
	p, _ := newProcess(t, nil)
	ptr, errno, err := p.PosixMemalign(64, 128)
	require.NoError(t, err)
	require.Zero(t, errno)
	require.NotZero(t, ptr)
	requireFaultAt(t, p.Store8(ptr+128, 1), ptr+128)
}

func TestMallocZeroReturnsNull(t *testing.T) {
	p, _ := newProcess(t, nil)
	ptr, err := p.Malloc(0)
	require.NoError(t, err)
	require.Zero(t, ptr)
	require.NoError(t, p.Free(0), "free(NULL) is a no-op")
}

func TestProbe_IsIdempotentOnCleanMemory(t *testing.T) {
	p, _ := newProcess(t, nil)
	buf := mustMalloc(t, p, 64)
	require.NoError(t, p.Write(buf, []byte("some perfectly fine data")))

	before, err := p.Read(buf, 24)
	require.NoError(t, err)
	require.NoError(t, p.Probe(buf, 24))
	after, err := p.Read(buf, 24)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSurviveMode(t *testing.T) {
	p, diag := newProcess(t, NewRuntimeConfig().WithSurviveFaults(true))
	buf := mustMalloc(t, p, 40)

	require.NoError(t, p.Store8(buf+40, 0x2a), "survive mode resumes past the fault")
	require.Empty(t, diag.String())

	// And the process is still usable.
	_, err := p.Malloc(8)
	require.NoError(t, err)
}

func TestSignalRegistration_UnderflowIsSwallowed(t *testing.T) {
	p, _ := newProcess(t, nil)

	called := false
	prev := p.Signal(api.SignalFPE, func(api.Signal, *api.SignalInfo, api.SignalContext) {
		called = true
	})
	require.Nil(t, prev)
	prev = p.Sigaction(api.SignalFPE, nil)
	require.Nil(t, prev)
	prev = p.SysvSignal(api.SignalFPE, nil)
	require.Nil(t, prev)

	// The runtime's handler is intact: violations still confirm.
	buf := mustMalloc(t, p, 40)
	requireFaultAt(t, p.Store8(buf+40, 1), buf+40)
	require.False(t, called)
}

func TestSignalRegistration_OtherSignalsPassThrough(t *testing.T) {
	p, _ := newProcess(t, nil)
	h := func(api.Signal, *api.SignalInfo, api.SignalContext) {}
	require.Nil(t, p.Signal(api.SignalSegv, h))
	require.NotNil(t, p.m.SignalHandler(api.SignalSegv))
}

func TestLongjmp_ScrubsAbandonedStack(t *testing.T) {
	p, _ := newProcess(t, nil)
	m := p.m

	high := m.StackLow() + 0x8000
	m.Regs[api.RegRSP] = high
	env := p.Setjmp()

	// Descend and leave a redzone pattern in a frame that the jump will
	// abandon.
	low := m.StackLow() + 0x7000
	m.Regs[api.RegRSP] = low
	pattern := redzone.Pattern()
	require.True(t, m.Mem.Write(low+0x100, pattern[:]))

	require.NoError(t, p.Longjmp(env))
	require.Equal(t, high, m.Regs[api.RegRSP])

	// No byte of the abandoned region holds the lead-plus-poison sequence.
	region, ok := m.Mem.Read(low, high-low-8)
	require.True(t, ok)
	for i := 0; i+redzone.Size <= len(region); i++ {
		require.False(t, redzone.IsPattern(*(*[redzone.Size]byte)(region[i:i+redzone.Size])),
			"pattern survived at offset %#x", i)
	}
}

func TestThrow_ScrubsLikeLongjmp(t *testing.T) {
	p, _ := newProcess(t, nil)
	m := p.m

	high := m.StackLow() + 0x4000
	m.Regs[api.RegRSP] = high
	env := p.Setjmp()

	low := m.StackLow() + 0x3000
	m.Regs[api.RegRSP] = low
	pattern := redzone.Pattern()
	require.True(t, m.Mem.Write(low+8, pattern[:]))

	require.NoError(t, p.Throw(env))
	b, ok := m.Mem.ReadByte(low + 8)
	require.True(t, ok)
	require.Zero(t, b)
}

func TestDisabledProcess_PassThrough(t *testing.T) {
	cfg := NewRuntimeConfig().WithTargets("something-else").WithStderr(io.Discard)
	p, err := NewRuntime(cfg).Instantiate("/opt/demo")
	require.NoError(t, err)
	defer p.Close()
	require.False(t, p.Enabled())

	// No guards: writing one past the end touches the allocator's own
	// spare capacity and nothing traps.
	buf, err := p.Malloc(40)
	require.NoError(t, err)
	require.NotZero(t, buf)
	require.NoError(t, p.Store8(buf+40, 1))
	require.NoError(t, p.Free(buf))
}

func TestCloseDropsEnableFlag(t *testing.T) {
	p, _ := newProcess(t, nil)
	require.True(t, p.Enabled())
	require.NoError(t, p.Close())
	require.False(t, p.Enabled(), "teardown must never probe")
}

func TestExceptionCounting_LoggedAtClose(t *testing.T) {
	log := &bytes.Buffer{}
	p, _ := newProcess(t, NewRuntimeConfig().WithExceptionCounting(log))

	// One false positive: a lead word the program wrote as ordinary data.
	buf := mustMalloc(t, p, 40)
	require.NoError(t, p.Write(buf, []byte{0x89, 0x8b, 0x8b, 0x8b, 0, 0, 0, 0}))
	require.NoError(t, p.Probe(buf, 4))

	require.NoError(t, p.Close())
	line := log.String()
	require.Contains(t, line, `"vaddss_skip":1`)
	require.Contains(t, line, `"prog":"/opt/demo"`)
}

func TestCatchSegfault(t *testing.T) {
	p, _ := newProcess(t, NewRuntimeConfig().WithCatchSegfault(true))

	err := p.Store8(p.m.Mem.Base()+p.m.Mem.Size()+0x100, 1)
	var se *sys.SegvError
	require.True(t, errors.As(err, &se), "got %v", err)
}

func TestRuntimeConfig_CloneIsolation(t *testing.T) {
	base := NewRuntimeConfig()
	derived := base.WithQuarantine(false).WithTargets("x").WithSurviveFaults(true)

	require.True(t, base.quarantine)
	require.False(t, derived.quarantine)
	require.Equal(t, []string{"run_base", "CWE"}, base.targets)
	require.Equal(t, []string{"x"}, derived.targets)
	require.False(t, base.surviveFaults)
}

func TestShimSurface(t *testing.T) {
	p, _ := newProcess(t, nil)

	s1 := mustMalloc(t, p, 32)
	s2 := mustMalloc(t, p, 32)
	require.NoError(t, p.Write(s1, append([]byte("redzone"), 0)))

	n, err := p.Strlen(s1)
	require.NoError(t, err)
	require.Equal(t, uint64(7), n)

	_, err = p.Strcpy(s2, s1)
	require.NoError(t, err)
	cmp, err := p.Strcmp(s1, s2)
	require.NoError(t, err)
	require.Zero(t, cmp)

	written, err := p.Snprintf(s2, 32, "%s!", s1)
	require.NoError(t, err)
	require.Equal(t, 8, written)
	got, err := p.Read(s2, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("redzone!"), got)
}
