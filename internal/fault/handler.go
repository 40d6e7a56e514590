// Package fault coordinates the underflow signal: decode the faulting
// instruction, confirm or reject the redzone candidate, report-and-terminate
// on a hit, resume benignly otherwise.
package fault

import (
	"io"

	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/fgdebug"
	isa "github.com/guardlabs/floatguard/internal/isa/amd64"
	"github.com/guardlabs/floatguard/internal/machine"
	"github.com/guardlabs/floatguard/internal/redzone"
	"github.com/guardlabs/floatguard/sys"
)

// Config selects the handler's terminal behavior.
type Config struct {
	// Abort terminates confirmed faults as if by SIGABRT (fuzz mode) instead
	// of an exit with sys.FaultExitCode.
	Abort bool
	// Survive resumes past confirmed faults instead of terminating, for
	// measurement runs.
	Survive bool
	// CountExceptions keeps the Stats counters.
	CountExceptions bool
	// Stderr receives the diagnostic on a confirmed fault.
	Stderr io.Writer
}

// Handler is the runtime's underflow signal handler.
type Handler struct {
	m       *machine.Machine
	cfg     Config
	harness *Harness
	stats   Stats
}

// NewHandler returns a handler for m. Install it with
// m.Sigaction(api.SignalFPE, h.Handle).
func NewHandler(m *machine.Machine, cfg Config) *Handler {
	return &Handler{m: m, cfg: cfg, harness: NewHarness(m)}
}

// Stats returns the exception counters.
func (h *Handler) Stats() *Stats { return &h.stats }

// Handle is the signal handler body.
//
// The fast path — a recognized probe whose target does not confirm — holds
// no locks and allocates nothing. The fatal path allocates for the report,
// which is fine: the process is terminating.
func (h *Handler) Handle(_ api.Signal, info *api.SignalInfo, ctx api.SignalContext) {
	faultRIP := info.Addr

	code, ok := h.m.Mem.Read(faultRIP, h.fetchWindow(faultRIP))
	if !ok {
		panic(&machine.Trap{Reason: "underflow signal outside mapped code"})
	}

	faultAddr, opLen := isa.FaultAddress(code, ctx)

	if opLen == 0 {
		// Not our opcode: a generic underflow from unrelated FP work.
		// Re-execute it benignly and skip it.
		if h.cfg.CountExceptions {
			h.stats.Underflow++
		}
		opLen = h.harness.ReExecute(faultRIP, ctx)
		h.resume(ctx, faultRIP, opLen)
		return
	}

	if !redzone.Confirm(h.m.Mem, faultAddr) {
		// A probe tripped over bytes that happen to underflow but do not
		// complete the pattern.
		if h.cfg.CountExceptions {
			h.stats.VaddssSkip++
		}
		h.resume(ctx, faultRIP, opLen)
		return
	}

	if h.cfg.CountExceptions {
		h.stats.VaddssRedzone++
	}

	if h.cfg.Survive {
		h.resume(ctx, faultRIP, opLen)
		return
	}

	fgdebug.WriteFaultHeader(h.cfg.Stderr, faultAddr)
	fgdebug.WriteHexdump(h.cfg.Stderr, h.m.Mem, faultAddr)
	fgdebug.WriteBacktrace(h.cfg.Stderr, faultRIP, 2)

	panic(sys.NewFaultError(faultAddr, faultRIP, h.cfg.Abort))
}

// HandleSegv is the catch-segfault handler: any segmentation fault becomes a
// hard termination, matching the fuzzing posture.
func (h *Handler) HandleSegv(_ api.Signal, info *api.SignalInfo, _ api.SignalContext) {
	panic(sys.NewSegvError(info.Addr))
}

// resume advances past the faulting instruction and removes transient
// redzone residue: any SIMD register whose full 16 bytes equal the canonical
// pattern is zeroed, so a pattern a probe loaded cannot leak into later
// reads.
func (h *Handler) resume(ctx api.SignalContext, faultRIP uint64, opLen int) {
	ctx.SetRIP(faultRIP + uint64(opLen))

	for i := 0; i < 16; i++ {
		if redzone.IsPattern(ctx.XMM(i)) {
			ctx.SetXMM(i, [16]byte{})
		}
	}
}

func (h *Handler) fetchWindow(rip uint64) uint64 {
	window := uint64(16)
	end := h.m.Mem.Base() + h.m.Mem.Size()
	if rip >= end || rip < h.m.Mem.Base() {
		return 0
	}
	if end-rip < window {
		window = end - rip
	}
	return window
}
