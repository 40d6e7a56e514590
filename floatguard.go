// Package floatguard is a memory-error sanitizer runtime built on a trapping
// detection primitive: every heap object is surrounded by poisoned redzone
// bytes, and a single scalar floating-point add against a target address —
// the probe — underflows, and therefore traps, exactly when those bytes
// encode the poison pattern.
//
// The runtime attaches to an emulated x86-64 process: it interposes the
// allocator and the byte-oriented libc routines, installs the underflow
// signal handler, and keeps freed memory poisoned in a bounded quarantine.
// A confirmed violation produces a diagnostic on the configured stream and
// surfaces as *sys.FaultError from whatever call tripped the probe.
//
//	r := floatguard.NewRuntime(floatguard.NewRuntimeConfig().WithTargets("demo"))
//	p, err := r.Instantiate("/opt/demo")
//	buf, _ := p.Malloc(40)
//	err = p.Store8(buf+40, 0x2a) // one past the end: *sys.FaultError
package floatguard

import (
	"fmt"
	"strings"

	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/fault"
	"github.com/guardlabs/floatguard/internal/heap"
	"github.com/guardlabs/floatguard/internal/machine"
	"github.com/guardlabs/floatguard/internal/probe"
	"github.com/guardlabs/floatguard/internal/shims"
)

// Runtime instantiates sanitized processes.
type Runtime interface {
	// Instantiate builds a fresh process image for the program at progPath
	// and runs the startup sequence: resolve the underlying allocator,
	// install the underflow handler, enable flush-to-zero, unmask the
	// underflow exception, initialize the quarantine, and decide from
	// progPath whether the sanitizer is live.
	//
	// A startup failure returns an error and no process: the runtime is
	// never left partially installed.
	Instantiate(progPath string) (*Process, error)
}

// NewRuntime returns a Runtime with the given configuration, or the default
// configuration if config is nil.
func NewRuntime(config *RuntimeConfig) Runtime {
	if config == nil {
		config = NewRuntimeConfig()
	}
	return &runtime{cfg: config.clone()}
}

type runtime struct {
	cfg *RuntimeConfig
}

// Instantiate implements Runtime.Instantiate.
func (r *runtime) Instantiate(progPath string) (*Process, error) {
	cfg := r.cfg
	m := machine.New(cfg.memorySize)

	prober, err := probe.New(m)
	if err != nil {
		return nil, fmt.Errorf("cannot install probe code: %w", err)
	}

	// The underlying allocator is resolved before the enable decision, like
	// the early malloc_usable_size resolution in the native startup.
	arena := heap.NewArena(m.Mem, m.HeapBase(), m.HeapSize())

	p := &Process{
		cfg:      cfg,
		m:        m,
		prober:   prober,
		progPath: progPath,
	}
	enabled := func() bool { return p.enabled }

	var quarantine *heap.Quarantine
	if cfg.quarantine {
		quarantine = heap.NewQuarantine(cfg.quarantineBytes)
	}
	p.alloc = heap.NewWrapper(m.Mem, arena, prober, quarantine, enabled)
	p.libc = shims.New(m.Mem, prober, enabled, cfg.stdoutOrDefault())

	p.handler = fault.NewHandler(m, fault.Config{
		Abort:           cfg.abortOnFault,
		Survive:         cfg.surviveFaults,
		CountExceptions: cfg.countExceptions,
		Stderr:          cfg.stderrOrDefault(),
	})

	if cfg.countExceptions && cfg.exceptionLog != nil {
		m.AtExit(func() {
			p.handler.Stats().Log(cfg.exceptionLog, progPath)
		})
	}
	// Library teardown must never probe: the gate drops before anything
	// else runs at exit.
	m.AtExit(func() { p.enabled = false })

	if cfg.enableExceptions {
		// Flush-to-zero makes the probe's denormal result an underflow the
		// unmasked exception can deliver.
		m.SetFlushToZero(true)
		m.Sigaction(api.SignalFPE, p.handler.Handle)
		m.SetUnderflowMasked(false)
	}

	if matchesTarget(progPath, cfg.targets) {
		if cfg.catchSegfault {
			m.Sigaction(api.SignalSegv, p.handler.HandleSegv)
		}
		p.enabled = true
	}

	return p, nil
}

func matchesTarget(progPath string, targets []string) bool {
	for _, t := range targets {
		if t != "" && strings.Contains(progPath, t) {
			return true
		}
	}
	return false
}
