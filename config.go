package floatguard

import (
	"io"
	"os"

	"github.com/guardlabs/floatguard/internal/heap"
	"github.com/guardlabs/floatguard/internal/machine"
)

// RuntimeConfig controls runtime behavior, with the default implementation as
// NewRuntimeConfig. Every knob corresponds to one of the build-time toggles
// of the native runtime; there is no configuration beyond these and the
// image-path gate.
type RuntimeConfig struct {
	enableExceptions bool
	quarantine       bool
	quarantineBytes  uint64
	catchSegfault    bool
	abortOnFault     bool
	surviveFaults    bool
	countExceptions  bool
	exceptionLog     io.Writer
	targets          []string
	memorySize       uint64
	stderr           io.Writer
	stdout           io.Writer
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &RuntimeConfig{
	enableExceptions: true,
	quarantine:       true,
	quarantineBytes:  heap.DefaultQuarantineBytes,
	abortOnFault:     true,
	targets:          []string{"run_base", "CWE"},
	memorySize:       machine.DefaultMemorySize,
}

// NewRuntimeConfig returns the default configuration: trap on underflow,
// quarantine freed blocks under a 256 MiB bound, and abort on confirmed
// faults so fuzzers observe the crash signal.
func NewRuntimeConfig() *RuntimeConfig {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	ret.targets = make([]string, len(c.targets))
	copy(ret.targets, c.targets)
	return &ret
}

// WithExceptions toggles the trap machinery as a whole: flush-to-zero, the
// underflow unmask and the signal handler installation. With this off the
// redzones are still placed but nothing ever traps.
func (c *RuntimeConfig) WithExceptions(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.enableExceptions = enabled
	return ret
}

// WithQuarantine toggles routing freed blocks through the poisoned ring.
// Without it, frees strip the guards and release immediately, and
// use-after-free detection is best-effort only.
func (c *RuntimeConfig) WithQuarantine(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.quarantine = enabled
	return ret
}

// WithQuarantineBytes bounds the quarantine's resident poisoned memory.
// Zero selects the 256 MiB default.
func (c *RuntimeConfig) WithQuarantineBytes(bound uint64) *RuntimeConfig {
	ret := c.clone()
	ret.quarantineBytes = bound
	return ret
}

// WithCatchSegfault turns any segmentation fault into a hard termination,
// the posture some test suites expect.
func (c *RuntimeConfig) WithCatchSegfault(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.catchSegfault = enabled
	return ret
}

// WithAbortOnFault selects death by abort for confirmed faults (fuzz mode).
// When false the process exits with sys.FaultExitCode instead.
func (c *RuntimeConfig) WithAbortOnFault(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.abortOnFault = enabled
	return ret
}

// WithSurviveFaults resumes past confirmed faults instead of terminating.
// Only useful for measurement: the program continues with whatever the
// out-of-bounds access did.
func (c *RuntimeConfig) WithSurviveFaults(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.surviveFaults = enabled
	return ret
}

// WithExceptionCounting keeps per-kind trap counters and writes them as one
// structured event to w when the process closes.
func (c *RuntimeConfig) WithExceptionCounting(w io.Writer) *RuntimeConfig {
	ret := c.clone()
	ret.countExceptions = w != nil
	ret.exceptionLog = w
	return ret
}

// WithTargets replaces the image-path substrings that switch the sanitizer
// on. A process whose path matches none of them runs with every wrapper as
// a transparent pass-through.
func (c *RuntimeConfig) WithTargets(substrings ...string) *RuntimeConfig {
	ret := c.clone()
	ret.targets = make([]string, len(substrings))
	copy(ret.targets, substrings)
	return ret
}

// WithMemorySize sets the emulated image size in bytes. Zero selects the
// default.
func (c *RuntimeConfig) WithMemorySize(size uint64) *RuntimeConfig {
	ret := c.clone()
	ret.memorySize = size
	return ret
}

// WithStderr redirects the fault diagnostic stream. Defaults to os.Stderr.
func (c *RuntimeConfig) WithStderr(w io.Writer) *RuntimeConfig {
	ret := c.clone()
	ret.stderr = w
	return ret
}

// WithStdout redirects the output of the wrapped print routines. Defaults to
// os.Stdout.
func (c *RuntimeConfig) WithStdout(w io.Writer) *RuntimeConfig {
	ret := c.clone()
	ret.stdout = w
	return ret
}

func (c *RuntimeConfig) stderrOrDefault() io.Writer {
	if c.stderr != nil {
		return c.stderr
	}
	return os.Stderr
}

func (c *RuntimeConfig) stdoutOrDefault() io.Writer {
	if c.stdout != nil {
		return c.stdout
	}
	return os.Stdout
}
