// Package sys includes constants and types used by the public API to describe
// how a sanitized process died.
package sys

import "fmt"

// FaultExitCode is the status a confirmed redzone violation exits with when
// the runtime is not configured to abort.
const FaultExitCode = 1

// FaultError is returned from a Process call whose probe confirmed a redzone
// violation. The diagnostic has already been written to the configured stream
// by the time this error surfaces; the process is dead afterwards.
//
// Use errors.As to detect it:
//
//	if fe := (*sys.FaultError)(nil); errors.As(err, &fe) {
//		log.Printf("violation at %#x", fe.Addr())
//	}
type FaultError struct {
	addr    uint64
	ip      uint64
	aborted bool
}

// NewFaultError returns a FaultError for the violation at addr, detected by
// the probe instruction at ip. aborted reports whether the runtime terminated
// the process as if by SIGABRT rather than with FaultExitCode.
func NewFaultError(addr, ip uint64, aborted bool) *FaultError {
	return &FaultError{addr: addr, ip: ip, aborted: aborted}
}

// Addr is the memory address whose bytes confirmed as redzone poison.
func (e *FaultError) Addr() uint64 { return e.addr }

// IP is the address of the probe instruction that trapped.
func (e *FaultError) IP() uint64 { return e.ip }

// Aborted reports whether the process died by abort (fuzz mode) instead of
// exiting with FaultExitCode.
func (e *FaultError) Aborted() bool { return e.aborted }

// ExitCode is FaultExitCode when the process exited, meaningless when it
// aborted.
func (e *FaultError) ExitCode() int { return FaultExitCode }

// Error implements error.
func (e *FaultError) Error() string {
	how := fmt.Sprintf("exit_code(%d)", FaultExitCode)
	if e.aborted {
		how = "abort"
	}
	return fmt.Sprintf("redzone violation at %#x (probe ip %#x, %s)", e.addr, e.ip, how)
}

// Is allows errors.Is to match FaultErrors with the same fault address and
// the same termination mode (abort or exit).
func (e *FaultError) Is(err error) bool {
	if target, ok := err.(*FaultError); ok {
		return e.addr == target.addr && e.aborted == target.aborted
	}
	return false
}

// SegvError is returned when catch-segfault mode turns an out-of-memory-range
// access into a hard abort.
type SegvError struct {
	addr uint64
}

// NewSegvError returns a SegvError for the inaccessible address.
func NewSegvError(addr uint64) *SegvError { return &SegvError{addr: addr} }

// Addr is the inaccessible address.
func (e *SegvError) Addr() uint64 { return e.addr }

// Error implements error.
func (e *SegvError) Error() string {
	return fmt.Sprintf("segmentation fault at %#x", e.addr)
}
