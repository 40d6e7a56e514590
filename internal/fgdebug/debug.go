// Package fgdebug formats the diagnostic written when a probe confirms a
// redzone violation: the fault header, a hexdump window around the address,
// and a backtrace of the call that trapped.
package fgdebug

import (
	"fmt"
	"io"
	"runtime"

	"github.com/guardlabs/floatguard/api"
)

// hexdump window: 128 bytes centered on the fault, four bytes per line.
const (
	windowBefore = 64
	windowAfter  = 64
	lineWidth    = 4
)

// WriteFaultHeader writes the banner naming the confirmed fault address.
func WriteFaultHeader(w io.Writer, faultAddr uint64) {
	fmt.Fprintf(w, "\n!!!! [FLOATGUARD] Fault addr = %#x !!!!\n", faultAddr)
}

// WriteHexdump writes the 128-byte window centered on faultAddr, marking the
// line that starts at the fault. Unmapped bytes print as "??".
func WriteHexdump(w io.Writer, mem api.Memory, faultAddr uint64) {
	for i := -windowBefore; i < windowAfter; i += lineWidth {
		addr := faultAddr + uint64(int64(i))
		fmt.Fprintf(w, "%#x: ", addr)
		for j := 0; j < lineWidth; j++ {
			if b, ok := mem.ReadByte(addr + uint64(j)); ok {
				fmt.Fprintf(w, "%02x ", b)
			} else {
				fmt.Fprint(w, "?? ")
			}
		}
		if addr == faultAddr {
			fmt.Fprint(w, " <-----")
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
}

// WriteBacktrace writes the probe instruction pointer and the Go call stack
// that issued the probe, skipping the runtime's own handler frames.
func WriteBacktrace(w io.Writer, faultRIP uint64, skip int) {
	fmt.Fprintf(w, "Fault RIP = %#x\nBacktrace:\n", faultRIP)

	pc := make([]uintptr, 128)
	n := runtime.Callers(skip+2, pc)
	frames := runtime.CallersFrames(pc[:n])
	for i := 0; ; i++ {
		frame, more := frames.Next()
		fmt.Fprintf(w, " - [%d] %s (%s:%d)\n", i, frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
}
