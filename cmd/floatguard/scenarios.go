package main

import (
	"errors"
	"fmt"

	"github.com/guardlabs/floatguard"
	"github.com/guardlabs/floatguard/sys"
)

// scenario provokes one class of memory error (or one class of benign trap)
// and checks the runtime's verdict.
type scenario struct {
	name string
	// configure adjusts the shared runtime config for this scenario.
	configure func(*floatguard.RuntimeConfig) *floatguard.RuntimeConfig
	run       func(*floatguard.Process) error
}

var scenarios = []scenario{
	{name: "heap-overflow", run: heapOverflow},
	{name: "heap-underflow", run: heapUnderflow},
	{name: "use-after-free", run: useAfterFree},
	{name: "double-free", run: doubleFree},
	{
		name: "quarantine-churn",
		configure: func(c *floatguard.RuntimeConfig) *floatguard.RuntimeConfig {
			return c.WithQuarantineBytes(1 << 20)
		},
		run: quarantineChurn,
	},
	{name: "stray-pattern", run: strayPattern},
}

// expectFault runs err through the fault check: it must be a confirmed
// violation at addr.
func expectFault(err error, addr uint64) error {
	var fe *sys.FaultError
	if !errors.As(err, &fe) {
		return fmt.Errorf("expected a redzone fault, got %v", err)
	}
	if fe.Addr() != addr {
		return fmt.Errorf("fault at %#x, expected %#x", fe.Addr(), addr)
	}
	return nil
}

func heapOverflow(p *floatguard.Process) error {
	buf, err := p.Malloc(40)
	if err != nil || buf == 0 {
		return fmt.Errorf("malloc: %v", err)
	}
	return expectFault(p.Store8(buf+40, 0x2a), buf+40)
}

func heapUnderflow(p *floatguard.Process) error {
	buf, err := p.Malloc(40)
	if err != nil || buf == 0 {
		return fmt.Errorf("malloc: %v", err)
	}
	_, err = p.Memset(buf-8, 0, 8)
	return expectFault(err, buf-8)
}

func useAfterFree(p *floatguard.Process) error {
	buf, err := p.Malloc(40)
	if err != nil || buf == 0 {
		return fmt.Errorf("malloc: %v", err)
	}
	if err := p.Free(buf); err != nil {
		return fmt.Errorf("free: %v", err)
	}
	return expectFault(p.Store8(buf, 1), buf)
}

func doubleFree(p *floatguard.Process) error {
	buf, err := p.Malloc(40)
	if err != nil || buf == 0 {
		return fmt.Errorf("malloc: %v", err)
	}
	if err := p.Free(buf); err != nil {
		return fmt.Errorf("first free: %v", err)
	}
	err = p.Free(buf)
	if err == nil {
		return errors.New("second free not detected")
	}
	var fe *sys.FaultError
	if !errors.As(err, &fe) {
		return fmt.Errorf("expected a redzone fault, got %v", err)
	}
	return nil
}

// quarantineChurn frees far more memory than the quarantine bound; eviction
// must keep recycling blocks or the arena runs dry.
func quarantineChurn(p *floatguard.Process) error {
	const blockSize = 64 << 10
	const rounds = 256 // 16 MiB through a 1 MiB quarantine
	for i := 0; i < rounds; i++ {
		buf, err := p.Malloc(blockSize)
		if err != nil {
			return fmt.Errorf("round %d: %v", i, err)
		}
		if buf == 0 {
			return fmt.Errorf("round %d: allocator exhausted, quarantine not evicting", i)
		}
		if err := p.Free(buf); err != nil {
			return fmt.Errorf("round %d free: %v", i, err)
		}
	}
	return nil
}

// strayPattern writes a poison-looking prefix as ordinary user data; the
// probe must trap, fail confirmation, and resume silently.
func strayPattern(p *floatguard.Process) error {
	buf, err := p.Malloc(40)
	if err != nil || buf == 0 {
		return fmt.Errorf("malloc: %v", err)
	}
	if err := p.Write(buf, []byte{0x89, 0x8b, 0x8b, 0x8b, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write: %v", err)
	}
	if err := p.Probe(buf, 4); err != nil {
		return fmt.Errorf("incidental pattern reported as violation: %v", err)
	}
	return nil
}
