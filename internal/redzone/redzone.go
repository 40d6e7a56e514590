// Package redzone owns the canonical poison pattern: writing it around heap
// objects, stripping it before a block goes back to the underlying
// allocator, and recognizing it at a fault address.
package redzone

import (
	"github.com/guardlabs/floatguard/api"
)

const (
	// Size is the width of one redzone in bytes.
	Size = 16

	// PoisonByte fills the interior of a redzone.
	PoisonByte = 0x8b
	// LeadByte marks the first byte of a redzone, anchoring right-scans.
	LeadByte = 0x89

	// PoisonWord and LeadWord are the two 32-bit views of redzone bytes a
	// probe can load: an interior quadruplet, or the quadruplet starting at
	// the lead byte.
	PoisonWord = 0x8b8b8b8b
	LeadWord   = 0x8b8b8b89

	// MagicAddBits is the float32 (5.375081e-32) a probe adds to the four
	// bytes at the target address. Against either poison quadruplet the sum
	// is denormal, so with flush-to-zero set and underflow unmasked the
	// probe traps.
	MagicAddBits = 0x0b8b8b8a
)

// pattern is the canonical 16-byte sequence.
var pattern = [Size]byte{
	LeadByte, PoisonByte, PoisonByte, PoisonByte,
	PoisonByte, PoisonByte, PoisonByte, PoisonByte,
	PoisonByte, PoisonByte, PoisonByte, PoisonByte,
	PoisonByte, PoisonByte, PoisonByte, PoisonByte,
}

// Pattern returns the canonical 16-byte sequence.
func Pattern() [Size]byte { return pattern }

// IsPattern reports whether b equals the canonical sequence.
func IsPattern(b [Size]byte) bool { return b == pattern }

// ApplyUnderflow writes the pattern at p, the base of a padded allocation.
func ApplyUnderflow(mem api.Memory, p uint64) bool {
	return mem.Write(p, pattern[:])
}

// ApplyOverflowDelta writes the pattern at p+offset and extends the guard
// with delta poison bytes, so it reaches the underlying allocator's usable
// end.
func ApplyOverflowDelta(mem api.Memory, p, offset, delta uint64) bool {
	if !mem.Write(p+offset, pattern[:]) {
		return false
	}
	return mem.Fill(p+offset+Size, PoisonByte, delta)
}

// StripScan removes both guards from the padded allocation at base, whose
// underlying usable size is usable. The underflow guard has a known width;
// the overflow guard is found by walking backward from the usable end over
// poison bytes until the lead byte.
func StripScan(mem api.Memory, base, usable uint64) {
	mem.Fill(base, 0, Size)

	end := base + usable
	var i uint64
	for i = Size; i < usable; i++ {
		if b, ok := mem.ReadByte(end - i); !ok || b != PoisonByte {
			break
		}
	}
	// end-i holds the lead byte; clear it and everything after.
	mem.Fill(end-i, 0, i)
}

// Confirm inspects the bytes at addr and reports whether they are part of a
// genuine redzone.
//
// The quadruplet at addr must read as PoisonWord or LeadWord. A LeadWord
// anchors a right-scan: the following twelve bytes must all be poison (this
// avoids walking left into a preceding underflow guard). A PoisonWord
// anchors a left-scan: walk back over poison bytes to the first non-poison
// byte, require it to be the lead byte, and require the fifteen bytes after
// it to complete the pattern. Anything short of that is an incidental
// underflow, not a redzone.
//
// This two-sided confirmation is what keeps the statistical detector sound;
// do not shorten it.
func Confirm(mem api.Memory, addr uint64) bool {
	word, ok := mem.ReadUint32Le(addr)
	if !ok {
		return false
	}
	if word != PoisonWord && word != LeadWord {
		return false
	}

	if word == LeadWord {
		for i := uint64(4); i < Size; i++ {
			b, ok := mem.ReadByte(addr + i)
			if !ok || b != PoisonByte {
				return false
			}
		}
		return true
	}

	// Walk left to the first byte that is not interior poison.
	ptr := addr
	for {
		b, ok := mem.ReadByte(ptr)
		if !ok || b != PoisonByte {
			break
		}
		if ptr == mem.Base() {
			return false
		}
		ptr--
	}
	if b, ok := mem.ReadByte(ptr); !ok || b != LeadByte {
		return false
	}
	for i := uint64(1); i < Size; i++ {
		b, ok := mem.ReadByte(ptr + i)
		if !ok || b != PoisonByte {
			return false
		}
	}
	return true
}
