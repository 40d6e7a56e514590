// Package shims reimplements the byte-oriented libc routines the compiler
// cannot instrument. Each shim probes every buffer it is about to read or
// write, then performs the real operation on the emulated memory. While the
// enable gate is off they are transparent pass-throughs.
package shims

import (
	"fmt"
	"io"
	"strings"

	"github.com/guardlabs/floatguard/api"
	"github.com/guardlabs/floatguard/internal/probe"
)

// Shims bundles the wrapped routines for one process.
type Shims struct {
	mem     api.Memory
	prober  *probe.Prober
	enabled func() bool
	stdout  io.Writer
}

// New returns the shim set. stdout receives Puts/Printf output.
func New(mem api.Memory, prober *probe.Prober, enabled func() bool, stdout io.Writer) *Shims {
	return &Shims{mem: mem, prober: prober, enabled: enabled, stdout: stdout}
}

// checkPoison probes [src, src+size) unless size is zero. It does not consult
// the enable gate; the callers check it before calling.
func (s *Shims) checkPoison(src, size uint64) {
	if size == 0 {
		return
	}
	s.prober.Check(src, size)
}

// rawStrlen is the uninstrumented strlen, stopping at the end of memory if
// no terminator exists.
func (s *Shims) rawStrlen(addr uint64) uint64 {
	var n uint64
	for {
		b, ok := s.mem.ReadByte(addr + n)
		if !ok || b == 0 {
			return n
		}
		n++
	}
}

// rawCopy is the uninstrumented memmove.
func (s *Shims) rawCopy(dst, src, n uint64) {
	if n == 0 {
		return
	}
	from, ok1 := s.mem.Read(src, n)
	to, ok2 := s.mem.Read(dst, n)
	if !ok1 || !ok2 {
		return
	}
	copy(to, from)
}

// Memcpy copies n bytes from src to dst, probing both buffers first.
func (s *Shims) Memcpy(dst, src, n uint64) uint64 {
	if s.enabled() && n != 0 {
		s.checkPoison(src, n)
		s.checkPoison(dst, n)
	}
	s.rawCopy(dst, src, n)
	return dst
}

// Memmove behaves like Memcpy; the probes over-report neither side for
// overlapping moves.
func (s *Shims) Memmove(dst, src, n uint64) uint64 {
	if s.enabled() && n != 0 {
		s.checkPoison(src, n)
		s.checkPoison(dst, n)
	}
	s.rawCopy(dst, src, n)
	return dst
}

// Memset fills n bytes at dst with c, probing the destination first.
func (s *Shims) Memset(dst uint64, c byte, n uint64) uint64 {
	if s.enabled() && n != 0 {
		s.checkPoison(dst, n)
	}
	s.mem.Fill(dst, c, n)
	return dst
}

// Memcmp compares n bytes, probing both buffers over the full length.
func (s *Shims) Memcmp(s1, s2, n uint64) int {
	if s.enabled() && n != 0 {
		s.checkPoison(s1, n)
		s.checkPoison(s2, n)
	}
	for i := uint64(0); i < n; i++ {
		c1, ok1 := s.mem.ReadByte(s1 + i)
		c2, ok2 := s.mem.ReadByte(s2 + i)
		if !ok1 || !ok2 {
			return 0
		}
		if c1 != c2 {
			if c1 < c2 {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Strlen measures the string at addr and probes the measured bytes.
func (s *Shims) Strlen(addr uint64) uint64 {
	size := s.rawStrlen(addr)
	if s.enabled() && size != 0 {
		s.checkPoison(addr, size)
	}
	return size
}

// Strnlen probes maxlen bytes and measures at most maxlen.
func (s *Shims) Strnlen(addr, maxlen uint64) uint64 {
	if s.enabled() && maxlen != 0 {
		s.checkPoison(addr, maxlen)
	}
	var n uint64
	for n < maxlen {
		b, ok := s.mem.ReadByte(addr + n)
		if !ok || b == 0 {
			break
		}
		n++
	}
	return n
}

// Strcmp scans for the first differing or terminating index before probing,
// so the probes stop at the real end of a short string.
func (s *Shims) Strcmp(s1, s2 uint64) int {
	if s.enabled() {
		var i uint64
		var c1, c2 byte
		for {
			c1, _ = s.mem.ReadByte(s1 + i)
			c2, _ = s.mem.ReadByte(s2 + i)
			if c1 != c2 || c1 == 0 {
				break
			}
			i++
		}
		s.checkPoison(s1, i+1)
		s.checkPoison(s2, i+1)
	}
	return s.rawStrcmp(s1, s2)
}

func (s *Shims) rawStrcmp(s1, s2 uint64) int {
	for i := uint64(0); ; i++ {
		c1, ok1 := s.mem.ReadByte(s1 + i)
		c2, ok2 := s.mem.ReadByte(s2 + i)
		if !ok1 || !ok2 {
			return 0
		}
		if c1 != c2 {
			if c1 < c2 {
				return -1
			}
			return 1
		}
		if c1 == 0 {
			return 0
		}
	}
}

// Strncmp is Strcmp capped at n bytes; the probed span is capped the same
// way.
func (s *Shims) Strncmp(s1, s2, n uint64) int {
	if s.enabled() {
		var i uint64
		var c1, c2 byte
		for i = 0; i < n; i++ {
			c1, _ = s.mem.ReadByte(s1 + i)
			c2, _ = s.mem.ReadByte(s2 + i)
			if c1 != c2 || c1 == 0 {
				break
			}
		}
		min := n
		if i+1 < n {
			min = i + 1
		}
		if n != 0 {
			s.checkPoison(s1, min)
			s.checkPoison(s2, min)
		}
	}
	for i := uint64(0); i < n; i++ {
		c1, ok1 := s.mem.ReadByte(s1 + i)
		c2, ok2 := s.mem.ReadByte(s2 + i)
		if !ok1 || !ok2 {
			return 0
		}
		if c1 != c2 {
			if c1 < c2 {
				return -1
			}
			return 1
		}
		if c1 == 0 {
			return 0
		}
	}
	return 0
}

// Strcpy copies the string at src including its terminator.
func (s *Shims) Strcpy(dst, src uint64) uint64 {
	if s.enabled() {
		return s.Memcpy(dst, src, s.rawStrlen(src)+1)
	}
	s.rawCopy(dst, src, s.rawStrlen(src)+1)
	return dst
}

// Strncpy copies at most n bytes, zero-filling the remainder like the libc
// routine.
func (s *Shims) Strncpy(dst, src, n uint64) uint64 {
	if s.enabled() {
		size := s.Strnlen(src, n)
		if size != n {
			s.Memset(dst+size, 0, n-size)
		}
		s.Memcpy(dst, src, size)
		return dst
	}
	size := uint64(0)
	for size < n {
		b, ok := s.mem.ReadByte(src + size)
		if !ok || b == 0 {
			break
		}
		size++
	}
	s.rawCopy(dst, src, size)
	if size != n {
		s.mem.Fill(dst+size, 0, n-size)
	}
	return dst
}

// Strcat appends the string at src to the one at dst.
func (s *Shims) Strcat(dst, src uint64) uint64 {
	if s.enabled() {
		s.Memcpy(dst+s.rawStrlen(dst), src, s.rawStrlen(src)+1)
		return dst
	}
	s.rawCopy(dst+s.rawStrlen(dst), src, s.rawStrlen(src)+1)
	return dst
}

// Strncat appends at most n bytes of src and always terminates.
func (s *Shims) Strncat(dst, src, n uint64) uint64 {
	if s.enabled() {
		end := dst + s.rawStrlen(dst)
		ss := s.Strnlen(src, n)
		s.mem.WriteByte(end+ss, 0)
		s.Memcpy(end, src, ss)
		return dst
	}
	end := dst + s.rawStrlen(dst)
	var ss uint64
	for ss < n {
		b, ok := s.mem.ReadByte(src + ss)
		if !ok || b == 0 {
			break
		}
		ss++
	}
	s.rawCopy(end, src, ss)
	s.mem.WriteByte(end+ss, 0)
	return dst
}

// wcharSize is the width of the emulated wchar_t.
const wcharSize = 4

// Wcscpy copies the wide string at src including its terminator.
func (s *Shims) Wcscpy(dst, src uint64) uint64 {
	var n uint64
	for {
		w, ok := s.mem.ReadUint32Le(src + n*wcharSize)
		if !ok || w == 0 {
			break
		}
		n++
	}
	if s.enabled() {
		s.Memcpy(dst, src, (n+1)*wcharSize)
		return dst
	}
	s.rawCopy(dst, src, (n+1)*wcharSize)
	return dst
}

// Puts writes the string at addr and a newline to stdout, probing the
// measured bytes first.
func (s *Shims) Puts(addr uint64) int {
	if s.enabled() {
		if len := s.rawStrlen(addr); len != 0 {
			s.checkPoison(addr, len)
		}
	}
	str := s.readString(addr)
	fmt.Fprintln(s.stdout, str)
	return len(str) + 1
}

// Snprintf formats into the buffer at dst, truncating to maxlen with a
// terminator, and returns the untruncated length. The destination is probed
// over maxlen before it is written. String verbs take addresses into the
// emulated memory.
func (s *Shims) Snprintf(dst, maxlen uint64, format string, args ...interface{}) int {
	if s.enabled() && maxlen != 0 {
		s.checkPoison(dst, maxlen)
	}
	out := s.format(format, args)
	if maxlen != 0 {
		n := uint64(len(out))
		if n > maxlen-1 {
			n = maxlen - 1
		}
		s.mem.Write(dst, []byte(out[:n]))
		s.mem.WriteByte(dst+n, 0)
	}
	return len(out)
}

// Printf writes formatted output to stdout. Only the single-"%s" shape is
// probed: the format must contain exactly one verb and it must be %s. Full
// varargs parsing is out of scope; anything else bypasses probing.
func (s *Shims) Printf(format string, args ...interface{}) int {
	if s.enabled() && strings.Contains(format, "%s") {
		c := strings.Count(format, "%")
		if c == 1 && len(args) > 0 {
			if addr, ok := args[0].(uint64); ok {
				if len := s.rawStrlen(addr); len != 0 {
					s.checkPoison(addr, len)
				}
			}
		}
	}
	out := s.format(format, args)
	io.WriteString(s.stdout, out)
	return len(out)
}

// format renders the C-shaped argument list: %s verbs take addresses into
// the emulated memory, everything else passes through to fmt.
func (s *Shims) format(format string, args []interface{}) string {
	converted := make([]interface{}, len(args))
	copy(converted, args)

	argIdx := 0
	for i := 0; i < len(format)-1 && argIdx < len(converted); i++ {
		if format[i] != '%' {
			continue
		}
		verb := format[i+1]
		if verb == '%' {
			i++
			continue
		}
		if verb == 's' {
			if addr, ok := converted[argIdx].(uint64); ok {
				converted[argIdx] = s.readString(addr)
			}
		}
		argIdx++
	}
	return fmt.Sprintf(format, converted...)
}

func (s *Shims) readString(addr uint64) string {
	n := s.rawStrlen(addr)
	b, ok := s.mem.Read(addr, n)
	if !ok {
		return ""
	}
	return string(b)
}
