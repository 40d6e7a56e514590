package machine

import (
	"encoding/binary"

	"github.com/guardlabs/floatguard/api"
)

// MemoryInstance is the linear memory of an emulated process. It implements
// api.Memory.
//
// Addresses are virtual: the image is mapped at a fixed non-zero base so that
// address zero stays unmapped and usable as a null pointer.
type MemoryInstance struct {
	base uint64
	data []byte
}

func newMemoryInstance(base, size uint64) *MemoryInstance {
	return &MemoryInstance{base: base, data: make([]byte, size)}
}

// Base implements api.Memory.
func (m *MemoryInstance) Base() uint64 { return m.base }

// Size implements api.Memory.
func (m *MemoryInstance) Size() uint64 { return uint64(len(m.data)) }

// hasSize reports whether [addr, addr+size) is mapped.
func (m *MemoryInstance) hasSize(addr, size uint64) bool {
	if addr < m.base {
		return false
	}
	off := addr - m.base
	return off <= uint64(len(m.data)) && size <= uint64(len(m.data))-off
}

// Read implements api.Memory. The returned slice aliases the memory.
func (m *MemoryInstance) Read(addr, size uint64) ([]byte, bool) {
	if !m.hasSize(addr, size) {
		return nil, false
	}
	off := addr - m.base
	return m.data[off : off+size : off+size], true
}

// ReadByte implements api.Memory.
func (m *MemoryInstance) ReadByte(addr uint64) (byte, bool) {
	if !m.hasSize(addr, 1) {
		return 0, false
	}
	return m.data[addr-m.base], true
}

// ReadUint32Le implements api.Memory.
func (m *MemoryInstance) ReadUint32Le(addr uint64) (uint32, bool) {
	b, ok := m.Read(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// ReadUint64Le reads a little-endian 64-bit value at addr.
func (m *MemoryInstance) ReadUint64Le(addr uint64) (uint64, bool) {
	b, ok := m.Read(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// WriteByte implements api.Memory.
func (m *MemoryInstance) WriteByte(addr uint64, v byte) bool {
	if !m.hasSize(addr, 1) {
		return false
	}
	m.data[addr-m.base] = v
	return true
}

// Write implements api.Memory.
func (m *MemoryInstance) Write(addr uint64, data []byte) bool {
	if !m.hasSize(addr, uint64(len(data))) {
		return false
	}
	copy(m.data[addr-m.base:], data)
	return true
}

// WriteUint32Le writes a little-endian 32-bit value at addr.
func (m *MemoryInstance) WriteUint32Le(addr uint64, v uint32) bool {
	b, ok := m.Read(addr, 4)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint32(b, v)
	return true
}

// WriteUint64Le writes a little-endian 64-bit value at addr.
func (m *MemoryInstance) WriteUint64Le(addr uint64, v uint64) bool {
	b, ok := m.Read(addr, 8)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(b, v)
	return true
}

// Fill implements api.Memory.
func (m *MemoryInstance) Fill(addr uint64, v byte, size uint64) bool {
	b, ok := m.Read(addr, size)
	if !ok {
		return false
	}
	for i := range b {
		b[i] = v
	}
	return true
}

var _ api.Memory = (*MemoryInstance)(nil)
