package vmcs

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// PageSize is the 4 KiB page granularity of VMX physical addresses.
const (
	PageSize = 0x1000
	pageMask = PageSize - 1
)

// isPageAligned returns true if addr is 4 KiB aligned
func isPageAligned(addr uint64) bool {
	return addr&pageMask == 0
}

// PhysMem translates guest/host physical addresses for inspection.
//
// PhysToVirt returns the bytes from phys to the end of its page, or a
// *TranslationError if the address is not mapped.
type PhysMem interface {
	PhysToVirt(phys uint64) ([]byte, error)
}

// MemoryMap is a PhysMem backed by host byte slices.
type MemoryMap struct {
	mu    sync.RWMutex
	pages map[uint64][]byte // page frame number -> page
}

// NewMemoryMap returns an empty map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{pages: make(map[uint64][]byte)}
}

// Map makes host visible at physical address phys.
// phys and the length of host must be page-aligned.
func (m *MemoryMap) Map(host []byte, phys uint64) error {
	if m == nil {
		return fmt.Errorf("vmcs: memory map is nil")
	}
	if len(host) == 0 {
		return fmt.Errorf("vmcs: map requires non-empty host buffer")
	}
	if len(host) > math.MaxInt32 {
		return fmt.Errorf("vmcs: host buffer too large (max %d bytes)", math.MaxInt32)
	}
	if phys > math.MaxUint64-uint64(len(host)) {
		return fmt.Errorf("vmcs: physical address range would overflow")
	}
	if !isPageAligned(phys) {
		return fmt.Errorf("%w: phys 0x%x (page size: %d)", ErrMisaligned, phys, PageSize)
	}
	if !isPageAligned(uint64(len(host))) {
		return fmt.Errorf("%w: length %d not page multiple (page size: %d)", ErrMisaligned, len(host), PageSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pages == nil {
		m.pages = make(map[uint64][]byte)
	}
	for off := 0; off < len(host); off += PageSize {
		m.pages[(phys+uint64(off))/PageSize] = host[off : off+PageSize : off+PageSize]
	}
	return nil
}

// Unmap removes a region.
func (m *MemoryMap) Unmap(phys, size uint64) error {
	if m == nil {
		return fmt.Errorf("vmcs: memory map is nil")
	}
	if size == 0 {
		return fmt.Errorf("vmcs: unmap requires non-zero size")
	}
	if phys > math.MaxUint64-size {
		return fmt.Errorf("vmcs: physical address range would overflow")
	}
	if !isPageAligned(phys) {
		return fmt.Errorf("%w: phys 0x%x (page size: %d)", ErrMisaligned, phys, PageSize)
	}
	if !isPageAligned(size) {
		return fmt.Errorf("%w: size %d not page multiple (page size: %d)", ErrMisaligned, size, PageSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for off := uint64(0); off < size; off += PageSize {
		pfn := (phys + off) / PageSize
		if _, ok := m.pages[pfn]; !ok {
			return fmt.Errorf("failed to unmap region 0x%x+%d: %w", phys, size, &TranslationError{Addr: phys + off})
		}
	}
	for off := uint64(0); off < size; off += PageSize {
		delete(m.pages, (phys+off)/PageSize)
	}
	return nil
}

func (m *MemoryMap) PhysToVirt(phys uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page, ok := m.pages[phys/PageSize]
	if !ok {
		recordTranslationError()
		return nil, &TranslationError{Addr: phys}
	}
	return page[phys&pageMask:], nil
}

// readPhys fills buf from phys, crossing page boundaries if needed.
func readPhys(mem PhysMem, phys uint64, buf []byte) error {
	n := 0
	for n < len(buf) {
		b, err := mem.PhysToVirt(phys + uint64(n))
		if err != nil {
			return err
		}
		n += copy(buf[n:], b)
	}
	return nil
}

// ReadUint64 reads a little-endian quadword at phys.
func ReadUint64(mem PhysMem, phys uint64) (uint64, error) {
	var buf [8]byte
	if err := readPhys(mem, phys, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadUint32 reads a little-endian doubleword at phys.
func ReadUint32(mem PhysMem, phys uint64) (uint32, error) {
	var buf [4]byte
	if err := readPhys(mem, phys, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint64 stores a little-endian quadword at phys in a MemoryMap.
func (m *MemoryMap) WriteUint64(phys, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	n := 0
	for n < len(buf) {
		b, err := m.PhysToVirt(phys + uint64(n))
		if err != nil {
			return err
		}
		n += copy(b, buf[n:])
	}
	return nil
}
