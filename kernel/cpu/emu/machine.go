// Package emu emulates the paging unit of an x86_64 processor on top of a
// block of host memory. A Machine implements cpu.MMU so the memory manager
// can build, switch and walk real 4-level page tables without running on
// bare metal.
//
// The emulator decodes page table entries on its own; it shares no code with
// the kernel page table implementation it is used to exercise.
package emu

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"lambdaos/kernel/mem"
)

const (
	entryPresent  = 1 << 0
	entryRW       = 1 << 1
	entryHuge     = 1 << 7
	entryGlobal   = 1 << 8
	entryAddrMask = 0x000f_ffff_ffff_f000

	pageMask = uintptr(mem.PageSize - 1)
)

var (
	// ErrRAMSize is returned when the requested RAM size is not a
	// non-zero multiple of the page size.
	ErrRAMSize = errors.New("emu: RAM size must be a non-zero multiple of the page size")
)

// tlbEntry caches the translation of a single 4K virtual page.
type tlbEntry struct {
	frameAddr uintptr
	writable  bool
	global    bool
}

// Stats counts paging events. Tests use it to check that the kernel flushes
// stale translations.
type Stats struct {
	TLBHits         uint64
	TLBMisses       uint64
	EntryFlushes    uint64
	FullFlushes     uint64
	AddressSwitches uint64
}

// Machine is a single-core x86_64 paging unit with size bytes of RAM.
type Machine struct {
	ram     []byte
	release func([]byte) error
	cr3     uintptr
	tlb     map[uintptr]tlbEntry
	stats   Stats
}

// NewMachine returns a Machine with ramSize bytes of zeroed RAM starting at
// physical address 0. Paging starts disabled; CR3 is 0 until SwitchPDT is
// called.
func NewMachine(ramSize mem.Size) (*Machine, error) {
	if ramSize == 0 || ramSize&mem.Size(pageMask) != 0 {
		return nil, ErrRAMSize
	}

	ram, release, err := allocRAM(int(ramSize))
	if err != nil {
		return nil, err
	}

	return &Machine{
		ram:     ram,
		release: release,
		tlb:     make(map[uintptr]tlbEntry),
	}, nil
}

// Close releases the machine RAM. The machine must not be used afterwards.
func (m *Machine) Close() error {
	if m.ram == nil {
		return nil
	}
	ram := m.ram
	m.ram = nil
	return m.release(ram)
}

// RAMSize returns the amount of installed memory.
func (m *Machine) RAMSize() mem.Size {
	return mem.Size(len(m.ram))
}

// Stats returns a snapshot of the paging counters.
func (m *Machine) Stats() Stats {
	return m.stats
}

// ActivePDT implements cpu.MMU.
func (m *Machine) ActivePDT() uintptr {
	return m.cr3
}

// SwitchPDT implements cpu.MMU. Loading CR3 drops every non-global TLB entry.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.cr3 = pdtPhysAddr &^ pageMask
	m.stats.AddressSwitches++
	m.dropNonGlobal()
}

// FlushTLBEntry implements cpu.MMU. Like INVLPG it also drops global entries.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	m.stats.EntryFlushes++
	delete(m.tlb, virtAddr>>mem.PageShift)
}

// FlushTLB implements cpu.MMU.
func (m *Machine) FlushTLB() {
	m.stats.FullFlushes++
	m.dropNonGlobal()
}

func (m *Machine) dropNonGlobal() {
	for vpn, entry := range m.tlb {
		if !entry.global {
			delete(m.tlb, vpn)
		}
	}
}

// VirtToPtr implements cpu.MMU. Translations are served from the TLB when
// possible, exactly like the real processor, so a stale cached entry is
// observable until it is flushed. An untranslatable address panics with a
// *PageFault.
func (m *Machine) VirtToPtr(virtAddr uintptr) unsafe.Pointer {
	physAddr, _, fault := m.access(virtAddr)
	if fault != nil {
		panic(fault)
	}
	return unsafe.Pointer(&m.ram[physAddr])
}

// PhysToPtr returns a pointer to physical memory, bypassing translation.
func (m *Machine) PhysToPtr(physAddr uintptr) unsafe.Pointer {
	if physAddr >= uintptr(len(m.ram)) {
		panic(&PageFault{Address: physAddr, OutsideRAM: true})
	}
	return unsafe.Pointer(&m.ram[physAddr])
}

// LoadPhys copies data into physical memory starting at physAddr.
func (m *Machine) LoadPhys(physAddr uintptr, data []byte) error {
	if physAddr+uintptr(len(data)) > uintptr(len(m.ram)) {
		return &PageFault{Address: physAddr, OutsideRAM: true}
	}
	copy(m.ram[physAddr:], data)
	return nil
}

// ReadUint64 reads the 8 bytes at virtAddr, which must not cross a page
// boundary.
func (m *Machine) ReadUint64(virtAddr uintptr) (uint64, error) {
	physAddr, _, fault := m.access(virtAddr)
	if fault != nil {
		return 0, fault
	}
	return binary.LittleEndian.Uint64(m.ram[physAddr:]), nil
}

// WriteUint64 writes v at virtAddr. Writes to read-only pages fault.
func (m *Machine) WriteUint64(virtAddr uintptr, v uint64) error {
	physAddr, writable, fault := m.access(virtAddr)
	switch {
	case fault != nil:
		fault.Code |= FaultWrite
		return fault
	case !writable:
		return &PageFault{Address: virtAddr, Code: FaultProtection | FaultWrite, Level: 1}
	}
	binary.LittleEndian.PutUint64(m.ram[physAddr:], v)
	return nil
}

// Translate walks the page tables from CR3 without consulting or filling the
// TLB and returns the physical address virtAddr maps to.
func (m *Machine) Translate(virtAddr uintptr) (uintptr, error) {
	physAddr, _, _, fault := m.walk(virtAddr)
	if fault != nil {
		return 0, fault
	}
	return physAddr, nil
}

func (m *Machine) access(virtAddr uintptr) (uintptr, bool, *PageFault) {
	vpn := virtAddr >> mem.PageShift
	if entry, ok := m.tlb[vpn]; ok {
		m.stats.TLBHits++
		return entry.frameAddr | (virtAddr & pageMask), entry.writable, nil
	}

	m.stats.TLBMisses++
	physAddr, writable, global, fault := m.walk(virtAddr)
	if fault != nil {
		return 0, false, fault
	}

	m.tlb[vpn] = tlbEntry{frameAddr: physAddr &^ pageMask, writable: writable, global: global}
	return physAddr, writable, nil
}

// walk performs the 4-level translation. The returned writable flag is the
// AND of the RW bits along the walk.
func (m *Machine) walk(virtAddr uintptr) (uintptr, bool, bool, *PageFault) {
	if top := virtAddr >> 47; top != 0 && top != 0x1ffff {
		return 0, false, false, &PageFault{Address: virtAddr, Level: 4, NonCanonical: true}
	}

	var (
		tableAddr = m.cr3
		writable  = true
	)

	for level := 4; level >= 1; level-- {
		shift := uint(mem.PageShift + 9*(level-1))
		index := (virtAddr >> shift) & 0x1ff
		entryAddr := tableAddr + index*8

		if entryAddr+8 > uintptr(len(m.ram)) {
			return 0, false, false, &PageFault{Address: virtAddr, Level: level, OutsideRAM: true}
		}

		entry := binary.LittleEndian.Uint64(m.ram[entryAddr:])
		if entry&entryPresent == 0 {
			return 0, false, false, &PageFault{Address: virtAddr, Level: level}
		}
		writable = writable && entry&entryRW != 0

		isLeaf := level == 1
		if entry&entryHuge != 0 {
			if level == 4 {
				return 0, false, false, &PageFault{Address: virtAddr, Code: FaultReservedBit, Level: level}
			}
			isLeaf = true
		}

		if !isLeaf {
			tableAddr = uintptr(entry & entryAddrMask)
			continue
		}

		// Huge pages ignore the low translation bits but the frame
		// itself must be aligned to the page size.
		pageSpan := uintptr(1) << shift
		frameAddr := uintptr(entry & entryAddrMask)
		if frameAddr&(pageSpan-1) != 0 {
			return 0, false, false, &PageFault{Address: virtAddr, Code: FaultReservedBit, Level: level}
		}

		physAddr := frameAddr | (virtAddr & (pageSpan - 1))
		if physAddr >= uintptr(len(m.ram)) {
			return 0, false, false, &PageFault{Address: virtAddr, Level: level, OutsideRAM: true}
		}

		return physAddr, writable, entry&entryGlobal != 0, nil
	}

	// unreachable: level 1 is always a leaf
	return 0, false, false, &PageFault{Address: virtAddr}
}
