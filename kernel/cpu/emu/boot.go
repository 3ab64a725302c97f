package emu

import (
	"encoding/binary"

	"lambdaos/kernel/mem"
)

// BootPaging names the three frames a loader trampoline uses to enter long
// mode. They are expected to live inside the kernel image.
type BootPaging struct {
	P4, P3, P2 mem.PhysicalAddress
}

// InstallBootPaging builds the page tables a multiboot trampoline sets up
// before jumping to the kernel and loads them into CR3: the first GiB is
// identity mapped with 2M pages and the last P4 entry maps the P4 onto
// itself.
func (m *Machine) InstallBootPaging(tables BootPaging) error {
	for _, addr := range []mem.PhysicalAddress{tables.P4, tables.P3, tables.P2} {
		if addr.PageOffset() != 0 || uintptr(addr)+uintptr(mem.PageSize) > uintptr(len(m.ram)) {
			return &PageFault{Address: uintptr(addr), OutsideRAM: true}
		}
		clear(m.ram[addr : uintptr(addr)+uintptr(mem.PageSize)])
	}

	m.putEntry(tables.P4, 0, uint64(tables.P3)|entryPresent|entryRW)
	m.putEntry(tables.P4, 511, uint64(tables.P4)|entryPresent|entryRW)
	m.putEntry(tables.P3, 0, uint64(tables.P2)|entryPresent|entryRW)
	for i := uintptr(0); i < 512; i++ {
		m.putEntry(tables.P2, i, uint64(i*2*uintptr(mem.Mb))|entryPresent|entryRW|entryHuge)
	}

	m.SwitchPDT(uintptr(tables.P4))
	return nil
}

func (m *Machine) putEntry(table mem.PhysicalAddress, index uintptr, value uint64) {
	binary.LittleEndian.PutUint64(m.ram[uintptr(table)+index*8:], value)
}
