package vmm

import (
	"lambdaos/kernel"
	"lambdaos/kernel/cpu"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
	"lambdaos/multiboot"
)

var (
	errUnalignedSection = &kernel.Error{Module: "vmm", Message: "kernel section is not page aligned"}
)

// RemapKernel builds a new page table hierarchy that identity maps the
// kernel image sections with their ELF permissions, the VGA text buffer and
// the multiboot record, and switches to it. The page that used to hold the
// boot P4 is left unmapped and returned as a guard page.
func RemapKernel(mmu cpu.MMU, alloc pmm.FrameAllocator, info *multiboot.Info) (*ActivePageTable, Page, *kernel.Error) {
	var (
		active = NewActivePageTable(mmu)
		tmp    = DefaultTemporaryPage()
	)

	frame, err := pmm.AllocFrame(alloc)
	if err != nil {
		return nil, 0, err
	}

	newTable, err := NewInactivePageTable(frame, active, tmp, alloc)
	if err != nil {
		return nil, 0, err
	}

	err = active.With(newTable, tmp, alloc, func(m *Mapper) *kernel.Error {
		if err := mapKernelSections(m, alloc, info); err != nil {
			return err
		}

		if err := m.IdentityMap(pmm.FrameFromAddress(vgaTextBufferAddr), FlagRW, alloc); err != nil {
			return err
		}

		bootInfo := pmm.FrameRange{
			First: pmm.FrameFromAddress(mem.PhysicalAddress(info.StartAddress())),
			Last:  pmm.FrameFromAddress(mem.PhysicalAddress(info.EndAddress() - 1)),
		}
		return m.IdentityMapRange(bootInfo, FlagPresent, alloc)
	})
	if err != nil {
		return nil, 0, err
	}

	oldTable := active.Switch(newTable)
	kfmt.Printf("[vmm] switched to new page table at 0x%16x\n", uintptr(newTable.frame.Address()))

	// The boot P4 lives inside the kernel image so its page is mapped in
	// the new table. Leaving it unmapped turns it into a guard page.
	guard := PageFromAddress(mem.VirtualAddress(oldTable.frame.Address()))
	if _, err := active.TranslatePage(guard); err == nil {
		active.unmap(guard, alloc, false)
	}
	kfmt.Printf("[vmm] guard page at 0x%16x\n", uintptr(guard.Address()))

	return active, guard, nil
}

func mapKernelSections(m *Mapper, alloc pmm.FrameAllocator, info *multiboot.Info) *kernel.Error {
	var err *kernel.Error

	info.VisitElfSections(func(name string, flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if err != nil || flags&multiboot.ElfSectionAllocated == 0 {
			return
		}

		if mem.PhysicalAddress(address).PageOffset() != 0 {
			kfmt.Printf("[vmm] section %s at 0x%16x is not page aligned\n", name, address)
			panic(errUnalignedSection)
		}

		frames := pmm.FrameRange{
			First: pmm.FrameFromAddress(mem.PhysicalAddress(address)),
			Last:  pmm.FrameFromAddress(mem.PhysicalAddress(address + uintptr(size) - 1)),
		}
		err = m.IdentityMapRange(frames, FlagsFromElfSection(flags), alloc)
	})

	return err
}
