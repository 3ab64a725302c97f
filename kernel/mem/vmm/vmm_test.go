package vmm

import (
	"testing"

	"lambdaos/kernel"
	"lambdaos/kernel/cpu/emu"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
	"lambdaos/kernel/mem/pmm/allocator"
	"lambdaos/multiboot"
)

const (
	testRAMSize     = 8 * mem.Mb
	testInfoAddr    = uintptr(0x158000)
	testKernelStart = mem.PhysicalAddress(0x100000)
	testKernelEnd   = mem.PhysicalAddress(0x150000)
)

var (
	// The boot tables live in the kernel .bss section like they do for a
	// real multiboot trampoline.
	testBootPaging = emu.BootPaging{P4: 0x140000, P3: 0x141000, P2: 0x142000}

	testSections = []multiboot.ElfSection{
		{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: 0x100000, Size: 0x20000},
		{Name: ".rodata", Flags: multiboot.ElfSectionAllocated, Address: 0x120000, Size: 0x10000},
		{Name: ".data", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x130000, Size: 0x8000},
		{Name: ".bss", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x140000, Size: 0x10000},
		{Name: ".comment", Address: 0, Size: 0x40},
	}

	testMemMap = []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: uint64(testRAMSize) - 0x100000, Type: multiboot.MemAvailable},
	}
)

type testEnv struct {
	machine *emu.Machine
	info    *multiboot.Info
	area    *allocator.AreaFrameAllocator
	active  *ActivePageTable
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithSections(t, testSections)
}

func newTestEnvWithSections(t *testing.T, sections []multiboot.ElfSection) *testEnv {
	t.Helper()

	machine, err := emu.NewMachine(testRAMSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = machine.Close() })

	if err = machine.InstallBootPaging(testBootPaging); err != nil {
		t.Fatal(err)
	}

	builder := (&multiboot.Builder{}).SetCmdLine("console=vga")
	for _, region := range testMemMap {
		builder.AddMemRegion(region.PhysAddress, region.Length, region.Type)
	}
	for _, sec := range sections {
		builder.AddElfSection(sec)
	}
	if err = machine.LoadPhys(testInfoAddr, builder.Build(testInfoAddr)); err != nil {
		t.Fatal(err)
	}

	info, kerr := multiboot.NewInfo(testInfoAddr, machine.PhysToPtr)
	if kerr != nil {
		t.Fatal(kerr)
	}

	return &testEnv{
		machine: machine,
		info:    info,
		area: allocator.NewAreaFrameAllocator(
			testMemMap,
			testKernelStart, testKernelEnd,
			mem.PhysicalAddress(info.StartAddress()), mem.PhysicalAddress(info.EndAddress()),
		),
		active: NewActivePageTable(machine),
	}
}

func (env *testEnv) allocFrame(t *testing.T) pmm.Frame {
	t.Helper()
	frame, err := pmm.AllocFrame(env.area)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

// expectPanic runs fn and checks that it panics with exp.
func expectPanic(t *testing.T, exp *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		if got := recover(); got != exp {
			t.Fatalf("expected to panic with %v; got %v", exp, got)
		}
	}()
	fn()
}

// exhaustedAllocator fails every allocation.
type exhaustedAllocator struct{}

var errTestOutOfMemory = &kernel.Error{Module: "test", Message: "out of memory"}

func (exhaustedAllocator) AllocFrames(uint) (pmm.Frame, *kernel.Error) {
	return pmm.InvalidFrame, errTestOutOfMemory
}
