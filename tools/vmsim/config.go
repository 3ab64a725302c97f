package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"lambdaos/kernel/mem"
	"lambdaos/multiboot"
)

// MemRegion is an entry of the boot memory map.
type MemRegion struct {
	Start  uint64 `toml:"start" yaml:"start"`
	Length uint64 `toml:"length" yaml:"length"`
	Type   string `toml:"type" yaml:"type"`
}

// Section is a kernel image section listed in the boot record. Flags may
// contain "alloc", "write" and "exec".
type Section struct {
	Name    string   `toml:"name" yaml:"name"`
	Address uint64   `toml:"address" yaml:"address"`
	Size    uint64   `toml:"size" yaml:"size"`
	Flags   []string `toml:"flags" yaml:"flags"`
}

// BootPaging names the frames that hold the loader's page tables.
type BootPaging struct {
	P4 uint64 `toml:"p4" yaml:"p4"`
	P3 uint64 `toml:"p3" yaml:"p3"`
	P2 uint64 `toml:"p2" yaml:"p2"`
}

// Machine describes the emulated machine and the boot record handed to the
// kernel.
type Machine struct {
	RAMSize      uint64      `toml:"ram_size" yaml:"ram_size"`
	CmdLine      string      `toml:"cmdline" yaml:"cmdline"`
	BootInfoAddr uint64      `toml:"boot_info_addr" yaml:"boot_info_addr"`
	BootPaging   BootPaging  `toml:"boot_paging" yaml:"boot_paging"`
	Regions      []MemRegion `toml:"regions" yaml:"regions"`
	Sections     []Section   `toml:"sections" yaml:"sections"`
}

var (
	memRegionTypes = map[string]multiboot.MemoryEntryType{
		"available": multiboot.MemAvailable,
		"reserved":  multiboot.MemReserved,
		"acpi":      multiboot.MemAcpiReclaimable,
		"nvs":       multiboot.MemNvs,
	}

	sectionFlags = map[string]multiboot.ElfSectionFlag{
		"alloc": multiboot.ElfSectionAllocated,
		"write": multiboot.ElfSectionWritable,
		"exec":  multiboot.ElfSectionExecutable,
	}

	errUnknownFormat = errors.New("machine description must be a .toml, .yaml or .yml file")
)

// defaultMachine is a 32M machine with a small kernel loaded at 1M.
func defaultMachine() *Machine {
	return &Machine{
		RAMSize:      uint64(32 * mem.Mb),
		CmdLine:      "console=vga",
		BootInfoAddr: 0x190000,
		BootPaging:   BootPaging{P4: 0x170000, P3: 0x171000, P2: 0x172000},
		Regions: []MemRegion{
			{Start: 0, Length: 0x9fc00, Type: "available"},
			{Start: 0x9fc00, Length: 0x60400, Type: "reserved"},
			{Start: 0x100000, Length: uint64(31 * mem.Mb), Type: "available"},
		},
		Sections: []Section{
			{Name: ".text", Address: 0x100000, Size: 0x40000, Flags: []string{"alloc", "exec"}},
			{Name: ".rodata", Address: 0x140000, Size: 0x10000, Flags: []string{"alloc"}},
			{Name: ".data", Address: 0x150000, Size: 0x10000, Flags: []string{"alloc", "write"}},
			{Name: ".bss", Address: 0x160000, Size: 0x20000, Flags: []string{"alloc", "write"}},
		},
	}
}

// loadMachine reads a machine description. The format is picked by the file
// extension. An empty path selects the default machine.
func loadMachine(path string) (*Machine, error) {
	if path == "" {
		return defaultMachine(), nil
	}

	var m Machine
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err = yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	default:
		return nil, errUnknownFormat
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

func (m *Machine) validate() error {
	pageMask := uint64(mem.PageSize - 1)

	switch {
	case m.RAMSize == 0 || m.RAMSize&pageMask != 0:
		return fmt.Errorf("ram_size %#x is not a non-zero multiple of the page size", m.RAMSize)
	case m.BootInfoAddr%8 != 0 || m.BootInfoAddr >= m.RAMSize:
		return fmt.Errorf("boot_info_addr %#x must be 8-byte aligned and inside RAM", m.BootInfoAddr)
	}

	for _, addr := range []uint64{m.BootPaging.P4, m.BootPaging.P3, m.BootPaging.P2} {
		if addr&pageMask != 0 || addr+uint64(mem.PageSize) > m.RAMSize {
			return fmt.Errorf("boot page table at %#x must be page aligned and inside RAM", addr)
		}
	}

	for _, region := range m.Regions {
		if _, ok := memRegionTypes[region.Type]; !ok {
			return fmt.Errorf("memory region at %#x has unknown type %q", region.Start, region.Type)
		}
	}

	for _, sec := range m.Sections {
		if _, err := sec.elfFlags(); err != nil {
			return err
		}
	}

	return nil
}

func (sec Section) elfFlags() (multiboot.ElfSectionFlag, error) {
	var flags multiboot.ElfSectionFlag
	for _, name := range sec.Flags {
		flag, ok := sectionFlags[name]
		if !ok {
			return 0, fmt.Errorf("section %s has unknown flag %q", sec.Name, name)
		}
		flags |= flag
	}
	return flags, nil
}

// bootRecord encodes the multiboot record the loader hands to the kernel.
func (m *Machine) bootRecord() []byte {
	var b multiboot.Builder
	b.SetCmdLine(m.CmdLine)

	for _, region := range m.Regions {
		b.AddMemRegion(region.Start, region.Length, memRegionTypes[region.Type])
	}

	for _, sec := range m.Sections {
		flags, _ := sec.elfFlags()
		b.AddElfSection(multiboot.ElfSection{Name: sec.Name, Flags: flags, Address: sec.Address, Size: sec.Size})
	}

	return b.Build(uintptr(m.BootInfoAddr))
}
