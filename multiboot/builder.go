package multiboot

import "encoding/binary"

// elfSectionShStrTab is the ELF type of a string table section.
const elfSectionShStrTab = 3

// ElfSection describes a kernel image section for a Builder.
type ElfSection struct {
	Name    string
	Type    uint32
	Flags   ElfSectionFlag
	Address uint64
	Size    uint64
}

// Builder assembles multiboot2 information records. It is used by the
// emulated boot path to hand the kernel the same record a boot loader would.
type Builder struct {
	cmdLine  string
	regions  []MemoryMapEntry
	sections []ElfSection
}

// SetCmdLine sets the kernel command line.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	b.cmdLine = cmdLine
	return b
}

// AddMemRegion appends a memory map entry.
func (b *Builder) AddMemRegion(physAddr, length uint64, entryType MemoryEntryType) *Builder {
	b.regions = append(b.regions, MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: entryType})
	return b
}

// AddElfSection appends a kernel image section.
func (b *Builder) AddElfSection(sec ElfSection) *Builder {
	b.sections = append(b.sections, sec)
	return b
}

// Build encodes the record as it will appear when loaded at physAddr. The
// section name string table is embedded in the ELF tag so the record is self
// contained.
func (b *Builder) Build(physAddr uintptr) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, 0) // patched below
	buf = binary.LittleEndian.AppendUint32(buf, 0)

	buf = appendTag(buf, tagBootCmdLine, append([]byte(b.cmdLine), 0))

	mmap := make([]byte, 0, mmapHeaderSize+mmapEntrySize*len(b.regions))
	mmap = binary.LittleEndian.AppendUint32(mmap, mmapEntrySize)
	mmap = binary.LittleEndian.AppendUint32(mmap, 0)
	for _, region := range b.regions {
		mmap = binary.LittleEndian.AppendUint64(mmap, region.PhysAddress)
		mmap = binary.LittleEndian.AppendUint64(mmap, region.Length)
		mmap = binary.LittleEndian.AppendUint32(mmap, uint32(region.Type))
		mmap = binary.LittleEndian.AppendUint32(mmap, 0)
	}
	buf = appendTag(buf, tagMemoryMap, mmap)

	// Section 0 is the ELF null section and the string table goes last.
	var strtab = []byte{0}
	sections := make([]ElfSection, 0, len(b.sections)+2)
	sections = append(sections, ElfSection{})
	sections = append(sections, b.sections...)
	sections = append(sections, ElfSection{Name: ".shstrtab", Type: elfSectionShStrTab})

	nameIndex := make([]uint32, len(sections))
	for i, sec := range sections {
		if sec.Name == "" {
			continue
		}
		nameIndex[i] = uint32(len(strtab))
		strtab = append(strtab, sec.Name...)
		strtab = append(strtab, 0)
	}

	// The ELF tag contents start after the tag header; the string table
	// follows the section headers.
	strtabAddr := uint64(physAddr) + uint64(len(buf)) + tagHeaderSize + elfHeaderSize + uint64(len(sections)*elfSectionSize)
	sections[len(sections)-1].Address = strtabAddr
	sections[len(sections)-1].Size = uint64(len(strtab))

	elf := make([]byte, 0, elfHeaderSize+len(sections)*elfSectionSize+len(strtab))
	elf = binary.LittleEndian.AppendUint32(elf, uint32(len(sections)))
	elf = binary.LittleEndian.AppendUint32(elf, elfSectionSize)
	elf = binary.LittleEndian.AppendUint32(elf, uint32(len(sections)-1))
	for i, sec := range sections {
		elf = binary.LittleEndian.AppendUint32(elf, nameIndex[i])
		elf = binary.LittleEndian.AppendUint32(elf, sec.Type)
		elf = binary.LittleEndian.AppendUint64(elf, uint64(sec.Flags))
		elf = binary.LittleEndian.AppendUint64(elf, sec.Address)
		elf = binary.LittleEndian.AppendUint64(elf, 0) // offset
		elf = binary.LittleEndian.AppendUint64(elf, sec.Size)
		elf = binary.LittleEndian.AppendUint32(elf, 0) // link
		elf = binary.LittleEndian.AppendUint32(elf, 0) // info
		elf = binary.LittleEndian.AppendUint64(elf, 0) // alignment
		elf = binary.LittleEndian.AppendUint64(elf, 0) // entry size
	}
	elf = append(elf, strtab...)
	buf = appendTag(buf, tagElfSymbols, elf)

	buf = appendTag(buf, tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	return buf
}

// appendTag appends a tag header and its payload, padding the result to the
// next 8-byte boundary.
func appendTag(buf []byte, tag tagType, payload []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(tag))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(tagHeaderSize+len(payload)))
	buf = append(buf, payload...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}
