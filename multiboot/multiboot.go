// Package multiboot decodes the multiboot2 boot information record handed
// to the kernel by the boot loader.
package multiboot

import (
	"encoding/binary"
	"strings"
	"unsafe"

	"lambdaos/kernel"
)

var (
	errInvalidInfo        = &kernel.Error{Module: "multiboot", Message: "malformed multiboot info header"}
	errMissingMemoryMap   = &kernel.Error{Module: "multiboot", Message: "boot loader did not provide a memory map"}
	errMissingElfSections = &kernel.Error{Module: "multiboot", Message: "boot loader did not provide the kernel ELF sections"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	infoHeaderSize = 8
	tagHeaderSize  = 8
	mmapHeaderSize = 8
	mmapEntrySize  = 24

	// elfHeaderSize covers the section count, the section entry size and
	// the string table index that precede the section headers.
	elfHeaderSize  = 12
	elfSectionSize = 64
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor defines a visitor function that gets invoked by
// VisitElfSections for each ELF section that belongs to the loaded kernel
// image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// PhysToPtrFn returns a pointer through which physical memory at the given
// address can be read.
type PhysToPtrFn func(physAddr uintptr) unsafe.Pointer

// IdentityPhysToPtr accesses physical memory through an identical virtual
// address. This holds while the boot loader's identity mapping is active and
// after the kernel remaps the boot record.
func IdentityPhysToPtr(physAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(physAddr) //nolint:govet
}

// Info provides access to a multiboot2 information record.
type Info struct {
	physAddr  uintptr
	totalSize uint32
	physToPtr PhysToPtrFn
	cmdLineKV map[string]string
}

// NewInfo validates the multiboot record at physAddr and returns an Info for
// it. The record must carry a memory map and the kernel ELF sections; the
// memory manager cannot be initialized without them.
func NewInfo(physAddr uintptr, physToPtr PhysToPtrFn) (*Info, *kernel.Error) {
	if physAddr&7 != 0 {
		return nil, errInvalidInfo
	}

	info := &Info{physAddr: physAddr, physToPtr: physToPtr}
	info.totalSize = info.readUint32(physAddr)
	if info.totalSize < infoHeaderSize+tagHeaderSize {
		return nil, errInvalidInfo
	}

	if _, size := info.findTagByType(tagMemoryMap); size == 0 {
		return nil, errMissingMemoryMap
	}

	if _, size := info.findTagByType(tagElfSymbols); size == 0 {
		return nil, errMissingElfSections
	}

	return info, nil
}

// StartAddress returns the physical address of the first byte of the record.
func (info *Info) StartAddress() uintptr {
	return info.physAddr
}

// EndAddress returns the physical address one past the last byte of the
// record.
func (info *Info) EndAddress() uintptr {
	return info.physAddr + uintptr(info.totalSize)
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// Entries with an unknown type are reported as MemReserved.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := info.findTagByType(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	var (
		entrySize = uintptr(info.readUint32(curPtr))
		endPtr    = curPtr + uintptr(size)
		entry     MemoryMapEntry
	)

	if entrySize < mmapEntrySize {
		return
	}

	for curPtr += mmapHeaderSize; curPtr+mmapEntrySize <= endPtr; curPtr += entrySize {
		raw := info.bytes(curPtr, mmapEntrySize)
		entry.PhysAddress = binary.LittleEndian.Uint64(raw[0:])
		entry.Length = binary.LittleEndian.Uint64(raw[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(raw[16:]))

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitElfSections invokes visitor for each non-empty ELF section that
// belongs to the loaded kernel image.
func (info *Info) VisitElfSections(visitor ElfSectionVisitor) {
	curPtr, size := info.findTagByType(tagElfSymbols)
	if size < elfHeaderSize {
		return
	}

	var (
		hdr          = info.bytes(curPtr, elfHeaderSize)
		numSections  = uintptr(binary.LittleEndian.Uint32(hdr[0:]))
		sectionSize  = uintptr(binary.LittleEndian.Uint32(hdr[4:]))
		strtabIndex  = uintptr(binary.LittleEndian.Uint32(hdr[8:]))
		sectionsPtr  = curPtr + elfHeaderSize
		strtabAddr   uintptr
		haveStrtab   bool
		sectionsSize = numSections * sectionSize
	)

	if sectionSize < elfSectionSize || sectionsSize > uintptr(size)-elfHeaderSize {
		return
	}

	if strtabIndex < numSections {
		strtab := info.bytes(sectionsPtr+strtabIndex*sectionSize, elfSectionSize)
		strtabAddr = uintptr(binary.LittleEndian.Uint64(strtab[16:]))
		haveStrtab = true
	}

	for index := uintptr(0); index < numSections; index++ {
		sec := info.bytes(sectionsPtr+index*sectionSize, elfSectionSize)
		nameIndex := uintptr(binary.LittleEndian.Uint32(sec[0:]))
		flags := ElfSectionFlag(binary.LittleEndian.Uint64(sec[8:]))
		address := uintptr(binary.LittleEndian.Uint64(sec[16:]))
		secSize := binary.LittleEndian.Uint64(sec[32:])

		if secSize == 0 {
			continue
		}

		var name string
		if haveStrtab {
			name = info.cString(strtabAddr + nameIndex)
		}

		visitor(name, flags, address, secSize)
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Flags without a value map to themselves.
func (info *Info) GetBootCmdLine() map[string]string {
	if info.cmdLineKV != nil {
		return info.cmdLineKV
	}

	info.cmdLineKV = make(map[string]string)

	curPtr, size := info.findTagByType(tagBootCmdLine)
	if size == 0 {
		return info.cmdLineKV
	}

	for _, pair := range strings.Fields(info.cString(curPtr)) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			info.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			info.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return info.cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the physical address of the tag contents and the
// content length excluding the tag header.
//
// If the tag is not present in the multiboot info, findTagByType returns
// (0,0).
func (info *Info) findTagByType(wanted tagType) (uintptr, uint32) {
	var (
		curPtr = info.physAddr + infoHeaderSize
		endPtr = info.EndAddress()
	)

	for curPtr+tagHeaderSize <= endPtr {
		hdr := info.bytes(curPtr, tagHeaderSize)
		tag := tagType(binary.LittleEndian.Uint32(hdr[0:]))
		size := binary.LittleEndian.Uint32(hdr[4:])

		if tag == tagMbSectionEnd || size < tagHeaderSize || curPtr+uintptr(size) > endPtr {
			break
		}

		if tag == wanted {
			return curPtr + tagHeaderSize, size - tagHeaderSize
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr((size + 7) &^ 7)
	}

	return 0, 0
}

func (info *Info) bytes(physAddr, n uintptr) []byte {
	return unsafe.Slice((*byte)(info.physToPtr(physAddr)), n)
}

func (info *Info) readUint32(physAddr uintptr) uint32 {
	return binary.LittleEndian.Uint32(info.bytes(physAddr, 4))
}

// cString returns the NUL-terminated string starting at physAddr.
func (info *Info) cString(physAddr uintptr) string {
	end := physAddr
	for *(*byte)(info.physToPtr(end)) != 0 {
		end++
	}

	if end == physAddr {
		return ""
	}
	return unsafe.String((*byte)(info.physToPtr(physAddr)), int(end-physAddr))
}
