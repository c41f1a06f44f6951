// Package loader parses 64-bit ELF kernel images and picks the segments that
// get copied into guest memory.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"math"

	"github.com/tinyrange/minivmm/internal/hv"
)

// HighHalfMask covers the address bits a kernel uses for its high virtual
// mapping. Clearing them turns a linked address into a physical one.
const HighHalfMask uint64 = 0xffff800000000000

// PhysicalAddress strips the high-half bits from addr.
func PhysicalAddress(addr uint64) uint64 {
	return addr &^ HighHalfMask
}

type Section struct {
	Name     string
	Kind     elf.SectionType
	Flags    elf.SectionFlag
	Addr     uint64
	Size     uint64
	Align    uint64
	Offset   uint64
	FileSize uint64
}

func (s Section) Executable() bool {
	return s.Flags&elf.SHF_EXECINSTR != 0
}

type Segment struct {
	Type     elf.ProgType
	Flags    elf.ProgFlag
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// Target is the guest physical address the segment is loaded at.
func (s Segment) Target() uint64 {
	return PhysicalAddress(s.PAddr)
}

func (s Segment) String() string {
	return fmt.Sprintf("%s %s paddr=0x%x filesz=0x%x memsz=0x%x", s.Type, s.Flags, s.PAddr, s.FileSize, s.MemSize)
}

// Image is a parsed ELF64 file. It keeps the raw bytes so segment and
// section contents can be sliced out without copying.
type Image struct {
	Arch    hv.CpuArchitecture
	Machine elf.Machine
	Entry   uint64

	Sections []Section
	Segments []Segment

	data []byte
}

// Parse reads an ELF64 image. Anything that is not ELF, or is a 32-bit ELF,
// is an [hv.UnsupportedImageFormatError].
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &hv.UnsupportedImageFormatError{Reason: err.Error()}
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, &hv.UnsupportedImageFormatError{Reason: fmt.Sprintf("%s image, want %s", f.Class, elf.ELFCLASS64)}
	}

	img := &Image{
		Arch:    architectureOf(f.Machine),
		Machine: f.Machine,
		Entry:   f.Entry,
		data:    data,
	}

	for _, prog := range f.Progs {
		img.Segments = append(img.Segments, Segment{
			Type:     prog.Type,
			Flags:    prog.Flags,
			Offset:   prog.Off,
			VAddr:    prog.Vaddr,
			PAddr:    prog.Paddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Align:    prog.Align,
		})
	}

	for _, sec := range f.Sections {
		if sec.Type == elf.SHT_NULL {
			continue
		}
		fileSize := sec.FileSize
		if sec.Type == elf.SHT_NOBITS {
			fileSize = 0
		}
		img.Sections = append(img.Sections, Section{
			Name:     sec.Name,
			Kind:     sec.Type,
			Flags:    sec.Flags,
			Addr:     sec.Addr,
			Size:     sec.Size,
			Align:    sec.Addralign,
			Offset:   sec.Offset,
			FileSize: fileSize,
		})
	}

	for _, seg := range img.Loadable() {
		if seg.FileSize > seg.MemSize {
			return nil, &hv.UnsupportedImageFormatError{
				Reason: fmt.Sprintf("segment file size 0x%x exceeds mem size 0x%x", seg.FileSize, seg.MemSize),
			}
		}
		if _, err := img.slice(seg.Offset, seg.FileSize); err != nil {
			return nil, err
		}
	}

	return img, nil
}

func architectureOf(m elf.Machine) hv.CpuArchitecture {
	switch m {
	case elf.EM_X86_64:
		return hv.ArchitectureX86_64
	case elf.EM_AARCH64:
		return hv.ArchitectureARM64
	default:
		return hv.CpuArchitecture(m.String())
	}
}

// Loadable returns the PT_LOAD segments that are readable, writable or
// executable and occupy memory, in file order.
func (img *Image) Loadable() []Segment {
	var ret []Segment
	for _, seg := range img.Segments {
		if seg.Type != elf.PT_LOAD {
			continue
		}
		if seg.Flags&(elf.PF_R|elf.PF_W|elf.PF_X) == 0 {
			continue
		}
		if seg.MemSize == 0 {
			continue
		}
		ret = append(ret, seg)
	}
	return ret
}

// SegmentData returns the file bytes of seg. The slice aliases the image.
func (img *Image) SegmentData(seg Segment) ([]byte, error) {
	return img.slice(seg.Offset, seg.FileSize)
}

// Text returns the first executable section and its bytes.
func (img *Image) Text() (Section, []byte, error) {
	for _, sec := range img.Sections {
		if !sec.Executable() || sec.Kind != elf.SHT_PROGBITS {
			continue
		}
		data, err := img.slice(sec.Offset, sec.FileSize)
		if err != nil {
			return Section{}, nil, err
		}
		return sec, data, nil
	}
	return Section{}, nil, fmt.Errorf("loader: image has no executable section")
}

func (img *Image) slice(off, size uint64) ([]byte, error) {
	if off > math.MaxInt || size > math.MaxInt || off+size < off || off+size > uint64(len(img.data)) {
		return nil, &hv.UnsupportedImageFormatError{
			Reason: fmt.Sprintf("range [0x%x, 0x%x) outside image of 0x%x bytes", off, off+size, len(img.data)),
		}
	}
	return img.data[off : off+size], nil
}
