// Package loadertest builds small ELF images for tests.
package loadertest

import (
	"debug/elf"
	"encoding/binary"
)

type Segment struct {
	Type    elf.ProgType
	Flags   elf.ProgFlag
	VAddr   uint64
	PAddr   uint64
	Data    []byte
	MemSize uint64
	Align   uint64
}

type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
}

type Image struct {
	Machine  elf.Machine
	Entry    uint64
	Segments []Segment
	Sections []Section
}

// LoadSegment is a PT_LOAD segment with R|X flags whose MemSize equals the
// length of data.
func LoadSegment(paddr uint64, data []byte) Segment {
	return Segment{
		Type:    elf.PT_LOAD,
		Flags:   elf.PF_R | elf.PF_X,
		VAddr:   paddr,
		PAddr:   paddr,
		Data:    data,
		MemSize: uint64(len(data)),
		Align:   0x1000,
	}
}

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
)

// Build lays out an ELF64 little-endian executable: header, program headers,
// segment data, section data, string table and section headers.
func Build(img Image) []byte {
	le := binary.LittleEndian

	phoff := uint64(ehdrSize)
	off := phoff + uint64(len(img.Segments))*phdrSize

	segOffsets := make([]uint64, len(img.Segments))
	var body []byte
	for i, seg := range img.Segments {
		segOffsets[i] = off + uint64(len(body))
		body = append(body, seg.Data...)
	}

	secOffsets := make([]uint64, len(img.Sections))
	for i, sec := range img.Sections {
		secOffsets[i] = off + uint64(len(body))
		body = append(body, sec.Data...)
	}

	var shoff, shstrndx, shnum uint64
	var strtab []byte
	var nameOffsets []uint32
	if len(img.Sections) > 0 {
		strtab = []byte{0}
		for _, sec := range img.Sections {
			nameOffsets = append(nameOffsets, uint32(len(strtab)))
			strtab = append(strtab, sec.Name...)
			strtab = append(strtab, 0)
		}
		shstrtabName := uint32(len(strtab))
		strtab = append(strtab, ".shstrtab\x00"...)
		nameOffsets = append(nameOffsets, shstrtabName)

		strtabOff := off + uint64(len(body))
		body = append(body, strtab...)
		for len(body)%8 != 0 {
			body = append(body, 0)
		}

		shoff = off + uint64(len(body))
		shnum = uint64(len(img.Sections)) + 2
		shstrndx = shnum - 1

		sh := make([]byte, shnum*shdrSize)
		for i, sec := range img.Sections {
			b := sh[(i+1)*shdrSize:]
			le.PutUint32(b[0:], nameOffsets[i])
			le.PutUint32(b[4:], uint32(sec.Type))
			le.PutUint64(b[8:], uint64(sec.Flags))
			le.PutUint64(b[16:], sec.Addr)
			le.PutUint64(b[24:], secOffsets[i])
			le.PutUint64(b[32:], uint64(len(sec.Data)))
			le.PutUint64(b[48:], 1)
		}
		b := sh[shstrndx*shdrSize:]
		le.PutUint32(b[0:], nameOffsets[len(nameOffsets)-1])
		le.PutUint32(b[4:], uint32(elf.SHT_STRTAB))
		le.PutUint64(b[24:], strtabOff)
		le.PutUint64(b[32:], uint64(len(strtab)))
		le.PutUint64(b[48:], 1)

		body = append(body, sh...)
	}

	out := make([]byte, off, off+uint64(len(body)))

	copy(out, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(img.Machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[24:], img.Entry)
	if len(img.Segments) > 0 {
		le.PutUint64(out[32:], phoff)
	}
	le.PutUint64(out[40:], shoff)
	le.PutUint16(out[52:], ehdrSize)
	le.PutUint16(out[54:], phdrSize)
	le.PutUint16(out[56:], uint16(len(img.Segments)))
	le.PutUint16(out[58:], shdrSize)
	le.PutUint16(out[60:], uint16(shnum))
	le.PutUint16(out[62:], uint16(shstrndx))

	for i, seg := range img.Segments {
		b := out[phoff+uint64(i)*phdrSize:]
		le.PutUint32(b[0:], uint32(seg.Type))
		le.PutUint32(b[4:], uint32(seg.Flags))
		le.PutUint64(b[8:], segOffsets[i])
		le.PutUint64(b[16:], seg.VAddr)
		le.PutUint64(b[24:], seg.PAddr)
		le.PutUint64(b[32:], uint64(len(seg.Data)))
		le.PutUint64(b[40:], seg.MemSize)
		le.PutUint64(b[48:], seg.Align)
	}

	return append(out, body...)
}

// Build32 returns a minimal ELF32 header with no segments or sections.
func Build32(machine elf.Machine) []byte {
	le := binary.LittleEndian

	out := make([]byte, 52)
	copy(out, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS32), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint16(out[40:], 52)
	le.PutUint16(out[42:], 32)
	le.PutUint16(out[46:], 40)

	return out
}
