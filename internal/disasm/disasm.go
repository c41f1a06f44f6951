// Package disasm renders guest instruction bytes as text for diagnostics.
package disasm

import (
	"encoding/binary"
	"fmt"
	"iter"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/minivmm/internal/hv"
)

type Instruction struct {
	Addr  uint64
	Bytes []byte
	Text  string
	// Valid is false when the bytes did not decode. Text then holds a
	// placeholder and decoding resumes after Bytes.
	Valid bool
}

func (i Instruction) String() string {
	return fmt.Sprintf("0x%x: % x\t%s", i.Addr, i.Bytes, i.Text)
}

// Decode walks code as instructions of arch starting at addr. The sequence
// can be ranged over any number of times.
func Decode(arch hv.CpuArchitecture, code []byte, addr uint64) iter.Seq[Instruction] {
	return func(yield func(Instruction) bool) {
		off := 0
		for off < len(code) {
			var inst Instruction
			switch arch {
			case hv.ArchitectureX86_64:
				inst = decodeX86(code[off:], addr+uint64(off))
			case hv.ArchitectureARM64:
				inst = decodeARM64(code[off:], addr+uint64(off))
			default:
				inst = Instruction{Addr: addr + uint64(off), Bytes: code[off:], Text: fmt.Sprintf("(%s)", arch)}
			}

			if !yield(inst) {
				return
			}
			off += len(inst.Bytes)
		}
	}
}

// Lines formats up to max instructions, or all of them when max <= 0.
func Lines(arch hv.CpuArchitecture, code []byte, addr uint64, max int) []string {
	var ret []string
	for inst := range Decode(arch, code, addr) {
		if max > 0 && len(ret) == max {
			break
		}
		ret = append(ret, inst.String())
	}
	return ret
}

func decodeX86(src []byte, pc uint64) Instruction {
	inst, err := x86asm.Decode(src, 64)
	if err != nil || inst.Len == 0 {
		return Instruction{Addr: pc, Bytes: src[:1], Text: "(bad)"}
	}
	return Instruction{
		Addr:  pc,
		Bytes: src[:inst.Len],
		Text:  x86asm.GNUSyntax(inst, pc, nil),
		Valid: true,
	}
}

func decodeARM64(src []byte, pc uint64) Instruction {
	if len(src) < 4 {
		return Instruction{Addr: pc, Bytes: src, Text: "(short)"}
	}
	word := binary.LittleEndian.Uint32(src)
	if text, ok := exceptionCall(word); ok {
		return Instruction{Addr: pc, Bytes: src[:4], Text: text, Valid: true}
	}
	inst, err := arm64asm.Decode(src[:4])
	if err != nil {
		return Instruction{Addr: pc, Bytes: src[:4], Text: fmt.Sprintf(".inst 0x%08x", word)}
	}
	return Instruction{
		Addr:  pc,
		Bytes: src[:4],
		Text:  arm64asm.GNUSyntax(inst),
		Valid: true,
	}
}

// exceptionCall renders the svc, hvc and smc encodings, which arm64asm does
// not decode consistently.
func exceptionCall(word uint32) (string, bool) {
	var name string
	switch word & 0xffe0001f {
	case 0xd4000001:
		name = "svc"
	case 0xd4000002:
		name = "hvc"
	case 0xd4000003:
		name = "smc"
	default:
		return "", false
	}
	return fmt.Sprintf("%s #0x%x", name, (word>>5)&0xffff), true
}
