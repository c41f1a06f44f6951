// Package amd64 builds the long mode starting state of an x86-64 guest: the
// GDT, the TSS descriptor, an identity mapped page table hierarchy and the
// control registers that enable them.
package amd64

import (
	"fmt"

	"github.com/tinyrange/minivmm/internal/hv"
)

// Fixed guest physical locations of the boot tables. They must all lie in
// the span that starts at GPA 0.
const (
	GDTOffset  uint64 = 0x2000
	TSSOffset  uint64 = 0x3000
	PML4Offset uint64 = 0x4000
	PDPTOffset uint64 = 0x5000
	PDOffset   uint64 = 0x6000

	bootTablesEnd = PDOffset + PageSize
)

const (
	PageSize      = 0x1000
	LargePageSize = 0x200000
	PageShift     = 12

	tableEntries = PageSize / 8
	gdtEntries   = 16
	gdtLimit     = gdtEntries*8 - 1
	tssLimit     = 0x67
)

const (
	CodeSelector uint16 = 2 << 3
	DataSelector uint16 = 3 << 3
	LDTSelector  uint16 = 6 << 3
	TSSSelector  uint16 = 8 << 3
)

// CR0 bits
const (
	CR0PE = 1
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31
)

// CR4 bits
const (
	CR4VME     = 1
	CR4PVI     = 1 << 1
	CR4TSD     = 1 << 2
	CR4DE      = 1 << 3
	CR4PSE     = 1 << 4
	CR4PAE     = 1 << 5
	CR4MCE     = 1 << 6
	CR4PGE     = 1 << 7
	CR4PCE     = 1 << 8
	CR4OSFXSR  = 1 << 9
	CR4VMXE    = 1 << 13
	CR4OSXSAVE = 1 << 18
)

// EFER bits
const (
	EFERSCE = 1
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11
)

// Page table entry flags.
const (
	PagePresent  = 1 << 0
	PageWritable = 1 << 1
	PageUser     = 1 << 2
	PageSize2M   = 1 << 7 // in a PD entry: maps a 2MiB page
)

const (
	MSRIA32PAT = 0x00000277
	// PATDefault is the power-on value of IA32_PAT: WB, WT, UC-, UC twice.
	PATDefault = 0x0007040600070406
)

type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

type MSR struct {
	Index uint32
	Value uint64
}

// BootState is the complete privileged register state for entering the guest
// in 64-bit mode. Backends translate it into their own register structures.
type BootState struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DescriptorTable

	CR0, CR3, CR4, EFER uint64

	MSRs []MSR
}

// NewBootState returns the register state for a flat 64-bit environment
// using the tables at the fixed offsets. It does not touch guest memory.
func NewBootState() BootState {
	code := Segment{
		Selector: CodeSelector,
		Type:     SegmentTypeCodeExecuteRead,
		Limit:    0xfffff,
		Present:  true,
		S:        true,
		L:        true,
		G:        true,
	}
	data := Segment{
		Selector: DataSelector,
		Type:     SegmentTypeDataReadWrite,
		Limit:    0xfffff,
		Present:  true,
		S:        true,
		DB:       true,
		G:        true,
	}

	return BootState{
		CS: code,
		DS: data,
		ES: data,
		FS: data,
		GS: data,
		SS: data,
		LDT: Segment{
			Selector: LDTSelector,
			Type:     SystemTypeLDT,
			Present:  true,
		},
		TR: Segment{
			Selector: TSSSelector,
			Type:     SystemTypeTSSBusy,
			Base:     TSSOffset,
			Limit:    tssLimit,
			Present:  true,
		},
		GDT: DescriptorTable{Base: GDTOffset, Limit: gdtLimit},

		CR0:  CR0PE | CR0PG,
		CR3:  (PML4Offset >> PageShift) << PageShift,
		CR4:  CR4PAE,
		EFER: EFERLMA | EFERLME | EFERNXE | EFERSCE,

		MSRs: []MSR{{Index: MSRIA32PAT, Value: PATDefault}},
	}
}

// Setup writes the GDT and the page tables for state into guest memory and
// returns the register state to apply.
func Setup(mem *hv.GuestMemory) (BootState, error) {
	if err := mem.CheckRange(0, bootTablesEnd); err != nil {
		return BootState{}, fmt.Errorf("amd64: boot tables need one span covering [0, 0x%x): %w", bootTablesEnd, err)
	}

	state := NewBootState()

	if err := InstallGDT(mem, state); err != nil {
		return BootState{}, err
	}
	if err := InstallPageTables(mem); err != nil {
		return BootState{}, err
	}

	return state, nil
}

// InstallGDT writes the code, stack and TSS descriptors of state into the
// GDT. The LDT is only referenced through LDTR.
func InstallGDT(mem *hv.GuestMemory, state BootState) error {
	gdt, err := mem.Window(state.GDT.Base, gdtEntries)
	if err != nil {
		return fmt.Errorf("amd64: GDT window: %w", err)
	}

	gdt.Clear()

	cs := state.CS.Descriptor()
	ss := state.SS.Descriptor()
	tss := state.TR.Descriptor()

	gdt.Set(state.CS.Index(), cs[0])
	gdt.Set(state.SS.Index(), ss[0])
	gdt.Set(state.TR.Index(), tss[0])
	gdt.Set(state.TR.Index()+1, tss[1])

	return nil
}

// InstallPageTables builds PML4 -> PDPT -> PD with every PD entry mapping a
// 2MiB page onto itself, covering the first GiB.
func InstallPageTables(mem *hv.GuestMemory) error {
	pml4, err := mem.Window(PML4Offset, tableEntries)
	if err != nil {
		return fmt.Errorf("amd64: PML4 window: %w", err)
	}
	pdpt, err := mem.Window(PDPTOffset, tableEntries)
	if err != nil {
		return fmt.Errorf("amd64: PDPT window: %w", err)
	}
	pd, err := mem.Window(PDOffset, tableEntries)
	if err != nil {
		return fmt.Errorf("amd64: PD window: %w", err)
	}

	pml4.Clear()
	pdpt.Clear()

	pml4.Set(0, PDPTOffset|PagePresent|PageWritable)
	pdpt.Set(0, PDOffset|PagePresent|PageWritable)

	for i := range tableEntries {
		pd.Set(i, uint64(i)*LargePageSize|PagePresent|PageWritable|PageSize2M)
	}

	return nil
}
