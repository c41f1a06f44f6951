package amd64

// Segment holds the fields of a segment register in the layout the
// hypervisor register interfaces use.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	DPL      uint8
	Present  bool
	S        bool // code/data (true) or system (false)
	L        bool // 64-bit code
	DB       bool
	G        bool // 4KiB limit granularity
	AVL      bool
}

// Code and data segment types with the accessed bit set.
const (
	SegmentTypeDataReadWrite   = 3
	SegmentTypeCodeExecuteRead = 11
)

// System descriptor types in long mode.
const (
	SystemTypeLDT     = 2
	SystemTypeTSSFree = 9
	SystemTypeTSSBusy = 11
)

func bit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Descriptor encodes s as a GDT entry. The second word holds base bits 32-63
// and is only meaningful for system segments, which take two slots.
func (s Segment) Descriptor() [2]uint64 {
	limit := uint64(s.Limit)

	lo := limit&0xffff |
		(s.Base&0xffff)<<16 |
		((s.Base>>16)&0xff)<<32 |
		uint64(s.Type&0xf)<<40 |
		bit(s.S)<<44 |
		uint64(s.DPL&0x3)<<45 |
		bit(s.Present)<<47 |
		((limit>>16)&0xf)<<48 |
		bit(s.AVL)<<52 |
		bit(s.L)<<53 |
		bit(s.DB)<<54 |
		bit(s.G)<<55 |
		((s.Base>>24)&0xff)<<56

	var hi uint64
	if !s.S {
		hi = s.Base >> 32
	}

	return [2]uint64{lo, hi}
}

// Index returns the GDT slot the selector refers to.
func (s Segment) Index() int {
	return int(s.Selector >> 3)
}
