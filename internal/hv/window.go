package hv

import "encoding/binary"

const tableEntrySize = 8

// TableWindow is a bounds-checked view of little-endian 64-bit entries in
// guest memory, used to build descriptor and page tables in place.
type TableWindow struct {
	gpa uint64
	buf []byte
}

// GPA returns the guest physical address of entry 0.
func (w TableWindow) GPA() uint64 { return w.gpa }

func (w TableWindow) Len() int { return len(w.buf) / tableEntrySize }

// Get panics if i is out of range, like a slice index.
func (w TableWindow) Get(i int) uint64 {
	return binary.LittleEndian.Uint64(w.buf[i*tableEntrySize : (i+1)*tableEntrySize])
}

// Set panics if i is out of range, like a slice index.
func (w TableWindow) Set(i int, v uint64) {
	binary.LittleEndian.PutUint64(w.buf[i*tableEntrySize:(i+1)*tableEntrySize], v)
}

func (w TableWindow) Clear() {
	clear(w.buf)
}
