package hv

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// GPASpan requests backing memory for [Start, Start+Size) of the guest
// physical address space.
type GPASpan struct {
	Start uint64
	Size  uint64
}

func (s GPASpan) End() uint64 { return s.Start + s.Size }

func (s GPASpan) Contains(gpa uint64) bool {
	return gpa >= s.Start && gpa < s.End()
}

func (s GPASpan) Overlaps(o GPASpan) bool {
	return s.Start < o.End() && o.Start < s.End()
}

func (s GPASpan) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", s.Start, s.End())
}

// MappedGPA is one backing region of guest memory.
type MappedGPA struct {
	Host []byte
	GPA  uint64
	Size uint64
}

func (m MappedGPA) Span() GPASpan { return GPASpan{Start: m.GPA, Size: m.Size} }

// Allocator provides host memory for guest spans.
type Allocator interface {
	Allocate(size uint64) ([]byte, error)
	Release(mem []byte) error
}

// HeapAllocator backs guest memory with ordinary Go slices. It is enough for
// tests and for hosts without a hypervisor.
type HeapAllocator struct{}

func (HeapAllocator) Allocate(size uint64) ([]byte, error) {
	if size > uint64(maxInt) {
		return nil, fmt.Errorf("allocate memory: size %d exceeds host address limit", size)
	}
	return make([]byte, size), nil
}

func (HeapAllocator) Release(mem []byte) error { return nil }

const maxInt = int(^uint(0) >> 1)

// GuestMemory is the ordered set of spans backing a guest. Spans never
// overlap and are never resized after construction.
type GuestMemory struct {
	mu     sync.RWMutex
	alloc  Allocator
	spans  []MappedGPA
	closed bool
}

// NewGuestMemory allocates one backing region per span. A nil allocator
// selects DefaultAllocator.
func NewGuestMemory(spans []GPASpan, alloc Allocator) (*GuestMemory, error) {
	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: no spans", ErrInvalidSpan)
	}
	if alloc == nil {
		alloc = DefaultAllocator()
	}

	sorted := slices.Clone(spans)
	slices.SortFunc(sorted, func(a, b GPASpan) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	for i, span := range sorted {
		if span.Size == 0 {
			return nil, fmt.Errorf("%w: span at 0x%x has zero size", ErrInvalidSpan, span.Start)
		}
		if span.End() < span.Start {
			return nil, fmt.Errorf("%w: span %s wraps the address space", ErrInvalidSpan, span)
		}
		if i > 0 && sorted[i-1].Overlaps(span) {
			return nil, &OverlappingSpanError{First: sorted[i-1], Second: span}
		}
	}

	mem := &GuestMemory{alloc: alloc}
	for _, span := range sorted {
		host, err := alloc.Allocate(span.Size)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("allocate span %s: %w", span, err)
		}
		mem.spans = append(mem.spans, MappedGPA{Host: host, GPA: span.Start, Size: span.Size})
	}

	return mem, nil
}

// lookup returns the host bytes backing [gpa, gpa+size). The caller holds mu.
func (m *GuestMemory) lookup(op string, gpa, size uint64) ([]byte, error) {
	if m.closed {
		return nil, fmt.Errorf("%s: guest memory closed", op)
	}

	for _, span := range m.spans {
		if !span.Span().Contains(gpa) {
			continue
		}
		off := gpa - span.GPA
		if size > span.Size-off {
			break
		}
		return span.Host[off : off+size : off+size], nil
	}

	return nil, &InvalidGuestAddressError{Op: op, GPA: gpa, Size: size}
}

// Write copies b into guest memory at gpa. Nothing is written unless the
// whole range lies in one span.
func (m *GuestMemory) Write(gpa uint64, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst, err := m.lookup("write", gpa, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Read returns a copy of size bytes of guest memory at gpa.
func (m *GuestMemory) Read(gpa uint64, size uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src, err := m.lookup("read", gpa, size)
	if err != nil {
		return nil, err
	}
	return slices.Clone(src), nil
}

// Zero clears [gpa, gpa+size).
func (m *GuestMemory) Zero(gpa uint64, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst, err := m.lookup("zero", gpa, size)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}

// CheckRange reports whether [gpa, gpa+size) lies inside a single span.
func (m *GuestMemory) CheckRange(gpa uint64, size uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, err := m.lookup("access", gpa, size)
	return err
}

func (m *GuestMemory) IsGPAValid(gpa uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}
	for _, span := range m.spans {
		if span.Span().Contains(gpa) {
			return true
		}
	}
	return false
}

// Window returns a view of entries 64-bit table entries starting at gpa.
// Only the lookup is locked: the view aliases guest memory after Window
// returns, so it is for single-threaded boot setup before the vCPU runs.
func (m *GuestMemory) Window(gpa uint64, entries int) (TableWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entries < 0 {
		return TableWindow{}, fmt.Errorf("window: negative entry count %d", entries)
	}
	buf, err := m.lookup("window", gpa, uint64(entries)*tableEntrySize)
	if err != nil {
		return TableWindow{}, err
	}
	return TableWindow{gpa: gpa, buf: buf}, nil
}

// Spans returns the backing regions in address order. The host slices are
// shared with the guest.
func (m *GuestMemory) Spans() []MappedGPA {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.spans)
}

func (m *GuestMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for _, span := range m.spans {
		if err := m.alloc.Release(span.Host); err != nil {
			errs = append(errs, fmt.Errorf("release span %s: %w", span.Span(), err))
		}
	}
	m.spans = nil

	return errors.Join(errs...)
}
