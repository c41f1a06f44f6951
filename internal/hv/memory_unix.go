//go:build linux || darwin

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AnonymousAllocator maps zero-filled shared anonymous memory that is not
// charged against swap until touched.
type AnonymousAllocator struct{}

func (AnonymousAllocator) Allocate(size uint64) ([]byte, error) {
	if size > uint64(maxInt) {
		return nil, fmt.Errorf("allocate memory: size %d exceeds host address limit", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_SHARED|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	return mem, nil
}

func (AnonymousAllocator) Release(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap guest memory: %w", err)
	}
	return nil
}

func DefaultAllocator() Allocator { return AnonymousAllocator{} }
