package hv

import (
	"errors"
	"fmt"
)

// Configuration errors. The typed errors below match these with errors.Is so
// callers can decide which ones are fatal.
var (
	ErrInvalidGuestAddress    = errors.New("invalid guest address")
	ErrUnsupportedImageFormat = errors.New("unsupported image format")
	ErrArchitectureMismatch   = errors.New("architecture mismatch")
	ErrOverlappingSpans       = errors.New("overlapping guest memory spans")
	ErrInvalidSpan            = errors.New("invalid guest memory span")
)

// InvalidGuestAddressError reports an access that is not fully contained in a
// single guest memory span.
type InvalidGuestAddressError struct {
	Op   string
	GPA  uint64
	Size uint64
}

func (e *InvalidGuestAddressError) Error() string {
	return fmt.Sprintf("%s [0x%x, 0x%x): %s", e.Op, e.GPA, e.GPA+e.Size, ErrInvalidGuestAddress)
}

func (e *InvalidGuestAddressError) Is(target error) bool {
	return target == ErrInvalidGuestAddress
}

type UnsupportedImageFormatError struct {
	Reason string
}

func (e *UnsupportedImageFormatError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnsupportedImageFormat, e.Reason)
}

func (e *UnsupportedImageFormatError) Is(target error) bool {
	return target == ErrUnsupportedImageFormat
}

type ArchitectureMismatchError struct {
	Image CpuArchitecture
	Host  CpuArchitecture
}

func (e *ArchitectureMismatchError) Error() string {
	return fmt.Sprintf("%s: image is %s, host is %s", ErrArchitectureMismatch, e.Image, e.Host)
}

func (e *ArchitectureMismatchError) Is(target error) bool {
	return target == ErrArchitectureMismatch
}

type OverlappingSpanError struct {
	First  GPASpan
	Second GPASpan
}

func (e *OverlappingSpanError) Error() string {
	return fmt.Sprintf("%s: %s overlaps %s", ErrOverlappingSpans, e.First, e.Second)
}

func (e *OverlappingSpanError) Is(target error) bool {
	return target == ErrOverlappingSpans
}
