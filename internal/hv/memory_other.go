//go:build !linux && !darwin

package hv

func DefaultAllocator() Allocator { return HeapAllocator{} }
