package vmm

import (
	"github.com/tinyrange/minivmm/internal/hv"
)

// Option configures a VirtualMachine.
type Option interface {
	IsOption()
}

// WithZeroBSS clears the part of each ELF segment beyond its file contents.
// Without it that memory keeps whatever it held before loading.
func WithZeroBSS(enabled bool) Option {
	return &zeroBSSOption{enabled: enabled}
}

type zeroBSSOption struct{ enabled bool }

func (*zeroBSSOption) IsOption()       {}
func (o *zeroBSSOption) ZeroBSS() bool { return o.enabled }

// WithDevice registers an x86 port I/O device. Run offers it the I/O exits on
// its ports.
func WithDevice(dev hv.X86IOPortDevice) Option {
	return &deviceOption{dev: dev}
}

type deviceOption struct{ dev hv.X86IOPortDevice }

func (*deviceOption) IsOption()                         {}
func (o *deviceOption) IOPortDevice() hv.X86IOPortDevice { return o.dev }

// WithDisassembly logs the guest instructions at the instruction pointer
// before every resume, and the text section of loaded ELF images.
func WithDisassembly(enabled bool) Option {
	return &disassemblyOption{enabled: enabled}
}

type disassemblyOption struct{ enabled bool }

func (*disassemblyOption) IsOption()           {}
func (o *disassemblyOption) Disassembly() bool { return o.enabled }

// WithAllocator sets where guest memory comes from.
func WithAllocator(alloc hv.Allocator) Option {
	return &allocatorOption{alloc: alloc}
}

type allocatorOption struct{ alloc hv.Allocator }

func (*allocatorOption) IsOption()                {}
func (o *allocatorOption) Allocator() hv.Allocator { return o.alloc }

type vmConfig struct {
	zeroBSS     bool
	disassembly bool
	allocator   hv.Allocator
	devices     []hv.X86IOPortDevice
}

func parseOptions(opts []Option) vmConfig {
	var cfg vmConfig

	for _, opt := range opts {
		switch o := opt.(type) {
		case interface{ ZeroBSS() bool }:
			cfg.zeroBSS = o.ZeroBSS()
		case interface{ IOPortDevice() hv.X86IOPortDevice }:
			if dev := o.IOPortDevice(); dev != nil {
				cfg.devices = append(cfg.devices, dev)
			}
		case interface{ Disassembly() bool }:
			cfg.disassembly = o.Disassembly()
		case interface{ Allocator() hv.Allocator }:
			cfg.allocator = o.Allocator()
		}
	}

	return cfg
}
