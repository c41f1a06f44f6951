// Package minivmm runs a single-vCPU hardware-virtualized guest with no
// firmware. A VirtualMachine is created over guest physical memory spans,
// loaded with a kernel image and resumed until the guest halts or asks for
// something the host cannot handle.
package minivmm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/minivmm/internal/codesign"
	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/hv/factory"
	"github.com/tinyrange/minivmm/internal/vmm"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/hv and internal/vmm
// -----------------------------------------------------------------------------

// GPASpan requests backing memory for a range of guest physical addresses.
type GPASpan = hv.GPASpan

// MappedGPA is one host region backing guest memory.
type MappedGPA = hv.MappedGPA

// GuestMemory is the set of spans backing a guest.
type GuestMemory = hv.GuestMemory

// Allocator provides host memory for guest spans.
type Allocator = hv.Allocator

// HeapAllocator backs guest memory with Go slices instead of mappings.
type HeapAllocator = hv.HeapAllocator

// CpuArchitecture names a guest instruction set.
type CpuArchitecture = hv.CpuArchitecture

// ExitReason is the classified result of one guest resume.
type ExitReason = hv.ExitReason

// ExitKind is the variant of an ExitReason.
type ExitKind = hv.ExitKind

// VirtualCPU is the capability set of the guest's single vCPU.
type VirtualCPU = hv.VirtualCPU

// X86IOPortDevice handles guest port I/O.
type X86IOPortDevice = hv.X86IOPortDevice

// SimpleX86IOPortDevice adapts a pair of functions to X86IOPortDevice.
type SimpleX86IOPortDevice = hv.SimpleX86IOPortDevice

// Option configures a VirtualMachine.
type Option = vmm.Option

const (
	ArchitectureX86_64 = hv.ArchitectureX86_64
	ArchitectureARM64  = hv.ArchitectureARM64
)

// Exit kinds.
const (
	ExitNotSupported = hv.ExitNotSupported
	ExitHalt         = hv.ExitHalt
	ExitIoByteIn     = hv.ExitIoByteIn
	ExitIoByteOut    = hv.ExitIoByteOut
	ExitIoWordIn     = hv.ExitIoWordIn
	ExitIoWordOut    = hv.ExitIoWordOut
	ExitShutdown     = hv.ExitShutdown
)

// Common sentinel errors. The typed errors returned by this package match
// them with errors.Is.
var (
	ErrInvalidGuestAddress    = hv.ErrInvalidGuestAddress
	ErrUnsupportedImageFormat = hv.ErrUnsupportedImageFormat
	ErrArchitectureMismatch   = hv.ErrArchitectureMismatch
	ErrOverlappingSpans       = hv.ErrOverlappingSpans
	ErrNotImplemented         = hv.ErrNotImplemented

	// ErrHypervisorUnavailable indicates the host backend could not be
	// opened. This can happen when:
	// - Running on a platform without a supported hypervisor
	// - Missing permissions (macOS entitlements, Linux /dev/kvm access)
	// - Running in a VM or container without nested virtualization
	//
	// Use errors.Is(err, minivmm.ErrHypervisorUnavailable) to skip tests in CI.
	ErrHypervisorUnavailable = hv.ErrHypervisorUnsupported
)

// NativeArchitecture is the only guest architecture the host can run.
func NativeArchitecture() CpuArchitecture {
	return hv.NativeArchitecture()
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// WithZeroBSS clears the part of each ELF segment that has no file contents.
func WithZeroBSS(enabled bool) Option {
	return vmm.WithZeroBSS(enabled)
}

// WithDevice routes guest port I/O on the device's ports to it.
func WithDevice(dev X86IOPortDevice) Option {
	return vmm.WithDevice(dev)
}

// WithDisassembly logs guest instructions at debug level before every resume.
func WithDisassembly(enabled bool) Option {
	return vmm.WithDisassembly(enabled)
}

// WithAllocator sets where guest memory comes from.
func WithAllocator(alloc Allocator) Option {
	return vmm.WithAllocator(alloc)
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// VirtualMachine is a guest with its own hypervisor handle. Loading and
// running are inherited from the machine it wraps.
type VirtualMachine struct {
	*vmm.VirtualMachine

	hv hv.Hypervisor

	closeOnce sync.Once
	closeErr  error
}

// Close releases the guest and then the hypervisor handle.
func (v *VirtualMachine) Close() error {
	v.closeOnce.Do(func() {
		v.closeErr = errors.Join(v.VirtualMachine.Close(), v.hv.Close())
	})
	return v.closeErr
}

// CreateVM opens the host hypervisor and creates a guest over spans with its
// vCPU initialized.
//
// The caller must call Close when finished to release resources.
func CreateVM(spans []GPASpan, opts ...Option) (*VirtualMachine, error) {
	return createVM(factory.Open, spans, opts)
}

// CreateVMForArchitecture is CreateVM for a guest of arch. It fails with
// ErrArchitectureMismatch before touching the hypervisor when the host cannot
// run arch.
func CreateVMForArchitecture(arch CpuArchitecture, spans []GPASpan, opts ...Option) (*VirtualMachine, error) {
	return createVM(func() (hv.Hypervisor, error) {
		return factory.OpenWithArchitecture(arch)
	}, spans, opts)
}

func createVM(open func() (hv.Hypervisor, error), spans []GPASpan, opts []Option) (*VirtualMachine, error) {
	h, err := open()
	if err != nil {
		return nil, hypervisorError(err)
	}

	vm, err := vmm.New(h, spans, opts...)
	if err != nil {
		h.Close()
		return nil, err
	}

	return &VirtualMachine{VirtualMachine: vm, hv: h}, nil
}

func hypervisorError(err error) error {
	if errors.Is(err, ErrHypervisorUnavailable) || errors.Is(err, ErrArchitectureMismatch) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHypervisorUnavailable, err)
}

// SupportsHypervisor reports whether the host backend can be opened. Call
// it early to show a friendly error instead of failing in CreateVM.
func SupportsHypervisor() error {
	h, err := factory.Open()
	if err != nil {
		return hypervisorError(err)
	}
	return h.Close()
}

// EnsureExecutableIsSigned checks if the current executable is signed with
// the hypervisor entitlement (macOS only). If not, it signs the executable
// and re-executes itself. This is useful for test binaries.
//
// On non-macOS platforms, this is a no-op.
//
// Call this at the start of TestMain(). If signing and re-exec succeed,
// this function does not return. If already signed, it returns nil.
//
// Example:
//
//	func TestMain(m *testing.M) {
//	    if err := minivmm.EnsureExecutableIsSigned(); err != nil {
//	        log.Fatalf("Failed to sign executable: %v", err)
//	    }
//	    os.Exit(m.Run())
//	}
func EnsureExecutableIsSigned() error {
	return codesign.EnsureExecutableIsSigned()
}
