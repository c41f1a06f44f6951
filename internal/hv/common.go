package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrNotImplemented        = errors.New("not implemented")
	ErrNotInitialized        = errors.New("virtual CPU not initialized")
	ErrAlreadyInitialized    = errors.New("virtual CPU already initialized")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// NativeArchitecture returns the architecture of the host the process runs on.
func NativeArchitecture() CpuArchitecture {
	return ArchitectureFromGOARCH(runtime.GOARCH)
}

func ArchitectureFromGOARCH(goarch string) CpuArchitecture {
	switch goarch {
	case "amd64", "x86_64":
		return ArchitectureX86_64
	case "arm64", "aarch64":
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

// VirtualCPU is the capability set every backend implements for its single
// vCPU. All methods must be called from the vCPU's own thread, which is what
// VirtualMachine.VirtualCPUCall arranges.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	Architecture() CpuArchitecture

	// Init performs the architecture bring-up. It must be called exactly once
	// before the first Run.
	Init() error

	SetInstructionPointer(addr uint64) error
	InstructionPointer() (uint64, error)

	// Run resumes the guest until it traps back to the host and returns the
	// classified exit.
	Run(ctx context.Context) (ExitReason, error)

	// Map is reserved for second-stage address space construction.
	Map(pfn uint64, virt uint64) error
}

type X86IOPortDevice interface {
	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

// VirtualMachine is the backend handle for one guest: its registered memory
// and its single vCPU.
type VirtualMachine interface {
	io.Closer

	Hypervisor() Hypervisor
	Memory() *GuestMemory

	// VirtualCPUCall runs f on the thread that owns the vCPU and returns its
	// error.
	VirtualCPUCall(f func(vcpu VirtualCPU) error) error
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	// NewVirtualMachine registers every span of mem with the backend and
	// creates one vCPU. The memory must outlive the returned machine.
	NewVirtualMachine(mem *GuestMemory) (VirtualMachine, error)
}
