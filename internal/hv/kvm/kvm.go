//go:build linux

// Package kvm runs guests on the Linux Kernel-based Virtual Machine through
// its /dev/kvm ioctl interface.
package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/minivmm/internal/hv"
	"golang.org/x/sys/unix"
)

// tssAddr is the three page region KVM needs for the real mode TSS on Intel
// hosts. It sits just below the 4GiB boundary, outside guest RAM.
const tssAddr = 0xfffbd000

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	fd       int
	run      []byte

	initialized bool
}

// implements hv.VirtualCPU.
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) Architecture() hv.CpuArchitecture  { return v.vm.hv.Architecture() }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) requestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// set immediate_exit to request vCPU exit
	run.immediate_exit = 1

	// send signal to the vCPU thread to interrupt it
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

func (v *virtualCPU) Init() error {
	if v.initialized {
		return hv.ErrAlreadyInitialized
	}

	if err := v.archInit(); err != nil {
		return err
	}

	v.initialized = true
	return nil
}

// Map implements hv.VirtualCPU.
func (v *virtualCPU) Map(pfn uint64, virt uint64) error {
	return fmt.Errorf("kvm: map pfn 0x%x at 0x%x: %w", pfn, virt, hv.ErrNotImplemented)
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.ExitReason, error) {
	if !v.initialized {
		return hv.ExitReason{}, hv.ErrNotInitialized
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// Cleared before the cancel hook is armed so a context that is already
	// done still leaves the flag set.
	run.immediate_exit = 0

	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.requestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	// keep trying to run the vCPU until it exits or an error occurs
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && ctx.Err() != nil {
				return hv.ExitReason{}, ctx.Err()
			}

			continue
		} else if err != nil {
			return hv.ExitReason{}, fmt.Errorf("kvm: run vCPU: %w", err)
		}

		break
	}

	return v.classifyExit(run)
}

// classifyExit handles the exits both architectures share and defers the
// rest to classifyArchExit.
func (v *virtualCPU) classifyExit(run *kvmRunData) (hv.ExitReason, error) {
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitInternalError:
		internal := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		slog.Debug("kvm: internal error", "suberror", internal.Suberror)
		return hv.NotSupported(fmt.Sprintf("%s(%s)", reason, internal.Suberror)), nil
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch system.typ {
		case kvmSystemEventShutdown:
			return hv.Shutdown("KVM_SYSTEM_EVENT_SHUTDOWN"), nil
		case kvmSystemEventReset:
			return hv.Shutdown("KVM_SYSTEM_EVENT_RESET"), nil
		}

		slog.Debug("kvm: unhandled system event", "type", system.typ)
		return hv.NotSupported(fmt.Sprintf("%s(%d)", reason, system.typ)), nil
	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		slog.Debug("kvm: unhandled MMIO",
			"addr", fmt.Sprintf("0x%x", mmio.physAddr),
			"len", mmio.len,
			"write", mmio.isWrite != 0,
		)
		return hv.NotSupported(reason.String()), nil
	}

	if exit, ok := v.classifyArchExit(reason, run); ok {
		return exit, nil
	}

	slog.Debug("kvm: unsupported exit", "reason", reason)
	return hv.NotSupported(reason.String()), nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv   *hypervisor
	vmFd int
	mem  *hv.GuestMemory
	vcpu *virtualCPU

	closeOnce sync.Once
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) Memory() *hv.GuestMemory   { return v.mem }

func (v *virtualMachine) VirtualCPUCall(f func(vcpu hv.VirtualCPU) error) error {
	if v.vcpu == nil {
		return fmt.Errorf("kvm: virtual machine closed")
	}

	done := make(chan error, 1)

	v.vcpu.runQueue <- func() {
		done <- f(v.vcpu)
	}

	return <-done
}

// Close releases the vCPU and the VM handle. Guest memory belongs to the
// caller and stays mapped.
func (v *virtualMachine) Close() error {
	var errs []error

	v.closeOnce.Do(func() {
		if vcpu := v.vcpu; vcpu != nil {
			v.vcpu = nil
			close(vcpu.runQueue)

			if err := unix.Munmap(vcpu.run); err != nil {
				errs = append(errs, fmt.Errorf("kvm: munmap vcpu run: %w", err))
			}
			if err := unix.Close(vcpu.fd); err != nil {
				errs = append(errs, fmt.Errorf("kvm: close vcpu fd: %w", err))
			}
		}

		if v.vmFd >= 0 {
			if err := unix.Close(v.vmFd); err != nil {
				errs = append(errs, fmt.Errorf("kvm: close vm fd: %w", err))
			}
			v.vmFd = -1
		}
	})

	return errors.Join(errs...)
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int

	supportedMsrsOnce sync.Once
	supportedMsrs     []uint32
	supportedMsrsErr  error
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// registerMemory maps every span of mem into the guest, one slot per span.
func (h *hypervisor) registerMemory(vm *virtualMachine, mem *hv.GuestMemory) error {
	spans := mem.Spans()

	slots, err := checkExtension(h.fd, kvmCapNrMemslots)
	if err != nil {
		return fmt.Errorf("kvm: check memory slots: %w", err)
	}
	if slots > 0 && len(spans) > slots {
		return fmt.Errorf("kvm: %d memory spans exceed the %d available slots", len(spans), slots)
	}

	for i, span := range spans {
		if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
			Slot:          uint32(i),
			Flags:         0,
			GuestPhysAddr: span.GPA,
			MemorySize:    span.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&span.Host[0]))),
		}); err != nil {
			return fmt.Errorf("kvm: set user memory region %s: %w", span.Span(), err)
		}
	}

	return nil
}

func (h *hypervisor) newVCPU(vm *virtualMachine) (*virtualCPU, error) {
	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}

	vcpuFd, err := createVCPU(vm.vmFd, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU: %w", err)
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap kvm_run: %w", err)
	}

	if err := h.archVCPUInit(vm, vcpuFd); err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: initialize vCPU: %w", err)
	}

	vcpu := &virtualCPU{
		vm:       vm,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
	}

	go vcpu.start()

	return vcpu, nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(mem *hv.GuestMemory) (hv.VirtualMachine, error) {
	if mem == nil {
		return nil, fmt.Errorf("kvm: guest memory is nil")
	}

	machineType, err := h.machineType()
	if err != nil {
		return nil, err
	}

	vmFd, err := createVm(h.fd, machineType)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:   h,
		vmFd: vmFd,
		mem:  mem,
	}

	if err := h.archVMInit(vm); err != nil {
		vm.Close()
		return nil, fmt.Errorf("kvm: initialize VM: %w", err)
	}

	if err := h.registerMemory(vm, mem); err != nil {
		vm.Close()
		return nil, err
	}

	vcpu, err := h.newVCPU(vm)
	if err != nil {
		vm.Close()
		return nil, err
	}
	vm.vcpu = vcpu

	// Catch VMs that are garbage collected without being closed.
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
