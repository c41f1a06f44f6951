//go:build darwin && arm64

package hvf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/hv/arm64"
)

// Hypervisor.framework allows one VM per process.
var globalVM atomic.Pointer[virtualMachine]

type virtualCPU struct {
	vm *virtualMachine

	id   uint64
	exit *hvVcpuExit

	runQueue chan func()
	done     chan error

	initialized bool
}

// implements [hv.VirtualCPU].
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) Architecture() hv.CpuArchitecture  { return hv.ArchitectureARM64 }

func (v *virtualCPU) Init() error {
	if v.initialized {
		return fmt.Errorf("hvf: %w", hv.ErrAlreadyInitialized)
	}

	if err := hvVcpuSetReg(v.id, hvRegCpsr, arm64.SPSRInitial).toError("set CPSR"); err != nil {
		return err
	}
	if err := hvVcpuSetSys(v.id, sysReg(arm64.SCTLR_EL1), arm64.SCTLRInitial).toError("set SCTLR_EL1"); err != nil {
		return err
	}

	v.initialized = true
	return nil
}

func (v *virtualCPU) SetInstructionPointer(addr uint64) error {
	return hvVcpuSetReg(v.id, hvRegPc, addr).toError("set PC")
}

func (v *virtualCPU) InstructionPointer() (uint64, error) {
	var pc uint64
	if err := hvVcpuGetReg(v.id, hvRegPc, &pc).toError("get PC"); err != nil {
		return 0, err
	}
	return pc, nil
}

func (v *virtualCPU) Map(pfn uint64, virt uint64) error {
	return fmt.Errorf("hvf: map 0x%x -> 0x%x: %w", pfn, virt, hv.ErrNotImplemented)
}

// Run implements [hv.VirtualCPU]. PSCI queries are answered in place and do
// not surface as exits.
func (v *virtualCPU) Run(ctx context.Context) (hv.ExitReason, error) {
	if !v.initialized {
		return hv.ExitReason{}, fmt.Errorf("hvf: run: %w", hv.ErrNotInitialized)
	}

	if ctx.Done() != nil {
		stopExit := context.AfterFunc(ctx, func() {
			id := v.id
			_ = hvVcpusExit(&id, 1)
		})
		defer stopExit()
	}

	for {
		if err := ctx.Err(); err != nil {
			return hv.ExitReason{}, err
		}

		if err := hvVcpuRun(v.id).toError("run vCPU"); err != nil {
			return hv.ExitReason{}, err
		}

		switch v.exit.Reason {
		case hvExitReasonCanceled:
			if err := ctx.Err(); err != nil {
				return hv.ExitReason{}, err
			}
			return hv.NotSupported("HV_EXIT_REASON_CANCELED"), nil
		case hvExitReasonException:
			exit, resume, err := v.handleException()
			if err != nil {
				return hv.ExitReason{}, err
			}
			if resume {
				continue
			}
			return exit, nil
		case hvExitReasonVTimerActivated:
			return hv.NotSupported("HV_EXIT_REASON_VTIMER_ACTIVATED"), nil
		default:
			return hv.NotSupported(fmt.Sprintf("HV_EXIT_REASON(%d)", v.exit.Reason)), nil
		}
	}
}

func (v *virtualCPU) handleException() (hv.ExitReason, bool, error) {
	syndrome := v.exit.Exception.Syndrome
	ec := syndromeClass(syndrome)

	switch ec {
	case exceptionClassHvc:
		var x0 uint64
		if err := hvVcpuGetReg(v.id, hvRegX0, &x0).toError("get x0"); err != nil {
			return hv.ExitReason{}, false, err
		}

		action, result := handlePSCI(x0)
		switch action {
		case psciResume:
			if err := hvVcpuSetReg(v.id, hvRegX0, result).toError("set x0"); err != nil {
				return hv.ExitReason{}, false, err
			}
			return hv.ExitReason{}, true, nil
		case psciShutdown:
			return hv.Shutdown(psciFunctionID(x0).String()), false, nil
		default:
			if x0>>32 != 0 {
				return hv.NotSupported(fmt.Sprintf("HVC 0x%x", x0)), false, nil
			}
			return hv.NotSupported("HVC " + psciFunctionID(x0).String()), false, nil
		}
	case exceptionClassDataAbortLowerEL:
		addr := v.exit.Exception.PhysicalAddress
		abort := decodeDataAbort(syndrome)
		slog.Debug("hvf: unhandled MMIO access", "addr", fmt.Sprintf("0x%x", addr), "access", abort.String())
		return hv.NotSupported(fmt.Sprintf("MMIO 0x%x (%s)", addr, abort)), false, nil
	default:
		return hv.NotSupported(fmt.Sprintf("%s (syndrome=0x%x)", ec, syndrome)), false, nil
	}
}

func (v *virtualCPU) start(initError chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var id uint64
	var exit *hvVcpuExit

	if err := hvVcpuCreate(&id, &exit, 0).toError("create vCPU"); err != nil {
		initError <- err
		return
	}

	if err := hvVcpuSetSys(id, sysReg(arm64.MPIDR_EL1), 0).toError("set MPIDR_EL1"); err != nil {
		_ = hvVcpuDestroy(id)
		initError <- err
		return
	}

	v.id = id
	v.exit = exit

	initError <- nil

	for fn := range v.runQueue {
		fn()
	}

	v.done <- hvVcpuDestroy(v.id).toError("destroy vCPU")
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv   *hypervisor
	mem  *hv.GuestMemory
	vcpu *virtualCPU

	mapped []hv.MappedGPA

	closeOnce sync.Once
}

func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) Memory() *hv.GuestMemory   { return v.mem }

func (v *virtualMachine) VirtualCPUCall(f func(vcpu hv.VirtualCPU) error) error {
	if v.vcpu == nil {
		return fmt.Errorf("hvf: virtual machine closed")
	}

	done := make(chan error, 1)

	v.vcpu.runQueue <- func() {
		done <- f(v.vcpu)
	}

	return <-done
}

// Close destroys the vCPU, unmaps guest memory from the VM and destroys it.
// The host side of guest memory belongs to the caller.
func (v *virtualMachine) Close() error {
	var errs []error

	v.closeOnce.Do(func() {
		if vcpu := v.vcpu; vcpu != nil {
			v.vcpu = nil
			close(vcpu.runQueue)
			if err := <-vcpu.done; err != nil {
				errs = append(errs, err)
			}
		}

		for _, span := range v.mapped {
			if err := hvVmUnmap(span.GPA, span.Size).toError("unmap guest memory"); err != nil {
				errs = append(errs, err)
			}
		}
		v.mapped = nil

		if err := hvVmDestroy().toError("destroy VM"); err != nil {
			errs = append(errs, err)
		}

		globalVM.CompareAndSwap(v, nil)
	})

	return errors.Join(errs...)
}

func (v *virtualMachine) mapMemory() error {
	for _, span := range v.mem.Spans() {
		if len(span.Host) == 0 {
			continue
		}

		if err := hvVmMap(
			unsafe.Pointer(&span.Host[0]),
			span.GPA,
			span.Size,
			hvMemoryRead|hvMemoryWrite|hvMemoryExec,
		).toError(fmt.Sprintf("map guest memory %s", span.Span())); err != nil {
			return err
		}

		v.mapped = append(v.mapped, span)
	}

	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct{}

func (h *hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}

func (h *hypervisor) Close() error {
	if vm := globalVM.Load(); vm != nil {
		if err := vm.Close(); err != nil {
			return fmt.Errorf("hvf: close VM: %w", err)
		}
	}

	return nil
}

func (h *hypervisor) NewVirtualMachine(mem *hv.GuestMemory) (hv.VirtualMachine, error) {
	if mem == nil {
		return nil, fmt.Errorf("hvf: guest memory is required")
	}

	ret := &virtualMachine{
		hv:  h,
		mem: mem,
	}

	if swapped := globalVM.CompareAndSwap(nil, ret); !swapped {
		return nil, fmt.Errorf("hvf: VM already exists, hvf is limited to a single VM per process")
	}

	if err := hvVmCreate(0).toError("create VM"); err != nil {
		globalVM.Store(nil)
		return nil, err
	}

	if err := ret.mapMemory(); err != nil {
		ret.Close()
		return nil, err
	}

	vcpu := &virtualCPU{
		vm:       ret,
		runQueue: make(chan func(), 16),
		done:     make(chan error, 1),
	}

	initError := make(chan error, 1)
	go vcpu.start(initError)

	if err := <-initError; err != nil {
		ret.Close()
		return nil, err
	}
	ret.vcpu = vcpu

	return ret, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	if err := ensureInitialized(); err != nil {
		return nil, fmt.Errorf("hvf: load Hypervisor.framework: %w", err)
	}

	return &hypervisor{}, nil
}
