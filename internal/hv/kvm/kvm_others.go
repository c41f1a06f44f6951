//go:build linux && !amd64 && !arm64

package kvm

import (
	"fmt"

	"github.com/tinyrange/minivmm/internal/hv"
)

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}

func (*hypervisor) machineType() (uint32, error) {
	return 0, fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	return nil
}

func (v *virtualCPU) archInit() error {
	return fmt.Errorf("kvm: init: %w", hv.ErrHypervisorUnsupported)
}

func (v *virtualCPU) SetInstructionPointer(addr uint64) error {
	return fmt.Errorf("kvm: set instruction pointer: %w", hv.ErrHypervisorUnsupported)
}

func (v *virtualCPU) InstructionPointer() (uint64, error) {
	return 0, fmt.Errorf("kvm: get instruction pointer: %w", hv.ErrHypervisorUnsupported)
}

func (v *virtualCPU) classifyArchExit(reason kvmExitReason, run *kvmRunData) (hv.ExitReason, bool) {
	return hv.ExitReason{}, false
}
