//go:build linux && arm64

package kvm

import (
	"fmt"

	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/hv/arm64"
)

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}

// machineType returns the IPA size to create the VM with. Some hosts (Apple
// silicon running Linux) reject the default.
func (h *hypervisor) machineType() (uint32, error) {
	ipaSize, err := checkExtension(h.fd, kvmCapArmVmIpaSize)
	if err != nil {
		return 0, fmt.Errorf("kvm: check IPA size: %w", err)
	}

	return uint32(ipaSize), nil
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	init, err := armPreferredTarget(vm.vmFd)
	if err != nil {
		return fmt.Errorf("getting preferred target: %w", err)
	}

	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)

	if err := armVcpuInit(vcpuFd, &init); err != nil {
		return fmt.Errorf("initializing vCPU: %w", err)
	}

	return nil
}

func enableArmVcpuFeature(init *kvmVcpuInit, feature uint32) {
	word := feature / 32
	bit := feature % 32

	if word >= kvmArmVcpuInitFeatureWords {
		return
	}

	init.Features[word] |= 1 << bit
}

// archInit starts the vCPU at EL1h with interrupts masked and the MMU and
// caches off. The guest builds its own translation tables.
func (v *virtualCPU) archInit() error {
	if err := setOneReg64(v.fd, arm64.PSTATE.KVMRegID(), arm64.SPSRInitial); err != nil {
		return fmt.Errorf("kvm: set PSTATE: %w", err)
	}

	if err := setOneReg64(v.fd, arm64.SCTLR_EL1.KVMRegID(), arm64.SCTLRInitial); err != nil {
		return fmt.Errorf("kvm: set %s: %w", arm64.SCTLR_EL1, err)
	}

	return nil
}

func (v *virtualCPU) SetInstructionPointer(addr uint64) error {
	if err := setOneReg64(v.fd, arm64.PC.KVMRegID(), addr); err != nil {
		return fmt.Errorf("kvm: set PC: %w", err)
	}

	return nil
}

func (v *virtualCPU) InstructionPointer() (uint64, error) {
	pc, err := getOneReg64(v.fd, arm64.PC.KVMRegID())
	if err != nil {
		return 0, fmt.Errorf("kvm: get PC: %w", err)
	}

	return pc, nil
}

// classifyArchExit has nothing beyond the shared exits: PSCI calls are
// handled in the kernel and surface as system events.
func (v *virtualCPU) classifyArchExit(reason kvmExitReason, run *kvmRunData) (hv.ExitReason, bool) {
	return hv.ExitReason{}, false
}
