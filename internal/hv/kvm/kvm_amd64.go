//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/hv/amd64"
)

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

func (*hypervisor) machineType() (uint32, error) {
	return 0, nil
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func bit8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func toKVMSegment(s amd64.Segment) kvmSegment {
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  bit8(s.Present),
		Dpl:      s.DPL,
		Db:       bit8(s.DB),
		S:        bit8(s.S),
		L:        bit8(s.L),
		G:        bit8(s.G),
		Avl:      bit8(s.AVL),
	}
}

// applyBootState copies the long mode state into sregs. Fields the boot state
// does not describe keep the values KVM reported.
func applyBootState(sregs *kvmSRegs, state amd64.BootState) {
	sregs.Cs = toKVMSegment(state.CS)
	sregs.Ds = toKVMSegment(state.DS)
	sregs.Es = toKVMSegment(state.ES)
	sregs.Fs = toKVMSegment(state.FS)
	sregs.Gs = toKVMSegment(state.GS)
	sregs.Ss = toKVMSegment(state.SS)
	sregs.Ldt = toKVMSegment(state.LDT)
	sregs.Tr = toKVMSegment(state.TR)

	sregs.Gdt = kvmDTable{Base: state.GDT.Base, Limit: state.GDT.Limit}

	sregs.Cr0 = state.CR0
	sregs.Cr3 = state.CR3
	sregs.Cr4 = state.CR4
	sregs.Efer = state.EFER
}

// archInit installs the boot tables in guest memory and enters long mode.
func (v *virtualCPU) archInit() error {
	state, err := amd64.Setup(v.vm.mem)
	if err != nil {
		return fmt.Errorf("kvm: %w", err)
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	applyBootState(&sregs, state)

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	entries, err := v.vm.hv.bootMSREntries(state.MSRs)
	if err != nil {
		return fmt.Errorf("kvm: boot MSRs: %w", err)
	}
	if err := setMSRs(v.fd, entries); err != nil {
		return fmt.Errorf("kvm: set MSRs: %w", err)
	}

	return nil
}

func (v *virtualCPU) SetInstructionPointer(addr uint64) error {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	regs.Rip = addr

	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	return nil
}

func (v *virtualCPU) InstructionPointer() (uint64, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return 0, fmt.Errorf("kvm: get registers: %w", err)
	}

	return regs.Rip, nil
}

func (v *virtualCPU) classifyArchExit(reason kvmExitReason, run *kvmRunData) (hv.ExitReason, bool) {
	switch reason {
	case kvmExitHlt:
		return hv.Halt(), true
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

		return hv.IOExit(ioData.direction == 0, ioData.port, int(ioData.size), data), true
	case kvmExitShutdown:
		return hv.Shutdown(reason.String()), true
	}

	return hv.ExitReason{}, false
}
