package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/minivmm/internal/hv"
)

// fakeHypervisor hands out one scripted VM. Each Run pops the next exit; an
// exhausted script reports NotSupported.
type fakeHypervisor struct {
	arch  hv.CpuArchitecture
	exits []hv.ExitReason

	vm *fakeVM
}

func (h *fakeHypervisor) Close() error                     { return nil }
func (h *fakeHypervisor) Architecture() hv.CpuArchitecture { return h.arch }

func (h *fakeHypervisor) NewVirtualMachine(mem *hv.GuestMemory) (hv.VirtualMachine, error) {
	h.vm = &fakeVM{h: h, mem: mem}
	h.vm.cpu = &fakeCPU{vm: h.vm, exits: h.exits}
	return h.vm, nil
}

type fakeVM struct {
	h      *fakeHypervisor
	mem    *hv.GuestMemory
	cpu    *fakeCPU
	closed bool
}

func (v *fakeVM) Close() error {
	v.closed = true
	return nil
}

func (v *fakeVM) Hypervisor() hv.Hypervisor { return v.h }
func (v *fakeVM) Memory() *hv.GuestMemory   { return v.mem }

func (v *fakeVM) VirtualCPUCall(f func(vcpu hv.VirtualCPU) error) error {
	if v.closed {
		return errors.New("fake: closed")
	}
	return f(v.cpu)
}

type fakeCPU struct {
	vm *fakeVM

	inits int
	ip    uint64
	runs  int

	exits []hv.ExitReason
	// seen records the IOData of each exit after the host handled it.
	seen [][]byte
}

func (c *fakeCPU) VirtualMachine() hv.VirtualMachine { return c.vm }
func (c *fakeCPU) Architecture() hv.CpuArchitecture  { return c.vm.h.arch }

func (c *fakeCPU) Init() error {
	if c.inits > 0 {
		return hv.ErrAlreadyInitialized
	}
	c.inits++
	return nil
}

func (c *fakeCPU) SetInstructionPointer(addr uint64) error {
	c.ip = addr
	return nil
}

func (c *fakeCPU) InstructionPointer() (uint64, error) { return c.ip, nil }

func (c *fakeCPU) Run(ctx context.Context) (hv.ExitReason, error) {
	if c.inits == 0 {
		return hv.ExitReason{}, hv.ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return hv.ExitReason{}, err
	}

	if c.runs > 0 && c.runs <= len(c.exits) {
		if prev := c.exits[c.runs-1]; prev.IsIO() {
			c.seen = append(c.seen, append([]byte(nil), prev.IOData...))
		}
	}

	if c.runs >= len(c.exits) {
		c.runs++
		return hv.NotSupported("end of script"), nil
	}
	exit := c.exits[c.runs]
	c.runs++
	return exit, nil
}

func (c *fakeCPU) Map(pfn uint64, virt uint64) error {
	return fmt.Errorf("fake: %w", hv.ErrNotImplemented)
}

var (
	_ hv.Hypervisor     = &fakeHypervisor{}
	_ hv.VirtualMachine = &fakeVM{}
	_ hv.VirtualCPU     = &fakeCPU{}
)
