// Package vmm composes guest memory and a vCPU into a bootable machine: it
// loads kernel images, drives the run loop and hands port I/O to devices.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/minivmm/internal/disasm"
	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/loader"
)

const (
	// traceBytes is how much guest code is disassembled before each resume.
	traceBytes = 16
	// textPreview caps the instructions logged for a loaded text section.
	textPreview = 32
)

type VirtualMachine struct {
	hv  hv.Hypervisor
	mem *hv.GuestMemory
	vm  hv.VirtualMachine

	// cpuMu serializes vCPU access. A run cycle holds it until the guest
	// exits.
	cpuMu sync.Mutex

	cfg   vmConfig
	ports map[uint16]hv.X86IOPortDevice

	closeOnce sync.Once
	closeErr  error
}

// New backs spans with guest memory, creates the backend VM and initializes
// its vCPU. The hypervisor is not owned by the returned machine.
func New(h hv.Hypervisor, spans []hv.GPASpan, opts ...Option) (*VirtualMachine, error) {
	cfg := parseOptions(opts)

	ports := make(map[uint16]hv.X86IOPortDevice)
	for _, dev := range cfg.devices {
		for _, port := range dev.IOPorts() {
			if _, ok := ports[port]; ok {
				return nil, fmt.Errorf("vmm: port 0x%x claimed by two devices", port)
			}
			ports[port] = dev
		}
	}

	mem, err := hv.NewGuestMemory(spans, cfg.allocator)
	if err != nil {
		return nil, fmt.Errorf("vmm: create guest memory: %w", err)
	}

	vm, err := h.NewVirtualMachine(mem)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("vmm: create virtual machine: %w", err)
	}

	ret := &VirtualMachine{
		hv:    h,
		mem:   mem,
		vm:    vm,
		cfg:   cfg,
		ports: ports,
	}

	if err := ret.VirtualCPUCall(func(vcpu hv.VirtualCPU) error {
		return vcpu.Init()
	}); err != nil {
		ret.Close()
		return nil, fmt.Errorf("vmm: initialize vCPU: %w", err)
	}

	slog.Debug("virtual machine created", "arch", h.Architecture(), "spans", len(spans), "devices", len(cfg.devices))

	return ret, nil
}

func (v *VirtualMachine) Architecture() hv.CpuArchitecture { return v.hv.Architecture() }

func (v *VirtualMachine) Memory() *hv.GuestMemory { return v.mem }

// VirtualCPUCall runs f with exclusive use of the vCPU.
func (v *VirtualMachine) VirtualCPUCall(f func(vcpu hv.VirtualCPU) error) error {
	v.cpuMu.Lock()
	defer v.cpuMu.Unlock()

	return v.vm.VirtualCPUCall(f)
}

func (v *VirtualMachine) InstructionPointer() (uint64, error) {
	var ip uint64
	err := v.VirtualCPUCall(func(vcpu hv.VirtualCPU) error {
		var err error
		ip, err = vcpu.InstructionPointer()
		return err
	})
	return ip, err
}

func (v *VirtualMachine) SetInstructionPointer(addr uint64) error {
	return v.VirtualCPUCall(func(vcpu hv.VirtualCPU) error {
		return vcpu.SetInstructionPointer(addr)
	})
}

type placement struct {
	seg    loader.Segment
	target uint64
	data   []byte
}

// LoadELF copies the loadable segments of an ELF64 image to their physical
// addresses and points the vCPU at the entry. The image is fully checked
// first, so a rejected image leaves memory and registers untouched.
func (v *VirtualMachine) LoadELF(data []byte) error {
	img, err := loader.Parse(data)
	if err != nil {
		return err
	}

	if arch := v.Architecture(); img.Arch != arch {
		return &hv.ArchitectureMismatchError{Image: img.Arch, Host: arch}
	}

	var plan []placement
	for _, seg := range img.Loadable() {
		segData, err := img.SegmentData(seg)
		if err != nil {
			return err
		}

		size := seg.FileSize
		if v.cfg.zeroBSS {
			size = seg.MemSize
		}
		if size > 0 {
			if err := v.mem.CheckRange(seg.Target(), size); err != nil {
				return fmt.Errorf("vmm: segment %s: %w", seg, err)
			}
		}

		plan = append(plan, placement{seg: seg, target: seg.Target(), data: segData})
	}

	entry := loader.PhysicalAddress(img.Entry)

	if v.cfg.disassembly {
		v.logImage(img)
	}

	for _, p := range plan {
		if err := v.mem.Write(p.target, p.data); err != nil {
			return fmt.Errorf("vmm: load segment %s: %w", p.seg, err)
		}
		if v.cfg.zeroBSS && p.seg.MemSize > p.seg.FileSize {
			if err := v.mem.Zero(p.target+p.seg.FileSize, p.seg.MemSize-p.seg.FileSize); err != nil {
				return fmt.Errorf("vmm: zero bss of %s: %w", p.seg, err)
			}
		}
		slog.Debug("loaded segment", "target", fmt.Sprintf("0x%x", p.target), "filesz", p.seg.FileSize, "memsz", p.seg.MemSize)
	}

	if err := v.SetInstructionPointer(entry); err != nil {
		return fmt.Errorf("vmm: set entry point: %w", err)
	}

	slog.Debug("loaded ELF image", "entry", fmt.Sprintf("0x%x", entry), "segments", len(plan))

	return nil
}

func (v *VirtualMachine) logImage(img *loader.Image) {
	for _, sec := range img.Sections {
		slog.Debug("section", "name", sec.Name, "kind", sec.Kind, "addr", fmt.Sprintf("0x%x", sec.Addr), "size", sec.Size)
	}

	sec, text, err := img.Text()
	if err != nil {
		slog.Debug("no text to disassemble", "error", err)
		return
	}
	for _, line := range disasm.Lines(img.Arch, text, sec.Addr, textPreview) {
		slog.Debug(sec.Name, "inst", line)
	}
}

// LoadBin copies a raw image to addr and points the vCPU at it.
func (v *VirtualMachine) LoadBin(data []byte, addr uint64) error {
	if err := v.mem.Write(addr, data); err != nil {
		return fmt.Errorf("vmm: load binary: %w", err)
	}
	if err := v.SetInstructionPointer(addr); err != nil {
		return fmt.Errorf("vmm: set entry point: %w", err)
	}
	return nil
}

// RunOnce performs one resume/exit cycle and returns the classified exit.
func (v *VirtualMachine) RunOnce(ctx context.Context) (hv.ExitReason, error) {
	var exit hv.ExitReason

	err := v.VirtualCPUCall(func(vcpu hv.VirtualCPU) error {
		if v.cfg.disassembly {
			v.traceInstructionPointer(vcpu)
		}

		var err error
		exit, err = vcpu.Run(ctx)
		return err
	})
	if err != nil {
		return hv.ExitReason{}, err
	}

	slog.Debug("vm exit", "exit", exit.String())

	return exit, nil
}

func (v *VirtualMachine) traceInstructionPointer(vcpu hv.VirtualCPU) {
	ip, err := vcpu.InstructionPointer()
	if err != nil {
		slog.Debug("trace: read instruction pointer", "error", err)
		return
	}

	// The boot state identity maps low memory, so the IP is a GPA.
	code, err := v.mem.Read(ip, traceBytes)
	if err != nil {
		slog.Debug("trace: instruction pointer outside guest memory", "ip", fmt.Sprintf("0x%x", ip))
		return
	}

	for _, line := range disasm.Lines(v.Architecture(), code, ip, 0) {
		slog.Debug("trace", "inst", line)
	}
}

// Run resumes the guest until it stops with an exit that has no handling:
// NotSupported or Shutdown. I/O exits on a registered device port are
// handed to the device; every other exit resumes the guest.
func (v *VirtualMachine) Run(ctx context.Context) (hv.ExitReason, error) {
	for {
		exit, err := v.RunOnce(ctx)
		if err != nil {
			return exit, err
		}

		if exit.Terminal() {
			return exit, nil
		}

		if exit.IsIO() {
			if err := v.dispatchIO(exit); err != nil {
				return exit, err
			}
		}
	}
}

func (v *VirtualMachine) dispatchIO(exit hv.ExitReason) error {
	dev, ok := v.ports[exit.Port]
	if !ok {
		slog.Debug("unclaimed port I/O", "exit", exit.String())
		return nil
	}

	size := 1
	if exit.Kind == hv.ExitIoWordIn || exit.Kind == hv.ExitIoWordOut {
		size = 2
	}

	// String instructions transfer several elements in one exit.
	for off := 0; off+size <= len(exit.IOData); off += size {
		data := exit.IOData[off : off+size]

		var err error
		if exit.IsIn() {
			err = dev.ReadIOPort(exit.Port, data)
		} else {
			err = dev.WriteIOPort(exit.Port, data)
		}
		if err != nil {
			return fmt.Errorf("vmm: port 0x%x: %w", exit.Port, err)
		}
	}

	return nil
}

// Close releases the backend VM and guest memory.
func (v *VirtualMachine) Close() error {
	v.closeOnce.Do(func() {
		var errs []error
		if err := v.vm.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := v.mem.Close(); err != nil {
			errs = append(errs, err)
		}
		v.closeErr = errors.Join(errs...)
	})
	return v.closeErr
}
