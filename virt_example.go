//go:build ignore

// This file demonstrates every public API in the minivmm package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/minivmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// EnsureExecutableIsSigned - macOS hypervisor entitlement check
	// =========================================================================
	if err := minivmm.EnsureExecutableIsSigned(); err != nil {
		return fmt.Errorf("ensure signed: %w", err)
	}

	// =========================================================================
	// SupportsHypervisor - early startup check
	// =========================================================================
	if err := minivmm.SupportsHypervisor(); err != nil {
		return fmt.Errorf("hypervisor unavailable: %w", err)
	}

	// =========================================================================
	// CreateVM - guest memory, one vCPU, options
	// =========================================================================
	console := minivmm.SimpleX86IOPortDevice{
		Ports: []uint16{0x3f8},
		WriteFunc: func(port uint16, data []byte) error {
			_, err := os.Stdout.Write(data)
			return err
		},
	}

	spans := []minivmm.GPASpan{{Start: 0, Size: 64 << 20}}
	if minivmm.NativeArchitecture() == minivmm.ArchitectureARM64 {
		spans = []minivmm.GPASpan{{Start: 0x80000000, Size: 64 << 20}}
	}

	vm, err := minivmm.CreateVM(spans,
		minivmm.WithZeroBSS(true),
		minivmm.WithDevice(console),
		minivmm.WithDisassembly(false),
	)
	if errors.Is(err, minivmm.ErrHypervisorUnavailable) {
		return fmt.Errorf("no hypervisor: %w", err)
	}
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	defer vm.Close()

	// CreateVMForArchitecture rejects a guest the host cannot run.
	if _, err := minivmm.CreateVMForArchitecture("riscv64", spans); errors.Is(err, minivmm.ErrArchitectureMismatch) {
		fmt.Println("riscv64 guests are not supported here")
	}

	// =========================================================================
	// Guest memory
	// =========================================================================
	mem := vm.Memory()
	base := spans[0].Start

	if err := mem.Write(base+0x1000, []byte("hello")); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	data, err := mem.Read(base+0x1000, 5)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	_ = data
	_ = mem.IsGPAValid(base)
	for _, span := range mem.Spans() {
		fmt.Printf("span 0x%x size 0x%x\n", span.GPA, span.Size)
	}

	if err := mem.Write(base+spans[0].Size, []byte{0}); errors.Is(err, minivmm.ErrInvalidGuestAddress) {
		fmt.Println("write past the last span rejected")
	}

	// =========================================================================
	// Loading - ELF64 images or raw binaries
	// =========================================================================
	if len(os.Args) > 1 {
		image, err := os.ReadFile(os.Args[1])
		if err != nil {
			return err
		}
		err = vm.LoadELF(image)
		switch {
		case errors.Is(err, minivmm.ErrUnsupportedImageFormat):
			return fmt.Errorf("not an ELF64 image: %w", err)
		case errors.Is(err, minivmm.ErrArchitectureMismatch):
			return fmt.Errorf("image is for another architecture: %w", err)
		case err != nil:
			return err
		}
	} else {
		halt := []byte{0xf4}
		if minivmm.NativeArchitecture() == minivmm.ArchitectureARM64 {
			halt = []byte{0x7f, 0x20, 0x03, 0xd5} // wfi
		}
		if err := vm.LoadBin(halt, base+0x10000); err != nil {
			return fmt.Errorf("load bin: %w", err)
		}
	}

	ip, err := vm.InstructionPointer()
	if err != nil {
		return err
	}
	fmt.Printf("entry 0x%x\n", ip)

	// =========================================================================
	// Running - one cycle or until a terminal exit
	// =========================================================================
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exit, err := vm.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("run once: %w", err)
	}
	switch exit.Kind {
	case minivmm.ExitHalt:
		fmt.Println("guest halted")
	case minivmm.ExitIoByteOut, minivmm.ExitIoWordOut:
		fmt.Printf("guest wrote 0x%x to port 0x%x\n", exit.Data, exit.Port)
	case minivmm.ExitIoByteIn, minivmm.ExitIoWordIn:
		exit.IOData[0] = 0xff
	case minivmm.ExitShutdown:
		fmt.Println("guest powered off")
	case minivmm.ExitNotSupported:
		fmt.Printf("unsupported exit: %s\n", exit)
	}

	exit, err = vm.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		fmt.Println("guest still running at the deadline")
		return nil
	}
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	fmt.Printf("stopped: %s\n", exit)

	// Raw vCPU access for anything the VM does not wrap.
	return vm.VirtualCPUCall(func(vcpu minivmm.VirtualCPU) error {
		if err := vcpu.Map(0, 0); errors.Is(err, minivmm.ErrNotImplemented) {
			fmt.Println("Map is reserved")
		}
		return vcpu.SetInstructionPointer(base + 0x10000)
	})
}
