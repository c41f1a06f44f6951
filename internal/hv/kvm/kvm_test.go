//go:build linux

package kvm

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/minivmm/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

// newTestVM opens KVM and creates a VM over spans. Everything is released
// when the test ends.
func newTestVM(t testing.TB, spans ...hv.GPASpan) hv.VirtualMachine {
	t.Helper()

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { kvm.Close() })

	mem, err := hv.NewGuestMemory(spans, nil)
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	vm, err := kvm.NewVirtualMachine(mem)
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	return vm
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	mem, err := hv.NewGuestMemory([]hv.GPASpan{
		{Start: 0, Size: 0x200000},
		{Start: 0x80000000, Size: 0x200000},
	}, nil)
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}
	defer mem.Close()

	vm, err := kvm.NewVirtualMachine(mem)
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}

	if vm.Memory() != mem {
		t.Fatalf("Memory() does not return the registered guest memory")
	}
	if vm.Hypervisor().Architecture() != hv.NativeArchitecture() {
		t.Fatalf("architecture = %s, want %s", vm.Hypervisor().Architecture(), hv.NativeArchitecture())
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := vm.VirtualCPUCall(func(hv.VirtualCPU) error { return nil }); err == nil {
		t.Fatalf("VirtualCPUCall after Close succeeded")
	}
}

func TestVirtualCPULifecycle(t *testing.T) {
	checkKVMAvailable(t)

	vm := newTestVM(t, hv.GPASpan{Start: 0, Size: 0x200000}, hv.GPASpan{Start: 0x80000000, Size: 0x200000})

	err := vm.VirtualCPUCall(func(vcpu hv.VirtualCPU) error {
		if _, err := vcpu.Run(context.Background()); !errors.Is(err, hv.ErrNotInitialized) {
			t.Errorf("Run before Init error = %v, want ErrNotInitialized", err)
		}

		if err := vcpu.Init(); err != nil {
			return err
		}
		if err := vcpu.Init(); !errors.Is(err, hv.ErrAlreadyInitialized) {
			t.Errorf("second Init error = %v, want ErrAlreadyInitialized", err)
		}

		if err := vcpu.Map(0x10, 0x10000); !errors.Is(err, hv.ErrNotImplemented) {
			t.Errorf("Map error = %v, want ErrNotImplemented", err)
		}

		if err := vcpu.SetInstructionPointer(0x80001000); err != nil {
			return err
		}
		ip, err := vcpu.InstructionPointer()
		if err != nil {
			return err
		}
		if ip != 0x80001000 {
			t.Errorf("InstructionPointer() = 0x%x, want 0x80001000", ip)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}
