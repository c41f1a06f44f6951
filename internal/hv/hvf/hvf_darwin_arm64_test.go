//go:build darwin && arm64

package hvf

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/tinyrange/minivmm/internal/codesign"
	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/hv/arm64"
)

func TestMain(m *testing.M) {
	if err := codesign.EnsureExecutableIsSigned(); err != nil {
		log.Fatalf("Failed to sign executable: %v", err)
	}
	os.Exit(m.Run())
}

func newTestVM(t *testing.T, spans ...hv.GPASpan) hv.VirtualMachine {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("Hypervisor.framework not available: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	mem, err := hv.NewGuestMemory(spans, nil)
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	vm, err := h.NewVirtualMachine(mem)
	if err != nil {
		t.Skipf("create HVF virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	return vm
}

func runAt(t *testing.T, code []byte, step func(vcpu *virtualCPU) error) {
	t.Helper()

	vm := newTestVM(t, hv.GPASpan{Start: 0x80000000, Size: 64 << 20})

	if err := vm.Memory().Write(0x80000000, code); err != nil {
		t.Fatalf("write program: %v", err)
	}

	err := vm.VirtualCPUCall(func(vcpu hv.VirtualCPU) error {
		if err := vcpu.Init(); err != nil {
			return err
		}
		if err := vcpu.SetInstructionPointer(0x80000000); err != nil {
			return err
		}
		return step(vcpu.(*virtualCPU))
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}

func TestRunPSCISystemOff(t *testing.T) {
	code := []byte{
		0x00, 0x80, 0xb0, 0x52, // mov w0, #0x84000000
		0x00, 0x00, 0x1d, 0x32, // orr w0, w0, #0x8
		0x02, 0x00, 0x00, 0xd4, // hvc #0
		0x00, 0x00, 0x00, 0x14, // b .
	}

	runAt(t, code, func(vcpu *virtualCPU) error {
		var cpsr uint64
		if err := hvVcpuGetReg(vcpu.id, hvRegCpsr, &cpsr).toError("get CPSR"); err != nil {
			return err
		}
		if cpsr != arm64.SPSRInitial {
			t.Errorf("CPSR = 0x%x, want 0x%x", cpsr, arm64.SPSRInitial)
		}

		var sctlr uint64
		if err := hvVcpuGetSys(vcpu.id, sysReg(arm64.SCTLR_EL1), &sctlr).toError("get SCTLR_EL1"); err != nil {
			return err
		}
		if sctlr != arm64.SCTLRInitial {
			t.Errorf("SCTLR_EL1 = 0x%x, want 0x%x", sctlr, arm64.SCTLRInitial)
		}

		exit, err := vcpu.Run(context.Background())
		if err != nil {
			return err
		}
		if exit.Kind != hv.ExitShutdown {
			return fmt.Errorf("exit = %s, want Shutdown", exit)
		}
		return nil
	})
}

func TestRunNonPSCIHypercall(t *testing.T) {
	code := []byte{
		0x40, 0x00, 0x80, 0xd2, // mov x0, #2
		0x02, 0x00, 0x00, 0xd4, // hvc #0
		0x00, 0x00, 0x00, 0x14, // b .
	}

	runAt(t, code, func(vcpu *virtualCPU) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		exit, err := vcpu.Run(ctx)
		if err != nil {
			return err
		}
		if exit.Kind != hv.ExitNotSupported {
			return fmt.Errorf("exit = %s, want NotSupported", exit)
		}
		return nil
	})
}

func TestRunPSCIVersionResumes(t *testing.T) {
	code := []byte{
		0x00, 0x80, 0xb0, 0x52, // mov w0, #0x84000000
		0x02, 0x00, 0x00, 0xd4, // hvc #0
		0xe1, 0x03, 0x00, 0xaa, // mov x1, x0
		0x00, 0x80, 0xb0, 0x52, // mov w0, #0x84000000
		0x00, 0x00, 0x1d, 0x32, // orr w0, w0, #0x8
		0x02, 0x00, 0x00, 0xd4, // hvc #0
	}

	runAt(t, code, func(vcpu *virtualCPU) error {
		exit, err := vcpu.Run(context.Background())
		if err != nil {
			return err
		}
		if exit.Kind != hv.ExitShutdown {
			return fmt.Errorf("exit = %s, want Shutdown", exit)
		}

		var x1 uint64
		if err := hvVcpuGetReg(vcpu.id, hvRegX1, &x1).toError("get x1"); err != nil {
			return err
		}
		if x1 != psciVersion02 {
			t.Errorf("PSCI_VERSION answer = 0x%x, want 0x%x", x1, psciVersion02)
		}
		return nil
	})
}

func TestRunCanceled(t *testing.T) {
	runAt(t, []byte{0x00, 0x00, 0x00, 0x14}, func(vcpu *virtualCPU) error {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if _, err := vcpu.Run(ctx); err != context.DeadlineExceeded {
			return fmt.Errorf("Run error = %v, want context.DeadlineExceeded", err)
		}
		return nil
	})
}
