//go:build linux && arm64

package kvm

import (
	"context"
	"fmt"
	"testing"

	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/hv/arm64"
)

// psciSystemOff calls PSCI SYSTEM_OFF through the hypervisor conduit.
var psciSystemOff = []byte{
	0x00, 0x80, 0xb0, 0x52, // mov w0, #0x84000000
	0x00, 0x00, 0x1d, 0x32, // orr w0, w0, #0x8
	0x02, 0x00, 0x00, 0xd4, // hvc #0
	0x00, 0x00, 0x00, 0x14, // b .
}

func TestEnableArmVcpuFeature(t *testing.T) {
	var init kvmVcpuInit

	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)
	enableArmVcpuFeature(&init, 33)
	enableArmVcpuFeature(&init, 32*kvmArmVcpuInitFeatureWords)

	if init.Features[0] != 1<<2 || init.Features[1] != 1<<1 {
		t.Fatalf("features = %v", init.Features)
	}
}

func TestRunPSCISystemOff(t *testing.T) {
	checkKVMAvailable(t)

	vm := newTestVM(t, hv.GPASpan{Start: 0x80000000, Size: 64 << 20})

	if err := vm.Memory().Write(0x80000000, psciSystemOff); err != nil {
		t.Fatalf("write program: %v", err)
	}

	err := vm.VirtualCPUCall(func(vcpu hv.VirtualCPU) error {
		if err := vcpu.Init(); err != nil {
			return err
		}
		if err := vcpu.SetInstructionPointer(0x80000000); err != nil {
			return err
		}

		fd := vcpu.(*virtualCPU).fd
		pstate, err := getOneReg64(fd, arm64.PSTATE.KVMRegID())
		if err != nil {
			return err
		}
		if pstate != arm64.SPSRInitial {
			t.Errorf("PSTATE = 0x%x, want 0x%x", pstate, arm64.SPSRInitial)
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
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}
