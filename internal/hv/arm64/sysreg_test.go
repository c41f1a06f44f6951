package arm64

import "testing"

func TestInitialValues(t *testing.T) {
	if SPSRInitial != 0x3c5 {
		t.Errorf("SPSRInitial = 0x%x, want 0x3c5", SPSRInitial)
	}
	if SCTLRInitial != 0x30d50818 {
		t.Errorf("SCTLRInitial = 0x%x, want 0x30d50818", SCTLRInitial)
	}
	if SCTLRInitial&(SCTLRM|SCTLRC|SCTLRI) != 0 {
		t.Errorf("SCTLRInitial enables the MMU or caches: 0x%x", SCTLRInitial)
	}
	if SPSRInitial&PSRModeMask != PSRModeEL1h {
		t.Errorf("SPSRInitial mode = 0x%x, want EL1h", SPSRInitial&PSRModeMask)
	}
}

func TestSysRegEncoding(t *testing.T) {
	tests := []struct {
		reg   SysReg
		linux uint64
		kvm   uint64
		hvf   uint16
	}{
		{SCTLR_EL1, 0x181000, 0x603000000013c080, 0xc080},
		{MIDR_EL1, 0x180000, 0x603000000013c000, 0xc000},
		{MPIDR_EL1, 0x1800a0, 0x603000000013c005, 0xc005},
		{VBAR_EL1, 0x18c000, 0x603000000013c600, 0xc600},
		{MAIR_EL1, 0x18a200, 0x603000000013c510, 0xc510},
	}

	for _, tt := range tests {
		t.Run(tt.reg.String(), func(t *testing.T) {
			if uint64(tt.reg) != tt.linux {
				t.Errorf("packed = 0x%x, want 0x%x", uint64(tt.reg), tt.linux)
			}
			if got := tt.reg.KVMRegID(); got != tt.kvm {
				t.Errorf("KVMRegID() = 0x%x, want 0x%x", got, tt.kvm)
			}
			if got := tt.reg.HVFSysReg(); got != tt.hvf {
				t.Errorf("HVFSysReg() = 0x%x, want 0x%x", got, tt.hvf)
			}
		})
	}
}

func TestSysRegFields(t *testing.T) {
	r := NewSysReg(3, 4, 14, 3, 1)
	if r.Op0() != 3 || r.Op1() != 4 || r.CRn() != 14 || r.CRm() != 3 || r.Op2() != 1 {
		t.Fatalf("fields of %s do not round trip", r)
	}
	if got, want := r.String(), "S3_4_C14_C3_1"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestCoreRegIDs(t *testing.T) {
	for reg, want := range map[CoreReg]uint64{
		X0:     0x6030000000100000,
		X1:     0x6030000000100002,
		SP:     0x603000000010003e,
		PC:     0x6030000000100040,
		PSTATE: 0x6030000000100042,
	} {
		if got := reg.KVMRegID(); got != want {
			t.Errorf("core reg %d id = 0x%x, want 0x%x", reg, got, want)
		}
	}
}
