package arm64

import "fmt"

// SysReg is a system register encoding packed the way Linux's sys_reg()
// macro does.
type SysReg uint64

const (
	op0Shift = 19
	op1Shift = 16
	crnShift = 12
	crmShift = 8
	op2Shift = 5
)

func NewSysReg(op0, op1, crn, crm, op2 uint8) SysReg {
	return SysReg(uint64(op0&0x3)<<op0Shift |
		uint64(op1&0x7)<<op1Shift |
		uint64(crn&0xf)<<crnShift |
		uint64(crm&0xf)<<crmShift |
		uint64(op2&0x7)<<op2Shift)
}

func (r SysReg) Op0() uint8 { return uint8(r>>op0Shift) & 0x3 }
func (r SysReg) Op1() uint8 { return uint8(r>>op1Shift) & 0x7 }
func (r SysReg) CRn() uint8 { return uint8(r>>crnShift) & 0xf }
func (r SysReg) CRm() uint8 { return uint8(r>>crmShift) & 0xf }
func (r SysReg) Op2() uint8 { return uint8(r>>op2Shift) & 0x7 }

// encoding is the 16-bit op0:op1:CRn:CRm:op2 form shared by KVM's sysreg ids
// and Hypervisor.framework's hv_sys_reg_t.
func (r SysReg) encoding() uint64 {
	return uint64(r.Op0())<<14 |
		uint64(r.Op1())<<11 |
		uint64(r.CRn())<<7 |
		uint64(r.CRm())<<3 |
		uint64(r.Op2())
}

// KVMRegID returns the KVM_{GET,SET}_ONE_REG id of the register.
func (r SysReg) KVMRegID() uint64 {
	return KVMRegARM64 | KVMRegSizeU64 | KVMRegARM64SysReg | r.encoding()
}

// HVFSysReg returns the hv_sys_reg_t value of the register.
func (r SysReg) HVFSysReg() uint16 {
	return uint16(r.encoding())
}

func (r SysReg) String() string {
	if name, ok := sysRegNames[r]; ok {
		return name
	}
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", r.Op0(), r.Op1(), r.CRn(), r.CRm(), r.Op2())
}

var (
	MIDR_EL1  = NewSysReg(3, 0, 0, 0, 0)
	MPIDR_EL1 = NewSysReg(3, 0, 0, 0, 5)
	SCTLR_EL1 = NewSysReg(3, 0, 1, 0, 0)
	TTBR0_EL1 = NewSysReg(3, 0, 2, 0, 0)
	TTBR1_EL1 = NewSysReg(3, 0, 2, 0, 1)
	TCR_EL1   = NewSysReg(3, 0, 2, 0, 2)
	SPSR_EL1  = NewSysReg(3, 0, 4, 0, 0)
	ELR_EL1   = NewSysReg(3, 0, 4, 0, 1)
	ESR_EL1   = NewSysReg(3, 0, 5, 2, 0)
	MAIR_EL1  = NewSysReg(3, 0, 10, 2, 0)
	VBAR_EL1  = NewSysReg(3, 0, 12, 0, 0)
)

var sysRegNames = map[SysReg]string{
	MIDR_EL1:  "MIDR_EL1",
	MPIDR_EL1: "MPIDR_EL1",
	SCTLR_EL1: "SCTLR_EL1",
	TTBR0_EL1: "TTBR0_EL1",
	TTBR1_EL1: "TTBR1_EL1",
	TCR_EL1:   "TCR_EL1",
	SPSR_EL1:  "SPSR_EL1",
	ELR_EL1:   "ELR_EL1",
	ESR_EL1:   "ESR_EL1",
	MAIR_EL1:  "MAIR_EL1",
	VBAR_EL1:  "VBAR_EL1",
}

// KVM ONE_REG id fields.
const (
	KVMRegARM64       uint64 = 0x6000000000000000
	KVMRegSizeU32     uint64 = 0x0020000000000000
	KVMRegSizeU64     uint64 = 0x0030000000000000
	kvmRegCoprocShift        = 16
	KVMRegARMCore     uint64 = 0x0010 << kvmRegCoprocShift
	KVMRegARM64SysReg uint64 = 0x0013 << kvmRegCoprocShift
)

// CoreReg is an index into struct user_pt_regs: X0..X30, SP, PC, PSTATE.
type CoreReg int

const (
	X0 CoreReg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	SP
	PC
	PSTATE
)

// KVMRegID returns the ONE_REG id of the core register. Core ids count
// 32-bit words from the start of struct kvm_regs.
func (r CoreReg) KVMRegID() uint64 {
	return KVMRegARM64 | KVMRegSizeU64 | KVMRegARMCore | uint64(r)*8/4
}
