// Package arm64 holds the AArch64 processor state and system register
// encodings needed to start a guest at EL1 with the MMU off.
package arm64

// PSTATE / SPSR bits, in the layout of arch/arm64/include/uapi/asm/ptrace.h.
const (
	PSRModeEL0t = 0x00000000
	PSRModeEL1t = 0x00000004
	PSRModeEL1h = 0x00000005
	PSRModeEL2t = 0x00000008
	PSRModeEL2h = 0x00000009
	PSRModeEL3t = 0x0000000c
	PSRModeEL3h = 0x0000000d
	PSRModeMask = 0x0000000f

	PSRMode32 = 0x00000010 // AArch32 state

	PSRF    = 0x00000040
	PSRI    = 0x00000080
	PSRA    = 0x00000100
	PSRD    = 0x00000200
	PSRSSBS = 0x00001000
	PSRSS   = 0x00200000
	PSRPAN  = 0x00400000
	PSRUAO  = 0x00800000
	PSRDIT  = 0x01000000
	PSRTCO  = 0x02000000
	PSRV    = 0x10000000
	PSRC    = 0x20000000
	PSRZ    = 0x40000000
	PSRN    = 0x80000000

	PSRBTypeShift = 10
	PSRBTypeMask  = 0x3 << PSRBTypeShift
)

// SPSRInitial enters EL1 on SP_EL1 with debug, SError, IRQ and FIQ masked.
const SPSRInitial uint64 = PSRD | PSRA | PSRI | PSRF | PSRModeEL1h

// SCTLR_EL1 bits.
const (
	SCTLRM       = 1 << 0 // MMU enable
	SCTLRA       = 1 << 1
	SCTLRC       = 1 << 2 // data cache enable
	SCTLRSA      = 1 << 3
	SCTLRSA0     = 1 << 4
	SCTLREOS     = 1 << 11
	SCTLRI       = 1 << 12 // instruction cache enable
	SCTLRnTWI    = 1 << 16
	SCTLRnTWE    = 1 << 18
	SCTLRWXN     = 1 << 19
	SCTLRE0E     = 1 << 24
	SCTLREE      = 1 << 25
	SCTLRReserve = 3<<28 | 3<<22 | 1<<20 | 1<<11
)

// SCTLRInitial is little endian with the MMU and both caches off, WFI/WFE
// not trapped, exception exit context synchronizing and SP alignment checks
// at EL0 and EL1.
const SCTLRInitial uint64 = SCTLRReserve | SCTLRnTWE | SCTLRnTWI | SCTLREOS | SCTLRSA | SCTLRSA0

// MIDRInitial identifies a Cortex-A53 r0p4.
const MIDRInitial uint64 = 0x410fd034
