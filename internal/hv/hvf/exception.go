package hvf

import "fmt"

type exceptionClass uint64

const (
	exceptionClassWFx              exceptionClass = 0x01
	exceptionClassHvc              exceptionClass = 0x16
	exceptionClassSmc              exceptionClass = 0x17
	exceptionClassMsrAccess        exceptionClass = 0x18
	exceptionClassInstAbortLowerEL exceptionClass = 0x20
	exceptionClassDataAbortLowerEL exceptionClass = 0x24
	exceptionClassBrk              exceptionClass = 0x3c
)

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26
)

func syndromeClass(syndrome uint64) exceptionClass {
	return exceptionClass((syndrome >> exceptionClassShift) & exceptionClassMask)
}

func (ec exceptionClass) String() string {
	switch ec {
	case exceptionClassWFx:
		return "WFI/WFE"
	case exceptionClassHvc:
		return "HVC"
	case exceptionClassSmc:
		return "SMC"
	case exceptionClassMsrAccess:
		return "MSR access"
	case exceptionClassInstAbortLowerEL:
		return "Instruction abort lower EL"
	case exceptionClassDataAbortLowerEL:
		return "Data abort lower EL"
	case exceptionClassBrk:
		return "BRK"
	default:
		return fmt.Sprintf("EC 0x%02x", uint64(ec))
	}
}

type psciFunctionID uint32

// PSCI function IDs (SMC32 calling convention)
const (
	psciVersion         psciFunctionID = 0x84000000
	psciCpuSuspend      psciFunctionID = 0x84000001
	psciCpuOff          psciFunctionID = 0x84000002
	psciCpuOn           psciFunctionID = 0x84000003
	psciAffinityInfo    psciFunctionID = 0x84000004
	psciMigrateInfoType psciFunctionID = 0x84000006
	psciSystemOff       psciFunctionID = 0x84000008
	psciSystemReset     psciFunctionID = 0x84000009
	psciFeatures        psciFunctionID = 0x8400000A
)

// PSCI return values
const (
	psciVersion02     uint64 = 0x00010000
	psciNotSupported  uint64 = 0xFFFFFFFF // -1 as uint32
	psciTosNotPresent uint64 = 2          // MIGRATE_INFO_TYPE: no trusted OS
)

func (fid psciFunctionID) String() string {
	switch fid {
	case psciVersion:
		return "PSCI_VERSION"
	case psciCpuSuspend:
		return "PSCI_CPU_SUSPEND"
	case psciCpuOff:
		return "PSCI_CPU_OFF"
	case psciCpuOn:
		return "PSCI_CPU_ON"
	case psciAffinityInfo:
		return "PSCI_AFFINITY_INFO"
	case psciMigrateInfoType:
		return "PSCI_MIGRATE_INFO_TYPE"
	case psciSystemOff:
		return "PSCI_SYSTEM_OFF"
	case psciSystemReset:
		return "PSCI_SYSTEM_RESET"
	case psciFeatures:
		return "PSCI_FEATURES"
	default:
		return fmt.Sprintf("PSCI_FUNCTION_ID_0x%x", uint32(fid))
	}
}

// psciAction is what the host does with a hypervisor call.
type psciAction int

const (
	// psciResume writes result into x0 and re-enters the guest.
	psciResume psciAction = iota
	psciShutdown
	psciUnhandled
)

// handlePSCI decides the outcome of an HVC with x0 as the function ID. SMC32
// function IDs occupy the low word, so any upper bit makes x0 unhandled.
func handlePSCI(x0 uint64) (action psciAction, result uint64) {
	if x0>>32 != 0 {
		return psciUnhandled, 0
	}
	switch psciFunctionID(x0) {
	case psciSystemOff, psciSystemReset:
		return psciShutdown, 0
	case psciVersion:
		return psciResume, psciVersion02
	case psciMigrateInfoType:
		return psciResume, psciTosNotPresent
	case psciFeatures:
		return psciResume, psciNotSupported
	default:
		return psciUnhandled, 0
	}
}

type dataAbortInfo struct {
	valid     bool
	sizeBytes int
	write     bool
	register  int
}

func decodeDataAbort(syndrome uint64) dataAbortInfo {
	const (
		issMask  uint64 = (1 << 25) - 1
		isvBit          = 24
		sasShift        = 22
		sasMask  uint64 = 0x3
		srtShift        = 16
		srtMask  uint64 = 0x1F
		wnrBit          = 6
	)

	iss := syndrome & issMask
	if (iss>>isvBit)&0x1 == 0 {
		return dataAbortInfo{}
	}

	return dataAbortInfo{
		valid:     true,
		sizeBytes: 1 << ((iss >> sasShift) & sasMask),
		write:     (iss>>wnrBit)&0x1 == 1,
		register:  int((iss >> srtShift) & srtMask),
	}
}

func (d dataAbortInfo) String() string {
	if !d.valid {
		return "no syndrome"
	}
	dir := "read"
	if d.write {
		dir = "write"
	}
	return fmt.Sprintf("%s size=%d x%d", dir, d.sizeBytes, d.register)
}
