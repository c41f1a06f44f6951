//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"
)

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}

	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr))
	return err
}

const maxCPUIDEntries = 255

func getSupportedCpuId(hvFd int) (*kvmCPUID2, error) {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*maxCPUIDEntries
	cpuidData := make([]byte, size)
	cpuid := (*kvmCPUID2)(unsafe.Pointer(&cpuidData[0]))
	cpuid.Nr = maxCPUIDEntries

	if _, err := ioctlWithRetry(uintptr(hvFd), kvmGetSupportedCpuid, uintptr(unsafe.Pointer(cpuid))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	return cpuid, nil
}

func setVCPUID(vcpuFd int, cpuId *kvmCPUID2) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetCpuid2), uintptr(unsafe.Pointer(cpuId)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}

	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

const maxMSRIndices = 1024

func getMsrIndexList(hvFd int) ([]uint32, error) {
	buf := make([]byte, unsafe.Sizeof(kvmMsrList{})+4*maxMSRIndices)
	list := (*kvmMsrList)(unsafe.Pointer(&buf[0]))
	list.Nmsrs = maxMSRIndices

	if _, err := ioctlWithRetry(uintptr(hvFd), kvmGetMsrIndexList, uintptr(unsafe.Pointer(list))); err != nil {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST: %w", err)
	}

	indices := unsafe.Slice((*uint32)(unsafe.Pointer(&buf[unsafe.Sizeof(kvmMsrList{})])), list.Nmsrs)
	return append([]uint32(nil), indices...), nil
}

// msrBuffer lays out struct kvm_msrs followed by its entries.
func msrBuffer(entries []kvmMsrEntry) []byte {
	header := unsafe.Sizeof(kvmMsrs{})
	entrySize := unsafe.Sizeof(kvmMsrEntry{})

	buf := make([]byte, header+entrySize*uintptr(len(entries)))
	(*kvmMsrs)(unsafe.Pointer(&buf[0])).Nmsrs = uint32(len(entries))
	for i, ent := range entries {
		*(*kvmMsrEntry)(unsafe.Pointer(&buf[header+uintptr(i)*entrySize])) = ent
	}
	return buf
}

func setMSRs(vcpuFd int, entries []kvmMsrEntry) error {
	if len(entries) == 0 {
		return nil
	}

	buf := msrBuffer(entries)
	n, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetMsrs), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}
	if int(n) != len(entries) {
		return fmt.Errorf("KVM_SET_MSRS: set %d of %d entries (failed at 0x%x)", n, len(entries), entries[n].Index)
	}
	return nil
}

func getMSRs(vcpuFd int, indices []uint32) ([]kvmMsrEntry, error) {
	entries := make([]kvmMsrEntry, len(indices))
	for i, idx := range indices {
		entries[i].Index = idx
	}
	if len(entries) == 0 {
		return entries, nil
	}

	buf := msrBuffer(entries)
	n, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetMsrs, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return nil, err
	}
	if int(n) != len(entries) {
		return nil, fmt.Errorf("KVM_GET_MSRS: read %d of %d entries", n, len(entries))
	}

	header := unsafe.Sizeof(kvmMsrs{})
	entrySize := unsafe.Sizeof(kvmMsrEntry{})
	for i := range entries {
		entries[i] = *(*kvmMsrEntry)(unsafe.Pointer(&buf[header+uintptr(i)*entrySize]))
	}
	return entries, nil
}
