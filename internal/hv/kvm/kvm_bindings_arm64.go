//go:build linux && arm64

package kvm

import "unsafe"

func getOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func setOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func getOneReg64(vcpuFd int, id uint64) (uint64, error) {
	var val uint64
	if err := getOneReg(vcpuFd, id, unsafe.Pointer(&val)); err != nil {
		return 0, err
	}
	return val, nil
}

func setOneReg64(vcpuFd int, id uint64, val uint64) error {
	return setOneReg(vcpuFd, id, unsafe.Pointer(&val))
}

func armPreferredTarget(fd int) (kvmVcpuInit, error) {
	var init kvmVcpuInit

	if _, err := ioctlWithRetry(uintptr(fd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init))); err != nil {
		return kvmVcpuInit{}, err
	}

	return init, nil
}

func armVcpuInit(vcpuFd int, init *kvmVcpuInit) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(init)))
	return err
}
