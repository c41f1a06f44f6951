//go:build linux && amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/minivmm/internal/hv/amd64"
)

func (h *hypervisor) supportedMSRs() ([]uint32, error) {
	h.supportedMsrsOnce.Do(func() {
		list, err := getMsrIndexList(h.fd)
		if err != nil {
			h.supportedMsrsErr = err
			return
		}

		h.supportedMsrs = list
	})

	return h.supportedMsrs, h.supportedMsrsErr
}

// bootMSREntries converts the boot MSRs to KVM entries. Every boot MSR must be
// one the host reports as settable.
func (h *hypervisor) bootMSREntries(msrs []amd64.MSR) ([]kvmMsrEntry, error) {
	supported, err := h.supportedMSRs()
	if err != nil {
		return nil, err
	}

	supportedSet := make(map[uint32]struct{}, len(supported))
	for _, idx := range supported {
		supportedSet[idx] = struct{}{}
	}

	var entries []kvmMsrEntry
	for _, msr := range msrs {
		if _, ok := supportedSet[msr.Index]; !ok {
			return nil, fmt.Errorf("MSR 0x%x not supported by host", msr.Index)
		}
		entries = append(entries, kvmMsrEntry{Index: msr.Index, Data: msr.Value})
	}

	return entries, nil
}
