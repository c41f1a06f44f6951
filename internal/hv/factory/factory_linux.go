//go:build linux && (amd64 || arm64)

package factory

import (
	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
