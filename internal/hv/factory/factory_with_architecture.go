package factory

import (
	"github.com/tinyrange/minivmm/internal/hv"
)

// OpenWithArchitecture opens the host backend after checking it can run a
// guest of arch. Guests only run natively, so any other architecture is an
// [hv.ArchitectureMismatchError]. An invalid architecture means "use the host
// default".
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	if arch != hv.ArchitectureInvalid && arch != hv.NativeArchitecture() {
		return nil, &hv.ArchitectureMismatchError{Image: arch, Host: hv.NativeArchitecture()}
	}
	return Open()
}
