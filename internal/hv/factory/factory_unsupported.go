//go:build !((linux && amd64) || (linux && arm64) || (darwin && arm64))

package factory

import (
	"fmt"

	"github.com/tinyrange/minivmm/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("factory: %w", hv.ErrHypervisorUnsupported)
}
