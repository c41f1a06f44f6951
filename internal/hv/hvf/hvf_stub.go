//go:build !darwin || !arm64

package hvf

import (
	"fmt"

	"github.com/tinyrange/minivmm/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("hvf: %w", hv.ErrHypervisorUnsupported)
}
