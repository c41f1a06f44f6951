//go:build darwin && arm64

package factory

import (
	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/hv/hvf"
)

func Open() (hv.Hypervisor, error) {
	return hvf.Open()
}
