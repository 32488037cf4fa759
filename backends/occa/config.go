// Package occa is the accelerator family backed by the OCCA runtime. Sources
// are OKL; each device of the family is one OCCA device opened from Config.
//
// The binding needs the OCCA shared libraries and is compiled with the occa
// build tag. Without it, Factory reports ErrNotBuilt and the runtime keeps a
// placeholder in the family's slot.
package occa

import (
	"github.com/notargets/DGRuntime/platform"
	"github.com/pkg/errors"
)

// Name is the family name.
const Name = "OCCA"

// ErrNotBuilt is returned by Factory when the binary was built without the occa tag.
var ErrNotBuilt = errors.New("built without the occa tag")

// DefaultDevices lists device properties tried in order by Open.
var DefaultDevices = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// Config describes the devices of the family.
type Config struct {
	// Devices holds one property string per device. An empty list opens the
	// first of DefaultDevices that succeeds.
	Devices  []string
	Preamble Preamble
}

// structBytes copies a struct argument into a zeroed buffer of its ABI
// allocation size. The buffer is never empty, so its first byte can seed a
// device allocation.
func structBytes(a platform.KernelArg) []byte {
	buf := make([]byte, max(a.AllocSize, a.Size, 1))
	copy(buf, a.Data[:a.Size])
	return buf
}
