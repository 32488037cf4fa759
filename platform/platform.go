// Package platform defines the contract every accelerator family implements
// and the types shared between the runtime dispatcher and the backends.
package platform

import (
	"fmt"

	"github.com/notargets/DGRuntime/diskcache"
	"github.com/notargets/DGRuntime/failure"
)

// PlatformID indexes the runtime's platform list. Platform 0 is always the host.
type PlatformID uint32

// DeviceID indexes the devices of one platform, in [0, DeviceCount()).
type DeviceID uint32

// HostPlatform is the index of the host platform, used for copy routing.
const HostPlatform PlatformID = 0

// HeapClass is the logical class of an allocation.
type HeapClass uint8

const (
	// Device memory is fastest and not guaranteed to be host visible.
	Device HeapClass = iota + 1
	// HostPinned memory is host visible and DMA capable.
	HostPinned
	// Unified memory is visible to host and device without explicit copies.
	Unified
)

func (c HeapClass) String() string {
	switch c {
	case Device:
		return "Device"
	case HostPinned:
		return "HostPinned"
	case Unified:
		return "Unified"
	default:
		return fmt.Sprintf("HeapClass(%d)", uint8(c))
	}
}

// HostVisible reports whether the class can be viewed from the host.
func (c HeapClass) HostVisible() bool {
	return c == HostPinned || c == Unified
}

// DeviceInfo holds the static properties of one device.
type DeviceInfo struct {
	Name   string
	Target string // ISA or compute-capability descriptor handed to the compiler
	// Resource limits.
	TotalMemory        uint64
	MaxThreadsPerBlock int
	SharedMemPerBlock  int
	ComputeUnits       int
	// Optional features, e.g. "ITS" (independent thread scheduling).
	Features []string
}

// HasFeature reports whether the device advertises feature.
func (d DeviceInfo) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Platform is implemented once per backend family.
//
// Tokens passed to a Platform must come from the same (platform, device) pair;
// a mismatch is an unchecked precondition. Every operation that crosses a
// device boundary activates the device context and restores the caller's
// context before returning.
type Platform interface {
	Name() string
	DeviceCount() int
	DeviceInfo(dev DeviceID) DeviceInfo

	Alloc(dev DeviceID, size int64) (Token, error)
	AllocHost(dev DeviceID, size int64) (Token, error)
	AllocUnified(dev DeviceID, size int64) (Token, error)
	Release(dev DeviceID, t Token) error
	ReleaseHost(dev DeviceID, t Token) error
	// HostView returns the host-visible bytes of a HostPinned or Unified allocation.
	HostView(dev DeviceID, t Token) ([]byte, error)

	// LaunchKernel returns once the launch is accepted by the device queue.
	LaunchKernel(dev DeviceID, params *LaunchParams) error
	// Synchronize blocks until all prior work on dev completes.
	Synchronize(dev DeviceID) error

	// Copy copies between two allocations of this platform.
	Copy(devSrc DeviceID, src Token, offSrc int64, devDst DeviceID, dst Token, offDst int64, size int64) error
	// CopyFromHost copies host bytes into dst at offDst.
	CopyFromHost(src []byte, devDst DeviceID, dst Token, offDst int64) error
	// CopyToHost copies len(dst) bytes from src at offSrc into host memory.
	CopyToHost(devSrc DeviceID, src Token, offSrc int64, dst []byte) error
}

// HostMemory is implemented by the host platform: it resolves host tokens to
// bytes so cross-platform copies can pass through the host.
type HostMemory interface {
	Bytes(dev DeviceID, t Token) ([]byte, error)
}

// Env is the runtime context handed to every platform at construction.
type Env interface {
	ProfilingEnabled() bool
	// AddKernelTime adds microseconds to the global kernel-time accumulator.
	AddKernelTime(us uint64)
	// LoadSource resolves a source identity from the registered file table or disk.
	LoadSource(identity string) ([]byte, error)
	// DiskCache returns the compilation cache, nil when disabled.
	DiskCache() *diskcache.Cache
	// Warn reports a non-fatal diagnostic.
	Warn(err *failure.Error)
}

// Factory constructs a platform. An error means the family is unavailable.
type Factory func(env Env) (Platform, error)
