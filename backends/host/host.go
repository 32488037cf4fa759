// Package host implements platform 0, the CPU. Allocations are plain Go
// memory addressed through tokens; kernels are not supported.
package host

import (
	"runtime"
	"unsafe"

	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"golang.org/x/sys/cpu"
)

const (
	// DeviceAlign is the alignment of Device-class allocations.
	DeviceAlign = 32
	// PageSize is the alignment of HostPinned and Unified allocations.
	PageSize = 4096
)

// Name of the platform.
const Name = "CPU"

// Platform is the host platform. It has a single device.
type Platform struct {
	allocs *platform.Handles[[]byte]
	info   platform.DeviceInfo
}

var (
	_ platform.Platform   = (*Platform)(nil)
	_ platform.HostMemory = (*Platform)(nil)
)

// New returns the host platform.
func New() *Platform {
	return &Platform{
		allocs: platform.NewHandles[[]byte](),
		info: platform.DeviceInfo{
			Name:         runtime.GOOS + "/" + runtime.GOARCH,
			Target:       runtime.GOARCH,
			ComputeUnits: runtime.NumCPU(),
			Features:     Features(),
		},
	}
}

// Factory adapts New to platform.Factory.
func Factory(platform.Env) (platform.Platform, error) {
	return New(), nil
}

// Features lists the SIMD extensions of the host CPU.
func Features() []string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}
	add(cpu.X86.HasSSE41, "SSE4.1")
	add(cpu.X86.HasAVX, "AVX")
	add(cpu.X86.HasAVX2, "AVX2")
	add(cpu.X86.HasFMA, "FMA")
	add(cpu.X86.HasAVX512F, "AVX512F")
	add(cpu.ARM64.HasASIMD, "NEON")
	add(cpu.ARM64.HasSVE, "SVE")
	return features
}

func (p *Platform) Name() string     { return Name }
func (p *Platform) DeviceCount() int { return 1 }

func (p *Platform) DeviceInfo(platform.DeviceID) platform.DeviceInfo {
	return p.info
}

func (p *Platform) alloc(class platform.HeapClass, size int64, align int) (platform.Token, error) {
	if size < 0 {
		return platform.NilToken, failure.Configuration("negative allocation size %d", size)
	}
	id := p.allocs.Put(alignedBytes(int(size), align))
	return platform.MakeToken(class, id), nil
}

// alignedBytes returns a slice of n bytes whose first byte is aligned to align.
func alignedBytes(n, align int) []byte {
	raw := make([]byte, n+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+n : off+n]
}

func (p *Platform) Alloc(_ platform.DeviceID, size int64) (platform.Token, error) {
	return p.alloc(platform.Device, size, DeviceAlign)
}

func (p *Platform) AllocHost(_ platform.DeviceID, size int64) (platform.Token, error) {
	return p.alloc(platform.HostPinned, size, PageSize)
}

func (p *Platform) AllocUnified(_ platform.DeviceID, size int64) (platform.Token, error) {
	return p.alloc(platform.Unified, size, PageSize)
}

func (p *Platform) Release(_ platform.DeviceID, t platform.Token) error {
	if _, ok := p.allocs.Delete(t.Index()); !ok {
		return failure.Configuration("release of unknown host token %s", t)
	}
	return nil
}

func (p *Platform) ReleaseHost(dev platform.DeviceID, t platform.Token) error {
	return p.Release(dev, t)
}

// Bytes returns the memory behind t. Every host allocation is host visible.
func (p *Platform) Bytes(_ platform.DeviceID, t platform.Token) ([]byte, error) {
	b, ok := p.allocs.Get(t.Index())
	if !ok {
		return nil, failure.Configuration("unknown host token %s", t)
	}
	return b, nil
}

func (p *Platform) HostView(dev platform.DeviceID, t platform.Token) ([]byte, error) {
	return p.Bytes(dev, t)
}

func (p *Platform) LaunchKernel(platform.DeviceID, *platform.LaunchParams) error {
	return noKernel("launch_kernel")
}

func (p *Platform) Synchronize(platform.DeviceID) error {
	return noKernel("synchronize")
}

func noKernel(call string) error {
	return failure.Backend(call, 0, "kernels are not supported on the CPU")
}

func (p *Platform) Copy(devSrc platform.DeviceID, src platform.Token, offSrc int64,
	devDst platform.DeviceID, dst platform.Token, offDst int64, size int64) error {
	s, err := p.Bytes(devSrc, src)
	if err != nil {
		return err
	}
	d, err := p.Bytes(devDst, dst)
	if err != nil {
		return err
	}
	from, err := Window(s, offSrc, size)
	if err != nil {
		return err
	}
	to, err := Window(d, offDst, size)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (p *Platform) CopyFromHost(src []byte, devDst platform.DeviceID, dst platform.Token, offDst int64) error {
	d, err := p.Bytes(devDst, dst)
	if err != nil {
		return err
	}
	to, err := Window(d, offDst, int64(len(src)))
	if err != nil {
		return err
	}
	copy(to, src)
	return nil
}

func (p *Platform) CopyToHost(devSrc platform.DeviceID, src platform.Token, offSrc int64, dst []byte) error {
	s, err := p.Bytes(devSrc, src)
	if err != nil {
		return err
	}
	from, err := Window(s, offSrc, int64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, from)
	return nil
}

// Window returns b[off:off+size] or a ConfigurationError when the range does
// not fit.
func Window(b []byte, off, size int64) ([]byte, error) {
	if off < 0 || size < 0 || off+size > int64(len(b)) {
		return nil, failure.Configuration("range [%d, %d) outside allocation of %d bytes", off, off+size, len(b))
	}
	return b[off : off+size], nil
}
