//go:build occa

package occa

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/kernelcache"
	"github.com/notargets/DGRuntime/platform"
	"github.com/notargets/gocca"
	"k8s.io/klog/v2"
)

type buffer struct {
	class platform.HeapClass
	size  int64
	mem   *gocca.OCCAMemory // Device class
	host  []byte            // HostPinned class
}

type device struct {
	occa *gocca.OCCADevice
	mode string

	mu      sync.Mutex
	buffers *platform.Handles[*buffer]
	// struct arguments of launches not yet synchronized
	temps []*gocca.OCCAMemory
}

// Platform is the OCCA family.
type Platform struct {
	env     platform.Env
	cfg     Config
	devices []*device
	engine  *kernelcache.Engine

	mu      sync.Mutex
	modules *platform.Handles[string]
	kernels *platform.Handles[*gocca.OCCAKernel]
}

var (
	_ platform.Platform   = (*Platform)(nil)
	_ platform.Toolchain  = (*Platform)(nil)
	_ platform.HostMemory = (*Platform)(nil)
)

// Open returns the first device of props that OCCA can create.
func Open(props []string) (*gocca.OCCADevice, error) {
	var lastErr error
	for _, p := range props {
		dev, err := gocca.NewDevice(p)
		if err == nil {
			klog.V(1).Infof("created OCCA %s device", dev.Mode())
			return dev, nil
		}
		lastErr = err
	}
	return nil, failure.Backend("occaCreateDevice()", 0, fmt.Sprintf("no device could be created: %v", lastErr))
}

// New opens the configured devices.
func New(env platform.Env, cfg Config) (*Platform, error) {
	p := &Platform{
		env:     env,
		cfg:     cfg,
		modules: platform.NewHandles[string](),
		kernels: platform.NewHandles[*gocca.OCCAKernel](),
	}
	props := cfg.Devices
	if len(props) == 0 {
		dev, err := Open(DefaultDevices)
		if err != nil {
			return nil, err
		}
		p.devices = append(p.devices, newDevice(dev))
	}
	for _, prop := range props {
		dev, err := gocca.NewDevice(prop)
		if err != nil {
			p.Close()
			return nil, failure.Backend("occaCreateDevice()", 0, fmt.Sprintf("%s: %v", prop, err))
		}
		p.devices = append(p.devices, newDevice(dev))
	}
	p.engine = kernelcache.New(p, env, kernelcache.Options{Platform: Name, Devices: len(p.devices), Ext: ".okl"})
	return p, nil
}

func newDevice(dev *gocca.OCCADevice) *device {
	return &device{occa: dev, mode: dev.Mode(), buffers: platform.NewHandles[*buffer]()}
}

// Factory returns a platform.Factory for the OCCA family.
func Factory(cfg Config) platform.Factory {
	return func(env platform.Env) (platform.Platform, error) {
		return New(env, cfg)
	}
}

// Engine returns the compile-and-cache engine.
func (p *Platform) Engine() *kernelcache.Engine { return p.engine }

// Close frees the kernels and devices.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := uint64(1); p.kernels.Len() > 0; id++ {
		if k, ok := p.kernels.Delete(id); ok {
			k.Free()
		}
	}
	for _, d := range p.devices {
		d.occa.Free()
	}
	p.devices = nil
	return nil
}

func (p *Platform) Name() string     { return Name }
func (p *Platform) DeviceCount() int { return len(p.devices) }

func (p *Platform) DeviceInfo(dev platform.DeviceID) platform.DeviceInfo {
	d, err := p.device(dev)
	if err != nil {
		return platform.DeviceInfo{}
	}
	return platform.DeviceInfo{
		Name:     fmt.Sprintf("OCCA %s device %d", d.mode, dev),
		Target:   p.Target(dev),
		Features: []string{"mode=" + d.mode},
	}
}

func (p *Platform) device(dev platform.DeviceID) (*device, error) {
	if int(dev) >= len(p.devices) {
		return nil, failure.Configuration("%s: invalid device %d", Name, dev)
	}
	return p.devices[dev], nil
}

func (d *device) buffer(t platform.Token) (*buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers.Get(t.Index())
	if !ok || b.class != t.Class() {
		return nil, failure.Configuration("%s: unknown token %v", Name, t)
	}
	return b, nil
}

func (p *Platform) Alloc(dev platform.DeviceID, size int64) (platform.Token, error) {
	d, err := p.device(dev)
	if err != nil {
		return platform.NilToken, err
	}
	mem := d.occa.Malloc(size, nil, nil)
	if mem == nil {
		return platform.NilToken, failure.Backend("occaDeviceMalloc()", 0, fmt.Sprintf("cannot allocate %d bytes", size))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.buffers.Put(&buffer{class: platform.Device, size: size, mem: mem})
	return platform.MakeToken(platform.Device, id), nil
}

// AllocHost returns pageable host memory; OCCA exposes no pinned allocator.
func (p *Platform) AllocHost(dev platform.DeviceID, size int64) (platform.Token, error) {
	d, err := p.device(dev)
	if err != nil {
		return platform.NilToken, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.buffers.Put(&buffer{class: platform.HostPinned, size: size, host: make([]byte, size)})
	return platform.MakeToken(platform.HostPinned, id), nil
}

func (p *Platform) AllocUnified(platform.DeviceID, int64) (platform.Token, error) {
	return platform.NilToken, failure.Backend("occaDeviceMalloc()", 0, "unified memory is not supported")
}

func (p *Platform) release(dev platform.DeviceID, t platform.Token) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers.Get(t.Index())
	if !ok || b.class != t.Class() {
		return failure.Configuration("%s: release of unknown token %v", Name, t)
	}
	d.buffers.Delete(t.Index())
	if b.mem != nil {
		b.mem.Free()
	}
	return nil
}

func (p *Platform) Release(dev platform.DeviceID, t platform.Token) error {
	return p.release(dev, t)
}

func (p *Platform) ReleaseHost(dev platform.DeviceID, t platform.Token) error {
	return p.release(dev, t)
}

// Bytes implements platform.HostMemory for HostPinned tokens.
func (p *Platform) Bytes(dev platform.DeviceID, t platform.Token) ([]byte, error) {
	return p.HostView(dev, t)
}

func (p *Platform) HostView(dev platform.DeviceID, t platform.Token) ([]byte, error) {
	d, err := p.device(dev)
	if err != nil {
		return nil, err
	}
	b, err := d.buffer(t)
	if err != nil {
		return nil, err
	}
	if b.host == nil {
		return nil, failure.Configuration("%s: token %v is not host visible", Name, t)
	}
	return b.host, nil
}

func checkRange(b *buffer, off, size int64) error {
	if off < 0 || size < 0 || off+size > b.size {
		return failure.Configuration("%s: range [%d, %d) outside a %d byte allocation", Name, off, off+size, b.size)
	}
	return nil
}

// write stores src at off. OCCA copies from the host at offset zero only, so
// partial writes elsewhere read the buffer back first.
func (b *buffer) write(src []byte, off int64) {
	if b.host != nil {
		copy(b.host[off:], src)
		return
	}
	if off == 0 {
		b.mem.CopyFrom(unsafe.Pointer(&src[0]), int64(len(src)))
		return
	}
	full := make([]byte, off+int64(len(src)))
	b.mem.CopyTo(unsafe.Pointer(&full[0]), off)
	copy(full[off:], src)
	b.mem.CopyFrom(unsafe.Pointer(&full[0]), int64(len(full)))
}

func (b *buffer) read(dst []byte, off int64) {
	if b.host != nil {
		copy(dst, b.host[off:])
		return
	}
	b.mem.CopyToWithOffset(unsafe.Pointer(&dst[0]), int64(len(dst)), off)
}

func (p *Platform) Copy(devSrc platform.DeviceID, src platform.Token, offSrc int64,
	devDst platform.DeviceID, dst platform.Token, offDst int64, size int64) error {
	staging := make([]byte, size)
	if err := p.CopyToHost(devSrc, src, offSrc, staging); err != nil {
		return err
	}
	return p.CopyFromHost(staging, devDst, dst, offDst)
}

func (p *Platform) CopyFromHost(src []byte, devDst platform.DeviceID, dst platform.Token, offDst int64) error {
	d, err := p.device(devDst)
	if err != nil {
		return err
	}
	b, err := d.buffer(dst)
	if err != nil {
		return err
	}
	if err := checkRange(b, offDst, int64(len(src))); err != nil {
		return err
	}
	if len(src) > 0 {
		b.write(src, offDst)
	}
	return nil
}

func (p *Platform) CopyToHost(devSrc platform.DeviceID, src platform.Token, offSrc int64, dst []byte) error {
	d, err := p.device(devSrc)
	if err != nil {
		return err
	}
	b, err := d.buffer(src)
	if err != nil {
		return err
	}
	if err := checkRange(b, offSrc, int64(len(dst))); err != nil {
		return err
	}
	if len(dst) > 0 {
		b.read(dst, offSrc)
	}
	return nil
}

// Target implements platform.Toolchain.
func (p *Platform) Target(dev platform.DeviceID) string {
	if int(dev) >= len(p.devices) {
		return "occa"
	}
	return "occa:" + p.devices[dev].mode
}

// Compile prepends the preamble. OCCA compiles per kernel when it is resolved.
func (p *Platform) Compile(dev platform.DeviceID, identity string, source []byte) ([]byte, string, error) {
	return []byte(p.cfg.Preamble.Generate() + "\n" + string(source)), "", nil
}

func (p *Platform) LoadModule(dev platform.DeviceID, identity string, binary []byte) (platform.Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return platform.Module(p.modules.Put(string(binary))), nil
}

func (p *Platform) ResolveKernel(dev platform.DeviceID, mod platform.Module, name string) (platform.Kernel, error) {
	d, err := p.device(dev)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	src, ok := p.modules.Get(uint64(mod))
	p.mu.Unlock()
	if !ok {
		return 0, failure.Backend("occaDeviceBuildKernelFromString()", 0, fmt.Sprintf("unknown module %d", mod))
	}

	var kernel *gocca.OCCAKernel
	if d.mode == "OpenMP" {
		// OpenMP builds do not get -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = d.occa.BuildKernelFromString(src, name, props)
	} else {
		kernel, err = d.occa.BuildKernelFromString(src, name, nil)
	}
	if err != nil {
		return 0, failure.Compilation(err.Error(), "failed to build kernel %s", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return platform.Kernel(p.kernels.Put(kernel)), nil
}

// scalar decodes a by-value argument into the Go value RunWithArgs expects.
func scalar(a platform.KernelArg) (interface{}, error) {
	switch a.Type {
	case platform.Int32:
		return int32(binary.NativeEndian.Uint32(a.Data)), nil
	case platform.Uint32:
		return binary.NativeEndian.Uint32(a.Data), nil
	case platform.Float32:
		return math.Float32frombits(binary.NativeEndian.Uint32(a.Data)), nil
	case platform.Int64:
		return int64(binary.NativeEndian.Uint64(a.Data)), nil
	case platform.Uint64:
		return binary.NativeEndian.Uint64(a.Data), nil
	case platform.Float64:
		return math.Float64frombits(binary.NativeEndian.Uint64(a.Data)), nil
	}
	return nil, failure.Configuration("%s: untyped %d byte value argument", Name, len(a.Data))
}

// LaunchKernel runs a kernel. OKL kernels carry their own @outer/@inner
// bounds, so the grid and block only pass the common precondition.
func (p *Platform) LaunchKernel(dev platform.DeviceID, params *platform.LaunchParams) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	entry, err := p.engine.LoadKernel(dev, params.Source, params.Kernel)
	if err != nil {
		return err
	}
	p.mu.Lock()
	kernel, ok := p.kernels.Get(uint64(entry.Kernel))
	p.mu.Unlock()
	if !ok {
		return failure.Backend("occaKernelRun()", 0, fmt.Sprintf("kernel %s was released", params.Kernel))
	}

	args := make([]interface{}, len(params.Args))
	for i, a := range params.Args {
		switch a.Kind {
		case platform.Pointer:
			b, err := d.buffer(a.Token())
			if err != nil {
				return err
			}
			if b.mem == nil {
				return failure.Configuration("%s: argument %d is not device memory", Name, i)
			}
			args[i] = b.mem
		case platform.Value:
			if args[i], err = scalar(a); err != nil {
				return err
			}
		case platform.Struct:
			buf := structBytes(a)
			mem := d.occa.Malloc(int64(len(buf)), unsafe.Pointer(&buf[0]), nil)
			d.mu.Lock()
			d.temps = append(d.temps, mem)
			d.mu.Unlock()
			args[i] = mem
		}
	}

	klog.V(2).Infof("%s: running %s grid=%v block=%v", d.mode, params.Kernel, params.Grid, params.Block)
	start := time.Now()
	if err := kernel.RunWithArgs(args...); err != nil {
		return failure.Backend("occaKernelRun()", 0, err.Error())
	}
	if p.env.ProfilingEnabled() {
		d.occa.Finish()
		p.env.AddKernelTime(uint64(time.Since(start).Microseconds()))
	}
	return nil
}

// Synchronize waits for the device and frees the struct arguments of the
// launches it retired.
func (p *Platform) Synchronize(dev platform.DeviceID) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	d.occa.Finish()
	d.mu.Lock()
	temps := d.temps
	d.temps = nil
	d.mu.Unlock()
	for _, mem := range temps {
		mem.Free()
	}
	return nil
}
