// Package cuda is the NVIDIA accelerator family. It binds the driver API and
// NVRTC at run time with purego, so binaries build without cgo and start on
// machines without a GPU; the runtime then keeps a placeholder in the slot.
//
// Sources are .cu files compiled to PTX by NVRTC, or .ptx files loaded as is.
// Arguments use the pointer-array ABI.
package cuda

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/kernelcache"
	"github.com/notargets/DGRuntime/marshal"
	"github.com/notargets/DGRuntime/platform"
	"k8s.io/klog/v2"
)

// Name is the family name.
const Name = "CUDA"

// Config tunes the family.
type Config struct {
	// IncludeDir is passed to NVRTC with -I.
	IncludeDir string
	// Options are extra NVRTC flags, e.g. "-G".
	Options []string
	// DumpDir, if set, receives the PTX of every compiled .cu source.
	DumpDir string
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{IncludeDir: "/usr/local/cuda/include", Options: []string{"-lineinfo", "-std=c++17"}}
}

type buffer struct {
	class platform.HeapClass
	addr  uint64         // device address
	host  unsafe.Pointer // host address of HostPinned and Unified memory
	size  int64
}

type device struct {
	ordinal     int32
	ctx         uintptr
	name        string
	cc          int // compute capability, major*10 + minor
	totalMem    uint64
	maxThreads  int
	sharedBytes int
	sms         int

	mu      sync.Mutex
	buffers *platform.Handles[*buffer]
}

type profile struct {
	ctx        uintptr
	start, end uintptr
}

// Platform is the CUDA family.
type Platform struct {
	env     platform.Env
	cfg     Config
	devices []*device
	engine  *kernelcache.Engine

	mu      sync.Mutex
	modules *platform.Handles[uintptr]
	kernels *platform.Handles[uintptr]

	profMu   sync.Mutex
	profiles []profile
}

var (
	_ platform.Platform        = (*Platform)(nil)
	_ platform.Toolchain       = (*Platform)(nil)
	_ platform.KernelInspector = (*Platform)(nil)
)

func check(call string, r CUresult) error {
	if r == cudaSuccess {
		return nil
	}
	return failure.Backend(call, int(r), describe(r))
}

// New loads the driver and retains the primary context of every device.
func New(env platform.Env, cfg Config) (*Platform, error) {
	if err := loadDriver(); err != nil {
		fe := failure.Backend("cuInit()", 0, "CUDA driver not available")
		fe.Err = err
		return nil, fe
	}
	var count int32
	if err := check("cuDeviceGetCount()", cuDeviceGetCount(&count)); err != nil {
		return nil, err
	}
	p := &Platform{
		env:     env,
		cfg:     cfg,
		modules: platform.NewHandles[uintptr](),
		kernels: platform.NewHandles[uintptr](),
	}
	for i := int32(0); i < count; i++ {
		d, err := openDevice(i)
		if err != nil {
			p.Close()
			return nil, err
		}
		klog.V(1).Infof("CUDA device %d: %s, compute capability %d.%d, %s", i, d.name, d.cc/10, d.cc%10,
			humanize.IBytes(d.totalMem))
		p.devices = append(p.devices, d)
	}
	p.engine = kernelcache.New(p, env, kernelcache.Options{Platform: Name, Devices: len(p.devices), Ext: ".ptx"})
	return p, nil
}

// Factory returns a platform.Factory for the CUDA family.
func Factory(cfg Config) platform.Factory {
	return func(env platform.Env) (platform.Platform, error) {
		return New(env, cfg)
	}
}

func openDevice(ordinal int32) (*device, error) {
	d := &device{ordinal: ordinal, buffers: platform.NewHandles[*buffer]()}
	var dev int32
	if err := check("cuDeviceGet()", cuDeviceGet(&dev, ordinal)); err != nil {
		return nil, err
	}
	name := make([]byte, 256)
	if err := check("cuDeviceGetName()", cuDeviceGetName(&name[0], int32(len(name)), dev)); err != nil {
		return nil, err
	}
	d.name = goString(&name[0])
	if err := check("cuDeviceTotalMem()", cuDeviceTotalMem(&d.totalMem, dev)); err != nil {
		return nil, err
	}
	attr := func(a int32) (int, error) {
		var v int32
		err := check("cuDeviceGetAttribute()", cuDeviceGetAttribute(&v, a, dev))
		return int(v), err
	}
	var major, minor int
	var err error
	for _, q := range []struct {
		attr int32
		dst  *int
	}{
		{cuDeviceAttributeComputeCapabilityMajor, &major},
		{cuDeviceAttributeComputeCapabilityMinor, &minor},
		{cuDeviceAttributeMaxThreadsPerBlock, &d.maxThreads},
		{cuDeviceAttributeMaxSharedMemoryPerBlock, &d.sharedBytes},
		{cuDeviceAttributeMultiprocessorCount, &d.sms},
	} {
		if *q.dst, err = attr(q.attr); err != nil {
			return nil, err
		}
	}
	d.cc = major*10 + minor
	if err := check("cuDevicePrimaryCtxRetain()", cuDevicePrimaryCtxRetain(&d.ctx, dev)); err != nil {
		return nil, err
	}
	return d, nil
}

// Engine returns the compile-and-cache engine.
func (p *Platform) Engine() *kernelcache.Engine { return p.engine }

// Close folds outstanding profiles and releases the primary contexts.
func (p *Platform) Close() error {
	p.eraseProfiles(true)
	for _, d := range p.devices {
		if err := check("cuDevicePrimaryCtxRelease()", cuDevicePrimaryCtxRelease(d.ordinal)); err != nil {
			klog.Warningf("%v", err)
		}
	}
	p.devices = nil
	return nil
}

// withContext runs fn with the device's context current on a locked thread.
func withContext(d *device, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check("cuCtxPushCurrent()", cuCtxPushCurrent(d.ctx)); err != nil {
		return err
	}
	defer func() {
		var ctx uintptr
		cuCtxPopCurrent(&ctx)
	}()
	return fn()
}

func (p *Platform) Name() string     { return Name }
func (p *Platform) DeviceCount() int { return len(p.devices) }

func (p *Platform) DeviceInfo(dev platform.DeviceID) platform.DeviceInfo {
	d, err := p.device(dev)
	if err != nil {
		return platform.DeviceInfo{}
	}
	info := platform.DeviceInfo{
		Name:               d.name,
		Target:             p.Target(dev),
		TotalMemory:        d.totalMem,
		MaxThreadsPerBlock: d.maxThreads,
		SharedMemPerBlock:  d.sharedBytes,
		ComputeUnits:       d.sms,
		Features:           []string{"unified"},
	}
	if d.cc >= 70 {
		info.Features = append(info.Features, "ITS")
	}
	return info
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
		return nil, failure.Configuration("%s: unknown token %v on device %d", Name, t, d.ordinal)
	}
	return b, nil
}

func (d *device) put(b *buffer) platform.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	return platform.MakeToken(b.class, d.buffers.Put(b))
}

func (p *Platform) Alloc(dev platform.DeviceID, size int64) (platform.Token, error) {
	d, err := p.device(dev)
	if err != nil {
		return platform.NilToken, err
	}
	b := &buffer{class: platform.Device, size: size}
	err = withContext(d, func() error {
		return check("cuMemAlloc()", cuMemAlloc(&b.addr, uint64(size)))
	})
	if err != nil {
		return platform.NilToken, err
	}
	return d.put(b), nil
}

func (p *Platform) AllocHost(dev platform.DeviceID, size int64) (platform.Token, error) {
	d, err := p.device(dev)
	if err != nil {
		return platform.NilToken, err
	}
	b := &buffer{class: platform.HostPinned, size: size}
	err = withContext(d, func() error {
		if err := check("cuMemHostAlloc()", cuMemHostAlloc(&b.host, uint64(size), cuMemHostAllocDeviceMap)); err != nil {
			return err
		}
		return check("cuMemHostGetDevicePointer()", cuMemHostGetDevicePointer(&b.addr, b.host, 0))
	})
	if err != nil {
		return platform.NilToken, err
	}
	return d.put(b), nil
}

func (p *Platform) AllocUnified(dev platform.DeviceID, size int64) (platform.Token, error) {
	d, err := p.device(dev)
	if err != nil {
		return platform.NilToken, err
	}
	b := &buffer{class: platform.Unified, size: size}
	err = withContext(d, func() error {
		return check("cuMemAllocManaged()", cuMemAllocManaged(&b.addr, uint64(size), cuMemAttachGlobal))
	})
	if err != nil {
		return platform.NilToken, err
	}
	// managed memory has the same address on the host
	b.host = *(*unsafe.Pointer)(unsafe.Pointer(&b.addr))
	return d.put(b), nil
}

func (p *Platform) release(dev platform.DeviceID, t platform.Token) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	d.mu.Lock()
	b, ok := d.buffers.Get(t.Index())
	if ok && b.class == t.Class() {
		d.buffers.Delete(t.Index())
	}
	d.mu.Unlock()
	if !ok || b.class != t.Class() {
		return failure.Configuration("%s: release of unknown token %v", Name, t)
	}
	return withContext(d, func() error {
		if b.class == platform.HostPinned {
			return check("cuMemFreeHost()", cuMemFreeHost(b.host))
		}
		return check("cuMemFree()", cuMemFree(b.addr))
	})
}

func (p *Platform) Release(dev platform.DeviceID, t platform.Token) error {
	if t.Class() == platform.HostPinned {
		return failure.Configuration("%s: %v must be released with ReleaseHost", Name, t)
	}
	return p.release(dev, t)
}

func (p *Platform) ReleaseHost(dev platform.DeviceID, t platform.Token) error {
	if t.Class() != platform.HostPinned {
		return failure.Configuration("%s: %v was not allocated with AllocHost", Name, t)
	}
	return p.release(dev, t)
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
	if !b.class.HostVisible() {
		return nil, failure.Configuration("%s: %v is not host visible", Name, t)
	}
	return unsafe.Slice((*byte)(b.host), b.size), nil
}

func checkRange(b *buffer, off, size int64) error {
	if off < 0 || size < 0 || off+size > b.size {
		return failure.Configuration("%s: range [%d, %d) outside a %d byte allocation", Name, off, off+size, b.size)
	}
	return nil
}

func (p *Platform) Copy(devSrc platform.DeviceID, src platform.Token, offSrc int64,
	devDst platform.DeviceID, dst platform.Token, offDst int64, size int64) error {
	if devSrc != devDst {
		staging := make([]byte, size)
		if err := p.CopyToHost(devSrc, src, offSrc, staging); err != nil {
			return err
		}
		return p.CopyFromHost(staging, devDst, dst, offDst)
	}
	d, err := p.device(devSrc)
	if err != nil {
		return err
	}
	bs, err := d.buffer(src)
	if err != nil {
		return err
	}
	bd, err := d.buffer(dst)
	if err != nil {
		return err
	}
	if err := checkRange(bs, offSrc, size); err != nil {
		return err
	}
	if err := checkRange(bd, offDst, size); err != nil {
		return err
	}
	return withContext(d, func() error {
		return check("cuMemcpyDtoD()", cuMemcpyDtoD(bd.addr+uint64(offDst), bs.addr+uint64(offSrc), uint64(size)))
	})
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
	if len(src) == 0 {
		return nil
	}
	return withContext(d, func() error {
		return check("cuMemcpyHtoD()", cuMemcpyHtoD(b.addr+uint64(offDst), unsafe.Pointer(&src[0]), uint64(len(src))))
	})
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
	if len(dst) == 0 {
		return nil
	}
	return withContext(d, func() error {
		return check("cuMemcpyDtoH()", cuMemcpyDtoH(unsafe.Pointer(&dst[0]), b.addr+uint64(offSrc), uint64(len(dst))))
	})
}

// binder resolves tokens to device addresses.
type binder struct{ d *device }

func (b binder) DevicePointer(t platform.Token) (uint64, error) {
	buf, err := b.d.buffer(t)
	if err != nil {
		return 0, err
	}
	return buf.addr, nil
}

// LaunchKernel compiles and resolves on first use and enqueues the launch on
// the default stream. Struct arguments are passed by value.
func (p *Platform) LaunchKernel(dev platform.DeviceID, params *platform.LaunchParams) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	if int(params.Block.Size()) > d.maxThreads {
		return failure.Configuration("%s: block %v exceeds %d threads", Name, params.Block, d.maxThreads)
	}
	entry, err := p.engine.LoadKernel(dev, params.Source, params.Kernel)
	if err != nil {
		return err
	}
	p.mu.Lock()
	fn, ok := p.kernels.Get(uint64(entry.Kernel))
	p.mu.Unlock()
	if !ok {
		return failure.Backend("cuLaunchKernel()", 400, "invalid kernel handle")
	}

	low, err := marshal.Lower(params.Args, binder{d})
	if err != nil {
		return err
	}
	defer low.Release()
	args, err := marshal.NewPointerArray(low.Args)
	if err != nil {
		return err
	}
	defer args.Release()

	profiling := p.env.ProfilingEnabled()
	if profiling {
		p.eraseProfiles(false)
	}
	blocks := params.Grid.Div(params.Block)
	return withContext(d, func() error {
		var prof profile
		if profiling {
			prof.ctx = d.ctx
			if err := check("cuEventCreate()", cuEventCreate(&prof.start, cuEventDefault)); err != nil {
				return err
			}
			if err := check("cuEventRecord()", cuEventRecord(prof.start, 0)); err != nil {
				return err
			}
		}
		err := check("cuLaunchKernel()", cuLaunchKernel(fn,
			blocks[0], blocks[1], blocks[2],
			params.Block[0], params.Block[1], params.Block[2],
			0, 0, args.Base(), nil))
		if err != nil {
			return err
		}
		if profiling {
			if err := check("cuEventCreate()", cuEventCreate(&prof.end, cuEventDefault)); err != nil {
				return err
			}
			if err := check("cuEventRecord()", cuEventRecord(prof.end, 0)); err != nil {
				return err
			}
			p.profMu.Lock()
			p.profiles = append(p.profiles, prof)
			p.profMu.Unlock()
		}
		return nil
	})
}

// eraseProfiles folds completed launch timings into the kernel time and
// destroys their events. With all set, pending profiles are dropped too.
func (p *Platform) eraseProfiles(all bool) {
	p.profMu.Lock()
	defer p.profMu.Unlock()
	kept := p.profiles[:0]
	for _, prof := range p.profiles {
		erased := false
		_ = withContext(&device{ctx: prof.ctx}, func() error {
			status := cuEventQuery(prof.end)
			erased = all || status == cudaSuccess
			if !erased {
				return nil
			}
			if status == cudaSuccess {
				var ms float32
				if cuEventElapsedTime(&ms, prof.start, prof.end) == cudaSuccess {
					p.env.AddKernelTime(uint64(ms * 1000))
				}
			}
			cuEventDestroy(prof.start)
			cuEventDestroy(prof.end)
			return nil
		})
		if !erased {
			kept = append(kept, prof)
		}
	}
	p.profiles = kept
}

func (p *Platform) Synchronize(dev platform.DeviceID) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	err = withContext(d, func() error {
		return check("cuCtxSynchronize()", cuCtxSynchronize())
	})
	p.eraseProfiles(false)
	return err
}

// Target implements platform.Toolchain: the compute capability, e.g. "86".
func (p *Platform) Target(dev platform.DeviceID) string {
	if int(dev) >= len(p.devices) {
		return ""
	}
	return strconv.Itoa(p.devices[dev].cc)
}

// Compile returns PTX. .ptx sources pass through; .cu sources go through NVRTC.
func (p *Platform) Compile(dev platform.DeviceID, identity string, source []byte) ([]byte, string, error) {
	d, err := p.device(dev)
	if err != nil {
		return nil, "", err
	}
	switch filepath.Ext(identity) {
	case ".ptx":
		return source, "", nil
	case ".cu":
	default:
		return nil, "", failure.Compilation("", "incorrect extension for kernel file %q (should be .ptx or .cu)", identity)
	}
	if err := loadNVRTC(); err != nil {
		fe := failure.Compilation("", "NVRTC not available")
		fe.Err = err
		return nil, "", fe
	}
	options := []string{"-arch=compute_" + strconv.Itoa(d.cc)}
	if p.cfg.IncludeDir != "" {
		options = append(options, "-I", p.cfg.IncludeDir)
	}
	options = append(options, p.cfg.Options...)
	klog.V(1).Infof("compiling %s to PTX with NVRTC for CUDA device %d", identity, dev)
	ptx, log, err := nvrtcCompile(identity, source, options)
	if err != nil {
		return nil, log, err
	}
	if p.cfg.DumpDir != "" {
		name := filepath.Join(p.cfg.DumpDir, filepath.Base(identity)+".compute_"+strconv.Itoa(d.cc)+".ptx")
		if err := os.WriteFile(name, ptx, 0o644); err != nil {
			klog.Warningf("cannot dump PTX: %v", err)
		}
	}
	return ptx, log, nil
}

func nvrtcCheck(call string, r nvrtcResult, log string) error {
	if r == 0 {
		return nil
	}
	fe := failure.Compilation(log, "%s: %s", call, goString(nvrtcGetErrorString(r)))
	fe.Call, fe.Code = call, int(r)
	return fe
}

func nvrtcCompile(identity string, source []byte, options []string) (ptx []byte, log string, err error) {
	var prog uintptr
	if err := nvrtcCheck("nvrtcCreateProgram()", nvrtcCreateProgram(&prog, cString(string(source)), cString(identity), 0, nil, nil), ""); err != nil {
		return nil, "", err
	}
	defer nvrtcDestroyProgram(&prog)

	opts := make([]*byte, len(options))
	for i, o := range options {
		opts[i] = cString(o)
	}
	status := nvrtcCompileProgram(prog, int32(len(opts)), &opts[0])
	var logSize uint64
	if nvrtcGetProgramLogSize(prog, &logSize) == 0 && logSize > 1 {
		buf := make([]byte, logSize)
		nvrtcGetProgramLog(prog, &buf[0])
		log = goString(&buf[0])
	}
	if err := nvrtcCheck("nvrtcCompileProgram()", status, log); err != nil {
		return nil, log, err
	}

	var size uint64
	if err := nvrtcCheck("nvrtcGetPTXSize()", nvrtcGetPTXSize(prog, &size), log); err != nil {
		return nil, log, err
	}
	buf := make([]byte, size)
	if err := nvrtcCheck("nvrtcGetPTX()", nvrtcGetPTX(prog, &buf[0]), log); err != nil {
		return nil, log, err
	}
	return buf[:len(goString(&buf[0]))], log, nil
}

// LoadModule loads PTX into the device's context.
func (p *Platform) LoadModule(dev platform.DeviceID, identity string, binary []byte) (platform.Module, error) {
	d, err := p.device(dev)
	if err != nil {
		return 0, err
	}
	image := append(append([]byte(nil), binary...), 0)
	var mod uintptr
	err = withContext(d, func() error {
		return check("cuModuleLoadData()", cuModuleLoadData(&mod, unsafe.Pointer(&image[0])))
	})
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return platform.Module(p.modules.Put(mod)), nil
}

func (p *Platform) ResolveKernel(dev platform.DeviceID, mod platform.Module, name string) (platform.Kernel, error) {
	d, err := p.device(dev)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	m, ok := p.modules.Get(uint64(mod))
	p.mu.Unlock()
	if !ok {
		return 0, failure.Backend("cuModuleGetFunction()", 400, "invalid module handle")
	}
	var fn uintptr
	var r CUresult
	err = withContext(d, func() error {
		r = cuModuleGetFunction(&fn, m, cString(name))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if r != cudaSuccess {
		fe := failure.Resolution("kernel %s not found: %s", name, describe(r))
		fe.Call, fe.Code = "cuModuleGetFunction()", int(r)
		return 0, fe
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return platform.Kernel(p.kernels.Put(fn)), nil
}

// KernelAttributes implements platform.KernelInspector.
func (p *Platform) KernelAttributes(dev platform.DeviceID, k platform.Kernel) (platform.KernelAttributes, error) {
	var attrs platform.KernelAttributes
	d, err := p.device(dev)
	if err != nil {
		return attrs, err
	}
	p.mu.Lock()
	fn, ok := p.kernels.Get(uint64(k))
	p.mu.Unlock()
	if !ok {
		return attrs, failure.Backend("cuFuncGetAttribute()", 400, "invalid kernel handle")
	}
	err = withContext(d, func() error {
		for _, q := range []struct {
			attr int32
			dst  *int
		}{
			{cuFuncAttributeNumRegs, &attrs.Registers},
			{cuFuncAttributeSharedSizeBytes, &attrs.SharedBytes},
			{cuFuncAttributeConstSizeBytes, &attrs.ConstBytes},
			{cuFuncAttributeLocalSizeBytes, &attrs.LocalBytes},
			{cuFuncAttributeMaxThreadsPerBlock, &attrs.MaxThreadsPerBlock},
		} {
			var v int32
			if err := check("cuFuncGetAttribute()", cuFuncGetAttribute(&v, q.attr, fn)); err != nil {
				return err
			}
			*q.dst = int(v)
		}
		return nil
	})
	return attrs, err
}
