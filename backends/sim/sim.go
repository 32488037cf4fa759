// Package sim is an in-process accelerator family. Devices execute kernels
// from a Go library on goroutines, behind the same compile, load, resolve and
// launch protocol a native driver exposes. Its ABI is configurable so both
// argument representations can be exercised without hardware.
package sim

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/kernelcache"
	"github.com/notargets/DGRuntime/platform"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ABI selects the argument representation handed to a launch.
type ABI int

const (
	// PointerArray passes an array of argument addresses.
	PointerArray ABI = iota
	// PackedBuffer passes a packed kernarg segment.
	PackedBuffer
)

func (a ABI) String() string {
	if a == PackedBuffer {
		return "packed"
	}
	return "pointers"
}

// Config describes a simulated family.
type Config struct {
	Name    string
	Devices int
	Target  string
	ABI     ABI
	// StructBuffers passes struct arguments through a temporary device buffer
	// per launch instead of by value.
	StructBuffers bool
	// Unified enables AllocUnified.
	Unified            bool
	MemoryPerDevice    uint64
	MaxThreadsPerBlock int
	// Parallelism bounds the blocks executed concurrently per launch.
	Parallelism int
	// CompileDelay is added to every compilation.
	CompileDelay time.Duration
	// DumpDir, if set, receives a copy of every compiled binary.
	DumpDir string
	// Kernels extends or overrides Builtins.
	Kernels map[string]KernelFunc
}

// DefaultConfig is a single-device family with a pointer-array ABI.
func DefaultConfig() Config {
	return Config{
		Name:    "SIM",
		Devices: 1,
		Target:  "sim_10",
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "SIM"
	}
	if c.Devices == 0 {
		c.Devices = 1
	}
	if c.Target == "" {
		c.Target = "sim_10"
	}
	if c.MemoryPerDevice == 0 {
		c.MemoryPerDevice = 1 << 30
	}
	if c.MaxThreadsPerBlock == 0 {
		c.MaxThreadsPerBlock = 1024
	}
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.GOMAXPROCS(0)
	}
	return c
}

type buffer struct {
	class platform.HeapClass
	data  []byte
}

type device struct {
	id     platform.DeviceID
	allocs *platform.Handles[*buffer]
	used   atomic.Int64
	q      *queue
}

// Platform is a simulated family.
type Platform struct {
	cfg     Config
	env     platform.Env
	devices []*device
	engine  *kernelcache.Engine

	modules   *platform.Handles[*module]
	functions *platform.Handles[*kernelDecl]
}

var (
	_ platform.Platform        = (*Platform)(nil)
	_ platform.Toolchain       = (*Platform)(nil)
	_ platform.KernelInspector = (*Platform)(nil)
)

// New creates the family's devices.
func New(env platform.Env, cfg Config) (*Platform, error) {
	cfg = cfg.withDefaults()
	if cfg.Devices < 1 {
		return nil, errors.Errorf("sim: %s has no devices", cfg.Name)
	}
	p := &Platform{
		cfg:       cfg,
		env:       env,
		modules:   platform.NewHandles[*module](),
		functions: platform.NewHandles[*kernelDecl](),
	}
	for i := 0; i < cfg.Devices; i++ {
		p.devices = append(p.devices, &device{
			id:     platform.DeviceID(i),
			allocs: platform.NewHandles[*buffer](),
			q:      newQueue(64),
		})
	}
	p.engine = kernelcache.New(p, env, kernelcache.Options{Platform: cfg.Name, Devices: cfg.Devices, Ext: ".simisa"})
	klog.V(1).Infof("sim: %s with %d devices, %s ABI, %s per device", cfg.Name, cfg.Devices, cfg.ABI,
		humanize.IBytes(cfg.MemoryPerDevice))
	return p, nil
}

// Factory returns a platform.Factory for cfg.
func Factory(cfg Config) platform.Factory {
	return func(env platform.Env) (platform.Platform, error) {
		return New(env, cfg)
	}
}

// Engine exposes the compile-and-cache engine.
func (p *Platform) Engine() *kernelcache.Engine {
	return p.engine
}

// Close drains and stops the device queues.
func (p *Platform) Close() error {
	for _, d := range p.devices {
		d.q.close()
	}
	return nil
}

func (p *Platform) Name() string     { return p.cfg.Name }
func (p *Platform) DeviceCount() int { return len(p.devices) }

func (p *Platform) DeviceInfo(dev platform.DeviceID) platform.DeviceInfo {
	info := platform.DeviceInfo{
		Name:               fmt.Sprintf("%s device %d", p.cfg.Name, dev),
		Target:             p.cfg.Target,
		TotalMemory:        p.cfg.MemoryPerDevice,
		MaxThreadsPerBlock: p.cfg.MaxThreadsPerBlock,
		SharedMemPerBlock:  48 << 10,
		ComputeUnits:       p.cfg.Parallelism,
		Features:           []string{"abi=" + p.cfg.ABI.String()},
	}
	if p.cfg.Unified {
		info.Features = append(info.Features, "unified")
	}
	return info
}

func (p *Platform) device(dev platform.DeviceID) (*device, error) {
	if int(dev) >= len(p.devices) {
		return nil, failure.Configuration("%s: invalid device %d", p.cfg.Name, dev)
	}
	return p.devices[dev], nil
}

func (p *Platform) alloc(dev platform.DeviceID, class platform.HeapClass, size int64) (platform.Token, error) {
	d, err := p.device(dev)
	if err != nil {
		return platform.NilToken, err
	}
	if size < 0 {
		return platform.NilToken, failure.Configuration("negative allocation size %d", size)
	}
	if used := d.used.Add(size); uint64(used) > p.cfg.MemoryPerDevice {
		d.used.Add(-size)
		return platform.NilToken, failure.Backend("simMemAlloc()", 2,
			fmt.Sprintf("out of memory: %s requested, %s in use", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(used-size))))
	}
	id := d.allocs.Put(&buffer{class: class, data: deviceBytes(int(size))})
	return platform.MakeToken(class, id), nil
}

// deviceBytes returns 8-byte aligned zeroed memory.
func deviceBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func (p *Platform) Alloc(dev platform.DeviceID, size int64) (platform.Token, error) {
	return p.alloc(dev, platform.Device, size)
}

func (p *Platform) AllocHost(dev platform.DeviceID, size int64) (platform.Token, error) {
	return p.alloc(dev, platform.HostPinned, size)
}

func (p *Platform) AllocUnified(dev platform.DeviceID, size int64) (platform.Token, error) {
	if !p.cfg.Unified {
		return platform.NilToken, failure.Backend("simMemAllocManaged()", 801, "operation not supported: no unified memory")
	}
	return p.alloc(dev, platform.Unified, size)
}

func (p *Platform) release(dev platform.DeviceID, t platform.Token) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	// Work already queued may still reference the buffer.
	return d.q.do(func() error {
		b, ok := d.allocs.Delete(t.Index())
		if !ok {
			return failure.Backend("simMemFree()", 1, fmt.Sprintf("invalid token %s", t))
		}
		d.used.Add(-int64(len(b.data)))
		return nil
	})
}

func (p *Platform) Release(dev platform.DeviceID, t platform.Token) error {
	return p.release(dev, t)
}

func (p *Platform) ReleaseHost(dev platform.DeviceID, t platform.Token) error {
	return p.release(dev, t)
}

func (d *device) buffer(t platform.Token) (*buffer, error) {
	b, ok := d.allocs.Get(t.Index())
	if !ok {
		return nil, failure.Backend("simPointerGetAttribute()", 1, fmt.Sprintf("invalid token %s on device %d", t, d.id))
	}
	return b, nil
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
		return nil, failure.Configuration("%s memory is not host visible", b.class)
	}
	return b.data, nil
}

func window(b []byte, off, size int64) ([]byte, error) {
	if off < 0 || size < 0 || off+size > int64(len(b)) {
		return nil, failure.Configuration("range [%d, %d) outside allocation of %d bytes", off, off+size, len(b))
	}
	return b[off : off+size], nil
}

// Copy between two allocations, possibly on different devices. The copy is
// ordered after prior work on both devices.
func (p *Platform) Copy(devSrc platform.DeviceID, src platform.Token, offSrc int64,
	devDst platform.DeviceID, dst platform.Token, offDst int64, size int64) error {
	ds, err := p.device(devSrc)
	if err != nil {
		return err
	}
	dd, err := p.device(devDst)
	if err != nil {
		return err
	}
	var staged []byte
	if err := ds.q.do(func() error {
		b, err := ds.buffer(src)
		if err != nil {
			return err
		}
		from, err := window(b.data, offSrc, size)
		if err != nil {
			return err
		}
		if ds == dd {
			b2, err := dd.buffer(dst)
			if err != nil {
				return err
			}
			to, err := window(b2.data, offDst, size)
			if err != nil {
				return err
			}
			copy(to, from)
			return nil
		}
		staged = append([]byte(nil), from...)
		return nil
	}); err != nil || ds == dd {
		return err
	}
	return dd.q.do(func() error {
		b, err := dd.buffer(dst)
		if err != nil {
			return err
		}
		to, err := window(b.data, offDst, size)
		if err != nil {
			return err
		}
		copy(to, staged)
		return nil
	})
}

func (p *Platform) CopyFromHost(src []byte, devDst platform.DeviceID, dst platform.Token, offDst int64) error {
	d, err := p.device(devDst)
	if err != nil {
		return err
	}
	return d.q.do(func() error {
		b, err := d.buffer(dst)
		if err != nil {
			return err
		}
		to, err := window(b.data, offDst, int64(len(src)))
		if err != nil {
			return err
		}
		copy(to, src)
		return nil
	})
}

func (p *Platform) CopyToHost(devSrc platform.DeviceID, src platform.Token, offSrc int64, dst []byte) error {
	d, err := p.device(devSrc)
	if err != nil {
		return err
	}
	return d.q.do(func() error {
		b, err := d.buffer(src)
		if err != nil {
			return err
		}
		from, err := window(b.data, offSrc, int64(len(dst)))
		if err != nil {
			return err
		}
		copy(dst, from)
		return nil
	})
}

// Synchronize waits for the device queue and reports the first kernel
// failure since the previous synchronize.
func (p *Platform) Synchronize(dev platform.DeviceID) error {
	d, err := p.device(dev)
	if err != nil {
		return err
	}
	return d.q.wait()
}
