// Package kernelcache is the per-device compile-and-cache engine shared by the
// accelerator backends.
//
// Every device owns a program cache (source identity -> module) and, nested
// in each program entry, a kernel cache (name -> kernel). A program entry is
// inserted together with its empty kernel table, so a reader never sees a
// module without one. The device mutex guards map access only: it is never
// held while sources are read, binaries compiled or the driver called.
//
// Concurrent first uses of the same identity on a device share one
// compilation (singleflight); distinct identities compile in parallel.
// Entries are append-only and never evicted.
package kernelcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Options configures an Engine.
type Options struct {
	// Platform names the owning platform in diagnostics.
	Platform string
	// Devices is the number of devices served.
	Devices int
	// Ext is the disk cache file extension for compiled binaries.
	Ext string
}

// Entry is an immutable cache entry for one (identity, kernel name) pair.
type Entry struct {
	Identity string
	Name     string
	Module   platform.Module
	Kernel   platform.Kernel
	Attrs    platform.KernelAttributes
}

type program struct {
	module  platform.Module
	kernels map[string]*Entry
}

type deviceCache struct {
	mu       sync.Mutex
	programs map[string]*program
	compiles singleflight.Group
	resolves singleflight.Group
}

// Stats counts engine activity since construction.
type Stats struct {
	Compiles    int64 // backend compilations
	DiskHits    int64 // binaries served from the disk cache
	ModuleLoads int64
	Resolves    int64
}

// Engine is safe for concurrent use.
type Engine struct {
	opts    Options
	tc      platform.Toolchain
	env     platform.Env
	devices []*deviceCache

	compiles, diskHits, moduleLoads, resolves atomic.Int64
}

// New returns an engine for opts.Devices devices.
func New(tc platform.Toolchain, env platform.Env, opts Options) *Engine {
	e := &Engine{opts: opts, tc: tc, env: env, devices: make([]*deviceCache, opts.Devices)}
	for i := range e.devices {
		e.devices[i] = &deviceCache{programs: make(map[string]*program)}
	}
	return e
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Compiles:    e.compiles.Load(),
		DiskHits:    e.diskHits.Load(),
		ModuleLoads: e.moduleLoads.Load(),
		Resolves:    e.resolves.Load(),
	}
}

// LoadKernel returns the cached entry for (identity, name) on dev, compiling
// and resolving it on first use. Every caller for the same pair receives the
// same *Entry.
func (e *Engine) LoadKernel(dev platform.DeviceID, identity, name string) (*Entry, error) {
	if int(dev) >= len(e.devices) {
		return nil, failure.Configuration("%s: device %d out of range [0, %d)", e.opts.Platform, dev, len(e.devices))
	}
	d := e.devices[dev]

	prog, err := e.program(d, dev, identity)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	entry := prog.kernels[name]
	d.mu.Unlock()
	if entry != nil {
		return entry, nil
	}

	v, err, _ := d.resolves.Do(identity+"\x00"+name, func() (any, error) {
		return e.resolve(d, dev, identity, name, prog)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Module returns the module for identity on dev, compiling it on first use.
func (e *Engine) Module(dev platform.DeviceID, identity string) (platform.Module, error) {
	if int(dev) >= len(e.devices) {
		return 0, failure.Configuration("%s: device %d out of range [0, %d)", e.opts.Platform, dev, len(e.devices))
	}
	prog, err := e.program(e.devices[dev], dev, identity)
	if err != nil {
		return 0, err
	}
	return prog.module, nil
}

// Cached reports the number of programs and kernels cached on dev. A device
// out of range has nothing cached.
func (e *Engine) Cached(dev platform.DeviceID) (programs, kernels int) {
	if int(dev) >= len(e.devices) {
		return 0, 0
	}
	d := e.devices[dev]
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.programs {
		kernels += len(p.kernels)
	}
	return len(d.programs), kernels
}

func (e *Engine) program(d *deviceCache, dev platform.DeviceID, identity string) (*program, error) {
	d.mu.Lock()
	prog := d.programs[identity]
	d.mu.Unlock()
	if prog != nil {
		return prog, nil
	}

	v, err, shared := d.compiles.Do(identity, func() (any, error) {
		// A previous flight may have finished between the lookup and Do.
		d.mu.Lock()
		prog := d.programs[identity]
		d.mu.Unlock()
		if prog != nil {
			return prog, nil
		}

		mod, err := e.buildModule(dev, identity)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if existing := d.programs[identity]; existing != nil {
			return existing, nil
		}
		prog = &program{module: mod, kernels: make(map[string]*Entry)}
		d.programs[identity] = prog
		return prog, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		klog.V(1).Infof("%s device %d: joined compilation of %s", e.opts.Platform, dev, identity)
	}
	return v.(*program), nil
}

func (e *Engine) buildModule(dev platform.DeviceID, identity string) (platform.Module, error) {
	source, err := e.env.LoadSource(identity)
	if err != nil {
		fe := failure.Compilation("", "cannot read source %s", identity)
		fe.Err = err
		return 0, fe.WithOp("load_kernel")
	}
	target := e.tc.Target(dev)
	key := cacheKey(target, source)
	cache := e.env.DiskCache()

	if cache != nil {
		if bin, ok := cache.Load(key, e.opts.Ext); ok {
			e.diskHits.Add(1)
			mod, err := e.loadModule(dev, identity, bin)
			if err == nil {
				return mod, nil
			}
			klog.Warningf("%s device %d: cached binary for %s does not load, recompiling: %v",
				e.opts.Platform, dev, identity, err)
		}
	}

	klog.V(1).Infof("%s device %d: compiling %s for %s", e.opts.Platform, dev, identity, target)
	e.compiles.Add(1)
	bin, log, err := e.tc.Compile(dev, identity, source)
	if err != nil {
		if fe, ok := failure.As(err); ok {
			if fe.Log == "" {
				fe.Log = log
			}
			return 0, fe.WithOp("load_kernel")
		}
		fe := failure.Compilation(log, "compiling %s for %s", identity, target)
		fe.Err = err
		return 0, fe.WithOp("load_kernel")
	}
	if log != "" {
		klog.V(1).Infof("%s device %d: compiler output for %s:\n%s", e.opts.Platform, dev, identity, log)
	}
	if cache != nil {
		if err := cache.Store(key, bin, e.opts.Ext); err != nil {
			klog.Warningf("%s: storing compiled %s: %v", e.opts.Platform, identity, err)
		}
	}
	return e.loadModule(dev, identity, bin)
}

func (e *Engine) loadModule(dev platform.DeviceID, identity string, bin []byte) (platform.Module, error) {
	e.moduleLoads.Add(1)
	mod, err := e.tc.LoadModule(dev, identity, bin)
	if err != nil {
		return 0, failure.Wrap(failure.BackendError, "load_kernel", err)
	}
	return mod, nil
}

func (e *Engine) resolve(d *deviceCache, dev platform.DeviceID, identity, name string, prog *program) (*Entry, error) {
	d.mu.Lock()
	entry := prog.kernels[name]
	d.mu.Unlock()
	if entry != nil {
		return entry, nil
	}

	e.resolves.Add(1)
	k, err := e.tc.ResolveKernel(dev, prog.module, name)
	if err != nil {
		return nil, failure.Wrap(failure.ResolutionError, "load_kernel", err)
	}
	entry = &Entry{Identity: identity, Name: name, Module: prog.module, Kernel: k}
	if insp, ok := e.tc.(platform.KernelInspector); ok {
		attrs, err := insp.KernelAttributes(dev, k)
		if err != nil {
			klog.V(1).Infof("%s device %d: no attributes for %s: %v", e.opts.Platform, dev, name, err)
		} else {
			entry.Attrs = attrs
			klog.V(2).Infof("%s device %d: kernel %s: %d registers, %d shared, %d const, %d local bytes, %d max threads",
				e.opts.Platform, dev, name, attrs.Registers, attrs.SharedBytes, attrs.ConstBytes,
				attrs.LocalBytes, attrs.MaxThreadsPerBlock)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing := prog.kernels[name]; existing != nil {
		return existing, nil
	}
	prog.kernels[name] = entry
	return entry, nil
}

// cacheKey prefixes the source with the target so binaries for different
// devices never collide.
func cacheKey(target string, source []byte) string {
	return fmt.Sprintf("%s\n%s", target, source)
}
