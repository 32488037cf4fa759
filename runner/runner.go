// Package runner is the runtime dispatcher. A Runtime owns the registered
// platforms, routes every call by (platform, device), and holds the state
// shared by all backends: the file table, the disk cache, the profiling flag
// and the kernel-time accumulator.
//
// The public methods never return errors. Failures go to the configured
// failure.Sink, which terminates the process by default.
package runner

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/notargets/DGRuntime/backends/dummy"
	"github.com/notargets/DGRuntime/backends/host"
	"github.com/notargets/DGRuntime/diskcache"
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"k8s.io/klog/v2"
)

type platformEntry struct {
	name    string
	factory platform.Factory
	once    sync.Once
	plat    platform.Platform
}

// Runtime is safe for concurrent use. Platform 0 is always the host.
type Runtime struct {
	cfg   Config
	sink  failure.Sink
	files *fileTable
	cache *diskcache.Cache

	mu        sync.RWMutex
	platforms []*platformEntry

	kernelTime atomic.Uint64
}

var _ platform.Env = (*Runtime)(nil)

// New creates a Runtime with the host platform registered as platform 0.
func New(cfg Config) *Runtime {
	r := &Runtime{
		cfg:   cfg,
		sink:  cfg.Sink,
		files: newFileTable(),
	}
	if r.sink == nil {
		r.sink = failure.FatalSink{}
	}
	if !cfg.DisableDiskCache {
		dir := cfg.CacheDir
		if dir == "" {
			dir = DefaultCacheDir()
		}
		r.cache = diskcache.New(dir)
		r.cache.Warn = r.Warn
	}
	r.Register(host.Name, host.Factory)
	return r
}

// Register appends a platform family and returns its id. The factory runs on
// first use; if it fails, a placeholder that rejects every operation takes
// the id.
func (r *Runtime) Register(name string, factory platform.Factory) platform.PlatformID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms = append(r.platforms, &platformEntry{name: name, factory: factory})
	return platform.PlatformID(len(r.platforms) - 1)
}

// PlatformCount returns the number of registered platforms.
func (r *Runtime) PlatformCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.platforms)
}

// PlatformName returns the name plat was registered under.
func (r *Runtime) PlatformName(plat platform.PlatformID) string {
	e, err := r.entry(plat)
	if err != nil {
		r.report("platform_name", err)
		return ""
	}
	return e.name
}

func (r *Runtime) entry(plat platform.PlatformID) (*platformEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(plat) >= len(r.platforms) {
		return nil, failure.Configuration("invalid platform %d, %d registered", plat, len(r.platforms))
	}
	return r.platforms[plat], nil
}

// Platform returns the platform registered under plat, constructing it on first use.
func (r *Runtime) Platform(plat platform.PlatformID) (platform.Platform, error) {
	e, err := r.entry(plat)
	if err != nil {
		return nil, err
	}
	e.once.Do(func() {
		p, err := e.factory(r)
		if err != nil {
			klog.Warningf("platform %s unavailable: %v", e.name, err)
			p = dummy.New(e.name, err)
		} else {
			klog.V(1).Infof("platform %d: %s with %d devices", plat, p.Name(), p.DeviceCount())
		}
		e.plat = p
	})
	return e.plat, nil
}

func (r *Runtime) device(plat platform.PlatformID, dev platform.DeviceID) (platform.Platform, error) {
	p, err := r.Platform(plat)
	if err != nil {
		return nil, err
	}
	if _, ok := p.(*dummy.Platform); ok {
		// every operation fails with its own BackendError
		return p, nil
	}
	if int(dev) >= p.DeviceCount() {
		return nil, failure.Configuration("invalid device %d on platform %d (%s), which has %d devices",
			dev, plat, p.Name(), p.DeviceCount())
	}
	return p, nil
}

// report sends err to the sink. Errors without a classification are BackendErrors.
func (r *Runtime) report(op string, err error) {
	failure.Report(r.sink, failure.Wrap(failure.BackendError, op, err))
}

// Sink returns the failure sink.
func (r *Runtime) Sink() failure.Sink {
	return r.sink
}

// ProfilingEnabled implements platform.Env.
func (r *Runtime) ProfilingEnabled() bool {
	return r.cfg.Profile == ProfileFull
}

// AddKernelTime implements platform.Env.
func (r *Runtime) AddKernelTime(us uint64) {
	r.kernelTime.Add(us)
}

// KernelTime returns the accumulated kernel time in microseconds.
func (r *Runtime) KernelTime() uint64 {
	return r.kernelTime.Load()
}

// DiskCache implements platform.Env. It is nil when the disk cache is disabled.
func (r *Runtime) DiskCache() *diskcache.Cache {
	return r.cache
}

// Warn implements platform.Env.
func (r *Runtime) Warn(err *failure.Error) {
	failure.Report(r.sink, err)
}

// DeviceCount returns the number of devices of plat.
func (r *Runtime) DeviceCount(plat platform.PlatformID) int {
	p, err := r.Platform(plat)
	if err != nil {
		r.report("device_count", err)
		return 0
	}
	return p.DeviceCount()
}

// DeviceInfo returns the static properties of a device.
func (r *Runtime) DeviceInfo(plat platform.PlatformID, dev platform.DeviceID) platform.DeviceInfo {
	p, err := r.device(plat, dev)
	if err != nil {
		r.report("device_info", err)
		return platform.DeviceInfo{}
	}
	return p.DeviceInfo(dev)
}

// Alloc allocates Device-class memory.
func (r *Runtime) Alloc(plat platform.PlatformID, dev platform.DeviceID, size int64) platform.Token {
	p, err := r.device(plat, dev)
	if err == nil {
		var t platform.Token
		if t, err = p.Alloc(dev, size); err == nil {
			return t
		}
	}
	r.report("alloc", err)
	return platform.NilToken
}

// AllocHost allocates HostPinned memory.
func (r *Runtime) AllocHost(plat platform.PlatformID, dev platform.DeviceID, size int64) platform.Token {
	p, err := r.device(plat, dev)
	if err == nil {
		var t platform.Token
		if t, err = p.AllocHost(dev, size); err == nil {
			return t
		}
	}
	r.report("alloc_host", err)
	return platform.NilToken
}

// AllocUnified allocates Unified memory.
func (r *Runtime) AllocUnified(plat platform.PlatformID, dev platform.DeviceID, size int64) platform.Token {
	p, err := r.device(plat, dev)
	if err == nil {
		var t platform.Token
		if t, err = p.AllocUnified(dev, size); err == nil {
			return t
		}
	}
	r.report("alloc_unified", err)
	return platform.NilToken
}

// Release frees a token returned by Alloc or AllocUnified on the same (plat, dev).
func (r *Runtime) Release(plat platform.PlatformID, dev platform.DeviceID, t platform.Token) {
	p, err := r.device(plat, dev)
	if err == nil {
		err = p.Release(dev, t)
	}
	if err != nil {
		r.report("release", err)
	}
}

// ReleaseHost frees a token returned by AllocHost on the same (plat, dev).
func (r *Runtime) ReleaseHost(plat platform.PlatformID, dev platform.DeviceID, t platform.Token) {
	p, err := r.device(plat, dev)
	if err == nil {
		err = p.ReleaseHost(dev, t)
	}
	if err != nil {
		r.report("release_host", err)
	}
}

// HostView returns the host-visible bytes of a HostPinned or Unified allocation.
func (r *Runtime) HostView(plat platform.PlatformID, dev platform.DeviceID, t platform.Token) []byte {
	p, err := r.device(plat, dev)
	if err == nil {
		var b []byte
		if b, err = p.HostView(dev, t); err == nil {
			return b
		}
	}
	r.report("host_view", err)
	return nil
}

// LaunchKernel checks the launch configuration and forwards it. The source
// identity is canonicalised so every spelling of a path shares one cache entry.
func (r *Runtime) LaunchKernel(plat platform.PlatformID, dev platform.DeviceID, params *platform.LaunchParams) {
	p, err := r.device(plat, dev)
	if err == nil {
		err = platform.ValidateLaunch(params.Grid, params.Block)
	}
	if err == nil {
		launch := *params
		launch.Source = canonical(params.Source)
		err = p.LaunchKernel(dev, &launch)
	}
	if err != nil {
		r.report("launch_kernel", err)
	}
}

// Synchronize blocks until all prior work on (plat, dev) completes. It has no
// timeout.
func (r *Runtime) Synchronize(plat platform.PlatformID, dev platform.DeviceID) {
	p, err := r.device(plat, dev)
	if err == nil {
		err = p.Synchronize(dev)
	}
	if err != nil {
		r.report("synchronize", err)
	}
}

// Close releases the platforms that hold background resources.
func (r *Runtime) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.platforms {
		if c, ok := e.plat.(io.Closer); ok {
			if err := c.Close(); err != nil {
				klog.Warningf("closing %s: %v", e.name, err)
			}
		}
	}
}
