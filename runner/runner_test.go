package runner

import (
	"bytes"
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/notargets/DGRuntime/backends/sim"
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simSource = `
# runtime test kernels
.kernel invert_u8 ptr
.kernel axpy = axpy_f64 ptr ptr f64 i32
.kernel fill = fill_f32 ptr f32 i32
.kernel iota = iota_i32 ptr i32
.kernel scale = scale_f64 ptr f64 i32
.kernel axpy_params = axpy_params_f64 ptr ptr struct:12:8
`

// newRuntime returns a runtime with a simulated family registered as platform 1.
func newRuntime(t *testing.T, sink failure.Sink) (*Runtime, platform.PlatformID) {
	t.Helper()
	r := New(Config{CacheDir: t.TempDir(), Sink: sink})
	id := r.Register("SIM", sim.Factory(sim.DefaultConfig()))
	r.RegisterFile("kernels.sim", simSource)
	t.Cleanup(r.Close)
	return r, id
}

func kinds(errs []*failure.Error) []failure.Kind {
	out := make([]failure.Kind, len(errs))
	for i, e := range errs {
		out[i] = e.Kind
	}
	return out
}

// ============================================================================
// End-to-end: allocate, upload, launch, download
// ============================================================================

func TestInvertScenario(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	require.Equal(t, platform.PlatformID(1), simID)

	const n = 4096
	host := make([]byte, n)
	for i := range host {
		host[i] = byte(i * 7)
	}

	buf := r.Alloc(simID, 0, n)
	require.NotEqual(t, platform.NilToken, buf)
	r.CopyFromHost(simID, 0, buf, 0, host)
	r.LaunchKernel(simID, 0, &platform.LaunchParams{
		Source: "kernels.sim",
		Kernel: "invert_u8",
		Grid:   platform.Dim3{256, 1, 1},
		Block:  platform.Dim3{64, 1, 1},
		Args:   []platform.KernelArg{platform.Ptr(buf)},
	})
	r.Synchronize(simID, 0)

	out := make([]byte, n)
	r.CopyToHost(simID, 0, buf, 0, out)
	for i := range out {
		require.Equal(t, ^host[i], out[i], "byte %d", i)
	}
	r.Release(simID, 0, buf)

	entries, err := r.DiskCache().List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRepeatedLaunchesCompileOnce(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	buf := r.Alloc(simID, 0, 64)
	for i := 0; i < 5; i++ {
		r.LaunchKernel(simID, 0, &platform.LaunchParams{
			Source: "./kernels.sim", Kernel: "invert_u8",
			Grid: platform.Dim3{64, 1, 1}, Block: platform.Dim3{64, 1, 1},
			Args: []platform.KernelArg{platform.Ptr(buf)},
		})
	}
	r.Synchronize(simID, 0)

	p, err := r.Platform(simID)
	require.NoError(t, err)
	stats := p.(*sim.Platform).Engine().Stats()
	assert.Equal(t, int64(1), stats.Compiles)
	assert.Equal(t, int64(1), stats.Resolves)
}

func TestConcurrentCallsOnOneDevice(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	buf := r.Alloc(simID, 0, 256)
	host := make([]byte, 256)

	const iterations = 2000
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				r.CopyFromHost(simID, 0, buf, 0, host)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				r.Synchronize(simID, 0)
			}
		}()
	}
	wg.Wait()
	r.Release(simID, 0, buf)
}

// ============================================================================
// Launch preconditions and configuration errors
// ============================================================================

func TestLaunchPreconditions(t *testing.T) {
	sink := &failure.CollectSink{}
	r, simID := newRuntime(t, sink)
	buf := r.Alloc(simID, 0, 64)

	tests := []struct {
		name  string
		grid  platform.Dim3
		block platform.Dim3
		fails bool
	}{
		{"Divisible", platform.Dim3{64, 1, 1}, platform.Dim3{32, 1, 1}, false},
		{"NotDivisible", platform.Dim3{100, 1, 1}, platform.Dim3{64, 1, 1}, true},
		{"ZeroGrid", platform.Dim3{0, 1, 1}, platform.Dim3{1, 1, 1}, true},
		{"ZeroBlock", platform.Dim3{64, 1, 1}, platform.Dim3{64, 0, 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink.Reset()
			r.LaunchKernel(simID, 0, &platform.LaunchParams{
				Source: "kernels.sim", Kernel: "invert_u8",
				Grid: tt.grid, Block: tt.block,
				Args: []platform.KernelArg{platform.Ptr(buf)},
			})
			r.Synchronize(simID, 0)
			if tt.fails {
				assert.Equal(t, []failure.Kind{failure.ConfigurationError}, kinds(sink.Failures()))
			} else {
				assert.Empty(t, sink.Failures())
			}
		})
	}
}

func TestInvalidPlatformAndDevice(t *testing.T) {
	err := exceptions.TryCatch[*failure.Error](func() {
		r, _ := newRuntime(t, failure.PanicSink{})
		r.Alloc(7, 0, 16)
	})
	require.NotNil(t, err)
	assert.Equal(t, failure.ConfigurationError, err.Kind)
	assert.Equal(t, "alloc", err.Op)

	sink := &failure.CollectSink{}
	r, simID := newRuntime(t, sink)
	assert.Equal(t, platform.NilToken, r.Alloc(simID, 3, 16))
	assert.Equal(t, platform.DeviceInfo{}, r.DeviceInfo(simID, 3))
	r.Synchronize(9, 0)
	assert.Equal(t, []failure.Kind{failure.ConfigurationError, failure.ConfigurationError, failure.ConfigurationError},
		kinds(sink.Failures()))
}

func TestCompilationAndResolutionErrors(t *testing.T) {
	sink := &failure.CollectSink{}
	r, simID := newRuntime(t, sink)
	r.RegisterFile("broken.sim", ".kernel\n")
	buf := r.Alloc(simID, 0, 64)
	launch := func(source, kernel string) {
		r.LaunchKernel(simID, 0, &platform.LaunchParams{
			Source: source, Kernel: kernel,
			Grid: platform.Dim3{64, 1, 1}, Block: platform.Dim3{64, 1, 1},
			Args: []platform.KernelArg{platform.Ptr(buf)},
		})
	}

	launch("broken.sim", "invert_u8")
	launch("kernels.sim", "missing")
	launch("does-not-exist.sim", "invert_u8")
	failures := sink.Failures()
	require.Len(t, failures, 3)
	assert.Equal(t, failure.CompilationError, failures[0].Kind)
	assert.NotEmpty(t, failures[0].Log)
	assert.Equal(t, failure.ResolutionError, failures[1].Kind)
	assert.Equal(t, failure.CompilationError, failures[2].Kind)
	for _, f := range failures {
		// the innermost operation names the failure
		assert.Equal(t, "load_kernel", f.Op)
	}
}

func TestUnavailablePlatform(t *testing.T) {
	sink := &failure.CollectSink{}
	r := New(Config{DisableDiskCache: true, Sink: sink})
	id := r.Register("BROKEN", func(platform.Env) (platform.Platform, error) {
		return nil, errors.New("no driver")
	})
	assert.Equal(t, 0, r.DeviceCount(id))
	assert.Equal(t, platform.NilToken, r.Alloc(id, 0, 16))
	failures := sink.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, failure.BackendError, failures[0].Kind)
	assert.Contains(t, failures[0].Error(), "not available")
	assert.Nil(t, r.DiskCache())
}

// ============================================================================
// Memory classes and host views
// ============================================================================

func TestHostPlatformMemory(t *testing.T) {
	r, _ := newRuntime(t, failure.PanicSink{})
	assert.Equal(t, "CPU", r.PlatformName(platform.HostPlatform))
	assert.Equal(t, 1, r.DeviceCount(platform.HostPlatform))

	pinned := r.AllocHost(platform.HostPlatform, 0, 128)
	view := r.HostView(platform.HostPlatform, 0, pinned)
	require.Len(t, view, 128)
	copy(view, "hello")
	out := make([]byte, 5)
	r.CopyToHost(platform.HostPlatform, 0, pinned, 0, out)
	assert.Equal(t, "hello", string(out))
	r.ReleaseHost(platform.HostPlatform, 0, pinned)

	// every host allocation is host visible
	dev := r.Alloc(platform.HostPlatform, 0, 16)
	assert.Len(t, r.HostView(platform.HostPlatform, 0, dev), 16)
	r.Release(platform.HostPlatform, 0, dev)
}

func TestDeviceMemoryIsNotHostVisible(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	pinned := r.AllocHost(simID, 0, 64)
	assert.Len(t, r.HostView(simID, 0, pinned), 64)

	err := exceptions.TryCatch[*failure.Error](func() {
		dev := r.Alloc(simID, 0, 16)
		r.HostView(simID, 0, dev)
	})
	require.NotNil(t, err)
	assert.Equal(t, failure.ConfigurationError, err.Kind)
	assert.Equal(t, "host_view", err.Op)
}

// ============================================================================
// Warmup, profiling and info
// ============================================================================

func TestWarmup(t *testing.T) {
	r, simID := newRuntime(t, failure.PanicSink{})
	r.Warmup(simID, 0, "kernels.sim", "invert_u8", "axpy", "fill", "iota")

	p, err := r.Platform(simID)
	require.NoError(t, err)
	stats := p.(*sim.Platform).Engine().Stats()
	assert.Equal(t, int64(1), stats.Compiles)
	assert.Equal(t, int64(4), stats.Resolves)

	// host compiles nothing
	r.Warmup(platform.HostPlatform, 0, "kernels.sim", "invert_u8")
}

func TestProfilingFlag(t *testing.T) {
	r := New(Config{Profile: ProfileFull, DisableDiskCache: true, Sink: failure.PanicSink{}})
	assert.True(t, r.ProfilingEnabled())
	r.AddKernelTime(40)
	r.AddKernelTime(2)
	assert.Equal(t, uint64(42), r.KernelTime())
	assert.False(t, New(Config{DisableDiskCache: true}).ProfilingEnabled())
}

func TestDisplayInfo(t *testing.T) {
	r, _ := newRuntime(t, failure.PanicSink{})
	infos := r.Info()
	require.Len(t, infos, 2)
	assert.Equal(t, "CPU", infos[0].Name)
	assert.Equal(t, "SIM", infos[1].Name)
	require.Len(t, infos[1].Devices, 1)
	assert.True(t, infos[1].Devices[0].HasFeature("abi=pointers"))

	var out bytes.Buffer
	r.DisplayInfo(&out)
	assert.Contains(t, out.String(), "Platform 1: SIM (1 devices)")
	assert.Contains(t, out.String(), "1.0 GiB")
	assert.Contains(t, out.String(), "Disk cache: ")
}
