package sim

import (
	"encoding/binary"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/janpfeifer/must"
	"github.com/notargets/DGRuntime/diskcache"
	"github.com/notargets/DGRuntime/failure"
	"github.com/notargets/DGRuntime/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	sources   map[string]string
	profiling bool
	time      atomic.Uint64
	timed     atomic.Int32

	mu       sync.Mutex
	warnings []*failure.Error
}

func (e *testEnv) ProfilingEnabled() bool      { return e.profiling }
func (e *testEnv) AddKernelTime(us uint64)     { e.time.Add(us); e.timed.Add(1) }
func (e *testEnv) DiskCache() *diskcache.Cache { return nil }
func (e *testEnv) Warn(w *failure.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings = append(e.warnings, w)
}
func (e *testEnv) LoadSource(id string) ([]byte, error) {
	src, ok := e.sources[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(src), nil
}

const blas = `
# level 1 kernels
.kernel scale = scale_f64 ptr f64 i32
.kernel axpy = axpy_f64 ptr ptr f64 i32
.kernel axpy_params = axpy_params_f64 ptr ptr struct:12:8
.kernel invert_u8 ptr
.kernel boom ptr
`

func newPlatform(t *testing.T, cfg Config) (*Platform, *testEnv) {
	env := &testEnv{sources: map[string]string{"blas.sim": blas}}
	if cfg.Kernels == nil {
		cfg.Kernels = map[string]KernelFunc{
			"boom": func(b Block, a *Args) { _ = a.Buffer(0)[1<<20] },
		}
	}
	p := must.M1(New(env, cfg))
	t.Cleanup(func() { _ = p.Close() })
	return p, env
}

func float64Bytes(xs []float64) []byte {
	b := make([]byte, 8*len(xs))
	for i, x := range xs {
		binary.NativeEndian.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return b
}

func bytesFloat64(b []byte) []float64 {
	xs := make([]float64, len(b)/8)
	for i := range xs {
		xs[i] = math.Float64frombits(binary.NativeEndian.Uint64(b[8*i:]))
	}
	return xs
}

func axpyParams(alpha float64, n int32) []byte {
	b := make([]byte, 12)
	binary.NativeEndian.PutUint64(b[0:], math.Float64bits(alpha))
	binary.NativeEndian.PutUint32(b[8:], uint32(n))
	return b
}

func TestAxpyAcrossABIs(t *testing.T) {
	configs := map[string]Config{
		"Pointers":              {ABI: PointerArray},
		"Packed":                {ABI: PackedBuffer},
		"PackedStructBuffers":   {ABI: PackedBuffer, StructBuffers: true},
		"PointersStructBuffers": {ABI: PointerArray, StructBuffers: true},
	}
	const n = 256
	x, y := make([]float64, n), make([]float64, n)
	want := make([]float64, n)
	for i := range x {
		x[i], y[i] = float64(i), 1
		want[i] = 1 + 2*float64(i)
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			p, env := newPlatform(t, cfg)
			dx := must.M1(p.Alloc(0, 8*n))
			dy := must.M1(p.Alloc(0, 8*n))
			require.NoError(t, p.CopyFromHost(float64Bytes(x), 0, dx, 0))

			for _, kernel := range []string{"axpy", "axpy_params"} {
				require.NoError(t, p.CopyFromHost(float64Bytes(y), 0, dy, 0))
				args := []platform.KernelArg{platform.Ptr(dy), platform.Ptr(dx)}
				if kernel == "axpy" {
					args = append(args, platform.Val(2.0), platform.Val(int32(n)))
				} else {
					args = append(args, platform.StructArg(axpyParams(2, n), 8))
				}
				require.NoError(t, p.LaunchKernel(0, &platform.LaunchParams{
					Source: "blas.sim", Kernel: kernel,
					Grid: platform.Dim3{n, 1, 1}, Block: platform.Dim3{32, 1, 1},
					Args: args,
				}))
				require.NoError(t, p.Synchronize(0))
				out := make([]byte, 8*n)
				require.NoError(t, p.CopyToHost(0, dy, 0, out))
				assert.Equal(t, want, bytesFloat64(out), kernel)
			}
			assert.Empty(t, env.warnings)
			assert.Equal(t, int64(1), p.Engine().Stats().Compiles)
			require.NoError(t, p.Release(0, dx))
			require.NoError(t, p.Release(0, dy))
		})
	}
}

func TestStructBuffersAreReleased(t *testing.T) {
	p, _ := newPlatform(t, Config{StructBuffers: true})
	dx := must.M1(p.Alloc(0, 64))
	dy := must.M1(p.Alloc(0, 64))
	for i := 0; i < 4; i++ {
		require.NoError(t, p.LaunchKernel(0, &platform.LaunchParams{
			Source: "blas.sim", Kernel: "axpy_params",
			Grid: platform.Dim3{8, 1, 1}, Block: platform.Dim3{8, 1, 1},
			Args: []platform.KernelArg{platform.Ptr(dy), platform.Ptr(dx), platform.StructArg(axpyParams(1, 8), 8)},
		}))
	}
	require.NoError(t, p.Synchronize(0))
	assert.Equal(t, 2, p.devices[0].allocs.Len(), "only the two caller buffers remain")
}

func TestSegmentSizeMismatchWarns(t *testing.T) {
	p, env := newPlatform(t, Config{ABI: PackedBuffer})
	dx := must.M1(p.Alloc(0, 64))
	dy := must.M1(p.Alloc(0, 64))
	// A 4-byte aligned struct packs to 28 bytes; the kernel declares 8-byte alignment (32 bytes).
	require.NoError(t, p.LaunchKernel(0, &platform.LaunchParams{
		Source: "blas.sim", Kernel: "axpy_params",
		Grid: platform.Dim3{8, 1, 1}, Block: platform.Dim3{8, 1, 1},
		Args: []platform.KernelArg{platform.Ptr(dy), platform.Ptr(dx), platform.StructArg(axpyParams(1, 8), 4)},
	}))
	require.NoError(t, p.Synchronize(0))
	require.Len(t, env.warnings, 1)
	assert.Equal(t, failure.CacheIntegrityWarning, env.warnings[0].Kind)
}

func TestKernelFailureIsReportedOnSynchronize(t *testing.T) {
	p, _ := newPlatform(t, Config{})
	buf := must.M1(p.Alloc(0, 16))
	require.NoError(t, p.LaunchKernel(0, &platform.LaunchParams{
		Source: "blas.sim", Kernel: "boom",
		Grid: platform.Dim3{4, 1, 1}, Block: platform.Dim3{4, 1, 1},
		Args: []platform.KernelArg{platform.Ptr(buf)},
	}))
	err := p.Synchronize(0)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.BackendError, fe.Kind)
	assert.NoError(t, p.Synchronize(0), "the error is reported once")
}

func TestLaunchRejections(t *testing.T) {
	p, _ := newPlatform(t, Config{MaxThreadsPerBlock: 64})
	buf := must.M1(p.Alloc(0, 16))
	launch := func(kernel string, block uint32, args ...platform.KernelArg) error {
		return p.LaunchKernel(0, &platform.LaunchParams{
			Source: "blas.sim", Kernel: kernel,
			Grid: platform.Dim3{block, 1, 1}, Block: platform.Dim3{block, 1, 1}, Args: args,
		})
	}
	kind := func(err error) failure.Kind {
		fe, ok := failure.As(err)
		require.True(t, ok, "%v", err)
		return fe.Kind
	}
	assert.Equal(t, failure.BackendError, kind(launch("invert_u8", 128, platform.Ptr(buf))))
	assert.Equal(t, failure.BackendError, kind(launch("invert_u8", 8)))
	assert.Equal(t, failure.BackendError, kind(launch("invert_u8", 8, platform.Val(int32(1)))))
	assert.Equal(t, failure.ResolutionError, kind(launch("missing", 8)))
	assert.Equal(t, failure.ConfigurationError, kind(p.LaunchKernel(3, &platform.LaunchParams{})))
}

func TestCompileErrors(t *testing.T) {
	p, env := newPlatform(t, Config{})
	env.sources["bad.sim"] = ".kernel a = nowhere ptr\n.kernel b qux\n.section\n"
	err := p.LaunchKernel(0, &platform.LaunchParams{Source: "bad.sim", Kernel: "a",
		Grid: platform.Dim3{1, 1, 1}, Block: platform.Dim3{1, 1, 1}})
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.CompilationError, fe.Kind)
	assert.Contains(t, fe.Log, "bad.sim:1: undefined kernel body \"nowhere\"")
	assert.Contains(t, fe.Log, "bad.sim:2: unknown argument type \"qux\"")
	assert.Contains(t, fe.Log, "bad.sim:3: unknown directive \".section\"")
}

func TestLoadModuleChecksTarget(t *testing.T) {
	p, _ := newPlatform(t, Config{Target: "sim_20"})
	bin, _, err := p.Compile(0, "blas.sim", []byte(blas))
	require.NoError(t, err)
	_, err = p.LoadModule(0, "blas.sim", bin)
	require.NoError(t, err)

	other, _ := newPlatform(t, Config{Target: "sim_30"})
	_, err = other.LoadModule(0, "blas.sim", bin)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.BackendError, fe.Kind)
}

func TestMemoryClasses(t *testing.T) {
	p, _ := newPlatform(t, Config{MemoryPerDevice: 1024})
	_, err := p.AllocUnified(0, 16)
	assert.Error(t, err, "unified memory is disabled")

	d := must.M1(p.Alloc(0, 512))
	_, err = p.HostView(0, d)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.ConfigurationError, fe.Kind)

	h := must.M1(p.AllocHost(0, 256))
	view, err := p.HostView(0, h)
	require.NoError(t, err)
	assert.Len(t, view, 256)
	assert.Zero(t, uintptr(unsafe.Pointer(&view[0]))%8)

	_, err = p.Alloc(0, 512)
	assert.Error(t, err, "out of memory")
	require.NoError(t, p.Release(0, d))
	_, err = p.Alloc(0, 512)
	assert.NoError(t, err)

	u, _ := newPlatform(t, Config{Unified: true})
	tok, err := u.AllocUnified(0, 16)
	require.NoError(t, err)
	assert.Equal(t, platform.Unified, tok.Class())
	assert.True(t, u.DeviceInfo(0).HasFeature("unified"))
}

func TestCopyAcrossDevices(t *testing.T) {
	p, _ := newPlatform(t, Config{Devices: 2})
	a := must.M1(p.Alloc(0, 8))
	b := must.M1(p.Alloc(1, 8))
	require.NoError(t, p.CopyFromHost([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0, a, 0))
	require.NoError(t, p.Copy(0, a, 2, 1, b, 0, 4))
	out := make([]byte, 4)
	require.NoError(t, p.CopyToHost(1, b, 0, out))
	assert.Equal(t, []byte{3, 4, 5, 6}, out)
	assert.Error(t, p.Copy(0, a, 6, 1, b, 0, 4))
}

func TestProfiling(t *testing.T) {
	p, env := newPlatform(t, Config{})
	env.profiling = true
	buf := must.M1(p.Alloc(0, 1<<16))
	for i := 0; i < 3; i++ {
		require.NoError(t, p.LaunchKernel(0, &platform.LaunchParams{
			Source: "blas.sim", Kernel: "invert_u8",
			Grid: platform.Dim3{1024, 1, 1}, Block: platform.Dim3{64, 1, 1},
			Args: []platform.KernelArg{platform.Ptr(buf)},
		}))
	}
	require.NoError(t, p.Synchronize(0))
	out := make([]byte, 1<<16)
	require.NoError(t, p.CopyToHost(0, buf, 0, out))
	assert.Equal(t, byte(0xff), out[12345], "three inversions")
	assert.Equal(t, int32(3), env.timed.Load(), "every launch reports its kernel time")
}

func TestBlockSpan(t *testing.T) {
	grid := platform.Dim3{4, 1, 1}
	var covered int
	for x := uint32(0); x < 4; x++ {
		lo, hi := Block{Idx: platform.Dim3{x, 0, 0}, Dim: platform.Dim3{64, 1, 1}, Grid: grid}.Span(10)
		covered += hi - lo
	}
	assert.Equal(t, 10, covered)

	var threads int
	Block{Idx: platform.Dim3{1, 1, 0}, Dim: platform.Dim3{2, 3, 1}, Grid: platform.Dim3{2, 2, 1}}.ForEach(func(x, y, z int) {
		assert.True(t, x >= 2 && x < 4 && y >= 3 && y < 6 && z == 0)
		threads++
	})
	assert.Equal(t, 6, threads)
}

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		devices int
		fails   bool
	}{
		{"ZeroValue", Config{}, 1, false},
		{"Explicit", Config{Devices: 3}, 3, false},
		{"Negative", Config{Devices: -1}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(&testEnv{}, tt.cfg)
			if tt.fails {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = p.Close() }()
			assert.Equal(t, tt.devices, p.DeviceCount())
			assert.Equal(t, "SIM", p.Name())
		})
	}
}

func TestSynchronizeWhileCopying(t *testing.T) {
	p, _ := newPlatform(t, Config{})
	buf := must.M1(p.Alloc(0, 64))
	src := make([]byte, 64)

	const iterations = 5000
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			assert.NoError(t, p.CopyFromHost(src, 0, buf, 0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			assert.NoError(t, p.LaunchKernel(0, &platform.LaunchParams{
				Source: "blas.sim", Kernel: "invert_u8",
				Grid: platform.Dim3{64, 1, 1}, Block: platform.Dim3{64, 1, 1},
				Args: []platform.KernelArg{platform.Ptr(buf)},
			}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			assert.NoError(t, p.Synchronize(0))
		}
	}()
	wg.Wait()
	assert.NoError(t, p.Synchronize(0))
}

func TestQueueBarrier(t *testing.T) {
	q := newQueue(4)
	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, q.submit(func() error {
			ran.Add(1)
			return nil
		}))
	}
	require.NoError(t, q.wait())
	assert.Equal(t, int32(100), ran.Load(), "wait drains everything submitted before it")

	require.NoError(t, q.submit(func() error { return failure.Configuration("first") }))
	require.NoError(t, q.submit(func() error { return failure.Configuration("second") }))
	err := q.wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.NoError(t, q.wait(), "the failure is reported once")

	q.close()
	q.close()
	assert.Error(t, q.submit(func() error { return nil }))
	assert.Error(t, q.wait())
}
