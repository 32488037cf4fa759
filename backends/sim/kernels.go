package sim

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/notargets/DGRuntime/platform"
	"gonum.org/v1/gonum/floats"
)

// Block identifies one thread block of a launch. Grid is measured in blocks.
type Block struct {
	Idx  platform.Dim3
	Dim  platform.Dim3
	Grid platform.Dim3
}

// Linear returns the linear index of the block in the grid.
func (b Block) Linear() int {
	return int(b.Idx[0]) + int(b.Grid[0])*(int(b.Idx[1])+int(b.Grid[1])*int(b.Idx[2]))
}

// Count returns the number of blocks in the grid.
func (b Block) Count() int {
	return int(b.Grid.Size())
}

// Span returns the contiguous share [lo, hi) of n elements owned by this block.
func (b Block) Span(n int) (lo, hi int) {
	count := b.Count()
	per := (n + count - 1) / count
	lo = min(b.Linear()*per, n)
	hi = min(lo+per, n)
	return lo, hi
}

// ForEach calls fn with the global x, y, z index of every thread of the block.
func (b Block) ForEach(fn func(x, y, z int)) {
	for tz := uint32(0); tz < b.Dim[2]; tz++ {
		for ty := uint32(0); ty < b.Dim[1]; ty++ {
			for tx := uint32(0); tx < b.Dim[0]; tx++ {
				fn(int(b.Idx[0]*b.Dim[0]+tx), int(b.Idx[1]*b.Dim[1]+ty), int(b.Idx[2]*b.Dim[2]+tz))
			}
		}
	}
}

// KernelFunc is the body of a simulated kernel, called once per block and
// concurrently across blocks.
type KernelFunc func(b Block, args *Args)

// Args gives a kernel access to its arguments as the ABI delivered them.
type Args struct {
	raw  [][]byte
	bufs [][]byte
}

// Len returns the number of arguments.
func (a *Args) Len() int { return len(a.raw) }

// Raw returns the bytes of argument i.
func (a *Args) Raw(i int) []byte { return a.raw[i] }

func (a *Args) Int32(i int) int32     { return int32(binary.NativeEndian.Uint32(a.raw[i])) }
func (a *Args) Uint32(i int) uint32   { return binary.NativeEndian.Uint32(a.raw[i]) }
func (a *Args) Int64(i int) int64     { return int64(binary.NativeEndian.Uint64(a.raw[i])) }
func (a *Args) Float32(i int) float32 { return math.Float32frombits(binary.NativeEndian.Uint32(a.raw[i])) }
func (a *Args) Float64(i int) float64 { return math.Float64frombits(binary.NativeEndian.Uint64(a.raw[i])) }

// Buffer returns the device memory referenced by pointer argument i.
func (a *Args) Buffer(i int) []byte { return a.bufs[i] }

// Struct returns the bytes of struct argument i, wherever the ABI placed them.
func (a *Args) Struct(i int) []byte {
	if a.bufs[i] != nil {
		return a.bufs[i][:len(a.raw[i])]
	}
	return a.raw[i]
}

func (a *Args) Float32s(i int) []float32 { return view[float32](a.bufs[i]) }
func (a *Args) Float64s(i int) []float64 { return view[float64](a.bufs[i]) }
func (a *Args) Int32s(i int) []int32     { return view[int32](a.bufs[i]) }

// view reinterprets device memory. Device allocations are 8-byte aligned.
func view[T float32 | float64 | int32](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}

// Builtins is the kernel library every simulated device links against.
// Sources bind entry points to these bodies by name.
var Builtins = map[string]KernelFunc{
	// invert_u8(ptr): flips every byte of the buffer.
	"invert_u8": func(b Block, a *Args) {
		buf := a.Buffer(0)
		lo, hi := b.Span(len(buf))
		for i := lo; i < hi; i++ {
			buf[i] = ^buf[i]
		}
	},
	// iota_i32(ptr, i32 n): x[i] = i.
	"iota_i32": func(b Block, a *Args) {
		x := a.Int32s(0)
		lo, hi := b.Span(int(a.Int32(1)))
		for i := lo; i < hi; i++ {
			x[i] = int32(i)
		}
	},
	// fill_f32(ptr, f32 v, i32 n)
	"fill_f32": func(b Block, a *Args) {
		x := a.Float32s(0)
		v := a.Float32(1)
		lo, hi := b.Span(int(a.Int32(2)))
		for i := lo; i < hi; i++ {
			x[i] = v
		}
	},
	// scale_f64(ptr, f64 alpha, i32 n): x *= alpha.
	"scale_f64": func(b Block, a *Args) {
		x := a.Float64s(0)
		lo, hi := b.Span(int(a.Int32(2)))
		floats.Scale(a.Float64(1), x[lo:hi])
	},
	// axpy_f64(ptr y, ptr x, f64 alpha, i32 n): y += alpha*x.
	"axpy_f64": func(b Block, a *Args) {
		y, x := a.Float64s(0), a.Float64s(1)
		lo, hi := b.Span(int(a.Int32(3)))
		floats.AddScaled(y[lo:hi], a.Float64(2), x[lo:hi])
	},
	// axpy_params_f64(ptr y, ptr x, struct{f64 alpha; i32 n}): axpy with its
	// scalars passed as one struct argument.
	"axpy_params_f64": func(b Block, a *Args) {
		y, x := a.Float64s(0), a.Float64s(1)
		params := a.Struct(2)
		alpha := math.Float64frombits(binary.NativeEndian.Uint64(params[0:8]))
		n := int(int32(binary.NativeEndian.Uint32(params[8:12])))
		lo, hi := b.Span(n)
		floats.AddScaled(y[lo:hi], alpha, x[lo:hi])
	},
}
